package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/example/cqrs-engine/internal/eventstore"
	"github.com/lib/pq"
)

// PostgresConfig holds PostgreSQL connection parameters. Plain values,
// not environment-coupled globals.
type PostgresConfig struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	Schema          string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns the conventional local defaults.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		Database:        "event_store",
		User:            "postgres",
		Schema:          "event_store",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  30 * time.Second,
	}
}

func (c PostgresConfig) dsn() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=disable connect_timeout=%d",
		c.Host, c.Port, c.Database, c.User, c.Password,
		int(c.ConnectTimeout.Seconds()),
	)
}

var schemaNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// PostgresBackend stores events in PostgreSQL under a dedicated schema
// with events, streams, and snapshots tables. The streams row lock taken
// during append is the serialization point that enforces the append
// invariant under concurrent writers; appends to different aggregates
// proceed fully concurrently.
type PostgresBackend struct {
	cfg    PostgresConfig
	db     *sql.DB
	schema string
	logger *slog.Logger
}

// NewPostgresBackend validates the configuration and returns an
// unconnected backend.
func NewPostgresBackend(cfg PostgresConfig, logger *slog.Logger) (*PostgresBackend, error) {
	if cfg.Schema == "" {
		cfg.Schema = "event_store"
	}
	if !schemaNameRe.MatchString(cfg.Schema) {
		return nil, fmt.Errorf("invalid schema name %q", cfg.Schema)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresBackend{cfg: cfg, schema: cfg.Schema, logger: logger}, nil
}

// q returns the quoted, schema-qualified table name.
func (b *PostgresBackend) q(table string) string {
	return fmt.Sprintf("%q.%q", b.schema, table)
}

func (b *PostgresBackend) Connect(ctx context.Context) error {
	if b.db != nil {
		return nil
	}

	db, err := sql.Open("postgres", b.cfg.dsn())
	if err != nil {
		return &eventstore.ConnectionError{Backend: "postgres", Err: err}
	}
	db.SetMaxOpenConns(b.cfg.MaxOpenConns)
	db.SetMaxIdleConns(b.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(b.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return &eventstore.ConnectionError{Backend: "postgres", Err: err}
	}

	b.db = db
	if err := b.ensureSchema(ctx); err != nil {
		db.Close()
		b.db = nil
		return err
	}

	b.logger.Info("connected to postgres",
		"host", b.cfg.Host, "database", b.cfg.Database, "schema", b.schema)
	return nil
}

func (b *PostgresBackend) Disconnect(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func (b *PostgresBackend) HealthCheck(ctx context.Context) error {
	if b.db == nil {
		return eventstore.ErrNotConnected
	}
	if err := b.db.PingContext(ctx); err != nil {
		return &eventstore.ConnectionError{Backend: "postgres", Err: err}
	}
	return nil
}

func (b *PostgresBackend) ensureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %q`, b.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			event_id        VARCHAR(36) PRIMARY KEY,
			aggregate_id    VARCHAR(255) NOT NULL,
			aggregate_type  VARCHAR(255),
			event_type      VARCHAR(255) NOT NULL,
			sequence_number BIGINT NOT NULL,
			data            JSONB NOT NULL DEFAULT '{}',
			metadata        JSONB NOT NULL DEFAULT '{}',
			timestamp       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT uq_aggregate_sequence UNIQUE (aggregate_id, sequence_number)
		)`, b.q("events")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			aggregate_id   VARCHAR(255) PRIMARY KEY,
			aggregate_type VARCHAR(255),
			version        BIGINT NOT NULL DEFAULT 0,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, b.q("streams")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			snapshot_id     VARCHAR(36) PRIMARY KEY,
			aggregate_id    VARCHAR(255) NOT NULL,
			aggregate_type  VARCHAR(255),
			sequence_number BIGINT NOT NULL,
			state           JSONB NOT NULL,
			timestamp       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT uq_snapshot_aggregate_version UNIQUE (aggregate_id, sequence_number)
		)`, b.q("snapshots")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_events_aggregate_id ON %s (aggregate_id)`, b.q("events")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_events_event_type ON %s (event_type)`, b.q("events")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON %s (timestamp)`, b.q("events")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_events_aggregate_type ON %s (aggregate_type)`, b.q("events")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_events_data ON %s USING GIN (data)`, b.q("events")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_events_metadata ON %s USING GIN (metadata)`, b.q("events")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_snapshots_aggregate_id ON %s (aggregate_id)`, b.q("snapshots")),
	}
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return &eventstore.QueryError{Backend: "postgres", Op: "ensure schema", Err: err}
		}
	}
	return nil
}

func (b *PostgresBackend) AppendEvents(ctx context.Context, aggregateID string, events []eventstore.Event, expectedVersion int64) (int64, error) {
	if b.db == nil {
		return 0, eventstore.ErrNotConnected
	}
	if len(events) == 0 {
		return b.GetStreamVersion(ctx, aggregateID)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &eventstore.QueryError{Backend: "postgres", Op: "begin append", Err: err}
	}
	defer tx.Rollback()

	// Row lock on the stream serializes version-check-and-insert for
	// this aggregate only.
	var current int64
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT version FROM %s WHERE aggregate_id = $1 FOR UPDATE`, b.q("streams")),
		aggregateID,
	).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		current = 0
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (aggregate_id, aggregate_type, version) VALUES ($1, $2, 0)`,
				b.q("streams")),
			aggregateID, events[0].AggregateType,
		)
		if err != nil {
			return 0, b.wrapAppendErr(aggregateID, expectedVersion, current, err)
		}
	case err != nil:
		return 0, &eventstore.QueryError{Backend: "postgres", Op: "lock stream", Err: err}
	}

	if expectedVersion != eventstore.AnyVersion && current != expectedVersion {
		return 0, &eventstore.VersionConflictError{
			AggregateID: aggregateID,
			Expected:    expectedVersion,
			Actual:      current,
		}
	}

	next := current
	for i := range events {
		next++
		events[i].AggregateID = aggregateID
		events[i].SequenceNumber = next

		meta, err := json.Marshal(events[i].Metadata)
		if err != nil {
			return 0, &eventstore.QueryError{Backend: "postgres", Op: "encode metadata", Err: err}
		}
		data := events[i].Data
		if len(data) == 0 {
			data = json.RawMessage(`{}`)
		}

		_, err = tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s
				(event_id, aggregate_id, aggregate_type, event_type, sequence_number, data, metadata, timestamp)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, b.q("events")),
			events[i].ID, aggregateID, events[i].AggregateType, events[i].EventType,
			events[i].SequenceNumber, []byte(data), meta, events[i].Metadata.Timestamp,
		)
		if err != nil {
			return 0, b.wrapAppendErr(aggregateID, expectedVersion, current, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET version = $1, updated_at = NOW() WHERE aggregate_id = $2`,
			b.q("streams")),
		next, aggregateID,
	)
	if err != nil {
		return 0, &eventstore.QueryError{Backend: "postgres", Op: "update stream version", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return 0, b.wrapAppendErr(aggregateID, expectedVersion, current, err)
	}
	return next, nil
}

// wrapAppendErr translates duplicate-key violations into the canonical
// version-conflict kind; everything else surfaces as a query error.
func (b *PostgresBackend) wrapAppendErr(aggregateID string, expected, actual int64, err error) error {
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		if expected == eventstore.AnyVersion {
			expected = actual
		}
		return &eventstore.VersionConflictError{
			AggregateID: aggregateID,
			Expected:    expected,
			Actual:      actual,
		}
	}
	return &eventstore.QueryError{Backend: "postgres", Op: "append events", Err: err}
}

const eventColumns = `event_id, aggregate_id, aggregate_type, event_type, sequence_number, data, metadata, timestamp`

func (b *PostgresBackend) GetEvents(ctx context.Context, aggregateID string, fromSeq, toSeq int64) ([]eventstore.Event, error) {
	if b.db == nil {
		return nil, eventstore.ErrNotConnected
	}

	var rows *sql.Rows
	var err error
	if toSeq > 0 {
		rows, err = b.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT %s FROM %s
				WHERE aggregate_id = $1 AND sequence_number > $2 AND sequence_number <= $3
				ORDER BY sequence_number`, eventColumns, b.q("events")),
			aggregateID, fromSeq, toSeq,
		)
	} else {
		rows, err = b.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT %s FROM %s
				WHERE aggregate_id = $1 AND sequence_number > $2
				ORDER BY sequence_number`, eventColumns, b.q("events")),
			aggregateID, fromSeq,
		)
	}
	if err != nil {
		return nil, &eventstore.QueryError{Backend: "postgres", Op: "get events", Err: err}
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (b *PostgresBackend) GetAllEvents(ctx context.Context, opts eventstore.AllEventsOptions) ([]eventstore.Event, error) {
	if b.db == nil {
		return nil, eventstore.ErrNotConnected
	}

	maxCount := opts.MaxCount
	if maxCount <= 0 {
		maxCount = 1000
	}

	var rows *sql.Rows
	var err error
	if len(opts.EventTypes) > 0 {
		rows, err = b.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT %s FROM %s
				WHERE event_type = ANY($1)
				ORDER BY timestamp, sequence_number
				OFFSET $2 LIMIT $3`, eventColumns, b.q("events")),
			pq.Array(opts.EventTypes), opts.FromPosition, maxCount,
		)
	} else {
		rows, err = b.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT %s FROM %s
				ORDER BY timestamp, sequence_number
				OFFSET $1 LIMIT $2`, eventColumns, b.q("events")),
			opts.FromPosition, maxCount,
		)
	}
	if err != nil {
		return nil, &eventstore.QueryError{Backend: "postgres", Op: "get all events", Err: err}
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (b *PostgresBackend) GetEventsByType(ctx context.Context, eventType string, opts eventstore.TypeQueryOptions) ([]eventstore.Event, error) {
	if b.db == nil {
		return nil, eventstore.ErrNotConnected
	}

	conds := []string{"event_type = $1"}
	args := []any{eventType}
	if opts.From != nil {
		args = append(args, *opts.From)
		conds = append(conds, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if opts.To != nil {
		args = append(args, *opts.To)
		conds = append(conds, fmt.Sprintf("timestamp <= $%d", len(args)))
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}
	args = append(args, limit)

	rows, err := b.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE %s
			ORDER BY timestamp, sequence_number LIMIT $%d`,
			eventColumns, b.q("events"), strings.Join(conds, " AND "), len(args)),
		args...,
	)
	if err != nil {
		return nil, &eventstore.QueryError{Backend: "postgres", Op: "get events by type", Err: err}
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (b *PostgresBackend) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]eventstore.Event, error) {
	if b.db == nil {
		return nil, eventstore.ErrNotConnected
	}

	rows, err := b.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s
			WHERE metadata->>'correlation_id' = $1
			ORDER BY timestamp, sequence_number`, eventColumns, b.q("events")),
		correlationID,
	)
	if err != nil {
		return nil, &eventstore.QueryError{Backend: "postgres", Op: "get events by correlation id", Err: err}
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (b *PostgresBackend) ListStreams(ctx context.Context, opts eventstore.ListStreamsOptions) ([]eventstore.StreamInfo, error) {
	if b.db == nil {
		return nil, eventstore.ErrNotConnected
	}

	var conds []string
	var args []any
	if opts.Prefix != "" {
		args = append(args, opts.Prefix+"%")
		conds = append(conds, fmt.Sprintf("s.aggregate_id LIKE $%d", len(args)))
	}
	if opts.AggregateType != "" {
		args = append(args, opts.AggregateType)
		conds = append(conds, fmt.Sprintf("s.aggregate_type = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, opts.Offset)

	rows, err := b.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT s.aggregate_id, s.aggregate_type, s.version, s.created_at, s.updated_at,
				(SELECT COUNT(*) FROM %s e WHERE e.aggregate_id = s.aggregate_id) AS event_count
			FROM %s s %s
			ORDER BY s.aggregate_id
			LIMIT $%d OFFSET $%d`,
			b.q("events"), b.q("streams"), where, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return nil, &eventstore.QueryError{Backend: "postgres", Op: "list streams", Err: err}
	}
	defer rows.Close()

	var out []eventstore.StreamInfo
	for rows.Next() {
		var info eventstore.StreamInfo
		var aggType sql.NullString
		var created, updated time.Time
		if err := rows.Scan(&info.StreamID, &aggType, &info.Version, &created, &updated, &info.EventCount); err != nil {
			return nil, &eventstore.QueryError{Backend: "postgres", Op: "scan stream", Err: err}
		}
		info.AggregateType = aggType.String
		info.CreatedAt = &created
		info.UpdatedAt = &updated
		out = append(out, info)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) StreamExists(ctx context.Context, aggregateID string) (bool, error) {
	if b.db == nil {
		return false, eventstore.ErrNotConnected
	}
	var exists bool
	err := b.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE aggregate_id = $1)`, b.q("streams")),
		aggregateID,
	).Scan(&exists)
	if err != nil {
		return false, &eventstore.QueryError{Backend: "postgres", Op: "stream exists", Err: err}
	}
	return exists, nil
}

func (b *PostgresBackend) GetStreamVersion(ctx context.Context, aggregateID string) (int64, error) {
	if b.db == nil {
		return 0, eventstore.ErrNotConnected
	}
	var version int64
	err := b.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT version FROM %s WHERE aggregate_id = $1`, b.q("streams")),
		aggregateID,
	).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, &eventstore.QueryError{Backend: "postgres", Op: "get stream version", Err: err}
	}
	return version, nil
}

func (b *PostgresBackend) DeleteStream(ctx context.Context, aggregateID string) error {
	if b.db == nil {
		return eventstore.ErrNotConnected
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return &eventstore.QueryError{Backend: "postgres", Op: "begin delete stream", Err: err}
	}
	defer tx.Rollback()

	for _, table := range []string{"events", "snapshots", "streams"} {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE aggregate_id = $1`, b.q(table)),
			aggregateID,
		); err != nil {
			return &eventstore.QueryError{Backend: "postgres", Op: "delete stream", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &eventstore.QueryError{Backend: "postgres", Op: "delete stream", Err: err}
	}
	return nil
}

func (b *PostgresBackend) SaveSnapshot(ctx context.Context, snapshot *eventstore.Snapshot) error {
	if b.db == nil {
		return eventstore.ErrNotConnected
	}

	state := snapshot.State
	if len(state) == 0 {
		state = json.RawMessage(`{}`)
	}
	_, err := b.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s
			(snapshot_id, aggregate_id, aggregate_type, sequence_number, state, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (aggregate_id, sequence_number)
			DO UPDATE SET state = $5, timestamp = $6`, b.q("snapshots")),
		snapshot.SnapshotID, snapshot.AggregateID, snapshot.AggregateType,
		snapshot.SequenceNumber, []byte(state), snapshot.Timestamp,
	)
	if err != nil {
		return &eventstore.QueryError{Backend: "postgres", Op: "save snapshot", Err: err}
	}
	return nil
}

func (b *PostgresBackend) GetSnapshot(ctx context.Context, aggregateID string, maxVersion int64) (*eventstore.Snapshot, error) {
	if b.db == nil {
		return nil, eventstore.ErrNotConnected
	}

	query := fmt.Sprintf(`SELECT snapshot_id, aggregate_id, aggregate_type, sequence_number, state, timestamp
		FROM %s WHERE aggregate_id = $1`, b.q("snapshots"))
	args := []any{aggregateID}
	if maxVersion != eventstore.AnyVersion {
		query += " AND sequence_number <= $2"
		args = append(args, maxVersion)
	}
	query += " ORDER BY sequence_number DESC LIMIT 1"

	var snap eventstore.Snapshot
	var aggType sql.NullString
	err := b.db.QueryRowContext(ctx, query, args...).Scan(
		&snap.SnapshotID, &snap.AggregateID, &aggType,
		&snap.SequenceNumber, (*[]byte)(&snap.State), &snap.Timestamp,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &eventstore.QueryError{Backend: "postgres", Op: "get snapshot", Err: err}
	}
	snap.AggregateType = aggType.String
	return &snap, nil
}

func (b *PostgresBackend) DeleteSnapshots(ctx context.Context, aggregateID string) error {
	if b.db == nil {
		return eventstore.ErrNotConnected
	}
	_, err := b.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE aggregate_id = $1`, b.q("snapshots")),
		aggregateID,
	)
	if err != nil {
		return &eventstore.QueryError{Backend: "postgres", Op: "delete snapshots", Err: err}
	}
	return nil
}

func (b *PostgresBackend) GetStatistics(ctx context.Context) (*eventstore.Statistics, error) {
	if b.db == nil {
		return nil, eventstore.ErrNotConnected
	}

	stats := &eventstore.Statistics{
		EventTypes:     make(map[string]int64),
		AggregateTypes: make(map[string]int64),
	}

	counts := map[string]*int64{
		"events":    &stats.TotalEvents,
		"streams":   &stats.TotalStreams,
		"snapshots": &stats.TotalSnapshots,
	}
	for table, dest := range counts {
		if err := b.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s`, b.q(table)),
		).Scan(dest); err != nil {
			return nil, &eventstore.QueryError{Backend: "postgres", Op: "count " + table, Err: err}
		}
	}

	rows, err := b.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT event_type, COUNT(*) FROM %s GROUP BY event_type`, b.q("events")))
	if err != nil {
		return nil, &eventstore.QueryError{Backend: "postgres", Op: "event type histogram", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, &eventstore.QueryError{Backend: "postgres", Op: "event type histogram", Err: err}
		}
		stats.EventTypes[t] = n
	}

	aggRows, err := b.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT aggregate_type, COUNT(*) FROM %s
			WHERE aggregate_type IS NOT NULL GROUP BY aggregate_type`, b.q("streams")))
	if err != nil {
		return nil, &eventstore.QueryError{Backend: "postgres", Op: "aggregate type histogram", Err: err}
	}
	defer aggRows.Close()
	for aggRows.Next() {
		var t string
		var n int64
		if err := aggRows.Scan(&t, &n); err != nil {
			return nil, &eventstore.QueryError{Backend: "postgres", Op: "aggregate type histogram", Err: err}
		}
		stats.AggregateTypes[t] = n
	}

	var size sql.NullInt64
	if err := b.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT pg_total_relation_size('%s.events')`, b.schema),
	).Scan(&size); err == nil {
		stats.SizeBytes = size.Int64
	}

	return stats, nil
}

func (b *PostgresBackend) TruncateStream(ctx context.Context, aggregateID string, fromSeq int64) (int64, error) {
	if b.db == nil {
		return 0, eventstore.ErrNotConnected
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &eventstore.QueryError{Backend: "postgres", Op: "begin truncate", Err: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE aggregate_id = $1 AND sequence_number >= $2`, b.q("events")),
		aggregateID, fromSeq,
	)
	if err != nil {
		return 0, &eventstore.QueryError{Backend: "postgres", Op: "truncate stream", Err: err}
	}
	deleted, _ := res.RowsAffected()

	newVersion := fromSeq - 1
	if newVersion <= 0 {
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE aggregate_id = $1`, b.q("streams")),
			aggregateID,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET version = $1, updated_at = NOW() WHERE aggregate_id = $2`,
				b.q("streams")),
			newVersion, aggregateID,
		)
	}
	if err != nil {
		return 0, &eventstore.QueryError{Backend: "postgres", Op: "truncate stream version", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return 0, &eventstore.QueryError{Backend: "postgres", Op: "truncate stream", Err: err}
	}
	return deleted, nil
}

func scanEvents(rows *sql.Rows) ([]eventstore.Event, error) {
	var out []eventstore.Event
	for rows.Next() {
		var e eventstore.Event
		var aggType sql.NullString
		var data, meta []byte
		var ts time.Time
		if err := rows.Scan(&e.ID, &e.AggregateID, &aggType, &e.EventType,
			&e.SequenceNumber, &data, &meta, &ts); err != nil {
			return nil, &eventstore.QueryError{Backend: "postgres", Op: "scan event", Err: err}
		}
		e.AggregateType = aggType.String
		e.Data = json.RawMessage(data)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, &eventstore.QueryError{Backend: "postgres", Op: "decode metadata", Err: err}
			}
		}
		if e.Metadata.Timestamp.IsZero() {
			e.Metadata.Timestamp = ts
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
