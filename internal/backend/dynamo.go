package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/example/cqrs-engine/internal/eventstore"
)

// DynamoConfig holds DynamoDB table names and connection options.
// Endpoint is for local development (dynamodb-local); empty means the
// regular AWS endpoint resolution.
type DynamoConfig struct {
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	EventsTable    string `yaml:"events_table"`
	StreamsTable   string `yaml:"streams_table"`
	SnapshotsTable string `yaml:"snapshots_table"`
}

// DefaultDynamoConfig returns the conventional table names.
func DefaultDynamoConfig() DynamoConfig {
	return DynamoConfig{
		Region:         "us-east-1",
		EventsTable:    "events",
		StreamsTable:   "streams",
		SnapshotsTable: "snapshots",
	}
}

// allEventsPartition is the fixed GSI1 partition key value that puts
// every event on one index partition, ordered by insertion, so the
// global scan is a single Query.
const allEventsPartition = "EVENTS"

// DynamoBackend stores events in DynamoDB across three tables: events
// keyed by (aggregate_id, sequence_number), streams holding the
// authoritative version per aggregate, and snapshots keyed by
// (aggregate_id, sequence_number).
//
// Concurrency control is two conditional writes: each event item is put
// with attribute_not_exists on its composite key, and the stream version
// is advanced with a condition on the previously observed value. A lost
// race surfaces as ConditionalCheckFailedException and is reported as a
// version conflict.
type DynamoBackend struct {
	cfg    DynamoConfig
	client *dynamodb.Client
	logger *slog.Logger
}

// dynamoEvent is the DynamoDB item shape for events.
type dynamoEvent struct {
	AggregateID    string `dynamodbav:"aggregate_id"`
	SequenceNumber int64  `dynamodbav:"sequence_number"`
	EventID        string `dynamodbav:"event_id"`
	AggregateType  string `dynamodbav:"aggregate_type"`
	EventType      string `dynamodbav:"event_type"`
	Data           string `dynamodbav:"data"`
	Metadata       string `dynamodbav:"metadata"`
	CorrelationID  string `dynamodbav:"correlation_id,omitempty"`
	CreatedAt      string `dynamodbav:"created_at"`
	GSI1PK         string `dynamodbav:"gsi1pk"`
	GSI1SK         string `dynamodbav:"gsi1sk"`
}

type dynamoStream struct {
	AggregateID   string `dynamodbav:"aggregate_id"`
	AggregateType string `dynamodbav:"aggregate_type"`
	Version       int64  `dynamodbav:"version"`
	CreatedAt     string `dynamodbav:"created_at"`
	UpdatedAt     string `dynamodbav:"updated_at"`
}

type dynamoSnapshot struct {
	AggregateID    string `dynamodbav:"aggregate_id"`
	SequenceNumber int64  `dynamodbav:"sequence_number"`
	SnapshotID     string `dynamodbav:"snapshot_id"`
	AggregateType  string `dynamodbav:"aggregate_type"`
	State          string `dynamodbav:"state"`
	CreatedAt      string `dynamodbav:"created_at"`
}

// NewDynamoBackend returns an unconnected backend for the given tables.
func NewDynamoBackend(cfg DynamoConfig, logger *slog.Logger) *DynamoBackend {
	def := DefaultDynamoConfig()
	if cfg.Region == "" {
		cfg.Region = def.Region
	}
	if cfg.EventsTable == "" {
		cfg.EventsTable = def.EventsTable
	}
	if cfg.StreamsTable == "" {
		cfg.StreamsTable = def.StreamsTable
	}
	if cfg.SnapshotsTable == "" {
		cfg.SnapshotsTable = def.SnapshotsTable
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DynamoBackend{cfg: cfg, logger: logger}
}

// NewDynamoBackendWithClient wraps an existing client, for tests against
// dynamodb-local and for callers that manage AWS configuration themselves.
func NewDynamoBackendWithClient(client *dynamodb.Client, cfg DynamoConfig, logger *slog.Logger) *DynamoBackend {
	b := NewDynamoBackend(cfg, logger)
	b.client = client
	return b
}

func (b *DynamoBackend) Connect(ctx context.Context) error {
	if b.client != nil {
		return nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(b.cfg.Region))
	if err != nil {
		return &eventstore.ConnectionError{Backend: "dynamodb", Err: err}
	}

	b.client = dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if b.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(b.cfg.Endpoint)
		}
	})

	if _, err := b.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(b.cfg.EventsTable),
	}); err != nil {
		b.client = nil
		return &eventstore.ConnectionError{Backend: "dynamodb", Err: err}
	}

	b.logger.Info("connected to dynamodb",
		"region", b.cfg.Region, "events_table", b.cfg.EventsTable)
	return nil
}

func (b *DynamoBackend) Disconnect(ctx context.Context) error {
	b.client = nil
	return nil
}

func (b *DynamoBackend) HealthCheck(ctx context.Context) error {
	if b.client == nil {
		return eventstore.ErrNotConnected
	}
	_, err := b.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(b.cfg.EventsTable),
	})
	if err != nil {
		return &eventstore.ConnectionError{Backend: "dynamodb", Err: err}
	}
	return nil
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, r := range tce.CancellationReasons {
			if r.Code != nil && *r.Code == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}

func (b *DynamoBackend) AppendEvents(ctx context.Context, aggregateID string, events []eventstore.Event, expectedVersion int64) (int64, error) {
	if b.client == nil {
		return 0, eventstore.ErrNotConnected
	}
	if len(events) == 0 {
		return b.GetStreamVersion(ctx, aggregateID)
	}

	current, streamExists, err := b.readStream(ctx, aggregateID)
	if err != nil {
		return 0, err
	}
	if expectedVersion != eventstore.AnyVersion && current != expectedVersion {
		return 0, &eventstore.VersionConflictError{
			AggregateID: aggregateID,
			Expected:    expectedVersion,
			Actual:      current,
		}
	}

	next := current
	now := time.Now().UTC()
	items := make([]types.TransactWriteItem, 0, len(events)+1)
	for i := range events {
		next++
		events[i].AggregateID = aggregateID
		events[i].SequenceNumber = next

		metaJSON, err := json.Marshal(events[i].Metadata)
		if err != nil {
			return 0, &eventstore.QueryError{Backend: "dynamodb", Op: "encode metadata", Err: err}
		}
		data := string(events[i].Data)
		if data == "" {
			data = "{}"
		}

		av, err := attributevalue.MarshalMap(dynamoEvent{
			AggregateID:    aggregateID,
			SequenceNumber: next,
			EventID:        events[i].ID,
			AggregateType:  events[i].AggregateType,
			EventType:      events[i].EventType,
			Data:           data,
			Metadata:       string(metaJSON),
			CorrelationID:  events[i].Metadata.CorrelationID,
			CreatedAt:      now.Format(time.RFC3339Nano),
			GSI1PK:         allEventsPartition,
			// Timestamp-then-sequence keeps the global index ordered the
			// way events were written.
			GSI1SK: fmt.Sprintf("%s#%020d", now.Format(time.RFC3339Nano), next),
		})
		if err != nil {
			return 0, &eventstore.QueryError{Backend: "dynamodb", Op: "marshal event", Err: err}
		}

		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(b.cfg.EventsTable),
				Item:                av,
				ConditionExpression: aws.String("attribute_not_exists(aggregate_id) AND attribute_not_exists(sequence_number)"),
			},
		})
	}

	// The stream item is the authoritative version. Advancing it with a
	// condition on the value read above makes concurrent appends to the
	// same aggregate mutually exclusive.
	if streamExists {
		items = append(items, types.TransactWriteItem{
			Update: &types.Update{
				TableName: aws.String(b.cfg.StreamsTable),
				Key: map[string]types.AttributeValue{
					"aggregate_id": &types.AttributeValueMemberS{Value: aggregateID},
				},
				UpdateExpression:    aws.String("SET version = :next, updated_at = :now"),
				ConditionExpression: aws.String("version = :current"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":next":    &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", next)},
					":current": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", current)},
					":now":     &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
				},
			},
		})
	} else {
		streamAV, err := attributevalue.MarshalMap(dynamoStream{
			AggregateID:   aggregateID,
			AggregateType: events[0].AggregateType,
			Version:       next,
			CreatedAt:     now.Format(time.RFC3339Nano),
			UpdatedAt:     now.Format(time.RFC3339Nano),
		})
		if err != nil {
			return 0, &eventstore.QueryError{Backend: "dynamodb", Op: "marshal stream", Err: err}
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(b.cfg.StreamsTable),
				Item:                streamAV,
				ConditionExpression: aws.String("attribute_not_exists(aggregate_id)"),
			},
		})
	}

	_, err = b.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			actual, _, rerr := b.readStream(ctx, aggregateID)
			if rerr != nil {
				actual = current
			}
			expected := expectedVersion
			if expected == eventstore.AnyVersion {
				expected = current
			}
			return 0, &eventstore.VersionConflictError{
				AggregateID: aggregateID,
				Expected:    expected,
				Actual:      actual,
			}
		}
		return 0, &eventstore.QueryError{Backend: "dynamodb", Op: "append events", Err: err}
	}

	return next, nil
}

func (b *DynamoBackend) readStream(ctx context.Context, aggregateID string) (version int64, exists bool, err error) {
	result, err := b.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(b.cfg.StreamsTable),
		Key: map[string]types.AttributeValue{
			"aggregate_id": &types.AttributeValueMemberS{Value: aggregateID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, false, &eventstore.QueryError{Backend: "dynamodb", Op: "read stream", Err: err}
	}
	if result.Item == nil {
		return 0, false, nil
	}
	var s dynamoStream
	if err := attributevalue.UnmarshalMap(result.Item, &s); err != nil {
		return 0, false, &eventstore.QueryError{Backend: "dynamodb", Op: "unmarshal stream", Err: err}
	}
	return s.Version, true, nil
}

func (b *DynamoBackend) GetEvents(ctx context.Context, aggregateID string, fromSeq, toSeq int64) ([]eventstore.Event, error) {
	if b.client == nil {
		return nil, eventstore.ErrNotConnected
	}

	keyCond := "aggregate_id = :aid AND sequence_number > :from"
	values := map[string]types.AttributeValue{
		":aid":  &types.AttributeValueMemberS{Value: aggregateID},
		":from": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", fromSeq)},
	}
	if toSeq > 0 {
		keyCond = "aggregate_id = :aid AND sequence_number BETWEEN :from1 AND :to"
		delete(values, ":from")
		values[":from1"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", fromSeq+1)}
		values[":to"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", toSeq)}
	}

	var out []eventstore.Event
	var lastKey map[string]types.AttributeValue
	for {
		result, err := b.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(b.cfg.EventsTable),
			KeyConditionExpression:    aws.String(keyCond),
			ExpressionAttributeValues: values,
			ScanIndexForward:          aws.Bool(true),
			ExclusiveStartKey:         lastKey,
			ConsistentRead:            aws.Bool(true),
		})
		if err != nil {
			return nil, &eventstore.QueryError{Backend: "dynamodb", Op: "get events", Err: err}
		}
		events, err := unmarshalDynamoEvents(result.Items)
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
		if result.LastEvaluatedKey == nil {
			return out, nil
		}
		lastKey = result.LastEvaluatedKey
	}
}

func (b *DynamoBackend) GetAllEvents(ctx context.Context, opts eventstore.AllEventsOptions) ([]eventstore.Event, error) {
	if b.client == nil {
		return nil, eventstore.ErrNotConnected
	}

	maxCount := opts.MaxCount
	if maxCount <= 0 {
		maxCount = 1000
	}

	typeFilter := make(map[string]bool, len(opts.EventTypes))
	for _, t := range opts.EventTypes {
		typeFilter[t] = true
	}

	var out []eventstore.Event
	skipped := int64(0)
	var lastKey map[string]types.AttributeValue
	for {
		result, err := b.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(b.cfg.EventsTable),
			IndexName:              aws.String("GSI1"),
			KeyConditionExpression: aws.String("gsi1pk = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: allEventsPartition},
			},
			ScanIndexForward:  aws.Bool(true),
			ExclusiveStartKey: lastKey,
		})
		if err != nil {
			return nil, &eventstore.QueryError{Backend: "dynamodb", Op: "get all events", Err: err}
		}

		events, err := unmarshalDynamoEvents(result.Items)
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			if len(typeFilter) > 0 && !typeFilter[e.EventType] {
				continue
			}
			if skipped < opts.FromPosition {
				skipped++
				continue
			}
			out = append(out, e)
			if len(out) >= maxCount {
				return out, nil
			}
		}
		if result.LastEvaluatedKey == nil {
			return out, nil
		}
		lastKey = result.LastEvaluatedKey
	}
}

func (b *DynamoBackend) GetEventsByType(ctx context.Context, eventType string, opts eventstore.TypeQueryOptions) ([]eventstore.Event, error) {
	if b.client == nil {
		return nil, eventstore.ErrNotConnected
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}

	filter := "event_type = :et"
	values := map[string]types.AttributeValue{
		":pk": &types.AttributeValueMemberS{Value: allEventsPartition},
		":et": &types.AttributeValueMemberS{Value: eventType},
	}
	if opts.From != nil {
		filter += " AND created_at >= :from"
		values[":from"] = &types.AttributeValueMemberS{Value: opts.From.UTC().Format(time.RFC3339Nano)}
	}
	if opts.To != nil {
		filter += " AND created_at <= :to"
		values[":to"] = &types.AttributeValueMemberS{Value: opts.To.UTC().Format(time.RFC3339Nano)}
	}

	var out []eventstore.Event
	var lastKey map[string]types.AttributeValue
	for {
		result, err := b.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(b.cfg.EventsTable),
			IndexName:                 aws.String("GSI1"),
			KeyConditionExpression:    aws.String("gsi1pk = :pk"),
			FilterExpression:          aws.String(filter),
			ExpressionAttributeValues: values,
			ScanIndexForward:          aws.Bool(true),
			ExclusiveStartKey:         lastKey,
		})
		if err != nil {
			return nil, &eventstore.QueryError{Backend: "dynamodb", Op: "get events by type", Err: err}
		}
		events, err := unmarshalDynamoEvents(result.Items)
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			out = append(out, e)
			if len(out) >= limit {
				return out, nil
			}
		}
		if result.LastEvaluatedKey == nil {
			return out, nil
		}
		lastKey = result.LastEvaluatedKey
	}
}

func (b *DynamoBackend) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]eventstore.Event, error) {
	if b.client == nil {
		return nil, eventstore.ErrNotConnected
	}

	var out []eventstore.Event
	var lastKey map[string]types.AttributeValue
	for {
		result, err := b.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(b.cfg.EventsTable),
			IndexName:              aws.String("GSI1"),
			KeyConditionExpression: aws.String("gsi1pk = :pk"),
			FilterExpression:       aws.String("correlation_id = :cid"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":  &types.AttributeValueMemberS{Value: allEventsPartition},
				":cid": &types.AttributeValueMemberS{Value: correlationID},
			},
			ScanIndexForward:  aws.Bool(true),
			ExclusiveStartKey: lastKey,
		})
		if err != nil {
			return nil, &eventstore.QueryError{Backend: "dynamodb", Op: "get events by correlation id", Err: err}
		}
		events, err := unmarshalDynamoEvents(result.Items)
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
		if result.LastEvaluatedKey == nil {
			return out, nil
		}
		lastKey = result.LastEvaluatedKey
	}
}

func (b *DynamoBackend) ListStreams(ctx context.Context, opts eventstore.ListStreamsOptions) ([]eventstore.StreamInfo, error) {
	if b.client == nil {
		return nil, eventstore.ErrNotConnected
	}

	var streams []dynamoStream
	var lastKey map[string]types.AttributeValue
	for {
		result, err := b.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(b.cfg.StreamsTable),
			ExclusiveStartKey: lastKey,
		})
		if err != nil {
			return nil, &eventstore.QueryError{Backend: "dynamodb", Op: "list streams", Err: err}
		}
		var page []dynamoStream
		if err := attributevalue.UnmarshalListOfMaps(result.Items, &page); err != nil {
			return nil, &eventstore.QueryError{Backend: "dynamodb", Op: "unmarshal streams", Err: err}
		}
		streams = append(streams, page...)
		if result.LastEvaluatedKey == nil {
			break
		}
		lastKey = result.LastEvaluatedKey
	}

	sort.Slice(streams, func(i, j int) bool {
		return streams[i].AggregateID < streams[j].AggregateID
	})

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []eventstore.StreamInfo
	matched := 0
	for _, s := range streams {
		if opts.Prefix != "" && !strings.HasPrefix(s.AggregateID, opts.Prefix) {
			continue
		}
		if opts.AggregateType != "" && s.AggregateType != opts.AggregateType {
			continue
		}
		matched++
		if matched <= opts.Offset {
			continue
		}
		info := eventstore.StreamInfo{
			StreamID:      s.AggregateID,
			AggregateType: s.AggregateType,
			Version:       s.Version,
			EventCount:    s.Version,
		}
		if t, err := time.Parse(time.RFC3339Nano, s.CreatedAt); err == nil {
			info.CreatedAt = &t
		}
		if t, err := time.Parse(time.RFC3339Nano, s.UpdatedAt); err == nil {
			info.UpdatedAt = &t
		}
		out = append(out, info)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (b *DynamoBackend) StreamExists(ctx context.Context, aggregateID string) (bool, error) {
	if b.client == nil {
		return false, eventstore.ErrNotConnected
	}
	_, exists, err := b.readStream(ctx, aggregateID)
	return exists, err
}

func (b *DynamoBackend) GetStreamVersion(ctx context.Context, aggregateID string) (int64, error) {
	if b.client == nil {
		return 0, eventstore.ErrNotConnected
	}
	version, _, err := b.readStream(ctx, aggregateID)
	return version, err
}

func (b *DynamoBackend) DeleteStream(ctx context.Context, aggregateID string) error {
	if b.client == nil {
		return eventstore.ErrNotConnected
	}

	if _, err := b.TruncateStream(ctx, aggregateID, 1); err != nil {
		return err
	}
	return b.DeleteSnapshots(ctx, aggregateID)
}

func (b *DynamoBackend) SaveSnapshot(ctx context.Context, snapshot *eventstore.Snapshot) error {
	if b.client == nil {
		return eventstore.ErrNotConnected
	}

	state := string(snapshot.State)
	if state == "" {
		state = "{}"
	}
	av, err := attributevalue.MarshalMap(dynamoSnapshot{
		AggregateID:    snapshot.AggregateID,
		SequenceNumber: snapshot.SequenceNumber,
		SnapshotID:     snapshot.SnapshotID,
		AggregateType:  snapshot.AggregateType,
		State:          state,
		CreatedAt:      snapshot.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return &eventstore.QueryError{Backend: "dynamodb", Op: "marshal snapshot", Err: err}
	}

	// Same version overwrites the earlier snapshot, no condition.
	_, err = b.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.cfg.SnapshotsTable),
		Item:      av,
	})
	if err != nil {
		return &eventstore.QueryError{Backend: "dynamodb", Op: "save snapshot", Err: err}
	}
	return nil
}

func (b *DynamoBackend) GetSnapshot(ctx context.Context, aggregateID string, maxVersion int64) (*eventstore.Snapshot, error) {
	if b.client == nil {
		return nil, eventstore.ErrNotConnected
	}

	keyCond := "aggregate_id = :aid"
	values := map[string]types.AttributeValue{
		":aid": &types.AttributeValueMemberS{Value: aggregateID},
	}
	if maxVersion != eventstore.AnyVersion {
		keyCond += " AND sequence_number <= :max"
		values[":max"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", maxVersion)}
	}

	result, err := b.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(b.cfg.SnapshotsTable),
		KeyConditionExpression:    aws.String(keyCond),
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(false),
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return nil, &eventstore.QueryError{Backend: "dynamodb", Op: "get snapshot", Err: err}
	}
	if len(result.Items) == 0 {
		return nil, nil
	}

	var ds dynamoSnapshot
	if err := attributevalue.UnmarshalMap(result.Items[0], &ds); err != nil {
		return nil, &eventstore.QueryError{Backend: "dynamodb", Op: "unmarshal snapshot", Err: err}
	}

	snap := &eventstore.Snapshot{
		SnapshotID:     ds.SnapshotID,
		AggregateID:    ds.AggregateID,
		AggregateType:  ds.AggregateType,
		SequenceNumber: ds.SequenceNumber,
		State:          json.RawMessage(ds.State),
	}
	if t, err := time.Parse(time.RFC3339Nano, ds.CreatedAt); err == nil {
		snap.Timestamp = t
	}
	return snap, nil
}

func (b *DynamoBackend) DeleteSnapshots(ctx context.Context, aggregateID string) error {
	if b.client == nil {
		return eventstore.ErrNotConnected
	}

	var lastKey map[string]types.AttributeValue
	for {
		result, err := b.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(b.cfg.SnapshotsTable),
			KeyConditionExpression: aws.String("aggregate_id = :aid"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":aid": &types.AttributeValueMemberS{Value: aggregateID},
			},
			ProjectionExpression: aws.String("aggregate_id, sequence_number"),
			ExclusiveStartKey:    lastKey,
		})
		if err != nil {
			return &eventstore.QueryError{Backend: "dynamodb", Op: "delete snapshots", Err: err}
		}
		for _, item := range result.Items {
			_, err := b.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(b.cfg.SnapshotsTable),
				Key: map[string]types.AttributeValue{
					"aggregate_id":    item["aggregate_id"],
					"sequence_number": item["sequence_number"],
				},
			})
			if err != nil {
				return &eventstore.QueryError{Backend: "dynamodb", Op: "delete snapshots", Err: err}
			}
		}
		if result.LastEvaluatedKey == nil {
			return nil
		}
		lastKey = result.LastEvaluatedKey
	}
}

func (b *DynamoBackend) GetStatistics(ctx context.Context) (*eventstore.Statistics, error) {
	if b.client == nil {
		return nil, eventstore.ErrNotConnected
	}

	stats := &eventstore.Statistics{
		EventTypes:     make(map[string]int64),
		AggregateTypes: make(map[string]int64),
	}

	events, err := b.GetAllEvents(ctx, eventstore.AllEventsOptions{MaxCount: int(^uint(0) >> 1)})
	if err != nil {
		return nil, err
	}
	stats.TotalEvents = int64(len(events))
	for _, e := range events {
		stats.EventTypes[e.EventType]++
	}

	streams, err := b.ListStreams(ctx, eventstore.ListStreamsOptions{Limit: int(^uint(0) >> 1)})
	if err != nil {
		return nil, err
	}
	stats.TotalStreams = int64(len(streams))
	for _, s := range streams {
		if s.AggregateType != "" {
			stats.AggregateTypes[s.AggregateType]++
		}
	}

	var lastKey map[string]types.AttributeValue
	for {
		result, err := b.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(b.cfg.SnapshotsTable),
			Select:            types.SelectCount,
			ExclusiveStartKey: lastKey,
		})
		if err != nil {
			return nil, &eventstore.QueryError{Backend: "dynamodb", Op: "count snapshots", Err: err}
		}
		stats.TotalSnapshots += int64(result.Count)
		if result.LastEvaluatedKey == nil {
			break
		}
		lastKey = result.LastEvaluatedKey
	}

	return stats, nil
}

func (b *DynamoBackend) TruncateStream(ctx context.Context, aggregateID string, fromSeq int64) (int64, error) {
	if b.client == nil {
		return 0, eventstore.ErrNotConnected
	}

	var deleted int64
	var lastKey map[string]types.AttributeValue
	for {
		result, err := b.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(b.cfg.EventsTable),
			KeyConditionExpression: aws.String("aggregate_id = :aid AND sequence_number >= :from"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":aid":  &types.AttributeValueMemberS{Value: aggregateID},
				":from": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", fromSeq)},
			},
			ProjectionExpression: aws.String("aggregate_id, sequence_number"),
			ExclusiveStartKey:    lastKey,
		})
		if err != nil {
			return deleted, &eventstore.QueryError{Backend: "dynamodb", Op: "truncate stream", Err: err}
		}
		for _, item := range result.Items {
			_, err := b.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(b.cfg.EventsTable),
				Key: map[string]types.AttributeValue{
					"aggregate_id":    item["aggregate_id"],
					"sequence_number": item["sequence_number"],
				},
			})
			if err != nil {
				return deleted, &eventstore.QueryError{Backend: "dynamodb", Op: "truncate stream", Err: err}
			}
			deleted++
		}
		if result.LastEvaluatedKey == nil {
			break
		}
		lastKey = result.LastEvaluatedKey
	}

	newVersion := fromSeq - 1
	if newVersion <= 0 {
		_, err := b.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(b.cfg.StreamsTable),
			Key: map[string]types.AttributeValue{
				"aggregate_id": &types.AttributeValueMemberS{Value: aggregateID},
			},
		})
		if err != nil {
			return deleted, &eventstore.QueryError{Backend: "dynamodb", Op: "truncate stream", Err: err}
		}
	} else {
		_, err := b.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(b.cfg.StreamsTable),
			Key: map[string]types.AttributeValue{
				"aggregate_id": &types.AttributeValueMemberS{Value: aggregateID},
			},
			UpdateExpression: aws.String("SET version = :v, updated_at = :now"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":v":   &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", newVersion)},
				":now": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
			},
		})
		if err != nil {
			return deleted, &eventstore.QueryError{Backend: "dynamodb", Op: "truncate stream", Err: err}
		}
	}

	return deleted, nil
}

func unmarshalDynamoEvents(items []map[string]types.AttributeValue) ([]eventstore.Event, error) {
	out := make([]eventstore.Event, 0, len(items))
	for _, item := range items {
		var de dynamoEvent
		if err := attributevalue.UnmarshalMap(item, &de); err != nil {
			return nil, &eventstore.QueryError{Backend: "dynamodb", Op: "unmarshal event", Err: err}
		}

		e := eventstore.Event{
			ID:             de.EventID,
			AggregateID:    de.AggregateID,
			AggregateType:  de.AggregateType,
			EventType:      de.EventType,
			SequenceNumber: de.SequenceNumber,
			Data:           json.RawMessage(de.Data),
		}
		if de.Metadata != "" {
			if err := json.Unmarshal([]byte(de.Metadata), &e.Metadata); err != nil {
				return nil, &eventstore.QueryError{Backend: "dynamodb", Op: "decode metadata", Err: err}
			}
		}
		if e.Metadata.Timestamp.IsZero() {
			if t, err := time.Parse(time.RFC3339Nano, de.CreatedAt); err == nil {
				e.Metadata.Timestamp = t
			}
		}
		out = append(out, e)
	}
	return out, nil
}
