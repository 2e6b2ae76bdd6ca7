package aggregate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/cqrs-engine/internal/eventstore"
)

// account is a small event-sourced aggregate used across these tests.
type account struct {
	Root    `json:"-"`
	Owner   string `json:"owner"`
	Balance int64  `json:"balance"`
	Closed  bool   `json:"closed"`
}

type accountOpened struct {
	Owner string `json:"owner"`
}

type moneyMoved struct {
	Amount int64 `json:"amount"`
}

func newAccount(id string) *account {
	a := &account{}
	a.Init(id, "Account")
	a.RegisterHandler("AccountOpened", func(e eventstore.Event) error {
		var payload accountOpened
		if err := e.UnmarshalData(&payload); err != nil {
			return err
		}
		a.Owner = payload.Owner
		return nil
	})
	a.RegisterHandler("MoneyDeposited", func(e eventstore.Event) error {
		var payload moneyMoved
		if err := e.UnmarshalData(&payload); err != nil {
			return err
		}
		a.Balance += payload.Amount
		return nil
	})
	a.RegisterHandler("MoneyWithdrawn", func(e eventstore.Event) error {
		var payload moneyMoved
		if err := e.UnmarshalData(&payload); err != nil {
			return err
		}
		a.Balance -= payload.Amount
		return nil
	})
	a.RegisterHandler("AccountClosed", func(e eventstore.Event) error {
		a.Closed = true
		return nil
	})
	return a
}

func TestRaiseAppliesImmediately(t *testing.T) {
	a := newAccount("acc-1")

	require.NoError(t, a.Raise("AccountOpened", accountOpened{Owner: "alice"}))
	require.NoError(t, a.Raise("MoneyDeposited", moneyMoved{Amount: 100}))

	assert.Equal(t, "alice", a.Owner)
	assert.Equal(t, int64(100), a.Balance)
	assert.Equal(t, int64(2), a.CurrentVersion())
	assert.Len(t, a.UncommittedEvents(), 2)
}

func TestRaiseUnknownEventType(t *testing.T) {
	a := newAccount("acc-1")
	err := a.Raise("NoSuchEvent", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handler registered")
	assert.Empty(t, a.UncommittedEvents())
	assert.Zero(t, a.CurrentVersion())
}

func TestLoadFromHistorySkipsReplayedEvents(t *testing.T) {
	a := newAccount("acc-1")
	require.NoError(t, a.Raise("AccountOpened", accountOpened{Owner: "bob"}))
	require.NoError(t, a.Raise("MoneyDeposited", moneyMoved{Amount: 50}))

	// Replaying the full history over current state must not double-apply.
	events := append([]eventstore.Event(nil), a.UncommittedEvents()...)
	require.NoError(t, a.LoadFromHistory(events))
	assert.Equal(t, int64(50), a.Balance)
	assert.Equal(t, int64(2), a.CurrentVersion())
}

func TestRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := eventstore.New()
	repo := NewRepository(store, newAccount, nil)

	a := newAccount("acc-42")
	require.NoError(t, a.Raise("AccountOpened", accountOpened{Owner: "carol"}))
	require.NoError(t, a.Raise("MoneyDeposited", moneyMoved{Amount: 300}))
	require.NoError(t, a.Raise("MoneyWithdrawn", moneyMoved{Amount: 120}))
	require.NoError(t, repo.Save(ctx, a))

	assert.Empty(t, a.UncommittedEvents())
	assert.Equal(t, int64(3), a.CurrentVersion())

	loaded, found, err := repo.GetByID(ctx, "acc-42")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "carol", loaded.Owner)
	assert.Equal(t, int64(180), loaded.Balance)
	assert.Equal(t, int64(3), loaded.CurrentVersion())
}

func TestRepositoryGetByIDMissing(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(eventstore.New(), newAccount, nil)

	loaded, found, err := repo.GetByID(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, loaded)
}

func TestRepositorySaveConflict(t *testing.T) {
	ctx := context.Background()
	store := eventstore.New()
	repo := NewRepository(store, newAccount, nil)

	a := newAccount("acc-7")
	require.NoError(t, a.Raise("AccountOpened", accountOpened{Owner: "dave"}))
	require.NoError(t, repo.Save(ctx, a))

	// Two sessions load the same version and both try to save.
	first, _, err := repo.GetByID(ctx, "acc-7")
	require.NoError(t, err)
	second, _, err := repo.GetByID(ctx, "acc-7")
	require.NoError(t, err)

	require.NoError(t, first.Raise("MoneyDeposited", moneyMoved{Amount: 10}))
	require.NoError(t, repo.Save(ctx, first))

	require.NoError(t, second.Raise("MoneyDeposited", moneyMoved{Amount: 20}))
	err = repo.Save(ctx, second)
	require.Error(t, err)
	assert.True(t, eventstore.IsVersionConflict(err))
}

func TestRepositorySnapshotRestore(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewWithOptions(eventstore.Options{SnapshotInterval: 5})
	repo := NewRepository(store, newAccount, nil)

	a := newAccount("acc-9")
	require.NoError(t, a.Raise("AccountOpened", accountOpened{Owner: "erin"}))
	for i := 0; i < 6; i++ {
		require.NoError(t, a.Raise("MoneyDeposited", moneyMoved{Amount: 10}))
	}
	require.NoError(t, repo.Save(ctx, a))

	snap, err := store.GetSnapshot(ctx, "acc-9", eventstore.AnyVersion)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(7), snap.SequenceNumber)

	loaded, found, err := repo.GetByID(ctx, "acc-9")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(60), loaded.Balance)
	assert.Equal(t, int64(7), loaded.CurrentVersion())
}

func TestRepositoryGetByIDFromEventsIgnoresSnapshot(t *testing.T) {
	ctx := context.Background()
	store := eventstore.New()
	repo := NewRepository(store, newAccount, nil)

	a := newAccount("acc-11")
	require.NoError(t, a.Raise("AccountOpened", accountOpened{Owner: "gina"}))
	require.NoError(t, a.Raise("MoneyDeposited", moneyMoved{Amount: 40}))
	require.NoError(t, repo.Save(ctx, a))

	// A snapshot that disagrees with the event stream.
	snap, err := eventstore.NewSnapshot("acc-11", "Account", 2,
		account{Owner: "gina", Balance: 9999})
	require.NoError(t, err)
	require.NoError(t, store.SaveSnapshot(ctx, snap))

	fromSnapshot, found, err := repo.GetByID(ctx, "acc-11")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(9999), fromSnapshot.Balance)

	fromEvents, found, err := repo.GetByIDFromEvents(ctx, "acc-11")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(40), fromEvents.Balance)
	assert.Equal(t, int64(2), fromEvents.CurrentVersion())
}

func TestRepositoryDelete(t *testing.T) {
	ctx := context.Background()
	store := eventstore.New()
	repo := NewRepository(store, newAccount, nil)

	a := newAccount("acc-del")
	require.NoError(t, a.Raise("AccountOpened", accountOpened{Owner: "frank"}))
	require.NoError(t, repo.Save(ctx, a))

	exists, err := repo.Exists(ctx, "acc-del")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, repo.Delete(ctx, "acc-del"))
	exists, err = repo.Exists(ctx, "acc-del")
	require.NoError(t, err)
	assert.False(t, exists)
}
