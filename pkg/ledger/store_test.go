package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/agritrace/provenance/pkg/provenance"
)

// newTestStore creates a ledger store over an in-memory SQLite DB.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store := NewStore(db)
	require.NoError(t, store.AutoMigrate())
	return store
}

func TestStore_AppendAndScanOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	step1 := &provenance.ProvenanceStep{BatchID: "b1", Actor: "farm-a", State: provenance.StateProduced, Timestamp: time.Now()}
	step2 := &provenance.ProvenanceStep{BatchID: "b1", Actor: "carrier-1", State: provenance.StateInTransit, Timestamp: time.Now()}

	ref1, err := store.Append(ctx, NewStepEvent(step1))
	require.NoError(t, err)
	require.NotEmpty(t, ref1)
	ref2, err := store.Append(ctx, NewStepEvent(step2))
	require.NoError(t, err)
	require.NotEqual(t, ref1, ref2)

	events, err := store.Scan(ctx, Filter{BatchID: "b1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Less(t, events[0].Seq, events[1].Seq, "scan must be in append order")
	assert.Equal(t, "farm-a", events[0].Actor)
	assert.Equal(t, "carrier-1", events[1].Actor)
}

func TestStore_ScanFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	batch := &provenance.Batch{ID: "b1", Producer: "farm-a", CropType: "coffee", Quantity: 10, OriginFarm: "El Roble", HarvestDate: time.Now().Add(-time.Hour)}
	_, err := store.Append(ctx, NewMintEvent(batch))
	require.NoError(t, err)
	_, err = store.Append(ctx, NewStepEvent(&provenance.ProvenanceStep{BatchID: "b1", Actor: "farm-a", State: provenance.StateProduced}))
	require.NoError(t, err)
	_, err = store.Append(ctx, NewStepEvent(&provenance.ProvenanceStep{BatchID: "b2", Actor: "farm-b", State: provenance.StateProduced}))
	require.NoError(t, err)
	_, err = store.Append(ctx, NewRoleEvent("farm-a", provenance.RoleProducer, "admin-1"))
	require.NoError(t, err)

	events, err := store.Scan(ctx, Filter{BatchID: "b1", Type: EventProvenanceStep})
	require.NoError(t, err)
	require.Len(t, events, 1)

	events, err = store.Scan(ctx, Filter{Actor: "farm-a"})
	require.NoError(t, err)
	assert.Len(t, events, 3)

	events, err = store.Scan(ctx, Filter{Type: EventBatchMinted})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	// No matches yields an empty slice, not an error.
	events, err = store.Scan(ctx, Filter{BatchID: "missing"})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestStore_AppendFenced(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := NewStepEvent(&provenance.ProvenanceStep{BatchID: "b1", Actor: "farm-a", State: provenance.StateProduced})
	_, err := store.AppendFenced(ctx, first, 0)
	require.NoError(t, err)

	events, err := store.Scan(ctx, Filter{BatchID: "b1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	head := events[0].Seq

	// A second append fenced on the current head succeeds.
	second := NewStepEvent(&provenance.ProvenanceStep{BatchID: "b1", Actor: "carrier-1", State: provenance.StateInTransit})
	_, err = store.AppendFenced(ctx, second, head)
	require.NoError(t, err)

	// Reusing the stale head is rejected as a conflict.
	third := NewStepEvent(&provenance.ProvenanceStep{BatchID: "b1", Actor: "carrier-2", State: provenance.StateInTransit})
	_, err = store.AppendFenced(ctx, third, head)
	require.Error(t, err)
	assert.Equal(t, provenance.KindConflict, provenance.ErrKind(err))
	assert.Equal(t, provenance.CodeStaleRecord, provenance.ErrCode(err))

	// The conflicting event was not committed.
	events, err = store.Scan(ctx, Filter{BatchID: "b1"})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestStore_AppendFencedRequiresBatchID(t *testing.T) {
	store := newTestStore(t)
	_, err := store.AppendFenced(context.Background(), Event{Type: EventProvenanceStep}, 0)
	require.Error(t, err)
}

func TestStore_ScanUnavailable(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store := NewStore(db)
	// Table never migrated: the scan fails and must surface as
	// LEDGER_UNAVAILABLE rather than a raw driver error.
	_, err = store.Scan(context.Background(), Filter{BatchID: "b1"})
	require.Error(t, err)
	assert.Equal(t, provenance.CodeLedgerUnavailable, provenance.ErrCode(err))
	assert.Equal(t, provenance.KindNetwork, provenance.ErrKind(err))
}

func TestStepEventRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	want := &provenance.ProvenanceStep{
		BatchID:   "b1",
		Actor:     "carrier-1",
		State:     provenance.StateInTransit,
		Timestamp: time.Date(2026, 7, 2, 9, 30, 0, 0, time.UTC),
		Location:  "port of Cartagena",
		Notes:     "refrigerated",
	}
	_, err := store.Append(ctx, NewStepEvent(want))
	require.NoError(t, err)

	events, err := store.Scan(ctx, Filter{BatchID: "b1"})
	require.NoError(t, err)
	require.Len(t, events, 1)

	got, err := StepFromEvent(events[0])
	require.NoError(t, err)
	assert.Equal(t, want.State, got.State)
	assert.Equal(t, want.Actor, got.Actor)
	assert.Equal(t, want.Location, got.Location)
	assert.True(t, want.Timestamp.Equal(got.Timestamp))
	assert.NotEmpty(t, got.EventRef)
	assert.NotZero(t, got.Seq)
}

func TestEventDecodeErrors(t *testing.T) {
	_, err := StepFromEvent(Event{Ref: "r1", Type: EventBatchMinted})
	assert.Error(t, err)

	_, err = StepFromEvent(Event{Ref: "r2", Type: EventProvenanceStep, Payload: JSONPayload{"state": "teleported"}})
	assert.Error(t, err)

	_, err = BatchFromEvent(Event{Ref: "r3", Type: EventProvenanceStep})
	assert.Error(t, err)

	_, err = RoleFromEvent(Event{Ref: "r4", Type: EventRoleAssigned, Payload: JSONPayload{"role": "overlord"}})
	assert.Error(t, err)
}
