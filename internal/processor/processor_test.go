package processor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/shelf-sync/internal/models"
	"github.com/alexjbarnes/shelf-sync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testHousehold = "hh-test-001"
	testUser      = "alice"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testProcessor(t *testing.T) (*Processor, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Init(context.Background()))
	t.Cleanup(func() { st.Close() })

	p := New(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.now = func() time.Time { return baseTime.Add(time.Hour) }
	return p, st
}

func seedItem(t *testing.T, st *store.Store, id string, updatedAt time.Time) models.Item {
	t.Helper()
	item := models.Item{
		ID:          id,
		HouseholdID: testHousehold,
		Name:        "Drill",
		Quantity:    1,
		Tags:        []string{},
		Status:      models.StatusStored,
		CreatedBy:   testUser,
		CreatedAt:   baseTime,
		UpdatedAt:   updatedAt,
	}
	require.NoError(t, st.InsertItem(context.Background(), item))
	return item
}

func createMutation(id, name string) models.Mutation {
	return models.Mutation{
		Kind:            models.MutationCreate,
		EntityType:      models.EntityItems,
		EntityID:        id,
		Payload:         json.RawMessage(`{"name":"` + name + `"}`),
		ClientTimestamp: baseTime,
	}
}

func updateMutation(id string, payload string, clientTS time.Time) models.Mutation {
	return models.Mutation{
		Kind:            models.MutationUpdate,
		EntityType:      models.EntityItems,
		EntityID:        id,
		Payload:         json.RawMessage(payload),
		ClientTimestamp: clientTS,
	}
}

func deleteMutation(id string) models.Mutation {
	return models.Mutation{
		Kind:            models.MutationDelete,
		EntityType:      models.EntityItems,
		EntityID:        id,
		ClientTimestamp: baseTime,
	}
}

// --- Process ---

func TestProcess_EmptyBatch(t *testing.T) {
	p, _ := testProcessor(t)

	resp := p.Process(context.Background(), testHousehold, testUser, nil)
	assert.NotNil(t, resp.Applied)
	assert.NotNil(t, resp.Conflicts)
	assert.Empty(t, resp.Applied)
	assert.Empty(t, resp.Conflicts)
}

func TestProcess_OneFailureDoesNotAbortBatch(t *testing.T) {
	p, st := testProcessor(t)

	resp := p.Process(context.Background(), testHousehold, testUser, []models.Mutation{
		updateMutation("missing", `{"name":"x"}`, baseTime),
		createMutation("item-1", "Ladder"),
	})

	require.Len(t, resp.Conflicts, 1)
	assert.Equal(t, models.OutcomeError, resp.Conflicts[0].Status)

	require.Len(t, resp.Applied, 1)
	_, err := st.GetItem(context.Background(), testHousehold, "item-1")
	require.NoError(t, err)
}

func TestProcess_UnknownEntityType(t *testing.T) {
	p, _ := testProcessor(t)

	m := createMutation("x", "Ladder")
	m.EntityType = "categories"

	resp := p.Process(context.Background(), testHousehold, testUser, []models.Mutation{m})
	require.Len(t, resp.Conflicts, 1)
	assert.Equal(t, models.OutcomeError, resp.Conflicts[0].Status)
	assert.Contains(t, resp.Conflicts[0].Message, "categories")
}

func TestProcess_UnknownMutationKind(t *testing.T) {
	p, _ := testProcessor(t)

	m := createMutation("x", "Ladder")
	m.Kind = "upsert"

	resp := p.Process(context.Background(), testHousehold, testUser, []models.Mutation{m})
	require.Len(t, resp.Conflicts, 1)
	assert.Equal(t, models.OutcomeError, resp.Conflicts[0].Status)
	assert.Contains(t, resp.Conflicts[0].Message, "upsert")
}

// --- Create ---

func TestCreate_AppliesWithDefaults(t *testing.T) {
	p, _ := testProcessor(t)

	resp := p.Process(context.Background(), testHousehold, testUser, []models.Mutation{
		createMutation("item-1", "Ladder"),
	})

	require.Len(t, resp.Applied, 1)
	outcome := resp.Applied[0]
	assert.Equal(t, "item-1", outcome.EntityID)
	assert.Equal(t, models.OutcomeApplied, outcome.Status)
	require.NotNil(t, outcome.Record)
	assert.Equal(t, "Ladder", outcome.Record.Name)
	assert.Equal(t, 1, outcome.Record.Quantity)
	assert.Equal(t, models.StatusStored, outcome.Record.Status)
	assert.Equal(t, testUser, outcome.Record.CreatedBy)
}

func TestCreate_MissingName(t *testing.T) {
	p, _ := testProcessor(t)

	m := createMutation("item-1", "Ladder")
	m.Payload = json.RawMessage(`{"quantity":3}`)

	resp := p.Process(context.Background(), testHousehold, testUser, []models.Mutation{m})
	require.Len(t, resp.Conflicts, 1)
	assert.Equal(t, models.OutcomeError, resp.Conflicts[0].Status)
	assert.Contains(t, resp.Conflicts[0].Message, "name is required")
}

func TestCreate_DuplicateIsIdempotent(t *testing.T) {
	p, st := testProcessor(t)
	seedItem(t, st, "item-1", baseTime)

	resp := p.Process(context.Background(), testHousehold, testUser, []models.Mutation{
		createMutation("item-1", "Different Name"),
	})

	// Retried create: answered with the existing record, not an error.
	require.Len(t, resp.Applied, 1)
	require.NotNil(t, resp.Applied[0].Record)
	assert.Equal(t, "Drill", resp.Applied[0].Record.Name)
}

// --- Update ---

func TestUpdate_AppliesWhenClientNotStale(t *testing.T) {
	p, st := testProcessor(t)
	seedItem(t, st, "item-1", baseTime)

	resp := p.Process(context.Background(), testHousehold, testUser, []models.Mutation{
		updateMutation("item-1", `{"quantity":5}`, baseTime.Add(time.Minute)),
	})

	require.Len(t, resp.Applied, 1)
	require.NotNil(t, resp.Applied[0].Record)
	assert.Equal(t, 5, resp.Applied[0].Record.Quantity)

	// Untouched fields survive the patch.
	assert.Equal(t, "Drill", resp.Applied[0].Record.Name)
}

func TestUpdate_ConflictWhenRemoteNewer(t *testing.T) {
	p, st := testProcessor(t)
	remote := seedItem(t, st, "item-1", baseTime.Add(time.Hour))

	resp := p.Process(context.Background(), testHousehold, testUser, []models.Mutation{
		updateMutation("item-1", `{"name":"Stale Edit"}`, baseTime),
	})

	require.Len(t, resp.Conflicts, 1)
	outcome := resp.Conflicts[0]
	assert.Equal(t, models.OutcomeConflict, outcome.Status)
	require.NotNil(t, outcome.Record)
	assert.Equal(t, remote.Name, outcome.Record.Name)

	// The stale edit never landed.
	got, err := st.GetItem(context.Background(), testHousehold, "item-1")
	require.NoError(t, err)
	assert.Equal(t, "Drill", got.Name)
}

func TestUpdate_EqualTimestampApplies(t *testing.T) {
	p, st := testProcessor(t)
	seedItem(t, st, "item-1", baseTime)

	// Strictly-newer wins; equal timestamps are not a conflict.
	resp := p.Process(context.Background(), testHousehold, testUser, []models.Mutation{
		updateMutation("item-1", `{"name":"Same Instant"}`, baseTime),
	})

	require.Len(t, resp.Applied, 1)
	assert.Empty(t, resp.Conflicts)
}

func TestUpdate_MissingItem(t *testing.T) {
	p, _ := testProcessor(t)

	resp := p.Process(context.Background(), testHousehold, testUser, []models.Mutation{
		updateMutation("missing", `{"name":"x"}`, baseTime),
	})

	require.Len(t, resp.Conflicts, 1)
	assert.Equal(t, models.OutcomeError, resp.Conflicts[0].Status)
	assert.Contains(t, resp.Conflicts[0].Message, "not found")
}

func TestUpdate_InvalidPayload(t *testing.T) {
	p, st := testProcessor(t)
	seedItem(t, st, "item-1", baseTime)

	resp := p.Process(context.Background(), testHousehold, testUser, []models.Mutation{
		updateMutation("item-1", `{not json`, baseTime.Add(time.Minute)),
	})

	require.Len(t, resp.Conflicts, 1)
	assert.Equal(t, models.OutcomeError, resp.Conflicts[0].Status)
}

func TestUpdate_SameEntityTwiceInBatch(t *testing.T) {
	p, st := testProcessor(t)
	seedItem(t, st, "item-1", baseTime)

	// Both edits carry timestamps past the stored record; the second sees
	// the first's write. Server-assigned updated_at moves past both client
	// timestamps, so the second becomes a conflict.
	resp := p.Process(context.Background(), testHousehold, testUser, []models.Mutation{
		updateMutation("item-1", `{"quantity":2}`, baseTime.Add(time.Minute)),
		updateMutation("item-1", `{"quantity":3}`, baseTime.Add(2*time.Minute)),
	})

	assert.Len(t, resp.Applied, 1)
	assert.Len(t, resp.Conflicts, 1)
	assert.Equal(t, models.OutcomeConflict, resp.Conflicts[0].Status)
}

// --- Delete ---

func TestDelete_Applies(t *testing.T) {
	p, st := testProcessor(t)
	seedItem(t, st, "item-1", baseTime)

	resp := p.Process(context.Background(), testHousehold, testUser, []models.Mutation{
		deleteMutation("item-1"),
	})

	require.Len(t, resp.Applied, 1)
	assert.Equal(t, models.OutcomeApplied, resp.Applied[0].Status)
	assert.Nil(t, resp.Applied[0].Record)

	_, err := st.GetItem(context.Background(), testHousehold, "item-1")
	require.Error(t, err)
}

func TestDelete_AbsentIsApplied(t *testing.T) {
	p, _ := testProcessor(t)

	resp := p.Process(context.Background(), testHousehold, testUser, []models.Mutation{
		deleteMutation("never-existed"),
	})

	require.Len(t, resp.Applied, 1)
	assert.Equal(t, models.OutcomeApplied, resp.Applied[0].Status)
}

func TestDelete_RetryIsApplied(t *testing.T) {
	p, st := testProcessor(t)
	seedItem(t, st, "item-1", baseTime)

	ctx := context.Background()
	resp := p.Process(ctx, testHousehold, testUser, []models.Mutation{deleteMutation("item-1")})
	require.Len(t, resp.Applied, 1)

	resp = p.Process(ctx, testHousehold, testUser, []models.Mutation{deleteMutation("item-1")})
	require.Len(t, resp.Applied, 1)
	assert.Equal(t, models.OutcomeApplied, resp.Applied[0].Status)
}
