package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/shelf-sync/internal/models"
	"github.com/alexjbarnes/shelf-sync/internal/processor"
	"github.com/alexjbarnes/shelf-sync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHousehold = "hh-test-001"

func testServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Init(context.Background()))
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	api := NewServer(st, processor.New(st, logger), logger)

	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	mux.HandleFunc("GET /healthz", HandleHealthz)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, st
}

func doJSON(t *testing.T, ts *httptest.Server, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, respBody
}

func createItem(t *testing.T, ts *httptest.Server, name string) models.Item {
	t.Helper()

	resp, body := doJSON(t, ts, http.MethodPost, "/households/"+testHousehold+"/items",
		map[string]any{"name": name})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var out struct {
		Item models.Item `json:"item"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	return out.Item
}

func syncMutations(groupKey string, mutations []models.Mutation) map[string]any {
	return map[string]any{"groupKey": groupKey, "mutations": mutations}
}

// --- Healthz ---

func TestHealthz(t *testing.T) {
	ts, _ := testServer(t)

	resp, body := doJSON(t, ts, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)
}

// --- POST /sync request validation ---

func TestSync_MissingGroupKey(t *testing.T) {
	ts, _ := testServer(t)

	resp, body := doJSON(t, ts, http.MethodPost, "/sync", map[string]any{
		"mutations": []models.Mutation{},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "groupKey is required")
}

func TestSync_MissingMutations(t *testing.T) {
	ts, _ := testServer(t)

	resp, body := doJSON(t, ts, http.MethodPost, "/sync", map[string]any{
		"groupKey": testHousehold,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "mutations array is required")
}

func TestSync_MutationsNotAnArray(t *testing.T) {
	ts, _ := testServer(t)

	resp, body := doJSON(t, ts, http.MethodPost, "/sync", map[string]any{
		"groupKey":  testHousehold,
		"mutations": "not-an-array",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "mutations must be an array")
}

func TestSync_BodyNotJSON(t *testing.T) {
	ts, _ := testServer(t)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/sync", bytes.NewReader([]byte("{nope")))
	require.NoError(t, err)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSync_EmptyBatchIsValid(t *testing.T) {
	ts, _ := testServer(t)

	resp, body := doJSON(t, ts, http.MethodPost, "/sync",
		syncMutations(testHousehold, []models.Mutation{}))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out models.SyncResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.NotNil(t, out.Applied)
	assert.NotNil(t, out.Conflicts)
	assert.Empty(t, out.Applied)
	assert.Empty(t, out.Conflicts)
}

func TestSync_BatchAtCapAccepted(t *testing.T) {
	ts, _ := testServer(t)

	mutations := make([]models.Mutation, models.MaxBatchSize)
	for i := range mutations {
		mutations[i] = models.Mutation{
			Kind:            models.MutationCreate,
			EntityType:      models.EntityItems,
			EntityID:        fmt.Sprintf("item-%03d", i),
			Payload:         json.RawMessage(fmt.Sprintf(`{"name":"Item %03d"}`, i)),
			ClientTimestamp: time.Now().UTC(),
		}
	}

	resp, body := doJSON(t, ts, http.MethodPost, "/sync", syncMutations(testHousehold, mutations))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out models.SyncResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Len(t, out.Applied, models.MaxBatchSize)
}

func TestSync_BatchOverCapRejected(t *testing.T) {
	ts, _ := testServer(t)

	mutations := make([]models.Mutation, models.MaxBatchSize+1)
	for i := range mutations {
		mutations[i] = models.Mutation{
			Kind:       models.MutationDelete,
			EntityType: models.EntityItems,
			EntityID:   fmt.Sprintf("item-%03d", i),
		}
	}

	resp, body := doJSON(t, ts, http.MethodPost, "/sync", syncMutations(testHousehold, mutations))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "maximum 100 mutations")
}

func TestSync_MixedOutcomesStill200(t *testing.T) {
	ts, _ := testServer(t)
	item := createItem(t, ts, "Drill")

	resp, body := doJSON(t, ts, http.MethodPost, "/sync", syncMutations(testHousehold, []models.Mutation{
		{
			Kind:            models.MutationUpdate,
			EntityType:      models.EntityItems,
			EntityID:        item.ID,
			Payload:         json.RawMessage(`{"quantity":2}`),
			ClientTimestamp: time.Now().UTC().Add(time.Minute),
		},
		{
			Kind:            models.MutationUpdate,
			EntityType:      models.EntityItems,
			EntityID:        "missing",
			Payload:         json.RawMessage(`{"quantity":2}`),
			ClientTimestamp: time.Now().UTC(),
		},
	}))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out models.SyncResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Len(t, out.Applied, 1)
	assert.Len(t, out.Conflicts, 1)
}

// --- Item CRUD ---

func TestCreateItem_Defaults(t *testing.T) {
	ts, _ := testServer(t)

	item := createItem(t, ts, "Drill")
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, testHousehold, item.HouseholdID)
	assert.Equal(t, 1, item.Quantity)
	assert.Equal(t, models.StatusStored, item.Status)
}

func TestCreateItem_MissingName(t *testing.T) {
	ts, _ := testServer(t)

	resp, body := doJSON(t, ts, http.MethodPost, "/households/"+testHousehold+"/items",
		map[string]any{"quantity": 2})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "name is required")
}

func TestGetItem_NotFound(t *testing.T) {
	ts, _ := testServer(t)

	resp, _ := doJSON(t, ts, http.MethodGet, "/households/"+testHousehold+"/items/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateItem_PatchesOnlyPresentFields(t *testing.T) {
	ts, _ := testServer(t)
	item := createItem(t, ts, "Drill")

	resp, body := doJSON(t, ts, http.MethodPatch,
		"/households/"+testHousehold+"/items/"+item.ID,
		map[string]any{"quantity": 4})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Item models.Item `json:"item"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, 4, out.Item.Quantity)
	assert.Equal(t, "Drill", out.Item.Name)
}

func TestDeleteItem_Always200(t *testing.T) {
	ts, _ := testServer(t)
	item := createItem(t, ts, "Drill")

	resp, _ := doJSON(t, ts, http.MethodDelete, "/households/"+testHousehold+"/items/"+item.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Repeat delete is still a success.
	resp, _ = doJSON(t, ts, http.MethodDelete, "/households/"+testHousehold+"/items/"+item.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRestoreItem_AfterDelete(t *testing.T) {
	ts, _ := testServer(t)
	item := createItem(t, ts, "Drill")

	resp, _ := doJSON(t, ts, http.MethodDelete, "/households/"+testHousehold+"/items/"+item.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, ts, http.MethodPost,
		"/households/"+testHousehold+"/items/"+item.ID+"/restore", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), item.ID)
}

// --- Status endpoint ---

func TestUpdateStatus_AllowedTransition(t *testing.T) {
	ts, _ := testServer(t)
	item := createItem(t, ts, "Drill")

	resp, body := doJSON(t, ts, http.MethodPost,
		"/households/"+testHousehold+"/items/"+item.ID+"/status",
		map[string]any{"status": "borrowed", "borrowedBy": "bob"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Item models.Item `json:"item"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, models.StatusBorrowed, out.Item.Status)
	assert.Equal(t, "bob", out.Item.BorrowedBy)
}

func TestUpdateStatus_DisallowedTransition(t *testing.T) {
	ts, _ := testServer(t)
	item := createItem(t, ts, "Drill")

	// stored -> in_lost_found is not in the transition table.
	resp, body := doJSON(t, ts, http.MethodPost,
		"/households/"+testHousehold+"/items/"+item.ID+"/status",
		map[string]any{"status": "in_lost_found"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "status transition not allowed")
}

func TestUpdateStatus_UnknownStatus(t *testing.T) {
	ts, _ := testServer(t)
	item := createItem(t, ts, "Drill")

	resp, body := doJSON(t, ts, http.MethodPost,
		"/households/"+testHousehold+"/items/"+item.ID+"/status",
		map[string]any{"status": "vaporized"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "unknown status")
}

func TestUpdateStatus_ReturnClearsBorrowFields(t *testing.T) {
	ts, _ := testServer(t)
	item := createItem(t, ts, "Drill")

	resp, _ := doJSON(t, ts, http.MethodPost,
		"/households/"+testHousehold+"/items/"+item.ID+"/status",
		map[string]any{"status": "borrowed", "borrowedBy": "bob"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, ts, http.MethodPost,
		"/households/"+testHousehold+"/items/"+item.ID+"/status",
		map[string]any{"status": "stored"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Item models.Item `json:"item"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Empty(t, out.Item.BorrowedBy)
}
