// Package httpapi exposes the sync batch endpoint and the direct item
// endpoints over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/shelf-sync/internal/auth"
	apperrors "github.com/alexjbarnes/shelf-sync/internal/errors"
	"github.com/alexjbarnes/shelf-sync/internal/models"
	"github.com/alexjbarnes/shelf-sync/internal/processor"
	"github.com/alexjbarnes/shelf-sync/internal/store"
	"github.com/google/uuid"
)

type errorResponse struct {
	Error string `json:"error"`
}

// Server holds the handlers for the HTTP API.
type Server struct {
	store     *store.Store
	processor *processor.Processor
	logger    *slog.Logger
}

// NewServer builds the API handler set over a store and processor.
func NewServer(st *store.Store, proc *processor.Processor, logger *slog.Logger) *Server {
	return &Server{store: st, processor: proc, logger: logger}
}

// RegisterRoutes attaches all authenticated routes to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /sync", s.handleSync)
	mux.HandleFunc("GET /households/{householdID}/items", s.handleListItems)
	mux.HandleFunc("POST /households/{householdID}/items", s.handleCreateItem)
	mux.HandleFunc("GET /households/{householdID}/items/{itemID}", s.handleGetItem)
	mux.HandleFunc("PATCH /households/{householdID}/items/{itemID}", s.handleUpdateItem)
	mux.HandleFunc("POST /households/{householdID}/items/{itemID}/status", s.handleUpdateStatus)
	mux.HandleFunc("DELETE /households/{householdID}/items/{itemID}", s.handleDeleteItem)
	mux.HandleFunc("POST /households/{householdID}/items/{itemID}/restore", s.handleRestoreItem)
}

// HandleHealthz serves the unauthenticated health probe that clients use
// as their connectivity check.
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// syncRequestEnvelope defers decoding of the mutations array so a
// non-array value can be reported as a request-level 400 rather than a
// generic decode failure.
type syncRequestEnvelope struct {
	GroupKey  string          `json:"groupKey"`
	Mutations json.RawMessage `json:"mutations"`
}

// handleSync validates the batch envelope and hands the mutations to the
// processor. Validation failures reject the whole request before any
// mutation is processed; everything past validation answers 200, even
// when every individual mutation failed.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var envelope syncRequestEnvelope
	if err := decodeJSON(r, &envelope); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}

	if envelope.GroupKey == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "groupKey is required"})
		return
	}

	if len(envelope.Mutations) == 0 || string(envelope.Mutations) == "null" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "mutations array is required"})
		return
	}

	var mutations []models.Mutation
	if err := json.Unmarshal(envelope.Mutations, &mutations); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "mutations must be an array"})
		return
	}

	if len(mutations) > models.MaxBatchSize {
		writeError(w, http.StatusBadRequest,
			fmt.Errorf("%w: maximum %d mutations per sync batch", apperrors.ErrBatchTooLarge, models.MaxBatchSize))

		return
	}

	userID := auth.RequestUserID(r.Context())

	s.logger.Debug("processing sync batch",
		slog.String("group_key", envelope.GroupKey),
		slog.String("user_id", userID),
		slog.Int("mutations", len(mutations)),
	)

	resp := s.processor.Process(r.Context(), envelope.GroupKey, userID, mutations)

	s.logger.Info("sync batch processed",
		slog.String("group_key", envelope.GroupKey),
		slog.Int("applied", len(resp.Applied)),
		slog.Int("not_applied", len(resp.Conflicts)),
	)

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	householdID := r.PathValue("householdID")

	items, err := s.store.ListItems(r.Context(), householdID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.store.GetItem(r.Context(), r.PathValue("householdID"), r.PathValue("itemID"))
	if errors.Is(err, apperrors.ErrItemNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "item not found"})
		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	householdID := r.PathValue("householdID")

	payload, err := readPayload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	now := time.Now().UTC()
	item := models.Item{
		ID:          uuid.NewString(),
		HouseholdID: householdID,
		Quantity:    1,
		Tags:        []string{},
		Status:      models.StatusStored,
		CreatedBy:   auth.RequestUserID(r.Context()),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := models.PatchItem(&item, payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if item.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "name is required"})
		return
	}

	if err := s.store.InsertItem(r.Context(), item); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"item": item})
}

// handleUpdateItem is the direct partial update. Unlike the sync path it
// applies unconditionally: interactive writes are made against the
// current record, so there is no stale client timestamp to compare.
func (s *Server) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	householdID := r.PathValue("householdID")
	itemID := r.PathValue("itemID")

	payload, err := readPayload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	current, err := s.store.GetItem(r.Context(), householdID, itemID)
	if errors.Is(err, apperrors.ErrItemNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "item not found"})
		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	patched := *current
	if err := models.PatchItem(&patched, payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	patched.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateItem(r.Context(), patched); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"item": patched})
}

// statusRequest is the body of the direct status endpoint.
type statusRequest struct {
	Status        models.ItemStatus `json:"status"`
	BorrowedBy    string            `json:"borrowedBy"`
	BorrowDueDate string            `json:"borrowDueDate"`
}

// handleUpdateStatus changes an item's status with transition-table
// validation. This is the only enforcement point for the status state
// machine; the sync batch path applies status fields as-is.
func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	householdID := r.PathValue("householdID")
	itemID := r.PathValue("itemID")

	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if !req.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("unknown status: %s", req.Status)})
		return
	}

	current, err := s.store.GetItem(r.Context(), householdID, itemID)
	if errors.Is(err, apperrors.ErrItemNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "item not found"})
		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if !current.Status.CanTransitionTo(req.Status) {
		writeError(w, http.StatusBadRequest,
			fmt.Errorf("%w: %s to %s", apperrors.ErrInvalidTransition, current.Status, req.Status))

		return
	}

	updated := *current
	updated.Status = req.Status
	updated.UpdatedAt = time.Now().UTC()

	if req.Status == models.StatusBorrowed {
		updated.BorrowedBy = req.BorrowedBy
		updated.BorrowDueDate = req.BorrowDueDate
	} else {
		// Borrow fields only mean something while borrowed.
		updated.BorrowedBy = ""
		updated.BorrowDueDate = ""
	}

	if err := s.store.UpdateItem(r.Context(), updated); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"item": updated})
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	householdID := r.PathValue("householdID")
	itemID := r.PathValue("itemID")

	if _, err := s.store.SoftDeleteItem(r.Context(), householdID, itemID, time.Now().UTC()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "id": itemID})
}

func (s *Server) handleRestoreItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.store.RestoreItem(r.Context(), r.PathValue("householdID"), r.PathValue("itemID"), time.Now().UTC())
	if errors.Is(err, apperrors.ErrItemNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "item not found"})
		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

// readPayload reads the request body as a raw JSON object for the patch
// helpers.
func readPayload(r *http.Request) (json.RawMessage, error) {
	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding body: %w", err)
	}

	return payload, nil
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	return decoder.Decode(target)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	if payload == nil {
		return
	}

	_ = json.NewEncoder(w).Encode(payload)
}
