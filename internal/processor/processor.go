// Package processor applies batched offline mutations against the
// remote store using last-write-wins. Mutations are processed strictly
// in order; one mutation's failure never aborts the rest of the batch.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/alexjbarnes/shelf-sync/internal/errors"
	"github.com/alexjbarnes/shelf-sync/internal/models"
	"github.com/alexjbarnes/shelf-sync/internal/store"
)

// Processor reconciles sync batches against the remote store.
type Processor struct {
	store  *store.Store
	logger *slog.Logger

	// now is swapped in tests for deterministic timestamps.
	now func() time.Time
}

// New creates a Processor over the given store.
func New(st *store.Store, logger *slog.Logger) *Processor {
	return &Processor{
		store:  st,
		logger: logger,
		now:    time.Now,
	}
}

// Process applies each mutation in turn and returns one outcome per
// input mutation. Outcomes are correlated by entity ID, not position.
// The batch is not atomic: each mutation commits independently, and a
// mix of applied and failed outcomes is expected, not exceptional.
func (p *Processor) Process(ctx context.Context, groupKey, userID string, mutations []models.Mutation) *models.SyncResponse {
	resp := &models.SyncResponse{
		Applied:   []models.Outcome{},
		Conflicts: []models.Outcome{},
	}

	for _, m := range mutations {
		outcome := p.apply(ctx, groupKey, userID, m)

		if outcome.Status == models.OutcomeApplied {
			resp.Applied = append(resp.Applied, outcome)
		} else {
			resp.Conflicts = append(resp.Conflicts, outcome)
		}
	}

	return resp
}

// apply processes a single mutation. Store faults are converted into an
// error outcome for that mutation only.
func (p *Processor) apply(ctx context.Context, groupKey, userID string, m models.Mutation) models.Outcome {
	if m.EntityType != models.EntityItems {
		return errorOutcome(m, fmt.Sprintf("%s: %s", apperrors.ErrUnsupportedEntity, m.EntityType))
	}

	var (
		outcome models.Outcome
		err     error
	)

	switch m.Kind {
	case models.MutationCreate:
		outcome, err = p.applyCreate(ctx, groupKey, userID, m)
	case models.MutationUpdate:
		outcome, err = p.applyUpdate(ctx, groupKey, m)
	case models.MutationDelete:
		outcome, err = p.applyDelete(ctx, groupKey, m)
	default:
		return errorOutcome(m, fmt.Sprintf("unknown mutation kind: %s", m.Kind))
	}

	if err != nil {
		p.logger.Error("sync mutation failed",
			slog.String("group_key", groupKey),
			slog.String("entity_id", m.EntityID),
			slog.String("kind", string(m.Kind)),
			slog.String("error", err.Error()),
		)

		return errorOutcome(m, err.Error())
	}

	return outcome
}

func errorOutcome(m models.Mutation, msg string) models.Outcome {
	return models.Outcome{
		EntityID: m.EntityID,
		Kind:     m.Kind,
		Status:   models.OutcomeError,
		Message:  msg,
	}
}

// applyCreate inserts a record under the client-generated entity ID.
// A duplicate key means a retried create whose earlier response was
// lost, so it is answered with the existing record rather than an
// error, keeping create idempotent.
func (p *Processor) applyCreate(ctx context.Context, groupKey, userID string, m models.Mutation) (models.Outcome, error) {
	item, err := itemFromPayload(groupKey, userID, m, p.now())
	if err != nil {
		return models.Outcome{}, err
	}

	err = p.store.InsertItem(ctx, *item)
	if errors.Is(err, apperrors.ErrDuplicate) {
		existing, getErr := p.store.GetItem(ctx, groupKey, m.EntityID)
		if getErr != nil {
			return models.Outcome{}, fmt.Errorf("entity id already in use: %w", getErr)
		}

		return models.Outcome{
			EntityID: m.EntityID,
			Kind:     m.Kind,
			Status:   models.OutcomeApplied,
			Record:   existing,
		}, nil
	}

	if err != nil {
		return models.Outcome{}, err
	}

	return models.Outcome{
		EntityID: m.EntityID,
		Kind:     m.Kind,
		Status:   models.OutcomeApplied,
		Record:   item,
	}, nil
}

// applyUpdate patches only the fields present in the payload, guarded by
// the last-write-wins comparison. The comparison also lives in the
// store's conditional write, so a concurrent batch that slipped in a
// newer record between the fetch and the write still produces a
// conflict rather than a lost update.
func (p *Processor) applyUpdate(ctx context.Context, groupKey string, m models.Mutation) (models.Outcome, error) {
	current, err := p.store.GetItem(ctx, groupKey, m.EntityID)
	if errors.Is(err, apperrors.ErrItemNotFound) {
		return errorOutcome(m, "item not found on server"), nil
	}

	if err != nil {
		return models.Outcome{}, err
	}

	if current.UpdatedAt.After(m.ClientTimestamp) {
		return conflictOutcome(m, current), nil
	}

	patched := *current
	if err := models.PatchItem(&patched, m.Payload); err != nil {
		return models.Outcome{}, err
	}

	patched.UpdatedAt = p.now().UTC()

	affected, err := p.store.UpdateItemIfNotNewer(ctx, patched, m.ClientTimestamp)
	if err != nil {
		return models.Outcome{}, err
	}

	if affected == 0 {
		// Lost the race: the record changed (or vanished) after the fetch.
		latest, getErr := p.store.GetItem(ctx, groupKey, m.EntityID)
		if errors.Is(getErr, apperrors.ErrItemNotFound) {
			return errorOutcome(m, "item not found on server"), nil
		}

		if getErr != nil {
			return models.Outcome{}, getErr
		}

		return conflictOutcome(m, latest), nil
	}

	return models.Outcome{
		EntityID: m.EntityID,
		Kind:     m.Kind,
		Status:   models.OutcomeApplied,
		Record:   &patched,
	}, nil
}

func conflictOutcome(m models.Mutation, current *models.Item) models.Outcome {
	return models.Outcome{
		EntityID: m.EntityID,
		Kind:     m.Kind,
		Status:   models.OutcomeConflict,
		Record:   current,
		Message:  "server version is newer",
	}
}

// applyDelete soft-deletes the record. Deleting an absent record is
// applied, not an error: a client retrying a delete after a dropped
// response must not see a failure.
func (p *Processor) applyDelete(ctx context.Context, groupKey string, m models.Mutation) (models.Outcome, error) {
	if _, err := p.store.SoftDeleteItem(ctx, groupKey, m.EntityID, p.now().UTC()); err != nil {
		return models.Outcome{}, err
	}

	return models.Outcome{
		EntityID: m.EntityID,
		Kind:     m.Kind,
		Status:   models.OutcomeApplied,
	}, nil
}

// itemFromPayload builds a new item for a create mutation.
func itemFromPayload(groupKey, userID string, m models.Mutation, now time.Time) (*models.Item, error) {
	item := &models.Item{
		ID:          m.EntityID,
		HouseholdID: groupKey,
		Quantity:    1,
		Tags:        []string{},
		Status:      models.StatusStored,
		CreatedBy:   userID,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}

	if err := models.PatchItem(item, m.Payload); err != nil {
		return nil, err
	}

	if item.Name == "" {
		return nil, errors.New("name is required")
	}

	return item, nil
}
