// Package syncer runs the client agent's sync loop: optimistic local
// writes against the replica cache, a durable outbound queue, and the
// flush cycle that drains the queue to the server and folds the server's
// outcomes back into the replica.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/shelf-sync/internal/errors"
	"github.com/alexjbarnes/shelf-sync/internal/models"
	"github.com/alexjbarnes/shelf-sync/internal/state"
	"github.com/alexjbarnes/shelf-sync/internal/transport"
	"github.com/google/uuid"
)

const (
	// defaultRequestTimeout bounds a single sync or hydrate request.
	defaultRequestTimeout = 30 * time.Second

	// defaultProbeInterval is how often Run checks connectivity.
	defaultProbeInterval = 15 * time.Second

	// hydrateTTL is how long a hydrated replica counts as fresh.
	hydrateTTL = 5 * time.Minute
)

// Transport is the server API surface the controller needs. Satisfied by
// *transport.Client.
type Transport interface {
	SyncBatch(ctx context.Context, req models.SyncRequest) (*models.SyncResponse, error)
	FetchItems(ctx context.Context, householdID string) ([]models.Item, error)
	Ping(ctx context.Context) error
}

// Options tunes a Controller. Zero values fall back to defaults.
type Options struct {
	RequestTimeout time.Duration
	ProbeInterval  time.Duration

	// Notify receives user-facing sync summaries (conflict counts).
	// Nil means no notifications.
	Notify func(msg string)
}

// Controller coordinates the replica cache, the durable queue, and the
// transport for one household.
type Controller struct {
	state       *state.State
	transport   Transport
	logger      *slog.Logger
	householdID string

	requestTimeout time.Duration
	probeInterval  time.Duration
	notify         func(msg string)

	// now is swapped in tests for deterministic timestamps.
	now func() time.Time

	mu       sync.Mutex
	online   bool
	inflight map[string]bool

	// kick wakes the run loop for an immediate flush. Buffered so a
	// kick while a flush is already pending is coalesced, not dropped.
	kick chan struct{}
}

// New creates a Controller for the given household. The replica buckets
// are initialized as part of construction.
func New(st *state.State, tr Transport, logger *slog.Logger, householdID string, opts Options) (*Controller, error) {
	if err := st.InitHousehold(householdID); err != nil {
		return nil, fmt.Errorf("initializing household state: %w", err)
	}

	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}

	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = defaultProbeInterval
	}

	if opts.Notify == nil {
		opts.Notify = func(string) {}
	}

	return &Controller{
		state:          st,
		transport:      tr,
		logger:         logger,
		householdID:    householdID,
		requestTimeout: opts.RequestTimeout,
		probeInterval:  opts.ProbeInterval,
		notify:         opts.Notify,
		now:            time.Now,
		inflight:       make(map[string]bool),
		kick:           make(chan struct{}, 1),
	}, nil
}

// Online reports the last known connectivity state.
func (c *Controller) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.online
}

// SetOnline records a connectivity change. A transition from offline to
// online requests an immediate flush so buffered work drains without
// waiting for the next probe.
func (c *Controller) SetOnline(online bool) {
	c.mu.Lock()
	wasOnline := c.online
	c.online = online
	c.mu.Unlock()

	if online && !wasOnline {
		c.logger.Info("connectivity restored", slog.String("household_id", c.householdID))
		c.requestFlush()
	}

	if !online && wasOnline {
		c.logger.Info("connectivity lost", slog.String("household_id", c.householdID))
	}
}

// requestFlush wakes the run loop without blocking.
func (c *Controller) requestFlush() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// CreateItem applies an optimistic create to the replica and buffers the
// mutation. The entity ID is generated here and becomes the record's
// primary key once the server applies the create.
func (c *Controller) CreateItem(payload json.RawMessage) (*models.Item, error) {
	now := c.now().UTC()
	item := models.Item{
		ID:          uuid.NewString(),
		HouseholdID: c.householdID,
		Quantity:    1,
		Tags:        []string{},
		Status:      models.StatusStored,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := models.PatchItem(&item, payload); err != nil {
		return nil, err
	}

	if item.Name == "" {
		return nil, fmt.Errorf("name is required")
	}

	if err := c.state.PutItem(item); err != nil {
		return nil, fmt.Errorf("writing replica: %w", err)
	}

	if err := c.enqueue(models.Mutation{
		Kind:            models.MutationCreate,
		EntityType:      models.EntityItems,
		EntityID:        item.ID,
		Payload:         payload,
		ClientTimestamp: now,
	}); err != nil {
		return nil, err
	}

	return &item, nil
}

// UpdateItem applies an optimistic partial update to the replica and
// buffers the mutation.
func (c *Controller) UpdateItem(itemID string, payload json.RawMessage) (*models.Item, error) {
	current, err := c.state.GetItem(c.householdID, itemID)
	if err != nil {
		return nil, err
	}

	if current == nil {
		return nil, apperrors.ErrItemNotFound
	}

	now := c.now().UTC()

	patched := *current
	if err := models.PatchItem(&patched, payload); err != nil {
		return nil, err
	}

	patched.UpdatedAt = now

	if err := c.state.PutItem(patched); err != nil {
		return nil, fmt.Errorf("writing replica: %w", err)
	}

	if err := c.enqueue(models.Mutation{
		Kind:            models.MutationUpdate,
		EntityType:      models.EntityItems,
		EntityID:        itemID,
		Payload:         payload,
		ClientTimestamp: now,
	}); err != nil {
		return nil, err
	}

	return &patched, nil
}

// DeleteItem removes the item from the replica and buffers the delete.
func (c *Controller) DeleteItem(itemID string) error {
	if err := c.state.DeleteItem(c.householdID, itemID); err != nil {
		return fmt.Errorf("removing replica item: %w", err)
	}

	return c.enqueue(models.Mutation{
		Kind:            models.MutationDelete,
		EntityType:      models.EntityItems,
		EntityID:        itemID,
		ClientTimestamp: c.now().UTC(),
	})
}

// ListItems returns the replica's current items. Reads never touch the
// network.
func (c *Controller) ListItems() ([]models.Item, error) {
	return c.state.AllItems(c.householdID)
}

// GetItem returns the replica copy of one item.
func (c *Controller) GetItem(itemID string) (*models.Item, error) {
	item, err := c.state.GetItem(c.householdID, itemID)
	if err != nil {
		return nil, err
	}

	if item == nil {
		return nil, apperrors.ErrItemNotFound
	}

	return item, nil
}

func (c *Controller) enqueue(m models.Mutation) error {
	seq, err := c.state.Enqueue(c.householdID, m)
	if err != nil {
		return err
	}

	c.logger.Debug("mutation buffered",
		slog.Uint64("sequence", seq),
		slog.String("entity_id", m.EntityID),
		slog.String("kind", string(m.Kind)),
	)

	c.requestFlush()

	return nil
}

// Flush drains the durable queue. Pending mutations are grouped by their
// group key and sent in enqueue order, at most models.MaxBatchSize per
// cycle; anything past the cap stays queued and another cycle is
// requested. A group that is already mid-flush is skipped, making
// concurrent Flush calls no-ops for that group. Transport failures leave
// the queue untouched; the same entries are resent on the next cycle.
func (c *Controller) Flush(ctx context.Context) error {
	pending, err := c.state.Pending()
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	order := make([]string, 0, 1)

	for _, qm := range pending {
		if !seen[qm.GroupKey] {
			seen[qm.GroupKey] = true
			order = append(order, qm.GroupKey)
		}
	}

	var firstErr error

	for _, groupKey := range order {
		if !c.beginFlush(groupKey) {
			continue
		}

		err := c.flushGroup(ctx, groupKey)
		c.endFlush(groupKey)

		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (c *Controller) beginFlush(groupKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight[groupKey] {
		return false
	}

	c.inflight[groupKey] = true

	return true
}

func (c *Controller) endFlush(groupKey string) {
	c.mu.Lock()
	delete(c.inflight, groupKey)
	c.mu.Unlock()
}

// flushGroup sends one batch for the group. The snapshot is read under
// the in-flight guard, so a caller that stalled before winning the guard
// cannot resend entries another cycle already settled. Entries enqueued
// after the snapshot carry later sequences and wait for the next cycle.
func (c *Controller) flushGroup(ctx context.Context, groupKey string) error {
	pending, err := c.state.Pending()
	if err != nil {
		return err
	}

	var queued []state.QueuedMutation

	for _, qm := range pending {
		if qm.GroupKey == groupKey {
			queued = append(queued, qm)
		}
	}

	if len(queued) == 0 {
		return nil
	}

	batch := queued
	if len(batch) > models.MaxBatchSize {
		batch = batch[:models.MaxBatchSize]
	}

	if err := c.sendBatch(ctx, groupKey, batch); err != nil {
		return err
	}

	if len(queued) > len(batch) {
		// The remainder stays queued; ask for another cycle.
		c.requestFlush()
	}

	return nil
}

func (c *Controller) sendBatch(ctx context.Context, groupKey string, batch []state.QueuedMutation) error {
	req := models.SyncRequest{
		GroupKey:  groupKey,
		Mutations: make([]models.Mutation, 0, len(batch)),
	}
	for _, qm := range batch {
		req.Mutations = append(req.Mutations, qm.Mutation)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	resp, err := c.transport.SyncBatch(reqCtx, req)
	if err != nil {
		if transport.IsTransient(err) {
			c.SetOnline(false)
		}

		c.logger.Warn("sync batch failed, keeping queue",
			slog.String("group_key", groupKey),
			slog.Int("mutations", len(batch)),
			slog.String("error", err.Error()),
		)

		return err
	}

	c.SetOnline(true)

	return c.applyOutcomes(groupKey, batch, resp)
}

// applyOutcomes folds the server's verdicts back into the replica and
// removes the settled entries from the queue. Every outcome is terminal:
// applied adopts the server's record, conflict adopts the server's
// record and discards the local edit, error keeps nothing. Outcomes are
// matched to queue entries by entity ID, consuming the earliest
// unconsumed sequence for that ID. A batch can settle several mutations
// for one entity and the response lists applied outcomes before
// conflicts regardless of queue order, so the replica adopts the record
// with the newest server timestamp rather than the last one seen.
func (c *Controller) applyOutcomes(groupKey string, batch []state.QueuedMutation, resp *models.SyncResponse) error {
	byEntity := make(map[string][]uint64)
	for _, qm := range batch {
		byEntity[qm.Mutation.EntityID] = append(byEntity[qm.Mutation.EntityID], qm.Sequence)
	}

	consume := func(entityID string) (uint64, bool) {
		seqs := byEntity[entityID]
		if len(seqs) == 0 {
			return 0, false
		}

		byEntity[entityID] = seqs[1:]

		return seqs[0], true
	}

	var (
		settled   []uint64
		conflicts int
		rejected  int
	)

	adopt := make(map[string]*models.Item)
	removed := make(map[string]bool)

	outcomes := make([]models.Outcome, 0, len(resp.Applied)+len(resp.Conflicts))
	outcomes = append(outcomes, resp.Applied...)
	outcomes = append(outcomes, resp.Conflicts...)

	for _, outcome := range outcomes {
		seq, ok := consume(outcome.EntityID)
		if !ok {
			c.logger.Warn("outcome for unknown entity, ignoring",
				slog.String("group_key", groupKey),
				slog.String("entity_id", outcome.EntityID),
			)

			continue
		}

		settled = append(settled, seq)

		switch outcome.Status {
		case models.OutcomeApplied:
			if outcome.Kind == models.MutationDelete {
				removed[outcome.EntityID] = true
				continue
			}

			adoptNewest(adopt, outcome)
		case models.OutcomeConflict:
			conflicts++
			adoptNewest(adopt, outcome)
		case models.OutcomeError:
			rejected++

			c.logger.Warn("mutation rejected by server",
				slog.String("group_key", groupKey),
				slog.String("entity_id", outcome.EntityID),
				slog.String("kind", string(outcome.Kind)),
				slog.String("message", outcome.Message),
			)
		}
	}

	// A settled delete supersedes any record outcome for the entity: the
	// server only applies a delete after processing the mutations queued
	// before it.
	for entityID := range removed {
		if err := c.state.DeleteItem(groupKey, entityID); err != nil {
			return fmt.Errorf("removing replica item: %w", err)
		}
	}

	for entityID, record := range adopt {
		if removed[entityID] {
			continue
		}

		if err := c.state.PutItem(*record); err != nil {
			return fmt.Errorf("adopting server record: %w", err)
		}
	}

	if err := c.state.Remove(settled); err != nil {
		return fmt.Errorf("removing settled queue entries: %w", err)
	}

	c.logger.Info("sync batch settled",
		slog.String("group_key", groupKey),
		slog.Int("settled", len(settled)),
		slog.Int("conflicts", conflicts),
	)

	// One aggregated notification per flush, never one per item.
	if conflicts > 0 {
		c.notify(fmt.Sprintf("%d sync conflicts: server had newer changes", conflicts))
	}

	if rejected > 0 {
		c.notify(fmt.Sprintf("%d sync errors: changes were rejected by the server", rejected))
	}

	return nil
}

// adoptNewest keeps the record with the latest server timestamp for the
// outcome's entity. A conflict snapshot is always at or before the
// server state any later applied write produced, so equal timestamps go
// to the later outcome.
func adoptNewest(adopt map[string]*models.Item, outcome models.Outcome) {
	if outcome.Record == nil {
		return
	}

	if current, ok := adopt[outcome.EntityID]; ok && outcome.Record.UpdatedAt.Before(current.UpdatedAt) {
		return
	}

	adopt[outcome.EntityID] = outcome.Record
}

// Hydrate replaces the replica with the server's current items. Skipped
// while the queue is non-empty so buffered optimistic writes are not
// clobbered, and skipped while a recent hydration is still fresh unless
// force is set.
func (c *Controller) Hydrate(ctx context.Context, force bool) error {
	count, err := c.state.PendingCount()
	if err != nil {
		return err
	}

	if count > 0 {
		c.logger.Debug("skipping hydrate, queue not empty", slog.Int("pending", count))
		return nil
	}

	if !force {
		fresh, err := c.state.IsFresh(c.householdID, hydrateTTL, c.now())
		if err != nil {
			return err
		}

		if fresh {
			return nil
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	items, err := c.transport.FetchItems(reqCtx, c.householdID)
	if err != nil {
		if transport.IsTransient(err) {
			c.SetOnline(false)
		}

		return fmt.Errorf("hydrating replica: %w", err)
	}

	c.SetOnline(true)

	if err := c.state.ReplaceItems(c.householdID, items); err != nil {
		return fmt.Errorf("replacing replica: %w", err)
	}

	if err := c.state.MarkSynced(c.householdID, c.now()); err != nil {
		return fmt.Errorf("stamping replica: %w", err)
	}

	c.logger.Info("replica hydrated",
		slog.String("household_id", c.householdID),
		slog.Int("items", len(items)),
	)

	return nil
}

// Run drives the agent loop: a periodic connectivity probe, hydration
// when fresh data is needed, and queue flushes on demand. Returns when
// ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.probeInterval)
	defer ticker.Stop()

	c.probe(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.probe(ctx)
		case <-c.kick:
			if !c.Online() {
				continue
			}

			if err := c.Flush(ctx); err != nil {
				c.logger.Warn("flush failed", slog.String("error", err.Error()))
			}
		}
	}
}

// probe checks connectivity and, when online, drains the queue and
// refreshes the replica.
func (c *Controller) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	err := c.transport.Ping(probeCtx)
	cancel()

	if err != nil {
		c.SetOnline(false)
		c.logger.Debug("server unreachable", slog.String("error", err.Error()))

		return
	}

	c.SetOnline(true)

	if err := c.Flush(ctx); err != nil {
		c.logger.Warn("flush failed", slog.String("error", err.Error()))
	}

	if err := c.Hydrate(ctx, false); err != nil {
		c.logger.Warn("hydrate failed", slog.String("error", err.Error()))
	}
}
