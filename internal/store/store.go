// Package store implements the authoritative remote store for inventory
// records on SQLite. The store owns each record's updated_at; the
// last-write-wins comparison is pushed into a conditional write so a
// losing mutation never clobbers a newer record.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/shelf-sync/internal/errors"
	"github.com/alexjbarnes/shelf-sync/internal/models"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS items (
	id TEXT PRIMARY KEY,
	household_id TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	category_id TEXT NOT NULL DEFAULT '',
	location_id TEXT NOT NULL DEFAULT '',
	quantity INTEGER NOT NULL DEFAULT 1,
	tags TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT 'stored'
		CHECK (status IN ('stored', 'borrowed', 'lost', 'in_lost_found')),
	created_by TEXT NOT NULL,
	borrowed_by TEXT NOT NULL DEFAULT '',
	borrow_due_date TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_items_household
ON items(household_id, deleted_at);
`

// Store is a SQLite-backed remote store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	return &Store{db: db}, nil
}

// Init applies pragmas and creates the schema.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("enabling wal: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}

	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// itemColumns is the SELECT column list matching scanItem.
const itemColumns = `id, household_id, name, description, category_id, location_id,
	quantity, tags, status, created_by, borrowed_by, borrow_due_date,
	created_at, updated_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*models.Item, error) {
	var (
		item      models.Item
		tags      string
		createdAt int64
		updatedAt int64
		deletedAt sql.NullInt64
	)

	err := row.Scan(
		&item.ID, &item.HouseholdID, &item.Name, &item.Description,
		&item.CategoryID, &item.LocationID, &item.Quantity, &tags,
		&item.Status, &item.CreatedBy, &item.BorrowedBy,
		&item.BorrowDueDate, &createdAt, &updatedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(tags), &item.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}

	item.CreatedAt = time.UnixMilli(createdAt).UTC()
	item.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	if deletedAt.Valid {
		t := time.UnixMilli(deletedAt.Int64).UTC()
		item.DeletedAt = &t
	}

	return &item, nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}

	data, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encoding tags: %w", err)
	}

	return string(data), nil
}

// GetItem returns a live (not soft-deleted) item scoped to a household.
// Returns apperrors.ErrItemNotFound when absent or deleted.
func (s *Store) GetItem(ctx context.Context, householdID, itemID string) (*models.Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE id = ? AND household_id = ? AND deleted_at IS NULL
	`, itemID, householdID)

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrItemNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("fetching item: %w", err)
	}

	return item, nil
}

// ListItems returns all live items for a household, name-ordered.
func (s *Store) ListItems(ctx context.Context, householdID string) ([]models.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE household_id = ? AND deleted_at IS NULL
		ORDER BY name ASC
	`, householdID)
	if err != nil {
		return nil, fmt.Errorf("querying items: %w", err)
	}
	defer rows.Close()

	items := make([]models.Item, 0)

	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}

		items = append(items, *item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating items: %w", err)
	}

	return items, nil
}

// InsertItem inserts a new record using the caller-supplied ID as the
// primary key. Returns apperrors.ErrDuplicate when the key already
// exists; the conflict is detected via a no-op upsert so retried creates
// can be translated into idempotent successes by the caller.
func (s *Store) InsertItem(ctx context.Context, item models.Item) error {
	tags, err := encodeTags(item.Tags)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO items (
			id, household_id, name, description, category_id, location_id,
			quantity, tags, status, created_by, borrowed_by, borrow_due_date,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		item.ID, item.HouseholdID, item.Name, item.Description,
		item.CategoryID, item.LocationID, item.Quantity, tags,
		item.Status, item.CreatedBy, item.BorrowedBy, item.BorrowDueDate,
		item.CreatedAt.UnixMilli(), item.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting item: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking insert result: %w", err)
	}

	if affected == 0 {
		return apperrors.ErrDuplicate
	}

	return nil
}

// UpdateItem overwrites a live item's mutable fields unconditionally.
// Used by the direct write path. Returns apperrors.ErrItemNotFound when
// the item is absent or deleted.
func (s *Store) UpdateItem(ctx context.Context, item models.Item) error {
	affected, err := s.updateWhere(ctx, item, "")
	if err != nil {
		return err
	}

	if affected == 0 {
		return apperrors.ErrItemNotFound
	}

	return nil
}

// UpdateItemIfNotNewer writes the item only while the stored updated_at
// is not past clientTS: the last-write-wins comparison as a single
// conditional write, so two racing batches cannot both win. Returns the
// number of rows affected; zero means the record was either missing or
// newer, and the caller distinguishes the two with a follow-up fetch.
func (s *Store) UpdateItemIfNotNewer(ctx context.Context, item models.Item, clientTS time.Time) (int64, error) {
	return s.updateWhere(ctx, item, "AND updated_at <= ?", clientTS.UnixMilli())
}

func (s *Store) updateWhere(ctx context.Context, item models.Item, extraCond string, extraArgs ...any) (int64, error) {
	tags, err := encodeTags(item.Tags)
	if err != nil {
		return 0, err
	}

	args := []any{
		item.Name, item.Description, item.CategoryID, item.LocationID,
		item.Quantity, tags, item.Status, item.BorrowedBy,
		item.BorrowDueDate, item.UpdatedAt.UnixMilli(),
		item.ID, item.HouseholdID,
	}
	args = append(args, extraArgs...)

	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET
			name = ?, description = ?, category_id = ?, location_id = ?,
			quantity = ?, tags = ?, status = ?, borrowed_by = ?,
			borrow_due_date = ?, updated_at = ?
		WHERE id = ? AND household_id = ? AND deleted_at IS NULL `+extraCond,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("updating item: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking update result: %w", err)
	}

	return affected, nil
}

// SoftDeleteItem marks a live item deleted. Returns false when the item
// was already absent or deleted, which callers treat as success:
// deletion is idempotent by design.
func (s *Store) SoftDeleteItem(ctx context.Context, householdID, itemID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET deleted_at = ?, updated_at = ?
		WHERE id = ? AND household_id = ? AND deleted_at IS NULL
	`, at.UnixMilli(), at.UnixMilli(), itemID, householdID)
	if err != nil {
		return false, fmt.Errorf("deleting item: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking delete result: %w", err)
	}

	return affected > 0, nil
}

// RestoreItem clears deleted_at on a soft-deleted item and returns the
// restored record.
func (s *Store) RestoreItem(ctx context.Context, householdID, itemID string, at time.Time) (*models.Item, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET deleted_at = NULL, updated_at = ?
		WHERE id = ? AND household_id = ? AND deleted_at IS NOT NULL
	`, at.UnixMilli(), itemID, householdID)
	if err != nil {
		return nil, fmt.Errorf("restoring item: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking restore result: %w", err)
	}

	if affected == 0 {
		return nil, apperrors.ErrItemNotFound
	}

	return s.GetItem(ctx, householdID, itemID)
}
