// Package state persists the client agent's durable data: the pending
// mutation queue and the replica cache of remote records. Both live in a
// single bbolt database so they survive process restarts together.
package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/shelf-sync/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket   = []byte("app")
	queueBucket = []byte("queue")
	clientIDKey = []byte("client_id")
)

func itemsBucket(householdID string) []byte {
	return []byte("household:" + householdID + ":items")
}

func metaBucket(householdID string) []byte {
	return []byte("household:" + householdID + ":meta")
}

// QueuedMutation is one durable queue entry. Sequence is assigned by the
// queue and is monotonic for this client; it orders the entry within a
// flush snapshot and is the handle used to remove it once the server has
// issued a terminal outcome.
type QueuedMutation struct {
	Sequence uint64          `json:"sequence"`
	GroupKey string          `json:"groupKey"`
	Mutation models.Mutation `json:"mutation"`
}

// State wraps a bbolt database for all persistent agent data.
type State struct {
	db *bolt.DB
}

// Load opens the state database at the given path, creating it if it
// does not exist. The app and queue buckets are created on open.
func Load(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(queueBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// ClientID returns the stable identifier for this installation,
// generating and persisting one on first call.
func (s *State) ClientID() (string, error) {
	var id string

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		if v := b.Get(clientIDKey); v != nil {
			id = string(v)
			return nil
		}

		id = uuid.NewString()

		return b.Put(clientIDKey, []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("reading client id: %w", err)
	}

	return id, nil
}

// seqKey encodes a sequence number as a big-endian key so bbolt's
// byte-ordered iteration matches numeric enqueue order.
func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)

	return buf
}

// Enqueue appends a mutation to the durable queue and returns its
// assigned sequence number. Safe to call while a flush is in progress:
// the new entry gets a sequence past the flush snapshot and stays queued
// for the next cycle.
func (s *State) Enqueue(groupKey string, m models.Mutation) (uint64, error) {
	var seq uint64

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)

		next, err := b.NextSequence()
		if err != nil {
			return err
		}

		seq = next

		data, err := json.Marshal(QueuedMutation{
			Sequence: seq,
			GroupKey: groupKey,
			Mutation: m,
		})
		if err != nil {
			return err
		}

		return b.Put(seqKey(seq), data)
	})
	if err != nil {
		return 0, fmt.Errorf("enqueueing mutation: %w", err)
	}

	return seq, nil
}

// Pending returns all queued mutations in enqueue order.
func (s *State) Pending() ([]QueuedMutation, error) {
	var pending []QueuedMutation

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(k, v []byte) error {
			var qm QueuedMutation
			if err := json.Unmarshal(v, &qm); err != nil {
				return err
			}

			pending = append(pending, qm)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading queue: %w", err)
	}

	return pending, nil
}

// PendingCount returns the number of queued mutations.
func (s *State) PendingCount() (int, error) {
	count := 0

	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(queueBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("counting queue: %w", err)
	}

	return count, nil
}

// Remove deletes the given sequence numbers from the queue. Called once
// the server has returned a terminal outcome (applied, conflict, or
// error) for each; none of those outcomes is retryable.
func (s *State) Remove(seqs []uint64) error {
	if len(seqs) == 0 {
		return nil
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)
		for _, seq := range seqs {
			if err := b.Delete(seqKey(seq)); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("removing queue entries: %w", err)
	}

	return nil
}

// InitHousehold ensures the replica buckets exist for the given
// household. Call this once after configuration.
func (s *State) InitHousehold(householdID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(itemsBucket(householdID)); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(metaBucket(householdID))

		return err
	})
}

// GetItem returns the cached replica of an item, or nil if not cached.
func (s *State) GetItem(householdID, itemID string) (*models.Item, error) {
	var item *models.Item

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(itemsBucket(householdID))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(itemID))
		if v == nil {
			return nil
		}

		item = &models.Item{}

		return json.Unmarshal(v, item)
	})
	if err != nil {
		return nil, fmt.Errorf("reading replica item: %w", err)
	}

	return item, nil
}

// PutItem writes an item into the replica cache, overwriting any
// previous copy. Used both for optimistic local writes and for adopting
// server records; the server's version always wins on conflict.
func (s *State) PutItem(item models.Item) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(itemsBucket(item.HouseholdID))
		if b == nil {
			return fmt.Errorf("replica bucket not initialized for household %s", item.HouseholdID)
		}

		data, err := json.Marshal(item)
		if err != nil {
			return err
		}

		return b.Put([]byte(item.ID), data)
	})
}

// DeleteItem removes an item from the replica cache.
func (s *State) DeleteItem(householdID, itemID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(itemsBucket(householdID))
		if b == nil {
			return nil
		}

		return b.Delete([]byte(itemID))
	})
}

// AllItems returns every cached item for a household.
func (s *State) AllItems(householdID string) ([]models.Item, error) {
	var items []models.Item

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(itemsBucket(householdID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var item models.Item
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}

			items = append(items, item)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading replica items: %w", err)
	}

	return items, nil
}

// ReplaceItems swaps the full replica contents for a household. Used
// when hydrating from the server's current state.
func (s *State) ReplaceItems(householdID string, items []models.Item) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(itemsBucket(householdID)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}

		b, err := tx.CreateBucket(itemsBucket(householdID))
		if err != nil {
			return err
		}

		for _, item := range items {
			data, err := json.Marshal(item)
			if err != nil {
				return err
			}

			if err := b.Put([]byte(item.ID), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// MarkSynced stamps the household replica as freshly hydrated.
func (s *State) MarkSynced(householdID string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket(householdID))
		if b == nil {
			return fmt.Errorf("meta bucket not initialized for household %s", householdID)
		}

		return b.Put([]byte("synced_at"), []byte(at.UTC().Format(time.RFC3339)))
	})
}

// IsFresh reports whether the replica was hydrated within ttl.
func (s *State) IsFresh(householdID string, ttl time.Duration, now time.Time) (bool, error) {
	fresh := false

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket(householdID))
		if b == nil {
			return nil
		}

		v := b.Get([]byte("synced_at"))
		if v == nil {
			return nil
		}

		at, err := time.Parse(time.RFC3339, string(v))
		if err != nil {
			return nil // unreadable stamp counts as stale
		}

		fresh = now.Sub(at) < ttl

		return nil
	})
	if err != nil {
		return false, fmt.Errorf("reading sync stamp: %w", err)
	}

	return fresh, nil
}
