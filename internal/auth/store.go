package auth

import "sync"

// Credential pairs a user identity with a raw API key, as parsed from
// configuration.
type Credential struct {
	UserID string
	Key    string
}

// Store maps hashed API keys to user identities.
type Store struct {
	mu   sync.RWMutex
	keys map[string]string // key hash -> user ID
}

// NewStore builds a Store from pre-configured credentials. Raw keys are
// hashed on the way in and discarded.
func NewStore(creds []Credential) *Store {
	keys := make(map[string]string, len(creds))
	for _, c := range creds {
		keys[HashKey(c.Key)] = c.UserID
	}

	return &Store{keys: keys}
}

// ValidateKey returns the user ID for a raw key, or "" if unknown.
func (s *Store) ValidateKey(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.keys[HashKey(key)]
}

// Add registers a credential at runtime. Used by tests and by the
// key-generation subcommand.
func (s *Store) Add(c Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys[HashKey(c.Key)] = c.UserID
}
