// Package config loads environment-based configuration for both the
// shelf-sync agent and the shelf-sync server.
package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/shelf-sync/internal/auth"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Server holds configuration for the reconciliation server.
type Server struct {
	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string `env:"SYNC_LISTEN_ADDR" envDefault:":8080"`

	// DBPath is the SQLite database file for the remote store.
	DBPath string `env:"SYNC_DB_PATH" envDefault:"shelf-sync.db"`

	// APIKeys lists accepted bearer credentials.
	// Format: "user1:ss_key1,user2:ss_key2"
	APIKeys string `env:"SYNC_API_KEYS"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"SYNC_LOG_LEVEL" envDefault:"info"`
}

// Client holds configuration for the client agent.
type Client struct {
	// ServerURL is the base URL of the reconciliation server.
	ServerURL string `env:"SYNC_SERVER_URL"`

	// APIKey is the bearer credential sent on every sync call.
	APIKey string `env:"SYNC_API_KEY"`

	// HouseholdID is the grouping key this agent's mutations belong to.
	HouseholdID string `env:"SYNC_HOUSEHOLD_ID"`

	// StatePath is the bbolt database holding the mutation queue and
	// replica cache. Defaults to ~/.shelf-sync/state.db when empty.
	StatePath string `env:"SYNC_STATE_PATH"`

	// DeviceName identifies this agent in logs.
	// Defaults to the system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// ProbeInterval is how often the running agent checks connectivity.
	ProbeInterval time.Duration `env:"SYNC_PROBE_INTERVAL" envDefault:"15s"`

	// RequestTimeout bounds a single sync batch call. A timeout counts
	// as a transport failure: nothing is consumed from the queue.
	RequestTimeout time.Duration `env:"SYNC_REQUEST_TIMEOUT" envDefault:"30s"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"SYNC_LOG_LEVEL" envDefault:"info"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// LoadServer reads server configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func LoadServer() (*Server, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Server{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Server) validate() error {
	if c.APIKeys == "" {
		return fmt.Errorf("SYNC_API_KEYS is required")
	}

	return nil
}

// ParseAPIKeys parses the SYNC_API_KEYS string into credentials.
// Format: "user1:ss_key1,user2:ss_key2". Keys must carry the standard
// prefix and be long enough to hold 16 random bytes in hex.
func (c *Server) ParseAPIKeys() ([]auth.Credential, error) {
	seenUsers := make(map[string]struct{})

	var creds []auth.Credential

	for _, pair := range strings.Split(c.APIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		key := pair[idx+1:]
		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(creds)+1)
		}

		if !strings.HasPrefix(key, auth.APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", auth.APIKeyPrefix, len(creds)+1)
		}

		if len(key) < auth.APIKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(creds)+1, auth.APIKeyMinLen)
		}

		suffix := key[len(auth.APIKeyPrefix):]
		if _, err := hex.DecodeString(suffix); err != nil {
			return nil, fmt.Errorf("API key contains non-hex characters after %q prefix in entry %d", auth.APIKeyPrefix, len(creds)+1)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in SYNC_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		creds = append(creds, auth.Credential{UserID: userID, Key: key})
	}

	return creds, nil
}

// LoadClient reads agent configuration from environment variables.
func LoadClient() (*Client, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Client{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "shelf-sync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.StatePath == "" {
		path, err := defaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Client) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("SYNC_SERVER_URL is required")
	}

	if c.APIKey == "" {
		return fmt.Errorf("SYNC_API_KEY is required")
	}

	if c.HouseholdID == "" {
		return fmt.Errorf("SYNC_HOUSEHOLD_ID is required")
	}

	return nil
}

// defaultStatePath returns ~/.shelf-sync/state.db.
func defaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".shelf-sync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Server) IsProduction() bool {
	return c.Environment == "production"
}
