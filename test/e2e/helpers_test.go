package e2e_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/shelf-sync/internal/auth"
	"github.com/alexjbarnes/shelf-sync/internal/httpapi"
	"github.com/alexjbarnes/shelf-sync/internal/processor"
	"github.com/alexjbarnes/shelf-sync/internal/server"
	"github.com/alexjbarnes/shelf-sync/internal/state"
	"github.com/alexjbarnes/shelf-sync/internal/store"
	"github.com/alexjbarnes/shelf-sync/internal/syncer"
	"github.com/alexjbarnes/shelf-sync/internal/transport"
	"github.com/stretchr/testify/require"
)

const (
	testHousehold = "hh-e2e-001"
	testUserID    = "alice"
	testAPIKey    = "ss_0123456789abcdef0123456789abcdef"
)

// harness is the full stack: the real HTTP mux over a real SQLite store,
// plus a switch that simulates the server going down.
type harness struct {
	URL   string
	Store *store.Store

	down atomic.Bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	require.NoError(t, st.Init(context.Background()))
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	api := httpapi.NewServer(st, processor.New(st, logger), logger)
	keys := auth.NewStore([]auth.Credential{{UserID: testUserID, Key: testAPIKey}})

	mux := server.NewMux(server.MuxConfig{Keys: keys, API: api, Logger: logger})

	h := &harness{Store: st}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	h.URL = ts.URL
	return h
}

// setDown toggles the simulated outage. While down, every request
// answers 503, which the transport treats as transient.
func (h *harness) setDown(down bool) {
	h.down.Store(down)
}

// agent is one simulated device: its own durable state plus a controller
// talking to the harness server.
type agent struct {
	Controller *syncer.Controller
	State      *state.State

	conflicts []string
}

func newAgent(t *testing.T, h *harness, name string) *agent {
	t.Helper()

	st, err := state.Load(filepath.Join(t.TempDir(), name+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	a := &agent{State: st}

	client := transport.NewClient(h.URL, testAPIKey, nil)
	a.Controller, err = syncer.New(st, client, slog.New(slog.NewTextHandler(io.Discard, nil)), testHousehold, syncer.Options{
		RequestTimeout: 5 * time.Second,
		Notify:         func(msg string) { a.conflicts = append(a.conflicts, msg) },
	})
	require.NoError(t, err)

	return a
}

func (a *agent) pendingCount(t *testing.T) int {
	t.Helper()
	count, err := a.State.PendingCount()
	require.NoError(t, err)
	return count
}
