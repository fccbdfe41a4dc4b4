// Package server provides HTTP server construction for shelf-sync.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/shelf-sync/internal/auth"
	"github.com/alexjbarnes/shelf-sync/internal/httpapi"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Keys   *auth.Store
	API    *httpapi.Server
	Logger *slog.Logger
}

// NewMux builds the HTTP mux. The health probe is open so clients can
// use it as a connectivity check; everything else sits behind Bearer
// API key middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpapi.HandleHealthz)

	authMiddleware := auth.Middleware(cfg.Keys, cfg.Logger)

	api := http.NewServeMux()
	cfg.API.RegisterRoutes(api)
	mux.Handle("/", authMiddleware(api))

	return mux
}
