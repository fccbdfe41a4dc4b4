// Package transport implements the HTTP client side of the batch sync
// wire contract.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/shelf-sync/internal/models"
)

// TransientError wraps an error that is likely temporary and safe to retry.
// A transient failure means no outcomes were received, so the whole batch
// remains queued and is resent unchanged on the next cycle.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 4 * 1024 * 1024
)

// Client talks to the shelf-sync server's HTTP API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient creates an API client for the given server. If httpClient is
// nil, a client with a 30-second timeout is created.
func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

// errorBody is the server's JSON error envelope.
type errorBody struct {
	Error string `json:"error"`
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do sends an authenticated JSON request and decodes the response into
// result. Network-level failures are wrapped in TransientError; HTTP
// error statuses are transient only when the server side is at fault.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result interface{}) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// mean the call never completed: fully retryable.
		return &TransientError{Err: fmt.Errorf("sending request to %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr errorBody
		msg := sanitizeResponseBody(respBody)

		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}

		wrapped := fmt.Errorf("API %s (%d): %s", endpoint, resp.StatusCode, msg)
		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: wrapped}
		}

		return wrapped
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			// An unparseable 200 gives us no outcomes to act on; treat
			// it like the call never returned.
			return &TransientError{Err: fmt.Errorf("decoding response from %s: %w", endpoint, err)}
		}
	}

	return nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// SyncBatch sends one ordered batch of mutations for a household and
// returns the per-mutation outcomes. The request carries at most
// models.MaxBatchSize mutations; the caller enforces the bound.
func (c *Client) SyncBatch(ctx context.Context, req models.SyncRequest) (*models.SyncResponse, error) {
	var resp models.SyncResponse
	if err := c.do(ctx, http.MethodPost, "/sync", req, &resp); err != nil {
		return nil, fmt.Errorf("syncing batch: %w", err)
	}

	return &resp, nil
}

// itemListResponse is the server's household item listing.
type itemListResponse struct {
	Items []models.Item `json:"items"`
}

// FetchItems pulls the household's current items to hydrate the replica.
func (c *Client) FetchItems(ctx context.Context, householdID string) ([]models.Item, error) {
	var resp itemListResponse
	if err := c.do(ctx, http.MethodGet, "/households/"+householdID+"/items", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching items: %w", err)
	}

	return resp.Items, nil
}

// Ping probes the server's health endpoint. Used by the agent as its
// connectivity check.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("probing server: %w", err)}
	}
	defer resp.Body.Close()

	io.Copy(io.Discard, io.LimitReader(resp.Body, maxAPIResponseBytes)) //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz returned status %d", resp.StatusCode)
	}

	return nil
}
