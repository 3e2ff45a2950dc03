// Package remote provides the client for the remote authoritative store:
// a networked CRUD API holding the source-of-truth copy of every user's
// training data, shared across devices.
//
// The sync core consumes three operations — upsert, delete-by-id, and
// filtered select — plus a connectivity probe and an optional websocket
// change feed used to trigger syncs when another device pushes.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/traintrack/traintrack/internal/entity"
)

// TokenFunc returns the bearer token for a request, typically backed by
// the app's session manager.
type TokenFunc func(ctx context.Context) (string, error)

// APIError is a non-2xx response from the remote store. Per-record
// failures in the pipelines carry this type so callers can log the
// status that rejected the row.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote store returned %d: %s", e.StatusCode, e.Message)
}

// Filter narrows a Select call. The remote store supports equality on
// user_id and greater-than on the server-assigned change timestamp.
type Filter struct {
	// UserID scopes the query to one user's rows.
	UserID string

	// UpdatedAfter limits results to rows changed after this instant.
	// Nil fetches everything (full hydration).
	UpdatedAfter *time.Time

	// IDsOnly requests an id-only projection, used by deletion
	// reconciliation where full rows would be wasted transfer.
	IDsOnly bool
}

// Client talks to the remote store over HTTP with JSON bodies.
type Client struct {
	baseURL string
	http    *http.Client
	token   TokenFunc
	logger  *log.Logger
}

// NewClient creates a remote store client. token may be nil for
// unauthenticated backends; logger nil defaults to stderr.
func NewClient(baseURL string, token TokenFunc, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		token:   token,
		logger:  logger,
	}
}

// Ping probes connectivity. A nil return means the remote store is
// reachable; the orchestrator treats any error as "offline, skip sync".
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Message: "health check failed"}
	}
	return nil
}

// Upsert inserts or replaces a record by id and returns the stored row,
// including the updated_at the server assigned to it.
func (c *Client) Upsert(ctx context.Context, table string, rec entity.RemoteRecord) (entity.RemoteRecord, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return entity.RemoteRecord{}, fmt.Errorf("failed to marshal %s record: %w", table, err)
	}

	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/sync/"+table, bytes.NewReader(body))
	if err != nil {
		return entity.RemoteRecord{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return entity.RemoteRecord{}, apiError(resp)
	}

	var stored entity.RemoteRecord
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return entity.RemoteRecord{}, fmt.Errorf("failed to decode upsert response: %w", err)
	}
	return stored, nil
}

// Delete removes a row by id. Deleting an absent row is not an error on
// the server side, which keeps tombstone pushes idempotent.
func (c *Client) Delete(ctx context.Context, table, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.baseURL+"/sync/"+table+"/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return apiError(resp)
	}
	return nil
}

// Select fetches rows matching the filter.
func (c *Client) Select(ctx context.Context, table string, f Filter) ([]entity.RemoteRecord, error) {
	q := url.Values{}
	q.Set("user_id", f.UserID)
	if f.UpdatedAfter != nil {
		q.Set("updated_since", f.UpdatedAfter.UTC().Format(time.RFC3339Nano))
	}
	if f.IDsOnly {
		q.Set("fields", "id")
	}

	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/sync/"+table+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var rows []entity.RemoteRecord
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode %s rows: %w", table, err)
	}
	return rows, nil
}

// SelectIDs fetches the full id set for a user's rows in one table.
func (c *Client) SelectIDs(ctx context.Context, table, userID string) ([]string, error) {
	rows, err := c.Select(ctx, table, Filter{UserID: userID, IDsOnly: true})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	return ids, nil
}

func (c *Client) do(ctx context.Context, method, rawurl string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawurl, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != nil {
		tok, err := c.token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get auth token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote store unreachable: %w", err)
	}
	return resp, nil
}

// apiError drains the response body into an APIError. Bodies are either
// {"message": "..."} or plain text.
func apiError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var payload struct {
		Message string `json:"message"`
	}
	msg := string(data)
	if err := json.Unmarshal(data, &payload); err == nil && payload.Message != "" {
		msg = payload.Message
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
