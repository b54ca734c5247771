// Package executor drains the sync queue against the remote REST API. A
// background worker pulls batches of eligible items, replays each mutation
// over HTTP, and reports the outcome back to the queue.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/driftline/driftline/internal/errors"
	"github.com/driftline/driftline/internal/models"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxResponseBody       = 1 << 20
)

// ConflictError reports that the server rejected a mutation because the
// remote entity diverged. Remote carries the server's current state when the
// response body provided one.
type ConflictError struct {
	EntityType string
	EntityID   string
	Remote     json.RawMessage
	Message    string
}

func (e *ConflictError) Error() string {
	if e.Message != "" {
		return "remote conflict: " + e.Message
	}
	return "remote conflict on " + e.EntityType + "/" + e.EntityID
}

// RemoteError is a non-conflict rejection or transport failure. StatusCode
// is zero when the request never produced a response.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("remote rejected with status %d: %s", e.StatusCode, e.Message)
	}
	return "remote unreachable: " + e.Message
}

// Client replays queued mutations against the sync server's REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithBearerToken sets a default bearer token for every request. A per-batch
// token passed to Execute takes precedence.
func WithBearerToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient creates a Client for the given server base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// entityURL maps an entity to its REST resource.
func (c *Client) entityURL(entityType, entityID string) string {
	u := c.baseURL + "/api/" + entityType
	if entityID != "" {
		u += "/" + entityID
	}
	return u
}

// authorize sets the Authorization header from the per-call token, falling
// back to the client default.
func (c *Client) authorize(req *http.Request, token string) {
	if token == "" {
		token = c.token
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// Execute replays a single queued mutation. Creates POST to the collection,
// updates and upserts PUT to the entity, deletes DELETE it. The response
// body is returned on success for callers that want the server's echo.
func (c *Client) Execute(ctx context.Context, item models.QueueItem, token string) (json.RawMessage, error) {
	var (
		method string
		url    string
		body   io.Reader
	)

	switch item.Operation {
	case models.OperationCreate:
		method = http.MethodPost
		url = c.entityURL(item.EntityType, "")
		body = bytes.NewReader(item.Payload)
	case models.OperationUpdate, models.OperationUpsert:
		method = http.MethodPut
		url = c.entityURL(item.EntityType, item.EntityID)
		body = bytes.NewReader(item.Payload)
	case models.OperationDelete:
		method = http.MethodDelete
		url = c.entityURL(item.EntityType, item.EntityID)
	default:
		return nil, errors.New(errors.ErrExecutorFailed,
			"unknown operation "+string(item.Operation))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrExecutorFailed, "building request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req, token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &RemoteError{Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, nil
	case resp.StatusCode == http.StatusConflict:
		return nil, conflictFromResponse(item, respBody)
	default:
		return nil, &RemoteError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
		}
	}
}

// conflictFromResponse extracts the remote state from a 409 body. Servers
// answer either {"remote": {...}, "message": "..."} or the bare entity.
func conflictFromResponse(item models.QueueItem, body []byte) *ConflictError {
	ce := &ConflictError{
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
	}

	var envelope struct {
		Remote  json.RawMessage `json:"remote"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Remote != nil {
		ce.Remote = envelope.Remote
		ce.Message = envelope.Message
		return ce
	}

	if json.Valid(body) && len(body) > 0 {
		ce.Remote = json.RawMessage(body)
	}
	return ce
}

// Fetch retrieves the server's current state of an entity. The conflict
// resolver uses it to show both sides before a resolution is picked.
func (c *Client) Fetch(ctx context.Context, entityType, entityID string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.entityURL(entityType, entityID), nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrExecutorFailed, "building request", err)
	}
	c.authorize(req, "")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &RemoteError{Message: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RemoteError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}
	return body, nil
}

// Ping probes the server's health endpoint. A reachable server that answers
// anything at all counts as alive.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/api/health", nil)
	if err != nil {
		return errors.Wrap(errors.ErrProbeFailed, "building probe request", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrProbeFailed, "sync server unreachable", err)
	}
	resp.Body.Close()
	return nil
}
