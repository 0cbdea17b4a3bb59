// Package remote implements the HTTP client for the central survey service.
// The sync core treats the server as an opaque peer: create, update and
// delete per entity type, each returning the canonical record or a
// structured error mapped into the package's error taxonomy.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fieldline/fieldsync/internal/types"
)

// Client calls the Remote API over request/response HTTP.
type Client struct {
	baseURL string
	creds   CredentialSource
	client  *http.Client
}

// NewClient creates a Client for the given base URL. timeout bounds each
// individual call; expiry is treated as a transport failure.
func NewClient(baseURL string, creds CredentialSource, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		creds:   creds,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Connected reports whether a usable network session exists.
func (c *Client) Connected() bool {
	return c.baseURL != "" && c.creds.Connected()
}

// createRequest is the wire shape for POST /{entityType}.
type createRequest struct {
	ClientRef string          `json:"client_ref"`
	Fields    json.RawMessage `json:"fields"`
}

// updateRequest is the wire shape for PUT /{entityType}/{remoteID}.
type updateRequest struct {
	Fields json.RawMessage `json:"fields"`
}

// problem is the structured error body returned by the server: RFC 7807 with
// a machine-readable category extension.
type problem struct {
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Category string `json:"category"`

	// Record carries the server's canonical version on category "conflict".
	Record *types.RemoteRecord `json:"record,omitempty"`
}

// Create issues POST /{entityType}. localID travels as client_ref so the
// server can detect a replayed create and answer idempotently.
// idempotencyKey deduplicates retries of the same queue item server-side.
func (c *Client) Create(ctx context.Context, entityType, localID, idempotencyKey string, payload json.RawMessage) (*types.RemoteRecord, error) {
	body := createRequest{ClientRef: localID, Fields: payload}
	return c.sendRecord(ctx, http.MethodPost, "/"+entityType, idempotencyKey, body)
}

// Update issues PUT /{entityType}/{remoteID}.
func (c *Client) Update(ctx context.Context, entityType, remoteID, idempotencyKey string, payload json.RawMessage) (*types.RemoteRecord, error) {
	body := updateRequest{Fields: payload}
	return c.sendRecord(ctx, http.MethodPut, "/"+entityType+"/"+remoteID, idempotencyKey, body)
}

// Delete issues DELETE /{entityType}/{remoteID}. A 404 counts as success:
// the record is already gone remotely.
func (c *Client) Delete(ctx context.Context, entityType, remoteID, idempotencyKey string) error {
	resp, err := c.send(ctx, http.MethodDelete, "/"+entityType+"/"+remoteID, idempotencyKey, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	}
	return c.mapErrorResponse("delete "+entityType, resp)
}

// sendRecord issues a mutating request and decodes the canonical record.
func (c *Client) sendRecord(ctx context.Context, method, path, idempotencyKey string, body any) (*types.RemoteRecord, error) {
	resp, err := c.send(ctx, method, path, idempotencyKey, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	op := method + " " + path
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var record types.RemoteRecord
		if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
			return nil, &TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
		if record.RemoteID == "" {
			return nil, &TransportError{Op: op, Err: fmt.Errorf("response missing record id")}
		}
		return &record, nil
	case http.StatusConflict:
		// A concurrent edit by another actor. Not an error: the server's
		// canonical record feeds the conflict resolver and the item still
		// completes.
		var p problem
		if err := json.NewDecoder(resp.Body).Decode(&p); err == nil &&
			p.Category == "conflict" && p.Record != nil && p.Record.RemoteID != "" {
			return p.Record, nil
		}
		return nil, &TransportError{Op: op, Err: fmt.Errorf("conflict response missing canonical record")}
	}
	return nil, c.mapErrorResponse(op, resp)
}

// send builds and executes an authenticated request.
func (c *Client) send(ctx context.Context, method, path, idempotencyKey string, body any) (*http.Response, error) {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return nil, err
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: method + " " + path, Err: err}
	}
	return resp, nil
}

// mapErrorResponse converts a non-success response into the error taxonomy.
func (c *Client) mapErrorResponse(op string, resp *http.Response) error {
	var p problem
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &p)
	if p.Detail == "" {
		p.Detail = http.StatusText(resp.StatusCode)
	}

	switch {
	case p.Category == "unauthenticated" || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Status: resp.StatusCode, Detail: p.Detail}
	case p.Category == "dependency-not-ready":
		return fmt.Errorf("%s: %s: %w", op, p.Detail, ErrDependencyNotReady)
	case resp.StatusCode == http.StatusNotFound:
		// An update or delete reached the server before the parent create:
		// a prior Create for the dependency may still be in the queue.
		return fmt.Errorf("%s: %s: %w", op, p.Detail, ErrDependencyNotReady)
	case resp.StatusCode >= 500:
		return &TransportError{Op: op, Err: fmt.Errorf("server error %d: %s", resp.StatusCode, p.Detail)}
	default:
		return &ValidationError{Status: resp.StatusCode, Detail: p.Detail}
	}
}
