// Package nodeclient implements the HTTP client for the per-node daemon.
//
// The control plane never runs workloads itself; every container operation is
// an authenticated HTTP call against the daemon running on the server's node.
// This package owns the wire contract, the request timeout, and error
// normalization. It performs no retries; callers decide whether a daemon
// failure is fatal (create), best-effort (status refresh), or ignorable with
// a log line (delete).
package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gantry-dev/gantry/internal/models"
)

// DefaultTimeout bounds every daemon request.
const DefaultTimeout = 10 * time.Second

// Client is the daemon operation surface the orchestrator depends on.
type Client interface {
	Create(ctx context.Context, cred Credential, req CreateRequest) (CreateResponse, error)
	Update(ctx context.Context, cred Credential, internalID string, req UpdateRequest) error
	Delete(ctx context.Context, cred Credential, internalID string) error
	Power(ctx context.Context, cred Credential, internalID, action string) error
	Reinstall(ctx context.Context, cred Credential, internalID string) error
	ShipCargo(ctx context.Context, cred Credential, internalID string, req ShipCargoRequest) error
	Status(ctx context.Context, cred Credential, internalID string) (StatusResponse, error)
}

// Credential is the capability for one daemon call: the base URL and the
// node's connection key. It is constructed per call from the node row and is
// never embedded in anything returned outside the orchestration core.
type Credential struct {
	baseURL       string
	connectionKey string
}

// NewCredential derives a daemon credential from a node row.
func NewCredential(node models.Node) (Credential, error) {
	if strings.TrimSpace(node.FQDN) == "" {
		return Credential{}, fmt.Errorf("%w: node %s has no fqdn", ErrNodeInfoUnavailable, node.ID)
	}
	port := node.Port
	if port <= 0 {
		return Credential{}, fmt.Errorf("%w: node %s has no port", ErrNodeInfoUnavailable, node.ID)
	}
	return Credential{
		baseURL:       fmt.Sprintf("http://%s:%d", node.FQDN, port),
		connectionKey: node.ConnectionKey,
	}, nil
}

// HTTPClient implements Client over the daemon's REST API at /api/v1.
type HTTPClient struct {
	// HTTPClient overrides the default client; tests point it at httptest
	// servers.
	HTTPClient *http.Client
	// Timeout bounds each request (DefaultTimeout when zero).
	Timeout time.Duration
}

var _ Client = (*HTTPClient)(nil)

// Create provisions a server on the node. The response carries the daemon's
// echo of the validation token; verifying the echo is the caller's job, since
// a mismatch must trigger the caller's rollback even on HTTP 200.
func (c *HTTPClient) Create(ctx context.Context, cred Credential, req CreateRequest) (CreateResponse, error) {
	data, err := c.do(ctx, cred, http.MethodPost, "/api/v1/servers", req)
	if err != nil {
		return CreateResponse{}, err
	}
	var resp CreateResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return CreateResponse{}, fmt.Errorf("parse create response: %w", err)
	}
	return resp, nil
}

// Update patches a server's configuration on the node.
func (c *HTTPClient) Update(ctx context.Context, cred Credential, internalID string, req UpdateRequest) error {
	_, err := c.do(ctx, cred, http.MethodPatch, "/api/v1/servers/"+internalID, req)
	return err
}

// Delete tears down a server's container and data on the node.
func (c *HTTPClient) Delete(ctx context.Context, cred Credential, internalID string) error {
	_, err := c.do(ctx, cred, http.MethodDelete, "/api/v1/servers/"+internalID, nil)
	return err
}

// Power issues a start, stop, or restart against the server.
func (c *HTTPClient) Power(ctx context.Context, cred Credential, internalID, action string) error {
	_, err := c.do(ctx, cred, http.MethodPost, "/api/v1/servers/"+internalID+"/power/"+action, nil)
	return err
}

// Reinstall re-runs the unit install script against the server.
func (c *HTTPClient) Reinstall(ctx context.Context, cred Credential, internalID string) error {
	_, err := c.do(ctx, cred, http.MethodPost, "/api/v1/servers/"+internalID+"/reinstall", nil)
	return err
}

// ShipCargo pushes a resolved cargo file list to the daemon.
func (c *HTTPClient) ShipCargo(ctx context.Context, cred Credential, internalID string, req ShipCargoRequest) error {
	_, err := c.do(ctx, cred, http.MethodPost, "/api/v1/servers/"+internalID+"/cargo/ship", req)
	return err
}

// Status fetches the daemon's authoritative view of the server.
func (c *HTTPClient) Status(ctx context.Context, cred Credential, internalID string) (StatusResponse, error) {
	data, err := c.do(ctx, cred, http.MethodGet, "/api/v1/servers/"+internalID, nil)
	if err != nil {
		return StatusResponse{}, err
	}
	var resp StatusResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return StatusResponse{}, fmt.Errorf("parse status response: %w", err)
	}
	return resp, nil
}

func (c *HTTPClient) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: c.timeout()}
}

func (c *HTTPClient) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

func (c *HTTPClient) do(ctx context.Context, cred Credential, method, path string, payload any) ([]byte, error) {
	if cred.baseURL == "" {
		return nil, ErrNodeInfoUnavailable
	}
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, cred.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.connectionKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrDaemonUnreachable, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, normalizeError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

// normalizeError prefers the message embedded in the daemon's JSON error
// body; otherwise it reports the bare status.
func normalizeError(status int, body []byte) error {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Error != "" {
			return &DaemonError{StatusCode: status, Message: payload.Error}
		}
		if payload.Message != "" {
			return &DaemonError{StatusCode: status, Message: payload.Message}
		}
	}
	return &DaemonError{StatusCode: status}
}
