// This file provides a deterministic in-memory daemon client for tests.
package nodeclient

import (
	"context"
	"sync"
)

// FakeClient implements Client with in-memory state for tests.
// It is deterministic and safe for concurrent use.
type FakeClient struct {
	mu      sync.Mutex
	servers map[string]*fakeServer

	// CreateErr, UpdateErr, DeleteErr, PowerErr, ReinstallErr, ShipErr, and
	// StatusErr force the corresponding operation to fail.
	CreateErr    error
	UpdateErr    error
	DeleteErr    error
	PowerErr     error
	ReinstallErr error
	ShipErr      error
	StatusErr    error

	// EchoToken, when set, is returned instead of the request's validation
	// token to simulate a misrouted or substituted daemon response.
	EchoToken string

	// Calls records operation names in order, e.g. "create server-1".
	Calls []string
}

type fakeServer struct {
	internalID string
	state      string
	cargo      []CargoFile
	create     CreateRequest
}

var _ Client = (*FakeClient)(nil)

// NewFakeClient returns a FakeClient with empty state.
func NewFakeClient() *FakeClient {
	return &FakeClient{servers: make(map[string]*fakeServer)}
}

func (f *FakeClient) record(op, id string) {
	f.Calls = append(f.Calls, op+" "+id)
}

// Create registers the server and echoes the validation token (or EchoToken).
func (f *FakeClient) Create(_ context.Context, _ Credential, req CreateRequest) (CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create", req.ServerID)
	if f.CreateErr != nil {
		return CreateResponse{}, f.CreateErr
	}
	f.servers[req.ServerID] = &fakeServer{
		internalID: req.ServerID,
		state:      "installing",
		cargo:      req.Cargo,
		create:     req,
	}
	token := req.ValidationToken
	if f.EchoToken != "" {
		token = f.EchoToken
	}
	return CreateResponse{ValidationToken: token}, nil
}

func (f *FakeClient) Update(_ context.Context, _ Credential, internalID string, _ UpdateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("update", internalID)
	if f.UpdateErr != nil {
		return f.UpdateErr
	}
	if _, ok := f.servers[internalID]; !ok {
		return &DaemonError{StatusCode: 404, Message: "server not found"}
	}
	return nil
}

func (f *FakeClient) Delete(_ context.Context, _ Credential, internalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete", internalID)
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	delete(f.servers, internalID)
	return nil
}

func (f *FakeClient) Power(_ context.Context, _ Credential, internalID, action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("power:"+action, internalID)
	if f.PowerErr != nil {
		return f.PowerErr
	}
	server, ok := f.servers[internalID]
	if !ok {
		return &DaemonError{StatusCode: 404, Message: "server not found"}
	}
	switch action {
	case "start", "restart":
		server.state = "running"
	case "stop":
		server.state = "stopped"
	default:
		return &DaemonError{StatusCode: 422, Message: "invalid power action"}
	}
	return nil
}

func (f *FakeClient) Reinstall(_ context.Context, _ Credential, internalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("reinstall", internalID)
	if f.ReinstallErr != nil {
		return f.ReinstallErr
	}
	server, ok := f.servers[internalID]
	if !ok {
		return &DaemonError{StatusCode: 404, Message: "server not found"}
	}
	server.state = "installing"
	return nil
}

func (f *FakeClient) ShipCargo(_ context.Context, _ Credential, internalID string, req ShipCargoRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ship_cargo", internalID)
	if f.ShipErr != nil {
		return f.ShipErr
	}
	server, ok := f.servers[internalID]
	if !ok {
		return &DaemonError{StatusCode: 404, Message: "server not found"}
	}
	server.cargo = req.Cargo
	return nil
}

func (f *FakeClient) Status(_ context.Context, _ Credential, internalID string) (StatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("status", internalID)
	if f.StatusErr != nil {
		return StatusResponse{}, f.StatusErr
	}
	server, ok := f.servers[internalID]
	if !ok {
		return StatusResponse{}, &DaemonError{StatusCode: 404, Message: "server not found"}
	}
	return StatusResponse{State: server.state}, nil
}

// SetState overrides the recorded daemon state for a server.
func (f *FakeClient) SetState(internalID, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if server, ok := f.servers[internalID]; ok {
		server.state = state
	}
}

// HasServer reports whether the daemon still tracks the server.
func (f *FakeClient) HasServer(internalID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.servers[internalID]
	return ok
}

// LastCreate returns the create request recorded for a server.
func (f *FakeClient) LastCreate(internalID string) (CreateRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	server, ok := f.servers[internalID]
	if !ok {
		return CreateRequest{}, false
	}
	return server.create, true
}

// CargoFor returns the cargo list last shipped for a server.
func (f *FakeClient) CargoFor(internalID string) []CargoFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	server, ok := f.servers[internalID]
	if !ok {
		return nil
	}
	return append([]CargoFile(nil), server.cargo...)
}
