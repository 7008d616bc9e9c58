package control

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gantry-dev/gantry/internal/db"
	"github.com/gantry-dev/gantry/internal/models"
	"github.com/gantry-dev/gantry/internal/nodeclient"
)

// Orchestrator errors.
var (
	ErrServerNotFound     = errors.New("server not found")
	ErrServerNodeNotFound = errors.New("server node not found")
	ErrUnitNotFound       = errors.New("unit not found")
	ErrInvalidAction      = errors.New("invalid power action")
	ErrTokenMismatch      = errors.New("daemon did not echo the validation token")
	ErrNoStartupCommand   = errors.New("no startup command resolved")
)

// createAttempts bounds how often a create retries selection after losing an
// allocation reservation race.
const createAttempts = 3

// CreateServerParams describes a provisioning request.
type CreateServerParams struct {
	Name      string
	UserID    string
	ProjectID string
	UnitID    string
	Target    PlacementTarget

	MemoryMiB  int
	DiskMiB    int
	CPUPercent int

	// DockerImage and StartupCommand override the unit defaults when set.
	DockerImage    string
	StartupCommand string
}

// UpdateServerParams carries the mutable server fields. Zero values mean
// "keep the current value" for the numeric limits and name.
type UpdateServerParams struct {
	Name        string
	UnitID      string
	MemoryMiB   int
	DiskMiB     int
	CPUPercent  int
	DockerImage string
}

// Orchestrator drives the server lifecycle: placement, persistence, daemon
// calls, and rollback. It is the only writer of server phases.
type Orchestrator struct {
	store    *db.Store
	selector *Selector
	daemon   nodeclient.Client
	cargo    *CargoService
	logger   *log.Logger
	metrics  *Metrics
	locks    *serverLocks
	now      func() time.Time
}

// NewOrchestrator wires the orchestrator. logger and metrics may be nil.
func NewOrchestrator(store *db.Store, daemon nodeclient.Client, cargo *CargoService) *Orchestrator {
	return &Orchestrator{
		store:    store,
		selector: NewSelector(store),
		daemon:   daemon,
		cargo:    cargo,
		locks:    newServerLocks(),
		now:      time.Now,
	}
}

// WithLogger sets the logger.
func (o *Orchestrator) WithLogger(logger *log.Logger) *Orchestrator {
	o.logger = logger
	return o
}

// WithMetrics sets the metric sink.
func (o *Orchestrator) WithMetrics(metrics *Metrics) *Orchestrator {
	o.metrics = metrics
	return o
}

// WithClock overrides the time source. Used by tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Create provisions a new server end to end.
//
// The order is deliberate: the allocation is reserved before the server row
// exists and before any daemon traffic, so every later failure has one
// rollback target. Losing the reservation race re-runs selection up to
// createAttempts times.
func (o *Orchestrator) Create(ctx context.Context, params CreateServerParams) (models.Server, error) {
	unit, err := o.loadUnit(ctx, params.UnitID)
	if err != nil {
		return models.Server{}, err
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		placement, err := o.selector.SelectPlacement(ctx, params.Target)
		if err != nil {
			o.metrics.PlacementFailed(placementFailureReason(err))
			return models.Server{}, err
		}
		if err := o.store.ReserveAllocation(ctx, placement.AllocationID); err != nil {
			if errors.Is(err, db.ErrAllocationTaken) {
				// Lost the race to a concurrent create; re-run selection.
				continue
			}
			return models.Server{}, fmt.Errorf("reserve allocation %s: %w", placement.AllocationID, err)
		}
		return o.createOnPlacement(ctx, params, unit, placement)
	}
	o.metrics.PlacementFailed("allocation_race")
	return models.Server{}, fmt.Errorf("%w: reservation lost %d times", ErrNoAvailableAllocations, createAttempts)
}

// createOnPlacement runs the post-reservation half of Create. The allocation
// is already held; every failure path must release it.
func (o *Orchestrator) createOnPlacement(ctx context.Context, params CreateServerParams, unit models.Unit, placement Placement) (models.Server, error) {
	token, err := newValidationToken()
	if err != nil {
		o.rollbackReservation(ctx, placement.AllocationID, "")
		return models.Server{}, fmt.Errorf("generate validation token: %w", err)
	}

	now := o.now().UTC()
	server := models.Server{
		ID:              uuid.NewString(),
		Name:            params.Name,
		NodeID:          placement.NodeID,
		AllocationID:    placement.AllocationID,
		UnitID:          unit.ID,
		UserID:          params.UserID,
		ProjectID:       params.ProjectID,
		MemoryMiB:       params.MemoryMiB,
		DiskMiB:         params.DiskMiB,
		CPUPercent:      params.CPUPercent,
		DockerImage:     params.DockerImage,
		StartupCommand:  params.StartupCommand,
		Phase:           models.PhaseCreating,
		ObservedState:   models.ObservedUnknown,
		ObservedAt:      now,
		ValidationToken: token,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	// The daemon-facing id equals the panel id; keeping the column separate
	// leaves room for daemons that mint their own identifiers.
	server.InternalID = server.ID

	if err := o.store.CreateServer(ctx, server); err != nil {
		o.rollbackReservation(ctx, placement.AllocationID, "")
		return models.Server{}, fmt.Errorf("persist server: %w", err)
	}

	if err := o.dispatchCreate(ctx, server, unit); err != nil {
		o.rollbackCreate(ctx, server)
		return models.Server{}, err
	}

	if err := o.store.SetServerPhase(ctx, server.ID, models.PhaseInstalling); err != nil {
		o.rollbackCreate(ctx, server)
		return models.Server{}, fmt.Errorf("mark server installing: %w", err)
	}
	server.Phase = models.PhaseInstalling
	o.metrics.ServerCreated()
	o.recordEvent(ctx, "server.created", server.ID, server.NodeID,
		fmt.Sprintf("placed on node %s allocation %s", server.NodeID, server.AllocationID))
	return server, nil
}

// dispatchCreate resolves the daemon payload, issues the create call, and
// verifies the token echo. Any error here demands rollback by the caller.
func (o *Orchestrator) dispatchCreate(ctx context.Context, server models.Server, unit models.Unit) error {
	node, cred, err := o.credentialFor(ctx, server.NodeID)
	if err != nil {
		return err
	}
	alloc, err := o.store.GetAllocation(ctx, server.AllocationID)
	if err != nil {
		return fmt.Errorf("load allocation %s: %w", server.AllocationID, err)
	}
	image, startup, err := resolveRuntime(server, unit)
	if err != nil {
		return err
	}
	files, err := o.cargo.ResolveCargoFiles(ctx, unit, server)
	if err != nil {
		return fmt.Errorf("resolve cargo for server %s: %w", server.ID, err)
	}

	req := nodeclient.CreateRequest{
		ServerID:        server.InternalID,
		ValidationToken: server.ValidationToken,
		Name:            server.Name,
		MemoryLimit:     mibToBytes(server.MemoryMiB),
		CPULimit:        percentToShares(server.CPUPercent),
		Allocation:      nodeclient.AllocationSpec{BindAddress: alloc.BindAddress, Port: alloc.Port},
		DockerImage:     image,
		StartupCommand:  startup,
		Cargo:           files,
	}
	start := o.now()
	resp, err := o.daemon.Create(ctx, cred, req)
	o.metrics.DaemonRequest("create", err, o.now().Sub(start).Seconds())
	if err != nil {
		return fmt.Errorf("daemon create on node %s: %w", node.ID, err)
	}
	if resp.ValidationToken != server.ValidationToken {
		return fmt.Errorf("%w: node %s", ErrTokenMismatch, node.ID)
	}
	return nil
}

// rollbackCreate undoes a failed create: delete the row, then release the
// allocation. The original daemon error is the caller's to surface; rollback
// failures are logged and do not mask it.
func (o *Orchestrator) rollbackCreate(ctx context.Context, server models.Server) {
	if err := o.store.DeleteServer(ctx, server.ID); err != nil {
		o.logf("rollback: delete server %s: %v", server.ID, err)
	}
	o.rollbackReservation(ctx, server.AllocationID, server.ID)
}

func (o *Orchestrator) rollbackReservation(ctx context.Context, allocationID, serverID string) {
	if err := o.store.ReleaseAllocation(ctx, allocationID); err != nil {
		o.logf("rollback: release allocation %s: %v", allocationID, err)
	}
	o.metrics.CreateRolledBack()
	if serverID != "" {
		o.recordEvent(ctx, "server.create_rollback", serverID, "", "create failed, reservation released")
	}
}

// Update applies new configuration to a server and pushes it to the daemon.
// The daemon is told first; the row only changes after the daemon accepts,
// so a rejected patch leaves the stored config untouched.
func (o *Orchestrator) Update(ctx context.Context, id string, params UpdateServerParams) (models.Server, error) {
	unlock := o.locks.lock(id)
	defer unlock()

	server, err := o.loadServer(ctx, id)
	if err != nil {
		return models.Server{}, err
	}

	unitChanged := params.UnitID != "" && params.UnitID != server.UnitID
	unit, err := o.loadUnit(ctx, firstNonEmpty(params.UnitID, server.UnitID))
	if err != nil {
		return models.Server{}, err
	}

	next := server
	if params.Name != "" {
		next.Name = params.Name
	}
	if params.MemoryMiB > 0 {
		next.MemoryMiB = params.MemoryMiB
	}
	if params.DiskMiB > 0 {
		next.DiskMiB = params.DiskMiB
	}
	if params.CPUPercent > 0 {
		next.CPUPercent = params.CPUPercent
	}
	imageChanged := params.DockerImage != "" && params.DockerImage != server.DockerImage
	if params.DockerImage != "" {
		next.DockerImage = params.DockerImage
	}
	if unitChanged {
		next.UnitID = unit.ID
		// A unit switch invalidates a stale per-server image override.
		if next.DockerImage != "" && !imageChanged {
			next.DockerImage = ""
		}
	}
	image, startup, err := resolveRuntime(next, unit)
	if err != nil {
		return models.Server{}, err
	}

	node, cred, err := o.credentialFor(ctx, server.NodeID)
	if err != nil {
		return models.Server{}, err
	}
	alloc, err := o.store.GetAllocation(ctx, server.AllocationID)
	if err != nil {
		return models.Server{}, fmt.Errorf("load allocation %s: %w", server.AllocationID, err)
	}

	if err := o.store.SetServerPhase(ctx, server.ID, models.PhaseUpdating); err != nil {
		return models.Server{}, fmt.Errorf("mark server updating: %w", err)
	}

	req := nodeclient.UpdateRequest{
		ServerID:           server.InternalID,
		Name:               next.Name,
		MemoryLimit:        mibToBytes(next.MemoryMiB),
		CPULimit:           percentToShares(next.CPUPercent),
		Allocation:         nodeclient.AllocationSpec{BindAddress: alloc.BindAddress, Port: alloc.Port},
		UnitChanged:        unitChanged,
		DockerImage:        image,
		DockerImageChanged: unitChanged || imageChanged,
		StartupCommand:     startup,
	}
	start := o.now()
	err = o.daemon.Update(ctx, cred, server.InternalID, req)
	o.metrics.DaemonRequest("update", err, o.now().Sub(start).Seconds())
	if err != nil {
		// Put the phase back so the failed attempt is not stuck in updating.
		if phaseErr := o.store.SetServerPhase(ctx, server.ID, server.Phase); phaseErr != nil {
			o.logf("restore phase for server %s: %v", server.ID, phaseErr)
		}
		return models.Server{}, fmt.Errorf("daemon update on node %s: %w", node.ID, err)
	}

	// Optimistic: the next status poll corrects this if the daemon disagrees.
	next.Phase = models.PhaseRunning
	if err := o.store.UpdateServerFields(ctx, next); err != nil {
		return models.Server{}, fmt.Errorf("persist server update: %w", err)
	}
	o.recordEvent(ctx, "server.updated", server.ID, server.NodeID, "configuration updated")
	return o.loadServer(ctx, id)
}

// Delete removes a server. The daemon teardown is attempted first but never
// blocks the local cleanup: an unreachable node must not strand the row or
// the allocation.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	unlock := o.locks.lock(id)
	defer unlock()

	server, err := o.loadServer(ctx, id)
	if err != nil {
		return err
	}
	if err := o.store.SetServerPhase(ctx, server.ID, models.PhaseDeleting); err != nil {
		return fmt.Errorf("mark server deleting: %w", err)
	}

	if _, cred, err := o.credentialFor(ctx, server.NodeID); err != nil {
		o.logf("delete server %s: daemon unreachable, removing locally: %v", server.ID, err)
	} else {
		start := o.now()
		err := o.daemon.Delete(ctx, cred, server.InternalID)
		o.metrics.DaemonRequest("delete", err, o.now().Sub(start).Seconds())
		if err != nil {
			o.logf("delete server %s: daemon delete failed, removing locally: %v", server.ID, err)
		}
	}

	if err := o.store.DeleteServer(ctx, server.ID); err != nil {
		return fmt.Errorf("delete server row: %w", err)
	}
	if err := o.store.ReleaseAllocation(ctx, server.AllocationID); err != nil {
		return fmt.Errorf("release allocation %s: %w", server.AllocationID, err)
	}
	o.metrics.ServerDeleted()
	o.recordEvent(ctx, "server.deleted", server.ID, server.NodeID, "server removed")
	return nil
}

// powerPhases maps a power action to its transitional phase.
var powerPhases = map[string]models.ServerPhase{
	"start":   models.PhaseStarting,
	"stop":    models.PhaseStopping,
	"restart": models.PhaseRestarting,
}

// Power dispatches a start, stop, or restart. The transitional phase persists
// until the next successful status poll.
func (o *Orchestrator) Power(ctx context.Context, id, action string) error {
	phase, ok := powerPhases[action]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	unlock := o.locks.lock(id)
	defer unlock()

	server, err := o.loadServer(ctx, id)
	if err != nil {
		return err
	}
	_, cred, err := o.credentialFor(ctx, server.NodeID)
	if err != nil {
		return err
	}
	if err := o.store.SetServerPhase(ctx, server.ID, phase); err != nil {
		return fmt.Errorf("mark server %s: %w", phase, err)
	}
	start := o.now()
	err = o.daemon.Power(ctx, cred, server.InternalID, action)
	o.metrics.DaemonRequest("power", err, o.now().Sub(start).Seconds())
	if err != nil {
		return fmt.Errorf("daemon power %s: %w", action, err)
	}
	o.metrics.PowerAction(action)
	o.refreshObservedState(ctx, server, cred)
	return nil
}

// Reinstall re-runs the unit install script on the daemon.
func (o *Orchestrator) Reinstall(ctx context.Context, id string) error {
	unlock := o.locks.lock(id)
	defer unlock()

	server, err := o.loadServer(ctx, id)
	if err != nil {
		return err
	}
	_, cred, err := o.credentialFor(ctx, server.NodeID)
	if err != nil {
		return err
	}
	if err := o.store.SetServerPhase(ctx, server.ID, models.PhaseReinstalling); err != nil {
		return fmt.Errorf("mark server reinstalling: %w", err)
	}
	start := o.now()
	err = o.daemon.Reinstall(ctx, cred, server.InternalID)
	o.metrics.DaemonRequest("reinstall", err, o.now().Sub(start).Seconds())
	if err != nil {
		return fmt.Errorf("daemon reinstall: %w", err)
	}
	o.recordEvent(ctx, "server.reinstall", server.ID, server.NodeID, "reinstall dispatched")
	o.refreshObservedState(ctx, server, cred)
	return nil
}

// ShipCargo re-resolves the server's cargo list and pushes it to the daemon.
func (o *Orchestrator) ShipCargo(ctx context.Context, id string) error {
	server, err := o.loadServer(ctx, id)
	if err != nil {
		return err
	}
	unit, err := o.loadUnit(ctx, server.UnitID)
	if err != nil {
		return err
	}
	files, err := o.cargo.ResolveCargoFiles(ctx, unit, server)
	if err != nil {
		return fmt.Errorf("resolve cargo for server %s: %w", server.ID, err)
	}
	_, cred, err := o.credentialFor(ctx, server.NodeID)
	if err != nil {
		return err
	}
	start := o.now()
	err = o.daemon.ShipCargo(ctx, cred, server.InternalID, nodeclient.ShipCargoRequest{Cargo: files})
	o.metrics.DaemonRequest("ship_cargo", err, o.now().Sub(start).Seconds())
	if err != nil {
		return fmt.Errorf("daemon ship cargo: %w", err)
	}
	o.recordEvent(ctx, "server.cargo_shipped", server.ID, server.NodeID,
		fmt.Sprintf("%d cargo files shipped", len(files)))
	return nil
}

// Access loads a server for a caller, enforcing ownership and refreshing the
// observed daemon state opportunistically. A daemon failure degrades the
// observed state to unknown instead of failing the read.
func (o *Orchestrator) Access(ctx context.Context, caller Identity, id string) (models.Server, error) {
	server, err := o.loadServer(ctx, id)
	if err != nil {
		return models.Server{}, err
	}
	if !caller.Admin && caller.UserID != server.UserID {
		return models.Server{}, ErrAccessDenied
	}
	if _, err := o.store.GetNode(ctx, server.NodeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Server{}, fmt.Errorf("%w: node %s", ErrServerNodeNotFound, server.NodeID)
		}
		return models.Server{}, fmt.Errorf("load node %s: %w", server.NodeID, err)
	}
	_, cred, err := o.credentialFor(ctx, server.NodeID)
	if err != nil {
		server.ObservedState = models.ObservedUnknown
		return server, nil
	}
	return o.refreshObservedState(ctx, server, cred), nil
}

// refreshObservedState polls the daemon and caches the result. On failure the
// cached state degrades to unknown; the error is logged, never propagated.
func (o *Orchestrator) refreshObservedState(ctx context.Context, server models.Server, cred nodeclient.Credential) models.Server {
	start := o.now()
	resp, err := o.daemon.Status(ctx, cred, server.InternalID)
	o.metrics.DaemonRequest("status", err, o.now().Sub(start).Seconds())
	if err != nil {
		o.logf("status poll for server %s: %v", server.ID, err)
		server.ObservedState = models.ObservedUnknown
		return server
	}
	at := o.now().UTC()
	if err := o.store.SetServerObservedState(ctx, server.ID, resp.State, at); err != nil {
		o.logf("cache observed state for server %s: %v", server.ID, err)
	}
	server.ObservedState = resp.State
	server.ObservedAt = at
	return server
}

// ValidateToken answers a daemon's proof request: exact token match for the
// server with the given daemon-facing id. The compare is constant time even
// though the token is a capability, not a password.
func (o *Orchestrator) ValidateToken(ctx context.Context, internalID, token string) (models.Server, error) {
	server, err := o.store.GetServerByInternalID(ctx, internalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Server{}, ErrServerNotFound
		}
		return models.Server{}, fmt.Errorf("load server %s: %w", internalID, err)
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(server.ValidationToken), []byte(token)) != 1 {
		return models.Server{}, ErrAccessDenied
	}
	return server, nil
}

func (o *Orchestrator) loadServer(ctx context.Context, id string) (models.Server, error) {
	server, err := o.store.GetServer(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Server{}, fmt.Errorf("%w: %s", ErrServerNotFound, id)
		}
		return models.Server{}, fmt.Errorf("load server %s: %w", id, err)
	}
	return server, nil
}

func (o *Orchestrator) loadUnit(ctx context.Context, id string) (models.Unit, error) {
	unit, err := o.store.GetUnit(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Unit{}, fmt.Errorf("%w: %s", ErrUnitNotFound, id)
		}
		return models.Unit{}, fmt.Errorf("load unit %s: %w", id, err)
	}
	return unit, nil
}

// credentialFor loads a node row and derives its daemon credential.
func (o *Orchestrator) credentialFor(ctx context.Context, nodeID string) (models.Node, nodeclient.Credential, error) {
	node, err := o.store.GetNode(ctx, nodeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Node{}, nodeclient.Credential{}, fmt.Errorf("%w: %s", ErrServerNodeNotFound, nodeID)
		}
		return models.Node{}, nodeclient.Credential{}, fmt.Errorf("load node %s: %w", nodeID, err)
	}
	cred, err := nodeclient.NewCredential(node)
	if err != nil {
		return models.Node{}, nodeclient.Credential{}, err
	}
	return node, cred, nil
}

func (o *Orchestrator) recordEvent(ctx context.Context, kind, serverID, nodeID, msg string) {
	var sid, nid *string
	if serverID != "" {
		sid = &serverID
	}
	if nodeID != "" {
		nid = &nodeID
	}
	if err := o.store.RecordEvent(ctx, kind, sid, nid, msg); err != nil {
		o.logf("record event %s: %v", kind, err)
	}
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.logger == nil {
		return
	}
	o.logger.Printf(format, args...)
}

// resolveRuntime picks the effective image and startup command: server
// override first, unit default second.
func resolveRuntime(server models.Server, unit models.Unit) (image, startup string, err error) {
	image = server.DockerImage
	if image == "" {
		image = unit.DefaultImage()
	}
	if image == "" {
		return "", "", fmt.Errorf("unit %s has no docker image", unit.ID)
	}
	startup = server.StartupCommand
	if startup == "" {
		startup = unit.DefaultStartup
	}
	if strings.TrimSpace(startup) == "" {
		return "", "", fmt.Errorf("%w for unit %s", ErrNoStartupCommand, unit.ID)
	}
	return image, startup, nil
}

func mibToBytes(mib int) int64 {
	return int64(mib) * 1024 * 1024
}

func percentToShares(percent int) float64 {
	return float64(percent) / 100.0
}

func newValidationToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func placementFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrRegionNotFound):
		return "region_not_found"
	case errors.Is(err, ErrNodeNotFound):
		return "node_not_found"
	case errors.Is(err, ErrNodeOffline):
		return "node_offline"
	case errors.Is(err, ErrNoAvailableAllocations):
		return "no_allocations"
	case errors.Is(err, ErrRegionAtCapacity):
		return "region_at_capacity"
	case errors.Is(err, ErrNoAvailableNodes):
		return "no_nodes"
	case errors.Is(err, ErrFallbackCycle):
		return "fallback_cycle"
	default:
		return "other"
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
