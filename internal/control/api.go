package control

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gantry-dev/gantry/internal/buildinfo"
	"github.com/gantry-dev/gantry/internal/db"
	"github.com/gantry-dev/gantry/internal/models"
	"github.com/gantry-dev/gantry/internal/nodeclient"
)

// maxJSONBytes caps JSON request bodies.
const maxJSONBytes = 1 << 20

// API handles the panel-facing HTTP surface of the control plane.
//
// Endpoints:
//   - POST   /v1/servers                          - Provision a server
//   - GET    /v1/servers                          - List servers (own, or all for admins)
//   - GET    /v1/servers/{id}                     - Server details with a fresh status poll
//   - PATCH  /v1/servers/{id}                     - Update server configuration
//   - DELETE /v1/servers/{id}                     - Delete a server
//   - POST   /v1/servers/{id}/power               - Start/stop/restart
//   - POST   /v1/servers/{id}/reinstall           - Re-run the install script
//   - POST   /v1/servers/{id}/cargo/ship          - Push the resolved cargo list to the daemon
//   - GET    /v1/servers/{id}/config              - Daemon-facing unit config (token auth)
//   - GET    /v1/servers/{id}/validate/{token}    - Validation-token check, returns routing info
//   - GET    /v1/servers/{id}/cargo-files         - Resolved cargo list (token or session auth)
//   - GET    /v1/regions, POST /v1/regions        - Region admin
//   - GET    /v1/nodes, POST /v1/nodes            - Node admin (connection keys redacted)
//   - POST   /v1/nodes/{id}/heartbeat             - Daemon liveness check-in
//   - GET    /v1/nodes/{id}/allocations           - Allocation admin
//   - POST   /v1/nodes/{id}/allocations
//   - GET    /v1/units, POST /v1/units            - Unit admin
//   - GET    /v1/cargo, POST /v1/cargo            - Remote cargo admin
//   - POST   /v1/cargo/upload                     - Local cargo upload (raw bytes)
//   - POST   /v1/cargo-containers                 - Cargo container admin
//   - GET    /v1/status                           - Control plane summary
//   - GET    /api/cargo/{id}/download             - Signature-gated cargo download
type API struct {
	store        *db.Store
	orchestrator *Orchestrator
	cargo        *CargoService
	cargoStore   *CargoStore
	auth         Authenticator
	metrics      *Metrics
	logger       *log.Logger
	now          func() time.Time
}

// NewAPI wires the HTTP layer. cargoStore, metrics, and logger may be nil.
func NewAPI(store *db.Store, orchestrator *Orchestrator, cargo *CargoService, auth Authenticator) *API {
	return &API{
		store:        store,
		orchestrator: orchestrator,
		cargo:        cargo,
		auth:         auth,
		now:          time.Now,
	}
}

// WithCargoStore wires the local cargo byte store.
func (api *API) WithCargoStore(cs *CargoStore) *API {
	api.cargoStore = cs
	return api
}

// WithMetrics registers the metric sink.
func (api *API) WithMetrics(metrics *Metrics) *API {
	api.metrics = metrics
	return api
}

// WithLogger sets the logger.
func (api *API) WithLogger(logger *log.Logger) *API {
	api.logger = logger
	return api
}

// Register registers all handlers with the provided mux.
func (api *API) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/v1/servers", api.handleServers)
	mux.HandleFunc("/v1/servers/", api.handleServerByID)
	mux.HandleFunc("/v1/regions", api.handleRegions)
	mux.HandleFunc("/v1/nodes", api.handleNodes)
	mux.HandleFunc("/v1/nodes/", api.handleNodeByID)
	mux.HandleFunc("/v1/units", api.handleUnits)
	mux.HandleFunc("/v1/cargo", api.handleCargo)
	mux.HandleFunc("/v1/cargo/upload", api.handleCargoUpload)
	mux.HandleFunc("/v1/cargo-containers", api.handleCargoContainers)
	mux.HandleFunc("/v1/status", api.handleStatus)
	// The download path lives under /api to match the URLs the signer emits.
	mux.HandleFunc("/api/cargo/", api.handleCargoDownload)
}

func (api *API) handleServers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		api.handleServerCreate(w, r)
	case http.MethodGet:
		api.handleServerList(w, r)
	default:
		writeMethodNotAllowed(w, []string{http.MethodPost, http.MethodGet})
	}
}

func (api *API) handleServerByID(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/v1/servers/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	serverID := parts[0]

	switch len(parts) {
	case 1:
		switch r.Method {
		case http.MethodGet:
			api.handleServerGet(w, r, serverID)
		case http.MethodPatch:
			api.handleServerUpdate(w, r, serverID)
		case http.MethodDelete:
			api.handleServerDelete(w, r, serverID)
		default:
			writeMethodNotAllowed(w, []string{http.MethodGet, http.MethodPatch, http.MethodDelete})
		}
		return
	case 2:
		switch parts[1] {
		case "power":
			if r.Method != http.MethodPost {
				writeMethodNotAllowed(w, []string{http.MethodPost})
				return
			}
			api.handleServerPower(w, r, serverID)
			return
		case "reinstall":
			if r.Method != http.MethodPost {
				writeMethodNotAllowed(w, []string{http.MethodPost})
				return
			}
			api.handleServerReinstall(w, r, serverID)
			return
		case "config":
			if r.Method != http.MethodGet {
				writeMethodNotAllowed(w, []string{http.MethodGet})
				return
			}
			api.handleServerConfig(w, r, serverID)
			return
		case "cargo-files":
			if r.Method != http.MethodGet {
				writeMethodNotAllowed(w, []string{http.MethodGet})
				return
			}
			api.handleServerCargoFiles(w, r, serverID)
			return
		}
	case 3:
		switch {
		case parts[1] == "power":
			if r.Method != http.MethodPost {
				writeMethodNotAllowed(w, []string{http.MethodPost})
				return
			}
			api.handleServerPowerAction(w, r, serverID, parts[2])
			return
		case parts[1] == "validate":
			if r.Method != http.MethodGet {
				writeMethodNotAllowed(w, []string{http.MethodGet})
				return
			}
			api.handleServerValidate(w, r, serverID, parts[2])
			return
		case parts[1] == "cargo" && parts[2] == "ship":
			if r.Method != http.MethodPost {
				writeMethodNotAllowed(w, []string{http.MethodPost})
				return
			}
			api.handleServerShipCargo(w, r, serverID)
			return
		}
	}
	writeError(w, http.StatusNotFound, "server not found")
}

func (api *API) handleServerCreate(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.authenticate(w, r)
	if !ok {
		return
	}
	var req V1ServerCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	userID := req.UserID
	if !caller.Admin {
		// Non-admins only create servers for themselves.
		userID = caller.UserID
	}
	params := CreateServerParams{
		Name:      req.Name,
		UserID:    userID,
		ProjectID: req.ProjectID,
		UnitID:    req.UnitID,
		Target: PlacementTarget{
			NodeID:       req.NodeID,
			AllocationID: req.AllocationID,
			RegionID:     req.RegionID,
		},
		MemoryMiB:      req.MemoryMiB,
		DiskMiB:        req.DiskMiB,
		CPUPercent:     req.CPUPercent,
		DockerImage:    req.DockerImage,
		StartupCommand: req.StartupCommand,
	}
	server, err := api.orchestrator.Create(r.Context(), params)
	if err != nil {
		api.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v1Server(server))
}

func (api *API) handleServerList(w http.ResponseWriter, r *http.Request) {
	caller, ok := api.authenticate(w, r)
	if !ok {
		return
	}
	servers, err := api.store.ListServers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list servers", err)
		return
	}
	out := make([]V1Server, 0, len(servers))
	for _, server := range servers {
		if !caller.Admin && server.UserID != caller.UserID {
			continue
		}
		out = append(out, v1Server(server))
	}
	writeJSON(w, http.StatusOK, map[string][]V1Server{"servers": out})
}

func (api *API) handleServerGet(w http.ResponseWriter, r *http.Request, id string) {
	caller, ok := api.authenticate(w, r)
	if !ok {
		return
	}
	server, err := api.orchestrator.Access(r.Context(), caller, id)
	if err != nil {
		api.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v1Server(server))
}

func (api *API) handleServerUpdate(w http.ResponseWriter, r *http.Request, id string) {
	caller, ok := api.authenticate(w, r)
	if !ok {
		return
	}
	if _, err := api.orchestrator.Access(r.Context(), caller, id); err != nil {
		api.writeDomainError(w, err)
		return
	}
	var req V1ServerUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	server, err := api.orchestrator.Update(r.Context(), id, UpdateServerParams{
		Name:        req.Name,
		UnitID:      req.UnitID,
		MemoryMiB:   req.MemoryMiB,
		DiskMiB:     req.DiskMiB,
		CPUPercent:  req.CPUPercent,
		DockerImage: req.DockerImage,
	})
	if err != nil {
		api.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v1Server(server))
}

func (api *API) handleServerDelete(w http.ResponseWriter, r *http.Request, id string) {
	caller, ok := api.authenticate(w, r)
	if !ok {
		return
	}
	if _, err := api.orchestrator.Access(r.Context(), caller, id); err != nil {
		// A missing node must not block deletion.
		if !errors.Is(err, ErrServerNodeNotFound) {
			api.writeDomainError(w, err)
			return
		}
	}
	if err := api.orchestrator.Delete(r.Context(), id); err != nil {
		api.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) handleServerPower(w http.ResponseWriter, r *http.Request, id string) {
	var req V1PowerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	api.handleServerPowerAction(w, r, id, req.Action)
}

func (api *API) handleServerPowerAction(w http.ResponseWriter, r *http.Request, id, action string) {
	caller, ok := api.authenticate(w, r)
	if !ok {
		return
	}
	if _, err := api.orchestrator.Access(r.Context(), caller, id); err != nil {
		api.writeDomainError(w, err)
		return
	}
	if err := api.orchestrator.Power(r.Context(), id, action); err != nil {
		api.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "dispatched"})
}

func (api *API) handleServerReinstall(w http.ResponseWriter, r *http.Request, id string) {
	caller, ok := api.authenticate(w, r)
	if !ok {
		return
	}
	if _, err := api.orchestrator.Access(r.Context(), caller, id); err != nil {
		api.writeDomainError(w, err)
		return
	}
	if err := api.orchestrator.Reinstall(r.Context(), id); err != nil {
		api.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "dispatched"})
}

func (api *API) handleServerShipCargo(w http.ResponseWriter, r *http.Request, id string) {
	caller, ok := api.authenticate(w, r)
	if !ok {
		return
	}
	if _, err := api.orchestrator.Access(r.Context(), caller, id); err != nil {
		api.writeDomainError(w, err)
		return
	}
	if err := api.orchestrator.ShipCargo(r.Context(), id); err != nil {
		api.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "dispatched"})
}

// handleServerConfig serves the daemon's install-time view of a server. The
// daemon authenticates with the server's validation token.
func (api *API) handleServerConfig(w http.ResponseWriter, r *http.Request, internalID string) {
	token := r.URL.Query().Get("token")
	server, err := api.orchestrator.ValidateToken(r.Context(), internalID, token)
	if err != nil {
		api.writeDomainError(w, err)
		return
	}
	unit, err := api.store.GetUnit(r.Context(), server.UnitID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load unit", err)
		return
	}
	image, startup, err := resolveRuntime(server, unit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "resolve runtime", err)
		return
	}
	files, err := api.cargo.ResolveCargoFiles(r.Context(), unit, server)
	if err != nil {
		api.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, V1DaemonServerConfig{
		DockerImage:    image,
		StartupCommand: startup,
		EnvVars:        unit.EnvVars,
		ConfigFiles:    unit.ConfigFiles,
		Install:        unit.Install,
		ReadyRegex:     unit.ReadyRegex,
		StopCommand:    unit.StopCommand,
		Cargo:          files,
	})
}

// handleServerValidate answers a daemon's token check with routing info. The
// id here is the daemon-facing internal id.
func (api *API) handleServerValidate(w http.ResponseWriter, r *http.Request, internalID, token string) {
	server, err := api.orchestrator.ValidateToken(r.Context(), internalID, token)
	if err != nil {
		api.writeDomainError(w, err)
		return
	}
	alloc, err := api.store.GetAllocation(r.Context(), server.AllocationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load allocation", err)
		return
	}
	writeJSON(w, http.StatusOK, V1ValidateResponse{
		ServerID:    server.ID,
		InternalID:  server.InternalID,
		NodeID:      server.NodeID,
		BindAddress: alloc.BindAddress,
		Port:        alloc.Port,
	})
}

// handleServerCargoFiles serves the resolved cargo list, authorized either by
// the server's validation token (daemon) or by caller identity (panel).
func (api *API) handleServerCargoFiles(w http.ResponseWriter, r *http.Request, id string) {
	var server models.Server
	if token := r.URL.Query().Get("token"); token != "" {
		resolved, err := api.orchestrator.ValidateToken(r.Context(), id, token)
		if err != nil {
			api.writeDomainError(w, err)
			return
		}
		server = resolved
	} else {
		caller, ok := api.authenticate(w, r)
		if !ok {
			return
		}
		resolved, err := api.orchestrator.Access(r.Context(), caller, id)
		if err != nil {
			api.writeDomainError(w, err)
			return
		}
		server = resolved
	}
	unit, err := api.store.GetUnit(r.Context(), server.UnitID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load unit", err)
		return
	}
	files, err := api.cargo.ResolveCargoFiles(r.Context(), unit, server)
	if err != nil {
		api.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, V1CargoFilesResponse{Cargo: files})
}

func (api *API) handleRegions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		api.handleRegionList(w, r)
	case http.MethodPost:
		api.handleRegionCreate(w, r)
	default:
		writeMethodNotAllowed(w, []string{http.MethodGet, http.MethodPost})
	}
}

func (api *API) handleRegionList(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.requireAdmin(w, r); !ok {
		return
	}
	regions, err := api.store.ListRegions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list regions", err)
		return
	}
	out := make([]V1Region, 0, len(regions))
	for _, region := range regions {
		out = append(out, v1Region(region))
	}
	writeJSON(w, http.StatusOK, map[string][]V1Region{"regions": out})
}

func (api *API) handleRegionCreate(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.requireAdmin(w, r); !ok {
		return
	}
	var req V1RegionCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	region := models.Region{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Identifier:  req.Identifier,
		Country:     req.Country,
		ServerLimit: req.ServerLimit,
		CreatedAt:   api.now().UTC(),
		UpdatedAt:   api.now().UTC(),
	}
	if req.FallbackRegionID != "" {
		fallback := req.FallbackRegionID
		region.FallbackRegionID = &fallback
		if err := api.checkFallbackChain(r.Context(), region.ID, fallback); err != nil {
			api.writeDomainError(w, err)
			return
		}
	}
	if err := api.store.CreateRegion(r.Context(), region); err != nil {
		writeError(w, http.StatusConflict, "create region", err)
		return
	}
	writeJSON(w, http.StatusCreated, v1Region(region))
}

// checkFallbackChain rejects a fallback assignment that would close a cycle.
// Placement re-checks at resolution time as well; this keeps obviously bad
// data out at the boundary.
func (api *API) checkFallbackChain(ctx context.Context, newID, fallbackID string) error {
	visited := map[string]struct{}{newID: {}}
	current := fallbackID
	for current != "" {
		if _, seen := visited[current]; seen {
			return ErrFallbackCycle
		}
		visited[current] = struct{}{}
		region, err := api.store.GetRegion(ctx, current)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrRegionNotFound
			}
			return err
		}
		if region.FallbackRegionID == nil {
			break
		}
		current = *region.FallbackRegionID
	}
	return nil
}

func (api *API) handleNodes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		api.handleNodeList(w, r)
	case http.MethodPost:
		api.handleNodeCreate(w, r)
	default:
		writeMethodNotAllowed(w, []string{http.MethodGet, http.MethodPost})
	}
}

func (api *API) handleNodeList(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.requireAdmin(w, r); !ok {
		return
	}
	nodes, err := api.store.ListNodes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list nodes", err)
		return
	}
	online := 0
	out := make([]V1Node, 0, len(nodes))
	for _, node := range nodes {
		if node.IsOnline {
			online++
		}
		out = append(out, v1Node(node))
	}
	api.metrics.SetNodesOnline(online)
	writeJSON(w, http.StatusOK, map[string][]V1Node{"nodes": out})
}

func (api *API) handleNodeCreate(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.requireAdmin(w, r); !ok {
		return
	}
	var req V1NodeCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	node := models.Node{
		ID:            uuid.NewString(),
		Name:          req.Name,
		FQDN:          req.FQDN,
		Port:          req.Port,
		ConnectionKey: req.ConnectionKey,
		RegionID:      req.RegionID,
		CreatedAt:     api.now().UTC(),
		UpdatedAt:     api.now().UTC(),
	}
	if err := api.store.CreateNode(r.Context(), node); err != nil {
		writeError(w, http.StatusBadRequest, "create node", err)
		return
	}
	writeJSON(w, http.StatusCreated, v1Node(node))
}

func (api *API) handleNodeByID(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/v1/nodes/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	nodeID := parts[0]
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	switch parts[1] {
	case "heartbeat":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, []string{http.MethodPost})
			return
		}
		api.handleNodeHeartbeat(w, r, nodeID)
	case "allocations":
		switch r.Method {
		case http.MethodGet:
			api.handleAllocationList(w, r, nodeID)
		case http.MethodPost:
			api.handleAllocationCreate(w, r, nodeID)
		default:
			writeMethodNotAllowed(w, []string{http.MethodGet, http.MethodPost})
		}
	default:
		writeError(w, http.StatusNotFound, "node not found")
	}
}

// handleNodeHeartbeat records a daemon check-in. The daemon authenticates
// with its connection key rather than a panel identity.
func (api *API) handleNodeHeartbeat(w http.ResponseWriter, r *http.Request, nodeID string) {
	node, err := api.store.GetNode(r.Context(), nodeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "node not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "load node", err)
		return
	}
	key := bearerToken(r)
	if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(node.ConnectionKey)) != 1 {
		writeError(w, http.StatusForbidden, "invalid connection key")
		return
	}
	if err := api.store.RecordNodeHeartbeat(r.Context(), nodeID, api.now().UTC()); err != nil {
		writeError(w, http.StatusInternalServerError, "record heartbeat", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (api *API) handleAllocationList(w http.ResponseWriter, r *http.Request, nodeID string) {
	if _, ok := api.requireAdmin(w, r); !ok {
		return
	}
	allocs, err := api.store.ListAllocationsForNode(r.Context(), nodeID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list allocations", err)
		return
	}
	out := make([]V1Allocation, 0, len(allocs))
	for _, alloc := range allocs {
		out = append(out, v1Allocation(alloc))
	}
	writeJSON(w, http.StatusOK, map[string][]V1Allocation{"allocations": out})
}

func (api *API) handleAllocationCreate(w http.ResponseWriter, r *http.Request, nodeID string) {
	if _, ok := api.requireAdmin(w, r); !ok {
		return
	}
	var req V1AllocationCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	alloc := models.Allocation{
		ID:          uuid.NewString(),
		NodeID:      nodeID,
		BindAddress: req.BindAddress,
		Port:        req.Port,
		CreatedAt:   api.now().UTC(),
	}
	if err := api.store.CreateAllocation(r.Context(), alloc); err != nil {
		writeError(w, http.StatusBadRequest, "create allocation", err)
		return
	}
	writeJSON(w, http.StatusCreated, v1Allocation(alloc))
}

func (api *API) handleUnits(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		api.handleUnitList(w, r)
	case http.MethodPost:
		api.handleUnitCreate(w, r)
	default:
		writeMethodNotAllowed(w, []string{http.MethodGet, http.MethodPost})
	}
}

func (api *API) handleUnitList(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.authenticate(w, r); !ok {
		return
	}
	units, err := api.store.ListUnits(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list units", err)
		return
	}
	out := make([]V1Unit, 0, len(units))
	for _, unit := range units {
		out = append(out, v1Unit(unit))
	}
	writeJSON(w, http.StatusOK, map[string][]V1Unit{"units": out})
}

func (api *API) handleUnitCreate(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.requireAdmin(w, r); !ok {
		return
	}
	var req V1UnitCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	unit := models.Unit{
		ID:                uuid.NewString(),
		ShortName:         req.ShortName,
		Description:       req.Description,
		Images:            req.Images,
		DefaultStartup:    req.DefaultStartup,
		EnvVars:           req.EnvVars,
		ConfigFiles:       req.ConfigFiles,
		Install:           req.Install,
		Features:          req.Features,
		CargoContainerIDs: req.CargoContainerIDs,
		ReadyRegex:        req.ReadyRegex,
		StopCommand:       req.StopCommand,
		CreatedAt:         api.now().UTC(),
		UpdatedAt:         api.now().UTC(),
	}
	if err := api.store.CreateUnit(r.Context(), unit); err != nil {
		writeError(w, http.StatusBadRequest, "create unit", err)
		return
	}
	writeJSON(w, http.StatusCreated, v1Unit(unit))
}

func (api *API) handleCargo(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		api.handleCargoList(w, r)
	case http.MethodPost:
		api.handleCargoCreateRemote(w, r)
	default:
		writeMethodNotAllowed(w, []string{http.MethodGet, http.MethodPost})
	}
}

func (api *API) handleCargoList(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.requireAdmin(w, r); !ok {
		return
	}
	cargoList, err := api.store.ListCargo(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list cargo", err)
		return
	}
	out := make([]V1Cargo, 0, len(cargoList))
	for _, cargo := range cargoList {
		out = append(out, v1Cargo(cargo))
	}
	writeJSON(w, http.StatusOK, map[string][]V1Cargo{"cargo": out})
}

func (api *API) handleCargoCreateRemote(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.requireAdmin(w, r); !ok {
		return
	}
	var req V1CargoCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	cargo := models.Cargo{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		Type:        models.CargoRemote,
		RemoteURL:   req.RemoteURL,
		Properties:  req.Properties,
		CreatedAt:   api.now().UTC(),
		UpdatedAt:   api.now().UTC(),
	}
	if err := api.store.CreateCargo(r.Context(), cargo); err != nil {
		writeError(w, http.StatusBadRequest, "create cargo", err)
		return
	}
	writeJSON(w, http.StatusCreated, v1Cargo(cargo))
}

// handleCargoUpload stores a local cargo file: raw bytes in the body, name
// and mime type in query parameters. Identical bytes dedup onto the existing
// cargo row.
func (api *API) handleCargoUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	if _, ok := api.requireAdmin(w, r); !ok {
		return
	}
	if api.cargoStore == nil {
		writeError(w, http.StatusNotImplemented, "local cargo storage is not configured")
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "name query parameter is required")
		return
	}
	hash, size, err := api.cargoStore.Put(r.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store cargo bytes", err)
		return
	}
	if existing, err := api.store.FindCargoByHash(r.Context(), hash); err == nil {
		writeJSON(w, http.StatusOK, v1Cargo(existing))
		return
	} else if !errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusInternalServerError, "look up cargo hash", err)
		return
	}
	cargo := models.Cargo{
		ID:        uuid.NewString(),
		Name:      name,
		Type:      models.CargoLocal,
		Hash:      hash,
		Size:      size,
		MimeType:  r.URL.Query().Get("mime_type"),
		CreatedAt: api.now().UTC(),
		UpdatedAt: api.now().UTC(),
	}
	if err := api.store.CreateCargo(r.Context(), cargo); err != nil {
		writeError(w, http.StatusBadRequest, "create cargo", err)
		return
	}
	writeJSON(w, http.StatusCreated, v1Cargo(cargo))
}

func (api *API) handleCargoContainers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	if _, ok := api.requireAdmin(w, r); !ok {
		return
	}
	var req V1CargoContainerCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	container := models.CargoContainer{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		Items:       req.Items,
		CreatedAt:   api.now().UTC(),
		UpdatedAt:   api.now().UTC(),
	}
	if err := api.store.CreateCargoContainer(r.Context(), container); err != nil {
		writeError(w, http.StatusBadRequest, "create cargo container", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": container.ID})
}

// handleCargoDownload serves GET /api/cargo/{id}/download. The request is
// authorized solely by the signed query parameters; no session is involved
// because the caller is a daemon acting on a URL the panel minted.
func (api *API) handleCargoDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	tail := strings.TrimPrefix(r.URL.Path, "/api/cargo/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) != 2 || parts[1] != "download" || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	cargoID := parts[0]
	query := r.URL.Query()
	serverID := query.Get("serverId")
	signature := query.Get("signature")
	expires, err := strconv.ParseInt(query.Get("expires"), 10, 64)
	if err != nil || serverID == "" || signature == "" {
		writeError(w, http.StatusBadRequest, "missing or malformed signature parameters")
		return
	}
	if err := api.cargo.VerifySignature(cargoID, serverID, expires, signature); err != nil {
		api.writeDomainError(w, err)
		return
	}
	cargo, err := api.store.GetCargo(r.Context(), cargoID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "cargo not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "load cargo", err)
		return
	}
	if cargo.Type == models.CargoRemote {
		http.Redirect(w, r, cargo.RemoteURL, http.StatusFound)
		return
	}
	if api.cargoStore == nil {
		writeError(w, http.StatusNotImplemented, "local cargo storage is not configured")
		return
	}
	reader, err := api.cargoStore.Open(cargo.Hash)
	if err != nil {
		api.writeDomainError(w, err)
		return
	}
	defer reader.Close()
	if cargo.MimeType != "" {
		w.Header().Set("Content-Type", cargo.MimeType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	if cargo.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(cargo.Size, 10))
	}
	api.metrics.CargoDownload()
	if _, err := io.Copy(w, reader); err != nil {
		api.logf("stream cargo %s: %v", cargo.ID, err)
	}
}

func (api *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	if _, ok := api.authenticate(w, r); !ok {
		return
	}
	servers, err := api.store.ListServers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list servers", err)
		return
	}
	nodes, err := api.store.ListNodes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list nodes", err)
		return
	}
	regions, err := api.store.ListRegions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list regions", err)
		return
	}
	online := 0
	for _, node := range nodes {
		if node.IsOnline {
			online++
		}
	}
	api.metrics.SetNodesOnline(online)
	writeJSON(w, http.StatusOK, V1StatusResponse{
		Version:     buildinfo.Version,
		Servers:     len(servers),
		Nodes:       len(nodes),
		NodesOnline: online,
		Regions:     len(regions),
	})
}

// authenticate resolves the caller, writing a 403 on failure.
func (api *API) authenticate(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	if api.auth == nil {
		writeError(w, http.StatusForbidden, "authentication is not configured")
		return Identity{}, false
	}
	caller, err := api.auth.Authenticate(r)
	if err != nil {
		writeError(w, http.StatusForbidden, "access denied")
		return Identity{}, false
	}
	return caller, true
}

// requireAdmin resolves the caller and rejects non-admins.
func (api *API) requireAdmin(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	caller, ok := api.authenticate(w, r)
	if !ok {
		return Identity{}, false
	}
	if !caller.Admin {
		writeError(w, http.StatusForbidden, "admin access required")
		return Identity{}, false
	}
	return caller, true
}

// writeDomainError maps orchestration errors onto HTTP statuses.
func (api *API) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrServerNotFound),
		errors.Is(err, ErrRegionNotFound),
		errors.Is(err, ErrNodeNotFound),
		errors.Is(err, ErrUnitNotFound),
		errors.Is(err, ErrCargoNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrServerNodeNotFound):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrAccessDenied):
		writeError(w, http.StatusForbidden, "access denied")
	case errors.Is(err, ErrCargoURLExpired), errors.Is(err, ErrCargoBadSignature):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrInvalidAction):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNodeOffline),
		errors.Is(err, ErrNoAvailableAllocations),
		errors.Is(err, ErrRegionAtCapacity),
		errors.Is(err, ErrNoAvailableNodes),
		errors.Is(err, ErrFallbackCycle),
		errors.Is(err, db.ErrAllocationTaken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrCargoNotDownloadable):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrTokenMismatch):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, nodeclient.ErrDaemonUnreachable), errors.Is(err, nodeclient.ErrNodeInfoUnavailable):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		var daemonErr *nodeclient.DaemonError
		if errors.As(err, &daemonErr) {
			writeError(w, http.StatusBadGateway, daemonErr.Message)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error", err)
	}
}

func (api *API) logf(format string, args ...any) {
	if api.logger == nil {
		return
	}
	api.logger.Printf(format, args...)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string, err ...error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	payload := map[string]string{"error": msg}
	if len(err) > 0 {
		payload["details"] = err[0].Error()
	}
	data, _ := json.Marshal(payload)
	w.Write(data)
}

func writeMethodNotAllowed(w http.ResponseWriter, methods []string) {
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
