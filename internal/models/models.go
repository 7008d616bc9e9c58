// Package models provides data structures and constants for Gantry.
//
// This package contains the core domain models used throughout Gantry:
//   - Region: A logical grouping of nodes used for placement and capacity policy
//   - Node: A remote host running the node daemon and its Docker containers
//   - Allocation: A reservable (bind address, port) pair on a node
//   - Unit: A deployment template from which servers are instantiated
//   - Server: One provisioned game-server instance on exactly one node/allocation
//   - Cargo / CargoContainer: Files shipped into a server's filesystem at install time
//
// All models are designed for database persistence and JSON serialization.
package models

import "time"

// ServerPhase is the locally assigned lifecycle phase of a server.
//
// The phase is set by the orchestrator when it drives an operation; it is not
// the daemon-reported container state. The daemon remains authoritative for
// the actual workload: its last reported state lives in Server.ObservedState
// with an observation timestamp.
//
// Phase transitions:
//
//	creating → installing → running ⇄ {starting, stopping, restarting}
//
// plus updating, reinstalling, and deleting for the corresponding operations.
// A deleted server has its row removed rather than a terminal phase.
type ServerPhase string

const (
	// PhaseCreating is set while the allocation is reserved and the daemon
	// create call is in flight.
	PhaseCreating ServerPhase = "creating"
	// PhaseInstalling is set once the daemon has acknowledged the create call.
	PhaseInstalling ServerPhase = "installing"
	// PhaseRunning is the steady state between operations.
	PhaseRunning ServerPhase = "running"
	// PhaseStarting, PhaseStopping, and PhaseRestarting are transitional
	// phases set while a power action is in flight.
	PhaseStarting   ServerPhase = "starting"
	PhaseStopping   ServerPhase = "stopping"
	PhaseRestarting ServerPhase = "restarting"
	// PhaseUpdating is set while a daemon patch call is in flight.
	PhaseUpdating ServerPhase = "updating"
	// PhaseReinstalling is set while a daemon reinstall call is in flight.
	PhaseReinstalling ServerPhase = "reinstalling"
	// PhaseDeleting is set before the daemon delete call; the row is removed
	// regardless of the daemon outcome.
	PhaseDeleting ServerPhase = "deleting"
)

// ObservedUnknown is recorded as the observed state when the daemon cannot be
// reached during a status refresh.
const ObservedUnknown = "unknown"

// Region groups nodes for placement and capacity policy.
//
// Fields:
//   - ID: Unique region identifier
//   - Name: Human-readable name
//   - Identifier: Unique slug used by callers (e.g. "us-east")
//   - Country: Optional ISO country hint
//   - FallbackRegionID: Optional region tried when this one has no capacity;
//     the chain must terminate, which placement enforces with cycle detection
//   - ServerLimit: Cap on servers across all nodes in the region (0 = no cap)
type Region struct {
	ID               string
	Name             string
	Identifier       string
	Country          string
	FallbackRegionID *string
	ServerLimit      int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Node is a remote host running the node daemon.
//
// Fields:
//   - ID: Unique node identifier
//   - Name: Human-readable name
//   - FQDN: Hostname the daemon listens on
//   - Port: Daemon HTTP port
//   - IsOnline: Heartbeat-derived liveness flag
//   - ConnectionKey: Shared secret presented as the daemon's inbound credential
//   - RegionID: Owning region
//   - LastHeartbeatAt: When the daemon last checked in (zero if never)
type Node struct {
	ID              string
	Name            string
	FQDN            string
	Port            int
	IsOnline        bool
	ConnectionKey   string
	RegionID        string
	LastHeartbeatAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Allocation is a reservable (bind address, port) pair on a node.
//
// Invariant: Assigned is true iff exactly one server references the
// allocation. Reservation is a compare-and-swap on Assigned so that two
// concurrent creates cannot both take the same allocation.
type Allocation struct {
	ID          string
	NodeID      string
	BindAddress string
	Port        int
	Assigned    bool
	CreatedAt   time.Time
}

// DockerImage is one selectable image of a unit.
type DockerImage struct {
	Image   string `json:"image"`
	Default bool   `json:"default,omitempty"`
}

// EnvVar describes one environment variable a unit exposes to servers.
type EnvVar struct {
	Name         string `json:"name"`
	DefaultValue string `json:"default_value,omitempty"`
	Required     bool   `json:"required,omitempty"`
	UserEditable bool   `json:"user_editable,omitempty"`
	Rules        string `json:"rules,omitempty"`
}

// ConfigFile is a file the daemon materializes inside the server before start.
type ConfigFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// InstallScript describes how the daemon installs a server for a unit.
type InstallScript struct {
	Image      string `json:"image"`
	Entrypoint string `json:"entrypoint"`
	Script     string `json:"script"`
}

// Feature is a UI-facing toggle a unit declares.
type Feature struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Unit is a deployment template for servers.
//
// The structured sub-fields (images, env vars, config files, install script,
// features) are validated once when the unit is written and loaded back as
// typed values, never re-parsed ad hoc by readers.
//
// Fields:
//   - ID: Unique unit identifier
//   - ShortName: Unique slug (e.g. "minecraft-paper")
//   - Images: One or more Docker images, exactly one marked default
//   - DefaultStartup: Startup command unless the server overrides it
//   - EnvVars, ConfigFiles, Install, Features: Typed template sub-structures
//   - CargoContainerIDs: Cargo containers shipped at install time, in order
//   - ReadyRegex: Optional console pattern marking the server ready
//   - StopCommand: Optional graceful stop command hint for the daemon
type Unit struct {
	ID                string
	ShortName         string
	Description       string
	Images            []DockerImage
	DefaultStartup    string
	EnvVars           []EnvVar
	ConfigFiles       []ConfigFile
	Install           InstallScript
	Features          []Feature
	CargoContainerIDs []string
	ReadyRegex        string
	StopCommand       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DefaultImage returns the unit's designated default image, falling back to
// the first image when none is marked.
func (u Unit) DefaultImage() string {
	for _, img := range u.Images {
		if img.Default {
			return img.Image
		}
	}
	if len(u.Images) > 0 {
		return u.Images[0].Image
	}
	return ""
}

// Server is one provisioned game-server instance.
//
// Fields:
//   - ID: Unique server identifier
//   - InternalID: Daemon-facing identifier (equals ID in this implementation)
//   - NodeID / AllocationID: Placement result; exactly one of each
//   - UnitID: Template the server was instantiated from
//   - UserID / ProjectID: Ownership references
//   - MemoryMiB / DiskMiB / CPUPercent: Resource limits in panel-native units
//   - DockerImage / StartupCommand: Optional per-server overrides of the unit
//   - Phase: Locally assigned lifecycle phase (see ServerPhase)
//   - ObservedState / ObservedAt: Last daemon-reported state and when it was
//     seen; a cache, with the daemon authoritative
//   - ValidationToken: Per-server shared secret, generated once at creation
type Server struct {
	ID              string
	InternalID      string
	Name            string
	NodeID          string
	AllocationID    string
	UnitID          string
	UserID          string
	ProjectID       string
	MemoryMiB       int
	DiskMiB         int
	CPUPercent      int
	DockerImage     string
	StartupCommand  string
	Phase           ServerPhase
	ObservedState   string
	ObservedAt      time.Time
	ValidationToken string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CargoType distinguishes panel-hosted files from remote-hosted ones.
type CargoType string

const (
	// CargoLocal is stored by the panel and served through signed download URLs.
	CargoLocal CargoType = "local"
	// CargoRemote lives at an external URL the daemon fetches directly.
	CargoRemote CargoType = "remote"
)

// CargoProperties carries per-file flags the daemon honors plus free-form
// metadata.
type CargoProperties struct {
	Hidden   bool              `json:"hidden,omitempty"`
	ReadOnly bool              `json:"read_only,omitempty"`
	NoDelete bool              `json:"no_delete,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Cargo is a named file that may be shipped into a server at install time.
//
// Local cargo carries a content hash used for dedup in the panel's file store;
// remote cargo carries only the URL the daemon fetches.
type Cargo struct {
	ID          string
	Name        string
	Description string
	Type        CargoType
	Hash        string
	Size        int64
	MimeType    string
	RemoteURL   string
	Properties  CargoProperties
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CargoItem places one cargo file at a target path inside the server.
type CargoItem struct {
	CargoID    string `json:"cargo_id"`
	TargetPath string `json:"target_path"`
}

// CargoContainer is an ordered bundle of cargo items attached to units.
type CargoContainer struct {
	ID          string
	Name        string
	Description string
	Items       []CargoItem
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
