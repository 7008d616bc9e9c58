package control

import (
	"time"

	"github.com/gantry-dev/gantry/internal/models"
	"github.com/gantry-dev/gantry/internal/nodeclient"
)

// V1ServerCreateRequest is the body for POST /v1/servers.
type V1ServerCreateRequest struct {
	Name           string `json:"name"`
	UserID         string `json:"user_id,omitempty"`
	ProjectID      string `json:"project_id,omitempty"`
	UnitID         string `json:"unit_id"`
	NodeID         string `json:"node_id,omitempty"`
	AllocationID   string `json:"allocation_id,omitempty"`
	RegionID       string `json:"region_id,omitempty"`
	MemoryMiB      int    `json:"memory_mib"`
	DiskMiB        int    `json:"disk_mib"`
	CPUPercent     int    `json:"cpu_percent"`
	DockerImage    string `json:"docker_image,omitempty"`
	StartupCommand string `json:"startup_command,omitempty"`
}

// V1ServerUpdateRequest is the body for PATCH /v1/servers/{id}. Absent fields
// keep their current values.
type V1ServerUpdateRequest struct {
	Name        string `json:"name,omitempty"`
	UnitID      string `json:"unit_id,omitempty"`
	MemoryMiB   int    `json:"memory_mib,omitempty"`
	DiskMiB     int    `json:"disk_mib,omitempty"`
	CPUPercent  int    `json:"cpu_percent,omitempty"`
	DockerImage string `json:"docker_image,omitempty"`
}

// V1Server is the panel-facing view of a server. The validation token and
// node connection key never appear here.
type V1Server struct {
	ID             string    `json:"id"`
	InternalID     string    `json:"internal_id"`
	Name           string    `json:"name"`
	NodeID         string    `json:"node_id"`
	AllocationID   string    `json:"allocation_id"`
	UnitID         string    `json:"unit_id"`
	UserID         string    `json:"user_id,omitempty"`
	ProjectID      string    `json:"project_id,omitempty"`
	MemoryMiB      int       `json:"memory_mib"`
	DiskMiB        int       `json:"disk_mib"`
	CPUPercent     int       `json:"cpu_percent"`
	DockerImage    string    `json:"docker_image,omitempty"`
	StartupCommand string    `json:"startup_command,omitempty"`
	Phase          string    `json:"phase"`
	ObservedState  string    `json:"observed_state"`
	ObservedAt     time.Time `json:"observed_at,omitzero"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func v1Server(server models.Server) V1Server {
	return V1Server{
		ID:             server.ID,
		InternalID:     server.InternalID,
		Name:           server.Name,
		NodeID:         server.NodeID,
		AllocationID:   server.AllocationID,
		UnitID:         server.UnitID,
		UserID:         server.UserID,
		ProjectID:      server.ProjectID,
		MemoryMiB:      server.MemoryMiB,
		DiskMiB:        server.DiskMiB,
		CPUPercent:     server.CPUPercent,
		DockerImage:    server.DockerImage,
		StartupCommand: server.StartupCommand,
		Phase:          string(server.Phase),
		ObservedState:  server.ObservedState,
		ObservedAt:     server.ObservedAt,
		CreatedAt:      server.CreatedAt,
		UpdatedAt:      server.UpdatedAt,
	}
}

// V1RegionCreateRequest is the body for POST /v1/regions.
type V1RegionCreateRequest struct {
	Name             string `json:"name"`
	Identifier       string `json:"identifier"`
	Country          string `json:"country,omitempty"`
	FallbackRegionID string `json:"fallback_region_id,omitempty"`
	ServerLimit      int    `json:"server_limit,omitempty"`
}

// V1Region is the panel-facing view of a region.
type V1Region struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Identifier       string `json:"identifier"`
	Country          string `json:"country,omitempty"`
	FallbackRegionID string `json:"fallback_region_id,omitempty"`
	ServerLimit      int    `json:"server_limit,omitempty"`
}

func v1Region(region models.Region) V1Region {
	out := V1Region{
		ID:          region.ID,
		Name:        region.Name,
		Identifier:  region.Identifier,
		Country:     region.Country,
		ServerLimit: region.ServerLimit,
	}
	if region.FallbackRegionID != nil {
		out.FallbackRegionID = *region.FallbackRegionID
	}
	return out
}

// V1NodeCreateRequest is the body for POST /v1/nodes.
type V1NodeCreateRequest struct {
	Name          string `json:"name"`
	FQDN          string `json:"fqdn"`
	Port          int    `json:"port"`
	ConnectionKey string `json:"connection_key"`
	RegionID      string `json:"region_id"`
}

// V1Node is the panel-facing view of a node. The connection key is redacted;
// it is a daemon credential, not panel data.
type V1Node struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	FQDN            string    `json:"fqdn"`
	Port            int       `json:"port"`
	IsOnline        bool      `json:"is_online"`
	RegionID        string    `json:"region_id"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at,omitzero"`
}

func v1Node(node models.Node) V1Node {
	return V1Node{
		ID:              node.ID,
		Name:            node.Name,
		FQDN:            node.FQDN,
		Port:            node.Port,
		IsOnline:        node.IsOnline,
		RegionID:        node.RegionID,
		LastHeartbeatAt: node.LastHeartbeatAt,
	}
}

// V1AllocationCreateRequest is the body for POST /v1/nodes/{id}/allocations.
type V1AllocationCreateRequest struct {
	BindAddress string `json:"bind_address"`
	Port        int    `json:"port"`
}

// V1Allocation is the panel-facing view of an allocation.
type V1Allocation struct {
	ID          string `json:"id"`
	NodeID      string `json:"node_id"`
	BindAddress string `json:"bind_address"`
	Port        int    `json:"port"`
	Assigned    bool   `json:"assigned"`
}

func v1Allocation(alloc models.Allocation) V1Allocation {
	return V1Allocation{
		ID:          alloc.ID,
		NodeID:      alloc.NodeID,
		BindAddress: alloc.BindAddress,
		Port:        alloc.Port,
		Assigned:    alloc.Assigned,
	}
}

// V1UnitCreateRequest is the body for POST /v1/units.
type V1UnitCreateRequest struct {
	ShortName         string               `json:"short_name"`
	Description       string               `json:"description,omitempty"`
	Images            []models.DockerImage `json:"images"`
	DefaultStartup    string               `json:"default_startup"`
	EnvVars           []models.EnvVar      `json:"env_vars,omitempty"`
	ConfigFiles       []models.ConfigFile  `json:"config_files,omitempty"`
	Install           models.InstallScript `json:"install,omitempty"`
	Features          []models.Feature     `json:"features,omitempty"`
	CargoContainerIDs []string             `json:"cargo_container_ids,omitempty"`
	ReadyRegex        string               `json:"ready_regex,omitempty"`
	StopCommand       string               `json:"stop_command,omitempty"`
}

// V1Unit is the panel-facing view of a unit.
type V1Unit struct {
	ID                string               `json:"id"`
	ShortName         string               `json:"short_name"`
	Description       string               `json:"description,omitempty"`
	Images            []models.DockerImage `json:"images"`
	DefaultStartup    string               `json:"default_startup"`
	EnvVars           []models.EnvVar      `json:"env_vars,omitempty"`
	ConfigFiles       []models.ConfigFile  `json:"config_files,omitempty"`
	Install           models.InstallScript `json:"install,omitempty"`
	Features          []models.Feature     `json:"features,omitempty"`
	CargoContainerIDs []string             `json:"cargo_container_ids,omitempty"`
	ReadyRegex        string               `json:"ready_regex,omitempty"`
	StopCommand       string               `json:"stop_command,omitempty"`
}

func v1Unit(unit models.Unit) V1Unit {
	return V1Unit{
		ID:                unit.ID,
		ShortName:         unit.ShortName,
		Description:       unit.Description,
		Images:            unit.Images,
		DefaultStartup:    unit.DefaultStartup,
		EnvVars:           unit.EnvVars,
		ConfigFiles:       unit.ConfigFiles,
		Install:           unit.Install,
		Features:          unit.Features,
		CargoContainerIDs: unit.CargoContainerIDs,
		ReadyRegex:        unit.ReadyRegex,
		StopCommand:       unit.StopCommand,
	}
}

// V1CargoCreateRequest is the body for POST /v1/cargo with type "remote".
// Local cargo is created through the upload endpoint instead.
type V1CargoCreateRequest struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	RemoteURL   string                 `json:"remote_url"`
	Properties  models.CargoProperties `json:"properties,omitempty"`
}

// V1Cargo is the panel-facing view of a cargo file.
type V1Cargo struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Type        string                 `json:"type"`
	Hash        string                 `json:"hash,omitempty"`
	Size        int64                  `json:"size,omitempty"`
	MimeType    string                 `json:"mime_type,omitempty"`
	RemoteURL   string                 `json:"remote_url,omitempty"`
	Properties  models.CargoProperties `json:"properties,omitempty"`
}

func v1Cargo(cargo models.Cargo) V1Cargo {
	return V1Cargo{
		ID:          cargo.ID,
		Name:        cargo.Name,
		Description: cargo.Description,
		Type:        string(cargo.Type),
		Hash:        cargo.Hash,
		Size:        cargo.Size,
		MimeType:    cargo.MimeType,
		RemoteURL:   cargo.RemoteURL,
		Properties:  cargo.Properties,
	}
}

// V1CargoContainerCreateRequest is the body for POST /v1/cargo-containers.
type V1CargoContainerCreateRequest struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Items       []models.CargoItem `json:"items"`
}

// V1PowerRequest is the body for POST /v1/servers/{id}/power.
type V1PowerRequest struct {
	Action string `json:"action"`
}

// V1ValidateResponse is the routing info returned to a daemon that presented
// a valid server token.
type V1ValidateResponse struct {
	ServerID    string `json:"server_id"`
	InternalID  string `json:"internal_id"`
	NodeID      string `json:"node_id"`
	BindAddress string `json:"bind_address"`
	Port        int    `json:"port"`
}

// V1DaemonServerConfig is the unit-derived configuration a daemon pulls for
// one server before install.
type V1DaemonServerConfig struct {
	DockerImage    string                 `json:"docker_image"`
	StartupCommand string                 `json:"startup_command"`
	EnvVars        []models.EnvVar        `json:"env_vars,omitempty"`
	ConfigFiles    []models.ConfigFile    `json:"config_files,omitempty"`
	Install        models.InstallScript   `json:"install,omitempty"`
	ReadyRegex     string                 `json:"ready_regex,omitempty"`
	StopCommand    string                 `json:"stop_command,omitempty"`
	Cargo          []nodeclient.CargoFile `json:"cargo,omitempty"`
}

// V1CargoFilesResponse wraps a resolved cargo list.
type V1CargoFilesResponse struct {
	Cargo []nodeclient.CargoFile `json:"cargo"`
}

// V1StatusResponse summarizes the control plane for GET /v1/status.
type V1StatusResponse struct {
	Version     string `json:"version"`
	Servers     int    `json:"servers"`
	Nodes       int    `json:"nodes"`
	NodesOnline int    `json:"nodes_online"`
	Regions     int    `json:"regions"`
}
