package nodeclient

// AllocationSpec is the network binding handed to the daemon.
type AllocationSpec struct {
	BindAddress string `json:"bind_address"`
	Port        int    `json:"port"`
}

// CargoFile is one resolved file the daemon fetches into the server.
// URL is either a panel-signed download URL (local cargo) or the remote URL
// verbatim (remote cargo).
type CargoFile struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	TargetPath string            `json:"target_path"`
	Properties map[string]string `json:"properties,omitempty"`
}

// CreateRequest is the body of POST /api/v1/servers on the daemon.
// MemoryLimit is in bytes and CPULimit in fractional CPU shares; the
// orchestrator converts from the panel's MiB/percent units.
type CreateRequest struct {
	ServerID        string         `json:"serverId"`
	ValidationToken string         `json:"validationToken"`
	Name            string         `json:"name"`
	MemoryLimit     int64          `json:"memoryLimit"`
	CPULimit        float64        `json:"cpuLimit"`
	Allocation      AllocationSpec `json:"allocation"`
	DockerImage     string         `json:"dockerImage"`
	StartupCommand  string         `json:"startupCommand"`
	Cargo           []CargoFile    `json:"cargo,omitempty"`
}

// CreateResponse echoes the validation token so the panel can verify the
// daemon that answered is the daemon it called.
type CreateResponse struct {
	ValidationToken string `json:"validationToken"`
}

// UpdateRequest is the body of PATCH /api/v1/servers/{internalId}.
type UpdateRequest struct {
	ServerID           string         `json:"serverId"`
	Name               string         `json:"name"`
	MemoryLimit        int64          `json:"memoryLimit"`
	CPULimit           float64        `json:"cpuLimit"`
	Allocation         AllocationSpec `json:"allocation"`
	UnitChanged        bool           `json:"unitChanged"`
	DockerImage        string         `json:"dockerImage"`
	DockerImageChanged bool           `json:"dockerImageChanged,omitempty"`
	StartupCommand     string         `json:"startupCommand,omitempty"`
}

// StatusResponse is the daemon's view of a server.
type StatusResponse struct {
	State string `json:"state"`
}

// ShipCargoRequest is the body of POST /api/v1/servers/{internalId}/cargo/ship.
type ShipCargoRequest struct {
	Cargo []CargoFile `json:"cargo"`
}
