// Package lifecycle manages agent workspace sessions through their
// provision, configure, start, monitor, and recycle phases. Sessions run on
// pluggable backends (Docker containers or UTM virtual machines) behind a
// common Backend contract.
package lifecycle

import "time"

// SessionState tracks a session through its lifecycle phases.
type SessionState string

const (
	StateProvisioning SessionState = "provisioning"
	StateConfiguring  SessionState = "configuring"
	StateStarting     SessionState = "starting"
	StateRunning      SessionState = "running"
	StateMonitoring   SessionState = "monitoring"
	StateRecycling    SessionState = "recycling"
	StateRecycled     SessionState = "recycled"
)

// Terminal reports whether the session has reached the end of its lifecycle.
func (s SessionState) Terminal() bool {
	return s == StateRecycled
}

// Active reports whether the session is available for work.
func (s SessionState) Active() bool {
	return s == StateRunning || s == StateMonitoring
}

// Share describes one host directory exported into a VM guest over
// virtiofs. Tag is the share name registered in the VM configuration and
// Guest the mount point inside the VM.
type Share struct {
	Tag      string
	Source   string
	Guest    string
	ReadOnly bool
}

// Session holds everything known about one provisioned workspace. Fields are
// mutated only by the owning Engine under its lock; callers outside the
// engine receive copies via Clone.
type Session struct {
	Name          string       `json:"session_name"`
	ContainerName string       `json:"container_name"`
	Backend       string       `json:"backend"`
	State         SessionState `json:"state"`
	Role          string       `json:"role"`

	Port       int            `json:"port"`
	ExtraPorts map[string]int `json:"ports,omitempty"`

	// VM backend details, empty for containers.
	SSHPort    int    `json:"ssh_port,omitempty"`
	SSHUser    string `json:"ssh_user,omitempty"`
	MACAddress string `json:"mac_address,omitempty"`
	VMIP       string `json:"vm_ip,omitempty"`
	VMPath     string `json:"vm_path,omitempty"`
	VMTemplate string `json:"vm_template,omitempty"`

	CreatedAt int64 `json:"created_at"` // unix milliseconds
	TTL       int64 `json:"ttl"`        // seconds, 0 disables expiry

	Hardened     bool     `json:"hardened"`
	VolumeMounts []string `json:"volume_mounts,omitempty"`

	LLMProvider string `json:"llm_provider"`
	LLMModel    string `json:"llm_model,omitempty"`
	OllamaHost  string `json:"ollama_host,omitempty"`

	WorkspaceProfile string `json:"workspace_profile,omitempty"`
	WorkspaceHome    string `json:"workspace_home,omitempty"`

	HealthFailures int `json:"health_failures"`

	// Material injected into the guest. Never serialized.
	TokenJSON  string            `json:"-"`
	Secrets    map[string]string `json:"-"`
	EnvContent string            `json:"-"`

	// Credential mount targets claimed by the workspace profile, keyed by
	// short name (aws, ssh, gitconfig, ...).
	ProfileMounts map[string]bool `json:"-"`

	// Host directories exported to a VM guest via virtiofs.
	Shares []Share `json:"-"`
}

// Clone returns a deep copy of the session safe to use outside the engine
// lock.
func (s *Session) Clone() *Session {
	out := *s
	if s.ExtraPorts != nil {
		out.ExtraPorts = make(map[string]int, len(s.ExtraPorts))
		for k, v := range s.ExtraPorts {
			out.ExtraPorts[k] = v
		}
	}
	if s.VolumeMounts != nil {
		out.VolumeMounts = append([]string(nil), s.VolumeMounts...)
	}
	if s.Secrets != nil {
		out.Secrets = make(map[string]string, len(s.Secrets))
		for k, v := range s.Secrets {
			out.Secrets[k] = v
		}
	}
	if s.ProfileMounts != nil {
		out.ProfileMounts = make(map[string]bool, len(s.ProfileMounts))
		for k, v := range s.ProfileMounts {
			out.ProfileMounts[k] = v
		}
	}
	if s.Shares != nil {
		out.Shares = append([]Share(nil), s.Shares...)
	}
	return &out
}

// Expired reports whether the session has outlived its TTL.
func (s *Session) Expired(now time.Time) bool {
	if s.TTL <= 0 {
		return false
	}
	return now.UnixMilli()-s.CreatedAt > s.TTL*1000
}

// LaunchSpec describes a session to be taken through the full pipeline.
// Zero values fall back to configured defaults.
type LaunchSpec struct {
	SessionName string
	Backend     string // docker or utm, defaults to docker
	Role        string
	Port        int // 0 allocates the next free host port
	TTL         time.Duration
	Hardened    bool

	VolumeMounts []string // host:guest[:mode]
	ExtraPorts   map[string]int

	// Serialized agent token written into the guest, empty for a stub.
	TokenJSON string

	LLMProvider string
	LLMModel    string
	OllamaHost  string

	WorkspaceProfile string
	WorkspaceHome    string

	VMTemplate string
}

// HealthReport is a point-in-time health snapshot of a session. Container
// sessions fill the resource metrics, VM sessions the SSH fields.
type HealthReport struct {
	Backend string `json:"backend"`
	Healthy bool   `json:"healthy"`
	Reason  string `json:"reason,omitempty"`

	CPUPercent       float64 `json:"cpu_percent,omitempty"`
	MemoryUsage      uint64  `json:"memory_usage,omitempty"`
	MemoryLimit      uint64  `json:"memory_limit,omitempty"`
	MemoryUsageHuman string  `json:"memory_usage_human,omitempty"`
	MemoryLimitHuman string  `json:"memory_limit_human,omitempty"`

	VMState      string `json:"vm_state,omitempty"`
	SSHPort      int    `json:"ssh_port,omitempty"`
	SSHReachable bool   `json:"ssh_reachable,omitempty"`
}

// ExecResult holds the outcome of a command run inside a session.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// Success reports whether the command exited cleanly.
func (r *ExecResult) Success() bool {
	return r.ExitCode == 0
}

// SessionInfo is the live backend view of one session, built from the
// runtime (container labels, VM packages) rather than engine state, so
// sessions created by a predecessor process are still visible.
type SessionInfo struct {
	Backend          string `json:"backend"`
	Name             string `json:"name"`
	SessionName      string `json:"session_name,omitempty"`
	Port             int    `json:"port,omitempty"`
	URL              string `json:"url,omitempty"`
	Volume           string `json:"volume"`
	Active           bool   `json:"active"`
	LLMProvider      string `json:"llm_provider,omitempty"`
	LLMModel         string `json:"llm_model,omitempty"`
	WorkspaceProfile string `json:"workspace_profile,omitempty"`
	VMState          string `json:"vm_state,omitempty"`
	SSHPort          int    `json:"ssh_port,omitempty"`
}
