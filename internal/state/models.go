package state

import "time"

// ProcessState is the coarse lifecycle state of a kernel process.
type ProcessState string

const (
	StateCreated  ProcessState = "created"
	StateRunning  ProcessState = "running"
	StateSleeping ProcessState = "sleeping"
	StateStopped  ProcessState = "stopped"
	StateWaiting  ProcessState = "waiting"
	StateZombie   ProcessState = "zombie"
	StateDead     ProcessState = "dead"
)

// AgentPhase is the fine-grained stage of a running agent loop.
type AgentPhase string

const (
	PhaseBooting   AgentPhase = "booting"
	PhaseThinking  AgentPhase = "thinking"
	PhaseExecuting AgentPhase = "executing"
	PhaseWaiting   AgentPhase = "waiting"
	PhaseObserving AgentPhase = "observing"
	PhaseIdle      AgentPhase = "idle"
	PhaseCompleted AgentPhase = "completed"
	PhaseFailed    AgentPhase = "failed"
)

// ProcessRecord is the durable process-table row.
type ProcessRecord struct {
	PID        uint64       `db:"pid" json:"pid"`
	PPID       uint64       `db:"ppid" json:"ppid"`
	UID        string       `db:"uid" json:"uid"`
	OwnerUID   string       `db:"owner_uid" json:"ownerUid"`
	Name       string       `db:"name" json:"name"`
	Role       string       `db:"role" json:"role"`
	Goal       string       `db:"goal" json:"goal"`
	State      ProcessState `db:"state" json:"state"`
	AgentPhase AgentPhase   `db:"agent_phase" json:"agentPhase"`
	Cwd        string       `db:"cwd" json:"cwd"`
	Env        string       `db:"env" json:"env"`     // JSON object
	Sandbox    string       `db:"sandbox" json:"sandbox"` // JSON sandbox config, empty for none
	ExitCode   *int         `db:"exit_code" json:"exitCode,omitempty"`
	TTYID      string       `db:"tty_id" json:"ttyId,omitempty"`
	CreatedAt  time.Time    `db:"created_at" json:"createdAt"`
	StartedAt  *time.Time   `db:"started_at" json:"startedAt,omitempty"`
	ExitedAt   *time.Time   `db:"exited_at" json:"exitedAt,omitempty"`
}

// AgentLog is one append-only row per agent loop step.
type AgentLog struct {
	ID        int64     `db:"id" json:"id"`
	PID       uint64    `db:"pid" json:"pid"`
	Step      int       `db:"step" json:"step"`
	Phase     string    `db:"phase" json:"phase"`
	Tool      string    `db:"tool" json:"tool,omitempty"`
	Content   string    `db:"content" json:"content"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
}

// FileMeta mirrors what is visible on disk under a user's VFS root.
type FileMeta struct {
	Path       string    `db:"path" json:"path"`
	OwnerUID   string    `db:"owner_uid" json:"ownerUid"`
	Type       string    `db:"type" json:"type"` // file or directory
	Size       int64     `db:"size" json:"size"`
	Hidden     bool      `db:"hidden" json:"hidden"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
	ModifiedAt time.Time `db:"modified_at" json:"modifiedAt"`
}

// KernelMetric is one resource sample.
type KernelMetric struct {
	Timestamp      time.Time `db:"timestamp" json:"timestamp"`
	ProcessCount   int       `db:"process_count" json:"processCount"`
	CPUPercent     float64   `db:"cpu_percent" json:"cpuPercent"`
	MemoryMB       float64   `db:"memory_mb" json:"memoryMb"`
	ContainerCount int       `db:"container_count" json:"containerCount"`
}

// PluginRecord is an installed plugin with its manifest serialized as JSON.
type PluginRecord struct {
	ID            string    `db:"id" json:"id"`
	OwnerUID      string    `db:"owner_uid" json:"ownerUid"`
	Manifest      string    `db:"manifest" json:"manifest"`
	InstallSource string    `db:"install_source" json:"installSource"` // local, registry, url
	Enabled       bool      `db:"enabled" json:"enabled"`
	InstalledAt   time.Time `db:"installed_at" json:"installedAt"`
	UpdatedAt     time.Time `db:"updated_at" json:"updatedAt"`
}

// MCPServerRecord is a configured MCP server with its cached tool list.
type MCPServerRecord struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Transport   string    `db:"transport" json:"transport"` // stdio or sse
	Command     string    `db:"command" json:"command"`
	Args        string    `db:"args" json:"args"` // JSON array
	Env         string    `db:"env" json:"env"`   // JSON object
	URL         string    `db:"url" json:"url"`
	AutoConnect bool      `db:"auto_connect" json:"autoConnect"`
	Enabled     bool      `db:"enabled" json:"enabled"`
	ToolCache   string    `db:"tool_cache" json:"toolCache"` // JSON array of tool specs
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// OpenClawImportRecord is one imported SKILL.md skill.
type OpenClawImportRecord struct {
	SkillID         string    `db:"skill_id" json:"skillId"`
	Skill           string    `db:"skill" json:"skill"` // serialized parsed skill
	DependenciesMet bool      `db:"dependencies_met" json:"dependenciesMet"`
	SourcePath      string    `db:"source_path" json:"sourcePath"`
	ImportedAt      time.Time `db:"imported_at" json:"importedAt"`
}

// IntegrationRecord is one external service connector.
type IntegrationRecord struct {
	ID          string    `db:"id" json:"id"`
	Type        string    `db:"type" json:"type"`
	Name        string    `db:"name" json:"name"`
	Credentials string    `db:"credentials" json:"-"` // AES-GCM sealed JSON
	Status      string    `db:"status" json:"status"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// IntegrationLog is one call record for an integration.
type IntegrationLog struct {
	ID            int64     `db:"id" json:"id"`
	IntegrationID string    `db:"integration_id" json:"integrationId"`
	Action        string    `db:"action" json:"action"`
	Status        string    `db:"status" json:"status"` // ok or error
	Detail        string    `db:"detail" json:"detail"`
	Timestamp     time.Time `db:"timestamp" json:"timestamp"`
}

// CronJobRecord is a scheduled agent spawn.
type CronJobRecord struct {
	ID          string     `db:"id" json:"id"`
	Name        string     `db:"name" json:"name"`
	Expression  string     `db:"cron_expression" json:"cronExpression"`
	AgentConfig string     `db:"agent_config" json:"agentConfig"` // JSON spawn config
	Enabled     bool       `db:"enabled" json:"enabled"`
	OwnerUID    string     `db:"owner_uid" json:"ownerUid"`
	LastRun     *time.Time `db:"last_run" json:"lastRun,omitempty"`
	NextRun     *time.Time `db:"next_run" json:"nextRun,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"createdAt"`
}

// EventTriggerRecord spawns an agent when a matching event fires.
type EventTriggerRecord struct {
	ID          string     `db:"id" json:"id"`
	Name        string     `db:"name" json:"name"`
	EventType   string     `db:"event_type" json:"eventType"`
	EventFilter string     `db:"event_filter" json:"eventFilter"` // JSON shallow-match object
	CooldownMS  int64      `db:"cooldown_ms" json:"cooldownMs"`
	AgentConfig string     `db:"agent_config" json:"agentConfig"`
	OwnerUID    string     `db:"owner_uid" json:"ownerUid"`
	LastFiredAt *time.Time `db:"last_fired_at" json:"lastFiredAt,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"createdAt"`
}

// MemoryRecord is one layered agent memory entry.
type MemoryRecord struct {
	ID         string    `db:"id" json:"id"`
	AgentUID   string    `db:"agent_uid" json:"agentUid"`
	Layer      string    `db:"layer" json:"layer"` // episodic, semantic, procedural
	Content    string    `db:"content" json:"content"`
	Tags       string    `db:"tags" json:"tags"` // JSON array
	Importance float64   `db:"importance" json:"importance"`
	SourcePID  uint64    `db:"source_pid" json:"sourcePid"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// User is a kernel account.
type User struct {
	ID           string    `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	PasswordHash string    `db:"password_hash" json:"-"`
	DisplayName  string    `db:"display_name" json:"displayName"`
	Role         string    `db:"role" json:"role"` // admin or user
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

// Token is an opaque session token with absolute expiry.
type Token struct {
	Token     string    `db:"token" json:"token"`
	UserID    string    `db:"user_id" json:"userId"`
	ExpiresAt time.Time `db:"expires_at" json:"expiresAt"`
}

// Org is a tenant organization.
type Org struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	DisplayName string    `db:"display_name" json:"displayName"`
	OwnerUID    string    `db:"owner_uid" json:"ownerUid"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// OrgMember binds a user to an org with an org-scoped role.
type OrgMember struct {
	OrgID  string `db:"org_id" json:"orgId"`
	UserID string `db:"user_id" json:"userId"`
	Role   string `db:"role" json:"role"` // owner, admin, manager, member, viewer
}

// Team is a named group within an org.
type Team struct {
	ID    string `db:"id" json:"id"`
	OrgID string `db:"org_id" json:"orgId"`
	Name  string `db:"name" json:"name"`
}

// TeamMember binds a user to a team.
type TeamMember struct {
	TeamID string `db:"team_id" json:"teamId"`
	UserID string `db:"user_id" json:"userId"`
}

// IPCMessage is one inter-process message. Mailboxes are in-memory; delivered
// messages are journaled for history.
type IPCMessage struct {
	ID        string    `db:"id" json:"id"`
	FromPID   uint64    `db:"from_pid" json:"fromPid"`
	ToPID     uint64    `db:"to_pid" json:"toPid"`
	Channel   string    `db:"channel" json:"channel"`
	Payload   string    `db:"payload" json:"payload"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
}
