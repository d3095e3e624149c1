package model

import "time"

// MachineStatus is the lifecycle state of a machine row.
type MachineStatus string

const (
	MachinePending  MachineStatus = "pending"
	MachineApproved MachineStatus = "approved"
	MachineDenied   MachineStatus = "denied"
	MachineRevoked  MachineStatus = "revoked"
)

// OnlineWindow is how recent a heartbeat must be for a machine to count as
// online.
const OnlineWindow = 90 * time.Second

// Machine is a registered node on the overlay network.
type Machine struct {
	ID          string        `json:"machine_id"`
	DisplayName string        `json:"display_name"`
	OverlayIP   string        `json:"overlay_ip"`
	DaemonURL   string        `json:"daemon_url"`
	Token       string        `json:"-"`
	Status      MachineStatus `json:"status"`
	LastSeen    *time.Time    `json:"last_seen,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Online reports whether the machine heartbeated within OnlineWindow.
func (m Machine) Online(now time.Time) bool {
	return m.LastSeen != nil && now.Sub(*m.LastSeen) <= OnlineWindow
}

// Project is an agent root on a machine. Every machine carries a synthetic
// "home" project.
type Project struct {
	MachineID    string   `json:"machine_id"`
	ProjectID    string   `json:"project_id"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
	Path         string   `json:"path"`
	AgentCommand string   `json:"agent_command,omitempty"`
}

// HomeProject is the project id implicitly present on every machine.
const HomeProject = "home"

// Agent is the network view of a project joined with its machine, as
// returned by GET /api/agents.
type Agent struct {
	MachineID    string   `json:"machine_id"`
	ProjectID    string   `json:"project_id"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	MachineName  string   `json:"machine_name,omitempty"`
	Status       string   `json:"status"`
	Session      *Session `json:"session,omitempty"`
}

// PendingJoin is an unapproved join request held by the hub.
type PendingJoin struct {
	MachineID   string    `json:"machine_id"`
	DisplayName string    `json:"display_name"`
	OverlayIP   string    `json:"overlay_ip"`
	RequestedAt time.Time `json:"requested_at"`
}

// SessionStatus is the activity state announced via heartbeats.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionWorking SessionStatus = "working"
	SessionIdle    SessionStatus = "idle"
)

// Session is an active agent process on a machine/project and the unit of
// chat presence. At most one session per (machine, project) is
// authoritative; the most recently registered wins.
type Session struct {
	SessionID    string        `json:"session_id"`
	Project      string        `json:"project"`
	PID          int           `json:"pid,omitempty"`
	InboxPath    string        `json:"inbox_path,omitempty"`
	RegisteredAt time.Time     `json:"registered_at,omitempty"`
	Status       SessionStatus `json:"status,omitempty"`
	Summary      string        `json:"summary,omitempty"`
	Recent       []string      `json:"recent,omitempty"`
}
