package model

import "time"

// MissionStatus is the terminal-state machine of a routed interaction.
type MissionStatus string

const (
	MissionPendingApproval MissionStatus = "pending_approval"
	MissionApproved        MissionStatus = "approved"
	MissionDenied          MissionStatus = "denied"
	MissionRunning         MissionStatus = "running"
	MissionCompleted       MissionStatus = "completed"
	MissionFailed          MissionStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s MissionStatus) Terminal() bool {
	return s == MissionDenied || s == MissionCompleted || s == MissionFailed
}

// FeedbackKind discriminates feedback log entries.
type FeedbackKind string

const (
	FeedbackText    FeedbackKind = "text"
	FeedbackToolUse FeedbackKind = "tool_use"
	FeedbackTurn    FeedbackKind = "turn"
)

// FeedbackItem is one entry in a mission's feedback log. Cursor is a
// monotonically increasing integer local to the mission, starting at 1.
type FeedbackItem struct {
	Cursor    int64        `json:"cursor"`
	Kind      FeedbackKind `json:"kind"`
	Tool      string       `json:"tool,omitempty"`
	Summary   string       `json:"summary"`
	Timestamp time.Time    `json:"timestamp"`
}

// MissionMessage is one line of a mission's chat transcript.
type MissionMessage struct {
	From      string    `json:"from"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Mission is the hub's bookkeeping record for a single routed interaction.
type Mission struct {
	ID         string           `json:"mission_id"`
	FromAgent  string           `json:"from_agent"`
	ToAgent    string           `json:"to_agent"`
	Type       MessageType      `json:"type"`
	Status     MissionStatus    `json:"status"`
	Error      string           `json:"error,omitempty"`
	Output     string           `json:"output,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Messages   []MissionMessage `json:"messages,omitempty"`
	Feedback   []FeedbackItem   `json:"feedback,omitempty"`
	ThreadID   string           `json:"thread_id,omitempty"`
	// RemoteID is the mission id local to the daemon running it.
	RemoteID string `json:"remote_id,omitempty"`
}
