package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType is the routing variant of a message. Router dispatch is
// exhaustive over these values.
type MessageType string

const (
	TypeAsk        MessageType = "ask"
	TypeSend       MessageType = "send"
	TypeResponse   MessageType = "response"
	TypeStartAgent MessageType = "start_agent"
	TypeStatus     MessageType = "status"
	TypeChat       MessageType = "chat"
	TypeReply      MessageType = "reply"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeAsk, TypeSend, TypeResponse, TypeStartAgent, TypeStatus, TypeChat, TypeReply:
		return true
	}
	return false
}

// HumanSender is the reserved sender address for operator-originated messages.
const HumanSender = "human"

// AgentID is a network-wide agent address: <machine_id>/<project_id>.
type AgentID struct {
	Machine string
	Project string
}

// ParseAgentID splits "machine/project" into an AgentID.
func ParseAgentID(s string) (AgentID, error) {
	machine, project, ok := strings.Cut(s, "/")
	if !ok || machine == "" || project == "" {
		return AgentID{}, fmt.Errorf("%w: invalid agent id %q, expected machine/project", ErrBadEnvelope, s)
	}
	return AgentID{Machine: machine, Project: project}, nil
}

func (a AgentID) String() string { return a.Machine + "/" + a.Project }

// Payload carries the type-specific body of a message. Unknown keys are
// dropped at decode time; the router only reads the fields below.
type Payload struct {
	Message      string   `json:"message,omitempty"`
	Mission      string   `json:"mission,omitempty"`
	ThreadID     string   `json:"thread_id,omitempty"`
	Priority     string   `json:"priority,omitempty"`
	Timeout      int      `json:"timeout,omitempty"`
	AgentCommand string   `json:"agent_command,omitempty"`
	AllowedPaths []string `json:"allowed_paths,omitempty"`
	Cwd          string   `json:"cwd,omitempty"`
}

// Text returns the human-readable body of the payload regardless of variant.
func (p Payload) Text() string {
	if p.Message != "" {
		return p.Message
	}
	return p.Mission
}

// Message is the routed envelope between agents.
type Message struct {
	Version   string      `json:"version"`
	ID        string      `json:"id"`
	MissionID string      `json:"mission_id,omitempty"`
	FromAgent string      `json:"from_agent"`
	ToAgent   string      `json:"to_agent"`
	Type      MessageType `json:"type"`
	Payload   Payload     `json:"payload"`
	Timestamp string      `json:"timestamp"`
}

// NewMessage builds an envelope with fresh id and timestamp.
func NewMessage(from, to string, typ MessageType, payload Payload) Message {
	return Message{
		Version:   "1",
		ID:        uuid.NewString(),
		FromAgent: from,
		ToAgent:   to,
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Validate checks the envelope invariants shared by all variants.
// Reply resolves its recipient from the thread map, so to_agent may be
// empty for that variant only.
func (m Message) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown message type %q", ErrBadEnvelope, m.Type)
	}
	if m.FromAgent == "" {
		return fmt.Errorf("%w: missing from_agent", ErrBadEnvelope)
	}
	if m.FromAgent != HumanSender {
		if _, err := ParseAgentID(m.FromAgent); err != nil {
			return err
		}
	}
	if m.ToAgent == "" {
		if m.Type == TypeReply && m.Payload.ThreadID != "" {
			return nil
		}
		return fmt.Errorf("%w: missing to_agent", ErrBadEnvelope)
	}
	if _, err := ParseAgentID(m.ToAgent); err != nil {
		return err
	}
	return nil
}

// NewThreadID returns a fresh chat thread id, t-<6hex>.
func NewThreadID() string {
	return "t-" + uuid.NewString()[:6]
}

// NewSessionID returns a fresh session id, s-<yyyymmdd>-<6hex>.
func NewSessionID(now time.Time) string {
	return fmt.Sprintf("s-%s-%s", now.UTC().Format("20060102"), strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
}
