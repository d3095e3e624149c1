// Package console is the operator surface of the hub. The Telegram
// implementation mirrors missions into forum topics and collects approval
// decisions; Noop stands in when no console is configured.
package console

import (
	"context"

	"github.com/nextlevelbuilder/intercom/internal/model"
)

// Console receives hub events for the human operator.
type Console interface {
	// AnnounceJoin notifies the operator of a machine waiting for approval.
	AnnounceJoin(ctx context.Context, join model.PendingJoin)

	// RequestApproval posts an approval prompt for a parked message. The
	// decision comes back asynchronously through Ops.Resolve.
	RequestApproval(ctx context.Context, missionID string, msg model.Message, label string) error

	// PostToMission appends a line to the mission's topic, creating the
	// topic on first use.
	PostToMission(ctx context.Context, missionID, fromAgent, text string) error

	// NotifyFeedback surfaces a child agent's progress item.
	NotifyFeedback(ctx context.Context, missionID string, item model.FeedbackItem)

	// Note posts a freestanding status line outside any mission.
	Note(ctx context.Context, text string)
}

// Ops is what the console needs from the hub to act on operator input.
type Ops interface {
	Agents(ctx context.Context) ([]model.Agent, error)
	Machines(ctx context.Context) ([]model.Machine, error)
	PendingJoins(ctx context.Context) ([]model.PendingJoin, error)
	ApproveMachine(ctx context.Context, machineID string) error
	DenyMachine(ctx context.Context, machineID string) error

	// RevokeMachine clears an approved machine's token. Its next signed
	// request fails and its join polls report revoked.
	RevokeMachine(ctx context.Context, machineID string) error

	// StartAgent launches a mission on machine/project and returns its id.
	StartAgent(ctx context.Context, machineID, projectID, missionText string) (string, error)

	// HumanReply injects operator text into a running mission.
	HumanReply(ctx context.Context, missionID, text string) error

	// Resolve delivers an approval decision. Scope is one of once,
	// mission, session, always_allow; approved false means deny.
	Resolve(missionID string, approved bool, scope string) bool
}

// Noop discards everything. Approval prompts cannot be answered, so
// routes that need one will time out and deny.
type Noop struct{}

func (Noop) AnnounceJoin(context.Context, model.PendingJoin) {}
func (Noop) RequestApproval(context.Context, string, model.Message, string) error {
	return nil
}
func (Noop) PostToMission(context.Context, string, string, string) error { return nil }
func (Noop) NotifyFeedback(context.Context, string, model.FeedbackItem)  {}
func (Noop) Note(context.Context, string)                                {}
