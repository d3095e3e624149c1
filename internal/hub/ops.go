package hub

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/intercom/internal/mission"
	"github.com/nextlevelbuilder/intercom/internal/model"
	"github.com/nextlevelbuilder/intercom/internal/registry"
)

// hubOps adapts the server to the console's Ops contract.
type hubOps struct {
	s *Server
}

func (o *hubOps) Agents(ctx context.Context) ([]model.Agent, error) {
	return o.s.reg.ListAgents(ctx, registry.AgentFilter{})
}

func (o *hubOps) Machines(ctx context.Context) ([]model.Machine, error) {
	return o.s.reg.ListMachines(ctx)
}

func (o *hubOps) PendingJoins(ctx context.Context) ([]model.PendingJoin, error) {
	return o.s.reg.PendingJoins(ctx)
}

func (o *hubOps) ApproveMachine(ctx context.Context, machineID string) error {
	token := uuid.NewString()
	if _, err := o.s.reg.ApproveJoin(ctx, machineID, token); err != nil {
		return err
	}
	return nil
}

func (o *hubOps) DenyMachine(ctx context.Context, machineID string) error {
	return o.s.reg.DenyJoin(ctx, machineID)
}

func (o *hubOps) RevokeMachine(ctx context.Context, machineID string) error {
	return o.s.reg.Revoke(ctx, machineID)
}

// StartAgent routes an operator-originated start_agent envelope. Operator
// traffic is auto-allowed by the policy gate.
func (o *hubOps) StartAgent(ctx context.Context, machineID, projectID, missionText string) (string, error) {
	msg := model.NewMessage(model.HumanSender, machineID+"/"+projectID,
		model.TypeStartAgent, model.Payload{Mission: missionText})
	res, err := o.s.router.Route(ctx, msg)
	if err != nil {
		return "", err
	}
	return res.MissionID, nil
}

// HumanReply injects operator text into a mission: onto its chat thread
// when one exists, otherwise into the target agent's session inbox.
func (o *hubOps) HumanReply(ctx context.Context, missionID, text string) error {
	m, err := o.s.missions.Get(missionID)
	if err != nil {
		return err
	}
	if m.ToAgent == "" {
		return fmt.Errorf("%w: mission %s has no target", model.ErrBadEnvelope, missionID)
	}

	typ := model.TypeChat
	payload := model.Payload{Message: text}
	if m.ThreadID != "" {
		typ = model.TypeReply
		payload.ThreadID = m.ThreadID
	}
	msg := model.NewMessage(model.HumanSender, m.ToAgent, typ, payload)
	msg.MissionID = missionID
	_, err = o.s.router.Route(ctx, msg)
	return err
}

func (o *hubOps) Resolve(missionID string, approved bool, scope string) bool {
	return o.s.missions.Resolve(missionID, mission.Resolution{Approved: approved, Scope: scope})
}
