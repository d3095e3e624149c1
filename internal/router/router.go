// Package router turns an inbound envelope into an outbound delivery:
// mission attach, policy check, optional operator approval, then dispatch
// to the target daemon. One traversal at a time per mission.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/intercom/internal/console"
	"github.com/nextlevelbuilder/intercom/internal/mission"
	"github.com/nextlevelbuilder/intercom/internal/model"
	"github.com/nextlevelbuilder/intercom/internal/policy"
)

// Route statuses surfaced to the caller.
const (
	StatusDelivered       = "delivered"
	StatusQueued          = "queued"
	StatusDenied          = "denied"
	StatusNoActiveSession = "no_active_session"
	StatusUnreachable     = "unreachable"
	StatusError           = "error"
)

// DefaultApprovalTimeout bounds how long a parked message waits for the
// operator before it is denied.
const DefaultApprovalTimeout = 10 * time.Minute

// Result is the router's answer to one envelope.
type Result struct {
	Status    string `json:"status"`
	MissionID string `json:"mission_id"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// Directory resolves targets: machine rows and session presence.
type Directory interface {
	GetMachine(ctx context.Context, machineID string) (model.Machine, error)
	SessionFor(machineID, projectID string) (model.Session, bool)
}

// ChatDelivery is what the target daemon writes into a session inbox.
type ChatDelivery struct {
	Project   string `json:"project"`
	SessionID string `json:"session_id,omitempty"`
	ThreadID  string `json:"thread_id"`
	FromAgent string `json:"from_agent"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Dispatcher performs the signed calls into target daemons.
type Dispatcher interface {
	// StartMission asks the daemon to launch an agent; returns the
	// daemon-local mission id.
	StartMission(ctx context.Context, target model.Machine, msg model.Message, hubMissionID string) (string, error)
	// DeliverChat appends into a session inbox. model.ErrNoActiveSession
	// means the daemon found no live session for the project.
	DeliverChat(ctx context.Context, target model.Machine, delivery ChatDelivery) error
}

// Router is safe for concurrent use. Traversals of the same mission are
// serialized; unrelated missions proceed in parallel, including while one
// is parked on an approval.
type Router struct {
	dir      Directory
	engine   *policy.Engine
	missions *mission.Store
	console  console.Console
	dispatch Dispatcher

	approvalTimeout time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(dir Directory, engine *policy.Engine, missions *mission.Store, cons console.Console, dispatch Dispatcher) *Router {
	return &Router{
		dir:             dir,
		engine:          engine,
		missions:        missions,
		console:         cons,
		dispatch:        dispatch,
		approvalTimeout: DefaultApprovalTimeout,
		locks:           make(map[string]*sync.Mutex),
	}
}

func (r *Router) missionLock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// Route processes one envelope end to end. The returned error carries a
// model sentinel for the HTTP layer; Result.Status is always set.
func (r *Router) Route(ctx context.Context, msg model.Message) (Result, error) {
	if err := msg.Validate(); err != nil {
		return Result{Status: StatusError}, err
	}

	msg, err := r.attachMission(msg)
	if err != nil {
		return Result{Status: StatusError}, err
	}

	// FIFO within a mission, including across approval pauses.
	lock := r.missionLock(msg.MissionID)
	lock.Lock()
	defer lock.Unlock()

	r.missions.AppendMessage(msg.MissionID, msg.FromAgent, msg.Payload.Text())

	if res, err := r.approve(ctx, msg); err != nil {
		return res, err
	}

	switch msg.Type {
	case model.TypeAsk, model.TypeSend, model.TypeStartAgent:
		return r.routeMission(ctx, msg)
	case model.TypeChat, model.TypeReply:
		return r.routeChat(ctx, msg)
	case model.TypeResponse:
		r.missions.Complete(msg.MissionID, msg.Payload.Text())
		r.engine.ClearMission(msg.MissionID)
		r.console.PostToMission(ctx, msg.MissionID, msg.FromAgent, msg.Payload.Text())
		return Result{Status: StatusDelivered, MissionID: msg.MissionID}, nil
	case model.TypeStatus:
		r.console.PostToMission(ctx, msg.MissionID, msg.FromAgent, msg.Payload.Text())
		return Result{Status: StatusDelivered, MissionID: msg.MissionID}, nil
	default:
		return Result{Status: StatusError, MissionID: msg.MissionID},
			fmt.Errorf("%w: unroutable type %q", model.ErrBadEnvelope, msg.Type)
	}
}

// attachMission fills msg.MissionID: fresh for mission types, the thread
// owner for reply, join-or-create for chat.
func (r *Router) attachMission(msg model.Message) (model.Message, error) {
	if msg.MissionID != "" {
		if _, err := r.missions.Get(msg.MissionID); err != nil {
			return msg, err
		}
		return msg, nil
	}

	switch msg.Type {
	case model.TypeAsk, model.TypeSend, model.TypeStartAgent:
		m := r.missions.Create(msg)
		msg.MissionID = m.ID

	case model.TypeReply:
		threadID := msg.Payload.ThreadID
		if threadID == "" {
			return msg, fmt.Errorf("%w: reply requires thread_id", model.ErrBadEnvelope)
		}
		id, ok := r.missions.MissionForThread(threadID)
		if !ok {
			return msg, fmt.Errorf("%w: thread %s", model.ErrNotFound, threadID)
		}
		msg.MissionID = id
		if msg.ToAgent == "" {
			peer, ok := r.missions.ThreadPeer(threadID, msg.FromAgent)
			if !ok {
				return msg, fmt.Errorf("%w: %s is not on thread %s", model.ErrBadEnvelope, msg.FromAgent, threadID)
			}
			msg.ToAgent = peer
		}

	case model.TypeChat:
		threadID := msg.Payload.ThreadID
		if threadID == "" {
			threadID = r.missions.ThreadBetween(msg.FromAgent, msg.ToAgent)
			msg.Payload.ThreadID = threadID
		} else {
			r.missions.EnsureThread(threadID, msg.FromAgent, msg.ToAgent)
		}
		if id, ok := r.missions.MissionForThread(threadID); ok {
			msg.MissionID = id
		} else {
			m := r.missions.Create(msg)
			msg.MissionID = m.ID
			r.missions.AttachThread(m.ID, threadID)
		}

	default: // response, status without a mission id
		return msg, fmt.Errorf("%w: %s requires mission_id", model.ErrBadEnvelope, msg.Type)
	}
	return msg, nil
}

// approve runs the policy gate. On AskOperator the traversal parks on the
// mission's one-shot waiter until the console resolves it or the timeout
// denies it.
func (r *Router) approve(ctx context.Context, msg model.Message) (Result, error) {
	decision := r.engine.Decide(msg)
	switch decision.Outcome {
	case policy.AutoAllow:
		if decision.Notify {
			r.console.PostToMission(ctx, msg.MissionID, msg.FromAgent,
				fmt.Sprintf("(auto-allowed) %s", msg.Payload.Text()))
		}
		return Result{}, nil

	case policy.AutoDeny:
		r.deny(msg.MissionID, "denied by policy")
		return Result{Status: StatusDenied, MissionID: msg.MissionID}, model.ErrDeniedByPolicy
	}

	waiter := r.missions.Waiter(msg.MissionID)
	if err := r.console.RequestApproval(ctx, msg.MissionID, msg, decision.Label); err != nil {
		slog.Warn("router.approval_prompt_failed", "mission", msg.MissionID, "error", err)
	}

	timer := time.NewTimer(r.approvalTimeout)
	defer timer.Stop()

	select {
	case res := <-waiter:
		if !res.Approved {
			r.engine.Record(msg, policy.Scope(res.Scope), false)
			r.deny(msg.MissionID, "denied by operator")
			return Result{Status: StatusDenied, MissionID: msg.MissionID}, model.ErrDeniedByHuman
		}
		r.engine.Record(msg, policy.Scope(res.Scope), true)
		r.missions.SetStatus(msg.MissionID, model.MissionApproved)
		return Result{}, nil

	case <-timer.C:
		r.missions.AbandonWaiter(msg.MissionID)
		r.deny(msg.MissionID, "approval timed out")
		return Result{Status: StatusDenied, MissionID: msg.MissionID}, model.ErrApprovalTimeout

	case <-ctx.Done():
		r.missions.AbandonWaiter(msg.MissionID)
		return Result{Status: StatusError, MissionID: msg.MissionID}, ctx.Err()
	}
}

func (r *Router) deny(missionID, reason string) {
	r.missions.Deny(missionID, reason)
	r.engine.ClearMission(missionID)
}

// routeMission launches the remote agent on the target daemon.
func (r *Router) routeMission(ctx context.Context, msg model.Message) (Result, error) {
	target, err := r.target(ctx, msg)
	if err != nil {
		r.missions.Fail(msg.MissionID, err.Error())
		return Result{Status: statusForDispatchErr(err), MissionID: msg.MissionID}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	remoteID, err := r.dispatch.StartMission(callCtx, target, msg, msg.MissionID)
	if err != nil {
		r.missions.Fail(msg.MissionID, err.Error())
		r.console.PostToMission(ctx, msg.MissionID, msg.FromAgent,
			fmt.Sprintf("⚠️ could not reach %s: %v", msg.ToAgent, err))
		return Result{Status: statusForDispatchErr(err), MissionID: msg.MissionID}, err
	}

	r.missions.SetRemoteID(msg.MissionID, remoteID)
	r.missions.SetStatus(msg.MissionID, model.MissionRunning)
	r.console.PostToMission(ctx, msg.MissionID, msg.FromAgent, msg.Payload.Text())
	slog.Info("router.mission_started",
		"mission", msg.MissionID, "target", msg.ToAgent, "remote", remoteID)
	return Result{Status: StatusQueued, MissionID: msg.MissionID}, nil
}

// routeChat delivers into the target session's inbox. One retry with a 1s
// backoff; delivery is idempotent on the daemon side.
func (r *Router) routeChat(ctx context.Context, msg model.Message) (Result, error) {
	target, err := r.target(ctx, msg)
	if err != nil {
		return Result{Status: statusForDispatchErr(err), MissionID: msg.MissionID, ThreadID: msg.Payload.ThreadID}, err
	}
	to, _ := model.ParseAgentID(msg.ToAgent)

	delivery := ChatDelivery{
		Project:   to.Project,
		ThreadID:  msg.Payload.ThreadID,
		FromAgent: msg.FromAgent,
		Message:   msg.Payload.Text(),
		Timestamp: msg.Timestamp,
	}
	if s, ok := r.dir.SessionFor(to.Machine, to.Project); ok {
		delivery.SessionID = s.SessionID
	}

	err = r.deliverWithRetry(ctx, target, delivery)
	result := Result{MissionID: msg.MissionID, ThreadID: msg.Payload.ThreadID}
	switch {
	case err == nil:
		result.Status = StatusDelivered
		r.missions.MarkDelivered(msg.MissionID)
		r.console.PostToMission(ctx, msg.MissionID, msg.FromAgent, msg.Payload.Text())
		return result, nil

	case errors.Is(err, model.ErrNoActiveSession):
		// No auto-launch on a missed chat; the operator gets a note.
		result.Status = StatusNoActiveSession
		r.console.PostToMission(ctx, msg.MissionID, msg.FromAgent,
			fmt.Sprintf("💤 %s has no active session, message not delivered", msg.ToAgent))
		return result, err

	default:
		result.Status = StatusUnreachable
		r.console.PostToMission(ctx, msg.MissionID, msg.FromAgent,
			fmt.Sprintf("⚠️ could not reach %s: %v", msg.ToAgent, err))
		return result, fmt.Errorf("%w: %v", model.ErrUnreachable, err)
	}
}

func (r *Router) deliverWithRetry(ctx context.Context, target model.Machine, delivery ChatDelivery) error {
	callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	err := r.dispatch.DeliverChat(callCtx, target, delivery)
	cancel()
	if err == nil || errors.Is(err, model.ErrNoActiveSession) {
		return err
	}

	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}
	callCtx, cancel = context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.dispatch.DeliverChat(callCtx, target, delivery)
}

// target resolves the destination machine and checks it is usable.
func (r *Router) target(ctx context.Context, msg model.Message) (model.Machine, error) {
	to, err := model.ParseAgentID(msg.ToAgent)
	if err != nil {
		return model.Machine{}, err
	}
	m, err := r.dir.GetMachine(ctx, to.Machine)
	if err != nil {
		return model.Machine{}, err
	}
	if m.Status != model.MachineApproved {
		return model.Machine{}, fmt.Errorf("%w: machine %s is %s", model.ErrUnknownMachine, m.ID, m.Status)
	}
	if m.DaemonURL == "" {
		return model.Machine{}, fmt.Errorf("%w: machine %s has no daemon url", model.ErrUnreachable, m.ID)
	}
	return m, nil
}

func statusForDispatchErr(err error) string {
	switch {
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrUnknownMachine),
		errors.Is(err, model.ErrPathNotAllowed):
		// The daemon answered; a rejected working directory is a typed
		// error for the sender, not a transport failure.
		return StatusError
	case errors.Is(err, model.ErrNoActiveSession):
		return StatusNoActiveSession
	default:
		return StatusUnreachable
	}
}
