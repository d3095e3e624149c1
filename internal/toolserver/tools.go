// Package toolserver exposes the intercom network to a coding agent as
// MCP tools over stdio. The business logic lives in Tools, decoupled
// from the MCP transport so it can be tested directly.
package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/nextlevelbuilder/intercom/internal/auth"
	"github.com/nextlevelbuilder/intercom/internal/hubclient"
	"github.com/nextlevelbuilder/intercom/internal/inbox"
	"github.com/nextlevelbuilder/intercom/internal/model"
	"github.com/nextlevelbuilder/intercom/internal/router"
)

// Tools carries the identity of the session this server fronts: one
// machine, one project, one hub connection.
type Tools struct {
	hub       *hubclient.Client
	machineID string
	project   string

	daemonURL string
	token     string
	sessionID string
	inboxPath string
	inbox     *inbox.Store
	httpc     *http.Client
}

func NewTools(hub *hubclient.Client, machineID, project, daemonURL, token string) *Tools {
	return &Tools{
		hub:       hub,
		machineID: machineID,
		project:   project,
		daemonURL: daemonURL,
		token:     token,
		inbox:     inbox.NewStore(),
		httpc:     &http.Client{Timeout: 10 * time.Second},
	}
}

// FromAgent is this session's network address.
func (t *Tools) FromAgent() string {
	return t.machineID + "/" + t.project
}

// daemonPost performs one signed call against the local daemon.
func (t *Tools) daemonPost(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.daemonURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	headers, err := auth.Sign(http.MethodPost, path, raw, t.token, t.machineID)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// RegisterSession announces this process as the project's live session so
// chat deliveries land in its inbox. Best effort; a daemonless setup
// still gets the hub-facing tools.
func (t *Tools) RegisterSession(ctx context.Context) error {
	if t.daemonURL == "" {
		return nil
	}
	var sess model.Session
	err := t.daemonPost(ctx, "/session/register", map[string]any{
		"project": t.project,
		"pid":     os.Getpid(),
	}, &sess)
	if err != nil {
		return err
	}
	t.sessionID = sess.SessionID
	t.inboxPath = sess.InboxPath
	return nil
}

// CheckInbox drains this session's inbox and returns the unread messages.
func (t *Tools) CheckInbox(context.Context) (map[string]any, error) {
	if t.inboxPath == "" {
		return map[string]any{"messages": []inbox.Entry{}, "count": 0}, nil
	}
	entries, err := t.inbox.Drain(t.inboxPath)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []inbox.Entry{}
	}
	return map[string]any{"messages": entries, "count": len(entries)}, nil
}

// UnregisterSession withdraws the session on shutdown.
func (t *Tools) UnregisterSession(ctx context.Context) {
	if t.daemonURL == "" || t.sessionID == "" {
		return
	}
	t.daemonPost(ctx, "/session/unregister", map[string]string{"session_id": t.sessionID}, nil)
}

func (t *Tools) ListAgents(ctx context.Context, filter string) (map[string]any, error) {
	agents, err := t.hub.Agents(ctx, filter)
	if err != nil {
		return nil, err
	}
	if agents == nil {
		agents = []model.Agent{}
	}
	return map[string]any{"agents": agents}, nil
}

func (t *Tools) Send(ctx context.Context, to, message, priority string) (map[string]any, error) {
	msg := model.NewMessage(t.FromAgent(), to, model.TypeSend, model.Payload{
		Message:  message,
		Priority: priority,
	})
	res, err := t.hub.Route(ctx, msg)
	if err != nil {
		return nil, err
	}
	return routeResult(res), nil
}

func (t *Tools) Ask(ctx context.Context, to, message string, timeout int) (map[string]any, error) {
	msg := model.NewMessage(t.FromAgent(), to, model.TypeAsk, model.Payload{
		Message: message,
		Timeout: timeout,
	})
	res, err := t.hub.Route(ctx, msg)
	if err != nil {
		return nil, err
	}
	return routeResult(res), nil
}

func (t *Tools) Chat(ctx context.Context, to, message, threadID string) (map[string]any, error) {
	typ := model.TypeChat
	if threadID != "" && to == "" {
		typ = model.TypeReply
	}
	msg := model.NewMessage(t.FromAgent(), to, typ, model.Payload{
		Message:  message,
		ThreadID: threadID,
	})
	res, err := t.hub.Route(ctx, msg)
	if err != nil {
		return nil, err
	}
	return routeResult(res), nil
}

func (t *Tools) StartAgent(ctx context.Context, machine, project, mission, agentCommand string) (map[string]any, error) {
	msg := model.NewMessage(t.FromAgent(), machine+"/"+project, model.TypeStartAgent, model.Payload{
		Mission:      mission,
		AgentCommand: agentCommand,
	})
	res, err := t.hub.Route(ctx, msg)
	if err != nil {
		return nil, err
	}
	return routeResult(res), nil
}

func (t *Tools) Status(ctx context.Context, missionID string) (map[string]any, error) {
	m, err := t.hub.Mission(ctx, missionID, 0)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"mission_id": m.MissionID,
		"status":     m.Status,
		"output":     m.Output,
		"error":      m.Error,
		"feedback":   m.Feedback,
	}, nil
}

func (t *Tools) History(ctx context.Context, missionID string, limit int) (map[string]any, error) {
	m, err := t.hub.Mission(ctx, missionID, 0)
	if err != nil {
		return nil, err
	}
	messages := m.Messages
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	if messages == nil {
		messages = []model.MissionMessage{}
	}
	return map[string]any{
		"mission_id": m.MissionID,
		"thread_id":  m.ThreadID,
		"messages":   messages,
	}, nil
}

// Register updates this agent's registry entry. Action is "update",
// "add_project" or "remove_project".
func (t *Tools) Register(ctx context.Context, action string, project model.Project) (map[string]any, error) {
	switch action {
	case "", "update", "add_project":
		if project.ProjectID == "" {
			project.ProjectID = t.project
		}
		project.MachineID = t.machineID
		if err := t.hub.RegisterProjects(ctx, []model.Project{project}); err != nil {
			return nil, err
		}
	case "remove_project":
		id := project.ProjectID
		if id == "" {
			id = t.project
		}
		if err := t.hub.RemoveProjects(ctx, []string{id}); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown register action %q", model.ErrBadEnvelope, action)
	}
	return map[string]any{"success": true}, nil
}

func (t *Tools) Feedback(ctx context.Context, kind, description string) (map[string]any, error) {
	if err := t.hub.SendFeedback(ctx, kind, description, t.FromAgent()); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

func routeResult(res router.Result) map[string]any {
	out := map[string]any{"status": res.Status}
	if res.MissionID != "" {
		out["mission_id"] = res.MissionID
	}
	if res.ThreadID != "" {
		out["thread_id"] = res.ThreadID
	}
	return out
}
