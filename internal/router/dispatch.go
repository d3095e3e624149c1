package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/nextlevelbuilder/intercom/internal/auth"
	"github.com/nextlevelbuilder/intercom/internal/model"
)

// HubSender is the machine id the hub signs daemon calls with. Daemons
// verify it against their own token.
const HubSender = "hub"

// MissionStartRequest is the body of POST /mission/start on a daemon.
type MissionStartRequest struct {
	MissionID    string   `json:"mission_id"`
	FromAgent    string   `json:"from_agent"`
	Project      string   `json:"project"`
	Mission      string   `json:"mission"`
	AgentCommand string   `json:"agent_command,omitempty"`
	AllowedPaths []string `json:"allowed_paths,omitempty"`
	Cwd          string   `json:"cwd,omitempty"`
	Timeout      int      `json:"timeout,omitempty"`
}

// HTTPDispatcher performs the hub's signed calls into daemons over the
// overlay network.
type HTTPDispatcher struct {
	client *http.Client
}

func NewHTTPDispatcher() *HTTPDispatcher {
	return &HTTPDispatcher{client: &http.Client{}}
}

// post performs one signed POST. On a non-2xx answer it also returns the
// short error code from the daemon's {"error": ...} body when present.
func (d *HTTPDispatcher) post(ctx context.Context, target model.Machine, path string, body, out any) (int, string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, "", fmt.Errorf("encode request: %w", err)
	}
	base, err := url.Parse(strings.TrimSuffix(target.DaemonURL, "/"))
	if err != nil {
		return 0, "", fmt.Errorf("%w: bad daemon url %q", model.ErrUnreachable, target.DaemonURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.String()+path, bytes.NewReader(raw))
	if err != nil {
		return 0, "", err
	}
	headers, err := auth.Sign(http.MethodPost, path, raw, target.Token, HubSender)
	if err != nil {
		return 0, "", err
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", model.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, "", err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return resp.StatusCode, "", fmt.Errorf("decode response: %w", err)
			}
		}
		return resp.StatusCode, "", nil
	}
	var errBody struct {
		Error string `json:"error"`
	}
	json.Unmarshal(data, &errBody)
	return resp.StatusCode, errBody.Error, nil
}

func (d *HTTPDispatcher) StartMission(ctx context.Context, target model.Machine, msg model.Message, hubMissionID string) (string, error) {
	to, err := model.ParseAgentID(msg.ToAgent)
	if err != nil {
		return "", err
	}
	req := MissionStartRequest{
		MissionID:    hubMissionID,
		FromAgent:    msg.FromAgent,
		Project:      to.Project,
		Mission:      msg.Payload.Text(),
		AgentCommand: msg.Payload.AgentCommand,
		AllowedPaths: msg.Payload.AllowedPaths,
		Cwd:          msg.Payload.Cwd,
		Timeout:      msg.Payload.Timeout,
	}
	var out struct {
		MissionID string `json:"mission_id"`
	}
	code, errCode, err := d.post(ctx, target, "/mission/start", req, &out)
	if err != nil {
		return "", err
	}
	switch {
	case errCode == model.ErrPathNotAllowed.Error():
		return "", fmt.Errorf("%w: daemon rejected working directory", model.ErrPathNotAllowed)
	case code < 200 || code >= 300:
		return "", fmt.Errorf("%w: daemon returned %d", model.ErrUnreachable, code)
	}
	return out.MissionID, nil
}

// DaemonMissionStatus mirrors a daemon's GET /missions/{id} response.
type DaemonMissionStatus struct {
	MissionID     string               `json:"mission_id"`
	Status        string               `json:"status"`
	Output        string               `json:"output,omitempty"`
	Error         string               `json:"error,omitempty"`
	Feedback      []model.FeedbackItem `json:"feedback"`
	FeedbackTotal int64                `json:"feedback_total"`
	TurnCount     int                  `json:"turn_count"`
}

// FetchMission polls a daemon for mission progress past the given cursor.
func (d *HTTPDispatcher) FetchMission(ctx context.Context, target model.Machine, remoteID string, since int64) (DaemonMissionStatus, error) {
	var out DaemonMissionStatus
	path := fmt.Sprintf("/missions/%s", remoteID)
	base := strings.TrimSuffix(target.DaemonURL, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s%s?feedback_since=%d", base, path, since), nil)
	if err != nil {
		return out, err
	}
	headers, err := auth.Sign(http.MethodGet, path, nil, target.Token, HubSender)
	if err != nil {
		return out, err
	}
	for k, v := range headers {
		req.Header[k] = v
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return out, fmt.Errorf("%w: %v", model.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return out, fmt.Errorf("%w: mission %s on %s", model.ErrNotFound, remoteID, target.ID)
	}
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("%w: daemon returned %d", model.ErrUnreachable, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&out); err != nil {
		return out, fmt.Errorf("decode mission status: %w", err)
	}
	return out, nil
}

func (d *HTTPDispatcher) DeliverChat(ctx context.Context, target model.Machine, delivery ChatDelivery) error {
	code, _, err := d.post(ctx, target, "/session/deliver", delivery, nil)
	if err != nil {
		return err
	}
	switch {
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s on %s", model.ErrNoActiveSession, delivery.Project, target.ID)
	case code < 200 || code >= 300:
		return fmt.Errorf("%w: daemon returned %d", model.ErrUnreachable, code)
	}
	return nil
}
