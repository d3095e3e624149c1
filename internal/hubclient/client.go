// Package hubclient is the signed HTTP client for the hub API, shared by
// the daemon, the MCP tool-server and the CLI verbs.
package hubclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nextlevelbuilder/intercom/internal/auth"
	"github.com/nextlevelbuilder/intercom/internal/model"
	"github.com/nextlevelbuilder/intercom/internal/router"
)

// Client talks to one hub on behalf of one machine. Token may be empty
// until the join handshake completes; only the unauthenticated endpoints
// work in that state.
type Client struct {
	BaseURL   string
	MachineID string
	Token     string

	httpc *http.Client
}

func New(baseURL, machineID, token string) *Client {
	return &Client{
		BaseURL:   strings.TrimSuffix(baseURL, "/"),
		MachineID: machineID,
		Token:     token,
		httpc:     &http.Client{Timeout: 15 * time.Second},
	}
}

// do performs one request. Signed requests sign the path only, never the
// query string, matching what the hub verifies.
func (c *Client) do(ctx context.Context, method, path, query string, body, out any) (int, error) {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
	}

	target := c.BaseURL + path
	if query != "" {
		target += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	if c.Token != "" {
		headers, err := auth.Sign(method, path, raw, c.Token, c.MachineID)
		if err != nil {
			return 0, err
		}
		for k, v := range headers {
			req.Header[k] = v
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return resp.StatusCode, fmt.Errorf("hub: %s: %s", apiErr.Error, apiErr.Detail)
		}
		return resp.StatusCode, fmt.Errorf("hub returned %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// DiscoverInfo is the hub's identity response.
type DiscoverInfo struct {
	Hub       bool   `json:"hub"`
	Version   string `json:"version"`
	MachineID string `json:"machine_id"`
}

func (c *Client) Discover(ctx context.Context) (DiscoverInfo, error) {
	var out DiscoverInfo
	_, err := c.do(ctx, http.MethodGet, "/api/discover", "", nil, &out)
	return out, err
}

// JoinResult is the outcome of a join request or a status poll.
type JoinResult struct {
	Status string `json:"status"`
	Token  string `json:"token"`
}

// Join asks the hub to admit this machine. An already-approved machine
// gets its token back immediately.
func (c *Client) Join(ctx context.Context, displayName, overlayIP string) (JoinResult, error) {
	var out JoinResult
	req := map[string]string{
		"machine_id":   c.MachineID,
		"display_name": displayName,
		"overlay_ip":   overlayIP,
	}
	_, err := c.do(ctx, http.MethodPost, "/api/join", "", req, &out)
	return out, err
}

// JoinStatus polls the pending join verdict.
func (c *Client) JoinStatus(ctx context.Context) (JoinResult, error) {
	var out JoinResult
	_, err := c.do(ctx, http.MethodGet, "/api/join/status/"+url.PathEscape(c.MachineID), "", nil, &out)
	return out, err
}

// Heartbeat announces liveness, reachability and session presence.
func (c *Client) Heartbeat(ctx context.Context, overlayIP, daemonURL string, sessions []model.Session) error {
	req := map[string]any{
		"machine_id":      c.MachineID,
		"overlay_ip":      overlayIP,
		"daemon_url":      daemonURL,
		"active_sessions": sessions,
	}
	_, err := c.do(ctx, http.MethodPost, "/api/heartbeat", "", req, nil)
	return err
}

// RegisterProjects publishes this machine's project list.
func (c *Client) RegisterProjects(ctx context.Context, projects []model.Project) error {
	req := map[string]any{
		"machine_id": c.MachineID,
		"projects":   projects,
	}
	_, err := c.do(ctx, http.MethodPost, "/api/register", "", req, nil)
	return err
}

// RemoveProjects withdraws projects from this machine's registry entry.
// The home project cannot be removed.
func (c *Client) RemoveProjects(ctx context.Context, projectIDs []string) error {
	req := map[string]any{
		"machine_id": c.MachineID,
		"remove":     projectIDs,
	}
	_, err := c.do(ctx, http.MethodPost, "/api/register", "", req, nil)
	return err
}

// Agents lists the network. Filter is "", "all", "online" or "machine:<id>".
func (c *Client) Agents(ctx context.Context, filter string) ([]model.Agent, error) {
	var out struct {
		Agents []model.Agent `json:"agents"`
	}
	query := ""
	if filter != "" {
		query = "filter=" + url.QueryEscape(filter)
	}
	_, err := c.do(ctx, http.MethodGet, "/api/agents", query, nil, &out)
	return out.Agents, err
}

// Route submits a message envelope for routing and returns the hub's
// verdict. Soft outcomes arrive as a Result status, not an error.
func (c *Client) Route(ctx context.Context, msg model.Message) (router.Result, error) {
	var out router.Result
	_, err := c.do(ctx, http.MethodPost, "/api/route", "", msg, &out)
	return out, err
}

// MissionStatus is the hub-side mission view.
type MissionStatus struct {
	MissionID     string                 `json:"mission_id"`
	Status        string                 `json:"status"`
	Output        string                 `json:"output"`
	Error         string                 `json:"error"`
	ThreadID      string                 `json:"thread_id"`
	Messages      []model.MissionMessage `json:"messages"`
	Feedback      []model.FeedbackItem   `json:"feedback"`
	FeedbackTotal int64                  `json:"feedback_total"`
}

// Mission fetches a mission's status and any feedback past the cursor.
func (c *Client) Mission(ctx context.Context, missionID string, feedbackSince int64) (MissionStatus, error) {
	var out MissionStatus
	query := ""
	if feedbackSince > 0 {
		query = fmt.Sprintf("feedback_since=%d", feedbackSince)
	}
	_, err := c.do(ctx, http.MethodGet, "/api/missions/"+url.PathEscape(missionID), query, nil, &out)
	return out, err
}

// SendFeedback files product feedback with the hub operator.
func (c *Client) SendFeedback(ctx context.Context, kind, description, fromAgent string) error {
	req := map[string]string{
		"kind":        kind,
		"description": description,
		"from_agent":  fromAgent,
	}
	_, err := c.do(ctx, http.MethodPost, "/api/feedback", "", req, nil)
	return err
}
