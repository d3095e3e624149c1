package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/intercom/internal/auth"
	"github.com/nextlevelbuilder/intercom/internal/config"
	"github.com/nextlevelbuilder/intercom/internal/model"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Mode = "hub"
	cfg.Machine.ID = "hubhost"
	cfg.StateDir = t.TempDir()
	cfg.Policy.Path = filepath.Join(cfg.StateDir, "policies.yml")
	policyDoc := "defaults:\n  require_approval: never\n"
	if err := os.WriteFile(cfg.Policy.Path, []byte(policyDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return s, ts
}

// approveMachine registers and approves a machine directly in the store.
func approveMachine(t *testing.T, s *Server, id, daemonURL string) string {
	t.Helper()
	ctx := context.Background()
	if _, err := s.reg.RequestJoin(ctx, id, id, "100.64.0.1"); err != nil {
		t.Fatal(err)
	}
	token, err := s.reg.ApproveJoin(ctx, id, "tok-"+id)
	if err != nil {
		t.Fatal(err)
	}
	if daemonURL != "" {
		m, _ := s.reg.GetMachine(ctx, id)
		m.DaemonURL = daemonURL
		if err := s.reg.RegisterMachine(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	return token
}

func signedDo(t *testing.T, ts *httptest.Server, method, path, machine, token string, body any) *http.Response {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	headers, err := auth.Sign(method, path, raw, token, machine)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return out
}

func TestDiscover(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/discover")
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody(t, resp)
	if body["hub"] != true || body["machine_id"] != "hubhost" {
		t.Errorf("discover = %v", body)
	}
}

func TestJoinLifecycleOverHTTP(t *testing.T) {
	s, ts := newTestServer(t)

	join := map[string]string{"machine_id": "mini", "display_name": "Mac mini", "overlay_ip": "100.64.0.5"}
	raw, _ := json.Marshal(join)
	resp, err := http.Post(ts.URL+"/api/join", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if body := decodeBody(t, resp); body["status"] != "pending_approval" {
		t.Fatalf("join = %v", body)
	}

	// Status while pending carries no token.
	resp, _ = http.Get(ts.URL + "/api/join/status/mini")
	body := decodeBody(t, resp)
	if body["status"] != "pending" {
		t.Fatalf("status = %v", body)
	}
	if _, ok := body["token"]; ok {
		t.Error("pending status must not leak a token")
	}

	ops := &hubOps{s}
	if err := ops.ApproveMachine(context.Background(), "mini"); err != nil {
		t.Fatal(err)
	}

	resp, _ = http.Get(ts.URL + "/api/join/status/mini")
	body = decodeBody(t, resp)
	if body["status"] != "approved" || body["token"] == "" {
		t.Fatalf("status after approve = %v", body)
	}
	token := body["token"].(string)

	// A repeated join from an approved machine returns the same token.
	resp, _ = http.Post(ts.URL+"/api/join", "application/json", bytes.NewReader(raw))
	body = decodeBody(t, resp)
	if body["status"] != "approved" || body["token"] != token {
		t.Errorf("re-join = %v", body)
	}

	// Once revoked, joining again does not scrub the state back to
	// pending or hand out a token.
	if err := ops.RevokeMachine(context.Background(), "mini"); err != nil {
		t.Fatal(err)
	}
	resp, _ = http.Post(ts.URL+"/api/join", "application/json", bytes.NewReader(raw))
	body = decodeBody(t, resp)
	if body["status"] != "revoked" {
		t.Errorf("join after revoke = %v", body)
	}
	if _, ok := body["token"]; ok {
		t.Error("revoked join must not leak a token")
	}
	joins, err := s.reg.PendingJoins(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(joins) != 0 {
		t.Errorf("pending joins after revoked re-join = %+v", joins)
	}
}

func TestSignedEndpointsRejectUnsigned(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/api/heartbeat", "application/json", bytes.NewReader([]byte("{}")))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unsigned heartbeat = %d, want 401", resp.StatusCode)
	}
}

func TestHeartbeatFeedsAgentList(t *testing.T) {
	s, ts := newTestServer(t)
	token := approveMachine(t, s, "mini", "")

	resp := signedDo(t, ts, http.MethodPost, "/api/register", "mini", token, map[string]any{
		"projects": []map[string]any{{"project_id": "web", "description": "frontend"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = signedDo(t, ts, http.MethodPost, "/api/heartbeat", "mini", token, map[string]any{
		"overlay_ip": "100.64.0.5",
		"daemon_url": "http://100.64.0.5:7700",
		"active_sessions": []map[string]any{
			{"session_id": "s-20260824-abc123", "project": "web", "status": "active"},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = signedDo(t, ts, http.MethodGet, "/api/agents", "mini", token, nil)
	body := decodeBody(t, resp)
	agents := body["agents"].([]any)
	var web map[string]any
	for _, a := range agents {
		entry := a.(map[string]any)
		if entry["project_id"] == "web" {
			web = entry
		}
	}
	if web == nil {
		t.Fatalf("web agent missing: %v", agents)
	}
	if web["status"] != "online" {
		t.Errorf("status = %v", web["status"])
	}
	if web["session"] == nil {
		t.Error("session presence missing from agent entry")
	}

	// A heartbeat signed by one machine cannot speak for another.
	resp = signedDo(t, ts, http.MethodPost, "/api/heartbeat", "mini", token, map[string]any{
		"machine_id": "other",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("spoofed heartbeat = %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()
}

// fakeDaemon captures deliveries and mission starts from the hub.
type fakeDaemon struct {
	mu         sync.Mutex
	deliveries []map[string]any
	starts     []map[string]any
	noSession  bool
}

func (f *fakeDaemon) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session/deliver", func(w http.ResponseWriter, r *http.Request) {
		if f.noSession {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.deliveries = append(f.deliveries, body)
		f.mu.Unlock()
		fmt.Fprint(w, `{"ok":true}`)
	})
	mux.HandleFunc("POST /mission/start", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.starts = append(f.starts, body)
		f.mu.Unlock()
		fmt.Fprint(w, `{"mission_id":"remote-1","status":"launched"}`)
	})
	return mux
}

func TestRouteChatDelivered(t *testing.T) {
	s, ts := newTestServer(t)
	daemon := &fakeDaemon{}
	daemonSrv := httptest.NewServer(daemon.handler())
	defer daemonSrv.Close()

	tokenA := approveMachine(t, s, "a", "")
	approveMachine(t, s, "b", daemonSrv.URL)

	resp := signedDo(t, ts, http.MethodPost, "/api/route", "a", tokenA, map[string]any{
		"version": "1", "id": "m1",
		"from_agent": "a/p", "to_agent": "b/p", "type": "chat",
		"payload": map[string]any{"message": "hi", "thread_id": "t-111111"},
	})
	body := decodeBody(t, resp)
	if body["status"] != "delivered" || body["thread_id"] != "t-111111" {
		t.Fatalf("route = %v", body)
	}
	if len(daemon.deliveries) != 1 {
		t.Fatalf("deliveries = %d", len(daemon.deliveries))
	}
	d := daemon.deliveries[0]
	if d["from_agent"] != "a/p" || d["message"] != "hi" || d["project"] != "p" {
		t.Errorf("delivery = %v", d)
	}
}

func TestRouteChatNoActiveSession(t *testing.T) {
	s, ts := newTestServer(t)
	daemon := &fakeDaemon{noSession: true}
	daemonSrv := httptest.NewServer(daemon.handler())
	defer daemonSrv.Close()

	tokenA := approveMachine(t, s, "a", "")
	approveMachine(t, s, "b", daemonSrv.URL)

	resp := signedDo(t, ts, http.MethodPost, "/api/route", "a", tokenA, map[string]any{
		"from_agent": "a/p", "to_agent": "b/p", "type": "chat",
		"payload": map[string]any{"message": "hi"},
	})
	body := decodeBody(t, resp)
	if body["status"] != "no_active_session" {
		t.Fatalf("route = %v", body)
	}
	// No mission start happened as a fallback.
	if len(daemon.starts) != 0 {
		t.Error("missed chat must not launch an agent")
	}
}

func TestRouteAskLaunchesMission(t *testing.T) {
	s, ts := newTestServer(t)
	daemon := &fakeDaemon{}
	daemonSrv := httptest.NewServer(daemon.handler())
	defer daemonSrv.Close()

	tokenA := approveMachine(t, s, "a", "")
	approveMachine(t, s, "b", daemonSrv.URL)

	resp := signedDo(t, ts, http.MethodPost, "/api/route", "a", tokenA, map[string]any{
		"from_agent": "a/home", "to_agent": "b/p", "type": "ask",
		"payload": map[string]any{"message": "list disks"},
	})
	body := decodeBody(t, resp)
	if body["status"] != "queued" {
		t.Fatalf("route = %v", body)
	}
	missionID := body["mission_id"].(string)
	if len(daemon.starts) != 1 {
		t.Fatalf("starts = %d", len(daemon.starts))
	}
	if daemon.starts[0]["mission"] != "list disks" || daemon.starts[0]["project"] != "p" {
		t.Errorf("start = %v", daemon.starts[0])
	}

	resp = signedDo(t, ts, http.MethodGet, "/api/missions/"+missionID, "a", tokenA, nil)
	mbody := decodeBody(t, resp)
	if mbody["status"] != string(model.MissionRunning) {
		t.Errorf("mission = %v", mbody)
	}
}

func TestRouteRefusesSpoofedSender(t *testing.T) {
	s, ts := newTestServer(t)
	tokenA := approveMachine(t, s, "a", "")

	resp := signedDo(t, ts, http.MethodPost, "/api/route", "a", tokenA, map[string]any{
		"from_agent": "c/p", "to_agent": "b/p", "type": "chat",
		"payload": map[string]any{"message": "hi"},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("spoofed route = %d, want 403", resp.StatusCode)
	}
}

func TestFeedbackEndpoint(t *testing.T) {
	s, ts := newTestServer(t)
	token := approveMachine(t, s, "a", "")

	resp := signedDo(t, ts, http.MethodPost, "/api/feedback", "a", token, map[string]any{
		"kind": "bug", "description": "inbox drain races", "from_agent": "a/p",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("feedback = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = signedDo(t, ts, http.MethodPost, "/api/feedback", "a", token, map[string]any{
		"kind": "rant", "description": "x",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad kind = %d, want 400", resp.StatusCode)
	}

	list, err := s.reg.ListFeedback(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Kind != "bug" {
		t.Errorf("stored feedback = %+v", list)
	}
}
