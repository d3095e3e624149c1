package toolserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/intercom/internal/hubclient"
	"github.com/nextlevelbuilder/intercom/internal/inbox"
	"github.com/nextlevelbuilder/intercom/internal/model"
)

// fakeHub records routed envelopes and serves canned responses.
type fakeHub struct {
	routed []model.Message
}

func (f *fakeHub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/route", func(w http.ResponseWriter, r *http.Request) {
		var msg model.Message
		json.NewDecoder(r.Body).Decode(&msg)
		f.routed = append(f.routed, msg)
		json.NewEncoder(w).Encode(map[string]string{
			"status":     "queued",
			"mission_id": "m-1",
		})
	})
	mux.HandleFunc("GET /api/agents", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"agents": []model.Agent{
			{MachineID: "ws", ProjectID: "web", Status: "online"},
		}})
	})
	mux.HandleFunc("GET /api/missions/{id}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"mission_id": r.PathValue("id"),
			"status":     "completed",
			"output":     "done",
			"messages": []model.MissionMessage{
				{From: "a/b", Message: "one"},
				{From: "c/d", Message: "two"},
				{From: "a/b", Message: "three"},
			},
		})
	})
	return mux
}

func newTestTools(t *testing.T) (*Tools, *fakeHub) {
	t.Helper()
	f := &fakeHub{}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	hub := hubclient.New(srv.URL, "ws", "tok")
	return NewTools(hub, "ws", "web", "", "tok"), f
}

func TestSendBuildsEnvelope(t *testing.T) {
	tools, f := newTestTools(t)
	out, err := tools.Send(context.Background(), "laptop/api", "heads up", "high")
	if err != nil {
		t.Fatal(err)
	}
	if out["status"] != "queued" || out["mission_id"] != "m-1" {
		t.Fatalf("out = %v", out)
	}

	msg := f.routed[0]
	if msg.Type != model.TypeSend || msg.FromAgent != "ws/web" || msg.ToAgent != "laptop/api" {
		t.Fatalf("envelope = %+v", msg)
	}
	if msg.Payload.Message != "heads up" || msg.Payload.Priority != "high" {
		t.Fatalf("payload = %+v", msg.Payload)
	}
}

func TestAskCarriesTimeout(t *testing.T) {
	tools, f := newTestTools(t)
	if _, err := tools.Ask(context.Background(), "laptop/api", "which port?", 120); err != nil {
		t.Fatal(err)
	}
	if f.routed[0].Type != model.TypeAsk || f.routed[0].Payload.Timeout != 120 {
		t.Fatalf("envelope = %+v", f.routed[0])
	}
}

func TestChatBecomesReplyWithThread(t *testing.T) {
	tools, f := newTestTools(t)
	if _, err := tools.Chat(context.Background(), "", "still here", "t-abc"); err != nil {
		t.Fatal(err)
	}
	msg := f.routed[0]
	if msg.Type != model.TypeReply || msg.ToAgent != "" || msg.Payload.ThreadID != "t-abc" {
		t.Fatalf("envelope = %+v", msg)
	}

	if _, err := tools.Chat(context.Background(), "laptop/api", "hello", ""); err != nil {
		t.Fatal(err)
	}
	if f.routed[1].Type != model.TypeChat {
		t.Fatalf("second envelope = %+v", f.routed[1])
	}
}

func TestStartAgentTargetsMachineProject(t *testing.T) {
	tools, f := newTestTools(t)
	if _, err := tools.StartAgent(context.Background(), "laptop", "api", "fix the build", "codex"); err != nil {
		t.Fatal(err)
	}
	msg := f.routed[0]
	if msg.Type != model.TypeStartAgent || msg.ToAgent != "laptop/api" {
		t.Fatalf("envelope = %+v", msg)
	}
	if msg.Payload.Mission != "fix the build" || msg.Payload.AgentCommand != "codex" {
		t.Fatalf("payload = %+v", msg.Payload)
	}
}

func TestHistoryAppliesLimit(t *testing.T) {
	tools, _ := newTestTools(t)
	out, err := tools.History(context.Background(), "m-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	messages := out["messages"].([]model.MissionMessage)
	if len(messages) != 2 || messages[0].Message != "two" {
		t.Fatalf("messages = %+v", messages)
	}
}

func TestListAgents(t *testing.T) {
	tools, _ := newTestTools(t)
	out, err := tools.ListAgents(context.Background(), "online")
	if err != nil {
		t.Fatal(err)
	}
	agents := out["agents"].([]model.Agent)
	if len(agents) != 1 || agents[0].MachineID != "ws" {
		t.Fatalf("agents = %+v", agents)
	}
}

func TestCheckInboxDrainsOwnFile(t *testing.T) {
	tools, _ := newTestTools(t)
	tools.inboxPath = filepath.Join(t.TempDir(), "s-1.jsonl")
	if err := tools.inbox.Append(tools.inboxPath, inbox.NewEntry("t-1", "ws/api", "ping")); err != nil {
		t.Fatal(err)
	}

	out, err := tools.CheckInbox(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out["count"] != 1 {
		t.Fatalf("count = %v", out["count"])
	}

	// A second drain finds nothing new.
	out, err = tools.CheckInbox(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out["count"] != 0 {
		t.Fatalf("second count = %v", out["count"])
	}
}

func TestRegisterUnknownAction(t *testing.T) {
	tools, _ := newTestTools(t)
	if _, err := tools.Register(context.Background(), "explode", model.Project{}); err == nil {
		t.Fatal("want error for unknown action")
	}
}
