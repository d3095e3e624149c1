package mission

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/intercom/internal/model"
)

func newMission(t *testing.T, s *Store) string {
	t.Helper()
	msg := model.NewMessage("mini/web", "tower/api", model.TypeAsk, model.Payload{Message: "q"})
	return s.Create(msg).ID
}

func TestLifecycle(t *testing.T) {
	s := NewStore()
	id := newMission(t, s)

	m, err := s.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != model.MissionPendingApproval {
		t.Fatalf("status = %s", m.Status)
	}

	s.SetStatus(id, model.MissionRunning)
	s.Complete(id, "done")
	m, _ = s.Get(id)
	if m.Status != model.MissionCompleted || m.Output != "done" || m.FinishedAt == nil {
		t.Errorf("after complete: %+v", m)
	}

	// Terminal missions stay terminal.
	s.Fail(id, "late failure")
	m, _ = s.Get(id)
	if m.Status != model.MissionCompleted {
		t.Errorf("terminal status changed to %s", m.Status)
	}

	if _, err := s.Get("nope"); err == nil {
		t.Error("unknown mission should error")
	}
}

func TestFeedbackCursors(t *testing.T) {
	s := NewStore()
	id := newMission(t, s)

	s.AppendFeedback(id,
		model.FeedbackItem{Kind: model.FeedbackText, Summary: "one"},
		model.FeedbackItem{Kind: model.FeedbackToolUse, Tool: "Bash", Summary: "ls"},
	)
	s.AppendFeedback(id, model.FeedbackItem{Kind: model.FeedbackTurn, Summary: "turn"})

	all, err := s.FeedbackSince(id, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d", len(all))
	}
	for i, item := range all {
		if item.Cursor != int64(i+1) {
			t.Errorf("cursor[%d] = %d, want %d", i, item.Cursor, i+1)
		}
		if item.Timestamp.IsZero() {
			t.Errorf("cursor %d has no timestamp", item.Cursor)
		}
	}

	tail, _ := s.FeedbackSince(id, 2)
	if len(tail) != 1 || tail[0].Summary != "turn" {
		t.Errorf("since 2: %+v", tail)
	}
	if rest, _ := s.FeedbackSince(id, 3); len(rest) != 0 {
		t.Errorf("since 3 should be empty: %+v", rest)
	}
}

func TestWaiterResolveOnce(t *testing.T) {
	s := NewStore()
	id := newMission(t, s)

	ch := s.Waiter(id)
	if !s.Resolve(id, Resolution{Approved: true, Scope: "mission"}) {
		t.Fatal("first resolve should find the waiter")
	}
	select {
	case res := <-ch:
		if !res.Approved || res.Scope != "mission" {
			t.Errorf("resolution = %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never fired")
	}

	// A second decision for the same mission lands nowhere.
	if s.Resolve(id, Resolution{Approved: false}) {
		t.Error("second resolve should report no waiter")
	}

	s.Waiter(id)
	s.AbandonWaiter(id)
	if s.Resolve(id, Resolution{Approved: true}) {
		t.Error("abandoned waiter should be gone")
	}
}

func TestThreads(t *testing.T) {
	s := NewStore()

	id := s.ThreadBetween("mini/web", "tower/api")
	if again := s.ThreadBetween("tower/api", "mini/web"); again != id {
		t.Errorf("thread not reused: %s vs %s", id, again)
	}
	if other := s.ThreadBetween("mini/web", "tower/db"); other == id {
		t.Error("distinct pair must get a distinct thread")
	}

	peer, ok := s.ThreadPeer(id, "mini/web")
	if !ok || peer != "tower/api" {
		t.Errorf("peer = %q ok=%v", peer, ok)
	}
	if _, ok := s.ThreadPeer(id, "stranger/x"); ok {
		t.Error("non-participant has no peer")
	}
	if _, ok := s.ThreadPeer("t-ffffff", "mini/web"); ok {
		t.Error("unknown thread has no peer")
	}

	mid := newMission(t, s)
	s.AttachThread(mid, id)
	m, _ := s.Get(mid)
	if m.ThreadID != id {
		t.Errorf("thread not attached: %+v", m)
	}
	if got, ok := s.MissionForThread(id); !ok || got != mid {
		t.Errorf("MissionForThread = %q ok=%v", got, ok)
	}
}

func TestMessageLogOrder(t *testing.T) {
	s := NewStore()
	id := newMission(t, s)

	for _, text := range []string{"first", "second", "third"} {
		if err := s.AppendMessage(id, "human", text); err != nil {
			t.Fatal(err)
		}
	}
	m, _ := s.Get(id)
	if len(m.Messages) != 3 || m.Messages[0].Message != "first" || m.Messages[2].Message != "third" {
		t.Errorf("messages = %+v", m.Messages)
	}
}
