package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/intercom/internal/model"
)

func chatMsg(from, to, text string) model.Message {
	m := model.NewMessage(from, to, model.TypeChat, model.Payload{Message: text})
	m.MissionID = "m-test"
	return m
}

func loadEngine(t *testing.T, doc string) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policies.yml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	e, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return e
}

func TestDecideRuleOrder(t *testing.T) {
	e := loadEngine(t, `
defaults:
  require_approval: once
rules:
  - from: "mini/*"
    to: "tower/*"
    type: chat
    approval: never
    label: trusted pair
  - from: "mini/*"
    to: "*"
    approval: always_allow
    label: mini outbound
  - from: "*"
    to: "*"
    message_pattern: "rm -rf"
    approval: once
    label: destructive
`)

	tests := []struct {
		name    string
		msg     model.Message
		outcome Outcome
		notify  bool
	}{
		{"first rule wins", chatMsg("mini/web", "tower/api", "hi"), AutoAllow, false},
		{"second rule notifies", chatMsg("mini/web", "other/p", "hi"), AutoAllow, true},
		{"no rule falls to default", chatMsg("x/y", "z/w", "hello"), AskOperator, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Decide(tt.msg)
			if d.Outcome != tt.outcome {
				t.Errorf("outcome = %v, want %v", d.Outcome, tt.outcome)
			}
			if d.Notify != tt.notify {
				t.Errorf("notify = %v, want %v", d.Notify, tt.notify)
			}
		})
	}
}

func TestDecideTypeAndPattern(t *testing.T) {
	e := loadEngine(t, `
rules:
  - from: "*"
    to: "*"
    type: ask
    approval: never
  - from: "*"
    to: "*"
    message_pattern: "DEPLOY"
    approval: always_allow
`)
	ask := model.NewMessage("a/p", "b/q", model.TypeAsk, model.Payload{Message: "x"})
	if d := e.Decide(ask); d.Outcome != AutoAllow || d.Notify {
		t.Errorf("type-scoped rule missed: %+v", d)
	}
	// Pattern matching is case-insensitive.
	chat := chatMsg("a/p", "b/q", "please deploy now")
	if d := e.Decide(chat); d.Outcome != AutoAllow || !d.Notify {
		t.Errorf("pattern rule missed: %+v", d)
	}
	other := chatMsg("a/p", "b/q", "unrelated")
	if d := e.Decide(other); d.Outcome != AskOperator {
		t.Errorf("unmatched message should ask: %+v", d)
	}
}

func TestMissionGrantSuppressesPrompt(t *testing.T) {
	e := NewEngine(Once)
	msg := chatMsg("a/p", "b/q", "step 1")

	if d := e.Decide(msg); d.Outcome != AskOperator {
		t.Fatalf("first decide = %+v, want AskOperator", d)
	}
	e.Record(msg, ScopeMission, true)

	next := chatMsg("a/p", "b/q", "step 2")
	next.MissionID = msg.MissionID
	if d := e.Decide(next); d.Outcome != AutoAllow {
		t.Errorf("granted mission should auto-allow: %+v", d)
	}

	// A different mission still prompts.
	other := chatMsg("a/p", "b/q", "step 1")
	other.MissionID = "m-other"
	if d := e.Decide(other); d.Outcome != AskOperator {
		t.Errorf("other mission should still ask: %+v", d)
	}

	e.ClearMission(msg.MissionID)
	if d := e.Decide(next); d.Outcome != AskOperator {
		t.Errorf("cleared mission should ask again: %+v", d)
	}
}

func TestSessionGrantAndDenial(t *testing.T) {
	e := NewEngine(Once)
	msg := chatMsg("a/p", "b/q", "hello")

	e.Record(msg, ScopeSession, true)
	if d := e.Decide(chatMsg("a/p", "b/q", "again")); d.Outcome != AutoAllow {
		t.Error("session grant should cover the pair")
	}
	if d := e.Decide(chatMsg("a/p", "c/r", "again")); d.Outcome != AskOperator {
		t.Error("session grant must not leak to other recipients")
	}

	denied := chatMsg("x/p", "y/q", "no")
	e.Record(denied, ScopeSession, false)
	if d := e.Decide(chatMsg("x/p", "y/q", "retry")); d.Outcome != AutoDeny {
		t.Error("negative session grant should short-circuit to deny")
	}
}

func TestRecordOnceLeavesNoGrant(t *testing.T) {
	e := NewEngine(Once)
	msg := chatMsg("a/p", "b/q", "hello")
	e.Record(msg, ScopeOnce, true)
	if d := e.Decide(msg); d.Outcome != AskOperator {
		t.Errorf("once must not persist: %+v", d)
	}
}

func TestLoadRejectsBadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.yml")
	os.WriteFile(path, []byte(`
rules:
  - from: "*"
    to: "*"
    approval: sometimes
`), 0o644)
	if _, err := Load(path); err == nil {
		t.Error("unknown approval level should fail to load")
	}

	os.WriteFile(path, []byte(`
rules:
  - from: "*"
    to: "*"
    message_pattern: "(["
    approval: once
`), 0o644)
	if _, err := Load(path); err == nil {
		t.Error("invalid regex should fail to load")
	}
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	e, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d := e.Decide(chatMsg("a/p", "b/q", "x")); d.Outcome != AskOperator {
		t.Errorf("default policy should be once: %+v", d)
	}
}
