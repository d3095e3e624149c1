package console

import (
	"strings"
	"testing"

	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/intercom/internal/model"
)

func TestParseStartCommand(t *testing.T) {
	tests := []struct {
		in                        string
		machine, project, mission string
		wantErr                   bool
	}{
		{in: "mini/web", machine: "mini", project: "web"},
		{in: `mini/web "fix the build"`, machine: "mini", project: "web", mission: "fix the build"},
		{in: "mini/web fix the build", machine: "mini", project: "web", mission: "fix the build"},
		{in: "tower/data-pipeline", machine: "tower", project: "data-pipeline"},
		{in: "", wantErr: true},
		{in: "noslash", wantErr: true},
		{in: "a/b/c extra", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			machine, project, mission, err := parseStartCommand(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if machine != tt.machine || project != tt.project || mission != tt.mission {
				t.Errorf("got %q/%q %q", machine, project, mission)
			}
		})
	}
}

func TestTruncateCellsMeasuresDisplayWidth(t *testing.T) {
	short := "hello"
	if got := truncateCells(short, 120); got != short {
		t.Errorf("short string changed: %q", got)
	}

	long := strings.Repeat("x", 200)
	got := truncateCells(long, 120)
	if runewidth.StringWidth(got) > 120 {
		t.Errorf("width = %d, want <= 120", runewidth.StringWidth(got))
	}
	if !strings.HasSuffix(got, "…") {
		t.Error("truncated string should end with ellipsis")
	}

	// CJK runes are two cells wide; half as many fit.
	wide := strings.Repeat("漢", 100)
	got = truncateCells(wide, 120)
	if runewidth.StringWidth(got) > 120 {
		t.Errorf("cjk width = %d, want <= 120", runewidth.StringWidth(got))
	}

	multiline := "line one\nline two"
	if got := truncateCells(multiline, 120); strings.Contains(got, "\n") {
		t.Errorf("newlines should be flattened: %q", got)
	}
}

func TestFormatAgentLine(t *testing.T) {
	if got := formatAgentLine(model.HumanSender, "hi"); !strings.Contains(got, "Operator") {
		t.Errorf("human line = %q", got)
	}
	if got := formatAgentLine("mini/web", "hi"); !strings.Contains(got, "mini/web") {
		t.Errorf("agent line = %q", got)
	}
}

func TestFormatFeedbackLine(t *testing.T) {
	tool := model.FeedbackItem{Kind: model.FeedbackToolUse, Tool: "Bash", Summary: "ls -la"}
	if got := formatFeedbackLine(tool); !strings.Contains(got, "Bash") {
		t.Errorf("tool line = %q", got)
	}
	turn := model.FeedbackItem{Kind: model.FeedbackTurn, Summary: "done with step"}
	if got := formatFeedbackLine(turn); !strings.Contains(got, "done with step") {
		t.Errorf("turn line = %q", got)
	}
}
