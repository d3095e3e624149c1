package console

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/intercom/internal/model"
)

// maxLineCells caps operator-facing summary lines at a terminal-friendly
// display width.
const maxLineCells = 120

// truncateCells trims s to at most cells display columns, appending an
// ellipsis when anything was cut. Width is measured in terminal cells so
// CJK text does not overflow.
func truncateCells(s string, cells int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if runewidth.StringWidth(s) <= cells {
		return s
	}
	return runewidth.Truncate(s, cells, "…")
}

// formatAgentLine renders one mission-topic line. The operator gets a
// person glyph, agents get a robot glyph.
func formatAgentLine(fromAgent, text string) string {
	if fromAgent == model.HumanSender {
		return fmt.Sprintf("🧑 Operator: %s", text)
	}
	return fmt.Sprintf("🤖 %s: %s", fromAgent, text)
}

// formatFeedbackLine renders a progress item for the mission topic.
func formatFeedbackLine(item model.FeedbackItem) string {
	switch item.Kind {
	case model.FeedbackToolUse:
		return truncateCells(fmt.Sprintf("🔧 %s: %s", item.Tool, item.Summary), maxLineCells)
	case model.FeedbackTurn:
		return truncateCells("💬 "+item.Summary, maxLineCells)
	default:
		return truncateCells(item.Summary, maxLineCells)
	}
}

var startCommandRe = regexp.MustCompile(`^(\w[\w-]*)/(\w[\w-]*)(?:\s+"([^"]*)"|\s+(.+))?$`)

// parseStartCommand splits a /start_agent argument into machine, project
// and mission text. Accepted forms:
//
//	machine/project
//	machine/project "mission text"
//	machine/project mission text
func parseStartCommand(text string) (machine, project, missionText string, err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", "", "", fmt.Errorf("usage: /start_agent machine/project [\"mission\"]")
	}
	m := startCommandRe.FindStringSubmatch(text)
	if m == nil {
		return "", "", "", fmt.Errorf("invalid target %q, expected machine/project [\"mission\"]", text)
	}
	missionText = m[3]
	if missionText == "" {
		missionText = m[4]
	}
	return m[1], m[2], missionText, nil
}
