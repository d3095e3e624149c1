package daemon

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/mattn/go-runewidth"
)

// maxSummaryCells caps a feedback summary at a terminal-friendly width,
// measured in display cells.
const maxSummaryCells = 120

// toolLabels maps a tool name to its feedback glyph and verb.
var toolLabels = map[string]struct{ emoji, label string }{
	"Read":      {"📖", "Reading"},
	"Edit":      {"✏️", "Editing"},
	"Write":     {"📝", "Writing"},
	"Bash":      {"💻", "Running"},
	"Glob":      {"🔍", "Finding files"},
	"Grep":      {"🔍", "Searching code"},
	"Agent":     {"🤖", "Sub-agent"},
	"WebSearch": {"🌐", "Web search"},
	"WebFetch":  {"🌐", "Fetching"},
	"Skill":     {"⚙️", "Skill"},
}

// summarize renders a one-line description of a tool call: file path for
// file tools, first line of the command for shells, the pattern for
// search tools. Unknown tools fall back to a generic wrench.
func summarize(tool string, input json.RawMessage) string {
	var fields map[string]any
	if len(input) > 0 {
		json.Unmarshal(input, &fields)
	}
	str := func(key string) string {
		v, _ := fields[key].(string)
		return v
	}

	detail := ""
	switch tool {
	case "Read", "Edit", "Write":
		if path := str("file_path"); path != "" {
			dir, file := filepath.Split(filepath.Clean(path))
			detail = filepath.Join(filepath.Base(filepath.Clean(dir)), file)
		}
	case "Bash":
		cmd := str("command")
		if i := strings.IndexByte(cmd, '\n'); i >= 0 {
			cmd = cmd[:i]
		}
		detail = cmd
	case "Grep", "Glob":
		detail = str("pattern")
	case "Agent":
		detail = str("description")
		if detail == "" {
			detail = str("prompt")
		}
	case "Skill":
		detail = str("skill")
	case "WebSearch", "WebFetch":
		detail = str("query")
		if detail == "" {
			detail = str("url")
		}
	}

	lbl, ok := toolLabels[tool]
	if !ok {
		lbl.emoji, lbl.label = "🔧", tool
	}
	summary := lbl.emoji + " " + lbl.label
	if detail != "" {
		summary += " " + detail
	}
	return clipSummary(summary)
}

func clipSummary(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if runewidth.StringWidth(s) <= maxSummaryCells {
		return s
	}
	return runewidth.Truncate(s, maxSummaryCells, "…")
}
