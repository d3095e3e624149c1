package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/intercom/internal/config"
	"github.com/nextlevelbuilder/intercom/internal/model"
	"github.com/nextlevelbuilder/intercom/internal/router"
)

// maxFeedbackItems bounds a mission's in-memory feedback log. When full,
// the oldest text item is dropped first; tool_use and turn items survive.
const maxFeedbackItems = 500

// localMission is the launcher-side record of one child agent run.
type localMission struct {
	mu       sync.Mutex
	id       string
	status   model.MissionStatus
	output   string
	errMsg   string
	feedback []model.FeedbackItem
	total    int64 // cursors handed out so far
	turns    int
	ignored  int
	cancel   context.CancelFunc
}

func (m *localMission) append(item model.FeedbackItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	item.Cursor = m.total
	item.Timestamp = time.Now().UTC()
	if len(m.feedback) >= maxFeedbackItems {
		// Shed the oldest text entry to stay bounded. tool_use and turn
		// items are never evicted; if only those remain, an incoming text
		// is dropped instead and anything else grows the log.
		shed := -1
		for i, old := range m.feedback {
			if old.Kind == model.FeedbackText {
				shed = i
				break
			}
		}
		if shed >= 0 {
			m.feedback = append(m.feedback[:shed], m.feedback[shed+1:]...)
		} else if item.Kind == model.FeedbackText {
			return
		}
	}
	m.feedback = append(m.feedback, item)
}

func (m *localMission) snapshot(since int64) router.DaemonMissionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := router.DaemonMissionStatus{
		MissionID:     m.id,
		Status:        string(m.status),
		Output:        m.output,
		Error:         m.errMsg,
		FeedbackTotal: m.total,
		TurnCount:     m.turns,
		Feedback:      []model.FeedbackItem{},
	}
	for _, item := range m.feedback {
		if item.Cursor > since {
			out.Feedback = append(out.Feedback, item)
		}
	}
	return out
}

func (m *localMission) finish(status model.MissionStatus, output, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == model.MissionCompleted || m.status == model.MissionFailed {
		return
	}
	m.status = status
	m.output = output
	m.errMsg = errMsg
}

// Launcher supervises child agent processes, one per mission. The child
// is expected to emit newline-delimited JSON activity events on stdout.
type Launcher struct {
	cfg config.LauncherConfig

	mu       sync.Mutex
	missions map[string]*localMission
}

func NewLauncher(cfg config.LauncherConfig) *Launcher {
	return &Launcher{cfg: cfg, missions: make(map[string]*localMission)}
}

// allowedPath reports whether dir sits under one of the configured
// allowed paths. An empty allow-list permits everything.
func (l *Launcher) allowedPath(dir string) bool {
	if len(l.cfg.AllowedPaths) == 0 {
		return true
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	for _, root := range l.cfg.AllowedPaths {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if abs == rootAbs || strings.HasPrefix(abs+string(filepath.Separator), rootAbs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// buildPrompt frames the mission for the child agent.
func buildPrompt(missionID, missionText string, context []model.MissionMessage) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are in mission %s.\n", missionID)
	if len(context) > 0 {
		sb.WriteString("\nRecent conversation context:\n")
		tail := context
		if len(tail) > 20 {
			tail = tail[len(tail)-20:]
		}
		for _, msg := range tail {
			fmt.Fprintf(&sb, "  %s: %s\n", msg.From, msg.Message)
		}
	}
	fmt.Fprintf(&sb, "\nCurrent task:\n%s\n", missionText)
	return sb.String()
}

// Start validates the working directory and launches the child in the
// background. Returns model.ErrPathNotAllowed when the directory is
// outside the allow-list.
func (l *Launcher) Start(req router.MissionStartRequest, workdir string) (string, error) {
	if workdir == "" {
		workdir = req.Cwd
	}
	if !l.allowedPath(workdir) {
		return "", fmt.Errorf("%w: %s", model.ErrPathNotAllowed, workdir)
	}

	m := &localMission{id: req.MissionID, status: model.MissionRunning}
	l.mu.Lock()
	l.missions[req.MissionID] = m
	l.mu.Unlock()

	maxDuration := l.cfg.MaxDuration()
	if req.Timeout > 0 && time.Duration(req.Timeout)*time.Second < maxDuration {
		maxDuration = time.Duration(req.Timeout) * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), maxDuration)
	m.cancel = cancel
	go l.run(ctx, cancel, m, req, workdir, maxDuration)
	return req.MissionID, nil
}

func (l *Launcher) run(ctx context.Context, cancel context.CancelFunc, m *localMission, req router.MissionStartRequest, workdir string, maxDuration time.Duration) {
	defer cancel()

	command := req.AgentCommand
	if command == "" {
		command = l.cfg.DefaultCommand
	}
	prompt := buildPrompt(req.MissionID, req.Mission, nil)
	args := append(append([]string{}, l.cfg.DefaultArgs...), prompt)

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = workdir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.finish(model.MissionFailed, "", err.Error())
		return
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		m.finish(model.MissionFailed, "", fmt.Sprintf("command not found: %s", command))
		return
	}
	slog.Info("launcher.started",
		"mission", req.MissionID, "command", command, "cwd", workdir, "pid", cmd.Process.Pid)

	finalOutput := l.pump(stdout, m)
	err = cmd.Wait()

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		// Partial feedback stays available after the kill.
		m.finish(model.MissionFailed, finalOutput,
			fmt.Sprintf("%s: agent exceeded %s", model.ErrMissionTimeout, maxDuration))
		slog.Warn("launcher.timeout", "mission", req.MissionID, "cap", maxDuration)
	case err != nil:
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > 500 {
			detail = detail[:500]
		}
		m.finish(model.MissionFailed, finalOutput, fmt.Sprintf("agent exited: %v: %s", err, detail))
	default:
		m.finish(model.MissionCompleted, finalOutput, "")
		slog.Info("launcher.completed", "mission", req.MissionID, "turns", m.turns)
	}
}

// pump reads stdout line by line, converting recognised events into
// feedback items. Returns the final output once the stream ends.
func (l *Launcher) pump(stdout io.Reader, m *localMission) string {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	final := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if out, ok := l.processLine(line, m); ok {
			final = out
		}
	}
	return final
}

type streamEvent struct {
	Type   string          `json:"type"`
	Text   string          `json:"text"`
	Tool   string          `json:"tool"`
	Input  json.RawMessage `json:"input"`
	Result string          `json:"result"`
}

// processLine handles one NDJSON event. The recognised shapes are fixed:
// text, tool_use, turn and the final result; everything else is counted
// and dropped.
func (l *Launcher) processLine(line string, m *localMission) (string, bool) {
	var ev streamEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return "", false
	}
	switch ev.Type {
	case "text":
		m.append(model.FeedbackItem{Kind: model.FeedbackText, Summary: clipSummary(ev.Text)})
	case "tool_use":
		m.append(model.FeedbackItem{
			Kind:    model.FeedbackToolUse,
			Tool:    ev.Tool,
			Summary: summarize(ev.Tool, ev.Input),
		})
	case "turn":
		m.mu.Lock()
		m.turns++
		m.mu.Unlock()
		m.append(model.FeedbackItem{Kind: model.FeedbackTurn, Summary: "💬 turn"})
	case "result":
		return ev.Result, true
	default:
		m.mu.Lock()
		m.ignored++
		m.mu.Unlock()
	}
	return "", false
}

// Status returns a mission snapshot with feedback past the cursor.
func (l *Launcher) Status(missionID string, since int64) (router.DaemonMissionStatus, bool) {
	l.mu.Lock()
	m, ok := l.missions[missionID]
	l.mu.Unlock()
	if !ok {
		return router.DaemonMissionStatus{}, false
	}
	return m.snapshot(since), true
}

// Stop kills a running mission's child process.
func (l *Launcher) Stop(missionID string) bool {
	l.mu.Lock()
	m, ok := l.missions[missionID]
	l.mu.Unlock()
	if !ok {
		return false
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.finish(model.MissionFailed, "", "stopped by operator")
	return true
}

// Active returns the number of missions still running.
func (l *Launcher) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range l.missions {
		m.mu.Lock()
		if m.status == model.MissionRunning {
			n++
		}
		m.mu.Unlock()
	}
	return n
}
