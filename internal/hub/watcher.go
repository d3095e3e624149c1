package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/intercom/internal/model"
)

// watcher polls the daemons of running missions, mirrors their feedback
// into the mission store and the console, and closes missions when the
// remote agent finishes.
type watcher struct {
	s        *Server
	interval time.Duration

	mu      sync.Mutex
	cursors map[string]int64 // hub mission id -> last remote cursor seen
}

func newWatcher(s *Server) *watcher {
	return &watcher{s: s, interval: 5 * time.Second, cursors: make(map[string]int64)}
}

func (w *watcher) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *watcher) sweep(ctx context.Context) {
	for _, m := range w.s.missions.Running() {
		if m.RemoteID == "" {
			continue
		}
		w.poll(ctx, m)
	}
}

func (w *watcher) poll(ctx context.Context, m model.Mission) {
	to, err := model.ParseAgentID(m.ToAgent)
	if err != nil {
		return
	}
	target, err := w.s.reg.GetMachine(ctx, to.Machine)
	if err != nil || target.DaemonURL == "" {
		return
	}

	w.mu.Lock()
	since := w.cursors[m.ID]
	w.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	status, err := w.s.dispatch.FetchMission(callCtx, target, m.RemoteID, since)
	cancel()
	if err != nil {
		slog.Debug("hub.mission_poll_failed", "mission", m.ID, "error", err)
		return
	}

	if len(status.Feedback) > 0 {
		w.mu.Lock()
		w.cursors[m.ID] = status.FeedbackTotal
		w.mu.Unlock()

		items := make([]model.FeedbackItem, len(status.Feedback))
		copy(items, status.Feedback)
		w.s.missions.AppendFeedback(m.ID, items...)
		for _, item := range items {
			w.s.console.NotifyFeedback(ctx, m.ID, item)
		}
	}

	switch status.Status {
	case "completed":
		w.s.missions.Complete(m.ID, status.Output)
		w.s.engine.ClearMission(m.ID)
		w.s.console.PostToMission(ctx, m.ID, m.ToAgent, "✅ "+status.Output)
		w.forget(m.ID)
	case "failed":
		w.s.missions.Fail(m.ID, status.Error)
		w.s.engine.ClearMission(m.ID)
		w.s.console.PostToMission(ctx, m.ID, m.ToAgent, "❌ "+status.Error)
		w.forget(m.ID)
	}
}

func (w *watcher) forget(missionID string) {
	w.mu.Lock()
	delete(w.cursors, missionID)
	w.mu.Unlock()
}
