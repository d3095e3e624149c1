// Package daemon runs on every machine: it serves the node's signed HTTP
// API, keeps the active-session table, supervises child agents and
// heartbeats presence to the hub.
package daemon

import (
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/intercom/internal/model"
)

// pidAlive sends the null signal. EPERM still proves the pid exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

// Sessions is the in-process table of live agent sessions on this
// machine. Entries for dead pids are evicted on access.
type Sessions struct {
	mu    sync.Mutex
	byID  map[string]model.Session
	alive func(pid int) bool
}

func NewSessions() *Sessions {
	return &Sessions{byID: make(map[string]model.Session), alive: pidAlive}
}

// Register adds or refreshes a session. RegisteredAt is stamped here so
// most-recent-wins resolution has a consistent clock.
func (s *Sessions) Register(sess model.Session) model.Session {
	if sess.Status == "" {
		sess.Status = model.SessionActive
	}
	sess.RegisteredAt = time.Now().UTC()
	s.mu.Lock()
	s.byID[sess.SessionID] = sess
	s.mu.Unlock()
	return sess
}

// Unregister removes a session. Unknown ids are a no-op.
func (s *Sessions) Unregister(sessionID string) {
	s.mu.Lock()
	delete(s.byID, sessionID)
	s.mu.Unlock()
}

// Get returns a live session by id, evicting it if its pid is gone.
func (s *Sessions) Get(sessionID string) (model.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[sessionID]
	if !ok {
		return model.Session{}, false
	}
	if sess.PID != 0 && !s.alive(sess.PID) {
		delete(s.byID, sessionID)
		return model.Session{}, false
	}
	return sess, true
}

// Resolve finds the authoritative session for a project: the most
// recently registered one whose process is still alive.
func (s *Sessions) Resolve(project string) (model.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best model.Session
	found := false
	for id, sess := range s.byID {
		if sess.Project != project {
			continue
		}
		if sess.PID != 0 && !s.alive(sess.PID) {
			delete(s.byID, id)
			continue
		}
		if !found || sess.RegisteredAt.After(best.RegisteredAt) {
			best = sess
			found = true
		}
	}
	return best, found
}

// List returns all live sessions, stable by registration time.
func (s *Sessions) List() []model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Session, 0, len(s.byID))
	for id, sess := range s.byID {
		if sess.PID != 0 && !s.alive(sess.PID) {
			delete(s.byID, id)
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

// SetStatus updates a session's activity state and summary.
func (s *Sessions) SetStatus(sessionID string, status model.SessionStatus, summary string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[sessionID]
	if !ok {
		return false
	}
	if status != "" {
		sess.Status = status
	}
	if summary != "" {
		sess.Summary = summary
	}
	s.byID[sessionID] = sess
	return true
}
