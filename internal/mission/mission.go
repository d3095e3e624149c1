// Package mission tracks in-flight missions, their feedback streams and
// chat threads. State is in memory only; a hub restart forgets it.
package mission

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/intercom/internal/model"
)

// Resolution is an operator's answer to an approval request.
type Resolution struct {
	Approved bool
	// Scope is the grant breadth chosen by the operator: "once",
	// "mission", "session" or "always_allow".
	Scope string
}

type thread struct {
	a, b string // participant agent ids, order as first seen
}

// Store holds missions, one-shot approval waiters and thread membership.
// The zero value is not usable; call NewStore.
type Store struct {
	mu              sync.Mutex
	missions        map[string]*model.Mission
	waiters         map[string]chan Resolution
	threads         map[string]thread
	missionByThread map[string]string
}

func NewStore() *Store {
	return &Store{
		missions:        make(map[string]*model.Mission),
		waiters:         make(map[string]chan Resolution),
		threads:         make(map[string]thread),
		missionByThread: make(map[string]string),
	}
}

// Create registers a new mission for a routed message and returns it.
func (s *Store) Create(msg model.Message) *model.Mission {
	m := &model.Mission{
		ID:        uuid.NewString(),
		FromAgent: msg.FromAgent,
		ToAgent:   msg.ToAgent,
		Type:      msg.Type,
		Status:    model.MissionPendingApproval,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.missions[m.ID] = m
	s.mu.Unlock()
	return m
}

// Get returns a copy of the mission or model.ErrNotFound.
func (s *Store) Get(id string) (model.Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[id]
	if !ok {
		return model.Mission{}, fmt.Errorf("%w: mission %s", model.ErrNotFound, id)
	}
	cp := *m
	cp.Messages = append([]model.MissionMessage(nil), m.Messages...)
	cp.Feedback = append([]model.FeedbackItem(nil), m.Feedback...)
	return cp, nil
}

// SetStatus moves a mission to the given status. Terminal missions keep
// their state; a late transition is ignored.
func (s *Store) SetStatus(id string, status model.MissionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[id]
	if !ok || m.Status.Terminal() {
		return
	}
	m.Status = status
}

// Running returns copies of missions currently in the running state.
func (s *Store) Running() []model.Mission {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Mission
	for _, m := range s.missions {
		if m.Status == model.MissionRunning {
			out = append(out, *m)
		}
	}
	return out
}

// SetRemoteID records the daemon-side mission id once dispatch succeeds.
func (s *Store) SetRemoteID(id, remote string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.missions[id]; ok {
		m.RemoteID = remote
	}
}

// Complete marks the mission finished with its final output.
func (s *Store) Complete(id, output string) {
	s.finish(id, model.MissionCompleted, output, "")
}

// Fail marks the mission failed with an error description.
func (s *Store) Fail(id, reason string) {
	s.finish(id, model.MissionFailed, "", reason)
}

// Deny marks the mission denied, recording why.
func (s *Store) Deny(id, reason string) {
	s.finish(id, model.MissionDenied, "", reason)
}

func (s *Store) finish(id string, status model.MissionStatus, output, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[id]
	if !ok || m.Status.Terminal() {
		return
	}
	now := time.Now().UTC()
	m.Status = status
	m.Output = output
	m.Error = reason
	m.FinishedAt = &now
}

// MarkDelivered completes a mission that has no runtime of its own. Chat
// missions end when their message lands; a mission with a running child
// agent is left to its watcher.
func (s *Store) MarkDelivered(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[id]
	if !ok {
		return
	}
	if m.Status != model.MissionPendingApproval && m.Status != model.MissionApproved {
		return
	}
	now := time.Now().UTC()
	m.Status = model.MissionCompleted
	m.FinishedAt = &now
}

// AppendMessage appends to the mission's conversation log in arrival
// order.
func (s *Store) AppendMessage(id, from, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[id]
	if !ok {
		return fmt.Errorf("%w: mission %s", model.ErrNotFound, id)
	}
	m.Messages = append(m.Messages, model.MissionMessage{
		From:      from,
		Message:   text,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// AppendFeedback assigns each item the next cursor and appends it.
// Cursors start at 1 and increase without gaps per mission.
func (s *Store) AppendFeedback(id string, items ...model.FeedbackItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[id]
	if !ok {
		return fmt.Errorf("%w: mission %s", model.ErrNotFound, id)
	}
	next := int64(1)
	if n := len(m.Feedback); n > 0 {
		next = m.Feedback[n-1].Cursor + 1
	}
	for _, item := range items {
		item.Cursor = next
		next++
		if item.Timestamp.IsZero() {
			item.Timestamp = time.Now().UTC()
		}
		m.Feedback = append(m.Feedback, item)
	}
	return nil
}

// FeedbackSince returns items with cursor strictly greater than after.
func (s *Store) FeedbackSince(id string, after int64) ([]model.FeedbackItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[id]
	if !ok {
		return nil, fmt.Errorf("%w: mission %s", model.ErrNotFound, id)
	}
	idx := sort.Search(len(m.Feedback), func(i int) bool {
		return m.Feedback[i].Cursor > after
	})
	return append([]model.FeedbackItem(nil), m.Feedback[idx:]...), nil
}

// Waiter returns the channel a router blocks on for the operator's
// decision. At most one waiter per mission; a second call replaces the
// first, which then never fires.
func (s *Store) Waiter(id string) <-chan Resolution {
	ch := make(chan Resolution, 1)
	s.mu.Lock()
	s.waiters[id] = ch
	s.mu.Unlock()
	return ch
}

// Resolve delivers the operator decision to the mission's waiter. Returns
// false when nobody is waiting (decision arrived late or twice).
func (s *Store) Resolve(id string, res Resolution) bool {
	s.mu.Lock()
	ch, ok := s.waiters[id]
	if ok {
		delete(s.waiters, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	ch <- res
	return true
}

// AbandonWaiter drops the waiter without resolving, for timeouts.
func (s *Store) AbandonWaiter(id string) {
	s.mu.Lock()
	delete(s.waiters, id)
	s.mu.Unlock()
}

// ThreadBetween returns the thread joining two agents, creating one when
// none exists. Participant order does not matter.
func (s *Store) ThreadBetween(a, b string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.threads {
		if (t.a == a && t.b == b) || (t.a == b && t.b == a) {
			return id
		}
	}
	id := model.NewThreadID()
	s.threads[id] = thread{a: a, b: b}
	return id
}

// EnsureThread records a thread's participants when the caller supplied
// its id, so replies on it can resolve the peer. Known threads are left
// untouched.
func (s *Store) EnsureThread(threadID, a, b string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[threadID]; !ok {
		s.threads[threadID] = thread{a: a, b: b}
	}
}

// ThreadPeer returns the other participant of a thread, so replies can
// omit to_agent.
func (s *Store) ThreadPeer(threadID, sender string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return "", false
	}
	switch sender {
	case t.a:
		return t.b, true
	case t.b:
		return t.a, true
	}
	return "", false
}

// AttachThread links a mission to its chat thread. Later messages on the
// same thread reuse the mission.
func (s *Store) AttachThread(missionID, threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.missions[missionID]; ok {
		m.ThreadID = threadID
		s.missionByThread[threadID] = missionID
	}
}

// MissionForThread returns the mission that owns a thread.
func (s *Store) MissionForThread(threadID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.missionByThread[threadID]
	return id, ok
}
