package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/intercom/internal/auth"
	"github.com/nextlevelbuilder/intercom/internal/model"
	"github.com/nextlevelbuilder/intercom/internal/registry"
	"github.com/nextlevelbuilder/intercom/internal/router"
)

const maxBodyBytes = 1 << 20

type ctxKey int

const signerKey ctxKey = iota

func signerFrom(ctx context.Context) string {
	id, _ := ctx.Value(signerKey).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("hub.write_response_failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, model.StatusFor(err), map[string]string{
		"error":  model.Code(err),
		"detail": err.Error(),
	})
}

// RegisterRoutes mounts the API. discover, join and join status are the
// only unauthenticated endpoints.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/discover", s.handleDiscover)
	mux.HandleFunc("POST /api/join", s.handleJoin)
	mux.HandleFunc("GET /api/join/status/{machineID}", s.handleJoinStatus)
	mux.HandleFunc("POST /api/heartbeat", s.signed(s.handleHeartbeat))
	mux.HandleFunc("POST /api/register", s.signed(s.handleRegister))
	mux.HandleFunc("GET /api/agents", s.signed(s.handleAgents))
	mux.HandleFunc("POST /api/route", s.signed(s.handleRoute))
	mux.HandleFunc("GET /api/missions/{id}", s.signed(s.handleMission))
	mux.HandleFunc("POST /api/feedback", s.signed(s.handleFeedback))
}

// signed verifies the request signature and stashes the signer machine id
// in the context.
func (s *Server) signed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, err)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		machineID, err := auth.Verify(r, body, s.reg.TokenFor)
		if err != nil {
			slog.Debug("hub.auth_rejected", "path", r.URL.Path, "error", err)
			writeError(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), signerKey, machineID)))
	}
}

func (s *Server) handleDiscover(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"hub":        true,
		"version":    s.version,
		"machine_id": s.cfg.Machine.ID,
	})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "slow down"})
		return
	}
	var req struct {
		MachineID   string `json:"machine_id"`
		DisplayName string `json:"display_name"`
		OverlayIP   string `json:"overlay_ip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MachineID == "" {
		writeError(w, model.ErrBadEnvelope)
		return
	}

	status, err := s.reg.RequestJoin(r.Context(), req.MachineID, req.DisplayName, req.OverlayIP)
	if err != nil {
		writeError(w, err)
		return
	}
	if status == model.MachineApproved {
		m, err := s.reg.GetMachine(r.Context(), req.MachineID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "approved", "token": m.Token})
		return
	}
	if status != model.MachinePending {
		// Denied or revoked. No re-announcement to the operator; the row
		// has to age out before the machine can ask again.
		writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
		return
	}

	slog.Info("hub.join_requested", "machine", req.MachineID, "overlay_ip", req.OverlayIP)
	s.console.AnnounceJoin(r.Context(), model.PendingJoin{
		MachineID:   req.MachineID,
		DisplayName: req.DisplayName,
		OverlayIP:   req.OverlayIP,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "pending_approval"})
}

func (s *Server) handleJoinStatus(w http.ResponseWriter, r *http.Request) {
	m, err := s.reg.GetMachine(r.Context(), r.PathValue("machineID"))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]string{"status": string(m.Status)}
	if m.Status == model.MachineApproved {
		resp["token"] = m.Token
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MachineID      string          `json:"machine_id"`
		OverlayIP      string          `json:"overlay_ip"`
		DaemonURL      string          `json:"daemon_url"`
		ActiveSessions []model.Session `json:"active_sessions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, model.ErrBadEnvelope)
		return
	}
	signer := signerFrom(r.Context())
	if req.MachineID != "" && req.MachineID != signer {
		writeError(w, model.ErrUnknownMachine)
		return
	}
	if err := s.reg.UpdateHeartbeat(r.Context(), signer, req.OverlayIP, req.DaemonURL, req.ActiveSessions); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MachineID string          `json:"machine_id"`
		Projects  []model.Project `json:"projects"`
		Remove    []string        `json:"remove,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, model.ErrBadEnvelope)
		return
	}
	signer := signerFrom(r.Context())
	if req.MachineID != "" && req.MachineID != signer {
		writeError(w, model.ErrUnknownMachine)
		return
	}
	for _, p := range req.Projects {
		p.MachineID = signer
		if p.ProjectID == "" {
			writeError(w, model.ErrBadEnvelope)
			return
		}
		if err := s.reg.RegisterProject(r.Context(), p); err != nil {
			writeError(w, err)
			return
		}
	}
	for _, id := range req.Remove {
		if err := s.reg.RemoveProject(r.Context(), signer, id); err != nil {
			writeError(w, err)
			return
		}
	}
	slog.Info("hub.projects_registered", "machine", signer, "count", len(req.Projects), "removed", len(req.Remove))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	filter := registry.AgentFilter{}
	switch raw := r.URL.Query().Get("filter"); {
	case raw == "" || raw == "all":
	case raw == "online":
		filter.OnlineOnly = true
	case strings.HasPrefix(raw, "machine:"):
		filter.MachineID = strings.TrimPrefix(raw, "machine:")
	default:
		writeError(w, model.ErrBadEnvelope)
		return
	}
	agents, err := s.reg.ListAgents(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if agents == nil {
		agents = []model.Agent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var msg model.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, model.ErrBadEnvelope)
		return
	}

	// A machine may only speak for its own agents.
	signer := signerFrom(r.Context())
	if msg.FromAgent != model.HumanSender {
		from, err := model.ParseAgentID(msg.FromAgent)
		if err != nil {
			writeError(w, err)
			return
		}
		if from.Machine != signer {
			writeError(w, model.ErrUnknownMachine)
			return
		}
	}

	res, err := s.router.Route(r.Context(), msg)
	if err != nil && res.Status == router.StatusError {
		writeError(w, err)
		return
	}
	// Soft outcomes (denied, no_active_session, unreachable) are part of
	// the route contract, not transport failures.
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMission(w http.ResponseWriter, r *http.Request) {
	m, err := s.missions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	since := int64(0)
	if raw := r.URL.Query().Get("feedback_since"); raw != "" {
		since, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, model.ErrBadEnvelope)
			return
		}
	}
	feedback, _ := s.missions.FeedbackSince(m.ID, since)
	if feedback == nil {
		feedback = []model.FeedbackItem{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"mission_id":     m.ID,
		"status":         m.Status,
		"output":         m.Output,
		"error":          m.Error,
		"thread_id":      m.ThreadID,
		"messages":       m.Messages,
		"feedback":       feedback,
		"feedback_total": int64(len(m.Feedback)),
	})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind        string `json:"kind"`
		Description string `json:"description"`
		FromAgent   string `json:"from_agent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, model.ErrBadEnvelope)
		return
	}
	if !registry.FeedbackKinds[req.Kind] || req.Description == "" {
		writeError(w, model.ErrBadEnvelope)
		return
	}
	if err := s.reg.AddFeedback(r.Context(), req.Kind, req.Description, req.FromAgent); err != nil {
		writeError(w, err)
		return
	}
	s.console.Note(r.Context(), "📥 "+req.Kind+" from "+req.FromAgent+": "+req.Description)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
