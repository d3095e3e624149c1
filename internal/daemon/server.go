package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/intercom/internal/auth"
	"github.com/nextlevelbuilder/intercom/internal/config"
	"github.com/nextlevelbuilder/intercom/internal/hubclient"
	"github.com/nextlevelbuilder/intercom/internal/inbox"
	"github.com/nextlevelbuilder/intercom/internal/model"
	"github.com/nextlevelbuilder/intercom/internal/router"
)

const (
	maxBodyBytes = 1 << 20

	heartbeatInterval = 10 * time.Second
	heartbeatTimeout  = 5 * time.Second
	joinPollInterval  = 5 * time.Second
)

// Daemon is the per-machine node: signed HTTP API, session table, child
// agent supervisor and hub heartbeats.
type Daemon struct {
	cfg      *config.Config
	version  string
	hub      *hubclient.Client
	sessions *Sessions
	launcher *Launcher
	inbox    *inbox.Store

	mu       sync.Mutex
	token    string
	projects []model.Project
}

func New(cfg *config.Config, version string) *Daemon {
	d := &Daemon{
		cfg:      cfg,
		version:  version,
		sessions: NewSessions(),
		launcher: NewLauncher(cfg.Launcher),
		inbox:    inbox.NewStore(),
		token:    cfg.Auth.Token,
		projects: DiscoverProjects(cfg.Discovery, cfg.Machine.ID),
	}
	if cfg.Hub.URL != "" {
		d.hub = hubclient.New(cfg.Hub.URL, cfg.Machine.ID, cfg.Auth.Token)
	}
	return d
}

// Projects returns the discovered project list, home included.
func (d *Daemon) Projects() []model.Project {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.Project(nil), d.projects...)
}

// Sessions exposes the live session table to co-resident components.
func (d *Daemon) SessionTable() *Sessions { return d.sessions }

func (d *Daemon) setToken(token string) {
	d.mu.Lock()
	d.token = token
	d.mu.Unlock()
	if d.hub != nil {
		d.hub.Token = token
	}
}

// tokenLookup verifies inbound signatures. Every caller, the hub
// included, signs with this machine's own token.
func (d *Daemon) tokenLookup(string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.token, nil
}

// Run serves the daemon API and drives the hub handshake, heartbeats and
// project registration until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context, listen string) error {
	mux := http.NewServeMux()
	d.RegisterRoutes(mux)

	srv := &http.Server{Addr: listen, Handler: mux}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("daemon.listening", "addr", listen, "machine", d.cfg.Machine.ID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	if d.hub != nil {
		g.Go(func() error {
			d.hubLoop(ctx, listen)
			return nil
		})
	}
	return g.Wait()
}

// hubLoop joins the hub if needed, registers projects and heartbeats
// forever. Failures are logged and retried; the daemon never exits over
// a flaky hub.
func (d *Daemon) hubLoop(ctx context.Context, listen string) {
	if !d.ensureJoined(ctx) {
		return
	}

	regCtx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
	if err := d.hub.RegisterProjects(regCtx, d.Projects()); err != nil {
		slog.Warn("daemon.register_failed", "error", err)
	}
	cancel()

	daemonURL := d.advertisedURL(listen)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		hbCtx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
		err := d.hub.Heartbeat(hbCtx, "", daemonURL, d.sessions.List())
		cancel()
		if err != nil {
			slog.Debug("daemon.heartbeat_failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ensureJoined runs the join handshake until a token is issued or ctx
// ends. Returns false only on cancellation.
func (d *Daemon) ensureJoined(ctx context.Context) bool {
	d.mu.Lock()
	have := d.token != ""
	d.mu.Unlock()
	if have {
		return true
	}

	joinCtx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
	res, err := d.hub.Join(joinCtx, d.cfg.Machine.DisplayName, "")
	cancel()
	if err != nil {
		slog.Warn("daemon.join_failed", "error", err)
	} else if res.Status == "approved" {
		d.setToken(res.Token)
		slog.Info("daemon.joined", "hub", d.cfg.Hub.URL)
		return true
	}

	slog.Info("daemon.join_pending", "hub", d.cfg.Hub.URL)
	ticker := time.NewTicker(joinPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
		pollCtx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
		res, err := d.hub.JoinStatus(pollCtx)
		cancel()
		if err != nil {
			slog.Debug("daemon.join_poll_failed", "error", err)
			continue
		}
		switch res.Status {
		case "approved":
			d.setToken(res.Token)
			slog.Info("daemon.joined", "hub", d.cfg.Hub.URL)
			return true
		case "denied", "revoked":
			slog.Error("daemon.join_denied", "hub", d.cfg.Hub.URL)
			return false
		}
	}
}

// advertisedURL is the daemon_url announced in heartbeats. The hub fills
// in the overlay IP itself; only the port matters here.
func (d *Daemon) advertisedURL(listen string) string {
	_, port, err := splitHostPort(listen)
	if err != nil || port == "" {
		port = fmt.Sprint(config.DefaultPort)
	}
	return "http://" + d.cfg.Machine.ID + ":" + port
}

func splitHostPort(addr string) (string, string, error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], nil
		}
	}
	return addr, "", fmt.Errorf("no port in %q", addr)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("daemon.write_response_failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, model.StatusFor(err), map[string]string{
		"error":  model.Code(err),
		"detail": err.Error(),
	})
}

// RegisterRoutes mounts the daemon API. Only discover and health are
// unauthenticated.
func (d *Daemon) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /discover", d.handleDiscover)
	mux.HandleFunc("GET /health", d.handleHealth)
	mux.HandleFunc("POST /mission/start", d.signed(d.handleMissionStart))
	mux.HandleFunc("GET /missions/{id}", d.signed(d.handleMission))
	mux.HandleFunc("POST /session/register", d.signed(d.handleSessionRegister))
	mux.HandleFunc("POST /session/unregister", d.signed(d.handleSessionUnregister))
	mux.HandleFunc("GET /sessions", d.signed(d.handleSessions))
	mux.HandleFunc("POST /session/deliver", d.signed(d.handleDeliver))
	mux.HandleFunc("GET /session/{id}/status", d.signed(d.handleSessionStatus))
}

func (d *Daemon) signed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, err)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if _, err := auth.Verify(r, body, d.tokenLookup); err != nil {
			slog.Debug("daemon.auth_rejected", "path", r.URL.Path, "error", err)
			writeError(w, err)
			return
		}
		next(w, r)
	}
}

func (d *Daemon) handleDiscover(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"hub":        false,
		"version":    d.version,
		"machine_id": d.cfg.Machine.ID,
	})
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"sessions":        len(d.sessions.List()),
		"active_missions": d.launcher.Active(),
	})
}

// workdirFor resolves a mission's working directory: explicit cwd wins,
// then the project path, then the user home for the home project.
func (d *Daemon) workdirFor(project, cwd string) (string, error) {
	if cwd != "" {
		return cwd, nil
	}
	for _, p := range d.Projects() {
		if p.ProjectID == project && p.Path != "" {
			return p.Path, nil
		}
	}
	if project == model.HomeProject {
		if home, err := os.UserHomeDir(); err == nil {
			return home, nil
		}
	}
	return "", fmt.Errorf("%w: unknown project %s", model.ErrNotFound, project)
}

func (d *Daemon) handleMissionStart(w http.ResponseWriter, r *http.Request) {
	var req router.MissionStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MissionID == "" || req.Mission == "" {
		writeError(w, model.ErrBadEnvelope)
		return
	}

	workdir, err := d.workdirFor(req.Project, req.Cwd)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := d.launcher.Start(req, workdir)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mission_id": id, "status": "launched"})
}

func (d *Daemon) handleMission(w http.ResponseWriter, r *http.Request) {
	since := int64(0)
	if raw := r.URL.Query().Get("feedback_since"); raw != "" {
		var err error
		since, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, model.ErrBadEnvelope)
			return
		}
	}
	status, ok := d.launcher.Status(r.PathValue("id"), since)
	if !ok {
		writeError(w, fmt.Errorf("%w: mission %s", model.ErrNotFound, r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (d *Daemon) handleSessionRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		Project   string `json:"project"`
		PID       int    `json:"pid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Project == "" {
		writeError(w, model.ErrBadEnvelope)
		return
	}
	if req.SessionID == "" {
		req.SessionID = model.NewSessionID(time.Now())
	}

	sess := d.sessions.Register(model.Session{
		SessionID: req.SessionID,
		Project:   req.Project,
		PID:       req.PID,
		InboxPath: filepath.Join(d.cfg.InboxDir(), req.SessionID+".jsonl"),
	})
	slog.Info("daemon.session_registered", "session", sess.SessionID, "project", sess.Project, "pid", sess.PID)
	writeJSON(w, http.StatusOK, sess)
}

func (d *Daemon) handleSessionUnregister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, model.ErrBadEnvelope)
		return
	}
	d.sessions.Unregister(req.SessionID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (d *Daemon) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": d.sessions.List()})
}

func (d *Daemon) handleDeliver(w http.ResponseWriter, r *http.Request) {
	var delivery router.ChatDelivery
	if err := json.NewDecoder(r.Body).Decode(&delivery); err != nil || delivery.Message == "" {
		writeError(w, model.ErrBadEnvelope)
		return
	}

	var sess model.Session
	var ok bool
	if delivery.SessionID != "" {
		sess, ok = d.sessions.Get(delivery.SessionID)
	}
	if !ok && delivery.Project != "" {
		sess, ok = d.sessions.Resolve(delivery.Project)
	}
	if !ok {
		writeError(w, fmt.Errorf("%w: %s", model.ErrNoActiveSession, delivery.Project))
		return
	}

	entry := inbox.NewEntry(delivery.ThreadID, delivery.FromAgent, delivery.Message)
	if delivery.Timestamp != "" {
		entry.Timestamp = delivery.Timestamp
	}
	if err := d.inbox.Append(sess.InboxPath, entry); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("daemon.delivered", "session", sess.SessionID, "from", delivery.FromAgent, "thread", delivery.ThreadID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered", "session_id": sess.SessionID})
}

func (d *Daemon) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := d.sessions.Get(r.PathValue("id"))
	if !ok {
		writeError(w, fmt.Errorf("%w: session %s", model.ErrNotFound, r.PathValue("id")))
		return
	}
	pending, err := d.inbox.Pending(sess.InboxPath)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":       sess,
		"inbox_pending": pending,
	})
}
