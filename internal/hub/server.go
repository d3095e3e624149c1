// Package hub is the central coordinator: registry, policy gate, router
// and operator console, exposed over a signed HTTP API on the overlay
// network.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/intercom/internal/config"
	"github.com/nextlevelbuilder/intercom/internal/console"
	"github.com/nextlevelbuilder/intercom/internal/mission"
	"github.com/nextlevelbuilder/intercom/internal/model"
	"github.com/nextlevelbuilder/intercom/internal/policy"
	"github.com/nextlevelbuilder/intercom/internal/registry"
	"github.com/nextlevelbuilder/intercom/internal/router"
)

// joinGCAge is how long pending and denied join rows are kept.
const joinGCAge = 7 * 24 * time.Hour

// Server wires the hub's parts together and serves the API.
type Server struct {
	cfg      *config.Config
	version  string
	reg      *registry.Registry
	engine   *policy.Engine
	missions *mission.Store
	router   *router.Router
	dispatch *router.HTTPDispatcher
	console  console.Console
	telegram *console.Telegram // nil when the console is disabled
	limiter  *rate.Limiter
	watcher  *watcher
}

// New assembles a hub from config. The registry database and policy file
// live under cfg.StateDir.
func New(cfg *config.Config, version string) (*Server, error) {
	reg, err := registry.Open(cfg.RegistryPath())
	if err != nil {
		return nil, err
	}
	engine, err := policy.Load(cfg.Policy.Path)
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("load policy: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		version:  version,
		reg:      reg,
		engine:   engine,
		missions: mission.NewStore(),
		dispatch: router.NewHTTPDispatcher(),
		// Join requests are unauthenticated; keep the door slow.
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}

	s.console = console.Noop{}
	if cfg.Telegram.Enabled() {
		tg, err := console.NewTelegram(cfg.Telegram, &hubOps{s})
		if err != nil {
			reg.Close()
			return nil, err
		}
		s.telegram = tg
		s.console = tg
	}

	s.router = router.New(reg, engine, s.missions, s.console, s.dispatch)
	s.watcher = newWatcher(s)
	return s, nil
}

// Close releases the registry database.
func (s *Server) Close() error { return s.reg.Close() }

// AdoptLocalDaemon pre-approves the co-resident daemon in standalone
// mode, skipping the join handshake.
func (s *Server) AdoptLocalDaemon(ctx context.Context, machineID, daemonURL, token string) error {
	return s.reg.RegisterMachine(ctx, model.Machine{
		ID:          machineID,
		DisplayName: s.cfg.Machine.DisplayName,
		DaemonURL:   daemonURL,
		Token:       token,
		Status:      model.MachineApproved,
	})
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              s.cfg.Hub.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("hub.listening", "addr", srv.Addr, "version", s.version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if s.telegram != nil {
		g.Go(func() error {
			err := s.telegram.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		err := policy.Watch(ctx, s.engine, s.cfg.Policy.Path)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		s.watcher.run(ctx)
		return nil
	})

	g.Go(func() error {
		s.gcLoop(ctx)
		return nil
	})

	return g.Wait()
}

// gcLoop sweeps stale pending and denied join rows on the configured cron
// schedule.
func (s *Server) gcLoop(ctx context.Context) {
	schedule := s.cfg.Policy.GCSchedule
	if schedule == "" {
		return
	}
	gron := gronx.New()
	if !gron.IsValid(schedule) {
		slog.Warn("hub.gc_schedule_invalid", "schedule", schedule)
		return
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := gron.IsDue(schedule, time.Now())
			if err != nil || !due {
				continue
			}
			n, err := s.reg.GCJoins(ctx, joinGCAge)
			if err != nil {
				slog.Warn("hub.gc_failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("hub.gc_swept", "rows", n)
			}
		}
	}
}
