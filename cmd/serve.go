package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/intercom/internal/config"
	"github.com/nextlevelbuilder/intercom/internal/daemon"
	"github.com/nextlevelbuilder/intercom/internal/hub"
	"github.com/nextlevelbuilder/intercom/internal/model"
)

func hubCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hub",
		Short: "Run the hub: registry, router and operator console",
		Run: func(cmd *cobra.Command, args []string) {
			runServe("hub")
		},
	}
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the machine daemon: session inbox delivery and agent launcher",
		Run: func(cmd *cobra.Command, args []string) {
			runServe("daemon")
		},
	}
}

func standaloneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "standalone",
		Short: "Run hub and daemon in one process (single-machine setup)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe("standalone")
		},
	}
}

func runServe(mode string) {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg.Mode = mode
	if cfg.Machine.ID == "" {
		host, _ := os.Hostname()
		cfg.Machine.ID = host
	}
	if mode == "standalone" {
		// Hub owns the main port; the daemon moves one up and dials the
		// hub over loopback.
		if cfg.DaemonListen == cfg.Hub.Listen {
			cfg.DaemonListen = "127.0.0.1:7701"
		}
		if cfg.Hub.URL == "" {
			cfg.Hub.URL = "http://127.0.0.1:7700"
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	if cfg.IsHub() {
		srv, err := hub.New(cfg, Version)
		if err != nil {
			slog.Error("failed to start hub", "error", err)
			os.Exit(1)
		}
		if mode == "standalone" {
			if cfg.Auth.Token == "" {
				cfg.Auth.Token = uuid.NewString()
			}
			err := srv.AdoptLocalDaemon(ctx, cfg.Machine.ID, "http://"+cfg.DaemonListen, cfg.Auth.Token)
			if err != nil {
				slog.Error("failed to adopt local daemon", "error", err)
				os.Exit(1)
			}
		}
		g.Go(func() error { return srv.Run(ctx) })
	}
	if cfg.IsDaemon() {
		d := daemon.New(cfg, Version)
		g.Go(func() error { return d.Run(ctx, cfg.DaemonListen) })
	}

	if err := g.Wait(); err != nil {
		slog.Error("server exited", "error", err)
		if errors.Is(err, model.ErrAuthBadSig) || errors.Is(err, model.ErrAuthStale) || errors.Is(err, model.ErrUnknownMachine) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
