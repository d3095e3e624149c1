package cmd

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/intercom/internal/config"
	"github.com/nextlevelbuilder/intercom/internal/daemon"
	"github.com/nextlevelbuilder/intercom/internal/hubclient"
	"github.com/nextlevelbuilder/intercom/internal/model"
	"github.com/nextlevelbuilder/intercom/internal/toolserver"
)

func toolServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tool-server",
		Short: "Run the MCP tool-server for the agent session in the current directory",
		Run: func(cmd *cobra.Command, args []string) {
			runToolServer()
		},
	}
}

func runToolServer() {
	// The MCP transport owns stdout; logs must stay on stderr.
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Machine.ID == "" {
		host, _ := os.Hostname()
		cfg.Machine.ID = host
	}
	hubURL := cfg.Hub.URL
	if hubURL == "" {
		hubURL = "http://127.0.0.1:7700"
	}

	cwd, _ := os.Getwd()
	project := detectProject(cfg, cwd)

	hub := hubclient.New(hubURL, cfg.Machine.ID, cfg.Auth.Token)
	daemonURL := "http://127.0.0.1:" + listenPort(cfg.DaemonListen)
	tools := toolserver.NewTools(hub, cfg.Machine.ID, project, daemonURL, cfg.Auth.Token)

	if err := toolserver.Serve(context.Background(), tools, Version); err != nil {
		slog.Error("tool server exited", "error", err)
		os.Exit(1)
	}
}

// detectProject maps the working directory onto a discovered project by
// walking up until a project root matches. Everything else is home.
func detectProject(cfg *config.Config, cwd string) string {
	byPath := make(map[string]string)
	for _, p := range daemon.DiscoverProjects(cfg.Discovery, cfg.Machine.ID) {
		if p.Path != "" {
			if abs, err := filepath.Abs(p.Path); err == nil {
				byPath[abs] = p.ProjectID
			}
		}
	}

	dir, err := filepath.Abs(cwd)
	if err != nil {
		return model.HomeProject
	}
	for {
		if id, ok := byPath[dir]; ok {
			return id
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return model.HomeProject
		}
		dir = parent
	}
}

func listenPort(listen string) string {
	for i := len(listen) - 1; i >= 0; i-- {
		if listen[i] == ':' {
			return listen[i+1:]
		}
	}
	return "7700"
}
