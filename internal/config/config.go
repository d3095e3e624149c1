// Package config loads the intercom YAML configuration shared by the hub,
// daemon and tool-server entry points.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration document.
type Config struct {
	Mode      string          `yaml:"mode"` // hub | daemon | standalone
	Machine   MachineConfig   `yaml:"machine"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Hub       HubConfig       `yaml:"hub"`
	Auth      AuthConfig      `yaml:"auth"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Launcher  LauncherConfig  `yaml:"agent_launcher"`
	Policy    PolicyConfig    `yaml:"policy"`
	StateDir  string          `yaml:"state_dir"`
	// DaemonListen is where the daemon API binds. In standalone mode the
	// hub owns the main port and the daemon moves one up.
	DaemonListen string `yaml:"daemon_listen"`
}

// MachineConfig identifies this node.
type MachineConfig struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
}

// TelegramConfig configures the operator console bot.
type TelegramConfig struct {
	BotToken     string  `yaml:"bot_token"`
	SupergroupID int64   `yaml:"supergroup_id"`
	AllowedUsers []int64 `yaml:"allowed_users"`
}

// Enabled reports whether the Telegram console can start.
func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && t.SupergroupID != 0
}

// HubConfig holds the hub address: Listen when running the hub, URL when a
// daemon dials it.
type HubConfig struct {
	URL    string `yaml:"url"`
	Listen string `yaml:"listen"`
}

// AuthConfig carries the per-machine shared token issued on join approval.
type AuthConfig struct {
	Token string `yaml:"token"`
}

// DiscoveryConfig controls project auto-discovery on a daemon.
type DiscoveryConfig struct {
	Enabled   bool     `yaml:"enabled"`
	ScanPaths []string `yaml:"scan_paths"`
	DetectBy  []string `yaml:"detect_by"`
	Exclude   []string `yaml:"exclude"`
}

// LauncherConfig controls the child-agent supervisor.
type LauncherConfig struct {
	DefaultCommand     string   `yaml:"default_command"`
	DefaultArgs        []string `yaml:"default_args"`
	AllowedPaths       []string `yaml:"allowed_paths"`
	MaxMissionDuration int      `yaml:"max_mission_duration"` // seconds
}

// MaxDuration returns the mission wall-clock cap.
func (l LauncherConfig) MaxDuration() time.Duration {
	return time.Duration(l.MaxMissionDuration) * time.Second
}

// PolicyConfig points at the approval policy file and its GC schedule.
type PolicyConfig struct {
	Path string `yaml:"path"`
	// GCSchedule is a cron expression for pending/denied join cleanup.
	GCSchedule string `yaml:"gc_schedule"`
}

// DefaultPort is the hub and daemon listen port.
const DefaultPort = 7700

// Default returns a Config with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	stateDir := filepath.Join(home, ".config", "intercom")
	return &Config{
		Mode:         "standalone",
		StateDir:     stateDir,
		DaemonListen: "0.0.0.0:7700",
		Hub: HubConfig{
			Listen: "0.0.0.0:7700",
		},
		Discovery: DiscoveryConfig{
			Enabled:  true,
			DetectBy: []string{"CLAUDE.md", ".git", "AGENTS.md"},
			Exclude:  []string{"node_modules", ".cache", "vendor"},
		},
		Launcher: LauncherConfig{
			DefaultCommand:     "claude",
			DefaultArgs:        []string{"-p", "--output-format", "stream-json", "--verbose"},
			MaxMissionDuration: 1800,
		},
		Policy: PolicyConfig{
			Path:       filepath.Join(stateDir, "policies.yml"),
			GCSchedule: "0 * * * *",
		},
	}
}

// InboxDir returns the directory holding per-session inbox files.
func (c *Config) InboxDir() string {
	return filepath.Join(c.StateDir, "inbox")
}

// RegistryPath returns the sqlite registry location.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.StateDir, "registry.db")
}

// IsHub reports whether this process serves the hub API.
func (c *Config) IsHub() bool { return c.Mode == "hub" || c.Mode == "standalone" }

// IsDaemon reports whether this process serves the daemon API.
func (c *Config) IsDaemon() bool { return c.Mode == "daemon" || c.Mode == "standalone" }
