package daemon

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/gobwas/glob"

	"github.com/nextlevelbuilder/intercom/internal/config"
	"github.com/nextlevelbuilder/intercom/internal/model"
)

// DiscoverProjects scans the configured roots one level deep for
// directories carrying a project marker. The synthetic home project is
// always present.
func DiscoverProjects(cfg config.DiscoveryConfig, machineID string) []model.Project {
	projects := map[string]model.Project{
		model.HomeProject: {
			MachineID:   machineID,
			ProjectID:   model.HomeProject,
			Description: "general-purpose agent",
		},
	}
	if !cfg.Enabled {
		return sorted(projects)
	}

	var excludes []glob.Glob
	for _, pattern := range cfg.Exclude {
		if g, err := glob.Compile(pattern); err == nil {
			excludes = append(excludes, g)
		}
	}
	excluded := func(name string) bool {
		for _, g := range excludes {
			if g.Match(name) {
				return true
			}
		}
		return false
	}

	for _, root := range cfg.ScanPaths {
		entries, err := os.ReadDir(expandHome(root))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() || excluded(entry.Name()) {
				continue
			}
			dir := filepath.Join(expandHome(root), entry.Name())
			if !hasMarker(dir, cfg.DetectBy) {
				continue
			}
			if _, dup := projects[entry.Name()]; dup {
				continue
			}
			projects[entry.Name()] = model.Project{
				MachineID: machineID,
				ProjectID: entry.Name(),
				Path:      dir,
			}
		}
	}
	return sorted(projects)
}

func hasMarker(dir string, markers []string) bool {
	for _, marker := range markers {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return true
		}
	}
	return false
}

func expandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

func sorted(projects map[string]model.Project) []model.Project {
	out := make([]model.Project, 0, len(projects))
	for _, p := range projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}
