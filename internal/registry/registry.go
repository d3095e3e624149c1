// Package registry is the hub's durable store of machines, projects,
// pending joins and tokens, backed by an embedded sqlite database. Writes
// are serialized by the connection; session presence is runtime state fed
// by heartbeats and kept in memory only.
package registry

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/intercom/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Registry wraps the sqlite store plus the in-memory presence table.
type Registry struct {
	db *sql.DB

	mu       sync.RWMutex
	presence map[string][]model.Session // machine_id -> active sessions
}

// Open opens (creating if needed) the registry database and applies
// pending migrations.
func Open(path string) (*Registry, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create registry dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("registry pragma: %w", err)
		}
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Registry{db: db, presence: make(map[string][]model.Session)}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (r *Registry) Close() error { return r.db.Close() }

// RequestJoin records a join request. An already approved machine keeps
// its state. Denied and revoked rows keep theirs too: status only moves
// forward, so the machine cannot re-enter the approval queue until GC
// removes the row.
func (r *Registry) RequestJoin(ctx context.Context, machineID, displayName, overlayIP string) (model.MachineStatus, error) {
	m, err := r.GetMachine(ctx, machineID)
	if err == nil {
		switch m.Status {
		case model.MachineApproved, model.MachineDenied, model.MachineRevoked:
			return m.Status, nil
		}
	}
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return "", err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO machines (id, display_name, overlay_ip, status)
		VALUES (?, ?, ?, 'pending')
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			overlay_ip = excluded.overlay_ip,
			status = 'pending',
			token = ''`,
		machineID, displayName, overlayIP)
	if err != nil {
		return "", fmt.Errorf("record join request: %w", err)
	}
	return model.MachinePending, nil
}

// RegisterMachine upserts a machine row. Token and status are written as
// given; callers uphold the token-iff-approved invariant via
// ApproveJoin/DenyJoin/Revoke.
func (r *Registry) RegisterMachine(ctx context.Context, m model.Machine) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO machines (id, display_name, overlay_ip, daemon_url, token, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			overlay_ip = excluded.overlay_ip,
			daemon_url = excluded.daemon_url,
			token = excluded.token,
			status = excluded.status`,
		m.ID, m.DisplayName, m.OverlayIP, m.DaemonURL, m.Token, string(m.Status))
	if err != nil {
		return fmt.Errorf("register machine %s: %w", m.ID, err)
	}
	return nil
}

// ApproveJoin transitions a machine to approved and sets its token.
// Idempotent: approving an approved machine returns the existing token.
func (r *Registry) ApproveJoin(ctx context.Context, machineID, token string) (string, error) {
	m, err := r.GetMachine(ctx, machineID)
	if err != nil {
		return "", err
	}
	if m.Status == model.MachineApproved && m.Token != "" {
		return m.Token, nil
	}
	daemonURL := m.DaemonURL
	if daemonURL == "" && m.OverlayIP != "" {
		daemonURL = fmt.Sprintf("http://%s:%d", m.OverlayIP, 7700)
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE machines SET status = 'approved', token = ?, daemon_url = ? WHERE id = ?`,
		token, daemonURL, machineID)
	if err != nil {
		return "", fmt.Errorf("approve join %s: %w", machineID, err)
	}
	return token, nil
}

// DenyJoin marks a machine denied and clears its token. Idempotent.
func (r *Registry) DenyJoin(ctx context.Context, machineID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE machines SET status = 'denied', token = '' WHERE id = ?`, machineID)
	if err != nil {
		return fmt.Errorf("deny join %s: %w", machineID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: machine %s", model.ErrNotFound, machineID)
	}
	return nil
}

// Revoke clears an approved machine's token and marks it revoked.
func (r *Registry) Revoke(ctx context.Context, machineID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE machines SET status = 'revoked', token = '' WHERE id = ?`, machineID)
	if err != nil {
		return fmt.Errorf("revoke machine %s: %w", machineID, err)
	}
	return nil
}

// GetMachine returns one machine or model.ErrNotFound.
func (r *Registry) GetMachine(ctx context.Context, machineID string) (model.Machine, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, display_name, overlay_ip, daemon_url, token, status, last_seen, created_at
		FROM machines WHERE id = ?`, machineID)
	return scanMachine(row)
}

type rowScanner interface{ Scan(...any) error }

func scanMachine(row rowScanner) (model.Machine, error) {
	var m model.Machine
	var status, createdAt string
	var lastSeen sql.NullString
	err := row.Scan(&m.ID, &m.DisplayName, &m.OverlayIP, &m.DaemonURL, &m.Token, &status, &lastSeen, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Machine{}, fmt.Errorf("%w: machine", model.ErrNotFound)
	}
	if err != nil {
		return model.Machine{}, fmt.Errorf("scan machine: %w", err)
	}
	m.Status = model.MachineStatus(status)
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		m.CreatedAt = t
	} else if t, err := time.Parse("2006-01-02 15:04:05", createdAt); err == nil {
		m.CreatedAt = t
	}
	if lastSeen.Valid {
		if t, err := time.Parse(time.RFC3339, lastSeen.String); err == nil {
			m.LastSeen = &t
		}
	}
	return m, nil
}

// TokenFor returns the token for an approved machine, or "" when the
// machine is unknown or not approved. Shaped for auth.TokenLookup.
func (r *Registry) TokenFor(machineID string) (string, error) {
	var token string
	err := r.db.QueryRow(
		`SELECT token FROM machines WHERE id = ? AND status = 'approved'`, machineID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup token: %w", err)
	}
	return token, nil
}

// UpdateHeartbeat refreshes last_seen and, when provided, the machine's
// overlay address and daemon URL, then replaces its presence set.
func (r *Registry) UpdateHeartbeat(ctx context.Context, machineID, overlayIP, daemonURL string, sessions []model.Session) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.db.ExecContext(ctx, `
		UPDATE machines SET
			last_seen = ?,
			overlay_ip = CASE WHEN ? != '' THEN ? ELSE overlay_ip END,
			daemon_url = CASE WHEN ? != '' THEN ? ELSE daemon_url END
		WHERE id = ?`,
		now, overlayIP, overlayIP, daemonURL, daemonURL, machineID)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", machineID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: machine %s", model.ErrNotFound, machineID)
	}

	r.mu.Lock()
	r.presence[machineID] = sessions
	r.mu.Unlock()
	return nil
}

// SessionFor returns the authoritative active session for a project on a
// machine, if presence knows one.
func (r *Registry) SessionFor(machineID, projectID string) (model.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.presence[machineID] {
		if s.Project == projectID {
			return s, true
		}
	}
	return model.Session{}, false
}

// RegisterProject upserts a project and guarantees the machine's synthetic
// home project exists.
func (r *Registry) RegisterProject(ctx context.Context, p model.Project) error {
	caps, err := json.Marshal(p.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("register project: %w", err)
	}
	defer tx.Rollback()

	upsert := `
		INSERT INTO projects (machine_id, project_id, description, capabilities, path, agent_command)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(machine_id, project_id) DO UPDATE SET
			description = excluded.description,
			capabilities = excluded.capabilities,
			path = excluded.path,
			agent_command = excluded.agent_command`
	if _, err := tx.ExecContext(ctx, upsert,
		p.MachineID, p.ProjectID, p.Description, string(caps), p.Path, p.AgentCommand); err != nil {
		return fmt.Errorf("register project %s/%s: %w", p.MachineID, p.ProjectID, err)
	}
	if p.ProjectID != model.HomeProject {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projects (machine_id, project_id, description)
			VALUES (?, ?, 'general-purpose agent')
			ON CONFLICT(machine_id, project_id) DO NOTHING`,
			p.MachineID, model.HomeProject); err != nil {
			return fmt.Errorf("ensure home project: %w", err)
		}
	}
	return tx.Commit()
}

// RemoveProject deletes a project row. The home project cannot be removed.
func (r *Registry) RemoveProject(ctx context.Context, machineID, projectID string) error {
	if projectID == model.HomeProject {
		return fmt.Errorf("%w: cannot remove home project", model.ErrBadEnvelope)
	}
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM projects WHERE machine_id = ? AND project_id = ?`, machineID, projectID)
	if err != nil {
		return fmt.Errorf("remove project: %w", err)
	}
	return nil
}

// AgentFilter narrows ListAgents.
type AgentFilter struct {
	OnlineOnly bool
	MachineID  string
}

// ListAgents returns projects joined with their machines, decorated with
// presence and online status.
func (r *Registry) ListAgents(ctx context.Context, filter AgentFilter) ([]model.Agent, error) {
	query := `
		SELECT p.machine_id, p.project_id, p.description, p.capabilities,
		       m.display_name, m.status, m.last_seen
		FROM projects p
		JOIN machines m ON p.machine_id = m.id
		WHERE m.status = 'approved'`
	args := []any{}
	if filter.MachineID != "" {
		query += ` AND p.machine_id = ?`
		args = append(args, filter.MachineID)
	}
	query += ` ORDER BY p.machine_id, p.project_id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var agents []model.Agent
	for rows.Next() {
		var a model.Agent
		var caps, machineStatus string
		var lastSeen sql.NullString
		if err := rows.Scan(&a.MachineID, &a.ProjectID, &a.Description, &caps,
			&a.MachineName, &machineStatus, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
			a.Capabilities = nil
		}

		online := false
		if lastSeen.Valid {
			if t, err := time.Parse(time.RFC3339, lastSeen.String); err == nil {
				online = now.Sub(t) <= model.OnlineWindow
			}
		}
		if online {
			a.Status = "online"
		} else {
			a.Status = "offline"
		}
		if filter.OnlineOnly && !online {
			continue
		}
		if s, ok := r.SessionFor(a.MachineID, a.ProjectID); ok {
			a.Session = &s
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// ListMachines returns all machine rows.
func (r *Registry) ListMachines(ctx context.Context) ([]model.Machine, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, display_name, overlay_ip, daemon_url, token, status, last_seen, created_at
		FROM machines ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	defer rows.Close()

	var machines []model.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

// PendingJoins returns join requests awaiting an operator decision.
func (r *Registry) PendingJoins(ctx context.Context) ([]model.PendingJoin, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, display_name, overlay_ip, created_at
		FROM machines WHERE status = 'pending' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list pending joins: %w", err)
	}
	defer rows.Close()

	var joins []model.PendingJoin
	for rows.Next() {
		var pj model.PendingJoin
		var createdAt string
		if err := rows.Scan(&pj.MachineID, &pj.DisplayName, &pj.OverlayIP, &createdAt); err != nil {
			return nil, fmt.Errorf("scan pending join: %w", err)
		}
		if t, err := time.Parse("2006-01-02 15:04:05", createdAt); err == nil {
			pj.RequestedAt = t
		}
		joins = append(joins, pj)
	}
	return joins, rows.Err()
}

// GCJoins deletes pending and denied rows older than maxAge. Returns the
// number of rows removed.
func (r *Registry) GCJoins(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format("2006-01-02 15:04:05")
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM machines
		WHERE status IN ('pending', 'denied') AND created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("gc joins: %w", err)
	}
	return res.RowsAffected()
}
