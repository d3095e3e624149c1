package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/intercom/internal/model"
)

func openTest(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestJoinLifecycle(t *testing.T) {
	r := openTest(t)
	ctx := context.Background()

	status, err := r.RequestJoin(ctx, "mini", "Mac mini", "100.64.0.5")
	if err != nil {
		t.Fatalf("RequestJoin: %v", err)
	}
	if status != model.MachinePending {
		t.Fatalf("status = %s, want pending", status)
	}
	if tok, _ := r.TokenFor("mini"); tok != "" {
		t.Error("pending machine must have no token")
	}

	joins, err := r.PendingJoins(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(joins) != 1 || joins[0].MachineID != "mini" {
		t.Fatalf("PendingJoins = %+v", joins)
	}

	tok, err := r.ApproveJoin(ctx, "mini", "secret-1")
	if err != nil {
		t.Fatalf("ApproveJoin: %v", err)
	}
	if tok != "secret-1" {
		t.Fatalf("token = %q", tok)
	}
	// Approving again returns the original token, never a new one.
	tok2, err := r.ApproveJoin(ctx, "mini", "secret-2")
	if err != nil {
		t.Fatal(err)
	}
	if tok2 != "secret-1" {
		t.Errorf("re-approve token = %q, want secret-1", tok2)
	}
	if got, _ := r.TokenFor("mini"); got != "secret-1" {
		t.Errorf("TokenFor = %q", got)
	}

	// Re-requesting a join from an approved machine keeps it approved.
	status, err = r.RequestJoin(ctx, "mini", "Mac mini", "100.64.0.5")
	if err != nil {
		t.Fatal(err)
	}
	if status != model.MachineApproved {
		t.Errorf("re-join status = %s, want approved", status)
	}
}

func TestDenyAndRevokeClearToken(t *testing.T) {
	r := openTest(t)
	ctx := context.Background()

	r.RequestJoin(ctx, "rogue", "", "")
	if err := r.DenyJoin(ctx, "rogue"); err != nil {
		t.Fatalf("DenyJoin: %v", err)
	}
	if err := r.DenyJoin(ctx, "rogue"); err != nil {
		t.Errorf("DenyJoin should be idempotent: %v", err)
	}
	if tok, _ := r.TokenFor("rogue"); tok != "" {
		t.Error("denied machine must have no token")
	}

	r.RequestJoin(ctx, "tower", "", "")
	r.ApproveJoin(ctx, "tower", "tok")
	if err := r.Revoke(ctx, "tower"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if tok, _ := r.TokenFor("tower"); tok != "" {
		t.Error("revoked machine must have no token")
	}
}

func TestDeniedAndRevokedCannotRejoin(t *testing.T) {
	r := openTest(t)
	ctx := context.Background()

	r.RequestJoin(ctx, "rogue", "", "")
	r.DenyJoin(ctx, "rogue")
	status, err := r.RequestJoin(ctx, "rogue", "", "")
	if err != nil {
		t.Fatalf("RequestJoin after deny: %v", err)
	}
	if status != model.MachineDenied {
		t.Fatalf("status = %s, want denied", status)
	}

	r.RequestJoin(ctx, "tower", "", "")
	r.ApproveJoin(ctx, "tower", "tok")
	r.Revoke(ctx, "tower")
	status, err = r.RequestJoin(ctx, "tower", "", "")
	if err != nil {
		t.Fatalf("RequestJoin after revoke: %v", err)
	}
	if status != model.MachineRevoked {
		t.Fatalf("status = %s, want revoked", status)
	}
	m, err := r.GetMachine(ctx, "tower")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != model.MachineRevoked || m.Token != "" {
		t.Errorf("machine = %+v, want revoked with no token", m)
	}

	// Neither machine goes back into the operator's queue.
	joins, err := r.PendingJoins(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(joins) != 0 {
		t.Errorf("PendingJoins = %+v, want none", joins)
	}
}

func TestTokenForUnknownMachine(t *testing.T) {
	r := openTest(t)
	tok, err := r.TokenFor("ghost")
	if err != nil {
		t.Fatal(err)
	}
	if tok != "" {
		t.Errorf("TokenFor(ghost) = %q, want empty", tok)
	}
}

func TestHeartbeatUpdatesPresenceAndOnline(t *testing.T) {
	r := openTest(t)
	ctx := context.Background()

	r.RequestJoin(ctx, "mini", "Mac mini", "100.64.0.5")
	r.ApproveJoin(ctx, "mini", "tok")
	r.RegisterProject(ctx, model.Project{MachineID: "mini", ProjectID: "web"})

	sessions := []model.Session{{SessionID: "s-20260824-abc123", Project: "web", PID: 42}}
	if err := r.UpdateHeartbeat(ctx, "mini", "100.64.0.9", "http://100.64.0.9:7700", sessions); err != nil {
		t.Fatalf("UpdateHeartbeat: %v", err)
	}

	m, err := r.GetMachine(ctx, "mini")
	if err != nil {
		t.Fatal(err)
	}
	if m.OverlayIP != "100.64.0.9" {
		t.Errorf("overlay not updated: %q", m.OverlayIP)
	}
	if !m.Online(time.Now()) {
		t.Error("machine should be online after heartbeat")
	}

	s, ok := r.SessionFor("mini", "web")
	if !ok || s.PID != 42 {
		t.Errorf("SessionFor = %+v ok=%v", s, ok)
	}
	if _, ok := r.SessionFor("mini", "other"); ok {
		t.Error("no session for unregistered project")
	}

	if err := r.UpdateHeartbeat(ctx, "ghost", "", "", nil); err == nil {
		t.Error("heartbeat from unknown machine should fail")
	}
}

func TestRegisterProjectCreatesHome(t *testing.T) {
	r := openTest(t)
	ctx := context.Background()

	r.RequestJoin(ctx, "mini", "", "")
	r.ApproveJoin(ctx, "mini", "tok")
	err := r.RegisterProject(ctx, model.Project{
		MachineID:    "mini",
		ProjectID:    "web",
		Description:  "frontend",
		Capabilities: []string{"typescript"},
	})
	if err != nil {
		t.Fatalf("RegisterProject: %v", err)
	}

	agents, err := r.ListAgents(ctx, AgentFilter{})
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]bool{}
	for _, a := range agents {
		ids[a.ProjectID] = true
	}
	if !ids["web"] || !ids[model.HomeProject] {
		t.Errorf("agents = %+v, want web and home", ids)
	}

	if err := r.RemoveProject(ctx, "mini", model.HomeProject); err == nil {
		t.Error("home project must not be removable")
	}
	if err := r.RemoveProject(ctx, "mini", "web"); err != nil {
		t.Errorf("RemoveProject: %v", err)
	}
}

func TestListAgentsFilters(t *testing.T) {
	r := openTest(t)
	ctx := context.Background()

	for _, id := range []string{"mini", "tower"} {
		r.RequestJoin(ctx, id, "", "")
		r.ApproveJoin(ctx, id, "tok-"+id)
		r.RegisterProject(ctx, model.Project{MachineID: id, ProjectID: "p"})
	}
	// Pending machines never appear in the agent list.
	r.RequestJoin(ctx, "newcomer", "", "")

	// Only mini heartbeats.
	r.UpdateHeartbeat(ctx, "mini", "", "", nil)

	all, err := r.ListAgents(ctx, AgentFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 { // p + home per approved machine
		t.Fatalf("len(all) = %d, want 4", len(all))
	}

	online, err := r.ListAgents(ctx, AgentFilter{OnlineOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range online {
		if a.MachineID != "mini" {
			t.Errorf("offline machine leaked into online list: %+v", a)
		}
	}
	if len(online) != 2 {
		t.Errorf("len(online) = %d, want 2", len(online))
	}

	scoped, err := r.ListAgents(ctx, AgentFilter{MachineID: "tower"})
	if err != nil {
		t.Fatal(err)
	}
	if len(scoped) != 2 || scoped[0].MachineID != "tower" {
		t.Errorf("machine filter: %+v", scoped)
	}
}

func TestGCJoins(t *testing.T) {
	r := openTest(t)
	ctx := context.Background()

	r.RequestJoin(ctx, "stale", "", "")
	r.RequestJoin(ctx, "keeper", "", "")
	r.ApproveJoin(ctx, "keeper", "tok")

	// Nothing is old enough yet.
	n, err := r.GCJoins(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("GCJoins removed %d rows, want 0", n)
	}

	// Zero max age sweeps every pending row but leaves approved machines.
	n, err = r.GCJoins(ctx, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("GCJoins removed %d rows, want 1", n)
	}
	if _, err := r.GetMachine(ctx, "keeper"); err != nil {
		t.Errorf("approved machine must survive gc: %v", err)
	}
}
