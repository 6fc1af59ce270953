package doctor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/delorenj/imi-go/internal/fsys"
	"github.com/delorenj/imi-go/internal/localstore"
	"github.com/delorenj/imi-go/internal/registry"
)

func setupRegistry(t *testing.T) (*registry.Registry, *registry.Repository) {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"), 1)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	t.Cleanup(func() { reg.Close() }) //nolint:errcheck // best-effort cleanup

	ctx := context.Background()
	if _, err := reg.RegisterRepository(ctx, "acme", "/code/acme", "git@github.com:acme/widget.git", "main"); err != nil {
		t.Fatalf("RegisterRepository: %v", err)
	}
	repo, err := reg.GetRepository(ctx, "acme")
	if err != nil {
		t.Fatalf("GetRepository: %v", err)
	}
	return reg, repo
}

func TestClusterStructureCheck(t *testing.T) {
	fake := fsys.NewFake()
	fake.Dirs["/code/acme"] = true
	fake.Dirs["/code/acme/.iMi"] = true
	fake.Dirs["/code/acme/trunk-main"] = true

	check := NewClusterStructureCheck(fake)
	r := check.Run(&CheckContext{ClusterRoot: "/code/acme"})
	if r.Status != StatusOK {
		t.Fatalf("Status = %v, want OK: %s", r.Status, r.Message)
	}
}

func TestClusterStructureCheckMissingIMi(t *testing.T) {
	fake := fsys.NewFake()
	fake.Dirs["/code/acme"] = true

	check := NewClusterStructureCheck(fake)
	r := check.Run(&CheckContext{ClusterRoot: "/code/acme"})
	if r.Status != StatusError {
		t.Fatalf("Status = %v, want Error", r.Status)
	}
}

func TestClusterStructureCheckMissingTrunk(t *testing.T) {
	fake := fsys.NewFake()
	fake.Dirs["/code/acme"] = true
	fake.Dirs["/code/acme/.iMi"] = true

	check := NewClusterStructureCheck(fake)
	r := check.Run(&CheckContext{ClusterRoot: "/code/acme"})
	if r.Status != StatusError {
		t.Fatalf("Status = %v, want Error", r.Status)
	}
	if r.Message != "no trunk-<branch> directory found" {
		t.Fatalf("Message = %q", r.Message)
	}
}

func TestRegistryReachableCheck(t *testing.T) {
	reg, _ := setupRegistry(t)
	check := NewRegistryReachableCheck(reg)
	r := check.Run(&CheckContext{RepoName: "acme"})
	if r.Status != StatusOK {
		t.Fatalf("Status = %v, want OK: %s", r.Status, r.Message)
	}
}

func TestRegistryReachableCheckUnregistered(t *testing.T) {
	reg, _ := setupRegistry(t)
	check := NewRegistryReachableCheck(reg)
	r := check.Run(&CheckContext{RepoName: "nonesuch"})
	if r.Status != StatusError {
		t.Fatalf("Status = %v, want Error", r.Status)
	}
}

func TestBinaryCheckFound(t *testing.T) {
	check := NewBinaryCheck("git", func(string) (string, error) { return "/usr/bin/git", nil })
	r := check.Run(&CheckContext{})
	if r.Status != StatusOK {
		t.Fatalf("Status = %v, want OK", r.Status)
	}
}

func TestBinaryCheckMissing(t *testing.T) {
	check := NewBinaryCheck("git", func(string) (string, error) { return "", errors.New("not found") })
	r := check.Run(&CheckContext{})
	if r.Status != StatusError {
		t.Fatalf("Status = %v, want Error", r.Status)
	}
	if r.FixHint == "" {
		t.Fatal("expected a FixHint")
	}
}

func TestOrphanPresenceLocksCheckNone(t *testing.T) {
	reg, _ := setupRegistry(t)
	fake := fsys.NewFake()
	fake.Dirs["/code/acme"] = true

	check := NewOrphanPresenceLocksCheck(fake, reg)
	r := check.Run(&CheckContext{ClusterRoot: "/code/acme", RepoName: "acme"})
	if r.Status != StatusOK {
		t.Fatalf("Status = %v, want OK: %s", r.Status, r.Message)
	}
}

func TestOrphanPresenceLocksCheckFindsOrphan(t *testing.T) {
	reg, repo := setupRegistry(t)
	fake := fsys.NewFake()
	fake.Dirs["/code/acme"] = true
	local := localstore.New(fake, "/code/acme")
	if err := local.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	ctx := context.Background()
	if _, err := reg.RegisterWorktree(ctx, repo.Name, "feat", "feat-x", "feat/x", "/code/acme/feat-x", ""); err != nil {
		t.Fatalf("RegisterWorktree: %v", err)
	}
	if err := local.ClaimPresence("feat-x", "agent-a", "host"); err != nil {
		t.Fatalf("ClaimPresence feat-x: %v", err)
	}
	if err := local.ClaimPresence("feat-stale", "agent-b", "host"); err != nil {
		t.Fatalf("ClaimPresence feat-stale: %v", err)
	}

	check := NewOrphanPresenceLocksCheck(fake, reg)
	r := check.Run(&CheckContext{ClusterRoot: "/code/acme", RepoName: repo.Name})
	if r.Status != StatusWarning {
		t.Fatalf("Status = %v, want Warning: %s", r.Status, r.Message)
	}
	if len(r.Details) != 1 || r.Details[0] != "feat-stale" {
		t.Fatalf("Details = %v, want [feat-stale]", r.Details)
	}
}

func TestEventsLogCheckMissing(t *testing.T) {
	fake := fsys.NewFake()
	check := NewEventsLogCheck(fake)
	r := check.Run(&CheckContext{ClusterRoot: "/code/acme"})
	if r.Status != StatusWarning {
		t.Fatalf("Status = %v, want Warning", r.Status)
	}
}

func TestEventsLogCheckValid(t *testing.T) {
	fake := fsys.NewFake()
	path := "/code/acme/.iMi/events.jsonl"
	fake.Files[path] = []byte(`{"kind":"create","name":"feat-x"}` + "\n" + `{"kind":"close","name":"feat-x"}` + "\n")

	check := NewEventsLogCheck(fake)
	r := check.Run(&CheckContext{ClusterRoot: "/code/acme"})
	if r.Status != StatusOK {
		t.Fatalf("Status = %v, want OK: %s", r.Status, r.Message)
	}
}

func TestEventsLogCheckMalformed(t *testing.T) {
	fake := fsys.NewFake()
	path := "/code/acme/.iMi/events.jsonl"
	fake.Files[path] = []byte("not json\n")

	check := NewEventsLogCheck(fake)
	r := check.Run(&CheckContext{ClusterRoot: "/code/acme"})
	if r.Status != StatusWarning {
		t.Fatalf("Status = %v, want Warning", r.Status)
	}
}
