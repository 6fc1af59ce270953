package reconciler

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/delorenj/imi-go/internal/fsys"
	"github.com/delorenj/imi-go/internal/imigit"
	"github.com/delorenj/imi-go/internal/localstore"
	"github.com/delorenj/imi-go/internal/registry"
)

func setup(t *testing.T) (*registry.Registry, *fsys.Fake, *imigit.Fake, *localstore.Store, *registry.Repository) {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"), 1)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	fake := fsys.NewFake()
	fake.Dirs["/code/acme"] = true
	fake.Dirs["/code/acme/trunk-main"] = true

	gitFake := imigit.NewFake()
	gitFake.Branches["main"] = true

	local := localstore.New(fake, "/code/acme")

	ctx := context.Background()
	if _, err := reg.RegisterRepository(ctx, "acme", "/code/acme", "git@github.com:acme/widget.git", "main"); err != nil {
		t.Fatalf("RegisterRepository: %v", err)
	}
	repo, err := reg.GetRepository(ctx, "acme")
	if err != nil {
		t.Fatalf("GetRepository: %v", err)
	}
	return reg, fake, gitFake, local, repo
}

// TestReconcileStaleGit exercises scenario S3: a worktree manually
// deleted out-of-band is pruned from GIT and deactivated in the
// Registry without recreating the directory.
func TestReconcileStaleGit(t *testing.T) {
	reg, fake, gitFake, local, repo := setup(t)
	ctx := context.Background()

	path := "/code/acme/feat-x"
	fake.Dirs[path] = true
	gitFake.SeedForeignWorktree(imigit.WorktreeEntry{Name: "feat-x", Path: path, Branch: "feat/x"})
	if _, err := reg.RegisterWorktree(ctx, "acme", "feat", "feat-x", "feat/x", path, ""); err != nil {
		t.Fatalf("RegisterWorktree: %v", err)
	}

	// Simulate `rm -rf acme/feat-x` out-of-band.
	delete(fake.Dirs, path)
	gitFake.RemoveDiskEntry(path)

	report, err := Reconcile(ctx, reg, fake, gitFake, local, repo, false, true)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(report.StaleGit) != 1 || report.StaleGit[0] != "feat-x" {
		t.Errorf("StaleGit = %v, want [feat-x]", report.StaleGit)
	}
	if gitFake.HasAdminEntry(path) {
		t.Errorf("expected git admin entry for feat-x to be gone")
	}
	if fake.Dirs[path] {
		t.Errorf("expected no directory recreated for feat-x")
	}

	wt, err := reg.GetWorktree(ctx, "acme", "feat-x")
	if err != nil {
		t.Fatalf("GetWorktree: %v", err)
	}
	if wt != nil {
		t.Errorf("expected Registry row for feat-x to be inactive")
	}
}

// TestReconcileOrphanFS exercises scenario S4: a directory with no git
// entry and no Registry row is removed, and nothing else is touched.
func TestReconcileOrphanFS(t *testing.T) {
	reg, fake, gitFake, local, repo := setup(t)
	ctx := context.Background()

	fake.Dirs["/code/acme/feat-orphan"] = true

	report, err := Reconcile(ctx, reg, fake, gitFake, local, repo, false, true)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(report.OrphanFS) != 1 || report.OrphanFS[0] != "feat-orphan" {
		t.Errorf("OrphanFS = %v, want [feat-orphan]", report.OrphanFS)
	}
	if fake.Dirs["/code/acme/feat-orphan"] {
		t.Errorf("expected orphan directory to be removed")
	}
}

func TestReconcileOrphanFSRequiresForce(t *testing.T) {
	reg, fake, gitFake, local, repo := setup(t)
	ctx := context.Background()
	fake.Dirs["/code/acme/feat-orphan"] = true

	if _, err := Reconcile(ctx, reg, fake, gitFake, local, repo, false, false); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !fake.Dirs["/code/acme/feat-orphan"] {
		t.Errorf("expected orphan directory to survive without --force")
	}
}

// TestReconcileCorruptFS covers a directory that still matches a
// worktree-name shape and is still listed by `git worktree list`, but
// whose `.git` entry is gone — e.g. overwritten with unrelated junk
// out-of-band. It must land in its own bucket rather than being silently
// swallowed as a clean orphan-fs or stale-git case.
func TestReconcileCorruptFS(t *testing.T) {
	reg, fake, gitFake, local, repo := setup(t)
	ctx := context.Background()

	path := "/code/acme/feat-corrupt"
	fake.Dirs[path] = true // directory exists, but has no .git entry
	gitFake.SeedForeignWorktree(imigit.WorktreeEntry{Name: "feat-corrupt", Path: path, Branch: "feat/corrupt"})

	report, err := Reconcile(ctx, reg, fake, gitFake, local, repo, false, true)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(report.CorruptFS) != 1 || report.CorruptFS[0] != "feat-corrupt" {
		t.Errorf("CorruptFS = %v, want [feat-corrupt]", report.CorruptFS)
	}
	if len(report.StaleGit) != 0 {
		t.Errorf("StaleGit = %v, want none: a corrupt entry must not also count as stale-git", report.StaleGit)
	}
	if len(report.OrphanFS) != 0 {
		t.Errorf("OrphanFS = %v, want none: a corrupt entry must not also count as orphan-fs", report.OrphanFS)
	}
	if gitFake.HasAdminEntry(path) {
		t.Errorf("expected git admin entry for feat-corrupt to be cleaned up")
	}
	if fake.Dirs[path] {
		t.Errorf("expected corrupt directory to be removed with --force")
	}
}

func TestReconcileCorruptFSRequiresForce(t *testing.T) {
	reg, fake, gitFake, local, repo := setup(t)
	ctx := context.Background()

	path := "/code/acme/feat-corrupt"
	fake.Dirs[path] = true
	gitFake.SeedForeignWorktree(imigit.WorktreeEntry{Name: "feat-corrupt", Path: path, Branch: "feat/corrupt"})

	if _, err := Reconcile(ctx, reg, fake, gitFake, local, repo, false, false); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !fake.Dirs[path] {
		t.Errorf("expected corrupt directory to survive without --force")
	}
}

// TestReconcileDryRunIsNoOp exercises invariant 5.
func TestReconcileDryRunIsNoOp(t *testing.T) {
	reg, fake, gitFake, local, repo := setup(t)
	ctx := context.Background()

	path := "/code/acme/feat-x"
	fake.Dirs[path] = true
	gitFake.SeedForeignWorktree(imigit.WorktreeEntry{Name: "feat-x", Path: path, Branch: "feat/x"})
	if _, err := reg.RegisterWorktree(ctx, "acme", "feat", "feat-x", "feat/x", path, ""); err != nil {
		t.Fatalf("RegisterWorktree: %v", err)
	}
	delete(fake.Dirs, path)
	gitFake.RemoveDiskEntry(path)
	fake.Dirs["/code/acme/feat-orphan"] = true

	report, err := Reconcile(ctx, reg, fake, gitFake, local, repo, true, true)
	if err != nil {
		t.Fatalf("Reconcile(dryRun): %v", err)
	}
	if len(report.StaleGit) != 1 || len(report.OrphanFS) != 1 {
		t.Errorf("report = %+v, want one stale-git and one orphan-fs entry detected", report)
	}
	if !gitFake.HasAdminEntry(path) {
		t.Errorf("dry-run must not mutate git admin state")
	}
	if !fake.Dirs["/code/acme/feat-orphan"] {
		t.Errorf("dry-run must not delete the orphan directory")
	}
	wt, err := reg.GetWorktree(ctx, "acme", "feat-x")
	if err != nil {
		t.Fatalf("GetWorktree: %v", err)
	}
	if wt == nil {
		t.Errorf("dry-run must not deactivate the Registry row")
	}
}

// TestReconcileStaleReg exercises the REG \ GIT branch: a Registry row
// with no git footprint is deactivated and its cache/presence entries
// are cleared.
func TestReconcileStaleReg(t *testing.T) {
	reg, fake, gitFake, local, repo := setup(t)
	ctx := context.Background()

	if _, err := reg.RegisterWorktree(ctx, "acme", "feat", "feat-ghost", "feat/ghost", "/code/acme/feat-ghost", ""); err != nil {
		t.Fatalf("RegisterWorktree: %v", err)
	}
	if err := local.ClaimPresence("feat-ghost", "agent-1", "host"); err != nil {
		t.Fatalf("ClaimPresence: %v", err)
	}

	report, err := Reconcile(ctx, reg, fake, gitFake, local, repo, false, true)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(report.StaleReg) != 1 || report.StaleReg[0] != "feat-ghost" {
		t.Errorf("StaleReg = %v, want [feat-ghost]", report.StaleReg)
	}
	if local.IsLocked("feat-ghost") {
		t.Errorf("expected presence claim for feat-ghost to be released")
	}
	wt, err := reg.GetWorktree(ctx, "acme", "feat-ghost")
	if err != nil {
		t.Fatalf("GetWorktree: %v", err)
	}
	if wt != nil {
		t.Errorf("expected Registry row for feat-ghost to be inactive")
	}
}

// TestReconcileConvergesAllThreeSets exercises invariant 6: after a
// successful prune, FS, GIT, REG restricted to non-trunk worktrees of
// the repo are equal.
func TestReconcileConvergesAllThreeSets(t *testing.T) {
	reg, fake, gitFake, local, repo := setup(t)
	ctx := context.Background()

	staleGitPath := "/code/acme/feat-stale"
	fake.Dirs[staleGitPath] = true
	gitFake.SeedForeignWorktree(imigit.WorktreeEntry{Name: "feat-stale", Path: staleGitPath, Branch: "feat/stale"})
	if _, err := reg.RegisterWorktree(ctx, "acme", "feat", "feat-stale", "feat/stale", staleGitPath, ""); err != nil {
		t.Fatalf("RegisterWorktree: %v", err)
	}
	delete(fake.Dirs, staleGitPath)
	gitFake.RemoveDiskEntry(staleGitPath)

	fake.Dirs["/code/acme/feat-orphan"] = true

	if _, err := reg.RegisterWorktree(ctx, "acme", "feat", "feat-ghost", "feat/ghost", "/code/acme/feat-ghost", ""); err != nil {
		t.Fatalf("RegisterWorktree: %v", err)
	}

	keptPath := "/code/acme/feat-keep"
	fake.Dirs[keptPath] = true
	fake.Dirs[filepath.Join(keptPath, ".git")] = true
	gitFake.SeedForeignWorktree(imigit.WorktreeEntry{Name: "feat-keep", Path: keptPath, Branch: "feat/keep"})
	if _, err := reg.RegisterWorktree(ctx, "acme", "feat", "feat-keep", "feat/keep", keptPath, ""); err != nil {
		t.Fatalf("RegisterWorktree: %v", err)
	}

	if _, err := Reconcile(ctx, reg, fake, gitFake, local, repo, false, true); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	fsNames, _, err := scanFS(fake, repo.Path, "trunk-main")
	if err != nil {
		t.Fatalf("scanFS: %v", err)
	}
	gitEntries, err := gitFake.ListWorktrees()
	if err != nil {
		t.Fatalf("ListWorktrees: %v", err)
	}
	gitNames := map[string]bool{}
	for _, e := range gitEntries {
		if e.Name != "trunk-main" {
			gitNames[e.Name] = true
		}
	}
	regRows, err := reg.ListWorktrees(ctx, "acme")
	if err != nil {
		t.Fatalf("ListWorktrees: %v", err)
	}
	regNames := map[string]bool{}
	for _, row := range regRows {
		if row.Kind != "trunk" {
			regNames[row.Name] = true
		}
	}

	if len(fsNames) != 1 || !fsNames["feat-keep"] {
		t.Errorf("FS = %v, want only feat-keep", fsNames)
	}
	if len(gitNames) != 1 || !gitNames["feat-keep"] {
		t.Errorf("GIT = %v, want only feat-keep", gitNames)
	}
	if len(regNames) != 1 || !regNames["feat-keep"] {
		t.Errorf("REG = %v, want only feat-keep", regNames)
	}
}
