package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/delorenj/imi-go/internal/fsys"
	"github.com/delorenj/imi-go/internal/imierr"
	"github.com/delorenj/imi-go/internal/imigit"
	"github.com/delorenj/imi-go/internal/registry"
)

func newTestEngine(t *testing.T) (*Engine, *fsys.Fake, *imigit.Fake) {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"), 1)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	fake := fsys.NewFake()
	gitFake := imigit.NewFake()
	gitFake.CurrentHead = "main"
	gitFake.Remotes["origin"] = "https://github.com/acme/widget"
	gitFake.Branches["main"] = true

	opener := func(path string) (imigit.GitDriver, error) { return gitFake, nil }
	return New(reg, fake, opener), fake, gitFake
}

func TestInitRegistersRepositoryAndTrunk(t *testing.T) {
	eng, fake, _ := newTestEngine(t)
	fake.Dirs["/code/acme/trunk-main"] = true

	repo, wt, err := eng.Init(context.Background(), "/code/acme/trunk-main", false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if repo.Name != "acme" {
		t.Errorf("repo.Name = %q, want acme", repo.Name)
	}
	if repo.DefaultBranch != "main" {
		t.Errorf("repo.DefaultBranch = %q, want main", repo.DefaultBranch)
	}
	if repo.RemoteURL != "git@github.com:acme/widget.git" {
		t.Errorf("repo.RemoteURL = %q, want normalised SSH form", repo.RemoteURL)
	}
	if wt.Kind != "trunk" || wt.Name != "trunk-main" {
		t.Errorf("wt = %+v", wt)
	}
}

func TestInitRejectsNonTrunkDirectory(t *testing.T) {
	eng, fake, _ := newTestEngine(t)
	fake.Dirs["/code/acme/feat-x"] = true

	_, _, err := eng.Init(context.Background(), "/code/acme/feat-x", false)
	if err == nil {
		t.Fatalf("expected error initialising from a non-trunk directory")
	}
}

func TestInitAlreadyInitialisedRequiresForce(t *testing.T) {
	eng, fake, _ := newTestEngine(t)
	fake.Dirs["/code/acme/trunk-main"] = true

	if _, _, err := eng.Init(context.Background(), "/code/acme/trunk-main", false); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	_, _, err := eng.Init(context.Background(), "/code/acme/trunk-main", false)
	if err == nil {
		t.Fatalf("expected AlreadyInitialised without force")
	}
	if _, _, err := eng.Init(context.Background(), "/code/acme/trunk-main", true); err != nil {
		t.Errorf("Init with force: %v", err)
	}
}

func initAcme(t *testing.T, eng *Engine, fake *fsys.Fake) {
	t.Helper()
	fake.Dirs["/code/acme/trunk-main"] = true
	if _, _, err := eng.Init(context.Background(), "/code/acme/trunk-main", false); err != nil {
		t.Fatalf("Init: %v", err)
	}
}

// TestCreateCloseBasic exercises scenario S1: create produces the
// directory, branch, and registry row; close removes the first two and
// deactivates the row while preserving the branch. The dry-run preview
// is exercised before the destructive call.
func TestCreateCloseBasic(t *testing.T) {
	eng, fake, gitFake := newTestEngine(t)
	initAcme(t, eng, fake)
	ctx := context.Background()

	wt, err := eng.Create(ctx, "acme", KindFeature, "my-feature", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if wt.Name != "feat-my-feature" || wt.Branch != "feat/my-feature" {
		t.Errorf("wt = %+v", wt)
	}
	if !fake.Dirs["/code/acme/feat-my-feature"] {
		t.Errorf("expected worktree directory to exist")
	}
	if !gitFake.HasBranch("feat/my-feature") {
		t.Errorf("expected branch feat/my-feature to exist")
	}

	preview, err := eng.Close(ctx, "acme", "my-feature", true)
	if err != nil {
		t.Fatalf("Close(dryRun): %v", err)
	}
	if preview.Name != "feat-my-feature" {
		t.Errorf("preview = %+v", preview)
	}
	if !fake.Dirs["/code/acme/feat-my-feature"] || !gitFake.HasAdminEntry("/code/acme/feat-my-feature") {
		t.Fatalf("dry-run close must not touch the directory or git entry")
	}

	closed, err := eng.Close(ctx, "acme", "my-feature", false)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if closed.Name != "feat-my-feature" {
		t.Errorf("closed = %+v", closed)
	}
	if fake.Dirs["/code/acme/feat-my-feature"] {
		t.Errorf("expected directory removed after close")
	}
	if gitFake.HasAdminEntry("/code/acme/feat-my-feature") {
		t.Errorf("expected git admin entry removed after close")
	}
	if !gitFake.HasBranch("feat/my-feature") {
		t.Errorf("close must preserve the branch")
	}

	got, err := eng.Reg.GetWorktree(ctx, "acme", "feat-my-feature")
	if err != nil {
		t.Fatalf("GetWorktree: %v", err)
	}
	if got != nil {
		t.Errorf("expected worktree row to be inactive after close")
	}
}

// TestCloseVsRemove exercises scenario S2: close preserves the branch,
// remove deletes it.
func TestCloseVsRemove(t *testing.T) {
	eng, fake, gitFake := newTestEngine(t)
	initAcme(t, eng, fake)
	ctx := context.Background()

	if _, err := eng.Create(ctx, "acme", KindFeature, "to-close", "", ""); err != nil {
		t.Fatalf("Create to-close: %v", err)
	}
	if _, err := eng.Create(ctx, "acme", KindFeature, "to-remove", "", ""); err != nil {
		t.Fatalf("Create to-remove: %v", err)
	}

	if _, err := eng.Close(ctx, "acme", "to-close", false); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !gitFake.HasBranch("feat/to-close") {
		t.Errorf("close must preserve feat/to-close")
	}

	// Preview first, then the destructive variant.
	if _, err := eng.Remove(ctx, "acme", "to-remove", false, true); err != nil {
		t.Fatalf("Remove(dryRun): %v", err)
	}
	if !gitFake.HasBranch("feat/to-remove") || !fake.Dirs["/code/acme/feat-to-remove"] {
		t.Fatalf("dry-run remove must not touch the branch or directory")
	}
	if _, err := eng.Remove(ctx, "acme", "to-remove", false, false); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if gitFake.HasBranch("feat/to-remove") {
		t.Errorf("remove must delete feat/to-remove")
	}

	if fake.Dirs["/code/acme/feat-to-close"] || fake.Dirs["/code/acme/feat-to-remove"] {
		t.Errorf("both worktree directories should be gone")
	}
}

// TestCloseRemoveDryRunIsNoOp checks the preview path: a dry-run close
// or remove resolves the target worktree but leaves the directory, git
// entry, branch, and Registry row exactly as they were.
func TestCloseRemoveDryRunIsNoOp(t *testing.T) {
	eng, fake, gitFake := newTestEngine(t)
	initAcme(t, eng, fake)
	ctx := context.Background()

	if _, err := eng.Create(ctx, "acme", KindFeature, "keep", "", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	for _, dry := range []func() (*registry.Worktree, error){
		func() (*registry.Worktree, error) { return eng.Close(ctx, "acme", "keep", true) },
		func() (*registry.Worktree, error) { return eng.Remove(ctx, "acme", "keep", false, true) },
	} {
		wt, err := dry()
		if err != nil {
			t.Fatalf("dry run: %v", err)
		}
		if wt.Name != "feat-keep" {
			t.Errorf("wt = %+v, want feat-keep resolved", wt)
		}
	}

	if !fake.Dirs["/code/acme/feat-keep"] {
		t.Errorf("dry run must not remove the directory")
	}
	if !gitFake.HasAdminEntry("/code/acme/feat-keep") {
		t.Errorf("dry run must not remove the git admin entry")
	}
	if !gitFake.HasBranch("feat/keep") {
		t.Errorf("dry run must not delete the branch")
	}
	row, err := eng.Reg.GetWorktree(ctx, "acme", "feat-keep")
	if err != nil {
		t.Fatalf("GetWorktree: %v", err)
	}
	if row == nil {
		t.Errorf("dry run must not deactivate the Registry row")
	}
}

func TestCreateIsIdempotentWhenConsistent(t *testing.T) {
	eng, fake, _ := newTestEngine(t)
	initAcme(t, eng, fake)
	ctx := context.Background()

	first, err := eng.Create(ctx, "acme", KindFeature, "my-feature", "", "")
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	second, err := eng.Create(ctx, "acme", KindFeature, "my-feature", "", "")
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("idempotent create should not change the identifier: %q != %q", first.ID, second.ID)
	}
}

func TestCreateStaleWhenGitEntryMissing(t *testing.T) {
	eng, fake, gitFake := newTestEngine(t)
	initAcme(t, eng, fake)
	ctx := context.Background()

	if _, err := eng.Create(ctx, "acme", KindFeature, "ghost", "", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Simulate out-of-band removal of just the git admin entry while the
	// Registry row (and directory) remain.
	if err := gitFake.RemoveWorktree("/code/acme/feat-ghost", true); err != nil {
		t.Fatalf("RemoveWorktree: %v", err)
	}

	_, err := eng.Create(ctx, "acme", KindFeature, "ghost", "", "")
	if err == nil {
		t.Fatalf("expected Stale error when git entry is missing but Registry row exists")
	}
}

// TestCreateMapsGitConflictErrors checks that AddWorktree failures
// carrying imigit's documented sentinel errors surface as
// CodeWorktreeExists/CodeBranchExists, not an opaque CodeGitError, so
// callers can distinguish them with errors.Is.
func TestCreateMapsGitConflictErrors(t *testing.T) {
	cases := []struct {
		name    string
		gitErr  error
		wantErr imierr.Code
	}{
		{"path exists", fmt.Errorf("%w: /code/acme/feat-taken", imigit.ErrPathExists), imierr.CodeWorktreeExists},
		{"branch conflict", fmt.Errorf("%w: feat/taken", imigit.ErrBranchConflict), imierr.CodeBranchExists},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eng, fake, gitFake := newTestEngine(t)
			initAcme(t, eng, fake)
			gitFake.Errors["AddWorktree"] = tc.gitErr

			_, err := eng.Create(context.Background(), "acme", KindFeature, "taken", "", "")
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !imierr.Is(err, tc.wantErr) {
				t.Errorf("imierr.CodeOf(err) = %q, want %q (err: %v)", imierr.CodeOf(err), tc.wantErr, err)
			}
		})
	}
}

func TestCloseMapsBranchConflictOnDelete(t *testing.T) {
	eng, fake, gitFake := newTestEngine(t)
	initAcme(t, eng, fake)
	ctx := context.Background()

	if _, err := eng.Create(ctx, "acme", KindFeature, "to-remove", "", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	gitFake.Errors["DeleteBranch"] = fmt.Errorf("%w: feat/to-remove", imigit.ErrBranchConflict)

	_, err := eng.Remove(ctx, "acme", "to-remove", false, false)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !imierr.Is(err, imierr.CodeBranchExists) {
		t.Errorf("imierr.CodeOf(err) = %q, want %q (err: %v)", imierr.CodeOf(err), imierr.CodeBranchExists, err)
	}
}

func TestListReturnsRepositoriesAndWorktrees(t *testing.T) {
	eng, fake, _ := newTestEngine(t)
	initAcme(t, eng, fake)
	ctx := context.Background()

	if _, err := eng.Create(ctx, "acme", KindFix, "crash", "", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	repos, summaries, err := eng.List(ctx, "acme")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(repos) != 1 || repos[0].Name != "acme" {
		t.Errorf("repos = %+v", repos)
	}
	// The trunk worktree registered by init is listed too; the freshly
	// created worktree sorts first by recency.
	if len(summaries) != 2 || summaries[0].Name != "fix-crash" || summaries[1].Name != "trunk-main" {
		t.Errorf("summaries = %+v", summaries)
	}
}

func TestReviewWorktreeNamingHasNoSlash(t *testing.T) {
	eng, fake, gitFake := newTestEngine(t)
	initAcme(t, eng, fake)
	ctx := context.Background()

	wt, err := eng.Create(ctx, "acme", KindReview, "42", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if wt.Name != "review-pr-42" || wt.Branch != "review-pr-42" {
		t.Errorf("wt = %+v", wt)
	}
	if !gitFake.HasBranch("review-pr-42") {
		t.Errorf("expected branch review-pr-42 to exist")
	}
}
