// Package engine implements the worktree lifecycle commands:
// init, create, list, close, remove. It composes GitDriver, Registry,
// and LocalStore, resolving context via package imictx and delegating
// repair to package reconciler.
package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/delorenj/imi-go/internal/events"
	"github.com/delorenj/imi-go/internal/fsys"
	"github.com/delorenj/imi-go/internal/imictx"
	"github.com/delorenj/imi-go/internal/imierr"
	"github.com/delorenj/imi-go/internal/imigit"
	"github.com/delorenj/imi-go/internal/localstore"
	"github.com/delorenj/imi-go/internal/presence"
	"github.com/delorenj/imi-go/internal/registry"
	"github.com/delorenj/imi-go/internal/telemetry"
)

// Kind is a worktree creation kind, one of the five non-trunk prefixes
// the engine materialises on request.
type Kind string

const (
	KindFeature Kind = "feat"
	KindFix     Kind = "fix"
	KindReview  Kind = "review"
	KindAiops   Kind = "aiops"
	KindDevops  Kind = "devops"
)

// namesFor computes the on-disk directory name and branch name for a
// (kind, logical) pair.
func namesFor(kind Kind, logical string) (worktreeName, branchName string, err error) {
	switch kind {
	case KindFeature:
		return "feat-" + logical, "feat/" + logical, nil
	case KindFix:
		return "fix-" + logical, "fix/" + logical, nil
	case KindReview:
		name := "review-pr-" + logical
		return name, name, nil
	case KindAiops:
		return "aiops-" + logical, "aiops/" + logical, nil
	case KindDevops:
		return "devops-" + logical, "devops/" + logical, nil
	default:
		return "", "", imierr.New(imierr.CodeStructureInvalid, "unknown worktree kind "+string(kind), "", nil)
	}
}

// Engine holds the process-wide collaborators. One Engine serves every
// cluster root the process touches in its lifetime.
type Engine struct {
	Reg     *registry.Registry
	FS      fsys.FS
	OpenGit imictx.Opener
}

// New returns an Engine backed by reg, fs, and openGit. Production
// callers pass [imictx.DefaultOpener]; tests inject an opener backed by
// [imigit.Fake].
func New(reg *registry.Registry, fs fsys.FS, openGit imictx.Opener) *Engine {
	return &Engine{Reg: reg, FS: fs, OpenGit: openGit}
}

func (e *Engine) localStore(clusterRoot string) *localstore.Store {
	return localstore.New(e.FS, clusterRoot)
}

// Init materialises `.iMi/` and registers the repository and its trunk
// worktree. trunkDir is the invoking directory, whose name MUST begin
// with "trunk-"; its parent is the cluster root.
func (e *Engine) Init(ctx context.Context, trunkDir string, force bool) (*registry.Repository, *registry.Worktree, error) {
	dirName := filepath.Base(trunkDir)
	if !strings.HasPrefix(dirName, "trunk-") {
		return nil, nil, imierr.New(imierr.CodeStructureInvalid,
			"init must be run from a trunk-<branch> directory", "rename or cd into the trunk worktree first", nil)
	}
	defaultBranch := strings.TrimPrefix(dirName, "trunk-")
	clusterRoot := filepath.Dir(trunkDir)
	repoName := filepath.Base(clusterRoot)

	local := e.localStore(clusterRoot)
	imiDir := filepath.Join(clusterRoot, ".iMi")
	if _, err := e.FS.Stat(imiDir); err == nil && !force {
		return nil, nil, imierr.New(imierr.CodeAlreadyInitialised,
			repoName+" is already initialised", "pass --force to re-register without touching side worktrees", nil)
	}

	driver, err := e.OpenGit(trunkDir)
	if err != nil {
		return nil, nil, imierr.New(imierr.CodeNoParentRepo, "opening trunk repository", "", err)
	}

	remote, err := driver.RemoteURL("origin")
	if err != nil {
		return nil, nil, imierr.New(imierr.CodeGitError, "reading origin remote", "add a remote named origin before init", err)
	}
	normalized := registry.NormalizeRemoteURL(remote)

	if err := local.Init(); err != nil {
		return nil, nil, err
	}

	if _, err := e.Reg.RegisterRepository(ctx, repoName, clusterRoot, normalized, defaultBranch); err != nil {
		return nil, nil, err
	}
	events.AppendTo(clusterRoot, events.Event{
		Type: events.RepoRegistered, Subject: repoName, Message: "registered " + repoName,
	}, os.Stderr)
	if _, err := e.Reg.RegisterWorktree(ctx, repoName, "trunk", dirName, defaultBranch, trunkDir, ""); err != nil {
		return nil, nil, err
	}
	if err := local.RegisterWorktree(dirName, "trunk", ""); err != nil {
		return nil, nil, err
	}

	repo, err := e.Reg.GetRepository(ctx, repoName)
	if err != nil {
		return nil, nil, err
	}
	wt, err := e.Reg.GetWorktree(ctx, repoName, dirName)
	if err != nil {
		return nil, nil, err
	}
	return repo, wt, nil
}

func trunkPath(repo *registry.Repository) string {
	return filepath.Join(repo.Path, "trunk-"+repo.DefaultBranch)
}

// wrapGitErr maps a GitDriver failure to an [imierr.Error], distinguishing
// the conflict-family sentinels (branch conflict, path occupied) from an
// opaque backend error so callers can match on code rather than message
// text.
func wrapGitErr(err error, summary string) error {
	switch {
	case errors.Is(err, imigit.ErrPathExists):
		return imierr.New(imierr.CodeWorktreeExists, summary+": worktree path already exists",
			"remove the existing directory or choose a different name", err)
	case errors.Is(err, imigit.ErrBranchConflict):
		return imierr.New(imierr.CodeBranchExists, summary+": branch already exists",
			"choose a different logical name or delete the existing branch", err)
	default:
		return imierr.New(imierr.CodeGitError, summary, "", err)
	}
}

func containsWorktreeName(entries []imigit.WorktreeEntry, name string) bool {
	for _, e := range entries {
		if e.Name == name {
			return true
		}
	}
	return false
}

// Create materialises a new side worktree of kind for logical under
// clusterRoot, or refreshes an existing, still-consistent one.
func (e *Engine) Create(ctx context.Context, repoName string, kind Kind, logical, agentID, baseOverride string) (wt *registry.Worktree, err error) {
	var repoPath string
	defer func() {
		telemetry.RecordWorktreeCreate(ctx, repoName, string(kind), logical, err)
		if err == nil && repoPath != "" {
			events.AppendTo(repoPath, events.Event{
				Type: events.WorktreeCreated, Actor: agentID, Subject: wt.Name,
				Message: "created " + string(kind) + " worktree " + wt.Name,
			}, os.Stderr)
			_ = e.Reg.LogActivity(ctx, wt.ID, agentID, string(kind), "", "created worktree "+wt.Name)
		}
	}()

	worktreeName, branchName, err := namesFor(kind, logical)
	if err != nil {
		return nil, err
	}

	repo, err := e.Reg.GetRepository(ctx, repoName)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, imierr.New(imierr.CodeRepoNotRegistered, "repository "+repoName+" is not registered", "run init from its trunk worktree first", nil)
	}
	repoPath = repo.Path

	driver, err := e.OpenGit(trunkPath(repo))
	if err != nil {
		return nil, imierr.New(imierr.CodeGitError, "opening trunk repository", "", err)
	}

	path := filepath.Join(repo.Path, worktreeName)
	base := baseOverride
	if base == "" {
		base = repo.DefaultBranch
	}

	existing, err := e.Reg.GetWorktree(ctx, repoName, worktreeName)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		entries, err := driver.ListWorktrees()
		if err != nil {
			return nil, imierr.New(imierr.CodeGitError, "listing worktrees", "", err)
		}
		_, statErr := e.FS.Stat(path)
		onDisk := statErr == nil
		inGit := containsWorktreeName(entries, worktreeName)

		if onDisk && inGit {
			if err := e.Reg.TouchWorktree(ctx, repoName, worktreeName); err != nil {
				return nil, err
			}
			return e.Reg.GetWorktree(ctx, repoName, worktreeName)
		}
		return nil, imierr.New(imierr.CodeStale,
			"worktree "+worktreeName+" is registered but its git entry is missing",
			"run prune before recreating it", nil)
	}

	local := e.localStore(repo.Path)
	err = local.Locked(func() error {
		if err := driver.AddWorktree(path, branchName, base); err != nil {
			return wrapGitErr(err, "adding worktree")
		}
		// git materialises the directory as a side effect of AddWorktree;
		// reflect that in the FS view so later Stat-based checks agree.
		if err := e.FS.MkdirAll(path, 0o755); err != nil {
			return imierr.New(imierr.CodeIOError, "recording worktree directory", "", err)
		}
		if _, err := e.Reg.RegisterWorktree(ctx, repoName, string(kind), worktreeName, branchName, path, agentID); err != nil {
			return err
		}
		return local.UpsertCacheEntry(worktreeName, string(kind), agentID)
	})
	if err != nil {
		return nil, err
	}
	return e.Reg.GetWorktree(ctx, repoName, worktreeName)
}

// WorktreeSummary pairs a registered worktree with its live git status.
type WorktreeSummary struct {
	registry.Worktree
	Status imigit.Status
}

// List returns registered repositories, and, when repoName is set, that
// repository's active worktrees annotated with live status.
func (e *Engine) List(ctx context.Context, repoName string) ([]registry.Repository, []WorktreeSummary, error) {
	repos, err := e.Reg.ListRepositories(ctx)
	if err != nil {
		return nil, nil, err
	}
	if repoName == "" {
		return repos, nil, nil
	}

	wts, err := e.Reg.ListWorktrees(ctx, repoName)
	if err != nil {
		return nil, nil, err
	}
	summaries := make([]WorktreeSummary, 0, len(wts))
	for _, wt := range wts {
		driver, err := e.OpenGit(wt.Path)
		var st imigit.Status
		if err == nil {
			st, _ = driver.Status(wt.Path)
		}
		summaries = append(summaries, WorktreeSummary{Worktree: wt, Status: st})
	}
	return repos, summaries, nil
}

// resolveShortName finds the active worktree in wts matching shortName
// either exactly or by its logical suffix (e.g. "my-feature" matching
// "feat-my-feature").
func resolveShortName(wts []registry.Worktree, shortName string) (*registry.Worktree, error) {
	var match *registry.Worktree
	for i := range wts {
		wt := &wts[i]
		if wt.Name == shortName || strings.HasSuffix(wt.Name, "-"+shortName) {
			if match != nil {
				return nil, imierr.New(imierr.CodeWorktreeNotFound, "ambiguous worktree name "+shortName, "use the full worktree name", nil)
			}
			match = wt
		}
	}
	if match == nil {
		return nil, imierr.New(imierr.CodeWorktreeNotFound, "no worktree matching "+shortName, "", nil)
	}
	return match, nil
}

// closeOrRemove implements both Close and Remove: it removes the
// directory and git admin entry, deactivates the Registry row, releases
// any presence claim, and drops the branch only when deleteBranch is
// set. With dryRun set it resolves the worktree and returns it without
// mutating anything, so callers can preview exactly which worktree (and
// branch) the destructive variant would act on.
func (e *Engine) closeOrRemove(ctx context.Context, repoName, shortName string, deleteBranch, dryRun bool) (wt *registry.Worktree, err error) {
	var repoPath string
	defer func() {
		if dryRun {
			return
		}
		if deleteBranch {
			telemetry.RecordWorktreeRemove(ctx, repoName, shortName, err)
		} else {
			telemetry.RecordWorktreeClose(ctx, repoName, shortName, err)
		}
		if err == nil && repoPath != "" {
			evtType := events.WorktreeClosed
			verb := "closed"
			if deleteBranch {
				evtType = events.WorktreeRemoved
				verb = "removed"
			}
			events.AppendTo(repoPath, events.Event{
				Type: evtType, Actor: "", Subject: wt.Name,
				Message: verb + " worktree " + wt.Name,
			}, os.Stderr)
			_ = e.Reg.LogActivity(ctx, wt.ID, "", verb, "", verb+" worktree "+wt.Name)
		}
	}()

	repo, err := e.Reg.GetRepository(ctx, repoName)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, imierr.New(imierr.CodeRepoNotRegistered, "repository "+repoName+" is not registered", "", nil)
	}
	repoPath = repo.Path

	wts, err := e.Reg.ListWorktrees(ctx, repoName)
	if err != nil {
		return nil, err
	}
	wt, err = resolveShortName(wts, shortName)
	if err != nil {
		return nil, err
	}
	if dryRun {
		return wt, nil
	}

	driver, err := e.OpenGit(trunkPath(repo))
	if err != nil {
		return nil, imierr.New(imierr.CodeGitError, "opening trunk repository", "", err)
	}

	local := e.localStore(repo.Path)
	err = local.Locked(func() error {
		if err := driver.RemoveWorktree(wt.Path, true); err != nil {
			return wrapGitErr(err, "removing worktree")
		}
		if err := e.FS.RemoveAll(wt.Path); err != nil {
			return imierr.New(imierr.CodeIOError, "removing worktree directory", "", err)
		}
		if deleteBranch {
			if err := driver.DeleteBranch(wt.Branch, true); err != nil {
				return wrapGitErr(err, "deleting branch")
			}
		}
		if err := e.Reg.DeactivateWorktree(ctx, repoName, wt.Name); err != nil {
			return err
		}
		return local.RemoveCacheEntry(wt.Name)
	})
	if err != nil {
		return nil, err
	}

	if err := presence.New(local).Release(wt.Name); err != nil {
		return nil, err
	}
	return wt, nil
}

// Close removes the directory and git entry and deactivates the
// Registry row, but preserves the branch. With dryRun set it only
// resolves and returns the worktree that would be closed.
func (e *Engine) Close(ctx context.Context, repoName, shortName string, dryRun bool) (*registry.Worktree, error) {
	return e.closeOrRemove(ctx, repoName, shortName, false, dryRun)
}

// Remove is Close plus branch deletion, unless keepBranch is set. With
// dryRun set it only resolves and returns the worktree that would be
// removed.
func (e *Engine) Remove(ctx context.Context, repoName, shortName string, keepBranch, dryRun bool) (*registry.Worktree, error) {
	return e.closeOrRemove(ctx, repoName, shortName, !keepBranch, dryRun)
}
