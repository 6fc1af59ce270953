// Package imigit implements the GitDriver contract: a narrow, policy-free
// adaptor over git repository and worktree operations.
//
// Read-only operations (open, status, current branch, remote URL) are
// served by go-git, a pure-Go git implementation. go-git v5 has no
// worktree-administration API (no equivalent of `git worktree
// add/remove/prune`), so those mutating operations shell out to the git
// binary.
package imigit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"

	"github.com/delorenj/imi-go/internal/telemetry"
)

// Sentinel errors returned by mutating operations. Wrap with %w so callers
// can match with errors.Is.
var (
	// ErrNotARepo means path is neither a working tree nor a bare repo.
	ErrNotARepo = errors.New("not a git repository")
	// ErrBranchConflict means the requested branch already exists and
	// points somewhere other than where the caller expected.
	ErrBranchConflict = errors.New("branch already exists")
	// ErrPathExists means the target worktree path is already occupied.
	ErrPathExists = errors.New("path already exists")
	// ErrBaseMissing means the requested base revision does not resolve.
	ErrBaseMissing = errors.New("base revision not found")
)

// DetachedHead is returned by CurrentBranch when HEAD is not on a branch.
const DetachedHead = "HEAD"

// WorktreeEntry describes one entry from `git worktree list`.
type WorktreeEntry struct {
	Name     string // directory base name
	Path     string
	Branch   string // branch name, or "" if detached
	Head     string // commit SHA
	Detached bool
	Locked   bool
}

// Status summarizes the working tree and index state of a repository.
// Clean is false whenever the index differs from HEAD, the working tree
// differs from the index, or untracked non-ignored files exist — the
// three classes a naive "check just one bit" implementation misses.
type Status struct {
	Clean     bool
	Modified  []string
	Untracked []string
	Deleted   []string
}

// GitDriver is the contract the worktree engine and reconciler depend
// on. [Driver] is the production implementation; [Fake] satisfies it
// for tests.
type GitDriver interface {
	CurrentBranch() (string, error)
	RemoteURL(name string) (string, error)
	Status(path string) (Status, error)
	AddWorktree(path, branch, base string) error
	RemoveWorktree(name string, force bool) error
	PruneAdmin() error
	ListWorktrees() ([]WorktreeEntry, error)
	DeleteBranch(branch string, force bool) error
}

// Driver wraps git operations scoped to a single working directory.
type Driver struct {
	path string
}

// Open returns a Driver scoped to path, after verifying path is inside a
// git working tree or bare repository.
func Open(path string) (*Driver, error) {
	if _, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true}); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotARepo, path, err)
	}
	return &Driver{path: path}, nil
}

// New returns a Driver scoped to path without verifying it is a repository.
// Used when the caller has already established that invariant (e.g. a
// worktree path returned by ListWorktrees).
func New(path string) *Driver {
	return &Driver{path: path}
}

// CurrentBranch returns the current branch name, or [DetachedHead] if HEAD
// does not point at a branch.
func (d *Driver) CurrentBranch() (string, error) {
	repo, err := git.PlainOpenWithOptions(d.path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotARepo, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return DetachedHead, nil
	}
	return head.Name().Short(), nil
}

// RemoteURL returns the URL configured for the named remote (default
// "origin").
func (d *Driver) RemoteURL(name string) (string, error) {
	if name == "" {
		name = "origin"
	}
	repo, err := git.PlainOpenWithOptions(d.path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotARepo, err)
	}
	remote, err := repo.Remote(name)
	if err != nil {
		return "", fmt.Errorf("reading remote %q: %w", name, err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", fmt.Errorf("remote %q has no URL", name)
	}
	return urls[0], nil
}

// Status reports working-tree and index state, including staged changes,
// unstaged changes, and untracked files.
func (d *Driver) Status(path string) (Status, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrNotARepo, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return Status{}, fmt.Errorf("opening worktree: %w", err)
	}
	raw, err := wt.Status()
	if err != nil {
		return Status{}, fmt.Errorf("reading status: %w", err)
	}

	st := Status{Clean: raw.IsClean()}
	for file, fileStatus := range raw {
		switch {
		case fileStatus.Worktree == git.Untracked && fileStatus.Staging == git.Untracked:
			st.Untracked = append(st.Untracked, file)
		case fileStatus.Worktree == git.Deleted || fileStatus.Staging == git.Deleted:
			st.Deleted = append(st.Deleted, file)
		case fileStatus.Worktree != git.Unmodified || fileStatus.Staging != git.Unmodified:
			// Covers both working-tree edits and staged-but-uncommitted
			// edits (git add'ing a modified file must still report dirty).
			st.Modified = append(st.Modified, file)
		}
	}
	return st, nil
}

// AddWorktree creates a branch from base (current HEAD if base is empty)
// if it does not already exist, then materialises a worktree at path.
func (d *Driver) AddWorktree(path, branch, base string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrPathExists, path)
	}

	branchExists, err := d.branchExists(branch)
	if err != nil {
		return err
	}

	args := []string{"worktree", "add"}
	if !branchExists {
		if base == "" {
			args = append(args, "-b", branch, path)
		} else {
			if !d.revisionExists(base) {
				return fmt.Errorf("%w: %s", ErrBaseMissing, base)
			}
			args = append(args, "-b", branch, path, base)
		}
	} else {
		args = append(args, path, branch)
	}

	if out, err := d.run(args...); err != nil {
		if strings.Contains(out, "already exists") && strings.Contains(out, "branch") {
			return fmt.Errorf("%w: %s: %s", ErrBranchConflict, branch, out)
		}
		return fmt.Errorf("adding worktree at %q branch %q: %w", path, branch, err)
	}
	return nil
}

// RemoveWorktree removes the git administrative entry and on-disk checkout
// for name (a worktree directory name or path). Idempotent: succeeds if
// the worktree is already gone.
func (d *Driver) RemoveWorktree(name string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, name)
	out, err := d.run(args...)
	if err != nil {
		if strings.Contains(out, "is not a working tree") || strings.Contains(out, "No such file") {
			return nil
		}
		return fmt.Errorf("removing worktree %q: %w", name, err)
	}
	return nil
}

// PruneAdmin drops administrative entries whose working trees are missing.
func (d *Driver) PruneAdmin() error {
	_, err := d.run("worktree", "prune")
	if err != nil {
		return fmt.Errorf("pruning worktree admin: %w", err)
	}
	return nil
}

// ListWorktrees returns every worktree registered against the repository,
// in the order git reports them (trunk first).
func (d *Driver) ListWorktrees() ([]WorktreeEntry, error) {
	out, err := d.run("worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("listing worktrees: %w", err)
	}
	return parseWorktreeList(out), nil
}

// DeleteBranch deletes the local branch, force-deleting if force is true
// (needed when the branch has commits unreachable from its upstream).
func (d *Driver) DeleteBranch(branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	if _, err := d.run("branch", flag, branch); err != nil {
		return fmt.Errorf("deleting branch %q: %w", branch, err)
	}
	return nil
}

func (d *Driver) branchExists(branch string) (bool, error) {
	_, err := d.run("show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, err
}

func (d *Driver) revisionExists(rev string) bool {
	_, err := d.run("rev-parse", "--verify", "--quiet", rev+"^{commit}")
	return err == nil
}

// gitEnvBlacklist lists git environment variables that must be stripped so
// subprocess git commands use the intended directory, not a parent repo
// leaking in from, e.g., a pre-commit hook context.
var gitEnvBlacklist = map[string]bool{
	"GIT_DIR":                          true,
	"GIT_WORK_TREE":                    true,
	"GIT_INDEX_FILE":                   true,
	"GIT_OBJECT_DIRECTORY":             true,
	"GIT_ALTERNATE_OBJECT_DIRECTORIES": true,
}

// run executes a git subcommand rooted at d.path, returning combined
// stdout+stderr for callers that need to pattern-match git's messages.
func (d *Driver) run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = d.path
	for _, e := range os.Environ() {
		if k, _, ok := strings.Cut(e, "="); ok && gitEnvBlacklist[k] {
			continue
		}
		cmd.Env = append(cmd.Env, e)
	}
	cmd.Env = append(cmd.Env, telemetry.OTELEnvForSubprocess()...)

	start := time.Now()
	out, err := cmd.CombinedOutput()
	durationMs := float64(time.Since(start).Microseconds()) / 1000

	telemetry.RecordGitCall(context.Background(), args, durationMs, err, out, "")
	if err != nil {
		return string(out), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

// parseWorktreeList parses `git worktree list --porcelain` output. Each
// block is separated by a blank line and contains "worktree <path>",
// "HEAD <sha>", "branch refs/heads/<name>" (omitted when detached), and
// optional "detached" / "locked [reason]" markers.
func parseWorktreeList(output string) []WorktreeEntry {
	var entries []WorktreeEntry
	var cur WorktreeEntry

	flush := func() {
		if cur.Path != "" {
			cur.Name = lastPathElement(cur.Path)
			entries = append(entries, cur)
		}
		cur = WorktreeEntry{}
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			flush()
			continue
		}
		switch {
		case strings.HasPrefix(line, "worktree "):
			cur.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "detached":
			cur.Detached = true
		case line == "locked" || strings.HasPrefix(line, "locked "):
			cur.Locked = true
		}
	}
	flush()
	return entries
}

func lastPathElement(p string) string {
	p = strings.TrimRight(p, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

var _ GitDriver = (*Driver)(nil)
