package imigit

import (
	"fmt"
	"sort"
)

// Fake is an in-memory stand-in for [Driver], following the same
// spy-and-fake shape as [fsys.Fake]: pre-populate Branches/Statuses/
// Remotes, drive worktree lifecycle through the same methods the real
// Driver exposes, then assert against Calls afterward.
//
// Disk tracks which worktree paths still have an on-disk directory,
// separately from the admin set git itself would remember — this is
// what lets PruneAdmin model git's real behavior: an out-of-band
// `rm -rf` leaves the admin entry behind until something prunes it.
type Fake struct {
	Branches    map[string]bool          // branch name → exists
	Statuses    map[string]Status        // path → status
	Remotes     map[string]string        // remote name → URL
	CurrentHead string                   // branch or DetachedHead
	Errors      map[string]error         // method name → injected error
	Calls       []string

	admin map[string]WorktreeEntry // path → entry git still remembers
	disk  map[string]bool          // path → directory actually exists
}

// NewFake returns a ready-to-use [Fake].
func NewFake() *Fake {
	return &Fake{
		Branches: make(map[string]bool),
		Statuses: make(map[string]Status),
		Remotes:  make(map[string]string),
		Errors:   make(map[string]error),
		admin:    make(map[string]WorktreeEntry),
		disk:     make(map[string]bool),
	}
}

func (f *Fake) record(call string) { f.Calls = append(f.Calls, call) }

// CurrentBranch returns f.CurrentHead, or [DetachedHead] if unset.
func (f *Fake) CurrentBranch() (string, error) {
	f.record("CurrentBranch")
	if err, ok := f.Errors["CurrentBranch"]; ok {
		return "", err
	}
	if f.CurrentHead == "" {
		return DetachedHead, nil
	}
	return f.CurrentHead, nil
}

// RemoteURL returns the configured URL for name (default "origin").
func (f *Fake) RemoteURL(name string) (string, error) {
	f.record("RemoteURL:" + name)
	if name == "" {
		name = "origin"
	}
	if err, ok := f.Errors["RemoteURL"]; ok {
		return "", err
	}
	url, ok := f.Remotes[name]
	if !ok {
		return "", fmt.Errorf("remote %q has no URL", name)
	}
	return url, nil
}

// Status returns the pre-populated status for path, defaulting to clean.
func (f *Fake) Status(path string) (Status, error) {
	f.record("Status:" + path)
	if err, ok := f.Errors["Status"]; ok {
		return Status{}, err
	}
	if st, ok := f.Statuses[path]; ok {
		return st, nil
	}
	return Status{Clean: true}, nil
}

// AddWorktree records a new worktree entry and marks it present on disk,
// honoring the same conflict rules as [Driver.AddWorktree].
func (f *Fake) AddWorktree(path, branch, base string) error {
	f.record("AddWorktree:" + path + ":" + branch)
	if err, ok := f.Errors["AddWorktree"]; ok {
		return err
	}
	if _, exists := f.admin[path]; exists {
		return fmt.Errorf("%w: %s", ErrPathExists, path)
	}
	if f.Branches[branch] {
		for _, wt := range f.admin {
			if wt.Branch == branch {
				return fmt.Errorf("%w: %s", ErrBranchConflict, branch)
			}
		}
	}
	if base != "" && !f.Branches[base] && base != f.CurrentHead {
		return fmt.Errorf("%w: %s", ErrBaseMissing, base)
	}
	f.Branches[branch] = true
	f.admin[path] = WorktreeEntry{
		Name:   lastPathElement(path),
		Path:   path,
		Branch: branch,
		Head:   "fake-sha",
	}
	f.disk[path] = true
	return nil
}

// RemoveWorktree deletes the recorded worktree entry and its disk flag.
// Idempotent: a path with no admin entry is a no-op success.
func (f *Fake) RemoveWorktree(name string, _ bool) error {
	f.record("RemoveWorktree:" + name)
	if err, ok := f.Errors["RemoveWorktree"]; ok {
		return err
	}
	for path := range f.admin {
		if path == name || lastPathElement(path) == name {
			delete(f.admin, path)
			delete(f.disk, path)
			return nil
		}
	}
	return nil
}

// PruneAdmin drops admin entries whose disk flag was cleared by
// [Fake.RemoveDiskEntry], modeling `git worktree prune`.
func (f *Fake) PruneAdmin() error {
	f.record("PruneAdmin")
	if err, ok := f.Errors["PruneAdmin"]; ok {
		return err
	}
	for path := range f.admin {
		if !f.disk[path] {
			delete(f.admin, path)
		}
	}
	return nil
}

// ListWorktrees returns all recorded worktrees, sorted by path for
// deterministic test assertions.
func (f *Fake) ListWorktrees() ([]WorktreeEntry, error) {
	f.record("ListWorktrees")
	if err, ok := f.Errors["ListWorktrees"]; ok {
		return nil, err
	}
	out := make([]WorktreeEntry, 0, len(f.admin))
	for _, wt := range f.admin {
		out = append(out, wt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// DeleteBranch removes branch from the fake's tracked set.
func (f *Fake) DeleteBranch(branch string, _ bool) error {
	f.record("DeleteBranch:" + branch)
	if err, ok := f.Errors["DeleteBranch"]; ok {
		return err
	}
	delete(f.Branches, branch)
	return nil
}

// HasBranch reports whether branch is tracked as existing. Test-only
// helper, not part of the Driver contract.
func (f *Fake) HasBranch(branch string) bool { return f.Branches[branch] }

// HasAdminEntry reports whether git still has an administrative entry
// for path. Test-only helper.
func (f *Fake) HasAdminEntry(path string) bool {
	_, ok := f.admin[path]
	return ok
}

// RemoveDiskEntry simulates an out-of-band `rm -rf` of a worktree
// directory: the admin entry survives (matching real git's behavior
// until something prunes it) but the directory no longer exists.
func (f *Fake) RemoveDiskEntry(path string) {
	f.record("RemoveDiskEntry:" + path)
	f.disk[path] = false
}

// SeedForeignWorktree adds an admin entry directly, as if created by
// another tool or a prior process — without going through AddWorktree's
// conflict checks. Test-only helper for constructing stale-git scenarios.
func (f *Fake) SeedForeignWorktree(entry WorktreeEntry) {
	f.admin[entry.Path] = entry
	f.Branches[entry.Branch] = true
	f.disk[entry.Path] = true
}

var _ GitDriver = (*Fake)(nil)
