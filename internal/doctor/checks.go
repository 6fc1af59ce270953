package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/delorenj/imi-go/internal/fsys"
	"github.com/delorenj/imi-go/internal/localstore"
	"github.com/delorenj/imi-go/internal/registry"
)

// --- Core checks ---

// ClusterStructureCheck verifies the `.iMi/` directory and a trunk-*
// sibling exist under the cluster root.
type ClusterStructureCheck struct {
	fs fsys.FS
}

// NewClusterStructureCheck creates a check for the cluster's on-disk layout.
func NewClusterStructureCheck(fs fsys.FS) *ClusterStructureCheck {
	return &ClusterStructureCheck{fs: fs}
}

// Name returns the check identifier.
func (c *ClusterStructureCheck) Name() string { return "cluster-structure" }

// Run checks that the cluster root has the expected structure.
func (c *ClusterStructureCheck) Run(ctx *CheckContext) *CheckResult {
	r := &CheckResult{Name: c.Name()}
	imiDir := filepath.Join(ctx.ClusterRoot, ".iMi")
	if fi, err := c.fs.Stat(imiDir); err != nil || !fi.IsDir() {
		r.Status = StatusError
		r.Message = ".iMi/ directory missing"
		r.FixHint = "run `imi init` from the trunk worktree"
		return r
	}

	entries, err := c.fs.ReadDir(ctx.ClusterRoot)
	if err != nil {
		r.Status = StatusError
		r.Message = fmt.Sprintf("cannot read cluster root: %v", err)
		return r
	}
	for _, e := range entries {
		if e.IsDir() && len(e.Name()) > 6 && e.Name()[:6] == "trunk-" {
			r.Status = StatusOK
			r.Message = ".iMi/ and " + e.Name() + " present"
			return r
		}
	}
	r.Status = StatusError
	r.Message = "no trunk-<branch> directory found"
	return r
}

// CanFix returns false — structure must be created by imi init.
func (c *ClusterStructureCheck) CanFix() bool { return false }

// Fix is a no-op.
func (c *ClusterStructureCheck) Fix(_ *CheckContext) error { return nil }

// RegistryReachableCheck verifies the control-plane database opens and
// the cluster's repository row is present and active.
type RegistryReachableCheck struct {
	reg *registry.Registry
}

// NewRegistryReachableCheck creates a check against an already-open Registry.
func NewRegistryReachableCheck(reg *registry.Registry) *RegistryReachableCheck {
	return &RegistryReachableCheck{reg: reg}
}

// Name returns the check identifier.
func (c *RegistryReachableCheck) Name() string { return "registry-reachable" }

// Run verifies the repository row exists and is active.
func (c *RegistryReachableCheck) Run(ctx *CheckContext) *CheckResult {
	r := &CheckResult{Name: c.Name()}
	repo, err := c.reg.GetRepository(context.Background(), ctx.RepoName)
	if err != nil {
		r.Status = StatusError
		r.Message = fmt.Sprintf("registry query failed: %v", err)
		return r
	}
	if repo == nil {
		r.Status = StatusError
		r.Message = fmt.Sprintf("repository %q is not registered", ctx.RepoName)
		r.FixHint = "run `imi init` or `imi sync`"
		return r
	}
	if !repo.Active {
		r.Status = StatusWarning
		r.Message = fmt.Sprintf("repository %q is registered but inactive", ctx.RepoName)
		return r
	}
	r.Status = StatusOK
	r.Message = fmt.Sprintf("repository %q reachable (default branch %s)", repo.Name, repo.DefaultBranch)
	return r
}

// CanFix returns false.
func (c *RegistryReachableCheck) CanFix() bool { return false }

// Fix is a no-op.
func (c *RegistryReachableCheck) Fix(_ *CheckContext) error { return nil }

// --- Infrastructure checks ---

// LookPathFunc is the function used to find binaries. Defaults to exec.LookPath.
// Tests can override this.
type LookPathFunc func(file string) (string, error)

// BinaryCheck verifies a binary is on PATH.
type BinaryCheck struct {
	binary   string
	lookPath LookPathFunc
}

// NewBinaryCheck creates a check for the given binary.
func NewBinaryCheck(binary string, lp LookPathFunc) *BinaryCheck {
	if lp == nil {
		lp = exec.LookPath
	}
	return &BinaryCheck{binary: binary, lookPath: lp}
}

// Name returns the check identifier.
func (c *BinaryCheck) Name() string { return c.binary + "-binary" }

// Run checks if the binary is on PATH.
func (c *BinaryCheck) Run(_ *CheckContext) *CheckResult {
	r := &CheckResult{Name: c.Name()}
	path, err := c.lookPath(c.binary)
	if err != nil {
		r.Status = StatusError
		r.Message = fmt.Sprintf("%s not found in PATH", c.binary)
		r.FixHint = fmt.Sprintf("install %s and ensure it's in PATH", c.binary)
		return r
	}
	r.Status = StatusOK
	r.Message = fmt.Sprintf("found %s", path)
	return r
}

// CanFix returns false.
func (c *BinaryCheck) CanFix() bool { return false }

// Fix is a no-op.
func (c *BinaryCheck) Fix(_ *CheckContext) error { return nil }

// --- Presence checks ---

// OrphanPresenceLocksCheck finds presence claims under `.iMi/presence/`
// whose worktree name has no corresponding active Registry row. These
// accumulate when a worktree is removed out-of-band without releasing
// its claim first.
type OrphanPresenceLocksCheck struct {
	fs  fsys.FS
	reg *registry.Registry
}

// NewOrphanPresenceLocksCheck creates a check for stale presence claims.
func NewOrphanPresenceLocksCheck(fs fsys.FS, reg *registry.Registry) *OrphanPresenceLocksCheck {
	return &OrphanPresenceLocksCheck{fs: fs, reg: reg}
}

// Name returns the check identifier.
func (c *OrphanPresenceLocksCheck) Name() string { return "orphan-presence-locks" }

// Run lists presence lock files and compares them against registered,
// active worktrees.
func (c *OrphanPresenceLocksCheck) Run(ctx *CheckContext) *CheckResult {
	r := &CheckResult{Name: c.Name()}
	local := localstore.New(c.fs, ctx.ClusterRoot)

	entries, err := c.fs.ReadDir(local.PresenceDir())
	if err != nil {
		r.Status = StatusOK
		r.Message = "no presence claims"
		return r
	}

	wts, err := c.reg.ListWorktrees(context.Background(), ctx.RepoName)
	if err != nil {
		r.Status = StatusError
		r.Message = fmt.Sprintf("listing worktrees: %v", err)
		return r
	}
	active := make(map[string]bool, len(wts))
	for _, wt := range wts {
		active[wt.Name] = true
	}

	var orphans []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := trimLockSuffix(e.Name())
		if name == "" || active[name] {
			continue
		}
		orphans = append(orphans, name)
	}

	if len(orphans) == 0 {
		r.Status = StatusOK
		r.Message = "no orphan presence claims"
		return r
	}
	r.Status = StatusWarning
	r.Message = fmt.Sprintf("%d orphan presence claim(s)", len(orphans))
	r.Details = orphans
	r.FixHint = "run `imi release <name>` for each"
	return r
}

// CanFix returns false.
func (c *OrphanPresenceLocksCheck) CanFix() bool { return false }

// Fix is a no-op.
func (c *OrphanPresenceLocksCheck) Fix(_ *CheckContext) error { return nil }

func trimLockSuffix(filename string) string {
	const suffix = ".lock"
	if len(filename) <= len(suffix) || filename[len(filename)-len(suffix):] != suffix {
		return ""
	}
	return filename[:len(filename)-len(suffix)]
}

// --- Events log check ---

// EventsLogCheck verifies `.iMi/events.jsonl` exists and is readable as
// newline-delimited JSON, used by the events recorder (component K).
type EventsLogCheck struct {
	fs fsys.FS
}

// NewEventsLogCheck creates a check for the events log file.
func NewEventsLogCheck(fs fsys.FS) *EventsLogCheck {
	return &EventsLogCheck{fs: fs}
}

// Name returns the check identifier.
func (c *EventsLogCheck) Name() string { return "events-log" }

// Run checks the events log file.
func (c *EventsLogCheck) Run(ctx *CheckContext) *CheckResult {
	r := &CheckResult{Name: c.Name()}
	path := filepath.Join(ctx.ClusterRoot, ".iMi", "events.jsonl")
	data, err := c.fs.ReadFile(path)
	if err != nil {
		r.Status = StatusWarning
		r.Message = "events.jsonl not found (no events recorded yet)"
		return r
	}
	if len(data) == 0 {
		r.Status = StatusOK
		r.Message = "events.jsonl exists, empty"
		return r
	}
	lines := splitLines(data)
	var lastErr error
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		var v map[string]any
		if err := json.Unmarshal(line, &v); err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		r.Status = StatusWarning
		r.Message = fmt.Sprintf("events.jsonl contains malformed record(s): %v", lastErr)
		return r
	}
	r.Status = StatusOK
	r.Message = fmt.Sprintf("events.jsonl valid (%d record(s))", len(lines))
	return r
}

// CanFix returns false.
func (c *EventsLogCheck) CanFix() bool { return false }

// Fix is a no-op.
func (c *EventsLogCheck) Fix(_ *CheckContext) error { return nil }

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
