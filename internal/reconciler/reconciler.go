// Package reconciler implements the three-way merge between the
// filesystem, git's worktree administrative data, and the Registry,
// invoked explicitly via `prune` or implicitly before operations that
// require a consistent view.
package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/delorenj/imi-go/internal/events"
	"github.com/delorenj/imi-go/internal/fsys"
	"github.com/delorenj/imi-go/internal/imictx"
	"github.com/delorenj/imi-go/internal/imierr"
	"github.com/delorenj/imi-go/internal/imigit"
	"github.com/delorenj/imi-go/internal/localstore"
	"github.com/delorenj/imi-go/internal/registry"
	"github.com/delorenj/imi-go/internal/telemetry"
)

// Report summarises one reconciliation pass. Entries are worktree
// names, populated whether or not DryRun suppressed the mutation.
type Report struct {
	StaleGit  []string // in GIT, not on disk
	OrphanFS  []string // on disk, in neither GIT nor REG
	StaleReg  []string // in REG, not in GIT
	CorruptFS []string // name-pattern directory on disk with no .git, but GIT still lists it
	DryRun    bool
}

// Reconcile converges FS, GIT, and REG for repo. When dryRun is true no
// mutation occurs; the report still reflects what WOULD happen.
// OrphanFS directories are only deleted when force is also set.
func Reconcile(ctx context.Context, reg *registry.Registry, fs fsys.FS, driver imigit.GitDriver, local *localstore.Store, repo *registry.Repository, dryRun, force bool) (report Report, err error) {
	defer func() {
		telemetry.RecordPrune(ctx, repo.Name, len(report.StaleGit), len(report.OrphanFS), len(report.StaleReg), len(report.CorruptFS), err)
		if err == nil && !dryRun {
			events.AppendTo(repo.Path, events.Event{
				Type:    events.PruneCompleted,
				Subject: repo.Name,
				Message: "pruned stale_git=" + strconv.Itoa(len(report.StaleGit)) + " orphan_fs=" + strconv.Itoa(len(report.OrphanFS)) + " stale_reg=" + strconv.Itoa(len(report.StaleReg)) + " corrupt_fs=" + strconv.Itoa(len(report.CorruptFS)),
			}, os.Stderr)
		}
	}()

	trunkName := "trunk-" + repo.DefaultBranch

	fsNames, noGitNames, err := scanFS(fs, repo.Path, trunkName)
	if err != nil {
		return Report{}, err
	}

	gitEntries, err := driver.ListWorktrees()
	if err != nil {
		return Report{}, imierr.New(imierr.CodeGitError, "listing worktrees", "", err)
	}
	gitNames := map[string]string{} // name -> path
	for _, e := range gitEntries {
		if e.Name == trunkName {
			continue
		}
		gitNames[e.Name] = e.Path
	}

	regRows, err := reg.ListWorktrees(ctx, repo.Name)
	if err != nil {
		return Report{}, err
	}
	regNames := map[string]bool{}
	for _, row := range regRows {
		if row.Kind == "trunk" {
			continue
		}
		regNames[row.Name] = true
	}

	report = Report{DryRun: dryRun}

	for name := range gitNames {
		if fsNames[name] {
			continue
		}
		if noGitNames[name] {
			// git's admin data still lists name, but the directory that
			// should hold its .git entry does not have one: neither a
			// clean stale-admin case nor a clean orphan, so it gets its
			// own bucket rather than silently falling into either.
			report.CorruptFS = append(report.CorruptFS, name)
			continue
		}
		report.StaleGit = append(report.StaleGit, name)
	}
	for name := range fsNames {
		_, inGit := gitNames[name]
		if !inGit && !regNames[name] {
			report.OrphanFS = append(report.OrphanFS, name)
		}
	}
	for name := range noGitNames {
		if _, inGit := gitNames[name]; inGit {
			continue // already captured above as CorruptFS
		}
		if !regNames[name] {
			report.OrphanFS = append(report.OrphanFS, name)
		}
	}
	// A row whose git admin entry is about to be pruned in this same pass
	// counts as stale too; computing against the pre-prune GIT set alone
	// would leave it active until a second pass.
	pruned := map[string]bool{}
	for _, name := range report.StaleGit {
		pruned[name] = true
	}
	for _, name := range report.CorruptFS {
		pruned[name] = true
	}
	for name := range regNames {
		if _, inGit := gitNames[name]; !inGit || pruned[name] {
			report.StaleReg = append(report.StaleReg, name)
		}
	}
	sort.Strings(report.StaleGit)
	sort.Strings(report.OrphanFS)
	sort.Strings(report.StaleReg)
	sort.Strings(report.CorruptFS)

	if dryRun {
		return report, nil
	}

	staleAdminNames := append(append([]string{}, report.StaleGit...), report.CorruptFS...)
	if len(staleAdminNames) > 0 {
		if err := driver.PruneAdmin(); err != nil {
			return report, imierr.New(imierr.CodeGitError, "pruning worktree admin", "", err)
		}
		residual, err := driver.ListWorktrees()
		if err != nil {
			return report, imierr.New(imierr.CodeGitError, "listing worktrees after prune", "", err)
		}
		stillAdmin := map[string]string{}
		for _, e := range residual {
			stillAdmin[e.Name] = e.Path
		}
		for _, name := range staleAdminNames {
			if path, ok := stillAdmin[name]; ok {
				if err := driver.RemoveWorktree(path, true); err != nil {
					return report, imierr.New(imierr.CodeGitError, "removing stale worktree "+name, "", err)
				}
			}
		}
	}

	if force {
		for _, name := range append(append([]string{}, report.OrphanFS...), report.CorruptFS...) {
			if err := fs.RemoveAll(filepath.Join(repo.Path, name)); err != nil {
				return report, imierr.New(imierr.CodeIOError, "removing orphan directory "+name, "", err)
			}
		}
	}

	for _, name := range report.StaleReg {
		if err := reg.DeactivateWorktree(ctx, repo.Name, name); err != nil {
			return report, err
		}
		if err := local.UnregisterWorktree(name); err != nil {
			return report, err
		}
	}

	return report, nil
}

// scanFS returns two disjoint sets of directory names directly under
// root that match a worktree-name prefix (excluding trunkName):
// fsNames holds directories with a real `.git` entry (genuine
// worktrees), noGit holds name-pattern matches that lack one. A noGit
// entry is the orphan-fs case only when GIT has never heard of it;
// Reconcile cross-references noGit against gitNames to
// catch the case where git's admin data still lists a directory whose
// `.git` has been removed out from under it.
func scanFS(fs fsys.FS, root, trunkName string) (fsNames, noGit map[string]bool, err error) {
	entries, err := fs.ReadDir(root)
	if err != nil {
		return nil, nil, imierr.New(imierr.CodeIOError, "scanning cluster root", "", err)
	}
	fsNames = map[string]bool{}
	noGit = map[string]bool{}
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == trunkName {
			continue
		}
		if imictx.ClassifyDirName(entry.Name()) == imictx.KindOther {
			continue
		}
		if _, statErr := fs.Stat(filepath.Join(root, entry.Name(), ".git")); statErr != nil {
			noGit[entry.Name()] = true
			continue
		}
		fsNames[entry.Name()] = true
	}
	return fsNames, noGit, nil
}
