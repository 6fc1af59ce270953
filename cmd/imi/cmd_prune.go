package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/delorenj/imi-go/internal/fsys"
	"github.com/delorenj/imi-go/internal/imictx"
	"github.com/delorenj/imi-go/internal/localstore"
	"github.com/delorenj/imi-go/internal/reconciler"
)

func newPruneCmd(stdout, stderr io.Writer) *cobra.Command {
	var dryRun, force bool
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Converge the filesystem, git, and the registry for a repository",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if cmdPrune(dryRun, force, stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would change without mutating anything")
	cmd.Flags().BoolVar(&force, "force", false, "also delete orphan directories that have no git or registry footprint")
	return cmd
}

func cmdPrune(dryRun, force bool, stdout, stderr io.Writer) int {
	repoName, err := resolveRepoName()
	if err != nil {
		fmt.Fprintf(stderr, "imi prune: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}

	eng, reg, err := openEngine()
	if err != nil {
		fmt.Fprintf(stderr, "imi prune: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	defer reg.Close() //nolint:errcheck // best-effort cleanup

	ctx := context.Background()
	repo, err := reg.GetRepository(ctx, repoName)
	if err != nil {
		fmt.Fprintf(stderr, "imi prune: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	if repo == nil {
		fmt.Fprintf(stderr, "imi prune: repository %s is not registered\n", repoName) //nolint:errcheck // best-effort stderr
		return 1
	}

	trunkPath := filepath.Join(repo.Path, "trunk-"+repo.DefaultBranch)
	driver, err := imictx.DefaultOpener(trunkPath)
	if err != nil {
		fmt.Fprintf(stderr, "imi prune: opening trunk repository: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}

	local := localstore.New(fsys.OSFS{}, repo.Path)
	report, err := reconciler.Reconcile(ctx, eng.Reg, fsys.OSFS{}, driver, local, repo, dryRun, force)
	if err != nil {
		fmt.Fprintf(stderr, "imi prune: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}

	fmt.Fprintf(stdout, "stale-git: %d, orphan-fs: %d, stale-reg: %d, corrupt-fs: %d\n", //nolint:errcheck // best-effort stdout
		len(report.StaleGit), len(report.OrphanFS), len(report.StaleReg), len(report.CorruptFS))
	for _, name := range report.StaleGit {
		fmt.Fprintf(stdout, "  stale-git  %s\n", name) //nolint:errcheck // best-effort stdout
	}
	for _, name := range report.OrphanFS {
		fmt.Fprintf(stdout, "  orphan-fs  %s\n", name) //nolint:errcheck // best-effort stdout
	}
	for _, name := range report.StaleReg {
		fmt.Fprintf(stdout, "  stale-reg  %s\n", name) //nolint:errcheck // best-effort stdout
	}
	for _, name := range report.CorruptFS {
		fmt.Fprintf(stdout, "  corrupt-fs %s\n", name) //nolint:errcheck // best-effort stdout
	}
	return 0
}
