package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/delorenj/imi-go/internal/config"
	"github.com/delorenj/imi-go/internal/discovery"
	"github.com/delorenj/imi-go/internal/fsys"
	"github.com/delorenj/imi-go/internal/imictx"
)

func newSyncCmd(stdout, stderr io.Writer) *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Scan for worktree clusters and register any not already known",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if cmdSync(root, stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "directory to scan (default: the configured scan root)")
	return cmd
}

func cmdSync(root string, stdout, stderr io.Writer) int {
	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(stderr, "imi sync: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	cfg, err := config.Load(filepath.Join(home, ".iMi", "config.toml"), home)
	if err != nil {
		fmt.Fprintf(stderr, "imi sync: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	if root == "" {
		root = cfg.ScanRoot
	}

	reg, err := openRegistry()
	if err != nil {
		fmt.Fprintf(stderr, "imi sync: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	defer reg.Close() //nolint:errcheck // best-effort cleanup

	scanner := discovery.New(reg, fsys.OSFS{}, imictx.DefaultOpener, discovery.DefaultMaxDepth)
	found, err := scanner.Scan(context.Background(), root)
	if err != nil {
		fmt.Fprintf(stderr, "imi sync: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}

	fmt.Fprintf(stdout, "scanned %s: %d cluster(s) found\n", root, len(found)) //nolint:errcheck // best-effort stdout
	for _, f := range found {
		fmt.Fprintf(stdout, "  %s\t%s\t%d worktree(s)\n", f.RepoName, f.ClusterRoot, f.WorktreeCount) //nolint:errcheck // best-effort stdout
	}
	return 0
}
