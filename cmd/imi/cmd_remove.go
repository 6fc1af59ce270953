package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newRemoveCmd(stdout, stderr io.Writer) *cobra.Command {
	var keepBranch, dryRun bool
	cmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a worktree's directory, git entry, and (by default) its branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if cmdRemove(args[0], keepBranch, dryRun, stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&keepBranch, "keep-branch", false, "do not delete the branch")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be removed without touching anything")
	return cmd
}

func cmdRemove(name string, keepBranch, dryRun bool, stdout, stderr io.Writer) int {
	repoName, err := resolveRepoName()
	if err != nil {
		fmt.Fprintf(stderr, "imi remove: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}

	eng, reg, err := openEngine()
	if err != nil {
		fmt.Fprintf(stderr, "imi remove: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	defer reg.Close() //nolint:errcheck // best-effort cleanup

	wt, err := eng.Remove(context.Background(), repoName, name, keepBranch, dryRun)
	if err != nil {
		fmt.Fprintf(stderr, "imi remove: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	if dryRun {
		if keepBranch {
			fmt.Fprintf(stdout, "Would remove %s (branch %s preserved)\n", wt.Name, wt.Branch) //nolint:errcheck // best-effort stdout
		} else {
			fmt.Fprintf(stdout, "Would remove %s and delete branch %s\n", wt.Name, wt.Branch) //nolint:errcheck // best-effort stdout
		}
		return 0
	}
	fmt.Fprintf(stdout, "Removed %s\n", wt.Name) //nolint:errcheck // best-effort stdout
	return 0
}
