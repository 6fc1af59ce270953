package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newListCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered repositories, or a repository's worktrees with --repo",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if cmdList(stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	}
}

func cmdList(stdout, stderr io.Writer) int {
	eng, reg, err := openEngine()
	if err != nil {
		fmt.Fprintf(stderr, "imi list: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	defer reg.Close() //nolint:errcheck // best-effort cleanup

	repos, worktrees, err := eng.List(context.Background(), repoFlag)
	if err != nil {
		fmt.Fprintf(stderr, "imi list: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}

	if repoFlag == "" {
		for _, repo := range repos {
			fmt.Fprintf(stdout, "%s\t%s\t%s\n", repo.Name, repo.DefaultBranch, repo.Path) //nolint:errcheck // best-effort stdout
		}
		return 0
	}
	for _, wt := range worktrees {
		status := "clean"
		if !wt.Status.Clean {
			status = fmt.Sprintf("dirty(+%d ~%d -%d)", len(wt.Status.Untracked), len(wt.Status.Modified), len(wt.Status.Deleted))
		}
		fmt.Fprintf(stdout, "%s\t%s\t%s\t%s\t%s\n", wt.Kind, wt.Name, wt.Branch, status, wt.Path) //nolint:errcheck // best-effort stdout
	}
	return 0
}
