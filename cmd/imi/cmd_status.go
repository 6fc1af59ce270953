package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/delorenj/imi-go/internal/imictx"
)

func newStatusCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show how the current directory resolves against the cluster and git",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if cmdStatus(stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	}
}

func cmdStatus(stdout, stderr io.Writer) int {
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(stderr, "imi status: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}

	ctx, err := imictx.Resolve(cwd)
	if err != nil {
		fmt.Fprintf(stderr, "imi status: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}

	switch ctx.Location {
	case imictx.Outside:
		fmt.Fprintln(stdout, "outside any registered cluster") //nolint:errcheck // best-effort stdout
	case imictx.InRoot:
		fmt.Fprintf(stdout, "cluster root: %s\n", ctx.RepoName) //nolint:errcheck // best-effort stdout
	case imictx.InRepository:
		fmt.Fprintf(stdout, "repository: %s\n", ctx.RepoName) //nolint:errcheck // best-effort stdout
		switch ctx.Git {
		case imictx.GitInTrunk:
			fmt.Fprintln(stdout, "location: trunk worktree") //nolint:errcheck // best-effort stdout
		case imictx.GitInWorktree:
			fmt.Fprintf(stdout, "location: %s worktree (%s)\n", ctx.Kind, ctx.WorktreePath) //nolint:errcheck // best-effort stdout
		case imictx.GitInRepository:
			fmt.Fprintln(stdout, "location: inside the repository, not a recognised worktree") //nolint:errcheck // best-effort stdout
		}
	}
	return 0
}
