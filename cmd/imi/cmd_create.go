package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/delorenj/imi-go/internal/engine"
)

// newCreateCmd builds the cobra command for one creation verb (feat, fix,
// pr, aiops, devops). use is both the cobra command name and, for every
// kind but review, the directory/branch prefix; engine.namesFor handles
// review's review-pr-<n> special case internally.
func newCreateCmd(kind engine.Kind, use string, stdout, stderr io.Writer) *cobra.Command {
	var agentID, base string
	cmd := &cobra.Command{
		Use:   use + " <name>",
		Short: "Create a " + use + " worktree",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if cmdCreate(kind, args[0], agentID, base, stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id to record as the worktree's owner")
	cmd.Flags().StringVar(&base, "base", "", "base branch (default: the repository's default branch)")
	return cmd
}

func cmdCreate(kind engine.Kind, logical, agentID, base string, stdout, stderr io.Writer) int {
	repoName, err := resolveRepoName()
	if err != nil {
		fmt.Fprintf(stderr, "imi %s: %v\n", kind, err) //nolint:errcheck // best-effort stderr
		return 1
	}

	eng, reg, err := openEngine()
	if err != nil {
		fmt.Fprintf(stderr, "imi %s: %v\n", kind, err) //nolint:errcheck // best-effort stderr
		return 1
	}
	defer reg.Close() //nolint:errcheck // best-effort cleanup

	wt, err := eng.Create(context.Background(), repoName, kind, logical, agentID, base)
	if err != nil {
		fmt.Fprintf(stderr, "imi %s: %v\n", kind, err) //nolint:errcheck // best-effort stderr
		return 1
	}
	fmt.Fprintf(stdout, "%s\t%s\t%s\n", wt.Name, wt.Branch, wt.Path) //nolint:errcheck // best-effort stdout
	return 0
}
