package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func newInitCmd(stdout, stderr io.Writer) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Register the current trunk-<branch> directory as a cluster root",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if cmdInit(force, stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "re-register without touching existing side worktrees")
	return cmd
}

func cmdInit(force bool, stdout, stderr io.Writer) int {
	trunkDir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(stderr, "imi init: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}

	eng, reg, err := openEngine()
	if err != nil {
		fmt.Fprintf(stderr, "imi init: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	defer reg.Close() //nolint:errcheck // best-effort cleanup

	repo, wt, err := eng.Init(context.Background(), trunkDir, force)
	if err != nil {
		fmt.Fprintf(stderr, "imi init: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	fmt.Fprintf(stdout, "Registered %s (default branch %s) with trunk worktree %s\n", //nolint:errcheck // best-effort stdout
		repo.Name, repo.DefaultBranch, wt.Name)
	return 0
}
