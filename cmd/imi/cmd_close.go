package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newCloseCmd(stdout, stderr io.Writer) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "close <name>",
		Short: "Remove a worktree's directory and git entry, preserving its branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if cmdClose(args[0], dryRun, stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be closed without touching anything")
	return cmd
}

func cmdClose(name string, dryRun bool, stdout, stderr io.Writer) int {
	repoName, err := resolveRepoName()
	if err != nil {
		fmt.Fprintf(stderr, "imi close: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}

	eng, reg, err := openEngine()
	if err != nil {
		fmt.Fprintf(stderr, "imi close: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	defer reg.Close() //nolint:errcheck // best-effort cleanup

	wt, err := eng.Close(context.Background(), repoName, name, dryRun)
	if err != nil {
		fmt.Fprintf(stderr, "imi close: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	if dryRun {
		fmt.Fprintf(stdout, "Would close %s (branch %s preserved)\n", wt.Name, wt.Branch) //nolint:errcheck // best-effort stdout
		return 0
	}
	fmt.Fprintf(stdout, "Closed %s (branch %s preserved)\n", wt.Name, wt.Branch) //nolint:errcheck // best-effort stdout
	return 0
}
