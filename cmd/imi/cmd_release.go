package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/delorenj/imi-go/internal/fsys"
	"github.com/delorenj/imi-go/internal/localstore"
	"github.com/delorenj/imi-go/internal/presence"
)

func newReleaseCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "release <name>",
		Short: "Release a worktree claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if cmdRelease(args[0], stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	}
}

func cmdRelease(name string, stdout, stderr io.Writer) int {
	repoName, err := resolveRepoName()
	if err != nil {
		fmt.Fprintf(stderr, "imi release: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}

	reg, err := openRegistry()
	if err != nil {
		fmt.Fprintf(stderr, "imi release: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	defer reg.Close() //nolint:errcheck // best-effort cleanup

	repo, err := reg.GetRepository(context.Background(), repoName)
	if err != nil {
		fmt.Fprintf(stderr, "imi release: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	if repo == nil {
		fmt.Fprintf(stderr, "imi release: repository %s is not registered\n", repoName) //nolint:errcheck // best-effort stderr
		return 1
	}

	local := localstore.New(fsys.OSFS{}, repo.Path)
	if err := presence.New(local).Release(name); err != nil {
		fmt.Fprintf(stderr, "imi release: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	fmt.Fprintf(stdout, "Released %s\n", name) //nolint:errcheck // best-effort stdout
	return 0
}
