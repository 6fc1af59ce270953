package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/delorenj/imi-go/internal/fsys"
	"github.com/delorenj/imi-go/internal/localstore"
	"github.com/delorenj/imi-go/internal/presence"
)

func newClaimCmd(stdout, stderr io.Writer) *cobra.Command {
	var agentID string
	var force bool
	cmd := &cobra.Command{
		Use:   "claim <name>",
		Short: "Claim a worktree for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if cmdClaim(args[0], agentID, force, stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id making the claim (required)")
	cmd.Flags().BoolVar(&force, "force", false, "steal an existing claim held by another agent")
	return cmd
}

func cmdClaim(name, agentID string, force bool, stdout, stderr io.Writer) int {
	if agentID == "" {
		fmt.Fprintln(stderr, "imi claim: --agent is required") //nolint:errcheck // best-effort stderr
		return 1
	}
	repoName, err := resolveRepoName()
	if err != nil {
		fmt.Fprintf(stderr, "imi claim: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}

	reg, err := openRegistry()
	if err != nil {
		fmt.Fprintf(stderr, "imi claim: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	defer reg.Close() //nolint:errcheck // best-effort cleanup

	repo, err := reg.GetRepository(context.Background(), repoName)
	if err != nil {
		fmt.Fprintf(stderr, "imi claim: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	if repo == nil {
		fmt.Fprintf(stderr, "imi claim: repository %s is not registered\n", repoName) //nolint:errcheck // best-effort stderr
		return 1
	}

	hostname, _ := os.Hostname() //nolint:errcheck // best-effort, empty is acceptable
	local := localstore.New(fsys.OSFS{}, repo.Path)
	if err := presence.New(local).Claim(name, agentID, hostname, force); err != nil {
		fmt.Fprintf(stderr, "imi claim: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	fmt.Fprintf(stdout, "Claimed %s for %s\n", name, agentID) //nolint:errcheck // best-effort stdout
	return 0
}
