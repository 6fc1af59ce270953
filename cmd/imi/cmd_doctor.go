package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/delorenj/imi-go/internal/doctor"
	"github.com/delorenj/imi-go/internal/fsys"
	"github.com/delorenj/imi-go/internal/imictx"
)

func newDoctorCmd(stdout, stderr io.Writer) *cobra.Command {
	var verbose, fix bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run health checks over the current cluster",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if cmdDoctor(verbose, fix, stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&verbose, "verbose", false, "show check details")
	cmd.Flags().BoolVar(&fix, "fix", false, "attempt automatic remediation of fixable checks")
	return cmd
}

func cmdDoctor(verbose, fix bool, stdout, stderr io.Writer) int {
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(stderr, "imi doctor: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	rctx, err := imictx.Resolve(cwd)
	if err != nil {
		fmt.Fprintf(stderr, "imi doctor: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	if rctx.Location == imictx.Outside {
		fmt.Fprintln(stderr, "imi doctor: not inside a cluster (cd into one first)") //nolint:errcheck // best-effort stderr
		return 1
	}
	repoName := rctx.RepoName
	if repoFlag != "" {
		repoName = repoFlag
	}

	reg, err := openRegistry()
	if err != nil {
		fmt.Fprintf(stderr, "imi doctor: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	defer reg.Close() //nolint:errcheck // best-effort cleanup

	osfs := fsys.OSFS{}
	d := doctor.New(stdout,
		doctor.NewClusterStructureCheck(osfs),
		doctor.NewRegistryReachableCheck(reg),
		doctor.NewOrphanPresenceLocksCheck(osfs, reg),
		doctor.NewEventsLogCheck(osfs),
		doctor.NewBinaryCheck("git", nil),
	)

	ctx := &doctor.CheckContext{
		ClusterRoot: rctx.ClusterRoot,
		RepoName:    repoName,
		Verbose:     verbose,
	}
	report := d.Run(ctx, fix)
	fmt.Fprintf(stdout, "\n%s\n", report.Summary()) //nolint:errcheck // best-effort stdout

	if report.Failed > 0 {
		return 1
	}
	return 0
}
