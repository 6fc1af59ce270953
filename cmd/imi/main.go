// imi is the worktree fleet manager CLI: init, feat, fix, pr, aiops,
// devops, list, status, close, remove, prune, claim, release, sync,
// doctor.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/delorenj/imi-go/internal/config"
	"github.com/delorenj/imi-go/internal/engine"
	"github.com/delorenj/imi-go/internal/fsys"
	"github.com/delorenj/imi-go/internal/imictx"
	"github.com/delorenj/imi-go/internal/registry"
	"github.com/delorenj/imi-go/internal/telemetry"
)

func main() {
	telemetry.Init()
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// errExit is a sentinel error returned by cobra RunE functions to signal
// non-zero exit. The command has already written its own error to stderr.
var errExit = errors.New("exit")

// repoFlag holds the value of the --repo persistent flag. Empty means
// "derive from the current cluster root's name."
var repoFlag string

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "imi",
		Short:         "imi — a worktree fleet manager for multi-agent development",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			fmt.Fprintf(stderr, "imi: unknown command %q\n", args[0]) //nolint:errcheck // best-effort stderr
			return errExit
		},
	}
	root.PersistentFlags().StringVar(&repoFlag, "repo", "", "repository name (default: derived from the cluster root)")
	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(
		newInitCmd(stdout, stderr),
		newCreateCmd(engine.KindFeature, "feat", stdout, stderr),
		newCreateCmd(engine.KindFix, "fix", stdout, stderr),
		newCreateCmd(engine.KindReview, "pr", stdout, stderr),
		newCreateCmd(engine.KindAiops, "aiops", stdout, stderr),
		newCreateCmd(engine.KindDevops, "devops", stdout, stderr),
		newListCmd(stdout, stderr),
		newStatusCmd(stdout, stderr),
		newCloseCmd(stdout, stderr),
		newRemoveCmd(stdout, stderr),
		newPruneCmd(stdout, stderr),
		newClaimCmd(stdout, stderr),
		newReleaseCmd(stdout, stderr),
		newSyncCmd(stdout, stderr),
		newDoctorCmd(stdout, stderr),
	)
	return root
}

// openEngine loads process config, opens the Registry at its configured
// path, and returns an [engine.Engine] wired to the real filesystem and
// git. Callers must Close the returned Registry.
func openEngine() (*engine.Engine, *registry.Registry, error) {
	reg, err := openRegistry()
	if err != nil {
		return nil, nil, err
	}
	eng := engine.New(reg, fsys.OSFS{}, imictx.DefaultOpener)
	return eng, reg, nil
}

// openRegistry loads process config and opens the Registry at its
// configured path, for commands that don't need the full engine.
func openRegistry() (*registry.Registry, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(filepath.Join(home, ".iMi", "config.toml"), home)
	if err != nil {
		return nil, err
	}
	return registry.Open(cfg.DBPath, 4)
}

// resolveRepoName returns --repo if set, otherwise the cluster root's
// name derived from the current working directory.
func resolveRepoName() (string, error) {
	if repoFlag != "" {
		return repoFlag, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	ctx, err := imictx.Resolve(cwd)
	if err != nil {
		return "", err
	}
	if ctx.Location == imictx.Outside {
		return "", fmt.Errorf("not inside a registered cluster (pass --repo, or cd into one)")
	}
	return ctx.RepoName, nil
}
