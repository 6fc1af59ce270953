// Package imictx resolves the caller's location relative to a cluster
// root and a git repository. It is pure and side-effect-free — it only
// reads the filesystem and git state, never mutates either.
package imictx

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/delorenj/imi-go/internal/imigit"
)

// Location classifies a directory relative to the nearest cluster root
// (a directory containing a `.iMi/` child).
type Location int

const (
	// Outside means no cluster root was found above the starting directory.
	Outside Location = iota
	// InRoot means the starting directory IS the cluster root, but is not
	// itself inside any worktree.
	InRoot
	// InRepository means the starting directory is inside the cluster and
	// inside a git repository; GitContext further classifies it.
	InRepository
)

// GitContext classifies the starting directory's relationship to a git
// repository found inside a cluster root.
type GitContext int

const (
	// GitNone applies when Location is not InRepository.
	GitNone GitContext = iota
	// GitInTrunk means the directory is the trunk worktree (name matches
	// trunk-* and HEAD is on the repository's default branch).
	GitInTrunk
	// GitInWorktree means the directory is a known side worktree.
	GitInWorktree
	// GitInRepository means the directory is inside the repo's working
	// tree but not recognised as a specific worktree.
	GitInRepository
)

// WorktreeKind classifies a worktree by its directory-name or
// branch-name prefix.
type WorktreeKind int

const (
	KindOther WorktreeKind = iota
	KindTrunk
	KindFeature
	KindFix
	KindReview
	KindAiops
	KindDevops
)

// String renders the kind using the same short form used for directory
// and branch prefixes.
func (k WorktreeKind) String() string {
	switch k {
	case KindTrunk:
		return "trunk"
	case KindFeature:
		return "feat"
	case KindFix:
		return "fix"
	case KindReview:
		return "review"
	case KindAiops:
		return "aiops"
	case KindDevops:
		return "devops"
	default:
		return "other"
	}
}

// Context is the full resolution result for a starting directory.
type Context struct {
	Location     Location
	ClusterRoot  string // set when Location != Outside
	RepoPath     string // set when Location == InRepository
	WorktreePath string // set when GitContext == GitInWorktree or GitInTrunk
	Git          GitContext
	Kind         WorktreeKind
	RepoName     string // cluster root's base name
}

// Opener opens a GitDriver scoped to path. Production code uses
// [DefaultOpener]; tests inject one backed by [imigit.Fake].
type Opener func(path string) (imigit.GitDriver, error)

// DefaultOpener opens a real repository via [imigit.Open].
func DefaultOpener(path string) (imigit.GitDriver, error) {
	return imigit.Open(path)
}

// Resolve classifies start relative to the nearest ancestor `.iMi/`
// directory and, when inside one, relative to git, using [DefaultOpener].
func Resolve(start string) (Context, error) {
	return ResolveWith(start, DefaultOpener)
}

// ResolveWith is [Resolve] parameterised over the git opener, for tests.
func ResolveWith(start string, open Opener) (Context, error) {
	root, found := findClusterRoot(start)
	if !found {
		return Context{Location: Outside}, nil
	}

	if samePath(start, root) {
		return Context{Location: InRoot, ClusterRoot: root, RepoName: filepath.Base(root)}, nil
	}

	ctx := Context{
		Location:    InRepository,
		ClusterRoot: root,
		RepoPath:    start,
		RepoName:    filepath.Base(root),
	}

	driver, err := open(start)
	if err != nil {
		// Inside the cluster but not inside a git working tree: still
		// InRepository, with no further git classification available.
		ctx.Git = GitInRepository
		return ctx, nil
	}

	dirName := filepath.Base(start)
	branch, _ := driver.CurrentBranch()
	kind := ClassifyDirName(dirName)

	if kind == KindTrunk {
		if branch == strings.TrimPrefix(dirName, "trunk-") {
			ctx.Git = GitInTrunk
			ctx.Kind = KindTrunk
			ctx.WorktreePath = start
			return ctx, nil
		}
		// Directory name matches trunk-<branch> but HEAD points somewhere
		// else, e.g. a manual checkout onto an unrelated branch. Not
		// InTrunk; fall through to branch-name classification below
		// rather than trusting the directory name alone.
	} else if kind != KindOther {
		ctx.Git = GitInWorktree
		ctx.Kind = kind
		ctx.WorktreePath = start
		return ctx, nil
	}

	// Directory name carries no recognised prefix (or named itself
	// trunk-* without HEAD matching); fall back to the branch name
	// classification used for worktrees registered under an unexpected
	// directory name.
	branchKind := ClassifyBranchName(branch)
	if branchKind == KindTrunk {
		ctx.Git = GitInTrunk
		ctx.Kind = KindTrunk
		ctx.WorktreePath = start
		return ctx, nil
	}
	if branchKind != KindOther {
		ctx.Git = GitInWorktree
		ctx.Kind = branchKind
		ctx.WorktreePath = start
		return ctx, nil
	}

	ctx.Git = GitInRepository
	return ctx, nil
}

// findClusterRoot walks ancestors of start (inclusive) looking for a
// `.iMi/` child, returning the first directory that has one.
func findClusterRoot(start string) (string, bool) {
	dir, err := filepath.Abs(start)
	if err != nil {
		dir = start
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, ".iMi")); err == nil && info.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func samePath(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	if err1 != nil || err2 != nil {
		return a == b
	}
	return filepath.Clean(aa) == filepath.Clean(bb)
}

// ClassifyDirName classifies a worktree by its directory-name prefix:
// feat-, fix-, review-pr-/pr-, aiops-, devops-, trunk-.
func ClassifyDirName(name string) WorktreeKind {
	switch {
	case strings.HasPrefix(name, "trunk-"):
		return KindTrunk
	case strings.HasPrefix(name, "feat-"):
		return KindFeature
	case strings.HasPrefix(name, "fix-"):
		return KindFix
	case strings.HasPrefix(name, "review-pr-"), strings.HasPrefix(name, "pr-"):
		return KindReview
	case strings.HasPrefix(name, "aiops-"):
		return KindAiops
	case strings.HasPrefix(name, "devops-"):
		return KindDevops
	default:
		return KindOther
	}
}

// ClassifyBranchName classifies a worktree by its branch-name prefix:
// feat/, feature/, fix/, bugfix/, aiops/, devops/, review-pr-, pr-;
// main/master are Trunk.
func ClassifyBranchName(branch string) WorktreeKind {
	switch {
	case branch == "main" || branch == "master":
		return KindTrunk
	case strings.HasPrefix(branch, "feat/"), strings.HasPrefix(branch, "feature/"):
		return KindFeature
	case strings.HasPrefix(branch, "fix/"), strings.HasPrefix(branch, "bugfix/"):
		return KindFix
	case strings.HasPrefix(branch, "review-pr-"), strings.HasPrefix(branch, "pr-"):
		return KindReview
	case strings.HasPrefix(branch, "aiops/"):
		return KindAiops
	case strings.HasPrefix(branch, "devops/"):
		return KindDevops
	default:
		return KindOther
	}
}
