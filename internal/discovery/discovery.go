// Package discovery implements the bulk-registration scanner: it
// walks a root directory looking for `.iMi/` markers and upserts every
// cluster root it finds into the Registry, without ever deactivating a
// row. It complements, but does not replace, `init`.
package discovery

import (
	"context"
	"os"
	"path/filepath"

	"github.com/delorenj/imi-go/internal/events"
	"github.com/delorenj/imi-go/internal/fsys"
	"github.com/delorenj/imi-go/internal/imictx"
	"github.com/delorenj/imi-go/internal/imierr"
	"github.com/delorenj/imi-go/internal/registry"
	"github.com/delorenj/imi-go/internal/telemetry"
)

// DefaultMaxDepth bounds the walk to four levels below root.
const DefaultMaxDepth = 4

// Scanner walks a filesystem root for cluster layouts and registers them.
type Scanner struct {
	Reg      *registry.Registry
	FS       fsys.FS
	OpenGit  imictx.Opener
	MaxDepth int
}

// New returns a Scanner. A zero MaxDepth is replaced with DefaultMaxDepth.
func New(reg *registry.Registry, fs fsys.FS, openGit imictx.Opener, maxDepth int) *Scanner {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Scanner{Reg: reg, FS: fs, OpenGit: openGit, MaxDepth: maxDepth}
}

// Found records one cluster root the scan registered, for caller reporting.
type Found struct {
	RepoName      string
	ClusterRoot   string
	WorktreeCount int
}

// Scan walks root to s.MaxDepth looking for `.iMi/` markers. For each
// one found it registers the repository from its trunk-* sibling, then
// registers every recognised-prefix sibling worktree. The scan is
// purely additive: it never calls DeactivateWorktree.
func (s *Scanner) Scan(ctx context.Context, root string) (found []Found, err error) {
	defer func() {
		telemetry.RecordSync(ctx, root, len(found), err)
		if err == nil {
			for _, f := range found {
				events.AppendTo(f.ClusterRoot, events.Event{
					Type: events.SyncCompleted, Subject: f.RepoName,
					Message: "synced " + f.RepoName,
				}, os.Stderr)
			}
		}
	}()

	if err := s.walk(ctx, filepath.Clean(root), s.MaxDepth, &found); err != nil {
		return found, err
	}
	return found, nil
}

func (s *Scanner) walk(ctx context.Context, dir string, depthLeft int, found *[]Found) error {
	entries, err := s.FS.ReadDir(dir)
	if err != nil {
		// Unreadable subtree: skip it rather than aborting the whole scan.
		return nil
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if e.Name() == ".iMi" {
			clusterRoot := dir
			f, err := s.registerCluster(ctx, clusterRoot)
			if err != nil {
				return err
			}
			if f != nil {
				*found = append(*found, *f)
			}
			// A cluster root's own worktree siblings are handled by
			// registerCluster; do not descend into `.iMi/` itself or
			// recurse further under a recognised cluster root.
			return nil
		}
	}

	if depthLeft <= 0 {
		return nil
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == ".iMi" {
			continue
		}
		if err := s.walk(ctx, filepath.Join(dir, e.Name()), depthLeft-1, found); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scanner) registerCluster(ctx context.Context, clusterRoot string) (*Found, error) {
	entries, err := s.FS.ReadDir(clusterRoot)
	if err != nil {
		return nil, imierr.New(imierr.CodeIOError, "reading cluster root "+clusterRoot, "", err)
	}

	var trunkName string
	siblings := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if imictx.ClassifyDirName(e.Name()) == imictx.KindTrunk && trunkName == "" {
			trunkName = e.Name()
		}
		siblings = append(siblings, e.Name())
	}
	if trunkName == "" {
		// `.iMi/` with no trunk sibling is not a recognisable cluster;
		// skip it rather than failing the whole scan.
		return nil, nil
	}

	repoName := filepath.Base(clusterRoot)
	defaultBranch := trunkName[len("trunk-"):]
	trunkPath := filepath.Join(clusterRoot, trunkName)

	driver, err := s.OpenGit(trunkPath)
	if err != nil {
		return nil, imierr.New(imierr.CodeNoParentRepo, "opening trunk repository at "+trunkPath, "", err)
	}
	remote, err := driver.RemoteURL("origin")
	if err != nil {
		return nil, imierr.New(imierr.CodeGitError, "reading origin remote for "+repoName, "", err)
	}
	normalized := registry.NormalizeRemoteURL(remote)

	if _, err := s.Reg.RegisterRepository(ctx, repoName, clusterRoot, normalized, defaultBranch); err != nil {
		return nil, err
	}
	events.AppendTo(clusterRoot, events.Event{
		Type: events.RepoRegistered, Subject: repoName, Message: "registered " + repoName,
	}, os.Stderr)
	if _, err := s.Reg.RegisterWorktree(ctx, repoName, "trunk", trunkName, defaultBranch, trunkPath, ""); err != nil {
		return nil, err
	}

	count := 1
	for _, name := range siblings {
		if name == trunkName {
			continue
		}
		kind := imictx.ClassifyDirName(name)
		if kind == imictx.KindOther {
			continue
		}
		wtPath := filepath.Join(clusterRoot, name)
		wtDriver, err := s.OpenGit(wtPath)
		if err != nil {
			// Unreadable sibling worktree: skip it, the scan stays
			// additive and best-effort rather than failing on one bad
			// entry.
			continue
		}
		branch, err := wtDriver.CurrentBranch()
		if err != nil {
			continue
		}
		if _, err := s.Reg.RegisterWorktree(ctx, repoName, kind.String(), name, branch, wtPath, ""); err != nil {
			return nil, err
		}
		count++
	}

	return &Found{RepoName: repoName, ClusterRoot: clusterRoot, WorktreeCount: count}, nil
}
