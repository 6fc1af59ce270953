// Package localstore implements the data plane: the per-project
// `.iMi/` directory tree consumed by fast, dependency-free callers
// (shell prompts, agent tooling) that cannot afford a SQL round trip.
//
// Layout:
//
//	<root>/.iMi/presence/<name>.lock  - JSON presence claim
//	<root>/.iMi/links/                - shared symlink targets (opaque to this package)
//	<root>/.iMi/registry.toml          - worktree metadata cache
//	<root>/.iMi/registry.lock          - create-exclusive mutex guarding registry.toml
package localstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/delorenj/imi-go/internal/fsys"
	"github.com/delorenj/imi-go/internal/imierr"
)

const (
	lockRetries  = 10
	lockInterval = 50 * time.Millisecond
)

// WorktreeMetadata is one entry of the registry.toml cache.
type WorktreeMetadata struct {
	Kind       string `toml:"type"`
	CreatedAt  string `toml:"created_at"`
	AgentOwner string `toml:"agent_owner,omitempty"`
}

type localRegistry struct {
	Worktrees map[string]WorktreeMetadata `toml:"worktrees"`
}

// PresenceClaim is the JSON payload written into a presence lock file.
type PresenceClaim struct {
	AgentID   string `json:"agent_id"`
	ClaimedAt string `json:"claimed_at"`
	Hostname  string `json:"hostname"`
}

// Store manages the `.iMi/` tree rooted at a single project directory.
type Store struct {
	fs           fsys.FS
	imiDir       string
	presenceDir  string
	linksDir     string
	registryFile string
	lockFile     string
}

// New returns a Store rooted at projectRoot's `.iMi/` directory.
func New(fs fsys.FS, projectRoot string) *Store {
	imiDir := filepath.Join(projectRoot, ".iMi")
	return &Store{
		fs:           fs,
		imiDir:       imiDir,
		presenceDir:  filepath.Join(imiDir, "presence"),
		linksDir:     filepath.Join(imiDir, "links"),
		registryFile: filepath.Join(imiDir, "registry.toml"),
		lockFile:     filepath.Join(imiDir, "registry.lock"),
	}
}

// LinksDir returns the path agents and hooks should use for shared,
// worktree-independent symlink targets.
func (s *Store) LinksDir() string { return s.linksDir }

// Root returns the project root this Store is rooted at (the parent of
// its `.iMi/` directory).
func (s *Store) Root() string { return filepath.Dir(s.imiDir) }

// RepoName returns the base name of the project root this Store is
// rooted at, for callers (such as package presence) that need a
// repository label but were not handed one directly.
func (s *Store) RepoName() string { return filepath.Base(s.Root()) }

// PresenceDir returns the directory holding presence lock files, for
// callers (such as package doctor) that need to enumerate claims
// directly rather than look one up by name.
func (s *Store) PresenceDir() string { return s.presenceDir }

// Init ensures the `.iMi/` tree exists, including an empty registry.toml
// if none is present yet. Idempotent.
func (s *Store) Init() error {
	if err := s.fs.MkdirAll(s.imiDir, 0o755); err != nil {
		return imierr.New(imierr.CodeIOError, "creating .iMi directory", "", err)
	}
	if err := s.fs.MkdirAll(s.presenceDir, 0o755); err != nil {
		return imierr.New(imierr.CodeIOError, "creating .iMi/presence directory", "", err)
	}
	if err := s.fs.MkdirAll(s.linksDir, 0o755); err != nil {
		return imierr.New(imierr.CodeIOError, "creating .iMi/links directory", "", err)
	}
	if _, err := s.fs.Stat(s.registryFile); err != nil {
		if !os.IsNotExist(err) {
			return imierr.New(imierr.CodeIOError, "checking registry.toml", "", err)
		}
		if err := s.writeRegistry(localRegistry{Worktrees: map[string]WorktreeMetadata{}}); err != nil {
			return err
		}
	}
	return nil
}

// lockRegistry acquires the create-exclusive registry.lock, retrying up
// to lockRetries times at lockInterval (a ~500ms bound in total).
func (s *Store) lockRegistry() error {
	var lastErr error
	for i := 0; i < lockRetries; i++ {
		if err := s.fs.CreateExclusive(s.lockFile); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(lockInterval)
	}
	return imierr.New(imierr.CodeLockUnavailable, "acquiring registry lock", "another process is holding .iMi/registry.lock", lastErr)
}

func (s *Store) unlockRegistry() {
	_ = s.fs.Remove(s.lockFile) // best-effort; a missing lock file is not an error
}

func (s *Store) readRegistry() (localRegistry, error) {
	data, err := s.fs.ReadFile(s.registryFile)
	if err != nil {
		if os.IsNotExist(err) {
			return localRegistry{Worktrees: map[string]WorktreeMetadata{}}, nil
		}
		return localRegistry{}, imierr.New(imierr.CodeIOError, "reading registry.toml", "", err)
	}
	var reg localRegistry
	if _, err := toml.Decode(string(data), &reg); err != nil {
		return localRegistry{}, imierr.New(imierr.CodeCorrupt, "parsing registry.toml", "the cache is corrupt; re-run sync to rebuild it", err)
	}
	if reg.Worktrees == nil {
		reg.Worktrees = map[string]WorktreeMetadata{}
	}
	return reg, nil
}

func (s *Store) writeRegistry(reg localRegistry) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(reg); err != nil {
		return imierr.New(imierr.CodeIOError, "encoding registry.toml", "", err)
	}
	if err := s.fs.WriteFile(s.registryFile, buf.Bytes(), 0o644); err != nil {
		return imierr.New(imierr.CodeIOError, "writing registry.toml", "", err)
	}
	return nil
}

// withRegistryLock runs fn while holding the registry lock, always
// releasing it afterward even if fn fails.
func (s *Store) withRegistryLock(fn func() error) error {
	if err := s.Init(); err != nil {
		return err
	}
	if err := s.lockRegistry(); err != nil {
		return err
	}
	defer s.unlockRegistry()
	return fn()
}

// Locked runs fn while holding the registry lock. It is exported so the
// engine can widen the critical section to cover a git mutation and a
// control-plane write alongside the cache update, keeping the order:
// local lock, git mutation, Registry commit, local cache update, local
// lock release.
func (s *Store) Locked(fn func() error) error {
	return s.withRegistryLock(fn)
}

// UpsertCacheEntry writes name's cache entry. Callers that already hold
// the lock (via [Store.Locked]) should call this instead of
// [Store.RegisterWorktree], which would otherwise try to reacquire it.
func (s *Store) UpsertCacheEntry(name, kind, agentOwner string) error {
	reg, err := s.readRegistry()
	if err != nil {
		return err
	}
	reg.Worktrees[name] = WorktreeMetadata{
		Kind:       kind,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		AgentOwner: agentOwner,
	}
	return s.writeRegistry(reg)
}

// RemoveCacheEntry deletes name's cache entry, if present. Callers that
// already hold the lock should use this instead of
// [Store.UnregisterWorktree].
func (s *Store) RemoveCacheEntry(name string) error {
	reg, err := s.readRegistry()
	if err != nil {
		return err
	}
	if _, ok := reg.Worktrees[name]; !ok {
		return nil
	}
	delete(reg.Worktrees, name)
	return s.writeRegistry(reg)
}

// RegisterWorktree upserts name's cache entry.
func (s *Store) RegisterWorktree(name, kind, agentOwner string) error {
	return s.withRegistryLock(func() error {
		reg, err := s.readRegistry()
		if err != nil {
			return err
		}
		reg.Worktrees[name] = WorktreeMetadata{
			Kind:       kind,
			CreatedAt:  time.Now().UTC().Format(time.RFC3339),
			AgentOwner: agentOwner,
		}
		return s.writeRegistry(reg)
	})
}

// UnregisterWorktree removes name's cache entry and presence claim, if
// any. A missing cache file is not an error.
func (s *Store) UnregisterWorktree(name string) error {
	if _, err := s.fs.Stat(s.registryFile); err != nil {
		if os.IsNotExist(err) {
			return s.ReleasePresence(name)
		}
		return imierr.New(imierr.CodeIOError, "checking registry.toml", "", err)
	}

	err := s.withRegistryLock(func() error {
		reg, err := s.readRegistry()
		if err != nil {
			return err
		}
		if _, ok := reg.Worktrees[name]; !ok {
			return nil
		}
		delete(reg.Worktrees, name)
		return s.writeRegistry(reg)
	})
	if err != nil {
		return err
	}
	return s.ReleasePresence(name)
}

// GetWorktreeMetadata returns name's cache entry, or ok=false if absent.
func (s *Store) GetWorktreeMetadata(name string) (WorktreeMetadata, bool, error) {
	reg, err := s.readRegistry()
	if err != nil {
		return WorktreeMetadata{}, false, err
	}
	meta, ok := reg.Worktrees[name]
	return meta, ok, nil
}

func (s *Store) presencePath(name string) string {
	return filepath.Join(s.presenceDir, name+".lock")
}

// ErrAlreadyClaimed is returned by [Store.TryClaimPresence] when name
// already has a presence claim. The caller decides, from the existing
// claim, whether to steal it (force) or report a conflict.
var ErrAlreadyClaimed = errors.New("presence already claimed")

// TryClaimPresence atomically creates a new presence claim for name via
// [fsys.FS.CreateExclusive] — one syscall, atomic on POSIX and NTFS — so
// that two concurrent first-claims on a never-before-claimed name can
// never both succeed. On success the claim is written and nil is
// returned. If name is already claimed, nothing is written and
// [ErrAlreadyClaimed] is returned; the caller reads the existing claim
// with [Store.ReadPresence] to decide how to proceed.
func (s *Store) TryClaimPresence(name, agentID, hostname string) error {
	if err := s.fs.MkdirAll(s.presenceDir, 0o755); err != nil {
		return imierr.New(imierr.CodeIOError, "creating presence directory", "", err)
	}
	if err := s.fs.CreateExclusive(s.presencePath(name)); err != nil {
		if os.IsExist(err) {
			return ErrAlreadyClaimed
		}
		return imierr.New(imierr.CodeIOError, "creating presence claim", "", err)
	}
	return s.writeClaim(name, agentID, hostname)
}

// ClaimPresence writes a presence claim for name, overwriting any prior
// claim. Used once the caller (package presence) has already decided an
// overwrite is correct: either the existing claim belongs to agentID
// (idempotent re-claim) or the caller is forcing a steal. Acquiring a
// claim on a name with no prior claim must go through
// [Store.TryClaimPresence] instead, to get its atomicity guarantee.
func (s *Store) ClaimPresence(name, agentID, hostname string) error {
	if err := s.fs.MkdirAll(s.presenceDir, 0o755); err != nil {
		return imierr.New(imierr.CodeIOError, "creating presence directory", "", err)
	}
	return s.writeClaim(name, agentID, hostname)
}

func (s *Store) writeClaim(name, agentID, hostname string) error {
	claim := PresenceClaim{
		AgentID:   agentID,
		ClaimedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostname,
	}
	data, err := json.MarshalIndent(claim, "", "  ")
	if err != nil {
		return imierr.New(imierr.CodeIOError, "encoding presence claim", "", err)
	}
	if err := s.fs.WriteFile(s.presencePath(name), data, 0o644); err != nil {
		return imierr.New(imierr.CodeIOError, "writing presence claim", "", err)
	}
	return nil
}

// ReleasePresence removes name's presence claim. Not finding one is not
// an error.
func (s *Store) ReleasePresence(name string) error {
	if err := s.fs.Remove(s.presencePath(name)); err != nil && !os.IsNotExist(err) {
		return imierr.New(imierr.CodeIOError, "removing presence claim", "", err)
	}
	return nil
}

// IsLocked reports whether name currently has a presence claim, without
// reading or parsing its contents.
func (s *Store) IsLocked(name string) bool {
	_, err := s.fs.Stat(s.presencePath(name))
	return err == nil
}

// ReadPresence parses name's presence claim. A malformed file surfaces
// as [imierr.CodeCorrupt] rather than a generic decode error, so callers
// can offer the operator a clear recovery path (force-release).
func (s *Store) ReadPresence(name string) (PresenceClaim, error) {
	data, err := s.fs.ReadFile(s.presencePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return PresenceClaim{}, imierr.New(imierr.CodeWorktreeNotFound, "no presence claim for "+name, "", err)
		}
		return PresenceClaim{}, imierr.New(imierr.CodeIOError, "reading presence claim", "", err)
	}
	var claim PresenceClaim
	if err := json.Unmarshal(data, &claim); err != nil {
		return PresenceClaim{}, imierr.New(imierr.CodeCorrupt, "parsing presence claim for "+name, "the lock file is corrupt; release it with --force", err)
	}
	return claim, nil
}
