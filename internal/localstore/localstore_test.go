package localstore

import (
	"testing"

	"github.com/delorenj/imi-go/internal/fsys"
)

func TestInitCreatesTree(t *testing.T) {
	fake := fsys.NewFake()
	s := New(fake, "/code/acme")

	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	for _, dir := range []string{"/code/acme/.iMi", "/code/acme/.iMi/presence", "/code/acme/.iMi/links"} {
		if !fake.Dirs[dir] {
			t.Errorf("expected directory %q to exist", dir)
		}
	}
	if _, ok := fake.Files["/code/acme/.iMi/registry.toml"]; !ok {
		t.Errorf("expected registry.toml to be created")
	}

	// Idempotent: calling again must not error or clobber the file twice.
	if err := s.Init(); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestRegisterAndGetWorktreeMetadata(t *testing.T) {
	fake := fsys.NewFake()
	s := New(fake, "/code/acme")

	if err := s.RegisterWorktree("feat-login", "feat", "agent-1"); err != nil {
		t.Fatalf("RegisterWorktree: %v", err)
	}

	meta, ok, err := s.GetWorktreeMetadata("feat-login")
	if err != nil {
		t.Fatalf("GetWorktreeMetadata: %v", err)
	}
	if !ok {
		t.Fatalf("expected metadata to be present")
	}
	if meta.Kind != "feat" || meta.AgentOwner != "agent-1" {
		t.Errorf("metadata = %+v", meta)
	}

	// Lock must be released after the call.
	if fake.Dirs["/code/acme/.iMi/registry.lock"] {
		t.Errorf("registry.lock directory entry should not exist")
	}
	if _, ok := fake.Files["/code/acme/.iMi/registry.lock"]; ok {
		t.Errorf("registry.lock should be removed after RegisterWorktree returns")
	}
}

func TestUnregisterWorktreeRemovesEntryAndPresence(t *testing.T) {
	fake := fsys.NewFake()
	s := New(fake, "/code/acme")

	if err := s.RegisterWorktree("fix-crash", "fix", ""); err != nil {
		t.Fatalf("RegisterWorktree: %v", err)
	}
	if err := s.ClaimPresence("fix-crash", "agent-1", "host-a"); err != nil {
		t.Fatalf("ClaimPresence: %v", err)
	}

	if err := s.UnregisterWorktree("fix-crash"); err != nil {
		t.Fatalf("UnregisterWorktree: %v", err)
	}

	if _, ok, _ := s.GetWorktreeMetadata("fix-crash"); ok {
		t.Errorf("expected metadata to be gone after unregister")
	}
	if s.IsLocked("fix-crash") {
		t.Errorf("expected presence claim to be released after unregister")
	}
}

func TestUnregisterWorktreeMissingCacheIsNotError(t *testing.T) {
	fake := fsys.NewFake()
	s := New(fake, "/code/acme")

	if err := s.UnregisterWorktree("never-existed"); err != nil {
		t.Errorf("UnregisterWorktree on missing cache: %v", err)
	}
}

func TestPresenceClaimLifecycle(t *testing.T) {
	fake := fsys.NewFake()
	s := New(fake, "/code/acme")

	if s.IsLocked("feat-login") {
		t.Fatalf("expected no claim before ClaimPresence")
	}
	if err := s.ClaimPresence("feat-login", "agent-7", "laptop"); err != nil {
		t.Fatalf("ClaimPresence: %v", err)
	}
	if !s.IsLocked("feat-login") {
		t.Fatalf("expected claim after ClaimPresence")
	}

	claim, err := s.ReadPresence("feat-login")
	if err != nil {
		t.Fatalf("ReadPresence: %v", err)
	}
	if claim.AgentID != "agent-7" || claim.Hostname != "laptop" {
		t.Errorf("claim = %+v", claim)
	}

	if err := s.ReleasePresence("feat-login"); err != nil {
		t.Fatalf("ReleasePresence: %v", err)
	}
	if s.IsLocked("feat-login") {
		t.Errorf("expected claim to be gone after release")
	}

	// Releasing again is a no-op, not an error.
	if err := s.ReleasePresence("feat-login"); err != nil {
		t.Errorf("second ReleasePresence: %v", err)
	}
}

func TestReadPresenceMalformedIsCorrupt(t *testing.T) {
	fake := fsys.NewFake()
	s := New(fake, "/code/acme")

	fake.Files["/code/acme/.iMi/presence/feat-login.lock"] = []byte("not json")

	_, err := s.ReadPresence("feat-login")
	if err == nil {
		t.Fatalf("expected error reading malformed presence claim")
	}
}

func TestLockRegistryFailsAfterRetriesExhausted(t *testing.T) {
	fake := fsys.NewFake()
	s := New(fake, "/code/acme")

	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	// Simulate a held lock: pre-create the lock file so CreateExclusive
	// always reports os.ErrExist.
	fake.Files["/code/acme/.iMi/registry.lock"] = []byte{}

	err := s.RegisterWorktree("feat-login", "feat", "")
	if err == nil {
		t.Fatalf("expected lock acquisition to fail while registry.lock is held")
	}
}
