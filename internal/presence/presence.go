// Package presence implements the claim/release/inspect protocol
// on top of the data plane's raw lock file primitives
// ([localstore.Store]). It owns the one policy decision the data plane
// itself is too dumb to make: whether a claim collides with an existing
// one held by a different agent.
package presence

import (
	"context"
	"errors"
	"os"

	"github.com/delorenj/imi-go/internal/events"
	"github.com/delorenj/imi-go/internal/imierr"
	"github.com/delorenj/imi-go/internal/localstore"
	"github.com/delorenj/imi-go/internal/telemetry"
)

// Protocol guards claim/release/read operations against a single
// cluster root's presence directory.
type Protocol struct {
	store *localstore.Store
}

// New returns a Protocol backed by store.
func New(store *localstore.Store) *Protocol {
	return &Protocol{store: store}
}

// Claim asserts agentID's ownership of name. Idempotent if agentID
// already holds the claim. Fails with [imierr.CodePresenceConflict] if a
// different agent holds it, unless force is set.
func (p *Protocol) Claim(name, agentID, hostname string, force bool) (err error) {
	defer func() {
		telemetry.RecordClaim(context.Background(), p.store.RepoName(), name, agentID, err)
		if err == nil {
			events.AppendTo(p.store.Root(), events.Event{
				Type: events.PresenceClaimed, Actor: agentID, Subject: name,
				Message: "claimed " + name,
			}, os.Stderr)
		}
	}()

	err = p.store.TryClaimPresence(name, agentID, hostname)
	if err == nil {
		return nil
	}
	if !errors.Is(err, localstore.ErrAlreadyClaimed) {
		return err
	}

	// name already has a claim; TryClaimPresence wrote nothing. Read it
	// back to decide whether this is an idempotent re-claim, a conflict,
	// or a forced steal — the one decision the data plane leaves to us.
	existing, rerr := p.store.ReadPresence(name)
	if rerr != nil {
		// A corrupt or unreadable claim cannot be compared against;
		// treat it as an existing, unidentified holder.
		return imierr.New(imierr.CodePresenceConflict, "worktree "+name+" has an unreadable presence claim", "release it with --force", rerr)
	}
	if existing.AgentID != agentID && !force {
		return imierr.New(imierr.CodePresenceConflict, "worktree "+name+" is already claimed by "+existing.AgentID, "pass --force to steal the claim", nil)
	}
	return p.store.ClaimPresence(name, agentID, hostname)
}

// Release removes name's claim. Missing claim is success.
func (p *Protocol) Release(name string) (err error) {
	defer func() {
		telemetry.RecordRelease(context.Background(), p.store.RepoName(), name, err)
		if err == nil {
			events.AppendTo(p.store.Root(), events.Event{
				Type: events.PresenceRelease, Actor: "", Subject: name,
				Message: "released " + name,
			}, os.Stderr)
		}
	}()
	return p.store.ReleasePresence(name)
}

// IsLocked reports whether name currently has a claim.
func (p *Protocol) IsLocked(name string) bool {
	return p.store.IsLocked(name)
}

// Read returns name's claim payload.
func (p *Protocol) Read(name string) (localstore.PresenceClaim, error) {
	return p.store.ReadPresence(name)
}
