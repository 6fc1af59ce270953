// Package imierr defines the typed error vocabulary shared by every
// core component. Each error carries a stable Code, a one-line
// human summary, and an optional recovery hint so a CLI layer can
// render consistent, actionable messages without inspecting wrapped
// causes.
package imierr

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure. Callers should compare codes with
// [Is] or [errors.Is] rather than matching on message text.
type Code string

// Structural errors — the invoking location or prior state is wrong.
const (
	CodeStructureInvalid   Code = "structure_invalid"
	CodeNotInCluster       Code = "not_in_cluster"
	CodeNoParentRepo       Code = "no_parent_repo"
	CodeAlreadyInitialised Code = "already_initialised"
)

// Lookup errors — a named entity does not exist.
const (
	CodeRepoNotRegistered Code = "repo_not_registered"
	CodeWorktreeNotFound  Code = "worktree_not_found"
)

// Conflict errors — the requested state already holds or is contested.
const (
	CodeWorktreeExists   Code = "worktree_exists"
	CodeBranchExists     Code = "branch_exists"
	CodeLockUnavailable  Code = "lock_unavailable"
	CodePresenceConflict Code = "presence_conflict"
)

// Integrity errors — the three sources of truth disagree, or cached
// state could not be parsed.
const (
	CodeStale   Code = "stale"
	CodeCorrupt Code = "corrupt"
)

// Backend errors — an underlying collaborator failed.
const (
	CodeGitError      Code = "git_error"
	CodeRegistryError Code = "registry_error"
	CodeIOError       Code = "io_error"
)

// Error is the concrete error type returned by core operations.
type Error struct {
	Code    Code
	Summary string
	Hint    string
	Cause   error
}

func (e *Error) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s (hint: %s)", e.Summary, e.Hint)
	}
	return e.Summary
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an [Error] with the given code, one-line summary, and
// recovery hint. cause may be nil.
func New(code Code, summary, hint string, cause error) *Error {
	return &Error{Code: code, Summary: summary, Hint: hint, Cause: cause}
}

// Is reports whether err (or anything it wraps) carries the given code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the code carried by err, or "" if err does not wrap an
// [Error].
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
