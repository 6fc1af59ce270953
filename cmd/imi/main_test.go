package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"frobnicate"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "unknown command") {
		t.Fatalf("stderr = %q, want mention of unknown command", stderr.String())
	}
}

func TestRunNoArgsShowsHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(nil, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !strings.Contains(stdout.String(), "imi") {
		t.Fatalf("stdout = %q, want usage text", stdout.String())
	}
}

func TestRunHelpFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"--help"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !strings.Contains(stdout.String(), "worktree fleet manager") {
		t.Fatalf("stdout = %q, want short description", stdout.String())
	}
}

func TestClaimRequiresAgentFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"claim", "feat-x"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "--agent is required") {
		t.Fatalf("stderr = %q, want --agent is required", stderr.String())
	}
}

func TestCreateCommandsAreRegistered(t *testing.T) {
	for _, use := range []string{"feat", "fix", "pr", "aiops", "devops"} {
		root := newRootCmd(&bytes.Buffer{}, &bytes.Buffer{})
		cmd, _, err := root.Find([]string{use, "x"})
		if err != nil {
			t.Fatalf("Find(%q): %v", use, err)
		}
		if cmd.Name() != use {
			t.Fatalf("Find(%q) resolved to %q", use, cmd.Name())
		}
	}
}

func TestRemoveRequiresName(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"remove"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}
