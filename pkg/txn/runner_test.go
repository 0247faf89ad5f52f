//go:build !windows

package txn

import (
	"strings"
	"testing"
)

func TestShellRunner_ExitCodes(t *testing.T) {
	runner := NewShellRunner()

	code, _, err := runner.Run("true")
	if err != nil || code != 0 {
		t.Fatalf("expected exit 0, got code=%d err=%v", code, err)
	}

	code, output, err := runner.Run("echo failing >&2; exit 3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 3 {
		t.Errorf("expected exit 3, got %d", code)
	}
	if !strings.Contains(string(output), "failing") {
		t.Errorf("expected combined output to contain stderr, got %q", output)
	}
}

func TestShellRunner_MissingShell(t *testing.T) {
	runner := &ShellRunner{Shell: "/nonexistent/sh"}

	_, _, err := runner.Run("true")
	if err == nil {
		t.Fatal("expected error for missing shell, got nil")
	}
}

func TestFakeRunner_ScriptedExit(t *testing.T) {
	runner := NewFakeRunner()
	runner.SetExit("check", 7)

	code, _, _ := runner.Run("check")
	if code != 7 {
		t.Errorf("expected exit 7, got %d", code)
	}
	code, _, _ = runner.Run("other")
	if code != 0 {
		t.Errorf("expected default exit 0, got %d", code)
	}
	if calls := runner.Calls(); len(calls) != 2 {
		t.Errorf("expected 2 recorded calls, got %v", calls)
	}
}
