package txn

import (
	"errors"
	"fmt"
	"os/exec"
)

// Runner executes an external command line and reports its exit status.
// Implementations block until the command has finished.
type Runner interface {
	// Run executes command and returns its exit code and combined output.
	// err is non-nil only when the command could not be run at all.
	Run(command string) (exitCode int, output []byte, err error)
}

// ShellRunner runs commands through /bin/sh -c, so verify and reload
// settings may use pipes, arguments and environment expansion.
type ShellRunner struct {
	Shell string
}

// NewShellRunner creates a ShellRunner using /bin/sh.
func NewShellRunner() *ShellRunner {
	return &ShellRunner{Shell: "/bin/sh"}
}

// Run executes command and waits for it to exit.
func (r *ShellRunner) Run(command string) (int, []byte, error) {
	cmd := exec.Command(r.Shell, "-c", command)
	output, err := cmd.CombinedOutput()
	if err == nil {
		return 0, output, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), output, nil
	}
	return -1, output, fmt.Errorf("failed to run %q: %w", command, err)
}
