//go:build linux

package e2e

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// ezproxyBinary holds the path to the compiled ezproxy binary used by all e2e tests.
var ezproxyBinary string

func TestMain(m *testing.M) {
	tmpDir, err := os.MkdirTemp("", "ezproxy-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create temp dir: %v\n", err)
		os.Exit(1)
	}

	ezproxyBinary = filepath.Join(tmpDir, "ezproxy")

	buildCmd := exec.Command("go", "build", "-o", ezproxyBinary, "github.com/easzlab/ezproxy/cmd/ezproxy")
	buildCmd.Stdout = os.Stdout
	buildCmd.Stderr = os.Stderr
	if err := buildCmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to build ezproxy binary: %v\n", err)
		os.RemoveAll(tmpDir)
		os.Exit(1)
	}

	code := m.Run()
	os.RemoveAll(tmpDir)
	os.Exit(code)
}
