//go:build linux

package e2e

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

const nginxConf = `server {
  listen 80;
  location / {
    proxy_pass http://10.0.0.1:8080;
  }
}
`

// testEnv is a temp directory holding a managed nginx file and a daemon config.
type testEnv struct {
	dir        string
	nginxPath  string
	configPath string
	listen     string
}

// newTestEnv writes nginxConf and a daemon config using verifyCmd and reloadCmd.
func newTestEnv(t *testing.T, verifyCmd, reloadCmd string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		dir:       dir,
		nginxPath: filepath.Join(dir, "proxy.conf"),
		listen:    freePort(t),
	}
	if err := os.WriteFile(env.nginxPath, []byte(nginxConf), 0644); err != nil {
		t.Fatalf("failed to write nginx config: %v", err)
	}
	env.writeConfig(t, verifyCmd, reloadCmd)
	return env
}

// writeConfig writes the daemon YAML config.
func (e *testEnv) writeConfig(t *testing.T, verifyCmd, reloadCmd string) {
	t.Helper()
	content := fmt.Sprintf(`
global:
  log_level: info
listen: %s
nginx:
  config_path: %s
  verify_cmd: %q
  reload_cmd: %q
health_check:
  enabled: false
preset_servers:
  - name: us-east
    url: http://10.0.0.1:8080
  - name: eu-west
    url: http://10.0.1.1:8080
`, e.listen, e.nginxPath, verifyCmd, reloadCmd)

	e.configPath = filepath.Join(e.dir, "ezproxy.yaml")
	if err := os.WriteFile(e.configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
}

func (e *testEnv) readNginx(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(e.nginxPath)
	if err != nil {
		t.Fatalf("failed to read nginx config: %v", err)
	}
	return string(data)
}

// runEzproxy executes ezproxy with the env's config and returns stdout, stderr and the run error.
func (e *testEnv) runEzproxy(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(ezproxyBinary, append(args, "-c", e.configPath)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// mustRun executes ezproxy and asserts a successful exit, returning stdout.
func (e *testEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	stdout, stderr, err := e.runEzproxy(t, args...)
	if err != nil {
		t.Fatalf("ezproxy %v failed: %v\nstdout: %s\nstderr: %s", args, err, stdout, stderr)
	}
	return stdout
}

// mustFail executes ezproxy and expects a non-zero exit code, returning stderr.
func (e *testEnv) mustFail(t *testing.T, args ...string) string {
	t.Helper()
	stdout, stderr, err := e.runEzproxy(t, args...)
	if err == nil {
		t.Fatalf("expected ezproxy %v to fail, but it succeeded\nstdout: %s\nstderr: %s", args, stdout, stderr)
	}
	return stderr
}

// startDaemon starts ezproxy in daemon mode. The caller is responsible for stopping the process.
func (e *testEnv) startDaemon(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(ezproxyBinary, "-c", e.configPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start ezproxy daemon: %v", err)
	}
	return cmd
}

// freePort reserves a loopback port and releases it for the daemon to bind.
func freePort(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	defer listener.Close()
	return listener.Addr().String()
}
