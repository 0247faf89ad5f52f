package txn

import "sync"

// FakeRunner is an in-memory Runner with scripted exit codes.
// It lets tests simulate verify and reload outcomes without spawning processes.
type FakeRunner struct {
	mu    sync.Mutex
	exits map[string]int
	hook  func(command string)
	calls []string
}

// NewFakeRunner creates a FakeRunner where every command exits 0.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		exits: make(map[string]int),
	}
}

// SetExit makes command exit with code.
func (f *FakeRunner) SetExit(command string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exits[command] = code
}

// OnRun installs a hook invoked before each command returns.
// The hook runs outside the runner's lock and may block.
func (f *FakeRunner) OnRun(hook func(command string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = hook
}

// Calls returns the commands run so far, in order.
func (f *FakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Run records command and returns its scripted exit code.
func (f *FakeRunner) Run(command string) (int, []byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, command)
	code := f.exits[command]
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(command)
	}
	return code, nil, nil
}
