package txn

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrConflict is returned when another transaction holds the write guard.
	ErrConflict = errors.New("another write is in progress")
	// ErrIO wraps failures to read or write the managed file.
	ErrIO = errors.New("config file i/o failed")
	// ErrVerifyFailed is returned when the verify command rejects the new file.
	ErrVerifyFailed = errors.New("verify command failed")
	// ErrReloadFailed is returned when the reload command fails after the
	// new file content has been accepted.
	ErrReloadFailed = errors.New("reload command failed")
	// ErrRollbackFailed is joined to the original error when the snapshot
	// could not be written back.
	ErrRollbackFailed = errors.New("rollback failed")
)

// State is the terminal state of a transaction.
type State int

const (
	StateCommitted State = iota
	StateRolledBack
	StateFailed
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Commands holds the optional external commands run after a write.
// An empty command is skipped.
type Commands struct {
	Verify string
	Reload string
}

// MutateFunc computes the candidate file content from the snapshot.
type MutateFunc func(old []byte) ([]byte, error)

// Result describes a finished transaction.
type Result struct {
	ID         string
	State      State
	Changed    bool // file content on disk differs from the snapshot
	RolledBack bool
	Duration   time.Duration
}

// Writer serialises mutations of a single file and runs the
// snapshot, write, verify, reload and rollback sequence for each of them.
type Writer struct {
	path    string
	runner  Runner
	logger  *zap.Logger
	writing atomic.Bool

	mu       sync.RWMutex
	commands Commands
}

// NewWriter creates a Writer for the file at path.
func NewWriter(path string, commands Commands, runner Runner, logger *zap.Logger) *Writer {
	return &Writer{
		path:     path,
		runner:   runner,
		logger:   logger,
		commands: commands,
	}
}

// Path returns the managed file path.
func (w *Writer) Path() string {
	return w.path
}

// Commands returns the verify and reload commands used by new transactions.
func (w *Writer) Commands() Commands {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.commands
}

// SetCommands replaces the verify and reload commands.
// Transactions already running keep the commands they started with.
func (w *Writer) SetCommands(commands Commands) {
	w.mu.Lock()
	w.commands = commands
	w.mu.Unlock()
	w.logger.Info("updated transaction commands",
		zap.String("verify_cmd", commands.Verify),
		zap.String("reload_cmd", commands.Reload),
	)
}

// Busy reports whether a transaction currently holds the write guard.
func (w *Writer) Busy() bool {
	return w.writing.Load()
}

// Read returns the current file content without taking the write guard.
func (w *Writer) Read() ([]byte, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrIO, w.path, err)
	}
	return data, nil
}

// Apply runs one transaction. A second call made while one is in flight
// fails immediately with ErrConflict.
//
// The file is rolled back to the snapshot when a step fails before the
// verify command has accepted the new content. Once verify has passed the
// content is kept even if reload fails. A failed rollback is joined to the
// original error.
func (w *Writer) Apply(mutate MutateFunc) (*Result, error) {
	if !w.writing.CompareAndSwap(false, true) {
		w.logger.Warn("rejecting transaction, write guard is held", zap.String("path", w.path))
		return nil, ErrConflict
	}
	defer w.writing.Store(false)

	start := time.Now()
	result := &Result{
		ID:    uuid.NewString(),
		State: StateFailed,
	}
	logger := w.logger.With(zap.String("txn", result.ID))
	commands := w.Commands()

	err := w.apply(logger, result, commands, mutate)
	result.Duration = time.Since(start)

	switch {
	case err == nil:
		logger.Info("transaction committed",
			zap.Bool("changed", result.Changed),
			zap.Duration("duration", result.Duration),
		)
	case result.RolledBack:
		logger.Warn("transaction rolled back", zap.Error(err))
	default:
		logger.Error("transaction failed",
			zap.Bool("changed", result.Changed),
			zap.Error(err),
		)
	}
	return result, err
}

func (w *Writer) apply(logger *zap.Logger, result *Result, commands Commands, mutate MutateFunc) error {
	info, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %w", ErrIO, w.path, err)
	}
	perm := info.Mode().Perm()

	oldBody, err := w.Read()
	if err != nil {
		return err
	}
	logger.Debug("snapshot taken", zap.Int("bytes", len(oldBody)))

	newBody, err := mutate(oldBody)
	if err != nil {
		return err
	}

	var failure error
	// From here on the disk may differ from the snapshot. A failed write
	// can leave the file truncated, so it is restored as well.
	needRollback := true

	if err := os.WriteFile(w.path, newBody, perm); err != nil {
		failure = fmt.Errorf("%w: write %s: %w", ErrIO, w.path, err)
	} else {
		logger.Debug("candidate written", zap.Int("bytes", len(newBody)))
	}

	if failure == nil && commands.Verify != "" {
		if err := w.runStep(logger, "verify", commands.Verify); err != nil {
			failure = fmt.Errorf("%w: %w", ErrVerifyFailed, err)
		} else {
			needRollback = false
		}
	}

	if failure == nil && commands.Reload != "" {
		if err := w.runStep(logger, "reload", commands.Reload); err != nil {
			failure = fmt.Errorf("%w: %w", ErrReloadFailed, err)
		}
	}

	if failure == nil {
		result.State = StateCommitted
		result.Changed = !bytes.Equal(oldBody, newBody)
		return nil
	}

	if !needRollback {
		result.Changed = !bytes.Equal(oldBody, newBody)
		return failure
	}

	logger.Info("rolling back config file", zap.String("path", w.path))
	if err := os.WriteFile(w.path, oldBody, perm); err != nil {
		result.Changed = true
		return errors.Join(failure, fmt.Errorf("%w: %w: %w", ErrRollbackFailed, ErrIO, err))
	}
	result.State = StateRolledBack
	result.RolledBack = true
	return failure
}

// runStep runs one external command and converts a non-zero exit into an error.
func (w *Writer) runStep(logger *zap.Logger, step, command string) error {
	logger.Debug("running command", zap.String("step", step), zap.String("command", command))

	code, output, err := w.runner.Run(command)
	if err != nil {
		return err
	}
	if code != 0 {
		logger.Error("command exited with non-zero status",
			zap.String("step", step),
			zap.String("command", command),
			zap.Int("exit_code", code),
			zap.ByteString("output", output),
		)
		return fmt.Errorf("%q exited with status %d", command, code)
	}
	return nil
}
