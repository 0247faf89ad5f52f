package proxy

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/easzlab/ezproxy/pkg/metrics"
	"github.com/easzlab/ezproxy/pkg/nginx"
	"github.com/easzlab/ezproxy/pkg/txn"
	"github.com/pmezard/go-difflib/difflib"
	"go.uber.org/zap"
)

var (
	// patternRe limits IP patterns to a single token the rule grammar can hold.
	patternRe = regexp.MustCompile(`^[^\s;{}()#"']+$`)
	// clearPatternRe also admits parentheses so hand-written regex patterns
	// already in the file can be removed.
	clearPatternRe = regexp.MustCompile(`^[^\s;{}#"']+$`)
	// targetRe limits proxy targets to a single proxy_pass argument.
	targetRe = regexp.MustCompile(`^[^\s;{}#"']+$`)
)

// Manager exposes the rule operations on one managed nginx file.
type Manager struct {
	writer  *txn.Writer
	metrics *metrics.Registry
	logger  *zap.Logger
}

// NewManager creates a Manager on top of writer. metrics may be nil.
func NewManager(writer *txn.Writer, metricsRegistry *metrics.Registry, logger *zap.Logger) *Manager {
	return &Manager{
		writer:  writer,
		metrics: metricsRegistry,
		logger:  logger,
	}
}

// GetCurrentConfig parses the managed file as it is on disk right now.
// It does not wait for, or block, a running transaction.
func (m *Manager) GetCurrentConfig() (*nginx.Config, error) {
	data, err := m.writer.Read()
	if err != nil {
		m.logger.Error("failed to read config", zap.String("path", m.writer.Path()), zap.Error(err))
		return nil, err
	}
	cfg := nginx.Parse(data)
	m.metrics.SetRules(len(cfg.Rules))
	return cfg, nil
}

// SetProxy routes requests from ip to url, replacing an existing rule for ip.
func (m *Manager) SetProxy(ip, url string) (*txn.Result, error) {
	err := validateIP(ip, patternRe)
	if err == nil {
		err = validateURL(url)
	}
	if err != nil {
		m.observe("set", ip, nil, err)
		return nil, err
	}

	result, err := m.writer.Apply(func(old []byte) ([]byte, error) {
		return nginx.SetRule(ip, url, old)
	})
	m.observe("set", ip, result, err)
	return result, err
}

// ClearProxy removes every rule for ip. A write transaction runs even when
// ip has no rule.
func (m *Manager) ClearProxy(ip string) (*txn.Result, error) {
	if err := validateIP(ip, clearPatternRe); err != nil {
		m.observe("clear", ip, nil, err)
		return nil, err
	}

	result, err := m.writer.Apply(func(old []byte) ([]byte, error) {
		return nginx.RemoveRule(ip, old), nil
	})
	m.observe("clear", ip, result, err)
	return result, err
}

// PreviewSet returns a unified diff of what SetProxy would write.
func (m *Manager) PreviewSet(ip, url string) (string, error) {
	if err := validateIP(ip, patternRe); err != nil {
		return "", err
	}
	if err := validateURL(url); err != nil {
		return "", err
	}
	return m.preview(func(old []byte) ([]byte, error) {
		return nginx.SetRule(ip, url, old)
	})
}

// PreviewClear returns a unified diff of what ClearProxy would write.
func (m *Manager) PreviewClear(ip string) (string, error) {
	if err := validateIP(ip, clearPatternRe); err != nil {
		return "", err
	}
	return m.preview(func(old []byte) ([]byte, error) {
		return nginx.RemoveRule(ip, old), nil
	})
}

func (m *Manager) preview(mutate txn.MutateFunc) (string, error) {
	old, err := m.writer.Read()
	if err != nil {
		return "", err
	}
	candidate, err := mutate(old)
	if err != nil {
		return "", err
	}

	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(old)),
		B:        difflib.SplitLines(string(candidate)),
		FromFile: m.writer.Path(),
		ToFile:   m.writer.Path() + " (candidate)",
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return "", fmt.Errorf("failed to render diff: %w", err)
	}
	return text, nil
}

// observe logs and records the outcome of a transaction.
func (m *Manager) observe(op, ip string, result *txn.Result, err error) {
	outcome := Classify(err)
	fields := []zap.Field{
		zap.String("op", op),
		zap.String("ip", ip),
		zap.Stringer("outcome", outcome),
	}

	if result != nil {
		fields = append(fields, zap.String("txn", result.ID))
		m.metrics.ObserveTransaction(outcome.String(), result.Duration)
		if result.RolledBack {
			m.metrics.ObserveRollback(true)
		}
	} else {
		m.metrics.ObserveTransaction(outcome.String(), 0)
	}
	if errors.Is(err, txn.ErrRollbackFailed) {
		m.metrics.ObserveRollback(false)
	}

	if err != nil {
		m.logger.Warn("proxy operation failed", append(fields, zap.Error(err))...)
		return
	}
	m.logger.Info("proxy operation applied", fields...)
}

func validateIP(ip string, re *regexp.Regexp) error {
	if ip == "" {
		return fmt.Errorf("%w: ip is required", ErrBadRequest)
	}
	if !re.MatchString(ip) {
		return fmt.Errorf("%w: invalid ip %q", ErrBadRequest, ip)
	}
	return nil
}

func validateURL(url string) error {
	if url == "" {
		return fmt.Errorf("%w: url or a valid name is required", ErrBadRequest)
	}
	if !targetRe.MatchString(url) {
		return fmt.Errorf("%w: invalid url %q", ErrBadRequest, url)
	}
	return nil
}
