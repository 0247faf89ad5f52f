package healthcheck

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/easzlab/ezproxy/pkg/config"
	"go.uber.org/zap"
)

// targetStatus tracks the health state and consecutive check results for a single preset server.
type targetStatus struct {
	name             string
	address          string
	healthy          bool
	consecutiveFails int
	consecutiveOK    int
	cancel           context.CancelFunc
}

// checkSettings holds the probe parameters shared by all preset servers.
type checkSettings struct {
	checker   Checker
	interval  time.Duration
	failCount int
	riseCount int
	key       string
}

// Manager probes every preset server and tracks whether it is reachable.
type Manager struct {
	settings *checkSettings
	statuses map[string]*targetStatus // key: preset name
	mu       sync.RWMutex
	onChange func(name string, healthy bool)
	logger   *zap.Logger
}

// NewManager creates a new health check Manager.
// The onChange callback is invoked whenever a preset server's health status changes.
func NewManager(onChange func(name string, healthy bool), logger *zap.Logger) *Manager {
	return &Manager{
		statuses: make(map[string]*targetStatus),
		onChange: onChange,
		logger:   logger,
	}
}

// IsHealthy returns whether the named preset server is considered healthy.
// Untracked names are healthy by default.
func (m *Manager) IsHealthy(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, exists := m.statuses[name]
	if !exists {
		return true
	}
	return status.healthy
}

// Tracked reports whether the named preset server is being probed.
func (m *Manager) Tracked(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.statuses[name]
	return exists
}

// UpdateTargets synchronizes the probed preset servers with cfg.
// Changed probe settings restart every check; a preset whose URL moved is restarted alone.
func (m *Manager) UpdateTargets(ctx context.Context, cfg *config.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hc := cfg.HealthCheck
	if !hc.IsEnabled() {
		if m.settings != nil {
			m.logger.Info("health check disabled, stopping all probes")
		}
		m.stopAllLocked()
		m.settings = nil
		return
	}

	settings := &checkSettings{
		checker:   NewChecker(hc.GetType(), hc.GetTimeout(), hc.GetHTTPPath(), hc.GetHTTPExpectedStatus()),
		interval:  hc.GetInterval(),
		failCount: hc.GetFailCount(),
		riseCount: hc.GetRiseCount(),
		key: fmt.Sprintf("%s|%s|%s|%d|%d|%s|%d", hc.GetType(), hc.GetInterval(), hc.GetTimeout(),
			hc.GetFailCount(), hc.GetRiseCount(), hc.GetHTTPPath(), hc.GetHTTPExpectedStatus()),
	}
	if m.settings != nil && m.settings.key != settings.key {
		m.logger.Info("health check settings changed, restarting probes")
		m.stopAllLocked()
	}
	m.settings = settings

	desired := make(map[string]bool)
	for _, server := range cfg.PresetServers {
		address, err := Address(server.URL)
		if err != nil {
			m.logger.Warn("skipping health check for preset server",
				zap.String("name", server.Name), zap.Error(err))
			continue
		}
		desired[server.Name] = true

		if status, exists := m.statuses[server.Name]; exists {
			if status.address == address {
				continue
			}
			if status.cancel != nil {
				status.cancel()
			}
			delete(m.statuses, server.Name)
		}
		m.startCheckLocked(ctx, server.Name, address, settings)
	}

	for name, status := range m.statuses {
		if !desired[name] {
			if status.cancel != nil {
				status.cancel()
			}
			delete(m.statuses, name)
			m.logger.Info("stopped health check for removed preset server", zap.String("name", name))
		}
	}
}

// stopAllLocked cancels every probe.
// Must be called with m.mu held.
func (m *Manager) stopAllLocked() {
	for name, status := range m.statuses {
		if status.cancel != nil {
			status.cancel()
		}
		m.logger.Debug("stopped health check", zap.String("name", name))
	}
	m.statuses = make(map[string]*targetStatus)
}

// startCheckLocked starts a probe goroutine for a single preset server.
// Must be called with m.mu held.
func (m *Manager) startCheckLocked(ctx context.Context, name, address string, settings *checkSettings) {
	checkCtx, cancel := context.WithCancel(ctx)
	status := &targetStatus{
		name:    name,
		address: address,
		healthy: true,
		cancel:  cancel,
	}
	m.statuses[name] = status

	m.logger.Info("started health check for preset server",
		zap.String("name", name), zap.String("address", address))

	go m.runCheck(checkCtx, status, settings)
}

// runCheck is the probe loop for a single preset server.
func (m *Manager) runCheck(ctx context.Context, status *targetStatus, settings *checkSettings) {
	ticker := time.NewTicker(settings.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := settings.checker.Check(status.address)
			m.handleCheckResult(status, err, settings)
		}
	}
}

// handleCheckResult applies one probe result to status.
// Results for a status that is no longer tracked are dropped.
func (m *Manager) handleCheckResult(status *targetStatus, checkErr error, settings *checkSettings) {
	m.mu.Lock()

	if m.statuses[status.name] != status {
		m.mu.Unlock()
		return
	}

	previouslyHealthy := status.healthy

	if checkErr != nil {
		status.consecutiveFails++
		status.consecutiveOK = 0

		if status.healthy && status.consecutiveFails >= settings.failCount {
			status.healthy = false
			m.logger.Warn("preset server marked unhealthy",
				zap.String("name", status.name),
				zap.String("address", status.address),
				zap.Int("consecutive_fails", status.consecutiveFails),
				zap.Error(checkErr),
			)
		}
	} else {
		status.consecutiveOK++
		status.consecutiveFails = 0

		if !status.healthy && status.consecutiveOK >= settings.riseCount {
			status.healthy = true
			m.logger.Info("preset server marked healthy",
				zap.String("name", status.name),
				zap.Int("consecutive_ok", status.consecutiveOK),
			)
		}
	}

	healthy := status.healthy
	statusChanged := previouslyHealthy != healthy
	m.mu.Unlock()

	if statusChanged && m.onChange != nil {
		m.onChange(status.name, healthy)
	}
}

// Stop cancels all running probes and clears state.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopAllLocked()
	m.settings = nil
	m.logger.Info("all health checks stopped")
}
