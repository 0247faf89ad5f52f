package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/easzlab/ezproxy/pkg/api"
	"github.com/easzlab/ezproxy/pkg/config"
	"github.com/easzlab/ezproxy/pkg/healthcheck"
	"github.com/easzlab/ezproxy/pkg/metrics"
	"github.com/easzlab/ezproxy/pkg/nginx"
	"github.com/easzlab/ezproxy/pkg/proxy"
	"github.com/easzlab/ezproxy/pkg/txn"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// Server coordinates all modules and manages the overall service lifecycle.
type Server struct {
	configMgr  *config.Manager
	writer     *txn.Writer
	proxyMgr   *proxy.Manager
	healthMgr  *healthcheck.Manager
	metrics    *metrics.Registry
	httpServer *http.Server

	// applied is the config the running modules were last synchronised with.
	applied *config.Config
	// exported holds the preset names currently present in the metrics.
	exported map[string]bool

	addrMu sync.RWMutex
	addr   net.Addr

	logger *zap.Logger
}

// NewServer initializes all modules and returns a ready-to-run Server.
// Verify and reload commands are run through /bin/sh.
func NewServer(configPath string, logger *zap.Logger) (*Server, error) {
	return newServerWithRunner(configPath, txn.NewShellRunner(), logger)
}

// newServerWithRunner initializes a Server with a pre-created command Runner.
// This allows tests to script verify and reload results.
func newServerWithRunner(configPath string, runner txn.Runner, logger *zap.Logger) (*Server, error) {
	configMgr, err := config.NewManager(configPath, logger.Named("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}
	cfg := configMgr.GetConfig()

	server := &Server{
		configMgr: configMgr,
		metrics:   metrics.New(),
		applied:   cfg,
		exported:  make(map[string]bool),
		logger:    logger,
	}

	server.writer = txn.NewWriter(cfg.Nginx.ConfigPath, commandsOf(cfg), runner, logger.Named("txn"))
	server.proxyMgr = proxy.NewManager(server.writer, server.metrics, logger.Named("proxy"))

	// Health transitions only move the preset gauge
	server.healthMgr = healthcheck.NewManager(func(name string, healthy bool) {
		server.metrics.SetPresetServerUp(name, healthy)
	}, logger.Named("healthcheck"))

	handler := api.NewHandler(server.proxyMgr, configMgr.GetConfig, server.healthMgr, logger.Named("api"))
	server.httpServer = &http.Server{
		Handler:           api.NewRouter(handler, server.metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return server, nil
}

// Proxy returns the rule operations bound to the managed nginx file.
func (s *Server) Proxy() *proxy.Manager {
	return s.proxyMgr
}

// Settings returns the current daemon configuration.
func (s *Server) Settings() *config.Config {
	return s.configMgr.GetConfig()
}

// Addr returns the address the HTTP listener is bound to, or nil before Run has bound it.
func (s *Server) Addr() net.Addr {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	return s.addr
}

// Run starts the server in daemon mode: binds the HTTP listener, starts health
// checks and config watching, then enters the main event loop until context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.configMgr.GetConfig()

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}
	s.addrMu.Lock()
	s.addr = listener.Addr()
	s.addrMu.Unlock()

	serveErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	s.logger.Info("http api listening", zap.String("address", listener.Addr().String()))

	s.inspectManagedFile()

	s.healthMgr.UpdateTargets(ctx, cfg)
	s.syncPresetMetrics(cfg)

	s.configMgr.WatchConfig()
	s.logger.Info("config watcher started")

	s.logger.Info("server started, entering main loop")
	for {
		select {
		case <-s.configMgr.OnChange():
			s.logger.Info("config change detected, applying settings")
			s.applySettings(ctx, s.configMgr.GetConfig())

		case err, ok := <-serveErr:
			if ok {
				s.logger.Error("http server failed", zap.Error(err))
				s.shutdown()
				return fmt.Errorf("http server failed: %w", err)
			}
			serveErr = nil

		case <-ctx.Done():
			s.logger.Info("shutdown signal received, stopping server")
			s.shutdown()
			return nil
		}
	}
}

// applySettings pushes a reloaded config into the running modules.
// The managed file path and the listen address are fixed for the process lifetime.
func (s *Server) applySettings(ctx context.Context, cfg *config.Config) {
	previous := s.applied
	s.applied = cfg

	if cfg.Nginx.ConfigPath != previous.Nginx.ConfigPath {
		s.logger.Warn("nginx.config_path changed, restart required to take effect",
			zap.String("current", previous.Nginx.ConfigPath),
			zap.String("configured", cfg.Nginx.ConfigPath),
		)
	}
	if cfg.Listen != previous.Listen {
		s.logger.Warn("listen changed, restart required to take effect",
			zap.String("current", previous.Listen),
			zap.String("configured", cfg.Listen),
		)
	}
	if commands := commandsOf(cfg); commands != s.writer.Commands() {
		s.writer.SetCommands(commands)
	}

	s.healthMgr.UpdateTargets(ctx, cfg)
	s.syncPresetMetrics(cfg)
}

// syncPresetMetrics exports one gauge per probed preset and drops the rest.
func (s *Server) syncPresetMetrics(cfg *config.Config) {
	current := make(map[string]bool)
	for _, preset := range cfg.PresetServers {
		if !s.healthMgr.Tracked(preset.Name) {
			continue
		}
		current[preset.Name] = true
		s.metrics.SetPresetServerUp(preset.Name, s.healthMgr.IsHealthy(preset.Name))
	}
	for name := range s.exported {
		if !current[name] {
			s.metrics.ForgetPresetServer(name)
		}
	}
	s.exported = current
}

// inspectManagedFile logs what the managed file holds at startup.
func (s *Server) inspectManagedFile() {
	parsed, err := s.proxyMgr.GetCurrentConfig()
	if err != nil {
		s.logger.Warn("managed nginx file is not readable", zap.Error(err))
		return
	}
	if !parsed.HasAnchor() {
		s.logger.Warn("managed nginx file has no default proxy_pass, rules cannot be added",
			zap.String("path", s.writer.Path()),
			zap.Error(nginx.ErrNoAnchor),
		)
	}
	s.logger.Info("managed nginx file loaded",
		zap.String("path", s.writer.Path()),
		zap.String("default_proxy", parsed.DefaultTarget),
		zap.Int("rules", len(parsed.Rules)),
	)
}

// shutdown gracefully stops all modules.
func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown incomplete", zap.Error(err))
	}
	s.healthMgr.Stop()
	s.logger.Info("server stopped")
}

func commandsOf(cfg *config.Config) txn.Commands {
	return txn.Commands{
		Verify: cfg.Nginx.VerifyCmd,
		Reload: cfg.Nginx.ReloadCmd,
	}
}
