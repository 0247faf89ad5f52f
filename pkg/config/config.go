package config

import (
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config represents the top-level configuration structure.
type Config struct {
	Global        GlobalConfig      `yaml:"global"         mapstructure:"global"`
	Listen        string            `yaml:"listen"         mapstructure:"listen"`
	Nginx         NginxConfig       `yaml:"nginx"          mapstructure:"nginx"`
	HealthCheck   HealthCheckConfig `yaml:"health_check"   mapstructure:"health_check"`
	PresetServers []PresetServer    `yaml:"preset_servers" mapstructure:"preset_servers"`
}

// GlobalConfig holds global settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
	LogFile  string `yaml:"log_file"  mapstructure:"log_file"`
}

// NginxConfig points at the managed file and the commands run after each write.
type NginxConfig struct {
	ConfigPath string `yaml:"config_path" mapstructure:"config_path"`
	VerifyCmd  string `yaml:"verify_cmd"  mapstructure:"verify_cmd"`
	ReloadCmd  string `yaml:"reload_cmd"  mapstructure:"reload_cmd"`
}

// PresetServer is a named proxy target clients can pick by name.
type PresetServer struct {
	Name string `yaml:"name" mapstructure:"name" json:"name"`
	URL  string `yaml:"url"  mapstructure:"url"  json:"url"`
}

// HealthCheckConfig defines how preset servers are probed.
type HealthCheckConfig struct {
	Enabled            *bool  `yaml:"enabled"              mapstructure:"enabled"`
	Type               string `yaml:"type"                 mapstructure:"type"`
	Interval           string `yaml:"interval"             mapstructure:"interval"`
	Timeout            string `yaml:"timeout"              mapstructure:"timeout"`
	FailCount          int    `yaml:"fail_count"           mapstructure:"fail_count"`
	RiseCount          int    `yaml:"rise_count"           mapstructure:"rise_count"`
	HTTPPath           string `yaml:"http_path"            mapstructure:"http_path"`
	HTTPExpectedStatus int    `yaml:"http_expected_status" mapstructure:"http_expected_status"`
}

// IsEnabled returns whether preset servers are probed.
// Defaults to true if not explicitly set.
func (h HealthCheckConfig) IsEnabled() bool {
	if h.Enabled == nil {
		return true
	}
	return *h.Enabled
}

// GetInterval parses and returns the probe interval.
// Defaults to 10s if not set or invalid.
func (h HealthCheckConfig) GetInterval() time.Duration {
	if h.Interval == "" {
		return 10 * time.Second
	}
	duration, err := time.ParseDuration(h.Interval)
	if err != nil {
		return 10 * time.Second
	}
	return duration
}

// GetTimeout parses and returns the probe timeout.
// Defaults to 3s if not set or invalid.
func (h HealthCheckConfig) GetTimeout() time.Duration {
	if h.Timeout == "" {
		return 3 * time.Second
	}
	duration, err := time.ParseDuration(h.Timeout)
	if err != nil {
		return 3 * time.Second
	}
	return duration
}

// GetType returns the probe type. Defaults to "tcp".
func (h HealthCheckConfig) GetType() string {
	if h.Type == "" {
		return "tcp"
	}
	return h.Type
}

// GetHTTPPath returns the HTTP probe request path. Defaults to "/".
func (h HealthCheckConfig) GetHTTPPath() string {
	if h.HTTPPath == "" {
		return "/"
	}
	return h.HTTPPath
}

// GetHTTPExpectedStatus returns the expected HTTP response status code.
// Defaults to 200 if not set.
func (h HealthCheckConfig) GetHTTPExpectedStatus() int {
	if h.HTTPExpectedStatus <= 0 {
		return 200
	}
	return h.HTTPExpectedStatus
}

// GetFailCount returns the consecutive failure threshold. Defaults to 3.
func (h HealthCheckConfig) GetFailCount() int {
	if h.FailCount <= 0 {
		return 3
	}
	return h.FailCount
}

// GetRiseCount returns the consecutive success threshold. Defaults to 2.
func (h HealthCheckConfig) GetRiseCount() int {
	if h.RiseCount <= 0 {
		return 2
	}
	return h.RiseCount
}

// FindPresetByName returns the preset server with the given name.
func (c *Config) FindPresetByName(name string) (PresetServer, bool) {
	for _, server := range c.PresetServers {
		if server.Name == name {
			return server, true
		}
	}
	return PresetServer{}, false
}

// FindPresetByURL returns the first preset server whose URL is target.
func (c *Config) FindPresetByURL(target string) (PresetServer, bool) {
	for _, server := range c.PresetServers {
		if server.URL == target {
			return server, true
		}
	}
	return PresetServer{}, false
}

// validLogLevels is the set of accepted global.log_level values.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Manager handles configuration loading, validation, and hot-reload.
type Manager struct {
	viper      *viper.Viper
	configPath string
	current    *Config
	mu         sync.RWMutex
	onChange   chan struct{}
	logger     *zap.Logger
}

// NewManager creates a config Manager, loads and validates the initial configuration.
func NewManager(configPath string, logger *zap.Logger) (*Manager, error) {
	viperInstance := viper.New()
	viperInstance.SetConfigFile(configPath)

	// Set defaults
	viperInstance.SetDefault("global.log_level", "info")
	viperInstance.SetDefault("listen", "0.0.0.0:3000")

	manager := &Manager{
		viper:      viperInstance,
		configPath: configPath,
		onChange:   make(chan struct{}, 1),
		logger:     logger,
	}

	cfg, err := manager.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	manager.current = cfg

	return manager, nil
}

// Load reads the config file, unmarshals it, and validates.
func (m *Manager) Load() (*Config, error) {
	if err := m.viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for correctness.
func Validate(cfg *Config) error {
	if cfg.Global.LogLevel != "" && !validLogLevels[cfg.Global.LogLevel] {
		return fmt.Errorf("unsupported global.log_level %q (supported: debug, info, warn, error)", cfg.Global.LogLevel)
	}

	if cfg.Nginx.ConfigPath == "" {
		return fmt.Errorf("nginx.config_path is required")
	}

	// Validate listen address
	if cfg.Listen != "" {
		host, port, err := net.SplitHostPort(cfg.Listen)
		if err != nil {
			return fmt.Errorf("invalid listen address %q: %w", cfg.Listen, err)
		}
		if host != "" && net.ParseIP(host) == nil {
			return fmt.Errorf("invalid listen IP %q", host)
		}
		if port == "" || port == "0" {
			return fmt.Errorf("listen port must be a positive number")
		}
	}

	nameSet := make(map[string]bool)
	for i, server := range cfg.PresetServers {
		if server.Name == "" {
			return fmt.Errorf("preset_servers[%d]: name is required", i)
		}
		if nameSet[server.Name] {
			return fmt.Errorf("preset_servers[%d]: duplicate name %q", i, server.Name)
		}
		nameSet[server.Name] = true

		parsed, err := url.Parse(server.URL)
		if err != nil {
			return fmt.Errorf("preset server %q: invalid url %q: %w", server.Name, server.URL, err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("preset server %q: url %q must include scheme and host", server.Name, server.URL)
		}
	}

	// Validate health check parameters
	hc := cfg.HealthCheck
	if hc.IsEnabled() {
		if hc.Interval != "" {
			if _, err := time.ParseDuration(hc.Interval); err != nil {
				return fmt.Errorf("invalid health_check.interval %q: %w", hc.Interval, err)
			}
		}
		if hc.Timeout != "" {
			if _, err := time.ParseDuration(hc.Timeout); err != nil {
				return fmt.Errorf("invalid health_check.timeout %q: %w", hc.Timeout, err)
			}
		}

		checkType := hc.GetType()
		if checkType != "tcp" && checkType != "http" {
			return fmt.Errorf("unsupported health_check.type %q (supported: tcp, http)", checkType)
		}

		if checkType == "http" {
			if hc.HTTPPath != "" && hc.HTTPPath[0] != '/' {
				return fmt.Errorf("health_check.http_path must start with '/'")
			}
			if hc.HTTPExpectedStatus != 0 &&
				(hc.HTTPExpectedStatus < 100 || hc.HTTPExpectedStatus > 599) {
				return fmt.Errorf("health_check.http_expected_status must be between 100 and 599")
			}
		}
	}

	return nil
}

// WatchConfig starts watching the config file for changes.
// On change, it reloads and validates; if valid, updates current config and notifies via onChange channel.
func (m *Manager) WatchConfig() {
	m.viper.OnConfigChange(func(event fsnotify.Event) {
		m.logger.Info("config file changed", zap.String("file", event.Name))

		cfg, err := m.Load()
		if err != nil {
			m.logger.Error("failed to reload config, keeping previous config", zap.Error(err))
			return
		}

		m.mu.Lock()
		m.current = cfg
		m.mu.Unlock()

		m.logger.Info("config reloaded successfully")

		// Non-blocking send to notify listeners
		select {
		case m.onChange <- struct{}{}:
		default:
		}
	})

	m.viper.WatchConfig()
}

// GetConfig returns a snapshot of the current configuration.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange returns a read-only channel that signals when config has changed.
func (m *Manager) OnChange() <-chan struct{} {
	return m.onChange
}
