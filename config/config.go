package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zhubert/crabbot-core/paths"
)

// Client identity sent in the initialize handshake when config.yaml is silent.
const (
	DefaultClientName    = "crabbot_cli"
	DefaultClientTitle   = "Crabbot CLI"
	DefaultClientVersion = "0.1.0"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreJSON   = "json"
	StoreMemory = "memory"
)

var validApprovalPolicies = map[string]bool{
	"on-request": true,
	"on-failure": true,
	"untrusted":  true,
	"never":      true,
}

// Config holds the client settings read from config.yaml.
type Config struct {
	Client        ClientConfig        `yaml:"client"`
	RPC           RPCConfig           `yaml:"rpc"`
	Reconnect     ReconnectConfig     `yaml:"reconnect"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Store         StoreConfig         `yaml:"store"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Debug         bool                `yaml:"debug,omitempty"`

	mu       sync.RWMutex
	filePath string
}

// ClientConfig is the clientInfo block of the initialize request.
type ClientConfig struct {
	Name    string `yaml:"name"`
	Title   string `yaml:"title"`
	Version string `yaml:"version"`
}

// RPCConfig tunes the transport.
type RPCConfig struct {
	OpenTimeout     Duration `yaml:"open_timeout"`
	ExperimentalAPI *bool    `yaml:"experimental_api,omitempty"`
}

// ReconnectConfig is the backoff policy of the connection supervisor.
type ReconnectConfig struct {
	Enabled   *bool    `yaml:"enabled,omitempty"` // auto-reconnect after an explicit connect
	BaseDelay Duration `yaml:"base_delay"`
	MaxDelay  Duration `yaml:"max_delay"`
}

// SessionsConfig holds thread defaults.
type SessionsConfig struct {
	ApprovalPolicy     string `yaml:"approval_policy"`
	ListLimit          int    `yaml:"list_limit"`
	NotifyOnCompletion *bool  `yaml:"notify_on_completion,omitempty"`
}

// StoreConfig selects where the connection/session directory is persisted.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path,omitempty"` // empty means the backend's default under the data dir
}

// NotificationsConfig controls the notification sink.
type NotificationsConfig struct {
	Desktop bool `yaml:"desktop"`
}

// Duration is a wrapper around time.Duration that reads and writes
// human-readable strings like "1s" or "30s" in YAML.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Default returns a config populated with defaults and no backing file.
func Default() *Config {
	cfg := &Config{}
	cfg.ensureDefaults()
	return cfg
}

// Load reads config.yaml from the config directory, or returns defaults if it doesn't exist.
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads the config at path. A missing file yields defaults bound to path.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{filePath: path}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	// Fill zero values before Validate, which only reads.
	cfg.ensureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// ensureDefaults fills unset fields. Not thread-safe; only called before
// the Config is shared.
func (c *Config) ensureDefaults() {
	if c.Client.Name == "" {
		c.Client.Name = DefaultClientName
	}
	if c.Client.Title == "" {
		c.Client.Title = DefaultClientTitle
	}
	if c.Client.Version == "" {
		c.Client.Version = DefaultClientVersion
	}
	if c.RPC.OpenTimeout.Duration == 0 {
		c.RPC.OpenTimeout.Duration = 10 * time.Second
	}
	if c.RPC.ExperimentalAPI == nil {
		c.RPC.ExperimentalAPI = boolPtr(true)
	}
	if c.Reconnect.Enabled == nil {
		c.Reconnect.Enabled = boolPtr(true)
	}
	if c.Reconnect.BaseDelay.Duration == 0 {
		c.Reconnect.BaseDelay.Duration = time.Second
	}
	if c.Reconnect.MaxDelay.Duration == 0 {
		c.Reconnect.MaxDelay.Duration = 30 * time.Second
	}
	if c.Sessions.ApprovalPolicy == "" {
		c.Sessions.ApprovalPolicy = "on-request"
	}
	if c.Sessions.ListLimit == 0 {
		c.Sessions.ListLimit = 50
	}
	if c.Sessions.NotifyOnCompletion == nil {
		c.Sessions.NotifyOnCompletion = boolPtr(true)
	}
	if c.Store.Backend == "" {
		c.Store.Backend = StoreSQLite
	}
}

func boolPtr(b bool) *bool { return &b }

// Validate checks that the config is internally consistent.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.RPC.OpenTimeout.Duration <= 0 {
		return fmt.Errorf("rpc.open_timeout must be positive")
	}
	if c.Reconnect.BaseDelay.Duration <= 0 {
		return fmt.Errorf("reconnect.base_delay must be positive")
	}
	if c.Reconnect.MaxDelay.Duration < c.Reconnect.BaseDelay.Duration {
		return fmt.Errorf("reconnect.max_delay (%s) is below base_delay (%s)",
			c.Reconnect.MaxDelay.Duration, c.Reconnect.BaseDelay.Duration)
	}
	if !validApprovalPolicies[c.Sessions.ApprovalPolicy] {
		return fmt.Errorf("unknown sessions.approval_policy %q", c.Sessions.ApprovalPolicy)
	}
	if c.Sessions.ListLimit < 1 || c.Sessions.ListLimit > 1000 {
		return fmt.Errorf("sessions.list_limit must be between 1 and 1000, got %d", c.Sessions.ListLimit)
	}
	switch c.Store.Backend {
	case StoreSQLite, StoreJSON, StoreMemory:
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	return nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.filePath == "" {
		return fmt.Errorf("config has no file path")
	}
	if err := os.MkdirAll(filepath.Dir(c.filePath), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.filePath, data, 0644)
}

// SetFilePath sets the config file path (for testing).
func (c *Config) SetFilePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filePath = path
}

// GetClient returns the client identity.
func (c *Config) GetClient() ClientConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Client
}

// GetOpenTimeout returns how long a request waits for the socket to open.
func (c *Config) GetOpenTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.RPC.OpenTimeout.Duration
}

// GetExperimentalAPI reports whether the experimental API capability is requested.
func (c *Config) GetExperimentalAPI() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.RPC.ExperimentalAPI == nil || *c.RPC.ExperimentalAPI
}

// GetReconnectDelays returns the base and cap of the reconnect backoff.
func (c *Config) GetReconnectDelays() (base, max time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Reconnect.BaseDelay.Duration, c.Reconnect.MaxDelay.Duration
}

// GetAutoReconnect reports whether Connect enables auto-reconnect.
func (c *Config) GetAutoReconnect() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Reconnect.Enabled == nil || *c.Reconnect.Enabled
}

// GetApprovalPolicy returns the approvalPolicy sent with thread/start.
func (c *Config) GetApprovalPolicy() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Sessions.ApprovalPolicy
}

// GetListLimit returns the page size for thread/list.
func (c *Config) GetListLimit() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Sessions.ListLimit
}

// GetNotifyOnCompletion reports whether finished turns notify the sink.
func (c *Config) GetNotifyOnCompletion() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Sessions.NotifyOnCompletion == nil || *c.Sessions.NotifyOnCompletion
}

// GetStore returns the persistence settings.
func (c *Config) GetStore() StoreConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Store
}

// SetStore replaces the persistence settings.
func (c *Config) SetStore(s StoreConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Store = s
}

// GetDesktopNotifications reports whether desktop notifications are on.
func (c *Config) GetDesktopNotifications() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Notifications.Desktop
}

// SetDesktopNotifications turns desktop notifications on or off.
func (c *Config) SetDesktopNotifications(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Notifications.Desktop = enabled
}

// GetDebug reports whether debug logging is on.
func (c *Config) GetDebug() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Debug
}

// SetDebug turns debug logging on or off.
func (c *Config) SetDebug(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Debug = enabled
}
