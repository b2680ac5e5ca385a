// Package config handles configuration loading, validation, and persistence
// for the forge session daemon.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir     = "config"
	DefaultConfigFile    = "config.json"
	DefaultAPIPort       = 5080
	DefaultLanPort       = "25565"
	DefaultDiscoveryPort = 30000
	DefaultALPN          = "forge/1"
)

// Config is the root configuration structure.
type Config struct {
	mu       sync.RWMutex
	path     string
	firstRun bool

	Network         NetworkConfig   `json:"network"`
	Discovery       DiscoveryConfig `json:"discovery"`
	Session         SessionConfig   `json:"session"`
	ApplicationData ApplicationData `json:"application_data"`
}

// NetworkConfig covers the QUIC transport on both the hosting and joining side.
type NetworkConfig struct {
	// LanPort is kept as text because it is typed by users; a value that
	// does not parse falls back to the default game port.
	LanPort     string `json:"lan_port"`
	BindAddress string `json:"bind_address"`

	DefaultTarget        string   `json:"default_target"`
	ExpectedFingerprint  string   `json:"expected_fingerprint"`
	AllowInsecure        bool     `json:"allow_insecure"`
	FailOnUserDisconnect bool     `json:"fail_on_user_disconnect"`
	IdentityExtraNames   []string `json:"identity_extra_names"`

	KeepAliveMs        int    `json:"keep_alive_ms"`
	MaxIdleMs          int    `json:"max_idle_ms"`
	HandshakeTimeoutMs int    `json:"handshake_timeout_ms"`
	ALPN               string `json:"alpn"`
}

// DiscoveryConfig holds LAN discovery settings.
type DiscoveryConfig struct {
	Enabled          bool   `json:"enabled"`
	Port             int    `json:"port"`
	BroadcastAddress string `json:"broadcast_address"`
	IntervalMs       int    `json:"interval_ms"`
	WindowMs         int    `json:"window_ms"`
	StaleAfterMs     int    `json:"stale_after_ms"`
	ResponderEnabled bool   `json:"responder_enabled"`
}

// SessionConfig holds control loop and lifecycle settings.
type SessionConfig struct {
	TickIntervalMs      int    `json:"tick_interval_ms"`
	LocalBots           int    `json:"local_bots"`
	ErrorDisplaySeconds int    `json:"error_display_seconds"`
	StartMenu           string `json:"start_menu"`
}

// ApplicationData contains daemon-level settings.
type ApplicationData struct {
	API     APIConfig     `json:"api"`
	MQTT    MQTTConfig    `json:"mqtt"`
	Storage StorageConfig `json:"storage"`
	Health  HealthConfig  `json:"health"`
	Logging LoggingConfig `json:"logging"`
}

// APIConfig holds the local HTTP control surface settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// StorageConfig holds the session journal settings.
type StorageConfig struct {
	Enabled          bool   `json:"enabled"`
	Path             string `json:"path"`
	RetentionDays    int    `json:"retention_days"`
	PruneIntervalSec int    `json:"prune_interval_sec"`
}

// HealthConfig holds periodic self-check settings.
type HealthConfig struct {
	Enabled       bool `json:"enabled"`
	IntervalSec   int  `json:"interval_sec"`
	MemoryWarnPct int  `json:"memory_warn_pct"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			LanPort:            DefaultLanPort,
			BindAddress:        "0.0.0.0",
			DefaultTarget:      "127.0.0.1:" + DefaultLanPort,
			KeepAliveMs:        1000,
			MaxIdleMs:          5000,
			HandshakeTimeoutMs: 5000,
			ALPN:               DefaultALPN,
		},
		Discovery: DiscoveryConfig{
			Enabled:          true,
			Port:             DefaultDiscoveryPort,
			BroadcastAddress: "255.255.255.255",
			IntervalMs:       2000,
			WindowMs:         200,
			StaleAfterMs:     6000,
			ResponderEnabled: true,
		},
		Session: SessionConfig{
			TickIntervalMs:      16,
			ErrorDisplaySeconds: 10,
			StartMenu:           "main",
		},
		ApplicationData: ApplicationData{
			API: APIConfig{
				Enabled:        true,
				Host:           "127.0.0.1",
				Port:           DefaultAPIPort,
				AllowedOrigins: []string{"http://localhost:3000"},
				RateLimitRPS:   50,
			},
			MQTT: MQTTConfig{
				Enabled:     false,
				BrokerURL:   "localhost",
				Port:        1883,
				TopicPrefix: "forge",
			},
			Storage: StorageConfig{
				Enabled:          true,
				Path:             filepath.Join("data", "forge.db"),
				RetentionDays:    30,
				PruneIntervalSec: 3600,
			},
			Health: HealthConfig{
				Enabled:       true,
				IntervalSec:   60,
				MemoryWarnPct: 90,
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxSizeMB:  10,
				MaxBackups: 5,
			},
		},
	}
}

// Load reads configuration from a JSON file, creating it with defaults
// when it does not exist yet.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			cfg.firstRun = true
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Persist fields added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetNetwork returns a copy of the network configuration.
func (c *Config) GetNetwork() NetworkConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := c.Network
	n.IdentityExtraNames = append([]string(nil), c.Network.IdentityExtraNames...)
	return n
}

// SetNetwork updates the network configuration.
func (c *Config) SetNetwork(n NetworkConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Network = n
}

// GetDiscovery returns a copy of the discovery configuration.
func (c *Config) GetDiscovery() DiscoveryConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Discovery
}

// GetSession returns a copy of the session configuration.
func (c *Config) GetSession() SessionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Session
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// SetApplicationData updates the application data configuration.
func (c *Config) SetApplicationData(data ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ApplicationData = data
}

// ApplyField is UpdateField followed by validation. An update that leaves
// the configuration invalid is rolled back and the result says why.
func (c *Config) ApplyField(section, key string, value interface{}) (*ValidationResult, error) {
	c.mu.RLock()
	network, discovery, sess := c.Network, c.Discovery, c.Session
	network.IdentityExtraNames = append([]string(nil), c.Network.IdentityExtraNames...)
	c.mu.RUnlock()

	if err := c.UpdateField(section, key, value); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	result := &ValidationResult{}
	validateNetwork(&c.Network, result)
	validateDiscovery(&c.Discovery, result)
	validateSession(&c.Session, result)
	if !result.IsValid() {
		c.Network, c.Discovery, c.Session = network, discovery, sess
	}
	return result, nil
}

// UpdateField sets one key of a top-level section ("network", "discovery",
// "session") through its JSON representation.
func (c *Config) UpdateField(section, key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var target interface{}
	switch section {
	case "network":
		target = &c.Network
	case "discovery":
		target = &c.Discovery
	case "session":
		target = &c.Session
	default:
		return fmt.Errorf("unknown config section %q", section)
	}

	data, _ := json.Marshal(target)
	m := make(map[string]interface{})
	json.Unmarshal(data, &m)

	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown field %s.%s", section, key)
	}
	m[key] = value

	updated, _ := json.Marshal(m)
	if err := json.Unmarshal(updated, target); err != nil {
		return fmt.Errorf("failed to update field %s.%s: %w", section, key, err)
	}

	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun returns true if Load had to create the config file.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.firstRun
}

// KeepAlive returns the transport keep-alive period.
func (n NetworkConfig) KeepAlive() time.Duration {
	return time.Duration(n.KeepAliveMs) * time.Millisecond
}

// MaxIdle returns the transport idle timeout.
func (n NetworkConfig) MaxIdle() time.Duration {
	return time.Duration(n.MaxIdleMs) * time.Millisecond
}

// HandshakeTimeout returns the transport handshake timeout.
func (n NetworkConfig) HandshakeTimeout() time.Duration {
	return time.Duration(n.HandshakeTimeoutMs) * time.Millisecond
}

// Interval returns the time between discovery rounds.
func (d DiscoveryConfig) Interval() time.Duration {
	return time.Duration(d.IntervalMs) * time.Millisecond
}

// Window returns how long a round collects responses.
func (d DiscoveryConfig) Window() time.Duration {
	return time.Duration(d.WindowMs) * time.Millisecond
}

// StaleAfter returns how long an unseen server stays listed.
func (d DiscoveryConfig) StaleAfter() time.Duration {
	return time.Duration(d.StaleAfterMs) * time.Millisecond
}

// TickInterval returns the control loop period.
func (s SessionConfig) TickInterval() time.Duration {
	return time.Duration(s.TickIntervalMs) * time.Millisecond
}

// ErrorDisplay returns how long the current error message stays visible.
func (s SessionConfig) ErrorDisplay() time.Duration {
	return time.Duration(s.ErrorDisplaySeconds) * time.Second
}
