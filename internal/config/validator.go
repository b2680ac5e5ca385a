package config

import (
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateNetwork(&cfg.Network, result)
	validateDiscovery(&cfg.Discovery, result)
	validateSession(&cfg.Session, result)
	validateApplicationData(&cfg.ApplicationData, result)

	return result
}

func validateNetwork(n *NetworkConfig, result *ValidationResult) {
	if port, err := strconv.Atoi(strings.TrimSpace(n.LanPort)); err != nil || port < 1 || port > 65535 {
		result.AddWarning("network.lan_port",
			fmt.Sprintf("%q is not a valid port, the default %s will be used", n.LanPort, DefaultLanPort))
	}

	if n.BindAddress != "" && net.ParseIP(n.BindAddress) == nil {
		result.AddError("network.bind_address", fmt.Sprintf("not an IP address: %s", n.BindAddress))
	}

	if n.ExpectedFingerprint != "" {
		raw, err := base64.StdEncoding.DecodeString(n.ExpectedFingerprint)
		if err != nil || len(raw) != 32 {
			result.AddError("network.expected_fingerprint",
				"fingerprint must be a base64 encoded SHA-256 digest")
		}
	}

	if n.AllowInsecure {
		result.AddWarning("network.allow_insecure",
			"certificate validation is disabled when no fingerprint is configured, use only for development")
	}

	if n.KeepAliveMs <= 0 {
		result.AddError("network.keep_alive_ms", "keep-alive must be positive")
	}
	if n.MaxIdleMs <= n.KeepAliveMs {
		result.AddError("network.max_idle_ms", "idle timeout must be larger than the keep-alive period")
	}
	if n.HandshakeTimeoutMs <= 0 {
		result.AddError("network.handshake_timeout_ms", "handshake timeout must be positive")
	}
	if strings.TrimSpace(n.ALPN) == "" {
		result.AddError("network.alpn", "an application protocol name is required")
	}
}

func validateDiscovery(d *DiscoveryConfig, result *ValidationResult) {
	if !d.Enabled {
		return
	}

	validatePort(d.Port, "discovery.port", result)

	if ip := net.ParseIP(d.BroadcastAddress); ip == nil || ip.To4() == nil {
		result.AddError("discovery.broadcast_address", "broadcast address must be an IPv4 address")
	}
	if d.WindowMs <= 0 {
		result.AddError("discovery.window_ms", "collection window must be positive")
	}
	if d.IntervalMs <= d.WindowMs {
		result.AddError("discovery.interval_ms", "interval must be longer than the collection window")
	}
	if d.StaleAfterMs < d.IntervalMs {
		result.AddWarning("discovery.stale_after_ms",
			"servers will drop out of the list between discovery rounds")
	}
}

func validateSession(s *SessionConfig, result *ValidationResult) {
	if s.TickIntervalMs <= 0 {
		result.AddError("session.tick_interval_ms", "tick interval must be positive")
	}
	if s.TickIntervalMs > 250 {
		result.AddWarning("session.tick_interval_ms",
			fmt.Sprintf("slow tick (%dms) delays every lifecycle transition", s.TickIntervalMs))
	}
	if s.LocalBots < 0 {
		result.AddError("session.local_bots", "bot count cannot be negative")
	}
	if s.LocalBots > 16 {
		result.AddWarning("session.local_bots", fmt.Sprintf("high bot count (%d)", s.LocalBots))
	}
	if s.ErrorDisplaySeconds < 1 {
		result.AddWarning("session.error_display_seconds", "errors will be cleared on the next tick")
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	if data.API.Enabled {
		validatePort(data.API.Port, "application_data.api.port", result)
		if data.API.RateLimitRPS < 1 {
			result.AddWarning("application_data.api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
	}

	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
	}

	if data.Storage.Enabled {
		if strings.TrimSpace(data.Storage.Path) == "" {
			result.AddError("application_data.storage.path", "journal path is required when storage is enabled")
		}
		if data.Storage.RetentionDays < 1 {
			result.AddError("application_data.storage.retention_days", "retention days must be at least 1")
		}
	}

	if data.Health.Enabled && data.Health.IntervalSec < 5 {
		result.AddWarning("application_data.health.interval_sec",
			"health interval less than 5s may cause excessive probing")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}
