package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
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

	relay := cfg.GetRelayData()
	app := cfg.GetApplicationData()
	validateRelayData(&relay, result)
	validateApplicationData(&app, result)

	if app.API.Enabled && relay.Port == app.API.Port {
		result.AddError("application_data.api.port", "API port conflicts with the relay port")
	}

	return result
}

func validateRelayData(data *RelayData, result *ValidationResult) {
	validatePort(data.Port, "relay_data.port", result)

	switch data.Transport {
	case TransportTCP:
	case TransportWebSocket:
		if !strings.HasPrefix(data.WebSocketPath, "/") {
			result.AddError("relay_data.websocket_path", "path must start with '/'")
		}
	default:
		result.AddError("relay_data.transport",
			fmt.Sprintf("unknown transport %q (expected %q or %q)", data.Transport, TransportTCP, TransportWebSocket))
	}

	switch data.ExecutionMode {
	case ModeInline, ModeDeferred:
	default:
		result.AddError("relay_data.execution_mode",
			fmt.Sprintf("unknown execution mode %q (expected %q or %q)", data.ExecutionMode, ModeInline, ModeDeferred))
	}

	if data.TickRateHz < 1 {
		result.AddError("relay_data.tick_rate_hz", "tick rate must be at least 1 Hz")
	} else if data.TickRateHz > MaxTickRateHz {
		result.AddError("relay_data.tick_rate_hz",
			fmt.Sprintf("tick rate %d Hz exceeds the maximum of %d Hz", data.TickRateHz, MaxTickRateHz))
	}

	if data.MaxPacketSize < 2 || data.MaxPacketSize > DefaultMaxPacketSize {
		result.AddError("relay_data.max_packet_size",
			fmt.Sprintf("must be between 2 and %d bytes", DefaultMaxPacketSize))
	}

	if data.MaxPeers < 0 {
		result.AddError("relay_data.max_peers", "must not be negative (0 means unlimited)")
	}
	if data.ConnectRatePerIP < 0 {
		result.AddError("relay_data.connect_rate_per_ip", "must not be negative (0 means unlimited)")
	}
	if data.IdleTimeoutSec < 0 {
		result.AddError("relay_data.idle_timeout_sec", "must not be negative (0 disables)")
	}

	if data.AutoLoadExperience && strings.TrimSpace(data.DefaultExperience) == "" {
		result.AddWarning("relay_data.default_experience",
			"auto-load is enabled but no default experience is set")
	}

	if data.BindAddress != "" && net.ParseIP(data.BindAddress) == nil {
		result.AddError("relay_data.bind_address", fmt.Sprintf("not an IP address: %s", data.BindAddress))
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	if data.API.Enabled {
		validatePort(data.API.Port, "application_data.api.port", result)
	}

	// MQTT
	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
	}

	// Journal
	if data.Journal.Enabled {
		if strings.TrimSpace(data.Journal.Path) == "" {
			result.AddError("application_data.journal.path", "journal path is required when enabled")
		}
		if data.Journal.RetentionDays < 0 {
			result.AddError("application_data.journal.retention_days", "must not be negative (0 keeps everything)")
		}
	}

	if _, err := time.Parse("15:04", data.Maintenance.Time); err != nil {
		result.AddError("application_data.maintenance.time",
			fmt.Sprintf("expected HH:MM, got %q", data.Maintenance.Time))
	}

	if data.Health.Enabled {
		if data.Health.IntervalSec < 1 {
			result.AddError("application_data.health.interval_sec", "must be at least 1 second")
		}
		for field, v := range map[string]float64{
			"cpu_warn_percent":    data.Health.CPUWarnPercent,
			"memory_warn_percent": data.Health.MemoryWarnPercent,
			"disk_warn_percent":   data.Health.DiskWarnPercent,
		} {
			if v <= 0 || v > 100 {
				result.AddError("application_data.health."+field, "must be within (0, 100]")
			}
		}
	}

	if data.Notify.WebhookURL != "" {
		if u, err := url.Parse(data.Notify.WebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			result.AddError("application_data.notify.webhook_url", "must be an http(s) URL")
		}
	}

	// Security
	if data.Security.TLSEnabled {
		if strings.TrimSpace(data.Security.TLSCertFile) == "" {
			result.AddError("application_data.security.tls_cert_file",
				"TLS certificate file is required when TLS is enabled")
		}
		if strings.TrimSpace(data.Security.TLSKeyFile) == "" {
			result.AddError("application_data.security.tls_key_file",
				"TLS key file is required when TLS is enabled")
		}
	}

	if data.Security.RateLimitRPS < 1 {
		result.AddWarning("application_data.security.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}

	for _, entry := range data.Security.IPWhitelist {
		if net.ParseIP(entry) == nil {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				result.AddError("application_data.security.ip_whitelist",
					fmt.Sprintf("invalid IP or CIDR: %s", entry))
			}
		}
	}

	switch strings.ToLower(data.Logging.Level) {
	case "trace", "debug", "info", "warn", "error", "":
	default:
		result.AddWarning("application_data.logging.level",
			fmt.Sprintf("unknown log level %q, falling back to info", data.Logging.Level))
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

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
