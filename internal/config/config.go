// Package config handles configuration loading, validation, and persistence
// for the relay.
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
	DefaultConfigDir         = "config"
	DefaultConfigFile        = "config.json"
	DefaultRelayPort         = 4960
	DefaultAPIPort           = 5050
	DefaultTickRateHz        = 60
	MaxTickRateHz            = 1000
	DefaultExperience        = "NewExperience"
	DefaultWebSocketPath     = "/ws"
	DefaultMaxPacketSize     = 65535
	DefaultMQTTTopicPrefix   = "muco/relay"
	DefaultJournalPath       = "data/journal.db"
	DefaultJournalRetainDays = 30
	DefaultMaintenanceTime   = "04:00"
)

// Transport names accepted in relay_data.transport.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// Execution modes accepted in relay_data.execution_mode.
const (
	ModeInline   = "inline"
	ModeDeferred = "deferred"
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	RelayData       RelayData       `json:"relay_data"`
	ApplicationData ApplicationData `json:"application_data"`
}

// RelayData configures the relay itself.
type RelayData struct {
	Port          int    `json:"port"`
	BindAddress   string `json:"bind_address"`
	Transport     string `json:"transport"`
	WebSocketPath string `json:"websocket_path"`

	// Loop
	TickRateHz    int    `json:"tick_rate_hz"`
	ExecutionMode string `json:"execution_mode"`
	AutoStart     bool   `json:"auto_start"`

	// Experiences
	AutoLoadExperience bool   `json:"auto_load_experience"`
	DefaultExperience  string `json:"default_experience"`

	// Limits
	MaxPacketSize    int `json:"max_packet_size"`
	MaxPeers         int `json:"max_peers"`
	ConnectRatePerIP int `json:"connect_rate_per_ip"`
	IdleTimeoutSec   int `json:"idle_timeout_sec"`
}

// TickInterval returns the relay loop period.
func (r RelayData) TickInterval() time.Duration {
	switch {
	case r.TickRateHz <= 0:
		return time.Second / DefaultTickRateHz
	case r.TickRateHz > MaxTickRateHz:
		return time.Second / MaxTickRateHz
	}
	return time.Second / time.Duration(r.TickRateHz)
}

// ApplicationData contains the settings of the surfaces around the relay.
type ApplicationData struct {
	API         APIConfig         `json:"api"`
	Console     ConsoleConfig     `json:"console"`
	MQTT        MQTTConfig        `json:"mqtt"`
	Metrics     MetricsConfig     `json:"metrics"`
	Journal     JournalConfig     `json:"journal"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Health      HealthConfig      `json:"health"`
	Notify      NotifyConfig      `json:"notify"`
	Security    SecurityConfig    `json:"security"`
	Logging     LoggingConfig     `json:"logging"`
}

// APIConfig holds admin REST API settings.
type APIConfig struct {
	Enabled     bool   `json:"enabled"`
	BindAddress string `json:"bind_address"`
	Port        int    `json:"port"`
}

// ConsoleConfig holds interactive console settings.
type ConsoleConfig struct {
	Enabled bool `json:"enabled"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// JournalConfig holds session journal settings.
type JournalConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
}

// MaintenanceConfig schedules the daily maintenance run.
type MaintenanceConfig struct {
	Time string `json:"time"` // HH:MM, local time
}

// HealthConfig holds the periodic health check settings.
type HealthConfig struct {
	Enabled           bool    `json:"enabled"`
	IntervalSec       int     `json:"interval_sec"`
	CPUWarnPercent    float64 `json:"cpu_warn_percent"`
	MemoryWarnPercent float64 `json:"memory_warn_percent"`
	DiskWarnPercent   float64 `json:"disk_warn_percent"`
}

// NotifyConfig holds admin webhook notification settings. Payloads use the
// Discord embed format.
type NotifyConfig struct {
	WebhookURL    string `json:"webhook_url"`
	NotifyOnRelay bool   `json:"notify_on_relay"`
}

// SecurityConfig holds security-related settings of the admin API.
type SecurityConfig struct {
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	IPWhitelist    []string `json:"ip_whitelist"`
	APIToken       string   `json:"api_token"`
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
		RelayData: RelayData{
			Port:               DefaultRelayPort,
			Transport:          TransportTCP,
			WebSocketPath:      DefaultWebSocketPath,
			TickRateHz:         DefaultTickRateHz,
			ExecutionMode:      ModeInline,
			AutoStart:          true,
			AutoLoadExperience: true,
			DefaultExperience:  DefaultExperience,
			MaxPacketSize:      DefaultMaxPacketSize,
			ConnectRatePerIP:   10,
		},
		ApplicationData: ApplicationData{
			API: APIConfig{
				Enabled: true,
				Port:    DefaultAPIPort,
			},
			Console: ConsoleConfig{
				Enabled: true,
			},
			MQTT: MQTTConfig{
				Enabled:     false,
				Port:        1883,
				TopicPrefix: DefaultMQTTTopicPrefix,
			},
			Metrics: MetricsConfig{
				Enabled: true,
			},
			Journal: JournalConfig{
				Enabled:       true,
				Path:          DefaultJournalPath,
				RetentionDays: DefaultJournalRetainDays,
			},
			Maintenance: MaintenanceConfig{
				Time: DefaultMaintenanceTime,
			},
			Health: HealthConfig{
				Enabled:           true,
				IntervalSec:       60,
				CPUWarnPercent:    90,
				MemoryWarnPercent: 90,
				DiskWarnPercent:   90,
			},
			Security: SecurityConfig{
				RateLimitRPS: 100,
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

// Load reads configuration from a JSON file, creating it with defaults when
// it does not exist.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
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

	// Re-save so the file lists options added since it was written.
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

// GetRelayData returns a copy of the relay configuration.
func (c *Config) GetRelayData() RelayData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.RelayData
}

// SetRelayData updates the relay configuration.
func (c *Config) SetRelayData(data RelayData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RelayData = data
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

// UpdateRelayField updates a single relay_data field by its JSON key.
func (c *Config) UpdateRelayField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(c.RelayData)
	if err != nil {
		return err
	}
	m := make(map[string]interface{})
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown relay_data field %q", key)
	}
	m[key] = value

	updated, err := json.Marshal(m)
	if err != nil {
		return err
	}
	next := c.RelayData
	if err := json.Unmarshal(updated, &next); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	c.RelayData = next
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// SetPath sets the file Save writes to.
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// Redacted returns a copy of the configuration with secrets blanked, for
// display through the admin surfaces.
func (c *Config) Redacted() map[string]interface{} {
	relay := c.GetRelayData()
	app := c.GetApplicationData()
	if app.MQTT.Password != "" {
		app.MQTT.Password = "********"
	}
	if app.Security.APIToken != "" {
		app.Security.APIToken = "********"
	}
	if app.Notify.WebhookURL != "" {
		app.Notify.WebhookURL = "********"
	}
	return map[string]interface{}{
		"relay_data":       relay,
		"application_data": app,
	}
}
