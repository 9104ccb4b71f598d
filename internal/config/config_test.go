package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestLoad_CreatesDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, DefaultConfigFile), cfg.Path())
	assert.FileExists(t, cfg.Path())

	relay := cfg.GetRelayData()
	assert.Equal(t, DefaultRelayPort, relay.Port)
	assert.Equal(t, TransportTCP, relay.Transport)
	assert.Equal(t, ModeInline, relay.ExecutionMode)
	assert.Equal(t, "NewExperience", relay.DefaultExperience)
	assert.True(t, Validate(cfg).IsValid())
}

func TestLoad_OverlaysDefaultsAndResaves(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"relay_data":{"port":7000,"transport":"websocket"}}`), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	relay := cfg.GetRelayData()
	assert.Equal(t, 7000, relay.Port)
	assert.Equal(t, TransportWebSocket, relay.Transport)
	assert.Equal(t, DefaultTickRateHz, relay.TickRateHz, "missing fields keep their defaults")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tick_rate_hz": 60`)
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{"), 0644))
	_, err := Load(dir)
	assert.Error(t, err)
}

func TestUpdateRelayField(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.UpdateRelayField("port", 6000))
	require.NoError(t, cfg.UpdateRelayField("execution_mode", "deferred"))
	assert.Equal(t, 6000, cfg.GetRelayData().Port)
	assert.Equal(t, ModeDeferred, cfg.GetRelayData().ExecutionMode)

	assert.Error(t, cfg.UpdateRelayField("nope", 1))
	assert.Error(t, cfg.UpdateRelayField("port", "not a number"))
	assert.Equal(t, 6000, cfg.GetRelayData().Port, "failed update leaves the value alone")
}

func TestRedacted(t *testing.T) {
	cfg := DefaultConfig()
	app := cfg.GetApplicationData()
	app.MQTT.Password = "hunter2"
	app.Security.APIToken = "secret"
	cfg.SetApplicationData(app)

	out, err := json.Marshal(cfg.Redacted())
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")
	assert.NotContains(t, string(out), "secret")
	assert.Equal(t, "hunter2", cfg.GetApplicationData().MQTT.Password)
}

func TestTickInterval(t *testing.T) {
	assert.Equal(t, 50*time.Millisecond, RelayData{TickRateHz: 20}.TickInterval())
	assert.Equal(t, time.Second/DefaultTickRateHz, RelayData{}.TickInterval())
	assert.Equal(t, time.Millisecond, RelayData{TickRateHz: 2_000_000_000}.TickInterval())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"bad port", func(c *Config) { c.RelayData.Port = 0 }, "relay_data.port"},
		{"bad transport", func(c *Config) { c.RelayData.Transport = "udp" }, "relay_data.transport"},
		{"bad mode", func(c *Config) { c.RelayData.ExecutionMode = "threaded" }, "relay_data.execution_mode"},
		{"zero tick", func(c *Config) { c.RelayData.TickRateHz = 0 }, "relay_data.tick_rate_hz"},
		{"tick too fast", func(c *Config) { c.RelayData.TickRateHz = MaxTickRateHz + 1 }, "relay_data.tick_rate_hz"},
		{"huge packets", func(c *Config) { c.RelayData.MaxPacketSize = 70000 }, "relay_data.max_packet_size"},
		{"negative peers", func(c *Config) { c.RelayData.MaxPeers = -1 }, "relay_data.max_peers"},
		{"ws path", func(c *Config) {
			c.RelayData.Transport = TransportWebSocket
			c.RelayData.WebSocketPath = "ws"
		}, "relay_data.websocket_path"},
		{"port clash", func(c *Config) { c.ApplicationData.API.Port = c.RelayData.Port }, "application_data.api.port"},
		{"mqtt broker", func(c *Config) { c.ApplicationData.MQTT.Enabled = true }, "application_data.mqtt.broker_url"},
		{"whitelist", func(c *Config) { c.ApplicationData.Security.IPWhitelist = []string{"nope"} }, "application_data.security.ip_whitelist"},
		{"tls cert", func(c *Config) { c.ApplicationData.Security.TLSEnabled = true }, "application_data.security.tls_cert_file"},
		{"bind", func(c *Config) { c.RelayData.BindAddress = "localhost" }, "relay_data.bind_address"},
		{"maintenance time", func(c *Config) { c.ApplicationData.Maintenance.Time = "4am" }, "application_data.maintenance.time"},
		{"health interval", func(c *Config) { c.ApplicationData.Health.IntervalSec = 0 }, "application_data.health.interval_sec"},
		{"webhook", func(c *Config) { c.ApplicationData.Notify.WebhookURL = "discord.com/hook" }, "application_data.notify.webhook_url"},
		{"disk threshold", func(c *Config) { c.ApplicationData.Health.DiskWarnPercent = 150 }, "application_data.health.disk_warn_percent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			result := Validate(cfg)
			require.False(t, result.IsValid())
			var fields []string
			for _, e := range result.Errors {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestValidate_Warnings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RelayData.Port = 80
	cfg.ApplicationData.Security.RateLimitRPS = 0
	result := Validate(cfg)
	assert.True(t, result.IsValid())
	assert.Len(t, result.Warnings, 2)
}

func TestProperty_ValidPortsAccepted(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		port := rapid.IntRange(1024, 65535).Draw(t, "port")
		cfg := DefaultConfig()
		cfg.RelayData.Port = port
		if port == cfg.ApplicationData.API.Port {
			cfg.ApplicationData.API.Port = port - 1
		}
		if r := Validate(cfg); !r.IsValid() {
			t.Fatalf("port %d rejected: %v", port, r.Errors)
		}
	})
}

func TestProperty_OutOfRangePortsRejected(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		port := rapid.OneOf(rapid.IntRange(-100000, 0), rapid.IntRange(65536, 1000000)).Draw(t, "port")
		cfg := DefaultConfig()
		cfg.RelayData.Port = port
		if Validate(cfg).IsValid() {
			t.Fatalf("port %d accepted", port)
		}
	})
}

func TestRunSetupWizard(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetPath(filepath.Join(t.TempDir(), DefaultConfigFile))

	answers := strings.Join([]string{
		"6000",      // port
		"websocket", // transport
		"/relay",    // ws path
		"deferred",  // mode
		"no",        // auto start
		"",          // auto load
		"Lobby",     // default experience
		"yes",       // api
		"",          // api port
		"no",        // mqtt
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, RunSetupWizard(cfg, strings.NewReader(answers), &out))

	relay := cfg.GetRelayData()
	assert.Equal(t, 6000, relay.Port)
	assert.Equal(t, TransportWebSocket, relay.Transport)
	assert.Equal(t, "/relay", relay.WebSocketPath)
	assert.Equal(t, ModeDeferred, relay.ExecutionMode)
	assert.False(t, relay.AutoStart)
	assert.True(t, relay.AutoLoadExperience)
	assert.Equal(t, "Lobby", relay.DefaultExperience)
	assert.FileExists(t, cfg.Path())
	assert.Contains(t, out.String(), "Configuration saved")
}
