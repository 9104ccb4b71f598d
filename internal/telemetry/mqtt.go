// Package telemetry exports relay activity: session events published to an
// MQTT broker and relay counters exposed as Prometheus metrics.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/muco-project/muco-relay/internal/config"
	"github.com/muco-project/muco-relay/internal/events"
	"github.com/muco-project/muco-relay/internal/util"
)

// MQTT topics, relative to the configured prefix.
const (
	TopicUsers   = "users"
	TopicDevices = "devices"
	TopicSession = "session"
	TopicStatus  = "status"
	TopicAdmin   = "admin"
	TopicHealth  = "health"
)

// DefaultStatusInterval is how often relay counters are published.
const DefaultStatusInterval = 30 * time.Second

// StatusFunc returns the status document published on the status topic.
type StatusFunc func() interface{}

// MQTTHandler publishes session events to an MQTT broker.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	status   StatusFunc
	interval time.Duration
	logger   zerolog.Logger

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a new MQTT telemetry handler. status may be nil.
func NewMQTTHandler(cfg *config.Config, eventBus *events.EventBus, status StatusFunc) (*MQTTHandler, error) {
	mqttCfg := cfg.GetApplicationData().MQTT

	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}
	if mqttCfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker_url is empty")
	}

	sysInfo := util.GetSystemInfo()
	handler := &MQTTHandler{
		cfg:      mqttCfg,
		eventBus: eventBus,
		status:   status,
		interval: DefaultStatusInterval,
		logger:   log.With().Str("component", "mqtt").Logger(),
		metadata: map[string]interface{}{
			"hostname":  sysInfo.Hostname,
			"os":        sysInfo.OS,
			"cpu_cores": sysInfo.CPUCores,
			"memory_mb": sysInfo.TotalMemory,
			"app":       util.AppName,
		},
	}

	opts, err := handler.clientOptions(sysInfo.Hostname)
	if err != nil {
		return nil, err
	}
	handler.client = mqtt.NewClient(opts)

	return handler, nil
}

func (h *MQTTHandler) clientOptions(hostname string) (*mqtt.ClientOptions, error) {
	scheme := "tcp"
	if h.cfg.UseTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, h.cfg.BrokerURL, h.cfg.Port))

	if h.cfg.ClientID != "" {
		opts.SetClientID(h.cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("%s-%s", util.AppName, hostname))
	}
	if h.cfg.Username != "" {
		opts.SetUsername(h.cfg.Username)
		opts.SetPassword(h.cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if h.cfg.UseTLS {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}

		// mTLS: load client certificate
		if h.cfg.CertFile != "" && h.cfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(h.cfg.CertFile, h.cfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
		if h.cfg.CAFile != "" {
			pem, err := os.ReadFile(h.cfg.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates found in %s", h.cfg.CAFile)
			}
			tlsConfig.RootCAs = pool
		}

		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		h.logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		h.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	return opts, nil
}

// Start connects to the MQTT broker, subscribes to the event bus and
// publishes status until ctx is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.PublishShutdown()
			h.client.Disconnect(5000)
			h.logger.Info().Msg("MQTT disconnected")
			return nil
		case <-ticker.C:
			h.publishStatus()
		}
	}
}

func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.Subscribe(events.EventUserJoined, "mqtt", h.onUserEvent)
	h.eventBus.Subscribe(events.EventUserLeft, "mqtt", h.onUserEvent)
	h.eventBus.Subscribe(events.EventDeviceInfo, "mqtt", h.onDeviceInfo)
	h.eventBus.Subscribe(events.EventExperienceLoaded, "mqtt", h.onSessionEvent)
	h.eventBus.Subscribe(events.EventRelayStarted, "mqtt", h.onSessionEvent)
	h.eventBus.Subscribe(events.EventRelayStopped, "mqtt", h.onSessionEvent)
	h.eventBus.Subscribe(events.EventHealthAlert, "mqtt", h.onHealthAlert)
}

// Topic returns the full topic name for a relative topic.
func (h *MQTTHandler) Topic(name string) string {
	prefix := h.cfg.TopicPrefix
	if prefix == "" {
		prefix = config.DefaultMQTTTopicPrefix
	}
	return prefix + "/" + name
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(topic string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(h.Topic(topic), 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

// Event handlers

func (h *MQTTHandler) onUserEvent(ctx context.Context, event events.Event) error {
	h.publish(TopicUsers, map[string]interface{}{
		"event":   event.Type,
		"payload": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onDeviceInfo(ctx context.Context, event events.Event) error {
	h.publish(TopicDevices, event.Payload)
	return nil
}

func (h *MQTTHandler) onSessionEvent(ctx context.Context, event events.Event) error {
	h.publish(TopicSession, map[string]interface{}{
		"event":   event.Type,
		"payload": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onHealthAlert(ctx context.Context, event events.Event) error {
	h.publish(TopicHealth, event.Payload)
	return nil
}

func (h *MQTTHandler) publishStatus() {
	if h.status == nil {
		return
	}
	h.publish(TopicStatus, h.status())
}

// PublishShutdown sends a shutdown message to the MQTT broker.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(TopicAdmin, map[string]interface{}{
		"event": "shutdown",
	})
}
