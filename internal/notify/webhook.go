// Package notify sends admin notifications to a chat webhook when health
// checks fail and, optionally, when the relay starts or stops.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/muco-project/muco-relay/internal/config"
	"github.com/muco-project/muco-relay/internal/events"
	"github.com/muco-project/muco-relay/internal/util"
)

// Notifier posts admin notifications to a webhook.
type Notifier struct {
	cfg    *config.Config
	client *http.Client
	logger zerolog.Logger
}

// NewNotifier creates a webhook notifier.
func NewNotifier(cfg *config.Config) *Notifier {
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: log.With().Str("component", "notify").Logger(),
	}
}

// Subscribe wires the notifier to the event bus.
func (n *Notifier) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventHealthAlert, "notify", n.onHealthAlert)
	bus.Subscribe(events.EventRelayStarted, "notify", n.onRelayStarted)
	bus.Subscribe(events.EventRelayStopped, "notify", n.onRelayStopped)
}

// Send posts one notification. It is a no-op without a webhook URL.
func (n *Notifier) Send(ctx context.Context, title, message, level string) error {
	webhookURL := n.cfg.GetApplicationData().Notify.WebhookURL
	if webhookURL == "" {
		return nil
	}

	// Color based on level
	var color int
	switch level {
	case "critical", "error":
		color = 0xFF0000 // Red
	case "warning":
		color = 0xFFAA00 // Orange
	default:
		color = 0x00FF00 // Green
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       title,
				"description": message,
				"color":       color,
				"timestamp":   time.Now().Format(time.RFC3339),
				"footer": map[string]string{
					"text": fmt.Sprintf("%s %s", util.AppName, util.Version),
				},
			},
		},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(body))
	}

	n.logger.Debug().Str("title", title).Msg("webhook notification sent")
	return nil
}

func (n *Notifier) onHealthAlert(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.HealthAlertPayload)
	if !ok {
		return nil
	}
	return n.Send(ctx, "Health check: "+payload.Check, payload.Message, payload.Level)
}

func (n *Notifier) onRelayStarted(ctx context.Context, event events.Event) error {
	if !n.cfg.GetApplicationData().Notify.NotifyOnRelay {
		return nil
	}
	payload, ok := event.Payload.(events.RelayStartedPayload)
	if !ok {
		return nil
	}
	return n.Send(ctx, "Relay started",
		fmt.Sprintf("Listening on port %d (%s, %s mode)", payload.Port, payload.Transport, payload.Mode), "info")
}

func (n *Notifier) onRelayStopped(ctx context.Context, event events.Event) error {
	if !n.cfg.GetApplicationData().Notify.NotifyOnRelay {
		return nil
	}
	payload, ok := event.Payload.(events.RelayStoppedPayload)
	if !ok {
		return nil
	}
	return n.Send(ctx, "Relay stopped", fmt.Sprintf("Port %d closed", payload.Port), "warning")
}
