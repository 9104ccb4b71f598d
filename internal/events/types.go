// Package events defines the session events published by the relay and the
// bus that carries them to out-of-core subscribers (telemetry, the session
// journal, admin surfaces).
package events

import (
	"time"

	"github.com/muco-project/muco-relay/internal/protocol"
)

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Identity stream
	EventUserJoined EventType = "user_joined"
	EventUserLeft   EventType = "user_left"

	// Client reports
	EventDeviceInfo EventType = "device_info"

	// Session control
	EventExperienceLoaded EventType = "experience_loaded"
	EventRelayStarted     EventType = "relay_started"
	EventRelayStopped     EventType = "relay_stopped"

	// Operations
	EventHealthAlert EventType = "health_alert"
)

// AllEventTypes lists every event type, for subscribers that want them all.
var AllEventTypes = []EventType{
	EventUserJoined,
	EventUserLeft,
	EventDeviceInfo,
	EventExperienceLoaded,
	EventRelayStarted,
	EventRelayStopped,
	EventHealthAlert,
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Time    time.Time
	Payload interface{}
}

// UserJoinedPayload is emitted after the join announcements went out.
type UserJoinedPayload struct {
	Identity    uint16    `json:"identity"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

// UserLeftPayload is emitted after the leave announcement went out.
type UserLeftPayload struct {
	Identity uint16  `json:"identity"`
	Duration float64 `json:"session_seconds"`
}

// DeviceInfoPayload carries a client's hardware report.
type DeviceInfoPayload struct {
	Identity uint16              `json:"identity"`
	Info     protocol.DeviceInfo `json:"device"`
}

// ExperienceLoadedPayload is emitted when a load-experience command is sent.
// Identity is 0 for a broadcast and the newcomer's identity for an auto-load.
type ExperienceLoadedPayload struct {
	Experience string `json:"experience"`
	Identity   uint16 `json:"identity,omitempty"`
	Recipients int    `json:"recipients"`
}

// RelayStartedPayload describes a started relay.
type RelayStartedPayload struct {
	Port      uint16 `json:"port"`
	Transport string `json:"transport"`
	Mode      string `json:"mode"`
}

// RelayStoppedPayload describes a stopped relay.
type RelayStoppedPayload struct {
	Port uint16 `json:"port"`
}

// HealthAlertPayload is emitted when a health check crosses a threshold.
type HealthAlertPayload struct {
	Check   string `json:"check"`
	Level   string `json:"level"`
	Message string `json:"message"`
}
