// Package events defines the events fanned out to observers of the session
// lifecycle (telemetry, journal, console).
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Session lifecycle events
	EventSessionTransition EventType = "session.transition"
	EventRequestRejected   EventType = "session.request_rejected"
	EventSessionError      EventType = "session.error"

	// Hosting events
	EventHostPublic  EventType = "host.public"
	EventHostPrivate EventType = "host.private"

	// Discovery events
	EventServerDiscovered EventType = "discovery.server_found"

	// Health events
	EventHealthWarning EventType = "health.warning"

	// System events
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Time    time.Time
	Payload interface{}
}

// TransitionPayload describes a move between two state leaves, e.g.
// "menu/multiplayer_join" to "client/connecting".
type TransitionPayload struct {
	SessionID        string    `json:"session_id,omitempty"`
	From             string    `json:"from"`
	To               string    `json:"to"`
	Cause            string    `json:"cause"`
	SimulationActive bool      `json:"simulation_active"`
	At               time.Time `json:"at"`
}

// RejectedPayload is emitted for every request the state machine refused.
type RejectedPayload struct {
	Request string `json:"request"`
	Reason  string `json:"reason"`
	State   string `json:"state"`
}

// ErrorPayload carries the current user-facing error message.
type ErrorPayload struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// HostPayload is emitted when a hosted session changes visibility.
type HostPayload struct {
	Address     string `json:"address,omitempty"`
	URL         string `json:"url,omitempty"`
	Port        int    `json:"port,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// ServerDiscoveredPayload is emitted for each newly listed LAN server.
type ServerDiscoveredPayload struct {
	URL string    `json:"url"`
	At  time.Time `json:"at"`
}

// HealthWarningPayload is emitted by failed self-checks.
type HealthWarningPayload struct {
	Check   string `json:"check"`
	Message string `json:"message"`
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
