// Package twilio defines the wire messages for Twilio Media Streams
// connections. Only the events the bridge consumes are modeled; anything
// else is left to the caller to ignore.
package twilio

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventType identifies the type of a Media Streams event
type EventType string

const (
	// Twilio → bridge events
	EventStart EventType = "start" // Stream opened, carries call metadata
	EventMedia EventType = "media" // Audio chunk
	EventStop  EventType = "stop"  // Caller hung up / stream ended
)

// Event is the envelope for inbound Media Streams messages.
// Start and Media are populated according to the event tag.
type Event struct {
	Event EventType  `json:"event"`
	Start *StartData `json:"start,omitempty"`
	Media *MediaData `json:"media,omitempty"`
}

// StartData carries the call metadata delivered with the start event
type StartData struct {
	StreamSid        string            `json:"streamSid"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaData carries one base64-encoded audio chunk. The payload is opaque
// to the bridge and forwarded without inspection.
type MediaData struct {
	Payload string `json:"payload"`
}

// ParseEvent decodes an inbound frame. It returns an error for non-JSON
// payloads and for envelopes without an event tag.
func ParseEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("twilio: failed to parse event: %w", err)
	}
	if ev.Event == "" {
		return nil, fmt.Errorf("twilio: event missing type tag")
	}
	return &ev, nil
}

// AgentID extracts the agent identifier from the start event's custom
// parameters, matching the key case- and separator-insensitively
// (agentId, agent_id, agent-id, ...). Parameters win over the fallback,
// which is the query parameter captured at upgrade time.
func (s *StartData) AgentID(fallback string) string {
	if s == nil {
		return fallback
	}
	for key, value := range s.CustomParameters {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		normalized := strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(key))
		if normalized == "agentid" {
			return value
		}
	}
	return fallback
}

// MediaMessage is the outbound envelope for audio sent back to Twilio,
// tagged with the stream it belongs to.
type MediaMessage struct {
	Event     string    `json:"event"`
	StreamSid string    `json:"streamSid"`
	Media     MediaData `json:"media"`
}

// NewMediaMessage wraps one base64 audio payload for the given stream
func NewMediaMessage(streamSid, payload string) *MediaMessage {
	return &MediaMessage{
		Event:     string(EventMedia),
		StreamSid: streamSid,
		Media:     MediaData{Payload: payload},
	}
}

// Bytes serializes the message for the websocket
func (m *MediaMessage) Bytes() ([]byte, error) {
	return json.Marshal(m)
}
