package link

import (
	"encoding/json"
	"fmt"
)

// Wire event names used by the machine controller on its WebSocket stream.
const (
	EventPosition  = "position"
	EventRep       = "rep"
	EventThreshold = "threshold"
	EventHandshake = "handshake"
)

// Calibration states reported alongside position updates.
const (
	CalStateIdle    = "idle"
	CalStateSeekMax = "seek_max"
	CalStateDone    = "done"
)

// Channel names on the wire. A singular machine only drives "left".
const (
	NameLeft  = "left"
	NameRight = "right"
)

// Message is one inbound JSON frame from the machine. The firmware omits
// "event" on its highest-volume frame type, so an absent event means a
// position update.
type Message struct {
	Event      string   `json:"event,omitempty"`
	Name       string   `json:"name,omitempty"`
	Calibrated *float64 `json:"calibrated,omitempty"`
	CalState   string   `json:"cal_state,omitempty"`
	Threshold  *float64 `json:"threshold,omitempty"`
}

// ThresholdCommand is the outbound frame keeping hardware-side rep detection
// in sync with the client's threshold.
type ThresholdCommand struct {
	Event     string  `json:"event"`
	Name      string  `json:"name"`
	Threshold float64 `json:"threshold"`
}

// NewThresholdCommand builds a threshold frame for one channel.
func NewThresholdCommand(name string, threshold float64) ThresholdCommand {
	return ThresholdCommand{Event: EventThreshold, Name: name, Threshold: threshold}
}

// ParseMessage decodes one inbound frame, applying the absent-event default.
func ParseMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("malformed frame: %w", err)
	}
	if msg.Event == "" {
		msg.Event = EventPosition
	}
	return msg, nil
}
