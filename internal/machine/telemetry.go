package machine

import (
	"math"

	"github.com/rsulzmann/repmachine/internal/link"
)

// TelemetryKind tags the semantic telemetry union.
type TelemetryKind int

const (
	// TelemetryPosition is a normalized channel reading, optionally carrying
	// calibration progress.
	TelemetryPosition TelemetryKind = iota
	// TelemetryRep is a discrete rep-completed signal detected on the device.
	TelemetryRep
	// TelemetryHandshake is a liveness beacon with no session effect.
	TelemetryHandshake
	// TelemetryThreshold is the device echoing a threshold it applied.
	TelemetryThreshold
)

// Telemetry is one semantic event derived from a raw frame. The session state
// machine consumes this union and never sees wire shapes.
type Telemetry struct {
	Kind      TelemetryKind
	Side      Side
	Position  float64
	CalState  string
	Threshold float64
}

// Normalize turns a raw frame into exactly one semantic event. Positions are
// clamped to [0,100] with absent or NaN readings treated as zero; unknown
// channel names fall back to the left channel, matching the firmware's
// single-encoder builds which only ever report "left".
func Normalize(msg link.Message) Telemetry {
	switch msg.Event {
	case link.EventRep:
		return Telemetry{Kind: TelemetryRep, Side: sideFromName(msg.Name)}
	case link.EventHandshake:
		return Telemetry{Kind: TelemetryHandshake}
	case link.EventThreshold:
		var threshold float64
		if msg.Threshold != nil {
			threshold = clampPercent(*msg.Threshold)
		}
		return Telemetry{Kind: TelemetryThreshold, Side: sideFromName(msg.Name), Threshold: threshold}
	default:
		var position float64
		if msg.Calibrated != nil {
			position = clampPercent(*msg.Calibrated)
		}
		return Telemetry{
			Kind:     TelemetryPosition,
			Side:     sideFromName(msg.Name),
			Position: position,
			CalState: msg.CalState,
		}
	}
}

func sideFromName(name string) Side {
	if name == link.NameRight {
		return SideRight
	}
	return SideLeft
}

func clampPercent(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(math.Max(0, v), 100)
}
