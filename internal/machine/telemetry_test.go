package machine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rsulzmann/repmachine/internal/link"
)

func floatPtr(v float64) *float64 { return &v }

func TestNormalize_Position(t *testing.T) {
	out := Normalize(link.Message{
		Event:      link.EventPosition,
		Name:       link.NameRight,
		Calibrated: floatPtr(42.5),
		CalState:   link.CalStateIdle,
	})

	assert.Equal(t, TelemetryPosition, out.Kind)
	assert.Equal(t, SideRight, out.Side)
	assert.Equal(t, 42.5, out.Position)
	assert.Equal(t, link.CalStateIdle, out.CalState)
}

func TestNormalize_PositionClamped(t *testing.T) {
	over := Normalize(link.Message{Event: link.EventPosition, Name: link.NameLeft, Calibrated: floatPtr(130)})
	assert.Equal(t, 100.0, over.Position)

	under := Normalize(link.Message{Event: link.EventPosition, Name: link.NameLeft, Calibrated: floatPtr(-5)})
	assert.Equal(t, 0.0, under.Position)

	nan := Normalize(link.Message{Event: link.EventPosition, Name: link.NameLeft, Calibrated: floatPtr(math.NaN())})
	assert.Equal(t, 0.0, nan.Position)

	absent := Normalize(link.Message{Event: link.EventPosition, Name: link.NameLeft})
	assert.Equal(t, 0.0, absent.Position)
}

func TestNormalize_UnknownNameFallsBackToLeft(t *testing.T) {
	out := Normalize(link.Message{Event: link.EventPosition, Name: "middle", Calibrated: floatPtr(10)})
	assert.Equal(t, SideLeft, out.Side)
}

func TestNormalize_Rep(t *testing.T) {
	out := Normalize(link.Message{Event: link.EventRep, Name: link.NameRight})
	assert.Equal(t, TelemetryRep, out.Kind)
	assert.Equal(t, SideRight, out.Side)
}

func TestNormalize_Handshake(t *testing.T) {
	out := Normalize(link.Message{Event: link.EventHandshake})
	assert.Equal(t, TelemetryHandshake, out.Kind)
}

func TestNormalize_ThresholdEcho(t *testing.T) {
	out := Normalize(link.Message{Event: link.EventThreshold, Name: link.NameLeft, Threshold: floatPtr(65)})
	assert.Equal(t, TelemetryThreshold, out.Kind)
	assert.Equal(t, 65.0, out.Threshold)
}
