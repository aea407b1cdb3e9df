package machine

import "time"

// Side identifies one independently tracked position/rep channel.
type Side int

const (
	SideLeft Side = iota
	SideRight
)

func (s Side) String() string {
	if s == SideRight {
		return "right"
	}
	return "left"
}

// ExerciseType selects how many channels an exercise drives. A singular
// exercise uses one channel; an alternating exercise uses both, with each
// side's rep counting half toward the combined total.
type ExerciseType string

const (
	ExerciseSingular    ExerciseType = "singular"
	ExerciseAlternating ExerciseType = "alternating"
)

// Exercise is a catalog entry. Name is the unique key; Type never changes
// after creation.
type Exercise struct {
	Name                string       `json:"name"`
	ThresholdPercentage float64      `json:"thresholdPercentage"`
	Type                ExerciseType `json:"type"`
	CategoryID          string       `json:"categoryId,omitempty"`
}

// Category groups exercises in the catalog.
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RestExerciseName marks ledger records that capture a rest interval rather
// than a working set. Rest records always carry zero reps.
const RestExerciseName = "Rest"

// SetRecord is one immutable ledger entry: a completed working set, or a rest
// interval when ExerciseName is RestExerciseName and Reps is zero.
type SetRecord struct {
	Reps         float64 `json:"reps"`
	Duration     float64 `json:"duration"`
	Timestamp    int64   `json:"timestamp"`
	ExerciseName string  `json:"exerciseName"`
	UserName     string  `json:"userName,omitempty"`
}

// Day returns the calendar day the record belongs to, in the given location.
func (r SetRecord) Day(loc *time.Location) string {
	return time.UnixMilli(r.Timestamp).In(loc).Format("2006-01-02")
}

// IsRest reports whether the record captures a rest interval.
func (r SetRecord) IsRest() bool {
	return r.Reps == 0 && r.ExerciseName == RestExerciseName
}

// User scopes ledger reads and writes. Name is the unique key.
type User struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// AppConfig holds client-side settings persisted across sessions.
type AppConfig struct {
	Theme            string  `json:"theme"`
	StrictMode       bool    `json:"strictMode"`
	AutoCompleteSecs float64 `json:"autoCompleteSecs"`
	DebugMode        bool    `json:"debugMode"`
}

// DefaultAppConfig mirrors a fresh install.
func DefaultAppConfig() AppConfig {
	return AppConfig{Theme: "dark"}
}

// RepTarget configures the per-set rep goal and its bells.
type RepTarget struct {
	Enabled     bool `json:"enabled"`
	Reps        int  `json:"reps"`
	Sets        int  `json:"sets"`
	RestEnabled bool `json:"restEnabled"`
	RestMinutes int  `json:"restMinutes"`
	RestSeconds int  `json:"restSeconds"`
}

// RestDuration returns the configured rest length, or zero when the rest
// bell is disabled.
func (t RepTarget) RestDuration() time.Duration {
	if !t.RestEnabled {
		return 0
	}
	return time.Duration(t.RestMinutes)*time.Minute + time.Duration(t.RestSeconds)*time.Second
}

// HardwareConfig is the controller-side settings document exchanged over
// GET/POST /api/settings.
type HardwareConfig struct {
	Network  *NetworkConfig  `json:"network,omitempty"`
	Movement *MovementConfig `json:"movement,omitempty"`
}

// NetworkConfig holds the controller's Wi-Fi settings.
type NetworkConfig struct {
	SSID     string `json:"ssid,omitempty"`
	Password string `json:"password,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

// MovementConfig holds the controller's encoder tuning.
type MovementConfig struct {
	DebounceInterval         int `json:"debounceInterval,omitempty"`
	CalibrationDebounceSteps int `json:"calibrationDebounceSteps,omitempty"`
}

// Variant classifies a notification for the view.
type Variant string

const (
	VariantInfo    Variant = "info"
	VariantSuccess Variant = "success"
	VariantError   Variant = "error"
)

// Notification is a user-visible message. AutoDismiss of zero means the
// notification stays until dismissed or replaced.
type Notification struct {
	Message     string
	Variant     Variant
	AutoDismiss time.Duration
}

// BellKind distinguishes the session bells.
type BellKind int

const (
	// BellTarget rings when the rep target is reached mid-session.
	BellTarget BellKind = iota
	// BellFinal rings instead of BellTarget on the last configured set.
	BellFinal
	// BellRest rings when the configured rest duration expires.
	BellRest
)

// Bell is a one-shot audio cue event. SetIndex is the zero-based set the
// bell fired for; it keys the one-shot guarantee for target bells.
type Bell struct {
	Kind     BellKind
	SetIndex int
}

// Snapshot is an immutable copy of session state for views.
type Snapshot struct {
	Exercise        *Exercise
	SliderThreshold float64
	PositionLeft    float64
	PositionRight   float64
	LastPosition    float64
	RepsLeft        int
	RepsRight       int
	Reps            float64
	Sets            int
	IsResting       bool
	ActiveTime      float64
	UserName        string
	Config          AppConfig
	Target          RepTarget
}
