package machine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/rsulzmann/repmachine/internal/events"
	"github.com/rsulzmann/repmachine/internal/syncutil"
)

const (
	tickInterval     = 100 * time.Millisecond
	rolloverInterval = time.Minute
	dayFormat        = "2006-01-02"

	// Lenient-mode crossing bands. Independent of the visual threshold so a
	// noisy sensor still counts clean reps.
	lenientStartBelow = 30.0
	lenientEndAbove   = 70.0

	defaultThreshold = 70.0
)

// HistorySink is where the session records completed sets and rests.
type HistorySink interface {
	Append(record SetRecord)
	CountSetsOnDay(exerciseName, userName string, day time.Time) int
}

// CatalogWriter persists threshold edits back to the exercise catalog.
type CatalogWriter interface {
	Upsert(ctx context.Context, exercise Exercise) error
}

// ThresholdSender pushes the effective threshold to the device so
// hardware-side rep detection stays in sync.
type ThresholdSender interface {
	SendThreshold(name string, value float64) error
}

type sessionCommand int

const (
	cmdTimerStart sessionCommand = iota
	cmdTimerStop
)

// effects collects the side effects a locked transition wants performed after
// the lock is released: ledger appends, bells, notifications, timer control.
type effects struct {
	records    []SetRecord
	bells      []Bell
	notes      []Notification
	startTimer bool
	stopTimer  bool
	changed    bool
}

// Session is the rep/set state machine. All mutation happens through its
// methods; inbound telemetry, timer ticks and user commands are each processed
// to completion under one lock, so transitions never interleave. A run-loop
// goroutine drives the 100ms tick (only while a set or rest is in progress)
// and the once-a-minute daily rollover check.
type Session struct {
	logger  *log.Logger
	history HistorySink
	catalog CatalogWriter
	sender  ThresholdSender

	mu               sync.RWMutex
	selectedExercise *Exercise
	sliderThreshold  float64
	positionLeft     float64
	positionRight    float64
	lastPosition     float64
	repsLeft         int
	repsRight        int
	reps             float64
	sets             int
	lastCrossedLeft  bool
	lastCrossedRight bool
	isResting        bool
	activeTime       float64
	lastMovementAt   time.Time
	currentDay       string
	userName         string
	timerRunning     bool

	config     AppConfig
	target     RepTarget
	firedBells map[int]bool
	restBellAt time.Time
	restBell   bool

	stateEvent  *events.ChannelEvent[Snapshot]
	notifyEvent *events.CallbackEvent[Notification]
	bellEvent   *events.CallbackEvent[Bell]

	cmdChan      chan sessionCommand
	doneChan     chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
	now          func() time.Time
}

// NewSession creates a Session and starts its run loop.
func NewSession(history HistorySink, catalog CatalogWriter, sender ThresholdSender, logger *log.Logger) *Session {
	if history == nil {
		panic("Session: history cannot be nil")
	}
	if catalog == nil {
		panic("Session: catalog cannot be nil")
	}
	if sender == nil {
		panic("Session: sender cannot be nil")
	}
	if logger == nil {
		panic("Session: logger cannot be nil")
	}

	s := &Session{
		logger:          logger,
		history:         history,
		catalog:         catalog,
		sender:          sender,
		sliderThreshold: defaultThreshold,
		config:          DefaultAppConfig(),
		firedBells:      make(map[int]bool),
		stateEvent:      events.NewChannelEvent[Snapshot](true),
		notifyEvent:     events.NewCallbackEvent[Notification](false),
		bellEvent:       events.NewCallbackEvent[Bell](false),
		cmdChan:         make(chan sessionCommand, 8),
		doneChan:        make(chan struct{}),
		now:             time.Now,
	}
	s.lastMovementAt = s.now()
	s.currentDay = s.now().Format(dayFormat)

	s.wg.Add(1)
	syncutil.SafeGo(logger, func() { s.run() })

	return s
}

// ListenToState registers a channel for session snapshots.
// Returns a deregistration function.
func (s *Session) ListenToState(ch chan<- Snapshot) func() {
	return s.stateEvent.Listen(ch)
}

// ListenToNotifications registers a callback for user-visible messages.
// Returns a deregistration function.
func (s *Session) ListenToNotifications(callback func(Notification)) func() {
	return s.notifyEvent.Listen(callback)
}

// ListenToBells registers a callback for bell events.
// Returns a deregistration function.
func (s *Session) ListenToBells(callback func(Bell)) func() {
	return s.bellEvent.Listen(callback)
}

// Snapshot returns a copy of the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		SliderThreshold: s.sliderThreshold,
		PositionLeft:    s.positionLeft,
		PositionRight:   s.positionRight,
		LastPosition:    s.lastPosition,
		RepsLeft:        s.repsLeft,
		RepsRight:       s.repsRight,
		Reps:            s.reps,
		Sets:            s.sets,
		IsResting:       s.isResting,
		ActiveTime:      s.activeTime,
		UserName:        s.userName,
		Config:          s.config,
		Target:          s.target,
	}
	if s.selectedExercise != nil {
		ex := *s.selectedExercise
		snap.Exercise = &ex
	}
	return snap
}

// HandlePosition feeds one normalized channel reading through the latched
// crossing detector (input mode A). Position updates count as movement for
// the auto-complete watchdog.
func (s *Session) HandlePosition(side Side, position float64) {
	position = clampPercent(position)
	now := s.now()

	var fx effects
	s.mu.Lock()
	if side == SideRight {
		s.positionRight = position
	} else {
		s.positionLeft = position
	}
	s.lastPosition = position
	s.lastMovementAt = now
	if s.crossingCompletedLocked(side, position) {
		s.applyRepLocked(side, now, &fx)
	}
	fx.changed = true
	s.mu.Unlock()

	s.apply(fx)
}

// HandleRep applies one device-detected rep (input mode B).
func (s *Session) HandleRep(side Side) {
	now := s.now()

	var fx effects
	s.mu.Lock()
	s.applyRepLocked(side, now, &fx)
	fx.changed = true
	s.mu.Unlock()

	s.apply(fx)
}

// crossingCompletedLocked advances the side's hysteresis latch and reports
// whether a rep completed on this reading. In strict mode the threshold line
// is both trigger points; in lenient mode fixed 30/70 bands apply.
func (s *Session) crossingCompletedLocked(side Side, position float64) bool {
	latch := &s.lastCrossedLeft
	if side == SideRight {
		latch = &s.lastCrossedRight
	}

	var triggerStart, triggerEnd bool
	if s.config.StrictMode {
		triggerStart = position > s.sliderThreshold
		triggerEnd = position <= s.sliderThreshold
	} else {
		triggerStart = position < lenientStartBelow
		triggerEnd = position > lenientEndAbove
	}

	if !*latch {
		if triggerStart {
			*latch = true
		}
		return false
	}
	if triggerEnd {
		*latch = false
		return true
	}
	return false
}

// applyRepLocked is the single path both input modes converge on. A rep
// received while resting finishes the rest phase first, so the recorded rest
// duration is exact and the rep is never dropped; the target is then
// evaluated against the fresh set.
func (s *Session) applyRepLocked(side Side, now time.Time, fx *effects) {
	if s.isResting {
		s.finishRestLocked(now, fx)
	}

	if side == SideRight {
		s.repsRight++
	} else {
		s.repsLeft++
	}
	if s.isAlternatingLocked() {
		s.reps += 0.5
	} else {
		s.reps++
	}
	s.lastMovementAt = now
	s.startTimerLocked(fx)
	s.evaluateTargetLocked(fx)
}

func (s *Session) isAlternatingLocked() bool {
	return s.selectedExercise != nil && s.selectedExercise.Type == ExerciseAlternating
}

func (s *Session) finishRestLocked(now time.Time, fx *effects) {
	fx.records = append(fx.records, SetRecord{
		Reps:         0,
		Duration:     s.activeTime,
		Timestamp:    now.UnixMilli(),
		ExerciseName: RestExerciseName,
		UserName:     s.userName,
	})
	s.activeTime = 0
	s.isResting = false
	s.restBell = false
}

// evaluateTargetLocked fires the target bell at most once per set index.
func (s *Session) evaluateTargetLocked(fx *effects) {
	if !s.target.Enabled || s.target.Reps <= 0 || s.isResting {
		return
	}
	if s.reps < float64(s.target.Reps) {
		return
	}
	if s.firedBells[s.sets] {
		return
	}
	s.firedBells[s.sets] = true
	kind := BellTarget
	if s.target.Sets > 0 && s.sets == s.target.Sets-1 {
		kind = BellFinal
	}
	fx.bells = append(fx.bells, Bell{Kind: kind, SetIndex: s.sets})
}

// CompleteSetOrRest ends the current phase: a working set transitions into
// rest, a rest returns to the idle-in-set state. Completing with zero reps is
// rejected defensively even though the UI disables the control.
func (s *Session) CompleteSetOrRest() {
	now := s.now()

	var fx effects
	s.mu.Lock()
	if s.isResting {
		s.finishRestLocked(now, &fx)
		if s.reps == 0 {
			s.stopTimerLocked(&fx)
		}
	} else {
		if s.reps <= 0 {
			s.mu.Unlock()
			return
		}
		s.completeSetLocked(now, &fx)
	}
	fx.changed = true
	s.mu.Unlock()

	s.apply(fx)
}

// completeSetLocked records the set and enters rest. The rest clock is seeded
// with the idle time already accrued since the last movement so it is not
// counted twice.
func (s *Session) completeSetLocked(now time.Time, fx *effects) {
	name := "Unknown"
	if s.selectedExercise != nil {
		name = s.selectedExercise.Name
	}
	fx.records = append(fx.records, SetRecord{
		Reps:         s.reps,
		Duration:     s.activeTime,
		Timestamp:    now.UnixMilli(),
		ExerciseName: name,
		UserName:     s.userName,
	})

	s.sets++
	s.reps = 0
	s.repsLeft = 0
	s.repsRight = 0
	s.lastCrossedLeft = false
	s.lastCrossedRight = false
	s.isResting = true
	s.activeTime = now.Sub(s.lastMovementAt).Seconds()
	if d := s.target.RestDuration(); s.target.Enabled && d > 0 {
		s.restBellAt = now.Add(d)
		s.restBell = true
	}
	s.startTimerLocked(fx)
}

// Tick advances the active phase clock and evaluates the auto-complete
// watchdog and the rest-expiry bell. Called by the run loop every 100ms while
// the timer is running; exposed for tests driving a simulated clock.
func (s *Session) Tick(now time.Time) {
	var fx effects
	s.mu.Lock()
	if !s.timerRunning {
		s.mu.Unlock()
		return
	}
	s.activeTime += tickInterval.Seconds()

	if !s.isResting && s.reps > 0 && s.config.AutoCompleteSecs > 0 &&
		now.Sub(s.lastMovementAt).Seconds() >= s.config.AutoCompleteSecs {
		s.completeSetLocked(now, &fx)
	}
	if s.isResting && s.restBell && !now.Before(s.restBellAt) {
		s.restBell = false
		fx.bells = append(fx.bells, Bell{Kind: BellRest, SetIndex: s.sets})
	}
	fx.changed = true
	s.mu.Unlock()

	s.apply(fx)
}

// SelectExercise makes ex the active exercise. Switching away with reps on
// the counter performs the complete-set bookkeeping for the old exercise
// first, then lands idle on the new one; the set counter reseeds from the
// ledger's count of today's sets for the new exercise and user.
func (s *Session) SelectExercise(ex Exercise) {
	now := s.now()

	var fx effects
	s.mu.Lock()
	if !s.isResting && s.reps > 0 {
		s.completeSetLocked(now, &fx)
		s.isResting = false
		s.activeTime = 0
		s.restBell = false
		s.stopTimerLocked(&fx)
	}
	exCopy := ex
	s.selectedExercise = &exCopy
	s.sliderThreshold = ex.ThresholdPercentage
	s.lastCrossedLeft = false
	s.lastCrossedRight = false
	user := s.userName
	s.mu.Unlock()

	// Append before counting so re-selecting the same exercise sees the set
	// that was just completed.
	for _, record := range fx.records {
		s.history.Append(record)
	}
	fx.records = nil

	sets := s.history.CountSetsOnDay(ex.Name, user, now)
	s.mu.Lock()
	s.sets = sets
	s.mu.Unlock()

	fx.changed = true
	s.apply(fx)
}

// SetSliderThreshold tracks a live threshold drag. No side effects until
// CommitThreshold.
func (s *Session) SetSliderThreshold(value float64) {
	value = clampPercent(value)
	s.mu.Lock()
	s.sliderThreshold = value
	s.mu.Unlock()
	s.publish()
}

// CommitThreshold applies the settled slider value to the selected exercise,
// persists it through the catalog, and echoes it to the device for both
// channels. Persistence failure surfaces as a notification; the live value is
// never rolled back.
func (s *Session) CommitThreshold() {
	s.mu.Lock()
	if s.selectedExercise == nil || s.sliderThreshold == s.selectedExercise.ThresholdPercentage {
		s.mu.Unlock()
		return
	}
	s.selectedExercise.ThresholdPercentage = s.sliderThreshold
	ex := *s.selectedExercise
	s.mu.Unlock()

	if err := s.catalog.Upsert(context.Background(), ex); err != nil {
		s.logger.Printf("Session: threshold upsert failed: %v", err)
		s.notifyEvent.Notify(Notification{
			Message:     "Failed to save threshold",
			Variant:     VariantError,
			AutoDismiss: 5 * time.Second,
		})
	}
	s.SendThresholds()
	s.publish()
}

// SendThresholds pushes the current threshold to the device for both channel
// names. Also used as the post-reconnect resync.
func (s *Session) SendThresholds() {
	s.mu.RLock()
	value := s.sliderThreshold
	s.mu.RUnlock()

	for _, name := range []string{SideLeft.String(), SideRight.String()} {
		if err := s.sender.SendThreshold(name, value); err != nil {
			s.logger.Printf("Session: threshold send (%s) failed: %v", name, err)
			s.notifyEvent.Notify(Notification{
				Message:     "Failed to send threshold to device",
				Variant:     VariantError,
				AutoDismiss: 5 * time.Second,
			})
			return
		}
	}
}

// SetConfig replaces the app config. Changing the detection mode clears the
// crossing latches so a half-completed crossing under the old rules cannot
// count under the new ones.
func (s *Session) SetConfig(config AppConfig) {
	s.mu.Lock()
	if config.StrictMode != s.config.StrictMode {
		s.lastCrossedLeft = false
		s.lastCrossedRight = false
	}
	s.config = config
	s.mu.Unlock()
	s.publish()
}

// GetConfig returns the current app config.
func (s *Session) GetConfig() AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// SetRepTarget replaces the rep target and re-arms its one-shot bells.
func (s *Session) SetRepTarget(target RepTarget) {
	s.mu.Lock()
	s.target = target
	s.firedBells = make(map[int]bool)
	s.restBell = false
	s.mu.Unlock()
	s.publish()
}

// SetUser scopes subsequent ledger writes to the named user ("" for none) and
// reseeds the set counter for the active exercise.
func (s *Session) SetUser(name string) {
	now := s.now()
	s.mu.Lock()
	s.userName = name
	exercise := ""
	if s.selectedExercise != nil {
		exercise = s.selectedExercise.Name
	}
	s.mu.Unlock()

	if exercise != "" {
		sets := s.history.CountSetsOnDay(exercise, name, now)
		s.mu.Lock()
		s.sets = sets
		s.mu.Unlock()
	}
	s.publish()
}

// Reset zeroes the session counters and timers. The ledger is untouched.
func (s *Session) Reset() {
	var fx effects
	s.mu.Lock()
	s.sets = 0
	s.reps = 0
	s.repsLeft = 0
	s.repsRight = 0
	s.activeTime = 0
	s.isResting = false
	s.lastCrossedLeft = false
	s.lastCrossedRight = false
	s.firedBells = make(map[int]bool)
	s.restBell = false
	s.stopTimerLocked(&fx)
	fx.changed = true
	s.mu.Unlock()

	s.apply(fx)
}

// CheckRollover resets the session when the calendar day has changed since
// the last check, so counts never carry across midnight.
func (s *Session) CheckRollover(now time.Time) {
	day := now.Format(dayFormat)
	s.mu.Lock()
	changed := s.currentDay != "" && s.currentDay != day
	s.currentDay = day
	s.mu.Unlock()

	if changed {
		s.logger.Printf("Session: day rolled over to %s, resetting", day)
		s.Reset()
	}
}

// Shutdown stops the run loop. Safe to call more than once.
func (s *Session) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.logger.Println("Session: shutting down")
		close(s.doneChan)
		s.wg.Wait()
		s.logger.Println("Session: shutdown complete")
	})
}

func (s *Session) startTimerLocked(fx *effects) {
	if !s.timerRunning {
		s.timerRunning = true
		fx.startTimer = true
	}
}

func (s *Session) stopTimerLocked(fx *effects) {
	if s.timerRunning {
		s.timerRunning = false
		fx.stopTimer = true
	}
}

// apply performs the side effects collected under the lock.
func (s *Session) apply(fx effects) {
	for _, record := range fx.records {
		s.history.Append(record)
	}
	if fx.startTimer {
		s.cmdChan <- cmdTimerStart
	}
	if fx.stopTimer {
		s.cmdChan <- cmdTimerStop
	}
	for _, bell := range fx.bells {
		s.bellEvent.Notify(bell)
	}
	for _, note := range fx.notes {
		s.notifyEvent.Notify(note)
	}
	if fx.changed {
		s.publish()
	}
}

func (s *Session) publish() {
	s.stateEvent.Notify(s.Snapshot())
}

// run drives the 100ms phase tick (active only while a set or rest is in
// progress) and the once-a-minute rollover check.
func (s *Session) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(tickInterval)
	ticker.Stop()
	rollover := time.NewTicker(rolloverInterval)
	defer rollover.Stop()

	for {
		select {
		case <-s.doneChan:
			ticker.Stop()
			s.logger.Println("Session: run loop exiting")
			return
		case cmd := <-s.cmdChan:
			switch cmd {
			case cmdTimerStart:
				ticker.Reset(tickInterval)
			case cmdTimerStop:
				ticker.Stop()
			}
		case <-ticker.C:
			s.Tick(s.now())
		case <-rollover.C:
			s.CheckRollover(s.now())
		}
	}
}
