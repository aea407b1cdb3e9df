package machine

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/rsulzmann/repmachine/internal/events"
	"github.com/rsulzmann/repmachine/internal/store"
)

const historyKey = "history"

// Totals aggregates a user's lifetime work for one exercise.
type Totals struct {
	Sets     int
	Reps     float64
	Duration float64
}

// Ledger is the append-only set history. Records are scoped to a user at
// write time; a record without an owner is only visible in unscoped reads.
// Every mutation is persisted through the store, fire-and-forget.
type Ledger struct {
	logger *log.Logger
	store  *store.Store
	loc    *time.Location

	mu      sync.RWMutex
	records []SetRecord

	changedEvent *events.ChannelEvent[[]SetRecord]
}

// NewLedger loads any persisted history from st.
func NewLedger(st *store.Store, logger *log.Logger) *Ledger {
	if st == nil {
		panic("Ledger: store cannot be nil")
	}
	if logger == nil {
		panic("Ledger: logger cannot be nil")
	}

	l := &Ledger{
		logger:       logger,
		store:        st,
		loc:          time.Local,
		changedEvent: events.NewChannelEvent[[]SetRecord](true),
	}
	if l.store.Load(historyKey, &l.records) {
		logger.Printf("Ledger: loaded %d records", len(l.records))
	}
	return l
}

// ListenToRecords registers a channel for history changes.
// Returns a deregistration function.
func (l *Ledger) ListenToRecords(ch chan<- []SetRecord) func() {
	return l.changedEvent.Listen(ch)
}

// Append adds one record to the ledger.
func (l *Ledger) Append(record SetRecord) {
	l.mu.Lock()
	l.records = append(l.records, record)
	snapshot := l.copyLocked()
	l.mu.Unlock()

	l.store.Save(historyKey, snapshot)
	l.changedEvent.Notify(snapshot)
}

// ListAll returns every record regardless of owner.
func (l *Ledger) ListAll() []SetRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.copyLocked()
}

// ListForUser returns the records visible to userName. An empty userName is
// the unscoped view and sees everything; a named view sees only its own
// records.
func (l *Ledger) ListForUser(userName string) []SetRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if userName == "" {
		return l.copyLocked()
	}
	var out []SetRecord
	for _, r := range l.records {
		if r.UserName == userName {
			out = append(out, r)
		}
	}
	return out
}

// ListForUserAndDay returns the visible records stamped on day's calendar
// date.
func (l *Ledger) ListForUserAndDay(userName string, day time.Time) []SetRecord {
	date := day.In(l.loc).Format(dayFormat)
	var out []SetRecord
	for _, r := range l.ListForUser(userName) {
		if r.Day(l.loc) == date {
			out = append(out, r)
		}
	}
	return out
}

// ClearForUserAndDay removes the records visible to userName on day's
// calendar date. Records owned by other users are never touched.
func (l *Ledger) ClearForUserAndDay(userName string, day time.Time) {
	date := day.In(l.loc).Format(dayFormat)
	l.clear(func(r SetRecord) bool {
		if r.Day(l.loc) != date {
			return false
		}
		return userName == "" || r.UserName == userName
	})
}

// ClearAllForUser removes every record visible to userName. With an empty
// userName the entire ledger is cleared.
func (l *Ledger) ClearAllForUser(userName string) {
	l.clear(func(r SetRecord) bool {
		return userName == "" || r.UserName == userName
	})
}

func (l *Ledger) clear(drop func(SetRecord) bool) {
	l.mu.Lock()
	kept := l.records[:0:0]
	for _, r := range l.records {
		if !drop(r) {
			kept = append(kept, r)
		}
	}
	removed := len(l.records) - len(kept)
	l.records = kept
	snapshot := l.copyLocked()
	l.mu.Unlock()

	l.logger.Printf("Ledger: cleared %d records", removed)
	l.store.Save(historyKey, snapshot)
	l.changedEvent.Notify(snapshot)
}

// CountSetsOnDay counts the working sets (rests excluded) a user logged for
// an exercise on day's calendar date. Without a user nothing is attributed,
// so the count is zero.
func (l *Ledger) CountSetsOnDay(exerciseName, userName string, day time.Time) int {
	if userName == "" {
		return 0
	}
	count := 0
	for _, r := range l.ListForUserAndDay(userName, day) {
		if !r.IsRest() && r.ExerciseName == exerciseName {
			count++
		}
	}
	return count
}

// TotalsByExercise aggregates the visible working sets per exercise. Rest
// records contribute nothing.
func (l *Ledger) TotalsByExercise(userName string) map[string]Totals {
	totals := make(map[string]Totals)
	for _, r := range l.ListForUser(userName) {
		if r.IsRest() {
			continue
		}
		t := totals[r.ExerciseName]
		t.Sets++
		t.Reps += r.Reps
		t.Duration += r.Duration
		totals[r.ExerciseName] = t
	}
	return totals
}

// ExerciseNames returns the distinct exercises in the visible records,
// sorted, rests excluded.
func (l *Ledger) ExerciseNames(userName string) []string {
	seen := make(map[string]bool)
	for _, r := range l.ListForUser(userName) {
		if !r.IsRest() {
			seen[r.ExerciseName] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (l *Ledger) copyLocked() []SetRecord {
	out := make([]SetRecord, len(l.records))
	copy(out, l.records)
	return out
}
