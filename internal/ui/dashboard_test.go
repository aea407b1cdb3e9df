package ui

import (
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsulzmann/repmachine/internal/link"
	"github.com/rsulzmann/repmachine/internal/machine"
	"github.com/rsulzmann/repmachine/internal/store"
)

type dashboardFixture struct {
	dashboard *Dashboard
	app       *tview.Application
	session   *machine.Session
	ledger    *machine.Ledger
}

// newDashboardFixture wires a full stack under the dashboard. The link dials
// a closed port and stays down; deviceURL serves the HTTP API.
func newDashboardFixture(t *testing.T, deviceURL string) *dashboardFixture {
	t.Helper()
	logger := log.New(io.Discard, "", 0)

	conn, err := link.NewConn("ws://127.0.0.1:1/ws", logger)
	require.NoError(t, err)
	t.Cleanup(conn.Shutdown)

	st := store.New(t.TempDir(), logger, nil)
	catalog := machine.NewCatalog(deviceURL, nil, logger)
	dispatcher := machine.NewDispatcher(deviceURL, nil, conn, logger)
	ledger := machine.NewLedger(st, logger)
	registry := machine.NewRegistry(st, logger)
	session := machine.NewSession(ledger, catalog, dispatcher, logger)
	t.Cleanup(session.Shutdown)

	controller := machine.NewController(conn, session, catalog, registry, logger)
	controller.Start()
	t.Cleanup(controller.Shutdown)

	app := tview.NewApplication()
	d := NewDashboard(app, session, catalog, registry, ledger, dispatcher, controller, conn, logger)
	d.Initialize()
	t.Cleanup(d.Shutdown)

	return &dashboardFixture{dashboard: d, app: app, session: session, ledger: ledger}
}

func TestDashboard_NotificationDeliveryNeverBlocksNotifier(t *testing.T) {
	f := newDashboardFixture(t, "http://127.0.0.1:1")

	// With the link down every threshold push fails and raises an error
	// notification. Raising far more of them than any UI queue can hold must
	// never stall the caller, even though nothing is draining the screen.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 150; i++ {
			f.session.SendThresholds()
		}
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Notification delivery blocked the notifying goroutine")
	}

	waitForStatus(t, f.dashboard, "Failed to send threshold")
}

func TestDashboard_ThresholdCommitKeyReturnsBeforeUpsertFinishes(t *testing.T) {
	requests := make(chan string, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			requests <- r.URL.Path
			time.Sleep(1500 * time.Millisecond)
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	f := newDashboardFixture(t, server.URL)
	f.session.SelectExercise(machine.Exercise{Name: "Row", ThresholdPercentage: 50, Type: machine.ExerciseSingular})
	f.session.SetSliderThreshold(60)

	capture := f.app.GetInputCapture()
	start := time.Now()
	capture(tcell.NewEventKey(tcell.KeyRune, 't', tcell.ModNone))
	elapsed := time.Since(start)

	assert.Less(t, elapsed, time.Second, "commit key must not wait for the catalog write")

	select {
	case path := <-requests:
		assert.Equal(t, "/api/exercises", path)
	case <-time.After(3 * time.Second):
		t.Fatal("Timeout waiting for the upsert to reach the catalog")
	}
}

func TestDashboard_RepTargetToggleKey(t *testing.T) {
	f := newDashboardFixture(t, "http://127.0.0.1:1")
	capture := f.app.GetInputCapture()

	capture(tcell.NewEventKey(tcell.KeyRune, 'g', tcell.ModNone))
	target := f.session.Snapshot().Target
	require.True(t, target.Enabled)
	assert.Equal(t, 10, target.Reps)
	assert.Equal(t, 3, target.Sets)

	capture(tcell.NewEventKey(tcell.KeyRune, 'g', tcell.ModNone))
	target = f.session.Snapshot().Target
	assert.False(t, target.Enabled)
	// The configured goal survives the toggle.
	assert.Equal(t, 10, target.Reps)
}

func TestDashboard_ClearDayKeyDropsTodaysRecords(t *testing.T) {
	f := newDashboardFixture(t, "http://127.0.0.1:1")
	f.ledger.Append(machine.SetRecord{
		Reps:         8,
		Duration:     30,
		Timestamp:    time.Now().UnixMilli(),
		ExerciseName: "Row",
	})
	require.Len(t, f.ledger.ListForUserAndDay("", time.Now()), 1)

	f.app.GetInputCapture()(tcell.NewEventKey(tcell.KeyRune, 'h', tcell.ModNone))

	assert.Empty(t, f.ledger.ListForUserAndDay("", time.Now()))
}

func waitForStatus(t *testing.T, d *Dashboard, fragment string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(d.statusBar.GetText(true), fragment) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Status line never showed %q", fragment)
}
