package ui

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/rsulzmann/repmachine/internal/link"
	"github.com/rsulzmann/repmachine/internal/machine"
	"github.com/rsulzmann/repmachine/internal/syncutil"
)

const gaugeWidth = 30

// Dashboard is the terminal UI: live position gauges, session counters, the
// exercise list and a notification line. It is a pure view over the session
// snapshot stream; every keypress delegates to the machine layer.
type Dashboard struct {
	logger     *log.Logger
	app        *tview.Application
	session    *machine.Session
	catalog    *machine.Catalog
	registry   *machine.Registry
	ledger     *machine.Ledger
	dispatcher *machine.Dispatcher
	controller *machine.Controller
	conn       *link.Conn

	gaugePanel   *tview.TextView
	sessionPanel *tview.TextView
	historyPanel *tview.TextView
	exerciseList *tview.List
	statusBar    *tview.TextView
	logView      *tview.TextView
	mainFlex     *tview.Flex

	mu        sync.Mutex
	exercises []machine.Exercise
	linkState link.State

	deregister   []func()
	doneChan     chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewDashboard wires a Dashboard over the machine layer. Call Run to start.
func NewDashboard(app *tview.Application, session *machine.Session, catalog *machine.Catalog,
	registry *machine.Registry, ledger *machine.Ledger, dispatcher *machine.Dispatcher,
	controller *machine.Controller, conn *link.Conn, logger *log.Logger) *Dashboard {
	if logger == nil {
		panic("Dashboard: logger cannot be nil")
	}
	return &Dashboard{
		logger:     logger,
		app:        app,
		session:    session,
		catalog:    catalog,
		registry:   registry,
		ledger:     ledger,
		dispatcher: dispatcher,
		controller: controller,
		conn:       conn,
		doneChan:   make(chan struct{}),
	}
}

// LogWriter returns the writer for the in-app log panel.
func (d *Dashboard) LogWriter() *tview.TextView {
	return d.logView
}

// Initialize builds the widget tree. Must run before Run.
func (d *Dashboard) Initialize() {
	d.gaugePanel = newPanel(" Cables ")
	d.sessionPanel = newPanel(" Session ")
	d.historyPanel = newPanel(" Today ")

	d.exerciseList = tview.NewList().
		ShowSecondaryText(true).
		SetSelectedFunc(func(index int, mainText, secondaryText string, shortcut rune) {
			d.mu.Lock()
			var ex machine.Exercise
			ok := index < len(d.exercises)
			if ok {
				ex = d.exercises[index]
			}
			d.mu.Unlock()
			if ok {
				d.logger.Printf("UI: exercise selected: %s", ex.Name)
				d.session.SelectExercise(ex)
			}
		})
	d.exerciseList.SetBorder(true).SetTitle(" Exercises ")

	d.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)

	d.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(false)
	d.logView.SetBorder(true).SetTitle(" Logs ")

	leftColumn := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(d.gaugePanel, 0, 2, false).
		AddItem(d.sessionPanel, 0, 2, false).
		AddItem(d.historyPanel, 0, 2, false)

	body := tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(leftColumn, 0, 2, false).
		AddItem(d.exerciseList, 0, 1, true).
		AddItem(d.logView, 0, 1, false)

	d.mainFlex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(body, 0, 1, true).
		AddItem(d.statusBar, 2, 0, false)

	d.setStatus("", machine.VariantInfo)
	d.renderSnapshot(d.session.Snapshot())
	d.setupKeys()
	d.subscribe()
}

func newPanel(title string) *tview.TextView {
	panel := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	panel.SetBorder(true).SetTitle(title)
	return panel
}

func (d *Dashboard) subscribe() {
	snapshots := make(chan machine.Snapshot, 16)
	d.deregister = append(d.deregister, d.session.ListenToState(snapshots))

	exercises := make(chan []machine.Exercise, 4)
	d.deregister = append(d.deregister, d.catalog.ListenToExercises(exercises))

	records := make(chan []machine.SetRecord, 4)
	d.deregister = append(d.deregister, d.ledger.ListenToRecords(records))

	states := make(chan link.State, 4)
	d.deregister = append(d.deregister, d.conn.ListenToState(states))

	bells := make(chan machine.Bell, 4)
	d.deregister = append(d.deregister, d.session.ListenToBells(func(b machine.Bell) {
		select {
		case bells <- b:
		default:
		}
	}))

	// Notifications can fire synchronously from an input handler (a failed
	// threshold commit, for example), so the listener must never wait on the
	// main loop. It hands off to the pump like the bell listener does.
	notes := make(chan machine.Notification, 16)
	d.deregister = append(d.deregister, d.controller.ListenToNotifications(func(n machine.Notification) {
		select {
		case notes <- n:
		default:
		}
	}))

	// The pump updates widgets directly and repaints with ForceDraw. Draw
	// and QueueUpdateDraw wait for the main loop, which hangs when the event
	// that triggered them was raised from inside an input handler, and again
	// once the loop has exited. ForceDraw paints under the application lock
	// and is a no-op without a screen.
	d.wg.Add(1)
	syncutil.SafeGo(d.logger, func() {
		defer d.wg.Done()
		for {
			select {
			case <-d.doneChan:
				return
			case snap := <-snapshots:
				d.renderSnapshot(snap)
				d.app.ForceDraw()
			case list := <-exercises:
				d.mu.Lock()
				d.exercises = list
				d.mu.Unlock()
				d.renderExercises(list)
				d.app.ForceDraw()
			case <-records:
				d.renderHistory()
				d.app.ForceDraw()
			case state := <-states:
				d.mu.Lock()
				d.linkState = state
				d.mu.Unlock()
				d.renderSnapshot(d.session.Snapshot())
				d.app.ForceDraw()
			case bell := <-bells:
				d.ringBell(bell)
				d.app.ForceDraw()
			case n := <-notes:
				d.setStatus(n.Message, n.Variant)
				d.app.ForceDraw()
			}
		}
	})
}

func (d *Dashboard) setupKeys() {
	d.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape {
			d.app.Stop()
			return nil
		}
		if event.Key() != tcell.KeyRune {
			return event
		}

		switch event.Rune() {
		case 'q':
			d.app.Stop()
		case 'c':
			d.session.CompleteSetOrRest()
		case 'r':
			d.session.Reset()
		case '+', '=':
			snap := d.session.Snapshot()
			d.session.SetSliderThreshold(snap.SliderThreshold + 1)
		case '-':
			snap := d.session.Snapshot()
			d.session.SetSliderThreshold(snap.SliderThreshold - 1)
		case 't':
			// The commit does a catalog upsert; keep it off the event loop.
			syncutil.SafeGo(d.logger, d.session.CommitThreshold)
		case 's':
			config := d.session.GetConfig()
			config.StrictMode = !config.StrictMode
			d.session.SetConfig(config)
		case 'a':
			config := d.session.GetConfig()
			if config.AutoCompleteSecs > 0 {
				config.AutoCompleteSecs = 0
			} else {
				config.AutoCompleteSecs = 5
			}
			d.session.SetConfig(config)
		case 'g':
			target := d.session.Snapshot().Target
			target.Enabled = !target.Enabled
			if target.Enabled && target.Reps == 0 {
				target.Reps = 10
				target.Sets = 3
			}
			d.session.SetRepTarget(target)
		case 'h':
			d.ledger.ClearForUserAndDay(d.registry.Selected(), time.Now())
		case 'u':
			d.cycleUser()
		case 'x':
			syncutil.SafeGo(d.logger, func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := d.dispatcher.Calibrate(ctx); err != nil {
					d.logger.Printf("UI: calibrate failed: %v", err)
				}
			})
		case 'X':
			syncutil.SafeGo(d.logger, func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := d.dispatcher.Restart(ctx); err != nil {
					d.logger.Printf("UI: restart failed: %v", err)
				}
			})
		default:
			return event
		}
		return nil
	})
}

// cycleUser steps the selection through the registry: each user in order,
// then back to no user.
func (d *Dashboard) cycleUser() {
	users := d.registry.List()
	if len(users) == 0 {
		return
	}
	selected := d.registry.Selected()
	next := ""
	if selected == "" {
		next = users[0].Name
	} else {
		for i, u := range users {
			if u.Name == selected && i+1 < len(users) {
				next = users[i+1].Name
				break
			}
		}
	}
	if err := d.registry.Select(next); err != nil {
		d.logger.Printf("UI: user select failed: %v", err)
	}
}

// Run starts the UI and blocks until it exits.
func (d *Dashboard) Run() error {
	d.app.SetRoot(d.mainFlex, true)
	d.app.SetFocus(d.exerciseList)
	return d.app.Run()
}

// Shutdown stops the event pump. Safe to call more than once.
func (d *Dashboard) Shutdown() {
	d.shutdownOnce.Do(func() {
		for _, dereg := range d.deregister {
			dereg()
		}
		close(d.doneChan)
		d.wg.Wait()
		d.logger.Println("Dashboard: shutdown complete")
	})
}

func (d *Dashboard) renderSnapshot(snap machine.Snapshot) {
	d.mu.Lock()
	state := d.linkState
	d.mu.Unlock()

	var gauges strings.Builder
	gauges.WriteString("\n")
	fmt.Fprintf(&gauges, "  L %s [yellow]%3.0f%%[white]\n\n", gauge(snap.PositionLeft, snap.SliderThreshold), snap.PositionLeft)
	fmt.Fprintf(&gauges, "  R %s [yellow]%3.0f%%[white]\n\n", gauge(snap.PositionRight, snap.SliderThreshold), snap.PositionRight)
	fmt.Fprintf(&gauges, "  Threshold: [yellow]%.0f%%[white]", snap.SliderThreshold)
	if snap.Config.StrictMode {
		gauges.WriteString("  [gray](strict)[white]")
	}
	gauges.WriteString("\n")
	switch state {
	case link.StateOpen:
		gauges.WriteString("  Link: [green]open[white]\n")
	case link.StateConnecting:
		gauges.WriteString("  Link: [yellow]connecting[white]\n")
	default:
		gauges.WriteString("  Link: [red]closed[white]\n")
	}
	d.gaugePanel.SetText(gauges.String())

	var session strings.Builder
	session.WriteString("\n")
	name := "[gray]none selected[white]"
	if snap.Exercise != nil {
		name = "[yellow]" + snap.Exercise.Name + "[white]"
	}
	fmt.Fprintf(&session, "  Exercise:  %s\n", name)
	if snap.UserName != "" {
		fmt.Fprintf(&session, "  User:      [yellow]%s[white]\n", snap.UserName)
	}
	fmt.Fprintf(&session, "  Reps:      [yellow]%.1f[white]  (L %d / R %d)\n", snap.Reps, snap.RepsLeft, snap.RepsRight)
	fmt.Fprintf(&session, "  Sets:      [yellow]%d[white]\n", snap.Sets)
	if snap.Target.Enabled {
		fmt.Fprintf(&session, "  Target:    [yellow]%d[white] reps x [yellow]%d[white] sets\n", snap.Target.Reps, snap.Target.Sets)
	}
	phase := "set"
	if snap.IsResting {
		phase = "[green]rest[white]"
	}
	fmt.Fprintf(&session, "  Phase:     %s  [yellow]%s[white]\n", phase, formatSeconds(snap.ActiveTime))
	d.sessionPanel.SetText(session.String())
}

func (d *Dashboard) renderExercises(list []machine.Exercise) {
	current := d.exerciseList.GetCurrentItem()
	d.exerciseList.Clear()
	for _, ex := range list {
		detail := fmt.Sprintf("%s, threshold %.0f%%", ex.Type, ex.ThresholdPercentage)
		d.exerciseList.AddItem(ex.Name, detail, 0, nil)
	}
	if current >= 0 && current < len(list) {
		d.exerciseList.SetCurrentItem(current)
	}
}

func (d *Dashboard) renderHistory() {
	user := d.registry.Selected()
	records := d.ledger.ListForUserAndDay(user, time.Now())

	var text strings.Builder
	text.WriteString("\n")
	if len(records) == 0 {
		text.WriteString("  [gray]No sets yet today[white]\n")
	}
	start := 0
	if len(records) > 8 {
		start = len(records) - 8
	}
	for _, r := range records[start:] {
		at := time.UnixMilli(r.Timestamp).Format("15:04")
		if r.IsRest() {
			fmt.Fprintf(&text, "  %s  [gray]rest %s[white]\n", at, formatSeconds(r.Duration))
			continue
		}
		fmt.Fprintf(&text, "  %s  %s  [yellow]%.1f[white] reps, %s\n", at, r.ExerciseName, r.Reps, formatSeconds(r.Duration))
	}

	var lifetimeSets int
	var lifetimeReps float64
	for _, totals := range d.ledger.TotalsByExercise(user) {
		lifetimeSets += totals.Sets
		lifetimeReps += totals.Reps
	}
	if lifetimeSets > 0 {
		fmt.Fprintf(&text, "\n  Lifetime: [yellow]%d[white] sets, [yellow]%.0f[white] reps\n", lifetimeSets, lifetimeReps)
	}
	d.historyPanel.SetText(text.String())
}

func (d *Dashboard) ringBell(bell machine.Bell) {
	switch bell.Kind {
	case machine.BellFinal:
		d.setStatus("Final set complete!", machine.VariantSuccess)
	case machine.BellTarget:
		d.setStatus(fmt.Sprintf("Target reached on set %d", bell.SetIndex+1), machine.VariantSuccess)
	case machine.BellRest:
		d.setStatus("Rest over, back to work", machine.VariantInfo)
	}
}

func (d *Dashboard) setStatus(message string, variant Variant) {
	color := "white"
	switch variant {
	case machine.VariantSuccess:
		color = "green"
	case machine.VariantError:
		color = "red"
	}
	hint := "[gray]c[white] complete  [gray]r[white] reset  [gray]+/-[white] threshold  [gray]t[white] commit  [gray]s[white] strict  [gray]a[white] auto  [gray]g[white] goal  [gray]h[white] clear day  [gray]u[white] user  [gray]x[white] calibrate  [gray]X[white] restart  [gray]q[white] quit"
	if message == "" {
		d.statusBar.SetText(" " + hint)
		return
	}
	d.statusBar.SetText(fmt.Sprintf(" [%s]%s[white]\n %s", color, message, hint))
}

// gauge renders a position bar with a marker at the threshold column.
func gauge(percent, threshold float64) string {
	filled := clampColumn(percent)
	marker := clampColumn(threshold)

	cells := make([]rune, gaugeWidth)
	for i := range cells {
		if i < filled {
			cells[i] = '█'
		} else {
			cells[i] = '░'
		}
	}
	if marker > 0 && marker < gaugeWidth {
		cells[marker] = '|'
	}
	return "[green]" + string(cells[:filled]) + "[gray]" + string(cells[filled:]) + "[white]"
}

func clampColumn(percent float64) int {
	col := int(percent / 100 * gaugeWidth)
	if col < 0 {
		return 0
	}
	if col > gaugeWidth {
		return gaugeWidth
	}
	return col
}

func formatSeconds(secs float64) string {
	total := int(secs)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// Variant aliases the machine notification variant for the view helpers.
type Variant = machine.Variant
