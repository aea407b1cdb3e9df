package machine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/rsulzmann/repmachine/internal/events"
	"github.com/rsulzmann/repmachine/internal/link"
	"github.com/rsulzmann/repmachine/internal/syncutil"
)

// Controller glues the link to the session: inbound frames are normalized and
// routed into the state machine, connection state and calibration progress
// surface as notifications, and a fresh link gets the threshold resynced and
// the catalog refreshed.
type Controller struct {
	conn     *link.Conn
	session  *Session
	catalog  *Catalog
	registry *Registry
	logger   *log.Logger

	mu           sync.Mutex
	calState     map[Side]string
	deregister   []func()
	notifyEvent  *events.CallbackEvent[Notification]
	doneChan     chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewController creates the glue layer. Call Start to begin routing.
func NewController(conn *link.Conn, session *Session, catalog *Catalog, registry *Registry, logger *log.Logger) *Controller {
	if conn == nil {
		panic("Controller: conn cannot be nil")
	}
	if session == nil {
		panic("Controller: session cannot be nil")
	}
	if catalog == nil {
		panic("Controller: catalog cannot be nil")
	}
	if registry == nil {
		panic("Controller: registry cannot be nil")
	}
	if logger == nil {
		panic("Controller: logger cannot be nil")
	}
	return &Controller{
		conn:        conn,
		session:     session,
		catalog:     catalog,
		registry:    registry,
		logger:      logger,
		calState:    make(map[Side]string),
		notifyEvent: events.NewCallbackEvent[Notification](false),
		doneChan:    make(chan struct{}),
	}
}

// ListenToNotifications registers a callback for all user-visible messages,
// the session's included. Returns a deregistration function.
func (c *Controller) ListenToNotifications(callback func(Notification)) func() {
	return c.notifyEvent.Listen(callback)
}

// Start subscribes to the link, the session and the user registry.
func (c *Controller) Start() {
	c.deregister = append(c.deregister,
		c.conn.ListenToMessages(c.handleMessage),
		c.session.ListenToNotifications(c.notifyEvent.Notify),
	)

	stateCh := make(chan link.State, 4)
	c.deregister = append(c.deregister, c.conn.ListenToState(stateCh))

	selectionCh := make(chan string, 4)
	c.deregister = append(c.deregister, c.registry.ListenToSelection(selectionCh))
	c.session.SetUser(c.registry.Selected())

	c.wg.Add(1)
	syncutil.SafeGo(c.logger, func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.doneChan:
				return
			case state := <-stateCh:
				c.handleState(state)
			case name := <-selectionCh:
				c.session.SetUser(name)
			}
		}
	})
}

// Shutdown stops routing. Safe to call more than once.
func (c *Controller) Shutdown() {
	c.shutdownOnce.Do(func() {
		for _, dereg := range c.deregister {
			dereg()
		}
		close(c.doneChan)
		c.wg.Wait()
		c.logger.Println("Controller: shutdown complete")
	})
}

func (c *Controller) handleMessage(msg link.Message) {
	t := Normalize(msg)
	switch t.Kind {
	case TelemetryPosition:
		c.handleCalState(t.Side, t.CalState)
		c.session.HandlePosition(t.Side, t.Position)
	case TelemetryRep:
		c.session.HandleRep(t.Side)
	case TelemetryThreshold:
		c.logger.Printf("Controller: machine acknowledged threshold %.0f (%s)", t.Threshold, t.Side)
	case TelemetryHandshake:
		// Liveness only; the link watchdog already accounted for it.
	}
}

// handleCalState turns calibration progress into prompts. Only transitions
// notify, so the high-volume position stream stays quiet.
func (c *Controller) handleCalState(side Side, state string) {
	c.mu.Lock()
	previous := c.calState[side]
	c.calState[side] = state
	c.mu.Unlock()
	if state == previous {
		return
	}

	switch state {
	case link.CalStateSeekMax:
		c.notifyEvent.Notify(Notification{
			Message: "Pull the " + side.String() + " cable all the way out to calibrate",
			Variant: VariantInfo,
		})
	case link.CalStateDone:
		c.notifyEvent.Notify(Notification{
			Message:     "Calibration complete",
			Variant:     VariantSuccess,
			AutoDismiss: 5 * time.Second,
		})
	case link.CalStateIdle:
		if previous != "" && previous != link.CalStateIdle {
			c.notifyEvent.Notify(Notification{
				Message:     "Calibration reset",
				Variant:     VariantInfo,
				AutoDismiss: 5 * time.Second,
			})
		}
	}
}

// handleState surfaces the link state and resyncs a fresh connection. The
// disconnected notification persists until the link comes back.
func (c *Controller) handleState(state link.State) {
	switch state {
	case link.StateOpen:
		c.notifyEvent.Notify(Notification{
			Message:     "Connected to machine",
			Variant:     VariantSuccess,
			AutoDismiss: 3 * time.Second,
		})
		c.session.SendThresholds()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.catalog.Refresh(ctx); err != nil {
			c.logger.Printf("Controller: catalog refresh failed: %v", err)
		}
	case link.StateClosed:
		c.notifyEvent.Notify(Notification{
			Message: "Connection to machine lost, reconnecting",
			Variant: VariantError,
		})
	case link.StateConnecting:
		// The closed notification already covers the gap.
	}
}
