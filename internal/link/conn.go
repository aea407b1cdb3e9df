package link

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/rsulzmann/repmachine/internal/events"
	"github.com/rsulzmann/repmachine/internal/syncutil"
)

// State describes the connection to the machine.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

const (
	// The firmware broadcasts a handshake every 10s; a 15s silence means the
	// socket is dead even if the OS hasn't noticed.
	handshakeTimeout = 15 * time.Second
	watchdogInterval = 1 * time.Second
	reconnectPause   = 500 * time.Millisecond
	backoffStep      = 1 * time.Second
	backoffMax       = 10 * time.Second
)

// Conn owns the WebSocket link to the machine: it dials, re-dials with linear
// backoff after failures, and runs a staleness watchdog that forces a
// reconnect cycle when the stream goes silent. Inbound frames and state
// changes fan out through events; Send is fire-and-forget.
type Conn struct {
	config *websocket.Config
	logger *log.Logger

	mu            sync.RWMutex
	state         State
	enabled       bool
	ws            *websocket.Conn
	lastMessageAt time.Time
	staleTripped  bool
	attempt       int

	stateEvent   *events.ChannelEvent[State]
	messageEvent *events.CallbackEvent[Message]

	kick         chan struct{}
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
	now          func() time.Time
}

// NewConn creates a Conn for wsURL (ws://host/ws) and starts its dial and
// watchdog loops.
func NewConn(wsURL string, logger *log.Logger) (*Conn, error) {
	if logger == nil {
		panic("Conn: logger cannot be nil")
	}
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket url %q: %w", wsURL, err)
	}
	config, err := websocket.NewConfig(wsURL, "http://"+u.Host+"/")
	if err != nil {
		return nil, fmt.Errorf("invalid websocket url %q: %w", wsURL, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		config:       config,
		logger:       logger,
		enabled:      true,
		stateEvent:   events.NewChannelEvent[State](true),
		messageEvent: events.NewCallbackEvent[Message](false),
		kick:         make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		now:          time.Now,
	}

	c.wg.Add(1)
	syncutil.SafeGo(logger, func() { c.runDialLoop() })
	c.wg.Add(1)
	syncutil.SafeGo(logger, func() { c.runWatchdog() })

	return c, nil
}

// ListenToState registers a channel for connection state changes.
// Returns a deregistration function.
func (c *Conn) ListenToState(ch chan<- State) func() {
	return c.stateEvent.Listen(ch)
}

// ListenToMessages registers a callback for inbound frames.
// Returns a deregistration function.
func (c *Conn) ListenToMessages(callback func(Message)) func() {
	return c.messageEvent.Listen(callback)
}

// GetState returns the current connection state.
func (c *Conn) GetState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Send marshals v as JSON onto the socket. Returns an error when the link is
// down; callers surface that as a notification, never as a state rollback.
func (c *Conn) Send(v any) error {
	c.mu.RLock()
	ws := c.ws
	c.mu.RUnlock()
	if ws == nil {
		return fmt.Errorf("link is not open")
	}
	if err := websocket.JSON.Send(ws, v); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	return nil
}

// SetEnabled turns the link on or off. Disabling closes any open socket;
// enabling wakes the dial loop. The watchdog uses this pair to force a
// reconnect cycle.
func (c *Conn) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	var closing *websocket.Conn
	if !enabled && c.ws != nil {
		closing = c.ws
		c.ws = nil
	}
	c.mu.Unlock()

	if closing != nil {
		closing.Close()
	}
	if enabled {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
}

// Shutdown closes the link and waits for its goroutines.
// Safe to call more than once.
func (c *Conn) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.logger.Println("Conn: shutting down")
		c.cancel()
		c.SetEnabled(false)
		c.wg.Wait()
		c.logger.Println("Conn: shutdown complete")
	})
}

func (c *Conn) isEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

func (c *Conn) setState(state State) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	if state == StateOpen {
		c.lastMessageAt = c.now()
		c.staleTripped = false
		c.attempt = 0
	}
	c.mu.Unlock()

	c.logger.Printf("Conn: state %s", state)
	c.stateEvent.Notify(state)
}

// touch records inbound traffic. Any frame, handshake included, proves the
// link is alive.
func (c *Conn) touch() {
	c.mu.Lock()
	c.lastMessageAt = c.now()
	c.staleTripped = false
	c.mu.Unlock()
}

func (c *Conn) runDialLoop() {
	defer c.wg.Done()
	defer c.logger.Println("Conn: dial loop exiting")

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		if !c.isEnabled() {
			select {
			case <-c.ctx.Done():
				return
			case <-c.kick:
			}
			continue
		}

		c.setState(StateConnecting)
		ws, err := websocket.DialConfig(c.config)
		if err != nil {
			c.setState(StateClosed)
			c.mu.Lock()
			c.attempt++
			delay := backoffDelay(c.attempt)
			c.mu.Unlock()
			c.logger.Printf("Conn: dial failed (attempt %d, retry in %v): %v", c.attempt, delay, err)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		c.mu.Lock()
		if !c.enabled {
			// Disabled while the dial was in flight.
			c.mu.Unlock()
			ws.Close()
			c.setState(StateClosed)
			continue
		}
		c.ws = ws
		c.mu.Unlock()

		c.setState(StateOpen)
		c.readLoop(ws)

		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
		}
		c.mu.Unlock()
		ws.Close()
		c.setState(StateClosed)
	}
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		var raw []byte
		if err := websocket.Message.Receive(ws, &raw); err != nil {
			c.logger.Printf("Conn: read loop ended: %v", err)
			return
		}
		msg, err := ParseMessage(raw)
		if err != nil {
			c.logger.Printf("Conn: dropping frame: %v", err)
			continue
		}
		c.touch()
		c.messageEvent.Notify(msg)
	}
}

func (c *Conn) runWatchdog() {
	defer c.wg.Done()
	defer c.logger.Println("Conn: watchdog exiting")

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.checkStale(c.clock()) {
				c.logger.Printf("Conn: no traffic for %v, forcing reconnect", handshakeTimeout)
				c.SetEnabled(false)
				time.AfterFunc(reconnectPause, func() { c.SetEnabled(true) })
			}
		}
	}
}

// clock reads the time source under the lock; tests swap it out.
func (c *Conn) clock() time.Time {
	c.mu.RLock()
	now := c.now
	c.mu.RUnlock()
	return now()
}

// checkStale performs one watchdog evaluation. It trips at most once per
// stale window: the flag is cleared only by inbound traffic or a fresh open.
func (c *Conn) checkStale(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen || !c.enabled || c.staleTripped {
		return false
	}
	if now.Sub(c.lastMessageAt) <= handshakeTimeout {
		return false
	}
	c.staleTripped = true
	return true
}

func backoffDelay(attempt int) time.Duration {
	delay := time.Duration(attempt) * backoffStep
	if delay < backoffStep {
		delay = backoffStep
	}
	if delay > backoffMax {
		delay = backoffMax
	}
	return delay
}
