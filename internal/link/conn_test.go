package link

import (
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, 1*time.Second, backoffDelay(0))
	assert.Equal(t, 1*time.Second, backoffDelay(1))
	assert.Equal(t, 2*time.Second, backoffDelay(2))
	assert.Equal(t, 5*time.Second, backoffDelay(5))
	assert.Equal(t, 10*time.Second, backoffDelay(10))
	// Capped, never grows past the max.
	assert.Equal(t, 10*time.Second, backoffDelay(11))
	assert.Equal(t, 10*time.Second, backoffDelay(100))
}

func TestCheckStale_TripsOncePerWindow(t *testing.T) {
	start := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	c := &Conn{
		logger:        testLogger(),
		state:         StateOpen,
		enabled:       true,
		lastMessageAt: start,
	}

	// Within the window nothing trips.
	assert.False(t, c.checkStale(start.Add(14*time.Second)))

	// Past the window it trips exactly once.
	assert.True(t, c.checkStale(start.Add(16*time.Second)))
	assert.False(t, c.checkStale(start.Add(17*time.Second)))
	assert.False(t, c.checkStale(start.Add(60*time.Second)))
}

func TestCheckStale_ClearedByTraffic(t *testing.T) {
	start := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	clock := start
	c := &Conn{
		logger:        testLogger(),
		state:         StateOpen,
		enabled:       true,
		lastMessageAt: start,
		now:           func() time.Time { return clock },
	}

	require.True(t, c.checkStale(start.Add(16*time.Second)))

	// Inbound traffic re-arms the watchdog.
	clock = start.Add(20 * time.Second)
	c.touch()

	assert.False(t, c.checkStale(start.Add(30*time.Second)))
	assert.True(t, c.checkStale(start.Add(36*time.Second)))
}

func TestCheckStale_RequiresOpenAndEnabled(t *testing.T) {
	start := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	late := start.Add(time.Minute)

	closed := &Conn{logger: testLogger(), state: StateClosed, enabled: true, lastMessageAt: start}
	assert.False(t, closed.checkStale(late))

	disabled := &Conn{logger: testLogger(), state: StateOpen, enabled: false, lastMessageAt: start}
	assert.False(t, disabled.checkStale(late))
}

func TestNewConn_InvalidURL(t *testing.T) {
	_, err := NewConn("://not-a-url", testLogger())
	assert.Error(t, err)
}

func TestConn_ReceivesFrames(t *testing.T) {
	frames := make(chan string, 1)
	server := httptest.NewServer(websocket.Handler(func(ws *websocket.Conn) {
		websocket.Message.Send(ws, `{"name":"left","calibrated":55}`)
		var raw string
		if err := websocket.Message.Receive(ws, &raw); err == nil {
			frames <- raw
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, err := NewConn(wsURL, testLogger())
	require.NoError(t, err)
	defer conn.Shutdown()

	states := make(chan State, 8)
	conn.ListenToState(states)

	messages := make(chan Message, 8)
	conn.ListenToMessages(func(msg Message) {
		select {
		case messages <- msg:
		default:
		}
	})

	waitForState(t, states, StateOpen)

	select {
	case msg := <-messages:
		assert.Equal(t, EventPosition, msg.Event)
		assert.Equal(t, NameLeft, msg.Name)
		require.NotNil(t, msg.Calibrated)
		assert.Equal(t, 55.0, *msg.Calibrated)
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for inbound frame")
	}

	require.NoError(t, conn.Send(NewThresholdCommand(NameLeft, 70)))
	select {
	case raw := <-frames:
		assert.Contains(t, raw, `"threshold":70`)
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for outbound frame")
	}
}

func TestConn_SetEnabledFalseClosesSocket(t *testing.T) {
	server := httptest.NewServer(websocket.Handler(func(ws *websocket.Conn) {
		var raw string
		websocket.Message.Receive(ws, &raw)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, err := NewConn(wsURL, testLogger())
	require.NoError(t, err)
	defer conn.Shutdown()

	states := make(chan State, 8)
	conn.ListenToState(states)
	waitForState(t, states, StateOpen)

	conn.SetEnabled(false)
	waitForState(t, states, StateClosed)

	assert.Error(t, conn.Send(NewThresholdCommand(NameLeft, 70)))

	conn.SetEnabled(true)
	waitForState(t, states, StateOpen)
}

func TestConn_WatchdogForcesReconnectOnSilence(t *testing.T) {
	// The server greets each connection once and then goes silent while
	// keeping the socket open, so only the watchdog can notice it is dead.
	accepted := make(chan struct{}, 4)
	release := make(chan struct{})
	server := httptest.NewServer(websocket.Handler(func(ws *websocket.Conn) {
		accepted <- struct{}{}
		websocket.Message.Send(ws, `{"event":"handshake","name":""}`)
		<-release
	}))
	defer server.Close()
	defer close(release)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, err := NewConn(wsURL, testLogger())
	require.NoError(t, err)
	defer conn.Shutdown()

	states := make(chan State, 16)
	conn.ListenToState(states)
	waitForState(t, states, StateOpen)
	waitForAccept(t, accepted)

	// Jump the clock past the silence limit while no frames arrive.
	conn.mu.Lock()
	conn.now = func() time.Time { return time.Now().Add(handshakeTimeout + time.Second) }
	conn.mu.Unlock()

	// One forced cycle: drop the link, then re-dial after the pause.
	waitForState(t, states, StateClosed)
	waitForState(t, states, StateOpen)
	waitForAccept(t, accepted)

	// The fresh open reset the silence clock, so the same stale window
	// cannot trip the watchdog again.
	time.Sleep(1300 * time.Millisecond)
	select {
	case <-accepted:
		t.Fatal("Watchdog reconnected again without a new silence window")
	default:
	}
}

func waitForAccept(t *testing.T, accepted <-chan struct{}) {
	t.Helper()
	select {
	case <-accepted:
	case <-time.After(3 * time.Second):
		t.Fatal("Timeout waiting for the server to accept a connection")
	}
}

func TestConn_SendWhileClosed(t *testing.T) {
	conn, err := NewConn("ws://127.0.0.1:1/ws", testLogger())
	require.NoError(t, err)
	defer conn.Shutdown()

	assert.Error(t, conn.Send(NewThresholdCommand(NameLeft, 70)))
}

func waitForState(t *testing.T, states <-chan State, want State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case state := <-states:
			if state == want {
				return
			}
		case <-deadline:
			t.Fatalf("Timeout waiting for state %s", want)
		}
	}
}
