package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChannelEvent(t *testing.T) {
	event := NewChannelEvent[string](false)
	require.NotNil(t, event)
	assert.Equal(t, 0, event.ListenerCount())
	assert.False(t, event.replayLast)

	event2 := NewChannelEvent[int](true)
	require.NotNil(t, event2)
	assert.True(t, event2.replayLast)
}

func TestChannelEvent_ListenNotify(t *testing.T) {
	event := NewChannelEvent[string](false)

	ch := make(chan string, 10)
	unregister := event.Listen(ch)
	assert.Equal(t, 1, event.ListenerCount())

	event.Notify("test1")
	event.Notify("test2")

	received := make([]string, 0)
	for len(received) < 2 {
		select {
		case val := <-ch:
			received = append(received, val)
		case <-time.After(100 * time.Millisecond):
			t.Fatal("Timeout waiting for events")
		}
	}
	assert.Contains(t, received, "test1")
	assert.Contains(t, received, "test2")

	unregister()
	assert.Equal(t, 0, event.ListenerCount())

	event.Notify("test3")
	select {
	case val := <-ch:
		t.Errorf("Unexpected value received after unregister: %s", val)
	default:
	}
}

func TestChannelEvent_ReplayLast(t *testing.T) {
	event := NewChannelEvent[string](true)

	// Nothing notified yet, so nothing to replay.
	ch1 := make(chan string, 10)
	unregister1 := event.Listen(ch1)
	select {
	case val := <-ch1:
		t.Errorf("Unexpected value received: %s", val)
	default:
	}

	event.Notify("first-event")
	select {
	case val := <-ch1:
		assert.Equal(t, "first-event", val)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for first event")
	}

	// A late listener receives the last value immediately.
	ch2 := make(chan string, 10)
	unregister2 := event.Listen(ch2)
	select {
	case val := <-ch2:
		assert.Equal(t, "first-event", val)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for replayed event")
	}

	unregister1()
	unregister2()
}

func TestChannelEvent_NoReplayWhenDisabled(t *testing.T) {
	event := NewChannelEvent[string](false)

	event.Notify("first-event")

	ch := make(chan string, 10)
	unregister := event.Listen(ch)
	select {
	case val := <-ch:
		t.Errorf("Unexpected value received: %s", val)
	default:
	}

	event.Notify("second-event")
	select {
	case val := <-ch:
		assert.Equal(t, "second-event", val)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for second event")
	}

	unregister()
}

func TestChannelEvent_NilChannelPanics(t *testing.T) {
	event := NewChannelEvent[string](false)
	assert.Panics(t, func() {
		event.Listen(nil)
	})
}

func TestChannelEvent_FullChannelSkipped(t *testing.T) {
	event := NewChannelEvent[string](false)

	ch := make(chan string, 1)
	unregister := event.Listen(ch)

	ch <- "blocking"

	event.Notify("test1")
	event.Notify("test2")
	assert.Equal(t, 1, len(ch))

	<-ch

	event.Notify("test3")
	select {
	case val := <-ch:
		assert.Equal(t, "test3", val)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for test3")
	}

	unregister()
}

func TestChannelEvent_ConcurrentAccess(t *testing.T) {
	event := NewChannelEvent[int](false)

	channels := make([]chan int, 10)
	unregisters := make([]func(), 10)
	for i := 0; i < 10; i++ {
		ch := make(chan int, 100)
		channels[i] = ch
		unregisters[i] = event.Listen(ch)
	}
	assert.Equal(t, 10, event.ListenerCount())

	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		go func(value int) {
			defer wg.Done()
			event.Notify(value)
		}(i)
	}
	wg.Wait()

	for i, ch := range channels {
		received := make([]int, 0)
		for len(received) < 5 {
			select {
			case val := <-ch:
				received = append(received, val)
			case <-time.After(200 * time.Millisecond):
				t.Fatalf("Channel %d did not receive all values. Got %d", i, len(received))
			}
		}
	}

	for _, unregister := range unregisters {
		unregister()
	}
}
