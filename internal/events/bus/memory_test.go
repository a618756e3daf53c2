package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unforced/thinking-space/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNewMemoryEventBus(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))

	if !bus.IsConnected() {
		t.Error("Expected bus to be connected")
	}
	bus.Close()
	if bus.IsConnected() {
		t.Error("Expected bus to be disconnected after Close")
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	received := make(chan *Event, 1)
	sub, err := bus.Subscribe("agent.events", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	event := NewEvent("agent-ready", "agent", map[string]string{"agentName": "mock"})
	if err := bus.Publish(context.Background(), "agent.events", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID {
			t.Errorf("Expected event ID %s, got %s", event.ID, e.ID)
		}
		if e.Type != "agent-ready" {
			t.Errorf("Expected event type agent-ready, got %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

func TestMemoryEventBus_MultipleSubscribers(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var count int32
	for i := 0; i < 3; i++ {
		_, err := bus.Subscribe("agent.events", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	if err := bus.Publish(context.Background(), "agent.events", NewEvent("tool-call", "agent", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&count) == 3 })
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	var count int32
	sub, err := bus.Subscribe("agent.events", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := bus.Publish(ctx, "agent.events", NewEvent("a", "agent", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&count) == 1 })

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after unsubscribe")
	}

	if err := bus.Publish(ctx, "agent.events", NewEvent("b", "agent", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("Expected 1 handler call, got %d", got)
	}
}

func TestMemoryEventBus_Wildcards(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{pattern: "agent.events", subject: "agent.events", want: true},
		{pattern: "agent.events", subject: "agent.other", want: false},
		{pattern: "agent.*", subject: "agent.events", want: true},
		{pattern: "agent.*", subject: "agent.events.extra", want: false},
		{pattern: "agent.>", subject: "agent.events.extra", want: true},
		{pattern: "agent.>", subject: "other.events", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.subject, func(t *testing.T) {
			if got := matches(tt.subject, tt.pattern, compilePattern(tt.pattern)); got != tt.want {
				t.Errorf("matches(%q, %q) = %v, want %v", tt.subject, tt.pattern, got, tt.want)
			}
		})
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))

	sub, err := bus.Subscribe("agent.events", func(ctx context.Context, event *Event) error { return nil })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	bus.Close()

	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after Close")
	}
	if err := bus.Publish(context.Background(), "agent.events", NewEvent("a", "agent", nil)); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Expected ErrBusClosed, got %v", err)
	}
	if _, err := bus.Subscribe("agent.events", nil); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Expected ErrBusClosed, got %v", err)
	}
}

// TestMemoryEventBus_MessageOrderingWithSlowHandler verifies a subscriber
// sees events in publish order even when its handler is slower than the
// publisher and its queue fills up.
func TestMemoryEventBus_MessageOrderingWithSlowHandler(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t), WithBufferSize(4))
	defer bus.Close()

	const numEvents = 50
	var mu sync.Mutex
	receivedOrder := make([]int, 0, numEvents)

	_, err := bus.Subscribe("agent.events", func(ctx context.Context, event *Event) error {
		if event.Data.(int)%7 == 0 {
			time.Sleep(2 * time.Millisecond)
		}
		mu.Lock()
		receivedOrder = append(receivedOrder, event.Data.(int))
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for i := 0; i < numEvents; i++ {
		if err := bus.Publish(context.Background(), "agent.events", NewEvent("seq", "test", i)); err != nil {
			t.Fatalf("Publish failed at seq %d: %v", i, err)
		}
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(receivedOrder) == numEvents
	})

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range receivedOrder {
		if seq != i {
			t.Fatalf("Message ordering violation at position %d: got seq %d", i, seq)
		}
	}
}

func TestMemoryEventBus_PublishHonoursContextWhenSubscriberIsStuck(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t), WithBufferSize(1))
	defer bus.Close()

	block := make(chan struct{})
	defer close(block)
	_, err := bus.Subscribe("agent.events", func(ctx context.Context, event *Event) error {
		<-block
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var lastErr error
	for i := 0; i < 3 && lastErr == nil; i++ {
		lastErr = bus.Publish(ctx, "agent.events", NewEvent("seq", "test", i))
	}
	if !errors.Is(lastErr, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", lastErr)
	}
}

func TestNewEvent(t *testing.T) {
	e1 := NewEvent("agent-ready", "agent", nil)
	e2 := NewEvent("agent-ready", "agent", nil)

	if e1.ID == "" || e1.ID == e2.ID {
		t.Errorf("Expected unique non-empty ids, got %q and %q", e1.ID, e2.ID)
	}
	if e1.Timestamp.IsZero() || e1.Timestamp.Location() != time.UTC {
		t.Errorf("Expected UTC timestamp, got %v", e1.Timestamp)
	}
}
