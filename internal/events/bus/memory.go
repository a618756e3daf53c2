package bus

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/unforced/thinking-space/internal/common/logger"
)

const defaultBufferSize = 256

// MemoryOption configures a MemoryEventBus.
type MemoryOption func(*MemoryEventBus)

// WithBufferSize sets how many events may queue per subscriber before
// Publish waits for that subscriber to catch up.
func WithBufferSize(n int) MemoryOption {
	return func(b *MemoryEventBus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// MemoryEventBus implements EventBus in process. Every subscription owns a
// queue drained by a single goroutine, so a subscriber sees events in the
// order they were published. Publish applies backpressure instead of
// dropping events when a subscriber's queue is full.
type MemoryEventBus struct {
	subscriptions map[string][]*memorySubscription
	mu            sync.RWMutex
	logger        *logger.Logger
	bufferSize    int
	closed        bool
}

// memorySubscription represents an in-memory subscription
type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // For wildcard matching
	handler EventHandler
	queue   chan *Event
	done    chan struct{}
	stop    sync.Once
}

// Unsubscribe removes the subscription. Events already queued are discarded.
func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	if subs, ok := s.bus.subscriptions[s.subject]; ok {
		for i, sub := range subs {
			if sub == s {
				s.bus.subscriptions[s.subject] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(s.bus.subscriptions[s.subject]) == 0 {
			delete(s.bus.subscriptions, s.subject)
		}
	}
	s.bus.mu.Unlock()

	s.deactivate()
	return nil
}

// IsValid returns whether the subscription is still active
func (s *memorySubscription) IsValid() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *memorySubscription) deactivate() {
	s.stop.Do(func() { close(s.done) })
}

func (s *memorySubscription) run() {
	for {
		select {
		case <-s.done:
			return
		case event := <-s.queue:
			if err := s.handler(context.Background(), event); err != nil {
				s.bus.logger.Error("Event handler error",
					zap.String("subject", s.subject),
					zap.String("event_type", event.Type),
					zap.Error(err))
			}
		}
	}
}

func (s *memorySubscription) enqueue(ctx context.Context, event *Event) error {
	select {
	case s.queue <- event:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewMemoryEventBus creates a new in-memory event bus
func NewMemoryEventBus(log *logger.Logger, opts ...MemoryOption) *MemoryEventBus {
	b := &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log,
		bufferSize:    defaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish queues the event for every matching subscriber. It returns once
// the event is queued everywhere, not once it has been handled.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	var targets []*memorySubscription
	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			if matches(subject, pattern, sub.pattern) {
				targets = append(targets, sub)
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if err := sub.enqueue(ctx, event); err != nil {
			return err
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.Int("subscribers", len(targets)))

	return nil
}

// Subscribe creates a subscription to a subject pattern
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		queue:   make(chan *Event, b.bufferSize),
		done:    make(chan struct{}),
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	go sub.run()

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// Close closes the event bus
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.deactivate()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)

	b.logger.Info("Memory event bus closed")
}

// IsConnected returns true until the bus is closed
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// matches checks if a subject matches a pattern
// Supports NATS-style wildcards: * (single token) and > (multiple tokens)
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return subject == pattern
	}
	if regex != nil {
		return regex.MatchString(subject)
	}
	return false
}

// compilePattern converts NATS-style pattern to regex
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, ">", `.+`) // QuoteMeta leaves > alone
	escaped = "^" + escaped + "$"

	regex, err := regexp.Compile(escaped)
	if err != nil {
		return nil
	}
	return regex
}
