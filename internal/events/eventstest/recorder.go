// Package eventstest provides an in-memory events.Emitter for tests.
package eventstest

import (
	"context"
	"sync"
	"time"
)

// Recorded is one emitted event.
type Recorded struct {
	Name    string
	Payload any
}

// Recorder captures emitted events in order.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
	notify chan struct{}
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// Emit implements events.Emitter.
func (r *Recorder) Emit(_ context.Context, name string, payload any) {
	r.mu.Lock()
	r.events = append(r.events, Recorded{Name: name, Payload: payload})
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.events...)
}

// Named returns the payloads of events called name, in order.
func (r *Recorder) Named(name string) []any {
	var out []any
	for _, e := range r.Events() {
		if e.Name == name {
			out = append(out, e.Payload)
		}
	}
	return out
}

// Names returns the event names in emission order.
func (r *Recorder) Names() []string {
	evs := r.Events()
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Name
	}
	return out
}

// WaitFor blocks until an event called name has been recorded n times or
// timeout elapses, and reports whether it was.
func (r *Recorder) WaitFor(name string, n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if len(r.Named(name)) >= n {
			return true
		}
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline.C:
			return len(r.Named(name)) >= n
		}
	}
}
