// Package permission brokers agent approval requests to the external
// observer and blocks the calling protocol handler until the matching
// decision arrives.
//
// Every outstanding request owns a one-shot response slot keyed by its
// correlation id, so a decision can only ever wake the waiter that created it.
package permission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unforced/thinking-space/internal/common/logger"
	"github.com/unforced/thinking-space/internal/events"
)

var (
	// ErrRequestNotFound is returned for decisions whose id is unknown or
	// already resolved.
	ErrRequestNotFound = errors.New("permission request not found")
	// ErrBrokerClosed fails waiters whose adapter connection went away.
	ErrBrokerClosed = errors.New("permission broker closed")
	// ErrMalformedDecision is returned to a waiter whose decision named
	// neither cancellation nor an option.
	ErrMalformedDecision = errors.New("malformed permission decision")
)

// Option kinds, as sent by the adapter.
const (
	OptionKindAllowOnce    = "allow_once"
	OptionKindAllowAlways  = "allow_always"
	OptionKindRejectOnce   = "reject_once"
	OptionKindRejectAlways = "reject_always"
)

// Option is one choice offered for a tool call.
type Option struct {
	ID   string
	Name string
	Kind string
}

// Request is an approval request for a proposed tool call.
type Request struct {
	SessionID  string
	ToolCallID string
	Title      string
	Kind       string
	RawInput   any
	Options    []Option
}

// Decision is what the approver answered.
type Decision struct {
	OptionID  string
	Cancelled bool
}

// Outcome is what is reported back to the adapter.
type Outcome struct {
	Cancelled bool
	OptionID  string
}

// Pending describes an outstanding request.
type Pending struct {
	ID         string    `json:"requestId"`
	SessionID  string    `json:"sessionId"`
	ToolCallID string    `json:"toolCallId"`
	Title      string    `json:"title"`
	CreatedAt  time.Time `json:"createdAt"`
}

type pendingRequest struct {
	info Pending
	slot chan Decision
}

// RequestIDLookup returns the logical request id currently active for a session.
type RequestIDLookup func(sessionID string) string

// Broker correlates permission requests with decisions.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest

	emitter          events.Emitter
	currentRequestID RequestIDLookup
	autoApprove      bool
	logger           *logger.Logger
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithRequestIDLookup attaches the active logical request id to emitted requests.
func WithRequestIDLookup(fn RequestIDLookup) BrokerOption {
	return func(b *Broker) {
		b.currentRequestID = fn
	}
}

// WithAutoApprove answers every request with its first allow option
// instead of asking the observer.
func WithAutoApprove(enabled bool) BrokerOption {
	return func(b *Broker) {
		b.autoApprove = enabled
	}
}

// NewBroker creates a broker emitting permission-request events on emitter.
func NewBroker(emitter events.Emitter, log *logger.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		pending: make(map[string]*pendingRequest),
		emitter: emitter,
		logger:  log.WithComponent("permission"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Request emits a permission-request event and blocks until a decision for
// it arrives, ctx is done, or the broker is cancelled.
func (b *Broker) Request(ctx context.Context, req Request) (*Outcome, error) {
	if len(req.Options) == 0 {
		b.logger.Warn("permission request without options, cancelling",
			zap.String("session_id", req.SessionID),
			zap.String("tool_call_id", req.ToolCallID))
		return &Outcome{Cancelled: true}, nil
	}
	if b.autoApprove {
		return b.approve(req), nil
	}

	p := &pendingRequest{
		info: Pending{
			ID:         uuid.New().String(),
			SessionID:  req.SessionID,
			ToolCallID: req.ToolCallID,
			Title:      req.Title,
			CreatedAt:  time.Now().UTC(),
		},
		slot: make(chan Decision, 1),
	}
	id := p.info.ID

	b.mu.Lock()
	b.pending[id] = p
	b.mu.Unlock()
	defer b.remove(id)

	current := ""
	if b.currentRequestID != nil {
		current = b.currentRequestID(req.SessionID)
	}

	b.logger.Info("requesting permission",
		zap.String("permission_id", id),
		zap.String("session_id", req.SessionID),
		zap.String("tool_call_id", req.ToolCallID),
		zap.String("title", req.Title),
		zap.Int("num_options", len(req.Options)))

	b.emitter.Emit(ctx, events.PermissionRequest, events.PermissionRequestPayload{
		RequestID:        id,
		SessionID:        req.SessionID,
		ToolCallID:       req.ToolCallID,
		Title:            req.Title,
		Kind:             req.Kind,
		RawInput:         req.RawInput,
		Options:          toEventOptions(req.Options),
		CurrentRequestID: current,
	})

	select {
	case d, ok := <-p.slot:
		if !ok {
			return nil, ErrBrokerClosed
		}
		return resolve(id, d)
	case <-ctx.Done():
		return nil, fmt.Errorf("permission %s: %w", id, ctx.Err())
	}
}

// Respond delivers a decision to the waiter that created requestID. A
// malformed decision still wakes the waiter, which then fails.
func (b *Broker) Respond(requestID string, d Decision) error {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Warn("decision for unknown or resolved permission request",
			zap.String("permission_id", requestID))
		return fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}

	p.slot <- d
	b.logger.Debug("permission decision delivered",
		zap.String("permission_id", requestID),
		zap.String("option_id", d.OptionID),
		zap.Bool("cancelled", d.Cancelled))
	return nil
}

// CancelAll fails every outstanding waiter with ErrBrokerClosed. The broker
// stays usable for later requests.
func (b *Broker) CancelAll() int {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[string]*pendingRequest)
	b.mu.Unlock()

	for _, p := range pending {
		close(p.slot)
	}
	if len(pending) > 0 {
		b.logger.Info("cancelled outstanding permission requests", zap.Int("count", len(pending)))
	}
	return len(pending)
}

// Pending lists outstanding requests, oldest first.
func (b *Broker) Pending() []Pending {
	b.mu.Lock()
	out := make([]Pending, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.info)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of outstanding requests.
func (b *Broker) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Broker) remove(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// approve picks the first allow option, or the first option if none allows.
func (b *Broker) approve(req Request) *Outcome {
	selected := req.Options[0]
	for _, opt := range req.Options {
		if opt.Kind == OptionKindAllowOnce || opt.Kind == OptionKindAllowAlways {
			selected = opt
			break
		}
	}
	b.logger.Info("auto-approving permission request",
		zap.String("session_id", req.SessionID),
		zap.String("tool_call_id", req.ToolCallID),
		zap.String("option_id", selected.ID),
		zap.String("kind", selected.Kind))
	return &Outcome{OptionID: selected.ID}
}

func resolve(id string, d Decision) (*Outcome, error) {
	switch {
	case d.Cancelled:
		return &Outcome{Cancelled: true}, nil
	case d.OptionID != "":
		return &Outcome{OptionID: d.OptionID}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrMalformedDecision, id)
	}
}

func toEventOptions(opts []Option) []events.PermissionOption {
	out := make([]events.PermissionOption, len(opts))
	for i, o := range opts {
		out[i] = events.PermissionOption{OptionID: o.ID, Name: o.Name, Kind: o.Kind}
	}
	return out
}
