package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/unforced/thinking-space/internal/common/logger"
	"github.com/unforced/thinking-space/internal/events/bus"
	"github.com/unforced/thinking-space/internal/tracing"
)

// Emitter publishes observer events. Emission never fails the caller:
// delivery problems are logged, not returned.
type Emitter interface {
	Emit(ctx context.Context, name string, payload any)
}

// BusEmitter publishes every event on one bus subject, in call order.
type BusEmitter struct {
	bus     bus.EventBus
	subject string
	source  string
	logger  *logger.Logger
}

// NewBusEmitter creates an emitter publishing on subject.
func NewBusEmitter(b bus.EventBus, subject string, log *logger.Logger) *BusEmitter {
	return &BusEmitter{
		bus:     b,
		subject: subject,
		source:  "agent",
		logger:  log.WithComponent("events"),
	}
}

// Emit publishes name with payload.
func (e *BusEmitter) Emit(ctx context.Context, name string, payload any) {
	event := bus.NewEvent(name, e.source, payload)
	tracing.TraceEvent(ctx, name, requestIDOf(payload))

	if err := e.bus.Publish(ctx, e.subject, event); err != nil {
		e.logger.Error("failed to publish event",
			zap.String("event_type", name),
			zap.String("subject", e.subject),
			zap.Error(err))
	}
}

func requestIDOf(payload any) string {
	switch p := payload.(type) {
	case MessageChunkPayload:
		return p.RequestID
	case ToolCallPayload:
		return p.RequestID
	case ToolCallUpdatePayload:
		return p.RequestID
	case PermissionRequestPayload:
		return p.CurrentRequestID
	case MessageCompletePayload:
		return p.RequestID
	case MessageErrorPayload:
		return p.RequestID
	case MaxTokensPayload:
		return p.RequestID
	}
	return ""
}
