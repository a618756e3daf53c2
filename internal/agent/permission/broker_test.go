package permission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unforced/thinking-space/internal/common/logger"
	"github.com/unforced/thinking-space/internal/events"
	"github.com/unforced/thinking-space/internal/events/eventstest"
)

func testRequest(toolCallID string) Request {
	return Request{
		SessionID:  "sess-1",
		ToolCallID: toolCallID,
		Title:      "Write config.yaml",
		Kind:       "edit",
		RawInput:   map[string]any{"path": "/tmp/config.yaml"},
		Options: []Option{
			{ID: "allow", Name: "Allow", Kind: OptionKindAllowOnce},
			{ID: "reject", Name: "Reject", Kind: OptionKindRejectOnce},
		},
	}
}

// requestAsync starts a Request and returns the correlation id it emitted.
func requestAsync(t *testing.T, b *Broker, rec *eventstest.Recorder, req Request) (string, <-chan result) {
	t.Helper()
	before := len(rec.Named(events.PermissionRequest))
	out := make(chan result, 1)
	go func() {
		o, err := b.Request(context.Background(), req)
		out <- result{o, err}
	}()
	require.True(t, rec.WaitFor(events.PermissionRequest, before+1, 2*time.Second))
	payload := rec.Named(events.PermissionRequest)[before].(events.PermissionRequestPayload)
	return payload.RequestID, out
}

type result struct {
	outcome *Outcome
	err     error
}

func await(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("permission waiter did not resolve")
		return result{}
	}
}

func TestBroker_SelectedOption(t *testing.T) {
	rec := eventstest.NewRecorder()
	b := NewBroker(rec, logger.NewNop(), WithRequestIDLookup(func(sessionID string) string {
		assert.Equal(t, "sess-1", sessionID)
		return "req-42"
	}))

	id, out := requestAsync(t, b, rec, testRequest("tc-1"))

	payload := rec.Named(events.PermissionRequest)[0].(events.PermissionRequestPayload)
	assert.Equal(t, "tc-1", payload.ToolCallID)
	assert.Equal(t, "Write config.yaml", payload.Title)
	assert.Equal(t, "edit", payload.Kind)
	assert.Equal(t, "req-42", payload.CurrentRequestID)
	assert.Len(t, payload.Options, 2)
	assert.Equal(t, 1, b.Count())

	require.NoError(t, b.Respond(id, Decision{OptionID: "allow"}))
	r := await(t, out)
	require.NoError(t, r.err)
	assert.Equal(t, "allow", r.outcome.OptionID)
	assert.False(t, r.outcome.Cancelled)
	assert.Zero(t, b.Count())
}

func TestBroker_CancelledDecisionIsNotAnError(t *testing.T) {
	rec := eventstest.NewRecorder()
	b := NewBroker(rec, logger.NewNop())

	id, out := requestAsync(t, b, rec, testRequest("tc-1"))
	require.NoError(t, b.Respond(id, Decision{Cancelled: true}))

	r := await(t, out)
	require.NoError(t, r.err)
	assert.True(t, r.outcome.Cancelled)
}

func TestBroker_MalformedDecisionFailsWaiter(t *testing.T) {
	rec := eventstest.NewRecorder()
	b := NewBroker(rec, logger.NewNop())

	id, out := requestAsync(t, b, rec, testRequest("tc-1"))
	require.NoError(t, b.Respond(id, Decision{}))

	r := await(t, out)
	assert.ErrorIs(t, r.err, ErrMalformedDecision)
}

func TestBroker_UnknownAndDuplicateDecisions(t *testing.T) {
	rec := eventstest.NewRecorder()
	b := NewBroker(rec, logger.NewNop())

	assert.ErrorIs(t, b.Respond("nope", Decision{OptionID: "allow"}), ErrRequestNotFound)

	id, out := requestAsync(t, b, rec, testRequest("tc-1"))
	require.NoError(t, b.Respond(id, Decision{OptionID: "allow"}))
	await(t, out)

	assert.ErrorIs(t, b.Respond(id, Decision{OptionID: "allow"}), ErrRequestNotFound)
}

func TestBroker_ConcurrentRequestsGetTheirOwnDecision(t *testing.T) {
	rec := eventstest.NewRecorder()
	b := NewBroker(rec, logger.NewNop())
	const n = 10

	var wg sync.WaitGroup
	results := make([]result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, err := b.Request(context.Background(), testRequest(fmt.Sprintf("tc-%d", i)))
			results[i] = result{o, err}
		}(i)
	}
	require.True(t, rec.WaitFor(events.PermissionRequest, n, 2*time.Second))

	// Answer in reverse emission order; each decision names its tool call.
	payloads := rec.Named(events.PermissionRequest)
	for i := len(payloads) - 1; i >= 0; i-- {
		p := payloads[i].(events.PermissionRequestPayload)
		require.NoError(t, b.Respond(p.RequestID, Decision{OptionID: "opt-" + p.ToolCallID}))
	}
	wg.Wait()

	for i, r := range results {
		require.NoError(t, r.err)
		assert.Equal(t, fmt.Sprintf("opt-tc-%d", i), r.outcome.OptionID)
	}
}

func TestBroker_CancelAllUnblocksWaiters(t *testing.T) {
	rec := eventstest.NewRecorder()
	b := NewBroker(rec, logger.NewNop())

	_, out1 := requestAsync(t, b, rec, testRequest("tc-1"))
	_, out2 := requestAsync(t, b, rec, testRequest("tc-2"))

	assert.Equal(t, 2, b.CancelAll())
	assert.ErrorIs(t, await(t, out1).err, ErrBrokerClosed)
	assert.ErrorIs(t, await(t, out2).err, ErrBrokerClosed)

	// Still usable afterwards.
	id, out := requestAsync(t, b, rec, testRequest("tc-3"))
	require.NoError(t, b.Respond(id, Decision{OptionID: "allow"}))
	assert.NoError(t, await(t, out).err)
}

func TestBroker_ContextCancellation(t *testing.T) {
	rec := eventstest.NewRecorder()
	b := NewBroker(rec, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan error, 1)
	go func() {
		_, err := b.Request(ctx, testRequest("tc-1"))
		out <- err
	}()
	require.True(t, rec.WaitFor(events.PermissionRequest, 1, 2*time.Second))
	cancel()

	select {
	case err := <-out:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("waiter ignored context cancellation")
	}
	assert.Zero(t, b.Count())
}

func TestBroker_NoOptionsCancels(t *testing.T) {
	rec := eventstest.NewRecorder()
	b := NewBroker(rec, logger.NewNop())

	req := testRequest("tc-1")
	req.Options = nil
	o, err := b.Request(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, o.Cancelled)
	assert.Empty(t, rec.Events())
}

func TestBroker_AutoApprovePicksFirstAllowOption(t *testing.T) {
	rec := eventstest.NewRecorder()
	b := NewBroker(rec, logger.NewNop(), WithAutoApprove(true))

	req := testRequest("tc-1")
	req.Options = []Option{
		{ID: "reject", Kind: OptionKindRejectOnce},
		{ID: "always", Kind: OptionKindAllowAlways},
	}
	o, err := b.Request(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "always", o.OptionID)
	assert.Empty(t, rec.Events(), "auto-approve does not ask the observer")
}

func TestACPTranslation(t *testing.T) {
	title := "Run tests"
	kind := acp.ToolKind("execute")
	req := FromACP(acp.RequestPermissionRequest{
		SessionId: acp.SessionId("sess-1"),
		ToolCall: acp.ToolCallUpdate{
			ToolCallId: acp.ToolCallId("tc-1"),
			Title:      &title,
			Kind:       &kind,
			RawInput:   map[string]any{"command": "go test"},
		},
		Options: []acp.PermissionOption{
			{OptionId: acp.PermissionOptionId("allow"), Name: "Allow", Kind: acp.PermissionOptionKindAllowOnce},
		},
	})
	assert.Equal(t, "sess-1", req.SessionID)
	assert.Equal(t, "tc-1", req.ToolCallID)
	assert.Equal(t, "Run tests", req.Title)
	assert.Equal(t, "execute", req.Kind)
	require.Len(t, req.Options, 1)
	assert.Equal(t, OptionKindAllowOnce, req.Options[0].Kind)

	selected := (&Outcome{OptionID: "allow"}).ToACP()
	require.NotNil(t, selected.Outcome.Selected)
	assert.Equal(t, acp.PermissionOptionId("allow"), selected.Outcome.Selected.OptionId)

	cancelled := (&Outcome{Cancelled: true}).ToACP()
	assert.NotNil(t, cancelled.Outcome.Cancelled)
	assert.Nil(t, cancelled.Outcome.Selected)
}
