package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/unforced/thinking-space/internal/common/logger"
)

// maxLineSize bounds a single envelope line.
const maxLineSize = 10 * 1024 * 1024

var (
	// ErrConnectionClosed is returned to every caller waiting on a Conn that
	// has been closed or whose input stream ended.
	ErrConnectionClosed = errors.New("jsonrpc: connection closed")
	// ErrUnmatchedResponse is reported when a response id has no waiter.
	ErrUnmatchedResponse = errors.New("jsonrpc: response id has no pending request")
	// ErrMalformedMessage is reported for lines that are not a valid envelope.
	ErrMalformedMessage = errors.New("jsonrpc: malformed message")
)

// RequestHandler answers a request initiated by the peer. It runs on its own
// goroutine, so it may block (for example on a user decision) without stalling
// the read loop. Returning a *Error sends it verbatim; any other error is sent
// as InternalError.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// NotificationHandler receives peer notifications. It is called synchronously
// from the read loop, so notifications are observed in wire order and before
// any response that follows them on the wire.
type NotificationHandler func(ctx context.Context, method string, params json.RawMessage)

// ProtocolErrorHandler is told about envelope-level failures: malformed lines
// and responses whose id has no waiter.
type ProtocolErrorHandler func(err error)

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Conn) {
		c.logger = l
	}
}

// WithRequestHandler sets the handler for peer-initiated requests.
func WithRequestHandler(h RequestHandler) Option {
	return func(c *Conn) {
		c.onRequest = h
	}
}

// WithNotificationHandler sets the handler for peer notifications.
func WithNotificationHandler(h NotificationHandler) Option {
	return func(c *Conn) {
		c.onNotification = h
	}
}

// WithProtocolErrorHandler sets the handler for envelope-level failures.
func WithProtocolErrorHandler(h ProtocolErrorHandler) Option {
	return func(c *Conn) {
		c.onProtocolError = h
	}
}

// Conn is a bidirectional JSON-RPC connection over a pair of byte streams,
// one envelope per line. Outgoing calls are correlated with their responses
// by id through a per-call response slot; writes are serialized so that
// concurrent calls and handler replies never interleave on the wire.
type Conn struct {
	r io.Reader
	w io.Writer

	writeMu sync.Mutex

	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[string]chan *Message
	closed   bool
	closeErr error

	done      chan struct{}
	closeOnce sync.Once

	handlerCtx    context.Context
	handlerCancel context.CancelFunc
	handlers      sync.WaitGroup

	onRequest       RequestHandler
	onNotification  NotificationHandler
	onProtocolError ProtocolErrorHandler

	unmatched atomic.Int64
	logger    *logger.Logger
}

// NewConn creates a connection reading envelopes from r and writing them to w,
// and starts its read loop.
func NewConn(r io.Reader, w io.Writer, opts ...Option) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		r:             r,
		w:             w,
		pending:       make(map[string]chan *Message),
		done:          make(chan struct{}),
		handlerCtx:    ctx,
		handlerCancel: cancel,
		logger:        logger.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("jsonrpc")

	go c.readLoop()
	return c
}

// Call sends a request and blocks until its response arrives, ctx is done, or
// the connection closes. When result is non-nil the response result is
// decoded into it. A peer error is returned as *Error.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	id := c.nextID.Add(1)
	key := strconv.FormatInt(id, 10)

	rawParams, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}

	slot := make(chan *Message, 1)
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return err
	}
	c.pending[key] = slot
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	c.logger.Debug("sending request", zap.String("method", method), zap.Int64("id", id))

	if err := c.write(&Request{
		JSONRPC: Version,
		ID:      json.RawMessage(key),
		Method:  method,
		Params:  rawParams,
	}); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-slot:
		return decodeResult(method, resp, result)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		// A response delivered just before close still wins.
		select {
		case resp := <-slot:
			return decodeResult(method, resp, result)
		default:
		}
		return c.Err()
	}
}

// Notify sends a notification; no response is expected.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rawParams, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	if c.isClosed() {
		return c.Err()
	}
	c.logger.Debug("sending notification", zap.String("method", method))
	if err := c.write(&Notification{JSONRPC: Version, Method: method, Params: rawParams}); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	return nil
}

// Close tears the connection down: every pending Call fails with
// ErrConnectionClosed and the context passed to running request handlers is
// cancelled. Close does not close the underlying streams.
func (c *Conn) Close() error {
	c.shutdown(ErrConnectionClosed)
	return nil
}

// Done is closed once the connection is no longer usable.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection closed, or nil while it is open. The error
// always wraps ErrConnectionClosed.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// UnmatchedResponses returns how many responses arrived without a waiter.
func (c *Conn) UnmatchedResponses() int64 {
	return c.unmatched.Load()
}

// Wait blocks until every in-flight request handler has returned.
func (c *Conn) Wait() {
	c.handlers.Wait()
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		closeErr := ErrConnectionClosed
		if cause != nil && !errors.Is(cause, ErrConnectionClosed) {
			closeErr = fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
		}

		c.mu.Lock()
		c.closed = true
		c.closeErr = closeErr
		pendingCount := len(c.pending)
		c.mu.Unlock()

		c.handlerCancel()
		close(c.done)

		c.logger.Debug("connection closed",
			zap.Int("pending_calls", pendingCount),
			zap.NamedError("cause", cause))
	})
}

func (c *Conn) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return c.Err()
	}
	_, err = c.w.Write(data)
	return err
}

func (c *Conn) readLoop() {
	scanner := bufio.NewScanner(c.r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}

	cause := scanner.Err()
	if cause == nil {
		cause = io.EOF
	} else {
		c.logger.Error("read loop failed", zap.Error(cause))
	}
	c.shutdown(cause)
}

func (c *Conn) handleLine(line []byte) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		c.reportProtocolError(fmt.Errorf("%w: %w", ErrMalformedMessage, err), line)
		c.answerMalformed(line, err)
		return
	}

	switch msg.Kind() {
	case KindResponse:
		c.deliverResponse(&msg)
	case KindNotification:
		c.dispatchNotification(&msg)
	case KindRequest:
		c.dispatchRequest(&msg)
	default:
		c.reportProtocolError(fmt.Errorf("%w: neither id nor method present", ErrMalformedMessage), line)
		if msg.Error != nil {
			c.logger.Warn("peer reported error without id",
				zap.Int("code", msg.Error.Code),
				zap.String("message", msg.Error.Message))
		}
	}
}

// answerMalformed makes sure nobody waits forever on an envelope that could
// not be decoded. A request whose id is readable gets an InvalidRequest reply;
// a response whose id matches a pending call fails that call.
func (c *Conn) answerMalformed(line []byte, cause error) {
	var head struct {
		ID     json.RawMessage `json:"id"`
		Method json.RawMessage `json:"method"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		// Not JSON at all: there is no id to answer.
		return
	}
	if envelope := (Message{ID: head.ID}); !envelope.HasID() {
		return
	}
	rpcErr := NewError(InvalidRequest, "invalid request: "+cause.Error(), nil)

	if len(head.Method) > 0 {
		id := append(json.RawMessage(nil), head.ID...)
		// Replies are written off the read loop, like handler results.
		c.handlers.Add(1)
		go func() {
			defer c.handlers.Done()
			c.reply(id, nil, rpcErr)
		}()
		return
	}

	key := normalizeID(head.ID)
	c.mu.Lock()
	slot, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if ok {
		slot <- &Message{JSONRPC: Version, ID: head.ID, Error: NewError(ParseError, "malformed response: "+cause.Error(), nil)}
	}
}

func (c *Conn) deliverResponse(msg *Message) {
	key := normalizeID(msg.ID)

	c.mu.Lock()
	slot, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if !ok {
		c.unmatched.Add(1)
		c.reportProtocolError(fmt.Errorf("%w: id %s", ErrUnmatchedResponse, key), nil)
		return
	}
	slot <- msg
}

func (c *Conn) dispatchNotification(msg *Message) {
	if c.onNotification == nil {
		c.logger.Debug("dropping notification without handler", zap.String("method", msg.Method))
		return
	}
	c.onNotification(c.handlerCtx, msg.Method, msg.Params)
}

func (c *Conn) dispatchRequest(msg *Message) {
	id := append(json.RawMessage(nil), msg.ID...)
	method := msg.Method
	params := msg.Params

	if c.onRequest == nil {
		c.reply(id, nil, NewError(MethodNotFound, "method not found: "+method, nil))
		return
	}

	c.handlers.Add(1)
	go func() {
		defer c.handlers.Done()
		result, err := c.onRequest(c.handlerCtx, method, params)
		c.reply(id, result, err)
	}()
}

func (c *Conn) reply(id json.RawMessage, result any, err error) {
	resp := &Response{JSONRPC: Version, ID: id}
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = NewError(InternalError, err.Error(), nil)
		}
		resp.Error = rpcErr
	} else {
		raw, mErr := json.Marshal(result)
		if mErr != nil {
			resp.Error = NewError(InternalError, "marshal result: "+mErr.Error(), nil)
		} else {
			resp.Result = raw
		}
	}

	if wErr := c.write(resp); wErr != nil {
		c.logger.Warn("failed to write response",
			zap.String("id", string(id)),
			zap.Error(wErr))
	}
}

func (c *Conn) reportProtocolError(err error, line []byte) {
	fields := []zap.Field{zap.Error(err)}
	if len(line) > 0 {
		fields = append(fields, zap.ByteString("line", truncateLine(line)))
	}
	c.logger.Warn("protocol error", fields...)
	if c.onProtocolError != nil {
		c.onProtocolError(err)
	}
}

func decodeResult(method string, resp *Message, result any) error {
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}

// normalizeID maps numeric and string ids onto the same key space used for
// outgoing calls, which always use decimal integers.
func normalizeID(raw json.RawMessage) string {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func truncateLine(line []byte) []byte {
	const limit = 512
	if len(line) <= limit {
		return line
	}
	return line[:limit]
}
