package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/events"
	"github.com/GriffinCanCode/AnnotationBridge/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AnnotationBridge/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/fault"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/id"
)

// Window is the transport to the other side of the trust boundary
type Window interface {
	PostMessage(data []byte, targetOrigin string) error
}

// RequestHandler answers a request sent by the peer. The returned value
// becomes Response.Data; a returned error becomes a failed Response.
type RequestHandler func(ctx context.Context, msg *Message) (interface{}, error)

// Listener observes inbound messages and bridge events. Payload is a
// *Message for inbound categories and a *Violation for security events.
type Listener func(events.Event)

// Subscription is returned by On and consumed by Off
type Subscription struct {
	Event       string
	unsubscribe func()
}

// Violation describes a dropped inbound envelope
type Violation struct {
	Reason    string       `json:"reason"`
	Origin    string       `json:"origin"`
	MessageID id.MessageID `json:"messageId,omitempty"`
	At        time.Time    `json:"at"`
}

// Options configures a Bridge
type Options struct {
	Timeout          time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	HandshakeTimeout time.Duration
	Source           Source
	Channel          Channel
	Logger           *logging.Logger
	Metrics          *monitoring.Metrics
}

// DefaultOptions returns the defaults for the host side
func DefaultOptions() Options {
	return Options{
		Timeout:          5 * time.Second,
		MaxRetries:       3,
		RetryBackoff:     250 * time.Millisecond,
		HandshakeTimeout: 10 * time.Second,
		Source:           SourceMain,
		Channel:          UnsignedChannel{},
	}
}

type result struct {
	resp *Response
	err  error
}

type pendingCall struct {
	msgType string
	done    chan result
}

// session is the state of one Initialize..Cleanup cycle
type session struct {
	window Window
	origin string
	ctx    context.Context
	cancel context.CancelFunc
}

// Bridge is a request/response channel across the trust boundary.
// Responses correlate by message id only; callers needing ordering must
// serialize their own sends.
type Bridge struct {
	opts    Options
	channel Channel
	logger  *logging.Logger
	metrics *monitoring.Metrics

	// listeners receive inbound messages; signals receive bridge events.
	// Kept apart so "*" only ever sees messages from the frame.
	listeners *events.Bus
	signals   *events.Bus

	mu       sync.Mutex
	sess     *session
	fatal    error
	pending  map[id.MessageID]*pendingCall
	handlers map[string]RequestHandler
}

// New creates a bridge. Zero option fields take DefaultOptions values.
func New(opts Options) *Bridge {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = def.RetryBackoff
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = def.HandshakeTimeout
	}
	if opts.Source == "" {
		opts.Source = def.Source
	}
	if opts.Channel == nil {
		opts.Channel = def.Channel
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	return &Bridge{
		opts:      opts,
		channel:   opts.Channel,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		listeners: events.NewBus(opts.Logger.Logger),
		signals:   events.NewBus(opts.Logger.Logger),
		pending:   make(map[id.MessageID]*pendingCall),
		handlers:  make(map[string]RequestHandler),
	}
}

// Initialize opens the channel and performs the handshake. It fails with
// ChannelError when the peer does not acknowledge within HandshakeTimeout,
// and with SecurityViolation when the acknowledgement cannot be verified.
func (b *Bridge) Initialize(ctx context.Context, window Window, targetOrigin string) error {
	if err := b.Attach(window, targetOrigin); err != nil {
		return err
	}

	payload := map[string]interface{}{
		"source":  b.opts.Source,
		"channel": b.channel.Name(),
	}
	resp, err := b.send(ctx, HandshakeType, payload, b.opts.HandshakeTimeout, 0)
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		b.close(err)
		if errors.Is(err, fault.ErrSecurity) {
			b.mu.Lock()
			b.fatal = err
			b.mu.Unlock()
			return err
		}
		return fault.Wrap(fault.KindChannel, "bridge.initialize", err)
	}

	b.logger.Info("Bridge initialized",
		zap.String("target_origin", targetOrigin),
		zap.String("channel", b.channel.Name()))
	return nil
}

// Attach opens the channel without initiating a handshake. The embedded
// side uses it and answers the host's handshake.
func (b *Bridge) Attach(window Window, targetOrigin string) error {
	if window == nil {
		return fault.New(fault.KindChannel, "bridge.initialize", "no target window")
	}
	if targetOrigin == "" || targetOrigin == "*" {
		return fault.Newf(fault.KindChannel, "bridge.initialize", "target origin %q is not an exact origin", targetOrigin)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sess != nil {
		return fault.New(fault.KindChannel, "bridge.initialize", "channel already open")
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.sess = &session{window: window, origin: targetOrigin, ctx: ctx, cancel: cancel}
	b.fatal = nil
	return nil
}

// Send transmits a message and waits for the correlated Response.
// Only timeouts are retried; a failed Response is returned as-is.
func (b *Bridge) Send(ctx context.Context, msgType string, payload interface{}) (*Response, error) {
	return b.send(ctx, msgType, payload, b.opts.Timeout, b.opts.MaxRetries)
}

func (b *Bridge) send(ctx context.Context, msgType string, payload interface{}, timeout time.Duration, retries int) (*Response, error) {
	const op = "bridge.send"

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.fatal != nil {
		err := b.fatal
		b.mu.Unlock()
		return nil, err
	}
	sess := b.sess
	if sess == nil {
		b.mu.Unlock()
		return nil, fault.New(fault.KindClosed, op, "channel is not open")
	}
	msgID := id.NewMessageID()
	call := &pendingCall{msgType: msgType, done: make(chan result, 1)}
	b.pending[msgID] = call
	b.mu.Unlock()

	defer b.forget(msgID)

	start := time.Now()
	backoff := b.opts.RetryBackoff
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			b.metrics.IncRetries()
			b.logger.Debug("Retrying message",
				zap.String("id", msgID.String()),
				zap.String("type", msgType),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff))
			if res, waited := b.wait(ctx, sess, call, backoff); !waited {
				return b.finish(msgType, start, res)
			}
			backoff *= 2
		}

		msg := &Message{
			ID:        msgID,
			Type:      msgType,
			Payload:   raw,
			Timestamp: time.Now().UnixMilli(),
			Source:    b.opts.Source,
		}
		if err := b.post(sess, &Envelope{Kind: KindMessage, Message: msg}); err != nil {
			return b.finish(msgType, start, result{err: fault.Wrap(fault.KindChannel, op, err)})
		}
		b.metrics.RecordMessage("outbound", msgType)

		if res, waited := b.wait(ctx, sess, call, timeout); !waited {
			return b.finish(msgType, start, res)
		}
	}

	return b.finish(msgType, start, result{
		err: fault.Newf(fault.KindTimeout, op, "no response to %s after %d attempts", msgType, retries+1),
	})
}

// wait blocks for d. It returns waited=false with the outcome when the
// call resolves or is cancelled first.
func (b *Bridge) wait(ctx context.Context, sess *session, call *pendingCall, d time.Duration) (result, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case res := <-call.done:
		return res, false
	case <-timer.C:
		return result{}, true
	case <-ctx.Done():
		return result{err: fault.Wrap(fault.KindTimeout, "bridge.send", ctx.Err())}, false
	case <-sess.ctx.Done():
		// Cleanup delivers ChannelClosed through call.done
		return <-call.done, false
	}
}

func (b *Bridge) finish(msgType string, start time.Time, res result) (*Response, error) {
	if res.err != nil {
		b.metrics.RecordSendFailure(string(fault.KindOf(res.err)))
		return nil, res.err
	}
	b.metrics.RecordSend(msgType, time.Since(start))
	if res.resp.Code == fault.KindSecurity {
		return nil, res.resp.Err()
	}
	return res.resp, nil
}

func (b *Bridge) forget(msgID id.MessageID) {
	b.mu.Lock()
	delete(b.pending, msgID)
	b.mu.Unlock()
}

// resolve hands an outcome to the pending call, if any. Returns false
// when no send is waiting on msgID.
func (b *Bridge) resolve(msgID id.MessageID, res result) bool {
	b.mu.Lock()
	call, ok := b.pending[msgID]
	if ok {
		delete(b.pending, msgID)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	call.done <- res
	return true
}

func (b *Bridge) post(sess *session, env *Envelope) error {
	var s Signable = env.Message
	if env.Kind == KindResponse {
		s = env.Response
	}
	if err := b.channel.Seal(s); err != nil {
		return err
	}
	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	return sess.window.PostMessage(data, sess.origin)
}

// Handle registers the handler answering peer requests of msgType.
// Passing nil removes it.
func (b *Bridge) Handle(msgType string, handler RequestHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if handler == nil {
		delete(b.handlers, msgType)
		return
	}
	b.handlers[msgType] = handler
}

// On subscribes to an inbound message type, "*" for every message type,
// or a bridge event such as events.SecurityViolation. Bridge events are
// only delivered to listeners that name them.
func (b *Bridge) On(event string, listener Listener) Subscription {
	bus := b.listeners
	if isBridgeEvent(event) {
		bus = b.signals
	}
	return Subscription{
		Event:       event,
		unsubscribe: bus.Subscribe(event, events.Handler(listener)),
	}
}

func isBridgeEvent(event string) bool {
	return event == events.SecurityViolation || event == events.ChannelClosed
}

// Off removes a subscription
func (b *Bridge) Off(sub Subscription) {
	if sub.unsubscribe != nil {
		sub.unsubscribe()
	}
}

// Receive is called by the transport for every inbound frame
func (b *Bridge) Receive(origin string, data []byte) {
	b.mu.Lock()
	sess := b.sess
	b.mu.Unlock()

	if sess == nil {
		b.logger.Debug("Dropping message on closed channel", zap.String("origin", origin))
		return
	}

	if origin != sess.origin {
		b.violation(Violation{Reason: "origin_mismatch", Origin: origin}, nil)
		return
	}

	env, err := decodeEnvelope(data)
	if err != nil {
		b.logger.Warn("Dropping malformed envelope",
			zap.String("origin", origin),
			zap.Error(err))
		return
	}

	now := time.Now()
	switch env.Kind {
	case KindResponse:
		if err := b.channel.Verify(env.Response, now); err != nil {
			v := Violation{Reason: "invalid_signature", Origin: origin, MessageID: env.Response.ID}
			b.violation(v, err)
			b.resolve(env.Response.ID, result{err: fault.Wrap(fault.KindSecurity, "bridge.receive", err)})
			return
		}
		b.metrics.RecordMessage("inbound", "response")
		if !b.resolve(env.Response.ID, result{resp: env.Response}) {
			b.logger.Debug("Dropping uncorrelated response", zap.String("id", env.Response.ID.String()))
		}

	case KindMessage:
		msg := env.Message
		if err := b.channel.Verify(msg, now); err != nil {
			b.violation(Violation{Reason: "invalid_signature", Origin: origin, MessageID: msg.ID}, err)
			b.reply(sess, &Response{
				ID:    msg.ID,
				Code:  fault.KindSecurity,
				Error: "envelope could not be verified",
			})
			return
		}
		b.metrics.RecordMessage("inbound", msg.Type)
		b.dispatch(sess, msg)
	}
}

func (b *Bridge) dispatch(sess *session, msg *Message) {
	if msg.Type == HandshakeType {
		b.reply(sess, &Response{ID: msg.ID, Success: true, Data: mustPayload(map[string]interface{}{
			"source":  b.opts.Source,
			"channel": b.channel.Name(),
		})})
		return
	}

	b.listeners.Emit(msg.Type, msg)

	b.mu.Lock()
	handler := b.handlers[msg.Type]
	b.mu.Unlock()

	if handler == nil {
		b.reply(sess, &Response{ID: msg.ID, Success: true})
		return
	}

	// Handlers may Send; run them off the receive path
	go func() {
		data, err := handler(sess.ctx, msg)
		resp := &Response{ID: msg.ID, Success: err == nil}
		if err != nil {
			resp.Error = err.Error()
			resp.Code = fault.KindOf(err)
		} else if resp.Data, err = marshalPayload(data); err != nil {
			resp.Success = false
			resp.Error = err.Error()
			resp.Code = fault.KindValidation
		}
		b.reply(sess, resp)
	}()
}

func (b *Bridge) reply(sess *session, resp *Response) {
	if sess.ctx.Err() != nil {
		return
	}
	resp.Timestamp = time.Now().UnixMilli()
	if err := b.post(sess, &Envelope{Kind: KindResponse, Response: resp}); err != nil {
		b.logger.Warn("Failed to send response",
			zap.String("id", resp.ID.String()),
			zap.Error(err))
	}
}

func (b *Bridge) violation(v Violation, cause error) {
	v.At = time.Now()
	b.metrics.RecordViolation(v.Reason)

	fields := []zap.Field{
		zap.String("reason", v.Reason),
		zap.String("origin", v.Origin),
	}
	if v.MessageID != "" {
		fields = append(fields, zap.String("message_id", v.MessageID.String()))
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	b.logger.Audit("security_violation", fields...)

	b.signals.Emit(events.SecurityViolation, &v)
}

// Cleanup closes the channel. Every in-flight send is rejected with
// ChannelClosed and every listener is revoked.
func (b *Bridge) Cleanup() {
	if !b.close(fault.New(fault.KindClosed, "bridge.cleanup", "channel closed")) {
		return
	}
	b.signals.Emit(events.ChannelClosed, nil)
	b.listeners.Clear()
	b.signals.Clear()
	b.logger.Info("Bridge closed")
}

// close ends the session and rejects pending sends with err
func (b *Bridge) close(err error) bool {
	b.mu.Lock()
	sess := b.sess
	b.sess = nil
	pending := b.pending
	b.pending = make(map[id.MessageID]*pendingCall)
	b.mu.Unlock()

	if sess == nil {
		return false
	}
	for _, call := range pending {
		call.done <- result{err: err}
	}
	sess.cancel()
	return true
}

// IsOpen reports whether a channel session is active
func (b *Bridge) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sess != nil
}

// TargetOrigin returns the origin of the open session, or ""
func (b *Bridge) TargetOrigin() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess == nil {
		return ""
	}
	return b.sess.origin
}

// Pending returns the number of sends awaiting a response
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Channel returns the configured channel variant
func (b *Bridge) Channel() Channel {
	return b.channel
}

func mustPayload(v interface{}) json.RawMessage {
	raw, err := marshalPayload(v)
	if err != nil {
		return nil
	}
	return raw
}
