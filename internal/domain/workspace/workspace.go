package workspace

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/access"
	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/bridge"
	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/events"
	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/frame"
	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/syncer"
	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/ui"
	"github.com/GriffinCanCode/AnnotationBridge/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/fault"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/id"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/types"
)

// Message types handled by the workspace
const (
	ContextSetType     = "context:set"
	ContextGetType     = "context:get"
	ContextRefreshType = "context:refresh"
	PermissionType     = "permission:check"
	RejectedType       = "annotation:rejected"
)

// annotation message type -> sync operation type
var annotationOps = map[string]string{
	events.AnnotationCreated: syncer.OpCreate,
	events.AnnotationUpdated: syncer.OpUpdate,
	events.AnnotationDeleted: syncer.OpDelete,
}

// State of the workspace session
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateDetached State = "detached"
)

// Status is a point-in-time view for dashboards
type Status struct {
	SessionID  string       `json:"sessionId,omitempty"`
	State      State        `json:"state"`
	BridgeOpen bool         `json:"bridgeOpen"`
	Origin     string       `json:"origin,omitempty"`
	OpenedAt   *time.Time   `json:"openedAt,omitempty"`
	Frame      frame.Status `json:"frame"`
}

// Options configures a Workspace
type Options struct {
	Loader frame.Loader
	Frame  frame.Options
	// PushTimeout bounds context pushes to the frame
	PushTimeout time.Duration
	// InboxSize buffers annotation messages awaiting Enqueue
	InboxSize int

	Bridge *bridge.Bridge
	Access *access.Manager
	Sync   *syncer.Manager
	UI     *ui.Coordinator
	Bus    *events.Bus
	Logger *logging.Logger
}

type session struct {
	id       string
	openedAt time.Time
	handle   frame.Handle
	subs     []bridge.Subscription
	unsub    func()
	inbox    chan *bridge.Message
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// Workspace runs the control flow between host and frame: load the frame,
// open the bridge, push the context, and feed frame edits into sync.
type Workspace struct {
	opts   Options
	bridge *bridge.Bridge
	access *access.Manager
	sync   *syncer.Manager
	ui     *ui.Coordinator
	bus    *events.Bus
	logger *logging.Logger
	clean  *sanitizer

	// openMu serializes Open and Close
	openMu sync.Mutex

	mu     sync.Mutex
	state  State
	frames *frame.Manager
	sess   *session
}

// New creates a closed workspace and registers its request handlers
func New(opts Options) *Workspace {
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = 5 * time.Second
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(opts.Logger.Logger)
	}
	if opts.Frame.Bus == nil {
		opts.Frame.Bus = opts.Bus
	}
	if opts.Frame.Logger == nil {
		opts.Frame.Logger = opts.Logger.Logger
	}

	w := &Workspace{
		opts:   opts,
		bridge: opts.Bridge,
		access: opts.Access,
		sync:   opts.Sync,
		ui:     opts.UI,
		bus:    opts.Bus,
		logger: opts.Logger,
		clean:  newSanitizer(),
		state:  StateClosed,
	}

	w.bridge.Handle(ContextGetType, w.handleContextGet)
	w.bridge.Handle(ContextRefreshType, w.handleContextRefresh)
	w.bridge.Handle(PermissionType, w.handlePermissionCheck)
	if w.ui != nil {
		w.bridge.Handle(ui.ResizeRequestType, w.ui.HandleResizeRequest)
	}
	return w
}

// Open brings the frame up, performs the handshake and pushes the
// context. Opening a detached workspace resumes sync, requeueing work
// that was in flight when the frame went away.
func (w *Workspace) Open(ctx context.Context) (Status, error) {
	w.openMu.Lock()
	defer w.openMu.Unlock()

	w.mu.Lock()
	if w.state == StateOpen {
		w.mu.Unlock()
		return w.Status(), nil
	}
	if w.frames == nil {
		w.frames = frame.NewManager(w.opts.Loader, w.opts.Frame)
	}
	frames := w.frames
	w.mu.Unlock()

	handle, err := frames.Create(ctx)
	if err != nil {
		return w.Status(), err
	}

	origin := frames.Spec().Origin
	if err := w.bridge.Initialize(ctx, handle, origin); err != nil {
		w.logger.Error("Handshake failed", zap.String("origin", origin), zap.Error(err))
		w.discardFrame(frames)
		return w.Status(), err
	}

	sess := w.newSession(handle)
	if err := w.pushContext(sess.ctx); err != nil {
		w.logger.Error("Context push failed", zap.Error(err))
		sess.cancel()
		w.teardown(sess)
		w.bridge.Cleanup()
		w.discardFrame(frames)
		return w.Status(), err
	}

	w.mu.Lock()
	w.sess = sess
	w.state = StateOpen
	w.mu.Unlock()

	if w.ui != nil {
		w.ui.Attach(w.bridge)
	}
	w.sync.Resume()
	go w.process(sess)
	go w.watch(sess, frames)

	w.logger.Info("Workspace opened",
		zap.String("session_id", sess.id),
		zap.String("origin", origin))
	return w.Status(), nil
}

func (w *Workspace) newSession(handle frame.Handle) *session {
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:       uuid.NewString(),
		openedAt: time.Now(),
		handle:   handle,
		inbox:    make(chan *bridge.Message, w.opts.InboxSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for msgType := range annotationOps {
		sess.subs = append(sess.subs, w.bridge.On(msgType, func(e events.Event) {
			w.receive(sess, e)
		}))
	}
	sess.unsub = w.bus.Subscribe(events.ContextUpdated, func(events.Event) {
		go func() {
			if err := w.pushContext(sess.ctx); err != nil && sess.ctx.Err() == nil {
				w.logger.Warn("Context update not delivered to frame", zap.Error(err))
			}
		}()
	})
	return sess
}

// receive runs on the bridge's receive path; it only hands off so
// inbound order is kept without blocking on permission checks
func (w *Workspace) receive(sess *session, e events.Event) {
	msg, ok := e.Payload.(*bridge.Message)
	if !ok {
		return
	}
	select {
	case sess.inbox <- msg:
	case <-sess.ctx.Done():
	}
}

func (w *Workspace) process(sess *session) {
	defer close(sess.done)
	for {
		select {
		case <-sess.ctx.Done():
			return
		case msg := <-sess.inbox:
			w.handleAnnotation(sess.ctx, msg)
		}
	}
}

// handleAnnotation sanitizes a frame edit, re-emits it and queues it
func (w *Workspace) handleAnnotation(ctx context.Context, msg *bridge.Message) {
	opType := annotationOps[msg.Type]

	var ev types.AnnotationEvent
	err := msg.Decode(&ev)
	if err == nil && ev.ID == "" {
		err = fault.New(fault.KindValidation, "workspace.annotation", "annotation id is required")
	}
	if err == nil {
		ev, err = w.clean.event(ev)
	}
	if err != nil {
		w.logger.Warn("Dropping malformed annotation",
			zap.String("message_id", msg.ID.String()),
			zap.String("type", msg.Type),
			zap.Error(err))
		w.reject(ctx, msg, ev.ID, err)
		return
	}

	w.bus.Emit(msg.Type, &ev)

	key := id.IdempotencyKey(ev.IdempotencyKey)
	if key != "" && !id.IsValid(ev.IdempotencyKey, id.IdempotencyPrefix) {
		w.logger.Debug("Ignoring malformed idempotency key", zap.String("key", ev.IdempotencyKey))
		key = ""
	}
	op, err := w.sync.Enqueue(ctx, syncer.Mutation{
		Type:           opType,
		EntityID:       ev.ID,
		Payload:        ev,
		BaseVersion:    ev.BaseVersion,
		Foreground:     ev.Foreground,
		IdempotencyKey: key,
	})
	if err != nil {
		w.logger.Warn("Annotation not queued",
			zap.String("entity_id", ev.ID),
			zap.String("type", opType),
			zap.Error(err))
		w.reject(ctx, msg, ev.ID, err)
		return
	}
	w.logger.Debug("Annotation queued",
		zap.String("entity_id", ev.ID),
		zap.String("operation_id", op.ID.String()))
}

// reject tells the frame an edit will not be synced
func (w *Workspace) reject(ctx context.Context, msg *bridge.Message, entityID string, cause error) {
	payload := map[string]interface{}{
		"messageId": msg.ID,
		"entityId":  entityID,
		"error":     cause.Error(),
		"code":      fault.KindOf(cause),
	}
	go func() {
		sctx, cancel := context.WithTimeout(ctx, w.opts.PushTimeout)
		defer cancel()
		if _, err := w.bridge.Send(sctx, RejectedType, payload); err != nil && ctx.Err() == nil {
			w.logger.Debug("Rejection not delivered", zap.Error(err))
		}
	}()
}

// pushContext sends the current context; without one there is nothing to push
func (w *Workspace) pushContext(ctx context.Context) error {
	snap := w.access.Snapshot()
	if snap == nil {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, w.opts.PushTimeout)
	defer cancel()

	resp, err := w.bridge.Send(pctx, ContextSetType, snap)
	if err != nil {
		return err
	}
	return resp.Err()
}

// watch detaches the workspace when the frame goes away
func (w *Workspace) watch(sess *session, frames *frame.Manager) {
	select {
	case <-sess.handle.Done():
		w.detach(sess, "frame disconnected")
	case <-frames.Done():
		w.detach(sess, "frame destroyed")
	case <-sess.ctx.Done():
	}
}

func (w *Workspace) detach(sess *session, reason string) {
	w.mu.Lock()
	if w.sess != sess {
		w.mu.Unlock()
		return
	}
	w.sess = nil
	w.state = StateDetached
	w.mu.Unlock()

	w.sync.Suspend()
	if w.ui != nil {
		w.ui.Attach(nil)
	}
	sess.cancel()
	w.teardown(sess)
	w.bridge.Cleanup()
	<-sess.done

	w.logger.Warn("Workspace detached",
		zap.String("session_id", sess.id),
		zap.String("reason", reason))
}

func (w *Workspace) teardown(sess *session) {
	for _, sub := range sess.subs {
		w.bridge.Off(sub)
	}
	if sess.unsub != nil {
		sess.unsub()
	}
}

// discardFrame destroys a frame that never became usable so the next Open
// starts from a fresh manager
func (w *Workspace) discardFrame(frames *frame.Manager) {
	frames.Destroy()
	w.mu.Lock()
	if w.frames == frames {
		w.frames = nil
	}
	w.mu.Unlock()
}

// Close destroys the frame and suspends sync. Queued work is kept; a
// later Open starts a new frame and resumes it.
func (w *Workspace) Close() {
	w.openMu.Lock()
	defer w.openMu.Unlock()

	w.mu.Lock()
	sess, frames := w.sess, w.frames
	w.sess, w.frames = nil, nil
	wasClosed := w.state == StateClosed
	w.state = StateClosed
	w.mu.Unlock()

	if wasClosed && frames == nil {
		return
	}

	w.sync.Suspend()
	if w.ui != nil {
		w.ui.Attach(nil)
	}
	if sess != nil {
		sess.cancel()
		w.teardown(sess)
	}
	w.bridge.Cleanup()
	if frames != nil {
		frames.Destroy()
	}
	if sess != nil {
		<-sess.done
	}
	w.logger.Info("Workspace closed")
}

// Status returns the workspace state
func (w *Workspace) Status() Status {
	w.mu.Lock()
	s := Status{State: w.state}
	frames := w.frames
	if w.sess != nil {
		s.SessionID = w.sess.id
		t := w.sess.openedAt
		s.OpenedAt = &t
	}
	w.mu.Unlock()

	if frames != nil {
		s.Frame = frames.Status()
	} else {
		s.Frame = frame.Status{State: frame.StateUninitialized, Spec: w.opts.Frame.Spec}
	}
	s.BridgeOpen = w.bridge.IsOpen()
	s.Origin = w.bridge.TargetOrigin()
	return s
}

// Spec returns the frame descriptor the host page renders
func (w *Workspace) Spec() frame.Spec {
	w.mu.Lock()
	frames := w.frames
	w.mu.Unlock()
	if frames != nil {
		return frames.Spec()
	}
	spec := w.opts.Frame.Spec
	spec.Sandbox = append([]string(nil), spec.Sandbox...)
	spec.Allow = append([]string(nil), spec.Allow...)
	return spec
}
