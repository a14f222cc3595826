package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/frame"
	"github.com/GriffinCanCode/AnnotationBridge/internal/infrastructure/config"
	"github.com/GriffinCanCode/AnnotationBridge/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/fault"
)

// Options configures the acceptor and its connections
type Options struct {
	AllowedOrigins []string
	// InboundRate caps frames per second per connection; zero is unlimited
	InboundRate    float64
	InboundBurst   int
	WriteTimeout   time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

// DefaultOptions returns production settings
func DefaultOptions() Options {
	return Options{
		InboundRate:    200,
		InboundBurst:   400,
		WriteTimeout:   10 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   50 * time.Second,
		MaxMessageSize: 1 << 20,
	}
}

type waiter struct {
	origin string
	conns  chan *Conn

	mu     sync.Mutex
	closed bool
}

// deliver hands conn to the waiting Load. False once Load has returned.
func (w *waiter) deliver(conn *Conn) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.conns <- conn
	return true
}

// finish stops deliveries and closes a connection Load did not take
func (w *waiter) finish() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	select {
	case c := <-w.conns:
		_ = c.Close()
	default:
	}
}

func (w *waiter) live() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.closed
}

// Acceptor is a frame.Loader: Load waits for the embedded tool to
// connect to the upgrade endpoint from the frame's origin.
type Acceptor struct {
	opts     Options
	allowed  map[string]bool
	receiver Receiver
	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *monitoring.Metrics

	mu      sync.Mutex
	waiting *waiter
}

// NewAcceptor creates an acceptor delivering inbound frames to receiver
func NewAcceptor(receiver Receiver, opts Options, logger *zap.Logger, metrics *monitoring.Metrics) *Acceptor {
	def := DefaultOptions()
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.PongWait <= 0 {
		opts.PongWait = def.PongWait
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.PongWait {
		opts.PingInterval = opts.PongWait * 9 / 10
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = def.MaxMessageSize
	}
	if opts.InboundRate > 0 && opts.InboundBurst <= 0 {
		opts.InboundBurst = int(opts.InboundRate)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Acceptor{
		opts:     opts,
		allowed:  make(map[string]bool, len(opts.AllowedOrigins)),
		receiver: receiver,
		logger:   logger,
		metrics:  metrics,
	}
	for _, o := range opts.AllowedOrigins {
		if norm, err := config.NormalizeOrigin(o); err == nil {
			a.allowed[norm] = true
		}
	}
	a.upgrader = websocket.Upgrader{CheckOrigin: a.checkOrigin}
	return a
}

func (a *Acceptor) checkOrigin(r *http.Request) bool {
	origin, err := config.NormalizeOrigin(r.Header.Get("Origin"))
	return err == nil && a.allowed[origin]
}

// Load implements frame.Loader
func (a *Acceptor) Load(ctx context.Context, spec frame.Spec) (frame.Handle, error) {
	origin, err := config.NormalizeOrigin(spec.Origin)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "ws.load", err)
	}
	if !a.allowed[origin] {
		return nil, fault.Newf(fault.KindSecurity, "ws.load", "frame origin %s is not allowed", origin)
	}

	w := &waiter{origin: origin, conns: make(chan *Conn, 1)}
	a.mu.Lock()
	if a.waiting != nil {
		a.mu.Unlock()
		return nil, fault.New(fault.KindChannel, "ws.load", "a frame is already awaited")
	}
	a.waiting = w
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		if a.waiting == w {
			a.waiting = nil
		}
		a.mu.Unlock()
		w.finish()
	}()

	a.logger.Info("Waiting for frame to connect", zap.String("origin", origin), zap.String("src", spec.Src))
	select {
	case c := <-w.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// claim hands the awaiting Load its waiter, once
func (a *Acceptor) claim(origin string) *waiter {
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.waiting
	if w == nil || w.origin != origin {
		return nil
	}
	a.waiting = nil
	return w
}

// HandleConnect upgrades the embedded tool's connection
func (a *Acceptor) HandleConnect(c *gin.Context) {
	if !a.checkOrigin(c.Request) {
		a.metrics.RecordViolation("origin_rejected")
		a.logger.Warn("Rejecting frame connection from disallowed origin",
			zap.String("origin", c.GetHeader("Origin")))
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}
	origin, _ := config.NormalizeOrigin(c.GetHeader("Origin"))

	w := a.claim(origin)
	if w == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "no frame is being loaded"})
		return
	}

	wsConn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		a.mu.Lock()
		if a.waiting == nil && w.live() {
			a.waiting = w
		}
		a.mu.Unlock()
		return
	}

	conn := newConn(wsConn, origin, a.receiver, a.opts, a.logger, a.metrics)
	a.metrics.IncWSConnections()
	if !w.deliver(conn) {
		a.logger.Warn("Frame connected after load gave up; closing", zap.String("origin", origin))
		_ = conn.Close()
		return
	}
	a.logger.Info("Frame connected", zap.String("origin", origin))

	conn.run()
}
