package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/AnnotationBridge/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/fault"
)

// Receiver takes inbound frames tagged with the connection's origin
type Receiver interface {
	Receive(origin string, data []byte)
}

// Conn is the frame's WebSocket connection. It implements frame.Handle
// and bridge.Window.
type Conn struct {
	ws       *websocket.Conn
	origin   string
	receiver Receiver
	limiter  *rate.Limiter
	opts     Options
	logger   *zap.Logger
	metrics  *monitoring.Metrics

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, origin string, receiver Receiver, opts Options, logger *zap.Logger, metrics *monitoring.Metrics) *Conn {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.InboundRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.InboundRate), opts.InboundBurst)
	}
	return &Conn{
		ws:       ws,
		origin:   origin,
		receiver: receiver,
		limiter:  limiter,
		opts:     opts,
		logger:   logger.With(zap.String("origin", origin)),
		metrics:  metrics,
		done:     make(chan struct{}),
	}
}

// Origin returns the peer's origin
func (c *Conn) Origin() string {
	return c.origin
}

// PostMessage writes one frame. Like window.postMessage, nothing is
// delivered when targetOrigin is not the peer's origin.
func (c *Conn) PostMessage(data []byte, targetOrigin string) error {
	if targetOrigin != c.origin {
		return fault.Newf(fault.KindSecurity, "ws.post", "target origin %s does not match peer %s", targetOrigin, c.origin)
	}
	select {
	case <-c.done:
		return fault.New(fault.KindClosed, "ws.post", "connection closed")
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.shutdown()
		return fault.Wrap(fault.KindChannel, "ws.post", err)
	}
	return nil
}

// Done is closed when the connection ends
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame and releases the connection
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "frame destroyed"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown()
	return nil
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
		c.metrics.DecWSConnections()
	})
}

// run reads until the peer goes away
func (c *Conn) run() {
	defer c.shutdown()

	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	go c.ping()

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.logger.Info("Frame connection closed", zap.Int("code", closeErr.Code))
			} else {
				select {
				case <-c.done:
				default:
					c.logger.Warn("Frame connection read error", zap.Error(err))
				}
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if !c.limiter.Allow() {
			c.metrics.RecordViolation("rate_limited")
			c.logger.Warn("Dropping inbound frame over rate limit")
			continue
		}
		c.receiver.Receive(c.origin, data)
	}
}

func (c *Conn) ping() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.shutdown()
				return
			}
		}
	}
}
