package frame

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/events"
	"github.com/GriffinCanCode/AnnotationBridge/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/fault"
)

// Options configures a Manager
type Options struct {
	Spec          Spec
	LoadTimeout   time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
	Bus           *events.Bus
	Logger        *zap.Logger
	Metrics       *monitoring.Metrics
}

// Manager owns the lifecycle of the embedded frame
type Manager struct {
	loader  Loader
	opts    Options
	bus     *events.Bus
	logger  *zap.Logger
	metrics *monitoring.Metrics

	mu         sync.Mutex
	state      State
	handle     Handle
	cancelLoad context.CancelFunc
	attempts   int
	lastErr    error
	loadedAt   *time.Time
	destroyed  chan struct{}
}

// NewManager creates a frame manager in the uninitialized state
func NewManager(loader Loader, opts Options) *Manager {
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 30 * time.Second
	}
	if opts.RetryAttempts < 0 {
		opts.RetryAttempts = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(opts.Logger)
	}
	return &Manager{
		loader:    loader,
		opts:      opts,
		bus:       opts.Bus,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		state:     StateUninitialized,
		destroyed: make(chan struct{}),
	}
}

// Create loads the frame, retrying failed loads up to RetryAttempts times
// with doubling backoff. A ready frame is returned as-is.
func (m *Manager) Create(ctx context.Context) (Handle, error) {
	const op = "frame.create"

	m.mu.Lock()
	switch m.state {
	case StateDestroyed:
		m.mu.Unlock()
		return nil, fault.New(fault.KindClosed, op, "frame destroyed")
	case StateReady:
		h := m.handle
		select {
		case <-h.Done():
			// gone, but watch has not caught up yet
			attempt := m.disconnectLocked()
			m.mu.Unlock()
			m.reportDisconnect(attempt)
			m.mu.Lock()
		default:
			m.mu.Unlock()
			return h, nil
		}
	case StateLoading:
		m.mu.Unlock()
		return nil, fault.New(fault.KindChannel, op, "frame is already loading")
	}
	m.attempts = 0
	m.mu.Unlock()

	backoff := m.opts.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= m.opts.RetryAttempts+1; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fault.Wrap(fault.KindChannel, op, ctx.Err())
			case <-m.destroyed:
				return nil, fault.New(fault.KindClosed, op, "frame destroyed")
			}
			backoff *= 2
		}

		h, err := m.load(ctx, attempt)
		if err == nil {
			return h, nil
		}
		var busy errBusy
		if errors.Is(err, fault.ErrClosed) || errors.As(err, &busy) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fault.Wrap(fault.KindChannel, op, lastErr)
}

func (m *Manager) load(ctx context.Context, attempt int) (Handle, error) {
	lctx, cancel := context.WithTimeout(ctx, m.opts.LoadTimeout)
	defer cancel()

	m.mu.Lock()
	if m.state == StateDestroyed {
		m.mu.Unlock()
		return nil, fault.New(fault.KindClosed, "frame.create", "frame destroyed")
	}
	if err := m.transition(StateLoading); err != nil {
		m.mu.Unlock()
		return nil, errBusy{err}
	}
	m.attempts = attempt
	m.cancelLoad = cancel
	m.mu.Unlock()

	m.logger.Info("Loading frame",
		zap.String("src", m.opts.Spec.Src),
		zap.Int("attempt", attempt))

	h, err := m.loader.Load(lctx, m.opts.Spec)
	if err == nil && h == nil {
		err = errors.New("loader returned no frame")
	}

	m.mu.Lock()
	m.cancelLoad = nil
	if m.state == StateDestroyed {
		m.mu.Unlock()
		if h != nil {
			_ = h.Close()
		}
		return nil, fault.New(fault.KindClosed, "frame.create", "frame destroyed while loading")
	}

	if err != nil {
		reason := "load_error"
		if errors.Is(lctx.Err(), context.DeadlineExceeded) {
			reason = "timeout"
		}
		m.lastErr = err
		_ = m.transition(StateError)
		m.mu.Unlock()

		m.logger.Warn("Frame load failed",
			zap.Int("attempt", attempt),
			zap.String("reason", reason),
			zap.Error(err))
		m.bus.Emit(events.FrameError, &Failure{Attempt: attempt, Reason: reason, Error: err.Error()})
		return nil, err
	}

	now := time.Now()
	m.handle = h
	m.lastErr = nil
	m.loadedAt = &now
	_ = m.transition(StateReady)
	m.mu.Unlock()

	go m.watch(h)

	m.logger.Info("Frame ready", zap.Int("attempt", attempt))
	m.bus.Emit(events.FrameLoaded, m.Status())
	return h, nil
}

// watch moves a ready frame to error when its handle goes away
func (m *Manager) watch(h Handle) {
	select {
	case <-h.Done():
	case <-m.destroyed:
		return
	}

	m.mu.Lock()
	if m.handle != h || m.state != StateReady {
		m.mu.Unlock()
		return
	}
	attempt := m.disconnectLocked()
	m.mu.Unlock()
	m.reportDisconnect(attempt)
}

// disconnectLocked moves a ready frame whose handle went away to error.
// Must hold lock.
func (m *Manager) disconnectLocked() int {
	m.handle = nil
	m.lastErr = errors.New("frame disconnected")
	_ = m.transition(StateError)
	return m.attempts
}

func (m *Manager) reportDisconnect(attempt int) {
	m.logger.Warn("Frame disconnected")
	m.bus.Emit(events.FrameError, &Failure{Attempt: attempt, Reason: "disconnected"})
}

// Destroy tears the frame down. It is idempotent and terminal.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.state == StateDestroyed {
		m.mu.Unlock()
		return
	}
	_ = m.transition(StateDestroyed)
	h := m.handle
	m.handle = nil
	if m.cancelLoad != nil {
		m.cancelLoad()
	}
	close(m.destroyed)
	m.mu.Unlock()

	if h != nil {
		if err := h.Close(); err != nil {
			m.logger.Debug("Frame close failed", zap.Error(err))
		}
	}
	m.logger.Info("Frame destroyed")
	m.bus.Emit(events.FrameDestroyed, nil)
}

// transition must hold lock
func (m *Manager) transition(to State) error {
	if !CanTransition(m.state, to) {
		return transitionError{from: m.state, to: to}
	}
	m.state = to
	m.metrics.RecordFrameTransition(string(to))
	return nil
}

// State returns the current state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Spec returns the frame description
func (m *Manager) Spec() Spec {
	spec := m.opts.Spec
	spec.Sandbox = append([]string(nil), spec.Sandbox...)
	spec.Allow = append([]string(nil), spec.Allow...)
	return spec
}

// Handle returns the loaded frame, or nil
func (m *Manager) Handle() Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// Done is closed by Destroy
func (m *Manager) Done() <-chan struct{} {
	return m.destroyed
}

// Status returns a snapshot of the lifecycle
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		State:    m.state,
		Spec:     m.Spec(),
		Attempts: m.attempts,
		LoadedAt: m.loadedAt,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}
