package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/events"
	"github.com/GriffinCanCode/AnnotationBridge/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AnnotationBridge/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AnnotationBridge/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/fault"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/id"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/types"
)

var (
	// ErrOffline is returned by flushes skipped while the transport is down
	ErrOffline = fault.New(fault.KindNetwork, "syncer.flush", "sync is offline")
	// ErrSuspended is returned by flushes while the channel is torn down
	ErrSuspended = fault.New(fault.KindClosed, "syncer.flush", "sync is suspended")
)

// Transport carries a batch to the backend and returns per-operation results
type Transport interface {
	SyncBatch(ctx context.Context, items []types.SyncItem) ([]types.SyncResult, error)
}

// Authorizer gates Enqueue on the caller's permissions
type Authorizer interface {
	Authorize(ctx context.Context, action, resource string) error
}

// Options configures a Manager
type Options struct {
	Interval           time.Duration
	BatchSize          int
	MaxQueueSize       int
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	MaxConflictRetries int
	OfflineThreshold   int
	ProbeInterval      time.Duration
	ManualConflictTTL  time.Duration
	// MaxAcknowledged bounds the remembered idempotency keys
	MaxAcknowledged int

	// Policies maps operation type to conflict policy; DefaultPolicy covers
	// the rest. Foreground operations always use LocalWins.
	Policies      map[string]Policy
	DefaultPolicy Policy

	Authorizer Authorizer
	Bus        *events.Bus
	Logger     *logging.Logger
	Metrics    *monitoring.Metrics
	Now        func() time.Time
}

// DefaultOptions returns the stock settings
func DefaultOptions() Options {
	return Options{
		Interval:           5 * time.Second,
		BatchSize:          50,
		MaxQueueSize:       1000,
		BaseBackoff:        time.Second,
		MaxBackoff:         30 * time.Second,
		MaxConflictRetries: 1,
		OfflineThreshold:   3,
		ProbeInterval:      15 * time.Second,
		ManualConflictTTL:  10 * time.Minute,
		MaxAcknowledged:    10000,
		DefaultPolicy:      LastWriterWins{},
	}
}

type flight struct {
	done   chan struct{}
	result *FlushResult
	err    error
}

// Manager owns every unacknowledged local mutation. At most one flush is
// in flight; overlapping ForceSync calls wait for it.
type Manager struct {
	opts    Options
	bus     *events.Bus
	logger  *logging.Logger
	metrics *monitoring.Metrics
	now     func() time.Time
	breaker *resilience.Breaker

	mu           sync.Mutex
	transport    Transport
	queue        []*Operation
	inflight     []*Operation
	parked       []*Operation
	keys         map[id.IdempotencyKey]*Operation
	acked        map[id.IdempotencyKey]id.OperationID
	ackOrder     []id.IdempotencyKey
	conflicts    map[id.ConflictID]*Conflict
	heldOps      map[id.ConflictID]*Operation
	heldEntities map[string]id.ConflictID
	stats        Stats

	consecutiveFailures int
	nextDelay           time.Duration
	nextRetryAt         time.Time
	lastSyncAt          time.Time
	lastErr             error
	offline             bool
	suspended           bool

	flight      *flight
	cancelFlush context.CancelFunc
	parent      context.Context
	loopCancel  context.CancelFunc
	loopDone    chan struct{}
	wasRunning  bool
}

// NewManager creates a sync manager. Zero option fields take defaults.
func NewManager(transport Transport, opts Options) *Manager {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = def.MaxQueueSize
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = def.BaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	if opts.MaxConflictRetries < 0 {
		opts.MaxConflictRetries = 0
	}
	if opts.OfflineThreshold <= 0 {
		opts.OfflineThreshold = def.OfflineThreshold
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = def.ProbeInterval
	}
	if opts.ManualConflictTTL <= 0 {
		opts.ManualConflictTTL = def.ManualConflictTTL
	}
	if opts.MaxAcknowledged <= 0 {
		opts.MaxAcknowledged = def.MaxAcknowledged
	}
	if opts.DefaultPolicy == nil {
		opts.DefaultPolicy = def.DefaultPolicy
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(opts.Logger.Logger)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Manager{
		opts:         opts,
		bus:          opts.Bus,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		now:          opts.Now,
		transport:    transport,
		keys:         make(map[id.IdempotencyKey]*Operation),
		acked:        make(map[id.IdempotencyKey]id.OperationID),
		conflicts:    make(map[id.ConflictID]*Conflict),
		heldOps:      make(map[id.ConflictID]*Operation),
		heldEntities: make(map[string]id.ConflictID),
	}

	m.breaker = resilience.New("sync", resilience.Settings{
		FailureThreshold: uint32(opts.OfflineThreshold),
		OpenTimeout:      opts.ProbeInterval,
		IsFailure:        countsAgainstTransport,
		Now:              opts.Now,
		OnStateChange: func(_ string, _ resilience.State, to resilience.State) {
			switch to {
			case resilience.StateOpen:
				m.setOffline(true)
			case resilience.StateClosed:
				m.setOffline(false)
			}
		},
	})
	return m
}

func countsAgainstTransport(err error) bool {
	return fault.Retryable(err) && !errors.Is(err, context.Canceled)
}

// SetTransport swaps the transport used by later flushes
func (m *Manager) SetTransport(t Transport) {
	m.mu.Lock()
	m.transport = t
	m.mu.Unlock()
}

func (m *Manager) policyFor(mut Mutation) Policy {
	if mut.Foreground {
		return LocalWins{}
	}
	if p, ok := m.opts.Policies[mut.Type]; ok && p != nil {
		return p
	}
	return m.opts.DefaultPolicy
}

// Enqueue authorizes and queues a mutation. A mutation whose idempotency
// key was already acknowledged, or is already pending, is not queued
// again; the existing operation is returned instead.
func (m *Manager) Enqueue(ctx context.Context, mut Mutation) (*Operation, error) {
	const op = "syncer.enqueue"

	switch mut.Type {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return nil, fault.Newf(fault.KindValidation, op, "unknown operation type %q", mut.Type)
	}
	if mut.EntityID == "" {
		return nil, fault.New(fault.KindValidation, op, "entity id is required")
	}
	if m.opts.Authorizer != nil {
		if err := m.opts.Authorizer.Authorize(ctx, mut.Type, Resource); err != nil {
			return nil, err
		}
	}
	payload, err := marshalPayload(mut.Payload)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, op, err)
	}

	now := m.now()
	m.mu.Lock()

	key := mut.IdempotencyKey
	if key != "" {
		if opID, ok := m.acked[key]; ok {
			m.mu.Unlock()
			m.logger.Debug("Skipping acknowledged operation", zap.String("idempotency_key", key.String()))
			return &Operation{
				ID:             opID,
				IdempotencyKey: key,
				Type:           mut.Type,
				EntityID:       mut.EntityID,
				Status:         StatusAcknowledged,
			}, nil
		}
		if existing, ok := m.keys[key]; ok {
			c := existing.clone()
			m.mu.Unlock()
			return c, nil
		}
	} else {
		key = id.NewIdempotencyKey()
	}

	policy := m.policyFor(mut)
	o := &Operation{
		ID:             id.NewOperationID(),
		IdempotencyKey: key,
		Type:           mut.Type,
		EntityID:       mut.EntityID,
		Payload:        payload,
		BaseVersion:    mut.BaseVersion,
		Attempt:        1,
		Status:         StatusQueued,
		Foreground:     mut.Foreground,
		Policy:         policy.Name(),
		CreatedAt:      now,
		UpdatedAt:      now,
		policy:         policy,
	}
	m.queue = append(m.queue, o)
	m.keys[key] = o
	evicted := m.enforceBound()
	depth := len(m.queue)
	c := o.clone()
	m.mu.Unlock()

	m.metrics.SetQueueDepth(depth)
	m.reportEvictions(evicted, depth)
	return c, nil
}

// enforceBound drops the oldest queued operations beyond MaxQueueSize.
// Must hold lock.
func (m *Manager) enforceBound() []*Operation {
	over := len(m.queue) - m.opts.MaxQueueSize
	if over <= 0 {
		return nil
	}
	evicted := append([]*Operation(nil), m.queue[:over]...)
	m.queue = append([]*Operation(nil), m.queue[over:]...)
	for _, o := range evicted {
		delete(m.keys, o.IdempotencyKey)
	}
	m.stats.Evicted += len(evicted)
	return evicted
}

func (m *Manager) reportEvictions(evicted []*Operation, depth int) {
	for _, o := range evicted {
		err := fault.Newf(fault.KindOverflow, "syncer.enqueue", "queue full at %d, evicted %s", m.opts.MaxQueueSize, o.ID)
		m.logger.Warn("Sync queue overflow",
			zap.String("operation_id", o.ID.String()),
			zap.String("entity_id", o.EntityID),
			zap.Error(err))
		m.logger.Audit("sync_data_loss",
			zap.String("operation_id", o.ID.String()),
			zap.String("idempotency_key", o.IdempotencyKey.String()))
		m.metrics.IncEvicted()
		m.bus.Emit(events.SyncDataLoss, &DataLoss{
			OperationID:    o.ID,
			IdempotencyKey: o.IdempotencyKey,
			Type:           o.Type,
			EntityID:       o.EntityID,
			QueueSize:      depth,
		})
	}
}

// remember records an acknowledged key, forgetting the oldest beyond
// MaxAcknowledged. Must hold lock.
func (m *Manager) remember(o *Operation) {
	delete(m.keys, o.IdempotencyKey)
	if _, ok := m.acked[o.IdempotencyKey]; ok {
		return
	}
	m.acked[o.IdempotencyKey] = o.ID
	m.ackOrder = append(m.ackOrder, o.IdempotencyKey)
	if over := len(m.ackOrder) - m.opts.MaxAcknowledged; over > 0 {
		for _, k := range m.ackOrder[:over] {
			delete(m.acked, k)
		}
		m.ackOrder = append([]id.IdempotencyKey(nil), m.ackOrder[over:]...)
	}
}

// Start runs the flush timer until ctx ends or Stop is called
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loopCancel != nil {
		return
	}
	m.parent = ctx
	if m.suspended {
		m.wasRunning = true
		return
	}
	m.startLoopLocked()
}

func (m *Manager) startLoopLocked() {
	ctx, cancel := context.WithCancel(m.parent)
	done := make(chan struct{})
	m.loopCancel = cancel
	m.loopDone = done
	go m.loop(ctx, done)
}

func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	m.expireConflicts()

	m.mu.Lock()
	waiting := m.now().Before(m.nextRetryAt)
	empty := len(m.queue) == 0
	m.mu.Unlock()

	if waiting || empty {
		return
	}
	if _, err := m.runFlush(ctx); err != nil && !errors.Is(err, ErrOffline) {
		m.logger.Debug("Scheduled flush failed", zap.Error(err))
	}
}

// Stop halts the timer and waits for the loop to exit
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.loopCancel, m.loopDone
	m.loopCancel, m.loopDone = nil, nil
	m.wasRunning = false
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Suspend halts the timer and cancels the in-flight flush. Operations
// that were in flight are marked failed and requeued by Resume.
func (m *Manager) Suspend() {
	m.mu.Lock()
	if m.suspended {
		m.mu.Unlock()
		return
	}
	m.suspended = true
	m.wasRunning = m.loopCancel != nil
	cancelLoop, done := m.loopCancel, m.loopDone
	m.loopCancel, m.loopDone = nil, nil
	cancelFlush := m.cancelFlush
	m.mu.Unlock()

	if cancelFlush != nil {
		cancelFlush()
	}
	if cancelLoop != nil {
		cancelLoop()
		<-done
	}
	m.logger.Info("Sync suspended")
}

// Resume requeues operations failed by Suspend ahead of newer work and
// restarts the timer if it was running
func (m *Manager) Resume() {
	// Wait out a flush cancelled by Suspend so its batch is parked
	m.mu.Lock()
	f := m.flight
	m.mu.Unlock()
	if f != nil {
		<-f.done
	}

	now := m.now()
	m.mu.Lock()
	if !m.suspended {
		m.mu.Unlock()
		return
	}
	m.suspended = false

	requeued := make([]*Operation, 0, len(m.parked))
	for _, o := range m.parked {
		if err := o.requeue(now); err != nil {
			m.logger.Error("Cannot requeue operation", zap.Error(err))
			continue
		}
		requeued = append(requeued, o)
	}
	m.parked = nil
	m.queue = append(requeued, m.queue...)
	evicted := m.enforceBound()
	m.consecutiveFailures = 0
	m.nextDelay = 0
	m.nextRetryAt = time.Time{}
	if m.wasRunning && m.parent != nil {
		m.startLoopLocked()
	}
	depth := len(m.queue)
	m.mu.Unlock()

	m.breaker.Reset()
	m.metrics.SetQueueDepth(depth)
	m.reportEvictions(evicted, depth)
	m.logger.Info("Sync resumed", zap.Int("requeued", len(requeued)))
}

func (m *Manager) setOffline(offline bool) {
	m.mu.Lock()
	changed := m.offline != offline
	m.offline = offline
	m.mu.Unlock()

	if !changed {
		return
	}
	m.metrics.SetOffline(offline)
	if offline {
		m.logger.Warn("Sync offline; operations keep queuing")
		m.bus.Emit(events.SyncOffline, nil)
	} else {
		m.logger.Info("Sync back online")
		m.bus.Emit(events.SyncOnline, nil)
	}
}

// Stats returns operation counters
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

func (m *Manager) statsLocked() Stats {
	s := m.stats
	s.Queued = len(m.queue) + len(m.parked)
	s.InFlight = len(m.inflight)
	s.Held = len(m.heldOps)
	return s
}

// Status returns retry state and counters
func (m *Manager) Status() SyncStatus {
	breakerState := m.breaker.State()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s := SyncStatus{
		Online:              !m.offline && breakerState != resilience.StateOpen,
		Running:             m.loopCancel != nil,
		ConsecutiveFailures: m.consecutiveFailures,
		NextRetryDelay:      m.nextDelay,
		PendingConflicts:    len(m.heldOps),
		Stats:               m.statsLocked(),
	}
	if !m.nextRetryAt.IsZero() {
		t := m.nextRetryAt
		s.NextRetryAt = &t
	}
	if !m.lastSyncAt.IsZero() {
		t := m.lastSyncAt
		s.LastSyncAt = &t
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}

	switch {
	case m.suspended:
		s.State = StateSuspended
	case !s.Online:
		s.State = StateOffline
	case m.flight != nil:
		s.State = StateSyncing
	case now.Before(m.nextRetryAt):
		s.State = StateBackoff
	case m.lastErr != nil:
		s.State = StateError
	default:
		s.State = StateIdle
	}
	return s
}

// Queue returns copies of the queued operations in send order
func (m *Manager) Queue() []*Operation {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Operation, len(m.queue))
	for i, o := range m.queue {
		out[i] = o.clone()
	}
	return out
}

func backoffDelay(base, max time.Duration, failures int) time.Duration {
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
