package access

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/events"
	"github.com/GriffinCanCode/AnnotationBridge/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AnnotationBridge/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/fault"
)

// Refresher fetches a fresh context from the backend
type Refresher interface {
	RefreshContext(ctx context.Context, current AnnotationContext) (*AnnotationContext, error)
}

// Options configures a Manager
type Options struct {
	DefaultTTL time.Duration
	Refresher  Refresher
	Bus        *events.Bus
	Logger     *logging.Logger
	Metrics    *monitoring.Metrics
	Now        func() time.Time
}

// Manager is the single writer of the annotation context and answers
// capability questions against it
type Manager struct {
	opts    Options
	logger  *logging.Logger
	metrics *monitoring.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	current *AnnotationContext
	grants  grantSet

	refreshMu sync.Mutex
}

// NewManager creates a context manager
func NewManager(opts Options) *Manager {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
}

// SetRefresher installs the backend refresher
func (m *Manager) SetRefresher(r Refresher) {
	m.mu.Lock()
	m.opts.Refresher = r
	m.mu.Unlock()
}

// SetContext atomically replaces the context
func (m *Manager) SetContext(c AnnotationContext) error {
	c = c.Clone()
	if c.TTL == 0 {
		c.TTL = m.opts.DefaultTTL
	}
	if err := c.normalize(); err != nil {
		return err
	}
	m.replace(c)
	return nil
}

// UpdateContext merges patch into the current context and re-validates
func (m *Manager) UpdateContext(patch Patch) error {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return fault.New(fault.KindValidation, "access.update", "no context to update")
	}
	next := m.current.Clone()
	m.mu.Unlock()

	patch.apply(&next)
	if err := next.normalize(); err != nil {
		return err
	}
	m.replace(next)
	return nil
}

func (m *Manager) replace(c AnnotationContext) {
	grants := compile(c.Permissions)

	m.mu.Lock()
	m.current = &c
	m.grants = grants
	m.mu.Unlock()

	m.logger.Info("Annotation context set",
		zap.String("user", c.User.ID),
		zap.Int("permissions", len(c.Permissions)),
		zap.Time("expires_at", c.ExpiresAt()))

	if m.opts.Bus != nil {
		m.opts.Bus.Emit(events.ContextUpdated, newSnapshot(c, m.now()))
	}
}

// Clear drops the context, as on frame teardown
func (m *Manager) Clear() {
	m.mu.Lock()
	m.current = nil
	m.grants = grantSet{}
	m.mu.Unlock()
}

// Context returns a copy of the current context
func (m *Manager) Context() (AnnotationContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == nil {
		return AnnotationContext{}, false
	}
	return m.current.Clone(), true
}

// IsStale reports whether the context is missing or past its ttl
func (m *Manager) IsStale() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current == nil || m.current.IsStale(m.now())
}

// Snapshot returns the view pushed to the frame, or nil without a context
func (m *Manager) Snapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == nil {
		return nil
	}
	return newSnapshot(*m.current, m.now())
}

// CheckPermission answers whether the current context grants action on
// resource. A missing or stale context grants nothing.
func (m *Manager) CheckPermission(action, resource string) bool {
	m.mu.RLock()
	current, grants := m.current, m.grants
	m.mu.RUnlock()

	if current == nil || current.IsStale(m.now()) {
		m.metrics.RecordPermissionCheck(false)
		return false
	}
	_, ok := grants.match(action, resource)
	m.metrics.RecordPermissionCheck(ok)
	return ok
}

// Authorize is CheckPermission for callers that need a reason. A stale
// context is refreshed first when a Refresher is configured. Every
// denial is audit-logged.
func (m *Manager) Authorize(ctx context.Context, action, resource string) error {
	const op = "access.authorize"

	m.mu.RLock()
	current := m.current
	m.mu.RUnlock()

	if current == nil {
		m.deny(action, resource, "no_context")
		return fault.New(fault.KindPermission, op, "no annotation context")
	}

	if current.IsStale(m.now()) {
		if err := m.Refresh(ctx); err != nil {
			m.deny(action, resource, "stale_context")
			return fault.Wrap(fault.KindStale, op, err)
		}
	}

	m.mu.RLock()
	grants, current := m.grants, m.current
	m.mu.RUnlock()
	if current == nil {
		m.deny(action, resource, "no_context")
		return fault.New(fault.KindPermission, op, "no annotation context")
	}

	kind, ok := grants.match(action, resource)
	if !ok {
		m.deny(action, resource, "no_grant")
		return fault.Newf(fault.KindPermission, op, "%s may not %s %s", current.User.ID, action, resource)
	}
	m.metrics.RecordPermissionCheck(true)

	m.logger.Debug("Permission granted",
		zap.String("action", action),
		zap.String("resource", resource),
		zap.Stringer("matched", kind))
	return nil
}

// Refresh replaces a stale context using the configured Refresher.
// Concurrent callers share one refresh.
func (m *Manager) Refresh(ctx context.Context) error {
	const op = "access.refresh"

	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	m.mu.RLock()
	current, refresher := m.current, m.opts.Refresher
	m.mu.RUnlock()

	if current == nil {
		return fault.New(fault.KindStale, op, "no annotation context")
	}
	// Another caller refreshed while we waited
	if !current.IsStale(m.now()) {
		return nil
	}
	if refresher == nil {
		return fault.Newf(fault.KindStale, op, "context expired at %s", current.ExpiresAt().Format(time.RFC3339))
	}

	fresh, err := refresher.RefreshContext(ctx, current.Clone())
	if err != nil {
		return err
	}
	if fresh == nil {
		return fault.New(fault.KindStale, op, "refresher returned no context")
	}
	if err := m.SetContext(*fresh); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil || m.current.IsStale(m.now()) {
		return fault.New(fault.KindStale, op, "refreshed context is already stale")
	}
	return nil
}

// ForceRefresh refreshes regardless of staleness
func (m *Manager) ForceRefresh(ctx context.Context) error {
	m.mu.RLock()
	current, refresher := m.current, m.opts.Refresher
	m.mu.RUnlock()

	if current == nil || refresher == nil {
		return fault.New(fault.KindStale, "access.refresh", "nothing to refresh")
	}
	fresh, err := refresher.RefreshContext(ctx, current.Clone())
	if err != nil {
		return err
	}
	if fresh == nil {
		return fault.New(fault.KindStale, "access.refresh", "refresher returned no context")
	}
	return m.SetContext(*fresh)
}

func (m *Manager) deny(action, resource, reason string) {
	m.metrics.RecordPermissionCheck(false)
	m.logger.Audit("permission_denied",
		zap.String("action", action),
		zap.String("resource", resource),
		zap.String("reason", reason))
}
