package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/events"
	"github.com/GriffinCanCode/AnnotationBridge/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/fault"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/id"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/types"
)

// SyncError is the payload of sync:error
type SyncError struct {
	Error     string        `json:"error"`
	Kind      fault.Kind    `json:"kind,omitempty"`
	Retryable bool          `json:"retryable"`
	Count     int           `json:"count"`
	NextRetry time.Duration `json:"nextRetry,omitempty"`
}

type emission struct {
	topic   string
	payload interface{}
}

// ForceSync flushes now, ignoring the backoff timer. If a flush is
// already running the call waits for it and returns its outcome.
func (m *Manager) ForceSync(ctx context.Context) (*FlushResult, error) {
	return m.runFlush(ctx)
}

func (m *Manager) runFlush(ctx context.Context) (*FlushResult, error) {
	m.mu.Lock()
	if f := m.flight; f != nil {
		m.mu.Unlock()
		select {
		case <-f.done:
			return f.result, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	m.flight = f
	m.mu.Unlock()

	f.result, f.err = m.flush(ctx)

	m.mu.Lock()
	m.flight = nil
	m.mu.Unlock()
	close(f.done)

	return f.result, f.err
}

func (m *Manager) flush(ctx context.Context) (*FlushResult, error) {
	const op = "syncer.flush"

	m.expireConflicts()

	if m.breaker.State() == resilience.StateOpen {
		return nil, ErrOffline
	}

	now := m.now()
	m.mu.Lock()
	if m.suspended {
		m.mu.Unlock()
		return nil, ErrSuspended
	}
	transport := m.transport
	if transport == nil {
		m.mu.Unlock()
		return nil, fault.New(fault.KindChannel, op, "no transport configured")
	}
	batch := m.takeBatch(now)
	if len(batch) == 0 {
		m.mu.Unlock()
		return &FlushResult{}, nil
	}
	fctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.cancelFlush = cancel
	m.inflight = batch
	m.metrics.SetQueueDepth(len(m.queue))
	m.mu.Unlock()

	items := make([]types.SyncItem, len(batch))
	for i, o := range batch {
		items[i] = o.item()
	}

	m.bus.Emit(events.SyncStarted, len(batch))
	m.logger.Debug("Flushing sync batch", zap.Int("operations", len(batch)))

	start := time.Now()
	var results []types.SyncResult
	err := m.breaker.Do(func() error {
		var err error
		results, err = transport.SyncBatch(fctx, items)
		return err
	})
	elapsed := time.Since(start)

	res := &FlushResult{Sent: len(batch), Duration: elapsed}
	var emits []emission

	m.mu.Lock()
	m.cancelFlush = nil
	m.inflight = nil
	if err != nil {
		emits = m.handleFailure(batch, err, res)
	} else {
		emits = m.handleResults(batch, results, res)
	}
	evicted := m.enforceBound()
	depth := len(m.queue)
	m.mu.Unlock()

	m.metrics.RecordFlush(elapsed)
	m.metrics.SetQueueDepth(depth)
	m.reportEvictions(evicted, depth)
	for _, e := range emits {
		m.bus.Emit(e.topic, e.payload)
	}

	if err != nil {
		return res, fmt.Errorf("sync batch of %d failed: %w", len(batch), err)
	}
	m.bus.Emit(events.SyncCompleted, res)
	return res, nil
}

// takeBatch moves up to BatchSize sendable operations out of the queue,
// keeping order and skipping entities held by a manual conflict. At most
// one operation per entity goes out, so a later edit never overtakes a
// conflict raised by an earlier one. Must hold lock.
func (m *Manager) takeBatch(now time.Time) []*Operation {
	var batch []*Operation
	rest := make([]*Operation, 0, len(m.queue))
	taken := make(map[string]struct{})
	for _, o := range m.queue {
		_, held := m.heldEntities[o.EntityID]
		_, busy := taken[o.EntityID]
		if len(batch) >= m.opts.BatchSize || held || busy {
			rest = append(rest, o)
			continue
		}
		if err := o.advance(StatusSending, now); err != nil {
			m.logger.Error("Dropping operation in invalid state", zap.Error(err))
			delete(m.keys, o.IdempotencyKey)
			continue
		}
		taken[o.EntityID] = struct{}{}
		batch = append(batch, o)
	}
	m.queue = rest
	return batch
}

// handleFailure applies a whole-batch failure. Must hold lock.
func (m *Manager) handleFailure(batch []*Operation, err error, res *FlushResult) []emission {
	now := m.now()
	retryable := fault.Retryable(err) ||
		errors.Is(err, resilience.ErrCircuitOpen) ||
		errors.Is(err, resilience.ErrTooManyRequests) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)

	if m.suspended {
		for _, o := range batch {
			_ = o.fail(err, true, now)
		}
		m.parked = append(m.parked, batch...)
		return nil
	}

	m.lastErr = err
	if !retryable {
		for _, o := range batch {
			_ = o.fail(err, false, now)
			delete(m.keys, o.IdempotencyKey)
		}
		m.stats.Failed += len(batch)
		res.Failed = len(batch)

		m.logger.Error("Sync batch rejected", zap.Int("operations", len(batch)), zap.Error(err))
		if errors.Is(err, fault.ErrPermission) || errors.Is(err, fault.ErrSecurity) {
			m.logger.Audit("sync_batch_denied", zap.Int("operations", len(batch)), zap.Error(err))
		}
		return []emission{{events.SyncError, &SyncError{
			Error: err.Error(), Kind: fault.KindOf(err), Count: len(batch),
		}}}
	}

	for _, o := range batch {
		_ = o.fail(err, true, now)
		_ = o.requeue(now)
	}
	m.queue = append(append([]*Operation(nil), batch...), m.queue...)
	res.Requeued = len(batch)

	m.consecutiveFailures++
	m.nextDelay = backoffDelay(m.opts.BaseBackoff, m.opts.MaxBackoff, m.consecutiveFailures)
	m.nextRetryAt = now.Add(m.nextDelay)

	m.logger.Warn("Sync batch failed; retrying",
		zap.Int("operations", len(batch)),
		zap.Int("consecutive_failures", m.consecutiveFailures),
		zap.Duration("backoff", m.nextDelay),
		zap.Error(err))

	return []emission{{events.SyncError, &SyncError{
		Error:     err.Error(),
		Kind:      fault.KindOf(err),
		Retryable: true,
		Count:     len(batch),
		NextRetry: m.nextDelay,
	}}}
}

// handleResults applies per-operation outcomes. Must hold lock.
func (m *Manager) handleResults(batch []*Operation, results []types.SyncResult, res *FlushResult) []emission {
	now := m.now()
	m.lastSyncAt = now
	m.lastErr = nil
	var stale error
	staleCount := 0

	byID := make(map[string]types.SyncResult, len(results))
	for _, r := range results {
		if r.OperationID != "" {
			byID[r.OperationID] = r
		} else {
			byID[r.IdempotencyKey] = r
		}
	}

	var emits []emission
	var requeue []*Operation
	for _, o := range batch {
		r, ok := byID[o.ID.String()]
		if !ok {
			r, ok = byID[o.IdempotencyKey.String()]
		}
		if !ok {
			// Outcome unknown; the idempotency key makes a resend safe
			_ = o.fail(errors.New("no result for operation"), true, now)
			_ = o.requeue(now)
			requeue = append(requeue, o)
			res.Requeued++
			continue
		}

		switch r.Status {
		case types.OutcomeApplied:
			_ = o.advance(StatusAcknowledged, now)
			m.remember(o)
			m.stats.Succeeded++
			res.Applied++
			m.metrics.RecordOperation(string(StatusAcknowledged))

		case types.OutcomeConflict:
			if r.RemoteVersion <= o.BaseVersion {
				// Not a newer remote version: the backend is misreporting, back off
				stale = fault.Newf(fault.KindRemote, "syncer.apply",
					"conflict reported at version %d, base %d", r.RemoteVersion, o.BaseVersion)
				staleCount++
				_ = o.fail(stale, true, now)
				_ = o.requeue(now)
				requeue = append(requeue, o)
				res.Requeued++
				continue
			}
			_ = o.advance(StatusConflicted, now)
			m.stats.Conflicts++
			res.Conflicts++
			m.metrics.RecordConflict(o.Policy)
			emits = append(emits, m.resolve(o, Remote{Version: r.RemoteVersion, Payload: r.Remote}, res, &requeue)...)

		default:
			cause := fault.New(fault.Kind(r.Code), "syncer.apply", r.Error)
			if r.Code == "" {
				cause.Kind = fault.KindValidation
			}
			_ = o.fail(cause, false, now)
			delete(m.keys, o.IdempotencyKey)
			m.stats.Failed++
			res.Failed++
			m.metrics.RecordOperation(string(StatusFailed))
			m.logger.Warn("Operation rejected",
				zap.String("operation_id", o.ID.String()),
				zap.String("entity_id", o.EntityID),
				zap.Error(cause))
			if cause.Kind == fault.KindPermission {
				m.logger.Audit("sync_operation_denied",
					zap.String("operation_id", o.ID.String()),
					zap.String("type", o.Type))
			}
		}
	}
	m.queue = append(requeue, m.queue...)

	if stale == nil {
		m.consecutiveFailures = 0
		m.nextDelay = 0
		m.nextRetryAt = time.Time{}
		return emits
	}
	m.lastErr = stale
	m.consecutiveFailures++
	m.nextDelay = backoffDelay(m.opts.BaseBackoff, m.opts.MaxBackoff, m.consecutiveFailures)
	m.nextRetryAt = now.Add(m.nextDelay)
	m.logger.Warn("Backend reported a conflict without a newer version; backing off",
		zap.Int("consecutive_failures", m.consecutiveFailures),
		zap.Duration("backoff", m.nextDelay),
		zap.Error(stale))
	return append(emits, emission{events.SyncError, &SyncError{
		Error:     stale.Error(),
		Kind:      fault.KindRemote,
		Retryable: true,
		Count:     staleCount,
		NextRetry: m.nextDelay,
	}})
}

// resolve runs the operation's bound policy once. Must hold lock.
func (m *Manager) resolve(o *Operation, remote Remote, res *FlushResult, requeue *[]*Operation) []emission {
	now := m.now()
	c := &Conflict{
		ID:            id.NewConflictID(),
		OperationID:   o.ID,
		EntityID:      o.EntityID,
		Type:          o.Type,
		LocalVersion:  o.BaseVersion,
		RemoteVersion: remote.Version,
		Local:         o.Payload,
		Remote:        remote.Payload,
		Policy:        o.Policy,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.opts.ManualConflictTTL),
	}

	policy := o.policy
	if policy == nil {
		policy = m.opts.DefaultPolicy
	}
	resolution := policy.Resolve(o.clone(), remote)

	fields := []zap.Field{
		zap.String("operation_id", o.ID.String()),
		zap.String("entity_id", o.EntityID),
		zap.String("policy", o.Policy),
		zap.Int64("base_version", o.BaseVersion),
		zap.Int64("remote_version", remote.Version),
	}

	switch resolution.Action {
	case ActionDefer:
		m.conflicts[c.ID] = c
		m.heldOps[c.ID] = o
		m.heldEntities[o.EntityID] = c.ID
		res.Held++
		m.logger.Info("Conflict awaiting manual resolution", append(fields, zap.String("conflict_id", c.ID.String()))...)
		return []emission{{events.SyncConflict, cloneConflict(c)}}

	case ActionResend:
		if o.ConflictRetries >= m.opts.MaxConflictRetries {
			_ = o.fail(fault.New(fault.KindConflict, "syncer.resolve", "conflict retries exhausted"), false, now)
			delete(m.keys, o.IdempotencyKey)
			m.stats.Failed++
			res.Failed++
			m.logger.Warn("Abandoning operation after repeated conflicts", fields...)
			return []emission{{events.SyncConflict, cloneConflict(c)}}
		}
		o.ConflictRetries++
		if resolution.Payload != nil {
			o.Payload = resolution.Payload
		}
		o.BaseVersion = resolution.BaseVersion
		*requeue = append(*requeue, o)
		res.Requeued++
		c.Resolution = ChoiceLocal

	default:
		_ = o.advance(StatusDiscarded, now)
		delete(m.keys, o.IdempotencyKey)
		m.stats.Discarded++
		res.Discarded++
		m.metrics.RecordOperation(string(StatusDiscarded))
		c.Resolution = ChoiceRemote
	}

	c.ResolvedAt = &now
	m.logger.Info("Conflict resolved", append(fields, zap.String("resolution", string(c.Resolution)))...)
	snapshot := cloneConflict(c)
	return []emission{
		{events.SyncConflict, snapshot},
		{events.SyncConflictResolved, snapshot},
	}
}

// Conflicts returns unresolved manual conflicts, oldest first
func (m *Manager) Conflicts() []*Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Conflict, 0, len(m.heldOps))
	for cid := range m.heldOps {
		out = append(out, cloneConflict(m.conflicts[cid]))
	}
	sortConflicts(out)
	return out
}

// ResolveConflictManually settles a manual conflict exactly once
func (m *Manager) ResolveConflictManually(conflictID id.ConflictID, r ManualResolution) error {
	const op = "syncer.resolve"

	now := m.now()
	m.mu.Lock()
	c, ok := m.conflicts[conflictID]
	if !ok {
		m.mu.Unlock()
		return fault.Newf(fault.KindValidation, op, "unknown conflict %s", conflictID)
	}
	if c.Resolved() {
		m.mu.Unlock()
		return fault.Newf(fault.KindConflict, op, "conflict %s already resolved as %s", conflictID, c.Resolution)
	}
	o := m.heldOps[conflictID]

	switch r.Choice {
	case ChoiceRemote:
		_ = o.advance(StatusDiscarded, now)
		delete(m.keys, o.IdempotencyKey)
		m.stats.Discarded++
	case ChoiceLocal, ChoiceMerged:
		if r.Choice == ChoiceMerged {
			if len(r.Payload) == 0 {
				m.mu.Unlock()
				return fault.New(fault.KindValidation, op, "merged resolution requires a payload")
			}
			o.Payload = append(json.RawMessage(nil), r.Payload...)
		}
		o.BaseVersion = c.RemoteVersion
		m.queue = append([]*Operation{o}, m.queue...)
	default:
		m.mu.Unlock()
		return fault.Newf(fault.KindValidation, op, "unknown resolution %q", r.Choice)
	}

	c.Resolution = r.Choice
	c.ResolvedAt = &now
	delete(m.heldOps, conflictID)
	delete(m.heldEntities, c.EntityID)
	snapshot := cloneConflict(c)
	evicted := m.enforceBound()
	depth := len(m.queue)
	m.mu.Unlock()

	m.logger.Info("Conflict resolved manually",
		zap.String("conflict_id", conflictID.String()),
		zap.String("resolution", string(r.Choice)))
	m.reportEvictions(evicted, depth)
	m.bus.Emit(events.SyncConflictResolved, snapshot)
	return nil
}

// expireConflicts escalates manual conflicts past ManualConflictTTL: the
// remote version wins. Resolved conflicts older than the ttl are pruned.
func (m *Manager) expireConflicts() {
	now := m.now()
	var expired []*Conflict

	m.mu.Lock()
	for cid, c := range m.conflicts {
		if c.Resolved() {
			if c.ResolvedAt != nil && now.Sub(*c.ResolvedAt) > m.opts.ManualConflictTTL {
				delete(m.conflicts, cid)
			}
			continue
		}
		if !now.After(c.ExpiresAt) {
			continue
		}
		if o := m.heldOps[cid]; o != nil {
			_ = o.advance(StatusDiscarded, now)
			delete(m.keys, o.IdempotencyKey)
			m.stats.Discarded++
		}
		c.Resolution = ChoiceRemote
		c.Escalated = true
		c.ResolvedAt = &now
		delete(m.heldOps, cid)
		delete(m.heldEntities, c.EntityID)
		expired = append(expired, cloneConflict(c))
	}
	m.mu.Unlock()

	sortConflicts(expired)
	for _, c := range expired {
		m.logger.Audit("conflict_escalated",
			zap.String("conflict_id", c.ID.String()),
			zap.String("operation_id", c.OperationID.String()),
			zap.String("entity_id", c.EntityID),
			zap.String("resolution", string(c.Resolution)))
		m.bus.Emit(events.SyncConflictExpired, c)
	}
}

func cloneConflict(c *Conflict) *Conflict {
	out := *c
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}

// ids are ULIDs, so id order is creation order
func sortConflicts(cs []*Conflict) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].ID < cs[j].ID })
}

func marshalPayload(v interface{}) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		return append(json.RawMessage(nil), p...), nil
	}
	return sonic.ConfigStd.Marshal(v)
}
