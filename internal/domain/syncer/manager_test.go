package syncer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/GriffinCanCode/AnnotationBridge/internal/backend"
	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/access"
	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/events"
	"github.com/GriffinCanCode/AnnotationBridge/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/fault"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/id"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/types"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type transportFunc func(ctx context.Context, items []types.SyncItem) ([]types.SyncResult, error)

func (f transportFunc) SyncBatch(ctx context.Context, items []types.SyncItem) ([]types.SyncResult, error) {
	return f(ctx, items)
}

// recorder collects bus events by topic
type recorder struct {
	mu     sync.Mutex
	events map[string][]interface{}
}

func record(bus *events.Bus) *recorder {
	r := &recorder{events: make(map[string][]interface{})}
	bus.Subscribe(events.Wildcard, func(e events.Event) {
		r.mu.Lock()
		r.events[e.Topic] = append(r.events[e.Topic], e.Payload)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) get(topic string) []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]interface{}(nil), r.events[topic]...)
}

type harness struct {
	m     *Manager
	clock *clock
	bus   *events.Bus
	rec   *recorder
	logs  *observer.ObservedLogs
}

func newHarness(t *testing.T, transport Transport, mutate func(*Options)) *harness {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	logger := logging.Wrap(zap.New(core))
	clk := &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	bus := events.NewBus(logger.Logger)

	opts := DefaultOptions()
	opts.Bus = bus
	opts.Logger = logger
	opts.Now = clk.Now
	if mutate != nil {
		mutate(&opts)
	}
	h := &harness{m: NewManager(transport, opts), clock: clk, bus: bus, rec: record(bus), logs: logs}
	t.Cleanup(h.m.Stop)
	return h
}

func (h *harness) enqueue(t *testing.T, typ, entity string, base int64) *Operation {
	t.Helper()
	o, err := h.m.Enqueue(context.Background(), Mutation{
		Type:        typ,
		EntityID:    entity,
		Payload:     map[string]string{"label": entity},
		BaseVersion: base,
	})
	require.NoError(t, err)
	return o
}

// audited counts audit log entries with the given message
func (h *harness) audited(msg string) int {
	return h.logs.Filter(func(e observer.LoggedEntry) bool {
		return e.LoggerName == "audit" && e.Message == msg
	}).Len()
}

func netErr() error {
	return fault.New(fault.KindNetwork, "test", "connection refused")
}

func TestEnqueueValidates(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, err := h.m.Enqueue(context.Background(), Mutation{Type: "rename", EntityID: "a1"})
	assert.ErrorIs(t, err, fault.ErrValidation)

	_, err = h.m.Enqueue(context.Background(), Mutation{Type: OpCreate})
	assert.ErrorIs(t, err, fault.ErrValidation)

	o := h.enqueue(t, OpCreate, "a1", 0)
	assert.Equal(t, StatusQueued, o.Status)
	assert.Equal(t, 1, o.Attempt)
	assert.True(t, id.IsValid(string(o.ID), id.OperationPrefix))
	assert.True(t, id.IsValid(string(o.IdempotencyKey), id.IdempotencyPrefix))
	assert.Equal(t, PolicyLastWriterWins, o.Policy)
	assert.JSONEq(t, `{"label":"a1"}`, string(o.Payload))
}

func TestEnqueueRequiresPermission(t *testing.T) {
	ctxMgr := access.NewManager(access.Options{})
	require.NoError(t, ctxMgr.SetContext(access.AnnotationContext{
		User:        access.User{ID: "u1"},
		Permissions: []access.Permission{access.Grant(OpCreate, Resource)},
		Timestamp:   time.Now(),
	}))
	h := newHarness(t, nil, func(o *Options) { o.Authorizer = ctxMgr })

	_, err := h.m.Enqueue(context.Background(), Mutation{Type: OpCreate, EntityID: "a1"})
	require.NoError(t, err)

	_, err = h.m.Enqueue(context.Background(), Mutation{Type: OpDelete, EntityID: "a1"})
	assert.ErrorIs(t, err, fault.ErrPermission)
	assert.Len(t, h.m.Queue(), 1)
}

func TestEnqueueSameKeyOnce(t *testing.T) {
	mem := backend.NewMemory()
	h := newHarness(t, mem, nil)
	key := id.NewIdempotencyKey()

	mut := Mutation{Type: OpCreate, EntityID: "a1", IdempotencyKey: key}
	first, err := h.m.Enqueue(context.Background(), mut)
	require.NoError(t, err)
	second, err := h.m.Enqueue(context.Background(), mut)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, h.m.Queue(), 1)

	_, err = h.m.ForceSync(context.Background())
	require.NoError(t, err)

	again, err := h.m.Enqueue(context.Background(), mut)
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, again.Status)
	assert.Equal(t, first.ID, again.ID)
	assert.Empty(t, h.m.Queue())
	assert.Equal(t, 1, mem.Applications(key.String()))
}

func TestFlushApplies(t *testing.T) {
	mem := backend.NewMemory()
	h := newHarness(t, mem, nil)
	h.enqueue(t, OpCreate, "a1", 0)
	h.enqueue(t, OpCreate, "a2", 0)

	res, err := h.m.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 2, res.Applied)

	stats := h.m.Stats()
	assert.Equal(t, 2, stats.Succeeded)
	assert.Zero(t, stats.Queued)

	e, ok := mem.Entity("a2")
	require.True(t, ok)
	assert.Equal(t, int64(1), e.Version)
	assert.Len(t, h.rec.get(events.SyncStarted), 1)
	assert.Len(t, h.rec.get(events.SyncCompleted), 1)

	status := h.m.Status()
	assert.Equal(t, StateIdle, status.State)
	require.NotNil(t, status.LastSyncAt)
}

func TestFlushHonorsBatchSize(t *testing.T) {
	mem := backend.NewMemory()
	h := newHarness(t, mem, func(o *Options) { o.BatchSize = 2 })
	for _, e := range []string{"a1", "a2", "a3"} {
		h.enqueue(t, OpCreate, e, 0)
	}

	res, err := h.m.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	require.Len(t, h.m.Queue(), 1)
	assert.Equal(t, "a3", h.m.Queue()[0].EntityID)
}

func TestOneOperationPerEntityPerBatch(t *testing.T) {
	mem := backend.NewMemory()
	h := newHarness(t, mem, nil)
	create := h.enqueue(t, OpCreate, "a1", 0)
	other := h.enqueue(t, OpCreate, "a2", 0)
	update := h.enqueue(t, OpUpdate, "a1", 1)

	res, err := h.m.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, StatusAcknowledged, create.Status)
	assert.Equal(t, StatusAcknowledged, other.Status)

	queued := h.m.Queue()
	require.Len(t, queued, 1)
	assert.Equal(t, update.ID, queued[0].ID)

	res, err = h.m.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	e, _ := mem.Entity("a1")
	assert.Equal(t, int64(2), e.Version)
}

func TestLocalWinsResendDoesNotOvertakeLaterEdit(t *testing.T) {
	mem := backend.NewMemory()
	mem.Seed("a1", 2, nil)
	h := newHarness(t, mem, func(o *Options) {
		o.Policies = map[string]Policy{OpUpdate: LocalWins{}}
	})
	h.enqueue(t, OpUpdate, "a1", 1)
	_, err := h.m.Enqueue(context.Background(), Mutation{
		Type:        OpUpdate,
		EntityID:    "a1",
		Payload:     map[string]string{"label": "newest"},
		BaseVersion: 2,
	})
	require.NoError(t, err)

	res, err := h.m.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Requeued)

	// rebased first edit, then the second edit and its own rebase
	for i := 0; i < 3; i++ {
		_, err = h.m.ForceSync(context.Background())
		require.NoError(t, err)
	}
	assert.Empty(t, h.m.Queue())

	// the later edit lands last
	e, _ := mem.Entity("a1")
	assert.JSONEq(t, `{"label":"newest"}`, string(e.Payload))
}

func TestStaleConflictBacksOff(t *testing.T) {
	bogus := transportFunc(func(_ context.Context, items []types.SyncItem) ([]types.SyncResult, error) {
		out := make([]types.SyncResult, len(items))
		for i, it := range items {
			out[i] = types.SyncResult{OperationID: it.OperationID, Status: types.OutcomeConflict, RemoteVersion: it.BaseVersion}
		}
		return out, nil
	})
	h := newHarness(t, bogus, nil)
	h.enqueue(t, OpUpdate, "a1", 4)

	for i := 1; i <= 3; i++ {
		res, err := h.m.ForceSync(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.Requeued)
		assert.Zero(t, res.Conflicts)

		status := h.m.Status()
		assert.Equal(t, i, status.ConsecutiveFailures)
		assert.Equal(t, StateBackoff, status.State)
		assert.Equal(t, backoffDelay(time.Second, 30*time.Second, i), status.NextRetryDelay)
	}
	assert.Len(t, h.rec.get(events.SyncError), 3)
	require.Len(t, h.m.Queue(), 1)
	assert.Equal(t, 4, h.m.Queue()[0].Attempt)
}

func TestLastWriterWinsDiscards(t *testing.T) {
	mem := backend.NewMemory()
	mem.Seed("a1", 2, json.RawMessage(`{"label":"remote"}`))
	h := newHarness(t, mem, nil)
	h.enqueue(t, OpUpdate, "a1", 1)

	res, err := h.m.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	assert.Equal(t, 1, res.Discarded)

	stats := h.m.Stats()
	assert.Equal(t, 1, stats.Conflicts)
	assert.Equal(t, 1, stats.Discarded)
	assert.Zero(t, stats.Queued)

	e, _ := mem.Entity("a1")
	assert.Equal(t, int64(2), e.Version)
	assert.JSONEq(t, `{"label":"remote"}`, string(e.Payload))

	resolved := h.rec.get(events.SyncConflictResolved)
	require.Len(t, resolved, 1)
	c := resolved[0].(*Conflict)
	assert.Equal(t, ChoiceRemote, c.Resolution)
	assert.Equal(t, int64(2), c.RemoteVersion)
	assert.Equal(t, int64(1), c.LocalVersion)
}

func TestForegroundLocalWinsRebases(t *testing.T) {
	mem := backend.NewMemory()
	mem.Seed("a1", 2, nil)
	h := newHarness(t, mem, nil)

	o, err := h.m.Enqueue(context.Background(), Mutation{
		Type:        OpUpdate,
		EntityID:    "a1",
		Payload:     map[string]string{"label": "mine"},
		BaseVersion: 1,
		Foreground:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, PolicyLocalWins, o.Policy)

	res, err := h.m.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	assert.Equal(t, 1, res.Requeued)

	queued := h.m.Queue()
	require.Len(t, queued, 1)
	assert.Equal(t, int64(2), queued[0].BaseVersion)
	assert.Equal(t, 1, queued[0].ConflictRetries)

	res, err = h.m.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	e, _ := mem.Entity("a1")
	assert.Equal(t, int64(3), e.Version)
	assert.JSONEq(t, `{"label":"mine"}`, string(e.Payload))
}

func TestLocalWinsGivesUpAfterRetries(t *testing.T) {
	mem := backend.NewMemory()
	mem.Seed("a1", 2, nil)
	h := newHarness(t, mem, func(o *Options) {
		o.Policies = map[string]Policy{OpUpdate: LocalWins{}}
	})
	h.enqueue(t, OpUpdate, "a1", 1)

	_, err := h.m.ForceSync(context.Background())
	require.NoError(t, err)

	// another writer gets in first again
	mem.Seed("a1", 5, nil)
	res, err := h.m.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	stats := h.m.Stats()
	assert.Equal(t, 2, stats.Conflicts)
	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, stats.Queued)
}

func TestQueueBoundEvictsOldest(t *testing.T) {
	h := newHarness(t, nil, nil)

	var ops []*Operation
	for i := 0; i < 1001; i++ {
		ops = append(ops, h.enqueue(t, OpCreate, "a", 0))
	}

	queued := h.m.Queue()
	require.Len(t, queued, 1000)
	assert.Equal(t, ops[1].ID, queued[0].ID)
	assert.Equal(t, ops[1000].ID, queued[999].ID)

	lost := h.rec.get(events.SyncDataLoss)
	require.Len(t, lost, 1)
	dl := lost[0].(*DataLoss)
	assert.Equal(t, ops[0].ID, dl.OperationID)
	assert.Equal(t, 1000, dl.QueueSize)
	assert.Equal(t, 1, h.m.Stats().Evicted)

	assert.Equal(t, 1, h.audited("sync_data_loss"))
	assert.Equal(t, 1, h.logs.FilterMessage("Sync queue overflow").Len())
}

func TestBackoffGrowsAndKeepsOrder(t *testing.T) {
	mem := backend.NewMemory()
	failures := 6
	errs := make([]error, failures)
	for i := range errs {
		errs[i] = netErr()
	}
	mem.FailNext(errs...)

	h := newHarness(t, mem, func(o *Options) {
		o.BaseBackoff = 10 * time.Millisecond
		o.MaxBackoff = 80 * time.Millisecond
		o.OfflineThreshold = 100
	})
	want := []id.OperationID{
		h.enqueue(t, OpCreate, "a1", 0).ID,
		h.enqueue(t, OpCreate, "a2", 0).ID,
		h.enqueue(t, OpCreate, "a3", 0).ID,
	}

	var delays []time.Duration
	for i := 0; i < failures; i++ {
		res, err := h.m.ForceSync(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, fault.ErrNetwork)
		assert.Equal(t, 3, res.Requeued)

		status := h.m.Status()
		assert.Equal(t, i+1, status.ConsecutiveFailures)
		assert.Equal(t, StateBackoff, status.State)
		delays = append(delays, status.NextRetryDelay)

		queued := h.m.Queue()
		require.Len(t, queued, 3)
		for j, o := range queued {
			assert.Equal(t, want[j], o.ID)
			assert.Equal(t, i+2, o.Attempt)
		}
	}

	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		80 * time.Millisecond,
		80 * time.Millisecond,
		80 * time.Millisecond,
	}, delays)
	assert.Len(t, h.rec.get(events.SyncError), failures)

	res, err := h.m.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Applied)
	assert.Zero(t, h.m.Status().ConsecutiveFailures)
}

func TestReplayedBatchAppliesOnce(t *testing.T) {
	mem := backend.NewMemory()
	lose := true
	var mu sync.Mutex
	lossy := transportFunc(func(ctx context.Context, items []types.SyncItem) ([]types.SyncResult, error) {
		res, err := mem.SyncBatch(ctx, items)
		mu.Lock()
		defer mu.Unlock()
		if lose {
			lose = false
			return nil, fault.New(fault.KindTimeout, "test", "response lost")
		}
		return res, err
	})
	h := newHarness(t, lossy, nil)
	a := h.enqueue(t, OpCreate, "a1", 0)
	b := h.enqueue(t, OpCreate, "a2", 0)

	_, err := h.m.ForceSync(context.Background())
	require.Error(t, err)
	res, err := h.m.ForceSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 1, mem.Applications(a.IdempotencyKey.String()))
	assert.Equal(t, 1, mem.Applications(b.IdempotencyKey.String()))
	e, _ := mem.Entity("a1")
	assert.Equal(t, int64(1), e.Version)
}

func TestRejectedOperationFailsTerminally(t *testing.T) {
	reject := transportFunc(func(_ context.Context, items []types.SyncItem) ([]types.SyncResult, error) {
		out := make([]types.SyncResult, len(items))
		for i, it := range items {
			out[i] = types.SyncResult{
				OperationID: it.OperationID,
				Status:      types.OutcomeRejected,
				Code:        string(fault.KindPermission),
				Error:       "not allowed",
			}
		}
		return out, nil
	})
	h := newHarness(t, reject, nil)
	h.enqueue(t, OpDelete, "a1", 3)

	res, err := h.m.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, h.m.Stats().Failed)
	assert.Empty(t, h.m.Queue())
	assert.Equal(t, 1, h.audited("sync_operation_denied"))
}

func TestMissingResultRequeues(t *testing.T) {
	partial := transportFunc(func(_ context.Context, items []types.SyncItem) ([]types.SyncResult, error) {
		return []types.SyncResult{{OperationID: items[0].OperationID, Status: types.OutcomeApplied, RemoteVersion: 1}}, nil
	})
	h := newHarness(t, partial, nil)
	h.enqueue(t, OpCreate, "a1", 0)
	second := h.enqueue(t, OpCreate, "a2", 0)

	res, err := h.m.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.Requeued)

	queued := h.m.Queue()
	require.Len(t, queued, 1)
	assert.Equal(t, second.ID, queued[0].ID)
	assert.Equal(t, 2, queued[0].Attempt)
}

func TestNonRetryableBatchFailure(t *testing.T) {
	mem := backend.NewMemory()
	mem.FailNext(fault.New(fault.KindValidation, "test", "malformed batch"))
	h := newHarness(t, mem, nil)
	h.enqueue(t, OpCreate, "a1", 0)

	res, err := h.m.ForceSync(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrValidation)
	assert.Equal(t, 1, res.Failed)
	assert.Empty(t, h.m.Queue())
	assert.Equal(t, StateError, h.m.Status().State)
}

func TestOverlappingForceSyncShareFlush(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	slow := transportFunc(func(_ context.Context, items []types.SyncItem) ([]types.SyncResult, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		close(started)
		<-release
		out := make([]types.SyncResult, len(items))
		for i, it := range items {
			out[i] = types.SyncResult{OperationID: it.OperationID, Status: types.OutcomeApplied, RemoteVersion: 1}
		}
		return out, nil
	})
	h := newHarness(t, slow, nil)
	h.enqueue(t, OpCreate, "a1", 0)

	results := make([]*FlushResult, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := h.m.ForceSync(context.Background())
		assert.NoError(t, err)
		results[0] = res
	}()
	<-started
	assert.Equal(t, StateSyncing, h.m.Status().State)

	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := h.m.ForceSync(context.Background())
		assert.NoError(t, err)
		results[1] = res
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
	require.NotNil(t, results[0])
	assert.Same(t, results[0], results[1])
	assert.Equal(t, 1, results[0].Applied)
}

func TestOfflineAndBackOnline(t *testing.T) {
	mem := backend.NewMemory()
	mem.FailNext(netErr(), netErr())
	h := newHarness(t, mem, func(o *Options) {
		o.OfflineThreshold = 2
		o.ProbeInterval = time.Minute
	})
	h.enqueue(t, OpCreate, "a1", 0)

	for i := 0; i < 2; i++ {
		_, err := h.m.ForceSync(context.Background())
		require.Error(t, err)
	}
	assert.Len(t, h.rec.get(events.SyncOffline), 1)
	status := h.m.Status()
	assert.False(t, status.Online)
	assert.Equal(t, StateOffline, status.State)

	// no traffic while the circuit is open; queuing still works
	_, err := h.m.ForceSync(context.Background())
	assert.ErrorIs(t, err, ErrOffline)
	assert.Equal(t, 2, mem.Batches())
	h.enqueue(t, OpCreate, "a2", 0)
	assert.Len(t, h.m.Queue(), 2)

	h.clock.Advance(2 * time.Minute)
	res, err := h.m.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Len(t, h.rec.get(events.SyncOnline), 1)
	assert.True(t, h.m.Status().Online)
}

func TestSuspendParksInFlightBatch(t *testing.T) {
	started := make(chan struct{})
	hang := transportFunc(func(ctx context.Context, _ []types.SyncItem) ([]types.SyncResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, hang, nil)
	first := h.enqueue(t, OpCreate, "a1", 0)

	done := make(chan error, 1)
	go func() {
		_, err := h.m.ForceSync(context.Background())
		done <- err
	}()
	<-started
	h.m.Suspend()
	require.Error(t, <-done)

	assert.Equal(t, StateSuspended, h.m.Status().State)
	assert.Equal(t, 1, h.m.Stats().Queued)
	_, err := h.m.ForceSync(context.Background())
	assert.ErrorIs(t, err, ErrSuspended)

	second := h.enqueue(t, OpCreate, "a2", 0)
	mem := backend.NewMemory()
	h.m.SetTransport(mem)
	h.m.Resume()

	queued := h.m.Queue()
	require.Len(t, queued, 2)
	assert.Equal(t, first.ID, queued[0].ID)
	assert.Equal(t, 2, queued[0].Attempt)
	assert.Equal(t, second.ID, queued[1].ID)

	res, err := h.m.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 1, mem.Applications(first.IdempotencyKey.String()))
}

func TestStartFlushesOnTimer(t *testing.T) {
	mem := backend.NewMemory()
	h := newHarness(t, mem, func(o *Options) { o.Interval = 10 * time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.m.Start(ctx)
	assert.True(t, h.m.Status().Running)
	h.enqueue(t, OpCreate, "a1", 0)

	require.Eventually(t, func() bool {
		return h.m.Stats().Succeeded == 1
	}, time.Second, 5*time.Millisecond)

	h.m.Stop()
	assert.False(t, h.m.Status().Running)
}

func TestSuspendResumeRestartsTimer(t *testing.T) {
	mem := backend.NewMemory()
	h := newHarness(t, mem, func(o *Options) { o.Interval = 10 * time.Millisecond })
	h.m.Start(context.Background())

	h.m.Suspend()
	assert.False(t, h.m.Status().Running)
	h.enqueue(t, OpCreate, "a1", 0)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, mem.Batches())

	h.m.Resume()
	assert.True(t, h.m.Status().Running)
	require.Eventually(t, func() bool {
		return h.m.Stats().Succeeded == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoffDelay(time.Second, 30*time.Second, tt.failures))
	}
}

func TestPolicyByName(t *testing.T) {
	for name, want := range map[string]string{
		"":                   PolicyLastWriterWins,
		PolicyLastWriterWins: PolicyLastWriterWins,
		PolicyLocalWins:      PolicyLocalWins,
		PolicyManual:         PolicyManual,
	} {
		p, err := PolicyByName(name)
		require.NoError(t, err)
		assert.Equal(t, want, p.Name())
	}

	_, err := PolicyByName("first-writer-wins")
	assert.ErrorIs(t, err, fault.ErrValidation)
}
