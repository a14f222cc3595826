package workspace

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AnnotationBridge/internal/backend"
	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/access"
	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/bridge"
	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/events"
	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/frame"
	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/syncer"
	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/ui"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/fault"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/types"
)

const (
	hostOrigin  = "https://host.example"
	frameOrigin = "https://annotate.example"
)

type windowFunc func(data []byte, targetOrigin string) error

func (f windowFunc) PostMessage(data []byte, targetOrigin string) error { return f(data, targetOrigin) }

// peerHandle is a loaded frame backed by an embedded-side bridge
type peerHandle struct {
	peer *bridge.Bridge
	mute bool
	done chan struct{}
	once sync.Once
}

func (h *peerHandle) PostMessage(data []byte, _ string) error {
	select {
	case <-h.done:
		return errors.New("frame gone")
	default:
	}
	if !h.mute {
		go h.peer.Receive(hostOrigin, data)
	}
	return nil
}

func (h *peerHandle) Close() error {
	h.once.Do(func() { close(h.done) })
	return nil
}

func (h *peerHandle) Done() <-chan struct{} { return h.done }

// peer is the embedded tool as seen by tests
type peer struct {
	b      *bridge.Bridge
	handle *peerHandle

	mu       sync.Mutex
	contexts []access.Snapshot
	rejected []*bridge.Message
}

func (p *peer) contextsSeen() []access.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]access.Snapshot(nil), p.contexts...)
}

func (p *peer) rejections() []*bridge.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*bridge.Message(nil), p.rejected...)
}

type fixture struct {
	ws    *Workspace
	host  *bridge.Bridge
	acc   *access.Manager
	sync  *syncer.Manager
	mem   *backend.Memory
	bus   *events.Bus
	mute  bool
	mu    sync.Mutex
	peers []*peer
}

func (f *fixture) latest() *peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[len(f.peers)-1]
}

func (f *fixture) load(context.Context, frame.Spec) (frame.Handle, error) {
	pb := bridge.New(bridge.Options{Source: bridge.SourceEmbedded, Timeout: time.Second})
	p := &peer{b: pb}
	p.handle = &peerHandle{peer: pb, mute: f.mute, done: make(chan struct{})}

	pb.Handle(ContextSetType, func(_ context.Context, msg *bridge.Message) (interface{}, error) {
		var snap access.Snapshot
		if err := msg.Decode(&snap); err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.contexts = append(p.contexts, snap)
		p.mu.Unlock()
		return nil, nil
	})
	pb.On(RejectedType, func(e events.Event) {
		p.mu.Lock()
		p.rejected = append(p.rejected, e.Payload.(*bridge.Message))
		p.mu.Unlock()
	})
	toHost := windowFunc(func(data []byte, _ string) error {
		go f.host.Receive(frameOrigin, data)
		return nil
	})
	if err := pb.Attach(toHost, hostOrigin); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p.handle, nil
}

func newFixture(t *testing.T, perms ...access.Permission) *fixture {
	t.Helper()
	f := &fixture{bus: events.NewBus(nil), mem: backend.NewMemory()}
	f.acc = access.NewManager(access.Options{Bus: f.bus})
	if perms != nil {
		require.NoError(t, f.acc.SetContext(access.AnnotationContext{
			User:        access.User{ID: "u1", Name: "Ada"},
			Permissions: perms,
			Timestamp:   time.Now(),
		}))
	}
	f.host = bridge.New(bridge.Options{
		Timeout:          300 * time.Millisecond,
		MaxRetries:       1,
		RetryBackoff:     10 * time.Millisecond,
		HandshakeTimeout: 200 * time.Millisecond,
	})
	f.sync = syncer.NewManager(f.mem, syncer.Options{Authorizer: f.acc, Bus: f.bus})
	f.ws = New(Options{
		Loader: frame.LoaderFunc(f.load),
		Frame: frame.Options{
			Spec:        frame.Spec{Src: frameOrigin + "/tool", Origin: frameOrigin},
			LoadTimeout: time.Second,
		},
		PushTimeout: time.Second,
		Bridge:      f.host,
		Access:      f.acc,
		Sync:        f.sync,
		UI:          ui.NewCoordinator(ui.Options{Bus: f.bus}),
		Bus:         f.bus,
	})
	t.Cleanup(f.ws.Close)
	return f
}

func (f *fixture) send(t *testing.T, msgType string, payload interface{}) *bridge.Response {
	t.Helper()
	resp, err := f.latest().b.Send(context.Background(), msgType, payload)
	require.NoError(t, err)
	return resp
}

func TestOpenPushesContext(t *testing.T) {
	f := newFixture(t, access.Grant("*", "annotation"))

	status, err := f.ws.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateOpen, status.State)
	assert.True(t, status.BridgeOpen)
	assert.Equal(t, frameOrigin, status.Origin)
	assert.Equal(t, frame.StateReady, status.Frame.State)
	_, err = uuid.Parse(status.SessionID)
	assert.NoError(t, err)

	seen := f.latest().contextsSeen()
	require.Len(t, seen, 1)
	assert.Equal(t, "u1", seen[0].User.ID)
	assert.False(t, seen[0].Stale)

	// a second Open is a no-op
	again, err := f.ws.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, status.SessionID, again.SessionID)
}

func TestContextUpdatesReachFrame(t *testing.T) {
	f := newFixture(t, access.Grant("*", "annotation"))
	_, err := f.ws.Open(context.Background())
	require.NoError(t, err)

	task := access.Task{ID: "t9", Name: "Label cats"}
	require.NoError(t, f.acc.UpdateContext(access.Patch{Task: &task}))

	require.Eventually(t, func() bool {
		return len(f.latest().contextsSeen()) == 2
	}, time.Second, 5*time.Millisecond)
	seen := f.latest().contextsSeen()
	require.NotNil(t, seen[1].Task)
	assert.Equal(t, "t9", seen[1].Task.ID)
}

func TestAnnotationSanitizedAndQueued(t *testing.T) {
	f := newFixture(t, access.Grant("*", "annotation"))
	var emitted []*types.AnnotationEvent
	var mu sync.Mutex
	f.bus.Subscribe(events.AnnotationCreated, func(e events.Event) {
		mu.Lock()
		emitted = append(emitted, e.Payload.(*types.AnnotationEvent))
		mu.Unlock()
	})
	_, err := f.ws.Open(context.Background())
	require.NoError(t, err)

	resp := f.send(t, events.AnnotationCreated, types.AnnotationEvent{
		ID:      "a1",
		Label:   "<b>cat</b>",
		Comment: `<script>alert(1)</script>fluffy`,
		Data:    []byte(`{"note":"<img src=x onerror=alert(1)>tabby","box":[1,2,3,4]}`),
	})
	assert.True(t, resp.Success)

	require.Eventually(t, func() bool { return len(f.sync.Queue()) == 1 }, time.Second, 5*time.Millisecond)
	op := f.sync.Queue()[0]
	assert.Equal(t, syncer.OpCreate, op.Type)
	assert.Equal(t, "a1", op.EntityID)
	assert.NotContains(t, string(op.Payload), "<script>")
	assert.NotContains(t, string(op.Payload), "onerror")

	mu.Lock()
	require.Len(t, emitted, 1)
	assert.Equal(t, "cat", emitted[0].Label)
	assert.Equal(t, "fluffy", emitted[0].Comment)
	assert.JSONEq(t, `{"note":"tabby","box":[1,2,3,4]}`, string(emitted[0].Data))
	mu.Unlock()

	res, err := f.sync.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	e, ok := f.mem.Entity("a1")
	require.True(t, ok)
	assert.Equal(t, int64(1), e.Version)
}

func TestAnnotationsKeepArrivalOrder(t *testing.T) {
	f := newFixture(t, access.Grant("*", "annotation"))
	_, err := f.ws.Open(context.Background())
	require.NoError(t, err)

	f.send(t, events.AnnotationCreated, types.AnnotationEvent{ID: "a1"})
	f.send(t, events.AnnotationUpdated, types.AnnotationEvent{ID: "a1", BaseVersion: 1, Label: "dog"})
	f.send(t, events.AnnotationDeleted, types.AnnotationEvent{ID: "a1", BaseVersion: 2})

	require.Eventually(t, func() bool { return len(f.sync.Queue()) == 3 }, time.Second, 5*time.Millisecond)
	q := f.sync.Queue()
	assert.Equal(t, []string{syncer.OpCreate, syncer.OpUpdate, syncer.OpDelete}, []string{q[0].Type, q[1].Type, q[2].Type})
}

func TestDeniedAnnotationIsRejected(t *testing.T) {
	f := newFixture(t, access.Grant(syncer.OpCreate, "annotation"))
	_, err := f.ws.Open(context.Background())
	require.NoError(t, err)

	// acknowledged on receipt; the verdict follows as annotation:rejected
	resp := f.send(t, events.AnnotationUpdated, types.AnnotationEvent{ID: "a1", Label: "dog"})
	assert.True(t, resp.Success)

	require.Eventually(t, func() bool { return len(f.latest().rejections()) == 1 }, time.Second, 5*time.Millisecond)
	var body struct {
		EntityID string     `json:"entityId"`
		Code     fault.Kind `json:"code"`
	}
	require.NoError(t, f.latest().rejections()[0].Decode(&body))
	assert.Equal(t, "a1", body.EntityID)
	assert.Equal(t, fault.KindPermission, body.Code)
	assert.Empty(t, f.sync.Queue())
}

func TestFrameRequests(t *testing.T) {
	f := newFixture(t, access.Grant("read", "*"))
	_, err := f.ws.Open(context.Background())
	require.NoError(t, err)

	resp := f.send(t, PermissionType, types.PermissionCheckRequest{Action: "read", Resource: "report"})
	require.True(t, resp.Success)
	var check types.PermissionCheckResponse
	require.NoError(t, resp.Decode(&check))
	assert.True(t, check.Allowed)

	resp = f.send(t, PermissionType, types.PermissionCheckRequest{Action: "delete", Resource: "annotation"})
	require.NoError(t, resp.Decode(&check))
	assert.False(t, check.Allowed)
	assert.Equal(t, "not granted", check.Reason)

	resp = f.send(t, PermissionType, types.PermissionCheckRequest{Action: "read"})
	assert.False(t, resp.Success)
	assert.Equal(t, fault.KindValidation, resp.Code)

	resp = f.send(t, ContextGetType, nil)
	require.True(t, resp.Success)
	var snap access.Snapshot
	require.NoError(t, resp.Decode(&snap))
	assert.Equal(t, "u1", snap.User.ID)

	// no refresher configured
	resp = f.send(t, ContextRefreshType, nil)
	assert.False(t, resp.Success)
	assert.Equal(t, fault.KindStale, resp.Code)

	resp = f.send(t, ui.ResizeRequestType, types.ResizeRequest{Width: 10, Height: 600})
	require.True(t, resp.Success)
	var size ui.Size
	require.NoError(t, resp.Decode(&size))
	assert.Equal(t, ui.Size{Width: ui.MinWidth, Height: 600}, size)
}

func TestDisconnectDetachesAndReopenResumes(t *testing.T) {
	f := newFixture(t, access.Grant("*", "annotation"))
	_, err := f.ws.Open(context.Background())
	require.NoError(t, err)
	first := f.latest()

	_ = first.handle.Close()
	require.Eventually(t, func() bool {
		return f.ws.Status().State == StateDetached
	}, time.Second, 5*time.Millisecond)
	assert.False(t, f.host.IsOpen())
	assert.Equal(t, syncer.StateSuspended, f.sync.Status().State)

	status, err := f.ws.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateOpen, status.State)
	assert.NotSame(t, first, f.latest())
	assert.NotEqual(t, syncer.StateSuspended, f.sync.Status().State)

	f.send(t, events.AnnotationCreated, types.AnnotationEvent{ID: "a2"})
	require.Eventually(t, func() bool { return len(f.sync.Queue()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHandshakeFailure(t *testing.T) {
	f := newFixture(t, access.Grant("*", "annotation"))
	f.mute = true

	status, err := f.ws.Open(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrChannel)
	assert.Equal(t, StateClosed, status.State)
	assert.False(t, f.host.IsOpen())
	assert.True(t, f.latest().handle.closed())
}

func TestCloseDestroysFrame(t *testing.T) {
	f := newFixture(t, access.Grant("*", "annotation"))
	var destroyed int
	f.bus.Subscribe(events.FrameDestroyed, func(events.Event) { destroyed++ })

	_, err := f.ws.Open(context.Background())
	require.NoError(t, err)
	f.ws.Close()

	status := f.ws.Status()
	assert.Equal(t, StateClosed, status.State)
	assert.Equal(t, frame.StateUninitialized, status.Frame.State)
	assert.False(t, f.host.IsOpen())
	assert.Equal(t, 1, destroyed)
	assert.True(t, f.latest().handle.closed())

	// closing twice is harmless; reopening starts a fresh frame
	f.ws.Close()
	_, err = f.ws.Open(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.peers, 2)
}

func (h *peerHandle) closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
