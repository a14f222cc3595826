package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AnnotationBridge/internal/domain/frame"
	"github.com/GriffinCanCode/AnnotationBridge/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/fault"
)

const toolOrigin = "https://tool.example.com"

type inbox struct {
	mu     sync.Mutex
	frames []string
	origin string
	got    chan struct{}
}

func newInbox() *inbox {
	return &inbox{got: make(chan struct{}, 64)}
}

func (i *inbox) Receive(origin string, data []byte) {
	i.mu.Lock()
	i.origin = origin
	i.frames = append(i.frames, string(data))
	i.mu.Unlock()
	i.got <- struct{}{}
}

func (i *inbox) snapshot() (string, []string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.origin, append([]string(nil), i.frames...)
}

func setup(t *testing.T, opts Options) (*Acceptor, *inbox, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	in := newInbox()
	opts.AllowedOrigins = []string{toolOrigin}
	acc := NewAcceptor(in, opts, nil, monitoring.NewMetrics(prometheus.NewRegistry()))

	router := gin.New()
	router.GET("/frame/connect", acc.HandleConnect)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return acc, in, "ws" + strings.TrimPrefix(srv.URL, "http") + "/frame/connect"
}

func dial(t *testing.T, url, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	header.Set("Origin", origin)
	return websocket.DefaultDialer.Dial(url, header)
}

// load starts a Load and returns once the acceptor is waiting
func load(t *testing.T, acc *Acceptor) <-chan frame.Handle {
	t.Helper()
	out := make(chan frame.Handle, 1)
	go func() {
		h, err := acc.Load(context.Background(), frame.Spec{Src: toolOrigin + "/embed", Origin: toolOrigin})
		if err == nil {
			out <- h
		}
		close(out)
	}()
	require.Eventually(t, func() bool {
		acc.mu.Lock()
		defer acc.mu.Unlock()
		return acc.waiting != nil
	}, time.Second, 5*time.Millisecond)
	return out
}

func TestRoundTrip(t *testing.T) {
	acc, in, url := setup(t, DefaultOptions())
	handles := load(t, acc)

	client, _, err := dial(t, url, toolOrigin)
	require.NoError(t, err)
	defer client.Close()

	handle := <-handles
	require.NotNil(t, handle)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	<-in.got
	origin, frames := in.snapshot()
	assert.Equal(t, toolOrigin, origin)
	assert.Equal(t, []string{`{"type":"ping"}`}, frames)

	require.NoError(t, handle.PostMessage([]byte(`{"type":"pong"}`), toolOrigin))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"type":"pong"}`, string(data))
}

func TestPostMessageChecksTargetOrigin(t *testing.T) {
	acc, _, url := setup(t, DefaultOptions())
	handles := load(t, acc)

	client, _, err := dial(t, url, toolOrigin)
	require.NoError(t, err)
	defer client.Close()

	handle := <-handles
	err = handle.PostMessage([]byte(`{}`), "https://evil.example.com")
	assert.ErrorIs(t, err, fault.ErrSecurity)
}

func TestPeerCloseSignalsDone(t *testing.T) {
	acc, _, url := setup(t, DefaultOptions())
	handles := load(t, acc)

	client, _, err := dial(t, url, toolOrigin)
	require.NoError(t, err)
	handle := <-handles

	require.NoError(t, client.Close())
	select {
	case <-handle.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after peer disconnect")
	}

	err = handle.PostMessage([]byte(`{}`), toolOrigin)
	assert.ErrorIs(t, err, fault.ErrClosed)
}

func TestRejectsDisallowedOrigin(t *testing.T) {
	acc, _, url := setup(t, DefaultOptions())
	load(t, acc)

	_, resp, err := dial(t, url, "https://evil.example.com")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRejectsUnsolicitedConnection(t *testing.T) {
	_, _, url := setup(t, DefaultOptions())

	_, resp, err := dial(t, url, toolOrigin)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestLoadRejectsUnknownOrigin(t *testing.T) {
	acc, _, _ := setup(t, DefaultOptions())

	_, err := acc.Load(context.Background(), frame.Spec{Origin: "https://other.example.com"})
	assert.ErrorIs(t, err, fault.ErrSecurity)
}

func TestSingleWaiter(t *testing.T) {
	acc, _, _ := setup(t, DefaultOptions())
	load(t, acc)

	_, err := acc.Load(context.Background(), frame.Spec{Origin: toolOrigin})
	assert.ErrorIs(t, err, fault.ErrChannel)
}

func TestLoadHonorsContext(t *testing.T) {
	acc, _, _ := setup(t, DefaultOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := acc.Load(ctx, frame.Spec{Origin: toolOrigin})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	acc.mu.Lock()
	defer acc.mu.Unlock()
	assert.Nil(t, acc.waiting)
}

func TestLateConnectionIsClosed(t *testing.T) {
	gin.SetMode(gin.TestMode)
	acc := NewAcceptor(newInbox(), Options{AllowedOrigins: []string{toolOrigin}}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loaded := make(chan error, 1)
	gaveUp := make(chan error, 1)

	// Load gives up between claim and upgrade
	acc.upgrader.CheckOrigin = func(*http.Request) bool {
		cancel()
		gaveUp <- <-loaded
		return true
	}
	router := gin.New()
	router.GET("/frame/connect", acc.HandleConnect)
	srv := httptest.NewServer(router)
	defer srv.Close()

	go func() {
		_, err := acc.Load(ctx, frame.Spec{Origin: toolOrigin})
		loaded <- err
	}()
	require.Eventually(t, func() bool {
		acc.mu.Lock()
		defer acc.mu.Unlock()
		return acc.waiting != nil
	}, time.Second, 5*time.Millisecond)

	client, _, err := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http")+"/frame/connect", toolOrigin)
	require.NoError(t, err)
	defer client.Close()
	assert.ErrorIs(t, <-gaveUp, context.Canceled)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	acc.mu.Lock()
	defer acc.mu.Unlock()
	assert.Nil(t, acc.waiting)
}

func TestInboundRateLimit(t *testing.T) {
	opts := DefaultOptions()
	opts.InboundRate = 1
	opts.InboundBurst = 2
	acc, in, url := setup(t, opts)
	handles := load(t, acc)

	client, _, err := dial(t, url, toolOrigin)
	require.NoError(t, err)
	defer client.Close()
	<-handles

	for i := 0; i < 5; i++ {
		require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{}`)))
	}
	// a close frame after the burst; the read loop has processed all five once it exits
	require.NoError(t, client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	require.Eventually(t, func() bool {
		_, frames := in.snapshot()
		return len(frames) >= 2
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	_, frames := in.snapshot()
	assert.Len(t, frames, 2)
}
