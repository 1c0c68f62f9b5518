package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-notelock/v1/lock"
	"github.com/mirkobrombin/go-notelock/v1/syncbus"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newServer(t *testing.T, opts ...lock.Option) (*lock.Manager, *httptest.Server) {
	t.Helper()
	m := lock.NewManager(append([]lock.Option{lock.WithLogger(quietLogger())}, opts...)...)
	srv := httptest.NewServer(NewHandler(m, m.Bus(), WithLogger(quietLogger())))
	t.Cleanup(srv.Close)
	return m, srv
}

func post(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp
}

func TestAcquireStatusRelease(t *testing.T) {
	m, srv := newServer(t)

	resp := post(t, srv.URL+"/v1/locks/cell-1/acquire")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, m.Held("cell-1"))

	resp, err := http.Get(srv.URL + "/v1/locks/cell-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st lockStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, lockStatus{Key: "cell-1", Held: true}, st)

	resp = post(t, srv.URL+"/v1/locks/cell-1/acquire?wait=false")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = post(t, srv.URL+"/v1/locks/cell-1/release")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, m.Held("cell-1"))
	assert.Zero(t, m.Len())

	resp = post(t, srv.URL+"/v1/locks/cell-1/acquire?wait=false")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestReleaseUnknownKey(t *testing.T) {
	_, lenient := newServer(t)
	resp := post(t, lenient.URL+"/v1/locks/ghost/release")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, strict := newServer(t, lock.WithStrictRelease())
	resp = post(t, strict.URL+"/v1/locks/ghost/release")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestBlockingAcquireWokenByRelease(t *testing.T) {
	m, srv := newServer(t)
	ok, err := m.TryLock(context.Background(), "doc")
	require.NoError(t, err)
	require.True(t, ok)

	done := make(chan int, 1)
	go func() {
		resp, err := http.Post(srv.URL+"/v1/locks/doc/acquire", "", nil)
		if err != nil {
			done <- 0
			return
		}
		_ = resp.Body.Close()
		done <- resp.StatusCode
	}()

	require.Eventually(t, func() bool { return m.Waiting("doc") == 1 }, time.Second, 5*time.Millisecond)
	select {
	case code := <-done:
		t.Fatalf("acquire returned %d while the key was held", code)
	default:
	}

	resp := post(t, srv.URL+"/v1/locks/doc/release")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	select {
	case code := <-done:
		assert.Equal(t, http.StatusNoContent, code)
	case <-time.After(time.Second):
		t.Fatal("waiting acquire was not granted")
	}
	assert.True(t, m.Held("doc"))
	assert.Zero(t, m.Waiting("doc"))
}

func TestAcquireAbandonedByClient(t *testing.T) {
	m, srv := newServer(t)
	ok, err := m.TryLock(context.Background(), "doc")
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/v1/locks/doc/acquire", nil)
	require.NoError(t, err)
	_, err = http.DefaultClient.Do(req)
	require.Error(t, err)

	require.Eventually(t, func() bool { return m.Waiting("doc") == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, m.Held("doc"))
}

func TestAcquireReleasesGrantForDisconnectedClient(t *testing.T) {
	m := lock.NewManager(lock.WithLogger(quietLogger()))
	h := NewHandler(m, m.Bus(), WithLogger(quietLogger()))

	for _, target := range []string{"/v1/locks/doc/acquire", "/v1/locks/doc/acquire?wait=false"} {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		req := httptest.NewRequest(http.MethodPost, target, nil).WithContext(ctx)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.NotEqual(t, http.StatusNoContent, rec.Code, target)
		assert.False(t, m.Held("doc"), target)
		assert.Zero(t, m.Len(), target)
	}

	// The key is still usable by the next client.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/locks/doc/acquire", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, m.Held("doc"))
}

func TestAcquireWokenAfterClientLeftHandsLockOn(t *testing.T) {
	m := lock.NewManager(lock.WithLogger(quietLogger()))
	ctx := context.Background()
	ok, err := m.TryLock(ctx, "doc")
	require.NoError(t, err)
	require.True(t, ok)

	reqCtx, cancel := context.WithCancel(ctx)
	h := NewHandler(&cancelOnGrant{Locker: m, cancel: cancel}, m.Bus(), WithLogger(quietLogger()))
	done := make(chan int, 1)
	go func() {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/locks/doc/acquire", nil).WithContext(reqCtx))
		done <- rec.Code
	}()
	require.Eventually(t, func() bool { return m.Waiting("doc") == 1 }, time.Second, time.Millisecond)

	next := make(chan error, 1)
	go func() { next <- m.Acquire(ctx, "doc") }()
	require.Eventually(t, func() bool { return m.Waiting("doc") == 2 }, time.Second, time.Millisecond)

	require.NoError(t, m.Release(ctx, "doc"))

	select {
	case code := <-done:
		assert.NotEqual(t, http.StatusNoContent, code)
	case <-time.After(time.Second):
		t.Fatal("handler did not return")
	}
	select {
	case err := <-next:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("lock granted to a departed client was never handed on")
	}
	assert.True(t, m.Held("doc"))
	assert.Zero(t, m.Waiting("doc"))
}

// cancelOnGrant cancels the request as soon as the lock is granted, standing
// in for a client that disconnects while being woken.
type cancelOnGrant struct {
	lock.Locker
	cancel context.CancelFunc
}

func (c *cancelOnGrant) Acquire(ctx context.Context, key string) error {
	err := c.Locker.Acquire(ctx, key)
	c.cancel()
	return err
}

type stubLocker struct {
	err error
}

func (s stubLocker) Acquire(context.Context, string) error { return s.err }

func (s stubLocker) TryLock(context.Context, string) (bool, error) { return s.err == nil, s.err }

func (s stubLocker) Release(context.Context, string) error { return s.err }

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{lock.ErrEmptyKey, http.StatusBadRequest},
		{lock.ErrNotHeld, http.StatusConflict},
		{errors.New("redis down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(NewHandler(stubLocker{err: tc.err}, syncbus.NewInMemoryBus(), WithLogger(quietLogger())))
		resp := post(t, srv.URL+"/v1/locks/k/acquire")
		assert.Equal(t, tc.code, resp.StatusCode, tc.err.Error())
		resp = post(t, srv.URL+"/v1/locks/k/release")
		assert.Equal(t, tc.code, resp.StatusCode, tc.err.Error())
		srv.Close()
	}
}

func TestStatusUnsupportedLocker(t *testing.T) {
	srv := httptest.NewServer(NewHandler(stubLocker{}, syncbus.NewInMemoryBus()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/locks/k")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestEventsStream(t *testing.T) {
	m, srv := newServer(t)

	// Headers arrive only after the handler has subscribed.
	resp, err := http.Get(srv.URL + "/v1/locks/cell-2/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	ok, err := m.TryLock(context.Background(), "cell-2")
	require.NoError(t, err)
	require.True(t, ok)

	lines := make(chan string, 4)
	go func() {
		r := bufio.NewReader(resp.Body)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- strings.TrimSpace(line)
		}
	}()

	next := func() string {
		select {
		case l := <-lines:
			return l
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event line")
			return ""
		}
	}
	assert.Equal(t, "event: locked", next())
	data := next()
	require.True(t, strings.HasPrefix(data, "data: "), data)
	var ev syncbus.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(data, "data: ")), &ev))
	assert.Equal(t, "cell-2", ev.Key)
	assert.Equal(t, syncbus.EventLocked, ev.Kind)
	assert.Equal(t, m.NodeID(), ev.Node)
}

func TestWebSocketStream(t *testing.T) {
	m, srv := newServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/locks/cell-3/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	ctx := context.Background()
	ok, err := m.TryLock(ctx, "cell-3")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, m.Release(ctx, "cell-3"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var kinds []syncbus.EventKind
	for range 2 {
		var ev syncbus.Event
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, "cell-3", ev.Key)
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []syncbus.EventKind{syncbus.EventLocked, syncbus.EventUnlocked}, kinds)
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	_, srv := newServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/locks/k/ws"

	header := http.Header{"Origin": []string{"https://example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "http://localhost:5173")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = conn.Close()
}
