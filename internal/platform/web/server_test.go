package web

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/classifyd/internal/domain"
)

type submitFunc func(ctx context.Context, req domain.WorkRequest) (domain.Envelope, error)

func (f submitFunc) Submit(ctx context.Context, req domain.WorkRequest) (domain.Envelope, error) {
	return f(ctx, req)
}

func startServer(t *testing.T, sub Submitter, opts ...Option) (*Server, string) {
	t.Helper()
	s := NewServer("", "shopping", sub, opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func echo(ctx context.Context, req domain.WorkRequest) (domain.Envelope, error) {
	return domain.Envelope{Status: 0, Result: req.ClassifierID + ":" + req.Input}, nil
}

func TestServerScenarios(t *testing.T) {
	sub := submitFunc(func(ctx context.Context, req domain.WorkRequest) (domain.Envelope, error) {
		switch req.Input {
		case "milk":
			return domain.Envelope{Status: 0, Result: "Dairy"}, nil
		case "bogus-item":
			return domain.Envelope{Status: 0, Result: "classifier not found"}, nil
		default:
			return domain.Envelope{Status: -9, Result: "Unknown Error"}, nil
		}
	})
	_, url := startServer(t, sub)
	client := NewClient(url)
	ctx := context.Background()

	env, err := client.Predict(ctx, "", "milk")
	require.NoError(t, err)
	assert.Equal(t, domain.Envelope{Status: 0, Result: "Dairy"}, env)

	env, err = client.Predict(ctx, "", "bogus-item")
	require.NoError(t, err)
	assert.Equal(t, domain.Envelope{Status: 0, Result: "classifier not found"}, env)

	env, err = client.Predict(ctx, "", "crash")
	require.NoError(t, err)
	assert.Equal(t, domain.Envelope{Status: -9, Result: "Unknown Error"}, env)
}

func TestServerWireFormat(t *testing.T) {
	var got []domain.WorkRequest
	var mu sync.Mutex
	sub := submitFunc(func(ctx context.Context, req domain.WorkRequest) (domain.Envelope, error) {
		mu.Lock()
		got = append(got, req)
		mu.Unlock()
		return domain.Envelope{Status: 0, Result: "Dairy"}, nil
	})
	_, url := startServer(t, sub)

	for _, msg := range []string{"milk", `"milk"`} {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))

		typ, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, typ)
		assert.JSONEq(t, `{"status": 0, "result": "Dairy"}`, string(data))

		// exactly one response, then the server closes
		_, _, err = conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
		conn.Close()
	}

	require.Len(t, got, 2)
	for _, req := range got {
		assert.Equal(t, "milk", req.Input)
		assert.Equal(t, "shopping", req.ClassifierID)
		assert.NotEmpty(t, req.ID)
	}
	assert.NotEqual(t, got[0].ID, got[1].ID)
}

func TestServerClassifierOverride(t *testing.T) {
	_, url := startServer(t, submitFunc(echo))

	env, err := NewClient(url).Predict(context.Background(), "pantry", "rice")
	require.NoError(t, err)
	assert.Equal(t, "pantry:rice", env.Result)
}

func TestServerConcurrentConnections(t *testing.T) {
	const n = 10
	const work = 200 * time.Millisecond

	sub := submitFunc(func(ctx context.Context, req domain.WorkRequest) (domain.Envelope, error) {
		time.Sleep(work)
		return domain.Envelope{Status: 0, Result: "label:" + req.Input}, nil
	})
	_, url := startServer(t, sub)
	client := NewClient(url)

	start := time.Now()
	var wg sync.WaitGroup
	results := make([]domain.Envelope, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = client.Predict(context.Background(), "", fmt.Sprintf("item-%d", i))
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf("label:item-%d", i), results[i].Result)
	}
	assert.Less(t, time.Since(start), 4*work)
}

func TestServerClientDisconnects(t *testing.T) {
	canceled := make(chan struct{})
	sub := submitFunc(func(ctx context.Context, req domain.WorkRequest) (domain.Envelope, error) {
		if req.Input == "leaver" {
			<-ctx.Done()
			close(canceled)
			return domain.Envelope{Status: domain.StatusCanceled, Result: domain.ResultCanceled}, nil
		}
		time.Sleep(50 * time.Millisecond)
		return domain.Envelope{Status: 0, Result: "ok:" + req.Input}, nil
	})
	_, url := startServer(t, sub)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("leaver")))

	// another client is served while the first one is in flight
	env, err := NewClient(url).Predict(context.Background(), "", "stayer")
	require.NoError(t, err)
	assert.Equal(t, "ok:stayer", env.Result)

	conn.Close()
	select {
	case <-canceled:
	case <-time.After(5 * time.Second):
		t.Fatal("request of a disconnected client was not canceled")
	}

	env, err = NewClient(url).Predict(context.Background(), "", "after")
	require.NoError(t, err)
	assert.Equal(t, "ok:after", env.Result)
}

func TestServerFailuresStayLocal(t *testing.T) {
	sub := submitFunc(func(ctx context.Context, req domain.WorkRequest) (domain.Envelope, error) {
		switch req.Input {
		case "panic":
			panic("supervisor invariant violated")
		case "error":
			return domain.Envelope{}, errors.New("pool closed")
		}
		return domain.Envelope{Status: 0, Result: "fine"}, nil
	})
	_, url := startServer(t, sub)
	client := NewClient(url)

	_, err := client.Predict(context.Background(), "", "panic")
	assert.Error(t, err)

	_, err = client.Predict(context.Background(), "", "error")
	assert.Error(t, err)

	env, err := client.Predict(context.Background(), "", "milk")
	require.NoError(t, err)
	assert.Equal(t, "fine", env.Result)
}

func TestServerReadLimit(t *testing.T) {
	called := false
	sub := submitFunc(func(ctx context.Context, req domain.WorkRequest) (domain.Envelope, error) {
		called = true
		return domain.Envelope{}, nil
	})
	_, url := startServer(t, sub, WithMaxMessageBytes(8))

	_, err := NewClient(url).Predict(context.Background(), "", "a very long shopping list item")
	assert.Error(t, err)
	assert.False(t, called)
}

func TestServerRateLimit(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	defer rl.Close()
	_, url := startServer(t, submitFunc(echo), WithRateLimiter(rl))

	_, err := NewClient(url).Predict(context.Background(), "", "milk")
	require.NoError(t, err)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestServerAuxiliaryRoutes(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("classifyd_requests_total 1\n"))
	})
	s := NewServer("", "shopping", submitFunc(echo), WithMetricsHandler(metrics))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// a plain GET on the websocket endpoint is rejected by the upgrader
	resp, err = http.Get(ts.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServeShutdown(t *testing.T) {
	release := make(chan struct{})
	sub := submitFunc(func(ctx context.Context, req domain.WorkRequest) (domain.Envelope, error) {
		select {
		case <-release:
			return domain.Envelope{Status: 0, Result: "drained"}, nil
		case <-ctx.Done():
			return domain.Envelope{Status: domain.StatusCanceled, Result: domain.ResultCanceled}, nil
		}
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewServer(ln.Addr().String(), "shopping", sub, WithShutdownTimeout(5*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, ln) }()

	url := "ws://" + ln.Addr().String() + "/"
	results := make(chan domain.Envelope, 1)
	go func() {
		env, _ := NewClient(url).Predict(context.Background(), "", "milk")
		results <- env
	}()

	// let the request reach the submitter, then shut down while it is in flight
	time.Sleep(100 * time.Millisecond)
	cancel()
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case env := <-results:
		assert.Equal(t, "drained", env.Result)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight request was not drained")
	}

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

// hijackRecorder hands out a real TCP connection when the upgrader hijacks it.
type hijackRecorder struct {
	*httptest.ResponseRecorder
	conn     net.Conn
	onHijack func()
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.onHijack()
	return h.conn, bufio.NewReadWriter(bufio.NewReader(h.conn), bufio.NewWriter(h.conn)), nil
}

func TestConnectionTrackedBeforeHijack(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, err := ln.Accept()
	require.NoError(t, err)
	defer server.Close()

	s := NewServer("", "shopping", submitFunc(echo))

	drained := make(chan struct{})
	trackedAtHijack := false
	w := &hijackRecorder{
		ResponseRecorder: httptest.NewRecorder(),
		conn:             server,
		onHijack: func() {
			go func() {
				s.conns.Wait()
				close(drained)
			}()
			select {
			case <-drained:
			case <-time.After(50 * time.Millisecond):
				trackedAtHijack = true
			}
			// no request follows, so the handler finishes right after the upgrade
			client.Close()
		},
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Sec-WebSocket-Version", "13")
	r.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")

	s.handleWS(w, r)

	assert.True(t, trackedAtHijack, "connection must be tracked before it is hijacked")
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("connection was never released")
	}
}

func TestListenAndServeBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s := NewServer(ln.Addr().String(), "shopping", submitFunc(echo))
	err = s.ListenAndServe(context.Background())
	assert.ErrorContains(t, err, "failed to bind")
}

func TestDecodeInput(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"milk", "milk"},
		{`"milk"`, "milk"},
		{` "whole milk" `, "whole milk"},
		{`"café au lait"`, "café au lait"},
		{`"say "cheese""`, `"say "cheese""`},
		{`"`, `"`},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, decodeInput([]byte(tt.msg)), tt.msg)
	}
}
