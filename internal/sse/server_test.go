// ABOUTME: Tests for the dual-endpoint binding over a real HTTP test server.
// ABOUTME: Covers endpoint discovery, synchronous and streamed replies, and eviction.

package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcpd/internal/builtins"
	"github.com/2389/mcpd/internal/mcp"
	"github.com/2389/mcpd/internal/session"
)

type testServer struct {
	registry *session.Registry
	http     *httptest.Server
	// entered and release control the "slow" tool.
	entered chan struct{}
	release chan struct{}
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})

	catalog := mcp.NewCatalog(nil)
	require.NoError(t, catalog.RegisterPack(builtins.DemoPack(nil)))
	require.NoError(t, catalog.RegisterPack(&mcp.Pack{
		ID: "test",
		Tools: []*mcp.Tool{{
			Name: "fail",
			Handler: func(context.Context, mcp.ToolCall) (*mcp.CallToolResult, error) {
				return nil, errors.New("backend down")
			},
		}, {
			Name: "slow",
			Handler: func(context.Context, mcp.ToolCall) (*mcp.CallToolResult, error) {
				entered <- struct{}{}
				<-release
				return mcp.TextResult("done"), nil
			},
		}},
	}))

	registry := session.NewRegistry(session.Options{
		Binding:     session.BindingSSE,
		NewHandler:  mcp.NewHandlerFactory(mcp.Config{Catalog: catalog}),
		MaxSessions: 4,
	})
	t.Cleanup(registry.Close)

	cfg := Config{Registry: registry}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg)
	require.NoError(t, err)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		registry.CloseAll(nil)
		ts.Close()
	})

	return &testServer{registry: registry, http: ts, entered: entered, release: release}
}

type event struct {
	name string
	data string
}

type eventReader struct {
	resp   *http.Response
	reader *bufio.Reader
}

func (ts *testServer) openStream(t *testing.T, ctx context.Context) *eventReader {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.http.URL+"/sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return &eventReader{resp: resp, reader: bufio.NewReader(resp.Body)}
}

// next returns the next event, skipping comments.
func (r *eventReader) next(t *testing.T) event {
	t.Helper()
	var ev event
	for {
		line, err := r.reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" || ev.data != "" {
				return ev
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data += strings.TrimPrefix(line, "data: ")
		}
	}
}

func (ts *testServer) post(t *testing.T, path, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(ts.http.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func TestStream_AddToolRoundTrip(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := ts.openStream(t, ctx)
	defer stream.resp.Body.Close()

	endpoint := stream.next(t)
	assert.Equal(t, EventEndpoint, endpoint.name)
	require.True(t, strings.HasPrefix(endpoint.data, "/messages?sessionId="))
	assert.Equal(t, 1, ts.registry.Len())

	status, body := ts.post(t, endpoint.data, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"add","arguments":{"a":2,"b":3}}}`)
	require.Equal(t, http.StatusOK, status)

	var resp struct {
		Result mcp.CallToolResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	require.Len(t, resp.Result.Content, 1)
	assert.Equal(t, "5", resp.Result.Content[0].Text)
}

func TestMessage_UnknownSession(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, path := range []string{"/messages?sessionId=nope", "/messages"} {
		status, body := ts.post(t, path, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Contains(t, body, MessageNoTransport)
	}
	assert.Equal(t, 0, ts.registry.Len())
}

func TestMessage_Notification(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := ts.openStream(t, ctx)
	defer stream.resp.Body.Close()
	endpoint := stream.next(t)

	status, _ := ts.post(t, endpoint.data, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, status)
}

func TestMessage_HandlerFailure(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := ts.openStream(t, ctx)
	defer stream.resp.Body.Close()
	endpoint := stream.next(t)

	status, body := ts.post(t, endpoint.data, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"fail"}}`)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.JSONEq(t, `{"error":"Internal server error"}`, body)

	status, _ = ts.post(t, endpoint.data, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	assert.Equal(t, http.StatusOK, status, "session survives a handler failure")
}

func TestMessage_RespondViaStream(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.RespondViaStream = true })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := ts.openStream(t, ctx)
	defer stream.resp.Body.Close()
	endpoint := stream.next(t)

	status, body := ts.post(t, endpoint.data, `{"jsonrpc":"2.0","id":7,"method":"ping"}`)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "Accepted", body)

	ev := stream.next(t)
	assert.Equal(t, session.EventMessage, ev.name)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"result":{}}`, ev.data)
}

func TestMessage_RespondViaStreamSurvivesClose(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.RespondViaStream = true })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := ts.openStream(t, ctx)
	defer stream.resp.Body.Close()
	endpoint := stream.next(t)

	statusCh := make(chan int, 1)
	go func() {
		resp, err := http.Post(ts.http.URL+endpoint.data, "application/json",
			strings.NewReader(`{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"slow"}}`))
		if err != nil {
			statusCh <- 0
			return
		}
		resp.Body.Close()
		statusCh <- resp.StatusCode
	}()
	<-ts.entered

	assert.Equal(t, 1, ts.registry.CloseAll(errors.New("shutting down")))
	close(ts.release)

	assert.Equal(t, http.StatusAccepted, <-statusCh)
	ev := stream.next(t)
	assert.Equal(t, session.EventMessage, ev.name)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":9,"result":{"content":[{"type":"text","text":"done"}]}}`, ev.data)

	_, err := io.ReadAll(stream.reader)
	assert.NoError(t, err)
	require.Eventually(t, func() bool { return ts.registry.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestMessage_BodyTooLarge(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.MaxRequestBytes = 16 })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := ts.openStream(t, ctx)
	defer stream.resp.Body.Close()
	endpoint := stream.next(t)

	status, _ := ts.post(t, endpoint.data, `{"jsonrpc":"2.0","id":1,"method":"ping","params":{}}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)
}

func TestStream_DisconnectEvictsSession(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	stream := ts.openStream(t, ctx)
	endpoint := stream.next(t)
	require.Equal(t, 1, ts.registry.Len())

	cancel()
	stream.resp.Body.Close()

	assert.Eventually(t, func() bool { return ts.registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	status, _ := ts.post(t, endpoint.data, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestStream_SessionCloseEndsStream(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := ts.openStream(t, ctx)
	defer stream.resp.Body.Close()
	stream.next(t)

	ts.registry.CloseAll(errors.New("draining"))

	_, err := io.ReadAll(stream.resp.Body)
	assert.NoError(t, err, "stream ends cleanly")
	assert.Eventually(t, func() bool { return ts.registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStream_RegistryFull(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 4; i++ {
		s := ts.openStream(t, ctx)
		defer s.resp.Body.Close()
		s.next(t)
	}

	resp, err := http.Get(ts.http.URL + "/sse")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStream_Keepalive(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.Keepalive = 10 * time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := ts.openStream(t, ctx)
	defer stream.resp.Body.Close()
	stream.next(t)

	line, err := stream.reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": "+session.KeepaliveComment+"\n", line)
}

func TestStreamWriter_MultilineData(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, err := NewStreamWriter(rec)
	require.NoError(t, err)

	require.NoError(t, sw.WriteFrame(session.Frame{Event: "message", Data: "a\nb"}))
	assert.Equal(t, "event: message\ndata: a\ndata: b\n\n", rec.Body.String())
}
