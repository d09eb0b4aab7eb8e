package frontdoor

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/codec"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/correlator"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/dispatcher"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/errors"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/registry"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/transport"
	"github.com/scttfrdmn/browsergate/browsergate-go/gateway"
)

type fixture struct {
	reg  *registry.Registry
	disp *dispatcher.Dispatcher
}

func newFixture() *fixture {
	corr := correlator.New()
	reg := registry.New(registry.WithCanceler(corr))
	return &fixture{reg: reg, disp: dispatcher.New(reg, corr)}
}

// executor registers executorID and answers its commands with answer. A nil answer
// leaves the command unanswered.
func (f *fixture) executor(t *testing.T, executorID string, answer func(cmd *gateway.Command) *gateway.Response) {
	t.Helper()
	local, remote := transport.Pipe()
	_, err := f.reg.Register(executorID, local)
	require.NoError(t, err)

	go func() {
		for {
			data, err := remote.ReceiveFramed(context.Background())
			if err != nil {
				return
			}
			frame := codec.Decode(data)
			if frame.Kind != codec.KindCommand {
				continue
			}
			if resp := answer(frame.Command); resp != nil {
				f.disp.HandleResponse(executorID, resp)
			}
		}
	}()
}

func browser(t *testing.T) func(cmd *gateway.Command) *gateway.Response {
	return func(cmd *gateway.Command) *gateway.Response {
		var result interface{}
		switch cmd.Verb {
		case gateway.VerbCapture:
			result = gateway.Image{Data: "aGVsbG8=", MimeType: "image/png"}
		case gateway.VerbExtract:
			result = gateway.Content{Title: "Example", Text: "hello", Links: []string{cmd.URL()}}
		case gateway.VerbNavigate:
			result = map[string]string{"url": cmd.URL()}
		default:
			return &gateway.Response{RequestID: cmd.RequestID, Success: false, Error: "unsupported"}
		}
		resp, err := codec.NewResponse(cmd.RequestID, result, nil)
		require.NoError(t, err)
		return resp
	}
}

func silent(*gateway.Command) *gateway.Response { return nil }

func TestInvokeScreenshotUsesDefaultExecutor(t *testing.T) {
	f := newFixture()
	f.executor(t, "E1", browser(t))
	inv := NewInvoker(f.disp, WithDefaultExecutor("E1"))

	result, err := inv.Invoke(context.Background(), "screenshot", map[string]interface{}{"url": "https://example.com"})
	require.NoError(t, err)
	img, ok := result.(*gateway.Image)
	require.True(t, ok)
	assert.Equal(t, "aGVsbG8=", img.Data)
}

func TestInvokeTargetsNamedExecutor(t *testing.T) {
	f := newFixture()
	f.executor(t, "E2", browser(t))
	inv := NewInvoker(f.disp, WithDefaultExecutor("E1"))

	result, err := inv.Invoke(context.Background(), gateway.VerbExtract, map[string]interface{}{
		"url":         "https://example.com",
		"executor_id": "E2",
	})
	require.NoError(t, err)
	content, ok := result.(*gateway.Content)
	require.True(t, ok)
	assert.Equal(t, "Example", content.Title)
	assert.Equal(t, []string{"https://example.com"}, content.Links)

	result, err = inv.Invoke(context.Background(), gateway.VerbNavigate, map[string]interface{}{
		"url":         "https://example.com/next",
		"executor_id": "E2",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"url": "https://example.com/next"}, result)
}

func TestInvokeLocalTools(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	inv := NewInvoker(newFixture().disp, WithInvokerClock(func() time.Time { return fixed }))

	sum, err := inv.Invoke(context.Background(), "add", map[string]interface{}{"a": 2.0, "b": 3.0})
	require.NoError(t, err)
	assert.Equal(t, int64(5), sum)

	_, err = inv.Invoke(context.Background(), "add", map[string]interface{}{"a": "2", "b": 3.0})
	assert.Equal(t, errors.KindMalformed, errors.KindOf(err))

	_, err = inv.Invoke(context.Background(), "add", map[string]interface{}{"a": 2.5, "b": 3.0})
	assert.Equal(t, errors.KindMalformed, errors.KindOf(err))

	now, err := inv.Invoke(context.Background(), "get_server_time", nil)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-02T03:04:05Z", now)

	assert.Contains(t, inv.Tools(), "add")
	assert.Contains(t, inv.Tools(), "screenshot")
}

func TestInvokeRejectsBadCalls(t *testing.T) {
	f := newFixture()
	inv := NewInvoker(f.disp, WithDefaultExecutor("E1"))

	_, err := inv.Invoke(context.Background(), "draw", nil)
	assert.Equal(t, errors.KindMalformed, errors.KindOf(err))

	_, err = inv.Invoke(context.Background(), "screenshot", map[string]interface{}{})
	assert.Equal(t, errors.KindMalformed, errors.KindOf(err))

	_, err = inv.Invoke(context.Background(), "screenshot", map[string]interface{}{"url": "https://example.com"})
	assert.True(t, stderrors.Is(err, errors.ErrExecutorUnavailable))

	_, err = NewInvoker(f.disp).Invoke(context.Background(), "screenshot", map[string]interface{}{"url": "https://example.com"})
	assert.True(t, stderrors.Is(err, errors.ErrExecutorUnavailable))
}

func newTestServer(t *testing.T, f *fixture, opts ...ServerOption) *httptest.Server {
	t.Helper()
	inv := NewInvoker(f.disp, WithDefaultExecutor("E1"))
	s := NewServer(inv, f.reg, f.disp, "localhost:0", opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postInvoke(t *testing.T, ts *httptest.Server, body string) (int, InvokeResponse) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/invoke", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out InvokeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestInvokeEndpoint(t *testing.T) {
	f := newFixture()
	f.executor(t, "E1", browser(t))
	ts := newTestServer(t, f)

	status, out := postInvoke(t, ts, `{"tool":"capture","arguments":{"url":"https://example.com"}}`)
	assert.Equal(t, http.StatusOK, status)
	require.Nil(t, out.Error)
	assert.Equal(t, "aGVsbG8=", out.Result.(map[string]interface{})["image_data"])

	status, out = postInvoke(t, ts, `{"tool":"add","arguments":{"a":40,"b":2}}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 42.0, out.Result)
}

func TestInvokeEndpointStatusMapping(t *testing.T) {
	f := newFixture()
	f.executor(t, "E1", silent)
	ts := newTestServer(t, f)

	tests := []struct {
		name   string
		body   string
		status int
		kind   errors.Kind
	}{
		{"invalid json", `{"tool":`, http.StatusBadRequest, errors.KindMalformed},
		{"missing tool", `{"arguments":{}}`, http.StatusBadRequest, errors.KindMalformed},
		{"unknown tool", `{"tool":"draw"}`, http.StatusBadRequest, errors.KindMalformed},
		{"absent executor", `{"tool":"capture","arguments":{"url":"https://a.test","executor_id":"E9"}}`, http.StatusServiceUnavailable, errors.KindExecutorUnavailable},
		{"timeout", `{"tool":"capture","arguments":{"url":"https://a.test","timeout_ms":20}}`, http.StatusGatewayTimeout, errors.KindTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, out := postInvoke(t, ts, tt.body)
			assert.Equal(t, tt.status, status)
			require.NotNil(t, out.Error)
			assert.Equal(t, string(tt.kind), out.Error.Kind)
		})
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadGateway, StatusFor(errors.NewConnectionLostError("E1", "evicted")))
	assert.Equal(t, http.StatusBadGateway, StatusFor(errors.NewSendFailedError("E1", "r1", nil)))
	assert.Equal(t, http.StatusBadGateway, StatusFor(errors.NewExecutorError("E1", "r1", "Busy")))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(stderrors.New("boom")))
}

func TestInvokeRequiresPost(t *testing.T) {
	ts := newTestServer(t, newFixture())
	resp, err := http.Get(ts.URL + "/invoke")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture()
	f.executor(t, "E1", silent)
	ts := newTestServer(t, f, WithStatus(func() *gateway.ServerStatus {
		return &gateway.ServerStatus{Running: true, Connections: f.reg.Len()}
	}))

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, Version, health.Version)
	require.NotNil(t, health.Server)
	assert.Equal(t, 1, health.Server.Connections)
	require.Len(t, health.Executors, 1)
	assert.Equal(t, "E1", health.Executors[0].ExecutorID)
	assert.Equal(t, "connected", health.Executors[0].StateName)
}

func dialChannel(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws_command" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestCommandChannel(t *testing.T) {
	f := newFixture()
	f.executor(t, "E1", browser(t))
	ts := newTestServer(t, f)
	conn := dialChannel(t, ts, "?conn_id=E1")

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"command":    "screenshot",
		"url":        "https://example.com",
		"message_id": "m1",
	}))
	var reply map[string]interface{}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "response", reply["type"])
	assert.Equal(t, "m1", reply["message_id"])
	assert.Equal(t, true, reply["success"])

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"command": "screenshot"}))
	reply = nil
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "error", reply["status"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	reply = nil
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "invalid JSON format", reply["error"])
}

func TestCommandChannelReportsUnavailableExecutor(t *testing.T) {
	ts := newTestServer(t, newFixture())
	conn := dialChannel(t, ts, "?conn_id=E9")

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"command": "capture", "url": "https://example.com"}))
	var reply map[string]interface{}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "error", reply["status"])
	assert.Contains(t, reply["error"], "executor_unavailable")
}

func TestCommandChannelRequiresConnID(t *testing.T) {
	ts := newTestServer(t, newFixture())
	conn := dialChannel(t, ts, "")

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, transport.CloseInvalidConnID), "got %v", err)
}
