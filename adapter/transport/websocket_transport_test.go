package transport

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/errors"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// newEchoServer upgrades every request and echoes messages until the peer closes.
func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		tr := NewWebSocketTransport(conn, DefaultWebSocketOptions())
		defer tr.Close()
		for {
			data, err := tr.ReceiveFramed(context.Background())
			if err != nil {
				return
			}
			if string(data) == "close-me" {
				tr.CloseWithReason(CloseInvalidConnID, "Invalid connect_id")
				return
			}
			if err := tr.SendFramed(context.Background(), data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocketRoundTrip(t *testing.T) {
	srv := newEchoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := Dial(ctx, wsURL(srv), DefaultWebSocketOptions())
	require.NoError(t, err)
	defer tr.Close()

	assert.True(t, tr.IsConnected())
	assert.NotEmpty(t, tr.RemoteAddr())

	require.NoError(t, tr.SendFramed(ctx, []byte(`{"type":"ping"}`)))
	data, err := tr.ReceiveFramed(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"ping"}`, string(data))
}

func TestWebSocketCloseCodeReachesPeer(t *testing.T) {
	srv := newEchoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := Dial(ctx, wsURL(srv), DefaultWebSocketOptions())
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.SendFramed(ctx, []byte("close-me")))
	_, err = tr.ReceiveFramed(ctx)
	require.Error(t, err)

	assert.Equal(t, CloseInvalidConnID, CloseCode(err))
	assert.Equal(t, "Invalid connect_id", CloseText(err))
	assert.False(t, tr.IsConnected())

	err = tr.SendFramed(ctx, []byte("after close"))
	assert.Error(t, err)
}

func TestDialRejectedUpgrade(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), wsURL(srv), DefaultWebSocketOptions())
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrHandshakeRejected))
}

func TestDialUnavailableIsConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), wsURL(srv), DefaultWebSocketOptions())
	require.Error(t, err)

	var connErr *errors.ConnectionError
	assert.True(t, stderrors.As(err, &connErr))
	assert.False(t, stderrors.Is(err, errors.ErrHandshakeRejected))
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url   string
		valid bool
	}{
		{"ws://localhost:3000/ws_browser", true},
		{"wss://gateway.example.com/ws_browser", true},
		{"http://localhost:3000", false},
		{"localhost:3000", false},
		{"ws://", false},
		{"://bad", false},
	}

	for _, tt := range tests {
		_, err := ValidateURL(tt.url)
		if tt.valid {
			assert.NoError(t, err, tt.url)
		} else {
			assert.True(t, stderrors.Is(err, ErrBadURL), tt.url)
		}
	}
}

func TestMessageSizeLimit(t *testing.T) {
	srv := newEchoServer(t)
	ctx := context.Background()

	opts := DefaultWebSocketOptions()
	opts.MaxMessageSize = 8
	tr, err := Dial(ctx, wsURL(srv), opts)
	require.NoError(t, err)
	defer tr.Close()

	err = tr.SendFramed(ctx, []byte("this is too long"))
	var invalid *errors.InvalidMessageError
	assert.True(t, stderrors.As(err, &invalid))
}
