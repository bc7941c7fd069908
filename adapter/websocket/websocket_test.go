package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xmbus"
)

type Greeting struct {
	Text string
}

func init() {
	xmbus.RegisterType[Greeting](nil)
}

func deps() *xmbus.DependencyContext {
	return &xmbus.DependencyContext{Serializer: xmbus.NewJSONSerializer()}
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

// startServer returns an initialized Server behind an httptest listener.
func startServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(Defaults())
	require.NoError(t, srv.Initialize(context.Background(), deps()))
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		_ = srv.Unload(context.Background())
		ts.Close()
	})
	return srv, ts
}

func dialClient(t *testing.T, url string) *Connection {
	t.Helper()
	cfg := Defaults()
	cfg.URL = url
	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Initialize(context.Background(), deps()))
	t.Cleanup(func() { _ = c.Unload(context.Background()) })
	return c
}

func receive(t *testing.T, dequeue func([]*xmbus.Message) []*xmbus.Message, n int) []*xmbus.Message {
	t.Helper()
	var got []*xmbus.Message
	require.Eventually(t, func() bool {
		got = dequeue(got)
		return len(got) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestConfigFromMap(t *testing.T) {
	cfg := ConfigFromMap(map[string]any{
		"url":              "ws://edge:8080/bus",
		"ping_interval":    "5s",
		"max_message_size": int64(2048),
		"outbox_size":      float64(16),
	})
	assert.Equal(t, "ws://edge:8080/bus", cfg.URL)
	assert.Equal(t, 5*time.Second, cfg.PingInterval)
	assert.Equal(t, int64(2048), cfg.MaxMessageSize)
	assert.Equal(t, 16, cfg.OutboxSize)
	assert.Equal(t, ConnectionName, cfg.Name)
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New(Defaults())
	assert.Error(t, err)

	_, err = xmbus.NewConnection(ConnectionName, map[string]any{"url": "ws://localhost:1"})
	assert.NoError(t, err)
}

func TestSendMessage_NotInitialized(t *testing.T) {
	cfg := Defaults()
	cfg.URL = "ws://localhost:1"
	c, err := New(cfg)
	require.NoError(t, err)
	assert.ErrorIs(t, c.SendMessage(&xmbus.Message{ID: uuid.New()}), ErrNotInitialized)
	assert.ErrorIs(t, NewServer(Defaults()).SendMessage(&xmbus.Message{ID: uuid.New()}), ErrNotInitialized)
}

func TestServer_RejectsBeforeInitialize(t *testing.T) {
	ts := httptest.NewServer(NewServer(Defaults()))
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_NoPeers(t *testing.T) {
	srv, _ := startServer(t)
	assert.ErrorIs(t, srv.SendMessage(&xmbus.Message{ID: uuid.New()}), ErrNoPeers)
}

func TestClientServer_ExchangeBothWays(t *testing.T) {
	srv, ts := startServer(t)
	a := dialClient(t, wsURL(ts))
	b := dialClient(t, wsURL(ts))
	require.Eventually(t, func() bool { return srv.Peers() == 2 }, 2*time.Second, 5*time.Millisecond)

	up := &xmbus.Message{ID: uuid.New(), Address: "hello", Payload: Greeting{Text: "from a"}}
	require.NoError(t, a.SendMessage(up))
	got := receive(t, srv.DequeueMessages, 1)
	assert.Equal(t, up.ID, got[0].ID)
	assert.Equal(t, Greeting{Text: "from a"}, got[0].Payload)

	down := &xmbus.Message{ID: uuid.New(), Address: "hello", Payload: Greeting{Text: "from server"}}
	require.NoError(t, srv.SendMessage(down))
	for _, c := range []*Connection{a, b} {
		got := receive(t, c.DequeueMessages, 1)
		assert.Equal(t, down.ID, got[0].ID)
	}
	assert.Equal(t, uint64(2), srv.Stats().Sent)
	assert.Empty(t, b.DequeueMessages(nil), "peers are not relayed to each other")
}

func TestConnection_BreaksWhenServerGoesAway(t *testing.T) {
	srv, ts := startServer(t)
	c := dialClient(t, wsURL(ts))
	require.Eventually(t, func() bool { return srv.Peers() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, srv.Unload(context.Background()))
	require.Eventually(t, c.IsBroken, 2*time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, c.BrokenMessage())
}

func TestServer_ForgetsDisconnectedPeers(t *testing.T) {
	srv, ts := startServer(t)
	c := dialClient(t, wsURL(ts))
	require.Eventually(t, func() bool { return srv.Peers() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Unload(context.Background()))
	require.Eventually(t, func() bool { return srv.Peers() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, srv.IsBroken())
}

func TestNewConn_CannotBeReinitialized(t *testing.T) {
	accepted := make(chan *Connection, 1)
	up := NewUpgrader(Defaults())
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- NewConn(conn, Defaults())
	}))
	defer ts.Close()

	client := dialClient(t, wsURL(ts))
	var server *Connection
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
	}
	require.NoError(t, server.Initialize(context.Background(), deps()))

	msg := &xmbus.Message{ID: uuid.New(), Address: "hello", Payload: Greeting{Text: "hi"}}
	require.NoError(t, client.SendMessage(msg))
	got := receive(t, server.DequeueMessages, 1)
	assert.Equal(t, msg.ID, got[0].ID)

	require.NoError(t, server.Unload(context.Background()))
	assert.ErrorIs(t, server.Initialize(context.Background(), deps()), ErrConnConsumed)
}

func TestBus_RequestResponseOverWebSocket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := NewServer(Defaults())
	hub, closeHub, err := xmbus.New(ctx, func(b *xmbus.BusBuilder) {
		b.WithConnectionInstance(srv).WithPollInterval(5 * time.Millisecond)
	})
	require.NoError(t, err)
	defer closeHub()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	cfg := Defaults()
	cfg.URL = wsURL(ts)
	conn, err := New(cfg)
	require.NoError(t, err)
	edge, closeEdge, err := xmbus.New(ctx, func(b *xmbus.BusBuilder) {
		b.WithConnectionInstance(conn).WithPollInterval(5 * time.Millisecond)
	})
	require.NoError(t, err)
	defer closeEdge()

	_, err = hub.Register("greet", reflect.TypeFor[Greeting](), false,
		func(_ context.Context, msg *xmbus.Message) (any, error) {
			return "hello, " + msg.Payload.(Greeting).Text, nil
		})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.Peers() == 1 }, 2*time.Second, 5*time.Millisecond)

	reply, err := xmbus.RequestAs[string](ctx, edge, "greet", Greeting{Text: "edge"}, xmbus.Global(), xmbus.WithTimeout(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "hello, edge", reply)
}
