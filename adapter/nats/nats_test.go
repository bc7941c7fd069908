package nats

import (
	"context"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xmbus"
)

type Ping struct {
	Seq int
}

func init() {
	xmbus.RegisterType[Ping](nil)
}

func natsURL() string {
	if v := os.Getenv("NATS_URL"); v != "" {
		return v
	}
	return nats.DefaultURL
}

// requireNATS skips the test when no server answers at NATS_URL.
func requireNATS(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping NATS integration test in short mode")
	}
	nc, err := nats.Connect(natsURL(), nats.Timeout(2*time.Second), nats.MaxReconnects(0))
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}
	nc.Close()
}

func startConn(t *testing.T, subject string) *Connection {
	t.Helper()
	cfg := Defaults()
	cfg.URL = natsURL()
	cfg.Subject = subject
	c := New(cfg)
	require.NoError(t, c.Initialize(context.Background(), &xmbus.DependencyContext{Serializer: xmbus.NewJSONSerializer()}))
	t.Cleanup(func() { _ = c.Unload(context.Background()) })
	return c
}

func TestConfigFromMap(t *testing.T) {
	cfg := ConfigFromMap(map[string]any{
		"url":            "nats://broker:4222",
		"subject":        "orders",
		"user":           "svc",
		"password":       "pw",
		"reconnect_wait": "250ms",
		"max_reconnects": float64(3),
		"inbox_size":     int64(8),
	})
	assert.Equal(t, "nats://broker:4222", cfg.URL)
	assert.Equal(t, "orders", cfg.Subject)
	assert.Equal(t, "svc", cfg.User)
	assert.Equal(t, "pw", cfg.Password)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectWait)
	assert.Equal(t, 3, cfg.MaxReconnects)
	assert.Equal(t, 8, cfg.InboxSize)
	assert.Equal(t, ConnectionName, cfg.Name)
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Defaults().Validate())

	cfg := Defaults()
	cfg.Subject = ""
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.URL = ""
	assert.Error(t, cfg.Validate())
}

func TestSendMessage_NotInitialized(t *testing.T) {
	c := New(Defaults())
	assert.ErrorIs(t, c.SendMessage(&xmbus.Message{ID: uuid.New()}), ErrNotInitialized)
	assert.Empty(t, c.DequeueMessages(nil))
	assert.NoError(t, c.Unload(context.Background()))
}

func TestRegisteredFactory(t *testing.T) {
	conn, err := xmbus.NewConnection(ConnectionName, map[string]any{"name": "edge"})
	require.NoError(t, err)
	assert.Equal(t, "edge", conn.Name())
}

func TestConnection_PeersExchangeWithoutEcho(t *testing.T) {
	requireNATS(t)
	subject := "xmbus-test-" + uuid.NewString()
	a := startConn(t, subject)
	b := startConn(t, subject)

	msg := &xmbus.Message{ID: uuid.New(), Address: "ping", Payload: Ping{Seq: 7}, ToGlobal: true}
	require.NoError(t, a.SendMessage(msg))

	var got []*xmbus.Message
	require.Eventually(t, func() bool {
		got = b.DequeueMessages(got)
		return len(got) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, msg.ID, got[0].ID)
	assert.Equal(t, Ping{Seq: 7}, got[0].Payload)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, a.DequeueMessages(nil))
	assert.Equal(t, uint64(1), a.Stats().Sent)
	assert.False(t, a.IsBroken())
}

func TestBus_RequestResponseOverNATS(t *testing.T) {
	requireNATS(t)
	subject := "xmbus-test-" + uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	newBus := func() *xmbus.Bus {
		cfg := Defaults()
		cfg.URL = natsURL()
		cfg.Subject = subject
		bus, closeFn, err := xmbus.New(ctx, func(b *xmbus.BusBuilder) {
			b.WithConnectionInstance(New(cfg)).WithPollInterval(5 * time.Millisecond)
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = closeFn() })
		return bus
	}
	server := newBus()
	caller := newBus()

	_, err := server.Register("ping", reflect.TypeFor[Ping](), false,
		func(_ context.Context, msg *xmbus.Message) (any, error) {
			return msg.Payload.(Ping).Seq + 1, nil
		})
	require.NoError(t, err)

	reply, err := xmbus.RequestAs[int](ctx, caller, "ping", Ping{Seq: 1}, xmbus.Global(), xmbus.WithTimeout(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, reply)
}
