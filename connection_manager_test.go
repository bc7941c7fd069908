package xmbus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-process Connection whose traffic tests can inspect and inject.
type fakeConn struct {
	BrokenState
	name string

	mu          sync.Mutex
	sent        []*Message
	sendErr     error
	sendPanic   bool
	initErr     error
	initialized int
	unloaded    int
	inbox       Inbox
}

func newFakeConn(name string) *fakeConn { return &fakeConn{name: name} }

func (c *fakeConn) Name() string { return c.name }

func (c *fakeConn) Initialize(context.Context, *DependencyContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized++
	return c.initErr
}

func (c *fakeConn) Unload(context.Context) error {
	c.mu.Lock()
	c.unloaded++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SendMessage(msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendPanic {
		panic("wire on fire")
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) DequeueMessages(dst []*Message) []*Message { return c.inbox.Drain(dst) }

// inject makes msg arrive on the connection.
func (c *fakeConn) inject(msg *Message) { c.inbox.Push(msg) }

func (c *fakeConn) sentMessages() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Message(nil), c.sent...)
}

func (c *fakeConn) counts() (initialized, unloaded int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized, c.unloaded
}

func initManager(t *testing.T, conns ...Connection) *ConnectionManager {
	t.Helper()
	m := NewConnectionManager()
	require.NoError(t, m.Initialize(context.Background(), &DependencyContext{Connections: conns}))
	return m
}

func TestConnectionManager_BroadcastIsolatesFailures(t *testing.T) {
	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	b.sendErr = errors.New("link down")
	m := initManager(t, a, b, c)

	msg := &Message{ID: uuid.New(), Address: "x"}
	err := m.Broadcast(msg)
	require.Error(t, err)
	assert.ErrorContains(t, err, `connection "b"`)
	assert.Len(t, a.sentMessages(), 1)
	assert.Len(t, c.sentMessages(), 1)
}

func TestConnectionManager_BroadcastSurvivesPanickingConnection(t *testing.T) {
	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	a.sendPanic = true
	m := initManager(t, a, b, c)

	sent, err := m.BroadcastIf(&Message{ID: uuid.New()}, nil)
	assert.Equal(t, 2, sent)
	assert.ErrorContains(t, err, "send panic")
	assert.Len(t, b.sentMessages(), 1)
	assert.Len(t, c.sentMessages(), 1)
}

func TestConnectionManager_SkipsBrokenAndFiltered(t *testing.T) {
	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	b.Break("gone")
	m := initManager(t, a, b, c)

	sent, err := m.BroadcastIf(&Message{ID: uuid.New()}, func(conn Connection) bool { return conn.Name() != "c" })
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Len(t, a.sentMessages(), 1)
	assert.Empty(t, b.sentMessages())
	assert.Empty(t, c.sentMessages())
}

func TestConnectionManager_SendMessageValidatesArguments(t *testing.T) {
	a := newFakeConn("a")
	m := initManager(t, a)

	assert.ErrorIs(t, m.SendMessage(nil, a), ErrInvalidArgument)
	assert.ErrorIs(t, m.SendMessage(&Message{}, nil), ErrInvalidArgument)
	assert.ErrorIs(t, m.SendMessageTo(nil, nil), ErrInvalidArgument)
	_, err := m.BroadcastIf(nil, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	require.NoError(t, m.SendMessage(&Message{ID: uuid.New()}, a))
	assert.Len(t, a.sentMessages(), 1)
}

func TestConnectionManager_SendMessageToSubset(t *testing.T) {
	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	m := initManager(t, a, b, c)

	require.NoError(t, m.SendMessageTo(&Message{ID: uuid.New()}, []Connection{a, c}))
	assert.Len(t, a.sentMessages(), 1)
	assert.Empty(t, b.sentMessages())
	assert.Len(t, c.sentMessages(), 1)
}

func TestConnectionManager_DequeueTagsOriginInOrder(t *testing.T) {
	a, b := newFakeConn("a"), newFakeConn("b")
	m := initManager(t, a, b)

	first, second, third := &Message{ID: uuid.New()}, &Message{ID: uuid.New()}, &Message{ID: uuid.New()}
	a.inject(first)
	b.inject(third)
	a.inject(second)

	got := m.DequeueMessages(nil)
	require.Len(t, got, 3)
	assert.Same(t, first, got[0].Message)
	assert.Same(t, second, got[1].Message)
	assert.Equal(t, "a", got[0].Conn.Name())
	assert.Equal(t, "a", got[1].Conn.Name())
	assert.Same(t, third, got[2].Message)
	assert.Equal(t, "b", got[2].Conn.Name())

	assert.Empty(t, m.DequeueMessages(nil), "draining twice yields nothing")
}

func TestConnectionManager_InitializeIsIdempotent(t *testing.T) {
	a, b := newFakeConn("a"), newFakeConn("b")
	b.initErr = errors.New("refused")
	m := NewConnectionManager()
	dc := &DependencyContext{Connections: []Connection{a, b}}

	err := m.Initialize(context.Background(), dc)
	assert.ErrorContains(t, err, "refused")
	assert.Equal(t, 1, m.Len())

	b.mu.Lock()
	b.initErr = nil
	b.mu.Unlock()
	require.NoError(t, m.Initialize(context.Background(), dc))
	assert.Equal(t, 2, m.Len())

	initialized, unloaded := a.counts()
	assert.Equal(t, 2, initialized)
	assert.Equal(t, 1, unloaded, "re-initializing unloads the previous set")

	require.NoError(t, m.Unload(context.Background()))
	assert.Zero(t, m.Len())
	assert.ErrorIs(t, m.Initialize(context.Background(), nil), ErrInvalidArgument)
}
