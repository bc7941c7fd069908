package xmbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/trickstertwo/xlog"
)

// Inbound is a drained message tagged with the connection it arrived on.
type Inbound struct {
	Message *Message
	Conn    Connection
}

// ConnectionManager owns the active connections and presents one synchronized
// surface to the bus: fan-out sends and aggregated receives.
type ConnectionManager struct {
	mu          sync.Mutex
	connections []Connection
	logger      *xlog.Logger
	scratch     []*Message
}

// NewConnectionManager returns an empty manager; Initialize populates it.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{}
}

// Initialize unloads and clears any previous connections, then initializes every
// connection in dc. Connections that fail to initialize are left out and their
// errors joined into the result.
func (m *ConnectionManager) Initialize(ctx context.Context, dc *DependencyContext) error {
	if dc == nil {
		return nilArg("ConnectionManager.Initialize", "dc")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger = dc.Logger
	m.unloadLocked(ctx)

	var errs []error
	for _, c := range dc.Connections {
		if c == nil {
			continue
		}
		if err := c.Initialize(ctx, dc); err != nil {
			errs = append(errs, fmt.Errorf("connection %q: %w", c.Name(), err))
			m.warn(err, c, "xmbus: connection initialize failed")
			continue
		}
		m.connections = append(m.connections, c)
	}
	return errors.Join(errs...)
}

// Unload unloads every connection and clears the list.
func (m *ConnectionManager) Unload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unloadLocked(ctx)
}

func (m *ConnectionManager) unloadLocked(ctx context.Context) error {
	var errs []error
	for _, c := range m.connections {
		if err := c.Unload(ctx); err != nil {
			errs = append(errs, fmt.Errorf("connection %q: %w", c.Name(), err))
			m.warn(err, c, "xmbus: connection unload failed")
		}
	}
	clear(m.connections)
	m.connections = m.connections[:0]
	return errors.Join(errs...)
}

// Connections returns a snapshot of the active connections.
func (m *ConnectionManager) Connections() []Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Connection, len(m.connections))
	copy(out, m.connections)
	return out
}

func (m *ConnectionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections)
}

// SendMessage forwards msg to a single connection.
func (m *ConnectionManager) SendMessage(msg *Message, conn Connection) error {
	if msg == nil {
		return nilArg("ConnectionManager.SendMessage", "msg")
	}
	if conn == nil {
		return nilArg("ConnectionManager.SendMessage", "conn")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return safeSend(conn, msg)
}

// SendMessageTo sends msg to each of conns, isolating per-connection failures.
func (m *ConnectionManager) SendMessageTo(msg *Message, conns []Connection) error {
	if msg == nil {
		return nilArg("ConnectionManager.SendMessageTo", "msg")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.fanOutLocked(msg, conns, nil)
	return err
}

// Broadcast sends msg to every healthy connection.
func (m *ConnectionManager) Broadcast(msg *Message) error {
	_, err := m.BroadcastIf(msg, nil)
	return err
}

// BroadcastIf sends msg to every healthy connection accepted by allow (nil accepts
// all). Sends are sequential and best-effort: a failing connection never prevents
// attempts on the remaining ones. It returns how many connections took the message
// and the joined failures.
func (m *ConnectionManager) BroadcastIf(msg *Message, allow func(Connection) bool) (int, error) {
	if msg == nil {
		return 0, nilArg("ConnectionManager.Broadcast", "msg")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fanOutLocked(msg, m.connections, allow)
}

func (m *ConnectionManager) fanOutLocked(msg *Message, conns []Connection, allow func(Connection) bool) (int, error) {
	var (
		sent int
		errs []error
	)
	for _, c := range conns {
		if c == nil || c.IsBroken() {
			continue
		}
		if allow != nil && !allow(c) {
			continue
		}
		if err := safeSend(c, msg); err != nil {
			errs = append(errs, err)
			m.warn(err, c, "xmbus: connection send failed")
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// DequeueMessages drains every connection, appending each message tagged with its
// origin to dst. Messages of one connection keep their drained order.
func (m *ConnectionManager) DequeueMessages(dst []Inbound) []Inbound {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.connections {
		m.scratch = safeDequeue(c, m.scratch[:0], m)
		for _, msg := range m.scratch {
			if msg != nil {
				dst = append(dst, Inbound{Message: msg, Conn: c})
			}
		}
	}
	clear(m.scratch)
	m.scratch = m.scratch[:0]
	return dst
}

func safeSend(c Connection, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connection %q: send panic: %v", c.Name(), r)
		}
	}()
	if err := c.SendMessage(msg); err != nil {
		return fmt.Errorf("connection %q: %w", c.Name(), err)
	}
	return nil
}

func safeDequeue(c Connection, dst []*Message, m *ConnectionManager) (out []*Message) {
	defer func() {
		if r := recover(); r != nil {
			m.warn(fmt.Errorf("dequeue panic: %v", r), c, "xmbus: connection dequeue failed")
			out = dst
		}
	}()
	return c.DequeueMessages(dst)
}

func (m *ConnectionManager) warn(err error, c Connection, msg string) {
	if m.logger == nil {
		return
	}
	m.logger.Warn().Err(err).Str("connection", c.Name()).Msg(msg)
}
