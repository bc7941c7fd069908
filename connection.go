package xmbus

import (
	"errors"
	"sync"
)

// ConnectionFactory constructs connections from a config blob.
type ConnectionFactory func(cfg map[string]any) (Connection, error)

var (
	connectionRegistryMu sync.RWMutex
	connectionRegistry   = map[string]ConnectionFactory{}
)

// RegisterConnection registers a connection adapter under name.
func RegisterConnection(name string, factory ConnectionFactory) error {
	if name == "" {
		return errors.New("connection name must not be empty")
	}
	if factory == nil {
		return errors.New("connection factory must not be nil")
	}
	connectionRegistryMu.Lock()
	connectionRegistry[name] = factory
	connectionRegistryMu.Unlock()
	return nil
}

// NewConnection constructs a connection by adapter name with config.
func NewConnection(name string, cfg map[string]any) (Connection, error) {
	connectionRegistryMu.RLock()
	f, ok := connectionRegistry[name]
	connectionRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownConnection{name: name}
	}
	return f(cfg)
}

// BrokenState is an embeddable sticky broken flag for Connection implementations.
// Once broken it stays broken until Reset, which adapters call from Initialize.
type BrokenState struct {
	mu     sync.RWMutex
	broken bool
	reason string
}

// Break marks the connection broken; the first reason wins.
func (s *BrokenState) Break(reason string) {
	s.mu.Lock()
	if !s.broken {
		s.broken = true
		s.reason = reason
	}
	s.mu.Unlock()
}

func (s *BrokenState) Reset() {
	s.mu.Lock()
	s.broken = false
	s.reason = ""
	s.mu.Unlock()
}

func (s *BrokenState) IsBroken() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.broken
}

func (s *BrokenState) BrokenMessage() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// Inbox is an embeddable mutex-guarded FIFO of inbound messages with an optional
// capacity. Push reports false when the inbox is full.
type Inbox struct {
	mu    sync.Mutex
	msgs  []*Message
	limit int
}

// NewInbox returns an inbox holding at most capacity messages (0 = unbounded).
func NewInbox(capacity int) *Inbox { return &Inbox{limit: capacity} }

func (b *Inbox) Push(msg *Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit > 0 && len(b.msgs) >= b.limit {
		return false
	}
	b.msgs = append(b.msgs, msg)
	return true
}

// Drain appends every buffered message to dst in arrival order.
func (b *Inbox) Drain(dst []*Message) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	dst = append(dst, b.msgs...)
	clear(b.msgs)
	b.msgs = b.msgs[:0]
	return dst
}

func (b *Inbox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}
