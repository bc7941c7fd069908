// Package kafka provides a Kafka connection for xmbus. Peers share one topic; each
// node reads it through its own consumer group and skips records it produced.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	kafka "github.com/segmentio/kafka-go"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xmbus"
)

const ConnectionName = "kafka"

const headerOrigin = "xmbus-origin"

func init() {
	if err := xmbus.RegisterConnection(ConnectionName, func(cfg map[string]any) (xmbus.Connection, error) {
		return New(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xmbus/kafka: failed to register connection: %w", err))
	}
}

var (
	ErrNotInitialized = errors.New("kafka connection is not initialized")
	ErrOutboxFull     = errors.New("kafka outbox is full")
)

// messageWriter is the subset of *kafka.Writer the connection uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// messageReader is the subset of *kafka.Reader the connection uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Connection is an xmbus.Connection over one Kafka topic.
type Connection struct {
	xmbus.BrokenState

	cfg    Config
	origin []byte
	dial   func(ctx context.Context, cfg Config) (messageWriter, messageReader, error)

	writer     messageWriter
	reader     messageReader
	serializer xmbus.Serializer
	logger     *xlog.Logger
	inbox      *xmbus.Inbox

	outCh  chan []byte
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Bool

	writeFailures atomic.Int32
	readFailures  atomic.Int32

	sent     atomic.Uint64
	received atomic.Uint64
	skipped  atomic.Uint64
	dropped  atomic.Uint64
}

var _ xmbus.Connection = (*Connection)(nil)

// New validates cfg; brokers are contacted in Initialize.
func New(cfg Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Connection{cfg: cfg, origin: []byte(uuid.NewString()), dial: dial}, nil
}

func (c *Connection) Name() string { return c.cfg.Name }

func (c *Connection) Initialize(ctx context.Context, dc *xmbus.DependencyContext) error {
	if c.active.Load() {
		_ = c.Unload(ctx)
	}
	if dc != nil {
		c.serializer = dc.Serializer
		c.logger = dc.Logger
	}
	if c.serializer == nil {
		c.serializer = xmbus.NewJSONSerializer()
	}

	w, r, err := c.dial(ctx, c.cfg)
	if err != nil {
		return err
	}
	c.writer, c.reader = w, r
	c.inbox = xmbus.NewInbox(c.cfg.InboxSize)
	c.outCh = make(chan []byte, c.cfg.OutboxSize)
	c.writeFailures.Store(0)
	c.readFailures.Store(0)
	c.Reset()

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(2)
	go c.writeLoop(loopCtx)
	go c.readLoop(loopCtx)
	c.active.Store(true)
	return nil
}

// Unload stops both loops, flushing queued records, and closes the clients.
func (c *Connection) Unload(context.Context) error {
	if !c.active.Swap(false) {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	var errs []error
	if err := c.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close writer: %w", err))
	}
	if err := c.reader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close reader: %w", err))
	}
	return errors.Join(errs...)
}

func (c *Connection) SendMessage(msg *xmbus.Message) error {
	if !c.active.Load() {
		return ErrNotInitialized
	}
	data, err := c.serializer.SerializeToString(msg)
	if err != nil {
		return err
	}
	select {
	case c.outCh <- []byte(data):
		return nil
	default:
		c.Break(fmt.Sprintf("outbox full (capacity %d)", c.cfg.OutboxSize))
		return ErrOutboxFull
	}
}

func (c *Connection) DequeueMessages(dst []*xmbus.Message) []*xmbus.Message {
	if c.inbox == nil {
		return dst
	}
	return c.inbox.Drain(dst)
}

func (c *Connection) writeLoop(ctx context.Context) {
	defer c.wg.Done()
	batch := make([]kafka.Message, 0, c.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			batch = batch[:0]
		drain:
			for {
				select {
				case data := <-c.outCh:
					batch = append(batch, c.record(data))
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				fctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
				c.write(fctx, batch)
				cancel()
			}
			return
		case data := <-c.outCh:
			batch = append(batch[:0], c.record(data))
		fill:
			for len(batch) < c.cfg.BatchSize {
				select {
				case more := <-c.outCh:
					batch = append(batch, c.record(more))
				default:
					break fill
				}
			}
			c.write(ctx, batch)
		}
	}
}

func (c *Connection) record(data []byte) kafka.Message {
	return kafka.Message{
		Value:   data,
		Headers: []kafka.Header{{Key: headerOrigin, Value: c.origin}},
		Time:    time.Now(),
	}
}

func (c *Connection) write(ctx context.Context, batch []kafka.Message) {
	if err := c.writer.WriteMessages(ctx, batch...); err != nil {
		c.dropped.Add(uint64(len(batch)))
		c.fail(&c.writeFailures, err, "write")
		return
	}
	c.writeFailures.Store(0)
	c.sent.Add(uint64(len(batch)))
}

func (c *Connection) readLoop(ctx context.Context) {
	defer c.wg.Done()
	backoff := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second
	for ctx.Err() == nil {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.fail(&c.readFailures, err, "fetch")
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = 100 * time.Millisecond
		c.readFailures.Store(0)
		c.handle(m)
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil && c.logger != nil {
			c.logger.Warn().Err(err).Str("connection", c.cfg.Name).Msg("xmbus/kafka: commit failed")
		}
	}
}

func (c *Connection) handle(m kafka.Message) {
	for _, h := range m.Headers {
		if h.Key == headerOrigin && string(h.Value) == string(c.origin) {
			c.skipped.Add(1)
			return
		}
	}
	msg, err := c.serializer.DeserializeFromString(string(m.Value))
	if err != nil {
		c.dropped.Add(1)
		if c.logger != nil {
			c.logger.Warn().Err(err).Str("connection", c.cfg.Name).
				Str("partition", fmt.Sprint(m.Partition)).Str("offset", fmt.Sprint(m.Offset)).
				Msg("xmbus/kafka: dropping undecodable record")
		}
		return
	}
	if !c.inbox.Push(msg) {
		c.dropped.Add(1)
		c.Break(fmt.Sprintf("inbox overflow (capacity %d)", c.cfg.InboxSize))
		return
	}
	c.received.Add(1)
}

func (c *Connection) fail(counter *atomic.Int32, err error, op string) {
	n := counter.Add(1)
	if c.logger != nil {
		c.logger.Warn().Err(err).Str("connection", c.cfg.Name).Str("op", op).Msg("xmbus/kafka: kafka call failed")
	}
	if int(n) >= c.cfg.MaxFailures {
		c.Break(fmt.Sprintf("%s failed %d times in a row: %v", op, n, err))
	}
}

// Stats reports connection counters.
type Stats struct {
	Sent     uint64
	Received uint64
	Skipped  uint64
	Dropped  uint64
	Outbox   int
}

func (c *Connection) Stats() Stats {
	return Stats{
		Sent:     c.sent.Load(),
		Received: c.received.Load(),
		Skipped:  c.skipped.Load(),
		Dropped:  c.dropped.Load(),
		Outbox:   len(c.outCh),
	}
}

// dial checks the first reachable broker, then builds the writer and this node's reader.
func dial(ctx context.Context, cfg Config) (messageWriter, messageReader, error) {
	if err := healthCheck(ctx, cfg.Brokers); err != nil {
		return nil, nil, err
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: cfg.AllowAutoTopicCreation,
	}
	start := kafka.LastOffset
	if cfg.StartOffset == "first" {
		start = kafka.FirstOffset
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        cfg.MaxWait,
		CommitInterval: 0,
		StartOffset:    start,
	})
	return w, r, nil
}

func healthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var errs []error
	for _, b := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", b)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_, err = conn.ReadPartitions()
		_ = conn.Close()
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return fmt.Errorf("kafka: no healthy broker: %w", errors.Join(errs...))
}
