package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xmbus"
)

var (
	ErrNotInitialized = errors.New("redis-streams connection is not initialized")
	ErrOutboxFull     = errors.New("redis-streams outbox is full")
)

// Connection is an xmbus.Connection over one Redis stream. A writer goroutine
// pipelines XADDs; a reader goroutine consumes the stream through this node's
// consumer group and skips entries it wrote itself.
type Connection struct {
	xmbus.BrokenState

	cfg        Config
	client     *redis.Client
	serializer xmbus.Serializer
	logger     *xlog.Logger
	inbox      *xmbus.Inbox

	outCh  chan string
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Bool

	writeFailures atomic.Int32
	readFailures  atomic.Int32
	metrics       connMetrics
}

type connMetrics struct {
	sent         atomic.Uint64
	received     atomic.Uint64
	skipped      atomic.Uint64
	deadLettered atomic.Uint64
	writeErrors  atomic.Uint64
	readErrors   atomic.Uint64
}

var _ xmbus.Connection = (*Connection)(nil)

// New validates cfg and returns an idle connection; Redis is contacted in Initialize.
func New(cfg Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Connection{cfg: cfg}, nil
}

func (c *Connection) Name() string { return c.cfg.Name }

// Client exposes the underlying Redis client while initialized.
func (c *Connection) Client() *redis.Client { return c.client }

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

	client := newClient(c.cfg)
	if err := ping(ctx, client); err != nil {
		_ = client.Close()
		return err
	}
	if c.cfg.AutoCreate {
		err := client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.group(), "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			_ = client.Close()
			return fmt.Errorf("create consumer group %q: %w", c.cfg.group(), err)
		}
	}

	c.client = client
	c.inbox = xmbus.NewInbox(c.cfg.InboxSize)
	c.outCh = make(chan string, c.cfg.OutboxSize)
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

// Unload stops both loops, flushing what the writer still holds, and closes the client.
func (c *Connection) Unload(context.Context) error {
	if !c.active.Swap(false) {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

// SendMessage serializes msg and queues it for the writer.
func (c *Connection) SendMessage(msg *xmbus.Message) error {
	if !c.active.Load() {
		return ErrNotInitialized
	}
	data, err := c.serializer.SerializeToString(msg)
	if err != nil {
		return err
	}
	select {
	case c.outCh <- data:
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
	batch := make([]string, 0, c.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			// flush what was accepted before Unload
			batch = batch[:0]
		drain:
			for {
				select {
				case data := <-c.outCh:
					batch = append(batch, data)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				fctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				c.write(fctx, batch)
				cancel()
			}
			return
		case data := <-c.outCh:
			batch = append(batch[:0], data)
		fill:
			for len(batch) < c.cfg.BatchSize {
				select {
				case more := <-c.outCh:
					batch = append(batch, more)
				default:
					break fill
				}
			}
			c.write(ctx, batch)
		}
	}
}

func (c *Connection) write(ctx context.Context, batch []string) {
	pipe := c.client.Pipeline()
	for _, data := range batch {
		args := &redis.XAddArgs{
			Stream: c.cfg.Stream,
			ID:     "*",
			Values: map[string]any{fieldData: data, fieldOrigin: c.cfg.Consumer},
		}
		if c.cfg.MaxLenApprox > 0 {
			args.MaxLen = c.cfg.MaxLenApprox
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.metrics.writeErrors.Add(uint64(len(batch)))
		c.fail(&c.writeFailures, err, "xadd")
		return
	}
	c.writeFailures.Store(0)
	c.metrics.sent.Add(uint64(len(batch)))
}

func (c *Connection) readLoop(ctx context.Context) {
	defer c.wg.Done()

	c.readBacklog(ctx)

	backoff := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second
	for ctx.Err() == nil {
		_, err := c.read(ctx, ">", c.cfg.Block)
		switch {
		case err == nil || errors.Is(err, redis.Nil):
			backoff = 100 * time.Millisecond
			continue
		case ctx.Err() != nil:
			return
		}
		c.metrics.readErrors.Add(1)
		c.fail(&c.readFailures, err, "xreadgroup")
		select {
		case <-time.After(backoff):
			backoff = min(backoff*2, maxBackoff)
		case <-ctx.Done():
			return
		}
	}
}

// readBacklog re-reads, page by page, the entries delivered to this consumer before a
// restart but never acknowledged. Each page is acknowledged, so reading from "0"
// again yields the next one until the backlog is empty.
func (c *Connection) readBacklog(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := c.read(ctx, "0", -1)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
				c.fail(&c.readFailures, err, "xreadgroup")
			}
			return
		}
		if n == 0 {
			return
		}
	}
}

// read fetches one page from the group, hands it to the inbox and acknowledges it.
// It returns the number of entries in the page.
func (c *Connection) read(ctx context.Context, from string, block time.Duration) (int, error) {
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.group(),
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, from},
		Count:    int64(c.cfg.BatchSize),
		Block:    block,
	}).Result()
	if err != nil {
		return 0, err
	}
	c.readFailures.Store(0)

	var ids []string
	for _, stream := range res {
		for _, entry := range stream.Messages {
			c.handleEntry(ctx, entry)
			ids = append(ids, entry.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return len(ids), c.client.XAck(ctx, c.cfg.Stream, c.cfg.group(), ids...).Err()
}

func (c *Connection) handleEntry(ctx context.Context, entry redis.XMessage) {
	if origin, _ := entry.Values[fieldOrigin].(string); origin == c.cfg.Consumer {
		c.metrics.skipped.Add(1)
		return
	}
	data, _ := entry.Values[fieldData].(string)
	msg, err := c.serializer.DeserializeFromString(data)
	if err != nil {
		c.deadLetter(ctx, entry, err)
		return
	}
	if !c.inbox.Push(msg) {
		c.Break(fmt.Sprintf("inbox overflow (capacity %d)", c.cfg.InboxSize))
		return
	}
	c.metrics.received.Add(1)
}

// deadLetter copies an undecodable entry to the dead-letter stream, if configured.
func (c *Connection) deadLetter(ctx context.Context, entry redis.XMessage, reason error) {
	c.metrics.deadLettered.Add(1)
	if c.logger != nil {
		c.logger.Warn().Err(reason).Str("connection", c.cfg.Name).Str("entry", entry.ID).
			Msg("xmbus/redisstream: undecodable entry")
	}
	if c.cfg.DeadLetter == "" {
		return
	}
	values := make(map[string]any, len(entry.Values)+1)
	for k, v := range entry.Values {
		values[k] = v
	}
	values[fieldError] = reason.Error()
	if err := c.client.XAdd(ctx, &redis.XAddArgs{Stream: c.cfg.DeadLetter, ID: "*", Values: values}).Err(); err != nil && c.logger != nil {
		c.logger.Warn().Err(err).Str("stream", c.cfg.DeadLetter).Msg("xmbus/redisstream: dead-letter write failed")
	}
}

// fail counts a Redis failure and breaks the connection once MaxFailures follow in a row.
func (c *Connection) fail(counter *atomic.Int32, err error, op string) {
	n := counter.Add(1)
	if c.logger != nil {
		c.logger.Warn().Err(err).Str("connection", c.cfg.Name).Str("op", op).Msg("xmbus/redisstream: redis call failed")
	}
	if int(n) >= c.cfg.MaxFailures {
		c.Break(fmt.Sprintf("%s failed %d times in a row: %v", op, n, err))
	}
}

// Stats reports connection counters.
type Stats struct {
	Sent         uint64
	Received     uint64
	Skipped      uint64
	DeadLettered uint64
	WriteErrors  uint64
	ReadErrors   uint64
	Outbox       int
}

func (c *Connection) Stats() Stats {
	return Stats{
		Sent:         c.metrics.sent.Load(),
		Received:     c.metrics.received.Load(),
		Skipped:      c.metrics.skipped.Load(),
		DeadLettered: c.metrics.deadLettered.Load(),
		WriteErrors:  c.metrics.writeErrors.Load(),
		ReadErrors:   c.metrics.readErrors.Load(),
		Outbox:       len(c.outCh),
	}
}

func newClient(cfg Config) *redis.Client {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}
	return redis.NewClient(opts)
}

func ping(ctx context.Context, c *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
