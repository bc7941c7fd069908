package xmbus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

type connectionSpec struct {
	name string
	cfg  map[string]any
}

// BusBuilder constructs Bus instances (Builder pattern).
type BusBuilder struct {
	connSpecs   []connectionSpec
	connections []Connection

	router     Router
	serializer Serializer
	codecName  string
	codecInst  Codec
	types      *PayloadTypes
	dispatcher Dispatcher

	dispatcherWorkers int
	dispatcherBuffer  int
	observerWorkers   int
	observerBuffer    int

	middlewares    []Middleware
	observers      []Observer
	logger         *xlog.Logger
	clock          xclock.Clock
	pollInterval   time.Duration
	defaultTimeout time.Duration
}

// NewBusBuilder returns a new builder with sensible defaults.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{
		codecName:      "json",
		pollInterval:   defaultPollInterval,
		defaultTimeout: defaultTimeout,
	}
}

// WithConnection adds a connection built by the named adapter factory at Build time.
func (bb *BusBuilder) WithConnection(name string, cfg map[string]any) *BusBuilder {
	bb.connSpecs = append(bb.connSpecs, connectionSpec{name: name, cfg: cfg})
	return bb
}

// WithConnectionInstance adds ready connections (e.g. from an adapter's New).
func (bb *BusBuilder) WithConnectionInstance(conns ...Connection) *BusBuilder {
	for _, c := range conns {
		if c != nil {
			bb.connections = append(bb.connections, c)
		}
	}
	return bb
}

func (bb *BusBuilder) WithRouter(r Router) *BusBuilder {
	bb.router = r
	return bb
}

// WithSerializer overrides the serializer handed to connections.
func (bb *BusBuilder) WithSerializer(s Serializer) *BusBuilder {
	bb.serializer = s
	return bb
}

// WithCodec selects the registered codec the default serializer uses.
func (bb *BusBuilder) WithCodec(name string) *BusBuilder {
	bb.codecName = name
	return bb
}

// WithCodecInstance encodes outgoing payloads with c; incoming payloads named after
// c decode with it too.
func (bb *BusBuilder) WithCodecInstance(c Codec) *BusBuilder {
	bb.codecInst = c
	return bb
}

// WithPayloadTypes sets the registry used to name and revive payload types.
func (bb *BusBuilder) WithPayloadTypes(t *PayloadTypes) *BusBuilder {
	bb.types = t
	return bb
}

func (bb *BusBuilder) WithDispatcher(d Dispatcher) *BusBuilder {
	bb.dispatcher = d
	return bb
}

// WithDispatcherPool sizes the default PoolDispatcher.
func (bb *BusBuilder) WithDispatcherPool(workers, bufferSize int) *BusBuilder {
	bb.dispatcherWorkers = workers
	bb.dispatcherBuffer = bufferSize
	return bb
}

func (bb *BusBuilder) WithMiddleware(mw ...Middleware) *BusBuilder {
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

// WithObserverPool sizes the async observer pool.
func (bb *BusBuilder) WithObserverPool(workers, bufferSize int) *BusBuilder {
	bb.observerWorkers = workers
	bb.observerBuffer = bufferSize
	return bb
}

func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

// WithPollInterval bounds how long the processing loop idles between cycles.
func (bb *BusBuilder) WithPollInterval(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.pollInterval = d
	}
	return bb
}

// WithDefaultTimeout applies to operations submitted without a timeout.
func (bb *BusBuilder) WithDefaultTimeout(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.defaultTimeout = d
	}
	return bb
}

// WithConfig applies a loaded Config. Zero fields keep the builder's current values.
func (bb *BusBuilder) WithConfig(cfg Config) *BusBuilder {
	bb.WithPollInterval(cfg.PollInterval)
	bb.WithDefaultTimeout(cfg.DefaultTimeout)
	if cfg.Codec != "" {
		bb.codecName = cfg.Codec
	}
	if cfg.DispatcherWorkers > 0 || cfg.DispatcherBuffer > 0 {
		bb.WithDispatcherPool(cfg.DispatcherWorkers, cfg.DispatcherBuffer)
	}
	if cfg.ObserverWorkers > 0 || cfg.ObserverBuffer > 0 {
		bb.WithObserverPool(cfg.ObserverWorkers, cfg.ObserverBuffer)
	}
	for _, c := range cfg.Connections {
		bb.WithConnection(c.Adapter, c.withName())
	}
	return bb
}

func (bb *BusBuilder) Build() (*Bus, error) {
	conns := append([]Connection(nil), bb.connections...)
	for _, spec := range bb.connSpecs {
		c, err := NewConnection(spec.name, spec.cfg)
		if err != nil {
			return nil, fmt.Errorf("xmbus: build connection %q: %w", spec.name, err)
		}
		conns = append(conns, c)
	}

	types := bb.types
	if types == nil {
		types = DefaultPayloadTypes
	}

	ser := bb.serializer
	if ser == nil {
		js := NewJSONSerializer()
		if bb.codecInst != nil {
			js.Codec = bb.codecInst
			js.Codecs = DefaultCodecs.With(bb.codecInst)
		} else {
			cd, err := DefaultCodecs.Lookup(bb.codecName)
			if err != nil {
				return nil, fmt.Errorf("xmbus: %w", err)
			}
			js.Codec = cd
		}
		js.Types = types
		ser = js
	}

	router := bb.router
	if router == nil {
		router = DefaultRouter{}
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	disp := bb.dispatcher
	if disp == nil {
		disp = NewPoolDispatcher(bb.dispatcherWorkers, bb.dispatcherBuffer)
	}

	b := &Bus{
		router:         router,
		serializer:     ser,
		types:          types,
		dispatcher:     disp,
		manager:        NewConnectionManager(),
		connections:    conns,
		clock:          clk,
		logger:         lg,
		middlewares:    bb.middlewares,
		pollInterval:   bb.pollInterval,
		defaultTimeout: bb.defaultTimeout,
		observerPool:   NewObserverPool(bb.observerWorkers, bb.observerBuffer),
		wake:           make(chan struct{}, 1),
		pending:        make(map[uuid.UUID]*operation),
		metrics:        &busMetrics{},
	}

	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		b.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	return b, nil
}

// New builds and starts a Bus, returning a close func for convenience.
func New(ctx context.Context, init func(b *BusBuilder)) (*Bus, func() error, error) {
	bb := NewBusBuilder()
	if init != nil {
		init(bb)
	}
	bus, err := bb.Build()
	if err != nil {
		return nil, nil, err
	}
	if err := bus.Start(ctx); err != nil {
		_ = bus.Close(ctx)
		return nil, nil, err
	}
	closeFn := func() error { return bus.Close(context.Background()) }
	return bus, closeFn, nil
}
