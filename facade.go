package xmbus

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

var (
	defaultBus   *Bus
	defaultBusMu sync.Mutex
)

// Default returns the process-wide Bus, building and starting a local-only bus on
// first use.
func Default() *Bus {
	defaultBusMu.Lock()
	defer defaultBusMu.Unlock()

	if defaultBus != nil {
		return defaultBus
	}

	b, err := NewBusBuilder().Build()
	if err == nil {
		err = b.Start(context.Background())
	}
	if err != nil {
		panic(fmt.Sprintf("xmbus: failed to initialize default bus: %v", err))
	}
	defaultBus = b
	return defaultBus
}

// SetDefault replaces the process-wide default Bus. The caller owns its lifecycle.
func SetDefault(b *Bus) {
	if b == nil {
		panic("xmbus: SetDefault called with nil Bus")
	}
	defaultBusMu.Lock()
	defaultBus = b
	defaultBusMu.Unlock()
}

// Publish is the Facade using the default bus.
func Publish(ctx context.Context, address string, payload any, opts ...SendOption) error {
	return Default().Publish(ctx, address, payload, opts...)
}

// Request is the Facade using the default bus.
func Request(ctx context.Context, address string, payload any, opts ...SendOption) (*Result, error) {
	return Default().Request(ctx, address, payload, opts...)
}

// Register is the Facade using the default bus.
func Register(address string, payloadType reflect.Type, includeDerived bool, rcv Receiver) (*Registration, error) {
	return Default().Register(address, payloadType, includeDerived, rcv)
}
