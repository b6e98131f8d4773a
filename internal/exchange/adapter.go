// Package exchange implements the venue adapters and their registry.
//
// Every supported venue satisfies the same Adapter contract:
//   - TradingPairs:  canonical symbol → venue-native symbol, cached for the
//     process lifetime at first call
//   - Candles:       paginated historical OHLCV bars, ascending, deduplicated
//   - StreamBook:    an infinite top-10 order book stream at ≤ 1 snapshot/s,
//     reconnecting on socket errors until the context is cancelled
//
// The venues differ in protocol: Binance pushes full top-10 frames, Bybit and
// Coinbase push deltas over a snapshot prelude (Coinbase behind an ES256 JWT),
// and Kucoin pushes deltas behind a bullet token with a REST snapshot seed.
package exchange

import (
	"context"
	"errors"
	"sync"
	"time"

	"twap-trading-api/pkg/types"
)

// Error sentinels surfaced by adapters. The HTTP layer maps these to
// response status codes.
var (
	ErrUnknownVenue        = errors.New("unknown venue")
	ErrUnknownSymbol       = errors.New("unknown symbol")
	ErrUnsupportedInterval = errors.New("unsupported interval")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// Adapter is the uniform venue contract.
type Adapter interface {
	// Name returns the registry name of the venue, e.g. "Binance".
	Name() string

	// TradingPairs returns canonical symbol → venue-native symbol for every
	// tradable spot pair. The result is fetched once and cached.
	TradingPairs(ctx context.Context) (map[string]string, error)

	// Candles fetches historical bars in [start, end), ascending by open time
	// with no duplicates. Fails with ErrUnsupportedInterval for intervals the
	// venue does not offer and ErrUpstreamUnavailable on repeated HTTP failure.
	Candles(ctx context.Context, symbol string, interval types.Interval, start, end time.Time) ([]types.Candle, error)

	// StreamBook opens the venue's book stream for a canonical symbol and
	// returns a channel of top-10 snapshots emitted at most once per second.
	// The stream reconnects on errors and ends only when ctx is cancelled,
	// at which point the channel is closed.
	StreamBook(ctx context.Context, symbol string) (<-chan types.BookSnapshot, error)
}

// Registry is an immutable name → Adapter table constructed once at startup.
// Names() preserves registration order, which fixes the /exchanges listing
// and the aggregator's tie-break order.
type Registry struct {
	names    []string
	adapters map[string]Adapter
}

// NewRegistry builds a registry from the given adapters, in order.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.names = append(r.names, a.Name())
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, ErrUnknownVenue
	}
	return a, nil
}

// Names returns the venue names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// pairCache caches a venue's trading pair table for the process lifetime.
// The first caller pays for the HTTP round trip; a failed fetch is not cached.
type pairCache struct {
	mu    sync.Mutex
	pairs map[string]string
	fetch func(ctx context.Context) (map[string]string, error)
}

func (p *pairCache) get(ctx context.Context) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pairs != nil {
		return p.pairs, nil
	}
	pairs, err := p.fetch(ctx)
	if err != nil {
		return nil, err
	}
	p.pairs = pairs
	return pairs, nil
}

// resolve maps a canonical symbol to the venue-native one.
func (p *pairCache) resolve(ctx context.Context, symbol string) (string, error) {
	pairs, err := p.get(ctx)
	if err != nil {
		return "", err
	}
	native, ok := pairs[symbol]
	if !ok {
		return "", ErrUnknownSymbol
	}
	return native, nil
}
