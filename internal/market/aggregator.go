// Package market fuses per-venue order book streams into one consolidated
// top-10 view.
//
// One collector goroutine per venue drains that venue's snapshot channel and
// keeps only the freshest book. A round loop ticks once per second, merges the
// books that are still fresh and publishes a ConsolidatedSnapshot. A venue that
// stalls past the staleness window simply drops out of the merge for that
// round and rejoins as soon as its feed recovers, so one dead venue never
// blocks the stream.
package market

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"twap-trading-api/internal/exchange"
	"twap-trading-api/pkg/types"
)

const (
	roundInterval = time.Second     // consolidated emission cadence
	staleAfter    = 3 * time.Second // venue books older than this are dropped
)

// venueFeed is the freshest book seen from one venue.
type venueFeed struct {
	name string

	mu   sync.Mutex
	snap types.BookSnapshot
	at   time.Time
}

func (f *venueFeed) store(snap types.BookSnapshot) {
	f.mu.Lock()
	f.snap = snap
	f.at = time.Now()
	f.mu.Unlock()
}

// load returns the stored book and whether it is fresh enough to merge.
func (f *venueFeed) load() (types.BookSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, !f.at.IsZero() && time.Since(f.at) < staleAfter
}

// Stream opens book streams on every requested venue and returns a channel of
// consolidated snapshots, one per second, until ctx is cancelled. Venue order
// fixes the tie-break: when two venues quote identical volume at a price, the
// earlier venue wins the level.
//
// Stream fails fast with the adapter's sentinel if any venue rejects the
// symbol; transient stream failures after that are absorbed by the per-venue
// reconnect loops.
func Stream(ctx context.Context, logger *slog.Logger, reg *exchange.Registry,
	symbol string, venues []string) (<-chan types.ConsolidatedSnapshot, error) {

	feeds := make([]*venueFeed, 0, len(venues))
	for _, name := range venues {
		adapter, err := reg.Get(name)
		if err != nil {
			return nil, err
		}
		stream, err := adapter.StreamBook(ctx, symbol)
		if err != nil {
			return nil, err
		}
		feed := &venueFeed{name: name}
		feeds = append(feeds, feed)
		go func() {
			for snap := range stream {
				feed.store(snap)
			}
		}()
	}

	out := make(chan types.ConsolidatedSnapshot, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(roundInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			// Empty rounds are emitted too: downstream consumers pace
			// themselves on the cadence, not on liquidity showing up.
			snap := merge(symbol, venues, feeds)
			// Conflate: a slow consumer sees the freshest round only.
			select {
			case out <- snap:
			default:
				select {
				case <-out:
				default:
				}
				select {
				case out <- snap:
				default:
				}
			}
		}
	}()

	logger.Info("consolidated stream started", "symbol", symbol, "venues", venues)
	return out, nil
}

// merge fuses the fresh venue books into one top-10 snapshot.
func merge(symbol string, venues []string, feeds []*venueFeed) types.ConsolidatedSnapshot {
	bids := make(map[string]types.PriceLevel)
	asks := make(map[string]types.PriceLevel)
	for _, feed := range feeds {
		snap, fresh := feed.load()
		if !fresh {
			continue
		}
		mergeSide(bids, snap.Bids, feed.name)
		mergeSide(asks, snap.Asks, feed.name)
	}
	return types.ConsolidatedSnapshot{
		Symbol:    symbol,
		Venues:    venues,
		Bids:      sortLevels(bids, false),
		Asks:      sortLevels(asks, true),
		Timestamp: time.Now().UTC(),
	}
}

// mergeSide keeps, per price, the single largest venue volume. Volumes are
// never summed: each retained level is liquidity one venue actually quotes,
// so a fill walk cannot double-count. Equal volumes keep the incumbent, which
// is the venue merged earlier.
func mergeSide(acc map[string]types.PriceLevel, levels []types.PriceLevel, venue string) {
	for _, lvl := range levels {
		key := lvl.Price.String()
		if cur, ok := acc[key]; ok && !lvl.Volume.GreaterThan(cur.Volume) {
			continue
		}
		acc[key] = types.PriceLevel{Price: lvl.Price, Volume: lvl.Volume, Venue: venue}
	}
}

func sortLevels(side map[string]types.PriceLevel, ascending bool) []types.PriceLevel {
	levels := make([]types.PriceLevel, 0, len(side))
	for _, lvl := range side {
		levels = append(levels, lvl)
	}
	sort.Slice(levels, func(i, j int) bool {
		if ascending {
			return levels[i].Price.LessThan(levels[j].Price)
		}
		return levels[i].Price.GreaterThan(levels[j].Price)
	})
	if len(levels) > types.BookDepth {
		levels = levels[:types.BookDepth]
	}
	return levels
}
