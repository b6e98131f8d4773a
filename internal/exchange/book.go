// book.go maintains the local order book for delta-push venues.
//
// Bybit, Coinbase and Kucoin send incremental (price, new_volume) changes over
// an initial snapshot; the adapter's stream goroutine owns a depthBook, applies
// deltas in arrival order, and extracts a sorted top-10 view once per second.
// The book is not shared across goroutines, so it carries no lock.
package exchange

import (
	"sort"

	"github.com/shopspring/decimal"

	"twap-trading-api/pkg/types"
)

// depthBook is one venue's live book for a single symbol. Keys are the exact
// price strings the venue sent, which keeps decimal identity for removals.
type depthBook struct {
	bids map[string]decimal.Decimal
	asks map[string]decimal.Decimal
}

func newDepthBook() *depthBook {
	return &depthBook{
		bids: make(map[string]decimal.Decimal),
		asks: make(map[string]decimal.Decimal),
	}
}

// reset discards all levels, e.g. before applying a fresh snapshot.
func (b *depthBook) reset() {
	b.bids = make(map[string]decimal.Decimal)
	b.asks = make(map[string]decimal.Decimal)
}

// applyBid sets the bid volume at a price; zero volume removes the level.
// Unparseable values are ignored rather than poisoning the book.
func (b *depthBook) applyBid(price, volume string) { applyLevel(b.bids, price, volume) }

// applyAsk sets the ask volume at a price; zero volume removes the level.
func (b *depthBook) applyAsk(price, volume string) { applyLevel(b.asks, price, volume) }

func applyLevel(side map[string]decimal.Decimal, price, volume string) {
	if _, err := decimal.NewFromString(price); err != nil {
		return
	}
	vol, err := decimal.NewFromString(volume)
	if err != nil {
		return
	}
	if vol.IsZero() {
		delete(side, price)
		return
	}
	side[price] = vol
}

// snapshot extracts a top-10 view: bids descending, asks ascending.
func (b *depthBook) snapshot() types.BookSnapshot {
	return types.BookSnapshot{
		Bids: topLevels(b.bids, false),
		Asks: topLevels(b.asks, true),
	}
}

func topLevels(side map[string]decimal.Decimal, ascending bool) []types.PriceLevel {
	levels := make([]types.PriceLevel, 0, len(side))
	for price, vol := range side {
		p, err := decimal.NewFromString(price)
		if err != nil {
			continue
		}
		levels = append(levels, types.PriceLevel{Price: p, Volume: vol})
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

// levelsFromPairs converts venue [price, volume] string pairs into sorted
// top-10 levels. Used by full-depth frames and REST snapshot seeds.
func levelsFromPairs(pairs [][]string, ascending bool) []types.PriceLevel {
	side := make(map[string]decimal.Decimal, len(pairs))
	for _, pv := range pairs {
		if len(pv) < 2 {
			continue
		}
		applyLevel(side, pv[0], pv[1])
	}
	return topLevels(side, ascending)
}
