package market

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"twap-trading-api/internal/exchange"
	"twap-trading-api/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func level(price, volume string) types.PriceLevel {
	return types.PriceLevel{
		Price:  decimal.RequireFromString(price),
		Volume: decimal.RequireFromString(volume),
	}
}

func freshFeed(name string, snap types.BookSnapshot) *venueFeed {
	f := &venueFeed{name: name}
	f.store(snap)
	return f
}

func TestMergeLargestVolumeWins(t *testing.T) {
	t.Parallel()

	feeds := []*venueFeed{
		freshFeed("Binance", types.BookSnapshot{
			Asks: []types.PriceLevel{level("100", "1")},
		}),
		freshFeed("Coinbase", types.BookSnapshot{
			Asks: []types.PriceLevel{level("100", "5")},
		}),
	}
	snap := merge("BTCUSDT", []string{"Binance", "Coinbase"}, feeds)

	if len(snap.Asks) != 1 {
		t.Fatalf("expected 1 ask level, got %d", len(snap.Asks))
	}
	got := snap.Asks[0]
	if got.Venue != "Coinbase" || got.Volume.String() != "5" {
		t.Fatalf("largest volume should win: got %s from %s", got.Volume, got.Venue)
	}
}

func TestMergeTieKeepsEarlierVenue(t *testing.T) {
	t.Parallel()

	feeds := []*venueFeed{
		freshFeed("Binance", types.BookSnapshot{
			Bids: []types.PriceLevel{level("99", "2")},
		}),
		freshFeed("Coinbase", types.BookSnapshot{
			Bids: []types.PriceLevel{level("99", "2")},
		}),
	}
	snap := merge("BTCUSDT", []string{"Binance", "Coinbase"}, feeds)

	if snap.Bids[0].Venue != "Binance" {
		t.Fatalf("tie must keep the earlier venue, got %s", snap.Bids[0].Venue)
	}
}

func TestMergeSortsAndTruncates(t *testing.T) {
	t.Parallel()

	var bids, asks []types.PriceLevel
	for i := 0; i < 15; i++ {
		bids = append(bids, level(decimal.NewFromInt(int64(100+i)).String(), "1"))
		asks = append(asks, level(decimal.NewFromInt(int64(200+i)).String(), "1"))
	}
	feeds := []*venueFeed{freshFeed("Binance", types.BookSnapshot{Bids: bids, Asks: asks})}
	snap := merge("BTCUSDT", []string{"Binance"}, feeds)

	if len(snap.Bids) != types.BookDepth || len(snap.Asks) != types.BookDepth {
		t.Fatalf("expected %d levels per side, got %d/%d", types.BookDepth, len(snap.Bids), len(snap.Asks))
	}
	for i := 1; i < len(snap.Asks); i++ {
		if !snap.Asks[i].Price.GreaterThan(snap.Asks[i-1].Price) {
			t.Fatalf("asks not strictly ascending at %d", i)
		}
	}
	for i := 1; i < len(snap.Bids); i++ {
		if !snap.Bids[i].Price.LessThan(snap.Bids[i-1].Price) {
			t.Fatalf("bids not strictly descending at %d", i)
		}
	}
}

func TestMergeDropsStaleVenue(t *testing.T) {
	t.Parallel()

	stale := &venueFeed{name: "Bybit"}
	stale.snap = types.BookSnapshot{Asks: []types.PriceLevel{level("50", "9")}}
	stale.at = time.Now().Add(-10 * time.Second)

	feeds := []*venueFeed{
		freshFeed("Binance", types.BookSnapshot{Asks: []types.PriceLevel{level("100", "1")}}),
		stale,
	}
	snap := merge("BTCUSDT", []string{"Binance", "Bybit"}, feeds)

	if len(snap.Asks) != 1 || snap.Asks[0].Venue != "Binance" {
		t.Fatalf("stale venue must be dropped from the round: %+v", snap.Asks)
	}
}

// streamAdapter serves a fixed book on every StreamBook call.
type streamAdapter struct {
	name string
	snap types.BookSnapshot
}

func (a *streamAdapter) Name() string { return a.name }
func (a *streamAdapter) TradingPairs(context.Context) (map[string]string, error) {
	return map[string]string{"BTCUSDT": "BTCUSDT"}, nil
}
func (a *streamAdapter) Candles(context.Context, string, types.Interval, time.Time, time.Time) ([]types.Candle, error) {
	return nil, nil
}
func (a *streamAdapter) StreamBook(ctx context.Context, symbol string) (<-chan types.BookSnapshot, error) {
	out := make(chan types.BookSnapshot, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case out <- a.snap:
				default:
				}
			}
		}
	}()
	return out, nil
}

func TestStreamEmitsConsolidatedRounds(t *testing.T) {
	t.Parallel()

	reg := exchange.NewRegistry(
		&streamAdapter{name: "Binance", snap: types.BookSnapshot{
			Bids: []types.PriceLevel{level("99", "1")},
			Asks: []types.PriceLevel{level("101", "2")},
		}},
		&streamAdapter{name: "Coinbase", snap: types.BookSnapshot{
			Bids: []types.PriceLevel{level("99", "4")},
			Asks: []types.PriceLevel{level("102", "1")},
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := Stream(ctx, testLogger(), reg, "BTCUSDT", []string{"Binance", "Coinbase"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	select {
	case snap := <-stream:
		if snap.Symbol != "BTCUSDT" {
			t.Errorf("symbol = %q", snap.Symbol)
		}
		if len(snap.Bids) != 1 || snap.Bids[0].Venue != "Coinbase" {
			t.Errorf("merged bid wrong: %+v", snap.Bids)
		}
		if len(snap.Asks) != 2 {
			t.Errorf("expected asks from both venues: %+v", snap.Asks)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no consolidated snapshot within 5s")
	}

	cancel()
	select {
	case _, ok := <-stream:
		if ok {
			// Drain any final round; the channel must close soon after.
			for range stream {
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not close after cancel")
	}
}

// silentAdapter never delivers a book.
type silentAdapter struct{ name string }

func (a *silentAdapter) Name() string { return a.name }
func (a *silentAdapter) TradingPairs(context.Context) (map[string]string, error) {
	return map[string]string{"BTCUSDT": "BTCUSDT"}, nil
}
func (a *silentAdapter) Candles(context.Context, string, types.Interval, time.Time, time.Time) ([]types.Candle, error) {
	return nil, nil
}
func (a *silentAdapter) StreamBook(ctx context.Context, symbol string) (<-chan types.BookSnapshot, error) {
	out := make(chan types.BookSnapshot)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

func TestStreamEmitsEmptyRounds(t *testing.T) {
	t.Parallel()

	reg := exchange.NewRegistry(&silentAdapter{name: "Binance"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := Stream(ctx, testLogger(), reg, "BTCUSDT", []string{"Binance"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	// A venue with no liquidity still ticks the round cadence: consumers pace
	// themselves on rounds, not on books showing up.
	select {
	case snap := <-stream:
		if len(snap.Bids) != 0 || len(snap.Asks) != 0 {
			t.Fatalf("expected an empty round, got %+v", snap)
		}
		if snap.Symbol != "BTCUSDT" || snap.Timestamp.IsZero() {
			t.Errorf("round metadata wrong: %+v", snap)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no round emitted for a silent venue within 3s")
	}
}

func TestStreamRejectsUnknownVenue(t *testing.T) {
	t.Parallel()

	reg := exchange.NewRegistry(&streamAdapter{name: "Binance"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := Stream(ctx, testLogger(), reg, "BTCUSDT", []string{"Kraken"}); err == nil {
		t.Fatal("expected error for unknown venue")
	}
}
