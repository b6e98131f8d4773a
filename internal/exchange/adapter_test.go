package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"twap-trading-api/pkg/types"
)

type stubAdapter struct{ name string }

func (s *stubAdapter) Name() string { return s.name }
func (s *stubAdapter) TradingPairs(context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}
func (s *stubAdapter) Candles(context.Context, string, types.Interval, time.Time, time.Time) ([]types.Candle, error) {
	return nil, nil
}
func (s *stubAdapter) StreamBook(context.Context, string) (<-chan types.BookSnapshot, error) {
	return nil, nil
}

func TestRegistryPreservesOrder(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(&stubAdapter{"Binance"}, &stubAdapter{"Bybit"}, &stubAdapter{"Coinbase"}, &stubAdapter{"Kucoin"})
	want := []string{"Binance", "Bybit", "Coinbase", "Kucoin"}
	got := reg.Names()
	if len(got) != len(want) {
		t.Fatalf("Names() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRegistryUnknownVenue(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(&stubAdapter{"Binance"})
	if _, err := reg.Get("Kraken"); !errors.Is(err, ErrUnknownVenue) {
		t.Fatalf("expected ErrUnknownVenue, got %v", err)
	}
}

func TestPairCacheDoesNotCacheFailures(t *testing.T) {
	t.Parallel()

	calls := 0
	cache := pairCache{fetch: func(context.Context) (map[string]string, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("boom")
		}
		return map[string]string{"BTCUSDT": "BTC-USDT"}, nil
	}}

	if _, err := cache.get(context.Background()); err == nil {
		t.Fatal("expected first fetch to fail")
	}
	native, err := cache.resolve(context.Background(), "BTCUSDT")
	if err != nil || native != "BTC-USDT" {
		t.Fatalf("resolve after retry: %q, %v", native, err)
	}
	if calls != 2 {
		t.Errorf("expected 2 fetches, got %d", calls)
	}
}

func TestTokenBucketBlocksSecondToken(t *testing.T) {
	t.Parallel()

	bucket := NewTokenBucket(1, 10) // refill fast to keep the test quick
	ctx := context.Background()

	if err := bucket.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	startWait := time.Now()
	if err := bucket.Wait(ctx); err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if elapsed := time.Since(startWait); elapsed < 50*time.Millisecond {
		t.Errorf("second token granted too fast: %v", elapsed)
	}
}

func TestTokenBucketHonorsCancel(t *testing.T) {
	t.Parallel()

	bucket := NewTokenBucket(1, 0.001)
	ctx, cancel := context.WithCancel(context.Background())
	bucket.Wait(ctx) // drain
	cancel()
	if err := bucket.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
