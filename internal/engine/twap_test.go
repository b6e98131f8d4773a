package engine

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"twap-trading-api/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// memStore is an in-memory OrderStore capturing everything the engine writes.
type memStore struct {
	mu     sync.Mutex
	orders map[string]types.ParentOrder
	execs  []types.Execution
}

func newMemStore() *memStore {
	return &memStore{orders: make(map[string]types.ParentOrder)}
}

func (m *memStore) AddOrder(_ context.Context, o types.ParentOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.OrderID] = o
	return nil
}

func (m *memStore) UpdateOrderState(_ context.Context, o types.ParentOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.OrderID] = o
	return nil
}

func (m *memStore) AppendExecution(_ context.Context, e types.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs = append(m.execs, e)
	return nil
}

func (m *memStore) order(id string) types.ParentOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id]
}

func (m *memStore) executions() []types.Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Execution, len(m.execs))
	copy(out, m.execs)
	return out
}

func staticBooks(snap types.ConsolidatedSnapshot) BookSource {
	return func(ctx context.Context, symbol string, venues []string) (<-chan types.ConsolidatedSnapshot, error) {
		out := make(chan types.ConsolidatedSnapshot, 1)
		go func() {
			defer close(out)
			for {
				select {
				case <-ctx.Done():
					return
				case out <- snap:
					time.Sleep(50 * time.Millisecond)
				}
			}
		}()
		return out, nil
	}
}

func level(price, volume, venue string) types.PriceLevel {
	return types.PriceLevel{
		Price:  decimal.RequireFromString(price),
		Volume: decimal.RequireFromString(volume),
		Venue:  venue,
	}
}

func waitCompleted(t *testing.T, st *memStore, orderID string, within time.Duration) types.ParentOrder {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if o := st.order(orderID); o.Status == types.StatusCompleted {
			return o
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("order %s not completed within %v (status %s)", orderID, within, st.order(orderID).Status)
	return types.ParentOrder{}
}

func TestTWAPBuyFillsWithinLimit(t *testing.T) {
	t.Parallel()

	snap := types.ConsolidatedSnapshot{
		Symbol: "BTCUSDT",
		Asks: []types.PriceLevel{
			level("100", "0.2", "Binance"),
			level("101", "5", "Coinbase"),
			level("200", "5", "Binance"), // above limit, never touched
		},
	}
	st := newMemStore()
	eng := New(st, staticBooks(snap), testLogger())
	eng.Start(context.Background())
	defer eng.Stop()

	order := types.ParentOrder{
		OrderID:         "order-1",
		UserID:          1,
		Symbol:          "BTCUSDT",
		Venues:          []string{"Binance", "Coinbase"},
		Side:            types.Buy,
		Quantity:        decimal.RequireFromString("1"),
		LimitPrice:      decimal.RequireFromString("150"),
		DurationSeconds: 2,
	}
	if err := eng.Submit(context.Background(), order); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitCompleted(t, st, "order-1", 6*time.Second)

	if !final.TotalExec.Equal(order.Quantity) {
		t.Errorf("total executed = %s, want 1", final.TotalExec)
	}
	if !final.PercentExec.Equal(decimal.NewFromInt(100)) {
		t.Errorf("percent executed = %s, want 100", final.PercentExec)
	}

	execs := st.executions()
	var sum decimal.Decimal
	for _, e := range execs {
		if e.Price.GreaterThan(order.LimitPrice) {
			t.Errorf("execution above limit: %s", e.Price)
		}
		sum = sum.Add(e.Quantity)
	}
	if !sum.Equal(final.TotalExec) {
		t.Errorf("Σ executions = %s, order total = %s", sum, final.TotalExec)
	}
	if final.LotsCount != len(execs) {
		t.Errorf("lots_count = %d, executions = %d", final.LotsCount, len(execs))
	}
	// Cheapest level is only 0.2 deep, so fills span both levels.
	if len(execs) < 2 {
		t.Errorf("expected fills on at least 2 levels, got %d", len(execs))
	}
}

func TestTWAPSellHonorsLimit(t *testing.T) {
	t.Parallel()

	snap := types.ConsolidatedSnapshot{
		Symbol: "BTCUSDT",
		Bids: []types.PriceLevel{
			level("100", "5", "Binance"),
			level("90", "5", "Coinbase"), // below the sell limit
		},
	}
	st := newMemStore()
	eng := New(st, staticBooks(snap), testLogger())
	eng.Start(context.Background())
	defer eng.Stop()

	order := types.ParentOrder{
		OrderID:         "order-2",
		UserID:          1,
		Symbol:          "BTCUSDT",
		Venues:          []string{"Binance"},
		Side:            types.Sell,
		Quantity:        decimal.RequireFromString("2"),
		LimitPrice:      decimal.RequireFromString("95"),
		DurationSeconds: 2,
	}
	if err := eng.Submit(context.Background(), order); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitCompleted(t, st, "order-2", 6*time.Second)
	for _, e := range st.executions() {
		if e.Price.LessThan(order.LimitPrice) {
			t.Errorf("sell below limit: %s", e.Price)
		}
	}
	if !final.AvgExecPrice.Equal(decimal.NewFromInt(100)) {
		t.Errorf("avg exec price = %s, want 100", final.AvgExecPrice)
	}
}

func TestTWAPCompletesWithNoLiquidity(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	eng := New(st, staticBooks(types.ConsolidatedSnapshot{}), testLogger())
	eng.Start(context.Background())
	defer eng.Stop()

	order := types.ParentOrder{
		OrderID:         "order-3",
		UserID:          1,
		Symbol:          "BTCUSDT",
		Venues:          []string{"Binance"},
		Side:            types.Buy,
		Quantity:        decimal.RequireFromString("1"),
		LimitPrice:      decimal.RequireFromString("100"),
		DurationSeconds: 1,
	}
	if err := eng.Submit(context.Background(), order); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitCompleted(t, st, "order-3", 5*time.Second)
	if !final.TotalExec.IsZero() || len(st.executions()) != 0 {
		t.Errorf("empty book must fill nothing: total=%s execs=%d", final.TotalExec, len(st.executions()))
	}
}

func TestFillSliceWalksAscendingAsks(t *testing.T) {
	t.Parallel()

	snap := types.ConsolidatedSnapshot{
		Asks: []types.PriceLevel{
			level("100", "0.3", "Binance"),
			level("101", "0.3", "Coinbase"),
			level("102", "0.3", "Binance"),
		},
	}
	fills := fillSlice(types.Buy, decimal.RequireFromString("101"), decimal.RequireFromString("0.5"), snap)

	if len(fills) != 2 {
		t.Fatalf("expected 2 fills, got %d", len(fills))
	}
	if fills[0].Price.String() != "100" || fills[0].Volume.String() != "0.3" {
		t.Errorf("first fill wrong: %+v", fills[0])
	}
	if fills[1].Price.String() != "101" || fills[1].Volume.String() != "0.2" {
		t.Errorf("second fill must take the remainder: %+v", fills[1])
	}
}

func TestFillSliceStopsAtLimit(t *testing.T) {
	t.Parallel()

	snap := types.ConsolidatedSnapshot{
		Bids: []types.PriceLevel{
			level("105", "1", "Binance"),
			level("95", "1", "Coinbase"),
		},
	}
	fills := fillSlice(types.Sell, decimal.RequireFromString("100"), decimal.RequireFromString("3"), snap)

	if len(fills) != 1 || fills[0].Price.String() != "105" {
		t.Fatalf("sell walk must stop below limit: %+v", fills)
	}
}
