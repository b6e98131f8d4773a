// Package engine executes TWAP parent orders against the consolidated book.
//
// An order for quantity Q over D seconds is cut into D slices of Q/D. Every
// second the engine takes the freshest consolidated snapshot and walks the
// opposite side of the book inside the limit price, recording one execution
// per price level consumed. Liquidity is paper-filled: nothing is sent to the
// venues. Whatever a slice cannot fill is rolled into the final slice's
// target, and when the duration elapses the order completes regardless of how
// much actually filled.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"twap-trading-api/pkg/types"
)

const (
	sliceInterval = time.Second // one slice per second
	snapshotWait  = time.Second // budget for obtaining a slice's book
)

var hundred = decimal.NewFromInt(100)

// OrderStore is the persistence the engine needs: the repository satisfies it.
type OrderStore interface {
	AddOrder(ctx context.Context, o types.ParentOrder) error
	UpdateOrderState(ctx context.Context, o types.ParentOrder) error
	AppendExecution(ctx context.Context, e types.Execution) error
}

// BookSource opens a consolidated snapshot stream for a symbol over venues.
type BookSource func(ctx context.Context, symbol string, venues []string) (<-chan types.ConsolidatedSnapshot, error)

// Engine runs accepted TWAP orders to completion, one goroutine per order.
type Engine struct {
	store  OrderStore
	books  BookSource
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine. Start must be called before Submit.
func New(store OrderStore, books BookSource, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		books:  books,
		logger: logger.With("component", "twap-engine"),
	}
}

// Start binds running orders to ctx: cancelling it stops every order loop.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
}

// Stop cancels all running orders and waits for their loops to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Submit persists a new pending order and launches its execution loop.
// The loop outlives the submitting request: it runs on the engine context.
func (e *Engine) Submit(ctx context.Context, o types.ParentOrder) error {
	o.Status = types.StatusPending
	o.CreatedAt = time.Now().UTC()
	o.TotalExec = decimal.Zero
	o.AvgExecPrice = decimal.Zero
	o.PercentExec = decimal.Zero
	if err := e.store.AddOrder(ctx, o); err != nil {
		return err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(o)
	}()
	return nil
}

// run executes one parent order over its full duration.
func (e *Engine) run(o types.ParentOrder) {
	logger := e.logger.With("order_id", o.OrderID, "symbol", o.Symbol, "side", o.Side)

	stream, err := e.books(e.ctx, o.Symbol, o.Venues)
	if err != nil {
		logger.Error("book stream unavailable, completing empty", "error", err)
		o.Status = types.StatusCompleted
		e.persist(o, logger)
		return
	}

	o.Status = types.StatusExecuting
	e.persist(o, logger)
	logger.Info("order executing", "quantity", o.Quantity, "duration_s", o.DurationSeconds)

	slices := o.DurationSeconds
	sliceTarget := o.Quantity.DivRound(decimal.NewFromInt(int64(slices)), 8)
	notional := decimal.Zero // running sum of price*qty for the VWAP

	for i := 0; i < slices; i++ {
		select {
		case <-e.ctx.Done():
			logger.Warn("engine stopping, order interrupted")
			e.persist(o, logger)
			return
		case <-time.After(sliceInterval):
		}

		target := sliceTarget
		if i == slices-1 {
			// Final slice absorbs everything still unfilled.
			target = o.Quantity.Sub(o.TotalExec)
		}
		if !target.IsPositive() {
			continue
		}

		snap, ok := e.nextSnapshot(stream)
		if !ok {
			logger.Warn("no book this slice", "slice", i+1)
			e.persist(o, logger)
			continue
		}

		fills := fillSlice(o.Side, o.LimitPrice, target, snap)
		for _, f := range fills {
			exec := types.Execution{
				OrderID:   o.OrderID,
				Symbol:    o.Symbol,
				Side:      o.Side,
				Quantity:  f.Volume,
				Price:     f.Price,
				Venue:     f.Venue,
				Timestamp: time.Now().UTC(),
			}
			if err := e.store.AppendExecution(e.ctx, exec); err != nil {
				logger.Error("persist execution", "error", err)
			}
			o.LotsCount++
			o.TotalExec = o.TotalExec.Add(f.Volume)
			notional = notional.Add(f.Price.Mul(f.Volume))
		}
		if o.TotalExec.IsPositive() {
			o.AvgExecPrice = notional.DivRound(o.TotalExec, 8)
			o.PercentExec = o.TotalExec.Mul(hundred).DivRound(o.Quantity, 8)
		}
		e.persist(o, logger)
	}

	o.Status = types.StatusCompleted
	e.persist(o, logger)
	logger.Info("order completed",
		"filled", o.TotalExec, "percent", o.PercentExec, "lots", o.LotsCount)
}

// nextSnapshot waits up to one second for a consolidated book. A stalled
// aggregator costs the order one empty slice, never a hang.
func (e *Engine) nextSnapshot(stream <-chan types.ConsolidatedSnapshot) (types.ConsolidatedSnapshot, bool) {
	select {
	case snap, open := <-stream:
		return snap, open
	case <-time.After(snapshotWait):
		return types.ConsolidatedSnapshot{}, false
	case <-e.ctx.Done():
		return types.ConsolidatedSnapshot{}, false
	}
}

// fillSlice walks the book inside the limit price and returns the consumed
// levels: asks ascending for a buy, bids descending for a sell. Each returned
// level's Volume is the quantity taken from it.
func fillSlice(side types.Side, limit, target decimal.Decimal, snap types.ConsolidatedSnapshot) []types.PriceLevel {
	levels := snap.Asks
	if side == types.Sell {
		levels = snap.Bids
	}
	var fills []types.PriceLevel
	remaining := target
	for _, lvl := range levels {
		if side == types.Buy && lvl.Price.GreaterThan(limit) {
			break
		}
		if side == types.Sell && lvl.Price.LessThan(limit) {
			break
		}
		take := decimal.Min(lvl.Volume, remaining)
		if !take.IsPositive() {
			continue
		}
		fills = append(fills, types.PriceLevel{Price: lvl.Price, Volume: take, Venue: lvl.Venue})
		remaining = remaining.Sub(take)
		if !remaining.IsPositive() {
			break
		}
	}
	return fills
}

func (e *Engine) persist(o types.ParentOrder, logger *slog.Logger) {
	if err := e.store.UpdateOrderState(e.ctx, o); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("persist order state", "error", err)
	}
}
