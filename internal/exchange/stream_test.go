package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"twap-trading-api/pkg/types"
)

func recvSnapshot(t *testing.T, stream <-chan types.BookSnapshot) types.BookSnapshot {
	t.Helper()
	select {
	case snap, ok := <-stream:
		if !ok {
			t.Fatal("stream closed unexpectedly")
		}
		return snap
	case <-time.After(3 * time.Second):
		t.Fatal("no snapshot within 3s")
		return types.BookSnapshot{}
	}
}

func TestRunStreamConflatesToFreshest(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	emitted := make(chan struct{})
	stream := runStream(ctx, testLogger(), func(ctx context.Context, emit emitFunc) error {
		// Three rapid emits before the consumer reads: only the last survives.
		for i := 1; i <= 3; i++ {
			emit(types.BookSnapshot{Bids: make([]types.PriceLevel, i)})
		}
		close(emitted)
		<-ctx.Done()
		return ctx.Err()
	})

	<-emitted
	snap := recvSnapshot(t, stream)
	if len(snap.Bids) != 3 {
		t.Fatalf("expected freshest snapshot (3 bids), got %d", len(snap.Bids))
	}
}

func TestRunStreamReconnects(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	attempts := 0
	stream := runStream(ctx, testLogger(), func(ctx context.Context, emit emitFunc) error {
		attempts++
		if attempts == 1 {
			return errors.New("socket dropped")
		}
		emit(types.BookSnapshot{Asks: []types.PriceLevel{{}}})
		<-ctx.Done()
		return ctx.Err()
	})

	snap := recvSnapshot(t, stream)
	if len(snap.Asks) != 1 {
		t.Fatalf("unexpected snapshot after reconnect: %+v", snap)
	}
	if attempts != 2 {
		t.Errorf("expected 2 connect attempts, got %d", attempts)
	}
}

func TestRunStreamClosesOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	stream := runStream(ctx, testLogger(), func(ctx context.Context, emit emitFunc) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cancel()

	select {
	case _, ok := <-stream:
		if ok {
			t.Fatal("expected closed channel, got a snapshot")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not close after cancel")
	}
}

func TestEmitPacer(t *testing.T) {
	t.Parallel()

	var pacer emitPacer
	if !pacer.due() {
		t.Fatal("first emission must be due immediately")
	}
	if pacer.due() {
		t.Fatal("second emission within the interval must not be due")
	}
}
