// stream.go holds the shared WebSocket streaming loop for all venue adapters.
//
// Each adapter supplies a connectAndRead function that dials the venue,
// performs its framing (subscription acks, auth, heartbeats) and calls emit
// with fresh top-10 snapshots. The loop reconnects with a fixed 1s backoff on
// any error and ends only when the context is cancelled. A read deadline
// ensures silent server failures are detected and the socket is re-dialed.
package exchange

import (
	"context"
	"log/slog"
	"time"

	"twap-trading-api/pkg/types"
)

const (
	reconnectWait = time.Second      // fixed backoff between reconnect attempts
	emitInterval  = time.Second      // adapters emit at most one snapshot per second
	readTimeout   = 60 * time.Second // venue must send a frame within this window
	writeTimeout  = 10 * time.Second // deadline for outgoing messages
)

// emitFunc delivers one snapshot downstream. Implementations never block.
type emitFunc func(types.BookSnapshot)

// runStream drives connectAndRead until ctx is cancelled, forwarding snapshots
// into the returned channel. The channel holds a single slot and is conflated:
// a slow consumer always observes the freshest book, never a backlog.
func runStream(ctx context.Context, logger *slog.Logger,
	connectAndRead func(context.Context, emitFunc) error) <-chan types.BookSnapshot {

	out := make(chan types.BookSnapshot, 1)
	emit := func(snap types.BookSnapshot) {
		select {
		case out <- snap:
		default:
			// Replace the pending snapshot with the newer one.
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

	go func() {
		defer close(out)
		for {
			err := connectAndRead(ctx, emit)
			if ctx.Err() != nil {
				return
			}
			logger.Warn("book stream disconnected, reconnecting",
				"error", err,
				"backoff", reconnectWait,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectWait):
			}
		}
	}()
	return out
}

// emitPacer rate-limits snapshot emission to one per emitInterval.
// Delta venues receive many frames per second; the pacer decides when the
// accumulated book is due for publication.
type emitPacer struct {
	last time.Time
}

func (p *emitPacer) due() bool {
	now := time.Now()
	if now.Sub(p.last) < emitInterval {
		return false
	}
	p.last = now
	return true
}
