// bybit.go implements the Bybit spot adapter.
//
// The v5 public stream sends one orderbook.50 snapshot frame on subscription
// followed by incremental deltas where a zero volume removes the level. The
// adapter maintains a local depth book and publishes a top-10 view once per
// second.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"twap-trading-api/pkg/types"
)

const (
	bybitRESTURL = "https://api.bybit.com/v5"
	bybitWSURL   = "wss://stream.bybit.com/v5/public/spot"

	bybitPageLimit = 200 // klines per REST page
)

// bybitIntervals maps supported intervals to Bybit's native encodings.
var bybitIntervals = map[types.Interval]string{
	types.Interval1m: "1", types.Interval3m: "3", types.Interval5m: "5",
	types.Interval15m: "15", types.Interval30m: "30", types.Interval1h: "60",
	types.Interval2h: "120", types.Interval4h: "240", types.Interval6h: "360",
	types.Interval12h: "720", types.Interval1d: "D", types.Interval1w: "W",
	types.Interval1M: "M",
}

// Bybit adapts the Bybit v5 spot REST and WebSocket APIs.
type Bybit struct {
	rest   *resty.Client
	wsURL  string
	pairs  pairCache
	pager  *TokenBucket
	logger *slog.Logger
}

// NewBybit creates the Bybit adapter.
func NewBybit(logger *slog.Logger) *Bybit {
	b := &Bybit{
		rest:   newRESTClient(bybitRESTURL),
		wsURL:  bybitWSURL,
		pager:  newPageLimiter(),
		logger: logger.With("venue", "Bybit"),
	}
	b.pairs.fetch = b.fetchPairs
	return b
}

func (b *Bybit) Name() string { return "Bybit" }

// TradingPairs returns canonical → native symbols; Bybit spot symbols are
// already in canonical form.
func (b *Bybit) TradingPairs(ctx context.Context) (map[string]string, error) {
	return b.pairs.get(ctx)
}

func (b *Bybit) fetchPairs(ctx context.Context) (map[string]string, error) {
	var result struct {
		Result struct {
			List []struct {
				Symbol string `json:"symbol"`
			} `json:"list"`
		} `json:"result"`
	}
	resp, err := b.rest.R().SetContext(ctx).
		SetQueryParam("category", "spot").
		Get("/market/instruments-info")
	if err != nil {
		return nil, fmt.Errorf("%w: instruments: %v", ErrUpstreamUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: instruments: status %d", ErrUpstreamUnavailable, resp.StatusCode())
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("%w: instruments: %v", ErrUpstreamUnavailable, err)
	}
	pairs := make(map[string]string, len(result.Result.List))
	for _, s := range result.Result.List {
		pairs[s.Symbol] = s.Symbol
	}
	return pairs, nil
}

// Candles paginates /market/kline. Bybit returns bars newest-first, so each
// page is reversed before appending.
func (b *Bybit) Candles(ctx context.Context, symbol string, interval types.Interval, start, end time.Time) ([]types.Candle, error) {
	native, ok := bybitIntervals[interval]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedInterval, interval)
	}
	if _, err := b.pairs.resolve(ctx, symbol); err != nil {
		return nil, err
	}

	var out []types.Candle
	seen := make(map[int64]bool)
	for start.Before(end) {
		if err := b.pager.Wait(ctx); err != nil {
			return nil, err
		}
		var list [][]string
		err := withPageRetry(ctx, func() error {
			var result struct {
				Result struct {
					List [][]string `json:"list"`
				} `json:"result"`
			}
			resp, err := b.rest.R().SetContext(ctx).
				SetQueryParams(map[string]string{
					"category": "spot",
					"symbol":   symbol,
					"interval": native,
					"start":    strconv.FormatInt(start.UnixMilli(), 10),
					"limit":    strconv.Itoa(bybitPageLimit),
				}).
				Get("/market/kline")
			if err != nil {
				return err
			}
			if resp.IsError() {
				return fmt.Errorf("kline: status %d: %s", resp.StatusCode(), resp.String())
			}
			if err := json.Unmarshal(resp.Body(), &result); err != nil {
				return err
			}
			list = result.Result.List
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			break
		}

		// Newest-first: walk backwards for ascending order.
		for i := len(list) - 1; i >= 0; i-- {
			k := list[i]
			if len(k) < 6 {
				continue
			}
			c, ms, err := parseStringKline(k[0], k[1], k[2], k[3], k[4], k[5], time.Millisecond)
			if err != nil || seen[ms] {
				continue
			}
			if c.OpenTime.After(end) {
				break
			}
			seen[ms] = true
			out = append(out, c)
		}

		// list is newest-first, so the page's newest bar is list[0].
		if len(list[0]) == 0 {
			return nil, fmt.Errorf("%w: kline: empty row", ErrUpstreamUnavailable)
		}
		newest, err := strconv.ParseInt(list[0][0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: kline: %v", ErrUpstreamUnavailable, err)
		}
		start = time.UnixMilli(newest).UTC().Add(interval.Duration())
	}
	return out, nil
}

// bybitBookFrame is one orderbook.50 message: a snapshot or a delta.
type bybitBookFrame struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
	Data  struct {
		Bids [][]string `json:"b"`
		Asks [][]string `json:"a"`
	} `json:"data"`
}

// StreamBook subscribes to orderbook.50.<symbol>, seeds the local book from
// the snapshot frame and applies deltas in arrival order.
func (b *Bybit) StreamBook(ctx context.Context, symbol string) (<-chan types.BookSnapshot, error) {
	if _, err := b.pairs.resolve(ctx, symbol); err != nil {
		return nil, err
	}
	logger := b.logger.With("symbol", symbol)

	return runStream(ctx, logger, func(ctx context.Context, emit emitFunc) error {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.wsURL, nil)
		if err != nil {
			return fmt.Errorf("dial: %w", err)
		}
		defer conn.Close()
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		defer stop()

		sub := map[string]any{
			"op":   "subscribe",
			"args": []string{"orderbook.50." + symbol},
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		logger.Info("book stream connected")

		book := newDepthBook()
		var pacer emitPacer
		for {
			conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return fmt.Errorf("read: %w", err)
			}
			var frame bybitBookFrame
			if err := json.Unmarshal(msg, &frame); err != nil {
				continue
			}
			switch {
			case frame.Topic == "":
				// Subscription ack or heartbeat.
				continue
			case frame.Type == "snapshot":
				book.reset()
				fallthrough
			case frame.Type == "delta":
				for _, pv := range frame.Data.Bids {
					if len(pv) >= 2 {
						book.applyBid(pv[0], pv[1])
					}
				}
				for _, pv := range frame.Data.Asks {
					if len(pv) >= 2 {
						book.applyAsk(pv[0], pv[1])
					}
				}
			default:
				continue
			}
			if pacer.due() {
				emit(book.snapshot())
			}
		}
	}), nil
}
