// binance.go implements the Binance spot adapter.
//
// Binance is the simplest venue: the partial depth stream (@depth10) pushes
// the full top-10 book in every frame, so the adapter replaces its view
// wholesale instead of maintaining a delta book.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"twap-trading-api/pkg/types"
)

const (
	binanceRESTURL = "https://api.binance.com/api/v3"
	binanceWSURL   = "wss://stream.binance.com:9443/ws"

	binancePageLimit = 1500 // max klines per REST page
)

// binanceIntervals maps supported intervals to Binance's native labels,
// which happen to be identical.
var binanceIntervals = map[types.Interval]string{
	types.Interval1m: "1m", types.Interval3m: "3m", types.Interval5m: "5m",
	types.Interval15m: "15m", types.Interval30m: "30m", types.Interval1h: "1h",
	types.Interval2h: "2h", types.Interval3h: "3h", types.Interval6h: "6h",
	types.Interval8h: "8h", types.Interval12h: "12h", types.Interval1d: "1d",
	types.Interval3d: "3d", types.Interval1w: "1w", types.Interval1M: "1M",
}

// Binance adapts the Binance spot REST and WebSocket APIs.
type Binance struct {
	rest   *resty.Client
	wsURL  string
	pairs  pairCache
	pager  *TokenBucket
	logger *slog.Logger
}

// NewBinance creates the Binance adapter.
func NewBinance(logger *slog.Logger) *Binance {
	b := &Binance{
		rest:   newRESTClient(binanceRESTURL),
		wsURL:  binanceWSURL,
		pager:  newPageLimiter(),
		logger: logger.With("venue", "Binance"),
	}
	b.pairs.fetch = b.fetchPairs
	return b
}

func (b *Binance) Name() string { return "Binance" }

// TradingPairs returns canonical → native symbols. Binance symbols are
// already canonical (uppercase, no separator).
func (b *Binance) TradingPairs(ctx context.Context) (map[string]string, error) {
	return b.pairs.get(ctx)
}

func (b *Binance) fetchPairs(ctx context.Context) (map[string]string, error) {
	var result struct {
		Symbols []struct {
			Symbol string `json:"symbol"`
		} `json:"symbols"`
	}
	resp, err := b.rest.R().SetContext(ctx).Get("/exchangeInfo")
	if err != nil {
		return nil, fmt.Errorf("%w: exchange info: %v", ErrUpstreamUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: exchange info: status %d", ErrUpstreamUnavailable, resp.StatusCode())
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("%w: exchange info: %v", ErrUpstreamUnavailable, err)
	}
	pairs := make(map[string]string, len(result.Symbols))
	for _, s := range result.Symbols {
		pairs[s.Symbol] = s.Symbol
	}
	return pairs, nil
}

// Candles paginates /klines, advancing start one interval past the last bar
// of each page and pacing pages at one per second.
func (b *Binance) Candles(ctx context.Context, symbol string, interval types.Interval, start, end time.Time) ([]types.Candle, error) {
	native, ok := binanceIntervals[interval]
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
		var page [][]any
		err := withPageRetry(ctx, func() error {
			resp, err := b.rest.R().SetContext(ctx).
				SetQueryParams(map[string]string{
					"symbol":    symbol,
					"interval":  native,
					"startTime": strconv.FormatInt(start.UnixMilli(), 10),
					"limit":     strconv.Itoa(binancePageLimit),
				}).
				Get("/klines")
			if err != nil {
				return err
			}
			if resp.IsError() {
				return fmt.Errorf("klines: status %d: %s", resp.StatusCode(), resp.String())
			}
			page = page[:0]
			return json.Unmarshal(resp.Body(), &page)
		})
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		for _, k := range page {
			if len(k) < 6 {
				continue
			}
			c, ms, err := parseBinanceKline(k)
			if err != nil || seen[ms] {
				continue
			}
			if c.OpenTime.After(end) {
				break
			}
			seen[ms] = true
			out = append(out, c)
		}

		last := page[len(page)-1]
		if len(last) == 0 {
			return nil, fmt.Errorf("%w: klines: empty row", ErrUpstreamUnavailable)
		}
		lastMs, err := cellInt64(last[0])
		if err != nil {
			return nil, fmt.Errorf("%w: klines: %v", ErrUpstreamUnavailable, err)
		}
		start = time.UnixMilli(lastMs).UTC().Add(interval.Duration())
	}
	return out, nil
}

// parseBinanceKline decodes one [openTime, open, high, low, close, volume, …]
// array. Times are milliseconds; prices arrive as strings.
func parseBinanceKline(k []any) (types.Candle, int64, error) {
	ms, err := cellInt64(k[0])
	if err != nil {
		return types.Candle{}, 0, err
	}
	c := types.Candle{OpenTime: time.UnixMilli(ms).UTC()}
	for i, dst := range []*decimal.Decimal{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume} {
		v, err := cellDecimal(k[i+1])
		if err != nil {
			return types.Candle{}, 0, err
		}
		*dst = v
	}
	return c, ms, nil
}

// StreamBook subscribes to <symbol>@depth10: every frame carries the full
// top-10 book, which replaces the previous view. Frames arrive faster than
// once per second, so emission is paced to the 1 Hz adapter contract.
func (b *Binance) StreamBook(ctx context.Context, symbol string) (<-chan types.BookSnapshot, error) {
	if _, err := b.pairs.resolve(ctx, symbol); err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/%s@depth10", b.wsURL, strings.ToLower(symbol))
	logger := b.logger.With("symbol", symbol)

	return runStream(ctx, logger, func(ctx context.Context, emit emitFunc) error {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return fmt.Errorf("dial: %w", err)
		}
		defer conn.Close()
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		defer stop()
		logger.Info("book stream connected")

		for {
			conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return fmt.Errorf("read: %w", err)
			}
			var frame struct {
				Bids [][]string `json:"bids"`
				Asks [][]string `json:"asks"`
			}
			if err := json.Unmarshal(msg, &frame); err != nil {
				continue
			}
			if len(frame.Bids) == 0 && len(frame.Asks) == 0 {
				continue
			}
			emit(types.BookSnapshot{
				Bids: levelsFromPairs(frame.Bids, false),
				Asks: levelsFromPairs(frame.Asks, true),
			})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(emitInterval):
			}
		}
	}), nil
}
