// kucoin.go implements the Kucoin spot adapter.
//
// Kucoin's public stream is reached through a two-step handshake: POST
// /bullet-public returns a token plus the WebSocket endpoint, and the client
// must ping at the interval the server advertises. The level2 topic carries
// deltas only, so the book is seeded from the REST level2_100 snapshot after
// the subscription is in place.
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
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"twap-trading-api/pkg/types"
)

const (
	kucoinRESTURL = "https://api.kucoin.com"

	// kucoinDefaultPing is the documented ping interval, used when the bullet
	// response omits one.
	kucoinDefaultPing = 18 * time.Second
)

// kucoinIntervals maps supported intervals to Kucoin's native type labels.
var kucoinIntervals = map[types.Interval]string{
	types.Interval1m: "1min", types.Interval3m: "3min", types.Interval5m: "5min",
	types.Interval15m: "15min", types.Interval30m: "30min", types.Interval1h: "1hour",
	types.Interval2h: "2hour", types.Interval4h: "4hour", types.Interval6h: "6hour",
	types.Interval8h: "8hour", types.Interval12h: "12hour", types.Interval1d: "1day",
	types.Interval1w: "1week", types.Interval1M: "1month",
}

// Kucoin adapts the Kucoin spot REST and WebSocket APIs.
type Kucoin struct {
	rest   *resty.Client
	pairs  pairCache
	pager  *TokenBucket
	logger *slog.Logger
}

// NewKucoin creates the Kucoin adapter.
func NewKucoin(logger *slog.Logger) *Kucoin {
	k := &Kucoin{
		rest:   newRESTClient(kucoinRESTURL),
		pager:  newPageLimiter(),
		logger: logger.With("venue", "Kucoin"),
	}
	k.pairs.fetch = k.fetchPairs
	return k
}

func (k *Kucoin) Name() string { return "Kucoin" }

// TradingPairs maps canonical symbols to Kucoin symbols: "BTCUSDT" is listed
// as "BTC-USDT", so the canonical form strips the dash.
func (k *Kucoin) TradingPairs(ctx context.Context) (map[string]string, error) {
	return k.pairs.get(ctx)
}

func (k *Kucoin) fetchPairs(ctx context.Context) (map[string]string, error) {
	var result struct {
		Data []struct {
			Symbol string `json:"symbol"`
		} `json:"data"`
	}
	resp, err := k.rest.R().SetContext(ctx).Get("/api/v2/symbols")
	if err != nil {
		return nil, fmt.Errorf("%w: symbols: %v", ErrUpstreamUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: symbols: status %d", ErrUpstreamUnavailable, resp.StatusCode())
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("%w: symbols: %v", ErrUpstreamUnavailable, err)
	}
	pairs := make(map[string]string, len(result.Data))
	for _, s := range result.Data {
		pairs[strings.ReplaceAll(s.Symbol, "-", "")] = s.Symbol
	}
	return pairs, nil
}

// Candles pages /api/v1/market/candles. Rows arrive newest-first as
// [time, open, close, high, low, volume, turnover] with time in seconds.
func (k *Kucoin) Candles(ctx context.Context, symbol string, interval types.Interval, start, end time.Time) ([]types.Candle, error) {
	native, ok := kucoinIntervals[interval]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedInterval, interval)
	}
	pair, err := k.pairs.resolve(ctx, symbol)
	if err != nil {
		return nil, err
	}

	var out []types.Candle
	seen := make(map[int64]bool)
	for start.Before(end) {
		if err := k.pager.Wait(ctx); err != nil {
			return nil, err
		}
		var rows [][]string
		err := withPageRetry(ctx, func() error {
			var result struct {
				Data [][]string `json:"data"`
			}
			resp, err := k.rest.R().SetContext(ctx).
				SetQueryParams(map[string]string{
					"symbol":  pair,
					"type":    native,
					"startAt": strconv.FormatInt(start.Unix(), 10),
					"endAt":   strconv.FormatInt(end.Unix(), 10),
				}).
				Get("/api/v1/market/candles")
			if err != nil {
				return err
			}
			if resp.IsError() {
				return fmt.Errorf("candles: status %d: %s", resp.StatusCode(), resp.String())
			}
			if err := json.Unmarshal(resp.Body(), &result); err != nil {
				return err
			}
			rows = result.Data
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}

		// Newest-first, and Kucoin orders cells open/close/high/low.
		for i := len(rows) - 1; i >= 0; i-- {
			row := rows[i]
			if len(row) < 6 {
				continue
			}
			c, sec, err := parseStringKline(row[0], row[1], row[3], row[4], row[2], row[5], time.Second)
			if err != nil || seen[sec] {
				continue
			}
			if c.OpenTime.After(end) {
				break
			}
			seen[sec] = true
			out = append(out, c)
		}

		if len(rows[0]) == 0 {
			return nil, fmt.Errorf("%w: candles: empty row", ErrUpstreamUnavailable)
		}
		newest, err := strconv.ParseInt(rows[0][0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: candles: %v", ErrUpstreamUnavailable, err)
		}
		start = time.Unix(newest, 0).UTC().Add(interval.Duration())
	}
	return out, nil
}

// bulletToken is the response of POST /api/v1/bullet-public.
type bulletToken struct {
	token        string
	endpoint     string
	pingInterval time.Duration
}

func (k *Kucoin) fetchBullet(ctx context.Context) (bulletToken, error) {
	var result struct {
		Data struct {
			Token           string `json:"token"`
			InstanceServers []struct {
				Endpoint     string `json:"endpoint"`
				PingInterval int64  `json:"pingInterval"` // milliseconds
			} `json:"instanceServers"`
		} `json:"data"`
	}
	resp, err := k.rest.R().SetContext(ctx).Post("/api/v1/bullet-public")
	if err != nil {
		return bulletToken{}, fmt.Errorf("bullet: %w", err)
	}
	if resp.IsError() {
		return bulletToken{}, fmt.Errorf("bullet: status %d", resp.StatusCode())
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return bulletToken{}, fmt.Errorf("bullet: %w", err)
	}
	if len(result.Data.InstanceServers) == 0 {
		return bulletToken{}, fmt.Errorf("bullet: no instance servers")
	}
	srv := result.Data.InstanceServers[0]
	if srv.Endpoint == "" {
		return bulletToken{}, fmt.Errorf("bullet: no endpoint")
	}
	ping := time.Duration(srv.PingInterval) * time.Millisecond
	if ping <= 0 {
		ping = kucoinDefaultPing
	}
	return bulletToken{
		token:        result.Data.Token,
		endpoint:     srv.Endpoint,
		pingInterval: ping,
	}, nil
}

// seedBook loads the level2_100 REST snapshot into book so that deltas apply
// against a populated base.
func (k *Kucoin) seedBook(ctx context.Context, pair string, book *depthBook) error {
	var result struct {
		Data struct {
			Bids [][]string `json:"bids"`
			Asks [][]string `json:"asks"`
		} `json:"data"`
	}
	resp, err := k.rest.R().SetContext(ctx).
		SetQueryParam("symbol", pair).
		Get("/api/v1/market/orderbook/level2_100")
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("snapshot: status %d", resp.StatusCode())
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	book.reset()
	for _, pv := range result.Data.Bids {
		if len(pv) >= 2 {
			book.applyBid(pv[0], pv[1])
		}
	}
	for _, pv := range result.Data.Asks {
		if len(pv) >= 2 {
			book.applyAsk(pv[0], pv[1])
		}
	}
	return nil
}

// kucoinL2Frame is one message on the /market/level2 topic.
type kucoinL2Frame struct {
	Type    string `json:"type"`
	Subject string `json:"subject"`
	Data    struct {
		Changes struct {
			Bids [][]string `json:"bids"` // [price, size, sequence]
			Asks [][]string `json:"asks"`
		} `json:"changes"`
	} `json:"data"`
}

// StreamBook performs the bullet handshake, subscribes to the level2 topic,
// seeds the book from REST and then applies deltas, pinging the server at the
// advertised interval.
func (k *Kucoin) StreamBook(ctx context.Context, symbol string) (<-chan types.BookSnapshot, error) {
	pair, err := k.pairs.resolve(ctx, symbol)
	if err != nil {
		return nil, err
	}
	logger := k.logger.With("symbol", symbol)

	return runStream(ctx, logger, func(ctx context.Context, emit emitFunc) error {
		bullet, err := k.fetchBullet(ctx)
		if err != nil {
			return err
		}
		url := fmt.Sprintf("%s?token=%s&connectId=%s", bullet.endpoint, bullet.token, uuid.NewString())
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return fmt.Errorf("dial: %w", err)
		}
		defer conn.Close()
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		defer stop()

		sub := map[string]any{
			"id":       uuid.NewString(),
			"type":     "subscribe",
			"topic":    "/market/level2:" + pair,
			"response": true,
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}

		book := newDepthBook()
		if err := k.seedBook(ctx, pair, book); err != nil {
			return err
		}
		logger.Info("book stream connected")

		// The server drops clients that miss its ping window.
		pingCtx, cancelPing := context.WithCancel(ctx)
		defer cancelPing()
		go func() {
			ticker := time.NewTicker(bullet.pingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-pingCtx.Done():
					return
				case <-ticker.C:
					conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteJSON(map[string]string{
						"id":   uuid.NewString(),
						"type": "ping",
					}); err != nil {
						conn.Close()
						return
					}
				}
			}
		}()

		var pacer emitPacer
		for {
			conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return fmt.Errorf("read: %w", err)
			}
			var frame kucoinL2Frame
			if err := json.Unmarshal(msg, &frame); err != nil {
				continue
			}
			if frame.Type != "message" || frame.Subject != "trade.l2update" {
				continue
			}
			for _, pv := range frame.Data.Changes.Bids {
				if len(pv) >= 2 {
					book.applyBid(pv[0], pv[1])
				}
			}
			for _, pv := range frame.Data.Changes.Asks {
				if len(pv) >= 2 {
					book.applyAsk(pv[0], pv[1])
				}
			}
			if pacer.due() {
				emit(book.snapshot())
			}
		}
	}), nil
}
