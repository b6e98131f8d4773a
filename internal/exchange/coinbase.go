// coinbase.go implements the Coinbase adapter.
//
// Market data REST comes from the public Exchange API; the level2 stream runs
// over the Advanced Trade WebSocket, which requires a short-lived ES256 JWT
// minted from the configured CDP API key.
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
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"twap-trading-api/pkg/types"
)

const (
	coinbaseRESTURL = "https://api.exchange.coinbase.com"
	coinbaseWSURL   = "wss://advanced-trade-ws.coinbase.com"

	coinbasePageLimit = 300             // candles per REST page
	coinbaseJWTExpiry = 5 * time.Minute // stream token validity
)

// coinbaseGranularities maps supported intervals to granularity in seconds.
// Coinbase serves a fixed set of six timeframes.
var coinbaseGranularities = map[types.Interval]int{
	types.Interval1m: 60, types.Interval5m: 300, types.Interval15m: 900,
	types.Interval1h: 3600, types.Interval6h: 21600, types.Interval1d: 86400,
}

// Coinbase adapts the Coinbase Exchange REST API and Advanced Trade stream.
type Coinbase struct {
	rest       *resty.Client
	wsURL      string
	apiKey     string
	privateKey string // EC private key, PEM
	pairs      pairCache
	pager      *TokenBucket
	logger     *slog.Logger
}

// NewCoinbase creates the Coinbase adapter. apiKey and privateKey credential
// the level2 stream; REST market data needs no auth.
func NewCoinbase(logger *slog.Logger, apiKey, privateKey string) *Coinbase {
	c := &Coinbase{
		rest:       newRESTClient(coinbaseRESTURL),
		wsURL:      coinbaseWSURL,
		apiKey:     apiKey,
		privateKey: privateKey,
		pager:      newPageLimiter(),
		logger:     logger.With("venue", "Coinbase"),
	}
	c.pairs.fetch = c.fetchPairs
	return c
}

func (c *Coinbase) Name() string { return "Coinbase" }

// TradingPairs maps canonical symbols to Coinbase product ids: "BTCUSD" is
// listed as "BTC-USD", so the canonical form strips the dash.
func (c *Coinbase) TradingPairs(ctx context.Context) (map[string]string, error) {
	return c.pairs.get(ctx)
}

func (c *Coinbase) fetchPairs(ctx context.Context) (map[string]string, error) {
	var products []struct {
		ID string `json:"id"`
	}
	resp, err := c.rest.R().SetContext(ctx).Get("/products")
	if err != nil {
		return nil, fmt.Errorf("%w: products: %v", ErrUpstreamUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: products: status %d", ErrUpstreamUnavailable, resp.StatusCode())
	}
	if err := json.Unmarshal(resp.Body(), &products); err != nil {
		return nil, fmt.Errorf("%w: products: %v", ErrUpstreamUnavailable, err)
	}
	pairs := make(map[string]string, len(products))
	for _, p := range products {
		pairs[strings.ReplaceAll(p.ID, "-", "")] = p.ID
	}
	return pairs, nil
}

// Candles pages /products/{id}/candles in 300-bar windows. Rows arrive
// newest-first as [time, low, high, open, close, volume] with time in seconds.
func (c *Coinbase) Candles(ctx context.Context, symbol string, interval types.Interval, start, end time.Time) ([]types.Candle, error) {
	granularity, ok := coinbaseGranularities[interval]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedInterval, interval)
	}
	native, err := c.pairs.resolve(ctx, symbol)
	if err != nil {
		return nil, err
	}

	window := time.Duration(granularity) * time.Second * coinbasePageLimit
	var out []types.Candle
	seen := make(map[int64]bool)
	for start.Before(end) {
		if err := c.pager.Wait(ctx); err != nil {
			return nil, err
		}
		pageEnd := start.Add(window)
		if pageEnd.After(end) {
			pageEnd = end
		}
		var rows [][]any
		err := withPageRetry(ctx, func() error {
			resp, err := c.rest.R().SetContext(ctx).
				SetQueryParams(map[string]string{
					"granularity": strconv.Itoa(granularity),
					"start":       start.UTC().Format(time.RFC3339),
					"end":         pageEnd.UTC().Format(time.RFC3339),
				}).
				Get("/products/" + native + "/candles")
			if err != nil {
				return err
			}
			if resp.IsError() {
				return fmt.Errorf("candles: status %d: %s", resp.StatusCode(), resp.String())
			}
			rows = rows[:0]
			return json.Unmarshal(resp.Body(), &rows)
		})
		if err != nil {
			return nil, err
		}

		// Newest-first: walk backwards for ascending order.
		for i := len(rows) - 1; i >= 0; i-- {
			candle, sec, err := parseCoinbaseCandle(rows[i])
			if err != nil || seen[sec] {
				continue
			}
			if candle.OpenTime.After(end) {
				break
			}
			seen[sec] = true
			out = append(out, candle)
		}
		start = pageEnd
	}
	return out, nil
}

// parseCoinbaseCandle decodes one [time, low, high, open, close, volume] row.
func parseCoinbaseCandle(row []any) (types.Candle, int64, error) {
	if len(row) < 6 {
		return types.Candle{}, 0, fmt.Errorf("candle row has %d cells", len(row))
	}
	sec, err := cellInt64(row[0])
	if err != nil {
		return types.Candle{}, 0, err
	}
	c := types.Candle{OpenTime: time.Unix(sec, 0).UTC()}
	dsts := []*decimal.Decimal{&c.Low, &c.High, &c.Open, &c.Close, &c.Volume}
	for i, dst := range dsts {
		v, err := cellDecimal(row[i+1])
		if err != nil {
			return types.Candle{}, 0, err
		}
		*dst = v
	}
	return c, sec, nil
}

// mintJWT builds the ES256 token the Advanced Trade stream expects.
func (c *Coinbase) mintJWT() (string, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(c.privateKey))
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": c.apiKey,
		"sub": c.apiKey,
		"aud": []string{"coinbase-cloud"},
		"iat": now.Unix(),
		"exp": now.Add(coinbaseJWTExpiry).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = c.apiKey
	token.Header["nonce"] = uuid.NewString()
	return token.SignedString(key)
}

// coinbaseL2Frame is one message on the level2 channel.
type coinbaseL2Frame struct {
	Channel string `json:"channel"`
	Events  []struct {
		Type    string `json:"type"`
		Updates []struct {
			Side        string `json:"side"` // "bid" or "offer"
			PriceLevel  string `json:"price_level"`
			NewQuantity string `json:"new_quantity"`
		} `json:"updates"`
	} `json:"events"`
}

// StreamBook subscribes to the level2 channel. The first event is a full
// snapshot; updates follow with absolute quantities, zero removing the level.
func (c *Coinbase) StreamBook(ctx context.Context, symbol string) (<-chan types.BookSnapshot, error) {
	native, err := c.pairs.resolve(ctx, symbol)
	if err != nil {
		return nil, err
	}
	logger := c.logger.With("symbol", symbol)

	return runStream(ctx, logger, func(ctx context.Context, emit emitFunc) error {
		token, err := c.mintJWT()
		if err != nil {
			return err
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
		if err != nil {
			return fmt.Errorf("dial: %w", err)
		}
		defer conn.Close()
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		defer stop()

		sub := map[string]any{
			"type":        "subscribe",
			"channel":     "level2",
			"product_ids": []string{native},
			"jwt":         token,
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
			var frame coinbaseL2Frame
			if err := json.Unmarshal(msg, &frame); err != nil {
				continue
			}
			if frame.Channel != "l2_data" {
				continue
			}
			for _, ev := range frame.Events {
				if ev.Type == "snapshot" {
					book.reset()
				}
				for _, u := range ev.Updates {
					switch u.Side {
					case "bid":
						book.applyBid(u.PriceLevel, u.NewQuantity)
					case "offer":
						book.applyAsk(u.PriceLevel, u.NewQuantity)
					}
				}
			}
			if pacer.due() {
				emit(book.snapshot())
			}
		}
	}), nil
}
