// types.go holds the JSON wire shapes of the HTTP and WebSocket surface.
//
// Decimals live in fixed precision everywhere inside the process; this file
// is the one place they are rounded to floats, at the serialization boundary.
package api

import (
	"strings"
	"time"

	"twap-trading-api/pkg/types"
)

// isoLayout is the naive ISO-8601 form used for kline map keys and request
// time bounds, without zone suffix.
const isoLayout = "2006-01-02T15:04:05"

type errorResponse struct {
	Detail string `json:"detail"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type pingResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type userJSON struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// klineJSON mirrors the venue OHLCV bar keyed by its open time.
type klineJSON struct {
	Open   float64 `json:"Open"`
	High   float64 `json:"High"`
	Low    float64 `json:"Low"`
	Close  float64 `json:"Close"`
	Volume float64 `json:"Volume"`
}

func klinesToJSON(candles []types.Candle) map[string]klineJSON {
	out := make(map[string]klineJSON, len(candles))
	for _, c := range candles {
		out[c.OpenTime.Format(isoLayout)] = klineJSON{
			Open:   c.Open.InexactFloat64(),
			High:   c.High.InexactFloat64(),
			Low:    c.Low.InexactFloat64(),
			Close:  c.Close.InexactFloat64(),
			Volume: c.Volume.InexactFloat64(),
		}
	}
	return out
}

type twapOrderRequest struct {
	Symbol          string   `json:"symbol"`
	Side            string   `json:"side"`
	TotalQuantity   float64  `json:"total_quantity"`
	LimitPrice      float64  `json:"limit_price"`
	DurationSeconds int      `json:"duration_seconds"`
	Exchanges       []string `json:"exchanges"`
}

type twapOrderResponse struct {
	Message string `json:"message"`
	TokenID string `json:"token_id"`
}

type orderJSON struct {
	OrderID      string  `json:"order_id"`
	UserID       int64   `json:"user_id"`
	Symbol       string  `json:"symbol"`
	Exchange     string  `json:"exchange"`
	Side         string  `json:"side"`
	LimitPrice   float64 `json:"limit_price"`
	Quantity     float64 `json:"quantity"`
	Duration     int     `json:"duration"`
	Status       string  `json:"status"`
	CreatedAt    string  `json:"created_at"`
	PercentExec  float64 `json:"percent_exec"`
	AvgExecPrice float64 `json:"avg_exec_price"`
	LotsCount    int     `json:"lots_count"`
	TotalExec    float64 `json:"total_exec"`
}

func orderToJSON(o types.ParentOrder) orderJSON {
	return orderJSON{
		OrderID:      o.OrderID,
		UserID:       o.UserID,
		Symbol:       o.Symbol,
		Exchange:     strings.Join(o.Venues, ", "),
		Side:         string(o.Side),
		LimitPrice:   o.LimitPrice.InexactFloat64(),
		Quantity:     o.Quantity.InexactFloat64(),
		Duration:     o.DurationSeconds,
		Status:       string(o.Status),
		CreatedAt:    o.CreatedAt.UTC().Format(isoLayout),
		PercentExec:  o.PercentExec.InexactFloat64(),
		AvgExecPrice: o.AvgExecPrice.InexactFloat64(),
		LotsCount:    o.LotsCount,
		TotalExec:    o.TotalExec.InexactFloat64(),
	}
}

type executionJSON struct {
	ID        int64   `json:"id"`
	OrderID   string  `json:"order_id"`
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Quantity  float64 `json:"quantity"`
	Price     float64 `json:"price"`
	Exchange  string  `json:"exchange"`
	Timestamp string  `json:"timestamp"`
}

func executionToJSON(e types.Execution) executionJSON {
	return executionJSON{
		ID:        e.ID,
		OrderID:   e.OrderID,
		Symbol:    e.Symbol,
		Side:      string(e.Side),
		Quantity:  e.Quantity.InexactFloat64(),
		Price:     e.Price.InexactFloat64(),
		Exchange:  e.Venue,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket frames
// ————————————————————————————————————————————————————————————————————————

// clientFrame is the only inbound shape the session accepts.
type clientFrame struct {
	Action    string   `json:"action"`
	Symbol    string   `json:"symbol"`
	Exchanges []string `json:"exchanges"`
}

type welcomeFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type subscribeFrame struct {
	Type      string   `json:"type"`
	Message   string   `json:"message,omitempty"`
	Error     string   `json:"error,omitempty"`
	Symbol    string   `json:"symbol"`
	Exchanges []string `json:"exchanges,omitempty"`
}

type errorFrame struct {
	Error string `json:"error"`
}

// bookSideJSON maps a price string to its [volume, venue] pair.
type bookSideJSON map[string][2]any

type bookUpdateFrame struct {
	Type      string   `json:"type"`
	Symbol    string   `json:"symbol"`
	Exchanges []string `json:"exchanges"`
	OrderBook struct {
		Bids bookSideJSON `json:"bids"`
		Asks bookSideJSON `json:"asks"`
	} `json:"order_book"`
	Timestamp string `json:"timestamp"`
}

func snapshotToFrame(snap types.ConsolidatedSnapshot) bookUpdateFrame {
	frame := bookUpdateFrame{
		Type:      "order_book_update",
		Symbol:    snap.Symbol,
		Exchanges: snap.Venues,
		Timestamp: snap.Timestamp.Format(time.RFC3339Nano),
	}
	frame.OrderBook.Bids = sideToJSON(snap.Bids)
	frame.OrderBook.Asks = sideToJSON(snap.Asks)
	return frame
}

func sideToJSON(levels []types.PriceLevel) bookSideJSON {
	side := make(bookSideJSON, len(levels))
	for _, lvl := range levels {
		side[lvl.Price.String()] = [2]any{lvl.Volume.InexactFloat64(), lvl.Venue}
	}
	return side
}
