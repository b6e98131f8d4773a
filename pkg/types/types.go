// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the server — order book levels,
// consolidated snapshots, candles, TWAP orders and their executions. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a TWAP order: buy or sell.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// OrderStatus enumerates the TWAP parent order lifecycle.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusExecuting OrderStatus = "executing"
	StatusCompleted OrderStatus = "completed"
	StatusCanceled  OrderStatus = "canceled"
)

// Interval is a candle timeframe label, e.g. "1m", "1h", "1d".
// Each venue adapter declares the subset it supports and its native encoding.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval2h  Interval = "2h"
	Interval3h  Interval = "3h"
	Interval4h  Interval = "4h"
	Interval6h  Interval = "6h"
	Interval8h  Interval = "8h"
	Interval12h Interval = "12h"
	Interval1d  Interval = "1d"
	Interval3d  Interval = "3d"
	Interval1w  Interval = "1w"
	Interval1M  Interval = "1M"
)

// intervalMinutes maps every known interval to its length in minutes.
// A month is the 43800-minute convention the venues themselves use.
var intervalMinutes = map[Interval]int{
	Interval1m: 1, Interval3m: 3, Interval5m: 5, Interval15m: 15,
	Interval30m: 30, Interval1h: 60, Interval2h: 120, Interval3h: 180,
	Interval4h: 240, Interval6h: 360, Interval8h: 480, Interval12h: 720,
	Interval1d: 1440, Interval3d: 4320, Interval1w: 10080, Interval1M: 43800,
}

// Minutes returns the interval length in minutes, or 0 for an unknown label.
func (i Interval) Minutes() int { return intervalMinutes[i] }

// Duration returns the interval length as a time.Duration.
func (i Interval) Duration() time.Duration {
	return time.Duration(intervalMinutes[i]) * time.Minute
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// BookDepth is the number of levels kept per side in every snapshot.
const BookDepth = 10

// PriceLevel is a single bid or ask level. Venue is empty on per-venue
// snapshots and carries the contributing venue on consolidated levels.
// A zero Volume means "remove this level" on delta feeds.
type PriceLevel struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
	Venue  string
}

// BookSnapshot is a point-in-time top-of-book view from a single venue.
// Asks are sorted ascending by price, bids descending, each side at most
// 10 levels deep. Either side may be empty (one-sided liquidity).
type BookSnapshot struct {
	Bids []PriceLevel
	Asks []PriceLevel
}

// ConsolidatedSnapshot is a top-10 book fused from several venues. Each level
// carries the venue that contributed it: when multiple venues quote the same
// price, the level with the largest single-venue volume is retained (volumes
// are not summed, so a fill walk never counts liquidity twice).
type ConsolidatedSnapshot struct {
	Symbol    string
	Venues    []string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Candle is one OHLCV bar. OpenTime is the UTC instant the bar opened.
type Candle struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// TWAP orders
// ————————————————————————————————————————————————————————————————————————

// ParentOrder is a TWAP order as submitted by a client. The engine slices it
// into one execution round per second over DurationSeconds seconds.
type ParentOrder struct {
	OrderID         string
	UserID          int64
	Symbol          string
	Venues          []string
	Side            Side
	Quantity        decimal.Decimal // total quantity to execute
	LimitPrice      decimal.Decimal
	DurationSeconds int
	Status          OrderStatus
	CreatedAt       time.Time

	// Running aggregates, recomputed after every slice.
	LotsCount    int
	TotalExec    decimal.Decimal
	AvgExecPrice decimal.Decimal
	PercentExec  decimal.Decimal
}

// Execution is one immutable fill record: a single price level consumed during
// one slice of a parent order.
type Execution struct {
	ID        int64
	OrderID   string
	Symbol    string
	Side      Side
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	Venue     string
	Timestamp time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Users
// ————————————————————————————————————————————————————————————————————————

// Role of a registered user.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is an API account. Password holds the bcrypt hash, never cleartext.
type User struct {
	ID       int64
	Username string
	Password string
	Role     Role
}
