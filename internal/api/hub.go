// hub.go reference-counts one consolidated-book broadcast per symbol and fans
// its frames out to every subscribed session.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"twap-trading-api/pkg/types"
)

// BookSource opens a consolidated snapshot stream for a symbol over venues.
// In production it is market.Stream over the adapter registry.
type BookSource func(ctx context.Context, symbol string, venues []string) (<-chan types.ConsolidatedSnapshot, error)

// Hub tracks which session holds which symbol and runs exactly one broadcast
// goroutine per symbol with at least one subscriber. The first subscriber
// fixes the venue set for that symbol; later subscribers join the running
// broadcast and their requested venues are ignored.
type Hub struct {
	books  BookSource
	logger *slog.Logger

	mu           sync.Mutex
	sessions     map[*session]map[string]bool
	broadcasters map[string]*broadcaster

	ctx context.Context
}

// broadcaster identifies one broadcast goroutine. The pointer doubles as its
// identity so a failing broadcaster can never tear down a successor that took
// over its symbol.
type broadcaster struct {
	cancel context.CancelFunc
}

// NewHub creates the hub. Start must be called before sessions attach.
func NewHub(books BookSource, logger *slog.Logger) *Hub {
	return &Hub{
		books:        books,
		logger:       logger.With("component", "hub"),
		sessions:     make(map[*session]map[string]bool),
		broadcasters: make(map[string]*broadcaster),
	}
}

// Start binds broadcast goroutines to ctx: cancelling it stops them all.
func (h *Hub) Start(ctx context.Context) { h.ctx = ctx }

func (h *Hub) attach(sess *session) {
	h.mu.Lock()
	h.sessions[sess] = make(map[string]bool)
	h.mu.Unlock()
	sess.sendJSON(welcomeFrame{Type: "welcome", Message: "Welcome to Twap-Trading-API WebSocket"})
}

// detach drops the session and stops any broadcast it was the last holder of.
func (h *Hub) detach(sess *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	symbols := h.sessions[sess]
	delete(h.sessions, sess)
	for symbol := range symbols {
		h.stopIfUnusedLocked(symbol)
	}
}

func (h *Hub) subscribe(sess *session, symbol string, venues []string) {
	h.mu.Lock()
	subs, ok := h.sessions[sess]
	if !ok {
		h.mu.Unlock()
		return
	}
	if subs[symbol] {
		h.mu.Unlock()
		sess.sendJSON(subscribeFrame{
			Type:    "subscribe_failure",
			Message: "Already subscribed to " + symbol,
			Symbol:  symbol,
		})
		return
	}
	subs[symbol] = true
	if _, running := h.broadcasters[symbol]; !running {
		ctx, cancel := context.WithCancel(h.ctx)
		b := &broadcaster{cancel: cancel}
		h.broadcasters[symbol] = b
		go h.broadcast(ctx, b, symbol, venues)
	}
	h.mu.Unlock()
	sess.sendJSON(subscribeFrame{
		Type:      "subscribe_success",
		Message:   "Subscribed to " + symbol,
		Symbol:    symbol,
		Exchanges: venues,
	})
}

func (h *Hub) unsubscribe(sess *session, symbol string) {
	h.mu.Lock()
	subs, ok := h.sessions[sess]
	if !ok || !subs[symbol] {
		h.mu.Unlock()
		sess.sendJSON(subscribeFrame{
			Type:   "unsubscribe_failure",
			Error:  "Cannot unsubscribe from " + symbol + ": Not subscribed.",
			Symbol: symbol,
		})
		return
	}
	delete(subs, symbol)
	h.stopIfUnusedLocked(symbol)
	h.mu.Unlock()
	sess.sendJSON(subscribeFrame{
		Type:    "unsubscribe_success",
		Message: "Unsubscribed from " + symbol,
		Symbol:  symbol,
	})
}

// stopIfUnusedLocked cancels the symbol's broadcast when no session holds it.
// Caller holds h.mu.
func (h *Hub) stopIfUnusedLocked(symbol string) {
	for _, subs := range h.sessions {
		if subs[symbol] {
			return
		}
	}
	if b, ok := h.broadcasters[symbol]; ok {
		h.logger.Info("stopping broadcast", "symbol", symbol)
		b.cancel()
		delete(h.broadcasters, symbol)
	}
}

// broadcast pushes every consolidated snapshot of one symbol to all sessions
// currently subscribed to it. Per-session write failures are swallowed: a dead
// session is torn down by its own pumps, never here.
func (h *Hub) broadcast(ctx context.Context, b *broadcaster, symbol string, venues []string) {
	logger := h.logger.With("symbol", symbol)
	logger.Info("broadcast started", "venues", venues)

	stream, err := h.books(ctx, symbol, venues)
	if err != nil {
		logger.Error("broadcast failed to open stream", "error", err)
		h.mu.Lock()
		// Deregister only this broadcaster: the symbol may already belong to a
		// successor started after an unsubscribe/resubscribe.
		if h.broadcasters[symbol] == b {
			b.cancel()
			delete(h.broadcasters, symbol)
		}
		h.mu.Unlock()
		return
	}

	for snap := range stream {
		payload, err := json.Marshal(snapshotToFrame(snap))
		if err != nil {
			continue
		}
		h.mu.Lock()
		for sess, subs := range h.sessions {
			if subs[symbol] {
				sess.enqueue(payload)
			}
		}
		h.mu.Unlock()
	}
	logger.Info("broadcast stopped")
}
