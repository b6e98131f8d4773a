// handlers.go implements the REST surface. Response texts and status codes
// are part of the public contract and must not drift.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"twap-trading-api/internal/auth"
	"twap-trading-api/internal/exchange"
	"twap-trading-api/internal/store"
	"twap-trading-api/pkg/types"
)

type ctxKey int

const userKey ctxKey = iota

// currentUser returns the account the auth middleware resolved.
func currentUser(r *http.Request) types.User {
	u, _ := r.Context().Value(userKey).(types.User)
	return u
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

// authenticated resolves the bearer token to a stored account and rejects the
// request with 401 otherwise.
func (s *Server) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		username, err := s.tokens.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		user, err := s.store.UserByUsername(r.Context(), username)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

// ————————————————————————————————————————————————————————————————————————
// Public endpoints
// ————————————————————————————————————————————————————————————————————————

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, messageResponse{Message: "Welcome to the Twap-Trading-API"})
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, pingResponse{
		Status:    "ok",
		Message:   "Server is running",
		Timestamp: time.Now().UTC().Format(isoLayout),
	})
}

func (s *Server) handleExchanges(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"exchanges": s.registry.Names()})
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	adapter, err := s.registry.Get(mux.Vars(r)["exchange"])
	if err != nil {
		writeError(w, http.StatusNotFound, "Exchange not available")
		return
	}
	pairs, err := adapter.TradingPairs(r.Context())
	if err != nil {
		s.writeAdapterError(w, err)
		return
	}
	symbols := make([]string, 0, len(pairs))
	for canonical := range pairs {
		symbols = append(symbols, canonical)
	}
	sort.Strings(symbols)
	writeJSON(w, http.StatusOK, map[string][]string{"symbols": symbols})
}

func (s *Server) handleKlines(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	adapter, err := s.registry.Get(vars["exchange"])
	if err != nil {
		writeError(w, http.StatusNotFound, "Exchange not available")
		return
	}
	q := r.URL.Query()
	start, err1 := parseISOTime(q.Get("start_time"))
	end, err2 := parseISOTime(q.Get("end_time"))
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "Invalid start_time or end_time")
		return
	}
	candles, err := adapter.Candles(r.Context(), vars["symbol"], types.Interval(q.Get("interval")), start, end)
	if err != nil {
		s.writeAdapterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]map[string]klineJSON{"klines": klinesToJSON(candles)})
}

func parseISOTime(v string) (time.Time, error) {
	if t, err := time.Parse(isoLayout, v); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, v)
}

func (s *Server) writeAdapterError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, exchange.ErrUnknownVenue):
		writeError(w, http.StatusNotFound, "Exchange not available")
	case errors.Is(err, exchange.ErrUnknownSymbol):
		writeError(w, http.StatusNotFound, "Trading pair not available on this exchange")
	case errors.Is(err, exchange.ErrUnsupportedInterval):
		writeError(w, http.StatusBadRequest, "Interval not supported by this exchange")
	case errors.Is(err, exchange.ErrUpstreamUnavailable):
		writeError(w, http.StatusBadGateway, "Exchange unreachable")
	default:
		s.logger.Error("adapter request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// ————————————————————————————————————————————————————————————————————————
// Auth endpoints
// ————————————————————————————————————————————————————————————————————————

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	user, err := s.store.UserByUsername(r.Context(), req.Username)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid username")
		return
	}
	if !auth.CheckPassword(user.Password, req.Password) {
		writeError(w, http.StatusUnauthorized, "Invalid password")
		return
	}
	token, err := s.tokens.Mint(user.Username)
	if err != nil {
		s.logger.Error("mint token", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{AccessToken: token, TokenType: "bearer"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.logger.Error("hash password", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if _, err := s.store.CreateUser(r.Context(), req.Username, hash, types.RoleUser); err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			writeError(w, http.StatusBadRequest, "Username already exists")
			return
		}
		s.logger.Error("create user", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusCreated, messageResponse{Message: "User correctly registered"})
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	if user.Role == types.RoleAdmin {
		writeError(w, http.StatusForbidden, "Admin cannot be unregistered")
		return
	}
	if err := s.store.DeleteUser(r.Context(), user.Username); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		s.logger.Error("delete user", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "User successfully unregistered"})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if currentUser(r).Role != types.RoleAdmin {
		writeError(w, http.StatusForbidden, "Not authorized")
		return
	}
	users, err := s.store.AllUsers(r.Context())
	if err != nil {
		s.logger.Error("list users", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	out := make([]userJSON, 0, len(users))
	for _, u := range users {
		out = append(out, userJSON{Username: u.Username, Role: string(u.Role)})
	}
	writeJSON(w, http.StatusOK, map[string][]userJSON{"users": out})
}

func (s *Server) handleSecure(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, messageResponse{
		Message: "Hello " + currentUser(r).Username + "! This is secure data",
	})
}

// ————————————————————————————————————————————————————————————————————————
// Order endpoints
// ————————————————————————————————————————————————————————————————————————

func (s *Server) handleSubmitTWAP(w http.ResponseWriter, r *http.Request) {
	var req twapOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	side := types.Side(req.Side)
	switch {
	case req.Symbol == "":
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	case !side.Valid():
		writeError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	case req.TotalQuantity <= 0:
		writeError(w, http.StatusBadRequest, "total_quantity must be positive")
		return
	case req.LimitPrice <= 0:
		writeError(w, http.StatusBadRequest, "limit_price must be positive")
		return
	case req.DurationSeconds < 1:
		writeError(w, http.StatusBadRequest, "duration_seconds must be at least 1")
		return
	case len(req.Exchanges) == 0:
		writeError(w, http.StatusBadRequest, "exchanges must be non-empty")
		return
	}
	for _, name := range req.Exchanges {
		if _, err := s.registry.Get(name); err != nil {
			writeError(w, http.StatusBadRequest, "Exchange not available: "+name)
			return
		}
	}

	order := types.ParentOrder{
		OrderID:         uuid.NewString(),
		UserID:          currentUser(r).ID,
		Symbol:          req.Symbol,
		Venues:          req.Exchanges,
		Side:            side,
		Quantity:        decimal.NewFromFloat(req.TotalQuantity),
		LimitPrice:      decimal.NewFromFloat(req.LimitPrice),
		DurationSeconds: req.DurationSeconds,
	}
	if err := s.engine.Submit(r.Context(), order); err != nil {
		s.logger.Error("submit twap order", "error", err)
		writeError(w, http.StatusInternalServerError, "Error creating order in database")
		return
	}
	writeJSON(w, http.StatusOK, twapOrderResponse{
		Message: "TWAP order accepted",
		TokenID: order.OrderID,
	})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	if orderID := r.URL.Query().Get("order_id"); orderID != "" {
		order, err := s.store.OrderByID(r.Context(), user.ID, orderID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "No orders found")
				return
			}
			s.logger.Error("get order", "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		writeJSON(w, http.StatusOK, []orderJSON{orderToJSON(order)})
		return
	}
	orders, err := s.store.OrdersByUser(r.Context(), user.ID)
	if err != nil {
		s.logger.Error("list orders", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	out := make([]orderJSON, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderToJSON(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOrderExecutions(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	q := r.URL.Query()
	execs, err := s.store.ExecutionsByOrder(r.Context(), user.ID,
		mux.Vars(r)["order_id"], q.Get("symbol"), types.Side(q.Get("side")))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Order not found or unauthorized")
			return
		}
		s.logger.Error("list executions", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if len(execs) == 0 {
		writeError(w, http.StatusNotFound, "No executions found matching the criteria")
		return
	}
	out := make([]executionJSON, 0, len(execs))
	for _, e := range execs {
		out = append(out, executionToJSON(e))
	}
	writeJSON(w, http.StatusOK, out)
}
