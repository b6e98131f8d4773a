// server.go wires the HTTP router and owns the listener lifecycle.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"twap-trading-api/internal/auth"
	"twap-trading-api/internal/engine"
	"twap-trading-api/internal/exchange"
	"twap-trading-api/internal/store"
)

const shutdownTimeout = 10 * time.Second

// Server is the HTTP and WebSocket façade over the registry, the TWAP engine
// and the repository.
type Server struct {
	logger   *slog.Logger
	registry *exchange.Registry
	store    *store.Store
	tokens   *auth.Manager
	engine   *engine.Engine
	hub      *Hub

	http *http.Server
}

// New builds the server and its routes.
func New(logger *slog.Logger, registry *exchange.Registry, st *store.Store,
	tokens *auth.Manager, eng *engine.Engine, hub *Hub, addr string) *Server {

	s := &Server{
		logger:   logger.With("component", "api"),
		registry: registry,
		store:    st,
		tokens:   tokens,
		engine:   eng,
		hub:      hub,
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/ping", s.handlePing).Methods(http.MethodGet)
	r.HandleFunc("/exchanges", s.handleExchanges).Methods(http.MethodGet)
	r.HandleFunc("/klines/{exchange}/{symbol}", s.handleKlines).Methods(http.MethodGet)

	r.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	r.Handle("/unregister", s.authenticated(s.handleUnregister)).Methods(http.MethodDelete)
	r.Handle("/users", s.authenticated(s.handleUsers)).Methods(http.MethodGet)
	r.Handle("/secure", s.authenticated(s.handleSecure)).Methods(http.MethodGet)

	r.Handle("/orders/twap", s.authenticated(s.handleSubmitTWAP)).Methods(http.MethodPost)
	r.Handle("/orders", s.authenticated(s.handleListOrders)).Methods(http.MethodGet)
	r.Handle("/orders/{order_id}", s.authenticated(s.handleOrderExecutions)).Methods(http.MethodGet)

	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	// Must come after every literal first segment or it would shadow them.
	r.HandleFunc("/{exchange}/symbols", s.handleSymbols).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// Start serves until Shutdown is called. It blocks.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
