// Package httpapi serves read-only market data over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"bourse/internal/common"
	"bourse/internal/engine"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	defaultLimit    = 100
	maxLimit        = 1000
	shutdownTimeout = 5 * time.Second
)

// Market is the read side of the exchange.
type Market interface {
	Quotes(n int) []common.Quote
	CompletedOrders(n int) []common.Order
	Book() (bids, asks []engine.FlatPriceLevel)
	Depth() engine.Depth
}

type QuoteInfo struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"ts_ms"`
}

// OrderInfo is the public view of a completed order. Owners are not exposed.
type OrderInfo struct {
	ID            int64           `json:"id"`
	Side          string          `json:"side"`
	Price         decimal.Decimal `json:"price"`
	TotalQuantity uint64          `json:"total_quantity"`
	CreatedAt     int64           `json:"created_ms"`
	CompletedAt   int64           `json:"completed_ms"`
}

type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity uint64          `json:"quantity"`
	Orders   int             `json:"orders"`
}

type BookSnapshot struct {
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Depth     engine.Depth `json:"depth"`
	Timestamp int64        `json:"ts_ms"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type Server struct {
	market         Market
	router         *mux.Router
	allowedOrigins []string
}

func NewServer(market Market, allowedOrigins []string) *Server {
	s := &Server{
		market:         market,
		router:         mux.NewRouter(),
		allowedOrigins: allowedOrigins,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/quotes", s.handleGetQuotes).Methods(http.MethodGet)
	api.HandleFunc("/trades", s.handleGetTrades).Methods(http.MethodGet)
	api.HandleFunc("/book", s.handleGetBook).Methods(http.MethodGet)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// Handler returns the router wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	origins := s.allowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("address", addr).Msg("http api running")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info().Msg("http api stopped")
	return nil
}

// parseLimit reads ?limit=, defaulting and capping it.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxLimit), nil
}

func (s *Server) handleGetQuotes(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "bad limit", err.Error())
		return
	}

	quotes := s.market.Quotes(limit)
	response := make([]QuoteInfo, len(quotes))
	for i, q := range quotes {
		response[i] = QuoteInfo{Price: q.Price, Timestamp: q.Timestamp.UnixMilli()}
	}
	respondJSON(w, response)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "bad limit", err.Error())
		return
	}

	orders := s.market.CompletedOrders(limit)
	response := make([]OrderInfo, len(orders))
	for i, o := range orders {
		response[i] = OrderInfo{
			ID:            o.ID,
			Side:          o.Side.String(),
			Price:         o.Price,
			TotalQuantity: o.TotalQuantity,
			CreatedAt:     o.CreatedAt.UnixMilli(),
			CompletedAt:   o.CompletedAt.UnixMilli(),
		}
	}
	respondJSON(w, response)
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	bids, asks := s.market.Book()
	respondJSON(w, BookSnapshot{
		Bids:      aggregate(bids),
		Asks:      aggregate(asks),
		Depth:     s.market.Depth(),
		Timestamp: time.Now().UnixMilli(),
	})
}

func aggregate(levels []engine.FlatPriceLevel) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	for i, level := range levels {
		out[i] = PriceLevel{Price: level.PriceLevel, Orders: len(level.Orders)}
		for _, o := range level.Orders {
			out[i].Quantity += o.Quantity
		}
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("unable to write response")
	}
}

func respondError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   kind,
		Message: message,
	})
}
