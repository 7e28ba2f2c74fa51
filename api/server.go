// Package api exposes the exchange over HTTP and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"

	"github.com/civicledger/waterledger"
	"github.com/civicledger/waterledger/history"
)

// Server handles the REST API and WebSocket connections.
type Server struct {
	exchange *waterledger.Exchange
	depth    *waterledger.DepthView
	store    *history.Store // nil disables the history endpoints
	hub      *Hub
	router   *mux.Router
	http     *http.Server
}

// NewServer wires the API against a running exchange. The returned server's
// Hub must be included in the exchange's publisher fanout for the WebSocket
// feed and depth endpoints to see events.
func NewServer(exchange *waterledger.Exchange, depth *waterledger.DepthView, store *history.Store) *Server {
	s := &Server{
		exchange: exchange,
		depth:    depth,
		store:    store,
		hub:      NewHub(),
		router:   mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// Hub returns the WebSocket hub, for publisher fanout wiring.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/zones", s.handleListZones).Methods("GET")
	api.HandleFunc("/zones", s.handleAddZones).Methods("POST")
	api.HandleFunc("/zones/{zone}", s.handleGetZone).Methods("GET")
	api.HandleFunc("/allocations", s.handleAllocate).Methods("POST")
	api.HandleFunc("/zones/{zone}/credit", s.handleCredit).Methods("POST")
	api.HandleFunc("/zones/{zone}/debit", s.handleDebit).Methods("POST")

	api.HandleFunc("/accounts/{account}/balances/{zone}", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/accounts/{account}/orders", s.handleGetAccountOrders).Methods("GET")
	api.HandleFunc("/accounts/{account}/trades", s.handleGetAccountTrades).Methods("GET")

	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleDeleteOrder).Methods("DELETE")
	api.HandleFunc("/orders/{id}/accept", s.handleAcceptOrder).Methods("POST")

	api.HandleFunc("/orderbook", s.handleGetOrderBook).Methods("GET")
	api.HandleFunc("/orderbook/best", s.handleGetBestOrders).Methods("GET")
	api.HandleFunc("/depth", s.handleGetDepth).Methods("GET")
	api.HandleFunc("/price", s.handleGetPrice).Methods("GET")

	api.HandleFunc("/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/trades/{id}", s.handleGetTrade).Methods("GET")
	api.HandleFunc("/trades/{id}/validate", s.handleValidateTrade).Methods("POST")
	api.HandleFunc("/trades/{id}/complete", s.handleCompleteTrade).Methods("POST")

	api.HandleFunc("/stats", s.handleGetStats).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start runs the WebSocket hub and the HTTP listener. It blocks until the
// listener stops.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})

	s.http = &http.Server{Addr: addr, Handler: c.Handler(s.router)}

	waterledger.Logger().Info("api server starting", "addr", addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok", "scheme": s.exchange.Scheme()})
}

func (s *Server) handleListZones(w http.ResponseWriter, r *http.Request) {
	zones, err := s.exchange.GetZones(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]ZoneResponse, len(zones))
	for i, z := range zones {
		out[i] = ZoneResponse{Identifier: z.Identifier, Supply: z.Supply, Min: z.Min, Max: z.Max}
	}
	respondJSON(w, out)
}

func (s *Server) handleAddZones(w http.ResponseWriter, r *http.Request) {
	var req AddZonesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, waterledger.ErrInvalidParam)
		return
	}

	identifiers := make([]string, len(req.Zones))
	mins := make([]uint64, len(req.Zones))
	maxes := make([]uint64, len(req.Zones))
	for i, z := range req.Zones {
		identifiers[i], mins[i], maxes[i] = z.Identifier, z.Min, z.Max
	}

	if err := s.exchange.AddZones(r.Context(), identifiers, mins, maxes); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGetZone(w http.ResponseWriter, r *http.Request) {
	zone := mux.Vars(r)["zone"]

	supply, err := s.exchange.GetTotalSupply(r.Context(), zone)
	if err != nil {
		respondError(w, err)
		return
	}
	lo, hi, err := s.exchange.GetTransferLimits(r.Context(), zone)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, ZoneResponse{Identifier: zone, Supply: supply, Min: lo, Max: hi})
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, waterledger.ErrInvalidParam)
		return
	}

	zones := make([]string, len(req.Allocations))
	accounts := make([]string, len(req.Allocations))
	amounts := make([]uint64, len(req.Allocations))
	for i, a := range req.Allocations {
		zones[i], accounts[i], amounts[i] = a.Zone, a.Account, a.Amount
	}

	if err := s.exchange.AllocateAll(r.Context(), zones, accounts, amounts); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	s.handleAdjustment(w, r, s.exchange.Credit)
}

func (s *Server) handleDebit(w http.ResponseWriter, r *http.Request) {
	s.handleAdjustment(w, r, s.exchange.Debit)
}

// handleAdjustment applies a regulator balance adjustment in one zone.
func (s *Server) handleAdjustment(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, zone, account string, amount uint64) error) {
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, waterledger.ErrInvalidParam)
		return
	}
	if err := apply(r.Context(), mux.Vars(r)["zone"], req.Account, req.Amount); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	balance, err := s.exchange.BalanceOf(r.Context(), vars["account"], vars["zone"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, BalanceResponse{Account: vars["account"], Zone: vars["zone"], Balance: balance})
}

func (s *Server) handleGetAccountOrders(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	orders, err := s.exchange.GetOrdersForAccount(r.Context(), account, queryLimit(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, orders)
}

func (s *Server) handleGetAccountTrades(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondStatus(w, http.StatusNotImplemented, "trade history is not enabled")
		return
	}
	trades, err := s.store.ByAccount(r.Context(), mux.Vars(r)["account"], queryLimit(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, trades)
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, waterledger.ErrInvalidParam)
		return
	}

	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		respondError(w, waterledger.ErrInvalidParam)
		return
	}

	var result *waterledger.SubmitResult
	switch req.Side {
	case "buy":
		result, err = s.exchange.AddBuyOrder(r.Context(), req.Account, price, req.Quantity, req.Zone)
	case "sell":
		result, err = s.exchange.AddSellOrder(r.Context(), req.Account, price, req.Quantity, req.Zone)
	default:
		respondError(w, waterledger.ErrInvalidParam)
		return
	}
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, result)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.exchange.GetOrderByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, order)
}

func (s *Server) handleDeleteOrder(w http.ResponseWriter, r *http.Request) {
	var req DeleteOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, waterledger.ErrInvalidParam)
		return
	}
	if err := s.exchange.DeleteOrder(r.Context(), req.Account, mux.Vars(r)["id"]); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAcceptOrder(w http.ResponseWriter, r *http.Request) {
	var req AcceptOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, waterledger.ErrInvalidParam)
		return
	}
	trade, err := s.exchange.AcceptOrder(r.Context(), req.Account, mux.Vars(r)["id"], req.Zone)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, trade)
}

func (s *Server) handleGetOrderBook(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r)

	buys, err := s.exchange.GetOrderBook(r.Context(), waterledger.Buy, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	sells, err := s.exchange.GetOrderBook(r.Context(), waterledger.Sell, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, OrderBookResponse{Buys: buys, Sells: sells})
}

func (s *Server) handleGetBestOrders(w http.ResponseWriter, r *http.Request) {
	highestBuy, lowestSell, err := s.exchange.GetBestOrders(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, BestOrdersResponse{HighestBuy: highestBuy, LowestSell: lowestSell})
}

func (s *Server) handleGetDepth(w http.ResponseWriter, r *http.Request) {
	if s.depth == nil {
		respondStatus(w, http.StatusNotImplemented, "depth view is not enabled")
		return
	}
	limit := queryLimit(r)
	respondJSON(w, DepthResponse{
		Sequence: s.depth.Sequence(),
		Bids:     s.depth.Bids(limit),
		Asks:     s.depth.Asks(limit),
	})
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	price, err := s.exchange.GetLastTradedPrice(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, PriceResponse{Price: price.String()})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondStatus(w, http.StatusNotImplemented, "trade history is not enabled")
		return
	}
	trades, err := s.store.Recent(r.Context(), queryLimit(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, trades)
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	trade, err := s.exchange.GetTrade(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, trade)
}

func (s *Server) handleValidateTrade(w http.ResponseWriter, r *http.Request) {
	trade, err := s.exchange.ValidateTrade(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, trade)
}

func (s *Server) handleCompleteTrade(w http.ResponseWriter, r *http.Request) {
	trade, err := s.exchange.CompleteTrade(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, trade)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondStatus(w, http.StatusNotImplemented, "trade history is not enabled")
		return
	}
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, stats)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func queryLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return waterledger.DefaultListLimit
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondStatus(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}

func respondError(w http.ResponseWriter, err error) {
	respondStatus(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, waterledger.ErrZoneNotFound),
		errors.Is(err, waterledger.ErrOrderNotFound),
		errors.Is(err, waterledger.ErrTradeNotFound):
		return http.StatusNotFound
	case errors.Is(err, waterledger.ErrInvalidParam),
		errors.Is(err, waterledger.ErrInvalidOrder),
		errors.Is(err, waterledger.ErrInvalidZoneLimits),
		errors.Is(err, waterledger.ErrLengthMismatch):
		return http.StatusBadRequest
	case errors.Is(err, waterledger.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, waterledger.ErrInsufficientBalance),
		errors.Is(err, waterledger.ErrInsufficientFunds),
		errors.Is(err, waterledger.ErrZoneBoundsExceeded),
		errors.Is(err, waterledger.ErrZoneExists),
		errors.Is(err, waterledger.ErrSelfTrade),
		errors.Is(err, waterledger.ErrAlreadyMatched),
		errors.Is(err, waterledger.ErrTradeSettled):
		return http.StatusConflict
	case errors.Is(err, waterledger.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, waterledger.ErrShutdown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
