// Package api is the thin HTTP adapter over the exchange facade: routing,
// JSON encoding and status-code mapping. No business rules live here.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"lotex/internal/exchange"
)

// userKeyHeader carries the caller's access key on every authenticated
// request. The key is the sole credential; there are no sessions.
const userKeyHeader = "X-USER-KEY"

type ctxKey int

const ctxUserKey ctxKey = iota

// Handler contains dependencies for HTTP handlers.
type Handler struct {
	Ex  *exchange.Exchange
	Log *zap.Logger
	Hub *Hub
}

// NewHandler creates a new handler.
func NewHandler(ex *exchange.Exchange, hub *Hub, log *zap.Logger) *Handler {
	return &Handler{Ex: ex, Hub: hub, Log: log}
}

// Router assembles the full route table.
func (h *Handler) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", userKeyHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public endpoints
	r.Post("/user", h.CreateUser)
	r.Get("/order", h.ListOrders)
	r.Get("/lot", h.ListLots)
	r.Get("/pair", h.ListPairs)
	if h.Hub != nil {
		r.Get("/ws", h.Hub.Serve)
	}

	// Authenticated endpoints (require the access-key header)
	r.Group(func(r chi.Router) {
		r.Use(h.KeyAuthMiddleware)
		r.Post("/order", h.PlaceOrder)
		r.Delete("/order/{id}", h.CancelOrder)
		r.Get("/balance", h.GetBalance)
		r.Get("/trade", h.GetTrades)
	})

	return r
}

// KeyAuthMiddleware requires the access-key header and stashes the key for
// the handler. The facade does the actual lookup per operation.
func (h *Handler) KeyAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(userKeyHeader)
		if key == "" {
			h.writeError(w, exchange.KindUnauthorized, "missing "+userKeyHeader+" header")
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerKey(r *http.Request) string {
	key, _ := r.Context().Value(ctxUserKey).(string)
	return key
}

// CreateUser handles registration and returns the issued access key.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, exchange.KindValidation, "invalid request body")
		return
	}

	key, err := h.Ex.CreateUser(r.Context(), req.Username)
	if err != nil {
		h.renderError(w, err)
		return
	}
	h.respond(w, http.StatusCreated, map[string]string{"key": key})
}

// PlaceOrder handles order placement and matching. A fully filled order
// returns a null order_id.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PairID   int64           `json:"pair_id"`
		Quantity decimal.Decimal `json:"quantity"`
		Price    decimal.Decimal `json:"price"`
		Type     string          `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, exchange.KindValidation, "invalid request body")
		return
	}

	orderID, err := h.Ex.CreateOrder(r.Context(), callerKey(r), req.PairID, req.Quantity, req.Price, req.Type)
	if err != nil {
		h.renderError(w, err)
		return
	}

	if orderID == 0 {
		h.respond(w, http.StatusCreated, map[string]any{
			"message":  "Order fully executed",
			"order_id": nil,
		})
		return
	}
	h.respond(w, http.StatusCreated, map[string]any{"order_id": orderID})
}

// CancelOrder cancels an open order owned by the caller.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, exchange.KindValidation, "invalid order id")
		return
	}

	if err := h.Ex.CancelOrder(r.Context(), callerKey(r), orderID); err != nil {
		h.renderError(w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]string{"message": "Order cancelled"})
}

// ListOrders returns every order, open and closed.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Ex.ListOrders(r.Context())
	if err != nil {
		h.renderError(w, err)
		return
	}
	h.respond(w, http.StatusOK, orders)
}

// ListLots returns all lots.
func (h *Handler) ListLots(w http.ResponseWriter, r *http.Request) {
	lots, err := h.Ex.ListLots(r.Context())
	if err != nil {
		h.renderError(w, err)
		return
	}
	h.respond(w, http.StatusOK, lots)
}

// ListPairs returns all pairs.
func (h *Handler) ListPairs(w http.ResponseWriter, r *http.Request) {
	pairs, err := h.Ex.ListPairs(r.Context())
	if err != nil {
		h.renderError(w, err)
		return
	}
	h.respond(w, http.StatusOK, pairs)
}

// GetBalance returns the caller's balances.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	balances, err := h.Ex.Balances(r.Context(), callerKey(r))
	if err != nil {
		h.renderError(w, err)
		return
	}
	h.respond(w, http.StatusOK, balances)
}

// GetTrades returns the caller's trade history.
func (h *Handler) GetTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.Ex.Trades(r.Context(), callerKey(r))
	if err != nil {
		h.renderError(w, err)
		return
	}
	h.respond(w, http.StatusOK, trades)
}

func (h *Handler) respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.Log.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) renderError(w http.ResponseWriter, err error) {
	kind := exchange.KindOf(err)
	if kind == exchange.KindInternal {
		h.Log.Error("internal error", zap.Error(err))
		h.writeError(w, kind, "internal error")
		return
	}
	h.writeError(w, kind, err.Error())
}

func (h *Handler) writeError(w http.ResponseWriter, kind exchange.Kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(kind))
	json.NewEncoder(w).Encode(map[string]string{
		"error": msg,
		"kind":  string(kind),
	})
}

func statusFor(kind exchange.Kind) int {
	switch kind {
	case exchange.KindValidation:
		return http.StatusBadRequest
	case exchange.KindUnauthorized:
		return http.StatusUnauthorized
	case exchange.KindForbidden:
		return http.StatusForbidden
	case exchange.KindNotFound:
		return http.StatusNotFound
	case exchange.KindAlreadyClosed:
		return http.StatusConflict
	case exchange.KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case exchange.KindConflict, exchange.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
