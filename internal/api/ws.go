package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"lotex/internal/exchange"
	"lotex/internal/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Hub broadcasts order-book snapshots to websocket subscribers on a fixed
// interval.
type Hub struct {
	ex       *exchange.Exchange
	log      *zap.Logger
	interval time.Duration

	mu      sync.RWMutex
	clients map[*wsClient]bool
}

// NewHub creates a hub; call Run to start broadcasting.
func NewHub(ex *exchange.Exchange, interval time.Duration, log *zap.Logger) *Hub {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Hub{ex: ex, log: log, interval: interval, clients: make(map[*wsClient]bool)}
}

// Serve upgrades the connection and keeps it subscribed until the peer goes
// away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	h.broadcast(r.Context())

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
			conn.Close()
			return
		}
	}
}

// Run broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.broadcast(ctx)
		}
	}
}

func (h *Hub) broadcast(ctx context.Context) {
	h.mu.RLock()
	empty := len(h.clients) == 0
	h.mu.RUnlock()
	if empty {
		return
	}

	orders, err := h.ex.ListOrders(ctx)
	if err != nil {
		h.log.Warn("failed to load order book", zap.Error(err))
		return
	}

	snapshot := struct {
		BuyOrders  []models.Order `json:"buy_orders"`
		SellOrders []models.Order `json:"sell_orders"`
	}{BuyOrders: []models.Order{}, SellOrders: []models.Order{}}
	for _, order := range orders {
		if !order.Open() {
			continue
		}
		if order.Side == models.SideBuy {
			snapshot.BuyOrders = append(snapshot.BuyOrders, order)
		} else {
			snapshot.SellOrders = append(snapshot.SellOrders, order)
		}
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		h.log.Error("failed to marshal order book", zap.Error(err))
		return
	}

	var dead []*wsClient
	h.mu.RLock()
	for client := range h.clients {
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
		if err != nil {
			dead = append(dead, client)
		}
	}
	h.mu.RUnlock()

	if len(dead) > 0 {
		h.mu.Lock()
		for _, client := range dead {
			delete(h.clients, client)
			client.conn.Close()
		}
		h.mu.Unlock()
	}
}
