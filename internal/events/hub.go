// Package events is the audit sink for the engine: one typed event per state
// transition, broadcast to WebSocket subscribers (indexers, frontends).
package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/impactmx/impact-engine/internal/metrics"
)

// Event types, one per state transition.
const (
	TypeProductListed    = "product_listed"
	TypeProductPurchased = "product_purchased"
	TypeProductUpdated   = "product_updated"
	TypeProductCanceled  = "product_canceled"
	TypeOfferMade        = "offer_made"
	TypeOfferAccepted    = "offer_accepted"
	TypeOfferCanceled    = "offer_canceled"
	TypeStaked           = "staked"
	TypeLocked           = "locked"
	TypeUnlocked         = "unlocked"
	TypeRewardsClaimed   = "rewards_claimed"
	TypeUnstaked         = "unstaked"
	TypeAdminProposed    = "admin_proposed"
	TypeAdminClaimed     = "admin_claimed"
	TypeConfigUpdated    = "config_updated"
)

// Event is a JSON message sent to subscribers. Monetary fields are decimal
// strings to keep precision across the wire.
type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	ListingID     int64     `json:"listing_id,omitempty"`
	StakeID       int64     `json:"stake_id,omitempty"`
	Actor         string    `json:"actor,omitempty"`
	Asset         string    `json:"asset,omitempty"`
	Quantity      int64     `json:"quantity,omitempty"`
	Total         string    `json:"total,omitempty"`
	SellerShare   string    `json:"seller_share,omitempty"`
	PlatformShare string    `json:"platform_share,omitempty"`
	Reward        string    `json:"reward,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Hub manages WebSocket connections and broadcasts every emitted event to
// all connected clients.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewHub creates a new event hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			slog.Info("event subscriber connected", "total", len(h.clients))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				metrics.WebSocketClients.Dec()
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			// Collect dead connections under the read lock, remove them
			// under the write lock. The ping tickers read h.clients
			// concurrently, so the map must never mutate under RLock.
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()
			if len(failed) > 0 {
				h.mu.Lock()
				for _, conn := range failed {
					if _, ok := h.clients[conn]; ok {
						delete(h.clients, conn)
						conn.Close()
						metrics.WebSocketClients.Dec()
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// ClientCount reports the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Emit sends an event to all subscribers. Non-blocking: drops the event if
// the buffer is full so settlement never stalls on a slow consumer.
func (h *Hub) Emit(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/events.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- conn

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}
