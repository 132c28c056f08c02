package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/predicta/internal/address"
	"github.com/atmx/predicta/internal/metrics"
	"github.com/atmx/predicta/internal/model"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type      string           `json:"type"`
	Market    address.Address  `json:"market"`
	EventID   string           `json:"event_id,omitempty"`
	Sequence  uint64           `json:"sequence,omitempty"`
	Predictor *address.Address `json:"predictor,omitempty"`
	Side      string           `json:"side,omitempty"`
	Amount    string           `json:"amount,omitempty"`
	PlacedAt  int64            `json:"placed_at,omitempty"`
	TeamA     string           `json:"team_a,omitempty"`
	TeamB     string           `json:"team_b,omitempty"`
	EndTime   int64            `json:"end_time,omitempty"`
}

// Message types.
const (
	MsgPredictionPlaced = "prediction_placed"
	MsgMarketCreated    = "market_created"
)

type wsOutbound struct {
	market address.Address
	data   []byte
}

// WSHub manages WebSocket connections and pushes committed events to every
// connected client. A client may subscribe to one market with ?market=.
type WSHub struct {
	clients    map[*websocket.Conn]address.Address // zero address: all markets
	broadcast  chan wsOutbound
	register   chan wsClient
	unregister chan *websocket.Conn
	done       chan struct{} // closed when Run returns
	mu         sync.RWMutex
	log        *slog.Logger
}

type wsClient struct {
	conn   *websocket.Conn
	market address.Address
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(log *slog.Logger) *WSHub {
	if log == nil {
		log = slog.Default()
	}
	return &WSHub{
		clients:    make(map[*websocket.Conn]address.Address),
		broadcast:  make(chan wsOutbound, 256),
		register:   make(chan wsClient),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run starts the hub's main event loop and returns when ctx is done, closing
// every connection.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c.market
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.log.Info("ws client connected", "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn, filter := range h.clients {
				if !filter.IsZero() && filter != msg.market {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a message for all interested clients. It never blocks.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- wsOutbound{market: msg.Market, data: data}:
	default:
		// Drop if buffer full to avoid blocking transitions.
	}
}

// Publish implements events.Publisher.
func (h *WSHub) Publish(_ context.Context, ev model.PredictionPlaced) error {
	predictor := ev.Predictor
	h.Broadcast(WSMessage{
		Type:      MsgPredictionPlaced,
		Market:    ev.Market,
		EventID:   ev.ID,
		Sequence:  ev.Sequence,
		Predictor: &predictor,
		Side:      ev.Side.String(),
		Amount:    strconv.FormatUint(ev.Amount, 10),
		PlacedAt:  ev.PlacedAt,
	})
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // CORS is enforced by the router.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	var filter address.Address
	if m := r.URL.Query().Get("market"); m != "" {
		a, err := address.Parse(m)
		if err != nil {
			writeError(w, "invalid market address", "InvalidAddress", http.StatusBadRequest)
			return
		}
		filter = a
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- wsClient{conn: conn, market: filter}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
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

	// Ping ticker to keep connection alive through proxies. WriteControl
	// may run concurrently with the hub's writes.
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
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
