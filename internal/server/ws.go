package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	recentEventsMax = 64
	wsWriteWait     = 10 * time.Second
	wsPongWait      = 60 * time.Second
	wsPingPeriod    = 30 * time.Second
)

// Hub fans applied events out to websocket subscribers. A new subscriber
// first receives the most recent events, so a dashboard can paint without a
// separate backfill query. All writes go through the Run goroutine; gorilla
// connections do not allow concurrent writers.
type Hub struct {
	log        zerolog.Logger
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex

	// recent is only touched by the Run goroutine.
	recent [][]byte
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:        log.With().Str("component", "ws").Logger(),
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run owns the client set and the recent-events ring. Must be called in a
// goroutine; returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	pingTicker := time.NewTicker(wsPingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.clients = make(map[*websocket.Conn]bool)
			h.mu.Unlock()
			return

		case conn := <-h.register:
			// Replay the backlog before registering so it lands ahead of
			// any new broadcast.
			if err := h.replayRecent(conn); err != nil {
				conn.Close()
				continue
			}
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Int("clients", total).Msg("ws client connected")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.recent = append(h.recent, msg)
			if len(h.recent) > recentEventsMax {
				h.recent = h.recent[len(h.recent)-recentEventsMax:]
			}
			h.writeAll(websocket.TextMessage, msg)

		case <-pingTicker.C:
			h.writeAll(websocket.PingMessage, nil)
		}
	}
}

func (h *Hub) writeAll(messageType int, msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(messageType, msg); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

func (h *Hub) replayRecent(conn *websocket.Conn) error {
	for _, msg := range h.recent {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return err
		}
	}
	return nil
}

// Broadcast queues an event for fan-out. Drops when the buffer is full so a
// slow subscriber cannot stall the apply loop.
func (h *Hub) Broadcast(v interface{}) {
	data, err := json.Marshal(v)
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
		return true
	},
}

// HandleWS handles websocket upgrade requests at GET /v1/stream.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("ws upgrade failed")
		return
	}

	h.register <- conn

	// Read pump: keep the connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}
