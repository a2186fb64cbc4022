package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"wow-token-tracker/internal/storage"
)

const (
	wsWriteDeadline = 5 * time.Second
	wsSendBuffer    = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The feed is read-only broadcast data; no credentials cross it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsEvent struct {
	Type   string        `json:"type"`
	Region string        `json:"region"`
	Sample samplePayload `json:"sample"`
}

// Hub fans committed samples out to connected websocket clients. It satisfies
// the service sample sink; Publish never blocks the collection pipeline.
type Hub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan wsEvent
	done       chan struct{}
	logger     zerolog.Logger
}

// NewHub constructs an idle hub; call Run to start it.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan wsEvent, wsSendBuffer),
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "ws_hub").Logger(),
	}
}

// Run owns the client set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Closing done unblocks handler goroutines still trying to
			// register or unregister after the loop exits.
			close(h.done)
			for conn := range h.clients {
				_ = conn.Close()
				delete(h.clients, conn)
			}
			return

		case conn := <-h.register:
			h.clients[conn] = true
			h.logger.Debug().Int("clients", len(h.clients)).Msg("websocket client connected")

		case conn := <-h.unregister:
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				_ = conn.Close()
			}

		case event := <-h.broadcast:
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			for conn := range h.clients {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					h.logger.Debug().Err(err).Msg("dropping slow websocket client")
					delete(h.clients, conn)
					_ = conn.Close()
				}
			}
		}
	}
}

// Publish enqueues a committed sample for broadcast. If the hub is saturated
// the event is dropped; live feeds tolerate gaps, the store does not.
func (h *Hub) Publish(sample storage.PriceSample) {
	event := wsEvent{
		Type:   "sample",
		Region: sample.Region,
		Sample: toPayload(sample),
	}
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn().Str("region", sample.Region).Msg("websocket broadcast buffer full, dropping event")
	}
}

// ServeWS upgrades the connection and parks a reader that detects closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
