// Package websocket mirrors the event stream to operator dashboards over
// WebSocket. The mirror rides the bus tap channel and is strictly
// best-effort: SSE remains the delivery channel clients rely on.
package websocket

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kycgate/backend/internal/events"
)

// TelemetryFrame is the wire shape pushed to dashboard clients. Payloads are
// reduced to type and sequence plus scores; no extracted values travel here.
type TelemetryFrame struct {
	SessionID string                 `json:"session_id"`
	Sequence  uint64                 `json:"sequence"`
	Type      string                 `json:"type"`
	Timestamp string                 `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// telemetryDataKeys is the allow-list of payload keys mirrored to dashboards.
var telemetryDataKeys = map[string]bool{
	"score": true, "level": true, "outcome": true, "state": true,
	"from": true, "to": true, "cancel_reason": true, "verdict": true,
	"fraction": true, "duration_ms": true, "confidence": true,
	"side": true, "result": true, "validation_ok": true,
}

// TelemetryHub manages WebSocket connections for the live event mirror.
type TelemetryHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan TelemetryFrame
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

// NewTelemetryHub creates the hub.
func NewTelemetryHub() *TelemetryHub {
	return &TelemetryHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan TelemetryFrame, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // dashboards run cross-origin in development
			},
		},
	}
}

// Run starts the hub loop. Call once from main.
func (h *TelemetryHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			log.Printf("📡 Telemetry client connected (total: %d)", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			log.Printf("📡 Telemetry client disconnected (total: %d)", n)

		case frame := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				client.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := client.WriteJSON(frame); err != nil {
					log.Printf("telemetry write error: %v", err)
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Consume drains the bus tap, reducing each event to its telemetry frame.
// Run in its own goroutine; returns when the tap closes.
func (h *TelemetryHub) Consume(tap <-chan *events.Event) {
	for ev := range tap {
		h.Broadcast(ev)
	}
}

// Broadcast mirrors one event to all clients; drops when the queue is full.
func (h *TelemetryHub) Broadcast(ev *events.Event) {
	frame := TelemetryFrame{
		SessionID: ev.SessionID,
		Sequence:  ev.Sequence,
		Type:      string(ev.Type),
		Timestamp: ev.WallTS,
	}
	if len(ev.Payload) > 0 {
		frame.Data = make(map[string]interface{})
		for k, v := range ev.Payload {
			if telemetryDataKeys[k] {
				frame.Data[k] = v
			}
		}
	}
	select {
	case h.broadcast <- frame:
	default:
	}
}

// HandleWebSocket upgrades and registers a dashboard connection.
func (h *TelemetryHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("telemetry upgrade error: %v", err)
		return
	}

	h.register <- conn

	go func() {
		defer func() {
			h.unregister <- conn
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Stats reports hub occupancy for the health endpoint.
func (h *TelemetryHub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]interface{}{
		"connected_clients": len(h.clients),
		"broadcast_queue":   len(h.broadcast),
	}
}
