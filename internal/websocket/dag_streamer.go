// Package websocket implements the live-tail hub behind GET /ws/messages
// (spec.md §6, SPEC_FULL.md §6): every message persisted by internal/store
// is also broadcast here so a connected client sees it without polling
// GET /messages. The hub shape (register/unregister/broadcast channels
// funneled through one goroutine) is kept from the teacher's DAG
// streamer; only the payload and call sites changed domain.
package websocket

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openmina/mina-network-debugger/internal/model"
)

// MessageEvent is the JSON frame pushed to every live-tail client.
type MessageEvent struct {
	Type      string        `json:"type"` // "message" or "block"
	Timestamp time.Time     `json:"timestamp"`
	Message   *MessageView  `json:"message,omitempty"`
	Block     *BlockView    `json:"block,omitempty"`
}

// MessageView is the summary shipped for a persisted message: the full
// body is available via GET /message/{id}, so the live-tail frame stays
// small even when bodies are large.
type MessageView struct {
	ID           uint64          `json:"id"`
	ConnectionID string          `json:"connection_id"`
	StreamID     uint32          `json:"stream_id"`
	StreamKind   string          `json:"stream_kind"`
	Kind         model.MessageKind `json:"kind"`
	Direction    model.Direction `json:"direction"`
	Size         int             `json:"size"`
}

// BlockView is pushed whenever a new block observation is recorded.
type BlockView struct {
	Height   uint64 `json:"height"`
	Hash     string `json:"hash"`
	Producer string `json:"producer"`
}

// MessageStreamer is the C7 live-tail hub. One instance is shared by the
// HTTP server (for the upgrade handler) and the store write path (for
// BroadcastMessage/BroadcastBlock).
type MessageStreamer struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan MessageEvent
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

// NewMessageStreamer builds a hub with a bounded broadcast queue; a slow
// consumer drops frames rather than blocking ingest (spec.md §4.8-style
// best-effort delivery applied to the live-tail path too).
func NewMessageStreamer() *MessageStreamer {
	return &MessageStreamer{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan MessageEvent, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run drives the hub loop; call it once in its own goroutine.
func (ms *MessageStreamer) Run() {
	for {
		select {
		case client := <-ms.register:
			ms.mu.Lock()
			ms.clients[client] = true
			n := len(ms.clients)
			ms.mu.Unlock()
			slog.Debug("websocket: client connected", "clients", n)

		case client := <-ms.unregister:
			ms.mu.Lock()
			if _, ok := ms.clients[client]; ok {
				delete(ms.clients, client)
				client.Close()
			}
			n := len(ms.clients)
			ms.mu.Unlock()
			slog.Debug("websocket: client disconnected", "clients", n)

		case event := <-ms.broadcast:
			ms.mu.RLock()
			for client := range ms.clients {
				if err := client.WriteJSON(event); err != nil {
					slog.Warn("websocket: write failed, dropping client", "error", err)
					client.Close()
					delete(ms.clients, client)
				}
			}
			ms.mu.RUnlock()
		}
	}
}

// HandleWebSocket upgrades GET /ws/messages and keeps the connection
// registered until a read from the client fails (the protocol is
// push-only; inbound messages are read and ignored).
func (ms *MessageStreamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ms.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket: upgrade failed", "error", err)
		return
	}

	ms.register <- conn

	go func() {
		defer func() { ms.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// BroadcastMessage pushes a just-persisted message's summary to every
// live-tail client. Non-blocking: under backpressure the frame is
// dropped rather than stalling the store's write path.
func (ms *MessageStreamer) BroadcastMessage(msg model.Message) {
	ev := MessageEvent{
		Type:      "message",
		Timestamp: time.Now(),
		Message: &MessageView{
			ID:           msg.ID,
			ConnectionID: msg.ConnectionID,
			StreamID:     msg.StreamID,
			StreamKind:   msg.StreamKind,
			Kind:         msg.Kind,
			Direction:    msg.Direction,
			Size:         msg.Size,
		},
	}
	select {
	case ms.broadcast <- ev:
	default:
		slog.Warn("websocket: broadcast queue full, dropping message event", "message_id", msg.ID)
	}
}

// BroadcastBlock pushes a newly observed block height/hash to every
// live-tail client.
func (ms *MessageStreamer) BroadcastBlock(height uint64, hash, producer string) {
	ev := MessageEvent{
		Type:      "block",
		Timestamp: time.Now(),
		Block:     &BlockView{Height: height, Hash: hash, Producer: producer},
	}
	select {
	case ms.broadcast <- ev:
	default:
		slog.Warn("websocket: broadcast queue full, dropping block event", "height", height)
	}
}

// Statistics reports hub occupancy: connected clients and queued frames.
func (ms *MessageStreamer) Statistics() map[string]interface{} {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return map[string]interface{}{
		"connected_clients": len(ms.clients),
		"broadcast_queue":   len(ms.broadcast),
	}
}
