// Package bus implements the bidirectional message channel between the
// upload worker and every attached foreground client: a WebSocket
// connection registry that decodes inbound commands and fans outbound
// events out to every connection.
package bus

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
)

// CommandHandler dispatches one decoded inbound command. clientID
// identifies the connection the command arrived on, commandType is the
// "type" discriminator, and raw is the full message body for further
// decoding into a typed payload.
type CommandHandler interface {
	HandleCommand(clientID, commandType string, raw []byte)
}

// Hub is the connection registry. All outbound events are broadcast to
// every registered connection; the bus is fan-out, not request/response.
type Hub struct {
	upgrader websocket.Upgrader
	logger   log.Logger
	handler  CommandHandler

	mu      sync.Mutex
	clients map[string]*websocket.Conn
}

// NewHub builds a Hub that dispatches inbound commands to handler.
func NewHub(logger log.Logger, handler CommandHandler) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  logger,
		handler: handler,
		clients: make(map[string]*websocket.Conn),
	}
}

// ServeHTTP upgrades the connection and runs its read loop until it closes
// or errors.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnf("bus: upgrade failed: %v", err)
		return
	}

	clientID := uuid.Must(uuid.NewV4()).String()
	h.register(clientID, conn)
	defer h.unregister(clientID)

	h.readLoop(clientID, conn)
}

func (h *Hub) register(clientID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[clientID] = conn
}

func (h *Hub) unregister(clientID string) {
	h.mu.Lock()
	conn, ok := h.clients[clientID]
	delete(h.clients, clientID)
	h.mu.Unlock()

	if ok {
		_ = conn.Close()
	}
}

func (h *Hub) readLoop(clientID string, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var envelope commandEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			h.Broadcast(NewEvent(EventLog, map[string]interface{}{
				"level":   "error",
				"message": "malformed command: " + err.Error(),
			}))
			continue
		}
		if envelope.Type == "" {
			h.Broadcast(NewEvent(EventLog, map[string]interface{}{
				"level":   "error",
				"message": "command missing type discriminator",
			}))
			continue
		}

		h.handler.HandleCommand(clientID, envelope.Type, raw)
	}
}

// Broadcast fans event out to every currently attached client. Send
// failures are logged and the offending connection is dropped; they never
// propagate to the caller since the bus has no per-recipient
// request/response contract to fail.
func (h *Hub) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Errorf("bus: marshal event: %v", err)
		return
	}

	h.mu.Lock()
	targets := make(map[string]*websocket.Conn, len(h.clients))
	for id, conn := range h.clients {
		targets[id] = conn
	}
	h.mu.Unlock()

	for id, conn := range targets {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Warnf("bus: write to client %s failed: %v", id, err)
			h.unregister(id)
		}
	}
}

// ClientCount returns the number of currently attached clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
