// Package streaming fans session events out to WebSocket subscribers.
// Browsers connect once and subscribe to the tasks they are viewing.
package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/spritehub/spritehub/internal/common/logger"
	"github.com/spritehub/spritehub/internal/events/bus"
)

// Hub routes bus events to connected clients by task subscription.
type Hub struct {
	bus      bus.EventBus
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]bool
	byTask  map[int64]map[*Client]bool

	unsubscribe bus.Unsubscribe
}

// NewHub creates a hub; Start wires it to the bus.
func NewHub(b bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		bus: b,
		log: log.WithFields(zap.String("component", "streaming_hub")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*Client]bool),
		byTask:  make(map[int64]map[*Client]bool),
	}
}

// Start subscribes the hub to every task event subject.
func (h *Hub) Start() error {
	unsub, err := h.bus.Subscribe("task.>", h.onEvent)
	if err != nil {
		return err
	}
	h.unsubscribe = unsub
	return nil
}

// Stop detaches from the bus and closes every client.
func (h *Hub) Stop() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// onEvent forwards one bus event to the subscribers of its task.
func (h *Hub) onEvent(ctx context.Context, event *bus.Event) {
	taskID, ok := eventTaskID(event)
	if !ok {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		h.log.Warn("failed to marshal event", zap.Error(err))
		return
	}
	h.Broadcast(taskID, payload)
}

// Broadcast delivers a payload to every client subscribed to the task.
// Slow clients are dropped rather than allowed to stall the hub.
func (h *Hub) Broadcast(taskID int64, payload []byte) {
	h.mu.RLock()
	var stale []*Client
	for c := range h.byTask[taskID] {
		if !c.trySend(payload) {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.log.Warn("dropping slow streaming client", zap.Int64("task_id", taskID))
		c.close()
	}
}

// ServeWS upgrades the request and runs the client pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h, conn, h.log)
	h.register(client)

	go client.writePump()
	go client.readPump()
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	h.log.Debug("streaming client connected", zap.Int("clients", h.ClientCount()))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		for taskID, subs := range h.byTask {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.byTask, taskID)
			}
		}
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) subscribeClient(c *Client, taskID int64) {
	h.mu.Lock()
	if h.byTask[taskID] == nil {
		h.byTask[taskID] = make(map[*Client]bool)
	}
	h.byTask[taskID][c] = true
	h.mu.Unlock()
}

func (h *Hub) unsubscribeClient(c *Client, taskID int64) {
	h.mu.Lock()
	if subs := h.byTask[taskID]; subs != nil {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.byTask, taskID)
		}
	}
	h.mu.Unlock()
}

// eventTaskID extracts the task ID from an event payload. Events that
// crossed NATS carry JSON numbers.
func eventTaskID(event *bus.Event) (int64, bool) {
	switch v := event.Data["task_id"].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		id, err := v.Int64()
		return id, err == nil
	default:
		return 0, false
	}
}
