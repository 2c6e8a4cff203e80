package ws

import (
	"sync"

	"go.uber.org/zap"

	"crmchat/internal/event"
	"crmchat/internal/metrics"
)

// Hub indexes open WebSocket connections by connection id and writes
// events to them through each client's send queue.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	log     *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients: make(map[string]*Client),
		log:     log.Named("hub"),
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	n := len(h.clients)
	h.mu.Unlock()
	metrics.LiveConnections.Set(float64(n))
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if h.clients[c.ID] == c {
		delete(h.clients, c.ID)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.LiveConnections.Set(float64(n))
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Push queues ev on the given connections and returns how many accepted
// it. A closed connection or a full queue counts as not delivered.
func (h *Hub) Push(connIDs []string, ev event.Outbound) int {
	if len(connIDs) == 0 {
		return 0
	}
	data, err := ev.Encode()
	if err != nil {
		h.log.Error("encode event", zap.String("type", string(ev.Type)), zap.Error(err))
		return 0
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(connIDs))
	for _, id := range connIDs {
		if c, ok := h.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	return h.deliver(targets, ev.Type, data)
}

// Broadcast queues ev on every identified connection except those in skip.
func (h *Hub) Broadcast(ev event.Outbound, skip ...string) int {
	data, err := ev.Encode()
	if err != nil {
		h.log.Error("encode event", zap.String("type", string(ev.Type)), zap.Error(err))
		return 0
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for id, c := range h.clients {
		if !c.Identified() || contains(skip, id) {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	return h.deliver(targets, ev.Type, data)
}

func (h *Hub) deliver(targets []*Client, typ event.Type, data []byte) int {
	ok := 0
	for _, c := range targets {
		if err := c.enqueue(data); err != nil {
			metrics.Pushes.WithLabelValues(string(typ), "dropped").Inc()
			h.log.Debug("push dropped", zap.String("conn_id", c.ID), zap.String("type", string(typ)), zap.Error(err))
			continue
		}
		metrics.Pushes.WithLabelValues(string(typ), "ok").Inc()
		ok++
	}
	return ok
}

// CloseAll closes every connection, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}

func contains(ids []string, id string) bool {
	for _, s := range ids {
		if s == id {
			return true
		}
	}
	return false
}
