package pool

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event topics published by the pool. Subscribers pick a topic or
// TopicAll.
const (
	TopicAll     = "all"
	TopicWorkers = "workers"
	TopicPool    = "pool"
)

// Event types.
const (
	EventWorkerStarted  = "worker_started"
	EventWorkerExited   = "worker_exited"
	EventWorkerReplaced = "worker_replaced"
	EventWorkerRecycled = "worker_recycled"
	EventPoolDegraded   = "pool_degraded"
	EventPoolFailed     = "pool_failed"
	EventPoolShutdown   = "pool_shutdown"
	EventReload         = "reload_triggered"
)

// Event is one pool lifecycle notification.
type Event struct {
	Type     string          `json:"type"`
	Pool     string          `json:"pool"`
	WorkerID string          `json:"worker_id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Time     time.Time       `json:"time"`
}

// EventClient receives events on Send. A slow client's messages are
// dropped, never buffered without bound.
type EventClient struct {
	Send chan Event
}

// EventHub fans pool events out to subscribers, one subscriber set per
// topic.
type EventHub struct {
	mu      sync.RWMutex
	pool    string
	logger  *zap.Logger
	clients map[string]map[*EventClient]struct{}
}

func NewEventHub(poolName string, logger *zap.Logger) *EventHub {
	return &EventHub{
		pool:    poolName,
		logger:  logger,
		clients: make(map[string]map[*EventClient]struct{}),
	}
}

// Subscribe registers a new client for the given topic.
func (h *EventHub) Subscribe(topic string) *EventClient {
	c := &EventClient{Send: make(chan Event, 16)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*EventClient]struct{})
	}
	h.clients[topic][c] = struct{}{}
	return c
}

// Unsubscribe removes a client from the topic and closes its channel.
func (h *EventHub) Unsubscribe(topic string, c *EventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.clients[topic]
	if subs == nil {
		return
	}
	if _, ok := subs[c]; !ok {
		return
	}
	delete(subs, c)
	close(c.Send)
	if len(subs) == 0 {
		delete(h.clients, topic)
	}
}

// Publish broadcasts to the topic's subscribers and to TopicAll.
func (h *EventHub) Publish(topic, eventType, workerID string, data any) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			h.logger.Warn("event payload marshal failed", zap.Error(err))
		} else {
			raw = b
		}
	}

	ev := Event{
		Type:     eventType,
		Pool:     h.pool,
		WorkerID: workerID,
		Data:     raw,
		Time:     time.Now(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	h.sendLocked(h.clients[topic], ev)
	if topic != TopicAll {
		h.sendLocked(h.clients[TopicAll], ev)
	}
}

func (h *EventHub) sendLocked(subs map[*EventClient]struct{}, ev Event) {
	for c := range subs {
		select {
		case c.Send <- ev:
		default:
			// client is slow / buffer full, drop the event
		}
	}
}
