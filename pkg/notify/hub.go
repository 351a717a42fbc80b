// Package notify pushes job lifecycle events to external listeners.
package notify

import (
	"sync"

	"go.uber.org/zap"

	"lenrd/pkg/job"
	"lenrd/pkg/metrics"
)

// Event names as seen by clients.
const (
	EventJobCreate = "job.create"
	EventJobChange = "job.change"
	EventJobClose  = "job.close"
)

// Message is the payload sent to clients.
type Message struct {
	Event string   `json:"event"`
	Job   job.View `json:"job"`
}

// MessageFor converts a job event into its client message.
func MessageFor(e job.Event) Message {
	name := EventJobChange
	switch e.Type {
	case job.EventCreated:
		name = EventJobCreate
	case job.EventClosed:
		name = EventJobClose
	}
	return Message{Event: name, Job: e.Snapshot.View()}
}

// Client is one subscriber of a Hub.
type Client struct {
	ch chan Message
}

// C delivers messages until the client is unsubscribed or the hub closes.
func (c *Client) C() <-chan Message { return c.ch }

// Hub fans job events out to in-process subscribers such as SSE streams.
// A subscriber that falls behind loses messages instead of stalling the job.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	buffer  int
	closed  bool
	log     *zap.Logger
}

// NewHub creates a hub whose clients buffer up to buffer messages.
func NewHub(buffer int, log *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients: make(map[*Client]struct{}),
		buffer:  buffer,
		log:     log,
	}
}

// Subscribe registers a new client. On a closed hub the client's channel is
// already closed.
func (h *Hub) Subscribe() *Client {
	c := &Client{ch: make(chan Message, h.buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(c.ch)
		return c
	}
	h.clients[c] = struct{}{}
	return c
}

// Unsubscribe removes c and closes its channel.
func (h *Hub) Unsubscribe(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.ch)
	}
}

// Notify implements the orchestrator listener contract.
func (h *Hub) Notify(e job.Event) {
	msg := MessageFor(e)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.ch <- msg:
		default:
			metrics.NotificationsDropped.WithLabelValues("hub").Inc()
			h.log.Warn("Dropping event for slow subscriber",
				zap.String("event", msg.Event),
				zap.String("job_id", msg.Job.ID),
			)
		}
	}
}

// Clients returns the number of subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		close(c.ch)
		delete(h.clients, c)
	}
}
