// Package hub fans a stream of client-protocol notifications out to every
// connected text-protocol client (spec §6.4: multiple clients may be
// connected to the Master at once, and a status change raised by one client's
// MSR START/STOP must be visible to all of them). It is the Master's
// equivalent of the teacher's internal/hub, generalized from a fixed
// can.Frame payload to any notification type the caller chooses.
package hub

import (
	"sync"

	"github.com/wyrdmeister/atmd-go/internal/logging"
	"github.com/wyrdmeister/atmd-go/internal/metrics"
)

// BackpressurePolicy controls what happens when a client's outbound queue
// is full.
type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

// Client is one connected subscriber. T is the notification payload type
// (internal/textproto uses a line-oriented status string).
type Client[T any] struct {
	Out       chan T
	Closed    chan struct{}
	closeOnce sync.Once
}

// Close signals the client is closed (idempotent).
func (c *Client[T]) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

// Hub broadcasts notifications to every registered Client.
type Hub[T any] struct {
	mu         sync.RWMutex
	clients    map[*Client[T]]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New[T any]() *Hub[T] { return &Hub[T]{clients: make(map[*Client[T]]struct{})} }

// NewClient allocates a Client with the Hub's configured output buffer size.
func (h *Hub[T]) NewClient() *Client[T] {
	bufSize := h.OutBufSize
	if bufSize <= 0 {
		bufSize = 16
	}
	return &Client[T]{Out: make(chan T, bufSize), Closed: make(chan struct{})}
}

// Add registers a client with the hub.
func (h *Hub[T]) Add(c *Client[T]) {
	h.mu.Lock()
	prev := len(h.clients)
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(cur)
	if prev == 0 && cur == 1 {
		logging.L().Info("clients_first_connected")
	}
}

// Remove unregisters a client; safe to call multiple times.
func (h *Hub[T]) Remove(c *Client[T]) {
	h.mu.Lock()
	_, existed := h.clients[c]
	if existed {
		delete(h.clients, c)
	}
	cur := len(h.clients)
	h.mu.Unlock()
	select {
	case <-c.Closed:
	default:
		c.Close()
	}
	metrics.SetHubClients(cur)
	if existed && cur == 0 {
		logging.L().Info("clients_last_disconnected")
	}
}

// Broadcast sends a notification to all connected clients honoring the
// backpressure policy.
func (h *Hub[T]) Broadcast(v T) {
	clients := h.Snapshot()
	for _, c := range clients {
		select {
		case c.Out <- v:
		default:
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				c.Close() // signal writer to exit; server Removes it on disconnect
			} else {
				metrics.IncHubDrop()
			}
		}
	}
}

// Snapshot returns a slice copy of current clients (read-only use).
func (h *Hub[T]) Snapshot() []*Client[T] {
	h.mu.RLock()
	clients := make([]*Client[T], 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

// Count returns the number of active clients.
func (h *Hub[T]) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
