package realtime

import (
	"context"
	"errors"
	"sync"
)

var ErrHubUnavailable = errors.New("hub unavailable")

// MemoryHub is an in-process message hub. Delivery is synchronous on the
// publisher's goroutine and preserves per-publisher order.
type MemoryHub struct {
	mu        sync.Mutex
	subs      map[string]map[*memoryTransport]func([]byte)
	conns     map[string]*memoryTransport
	down      bool
	pingFails map[string]bool
	dials     int
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs:      make(map[string]map[*memoryTransport]func([]byte)),
		conns:     make(map[string]*memoryTransport),
		pingFails: make(map[string]bool),
	}
}

func (h *MemoryHub) Dial(target Target) (Transport, error) {
	h.mu.Lock()
	h.dials++
	h.mu.Unlock()

	return &memoryTransport{hub: h, target: target}, nil
}

// SetDown makes new connections and probes fail. Existing connections stay
// open until dropped.
func (h *MemoryHub) SetDown(down bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.down = down
}

// SetPingFailure makes probes from clientID fail while leaving delivery intact,
// simulating a half-open connection.
func (h *MemoryHub) SetPingFailure(clientID string, fail bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pingFails[clientID] = fail
}

// Drop severs clientID's connection and reports the loss to its owner.
func (h *MemoryHub) Drop(clientID string) bool {
	h.mu.Lock()
	var conn, ok = h.conns[clientID]
	if ok {
		h.detachLocked(conn)
	}
	h.mu.Unlock()

	if !ok {
		return false
	}

	if conn.target.OnConnectionLost != nil {
		conn.target.OnConnectionLost(ErrTransportClosed)
	}
	return true
}

// Subscribers returns how many connections listen on topic.
func (h *MemoryHub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[topic])
}

// Connected reports whether clientID has an open connection.
func (h *MemoryHub) Connected(clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[clientID]
	return ok
}

// Dials returns how many transports have been built.
func (h *MemoryHub) Dials() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

func (h *MemoryHub) detachLocked(conn *memoryTransport) {
	conn.closed = true
	for topic, handlers := range h.subs {
		delete(handlers, conn)
		if len(handlers) == 0 {
			delete(h.subs, topic)
		}
	}
	if h.conns[conn.target.ClientID] == conn {
		delete(h.conns, conn.target.ClientID)
	}
}

type memoryTransport struct {
	hub    *MemoryHub
	target Target
	// guarded by hub.mu
	closed bool
}

func (t *memoryTransport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var h = t.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.down {
		return ErrHubUnavailable
	}
	if t.closed {
		return ErrTransportClosed
	}

	// A client id has one live session; a newer one takes over
	if old, ok := h.conns[t.target.ClientID]; ok && old != t {
		h.detachLocked(old)
	}
	h.conns[t.target.ClientID] = t
	return nil
}

func (t *memoryTransport) Close() error {
	var h = t.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if !t.closed {
		h.detachLocked(t)
	}
	return nil
}

func (t *memoryTransport) Publish(_ context.Context, topic string, payload []byte) error {
	var h = t.hub
	h.mu.Lock()
	if t.closed {
		h.mu.Unlock()
		return ErrTransportClosed
	}

	var handlers = make([]func([]byte), 0, len(h.subs[topic]))
	for _, handler := range h.subs[topic] {
		handlers = append(handlers, handler)
	}
	h.mu.Unlock()

	for _, handler := range handlers {
		var data = make([]byte, len(payload))
		copy(data, payload)
		handler(data)
	}
	return nil
}

func (t *memoryTransport) Subscribe(_ context.Context, topic string, handler func([]byte)) error {
	var h = t.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}

	var handlers, ok = h.subs[topic]
	if !ok {
		handlers = make(map[*memoryTransport]func([]byte))
		h.subs[topic] = handlers
	}
	handlers[t] = handler
	return nil
}

func (t *memoryTransport) Unsubscribe(_ context.Context, topic string) error {
	var h = t.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}

	delete(h.subs[topic], t)
	if len(h.subs[topic]) == 0 {
		delete(h.subs, topic)
	}
	return nil
}

func (t *memoryTransport) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var h = t.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case t.closed:
		return ErrTransportClosed
	case h.down, h.pingFails[t.target.ClientID]:
		return ErrHubUnavailable
	}
	return nil
}
