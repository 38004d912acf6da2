// Package broadcast provides topic channels where a message published by
// one endpoint reaches every other endpoint on the same topic.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed indicates use of a closed endpoint.
var ErrClosed = errors.New("broadcast channel closed")

// Channel is one endpoint of a topic. Messages published through an
// endpoint are never delivered back to it.
type Channel interface {
	Publish(ctx context.Context, msg []byte) error
	Messages() <-chan []byte
	Close() error
}

// DefaultBuffer is the per-endpoint inbox size.
const DefaultBuffer = 64

// Hub connects endpoints living in one process.
type Hub struct {
	logger *slog.Logger

	mu     sync.Mutex
	nextID uint64
	topics map[string]map[uint64]*endpoint
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{logger: logger, topics: make(map[string]map[uint64]*endpoint)}
}

// Open joins topic and returns a new endpoint.
func (h *Hub) Open(topic string) Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	ep := &endpoint{hub: h, topic: topic, id: h.nextID, inbox: make(chan []byte, DefaultBuffer)}
	peers := h.topics[topic]
	if peers == nil {
		peers = make(map[uint64]*endpoint)
		h.topics[topic] = peers
	}
	peers[ep.id] = ep
	return ep
}

func (h *Hub) publish(from *endpoint, msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, peer := range h.topics[from.topic] {
		if id == from.id {
			continue
		}
		data := append([]byte(nil), msg...)
		select {
		case peer.inbox <- data:
		default:
			h.logger.Warn("broadcast inbox full, message dropped", "topic", from.topic)
		}
	}
}

func (h *Hub) leave(ep *endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := h.topics[ep.topic]
	delete(peers, ep.id)
	if len(peers) == 0 {
		delete(h.topics, ep.topic)
	}
	close(ep.inbox)
}

type endpoint struct {
	hub   *Hub
	topic string
	id    uint64
	inbox chan []byte

	mu     sync.Mutex
	closed bool
}

func (e *endpoint) Publish(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	e.hub.publish(e, msg)
	return nil
}

func (e *endpoint) Messages() <-chan []byte {
	return e.inbox
}

func (e *endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	e.hub.leave(e)
	return nil
}
