package pubsub

import (
	"context"
	"sync"
)

// subscriberBuffer is the per-listener event buffer. A listener that falls
// further behind than this starts losing events rather than stalling the
// publisher.
const subscriberBuffer = 64

// Hub is the in-process Broker used when the API server and worker share a
// process. Topics are created on first subscribe and removed when their
// last listener detaches.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[chan Event]struct{}
}

// NewHub returns an empty in-process broker.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[chan Event]struct{})}
}

// PublishChunk broadcasts a text delta for a prompt.
func (h *Hub) PublishChunk(ctx context.Context, chatUID string, promptID uint, chunk string) error {
	h.broadcast(chatUID, ChunkEvent(promptID, chunk))
	return nil
}

// PublishStatus broadcasts a prompt status transition.
func (h *Hub) PublishStatus(ctx context.Context, chatUID string, promptID uint, status string) error {
	h.broadcast(chatUID, StatusEvent(promptID, status))
	return nil
}

func (h *Hub) broadcast(chatUID string, evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.topics[chatUID] {
		select {
		case ch <- evt:
		default:
			// Listener buffer full; drop rather than block the worker.
		}
	}
}

// Subscribe attaches a listener to a chat topic.
func (h *Hub) Subscribe(ctx context.Context, chatUID string) (<-chan Event, func(), error) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	subs, ok := h.topics[chatUID]
	if !ok {
		subs = make(map[chan Event]struct{})
		h.topics[chatUID] = subs
	}
	subs[ch] = struct{}{}
	h.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if subs, ok := h.topics[chatUID]; ok {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(h.topics, chatUID)
				}
			}
			h.mu.Unlock()
			close(done)
			close(ch)
		})
	}

	// The watcher must also exit on explicit cancel, or a subscription made
	// with a non-cancellable context would leak it.
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	return ch, cancel, nil
}

// Subscribers reports the number of listeners attached to a chat topic.
func (h *Hub) Subscribers(chatUID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[chatUID])
}
