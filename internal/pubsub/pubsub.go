// Package pubsub fans streaming events out to live chat listeners.
//
// Every chat has one topic, keyed by its public UID. Delivery is
// at-most-once per listener: there is no replay buffer, and a listener that
// attaches after an event was published never sees it. Multiple listeners
// on the same chat each receive every event published while attached.
package pubsub

import "context"

// Event types carried on a chat topic.
const (
	TypeChunk     = "chunk"
	TypeStatus    = "status"
	TypeConnected = "connected"
	TypeError     = "error"
)

// Event is a single message on a chat topic. The zero-valued fields of the
// variants that don't apply are omitted on the wire.
type Event struct {
	Type     string `json:"type"`
	PromptID uint   `json:"prompt_id,omitempty"`
	Chunk    string `json:"chunk,omitempty"`
	Status   string `json:"status,omitempty"`
	ChatUID  string `json:"chat_uid,omitempty"`
	Message  string `json:"message,omitempty"`
}

// ChunkEvent builds a chunk event for a text delta.
func ChunkEvent(promptID uint, chunk string) Event {
	return Event{Type: TypeChunk, PromptID: promptID, Chunk: chunk}
}

// StatusEvent builds a status transition event.
func StatusEvent(promptID uint, status string) Event {
	return Event{Type: TypeStatus, PromptID: promptID, Status: status}
}

// ConnectedEvent builds the synthetic first event a relay sends on attach.
func ConnectedEvent(chatUID string) Event {
	return Event{Type: TypeConnected, ChatUID: chatUID}
}

// ErrorEvent builds a relay-side failure event.
func ErrorEvent(message string) Event {
	return Event{Type: TypeError, Message: message}
}

// Broker publishes events to chat topics and attaches subscribers to them.
// Publishing never blocks on slow subscribers.
type Broker interface {
	// PublishChunk broadcasts a text delta for a prompt.
	PublishChunk(ctx context.Context, chatUID string, promptID uint, chunk string) error

	// PublishStatus broadcasts a prompt status transition.
	PublishStatus(ctx context.Context, chatUID string, promptID uint, status string) error

	// Subscribe attaches a listener to a chat topic. The returned cancel
	// function detaches the listener and closes the channel; it is safe to
	// call more than once. The channel is also closed when ctx is done.
	Subscribe(ctx context.Context, chatUID string) (<-chan Event, func(), error)
}
