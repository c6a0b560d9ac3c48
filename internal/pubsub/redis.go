package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	redis "gopkg.in/redis.v5"
)

// RedisBroker is the Redis-backed Broker for deployments that run the API
// server and worker as separate processes. Events travel as JSON on the
// "chat:<uid>" channel, so listeners attached through any process see the
// same stream.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker connects to Redis and verifies the connection.
func NewRedisBroker(addr string) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping().Err(); err != nil {
		return nil, fmt.Errorf("pubsub: ping redis %s: %w", addr, err)
	}
	return &RedisBroker{client: client}, nil
}

// channelFor maps a chat UID to its Redis channel name.
func channelFor(chatUID string) string {
	return "chat:" + chatUID
}

// PublishChunk broadcasts a text delta for a prompt.
func (b *RedisBroker) PublishChunk(ctx context.Context, chatUID string, promptID uint, chunk string) error {
	return b.publish(chatUID, ChunkEvent(promptID, chunk))
}

// PublishStatus broadcasts a prompt status transition.
func (b *RedisBroker) PublishStatus(ctx context.Context, chatUID string, promptID uint, status string) error {
	return b.publish(chatUID, StatusEvent(promptID, status))
}

func (b *RedisBroker) publish(chatUID string, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("pubsub: marshal event: %w", err)
	}
	if err := b.client.Publish(channelFor(chatUID), string(payload)).Err(); err != nil {
		return fmt.Errorf("pubsub: publish to %s: %w", channelFor(chatUID), err)
	}
	return nil
}

// Subscribe attaches a listener to a chat topic.
func (b *RedisBroker) Subscribe(ctx context.Context, chatUID string) (<-chan Event, func(), error) {
	sub, err := b.client.Subscribe(channelFor(chatUID))
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub: subscribe to %s: %w", channelFor(chatUID), err)
	}

	ch := make(chan Event, subscriberBuffer)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			// Closing the subscription makes the receive loop below fail
			// out, which in turn closes ch.
			sub.Close()
		})
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	go func() {
		defer close(ch)
		for {
			msg, err := sub.ReceiveMessage()
			if err != nil {
				return
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				log.WithError(err).WithField("chat_uid", chatUID).Warn("pubsub: dropping undecodable event")
				continue
			}
			select {
			case ch <- evt:
			default:
				// Listener buffer full; drop rather than block the receive loop.
			}
		}
	}()

	return ch, cancel, nil
}

// Close releases the underlying Redis connection.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
