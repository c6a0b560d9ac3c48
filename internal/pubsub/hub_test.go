package pubsub

import (
	"context"
	"encoding/json"
	"runtime"
	"testing"
	"time"
)

func recvOne(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatal("channel closed while waiting for event")
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestHub_PublishToSubscriber(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, "chat12345678")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if err := hub.PublishChunk(ctx, "chat12345678", 7, "hello "); err != nil {
		t.Fatalf("PublishChunk: %v", err)
	}

	evt := recvOne(t, ch)
	if evt.Type != TypeChunk {
		t.Errorf("Type = %q, want %q", evt.Type, TypeChunk)
	}
	if evt.PromptID != 7 {
		t.Errorf("PromptID = %d, want 7", evt.PromptID)
	}
	if evt.Chunk != "hello " {
		t.Errorf("Chunk = %q, want %q", evt.Chunk, "hello ")
	}
}

func TestHub_FanOut(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	ch1, cancel1, _ := hub.Subscribe(ctx, "aaaa")
	defer cancel1()
	ch2, cancel2, _ := hub.Subscribe(ctx, "aaaa")
	defer cancel2()

	hub.PublishStatus(ctx, "aaaa", 1, "running")

	for i, ch := range []<-chan Event{ch1, ch2} {
		evt := recvOne(t, ch)
		if evt.Status != "running" {
			t.Errorf("subscriber %d: Status = %q, want %q", i, evt.Status, "running")
		}
	}
}

func TestHub_TopicIsolation(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	chA, cancelA, _ := hub.Subscribe(ctx, "chat-a")
	defer cancelA()
	chB, cancelB, _ := hub.Subscribe(ctx, "chat-b")
	defer cancelB()

	hub.PublishChunk(ctx, "chat-a", 1, "only for a")

	evt := recvOne(t, chA)
	if evt.Chunk != "only for a" {
		t.Errorf("Chunk = %q, want %q", evt.Chunk, "only for a")
	}

	select {
	case evt := <-chB:
		t.Errorf("chat-b subscriber received unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_NoReplay(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	// Published before anyone is attached — must be lost.
	hub.PublishChunk(ctx, "late", 1, "early chunk")

	ch, cancel, _ := hub.Subscribe(ctx, "late")
	defer cancel()

	select {
	case evt := <-ch:
		t.Errorf("late subscriber received replayed event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_CancelDetaches(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	ch, cancel, _ := hub.Subscribe(ctx, "bye")
	if got := hub.Subscribers("bye"); got != 1 {
		t.Fatalf("Subscribers = %d, want 1", got)
	}

	cancel()
	if got := hub.Subscribers("bye"); got != 0 {
		t.Errorf("Subscribers after cancel = %d, want 0", got)
	}

	// Channel must be closed.
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed after cancel")
	}

	// Double cancel must not panic.
	cancel()

	// Publishing to the empty topic must not panic either.
	if err := hub.PublishChunk(ctx, "bye", 1, "x"); err != nil {
		t.Errorf("PublishChunk after cancel: %v", err)
	}
}

func TestHub_ContextCancelDetaches(t *testing.T) {
	hub := NewHub()
	ctx, stop := context.WithCancel(context.Background())

	ch, _, _ := hub.Subscribe(ctx, "ctx")
	stop()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers("ctx") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not detached after context cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel after context cancel")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed after context cancel")
	}
}

func TestHub_CancelReleasesWatcher(t *testing.T) {
	hub := NewHub()

	base := runtime.NumGoroutine()
	cancels := make([]func(), 0, 50)
	for i := 0; i < 50; i++ {
		// Background contexts never fire Done; only the cancel func can
		// release the watcher goroutine.
		_, cancel, err := hub.Subscribe(context.Background(), "chatwatchers")
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		cancels = append(cancels, cancel)
	}
	for _, cancel := range cancels {
		cancel()
	}

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > base+5 {
		if time.Now().After(deadline) {
			t.Fatalf("goroutines = %d, want near baseline %d after cancel", runtime.NumGoroutine(), base)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	_, cancel, _ := hub.Subscribe(ctx, "slow")
	defer cancel()

	// Publish far more than the buffer without draining. Must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			hub.PublishChunk(ctx, "slow", 1, "x")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
}

func TestEvent_WireFormat(t *testing.T) {
	tests := []struct {
		name string
		evt  Event
		want string
	}{
		{
			name: "chunk",
			evt:  ChunkEvent(42, "hello"),
			want: `{"type":"chunk","prompt_id":42,"chunk":"hello"}`,
		},
		{
			name: "status",
			evt:  StatusEvent(42, "finished"),
			want: `{"type":"status","prompt_id":42,"status":"finished"}`,
		},
		{
			name: "connected",
			evt:  ConnectedEvent("abc123def456"),
			want: `{"type":"connected","chat_uid":"abc123def456"}`,
		},
		{
			name: "error",
			evt:  ErrorEvent("stream closed"),
			want: `{"type":"error","message":"stream closed"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.evt)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("marshal = %s, want %s", got, tt.want)
			}
		})
	}
}
