// Package llm wraps text-generation providers behind one streaming
// capability: given an input, prior history and a system prompt, produce a
// lazy, single-pass, finite sequence of text deltas.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of structured conversation history. The history blob
// persisted on a prompt is a JSON array of these.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request carries everything a provider needs for one generation.
type Request struct {
	SystemPrompt string
	History      []Message
	Input        string
}

// Stream is a live generation session. Recv returns text deltas in emission
// order and io.EOF once the sequence is exhausted; History is only valid
// after that, and includes the new user and assistant turns.
type Stream interface {
	Recv() (string, error)
	History() []Message
	Close() error
}

// Client is a configured provider+model able to open generation streams.
type Client interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

// SplitSelector splits a "provider:model-name" selector on the first colon.
func SplitSelector(selector string) (provider, model string, err error) {
	provider, model, ok := strings.Cut(selector, ":")
	if !ok || provider == "" || model == "" {
		return "", "", fmt.Errorf("llm: malformed model selector %q, want provider:model-name", selector)
	}
	return provider, model, nil
}

// buildHistory assembles the conversation sent to a provider: the system
// prompt (if any), the prior turns, and the new user input.
func buildHistory(req Request) []Message {
	msgs := make([]Message, 0, len(req.History)+2)
	if req.SystemPrompt != "" && !hasSystem(req.History) {
		msgs = append(msgs, Message{Role: RoleSystem, Content: req.SystemPrompt})
	}
	msgs = append(msgs, req.History...)
	msgs = append(msgs, Message{Role: RoleUser, Content: req.Input})
	return msgs
}

func hasSystem(history []Message) bool {
	for _, m := range history {
		if m.Role == RoleSystem {
			return true
		}
	}
	return false
}
