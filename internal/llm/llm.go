// Package llm calls language models on behalf of agents.
//
// Defines a Caller interface with an OpenAI-compatible HTTP implementation
// and an offline echo implementation. Consumers depend only on Caller.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Roles for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single stateless completion request.
type Request struct {
	SystemPrompt string
	Model        string
	Temperature  float64
	MaxTokens    int
	Messages     []Message
}

// Caller produces a completion for a request.
type Caller interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// EchoCaller answers every request locally without a model. Used when no
// endpoint is configured so the runtime stays fully operable offline.
type EchoCaller struct{}

// Complete returns a deterministic acknowledgement of the last user message.
func (EchoCaller) Complete(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			last = req.Messages[i].Content
			break
		}
	}
	if strings.TrimSpace(last) == "" {
		return "", fmt.Errorf("llm: empty instruction")
	}
	return "Acknowledged: " + last, nil
}
