// Package llm talks to the generative model behind the RAG synthesis
// and fallback layers of chat routing.
package llm

import (
	"context"
	"time"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are model parameters. Zero values are left to the model.
type Options struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// ChatResponse is the provider-neutral reply. Wire format conversion
// happens in the provider (ollama.go).
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message

	InputTokens  int
	OutputTokens int

	TotalDuration time.Duration
	EvalDuration  time.Duration
}

// Client is implemented by every model provider.
type Client interface {
	// Chat sends messages and waits for the complete reply.
	Chat(ctx context.Context, model string, messages []Message, opts *Options) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// Generator binds a client to one model and a default temperature.
type Generator struct {
	Client      Client
	Model       string
	Temperature float64
	MaxTokens   int
}

// Generate sends a single user prompt, with an optional system
// message, and returns the reply text. A non-positive temperature uses
// the generator default.
func (g *Generator) Generate(ctx context.Context, system, prompt string, temperature float64) (string, error) {
	if temperature <= 0 {
		temperature = g.Temperature
	}
	msgs := make([]Message, 0, 2)
	if system != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}
	msgs = append(msgs, Message{Role: "user", Content: prompt})

	resp, err := g.Client.Chat(ctx, g.Model, msgs, &Options{Temperature: temperature, NumPredict: g.MaxTokens})
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}
