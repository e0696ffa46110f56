// Package llm is the boundary to the reasoning engine: a chat client for
// Ollama, an Engine that turns a prompt into text, and the decoder that
// turns prefix-continued model output into structured values.
package llm

import "context"

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, opts ChatOptions) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
