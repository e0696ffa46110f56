package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Request is one reasoning call.
type Request struct {
	// System is the persona and instructions.
	System string
	// Prompt is the user-turn content.
	Prompt string
	// Prefix primes the assistant turn. The model continues from it and
	// the returned text does not repeat it.
	Prefix string
	// JSON constrains output to valid JSON where the provider supports it.
	JSON bool
}

// Engine turns a Request into model text using a single configured
// model.
type Engine struct {
	client  Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewEngine creates an engine. A zero timeout leaves the deadline to
// the caller's context.
func NewEngine(client Client, model string, timeout time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		client:  client,
		model:   model,
		timeout: timeout,
		logger:  logger.With("component", "llm", "model", model),
	}
}

// Model returns the model name.
func (e *Engine) Model() string { return e.model }

// Complete sends req and returns the raw response text. Errors are
// transport failures; a response that does not parse is the caller's
// concern.
func (e *Engine) Complete(ctx context.Context, req Request) (string, error) {
	if req.Prompt == "" {
		return "", errors.New("empty prompt")
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	msgs := make([]Message, 0, 3)
	if req.System != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: req.System})
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: req.Prompt})
	if req.Prefix != "" {
		msgs = append(msgs, Message{Role: RoleAssistant, Content: req.Prefix})
	}

	e.logger.Log(ctx, LevelTrace, "llm request",
		"system", req.System,
		"prompt", req.Prompt,
		"prefix", req.Prefix,
	)

	start := time.Now()
	resp, err := e.client.Chat(ctx, e.model, msgs, ChatOptions{JSON: req.JSON})
	if err != nil {
		return "", fmt.Errorf("chat %s: %w", e.model, err)
	}

	e.logger.Log(ctx, LevelTrace, "llm response", "content", resp.Message.Content)
	e.logger.Debug("llm call complete",
		"elapsed", time.Since(start).Round(time.Millisecond),
		"tokens_in", resp.InputTokens,
		"tokens_out", resp.OutputTokens,
	)
	return resp.Message.Content, nil
}
