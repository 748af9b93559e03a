package advisor

import (
	"context"

	"github.com/sidecue/sidecue-core/internal/config"
)

// Turn is one entry of the conversation history: user-authored transcript
// content or the final advisory response. Tool invocations and intermediate
// reasoning never appear here.
type Turn struct {
	Role    string `json:"role"` // user, assistant
	Content string `json:"content"`
}

// Request describes one advisory prompt.
type Request struct {
	Prompt      string
	System      string
	History     []Turn
	MaxTokens   int
	Temperature float64
}

// Generator defines a pluggable advisory backend. It is consumed as a black
// box: prompt in, text out.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// NewGenerator builds the configured backend.
func NewGenerator(cfg config.AdvisorConfig) (Generator, error) {
	switch cfg.Mode {
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return NewMockGenerator(), nil
	}
}

// RequestFromConfig seeds generation parameters from config.
func RequestFromConfig(cfg config.AdvisorConfig) Request {
	return Request{
		System:      cfg.SystemPrompt,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
}
