// Package provider defines the uniform client contract over every supported
// chat API and the manager that caches one client per provider.
package provider

import (
	"context"

	"github.com/felipepmaragno/chatbridge/internal/domain"
	"github.com/felipepmaragno/chatbridge/internal/provider/gemini"
	"github.com/felipepmaragno/chatbridge/internal/provider/openai"
)

// Client is implemented by every provider variant. Completion and streaming
// faults are returned as *domain.ProviderError; TestConnection never fails.
type Client interface {
	ID() domain.ProviderID
	TestConnection(ctx context.Context) domain.ConnectionResult
	Models(ctx context.Context) ([]string, error)
	ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
	// ChatCompletionStream sends fragments in order and closes both channels
	// when done. At most one error is sent. Consumers that stop early must
	// cancel ctx.
	ChatCompletionStream(ctx context.Context, req domain.ChatRequest, onFragment func(string)) (<-chan string, <-chan error)
	Close()
}

// Factory builds a client for a provider.
type Factory func(id domain.ProviderID, cfg domain.ProviderConfig) (Client, error)

// New selects the variant for id: gemini gets the divergent client, every
// other provider the OpenAI-compatible one.
func New(id domain.ProviderID, cfg domain.ProviderConfig) (Client, error) {
	if !id.Valid() {
		return nil, domain.ErrProviderNotFound
	}

	if id == domain.ProviderGemini {
		client, err := gemini.New(cfg)
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	client, err := openai.New(id, cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}
