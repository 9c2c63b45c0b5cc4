// Package openai implements the client for every provider that speaks the
// OpenAI chat completions protocol (deepseek, qianwen, openai, newapi).
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/felipepmaragno/chatbridge/internal/domain"
	"github.com/felipepmaragno/chatbridge/internal/httputil"
)

const maxLineSize = 1 << 20

type Provider struct {
	id          domain.ProviderID
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	client      *http.Client
}

func New(id domain.ProviderID, cfg domain.ProviderConfig) (*Provider, error) {
	client, err := httputil.ForProvider(cfg)
	if err != nil {
		return nil, err
	}

	return &Provider{
		id:          id,
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		client:      client,
	}, nil
}

func (p *Provider) ID() domain.ProviderID {
	return p.id
}

type wireMessage struct {
	Role    domain.Role `json:"role"`
	Content string      `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *domain.Usage `json:"usage"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (p *Provider) toWire(req domain.ChatRequest, stream bool) chatRequest {
	out := chatRequest{
		Model:       req.Model,
		Messages:    make([]wireMessage, len(req.Messages)),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if out.Model == "" {
		out.Model = p.model
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = p.maxTokens
	}
	for i, m := range req.Messages {
		out.Messages[i] = wireMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

func (p *Provider) newChatRequest(ctx context.Context, req domain.ChatRequest, stream bool) (*http.Request, error) {
	body, err := json.Marshal(p.toWire(req, stream))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpReq, nil
}

func (p *Provider) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := p.chatCompletion(ctx, req)
	return resp, domain.NewProviderError(p.id, err)
}

func (p *Provider) chatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	httpReq, err := p.newChatRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s error: status=%d body=%s", p.id, resp.StatusCode, string(bodyBytes))
	}

	var wire chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := &domain.ChatResponse{
		ID:      wire.ID,
		Model:   wire.Model,
		Created: wire.Created,
		Usage:   wire.Usage,
		Choices: make([]domain.Choice, 0, len(wire.Choices)),
	}
	for _, c := range wire.Choices {
		out.Choices = append(out.Choices, domain.Choice{
			Message:      domain.Message{Role: c.Message.Role, Content: c.Message.Content},
			FinishReason: c.FinishReason,
		})
	}
	return out, nil
}

// ChatCompletionStream emits every non-empty content delta in arrival order.
// onFragment, when set, is called with each fragment before it is sent.
// A consumer that stops reading must cancel ctx.
func (p *Provider) ChatCompletionStream(ctx context.Context, req domain.ChatRequest, onFragment func(string)) (<-chan string, <-chan error) {
	fragments := make(chan string)
	errs := make(chan error, 1)

	go func() {
		defer close(fragments)
		defer close(errs)

		if err := p.stream(ctx, req, onFragment, fragments); err != nil {
			errs <- domain.NewProviderError(p.id, err)
		}
	}()

	return fragments, errs
}

func (p *Provider) stream(ctx context.Context, req domain.ChatRequest, onFragment func(string), out chan<- string) error {
	httpReq, err := p.newChatRequest(ctx, req, true)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s error: status=%d body=%s", p.id, resp.StatusCode, string(bodyBytes))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return nil
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}

		fragment := chunk.Choices[0].Delta.Content
		if onFragment != nil {
			onFragment(fragment)
		}

		select {
		case out <- fragment:
		case <-ctx.Done():
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("scan error: %w", err)
	}
	return nil
}

func (p *Provider) Models(ctx context.Context) ([]string, error) {
	models, err := p.models(ctx)
	return models, domain.NewProviderError(p.id, err)
}

func (p *Provider) models(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s error: status=%d", p.id, resp.StatusCode)
	}

	var modelsResp modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&modelsResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	ids := make([]string, 0, len(modelsResp.Data))
	for _, m := range modelsResp.Data {
		ids = append(ids, m.ID)
	}
	slices.Sort(ids)
	return ids, nil
}

// TestConnection lists models and reports the round trip. It never fails.
func (p *Provider) TestConnection(ctx context.Context) domain.ConnectionResult {
	start := time.Now()

	models, err := p.Models(ctx)
	if err != nil {
		return domain.ConnectionResult{Success: false, Error: err.Error()}
	}

	return domain.ConnectionResult{
		Success:        true,
		ResponseTimeMs: float64(time.Since(start).Microseconds()) / 1000,
		ModelCount:     len(models),
	}
}

func (p *Provider) Close() {
	p.client.CloseIdleConnections()
}
