// Package gemini implements the client for Google's Generative Language API.
// The API is called through its single-shot generateContent endpoint;
// streaming is emulated by replaying the finished text word by word.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/felipepmaragno/chatbridge/internal/domain"
	"github.com/felipepmaragno/chatbridge/internal/httputil"
)

const (
	DefaultBaseURL       = "https://generativelanguage.googleapis.com/v1beta"
	DefaultFragmentDelay = 50 * time.Millisecond
	probePrompt          = "Hello"
)

var knownModels = []string{"gemini-1.5-flash", "gemini-1.5-pro", "gemini-pro"}

type Provider struct {
	apiKey        string
	baseURL       string
	model         string
	temperature   float64
	maxTokens     int
	fragmentDelay time.Duration
	client        *http.Client
}

type Option func(*Provider)

// WithFragmentDelay sets the pause between emulated stream fragments.
func WithFragmentDelay(d time.Duration) Option {
	return func(p *Provider) {
		p.fragmentDelay = d
	}
}

func New(cfg domain.ProviderConfig, opts ...Option) (*Provider, error) {
	client, err := httputil.ForProvider(cfg)
	if err != nil {
		return nil, err
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	p := &Provider{
		apiKey:        cfg.APIKey,
		baseURL:       baseURL,
		model:         cfg.Model,
		temperature:   cfg.Temperature,
		maxTokens:     cfg.MaxTokens,
		fragmentDelay: DefaultFragmentDelay,
		client:        client,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

func (p *Provider) ID() domain.ProviderID {
	return domain.ProviderGemini
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      *content `json:"content"`
		FinishReason string   `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

// prompt joins the user turns. The API is called statelessly, so system and
// assistant turns are not sent.
func prompt(messages []domain.Message) string {
	var parts []string
	for _, m := range messages {
		if m.Role == domain.RoleUser {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}

func (p *Provider) toGeminiRequest(req domain.ChatRequest) generateRequest {
	out := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: prompt(req.Messages)}}}},
	}

	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.maxTokens
	}

	cfg := &generationConfig{}
	if temperature > 0 {
		cfg.Temperature = &temperature
	}
	if maxTokens > 0 {
		cfg.MaxOutputTokens = &maxTokens
	}
	if cfg.Temperature != nil || cfg.MaxOutputTokens != nil {
		out.GenerationConfig = cfg
	}
	return out
}

func (p *Provider) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := p.generate(ctx, req)
	return resp, domain.NewProviderError(domain.ProviderGemini, err)
}

func (p *Provider) generate(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	body, err := json.Marshal(p.toGeminiRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("gemini error: status=%d body=%s", resp.StatusCode, string(bodyBytes))
	}

	var geminiResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return toChatResponse(geminiResp, model), nil
}

func toChatResponse(resp generateResponse, model string) *domain.ChatResponse {
	var text strings.Builder
	finishReason := "stop"
	if len(resp.Candidates) > 0 {
		c := resp.Candidates[0]
		if c.Content != nil {
			for _, p := range c.Content.Parts {
				text.WriteString(p.Text)
			}
		}
		if c.FinishReason != "" {
			finishReason = strings.ToLower(c.FinishReason)
		}
	}

	out := &domain.ChatResponse{
		ID:      "gemini-" + uuid.NewString(),
		Model:   model,
		Created: time.Now().Unix(),
		Choices: []domain.Choice{{
			Message:      domain.Message{Role: domain.RoleAssistant, Content: text.String()},
			FinishReason: finishReason,
		}},
	}

	if u := resp.UsageMetadata; u != nil {
		out.Usage = &domain.Usage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
	}
	return out
}

// fragments splits text on whitespace; every word but the last keeps a
// trailing space so the fragments concatenate back to a readable reply.
func fragments(text string) []string {
	words := strings.Fields(text)
	out := make([]string, len(words))
	for i, w := range words {
		if i < len(words)-1 {
			w += " "
		}
		out[i] = w
	}
	return out
}

// ChatCompletionStream runs a full completion, then replays it as word
// fragments with a fixed delay between them. A consumer that stops reading
// must cancel ctx.
func (p *Provider) ChatCompletionStream(ctx context.Context, req domain.ChatRequest, onFragment func(string)) (<-chan string, <-chan error) {
	out := make(chan string)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		resp, err := p.ChatCompletion(ctx, req)
		if err != nil {
			errs <- err
			return
		}

		for i, fragment := range fragments(resp.Content()) {
			if i > 0 && p.fragmentDelay > 0 {
				select {
				case <-time.After(p.fragmentDelay):
				case <-ctx.Done():
					return
				}
			}

			if onFragment != nil {
				onFragment(fragment)
			}

			select {
			case out <- fragment:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, errs
}

// Models returns the fixed catalog; the API's model listing is not queried.
func (p *Provider) Models(ctx context.Context) ([]string, error) {
	return slices.Clone(knownModels), nil
}

// TestConnection sends a fixed probe prompt. It never fails.
func (p *Provider) TestConnection(ctx context.Context) domain.ConnectionResult {
	start := time.Now()

	resp, err := p.ChatCompletion(ctx, domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: probePrompt}},
	})
	if err != nil {
		return domain.ConnectionResult{Success: false, Error: err.Error()}
	}
	if resp.Content() == "" {
		return domain.ConnectionResult{Success: false, Error: domain.ErrEmptyResponse.Error()}
	}

	return domain.ConnectionResult{
		Success:        true,
		ResponseTimeMs: float64(time.Since(start).Microseconds()) / 1000,
		ModelCount:     len(knownModels),
	}
}

func (p *Provider) Close() {
	p.client.CloseIdleConnections()
}
