package domain

import (
	"maps"
	"strings"
	"time"
)

// ProviderID identifies one of the built-in providers. The set is closed.
type ProviderID string

const (
	ProviderDeepSeek ProviderID = "deepseek"
	ProviderGemini   ProviderID = "gemini"
	ProviderQianwen  ProviderID = "qianwen"
	ProviderOpenAI   ProviderID = "openai"
	ProviderNewAPI   ProviderID = "newapi"
)

// Providers lists every provider in display order.
var Providers = []ProviderID{
	ProviderDeepSeek,
	ProviderGemini,
	ProviderQianwen,
	ProviderOpenAI,
	ProviderNewAPI,
}

func (p ProviderID) Valid() bool {
	for _, id := range Providers {
		if id == p {
			return true
		}
	}
	return false
}

func (p ProviderID) String() string {
	return string(p)
}

func ParseProviderID(s string) (ProviderID, error) {
	id := ProviderID(strings.ToLower(strings.TrimSpace(s)))
	if !id.Valid() {
		return "", ErrProviderNotFound
	}
	return id, nil
}

type Proxy struct {
	HTTP  string `json:"http,omitempty"`
	HTTPS string `json:"https,omitempty"`
}

type ProviderConfig struct {
	Enabled       bool              `json:"enabled"`
	APIKey        string            `json:"api_key"`
	BaseURL       string            `json:"base_url"`
	Model         string            `json:"model"`
	Temperature   float64           `json:"temperature"`
	MaxTokens     int               `json:"max_tokens"`
	Timeout       int               `json:"timeout"`
	Proxy         *Proxy            `json:"proxy"`
	CustomHeaders map[string]string `json:"custom_headers"`
}

// Usable reports whether the provider can be called at all.
func (c ProviderConfig) Usable() bool {
	return c.Enabled && c.APIKey != ""
}

func (c ProviderConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

func (c ProviderConfig) Clone() ProviderConfig {
	out := c
	if c.Proxy != nil {
		p := *c.Proxy
		out.Proxy = &p
	}
	if c.CustomHeaders != nil {
		out.CustomHeaders = maps.Clone(c.CustomHeaders)
	}
	return out
}

type Settings struct {
	Enabled          bool
	DefaultProvider  ProviderID
	StreamEnabled    bool
	SystemPrompt     string
	MaxHistoryLength int
	AutoClearHistory bool
	Providers        map[ProviderID]ProviderConfig
}

func (s Settings) Clone() Settings {
	out := s
	out.Providers = make(map[ProviderID]ProviderConfig, len(s.Providers))
	for id, cfg := range s.Providers {
		out.Providers[id] = cfg.Clone()
	}
	return out
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitzero"`
	Tokens    int       `json:"tokens,omitempty"`
}

type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Stream      bool      `json:"stream"`
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
	Created int64    `json:"created,omitempty"`
}

// Content returns the text of the first choice, or "" when there is none.
func (r *ChatResponse) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

type Choice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ConnectionResult struct {
	Success        bool    `json:"success"`
	ResponseTimeMs float64 `json:"response_time_ms,omitempty"`
	Error          string  `json:"error,omitempty"`
	ModelCount     int     `json:"model_count,omitempty"`
}
