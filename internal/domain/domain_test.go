package domain

import (
	"context"
	"errors"
	"testing"
)

func TestParseProviderID(t *testing.T) {
	tests := []struct {
		in      string
		want    ProviderID
		wantErr bool
	}{
		{"deepseek", ProviderDeepSeek, false},
		{"Gemini", ProviderGemini, false},
		{" qianwen ", ProviderQianwen, false},
		{"openai", ProviderOpenAI, false},
		{"newapi", ProviderNewAPI, false},
		{"claude", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseProviderID(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrProviderNotFound) {
					t.Fatalf("expected ErrProviderNotFound, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProviderError_IsAndUnwrap(t *testing.T) {
	cause := context.DeadlineExceeded
	err := NewProviderError(ProviderOpenAI, cause)

	if !errors.Is(err, ErrProviderCall) {
		t.Error("expected error to match ErrProviderCall")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected error to unwrap to the cause")
	}
	if err.Error() != "openai call failed: context deadline exceeded" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func TestNewProviderError_DoesNotDoubleWrap(t *testing.T) {
	first := NewProviderError(ProviderGemini, errors.New("boom"))
	second := NewProviderError(ProviderOpenAI, first)

	if first != second {
		t.Error("expected an existing ProviderError to be returned unchanged")
	}
	if NewProviderError(ProviderGemini, nil) != nil {
		t.Error("expected nil for nil cause")
	}
}

func TestProviderConfig_CloneIsDeep(t *testing.T) {
	cfg := ProviderConfig{
		Proxy:         &Proxy{HTTP: "http://proxy:8080"},
		CustomHeaders: map[string]string{"X-A": "1"},
	}

	clone := cfg.Clone()
	clone.Proxy.HTTP = "changed"
	clone.CustomHeaders["X-A"] = "2"

	if cfg.Proxy.HTTP != "http://proxy:8080" {
		t.Error("proxy was shared between clones")
	}
	if cfg.CustomHeaders["X-A"] != "1" {
		t.Error("headers were shared between clones")
	}
}

func TestProviderConfig_Usable(t *testing.T) {
	if (ProviderConfig{Enabled: true}).Usable() {
		t.Error("config without key should not be usable")
	}
	if (ProviderConfig{APIKey: "k"}).Usable() {
		t.Error("disabled config should not be usable")
	}
	if !(ProviderConfig{Enabled: true, APIKey: "k"}).Usable() {
		t.Error("enabled config with key should be usable")
	}
}

func TestChatResponse_Content(t *testing.T) {
	var nilResp *ChatResponse
	if nilResp.Content() != "" {
		t.Error("nil response should have empty content")
	}

	resp := &ChatResponse{Choices: []Choice{{Message: Message{Role: RoleAssistant, Content: "hi"}}}}
	if resp.Content() != "hi" {
		t.Errorf("got %q, want hi", resp.Content())
	}
}
