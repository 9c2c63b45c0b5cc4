package models

import (
	"slices"
	"strings"
)

// Service names used for fallback catalogs. "claude" has no ProviderID but
// is recognised so a Claude-compatible endpoint still gets a sensible list.
const (
	ServiceOpenAI   = "openai"
	ServiceDeepSeek = "deepseek"
	ServiceQianwen  = "qianwen"
	ServiceGemini   = "gemini"
	ServiceClaude   = "claude"
)

var defaultModels = map[string][]string{
	ServiceOpenAI:   {"gpt-3.5-turbo", "gpt-4", "gpt-4-turbo", "gpt-4o", "gpt-4o-mini"},
	ServiceDeepSeek: {"deepseek-chat", "deepseek-coder"},
	ServiceQianwen:  {"qwen-turbo", "qwen-plus", "qwen-max", "qwen-long"},
	ServiceGemini:   {"gemini-1.5-flash", "gemini-1.5-pro", "gemini-pro"},
	ServiceClaude:   {"claude-3-haiku-20240307", "claude-3-sonnet-20240229", "claude-3-opus-20240229", "claude-3-5-sonnet-20241022"},
}

// rules are checked in order; the first match wins.
var rules = []struct {
	substrings []string
	service    string
}{
	{[]string{"deepseek"}, ServiceDeepSeek},
	{[]string{"dashscope.aliyuncs.com"}, ServiceQianwen},
	{[]string{"generativelanguage.googleapis.com"}, ServiceGemini},
	{[]string{"api.openai.com"}, ServiceOpenAI},
	{[]string{"claude", "anthropic"}, ServiceClaude},
}

// DetectService infers the vendor behind an endpoint, defaulting to openai.
func DetectService(endpoint string) string {
	lower := strings.ToLower(endpoint)
	for _, rule := range rules {
		for _, s := range rule.substrings {
			if strings.Contains(lower, s) {
				return rule.service
			}
		}
	}
	return ServiceOpenAI
}

// Defaults returns the static catalog for a service, or the openai catalog
// for unknown services.
func Defaults(service string) []string {
	models, ok := defaultModels[service]
	if !ok {
		models = defaultModels[ServiceOpenAI]
	}
	return slices.Clone(models)
}

// NormalizeEndpoint makes sure the endpoint ends in /v1.
func NormalizeEndpoint(endpoint string) string {
	switch {
	case strings.HasSuffix(endpoint, "/v1"):
		return endpoint
	case strings.HasSuffix(endpoint, "/"):
		return endpoint + "v1"
	default:
		return endpoint + "/v1"
	}
}
