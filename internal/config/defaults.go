package config

import (
	"maps"
	"slices"

	"github.com/felipepmaragno/chatbridge/internal/domain"
)

const (
	DefaultSystemPrompt     = "You are an AI assistant named VictorAI."
	DefaultMaxHistoryLength = 10
	DefaultTemperature      = 0.7
	DefaultMaxTokens        = 2000
	DefaultTimeout          = 30
)

// CredentialEnvVars maps each provider to the environment variable that
// overrides its credential.
var CredentialEnvVars = map[domain.ProviderID]string{
	domain.ProviderDeepSeek: "DEEPSEEK_API_KEY",
	domain.ProviderGemini:   "GEMINI_API_KEY",
	domain.ProviderQianwen:  "QIANWEN_API_KEY",
	domain.ProviderOpenAI:   "OPENAI_API_KEY",
	domain.ProviderNewAPI:   "NEWAPI_API_KEY",
}

func DefaultSettings() domain.Settings {
	return domain.Settings{
		Enabled:          true,
		DefaultProvider:  domain.ProviderDeepSeek,
		StreamEnabled:    true,
		SystemPrompt:     DefaultSystemPrompt,
		MaxHistoryLength: DefaultMaxHistoryLength,
		AutoClearHistory: false,
		Providers:        DefaultProviders(),
	}
}

func DefaultProviders() map[domain.ProviderID]domain.ProviderConfig {
	return map[domain.ProviderID]domain.ProviderConfig{
		domain.ProviderDeepSeek: builtin(true, "https://api.deepseek.com/v1", "deepseek-chat"),
		domain.ProviderGemini:   builtin(false, "https://generativelanguage.googleapis.com/v1beta", "gemini-1.5-flash"),
		domain.ProviderQianwen:  builtin(false, "https://dashscope.aliyuncs.com/compatible-mode/v1", "qwen-turbo"),
		domain.ProviderOpenAI:   builtin(false, "https://api.openai.com/v1", "gpt-3.5-turbo"),
		domain.ProviderNewAPI:   builtin(false, "", "gpt-3.5-turbo"),
	}
}

func builtin(enabled bool, baseURL, model string) domain.ProviderConfig {
	return domain.ProviderConfig{
		Enabled:     enabled,
		BaseURL:     baseURL,
		Model:       model,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
		Timeout:     DefaultTimeout,
	}
}

var presetPrompts = map[string]string{
	"friendly":     "You are a friendly and patient AI assistant named VictorAI. You always answer with a positive attitude and help users with clear, concise language.",
	"professional": "You are a professional AI assistant named VictorAI. You have broad knowledge and experience and give accurate, detailed information and advice while staying objective and rigorous.",
	"creative":     "You are a creative AI assistant named VictorAI. You look at problems from different angles and offer imaginative, inspiring ideas and solutions.",
	"technical":    "You are a technical expert AI assistant named VictorAI. You are fluent in programming, system architecture and troubleshooting, and give precise technical advice with code examples.",
	"translator":   "You are a professional translation assistant named VictorAI. You translate accurately between Chinese and other languages, keeping the meaning and tone of the original.",
}

var modelRecommendations = map[string][]string{
	"chat":     {"deepseek-chat", "gpt-3.5-turbo", "gemini-1.5-flash"},
	"code":     {"deepseek-coder", "gpt-4", "claude-3-sonnet"},
	"creative": {"gpt-4", "claude-3-opus", "gemini-1.5-pro"},
	"analysis": {"gpt-4", "claude-3-sonnet", "qwen-max"},
}

// PresetPrompts returns the built-in system prompt templates by name.
func PresetPrompts() map[string]string {
	return maps.Clone(presetPrompts)
}

// RecommendedModels returns suggested models for a task, defaulting to "chat".
func RecommendedModels(task string) []string {
	models, ok := modelRecommendations[task]
	if !ok {
		models = modelRecommendations["chat"]
	}
	return slices.Clone(models)
}
