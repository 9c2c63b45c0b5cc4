package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/felipepmaragno/chatbridge/internal/domain"
)

// document is the persisted JSON shape. Key names are part of the on-disk
// contract and must not change.
type document struct {
	Enabled          bool                             `json:"enabled"`
	DefaultProvider  string                           `json:"default_provider"`
	StreamEnabled    bool                             `json:"stream_enabled"`
	SystemPrompt     string                           `json:"system_prompt"`
	MaxHistoryLength int                              `json:"max_history_length"`
	AutoClearHistory bool                             `json:"auto_clear_history"`
	Providers        map[string]domain.ProviderConfig `json:"providers"`
}

type rawDocument struct {
	Enabled          bool                       `json:"enabled"`
	DefaultProvider  string                     `json:"default_provider"`
	StreamEnabled    bool                       `json:"stream_enabled"`
	SystemPrompt     string                     `json:"system_prompt"`
	MaxHistoryLength int                        `json:"max_history_length"`
	AutoClearHistory bool                       `json:"auto_clear_history"`
	Providers        map[string]json.RawMessage `json:"providers"`
}

func encodeSettings(settings domain.Settings, seal func(string) (string, error)) ([]byte, error) {
	doc := document{
		Enabled:          settings.Enabled,
		DefaultProvider:  string(settings.DefaultProvider),
		StreamEnabled:    settings.StreamEnabled,
		SystemPrompt:     settings.SystemPrompt,
		MaxHistoryLength: settings.MaxHistoryLength,
		AutoClearHistory: settings.AutoClearHistory,
		Providers:        make(map[string]domain.ProviderConfig, len(settings.Providers)),
	}

	for id, cfg := range settings.Providers {
		key, err := seal(cfg.APIKey)
		if err != nil {
			return nil, fmt.Errorf("seal %s credential: %w", id, err)
		}
		cfg.APIKey = key
		doc.Providers[string(id)] = cfg
	}

	return json.MarshalIndent(doc, "", "  ")
}

// decodeSettings overlays data onto current. Absent top-level keys take the
// built-in defaults; absent keys inside a provider entry take the generic
// per-field defaults; providers missing from the document keep their current
// values and unknown provider names are ignored.
func decodeSettings(data []byte, current domain.Settings, open func(string) (string, error)) (domain.Settings, error) {
	defaults := DefaultSettings()
	raw := rawDocument{
		Enabled:          defaults.Enabled,
		DefaultProvider:  string(defaults.DefaultProvider),
		StreamEnabled:    defaults.StreamEnabled,
		SystemPrompt:     defaults.SystemPrompt,
		MaxHistoryLength: defaults.MaxHistoryLength,
		AutoClearHistory: defaults.AutoClearHistory,
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.Settings{}, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}

	defaultProvider, err := domain.ParseProviderID(raw.DefaultProvider)
	if err != nil {
		return domain.Settings{}, fmt.Errorf("%w: default_provider %q", domain.ErrInvalidConfig, raw.DefaultProvider)
	}

	out := current.Clone()
	out.Enabled = raw.Enabled
	out.DefaultProvider = defaultProvider
	out.StreamEnabled = raw.StreamEnabled
	out.SystemPrompt = raw.SystemPrompt
	out.MaxHistoryLength = raw.MaxHistoryLength
	out.AutoClearHistory = raw.AutoClearHistory

	for name, entry := range raw.Providers {
		id, err := domain.ParseProviderID(name)
		if err != nil {
			continue
		}

		cfg := domain.ProviderConfig{
			Temperature: DefaultTemperature,
			MaxTokens:   DefaultMaxTokens,
			Timeout:     DefaultTimeout,
		}
		if err := json.Unmarshal(entry, &cfg); err != nil {
			return domain.Settings{}, fmt.Errorf("%w: provider %s: %v", domain.ErrInvalidConfig, name, err)
		}

		key, err := open(cfg.APIKey)
		if err != nil {
			return domain.Settings{}, fmt.Errorf("%w: provider %s credential: %v", domain.ErrInvalidConfig, name, err)
		}
		cfg.APIKey = key
		out.Providers[id] = cfg
	}

	return out, nil
}

// writeFileAtomic replaces path with data via a temp file and rename so a
// failed write never leaves a truncated document behind.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".ai_config-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, path)
}
