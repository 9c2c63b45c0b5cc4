package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"github.com/felipepmaragno/chatbridge/internal/crypto"
	"github.com/felipepmaragno/chatbridge/internal/domain"
)

// Store owns the live Settings and persists them to a JSON document on every
// mutation. Persistence failures never panic: they are returned, logged, and
// kept in LastError.
//
// Credentials supplied by the environment (or ApplyCredentials) are held as
// overrides. They win on every read but are never written to disk.
type Store struct {
	mu        sync.RWMutex
	path      string
	settings  domain.Settings
	overrides map[domain.ProviderID]string
	lookupEnv func(string) string
	sealer    *crypto.Sealer

	saveMu  sync.Mutex
	lastErr error
}

type StoreOption func(*Store)

// WithSealer encrypts credentials at rest.
func WithSealer(sealer *crypto.Sealer) StoreOption {
	return func(s *Store) {
		s.sealer = sealer
	}
}

// WithEnv replaces os.Getenv as the source of credential overrides.
func WithEnv(lookup func(string) string) StoreOption {
	return func(s *Store) {
		s.lookupEnv = lookup
	}
}

func NewStore(path string, opts ...StoreOption) *Store {
	s := &Store{
		path:      path,
		settings:  DefaultSettings(),
		overrides: make(map[domain.ProviderID]string),
		lookupEnv: os.Getenv,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.applyEnv()
	return s
}

func (s *Store) Path() string {
	return s.path
}

// Load reads the document. A missing file is seeded with the current
// (default) settings. A malformed file leaves the in-memory settings untouched.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Info("configuration file not found, writing defaults", "path", s.path)
		return s.Save()
	}
	if err != nil {
		return s.recordErr(fmt.Errorf("%w: read %s: %v", domain.ErrPersistence, s.path, err))
	}

	return s.apply(data)
}

func (s *Store) apply(data []byte) error {
	s.mu.Lock()
	settings, err := decodeSettings(data, s.settings, s.open)
	if err == nil {
		s.settings = settings
	}
	s.mu.Unlock()

	if err != nil {
		slog.Warn("failed to load configuration", "path", s.path, "error", err)
		return s.recordErr(err)
	}
	return nil
}

// Save overwrites the document with the current settings.
func (s *Store) Save() error {
	return s.writeTo(s.path)
}

func (s *Store) writeTo(path string) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	data, err := encodeSettings(s.settings, s.seal)
	s.mu.RUnlock()

	if err == nil {
		err = writeFileAtomic(path, data)
	}

	if err != nil {
		err = fmt.Errorf("%w: write %s: %v", domain.ErrPersistence, path, err)
		slog.Warn("failed to save configuration", "path", path, "error", err)
	}

	if path == s.path {
		s.lastErr = err
	}
	return err
}

// LastError returns the outcome of the most recent load or save.
func (s *Store) LastError() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	return s.lastErr
}

func (s *Store) recordErr(err error) error {
	s.saveMu.Lock()
	s.lastErr = err
	s.saveMu.Unlock()
	return err
}

// Settings returns a deep copy of the settings with credential overrides applied.
func (s *Store) Settings() domain.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.settings.Clone()
	for id, key := range s.overrides {
		if cfg, ok := out.Providers[id]; ok {
			cfg.APIKey = key
			out.Providers[id] = cfg
		}
	}
	return out
}

// UpdateSettings mutates the persisted view of the settings (credential
// overrides are not applied to the value fn sees) and saves the result.
func (s *Store) UpdateSettings(fn func(*domain.Settings)) error {
	s.mu.Lock()
	updated := s.settings.Clone()
	fn(&updated)
	if !updated.DefaultProvider.Valid() {
		s.mu.Unlock()
		return fmt.Errorf("default provider %q: %w", updated.DefaultProvider, domain.ErrProviderNotFound)
	}
	if updated.Providers == nil {
		updated.Providers = DefaultProviders()
	}
	s.settings = updated
	s.mu.Unlock()

	return s.Save()
}

func (s *Store) SystemPrompt() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.SystemPrompt
}

func (s *Store) MaxHistoryLength() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.MaxHistoryLength
}

func (s *Store) DefaultProvider() domain.ProviderID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.DefaultProvider
}

func (s *Store) StreamEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.StreamEnabled
}

func (s *Store) AutoClearHistory() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.AutoClearHistory
}

func (s *Store) ProviderConfig(id domain.ProviderID) (domain.ProviderConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.settings.Providers[id]
	if !ok {
		return domain.ProviderConfig{}, false
	}
	cfg = cfg.Clone()
	if key, ok := s.overrides[id]; ok {
		cfg.APIKey = key
	}
	return cfg, true
}

// SetProviderConfig replaces a provider's configuration and persists it.
// A credential equal to the active override is not written to disk.
func (s *Store) SetProviderConfig(id domain.ProviderID, cfg domain.ProviderConfig) error {
	if !id.Valid() {
		return domain.ErrProviderNotFound
	}

	s.mu.Lock()
	cfg = cfg.Clone()
	if key, ok := s.overrides[id]; ok && cfg.APIKey == key {
		cfg.APIKey = s.settings.Providers[id].APIKey
	}
	s.settings.Providers[id] = cfg
	s.mu.Unlock()

	return s.Save()
}

func (s *Store) Credential(id domain.ProviderID) string {
	cfg, ok := s.ProviderConfig(id)
	if !ok {
		return ""
	}
	return cfg.APIKey
}

// SetCredential stores a credential and drops any override for the provider.
func (s *Store) SetCredential(id domain.ProviderID, value string) error {
	if !id.Valid() {
		return domain.ErrProviderNotFound
	}

	s.mu.Lock()
	cfg := s.settings.Providers[id]
	cfg.APIKey = value
	s.settings.Providers[id] = cfg
	delete(s.overrides, id)
	s.mu.Unlock()

	return s.Save()
}

// ApplyCredentials installs in-memory credential overrides, e.g. from a
// secret manager. Empty values are ignored.
func (s *Store) ApplyCredentials(credentials map[domain.ProviderID]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, key := range credentials {
		if key != "" && id.Valid() {
			s.overrides[id] = key
		}
	}
}

func (s *Store) EnabledProviders() []domain.ProviderID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var enabled []domain.ProviderID
	for _, id := range domain.Providers {
		if cfg, ok := s.settings.Providers[id]; ok && cfg.Enabled {
			enabled = append(enabled, id)
		}
	}
	return enabled
}

// ResetToDefaults discards every provider config, re-seeds the built-ins,
// re-reads environment credentials and persists.
func (s *Store) ResetToDefaults() error {
	s.mu.Lock()
	s.settings = DefaultSettings()
	s.overrides = make(map[domain.ProviderID]string)
	s.mu.Unlock()

	s.applyEnv()
	return s.Save()
}

// Export writes the current document to path.
func (s *Store) Export(path string) error {
	return s.writeTo(path)
}

// Import loads the document at path into the store and persists it.
func (s *Store) Import(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", domain.ErrPersistence, path, err)
	}
	if err := s.apply(data); err != nil {
		return err
	}
	return s.Save()
}

func (s *Store) applyEnv() {
	credentials := make(map[domain.ProviderID]string, len(CredentialEnvVars))
	for id, name := range CredentialEnvVars {
		credentials[id] = s.lookupEnv(name)
	}
	s.ApplyCredentials(credentials)
}

func (s *Store) seal(value string) (string, error) {
	if s.sealer == nil {
		return value, nil
	}
	return s.sealer.Seal(value)
}

func (s *Store) open(value string) (string, error) {
	if s.sealer == nil {
		if crypto.IsSealed(value) {
			return "", errors.New("sealed credential but no encryption key configured")
		}
		return value, nil
	}
	return s.sealer.Open(value)
}
