package secrets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/felipepmaragno/chatbridge/internal/domain"
)

func TestInMemorySecretStore_SetGetDelete(t *testing.T) {
	store := NewInMemorySecretStore()
	ctx := context.Background()

	store.SetSecret("chatbridge/credentials", "v1")
	store.SetSecret("chatbridge/credentials", "v2")

	value, err := store.GetSecret(ctx, "chatbridge/credentials")
	if err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if value != "v2" {
		t.Errorf("GetSecret() = %v, want v2", value)
	}

	store.DeleteSecret("chatbridge/credentials")
	if _, err := store.GetSecret(ctx, "chatbridge/credentials"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound after delete, got %v", err)
	}
}

func TestLoadCredentials(t *testing.T) {
	store := NewInMemorySecretStore()
	store.SetSecret("creds", `{"openai": "sk-openai", "Gemini": "g-key", "claude": "ignored", "deepseek": ""}`)

	creds, err := LoadCredentials(context.Background(), store, "creds")
	if err != nil {
		t.Fatalf("LoadCredentials() error = %v", err)
	}

	tests := []struct {
		id   domain.ProviderID
		want string
		ok   bool
	}{
		{domain.ProviderOpenAI, "sk-openai", true},
		{domain.ProviderGemini, "g-key", true},
		{domain.ProviderDeepSeek, "", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.id), func(t *testing.T) {
			got, ok := creds[tt.id]
			if ok != tt.ok || got != tt.want {
				t.Errorf("creds[%s] = %q, %v; want %q, %v", tt.id, got, ok, tt.want, tt.ok)
			}
		})
	}

	if len(creds) != 2 {
		t.Errorf("expected 2 credentials, got %d", len(creds))
	}
}

func TestLoadCredentials_Errors(t *testing.T) {
	store := NewInMemorySecretStore()
	store.SetSecret("invalid", "not json")
	ctx := context.Background()

	if _, err := LoadCredentials(ctx, store, "missing"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound, got %v", err)
	}
	if _, err := LoadCredentials(ctx, store, "invalid"); err == nil {
		t.Error("expected decode error for invalid JSON")
	}
}

type fakeSecretsManager struct {
	calls int
	value *string
	err   error
}

func (f *fakeSecretsManager) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &secretsmanager.GetSecretValueOutput{Name: params.SecretId, SecretString: f.value}, nil
}

func TestAWSSecretsManager_Caches(t *testing.T) {
	fake := &fakeSecretsManager{value: aws.String(`{"openai":"sk"}`)}
	sm := newAWSSecretsManager(fake)

	now := time.Now()
	sm.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := sm.GetSecret(ctx, "creds"); err != nil {
			t.Fatalf("GetSecret() error = %v", err)
		}
	}
	if fake.calls != 1 {
		t.Errorf("expected 1 upstream call, got %d", fake.calls)
	}

	now = now.Add(6 * time.Minute)
	sm.GetSecret(ctx, "creds")
	if fake.calls != 2 {
		t.Errorf("expected refetch after TTL, got %d calls", fake.calls)
	}

	sm.ClearCache()
	sm.GetSecret(ctx, "creds")
	if fake.calls != 3 {
		t.Errorf("expected refetch after ClearCache, got %d calls", fake.calls)
	}
}

func TestAWSSecretsManager_Errors(t *testing.T) {
	ctx := context.Background()

	failing := newAWSSecretsManager(&fakeSecretsManager{err: errors.New("access denied")})
	if _, err := failing.GetSecret(ctx, "creds"); err == nil {
		t.Error("expected upstream error")
	}

	binary := newAWSSecretsManager(&fakeSecretsManager{})
	if _, err := binary.GetSecret(ctx, "creds"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound for missing SecretString, got %v", err)
	}
}
