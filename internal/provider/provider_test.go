package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/felipepmaragno/chatbridge/internal/domain"
	"github.com/felipepmaragno/chatbridge/internal/provider/gemini"
	"github.com/felipepmaragno/chatbridge/internal/provider/openai"
)

type MockClient struct {
	IDValue                  domain.ProviderID
	TestConnectionFunc       func(ctx context.Context) domain.ConnectionResult
	ModelsFunc               func(ctx context.Context) ([]string, error)
	ChatCompletionFunc       func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
	ChatCompletionStreamFunc func(ctx context.Context, req domain.ChatRequest, onFragment func(string)) (<-chan string, <-chan error)
	closed                   atomic.Int32
}

func (m *MockClient) ID() domain.ProviderID { return m.IDValue }

func (m *MockClient) TestConnection(ctx context.Context) domain.ConnectionResult {
	if m.TestConnectionFunc != nil {
		return m.TestConnectionFunc(ctx)
	}
	return domain.ConnectionResult{Success: true, ModelCount: 1}
}

func (m *MockClient) Models(ctx context.Context) ([]string, error) {
	if m.ModelsFunc != nil {
		return m.ModelsFunc(ctx)
	}
	return []string{"mock-model"}, nil
}

func (m *MockClient) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if m.ChatCompletionFunc != nil {
		return m.ChatCompletionFunc(ctx, req)
	}
	return &domain.ChatResponse{}, nil
}

func (m *MockClient) ChatCompletionStream(ctx context.Context, req domain.ChatRequest, onFragment func(string)) (<-chan string, <-chan error) {
	if m.ChatCompletionStreamFunc != nil {
		return m.ChatCompletionStreamFunc(ctx, req, onFragment)
	}
	out := make(chan string)
	errs := make(chan error, 1)
	close(out)
	close(errs)
	return out, errs
}

func (m *MockClient) Close() { m.closed.Add(1) }

func TestNew_SelectsVariant(t *testing.T) {
	tests := []struct {
		id         domain.ProviderID
		wantGemini bool
	}{
		{domain.ProviderGemini, true},
		{domain.ProviderDeepSeek, false},
		{domain.ProviderQianwen, false},
		{domain.ProviderOpenAI, false},
		{domain.ProviderNewAPI, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.id), func(t *testing.T) {
			client, err := New(tt.id, domain.ProviderConfig{APIKey: "k", Timeout: 5})
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			defer client.Close()

			_, isGemini := client.(*gemini.Provider)
			_, isOpenAI := client.(*openai.Provider)
			if isGemini != tt.wantGemini || isOpenAI == tt.wantGemini {
				t.Errorf("New(%s) returned %T", tt.id, client)
			}
			if client.ID() != tt.id {
				t.Errorf("ID() = %s, want %s", client.ID(), tt.id)
			}
		})
	}
}

func TestNew_UnknownProvider(t *testing.T) {
	if _, err := New("claude", domain.ProviderConfig{}); !errors.Is(err, domain.ErrProviderNotFound) {
		t.Errorf("expected ErrProviderNotFound, got %v", err)
	}
}

func countingFactory(built *atomic.Int32) Factory {
	return func(id domain.ProviderID, cfg domain.ProviderConfig) (Client, error) {
		built.Add(1)
		return &MockClient{IDValue: id}, nil
	}
}

func TestManager_GetCachesPerProvider(t *testing.T) {
	var built atomic.Int32
	m := NewManager(WithFactory(countingFactory(&built)))

	cfg := domain.ProviderConfig{Enabled: true, APIKey: "k", Model: "a"}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Get(domain.ProviderOpenAI, cfg)
		}()
	}
	wg.Wait()

	if built.Load() != 1 {
		t.Errorf("expected 1 client built, got %d", built.Load())
	}

	cfg.Model = "b"
	c1, _ := m.Get(domain.ProviderOpenAI, cfg)
	c2, _ := m.Get(domain.ProviderOpenAI, cfg)
	if c1 != c2 || built.Load() != 1 {
		t.Error("config changes must not rebuild a cached client")
	}

	m.Get(domain.ProviderDeepSeek, cfg)
	if built.Load() != 2 {
		t.Errorf("expected a separate client per provider, got %d builds", built.Load())
	}
}

func TestManager_GetFactoryError(t *testing.T) {
	boom := errors.New("boom")
	m := NewManager(WithFactory(func(domain.ProviderID, domain.ProviderConfig) (Client, error) {
		return nil, boom
	}))

	if _, err := m.Get(domain.ProviderOpenAI, domain.ProviderConfig{}); !errors.Is(err, boom) {
		t.Errorf("expected factory error, got %v", err)
	}
}

func TestManager_InvalidateAndCloseAll(t *testing.T) {
	var built atomic.Int32
	m := NewManager(WithFactory(countingFactory(&built)))

	first, _ := m.Get(domain.ProviderOpenAI, domain.ProviderConfig{})
	m.Invalidate(domain.ProviderOpenAI)
	if first.(*MockClient).closed.Load() != 1 {
		t.Error("Invalidate should close the cached client")
	}

	second, _ := m.Get(domain.ProviderOpenAI, domain.ProviderConfig{})
	if first == second {
		t.Error("expected a rebuilt client after Invalidate")
	}

	gem, _ := m.Get(domain.ProviderGemini, domain.ProviderConfig{})
	m.CloseAll()

	if second.(*MockClient).closed.Load() != 1 || gem.(*MockClient).closed.Load() != 1 {
		t.Error("CloseAll should close every cached client")
	}

	third, _ := m.Get(domain.ProviderOpenAI, domain.ProviderConfig{})
	if third == second {
		t.Error("CloseAll should forget cached clients")
	}
}

func TestManager_TestAll(t *testing.T) {
	var mu sync.Mutex
	var built []*MockClient
	m := NewManager(WithFactory(func(id domain.ProviderID, cfg domain.ProviderConfig) (Client, error) {
		c := &MockClient{IDValue: id, TestConnectionFunc: func(context.Context) domain.ConnectionResult {
			if id == domain.ProviderQianwen {
				return domain.ConnectionResult{Success: false, Error: "status=401"}
			}
			return domain.ConnectionResult{Success: true, ResponseTimeMs: 12, ModelCount: 3}
		}}
		mu.Lock()
		built = append(built, c)
		mu.Unlock()
		return c, nil
	}))

	results := m.TestAll(context.Background(), map[domain.ProviderID]domain.ProviderConfig{
		domain.ProviderDeepSeek: {Enabled: true, APIKey: "k"},
		domain.ProviderQianwen:  {Enabled: true, APIKey: "k"},
		domain.ProviderOpenAI:   {Enabled: true},
		domain.ProviderGemini:   {Enabled: false, APIKey: "k"},
	})

	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	if r := results[domain.ProviderDeepSeek]; !r.Success || r.ModelCount != 3 {
		t.Errorf("deepseek = %+v", r)
	}
	if r := results[domain.ProviderQianwen]; r.Success || r.Error != "status=401" {
		t.Errorf("qianwen = %+v", r)
	}
	for _, id := range []domain.ProviderID{domain.ProviderOpenAI, domain.ProviderGemini} {
		if r := results[id]; r.Success || r.Error != "not enabled or missing API key" {
			t.Errorf("%s = %+v", id, r)
		}
	}

	if len(built) != 2 {
		t.Errorf("only usable providers should be probed, built %d clients", len(built))
	}
	for _, c := range built {
		if c.closed.Load() != 1 {
			t.Errorf("probe client for %s was not closed", c.IDValue)
		}
	}
}

func TestManager_TestAllRealClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"id":"a"},{"id":"b"}]}`))
	}))
	defer server.Close()

	m := NewManager()
	results := m.TestAll(context.Background(), map[domain.ProviderID]domain.ProviderConfig{
		domain.ProviderNewAPI: {Enabled: true, APIKey: "k", BaseURL: server.URL, Timeout: 5},
	})

	if r := results[domain.ProviderNewAPI]; !r.Success || r.ModelCount != 2 {
		t.Errorf("newapi = %+v", r)
	}
}

func TestManager_Breaker(t *testing.T) {
	m := NewManager()

	if m.Breaker(domain.ProviderOpenAI) != m.Breaker(domain.ProviderOpenAI) {
		t.Error("expected the same breaker per provider")
	}
	if m.Breaker(domain.ProviderOpenAI) == m.Breaker(domain.ProviderGemini) {
		t.Error("expected separate breakers per provider")
	}
	if len(m.BreakerStates()) != 2 {
		t.Errorf("BreakerStates() = %v", m.BreakerStates())
	}
}
