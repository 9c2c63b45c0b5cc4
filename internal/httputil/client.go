package httputil

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/felipepmaragno/chatbridge/internal/domain"
)

type ClientConfig struct {
	Timeout             time.Duration
	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	IdleConnTimeout     time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	Proxy               func(*http.Request) (*url.URL, error)
	Headers             map[string]string
}

func DefaultConfig() ClientConfig {
	return ClientConfig{
		Timeout:             30 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		Proxy:               http.ProxyFromEnvironment,
	}
}

func NewClient(cfg ClientConfig) *http.Client {
	var transport http.RoundTripper = &http.Transport{
		Proxy: cfg.Proxy,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		ForceAttemptHTTP2:   true,
	}

	if len(cfg.Headers) > 0 {
		transport = &headerTransport{headers: cfg.Headers, next: transport}
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
}

// ForProvider builds the client a provider talks through: the provider's
// timeout bounds the whole call, its proxy applies per scheme, and its custom
// headers are added to every request.
func ForProvider(cfg domain.ProviderConfig) (*http.Client, error) {
	clientCfg := DefaultConfig()
	if cfg.Timeout > 0 {
		clientCfg.Timeout = cfg.TimeoutDuration()
	}

	if cfg.Proxy != nil && (cfg.Proxy.HTTP != "" || cfg.Proxy.HTTPS != "") {
		proxy, err := proxyFunc(cfg.Proxy)
		if err != nil {
			return nil, err
		}
		clientCfg.Proxy = proxy
	}

	if len(cfg.CustomHeaders) > 0 {
		clientCfg.Headers = make(map[string]string, len(cfg.CustomHeaders))
		for k, v := range cfg.CustomHeaders {
			clientCfg.Headers[k] = v
		}
	}

	return NewClient(clientCfg), nil
}

func proxyFunc(p *domain.Proxy) (func(*http.Request) (*url.URL, error), error) {
	byScheme := make(map[string]*url.URL, 2)
	for scheme, raw := range map[string]string{"http": p.HTTP, "https": p.HTTPS} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s proxy %q: %v", domain.ErrInvalidConfig, scheme, raw, err)
		}
		byScheme[scheme] = u
	}

	return func(req *http.Request) (*url.URL, error) {
		return byScheme[req.URL.Scheme], nil
	}, nil
}

type headerTransport struct {
	headers map[string]string
	next    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.next.RoundTrip(req)
}

// CloseIdleConnections lets http.Client.CloseIdleConnections reach the
// wrapped transport.
func (t *headerTransport) CloseIdleConnections() {
	if c, ok := t.next.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}
