package providers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// openRouterTransport injects the attribution headers OpenRouter asks
// integrators to send, modeled directly on the teacher's equivalent
// round-tripper for the same backend.
type openRouterTransport struct {
	apiKey string
	referer string
	title   string
	base    http.RoundTripper
}

func (t *openRouterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	if t.referer != "" {
		req.Header.Set("HTTP-Referer", t.referer)
	}
	if t.title != "" {
		req.Header.Set("X-Title", t.title)
	}
	return t.base.RoundTrip(req)
}

// OpenRouterConfig configures the OpenRouter adapter.
type OpenRouterConfig struct {
	APIKey  string
	Referer string
	Title   string
}

// OpenRouterProvider wraps CompatibleProvider with OpenRouter's
// attribution-header transport; the wire format is otherwise identical to
// any OpenAI-compatible backend, including reasoning_content round-tripping.
type OpenRouterProvider struct {
	*CompatibleProvider
}

func NewOpenRouterProvider(cfg OpenRouterConfig) (*OpenRouterProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openrouter: api key not configured")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = "https://openrouter.ai/api/v1"
	clientCfg.HTTPClient = &http.Client{
		Transport: &openRouterTransport{
			apiKey:  cfg.APIKey,
			referer: cfg.Referer,
			title:   cfg.Title,
			base:    http.DefaultTransport,
		},
	}

	client := openai.NewClientWithConfig(clientCfg)
	return &OpenRouterProvider{CompatibleProvider: &CompatibleProvider{
		client:     client,
		cfg:        CompatibleConfig{Credential: cfg.APIKey},
		httpClient: clientCfg.HTTPClient,
		baseURL:    clientCfg.BaseURL,
	}}, nil
}

var _ Provider = (*OpenRouterProvider)(nil)
