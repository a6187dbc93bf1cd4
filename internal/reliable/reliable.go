// Package reliable wraps a priority-ordered list of providers with retry,
// provider failover, model failover, and API-key rotation.
package reliable

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"dario.cat/mergo"

	. "github.com/zveroz/zeroclaw/internal/logging"
	"github.com/zveroz/zeroclaw/internal/providers"
	"github.com/zveroz/zeroclaw/internal/types"
)

// NamedProvider pairs a provider with the name used in logs and
// model_fallbacks lookups.
type NamedProvider struct {
	Name     string
	Provider providers.Provider
}

// Config holds the resolution inputs for a Reliable wrapper. Zero values
// are filled from Defaults() via mergo before use.
type Config struct {
	MaxRetries     uint32
	BaseBackoffMs  uint64
	APIKeys        []string
	ModelFallbacks map[string][]string
	VisionOverride *bool
}

// Defaults returns the baseline Config merged beneath any caller-supplied
// overrides.
func Defaults() Config {
	return Config{
		MaxRetries:    2,
		BaseBackoffMs: 500,
	}
}

const maxBackoffMs = 10_000
const maxRetryAfterMs = 30_000

// Reliable is a provider wrapper implementing retry/failover/rotation. It
// satisfies providers.Provider so it composes transparently with Router.
type Reliable struct {
	providers []NamedProvider
	cfg       Config

	mu          sync.Mutex
	keyRotation int
}

// New builds a Reliable wrapper. cfg is merged over Defaults(): any zero
// field in cfg is replaced by the default.
func New(named []NamedProvider, cfg Config) (*Reliable, error) {
	if len(named) == 0 {
		return nil, fmt.Errorf("reliable: at least one provider required")
	}
	merged := Defaults()
	if err := mergo.Merge(&merged, cfg, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("reliable: merging config: %w", err)
	}
	if merged.BaseBackoffMs < 50 {
		merged.BaseBackoffMs = 50
	}
	return &Reliable{providers: named, cfg: merged}, nil
}

// attemptReason classifies one attempt outcome for the aggregated failure
// report.
type attemptReason string

const (
	reasonRetryable                attemptReason = "retryable"
	reasonRateLimited              attemptReason = "rate_limited"
	reasonRateLimitedNonRetryable  attemptReason = "rate_limited_non_retryable"
	reasonNonRetryable             attemptReason = "non_retryable"
)

type attemptRecord struct {
	provider string
	model    string
	attempt  uint32
	maxTries uint32
	reason   attemptReason
	detail   string
}

// contextWindowError aborts the whole request; no further model or
// provider fallback is attempted.
type contextWindowError struct {
	detail string
}

func (e *contextWindowError) Error() string {
	return "context window exceeded: " + e.detail
}

// aggregatedFailure joins every attempt record into the deterministic
// one-line-per-attempt report format.
type aggregatedFailure struct {
	records []attemptRecord
}

func (e *aggregatedFailure) Error() string {
	lines := make([]string, 0, len(e.records))
	for _, r := range e.records {
		lines = append(lines, fmt.Sprintf(
			"provider=%s model=%s attempt %d/%d: %s; error=%s",
			r.provider, r.model, r.attempt, r.maxTries, r.reason, providers.Sanitize(r.detail),
		))
	}
	return strings.Join(lines, "\n")
}

// providerModelChain computes the models to try for one (model, provider)
// pairing: the primary provider starts with model, then any provider-scoped
// remap is appended (deduped); non-primary providers only get the remap (or
// the bare model if there is none).
func providerModelChain(model, providerName string, isPrimary bool, fallbacks map[string][]string) []string {
	var chain []string
	if isPrimary {
		chain = append(chain, model)
	}
	if remap, ok := fallbacks[providerName]; ok {
		for _, m := range remap {
			if !contains(chain, m) {
				chain = append(chain, m)
			}
		}
	}
	if len(chain) == 0 {
		chain = []string{model}
	}
	return chain
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// modelChainForModel expands the top-level model-fallback chain: [model, then any
// chain registered under "model" itself when that key isn't a provider
// name].
func (r *Reliable) modelChainForModel(model string) []string {
	chain := []string{model}
	if extra, ok := r.cfg.ModelFallbacks[model]; ok && !r.isProviderName(model) {
		for _, m := range extra {
			if !contains(chain, m) {
				chain = append(chain, m)
			}
		}
	}
	return chain
}

func (r *Reliable) isProviderName(name string) bool {
	for _, p := range r.providers {
		if p.Name == name {
			return true
		}
	}
	return false
}

// Call runs the full retry/failover loop for one logical request, invoking
// fn(ctx, provider, model) for each attempt. fn should perform exactly one
// network call using the given provider and model.
func (r *Reliable) Call(ctx context.Context, model string, fn func(ctx context.Context, p providers.Provider, model string) (*types.ChatResponse, error)) (*types.ChatResponse, error) {
	var records []attemptRecord

	for _, currentModel := range r.modelChainForModel(model) {
		for i, np := range r.providers {
			modelsToTry := providerModelChain(currentModel, np.Name, i == 0, r.cfg.ModelFallbacks)

			for _, sentModel := range modelsToTry {
				backoff := r.cfg.BaseBackoffMs

				for attempt := uint32(0); attempt <= r.cfg.MaxRetries; attempt++ {
					resp, err := fn(ctx, np.Provider, sentModel)
					if err == nil {
						return resp, nil
					}

					statusCode, body := extractStatus(err)

					if providers.IsContextWindowExceeded(body) {
						return nil, &contextWindowError{detail: providers.Sanitize(body)}
					}

					reason := classify(statusCode, body)
					records = append(records, attemptRecord{
						provider: np.Name, model: sentModel,
						attempt: attempt, maxTries: r.cfg.MaxRetries,
						reason: reason, detail: err.Error(),
					})

					if reason == reasonNonRetryable || reason == reasonRateLimitedNonRetryable {
						break
					}

					if reason == reasonRateLimited && len(r.cfg.APIKeys) > 0 {
						r.rotateKey(np.Name)
					}

					if attempt < r.cfg.MaxRetries {
						wait := backoff
						if ms, ok := providers.FindRetryAfter("", body); ok {
							if ms < r.cfg.BaseBackoffMs {
								ms = r.cfg.BaseBackoffMs
							}
							if ms > maxRetryAfterMs {
								ms = maxRetryAfterMs
							}
							wait = uint64(ms)
						}
						select {
						case <-ctx.Done():
							return nil, ctx.Err()
						case <-time.After(time.Duration(wait) * time.Millisecond):
						}
						backoff *= 2
						if backoff > maxBackoffMs {
							backoff = maxBackoffMs
						}
					}
				}
				L_warn("reliable: exhausted retries", "provider", np.Name, "model", sentModel)
			}
		}
	}

	return nil, &aggregatedFailure{records: records}
}

// rotateKey advances the round-robin key index and logs the rotation
// intent. Applying the rotated key at the provider layer is left to the
// caller that constructed the provider set; this method only records and
// logs the event deterministically.
func (r *Reliable) rotateKey(providerName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keyRotation = (r.keyRotation + 1) % len(r.cfg.APIKeys)
	L_info("reliable: rotating API key after rate limit", "provider", providerName, "key_index", r.keyRotation)
}

func classify(statusCode int, body string) attemptReason {
	if providers.IsNonRetryableRateLimit(statusCode, body) {
		return reasonRateLimitedNonRetryable
	}
	if providers.IsRateLimited(statusCode, body) {
		return reasonRateLimited
	}
	if providers.IsNonRetryable(statusCode, body) {
		return reasonNonRetryable
	}
	return reasonRetryable
}

// statusCoder is implemented by adapter errors that carry an HTTP status;
// adapters that only return opaque errors fall back to status 0, relying
// on phrase-matching in the body text.
type statusCoder interface {
	StatusCode() int
}

func extractStatus(err error) (int, string) {
	if sc, ok := err.(statusCoder); ok {
		return sc.StatusCode(), err.Error()
	}
	return 0, err.Error()
}

// ConvertTools delegates to the primary provider, mirroring its native
// tool-calling behavior (or prompt-guided fallback).
func (r *Reliable) ConvertTools(tools []types.ToolSpec) types.ToolsPayload {
	return r.providers[0].Provider.ConvertTools(tools)
}

func (r *Reliable) ChatWithSystem(ctx context.Context, system *string, message, model string, temperature float64) (string, error) {
	messages := []types.ChatMessage{{Role: "user", Content: message}}
	if system != nil {
		messages = append([]types.ChatMessage{{Role: "system", Content: *system}}, messages...)
	}
	return r.ChatWithHistory(ctx, messages, model, temperature)
}

func (r *Reliable) ChatWithHistory(ctx context.Context, messages []types.ChatMessage, model string, temperature float64) (string, error) {
	resp, err := r.Chat(ctx, types.ChatRequest{Messages: messages}, model, temperature)
	if err != nil {
		return "", err
	}
	if resp.Text == nil {
		return "", nil
	}
	return *resp.Text, nil
}

func (r *Reliable) Chat(ctx context.Context, req types.ChatRequest, model string, temperature float64) (*types.ChatResponse, error) {
	return r.Call(ctx, model, func(ctx context.Context, p providers.Provider, sentModel string) (*types.ChatResponse, error) {
		return p.Chat(ctx, req, sentModel, temperature)
	})
}

func (r *Reliable) ChatWithTools(ctx context.Context, messages []types.ChatMessage, tools []map[string]any, model string, temperature float64) (*types.ChatResponse, error) {
	return r.Call(ctx, model, func(ctx context.Context, p providers.Provider, sentModel string) (*types.ChatResponse, error) {
		return p.ChatWithTools(ctx, messages, tools, sentModel, temperature)
	})
}

// StreamChatWithSystem delegates to the first streaming-capable provider in
// priority order; it does not retry across providers mid-stream (a partial
// stream cannot be safely replayed).
func (r *Reliable) StreamChatWithSystem(ctx context.Context, system *string, message, model string, temperature float64, opts types.StreamOptions) (<-chan types.StreamChunk, error) {
	for _, p := range r.providers {
		if p.Provider.SupportsStreaming() {
			return p.Provider.StreamChatWithSystem(ctx, system, message, model, temperature, opts)
		}
	}
	return nil, fmt.Errorf("reliable: no streaming-capable provider configured")
}

// Capabilities aggregates across the wrapped providers per spec: native
// tool support mirrors the primary provider; vision honors an explicit
// override or else "any provider supports vision"; streaming is "any
// provider supports streaming".
func (r *Reliable) Capabilities() types.ProviderCapabilities {
	caps := types.ProviderCapabilities{
		NativeToolCalling: r.providers[0].Provider.Capabilities().NativeToolCalling,
	}
	if r.cfg.VisionOverride != nil {
		caps.Vision = *r.cfg.VisionOverride
	} else {
		for _, p := range r.providers {
			if p.Provider.Capabilities().Vision {
				caps.Vision = true
				break
			}
		}
	}
	return caps
}

func (r *Reliable) SupportsNativeTools() bool { return r.Capabilities().NativeToolCalling }
func (r *Reliable) SupportsVision() bool      { return r.Capabilities().Vision }
func (r *Reliable) SupportsStreaming() bool {
	for _, p := range r.providers {
		if p.Provider.SupportsStreaming() {
			return true
		}
	}
	return false
}

// Warmup iterates all wrapped providers, logging and swallowing individual
// failures so one misconfigured backend doesn't block startup.
func (r *Reliable) Warmup(ctx context.Context) error {
	for _, p := range r.providers {
		if err := p.Provider.Warmup(ctx); err != nil {
			L_warn("reliable: warmup failed", "provider", p.Name, "error", providers.Sanitize(err.Error()))
		}
	}
	return nil
}

var _ providers.Provider = (*Reliable)(nil)
