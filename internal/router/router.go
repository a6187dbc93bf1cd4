// Package router resolves a caller-supplied model identifier to a concrete
// (provider, model) pair, supporting hint-based named routes over a
// priority-ordered provider list.
package router

import (
	"context"
	"fmt"
	"strings"

	. "github.com/zveroz/zeroclaw/internal/logging"
	"github.com/zveroz/zeroclaw/internal/providers"
	"github.com/zveroz/zeroclaw/internal/types"
)

const hintPrefix = "hint:"

// NamedProvider pairs a provider with the name routes reference.
type NamedProvider struct {
	Name     string
	Provider providers.Provider
}

// Route is a named shortcut resolving to a specific (provider, model) pair.
type Route struct {
	ProviderIndex int
	Model         string
}

// Config holds the inputs needed to construct a Router.
type Config struct {
	Providers      []NamedProvider
	Routes         map[string]Route // keyed by hint name (without the "hint:" prefix)
	DefaultModel   string
	VisionOverride *bool
}

// Router resolves "hint:<name>" model strings against named routes,
// falling back to the default (provider[0], DefaultModel) otherwise.
type Router struct {
	providers      []NamedProvider
	routes         map[string]Route
	defaultModel   string
	visionOverride *bool
}

// New builds a Router. Routes referencing an out-of-range provider index
// are silently dropped with a warning rather than rejected; per spec this
// is not a construction error.
func New(cfg Config) (*Router, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("router: at least one provider required")
	}

	routes := make(map[string]Route, len(cfg.Routes))
	for hint, route := range cfg.Routes {
		if route.ProviderIndex < 0 || route.ProviderIndex >= len(cfg.Providers) {
			L_warn("router: dropping route referencing unknown provider", "hint", hint, "provider_index", route.ProviderIndex)
			continue
		}
		routes[hint] = route
	}

	return &Router{
		providers:      cfg.Providers,
		routes:         routes,
		defaultModel:   cfg.DefaultModel,
		visionOverride: cfg.VisionOverride,
	}, nil
}

// Resolve maps a caller-supplied model string to a concrete (provider
// index, model). A "hint:<name>" prefix is looked up in routes, falling
// back to the default route on a miss (also logged).
func (r *Router) Resolve(model string) (int, string) {
	if !strings.HasPrefix(model, hintPrefix) {
		return 0, model
	}
	hint := strings.TrimPrefix(model, hintPrefix)
	if route, ok := r.routes[hint]; ok {
		return route.ProviderIndex, route.Model
	}
	L_warn("router: unknown route hint, falling back to default", "hint", hint)
	return 0, r.defaultModel
}

func (r *Router) providerFor(model string) (providers.Provider, string) {
	idx, resolvedModel := r.Resolve(model)
	return r.providers[idx].Provider, resolvedModel
}

func (r *Router) ConvertTools(tools []types.ToolSpec) types.ToolsPayload {
	return r.providers[0].Provider.ConvertTools(tools)
}

func (r *Router) ChatWithSystem(ctx context.Context, system *string, message, model string, temperature float64) (string, error) {
	p, resolved := r.providerFor(model)
	return p.ChatWithSystem(ctx, system, message, resolved, temperature)
}

func (r *Router) ChatWithHistory(ctx context.Context, messages []types.ChatMessage, model string, temperature float64) (string, error) {
	p, resolved := r.providerFor(model)
	return p.ChatWithHistory(ctx, messages, resolved, temperature)
}

func (r *Router) Chat(ctx context.Context, req types.ChatRequest, model string, temperature float64) (*types.ChatResponse, error) {
	p, resolved := r.providerFor(model)
	return p.Chat(ctx, req, resolved, temperature)
}

func (r *Router) ChatWithTools(ctx context.Context, messages []types.ChatMessage, tools []map[string]any, model string, temperature float64) (*types.ChatResponse, error) {
	p, resolved := r.providerFor(model)
	return p.ChatWithTools(ctx, messages, tools, resolved, temperature)
}

// StreamChatWithSystem selects the first streaming-capable provider in
// priority order and forwards model to it unchanged; hint routes are not
// consulted.
func (r *Router) StreamChatWithSystem(ctx context.Context, system *string, message, model string, temperature float64, opts types.StreamOptions) (<-chan types.StreamChunk, error) {
	for _, p := range r.providers {
		if p.Provider.SupportsStreaming() {
			return p.Provider.StreamChatWithSystem(ctx, system, message, model, temperature, opts)
		}
	}
	return nil, fmt.Errorf("router: no streaming-capable provider configured")
}

func (r *Router) Capabilities() types.ProviderCapabilities {
	caps := types.ProviderCapabilities{
		NativeToolCalling: r.providers[0].Provider.Capabilities().NativeToolCalling,
	}
	if r.visionOverride != nil {
		caps.Vision = *r.visionOverride
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

func (r *Router) SupportsNativeTools() bool { return r.Capabilities().NativeToolCalling }
func (r *Router) SupportsVision() bool      { return r.Capabilities().Vision }
func (r *Router) SupportsStreaming() bool {
	for _, p := range r.providers {
		if p.Provider.SupportsStreaming() {
			return true
		}
	}
	return false
}

func (r *Router) Warmup(ctx context.Context) error {
	for _, p := range r.providers {
		if err := p.Provider.Warmup(ctx); err != nil {
			L_warn("router: warmup failed", "provider", p.Name, "error", providers.Sanitize(err.Error()))
		}
	}
	return nil
}

var _ providers.Provider = (*Router)(nil)
