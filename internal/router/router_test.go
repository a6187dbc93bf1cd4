package router

import (
	"context"
	"testing"

	"github.com/zveroz/zeroclaw/internal/providers"
	"github.com/zveroz/zeroclaw/internal/types"
)

// fakeProvider is a minimal stub Provider for exercising routing logic
// without any network-backed adapter.
type fakeProvider struct {
	name          string
	vision        bool
	nativeTools   bool
	streaming     bool
	warmupErr     error
	lastModelSeen string
}

func (f *fakeProvider) Capabilities() types.ProviderCapabilities {
	return types.ProviderCapabilities{NativeToolCalling: f.nativeTools, Vision: f.vision}
}

func (f *fakeProvider) ConvertTools(tools []types.ToolSpec) types.ToolsPayload {
	return providers.DefaultConvertTools(tools)
}

func (f *fakeProvider) ChatWithSystem(ctx context.Context, system *string, message, model string, temperature float64) (string, error) {
	f.lastModelSeen = model
	return "ok:" + f.name, nil
}

func (f *fakeProvider) ChatWithHistory(ctx context.Context, messages []types.ChatMessage, model string, temperature float64) (string, error) {
	f.lastModelSeen = model
	return "ok:" + f.name, nil
}

func (f *fakeProvider) Chat(ctx context.Context, req types.ChatRequest, model string, temperature float64) (*types.ChatResponse, error) {
	f.lastModelSeen = model
	text := "ok:" + f.name
	return &types.ChatResponse{Text: &text}, nil
}

func (f *fakeProvider) ChatWithTools(ctx context.Context, messages []types.ChatMessage, tools []map[string]any, model string, temperature float64) (*types.ChatResponse, error) {
	f.lastModelSeen = model
	text := "ok:" + f.name
	return &types.ChatResponse{Text: &text}, nil
}

func (f *fakeProvider) SupportsNativeTools() bool { return f.nativeTools }
func (f *fakeProvider) SupportsVision() bool      { return f.vision }
func (f *fakeProvider) SupportsStreaming() bool   { return f.streaming }

func (f *fakeProvider) StreamChatWithSystem(ctx context.Context, system *string, message, model string, temperature float64, opts types.StreamOptions) (<-chan types.StreamChunk, error) {
	ch := make(chan types.StreamChunk, 1)
	ch <- types.FinalChunk()
	close(ch)
	return ch, nil
}

func (f *fakeProvider) Warmup(ctx context.Context) error { return f.warmupErr }

var _ providers.Provider = (*fakeProvider)(nil)

func TestNewRejectsEmptyProviders(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error with no providers configured")
	}
}

func TestResolveBareModelUsesFirstProvider(t *testing.T) {
	p0 := &fakeProvider{name: "p0"}
	p1 := &fakeProvider{name: "p1"}
	r, err := New(Config{
		Providers:    []NamedProvider{{Name: "p0", Provider: p0}, {Name: "p1", Provider: p1}},
		DefaultModel: "default-model",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	idx, model := r.Resolve("gpt-4")
	if idx != 0 || model != "gpt-4" {
		t.Fatalf("got (%d, %q), want (0, %q)", idx, model, "gpt-4")
	}
}

func TestResolveHintRoutesToNamedProvider(t *testing.T) {
	p0 := &fakeProvider{name: "p0"}
	p1 := &fakeProvider{name: "p1"}
	r, err := New(Config{
		Providers: []NamedProvider{{Name: "p0", Provider: p0}, {Name: "p1", Provider: p1}},
		Routes: map[string]Route{
			"fast": {ProviderIndex: 1, Model: "fast-model"},
		},
		DefaultModel: "default-model",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	idx, model := r.Resolve("hint:fast")
	if idx != 1 || model != "fast-model" {
		t.Fatalf("got (%d, %q), want (1, %q)", idx, model, "fast-model")
	}
}

func TestResolveUnknownHintFallsBackToDefault(t *testing.T) {
	p0 := &fakeProvider{name: "p0"}
	r, err := New(Config{
		Providers:    []NamedProvider{{Name: "p0", Provider: p0}},
		DefaultModel: "default-model",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	idx, model := r.Resolve("hint:missing")
	if idx != 0 || model != "default-model" {
		t.Fatalf("got (%d, %q), want (0, %q)", idx, model, "default-model")
	}
}

func TestNewDropsRouteWithOutOfRangeProviderIndex(t *testing.T) {
	p0 := &fakeProvider{name: "p0"}
	r, err := New(Config{
		Providers: []NamedProvider{{Name: "p0", Provider: p0}},
		Routes: map[string]Route{
			"bogus": {ProviderIndex: 5, Model: "whatever"},
		},
		DefaultModel: "default-model",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	idx, model := r.Resolve("hint:bogus")
	if idx != 0 || model != "default-model" {
		t.Fatalf("expected dropped route to fall back to default, got (%d, %q)", idx, model)
	}
}

func TestChatWithSystemDispatchesToResolvedProvider(t *testing.T) {
	p0 := &fakeProvider{name: "p0"}
	p1 := &fakeProvider{name: "p1"}
	r, err := New(Config{
		Providers: []NamedProvider{{Name: "p0", Provider: p0}, {Name: "p1", Provider: p1}},
		Routes: map[string]Route{
			"fast": {ProviderIndex: 1, Model: "fast-model"},
		},
		DefaultModel: "default-model",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	reply, err := r.ChatWithSystem(context.Background(), nil, "hi", "hint:fast", 1.0)
	if err != nil {
		t.Fatalf("ChatWithSystem: %v", err)
	}
	if reply != "ok:p1" {
		t.Fatalf("expected routed provider p1 to respond, got %q", reply)
	}
	if p1.lastModelSeen != "fast-model" {
		t.Fatalf("expected resolved model to be forwarded, got %q", p1.lastModelSeen)
	}
	if p0.lastModelSeen != "" {
		t.Fatal("expected non-routed provider to remain untouched")
	}
}

func TestCapabilitiesAggregatesVisionAcrossProviders(t *testing.T) {
	p0 := &fakeProvider{name: "p0", vision: false, nativeTools: true}
	p1 := &fakeProvider{name: "p1", vision: true}
	r, err := New(Config{
		Providers:    []NamedProvider{{Name: "p0", Provider: p0}, {Name: "p1", Provider: p1}},
		DefaultModel: "default-model",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	caps := r.Capabilities()
	if !caps.Vision {
		t.Fatal("expected vision to be true when any provider supports it")
	}
	if !caps.NativeToolCalling {
		t.Fatal("expected native tool calling to mirror the primary provider")
	}
}

func TestCapabilitiesVisionOverrideWins(t *testing.T) {
	p0 := &fakeProvider{name: "p0", vision: true}
	forceOff := false
	r, err := New(Config{
		Providers:      []NamedProvider{{Name: "p0", Provider: p0}},
		DefaultModel:   "default-model",
		VisionOverride: &forceOff,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.Capabilities().Vision {
		t.Fatal("expected explicit override to suppress vision capability")
	}
}

func TestSupportsStreamingRequiresAtLeastOneProvider(t *testing.T) {
	p0 := &fakeProvider{name: "p0", streaming: false}
	p1 := &fakeProvider{name: "p1", streaming: true}
	r, err := New(Config{
		Providers:    []NamedProvider{{Name: "p0", Provider: p0}, {Name: "p1", Provider: p1}},
		DefaultModel: "default-model",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !r.SupportsStreaming() {
		t.Fatal("expected streaming support when at least one provider supports it")
	}
}

func TestWarmupSwallowsPerProviderErrors(t *testing.T) {
	p0 := &fakeProvider{name: "p0", warmupErr: context.DeadlineExceeded}
	p1 := &fakeProvider{name: "p1"}
	r, err := New(Config{
		Providers:    []NamedProvider{{Name: "p0", Provider: p0}, {Name: "p1", Provider: p1}},
		DefaultModel: "default-model",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Warmup(context.Background()); err != nil {
		t.Fatalf("expected Warmup to swallow per-provider errors, got %v", err)
	}
}
