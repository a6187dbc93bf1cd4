package reliable

import (
	"context"
	"errors"
	"testing"

	"github.com/zveroz/zeroclaw/internal/providers"
	"github.com/zveroz/zeroclaw/internal/types"
)

// statusError carries an HTTP-like status code, letting tests drive the
// classify() branches that extractStatus inspects via the statusCoder
// interface.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string  { return e.body }
func (e *statusError) StatusCode() int { return e.code }

// fakeProvider is a minimal stub Provider. errs supplies one error per call
// (nil meaning success); once exhausted it keeps returning the last entry.
type fakeProvider struct {
	errs      []error
	calls     int
	warmupErr error
}

func (f *fakeProvider) nextErr() error {
	if len(f.errs) == 0 {
		return nil
	}
	idx := f.calls
	if idx >= len(f.errs) {
		idx = len(f.errs) - 1
	}
	return f.errs[idx]
}

func (f *fakeProvider) Capabilities() types.ProviderCapabilities { return types.ProviderCapabilities{} }
func (f *fakeProvider) ConvertTools(tools []types.ToolSpec) types.ToolsPayload {
	return providers.DefaultConvertTools(tools)
}
func (f *fakeProvider) ChatWithSystem(ctx context.Context, system *string, message, model string, temperature float64) (string, error) {
	return "", nil
}
func (f *fakeProvider) ChatWithHistory(ctx context.Context, messages []types.ChatMessage, model string, temperature float64) (string, error) {
	return "", nil
}
func (f *fakeProvider) Chat(ctx context.Context, req types.ChatRequest, model string, temperature float64) (*types.ChatResponse, error) {
	err := f.nextErr()
	f.calls++
	if err != nil {
		return nil, err
	}
	text := "ok"
	return &types.ChatResponse{Text: &text}, nil
}
func (f *fakeProvider) ChatWithTools(ctx context.Context, messages []types.ChatMessage, tools []map[string]any, model string, temperature float64) (*types.ChatResponse, error) {
	return f.Chat(ctx, types.ChatRequest{Messages: messages}, model, temperature)
}
func (f *fakeProvider) SupportsNativeTools() bool { return false }
func (f *fakeProvider) SupportsVision() bool      { return false }
func (f *fakeProvider) SupportsStreaming() bool   { return false }
func (f *fakeProvider) StreamChatWithSystem(ctx context.Context, system *string, message, model string, temperature float64, opts types.StreamOptions) (<-chan types.StreamChunk, error) {
	return nil, errors.New("streaming not supported")
}
func (f *fakeProvider) Warmup(ctx context.Context) error { return f.warmupErr }

var _ providers.Provider = (*fakeProvider)(nil)

func fastConfig() Config {
	return Config{MaxRetries: 1, BaseBackoffMs: 1}
}

func TestNewRejectsEmptyProviderList(t *testing.T) {
	if _, err := New(nil, Defaults()); err == nil {
		t.Fatal("expected error with no providers configured")
	}
}

func TestNewMergesZeroFieldsFromDefaults(t *testing.T) {
	p := &fakeProvider{}
	r, err := New([]NamedProvider{{Name: "p", Provider: p}}, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.cfg.MaxRetries != 2 || r.cfg.BaseBackoffMs != 500 {
		t.Fatalf("expected defaults to fill zero fields, got %+v", r.cfg)
	}
}

func TestNewClampsTinyBackoffTo50ms(t *testing.T) {
	p := &fakeProvider{}
	r, err := New([]NamedProvider{{Name: "p", Provider: p}}, Config{MaxRetries: 1, BaseBackoffMs: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.cfg.BaseBackoffMs != 50 {
		t.Fatalf("expected backoff clamped to 50ms, got %d", r.cfg.BaseBackoffMs)
	}
}

func TestCallSucceedsOnFirstAttempt(t *testing.T) {
	p := &fakeProvider{}
	r, err := New([]NamedProvider{{Name: "p", Provider: p}}, fastConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := r.Chat(context.Background(), types.ChatRequest{}, "m", 1.0)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Text == nil || *resp.Text != "ok" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if p.calls != 1 {
		t.Fatalf("expected exactly one call, got %d", p.calls)
	}
}

func TestCallRetriesRetryableErrorThenSucceeds(t *testing.T) {
	p := &fakeProvider{errs: []error{
		&statusError{code: 500, body: "internal error"},
		nil,
	}}
	r, err := New([]NamedProvider{{Name: "p", Provider: p}}, fastConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := r.Chat(context.Background(), types.ChatRequest{}, "m", 1.0)
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if resp.Text == nil || *resp.Text != "ok" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if p.calls != 2 {
		t.Fatalf("expected retry then success (2 calls), got %d", p.calls)
	}
}

func TestCallStopsEarlyOnNonRetryableError(t *testing.T) {
	p := &fakeProvider{errs: []error{
		&statusError{code: 401, body: "unauthorized"},
	}}
	r, err := New([]NamedProvider{{Name: "p", Provider: p}}, fastConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = r.Chat(context.Background(), types.ChatRequest{}, "m", 1.0)
	if err == nil {
		t.Fatal("expected failure")
	}
	if p.calls != 1 {
		t.Fatalf("expected non-retryable error to stop after one attempt, got %d calls", p.calls)
	}
}

func TestCallFailsOverToSecondProvider(t *testing.T) {
	bad := &fakeProvider{errs: []error{&statusError{code: 500, body: "boom"}}}
	good := &fakeProvider{}
	r, err := New([]NamedProvider{
		{Name: "bad", Provider: bad},
		{Name: "good", Provider: good},
	}, fastConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := r.Chat(context.Background(), types.ChatRequest{}, "m", 1.0)
	if err != nil {
		t.Fatalf("expected failover to succeed, got %v", err)
	}
	if resp.Text == nil || *resp.Text != "ok" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if good.calls != 1 {
		t.Fatalf("expected fallback provider to be called once, got %d", good.calls)
	}
}

func TestCallAbortsImmediatelyOnContextWindowExceeded(t *testing.T) {
	p := &fakeProvider{errs: []error{
		&statusError{code: 400, body: "exceeds the context window of the model"},
	}}
	good := &fakeProvider{}
	r, err := New([]NamedProvider{
		{Name: "p", Provider: p},
		{Name: "good", Provider: good},
	}, fastConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = r.Chat(context.Background(), types.ChatRequest{}, "m", 1.0)
	if err == nil {
		t.Fatal("expected context window error")
	}
	if good.calls != 0 {
		t.Fatal("expected context window overflow to abort before trying fallback providers")
	}
}

func TestCallExhaustsAllProvidersAndAggregates(t *testing.T) {
	p1 := &fakeProvider{errs: []error{&statusError{code: 500, body: "err1"}}}
	p2 := &fakeProvider{errs: []error{&statusError{code: 500, body: "err2"}}}
	r, err := New([]NamedProvider{
		{Name: "p1", Provider: p1},
		{Name: "p2", Provider: p2},
	}, fastConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = r.Chat(context.Background(), types.ChatRequest{}, "m", 1.0)
	if err == nil {
		t.Fatal("expected aggregated failure when every provider is exhausted")
	}
	if _, ok := err.(*aggregatedFailure); !ok {
		t.Fatalf("expected *aggregatedFailure, got %T", err)
	}
}

func TestModelChainForModelExpandsTopLevelFallbacks(t *testing.T) {
	p := &fakeProvider{}
	r, err := New([]NamedProvider{{Name: "p", Provider: p}}, Config{
		MaxRetries:    1,
		BaseBackoffMs: 1,
		ModelFallbacks: map[string][]string{
			"gpt-4": {"gpt-4-turbo", "gpt-3.5"},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	chain := r.modelChainForModel("gpt-4")
	want := []string{"gpt-4", "gpt-4-turbo", "gpt-3.5"}
	if len(chain) != len(want) {
		t.Fatalf("got %v, want %v", chain, want)
	}
	for i := range want {
		if chain[i] != want[i] {
			t.Fatalf("got %v, want %v", chain, want)
		}
	}
}

func TestModelChainForModelSkipsFallbackWhenKeyIsProviderName(t *testing.T) {
	p := &fakeProvider{}
	r, err := New([]NamedProvider{{Name: "router", Provider: p}}, Config{
		MaxRetries:    1,
		BaseBackoffMs: 1,
		ModelFallbacks: map[string][]string{
			"router": {"should-not-appear"},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	chain := r.modelChainForModel("router")
	if len(chain) != 1 || chain[0] != "router" {
		t.Fatalf("expected provider-name key to be ignored as a model fallback chain, got %v", chain)
	}
}

func TestProviderModelChainPrimaryVsFallback(t *testing.T) {
	fallbacks := map[string][]string{"p1": {"remap-model"}}

	primary := providerModelChain("base-model", "p1", true, fallbacks)
	if len(primary) != 2 || primary[0] != "base-model" || primary[1] != "remap-model" {
		t.Fatalf("unexpected primary chain: %v", primary)
	}

	secondary := providerModelChain("base-model", "p2", false, fallbacks)
	if len(secondary) != 1 || secondary[0] != "base-model" {
		t.Fatalf("expected non-primary without a remap to fall back to the bare model, got %v", secondary)
	}
}

func TestCapabilitiesVisionOverride(t *testing.T) {
	p := &fakeProvider{}
	forceOn := true
	r, err := New([]NamedProvider{{Name: "p", Provider: p}}, Config{
		MaxRetries:     1,
		BaseBackoffMs:  1,
		VisionOverride: &forceOn,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !r.Capabilities().Vision {
		t.Fatal("expected vision override to force vision capability true")
	}
}

func TestWarmupSwallowsProviderErrors(t *testing.T) {
	p := &fakeProvider{warmupErr: errors.New("backend unreachable")}
	r, err := New([]NamedProvider{{Name: "p", Provider: p}}, fastConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Warmup(context.Background()); err != nil {
		t.Fatalf("expected Warmup to swallow per-provider errors, got %v", err)
	}
}
