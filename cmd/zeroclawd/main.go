package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	. "github.com/zveroz/zeroclaw/internal/logging"
	"github.com/zveroz/zeroclaw/internal/paths"
	"github.com/zveroz/zeroclaw/internal/providers"
	"github.com/zveroz/zeroclaw/internal/reliable"
	"github.com/zveroz/zeroclaw/internal/router"
	"github.com/zveroz/zeroclaw/internal/safety"
	"github.com/zveroz/zeroclaw/internal/secrets"
)

// version is set via ldflags: -X main.version=...
var version = "dev"

// CLI defines the command-line interface. Backend credentials are read
// from the environment (no config-file parsing in this module); see
// buildBackend for the exact variable names.
type CLI struct {
	Debug bool `help:"Enable debug logging" short:"d"`
	Trace bool `help:"Enable trace logging" short:"t"`

	Chat         ChatCmd         `cmd:"" help:"Send a single chat message through the reliable/router stack"`
	Warmup       WarmupCmd       `cmd:"" help:"Probe every configured provider with a minimal request"`
	Estop        EstopCmd        `cmd:"" help:"Inspect or engage the emergency stop"`
	Resume       ResumeCmd       `cmd:"" help:"Resume from an emergency stop, optionally gated by OTP"`
	OTP          OTPCmd          `cmd:"" help:"Show the OTP provisioning URI or generate the current code"`
	CopilotLogin CopilotLoginCmd `cmd:"copilot-login" help:"Run the GitHub device-code flow to authorize Copilot"`
	Version      VersionCmd      `cmd:"" help:"Show version"`
}

type Context struct {
	Debug bool
	Trace bool
}

// ChatCmd sends one message and prints the reply.
type ChatCmd struct {
	Model       string  `arg:"" help:"Model name, or hint:<name> to use a configured route"`
	Message     string  `arg:"" help:"User message"`
	System      string  `help:"Optional system prompt"`
	Temperature float64 `help:"Sampling temperature" default:"1.0"`
}

func (c *ChatCmd) Run(ctx *Context) error {
	backend, err := buildBackend(context.Background())
	if err != nil {
		return err
	}

	var system *string
	if c.System != "" {
		system = &c.System
	}

	reply, err := backend.ChatWithSystem(context.Background(), system, c.Message, c.Model, c.Temperature)
	if err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	fmt.Println(reply)
	return nil
}

// WarmupCmd probes every configured provider.
type WarmupCmd struct{}

func (w *WarmupCmd) Run(ctx *Context) error {
	backend, err := buildBackend(context.Background())
	if err != nil {
		return err
	}
	if err := backend.Warmup(context.Background()); err != nil {
		L_warn("warmup reported a failure", "error", err)
	}
	L_info("warmup complete")
	return nil
}

// EstopCmd shows state or engages a lockdown level.
type EstopCmd struct {
	Status  EstopStatusCmd  `cmd:"" default:"withargs" help:"Show current e-stop state"`
	Kill    EstopKillCmd    `cmd:"" help:"Engage full kill-all"`
	Network EstopNetworkCmd `cmd:"" help:"Engage network kill"`
	Domain  EstopDomainCmd  `cmd:"" help:"Block one or more domain patterns"`
	Freeze  EstopFreezeCmd  `cmd:"" help:"Freeze one or more tool names"`
}

type EstopStatusCmd struct{}

func (e *EstopStatusCmd) Run(ctx *Context) error {
	es, err := openEstop()
	if err != nil {
		return err
	}
	state := es.State()
	fmt.Printf("kill_all=%v network_kill=%v blocked_domains=%v frozen_tools=%v updated_at=%s\n",
		state.KillAll, state.NetworkKill, state.BlockedDomains, state.FrozenTools, state.UpdatedAt.Format(time.RFC3339))
	return nil
}

type EstopKillCmd struct{}

func (e *EstopKillCmd) Run(ctx *Context) error {
	es, err := openEstop()
	if err != nil {
		return err
	}
	if err := es.Engage(safety.KillAll, nil, nil); err != nil {
		return err
	}
	fmt.Println("kill-all engaged")
	return nil
}

type EstopNetworkCmd struct{}

func (e *EstopNetworkCmd) Run(ctx *Context) error {
	es, err := openEstop()
	if err != nil {
		return err
	}
	if err := es.Engage(safety.NetworkKill, nil, nil); err != nil {
		return err
	}
	fmt.Println("network kill engaged")
	return nil
}

type EstopDomainCmd struct {
	Patterns []string `arg:"" optional:"" help:"Glob-style domain patterns, or a named category via --category"`
	Category string   `help:"Expand a named category (banking, medical, government, identity_providers) instead of literal patterns"`
}

func (e *EstopDomainCmd) Run(ctx *Context) error {
	es, err := openEstop()
	if err != nil {
		return err
	}

	patterns := e.Patterns
	if e.Category != "" {
		expanded, err := safety.ExpandCategory(e.Category)
		if err != nil {
			return err
		}
		patterns = expanded
	}

	if err := es.Engage(safety.DomainBlock, patterns, nil); err != nil {
		return err
	}
	fmt.Printf("blocked %d domain pattern(s)\n", len(patterns))
	return nil
}

type EstopFreezeCmd struct {
	Tools []string `arg:"" help:"Tool names to freeze"`
}

func (e *EstopFreezeCmd) Run(ctx *Context) error {
	es, err := openEstop()
	if err != nil {
		return err
	}
	if err := es.Engage(safety.ToolFreeze, nil, e.Tools); err != nil {
		return err
	}
	fmt.Printf("froze %d tool(s)\n", len(e.Tools))
	return nil
}

// ResumeCmd clears selected e-stop bits, requiring a valid OTP code unless
// --no-otp is explicitly passed.
type ResumeCmd struct {
	All     bool     `help:"Clear kill_all and network_kill"`
	Domains []string `help:"Domain patterns to unblock"`
	Tools   []string `help:"Tool names to unfreeze"`
	Code    string   `help:"OTP code" default:""`
	NoOTP   bool     `help:"Skip OTP verification (not recommended)" name:"no-otp"`
}

func (r *ResumeCmd) Run(ctx *Context) error {
	es, err := openEstop()
	if err != nil {
		return err
	}

	selector := safety.ResumeSelector{
		KillAll:        r.All,
		NetworkKill:    r.All,
		DomainPatterns: r.Domains,
		Tools:          r.Tools,
	}

	var validator safety.ResumeValidator
	if !r.NoOTP {
		validator, err = openOTP()
		if err != nil {
			return err
		}
	}

	if err := es.Resume(selector, !r.NoOTP, r.Code, validator); err != nil {
		return err
	}
	fmt.Println("resumed")
	return nil
}

// OTPCmd shows provisioning info for the operator's authenticator app.
type OTPCmd struct {
	URI      OTPURICmd      `cmd:"" default:"withargs" help:"Print the otpauth:// provisioning URI"`
	Generate OTPGenerateCmd `cmd:"" help:"Print the current TOTP code (for testing)"`
}

type OTPURICmd struct{}

func (o *OTPURICmd) Run(ctx *Context) error {
	v, err := openOTP()
	if err != nil {
		return err
	}
	fmt.Println(v.OTPAuthURI())
	return nil
}

type OTPGenerateCmd struct{}

func (o *OTPGenerateCmd) Run(ctx *Context) error {
	v, err := openOTP()
	if err != nil {
		return err
	}
	fmt.Println(v.Generate(time.Now()))
	return nil
}

// CopilotLoginCmd runs the GitHub device-authorization flow and persists the
// resulting long-lived token under copilot/access-token.
type CopilotLoginCmd struct{}

func (c *CopilotLoginCmd) Run(ctx *Context) error {
	bgCtx := context.Background()
	userCode, verificationURI, deviceCode, interval, err := providers.StartDeviceFlow(bgCtx)
	if err != nil {
		return fmt.Errorf("copilot login: %w", err)
	}

	fmt.Printf("Go to %s and enter code: %s\n", verificationURI, userCode)
	fmt.Println("Waiting for authorization...")

	token, err := providers.PollDeviceFlow(bgCtx, deviceCode, interval)
	if err != nil {
		return fmt.Errorf("copilot login: %w", err)
	}

	tokenPath, err := paths.CopilotAccessTokenPath()
	if err != nil {
		return err
	}
	if err := paths.EnsureParentDir(tokenPath); err != nil {
		return err
	}
	if err := os.WriteFile(tokenPath, []byte(token), 0o600); err != nil {
		return fmt.Errorf("copilot login: persisting token: %w", err)
	}

	fmt.Println("Authorized. Token saved to", tokenPath)
	return nil
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (v *VersionCmd) Run(ctx *Context) error {
	fmt.Printf("zeroclawd %s\n", version)
	return nil
}

func openEstop() (*safety.Estop, error) {
	statePath, err := paths.EstopStatePath()
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureParentDir(statePath); err != nil {
		return nil, err
	}
	return safety.Open(statePath, safety.NewDomainMatcher())
}

func openSecretStore() (*secrets.Store, error) {
	keyPath, err := paths.SecretsKeyPath()
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureParentDir(keyPath); err != nil {
		return nil, err
	}
	return secrets.Open(keyPath)
}

func openOTP() (*safety.OTPValidator, error) {
	store, err := openSecretStore()
	if err != nil {
		return nil, err
	}
	secretPath, err := paths.OTPSecretPath()
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureParentDir(secretPath); err != nil {
		return nil, err
	}
	return safety.NewOTPValidator(secretPath, store, 30, 30)
}

// defaultModelDefaults gives each provider adapter a model id that actually
// resolves against its backend, for use as the router's fallback when a
// "hint:" route doesn't match any configured provider.
var defaultModelDefaults = map[string]string{
	"anthropic":  "claude-3-5-haiku-latest",
	"bedrock":    "anthropic.claude-3-5-haiku-20241022-v1:0",
	"gemini":     "gemini-2.0-flash",
	"ollama":     "llama3.1",
	"openrouter": "openai/gpt-4o-mini",
	"copilot":    "gpt-4o",
}

// defaultModelFor resolves the default model id for the primary provider so
// router.Resolve's unmatched-hint fallback sends a real model string instead
// of the provider's own name.
func defaultModelFor(providerName string) string {
	if m, ok := defaultModelDefaults[providerName]; ok {
		return m
	}
	return providerName
}

// buildBackend wires every provider whose credentials are present in the
// environment into a Router, then wraps the Router in a Reliable so that a
// single chat call gets retry and backoff. The Router is the Reliable's only
// provider and reliable.Defaults() sets no model fallbacks, so a failed call
// is not moved to another backend. Providers with no usable credentials are
// skipped with a warning rather than failing the whole process.
func buildBackend(ctx context.Context) (providers.Provider, error) {
	named := []reliable.NamedProvider{}
	routerNamed := []router.NamedProvider{}

	add := func(name string, p providers.Provider, err error) {
		if err != nil {
			L_warn("provider unavailable, skipping", "provider", name, "error", err)
			return
		}
		named = append(named, reliable.NamedProvider{Name: name, Provider: p})
		routerNamed = append(routerNamed, router.NamedProvider{Name: name, Provider: p})
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{Credential: key})
		add("anthropic", p, err)
	}

	if os.Getenv("AWS_ACCESS_KEY_ID") != "" || os.Getenv("AWS_REGION") != "" || os.Getenv("AWS_DEFAULT_REGION") != "" {
		region := os.Getenv("AWS_REGION")
		if region == "" {
			region = os.Getenv("AWS_DEFAULT_REGION")
		}
		p, err := providers.NewBedrockProvider(ctx, providers.BedrockConfig{
			Region:       region,
			AccessKey:    os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretKey:    os.Getenv("AWS_SECRET_ACCESS_KEY"),
			SessionToken: os.Getenv("AWS_SESSION_TOKEN"),
		})
		add("bedrock", p, err)
	}

	if os.Getenv("GEMINI_API_KEY") != "" || os.Getenv("GOOGLE_API_KEY") != "" {
		key := os.Getenv("GEMINI_API_KEY")
		if key == "" {
			key = os.Getenv("GOOGLE_API_KEY")
		}
		p, err := providers.NewGeminiProvider(providers.GeminiConfig{ExplicitKey: key})
		add("gemini", p, err)
	}

	if endpoint := os.Getenv("OLLAMA_ENDPOINT"); endpoint != "" || os.Getenv("OLLAMA_API_KEY") != "" {
		p, err := providers.NewOllamaProvider(providers.OllamaConfig{
			Endpoint: endpoint,
			APIKey:   os.Getenv("OLLAMA_API_KEY"),
		})
		add("ollama", p, err)
	}

	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		p, err := providers.NewOpenRouterProvider(providers.OpenRouterConfig{APIKey: key})
		add("openrouter", p, err)
	}

	if tokenPath, err := paths.CopilotAccessTokenPath(); err == nil {
		if data, rerr := os.ReadFile(tokenPath); rerr == nil {
			keyCachePath, _ := paths.CopilotAPIKeyPath()
			p, cerr := providers.NewCopilotProvider(providers.CopilotConfig{
				GitHubToken:  strings.TrimSpace(string(data)),
				KeyCachePath: keyCachePath,
			})
			add("copilot", p, cerr)
		}
	}

	if len(named) == 0 {
		return nil, fmt.Errorf("no providers configured; set at least one of ANTHROPIC_API_KEY, AWS_ACCESS_KEY_ID, GEMINI_API_KEY, OLLAMA_ENDPOINT/OLLAMA_API_KEY, OPENROUTER_API_KEY, or run copilot-login")
	}

	rt, err := router.New(router.Config{Providers: routerNamed, DefaultModel: defaultModelFor(named[0].Name)})
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}

	rel, err := reliable.New([]reliable.NamedProvider{{Name: "router", Provider: rt}}, reliable.Defaults())
	if err != nil {
		return nil, fmt.Errorf("reliable: %w", err)
	}
	return rel, nil
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("zeroclawd"),
		kong.Description("ZeroClaw: a local LLM gateway and safety broker core"),
		kong.UsageOnError(),
	)

	level := LevelInfo
	if cli.Trace {
		level = LevelTrace
	} else if cli.Debug {
		level = LevelDebug
	}
	Init(&Config{Level: level, ShowCaller: true})

	err := kctx.Run(&Context{Debug: cli.Debug, Trace: cli.Trace})
	if err != nil {
		L_error("command failed", "error", err)
		os.Exit(1)
	}
}
