package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"

	. "github.com/zveroz/zeroclaw/internal/logging"
	"github.com/zveroz/zeroclaw/internal/types"
)

const (
	geminiPublicEndpoint     = "https://generativelanguage.googleapis.com/v1beta"
	geminiCodeAssistEndpoint = "https://cloudcode-pa.googleapis.com/v1internal"
)

// GeminiConfig configures the Gemini adapter. Exactly one credential source
// is resolved at construction time, in priority order:
//  1. ExplicitKey
//  2. GEMINI_API_KEY environment variable
//  3. GOOGLE_API_KEY environment variable
//  4. a managed OAuth profile (OAuthTokenSource, using the internal
//     Code Assist endpoint)
//  5. a Gemini-CLI OAuth credentials file (OAuthCLICredsPath, same endpoint)
//
// OAuthCLICredsPaths, when set, names the full pool of credentials files to
// rotate through on exhaustion (RESOURCE_EXHAUSTED / 429 / 5xx); when empty,
// the pool is auto-discovered alongside OAuthCLICredsPath.
type GeminiConfig struct {
	ExplicitKey        string
	OAuthTokenSource   oauth2.TokenSource
	OAuthCLICredsPath  string
	OAuthCLICredsPaths []string
	ProjectID          string // optional override; otherwise cached from loadCodeAssist
}

type geminiAuthMode int

const (
	geminiAuthAPIKey geminiAuthMode = iota
	geminiAuthOAuth
)

type GeminiProvider struct {
	mode       geminiAuthMode
	apiKey     string
	tokenSrc   oauth2.TokenSource
	httpClient *http.Client

	oauthCredPaths []string
	credIndex      int32 // atomic index into oauthCredPaths, advanced on rotation

	mu              sync.Mutex
	cachedProjectID string
}

func NewGeminiProvider(cfg GeminiConfig) (*GeminiProvider, error) {
	p := &GeminiProvider{httpClient: &http.Client{Timeout: 120 * time.Second}}

	switch {
	case cfg.ExplicitKey != "":
		p.mode, p.apiKey = geminiAuthAPIKey, cfg.ExplicitKey
	case os.Getenv("GEMINI_API_KEY") != "":
		p.mode, p.apiKey = geminiAuthAPIKey, os.Getenv("GEMINI_API_KEY")
	case os.Getenv("GOOGLE_API_KEY") != "":
		p.mode, p.apiKey = geminiAuthAPIKey, os.Getenv("GOOGLE_API_KEY")
	case cfg.OAuthTokenSource != nil:
		p.mode, p.tokenSrc = geminiAuthOAuth, cfg.OAuthTokenSource
	case cfg.OAuthCLICredsPath != "":
		src, err := loadGeminiCLITokenSource(cfg.OAuthCLICredsPath)
		if err != nil {
			return nil, Sanitized(fmt.Errorf("gemini: loading CLI OAuth credentials: %w", err))
		}
		p.mode, p.tokenSrc = geminiAuthOAuth, src

		paths := cfg.OAuthCLICredsPaths
		if len(paths) == 0 {
			paths = discoverGeminiOAuthCredPaths()
		}
		if len(paths) == 0 {
			paths = []string{cfg.OAuthCLICredsPath}
		}
		startIdx := 0
		for i, candidate := range paths {
			if candidate == cfg.OAuthCLICredsPath {
				startIdx = i
				break
			}
		}
		p.oauthCredPaths = paths
		p.credIndex = int32(startIdx)
	default:
		return nil, fmt.Errorf("gemini: no credential source configured")
	}

	p.cachedProjectID = cfg.ProjectID
	return p, nil
}

func loadGeminiCLITokenSource(path string) (oauth2.TokenSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var creds struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
		Expiry       string `json:"expiry"`
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, err
	}
	conf := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: "https://oauth2.googleapis.com/token",
		},
	}
	tok := &oauth2.Token{AccessToken: creds.AccessToken, RefreshToken: creds.RefreshToken}
	return conf.TokenSource(context.Background(), tok), nil
}

// discoverGeminiOAuthCredPaths finds the primary Gemini CLI credentials file
// (~/.gemini/oauth_creds.json) plus any sibling profile directories
// (~/.gemini-*-home/.gemini/oauth_creds.json), giving rotateOAuthCredential
// a pool to advance through on exhaustion.
func discoverGeminiOAuthCredPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}

	var paths []string
	primary := filepath.Join(home, ".gemini", "oauth_creds.json")
	if _, err := os.Stat(primary); err == nil {
		paths = append(paths, primary)
	}

	entries, err := os.ReadDir(home)
	if err != nil {
		return paths
	}
	var extras []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".gemini-") && strings.HasSuffix(name, "-home") {
			candidate := filepath.Join(home, name, ".gemini", "oauth_creds.json")
			if _, err := os.Stat(candidate); err == nil {
				extras = append(extras, candidate)
			}
		}
	}
	sort.Strings(extras)
	paths = append(paths, extras...)
	return paths
}

func (p *GeminiProvider) Capabilities() types.ProviderCapabilities {
	return types.ProviderCapabilities{NativeToolCalling: true, Vision: true}
}

func (p *GeminiProvider) ConvertTools(tools []types.ToolSpec) types.ToolsPayload {
	if len(tools) == 0 {
		return types.ToolsPayload{Kind: types.ToolsPayloadGemini}
	}
	decls := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.Parameters,
		})
	}
	return types.ToolsPayload{Kind: types.ToolsPayloadGemini, Declarations: []map[string]any{
		{"functionDeclarations": decls},
	}}
}

func (p *GeminiProvider) SupportsNativeTools() bool { return true }
func (p *GeminiProvider) SupportsVision() bool      { return true }
func (p *GeminiProvider) SupportsStreaming() bool   { return false }

func (p *GeminiProvider) ChatWithSystem(ctx context.Context, system *string, message, model string, temperature float64) (string, error) {
	msgs := []types.ChatMessage{{Role: "user", Content: message}}
	if system != nil {
		msgs = append([]types.ChatMessage{{Role: "system", Content: *system}}, msgs...)
	}
	return p.ChatWithHistory(ctx, msgs, model, temperature)
}

func (p *GeminiProvider) ChatWithHistory(ctx context.Context, messages []types.ChatMessage, model string, temperature float64) (string, error) {
	resp, err := p.Chat(ctx, types.ChatRequest{Messages: messages}, model, temperature)
	if err != nil {
		return "", err
	}
	if resp.Text == nil {
		return "", nil
	}
	return *resp.Text, nil
}

func (p *GeminiProvider) Chat(ctx context.Context, req types.ChatRequest, model string, temperature float64) (*types.ChatResponse, error) {
	var tools []map[string]any
	if len(req.Tools) > 0 {
		tools = p.ConvertTools(req.Tools).Declarations
	}
	return p.ChatWithTools(ctx, req.Messages, tools, model, temperature)
}

func (p *GeminiProvider) ChatWithTools(ctx context.Context, messages []types.ChatMessage, tools []map[string]any, model string, temperature float64) (*types.ChatResponse, error) {
	system, rest := extractSystem(messages)

	body := map[string]any{
		"contents":         convertGeminiContents(rest),
		"generationConfig": map[string]any{"temperature": temperature},
	}
	if system != "" {
		body["systemInstruction"] = map[string]any{"parts": []map[string]any{{"text": system}}}
	}
	if len(tools) > 0 {
		body["tools"] = tools
	}

	raw, statusCode, err := p.call(ctx, model, body)
	if err != nil {
		return nil, Sanitized(err)
	}
	if statusCode == http.StatusBadRequest && strings.Contains(string(raw), "generationConfig") {
		delete(body, "generationConfig")
		raw, _, err = p.call(ctx, model, body)
		if err != nil {
			return nil, Sanitized(err)
		}
	}
	return parseGeminiResponse(raw)
}

// call issues a Code Assist / public-API request, rotating to the next
// OAuth credentials file and retrying once when the current one reports
// exhaustion (spec §4.2, rotate-and-retry is a MUST for Gemini OAuth mode).
func (p *GeminiProvider) call(ctx context.Context, model string, body map[string]any) ([]byte, int, error) {
	respBody, status, err := p.doCall(ctx, model, body)
	if err != nil {
		return nil, 0, err
	}

	if p.mode == geminiAuthOAuth && isGeminiRotationTrigger(status, respBody) {
		if p.rotateOAuthCredential() {
			L_warn("gemini: rotated OAuth credential after exhaustion, retrying request", "status", status)
			respBody, status, err = p.doCall(ctx, model, body)
			if err != nil {
				return nil, 0, err
			}
		} else {
			L_warn("gemini: OAuth credential exhausted, no further credential to rotate to", "status", status)
		}
	}

	if status >= 300 && status != http.StatusBadRequest {
		return respBody, status, fmt.Errorf("gemini: request failed (status %d): %s", status, string(respBody))
	}
	return respBody, status, nil
}

// rotateOAuthCredential advances to the next discovered credentials file and
// loads it, wrapping around the pool once. Returns false when there is only
// one (or zero) credentials file, or none of the others load successfully.
func (p *GeminiProvider) rotateOAuthCredential() bool {
	if len(p.oauthCredPaths) <= 1 {
		return false
	}
	start := atomic.LoadInt32(&p.credIndex)
	idx := start
	for {
		idx = (idx + 1) % int32(len(p.oauthCredPaths))
		if idx == start {
			return false
		}
		src, err := loadGeminiCLITokenSource(p.oauthCredPaths[idx])
		if err == nil {
			atomic.StoreInt32(&p.credIndex, idx)
			p.mu.Lock()
			p.tokenSrc = src
			p.cachedProjectID = ""
			p.mu.Unlock()
			L_warn("gemini: rotated OAuth credential file", "path", p.oauthCredPaths[idx])
			return true
		}
	}
}

func (p *GeminiProvider) doCall(ctx context.Context, model string, body map[string]any) ([]byte, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, err
	}

	var url string
	var authHeader func(*http.Request) error

	switch p.mode {
	case geminiAuthAPIKey:
		url = fmt.Sprintf("%s/models/%s:generateContent?key=%s", geminiPublicEndpoint, model, p.apiKey)
		authHeader = func(*http.Request) error { return nil }
	case geminiAuthOAuth:
		projectID, err := p.loadCodeAssist(ctx)
		if err != nil {
			return nil, 0, err
		}
		url = fmt.Sprintf("%s:generateContent", geminiCodeAssistEndpoint)
		wrapped := map[string]any{"model": model, "project": projectID, "request": body}
		payload, err = json.Marshal(wrapped)
		if err != nil {
			return nil, 0, err
		}
		authHeader = func(req *http.Request) error {
			p.mu.Lock()
			src := p.tokenSrc
			p.mu.Unlock()
			tok, err := src.Token()
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
			return nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := authHeader(req); err != nil {
		return nil, 0, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return respBody, resp.StatusCode, nil
}

func isGeminiRotationTrigger(status int, body []byte) bool {
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable || status >= 500 {
		return true
	}
	return bytes.Contains(body, []byte("RESOURCE_EXHAUSTED"))
}

// loadCodeAssist resolves the Code Assist project id for OAuth-mode calls,
// caching it after the first successful lookup. When the discovery call
// fails, it falls back to the GOOGLE_CLOUD_PROJECT environment variable
// rather than failing the request outright.
func (p *GeminiProvider) loadCodeAssist(ctx context.Context) (string, error) {
	p.mu.Lock()
	cached := p.cachedProjectID
	tokenSrc := p.tokenSrc
	p.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	tok, err := tokenSrc.Token()
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, geminiCodeAssistEndpoint+":loadCodeAssist", bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if fallback := os.Getenv("GOOGLE_CLOUD_PROJECT"); fallback != "" {
			L_warn("gemini: loadCodeAssist unreachable, falling back to GOOGLE_CLOUD_PROJECT", "error", err)
			p.mu.Lock()
			p.cachedProjectID = fallback
			p.mu.Unlock()
			return fallback, nil
		}
		return "", err
	}
	defer resp.Body.Close()

	var parsed struct {
		CloudAICompanionProject string `json:"cloudaicompanionProject"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil || parsed.CloudAICompanionProject == "" {
		if fallback := os.Getenv("GOOGLE_CLOUD_PROJECT"); fallback != "" {
			p.mu.Lock()
			p.cachedProjectID = fallback
			p.mu.Unlock()
			return fallback, nil
		}
		return "", fmt.Errorf("gemini: loadCodeAssist returned no project id")
	}

	p.mu.Lock()
	p.cachedProjectID = parsed.CloudAICompanionProject
	p.mu.Unlock()
	return p.cachedProjectID, nil
}

func convertGeminiContents(messages []types.ChatMessage) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	var lastToolCalls []types.ToolCall

	for _, msg := range messages {
		switch msg.Role {
		case "user":
			text, images := ExtractImages(msg.Content)
			var parts []map[string]any
			if text != "" {
				parts = append(parts, map[string]any{"text": text})
			}
			for _, img := range images {
				parts = append(parts, map[string]any{
					"inlineData": map[string]any{"mimeType": img.MimeType, "data": encodeBase64(img.Data)},
				})
			}
			if len(parts) == 0 {
				continue
			}
			out = append(out, map[string]any{"role": "user", "parts": parts})

		case "assistant":
			if env, ok := types.DetectAssistantEnvelope(msg.Content); ok {
				var parts []map[string]any
				if env.Content != nil && *env.Content != "" {
					parts = append(parts, map[string]any{"text": *env.Content})
				}
				for _, tc := range env.ToolCalls {
					var args any
					_ = json.Unmarshal([]byte(tc.Arguments), &args)
					parts = append(parts, map[string]any{
						"functionCall": map[string]any{"name": tc.Name, "args": args},
					})
				}
				lastToolCalls = env.ToolCalls
				out = append(out, map[string]any{"role": "model", "parts": parts})
			} else {
				out = append(out, map[string]any{"role": "model", "parts": []map[string]any{{"text": msg.Content}}})
			}

		case "tool":
			content := msg.Content
			name := ""
			if env, ok := types.DetectToolResultEnvelope(msg.Content); ok {
				content = env.Content
				if env.ToolName != nil {
					name = *env.ToolName
				}
			}
			if name == "" && len(lastToolCalls) == 1 {
				name = lastToolCalls[0].Name
			}
			out = append(out, map[string]any{
				"role": "function",
				"parts": []map[string]any{{
					"functionResponse": map[string]any{"name": name, "response": map[string]any{"result": content}},
				}},
			})
		}
	}
	return out
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text         string          `json:"text"`
				Thought      bool            `json:"thought"`
				FunctionCall *json.RawMessage `json:"functionCall"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// Gemini wraps OAuth responses in {"response": {...}}; API-key responses
// are unwrapped. Normalize both shapes before decoding.
func parseGeminiResponse(raw []byte) (*types.ChatResponse, error) {
	var wrapper struct {
		Response *geminiResponse `json:"response"`
	}
	body := raw
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Response != nil {
		inner, _ := json.Marshal(wrapper.Response)
		body = inner
	}

	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("gemini: decoding response: %w", err)
	}
	if len(parsed.Candidates) == 0 {
		return &types.ChatResponse{}, nil
	}

	var visibleText, thoughtText []string
	var toolCalls []types.ToolCall

	for _, part := range parsed.Candidates[0].Content.Parts {
		if part.FunctionCall != nil {
			var fc struct {
				Name string `json:"name"`
				Args any    `json:"args"`
			}
			if err := json.Unmarshal(*part.FunctionCall, &fc); err == nil {
				argsBytes, _ := json.Marshal(fc.Args)
				toolCalls = append(toolCalls, types.ToolCall{Name: fc.Name, Arguments: string(argsBytes)})
			}
			continue
		}
		if part.Text == "" {
			continue
		}
		if part.Thought {
			thoughtText = append(thoughtText, part.Text)
		} else {
			visibleText = append(visibleText, part.Text)
		}
	}

	resp := &types.ChatResponse{
		ToolCalls: toolCalls,
		Usage: &types.TokenUsage{
			InputTokens:  uint64(parsed.UsageMetadata.PromptTokenCount),
			OutputTokens: uint64(parsed.UsageMetadata.CandidatesTokenCount),
		},
	}

	// thought parts are excluded from visible text unless no non-thought
	// text exists at all, in which case they are the only signal available.
	switch {
	case len(visibleText) > 0:
		joined := strings.Join(visibleText, "\n")
		resp.Text = &joined
	case len(thoughtText) > 0:
		joined := strings.Join(thoughtText, "\n")
		resp.Text = &joined
	}
	return resp, nil
}

func (p *GeminiProvider) StreamChatWithSystem(ctx context.Context, system *string, message, model string, temperature float64, opts types.StreamOptions) (<-chan types.StreamChunk, error) {
	ch := make(chan types.StreamChunk, 1)
	close(ch)
	return ch, nil
}

func (p *GeminiProvider) Warmup(ctx context.Context) error {
	_, err := p.ChatWithHistory(ctx, []types.ChatMessage{{Role: "user", Content: "hi"}}, "gemini-2.0-flash", 0)
	return err
}
