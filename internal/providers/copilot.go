package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	. "github.com/zveroz/zeroclaw/internal/logging"
	"github.com/zveroz/zeroclaw/internal/types"
)

const (
	copilotDeviceCodeURL  = "https://github.com/login/device/code"
	copilotAccessTokenURL = "https://github.com/login/oauth/access_token"
	copilotAPIKeyURL      = "https://api.github.com/copilot_internal/v2/token"
	copilotClientID       = "Iv1.b507a08c87ecfe98" // GitHub's published Copilot CLI client id
	copilotRefreshMargin  = 120 * time.Second
)

// CopilotConfig configures the Copilot adapter. KeyCachePath, when set,
// persists the exchanged short-lived API key across process restarts.
type CopilotConfig struct {
	GitHubToken  string // long-lived OAuth token, if already obtained
	KeyCachePath string
}

type copilotCachedKey struct {
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CopilotProvider implements Provider against the Copilot chat-completions
// proxy. It wraps a CompatibleProvider whose bearer token is refreshed
// in-place whenever the cached Copilot API key is within its refresh
// margin of expiring.
type CopilotProvider struct {
	*CompatibleProvider

	mu          sync.Mutex
	githubToken string
	cachePath   string
	httpClient  *http.Client
	cached      copilotCachedKey
}

func NewCopilotProvider(cfg CopilotConfig) (*CopilotProvider, error) {
	if cfg.GitHubToken == "" {
		return nil, fmt.Errorf("copilot: GitHub token not configured; run the device-flow login first")
	}

	p := &CopilotProvider{
		githubToken: cfg.GitHubToken,
		cachePath:   cfg.KeyCachePath,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
	p.loadCachedKey()

	compat := &CompatibleProvider{cfg: CompatibleConfig{BaseURL: "https://api.githubcopilot.com", Credential: p.cached.Key}}
	p.CompatibleProvider = compat
	return p, nil
}

// StartDeviceFlow begins the GitHub OAuth device-authorization flow and
// returns the user code and verification URL to present to the operator.
func StartDeviceFlow(ctx context.Context) (userCode, verificationURI, deviceCode string, pollInterval time.Duration, err error) {
	body, _ := json.Marshal(map[string]string{
		"client_id": copilotClientID,
		"scope":     "read:user",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, copilotDeviceCodeURL, bytes.NewReader(body))
	if err != nil {
		return "", "", "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", "", 0, Sanitized(err)
	}
	defer resp.Body.Close()

	var parsed struct {
		DeviceCode      string `json:"device_code"`
		UserCode        string `json:"user_code"`
		VerificationURI string `json:"verification_uri"`
		Interval        int    `json:"interval"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", "", "", 0, err
	}
	interval := time.Duration(parsed.Interval) * time.Second
	if interval == 0 {
		interval = 5 * time.Second
	}
	return parsed.UserCode, parsed.VerificationURI, parsed.DeviceCode, interval, nil
}

// PollDeviceFlow polls the token endpoint at interval until the user
// authorizes the device code, ctx is cancelled, or GitHub returns a
// terminal error ("access_denied", "expired_token").
func PollDeviceFlow(ctx context.Context, deviceCode string, interval time.Duration) (string, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			body, _ := json.Marshal(map[string]string{
				"client_id":   copilotClientID,
				"device_code": deviceCode,
				"grant_type":  "urn:ietf:params:oauth:grant-type:device_code",
			})
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, copilotAccessTokenURL, bytes.NewReader(body))
			if err != nil {
				return "", err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "application/json")

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return "", Sanitized(err)
			}
			var parsed struct {
				AccessToken string `json:"access_token"`
				Error       string `json:"error"`
			}
			decodeErr := json.NewDecoder(resp.Body).Decode(&parsed)
			resp.Body.Close()
			if decodeErr != nil {
				return "", decodeErr
			}
			switch parsed.Error {
			case "":
				if parsed.AccessToken != "" {
					return parsed.AccessToken, nil
				}
			case "authorization_pending", "slow_down":
				continue
			default:
				return "", fmt.Errorf("copilot: device flow failed: %s", parsed.Error)
			}
		}
	}
}

func (p *CopilotProvider) loadCachedKey() {
	if p.cachePath == "" {
		return
	}
	data, err := os.ReadFile(p.cachePath)
	if err != nil {
		return
	}
	var cached copilotCachedKey
	if err := json.Unmarshal(data, &cached); err != nil {
		return
	}
	p.cached = cached
}

func (p *CopilotProvider) saveCachedKey() {
	if p.cachePath == "" {
		return
	}
	data, err := json.Marshal(p.cached)
	if err != nil {
		return
	}
	if err := os.WriteFile(p.cachePath, data, 0o600); err != nil {
		L_warn("copilot: failed to persist cached key", "error", err)
	}
}

// ensureKey refreshes the Copilot API key if it is missing or within its
// refresh margin of expiry, then wires it into the embedded compatible
// provider's bearer transport.
func (p *CopilotProvider) ensureKey(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached.Key != "" && time.Until(p.cached.ExpiresAt) > copilotRefreshMargin {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, copilotAPIKeyURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.githubToken)
	req.Header.Set("Editor-Version", "vscode/1.95.0")
	req.Header.Set("Editor-Plugin-Version", "copilot-chat/0.23.0")
	req.Header.Set("User-Agent", "GitHubCopilotChat/0.23.0")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Sanitized(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("copilot: token exchange failed (status %d): %s", resp.StatusCode, Sanitize(string(respBody)))
	}

	var parsed struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expires_at"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return err
	}

	p.cached = copilotCachedKey{Key: parsed.Token, ExpiresAt: time.Unix(parsed.ExpiresAt, 0)}
	p.saveCachedKey()

	p.CompatibleProvider.cfg.Credential = p.cached.Key
	p.CompatibleProvider.client = nil // forces lazy rebuild on next call with the fresh key
	return nil
}

func (p *CopilotProvider) rebuildClientIfNeeded() error {
	if p.CompatibleProvider.client != nil {
		return nil
	}
	rebuilt, err := NewCompatibleProvider(p.CompatibleProvider.cfg)
	if err != nil {
		return err
	}
	p.CompatibleProvider = &CompatibleProvider{client: rebuilt.client, cfg: p.CompatibleProvider.cfg}
	return nil
}

func (p *CopilotProvider) Capabilities() types.ProviderCapabilities {
	return types.ProviderCapabilities{NativeToolCalling: true, Vision: false}
}

func (p *CopilotProvider) ChatWithSystem(ctx context.Context, system *string, message, model string, temperature float64) (string, error) {
	if err := p.ensureKey(ctx); err != nil {
		return "", err
	}
	if err := p.rebuildClientIfNeeded(); err != nil {
		return "", err
	}
	return p.CompatibleProvider.ChatWithSystem(ctx, system, message, model, temperature)
}

func (p *CopilotProvider) ChatWithHistory(ctx context.Context, messages []types.ChatMessage, model string, temperature float64) (string, error) {
	if err := p.ensureKey(ctx); err != nil {
		return "", err
	}
	if err := p.rebuildClientIfNeeded(); err != nil {
		return "", err
	}
	return p.CompatibleProvider.ChatWithHistory(ctx, messages, model, temperature)
}

func (p *CopilotProvider) Chat(ctx context.Context, req types.ChatRequest, model string, temperature float64) (*types.ChatResponse, error) {
	if err := p.ensureKey(ctx); err != nil {
		return nil, err
	}
	if err := p.rebuildClientIfNeeded(); err != nil {
		return nil, err
	}
	return p.CompatibleProvider.Chat(ctx, req, model, temperature)
}

func (p *CopilotProvider) ChatWithTools(ctx context.Context, messages []types.ChatMessage, tools []map[string]any, model string, temperature float64) (*types.ChatResponse, error) {
	if err := p.ensureKey(ctx); err != nil {
		return nil, err
	}
	if err := p.rebuildClientIfNeeded(); err != nil {
		return nil, err
	}
	return p.CompatibleProvider.ChatWithTools(ctx, messages, tools, model, temperature)
}

func (p *CopilotProvider) Warmup(ctx context.Context) error {
	if err := p.ensureKey(ctx); err != nil {
		return err
	}
	return p.rebuildClientIfNeeded()
}

var _ Provider = (*CopilotProvider)(nil)
