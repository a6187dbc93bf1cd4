package safety

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zveroz/zeroclaw/internal/secrets"
)

func newTestOTP(t *testing.T) *OTPValidator {
	t.Helper()
	dir := t.TempDir()
	store, err := secrets.Open(filepath.Join(dir, "key"))
	if err != nil {
		t.Fatalf("secrets.Open: %v", err)
	}
	v, err := NewOTPValidator(filepath.Join(dir, "otp-secret"), store, 30, 30)
	if err != nil {
		t.Fatalf("NewOTPValidator: %v", err)
	}
	return v
}

func TestOTPValidateCurrentCode(t *testing.T) {
	v := newTestOTP(t)
	code := v.Generate(time.Now())
	if !v.Validate(code) {
		t.Fatal("expected current TOTP code to validate")
	}
}

func TestOTPReplaySuppressed(t *testing.T) {
	v := newTestOTP(t)
	code := v.Generate(time.Now())
	if !v.Validate(code) {
		t.Fatal("first validation should succeed")
	}
	if v.Validate(code) {
		t.Fatal("replayed code should be rejected")
	}
}

func TestOTPDriftWindow(t *testing.T) {
	v := newTestOTP(t)
	prevCounter := uint64(time.Now().Unix())/30 - 1
	code := totp(v.secret, prevCounter)
	if !v.Validate(code) {
		t.Fatal("code from the adjacent counter should validate within the drift window")
	}
}

func TestOTPRejectsWrongCode(t *testing.T) {
	v := newTestOTP(t)
	if v.Validate("000000") {
		t.Fatal("arbitrary code should not validate")
	}
}

func TestOTPAuthURIShape(t *testing.T) {
	v := newTestOTP(t)
	uri := v.OTPAuthURI()
	if want := "otpauth://totp/ZeroClaw:zeroclaw?secret="; uri[:len(want)] != want {
		t.Fatalf("unexpected URI prefix: %s", uri)
	}
}

func TestDomainMatcherValidation(t *testing.T) {
	m := NewDomainMatcher()
	valid := []string{"example.com", "*.example.com", "a.b.c.com"}
	for _, p := range valid {
		if err := m.Validate(p); err != nil {
			t.Errorf("expected %q to be valid: %v", p, err)
		}
	}

	invalid := []string{"", ".example.com", "example.com.", "example..com", "**.example.com", "example_com", "*."}
	for _, p := range invalid {
		if err := m.Validate(p); err == nil {
			t.Errorf("expected %q to be rejected", p)
		}
	}
}

func TestDomainCategoryExpansion(t *testing.T) {
	patterns, err := ExpandCategory("banking")
	if err != nil {
		t.Fatalf("ExpandCategory: %v", err)
	}
	if len(patterns) == 0 {
		t.Fatal("expected non-empty banking category")
	}

	if _, err := ExpandCategory("not-a-category"); err == nil {
		t.Fatal("expected unknown category to error")
	}
}

func TestIsGatedWildcardMatch(t *testing.T) {
	patterns := []string{"*.chase.com"}
	if !IsGated("https://secure.chase.com/login", patterns) {
		t.Fatal("expected subdomain of chase.com to be gated")
	}
	if IsGated("https://example.com", patterns) {
		t.Fatal("unrelated host should not be gated")
	}
}

func TestIsGatedExactMatch(t *testing.T) {
	patterns := []string{"accounts.google.com"}
	if !IsGated("accounts.google.com", patterns) {
		t.Fatal("expected exact match to be gated")
	}
	if IsGated("sub.accounts.google.com", patterns) {
		t.Fatal("exact pattern should not match a subdomain")
	}
}

func TestNormalizeHostStripsExtras(t *testing.T) {
	got := NormalizeHost("HTTPS://User@Example.COM:8443/path?query#frag")
	if got != "example.com" {
		t.Fatalf("got %q", got)
	}
}

func newTestEstop(t *testing.T) (*Estop, string) {
	t.Helper()
	dir := t.TempDir()
	statePath := filepath.Join(dir, "estop.json")
	e, err := Open(statePath, NewDomainMatcher())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return e, statePath
}

func TestEstopEngageKillAll(t *testing.T) {
	e, _ := newTestEstop(t)
	if e.IsEngaged() {
		t.Fatal("fresh estop should not be engaged")
	}
	if err := e.Engage(KillAll, nil, nil); err != nil {
		t.Fatalf("Engage: %v", err)
	}
	if !e.IsEngaged() {
		t.Fatal("expected engaged after KillAll")
	}
}

func TestEstopEngageDomainBlockValidates(t *testing.T) {
	e, _ := newTestEstop(t)
	if err := e.Engage(DomainBlock, []string{"bad..domain"}, nil); err == nil {
		t.Fatal("expected invalid domain pattern to be rejected")
	}
	if err := e.Engage(DomainBlock, []string{"*.example.com"}, nil); err != nil {
		t.Fatalf("Engage: %v", err)
	}
	if !e.IsEngaged() {
		t.Fatal("expected engaged after DomainBlock")
	}
}

func TestEstopEngageToolFreezeValidates(t *testing.T) {
	e, _ := newTestEstop(t)
	if err := e.Engage(ToolFreeze, nil, []string{"bad tool name"}); err == nil {
		t.Fatal("expected invalid tool name to be rejected")
	}
	if err := e.Engage(ToolFreeze, nil, []string{"Shell-Exec"}); err != nil {
		t.Fatalf("Engage: %v", err)
	}
	state := e.State()
	if len(state.FrozenTools) != 1 || state.FrozenTools[0] != "shell-exec" {
		t.Fatalf("expected lowercased tool name, got %v", state.FrozenTools)
	}
}

func TestEstopResumeRequiresOTPWhenConfigured(t *testing.T) {
	e, _ := newTestEstop(t)
	if err := e.Engage(KillAll, nil, nil); err != nil {
		t.Fatalf("Engage: %v", err)
	}

	err := e.Resume(ResumeSelector{KillAll: true}, true, "000000", alwaysFail{})
	if err == nil {
		t.Fatal("expected resume to fail without valid OTP")
	}
	if !e.IsEngaged() {
		t.Fatal("state should remain engaged after failed resume")
	}
}

type alwaysFail struct{}

func (alwaysFail) Validate(string) bool { return false }

type alwaysPass struct{}

func (alwaysPass) Validate(string) bool { return true }

func TestEstopResumeSucceedsWithValidOTP(t *testing.T) {
	e, _ := newTestEstop(t)
	if err := e.Engage(KillAll, nil, nil); err != nil {
		t.Fatalf("Engage: %v", err)
	}
	if err := e.Resume(ResumeSelector{KillAll: true}, true, "123456", alwaysPass{}); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if e.IsEngaged() {
		t.Fatal("expected disengaged after successful resume")
	}
}

func TestEstopPersistsAcrossReload(t *testing.T) {
	e, statePath := newTestEstop(t)
	if err := e.Engage(NetworkKill, nil, nil); err != nil {
		t.Fatalf("Engage: %v", err)
	}

	reloaded, err := Open(statePath, NewDomainMatcher())
	if err != nil {
		t.Fatalf("Open (reload): %v", err)
	}
	if !reloaded.IsEngaged() {
		t.Fatal("expected reloaded state to remain engaged")
	}
}

func TestEstopFailsClosedOnCorruptFile(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "estop.json")
	if err := os.WriteFile(statePath, []byte("{not valid json"), 0o600); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}

	e, err := Open(statePath, NewDomainMatcher())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !e.IsEngaged() {
		t.Fatal("expected fail-closed state to be engaged")
	}

	reloaded, err := Open(statePath, NewDomainMatcher())
	if err != nil {
		t.Fatalf("Open (reload): %v", err)
	}
	if !reloaded.IsEngaged() {
		t.Fatal("expected persisted fail-closed state to survive reload")
	}
}
