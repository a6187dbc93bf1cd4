package safety

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base32"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/zveroz/zeroclaw/internal/secrets"
)

// No TOTP library appears anywhere in the retrieved example pack (production
// LLM-gateway and agent repos don't implement their own second factor); RFC
// 6238 is implemented directly against the standard library instead.

const (
	otpSecretBytes  = 20
	otpDigits       = 6
	otpDefaultStep  = 30 * time.Second
	otpIssuer       = "ZeroClaw"
	otpAccountLabel = "zeroclaw"
)

// OTPValidator generates and validates TOTP codes, bootstrapping its secret
// on first use via a Store.
type OTPValidator struct {
	secret        []byte // raw, decoded bytes
	step          time.Duration
	cacheValidFor time.Duration

	mu    sync.Mutex
	used  map[string]time.Time // code -> expiry, for replay suppression
}

// NewOTPValidator bootstraps (or loads) the OTP secret at secretPath,
// encrypted at rest via store. tokenTTLSecs is the TOTP step in seconds
// (minimum 1, default 30 when zero). cacheValidSecs controls how long a
// successfully validated code is remembered for replay suppression.
func NewOTPValidator(secretPath string, store *secrets.Store, tokenTTLSecs int, cacheValidSecs int) (*OTPValidator, error) {
	if tokenTTLSecs < 1 {
		tokenTTLSecs = 30
	}
	if cacheValidSecs < 1 {
		cacheValidSecs = tokenTTLSecs
	}

	secret, err := loadOrBootstrapOTPSecret(secretPath, store)
	if err != nil {
		return nil, err
	}

	return &OTPValidator{
		secret:        secret,
		step:          time.Duration(tokenTTLSecs) * time.Second,
		cacheValidFor: time.Duration(cacheValidSecs) * time.Second,
		used:          make(map[string]time.Time),
	}, nil
}

func loadOrBootstrapOTPSecret(secretPath string, store *secrets.Store) ([]byte, error) {
	if data, err := os.ReadFile(secretPath); err == nil {
		plain, err := store.Decrypt(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("safety: decrypting OTP secret: %w", err)
		}
		decoded, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(plain)
		if err != nil {
			return nil, fmt.Errorf("safety: decoding OTP secret: %w", err)
		}
		return decoded, nil
	}

	raw := make([]byte, otpSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("safety: generating OTP secret: %w", err)
	}
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)

	ciphertext, err := store.Encrypt(encoded)
	if err != nil {
		return nil, fmt.Errorf("safety: encrypting OTP secret: %w", err)
	}
	if err := os.WriteFile(secretPath, []byte(ciphertext), 0o600); err != nil {
		return nil, fmt.Errorf("safety: writing OTP secret: %w", err)
	}

	return raw, nil
}

// OTPAuthURI returns the otpauth:// provisioning URI for out-of-band setup.
func (v *OTPValidator) OTPAuthURI() string {
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(v.secret)
	return fmt.Sprintf("otpauth://totp/%s:%s?secret=%s&issuer=%s&period=%d",
		otpIssuer, otpAccountLabel, encoded, otpIssuer, int(v.step.Seconds()))
}

// Generate returns the current TOTP code, for tests and operator tooling.
func (v *OTPValidator) Generate(at time.Time) string {
	counter := uint64(at.Unix()) / uint64(v.step.Seconds())
	return totp(v.secret, counter)
}

// Validate accepts code if it equals the TOTP for the current counter or
// either adjacent counter (a ±1 step drift window). A code that
// successfully validates is then rejected on any subsequent call while its
// cache entry remains live, suppressing replay.
func (v *OTPValidator) Validate(code string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now()
	v.sweepExpired(now)

	if _, seen := v.used[code]; seen {
		return false
	}

	counter := uint64(now.Unix()) / uint64(v.step.Seconds())
	for _, c := range []uint64{counter - 1, counter, counter + 1} {
		if totp(v.secret, c) == code {
			v.used[code] = now.Add(v.cacheValidFor)
			return true
		}
	}
	return false
}

func (v *OTPValidator) sweepExpired(now time.Time) {
	for code, expiry := range v.used {
		if now.After(expiry) {
			delete(v.used, code)
		}
	}
}

// totp computes a 6-digit HMAC-SHA1 TOTP code for the given counter, per
// RFC 6238/4226 (HMAC over an 8-byte big-endian counter, dynamic
// truncation).
func totp(secret []byte, counter uint64) string {
	msg := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		msg[i] = byte(counter & 0xff)
		counter >>= 8
	}

	mac := hmac.New(sha1.New, secret)
	mac.Write(msg)
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	truncated := (uint32(sum[offset]&0x7f) << 24) |
		(uint32(sum[offset+1]) << 16) |
		(uint32(sum[offset+2]) << 8) |
		uint32(sum[offset+3])

	code := truncated % 1_000_000
	return fmt.Sprintf("%0*d", otpDigits, code)
}
