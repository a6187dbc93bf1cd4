// Package secrets implements the encrypted secret store: a CSPRNG-generated
// master key persisted alongside the encrypted values, ChaCha20-Poly1305
// AEAD for new ciphertext, and read-only support for the legacy XOR format
// so existing values migrate forward transparently.
package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	. "github.com/zveroz/zeroclaw/internal/logging"
	"github.com/zveroz/zeroclaw/internal/paths"
)

const (
	keySize       = 32
	nonceSize     = 12
	secureTag     = "enc2:"
	legacyTag     = "enc:"
	legacyKeySize = 32
)

// ErrTamperedOrWrongKey is returned by Decrypt when AEAD tag verification
// fails.
var ErrTamperedOrWrongKey = errors.New("decryption failed — wrong key or tampered data")

// Store encrypts and decrypts string secrets with a locally-persisted key.
// A disabled Store makes Encrypt/Decrypt the identity function, used when
// the caller has turned off at-rest encryption entirely.
type Store struct {
	mu       sync.Mutex
	key      []byte
	aead     interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
	disabled bool
}

// NewDisabled returns a Store whose Encrypt/Decrypt are the identity
// function, for configurations that opt out of at-rest encryption.
func NewDisabled() *Store {
	return &Store{disabled: true}
}

// Open loads (or bootstraps) the master key at keyPath and returns a ready
// Store. Concurrent first-time creators race on the same O_EXCL write;
// exactly one wins and the rest fall back to reading the winner's file.
func Open(keyPath string) (*Store, error) {
	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: constructing AEAD cipher: %w", err)
	}
	return &Store{key: key, aead: aead}, nil
}

func loadOrCreateKey(keyPath string) ([]byte, error) {
	if data, err := os.ReadFile(keyPath); err == nil {
		return decodeKey(data)
	}

	if err := paths.EnsureParentDir(keyPath); err != nil {
		return nil, err
	}

	raw := make([]byte, keySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("secrets: generating key: %w", err)
	}
	encoded := []byte(hex.EncodeToString(raw))

	tmpPath := keyPath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			// another process is mid-bootstrap; wait for it to finish and
			// read whatever it produces instead of racing the rename.
			return awaitKeyFile(keyPath)
		}
		return nil, err
	}
	if _, err := f.Write(encoded); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, err
	}
	if err := tightenPermissions(tmpPath); err != nil {
		L_warn("secrets: failed to restrict key file permissions", "error", err)
	}
	if err := os.Rename(tmpPath, keyPath); err != nil {
		if os.IsExist(err) {
			return awaitKeyFile(keyPath)
		}
		return nil, err
	}

	return raw, nil
}

func awaitKeyFile(keyPath string) ([]byte, error) {
	var data []byte
	var err error
	for i := 0; i < 50; i++ {
		if data, err = os.ReadFile(keyPath); err == nil {
			return decodeKey(data)
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil, fmt.Errorf("secrets: reading key written by concurrent creator: %w", err)
}

func decodeKey(data []byte) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("secrets: decoding key file: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("secrets: key file has wrong length (%d, want %d)", len(key), keySize)
	}
	return key, nil
}

// IsEncrypted reports whether value carries either recognized ciphertext
// prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, secureTag) || strings.HasPrefix(value, legacyTag)
}

// IsSecureEncrypted reports whether value uses the current AEAD format.
func IsSecureEncrypted(value string) bool {
	return strings.HasPrefix(value, secureTag)
}

// NeedsMigration reports whether value uses the legacy XOR format.
func NeedsMigration(value string) bool {
	return strings.HasPrefix(value, legacyTag)
}

// Encrypt seals plaintext into the enc2: format. An empty string passes
// through unchanged. On a disabled Store, Encrypt is the identity.
func (s *Store) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	if s.disabled {
		return plaintext, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: generating nonce: %w", err)
	}
	sealed := s.aead.Seal(nil, nonce, []byte(plaintext), nil)
	blob := append(nonce, sealed...)
	return secureTag + hex.EncodeToString(blob), nil
}

// Decrypt reverses Encrypt, also accepting the legacy enc: format and
// plain (unprefixed) values. On a disabled Store, Decrypt is the identity.
func (s *Store) Decrypt(value string) (string, error) {
	if s.disabled {
		return value, nil
	}

	switch {
	case strings.HasPrefix(value, secureTag):
		return s.decryptSecure(value)
	case strings.HasPrefix(value, legacyTag):
		return s.decryptLegacy(value)
	default:
		return value, nil
	}
}

func (s *Store) decryptSecure(value string) (string, error) {
	blob, err := hex.DecodeString(strings.TrimPrefix(value, secureTag))
	if err != nil {
		return "", ErrTamperedOrWrongKey
	}
	if len(blob) < nonceSize {
		return "", ErrTamperedOrWrongKey
	}
	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]

	s.mu.Lock()
	defer s.mu.Unlock()

	plain, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrTamperedOrWrongKey
	}
	return string(plain), nil
}

func (s *Store) decryptLegacy(value string) (string, error) {
	blob, err := hex.DecodeString(strings.TrimPrefix(value, legacyTag))
	if err != nil {
		return "", ErrTamperedOrWrongKey
	}
	key := s.legacyKey()
	out := make([]byte, len(blob))
	for i, b := range blob {
		out[i] = b ^ key[i%legacyKeySize]
	}
	return string(out), nil
}

// legacyKey returns the 32-byte AEAD master key itself, used unchanged as
// the XOR key so legacy values encrypted under the same master key can
// still be decrypted. The
// legacy format was never written to; it only needs to be read back.
func (s *Store) legacyKey() []byte {
	return s.key
}

// DecryptAndMigrate decrypts value and, when it used the legacy format,
// also returns a freshly re-encrypted enc2: ciphertext the caller should
// persist in its place. For enc2: or plain values, the second return is
// empty (no migration needed).
func (s *Store) DecryptAndMigrate(value string) (plaintext string, migrated string, err error) {
	plain, err := s.Decrypt(value)
	if err != nil {
		return "", "", err
	}
	if !NeedsMigration(value) {
		return plain, "", nil
	}
	if s.disabled {
		return plain, "", nil
	}
	newCiphertext, err := s.Encrypt(plain)
	if err != nil {
		return "", "", err
	}
	L_info("secrets: migrated legacy ciphertext to enc2")
	return plain, newCiphertext, nil
}
