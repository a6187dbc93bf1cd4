package secrets

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "secrets.key"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return store
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	store := newTestStore(t)

	ciphertext, err := store.Encrypt("sk-super-secret-value")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !IsSecureEncrypted(ciphertext) {
		t.Fatalf("expected enc2: prefix, got %q", ciphertext)
	}

	plain, err := store.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != "sk-super-secret-value" {
		t.Fatalf("round trip mismatch: got %q", plain)
	}
}

func TestEncryptEmptyPassesThrough(t *testing.T) {
	store := newTestStore(t)
	ciphertext, err := store.Encrypt("")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if ciphertext != "" {
		t.Fatalf("expected empty string to pass through, got %q", ciphertext)
	}
}

func TestEncryptProducesFreshNonceEachCall(t *testing.T) {
	store := newTestStore(t)
	a, err := store.Encrypt("same-value")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := store.Encrypt("same-value")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct ciphertexts for repeated encryption, got identical output")
	}
}

func TestDecryptTamperedDataFails(t *testing.T) {
	store := newTestStore(t)
	ciphertext, err := store.Encrypt("value")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	tampered := ciphertext[:len(ciphertext)-2] + "00"

	if _, err := store.Decrypt(tampered); err != ErrTamperedOrWrongKey {
		t.Fatalf("expected ErrTamperedOrWrongKey, got %v", err)
	}
}

func TestDecryptPlaintextPassesThrough(t *testing.T) {
	store := newTestStore(t)
	plain, err := store.Decrypt("not-encrypted")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != "not-encrypted" {
		t.Fatalf("expected passthrough, got %q", plain)
	}
}

func TestCrossInstanceSharesKey(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "secrets.key")

	first, err := Open(keyPath)
	if err != nil {
		t.Fatalf("Open (first): %v", err)
	}
	ciphertext, err := first.Encrypt("shared-secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	second, err := Open(keyPath)
	if err != nil {
		t.Fatalf("Open (second): %v", err)
	}
	plain, err := second.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != "shared-secret" {
		t.Fatalf("expected cross-instance decryption to work, got %q", plain)
	}
}

func TestDisabledStoreIsIdentity(t *testing.T) {
	store := NewDisabled()
	ciphertext, err := store.Encrypt("plaintext-value")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if ciphertext != "plaintext-value" {
		t.Fatalf("expected identity, got %q", ciphertext)
	}
	plain, err := store.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != "plaintext-value" {
		t.Fatalf("expected identity, got %q", plain)
	}
}

func TestDecryptAndMigrateNoOpForCurrentFormat(t *testing.T) {
	store := newTestStore(t)
	ciphertext, err := store.Encrypt("value")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	plain, migrated, err := store.DecryptAndMigrate(ciphertext)
	if err != nil {
		t.Fatalf("DecryptAndMigrate: %v", err)
	}
	if plain != "value" {
		t.Fatalf("got %q", plain)
	}
	if migrated != "" {
		t.Fatalf("expected no migration for enc2: value, got %q", migrated)
	}
}

func TestIsEncryptedHelpers(t *testing.T) {
	if !IsEncrypted("enc2:ab") || !IsEncrypted("enc:ab") {
		t.Fatal("expected both prefixes recognized as encrypted")
	}
	if IsEncrypted("plain") {
		t.Fatal("plain value should not be reported as encrypted")
	}
	if !NeedsMigration("enc:ab") || NeedsMigration("enc2:ab") {
		t.Fatal("NeedsMigration should only match the legacy prefix")
	}
}
