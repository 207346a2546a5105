package directory

import (
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
)

func writeTestKey(t *testing.T) string {
	t.Helper()
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	path := filepath.Join(t.TempDir(), "key.txt")
	if err := os.WriteFile(path, []byte(identity.String()+"\n"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path
}

func TestTokenCipherRoundTrip(t *testing.T) {
	cipher, err := LoadTokenCipher(writeTestKey(t))
	if err != nil {
		t.Fatalf("LoadTokenCipher: %v", err)
	}

	blob, err := cipher.Encrypt("gho_supersecret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !IsEncrypted(blob) {
		t.Fatalf("expected encrypted envelope, got %q", blob)
	}

	plain, err := cipher.Decrypt(blob)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != "gho_supersecret" {
		t.Errorf("expected round-tripped plaintext, got %q", plain)
	}
}

func TestTokenCipherPassesThroughUnencrypted(t *testing.T) {
	cipher, err := LoadTokenCipher(writeTestKey(t))
	if err != nil {
		t.Fatalf("LoadTokenCipher: %v", err)
	}
	plain, err := cipher.Decrypt("plain-legacy-token")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != "plain-legacy-token" {
		t.Errorf("expected unchanged legacy token, got %q", plain)
	}
}
