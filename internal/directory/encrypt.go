package directory

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
)

const encPrefix = "ENC[age:"
const encSuffix = "]"

// TokenCipher encrypts OAuth tokens before the directory persists them
// and decrypts them in-memory when the git-provider bridge needs a
// plaintext token; decrypted values are never written back (spec.md §3,
// §5: "OAuth tokens are read-only from the session's perspective").
type TokenCipher struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// LoadTokenCipher reads an age X25519 identity from keyPath. The file
// must already exist; this package does not generate keys.
func LoadTokenCipher(keyPath string) (*TokenCipher, error) {
	f, err := os.Open(keyPath)
	if err != nil {
		return nil, fmt.Errorf("open token encryption key: %w", err)
	}
	defer f.Close()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse token encryption key: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("no identities found in %s", keyPath)
	}
	id, ok := identities[0].(*age.X25519Identity)
	if !ok {
		return nil, fmt.Errorf("unexpected identity type in %s", keyPath)
	}

	recipient, err := age.ParseX25519Recipient(id.Recipient().String())
	if err != nil {
		return nil, fmt.Errorf("derive recipient: %w", err)
	}

	return &TokenCipher{identity: id, recipient: recipient}, nil
}

// Encrypt wraps plaintext in an ENC[age:...] blob.
func (c *TokenCipher) Encrypt(plaintext string) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, c.recipient)
	if err != nil {
		return "", fmt.Errorf("age encrypt init: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("age encrypt write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("age encrypt close: %w", err)
	}
	return encPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()) + encSuffix, nil
}

// Decrypt reverses Encrypt. Non-encrypted input is returned unchanged,
// tolerating tokens stored before encryption was enabled.
func (c *TokenCipher) Decrypt(blob string) (string, error) {
	if !IsEncrypted(blob) {
		return blob, nil
	}
	encoded := blob[len(encPrefix) : len(blob)-len(encSuffix)]
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode token: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), c.identity)
	if err != nil {
		return "", fmt.Errorf("age decrypt token: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read decrypted token: %w", err)
	}
	return string(plain), nil
}

// IsEncrypted reports whether s carries the ENC[age:...] envelope.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, encPrefix) && strings.HasSuffix(s, encSuffix)
}
