// Package vault provides symmetric encryption of tenant secrets using a
// single process-wide master key.
//
// The key is derived from POLYBOT_MASTER_KEY with PBKDF2-SHA256 (100 000
// iterations, fixed salt) and feeds AES-256-GCM. Ciphertext is prefixed so
// Decrypt can tell encrypted values from legacy plaintext rows: input
// without the prefix is returned unchanged when plaintext mode is allowed.
// Rotating the master key requires re-encrypting every stored secret.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// prefix marks vault-encrypted values in the secrets table.
	prefix = "pbv1:"

	kdfIterations = 100_000
	keyLen        = 32
)

// salt is fixed so key derivation is deterministic across restarts; a single
// master key protects all rows, so per-row salts would buy nothing here.
var salt = []byte("polybot_vault_v1")

// Vault encrypts and decrypts secret strings with a derived AES-GCM key.
type Vault struct {
	aead           cipher.AEAD
	allowPlaintext bool
}

// New derives the encryption key from masterKey. An empty master key yields
// a vault that can only pass through plaintext (and only when allowed).
func New(masterKey string, allowPlaintext bool) (*Vault, error) {
	v := &Vault{allowPlaintext: allowPlaintext}
	if masterKey == "" {
		return v, nil
	}

	key := pbkdf2.Key([]byte(masterKey), salt, kdfIterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	v.aead = aead
	return v, nil
}

// Enabled reports whether a master key was configured.
func (v *Vault) Enabled() bool {
	return v.aead != nil
}

// Encrypt seals plaintext and returns the prefixed, base64-encoded token.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if v.aead == nil {
		return "", fmt.Errorf("vault not initialized: master key missing")
	}

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a vault token. Input without the vault prefix is assumed to
// be a legacy plaintext row and returned unchanged — unless plaintext mode
// is disallowed, in which case it is an error.
func (v *Vault) Decrypt(input string) (string, error) {
	if !strings.HasPrefix(input, prefix) {
		if v.allowPlaintext {
			return input, nil
		}
		return "", fmt.Errorf("plaintext secret rejected: vault requires encrypted values")
	}
	if v.aead == nil {
		return "", fmt.Errorf("vault not initialized: master key missing")
	}

	raw, err := base64.URLEncoding.DecodeString(strings.TrimPrefix(input, prefix))
	if err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	if len(raw) < v.aead.NonceSize() {
		return "", fmt.Errorf("token too short")
	}

	nonce, sealed := raw[:v.aead.NonceSize()], raw[v.aead.NonceSize():]
	plain, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

// GenerateMasterKey produces a fresh 32-byte URL-safe master key.
func GenerateMasterKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}
