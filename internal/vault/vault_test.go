package vault

import (
	"strings"
	"testing"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New("test-master-key", true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()
	v := newTestVault(t)

	for _, plain := range []string{
		"sk-live-abc123",
		"",
		"with spaces and symbols !@#$%^&*()",
		strings.Repeat("x", 4096),
		"unicode ✓ ø π",
	} {
		token, err := v.Encrypt(plain)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plain, err)
		}
		if !strings.HasPrefix(token, "pbv1:") {
			t.Errorf("token missing prefix: %q", token)
		}
		got, err := v.Decrypt(token)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if got != plain {
			t.Errorf("round trip = %q, want %q", got, plain)
		}
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	t.Parallel()
	v := newTestVault(t)

	a, _ := v.Encrypt("same input")
	b, _ := v.Encrypt("same input")
	if a == b {
		t.Error("two encryptions of the same input produced identical tokens")
	}
}

func TestDecryptPlaintextPassthrough(t *testing.T) {
	t.Parallel()
	v := newTestVault(t)

	got, err := v.Decrypt("legacy-plaintext-key")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != "legacy-plaintext-key" {
		t.Errorf("passthrough = %q, want input unchanged", got)
	}
}

func TestDecryptPlaintextRejectedWhenDisallowed(t *testing.T) {
	t.Parallel()
	v, err := New("test-master-key", false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := v.Decrypt("legacy-plaintext-key"); err == nil {
		t.Error("expected error for plaintext input with allowPlaintext=false")
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	t.Parallel()
	v1 := newTestVault(t)
	v2, err := New("a-different-master-key", true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	token, _ := v1.Encrypt("secret")
	if _, err := v2.Decrypt(token); err == nil {
		t.Error("expected decryption failure with wrong master key")
	}
}

func TestEncryptWithoutMasterKey(t *testing.T) {
	t.Parallel()
	v, err := New("", true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if v.Enabled() {
		t.Error("vault without master key should not report enabled")
	}
	if _, err := v.Encrypt("anything"); err == nil {
		t.Error("expected error encrypting without master key")
	}
}

func TestGenerateMasterKey(t *testing.T) {
	t.Parallel()

	k1, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey: %v", err)
	}
	k2, _ := GenerateMasterKey()
	if k1 == k2 {
		t.Error("two generated keys are identical")
	}
	if len(k1) < 40 {
		t.Errorf("key too short: %d chars", len(k1))
	}
}
