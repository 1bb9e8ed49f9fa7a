package exchange

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"log/slog"
	"os"
	"strings"
	"testing"

	"polybot/internal/config"
)

// A throwaway secp256k1 private key for Polymarket auth tests.
const testEthKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPolymarketAuthDerivesAddress(t *testing.T) {
	t.Parallel()

	auth, err := newPolymarketAuth(config.VenueCredentials{PrivateKey: testEthKey})
	if err != nil {
		t.Fatalf("newPolymarketAuth: %v", err)
	}

	if auth.address.Hex() == "" || !strings.HasPrefix(auth.address.Hex(), "0x") {
		t.Errorf("bad derived address: %q", auth.address.Hex())
	}
	// No funder configured: funder defaults to the signer.
	if auth.funderAddress != auth.address {
		t.Error("funder should default to the signer address")
	}
}

func TestPolymarketAuthRejectsBadKey(t *testing.T) {
	t.Parallel()

	if _, err := newPolymarketAuth(config.VenueCredentials{PrivateKey: "not-hex"}); err == nil {
		t.Error("expected error for malformed private key")
	}
}

func TestPolymarketL1HeadersComplete(t *testing.T) {
	t.Parallel()

	auth, err := newPolymarketAuth(config.VenueCredentials{PrivateKey: testEthKey})
	if err != nil {
		t.Fatalf("newPolymarketAuth: %v", err)
	}

	headers, err := auth.l1Headers(0)
	if err != nil {
		t.Fatalf("l1Headers: %v", err)
	}
	for _, key := range []string{"POLY_ADDRESS", "POLY_SIGNATURE", "POLY_TIMESTAMP", "POLY_NONCE"} {
		if headers[key] == "" {
			t.Errorf("missing header %s", key)
		}
	}
	if !strings.HasPrefix(headers["POLY_SIGNATURE"], "0x") {
		t.Errorf("signature not hex-prefixed: %q", headers["POLY_SIGNATURE"])
	}
}

func TestPolymarketHMACMatchesReference(t *testing.T) {
	t.Parallel()

	secret := base64.URLEncoding.EncodeToString([]byte("super-secret-key-material"))
	auth, err := newPolymarketAuth(config.VenueCredentials{
		PrivateKey: testEthKey,
		APIKey:     "key-id",
		Secret:     secret,
		Passphrase: "pass",
	})
	if err != nil {
		t.Fatalf("newPolymarketAuth: %v", err)
	}

	sig, err := auth.buildHMAC("1700000000", "POST", "/orders", `{"x":1}`)
	if err != nil {
		t.Fatalf("buildHMAC: %v", err)
	}

	mac := hmac.New(sha256.New, []byte("super-secret-key-material"))
	mac.Write([]byte("1700000000POST/orders" + `{"x":1}`))
	want := base64.URLEncoding.EncodeToString(mac.Sum(nil))
	if sig != want {
		t.Errorf("hmac = %q, want %q", sig, want)
	}
}

func newTestRSAKeyPEM(t *testing.T, pkcs8 bool) ([]byte, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}

	var block *pem.Block
	if pkcs8 {
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			t.Fatalf("marshal pkcs8: %v", err)
		}
		block = &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	} else {
		block = &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	}
	return pem.EncodeToMemory(block), key
}

func TestKalshiAuthHeadersVerify(t *testing.T) {
	t.Parallel()

	pemData, key := newTestRSAKeyPEM(t, false)
	k, err := NewKalshi(config.VenueCredentials{APIKey: "key-id", PrivateKey: string(pemData)}, testLogger())
	if err != nil {
		t.Fatalf("NewKalshi: %v", err)
	}

	headers, err := k.authHeaders("GET", "/trade-api/v2/markets")
	if err != nil {
		t.Fatalf("authHeaders: %v", err)
	}
	if headers["KALSHI-ACCESS-KEY"] != "key-id" {
		t.Errorf("access key header = %q", headers["KALSHI-ACCESS-KEY"])
	}

	// The signature must be RSA-PSS over timestamp || method || path.
	sig, err := base64.StdEncoding.DecodeString(headers["KALSHI-ACCESS-SIGNATURE"])
	if err != nil {
		t.Fatalf("signature not base64: %v", err)
	}
	message := headers["KALSHI-ACCESS-TIMESTAMP"] + "GET" + "/trade-api/v2/markets"
	hashed := sha256.Sum256([]byte(message))
	err = rsa.VerifyPSS(&key.PublicKey, crypto.SHA256, hashed[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

func TestParseRSAPrivateKeyFormats(t *testing.T) {
	t.Parallel()

	pkcs1, _ := newTestRSAKeyPEM(t, false)
	if _, err := parseRSAPrivateKey(pkcs1); err != nil {
		t.Errorf("PKCS1 parse failed: %v", err)
	}

	pkcs8, _ := newTestRSAKeyPEM(t, true)
	if _, err := parseRSAPrivateKey(pkcs8); err != nil {
		t.Errorf("PKCS8 parse failed: %v", err)
	}

	if _, err := parseRSAPrivateKey([]byte("not a pem")); err == nil {
		t.Error("expected error for non-PEM input")
	}
}
