package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cadencehq/cadence/internal/config"
)

func TestHashAndVerifyKey(t *testing.T) {
	hash, err := HashKey("sk_live_abc123")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !VerifyKey("sk_live_abc123", hash) {
		t.Fatal("expected key to verify against its hash")
	}
	if VerifyKey("sk_live_abc124", hash) {
		t.Fatal("expected wrong key to fail")
	}
	if VerifyKey("sk_live_abc123", "garbage") {
		t.Fatal("expected malformed hash to fail")
	}
}

func TestFingerprintStable(t *testing.T) {
	if Fingerprint("abc") != Fingerprint("abc") {
		t.Fatal("fingerprint must be deterministic")
	}
	if Fingerprint("abc") == Fingerprint("abd") {
		t.Fatal("different keys must have different fingerprints")
	}
	if len(Fingerprint("abc")) != 64 {
		t.Fatal("expected sha256 hex fingerprint")
	}
}

func testKeyring(t *testing.T, key string) *Keyring {
	t.Helper()
	hash, err := HashKey(key)
	if err != nil {
		t.Fatal(err)
	}
	return NewKeyring(config.AuthConfig{
		Keys:            map[string]string{Fingerprint(key): hash},
		LockoutAttempts: 3,
		LockoutSeconds:  60,
	})
}

func TestAuthenticate(t *testing.T) {
	k := testKeyring(t, "valid-key")

	if !k.Authenticate("valid-key", "10.0.0.1:4444") {
		t.Fatal("expected valid key to authenticate")
	}
	if k.Authenticate("wrong-key", "10.0.0.1:4444") {
		t.Fatal("expected wrong key to fail")
	}
	if k.Authenticate("", "10.0.0.1:4444") {
		t.Fatal("expected empty key to fail")
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	k := testKeyring(t, "valid-key")

	for i := 0; i < 3; i++ {
		k.Authenticate("wrong-key", "10.0.0.9:1234")
	}
	// Even the correct key is rejected while the IP is blocked.
	if k.Authenticate("valid-key", "10.0.0.9:9999") {
		t.Fatal("expected blocked IP to be rejected")
	}
	// Other IPs are unaffected.
	if !k.Authenticate("valid-key", "10.0.0.10:1234") {
		t.Fatal("expected other IP to authenticate")
	}
}

func TestLockoutExpires(t *testing.T) {
	hash, _ := HashKey("valid-key")
	k := NewKeyring(config.AuthConfig{
		Keys:            map[string]string{Fingerprint("valid-key"): hash},
		LockoutAttempts: 2,
		LockoutSeconds:  1,
	})
	k.Authenticate("nope", "10.1.1.1:1")
	k.Authenticate("nope", "10.1.1.1:1")
	if k.Authenticate("valid-key", "10.1.1.1:1") {
		t.Fatal("expected lockout")
	}
	time.Sleep(1100 * time.Millisecond)
	if !k.Authenticate("valid-key", "10.1.1.1:1") {
		t.Fatal("expected lockout to expire")
	}
}

func TestKeyFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer tok-1")
	if KeyFromRequest(r) != "tok-1" {
		t.Fatal("expected bearer token")
	}

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Api-Key", "tok-2")
	if KeyFromRequest(r) != "tok-2" {
		t.Fatal("expected x-api-key header")
	}
}

func TestCSRFIssueVerify(t *testing.T) {
	c := NewCSRF("signing-secret")
	token, err := c.Issue()
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !c.Verify(token) {
		t.Fatal("expected issued token to verify")
	}
	if c.Verify(token + "x") {
		t.Fatal("expected tampered token to fail")
	}
	if c.Verify("no-dot") {
		t.Fatal("expected malformed token to fail")
	}

	other := NewCSRF("different-secret")
	if other.Verify(token) {
		t.Fatal("expected token signed under another secret to fail")
	}
}

func TestCSRFDisabledWithoutSecret(t *testing.T) {
	c := NewCSRF("")
	if _, err := c.Issue(); err == nil {
		t.Fatal("expected issue to fail without secret")
	}
	if c.Verify("anything.at-all") {
		t.Fatal("expected verification to fail without secret")
	}
}
