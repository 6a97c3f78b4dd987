// Package auth implements API-key authentication for the HTTP surface.
//
// Keys are stored as argon2id hashes, indexed by a SHA-256 fingerprint of
// the full key; the plaintext never touches disk. Repeated failures from
// one IP trip a temporary lockout.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/pkg/logger"
)

// argon2id parameters. Moderate cost: auth runs on every API request.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// HashKey produces an encoded argon2id hash of an API key, in the
// standard $argon2id$... format.
func HashKey(key string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	digest := argon2.IDKey([]byte(key), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(digest)), nil
}

// VerifyKey checks a plaintext key against an encoded argon2id hash in
// constant time.
func VerifyKey(key, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}

	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	got := argon2.IDKey([]byte(key), salt, iterations, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// Fingerprint returns the SHA-256 hex of the full key, used as the lookup
// index into the hashed key store.
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Keyring validates API keys and tracks per-IP failures.
type Keyring struct {
	// keys maps fingerprint → argon2id hash.
	keys map[string]string

	lockoutAttempts int
	lockoutWindow   time.Duration

	mu       sync.Mutex
	failures map[string]*ipFailures
}

type ipFailures struct {
	count        int
	blockedUntil time.Time
}

// NewKeyring builds a keyring from config. Keys are immutable process
// config after startup; rotation requires an explicit reload.
func NewKeyring(cfg config.AuthConfig) *Keyring {
	return &Keyring{
		keys:            cfg.Keys,
		lockoutAttempts: cfg.LockoutAttempts,
		lockoutWindow:   cfg.LockoutWindow(),
		failures:        make(map[string]*ipFailures),
	}
}

// Authenticate validates the presented key for the given remote address.
// A blocked IP fails immediately without touching the key store.
func (k *Keyring) Authenticate(key, remoteAddr string) bool {
	ip := ipOf(remoteAddr)
	if k.isBlocked(ip) {
		return false
	}
	if key == "" {
		k.recordFailure(ip)
		return false
	}

	hash, ok := k.keys[Fingerprint(key)]
	if !ok || !VerifyKey(key, hash) {
		k.recordFailure(ip)
		return false
	}

	k.mu.Lock()
	delete(k.failures, ip)
	k.mu.Unlock()
	return true
}

func (k *Keyring) isBlocked(ip string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	f, ok := k.failures[ip]
	if !ok {
		return false
	}
	if f.blockedUntil.IsZero() {
		return false
	}
	if time.Now().After(f.blockedUntil) {
		delete(k.failures, ip)
		return false
	}
	return true
}

func (k *Keyring) recordFailure(ip string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	f, ok := k.failures[ip]
	if !ok {
		f = &ipFailures{}
		k.failures[ip] = f
	}
	f.count++
	if f.count >= k.lockoutAttempts {
		f.blockedUntil = time.Now().Add(k.lockoutWindow)
		logger.Warn("api auth lockout", "ip", ip, "failures", fmt.Sprintf("%d", f.count))
	}
}

func ipOf(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

// KeyFromRequest extracts the API key from the Authorization bearer token
// or the X-Api-Key header.
func KeyFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.Header.Get("X-Api-Key")
}
