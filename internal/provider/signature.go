package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// hmacHex returns the hex-encoded HMAC-SHA256 of msg under secret.
func hmacHex(secret string, msg []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(msg)
	return hex.EncodeToString(h.Sum(nil))
}

// verifyHMACHex checks a hex HMAC-SHA256 signature over the exact raw
// bytes in constant time. An empty secret always fails (fail-closed).
func verifyHMACHex(secret string, raw []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := hmacHex(secret, raw)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// verifyToken compares a shared webhook token in constant time. An empty
// secret always fails.
func verifyToken(secret, token string) bool {
	if secret == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(token)) == 1
}

// heygenTolerance bounds webhook timestamp skew.
const heygenTolerance = 300 * time.Second

// verifyTimestampedHMAC checks a "<unix_ts>,<hex_hmac>" header where the
// signed message is "{ts}.{raw}". Rejects timestamps outside the skew
// tolerance to blunt replay.
func verifyTimestampedHMAC(secret string, raw []byte, header string, now time.Time) bool {
	if secret == "" || header == "" {
		return false
	}
	parts := strings.SplitN(header, ",", 2)
	if len(parts) != 2 {
		return false
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return false
	}
	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(heygenTolerance.Seconds()) {
		return false
	}

	signed := make([]byte, 0, len(parts[0])+1+len(raw))
	signed = append(signed, parts[0]...)
	signed = append(signed, '.')
	signed = append(signed, raw...)
	return verifyHMACHex(secret, signed, strings.TrimSpace(parts[1]))
}
