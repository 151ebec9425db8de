// Package hasher produces the keyed, truncated HMAC signatures that stand
// in for raw identifying values everywhere in the system. Nothing derived
// here is reversible without the deployment key, and 128-bit truncation
// keeps collision odds far below any realistic corpus size.
package hasher

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// SigLen is the truncated signature length in bytes (128 bits).
const SigLen = 16

// EncodedLen is the base64url (no padding) length of a signature: 22 chars.
const EncodedLen = 22

// MinKeyBytes is the minimum accepted key size (128 bits).
const MinKeyBytes = 16

// Hasher computes keyed HMAC-SHA256 signatures truncated to SigLen bytes.
// All hash operations are infallible once the Hasher is constructed.
type Hasher struct {
	key []byte
}

// New creates a Hasher from the deployment master key. Keys shorter than
// 128 bits are rejected outright.
func New(key []byte) (*Hasher, error) {
	if len(key) < MinKeyBytes {
		return nil, fmt.Errorf("hasher: key must be at least %d bytes, got %d", MinKeyBytes, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Hasher{key: k}, nil
}

// Hash returns the base64url-encoded (no padding) 16-byte HMAC-SHA256
// truncation of the UTF-8 input.
func (h *Hasher) Hash(input string) string {
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(input))
	sum := mac.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:SigLen])
}

// Compose joins the non-empty parts with "|" and hashes the result.
// An all-empty input hashes the empty string, which is a stable
// "unknown client" signature rather than an error.
func (h *Hasher) Compose(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return h.Hash(strings.Join(kept, "|"))
}

// HashIPSubnet hashes the CIDR block containing ip. IPv4 supports /8,
// /16, /24; anything else (including IPv6) falls back to hashing the
// bare address.
func (h *Hasher) HashIPSubnet(ip string, prefixLen int) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return h.Hash(ip)
	}
	v4 := parsed.To4()
	if v4 == nil {
		return h.Hash(ip)
	}
	switch prefixLen {
	case 8, 16, 24:
	default:
		return h.Hash(ip)
	}
	mask := net.CIDRMask(prefixLen, 32)
	network := v4.Mask(mask)
	return h.Hash(fmt.Sprintf("%s/%d", network.String(), prefixLen))
}

// DeriveDaily returns a Hasher whose key is derived from the master key
// and the given date. Signatures minted under a daily key cannot be
// joined across days.
func (h *Hasher) DeriveDaily(date time.Time) *Hasher {
	return h.derive("daily", date.UTC().Format("2006-01-02"))
}

// DeriveTenant returns a Hasher keyed for a single tenant.
func (h *Hasher) DeriveTenant(tenantID string) *Hasher {
	return h.derive("tenant", tenantID)
}

func (h *Hasher) derive(scope, id string) *Hasher {
	info := fmt.Sprintf("stylobot:%s:v1:%s", scope, id)
	r := hkdf.New(sha256.New, h.key, nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		// HKDF over SHA-256 cannot fail for a 32-byte read.
		panic(fmt.Sprintf("hasher: hkdf derive: %v", err))
	}
	return &Hasher{key: key}
}
