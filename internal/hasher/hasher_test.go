package hasher

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return h
}

func TestNew_RejectsShortKey(t *testing.T) {
	_, err := New([]byte("too-short"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "at least 16 bytes")
}

func TestHash_DeterministicAndEncoded(t *testing.T) {
	h := testHasher(t)

	sig := h.Hash("198.51.100.42")
	assert.Len(t, sig, EncodedLen, "16 bytes base64url without padding is 22 chars")
	assert.NotContains(t, sig, "=")
	assert.NotContains(t, sig, "+")
	assert.NotContains(t, sig, "/")

	// Byte-identical across invocations
	assert.Equal(t, sig, h.Hash("198.51.100.42"))

	// Different inputs diverge
	assert.NotEqual(t, sig, h.Hash("198.51.100.43"))
}

func TestHash_Keyedness(t *testing.T) {
	h1 := testHasher(t)
	h2, err := New([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)

	assert.NotEqual(t, h1.Hash("same input"), h2.Hash("same input"),
		"different keys must produce different signatures")
}

func TestCompose_SkipsEmptyParts(t *testing.T) {
	h := testHasher(t)

	assert.Equal(t, h.Compose("a", "", "b"), h.Compose("a", "b"))
	assert.Equal(t, h.Compose("a", "b"), h.Hash("a|b"))

	// All-empty input is the stable unknown-client signature, not an error
	unknown := h.Compose("", "")
	assert.Equal(t, h.Hash(""), unknown)
	assert.Len(t, unknown, EncodedLen)
}

func TestHashIPSubnet(t *testing.T) {
	h := testHasher(t)

	tests := []struct {
		name   string
		ip     string
		prefix int
		want   string
	}{
		{"ipv4 /24", "203.0.113.77", 24, h.Hash("203.0.113.0/24")},
		{"ipv4 /16", "203.0.113.77", 16, h.Hash("203.0.0.0/16")},
		{"ipv4 /8", "203.0.113.77", 8, h.Hash("203.0.0.0/8")},
		{"ipv6 falls back", "2001:db8::1", 24, h.Hash("2001:db8::1")},
		{"garbage falls back", "not-an-ip", 24, h.Hash("not-an-ip")},
		{"unsupported prefix falls back", "203.0.113.77", 12, h.Hash("203.0.113.77")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.HashIPSubnet(tt.ip, tt.prefix))
		})
	}
}

func TestDeriveDaily_RotatesAcrossDays(t *testing.T) {
	h := testHasher(t)

	day1 := h.DeriveDaily(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	day1Later := h.DeriveDaily(time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC))
	day2 := h.DeriveDaily(time.Date(2026, 3, 2, 0, 1, 0, 0, time.UTC))

	assert.Equal(t, day1.Hash("ua"), day1Later.Hash("ua"), "same day, same key")
	assert.NotEqual(t, day1.Hash("ua"), day2.Hash("ua"), "new day, new key")
	assert.NotEqual(t, h.Hash("ua"), day1.Hash("ua"), "derived key differs from master")
}

func TestDeriveTenant_Isolated(t *testing.T) {
	h := testHasher(t)

	ta := h.DeriveTenant("tenant-a")
	tb := h.DeriveTenant("tenant-b")

	assert.NotEqual(t, ta.Hash("203.0.113.7"), tb.Hash("203.0.113.7"))
	assert.Equal(t, ta.Hash("203.0.113.7"), h.DeriveTenant("tenant-a").Hash("203.0.113.7"),
		"derivation is deterministic")
}

func TestHash_NoRawInputLeaks(t *testing.T) {
	h := testHasher(t)
	raw := "Mozilla/5.0 (Windows NT 10.0; Win64; x64)"
	sig := h.Hash(raw)
	for _, token := range strings.Fields(raw) {
		assert.NotContains(t, sig, token)
	}
}

func BenchmarkHash(b *testing.B) {
	h, _ := New([]byte("0123456789abcdef0123456789abcdef"))
	for i := 0; i < b.N; i++ {
		h.Hash("198.51.100.42|Mozilla/5.0 (X11; Linux x86_64)")
	}
}
