package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// MaxCachedTextBytes bounds the text stored alongside a cached embedding.
const MaxCachedTextBytes = 500

// EmbeddingCacheEntry is a memoized embedding keyed by (TextHash, Model).
type EmbeddingCacheEntry struct {
	TextHash  string     `json:"text_hash"`
	Text      string     `json:"text"` // Truncated to MaxCachedTextBytes
	Model     string     `json:"model"`
	Vector    []float32  `json:"vector"`
	HitCount  int64      `json:"hit_count"`
	LastHitAt *time.Time `json:"last_hit_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// IsExpired reports whether the entry must be treated as absent.
func (e *EmbeddingCacheEntry) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// TextHash returns the cache key hash for text.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// TruncateText cuts s to at most n bytes without splitting a UTF-8 sequence.
func TruncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
