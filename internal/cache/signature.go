// Package cache holds the process-lifetime caches shared by the dispatcher and the
// request/response transformers.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/ceciliomichael/antigravity-gateway/internal/models"
)

// SignatureCache maps (family, session, thought text) to the provider signature
// that was emitted for that text. Entries live as long as the cache instance.
type SignatureCache struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewSignatureCache creates an empty signature cache.
func NewSignatureCache() *SignatureCache {
	return &SignatureCache{items: make(map[string]string)}
}

// Put stores a signature for the given thought text.
func (c *SignatureCache) Put(family models.Family, sessionID, text, signature string) {
	text = normalizeThought(text)
	if text == "" || signature == "" {
		return
	}
	key := signatureKey(family, sessionID, text)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = signature
}

// Get returns the cached signature or an empty string.
func (c *SignatureCache) Get(family models.Family, sessionID, text string) string {
	text = normalizeThought(text)
	if text == "" {
		return ""
	}
	key := signatureKey(family, sessionID, text)

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.items[key]
}

// HeldByOtherFamily reports whether a family other than family has a signature
// for the same session and text.
func (c *SignatureCache) HeldByOtherFamily(family models.Family, sessionID, text string) bool {
	for _, other := range models.Families {
		if other != family && c.Get(other, sessionID, text) != "" {
			return true
		}
	}
	return false
}

// Len returns the number of cached signatures.
func (c *SignatureCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func normalizeThought(text string) string {
	return strings.TrimSpace(text)
}

func signatureKey(family models.Family, sessionID, text string) string {
	h := sha256.New()
	h.Write([]byte(family))
	h.Write([]byte{0})
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}
