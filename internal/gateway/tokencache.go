package gateway

import (
	"sync"
	"time"
)

// tokenTTL mirrors the gateway-side token lifetime.
const tokenTTL = time.Hour

// tokenCache is a fixed-key bearer-token cache. Concurrent misses may
// race to fetch a fresh token; token issuance is idempotent on the
// gateway side, so duplicate grants are accepted instead of serializing
// callers behind a single flight.
type tokenCache struct {
	mu     sync.RWMutex
	tokens map[string]cachedToken
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

func newTokenCache() *tokenCache {
	return &tokenCache{tokens: make(map[string]cachedToken)}
}

func (c *tokenCache) get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.tokens[key]
	if !ok || time.Now().After(t.expiresAt) {
		return "", false
	}
	return t.value, true
}

func (c *tokenCache) put(key, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tokens[key] = cachedToken{value: value, expiresAt: time.Now().Add(ttl)}
}
