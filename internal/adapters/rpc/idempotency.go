package rpc

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

const (
	idempotencyHeader     = "X-Panthalassa-Idempotency-Key"
	idempotencyTTL        = 10 * time.Minute
	idempotencyMaxEntries = 1024
)

type idempotencyEntry struct {
	requestHash string
	response    rpcResponse
	createdAt   time.Time
}

// idempotencyCache replays successful responses for retried requests, so a
// host retrying chat.send does not publish twice.
type idempotencyCache struct {
	mu      sync.Mutex
	entries map[string]idempotencyEntry
}

func newIdempotencyCache() *idempotencyCache {
	return &idempotencyCache{entries: make(map[string]idempotencyEntry)}
}

// get returns the cached response, whether one was found, and whether the
// key was used before with a different request.
func (c *idempotencyCache) get(cacheKey, requestHash string, now time.Time) (rpcResponse, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)
	entry, ok := c.entries[cacheKey]
	if !ok {
		return rpcResponse{}, false, false
	}
	if entry.requestHash != requestHash {
		return rpcResponse{}, false, true
	}
	return entry.response, true, false
}

func (c *idempotencyCache) set(cacheKey, requestHash string, resp rpcResponse, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)
	c.entries[cacheKey] = idempotencyEntry{requestHash: requestHash, response: resp, createdAt: now}
	if len(c.entries) <= idempotencyMaxEntries {
		return
	}
	var oldestKey string
	var oldestAt time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.createdAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.createdAt
		}
	}
	delete(c.entries, oldestKey)
}

func (c *idempotencyCache) pruneLocked(now time.Time) {
	for key, entry := range c.entries {
		if now.Sub(entry.createdAt) > idempotencyTTL {
			delete(c.entries, key)
		}
	}
}

func idempotencyKey(raw, token string) string {
	key := strings.TrimSpace(raw)
	if key == "" {
		return ""
	}
	return token + "|" + key
}

func requestHash(req rpcRequest) string {
	sum := sha256.Sum256([]byte(req.Method + "\x00" + string(req.Params)))
	return hex.EncodeToString(sum[:])
}
