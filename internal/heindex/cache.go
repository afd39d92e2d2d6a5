package heindex

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// compareCache memoizes (operation, ciphertext-hash, query) -> bool so that
// repeated comparisons against the same ciphertext and predicate short
// circuit. Spec §4.3: presence must be unobservable beyond latency.
type compareCache struct {
	mu      sync.Mutex
	entries map[uint64]bool
}

func newCompareCache() *compareCache {
	return &compareCache{entries: make(map[uint64]bool)}
}

func compareCacheKey(operation string, ciphertext []byte, query string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(operation)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(ciphertext)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(query)
	return h.Sum64()
}

func (c *compareCache) get(operation string, ciphertext []byte, query string) (bool, bool) {
	key := compareCacheKey(operation, ciphertext, query)
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *compareCache) put(operation string, ciphertext []byte, query string, result bool) {
	key := compareCacheKey(operation, ciphertext, query)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = result
}

func (c *compareCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]bool)
}

func rangeQueryKey(lo, hi *uint64) string {
	loStr, hiStr := "-", "-"
	if lo != nil {
		loStr = fmt.Sprintf("%d", *lo)
	}
	if hi != nil {
		hiStr = fmt.Sprintf("%d", *hi)
	}
	return loStr + ".." + hiStr
}
