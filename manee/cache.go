package manee

import (
	"sync"
	"sync/atomic"
)

// AnswerCache maps questions to previously obtained answers. Keys are
// matched exactly, with no normalization of case or whitespace.
type AnswerCache interface {
	// Get returns the cached answer for question, if there is one
	Get(question string) (string, bool)

	// Put stores answer for question, replacing any existing answer
	Put(question string, answer string)
}

// CacheStats is a point-in-time snapshot of MemoryCache usage
type CacheStats struct {
	Size   int   `json:"size"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// MemoryCache is an AnswerCache held in memory for the lifetime of
// the process. Entries are never evicted.
type MemoryCache struct {
	mu      sync.RWMutex
	answers map[string]string
	hits    atomic.Int64
	misses  atomic.Int64
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{answers: map[string]string{}}
}

func (c *MemoryCache) Get(question string) (string, bool) {
	c.mu.RLock()
	answer, ok := c.answers[question]
	c.mu.RUnlock()

	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return answer, ok
}

func (c *MemoryCache) Put(question string, answer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers[question] = answer
}

// Len returns the number of cached answers
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.answers)
}

func (c *MemoryCache) Stats() CacheStats {
	return CacheStats{
		Size:   c.Len(),
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}
