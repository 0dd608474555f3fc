package embeddings

import "sync"

// Cache is a bounded vector cache with FIFO eviction: when full, the entries
// inserted earliest are dropped first. Reads do not affect eviction order and
// overwriting a key keeps its original position.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string][]float32
	order    []string
}

// NewCache creates a cache holding at most capacity vectors.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[string][]float32, capacity),
		order:    make([]string, 0, capacity),
	}
}

// Get returns the cached vector for key.
func (c *Cache) Get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

// Put stores v under key, evicting the oldest entries when over capacity.
func (c *Cache) Put(key string, v []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.entries[key] = v
		return
	}
	for len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = v
	c.order = append(c.order, key)
}

// Len reports the number of cached vectors.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
