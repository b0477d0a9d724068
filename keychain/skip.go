package keychain

import (
	"sync"
	"time"

	"github.com/secure-legion/legion/storage"
)

type skipKey struct {
	contact storage.ContactID
	index   uint64
}

type skipEntry struct {
	key     []byte
	addedAt time.Time
}

// skipCache holds message keys derived for counters that arrived out of
// order. Entries are consumed on use and swept after the configured TTL.
type skipCache struct {
	mu   sync.Mutex
	keys map[skipKey]skipEntry
}

func newSkipCache() *skipCache {
	return &skipCache{keys: make(map[skipKey]skipEntry)}
}

func (c *skipCache) put(contact storage.ContactID, index uint64, key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[skipKey{contact, index}] = skipEntry{
		key:     append([]byte(nil), key...),
		addedAt: time.Now(),
	}
}

// take removes and returns the cached key for an index, if present.
func (c *skipCache) take(contact storage.ContactID, index uint64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := skipKey{contact, index}
	e, ok := c.keys[k]
	if !ok {
		return nil, false
	}
	delete(c.keys, k)
	return e.key, true
}

func (c *skipCache) sweep(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.keys {
		if e.addedAt.Before(cutoff) {
			delete(c.keys, k)
			n++
		}
	}
	return n
}

func (c *skipCache) drop(contact storage.ContactID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.keys {
		if k.contact == contact {
			delete(c.keys, k)
		}
	}
}

func (c *skipCache) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}
