// Package turbocache is an embedded, persistent, on-device key/value store
// optimized for small-object caches. It is single-writer, single-process,
// and exposes Set/Get/Del/Iter over byte-string keys and values up to 4096
// bytes each, with crash-safe durability and incremental growth.
//
// Basic usage:
//
//	cache, err := turbocache.Open("data")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer cache.Close()
//
//	if _, err := cache.Set([]byte("apple"), []byte("red")); err != nil {
//		log.Fatal(err)
//	}
//
//	value, ok, err := cache.Get([]byte("apple"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	if ok {
//		fmt.Println(string(value))
//	}
//
// TurboCache does not support multiple processes writing the same directory
// concurrently, networked access, cross-key transactions, secondary
// indexes, ordered iteration, or values above 4096 bytes.
package turbocache

import (
	"iter"
	"sync"
)

// Cache is the public façade (§6.1): a thin wrapper binding a filesystem
// directory to one Controller. It re-opens and resumes any in-progress
// migration on Open.
type Cache struct {
	mu   sync.Mutex
	dir  string
	ctrl *Controller
}

// Open opens or creates a cache rooted at dir. If dir already holds a
// live.tc (and possibly a staging.tc), state — including any in-progress
// migration — is recovered (§3.3, §6.1).
func Open(dir string, opts ...Option) (*Cache, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ctrl, err := OpenController(dir, o)
	if err != nil {
		return nil, err
	}

	return &Cache{dir: dir, ctrl: ctrl}, nil
}

func validateEntry(key, value []byte) error {
	if len(key) > maxEntrySize {
		return ErrInputTooLarge
	}
	if value != nil && len(value) > maxEntrySize {
		return ErrInputTooLarge
	}
	return nil
}

// Set inserts or replaces key's value. A failed Set leaves the store
// unchanged from any reader's point of view (§4.4, §7).
func (c *Cache) Set(key, value []byte) (InsertResult, error) {
	if err := validateEntry(key, value); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctrl == nil {
		return 0, ErrNotOpen
	}
	return c.ctrl.Set(key, value)
}

// Get returns key's current value, or ok=false if it is absent or deleted.
func (c *Cache) Get(key []byte) (value []byte, ok bool, err error) {
	if len(key) > maxEntrySize {
		return nil, false, ErrInputTooLarge
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctrl == nil {
		return nil, false, ErrNotOpen
	}
	return c.ctrl.Get(key)
}

// Del removes key, returning its last value and ok=true if it was present.
// Deleting an absent key is a no-op that returns ok=false (P2).
func (c *Cache) Del(key []byte) (value []byte, ok bool, err error) {
	if len(key) > maxEntrySize {
		return nil, false, ErrInputTooLarge
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctrl == nil {
		return nil, false, ErrNotOpen
	}
	return c.ctrl.Del(key)
}

// Count returns the total number of live entries across the live table and
// any in-progress staging table (§6.1's total_count).
func (c *Cache) Count() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctrl == nil {
		return 0, ErrNotOpen
	}
	return c.ctrl.Count(), nil
}

// Iter returns a lazy, non-restartable sequence over every (key, value)
// pair in the store (§9). Order is implementation-defined, not insertion
// order. Callers needing a stable snapshot should use Collect instead.
func (c *Cache) Iter() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		c.mu.Lock()
		ctrl := c.ctrl
		c.mu.Unlock()
		if ctrl == nil {
			yield(Entry{}, ErrNotOpen)
			return
		}
		for e, err := range ctrl.Iter() {
			if !yield(e, err) {
				return
			}
		}
	}
}

// Collect eagerly gathers Iter into a slice snapshot.
func (c *Cache) Collect() ([]Entry, error) {
	var entries []Entry
	for e, err := range c.Iter() {
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Close releases the cache's file handles and memory maps. The Cache must
// not be used afterward.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctrl == nil {
		return ErrNotOpen
	}
	err := c.ctrl.Close()
	c.ctrl = nil
	return err
}
