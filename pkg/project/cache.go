package project

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the number of parsed descriptions kept in memory
const DefaultCacheSize = 512

// cacheEntry coordinates concurrent loads of the same path
type cacheEntry struct {
	doc  *Document
	err  error
	once sync.Once
}

// DocumentCache keeps parsed descriptions across graph loads.
//
// Reads may happen concurrently. Entries are only populated during graph loads,
// which run under the build coordinator's lock. Invalidate is driven by the file
// watcher when a description or import changes on disk.
type DocumentCache struct {
	docs    *lru.Cache[string, *Document]
	loading sync.Map // map[string]*cacheEntry for in-flight loads
}

// NewDocumentCache creates a cache holding at most size documents
func NewDocumentCache(size int) *DocumentCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	docs, err := lru.New[string, *Document](size)
	if err != nil {
		// lru.New only fails for non-positive sizes
		panic(err)
	}
	return &DocumentCache{docs: docs}
}

// Invalidate removes a cached entry and any in-flight loading state
func (c *DocumentCache) Invalidate(path string) bool {
	c.loading.Delete(path)
	return c.docs.Remove(path)
}

// Len returns the number of cached documents
func (c *DocumentCache) Len() int {
	return c.docs.Len()
}

// GetOrLoad returns the cached document or loads it with loader.
// Only one goroutine runs the loader for a given path; others wait for its result.
// Failed loads are not cached.
func (c *DocumentCache) GetOrLoad(path string, loader func(string) (*Document, error)) (*Document, error) {
	if doc, ok := c.docs.Get(path); ok {
		return doc, nil
	}

	actual, _ := c.loading.LoadOrStore(path, &cacheEntry{})
	entry := actual.(*cacheEntry)

	entry.once.Do(func() {
		entry.doc, entry.err = loader(path)
		if entry.err == nil {
			c.docs.Add(path, entry.doc)
		}
	})

	// Goroutines already holding the entry still see its result. Later callers
	// hit the LRU, or reload if the document was evicted or failed to load.
	c.loading.CompareAndDelete(path, entry)
	return entry.doc, entry.err
}
