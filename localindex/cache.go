package localindex

import (
	"bytes"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultCacheSize bounds the number of cached plaintexts.
	DefaultCacheSize = 1024
	// DefaultCacheMaxAge bounds how long a cached plaintext may live.
	DefaultCacheMaxAge = 15 * time.Minute
)

// PlaintextCache holds decrypted message bodies keyed by content ref. It is
// a pure performance layer: eviction drops only the cached plaintext, never
// the underlying message or delivery rows, and any entry can be regenerated
// by re-fetch plus re-decrypt. Size-bounded with LRU eviction and a maximum
// age per entry; safe for concurrent use.
type PlaintextCache struct {
	lru *expirable.LRU[string, []byte]
}

// NewPlaintextCache builds a cache with the given size bound and max entry
// age. Non-positive arguments fall back to defaults.
func NewPlaintextCache(size int, maxAge time.Duration) (*PlaintextCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if maxAge <= 0 {
		maxAge = DefaultCacheMaxAge
	}

	lru := expirable.NewLRU[string, []byte](size, nil, maxAge)
	if lru == nil {
		return nil, errors.New("create plaintext cache")
	}

	return &PlaintextCache{lru: lru}, nil
}

// Add caches a decrypted plaintext under its content ref.
func (c *PlaintextCache) Add(contentRef string, plaintext []byte) {
	if contentRef == "" {
		return
	}
	c.lru.Add(contentRef, bytes.Clone(plaintext))
}

// Get returns the cached plaintext for a content ref, if present and fresh.
func (c *PlaintextCache) Get(contentRef string) ([]byte, bool) {
	plaintext, ok := c.lru.Get(contentRef)
	if !ok {
		return nil, false
	}
	return bytes.Clone(plaintext), true
}

// Remove drops one cached plaintext.
func (c *PlaintextCache) Remove(contentRef string) {
	c.lru.Remove(contentRef)
}

// Purge drops all cached plaintexts.
func (c *PlaintextCache) Purge() {
	c.lru.Purge()
}

// Len returns the number of cached plaintexts.
func (c *PlaintextCache) Len() int {
	return c.lru.Len()
}
