package contentstore

import (
	"bytes"
	"context"
	"sync"
)

// MemoryClient is an in-process content-addressed store used for local
// operation and tests. Content is strictly immutable once stored.
type MemoryClient struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryClient creates an empty in-memory store.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{blobs: make(map[string][]byte)}
}

// Put stores data under its computed content address.
func (c *MemoryClient) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ref, err := ComputeRef(data)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.blobs[ref]; !exists {
		c.blobs[ref] = bytes.Clone(data)
	}

	return ref, nil
}

// Get returns the bytes stored under ref, or ErrNotFound.
func (c *MemoryClient) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.blobs[ref]
	if !ok {
		return nil, ErrNotFound
	}

	return bytes.Clone(data), nil
}

// Len returns the number of stored blobs.
func (c *MemoryClient) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blobs)
}
