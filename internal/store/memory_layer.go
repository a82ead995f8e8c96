package store

import (
	"context"
	"sync"
)

// MemoryLayer is the fast in-process cache consulted first on every read.
type MemoryLayer struct {
	mutex  sync.RWMutex
	values map[string]string
}

// NewMemoryLayer constructs an empty in-process cache layer.
func NewMemoryLayer() *MemoryLayer {
	return &MemoryLayer{values: make(map[string]string)}
}

// Name labels the layer in logs.
func (layer *MemoryLayer) Name() string {
	return "memory"
}

// Synchronous reports that the cache is safe for GetSync.
func (layer *MemoryLayer) Synchronous() bool {
	return true
}

// Get returns the cached value, if any.
func (layer *MemoryLayer) Get(ctx context.Context, key string) (string, bool, error) {
	layer.mutex.RLock()
	defer layer.mutex.RUnlock()
	value, ok := layer.values[key]
	return value, ok, nil
}

// Set stores the value in the cache.
func (layer *MemoryLayer) Set(ctx context.Context, key string, value string) error {
	layer.mutex.Lock()
	defer layer.mutex.Unlock()
	layer.values[key] = value
	return nil
}

// Remove deletes the cached value.
func (layer *MemoryLayer) Remove(ctx context.Context, key string) error {
	layer.mutex.Lock()
	defer layer.mutex.Unlock()
	delete(layer.values, key)
	return nil
}
