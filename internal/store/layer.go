// Package store implements the durable key-value store backing device
// identity, the cached session snapshot, and the mode preference. Values
// are written redundantly to an in-process cache, a cookie-style file, and
// an embedded database; reads repair higher-priority layers from lower
// ones so a value survives any single layer being wiped.
package store

import (
	"context"
	"errors"
)

// Sentinel errors exposed by the store.
var (
	ErrEmptyKey      = errors.New("durable_store.empty_key")
	ErrValueTooLarge = errors.New("durable_store.value_too_large")
)

// Layer is one storage mechanism consulted by the DurableStore. Layers are
// iterated uniformly as a strategy list; adding a fourth layer must not
// require touching call sites.
type Layer interface {
	// Name labels the layer in logs.
	Name() string
	// Synchronous reports whether the layer may be consulted from
	// GetSync, where the caller cannot await an async mechanism.
	Synchronous() bool
	// Get returns the stored value and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores the value, overwriting any previous one.
	Set(ctx context.Context, key string, value string) error
	// Remove deletes the value; absence is not an error.
	Remove(ctx context.Context, key string) error
}
