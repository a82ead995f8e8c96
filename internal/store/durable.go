package store

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// DefaultNamespace prefixes persisted keys unless the caller overrides it.
const DefaultNamespace = "framegen"

// DurableStore fans writes out to every layer and reads in priority order,
// repairing higher-priority layers from lower ones. All persistence
// failures are fail-open: a layer error is logged and swallowed because the
// remaining layers provide the redundancy.
type DurableStore struct {
	layers    []Layer
	namespace string
	logger    *zap.Logger
}

// Option customizes a DurableStore.
type Option func(*DurableStore)

// WithNamespace overrides the key prefix.
func WithNamespace(namespace string) Option {
	return func(durable *DurableStore) {
		durable.namespace = namespace
	}
}

// WithLogger attaches a logger for fail-open diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(durable *DurableStore) {
		durable.logger = logger
	}
}

// NewDurableStore builds a store over the given layers in priority order
// (fastest first).
func NewDurableStore(layers []Layer, options ...Option) *DurableStore {
	durable := &DurableStore{
		layers:    layers,
		namespace: DefaultNamespace,
		logger:    zap.NewNop(),
	}
	for _, option := range options {
		option(durable)
	}
	return durable
}

// Set writes the value to every layer. It never fails: layer errors are
// logged and swallowed.
func (durable *DurableStore) Set(ctx context.Context, key string, value string) {
	namespacedKey, keyErr := durable.namespaced(key)
	if keyErr != nil {
		durable.logger.Warn("rejected store write",
			zap.String("code", "durable_store.set.invalid_key"),
			zap.Error(keyErr))
		return
	}
	for _, layer := range durable.layers {
		if setErr := layer.Set(ctx, namespacedKey, value); setErr != nil {
			durable.logger.Debug("layer write failed",
				zap.String("code", "durable_store.set.layer_failed"),
				zap.String("layer", layer.Name()),
				zap.String("key", key),
				zap.Error(setErr))
		}
	}
}

// Get reads the value in layer-priority order. A hit in a lower layer
// repairs every layer above it before returning. Returns empty and false
// only when the value is absent everywhere.
func (durable *DurableStore) Get(ctx context.Context, key string) (string, bool) {
	return durable.lookup(ctx, key, false)
}

// GetSync is the best-effort synchronous variant: it consults only layers
// that report Synchronous and still performs repair among them.
func (durable *DurableStore) GetSync(key string) (string, bool) {
	return durable.lookup(context.Background(), key, true)
}

// Remove deletes the key from every layer; layers that never held the key
// are fine.
func (durable *DurableStore) Remove(ctx context.Context, key string) {
	namespacedKey, keyErr := durable.namespaced(key)
	if keyErr != nil {
		return
	}
	for _, layer := range durable.layers {
		if removeErr := layer.Remove(ctx, namespacedKey); removeErr != nil {
			durable.logger.Debug("layer remove failed",
				zap.String("code", "durable_store.remove.layer_failed"),
				zap.String("layer", layer.Name()),
				zap.String("key", key),
				zap.Error(removeErr))
		}
	}
}

func (durable *DurableStore) lookup(ctx context.Context, key string, synchronousOnly bool) (string, bool) {
	namespacedKey, keyErr := durable.namespaced(key)
	if keyErr != nil {
		return "", false
	}
	var consulted []Layer
	for _, layer := range durable.layers {
		if synchronousOnly && !layer.Synchronous() {
			continue
		}
		value, found, getErr := layer.Get(ctx, namespacedKey)
		if getErr != nil {
			durable.logger.Debug("layer read failed",
				zap.String("code", "durable_store.get.layer_failed"),
				zap.String("layer", layer.Name()),
				zap.String("key", key),
				zap.Error(getErr))
			consulted = append(consulted, layer)
			continue
		}
		if found {
			durable.repair(ctx, consulted, namespacedKey, value)
			return value, true
		}
		consulted = append(consulted, layer)
	}
	return "", false
}

func (durable *DurableStore) repair(ctx context.Context, missedLayers []Layer, namespacedKey string, value string) {
	for _, layer := range missedLayers {
		if setErr := layer.Set(ctx, namespacedKey, value); setErr != nil {
			durable.logger.Debug("layer repair failed",
				zap.String("code", "durable_store.repair.layer_failed"),
				zap.String("layer", layer.Name()),
				zap.Error(setErr))
		}
	}
}

func (durable *DurableStore) namespaced(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("durable_store.key: %w", ErrEmptyKey)
	}
	if durable.namespace == "" {
		return key, nil
	}
	return durable.namespace + "." + key, nil
}
