// Package device manages the stable anonymous identifier for this
// installation, used to correlate activity before any sign-in happens and
// as a fallback key when no session exists.
package device

import (
	"context"
	"crypto/rand"
	"math/big"
	"strings"
	"sync"

	"github.com/framegen/authcore/internal/store"
	"go.uber.org/zap"
)

const (
	identityKey      = "device_id"
	identityLength   = 20
	identityAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Manager owns the device identity. GetOrCreate never fails: if every
// storage layer rejects the write, the freshly generated identity still
// serves the current process lifetime.
type Manager struct {
	mutex    sync.Mutex
	durable  *store.DurableStore
	logger   *zap.Logger
	cachedID string
}

// NewManager constructs a Manager over the durable store.
func NewManager(durable *store.DurableStore, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{durable: durable, logger: logger}
}

// GetOrCreate returns the persisted device identity, creating and
// persisting a fresh one when absent from every layer.
func (manager *Manager) GetOrCreate(ctx context.Context) string {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	if manager.cachedID != "" {
		return manager.cachedID
	}
	if stored, found := manager.durable.Get(ctx, identityKey); found && strings.TrimSpace(stored) != "" {
		manager.cachedID = stored
		return stored
	}

	generated := generateIdentity()
	manager.cachedID = generated
	manager.durable.Set(ctx, identityKey, generated)
	manager.logger.Info("generated device identity",
		zap.String("code", "device.identity_created"))
	return generated
}

// Update force-overwrites the stored identity, used when a server-confirmed
// identity supersedes the anonymous one.
func (manager *Manager) Update(ctx context.Context, newID string) {
	if strings.TrimSpace(newID) == "" {
		return
	}
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	manager.cachedID = newID
	manager.durable.Set(ctx, identityKey, newID)
}

func generateIdentity() string {
	alphabetSize := big.NewInt(int64(len(identityAlphabet)))
	var builder strings.Builder
	builder.Grow(identityLength)
	for index := 0; index < identityLength; index++ {
		position, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			// crypto/rand failing means the platform entropy source is
			// broken; there is no weaker fallback worth having.
			panic("device.identity_entropy: " + err.Error())
		}
		builder.WriteByte(identityAlphabet[position.Int64()])
	}
	return builder.String()
}
