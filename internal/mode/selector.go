// Package mode decides whether the active generation flow bills against
// the user's own API key or the credit-backed account, and remembers the
// user's last explicit choice.
package mode

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/framegen/authcore/internal/session"
	"github.com/framegen/authcore/internal/store"
	"go.uber.org/zap"
)

// Kind enumerates the two mutually exclusive operating modes.
type Kind string

// Operating modes.
const (
	KindAPIKey  Kind = "apiKey"
	KindCredits Kind = "credits"
)

// ErrUnknownKind rejects preference writes outside the enumeration.
var ErrUnknownKind = errors.New("mode.unknown_kind")

// Persisted keys.
const (
	preferenceKey = "mode_preference"
	apiKeyKey     = "api_key"
)

// Resolution is the outcome of Resolve.
type Resolution struct {
	Mode   Kind
	APIKey string
}

// Selector resolves the operating mode from persisted preference and
// session presence.
type Selector struct {
	durable  *store.DurableStore
	sessions *session.Store
	logger   *zap.Logger
}

// NewSelector constructs a Selector.
func NewSelector(durable *store.DurableStore, sessions *session.Store, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{durable: durable, sessions: sessions, logger: logger}
}

// Resolve picks the active mode. Priority: an explicit persisted
// preference wins; else a stored API key implies apiKey mode; else an
// active session implies credits mode; else apiKey with an empty key so
// the UI prompts for one.
func (selector *Selector) Resolve(ctx context.Context) Resolution {
	storedAPIKey, _ := selector.durable.Get(ctx, apiKeyKey)

	if preference, found := selector.durable.Get(ctx, preferenceKey); found {
		switch Kind(preference) {
		case KindCredits:
			return Resolution{Mode: KindCredits}
		case KindAPIKey:
			return Resolution{Mode: KindAPIKey, APIKey: storedAPIKey}
		default:
			selector.logger.Warn("ignoring unknown persisted mode",
				zap.String("code", "mode.unknown_preference"),
				zap.String("value", preference))
		}
	}

	if strings.TrimSpace(storedAPIKey) != "" {
		return Resolution{Mode: KindAPIKey, APIKey: storedAPIKey}
	}
	if selector.sessions.Get(ctx) != nil {
		return Resolution{Mode: KindCredits}
	}
	return Resolution{Mode: KindAPIKey}
}

// SetPreference persists the user's explicit choice immediately. The API
// key is stored only for apiKey mode; switching to credits leaves a
// previously stored key in place so switching back is cheap.
func (selector *Selector) SetPreference(ctx context.Context, mode Kind, apiKey string) error {
	switch mode {
	case KindAPIKey, KindCredits:
	default:
		return fmt.Errorf("mode.set_preference: %w: %q", ErrUnknownKind, mode)
	}
	selector.durable.Set(ctx, preferenceKey, string(mode))
	if mode == KindAPIKey && strings.TrimSpace(apiKey) != "" {
		selector.durable.Set(ctx, apiKeyKey, apiKey)
	}
	selector.logger.Info("mode preference updated",
		zap.String("code", "mode.preference_set"),
		zap.String("mode", string(mode)))
	return nil
}

// ClearAPIKey removes the stored literal key, used when the user revokes
// it in settings.
func (selector *Selector) ClearAPIKey(ctx context.Context) {
	selector.durable.Remove(ctx, apiKeyKey)
}
