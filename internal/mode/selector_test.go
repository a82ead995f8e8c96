package mode

import (
	"context"
	"errors"
	"testing"

	"github.com/framegen/authcore/internal/session"
	"github.com/framegen/authcore/internal/store"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	selector *Selector
	sessions *session.Store
	durable  *store.DurableStore
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	durable := store.NewDurableStore([]store.Layer{store.NewMemoryLayer()})
	sessions := session.NewStore(durable, zaptest.NewLogger(t))
	return fixture{
		selector: NewSelector(durable, sessions, zaptest.NewLogger(t)),
		sessions: sessions,
		durable:  durable,
	}
}

func TestResolvePriorityTable(t *testing.T) {
	testCases := []struct {
		name         string
		preference   string
		apiKey       string
		hasSession   bool
		expectedMode Kind
		expectedKey  string
	}{
		{
			name:         "preference wins over stored key",
			preference:   "credits",
			apiKey:       "AIzaSy123",
			expectedMode: KindCredits,
		},
		{
			name:         "api key preference carries the key",
			preference:   "apiKey",
			apiKey:       "AIzaSy123",
			expectedMode: KindAPIKey,
			expectedKey:  "AIzaSy123",
		},
		{
			name:         "stored key without preference implies apiKey",
			apiKey:       "AIzaSy456",
			expectedMode: KindAPIKey,
			expectedKey:  "AIzaSy456",
		},
		{
			name:         "session without key or preference implies credits",
			hasSession:   true,
			expectedMode: KindCredits,
		},
		{
			name:         "empty state defaults to apiKey with empty key",
			expectedMode: KindAPIKey,
		},
		{
			name:         "unknown persisted preference falls through",
			preference:   "banana",
			hasSession:   true,
			expectedMode: KindCredits,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			state := newFixture(t)
			ctx := context.Background()
			if testCase.preference != "" {
				state.durable.Set(ctx, "mode_preference", testCase.preference)
			}
			if testCase.apiKey != "" {
				state.durable.Set(ctx, "api_key", testCase.apiKey)
			}
			if testCase.hasSession {
				state.sessions.Save(ctx, &session.Session{UserID: "u1"})
			}

			resolved := state.selector.Resolve(ctx)
			if resolved.Mode != testCase.expectedMode {
				t.Fatalf("expected mode %q, got %q", testCase.expectedMode, resolved.Mode)
			}
			if resolved.APIKey != testCase.expectedKey {
				t.Fatalf("expected key %q, got %q", testCase.expectedKey, resolved.APIKey)
			}
		})
	}
}

func TestSetPreferencePersistsImmediately(t *testing.T) {
	state := newFixture(t)
	ctx := context.Background()

	if err := state.selector.SetPreference(ctx, KindAPIKey, "AIzaSy789"); err != nil {
		t.Fatalf("set preference: %v", err)
	}
	if resolved := state.selector.Resolve(ctx); resolved.Mode != KindAPIKey || resolved.APIKey != "AIzaSy789" {
		t.Fatalf("unexpected resolution: %+v", resolved)
	}

	// Switching to credits keeps the stored key for a cheap switch back.
	if err := state.selector.SetPreference(ctx, KindCredits, ""); err != nil {
		t.Fatalf("set preference: %v", err)
	}
	if resolved := state.selector.Resolve(ctx); resolved.Mode != KindCredits {
		t.Fatalf("unexpected resolution: %+v", resolved)
	}
	if err := state.selector.SetPreference(ctx, KindAPIKey, ""); err != nil {
		t.Fatalf("set preference: %v", err)
	}
	if resolved := state.selector.Resolve(ctx); resolved.APIKey != "AIzaSy789" {
		t.Fatalf("expected retained key, got %+v", resolved)
	}
}

func TestSetPreferenceRejectsUnknownMode(t *testing.T) {
	state := newFixture(t)
	if err := state.selector.SetPreference(context.Background(), Kind("banana"), ""); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestClearAPIKey(t *testing.T) {
	state := newFixture(t)
	ctx := context.Background()
	if err := state.selector.SetPreference(ctx, KindAPIKey, "AIzaSy000"); err != nil {
		t.Fatalf("set preference: %v", err)
	}
	state.selector.ClearAPIKey(ctx)
	if resolved := state.selector.Resolve(ctx); resolved.APIKey != "" {
		t.Fatalf("expected cleared key, got %+v", resolved)
	}
}
