// Package client assembles the auth core: it runs the startup bootstrap
// that reconstitutes a session after a reload, exposes the auth state the
// UI renders from, and routes billed API calls so credit balances stay
// current.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/framegen/authcore/internal/device"
	"github.com/framegen/authcore/internal/mode"
	"github.com/framegen/authcore/internal/provider"
	"github.com/framegen/authcore/internal/session"
	"github.com/framegen/authcore/internal/store"
	"github.com/framegen/authcore/internal/token"
	"go.uber.org/zap"
)

// AuthState is what the UI renders during and after bootstrap. While
// Restoring, callers show a neutral loading state: a persisted session is
// a hint, never proof, so the UI must not look signed-in until the
// bootstrap refresh resolves.
type AuthState int

// Auth states.
const (
	AuthRestoring AuthState = iota
	AuthSignedIn
	AuthSignedOut
)

// String labels the state for logs.
func (state AuthState) String() string {
	switch state {
	case AuthSignedIn:
		return "signed_in"
	case AuthSignedOut:
		return "signed_out"
	default:
		return "restoring"
	}
}

// Client wires the auth core components together.
type Client struct {
	mutex   sync.Mutex
	state   AuthState
	baseURL string

	durable  *store.DurableStore
	devices  *device.Manager
	sessions *session.Store
	tokens   *token.Manager
	bridge   *provider.Bridge
	modes    *mode.Selector
	logger   *zap.Logger
}

// New wires a Client from already-constructed components.
func New(baseURL string, durable *store.DurableStore, devices *device.Manager, sessions *session.Store, tokens *token.Manager, bridge *provider.Bridge, modes *mode.Selector, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		state:    AuthRestoring,
		baseURL:  strings.TrimRight(baseURL, "/"),
		durable:  durable,
		devices:  devices,
		sessions: sessions,
		tokens:   tokens,
		bridge:   bridge,
		modes:    modes,
		logger:   logger,
	}
}

// Durable exposes the underlying durable key-value store.
func (client *Client) Durable() *store.DurableStore {
	return client.durable
}

// Sessions exposes the session store for UI subscriptions.
func (client *Client) Sessions() *session.Store {
	return client.sessions
}

// Tokens exposes the token lifecycle manager.
func (client *Client) Tokens() *token.Manager {
	return client.tokens
}

// Modes exposes the mode selector.
func (client *Client) Modes() *mode.Selector {
	return client.modes
}

// Bridge exposes the identity provider bridge.
func (client *Client) Bridge() *provider.Bridge {
	return client.bridge
}

// Devices exposes the device identity manager.
func (client *Client) Devices() *device.Manager {
	return client.devices
}

// State returns the current auth state.
func (client *Client) State() AuthState {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.state
}

func (client *Client) setState(state AuthState) {
	client.mutex.Lock()
	client.state = state
	client.mutex.Unlock()
}

// InitializeAuth runs the startup sequence. After a reload the access
// token is gone from memory, so a previously persisted session is
// reconstituted through one refresh round trip; with no persisted session
// there is no prior login to restore and no auth endpoint is called. The
// provider bridge is initialized before returning regardless of outcome so
// a sign-in affordance is usable.
func (client *Client) InitializeAuth(ctx context.Context) *session.Session {
	client.setState(AuthRestoring)
	client.devices.GetOrCreate(ctx)
	defer client.initializeBridge(ctx)

	if client.tokens.Token() != "" {
		if fresh := client.fetchProfile(ctx); fresh != nil {
			client.sessions.Save(ctx, fresh)
			client.setState(AuthSignedIn)
			return fresh
		}
	}

	if client.sessions.GetSync() == nil {
		client.setState(AuthSignedOut)
		return nil
	}

	if client.tokens.Refresh(ctx) {
		if fresh := client.fetchProfile(ctx); fresh != nil {
			client.sessions.Save(ctx, fresh)
			client.setState(AuthSignedIn)
			return fresh
		}
	}

	client.setState(AuthSignedOut)
	return nil
}

// SignOut clears the token, the persisted session, and flips the state.
func (client *Client) SignOut(ctx context.Context) {
	client.tokens.SignOut(ctx)
	client.setState(AuthSignedOut)
}

func (client *Client) initializeBridge(ctx context.Context) {
	if initErr := client.bridge.Initialize(ctx); initErr != nil {
		// Sign-in stays unavailable for this process; anonymous and
		// API-key flows continue.
		client.logger.Warn("sign-in unavailable",
			zap.String("code", "client.bridge_unavailable"),
			zap.Error(initErr))
	}
}

func (client *Client) fetchProfile(ctx context.Context) *session.Session {
	response, requestErr := client.tokens.DoAuthenticated(ctx, http.MethodGet, client.baseURL+"/auth/me", nil)
	if requestErr != nil {
		client.logger.Warn("profile fetch failed",
			zap.String("code", "client.profile_network"),
			zap.Error(requestErr))
		return nil
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode == http.StatusUnauthorized {
		client.tokens.SignOut(ctx)
		return nil
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		client.logger.Warn("profile fetch rejected",
			zap.String("code", "client.profile_rejected"),
			zap.Int("status", response.StatusCode))
		return nil
	}

	var profile struct {
		UserID         string `json:"user_id"`
		Email          string `json:"email"`
		Name           string `json:"name"`
		Credits        int64  `json:"credits"`
		ProfilePicture string `json:"profile_picture"`
	}
	if decodeErr := json.NewDecoder(response.Body).Decode(&profile); decodeErr != nil {
		client.logger.Warn("profile payload undecodable",
			zap.String("code", "client.profile_decode"),
			zap.Error(decodeErr))
		return nil
	}
	return &session.Session{
		UserID:            profile.UserID,
		Email:             profile.Email,
		DisplayName:       profile.Name,
		ProfilePictureURL: profile.ProfilePicture,
		CreditBalance:     profile.Credits,
	}
}

// DoBilled issues an authenticated call against a billed endpoint and
// patches the persisted credit balance whenever the response body reports
// credits_remaining, whichever endpoint returned it.
func (client *Client) DoBilled(ctx context.Context, method string, path string, body []byte) (int, []byte, error) {
	response, requestErr := client.tokens.DoAuthenticated(ctx, method, client.baseURL+path, body)
	if requestErr != nil {
		return 0, nil, fmt.Errorf("client.billed_request: %w", requestErr)
	}
	defer func() { _ = response.Body.Close() }()

	raw, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return response.StatusCode, nil, fmt.Errorf("client.billed_read: %w", readErr)
	}

	var billing struct {
		CreditsRemaining *int64 `json:"credits_remaining"`
	}
	if unmarshalErr := json.Unmarshal(raw, &billing); unmarshalErr == nil && billing.CreditsRemaining != nil {
		client.sessions.UpdateCreditBalance(ctx, *billing.CreditsRemaining)
	}
	return response.StatusCode, raw, nil
}
