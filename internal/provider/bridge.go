// Package provider wraps the third-party sign-in toolkit behind a small
// interface and converts its opaque credential into a server-issued
// session. The toolkit may become available after the application has
// already started (script-tag races in embedded runtimes), so
// initialization polls readiness with a bounded retry policy instead of a
// single check.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/framegen/authcore/internal/session"
	"github.com/framegen/authcore/internal/token"
	"github.com/framegen/authcore/pkg/retry"
	"go.uber.org/zap"
)

// Sentinel errors exposed by the bridge.
var (
	ErrSDKUnavailable = errors.New("provider.sdk_unavailable")
	ErrNotInitialized = errors.New("provider.not_initialized")
)

// Defaults for the readiness poll: 20 probes at 500ms, a ~10s ceiling.
const (
	defaultReadinessAttempts = 20
	defaultReadinessInterval = 500 * time.Millisecond
)

// ButtonStyle configures the toolkit's native sign-in control.
type ButtonStyle struct {
	Theme string
	Size  string
	Text  string
}

// SDK abstracts the sign-in toolkit. Implementations deliver the identity
// credential asynchronously through the registered callback, never as a
// return value.
type SDK interface {
	// Ready reports whether the toolkit has finished loading.
	Ready(ctx context.Context) bool
	// RegisterCallback installs the credential handler.
	RegisterCallback(handler func(credential string))
	// Prompt triggers the toolkit's sign-in prompt.
	Prompt() error
	// RenderButton renders the toolkit's sign-in control into target.
	RenderButton(target string, style ButtonStyle) error
}

// Config configures the bridge.
type Config struct {
	// BaseURL of the auth server holding the credential-exchange endpoint.
	BaseURL string
	// ClientType is reported to the exchange endpoint.
	ClientType string
	// Readiness overrides the default SDK readiness poll.
	Readiness retry.Policy
}

// SignInListener receives the session after a successful exchange, or nil
// when the exchange fails.
type SignInListener func(result *session.Session)

// Bridge owns the SDK integration and the credential exchange.
type Bridge struct {
	mutex       sync.Mutex
	initialized bool
	failed      bool
	sdk         SDK
	config      Config
	tokens      *token.Manager
	sessions    *session.Store
	logger      *zap.Logger
	listeners   map[int]SignInListener
	listenOrder []int
	nextID      int
}

// NewBridge constructs a Bridge. The exchange reuses the token manager's
// HTTP client so the refresh cookie the server sets lands in the shared
// jar.
func NewBridge(sdk SDK, config Config, tokens *token.Manager, sessions *session.Store, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.ClientType == "" {
		config.ClientType = "web"
	}
	if config.Readiness.MaxAttempts <= 0 {
		config.Readiness = retry.Policy{
			MaxAttempts: defaultReadinessAttempts,
			Interval:    defaultReadinessInterval,
			Sleeper:     config.Readiness.Sleeper,
		}
	}
	return &Bridge{
		sdk:       sdk,
		config:    config,
		tokens:    tokens,
		sessions:  sessions,
		logger:    logger,
		listeners: make(map[int]SignInListener),
	}
}

// Initialize polls the SDK for readiness and registers the credential
// callback. Safe to call repeatedly; once the attempt ceiling is hit the
// bridge stays permanently unavailable for this process.
func (bridge *Bridge) Initialize(ctx context.Context) error {
	bridge.mutex.Lock()
	if bridge.initialized {
		bridge.mutex.Unlock()
		return nil
	}
	if bridge.failed {
		bridge.mutex.Unlock()
		return fmt.Errorf("provider.initialize: %w", ErrSDKUnavailable)
	}
	bridge.mutex.Unlock()

	pollErr := bridge.config.Readiness.Do(ctx, func(probeCtx context.Context) error {
		if bridge.sdk != nil && bridge.sdk.Ready(probeCtx) {
			return nil
		}
		return ErrSDKUnavailable
	})

	bridge.mutex.Lock()
	defer bridge.mutex.Unlock()
	if pollErr != nil {
		bridge.failed = true
		bridge.logger.Warn("sign-in toolkit never became ready",
			zap.String("code", "provider.sdk_timeout"),
			zap.Error(pollErr))
		return fmt.Errorf("provider.initialize: %w", ErrSDKUnavailable)
	}

	bridge.sdk.RegisterCallback(func(credential string) {
		bridge.handleCredential(context.Background(), credential)
	})
	bridge.initialized = true
	bridge.logger.Info("sign-in toolkit ready",
		zap.String("code", "provider.initialized"))
	return nil
}

// Initialized reports whether the credential callback is registered.
func (bridge *Bridge) Initialized() bool {
	bridge.mutex.Lock()
	defer bridge.mutex.Unlock()
	return bridge.initialized
}

// TriggerSignIn fires the toolkit's prompt. The outcome arrives through
// the registered callback, never here.
func (bridge *Bridge) TriggerSignIn() {
	bridge.mutex.Lock()
	ready := bridge.initialized
	bridge.mutex.Unlock()
	if !ready {
		bridge.logger.Warn("sign-in requested before toolkit ready",
			zap.String("code", "provider.prompt_unavailable"))
		return
	}
	if promptErr := bridge.sdk.Prompt(); promptErr != nil {
		bridge.logger.Warn("sign-in prompt failed",
			zap.String("code", "provider.prompt_failed"),
			zap.Error(promptErr))
	}
}

// RenderButton renders the native sign-in control. Idempotent and
// fail-soft: an unavailable toolkit is logged, never surfaced.
func (bridge *Bridge) RenderButton(target string, style ButtonStyle) {
	bridge.mutex.Lock()
	ready := bridge.initialized
	bridge.mutex.Unlock()
	if !ready {
		bridge.logger.Warn("button render skipped, toolkit unavailable",
			zap.String("code", "provider.render_unavailable"),
			zap.String("target", target))
		return
	}
	if renderErr := bridge.sdk.RenderButton(target, style); renderErr != nil {
		bridge.logger.Warn("button render failed",
			zap.String("code", "provider.render_failed"),
			zap.String("target", target),
			zap.Error(renderErr))
	}
}

// SubscribeSignIn registers a listener for sign-in outcomes and returns
// its disposer.
func (bridge *Bridge) SubscribeSignIn(listener SignInListener) func() {
	bridge.mutex.Lock()
	defer bridge.mutex.Unlock()
	id := bridge.nextID
	bridge.nextID++
	bridge.listeners[id] = listener
	bridge.listenOrder = append(bridge.listenOrder, id)
	return func() {
		bridge.mutex.Lock()
		defer bridge.mutex.Unlock()
		delete(bridge.listeners, id)
	}
}

type exchangeResponse struct {
	Success           bool   `json:"success"`
	AccessToken       string `json:"access_token"`
	ExpiresIn         int64  `json:"expires_in"`
	UserID            string `json:"user_id"`
	Email             string `json:"email"`
	Name              string `json:"name"`
	ProfilePictureURL string `json:"profile_picture"`
	Credits           int64  `json:"credits"`
	IsNewUser         bool   `json:"is_new_user"`
}

func (bridge *Bridge) handleCredential(ctx context.Context, credential string) {
	exchanged, exchangeErr := bridge.exchange(ctx, credential)
	if exchangeErr != nil {
		bridge.logger.Warn("credential exchange failed",
			zap.String("code", "provider.exchange_failed"),
			zap.Error(exchangeErr))
		bridge.notify(nil)
		return
	}

	expiresAt := time.Time{}
	if exchanged.ExpiresIn > 0 {
		expiresAt = time.Now().UTC().Add(time.Duration(exchanged.ExpiresIn) * time.Second)
	}
	bridge.tokens.Install(exchanged.AccessToken, expiresAt)

	signedIn := &session.Session{
		UserID:            exchanged.UserID,
		Email:             exchanged.Email,
		DisplayName:       exchanged.Name,
		ProfilePictureURL: exchanged.ProfilePictureURL,
		CreditBalance:     exchanged.Credits,
		IsNewAccount:      exchanged.IsNewUser,
	}
	bridge.sessions.Save(ctx, signedIn)
	bridge.logger.Info("signed in",
		zap.String("code", "provider.signed_in"),
		zap.String("user_id", signedIn.UserID),
		zap.Bool("new_account", signedIn.IsNewAccount))
	bridge.notify(signedIn)
}

func (bridge *Bridge) exchange(ctx context.Context, credential string) (*exchangeResponse, error) {
	payload, marshalErr := json.Marshal(map[string]string{
		"id_token":    credential,
		"client_type": bridge.config.ClientType,
	})
	if marshalErr != nil {
		return nil, fmt.Errorf("provider.exchange.encode: %w", marshalErr)
	}

	request, buildErr := http.NewRequestWithContext(ctx, http.MethodPost, bridge.config.BaseURL+"/auth/google", bytes.NewReader(payload))
	if buildErr != nil {
		return nil, fmt.Errorf("provider.exchange.request: %w", buildErr)
	}
	request.Header.Set("Content-Type", "application/json")

	response, doErr := bridge.tokens.HTTPClient().Do(request)
	if doErr != nil {
		return nil, fmt.Errorf("provider.exchange.network: %w", doErr)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		var failure struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(response.Body).Decode(&failure)
		return nil, fmt.Errorf("provider.exchange.rejected: status %d: %s", response.StatusCode, failure.Detail)
	}

	var exchanged exchangeResponse
	if decodeErr := json.NewDecoder(response.Body).Decode(&exchanged); decodeErr != nil {
		return nil, fmt.Errorf("provider.exchange.decode: %w", decodeErr)
	}
	if !exchanged.Success || exchanged.AccessToken == "" {
		return nil, fmt.Errorf("provider.exchange.rejected: unsuccessful payload")
	}
	return &exchanged, nil
}

func (bridge *Bridge) notify(result *session.Session) {
	bridge.mutex.Lock()
	ordered := make([]SignInListener, 0, len(bridge.listeners))
	for _, id := range bridge.listenOrder {
		if listener, ok := bridge.listeners[id]; ok {
			ordered = append(ordered, listener)
		}
	}
	bridge.mutex.Unlock()

	for _, listener := range ordered {
		listener(result)
	}
}

// HandleCredential is the exported entry point for SDK implementations or
// embedders that receive the credential out-of-band.
func (bridge *Bridge) HandleCredential(ctx context.Context, credential string) {
	bridge.handleCredential(ctx, credential)
}
