// Package token owns the bearer access token. The token lives in process
// memory only, never in any persistent layer: after a restart the manager
// starts empty and reconstitutes the session through one refresh round
// trip, using the http-only refresh cookie the transport carries
// implicitly. Concurrent callers that hit an expired token collapse onto a
// single in-flight refresh.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/framegen/authcore/internal/session"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// State is the manager's position in its lifecycle.
type State int

// Manager states.
const (
	StateNoToken State = iota
	StateValid
	StateRefreshing
)

// String labels the state for logs.
func (state State) String() string {
	switch state {
	case StateValid:
		return "valid"
	case StateRefreshing:
		return "refreshing"
	default:
		return "no_token"
	}
}

// Sentinel errors exposed by the manager.
var (
	ErrNetwork = errors.New("token.network_error")
)

// proactiveRefreshLeeway is how close to expiry a token may get before an
// outbound request triggers a refresh instead of spending the stale token.
const proactiveRefreshLeeway = 30 * time.Second

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Manager is the token lifecycle state machine.
type Manager struct {
	mutex        sync.Mutex
	state        State
	accessToken  string
	expiresAt    time.Time
	refreshGroup singleflight.Group

	baseURL    string
	httpClient *http.Client
	sessions   *session.Store
	clock      Clock
	logger     *zap.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithHTTPClient overrides the transport. The client should carry a cookie
// jar; the refresh credential rides it as an http-only cookie the manager
// itself never reads.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(manager *Manager) {
		manager.httpClient = httpClient
	}
}

// WithClock overrides the expiry clock for tests.
func WithClock(clock Clock) Option {
	return func(manager *Manager) {
		manager.clock = clock
	}
}

// NewManager constructs a Manager against the service base URL.
func NewManager(baseURL string, sessions *session.Store, logger *zap.Logger, options ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	manager := &Manager{
		state:    StateNoToken,
		baseURL:  strings.TrimRight(baseURL, "/"),
		sessions: sessions,
		clock:    systemClock{},
		logger:   logger,
	}
	for _, option := range options {
		option(manager)
	}
	if manager.httpClient == nil {
		jar, _ := cookiejar.New(nil)
		manager.httpClient = &http.Client{Jar: jar}
	}
	return manager
}

// HTTPClient exposes the shared cookie-carrying transport so collaborators
// (the identity provider exchange) reuse the same jar.
func (manager *Manager) HTTPClient() *http.Client {
	return manager.httpClient
}

// Token returns the in-memory access token, empty when absent. No side
// effects.
func (manager *Manager) Token() string {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	return manager.accessToken
}

// State returns the current lifecycle state.
func (manager *Manager) State() State {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	return manager.state
}

// Install stores a freshly issued token in memory. A zero expiry means the
// expiry is unknown and proactive refresh is skipped for it.
func (manager *Manager) Install(accessToken string, expiresAt time.Time) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	manager.accessToken = accessToken
	manager.expiresAt = expiresAt
	if accessToken == "" {
		manager.state = StateNoToken
		return
	}
	manager.state = StateValid
}

// Refresh calls the refresh endpoint and installs the new token. Any
// failure is fatal for the session: the manager signs out fully and
// returns false. Concurrent callers share one network round trip.
func (manager *Manager) Refresh(ctx context.Context) bool {
	outcome, _, _ := manager.refreshGroup.Do("refresh", func() (interface{}, error) {
		return manager.refreshOnce(ctx), nil
	})
	succeeded, _ := outcome.(bool)
	return succeeded
}

func (manager *Manager) refreshOnce(ctx context.Context) bool {
	manager.mutex.Lock()
	manager.state = StateRefreshing
	manager.mutex.Unlock()

	request, buildErr := http.NewRequestWithContext(ctx, http.MethodPost, manager.baseURL+"/auth/refresh", bytes.NewReader([]byte("{}")))
	if buildErr != nil {
		manager.signOutAfterFailure(ctx, "token.refresh_request_build")
		return false
	}
	request.Header.Set("Content-Type", "application/json")

	response, doErr := manager.httpClient.Do(request)
	if doErr != nil {
		manager.logger.Warn("refresh round trip failed",
			zap.String("code", "token.refresh_network"),
			zap.Error(doErr))
		manager.signOutAfterFailure(ctx, "token.refresh_network")
		return false
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		manager.logger.Info("refresh credential rejected",
			zap.String("code", "token.refresh_rejected"),
			zap.Int("status", response.StatusCode))
		manager.signOutAfterFailure(ctx, "token.refresh_rejected")
		return false
	}

	var payload struct {
		Success     bool   `json:"success"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if decodeErr := json.NewDecoder(response.Body).Decode(&payload); decodeErr != nil || !payload.Success || payload.AccessToken == "" {
		manager.signOutAfterFailure(ctx, "token.refresh_bad_payload")
		return false
	}

	expiresAt := time.Time{}
	if payload.ExpiresIn > 0 {
		expiresAt = manager.clock.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	manager.Install(payload.AccessToken, expiresAt)
	manager.logger.Debug("access token refreshed",
		zap.String("code", "token.refreshed"))
	return true
}

// SignOut clears the token, clears the persisted session from every layer,
// and notifies subscribers. The server-side logout call is best-effort.
func (manager *Manager) SignOut(ctx context.Context) {
	manager.mutex.Lock()
	bearerToken := manager.accessToken
	manager.accessToken = ""
	manager.expiresAt = time.Time{}
	manager.state = StateNoToken
	manager.mutex.Unlock()

	if bearerToken != "" {
		request, buildErr := http.NewRequestWithContext(ctx, http.MethodPost, manager.baseURL+"/auth/logout", nil)
		if buildErr == nil {
			request.Header.Set("Authorization", "Bearer "+bearerToken)
			if response, doErr := manager.httpClient.Do(request); doErr == nil {
				_ = response.Body.Close()
			}
		}
	}
	if manager.sessions != nil {
		manager.sessions.Clear(ctx)
	}
}

func (manager *Manager) signOutAfterFailure(ctx context.Context, code string) {
	manager.logger.Info("signing out after refresh failure",
		zap.String("code", code))
	manager.SignOut(ctx)
}

// DoAuthenticated issues the request with the current bearer token. On a
// 401 with a token present it refreshes once and retries exactly once with
// the new token; if the refresh fails the original 401 is returned after
// the manager has signed out. The body is passed as bytes so the retry can
// rebuild the request.
func (manager *Manager) DoAuthenticated(ctx context.Context, method string, url string, body []byte) (*http.Response, error) {
	manager.maybeProactiveRefresh(ctx)

	bearerToken := manager.Token()
	response, doErr := manager.issue(ctx, method, url, body, bearerToken)
	if doErr != nil {
		return nil, fmt.Errorf("%s %s: %w: %v", method, url, ErrNetwork, doErr)
	}
	if response.StatusCode != http.StatusUnauthorized || bearerToken == "" {
		return response, nil
	}

	if !manager.Refresh(ctx) {
		// Session is gone; the caller gets the original 401 to react to.
		return response, nil
	}
	_ = response.Body.Close()

	retryResponse, retryErr := manager.issue(ctx, method, url, body, manager.Token())
	if retryErr != nil {
		return nil, fmt.Errorf("%s %s: %w: %v", method, url, ErrNetwork, retryErr)
	}
	return retryResponse, nil
}

func (manager *Manager) issue(ctx context.Context, method string, url string, body []byte, bearerToken string) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	request, buildErr := http.NewRequestWithContext(ctx, method, url, reader)
	if buildErr != nil {
		return nil, buildErr
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if bearerToken != "" {
		request.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	return manager.httpClient.Do(request)
}

func (manager *Manager) maybeProactiveRefresh(ctx context.Context) {
	manager.mutex.Lock()
	nearExpiry := manager.accessToken != "" &&
		!manager.expiresAt.IsZero() &&
		manager.clock.Now().After(manager.expiresAt.Add(-proactiveRefreshLeeway))
	manager.mutex.Unlock()

	if nearExpiry {
		manager.Refresh(ctx)
	}
}
