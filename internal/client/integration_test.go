package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/api/idtoken"

	"github.com/framegen/authcore/internal/device"
	"github.com/framegen/authcore/internal/devserver"
	"github.com/framegen/authcore/internal/mode"
	"github.com/framegen/authcore/internal/provider"
	"github.com/framegen/authcore/internal/session"
	"github.com/framegen/authcore/internal/store"
	"github.com/framegen/authcore/internal/token"
	"github.com/framegen/authcore/pkg/retry"
)

type staticValidator struct {
	payloads map[string]*idtoken.Payload
}

func (validator *staticValidator) Validate(ctx context.Context, googleIDToken string, audience string) (*idtoken.Payload, error) {
	payload, ok := validator.payloads[googleIDToken]
	if !ok {
		return nil, errors.New("unknown token")
	}
	return payload, nil
}

func startDevServer(t *testing.T) *httptest.Server {
	t.Helper()
	users, usersErr := devserver.NewDatabaseUserStore(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "users.db"))
	if usersErr != nil {
		t.Fatalf("open user store: %v", usersErr)
	}
	validator := &staticValidator{payloads: map[string]*idtoken.Payload{
		"google-credential": {Claims: map[string]interface{}{
			"iss":            "https://accounts.google.com",
			"sub":            "integration-sub",
			"email":          "painter@example.com",
			"email_verified": true,
			"name":           "Integration Painter",
		}},
	}}
	server, serverErr := devserver.New(devserver.Config{
		GoogleWebClientID: "client-id",
		JWTSigningKey:     []byte("integration-signing-key"),
		AllowInsecureHTTP: true,
	}, users, devserver.NewMemoryRefreshTokenStore(), validator, zaptest.NewLogger(t))
	if serverErr != nil {
		t.Fatalf("build dev server: %v", serverErr)
	}
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)
	return httpServer
}

// buildFullClient assembles a client over all three storage layers rooted
// at stateDir so a second build against the same directory sees the same
// persisted state. A non-nil httpClient stands in for the browser's cookie
// store surviving a reload.
func buildFullClient(t *testing.T, serverURL string, stateDir string, httpClient *http.Client) *Client {
	t.Helper()
	logger := zaptest.NewLogger(t)
	databaseLayer, databaseErr := store.NewDatabaseLayer(context.Background(), "sqlite://"+filepath.Join(stateDir, "state.db"))
	if databaseErr != nil {
		t.Fatalf("open database layer: %v", databaseErr)
	}
	durable := store.NewDurableStore([]store.Layer{
		store.NewMemoryLayer(),
		store.NewCookieLayer(filepath.Join(stateDir, "prefs.json"), time.Hour),
		databaseLayer,
	}, store.WithLogger(logger))

	sessions := session.NewStore(durable, logger)
	devices := device.NewManager(durable, logger)
	tokenOptions := []token.Option{}
	if httpClient != nil {
		tokenOptions = append(tokenOptions, token.WithHTTPClient(httpClient))
	}
	tokens := token.NewManager(serverURL, sessions, logger, tokenOptions...)
	bridge := provider.NewBridge(&readySDK{}, provider.Config{
		BaseURL:   serverURL,
		Readiness: retry.Policy{MaxAttempts: 2, Interval: time.Millisecond, Sleeper: noSleep{}},
	}, tokens, sessions, logger)
	modes := mode.NewSelector(durable, sessions, logger)
	return New(serverURL, durable, devices, sessions, tokens, bridge, modes, logger)
}

func TestSignInGenerateReloadAndSignOutAgainstDevServer(t *testing.T) {
	httpServer := startDevServer(t)
	stateDir := t.TempDir()
	ctx := context.Background()

	// First process: sign in through the provider bridge.
	first := buildFullClient(t, httpServer.URL, stateDir, nil)
	if restored := first.InitializeAuth(ctx); restored != nil {
		t.Fatalf("expected a cold start with no session, got %+v", restored)
	}

	results := make(chan *session.Session, 1)
	dispose := first.Bridge().SubscribeSignIn(func(result *session.Session) {
		results <- result
	})
	defer dispose()
	first.Bridge().HandleCredential(ctx, "google-credential")

	signedIn := <-results
	if signedIn == nil {
		t.Fatalf("expected the credential exchange to succeed")
	}
	if signedIn.Email != "painter@example.com" || !signedIn.IsNewAccount {
		t.Fatalf("unexpected session: %+v", signedIn)
	}
	if signedIn.CreditBalance != devserver.DefaultStarterCredits {
		t.Fatalf("expected starter credits, got %d", signedIn.CreditBalance)
	}
	if first.Tokens().State() != token.StateValid {
		t.Fatalf("expected a valid access token after sign-in")
	}

	// A billed generation call lowers the persisted balance.
	body, _ := json.Marshal(map[string]string{"prompt": "a glass city"})
	status, _, billedErr := first.DoBilled(ctx, http.MethodPost, "/api/generate", body)
	if billedErr != nil || status != http.StatusOK {
		t.Fatalf("generate failed: status=%d err=%v", status, billedErr)
	}
	wantBalance := int64(devserver.DefaultStarterCredits - devserver.DefaultGenerationCost)
	if current := first.Sessions().GetSync(); current == nil || current.CreditBalance != wantBalance {
		t.Fatalf("expected patched balance %d, got %+v", wantBalance, current)
	}

	// Reload: memory is gone, the refresh cookie and the persisted session
	// survive, and bootstrap reconstitutes the login with one refresh.
	second := buildFullClient(t, httpServer.URL, stateDir, first.Tokens().HTTPClient())
	restored := second.InitializeAuth(ctx)
	if restored == nil {
		t.Fatalf("expected the session to be restored after reload")
	}
	if second.State() != AuthSignedIn {
		t.Fatalf("expected signed-in state, got %v", second.State())
	}
	if restored.Email != "painter@example.com" || restored.CreditBalance != wantBalance {
		t.Fatalf("unexpected restored session: %+v", restored)
	}

	// Device identity is stable across the reload.
	if first.Devices().GetOrCreate(ctx) != second.Devices().GetOrCreate(ctx) {
		t.Fatalf("expected the device identity to survive the reload")
	}

	// Sign out, then a third incarnation boots signed out without calling
	// the server.
	second.SignOut(ctx)
	third := buildFullClient(t, httpServer.URL, stateDir, second.Tokens().HTTPClient())
	if remnant := third.InitializeAuth(ctx); remnant != nil {
		t.Fatalf("expected no session after sign-out, got %+v", remnant)
	}
	if third.State() != AuthSignedOut {
		t.Fatalf("expected signed-out state, got %v", third.State())
	}
}
