package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/api/idtoken"

	"github.com/framegen/authcore/internal/devserver"
)

func TestLoadDevServerConfigRequiresGoogleClientID(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("jwt_signing_key", "signing-secret")

	_, err := LoadDevServerConfig()
	if err == nil {
		t.Fatalf("expected error when google_web_client_id is missing")
	}
	expectedMessage := "config.missing_google_web_client_id: google_web_client_id must be provided"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadDevServerConfigRequiresSigningKey(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("google_web_client_id", "provided-client-id")

	_, err := LoadDevServerConfig()
	if err == nil {
		t.Fatalf("expected configuration error when jwt_signing_key missing")
	}
	expectedMessage := "config.missing_jwt_signing_key: jwt_signing_key must be provided"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadDevServerConfigCORSImpliesSameSiteNone(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("google_web_client_id", "client")
	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"https://app.example.com"})

	config, err := LoadDevServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	if config.SameSiteMode != http.SameSiteNoneMode {
		t.Fatalf("expected SameSite=None when CORS enabled")
	}
	if len(config.CORSOrigins) != 1 {
		t.Fatalf("expected configured origins, got %v", config.CORSOrigins)
	}
}

func TestRunDevServerValidatorInitFailure(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return http.ErrServerClosed
	})
	defer restoreServe()

	restoreValidator := withGoogleValidatorBuilderStub(func(ctx context.Context) (devserver.GoogleTokenValidator, error) {
		return nil, errors.New("validator_fail")
	})
	defer restoreValidator()

	viper.Set("listen_addr", ":0")
	viper.Set("google_web_client_id", "client")
	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("database_url", "sqlite://file::memory:?cache=shared")

	if err := runDevServer(&cobra.Command{}, nil); err == nil || err.Error() != "config.google_validator_init: validator_fail" {
		t.Fatalf("expected google validator init error, got %v", err)
	}
}

func TestRunDevServerSuccess(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		if server.Handler == nil {
			t.Fatalf("expected handler to be configured")
		}
		return http.ErrServerClosed
	})
	defer restoreServe()

	restoreValidator := withGoogleValidatorBuilderStub(func(ctx context.Context) (devserver.GoogleTokenValidator, error) {
		return noopGoogleValidator{}, nil
	})
	defer restoreValidator()

	viper.Set("listen_addr", ":0")
	viper.Set("google_web_client_id", "client")
	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("cookie_domain", "localhost")
	viper.Set("session_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)
	viper.Set("dev_insecure_http", true)
	viper.Set("database_url", "sqlite://file::memory:?cache=shared")
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"https://app.example.com"})

	if err := runDevServer(&cobra.Command{}, nil); err != nil {
		t.Fatalf("expected runDevServer to succeed, got %v", err)
	}
}

func TestRunDevServerInMemoryRefreshStore(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return http.ErrServerClosed
	})
	defer restoreServe()

	restoreValidator := withGoogleValidatorBuilderStub(func(ctx context.Context) (devserver.GoogleTokenValidator, error) {
		return noopGoogleValidator{}, nil
	})
	defer restoreValidator()

	viper.Set("listen_addr", ":0")
	viper.Set("state_dir", t.TempDir())
	viper.Set("google_web_client_id", "client")
	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("dev_insecure_http", true)

	if err := runDevServer(&cobra.Command{}, nil); err != nil {
		t.Fatalf("expected runDevServer to succeed with in-memory store, got %v", err)
	}
}

func TestResolveStateDirCreatesDirectory(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	wanted := filepath.Join(t.TempDir(), "nested", "framegen")
	viper.Set("state_dir", wanted)

	resolved, err := resolveStateDir()
	if err != nil {
		t.Fatalf("resolve state dir: %v", err)
	}
	if resolved != wanted {
		t.Fatalf("expected %q, got %q", wanted, resolved)
	}
	info, statErr := os.Stat(resolved)
	if statErr != nil || !info.IsDir() {
		t.Fatalf("expected state directory to exist: %v", statErr)
	}
}

func TestNewRootCommandHelp(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--help"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected help execution to succeed: %v", err)
	}
}

func withServeHTTPStub(stub func(server *http.Server) error) func() {
	previous := serveHTTP
	serveHTTP = stub
	return func() {
		serveHTTP = previous
	}
}

type noopGoogleValidator struct{}

func (noopGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	return &idtoken.Payload{}, nil
}

func withGoogleValidatorBuilderStub(stub func(ctx context.Context) (devserver.GoogleTokenValidator, error)) func() {
	previous := buildGoogleTokenValidator
	buildGoogleTokenValidator = stub
	return func() {
		buildGoogleTokenValidator = previous
	}
}
