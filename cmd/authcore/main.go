package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/framegen/authcore/internal/client"
	"github.com/framegen/authcore/internal/device"
	"github.com/framegen/authcore/internal/devserver"
	"github.com/framegen/authcore/internal/mode"
	"github.com/framegen/authcore/internal/provider"
	"github.com/framegen/authcore/internal/session"
	"github.com/framegen/authcore/internal/store"
	"github.com/framegen/authcore/internal/token"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (devserver.GoogleTokenValidator, error) {
	return devserver.NewGoogleTokenValidator(ctx)
}

const (
	configCodeMissingGoogleClientID = "config.missing_google_web_client_id"
	configCodeMissingJWTSigningKey  = "config.missing_jwt_signing_key"
	configCodeMissingIDToken        = "config.missing_id_token"
	configCodeStateDir              = "config.state_dir_unavailable"
	configCodeGoogleValidatorInit   = "config.google_validator_init"

	cookieFileTTL = 180 * 24 * time.Hour
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "authcore",
		Short: "Client auth core for the FrameGen media service, with a reference dev server",
	}

	rootCmd.PersistentFlags().String("base_url", "http://localhost:8080", "Auth server base URL")
	rootCmd.PersistentFlags().String("state_dir", "", "Directory for durable client state; empty for the user config dir")
	_ = viper.BindPFlag("base_url", rootCmd.PersistentFlags().Lookup("base_url"))
	_ = viper.BindPFlag("state_dir", rootCmd.PersistentFlags().Lookup("state_dir"))

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	rootCmd.AddCommand(newLoginCommand())
	rootCmd.AddCommand(newWhoAmICommand())
	rootCmd.AddCommand(newLogoutCommand())
	rootCmd.AddCommand(newModeCommand())
	rootCmd.AddCommand(newDevServerCommand())

	return rootCmd
}

// headlessSDK satisfies the provider toolkit interface for terminal use.
// There is no script to load, so it is always ready, and credentials
// arrive through the login command instead of an interactive prompt.
type headlessSDK struct{}

func (headlessSDK) Ready(ctx context.Context) bool { return true }

func (headlessSDK) RegisterCallback(handler func(credential string)) {}

func (headlessSDK) Prompt() error { return provider.ErrSDKUnavailable }

func (headlessSDK) RenderButton(target string, style provider.ButtonStyle) error { return nil }

func resolveStateDir() (string, error) {
	stateDir := viper.GetString("state_dir")
	if stateDir == "" {
		configDir, configErr := os.UserConfigDir()
		if configErr != nil {
			return "", fmt.Errorf("%s: %w", configCodeStateDir, configErr)
		}
		stateDir = filepath.Join(configDir, "framegen")
	}
	if mkdirErr := os.MkdirAll(stateDir, 0o700); mkdirErr != nil {
		return "", fmt.Errorf("%s: %w", configCodeStateDir, mkdirErr)
	}
	return stateDir, nil
}

func buildClient(ctx context.Context, logger *zap.Logger) (*client.Client, error) {
	stateDir, stateErr := resolveStateDir()
	if stateErr != nil {
		return nil, stateErr
	}

	baseURL := viper.GetString("base_url")

	databaseLayer, databaseErr := store.NewDatabaseLayer(ctx, "sqlite://"+filepath.Join(stateDir, "authcore.db"))
	if databaseErr != nil {
		return nil, databaseErr
	}
	layers := []store.Layer{
		store.NewMemoryLayer(),
		store.NewCookieLayer(filepath.Join(stateDir, "prefs.json"), cookieFileTTL),
		databaseLayer,
	}
	durable := store.NewDurableStore(layers, store.WithLogger(logger))

	devices := device.NewManager(durable, logger)
	sessions := session.NewStore(durable, logger)
	tokens := token.NewManager(baseURL, sessions, logger)
	bridge := provider.NewBridge(headlessSDK{}, provider.Config{
		BaseURL:    baseURL,
		ClientType: "cli",
	}, tokens, sessions, logger)
	modes := mode.NewSelector(durable, sessions, logger)

	return client.New(baseURL, durable, devices, sessions, tokens, bridge, modes, logger), nil
}

func newCLILogger() (*zap.Logger, error) {
	loggerConfig := zap.NewProductionConfig()
	loggerConfig.OutputPaths = []string{"stderr"}
	return loggerConfig.Build()
}

func printSession(active *session.Session) {
	fmt.Printf("user_id:  %s\n", active.UserID)
	fmt.Printf("email:    %s\n", active.Email)
	fmt.Printf("name:     %s\n", active.DisplayName)
	fmt.Printf("credits:  %d\n", active.CreditBalance)
}

func newLoginCommand() *cobra.Command {
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange a Google ID token for a FrameGen session",
		RunE: func(command *cobra.Command, arguments []string) error {
			logger, loggerErr := newCLILogger()
			if loggerErr != nil {
				return loggerErr
			}
			defer func() { _ = logger.Sync() }()

			googleIDToken := viper.GetString("id_token")
			if googleIDToken == "" {
				return fmt.Errorf("%s: id_token must be provided", configCodeMissingIDToken)
			}

			authClient, clientErr := buildClient(command.Context(), logger)
			if clientErr != nil {
				return clientErr
			}

			results := make(chan *session.Session, 1)
			dispose := authClient.Bridge().SubscribeSignIn(func(result *session.Session) {
				results <- result
			})
			defer dispose()

			authClient.Bridge().HandleCredential(command.Context(), googleIDToken)
			result := <-results
			if result == nil {
				return errors.New("login.exchange_failed")
			}
			printSession(result)
			return nil
		},
	}
	loginCmd.Flags().String("id_token", "", "Google ID token to exchange")
	_ = viper.BindPFlag("id_token", loginCmd.Flags().Lookup("id_token"))
	return loginCmd
}

func newWhoAmICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Restore the persisted session and print the signed-in profile",
		RunE: func(command *cobra.Command, arguments []string) error {
			logger, loggerErr := newCLILogger()
			if loggerErr != nil {
				return loggerErr
			}
			defer func() { _ = logger.Sync() }()

			authClient, clientErr := buildClient(command.Context(), logger)
			if clientErr != nil {
				return clientErr
			}

			active := authClient.InitializeAuth(command.Context())
			if active == nil {
				fmt.Println("signed out")
				return nil
			}
			printSession(active)
			fmt.Printf("device:   %s\n", authClient.Devices().GetOrCreate(command.Context()))
			return nil
		},
	}
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the persisted session and device credentials",
		RunE: func(command *cobra.Command, arguments []string) error {
			logger, loggerErr := newCLILogger()
			if loggerErr != nil {
				return loggerErr
			}
			defer func() { _ = logger.Sync() }()

			authClient, clientErr := buildClient(command.Context(), logger)
			if clientErr != nil {
				return clientErr
			}
			authClient.SignOut(command.Context())
			fmt.Println("signed out")
			return nil
		},
	}
}

func newModeCommand() *cobra.Command {
	modeCmd := &cobra.Command{
		Use:   "mode [apiKey|credits]",
		Short: "Show or set the generation mode preference",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			logger, loggerErr := newCLILogger()
			if loggerErr != nil {
				return loggerErr
			}
			defer func() { _ = logger.Sync() }()

			authClient, clientErr := buildClient(command.Context(), logger)
			if clientErr != nil {
				return clientErr
			}

			if len(arguments) == 1 {
				apiKey := viper.GetString("api_key")
				if setErr := authClient.Modes().SetPreference(command.Context(), mode.Kind(arguments[0]), apiKey); setErr != nil {
					return setErr
				}
			}

			resolution := authClient.Modes().Resolve(command.Context())
			fmt.Printf("mode:     %s\n", resolution.Mode)
			if resolution.Mode == mode.KindAPIKey {
				if resolution.APIKey == "" {
					fmt.Println("api_key:  (not set)")
				} else {
					fmt.Println("api_key:  (set)")
				}
			}
			return nil
		},
	}
	modeCmd.Flags().String("api_key", "", "Provider API key to store alongside the apiKey mode")
	_ = viper.BindPFlag("api_key", modeCmd.Flags().Lookup("api_key"))
	return modeCmd
}

func newDevServerCommand() *cobra.Command {
	devCmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run the reference auth server with Google Sign-In verification and rotating refresh tokens",
		RunE:  runDevServer,
	}

	devCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	devCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	devCmd.Flags().String("google_web_client_id", "", "Google Web OAuth Client ID")
	devCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access JWT")
	devCmd.Flags().Duration("session_ttl", devserver.DefaultAccessTokenTTL, "Access token TTL")
	devCmd.Flags().Duration("refresh_ttl", devserver.DefaultRefreshTTL, "Refresh token TTL")
	devCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	devCmd.Flags().String("database_url", "", "Database URL (postgres:// or sqlite://; empty keeps refresh tokens in memory and users in sqlite under state_dir)")
	devCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	devCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled")
	devCmd.Flags().Int64("starter_credits", devserver.DefaultStarterCredits, "Credit grant for new accounts")
	devCmd.Flags().Int64("generation_cost", devserver.DefaultGenerationCost, "Credits charged per generation")

	_ = viper.BindPFlag("listen_addr", devCmd.Flags().Lookup("listen_addr"))
	_ = viper.BindPFlag("cookie_domain", devCmd.Flags().Lookup("cookie_domain"))
	_ = viper.BindPFlag("google_web_client_id", devCmd.Flags().Lookup("google_web_client_id"))
	_ = viper.BindPFlag("jwt_signing_key", devCmd.Flags().Lookup("jwt_signing_key"))
	_ = viper.BindPFlag("session_ttl", devCmd.Flags().Lookup("session_ttl"))
	_ = viper.BindPFlag("refresh_ttl", devCmd.Flags().Lookup("refresh_ttl"))
	_ = viper.BindPFlag("dev_insecure_http", devCmd.Flags().Lookup("dev_insecure_http"))
	_ = viper.BindPFlag("database_url", devCmd.Flags().Lookup("database_url"))
	_ = viper.BindPFlag("enable_cors", devCmd.Flags().Lookup("enable_cors"))
	_ = viper.BindPFlag("cors_allowed_origins", devCmd.Flags().Lookup("cors_allowed_origins"))
	_ = viper.BindPFlag("starter_credits", devCmd.Flags().Lookup("starter_credits"))
	_ = viper.BindPFlag("generation_cost", devCmd.Flags().Lookup("generation_cost"))

	return devCmd
}

// LoadDevServerConfig assembles the dev server configuration from viper.
func LoadDevServerConfig() (devserver.Config, error) {
	googleWebClientID := viper.GetString("google_web_client_id")
	if googleWebClientID == "" {
		return devserver.Config{}, fmt.Errorf("%s: google_web_client_id must be provided", configCodeMissingGoogleClientID)
	}
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return devserver.Config{}, fmt.Errorf("%s: jwt_signing_key must be provided", configCodeMissingJWTSigningKey)
	}

	config := devserver.Config{
		GoogleWebClientID: googleWebClientID,
		JWTSigningKey:     []byte(jwtSigningKey),
		CookieDomain:      viper.GetString("cookie_domain"),
		AccessTokenTTL:    viper.GetDuration("session_ttl"),
		RefreshTTL:        viper.GetDuration("refresh_ttl"),
		AllowInsecureHTTP: viper.GetBool("dev_insecure_http"),
		StarterCredits:    viper.GetInt64("starter_credits"),
		GenerationCost:    viper.GetInt64("generation_cost"),
	}
	if viper.GetBool("enable_cors") {
		config.CORSOrigins = viper.GetStringSlice("cors_allowed_origins")
		config.SameSiteMode = http.SameSiteNoneMode
	}
	return config, nil
}

func runDevServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	config, configErr := LoadDevServerConfig()
	if configErr != nil {
		return configErr
	}

	commandContext := command.Context()
	if commandContext == nil {
		commandContext = context.Background()
	}

	databaseURL := viper.GetString("database_url")
	var users devserver.UserStore
	var refreshTokens devserver.RefreshTokenStore
	if databaseURL != "" {
		userStore, usersErr := devserver.NewDatabaseUserStore(commandContext, databaseURL)
		if usersErr != nil {
			return usersErr
		}
		refreshStore, refreshErr := devserver.NewDatabaseRefreshTokenStore(commandContext, databaseURL)
		if refreshErr != nil {
			return refreshErr
		}
		users = userStore
		refreshTokens = refreshStore
		logger.Info("using persistent stores", zap.String("driver", refreshStore.Driver()))
	} else {
		stateDir, stateErr := resolveStateDir()
		if stateErr != nil {
			return stateErr
		}
		userStore, usersErr := devserver.NewDatabaseUserStore(commandContext, "sqlite://"+filepath.Join(stateDir, "devserver.db"))
		if usersErr != nil {
			return usersErr
		}
		users = userStore
		refreshTokens = devserver.NewMemoryRefreshTokenStore()
		logger.Info("using in-memory refresh token store")
	}

	validator, validatorErr := buildGoogleTokenValidator(commandContext)
	if validatorErr != nil {
		return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
	}

	authServer, serverErr := devserver.New(config, users, refreshTokens, validator, logger)
	if serverErr != nil {
		return serverErr
	}

	listenAddr := viper.GetString("listen_addr")
	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           authServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(commandContext)
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := httpServer.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}
