package devserver

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrMissingValidator rejects construction without a Google validator.
var ErrMissingValidator = errors.New("devserver.missing_google_validator")

// Server hosts the reference auth endpoints.
type Server struct {
	config        Config
	users         UserStore
	refreshTokens RefreshTokenStore
	validator     GoogleTokenValidator
	logger        *zap.Logger
	engine        *gin.Engine
}

// New assembles the server and mounts its routes.
func New(config Config, users UserStore, refreshTokens RefreshTokenStore, validator GoogleTokenValidator, logger *zap.Logger) (*Server, error) {
	if validator == nil {
		return nil, fmt.Errorf("devserver.new: %w", ErrMissingValidator)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(logger))

	if len(config.CORSOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = config.CORSOrigins
		corsConfig.AllowCredentials = true
		corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
		engine.Use(cors.New(corsConfig))
	}

	server := &Server{
		config:        config.withDefaults(),
		users:         users,
		refreshTokens: refreshTokens,
		validator:     validator,
		logger:        logger,
		engine:        engine,
	}
	server.mountRoutes()
	return server, nil
}

// Handler exposes the router for http.Server or httptest.
func (server *Server) Handler() http.Handler {
	return server.engine
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.Duration("elapsed", time.Since(startTime)),
		)
	}
}

func (server *Server) writeRefreshCookie(contextGin *gin.Context, opaque string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     server.config.RefreshCookieName,
		Value:    opaque,
		Path:     "/auth",
		Domain:   server.config.CookieDomain,
		Expires:  expiresAt,
		Secure:   !server.config.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: server.config.SameSiteMode,
	})
}

func (server *Server) clearRefreshCookie(contextGin *gin.Context) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     server.config.RefreshCookieName,
		Value:    "",
		Path:     "/auth",
		Domain:   server.config.CookieDomain,
		MaxAge:   -1,
		Secure:   !server.config.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: server.config.SameSiteMode,
	})
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	scheme := request.Header.Get("X-Forwarded-Proto")
	if strings.EqualFold(scheme, "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	if splitErr == nil && host == "localhost" {
		return true
	}
	return false
}
