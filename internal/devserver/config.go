// Package devserver is a reference auth server for local development and
// tests. It reproduces the exact external contract the client core
// depends on: Google credential exchange, rotating http-only refresh
// cookies, bearer-protected profile reads, and a billed generation
// endpoint that reports remaining credits.
package devserver

import (
	"net/http"
	"time"
)

// Config configures issuers, cookies, TTLs, and the credit grant.
type Config struct {
	GoogleWebClientID string
	JWTSigningKey     []byte
	JWTIssuer         string
	CookieDomain      string
	RefreshCookieName string
	AccessTokenTTL    time.Duration
	RefreshTTL        time.Duration
	SameSiteMode      http.SameSite
	AllowInsecureHTTP bool
	StarterCredits    int64
	GenerationCost    int64
	CORSOrigins       []string
}

// Defaults applied by New for zero fields.
const (
	DefaultRefreshCookieName = "framegen_refresh"
	DefaultJWTIssuer         = "framegen-auth"
	DefaultAccessTokenTTL    = 15 * time.Minute
	DefaultRefreshTTL        = 60 * 24 * time.Hour
	DefaultStarterCredits    = 25
	DefaultGenerationCost    = 1
)

func (config Config) withDefaults() Config {
	if config.RefreshCookieName == "" {
		config.RefreshCookieName = DefaultRefreshCookieName
	}
	if config.JWTIssuer == "" {
		config.JWTIssuer = DefaultJWTIssuer
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTTL <= 0 {
		config.RefreshTTL = DefaultRefreshTTL
	}
	if config.StarterCredits <= 0 {
		config.StarterCredits = DefaultStarterCredits
	}
	if config.GenerationCost <= 0 {
		config.GenerationCost = DefaultGenerationCost
	}
	if config.SameSiteMode == 0 {
		config.SameSiteMode = http.SameSiteStrictMode
	}
	return config
}
