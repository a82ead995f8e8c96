package devserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (server *Server) mountRoutes() {
	server.engine.POST("/auth/google", server.handleGoogleExchange)
	server.engine.POST("/auth/refresh", server.handleRefresh)
	server.engine.POST("/auth/logout", server.handleLogout)
	server.engine.GET("/auth/me", server.handleMe)
	server.engine.POST("/api/generate", server.handleGenerate)
}

func (server *Server) handleGoogleExchange(contextGin *gin.Context) {
	var inbound struct {
		IDToken    string `json:"id_token"`
		ClientType string `json:"client_type"`
	}
	if bindErr := contextGin.BindJSON(&inbound); bindErr != nil || strings.TrimSpace(inbound.IDToken) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "invalid_json"})
		return
	}

	if !server.config.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "https_required"})
		return
	}

	payload, validateErr := server.validator.Validate(contextGin, inbound.IDToken, server.config.GoogleWebClientID)
	if validateErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "invalid_google_token"})
		return
	}
	issuerValue, okIssuer := payload.Claims["iss"].(string)
	if !okIssuer || (issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com") {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "invalid_issuer"})
		return
	}
	googleSub, _ := payload.Claims["sub"].(string)
	userEmail, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	userDisplayName, _ := payload.Claims["name"].(string)
	userPictureURL, _ := payload.Claims["picture"].(string)

	if googleSub == "" || userEmail == "" || !emailVerified {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "unverified_identity"})
		return
	}

	account, isNewUser, upsertErr := server.users.UpsertGoogleUser(contextGin, googleSub, userEmail, userDisplayName, userPictureURL, server.config.StarterCredits)
	if upsertErr != nil {
		server.logger.Error("user upsert failed",
			zap.String("code", "devserver.google.upsert_failed"),
			zap.Error(upsertErr))
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": "user_store_error"})
		return
	}

	accessToken, _, mintErr := MintAccessToken(account.UserID, account.Email, server.config.JWTIssuer, server.config.JWTSigningKey, server.config.AccessTokenTTL)
	if mintErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": "token_mint_error"})
		return
	}

	refreshExpiresAt := time.Now().UTC().Add(server.config.RefreshTTL)
	_, refreshOpaque, issueErr := server.refreshTokens.Issue(contextGin, account.UserID, refreshExpiresAt.Unix(), "")
	if issueErr != nil || strings.TrimSpace(refreshOpaque) == "" {
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": "refresh_issue_error"})
		return
	}
	server.writeRefreshCookie(contextGin, refreshOpaque, refreshExpiresAt)

	contextGin.JSON(http.StatusOK, gin.H{
		"success":         true,
		"access_token":    accessToken,
		"expires_in":      int64(server.config.AccessTokenTTL.Seconds()),
		"user_id":         account.UserID,
		"email":           account.Email,
		"name":            account.DisplayName,
		"profile_picture": account.ProfilePictureURL,
		"credits":         account.Credits,
		"is_new_user":     isNewUser,
	})
}

func (server *Server) handleRefresh(contextGin *gin.Context) {
	refreshCookie, cookieErr := contextGin.Request.Cookie(server.config.RefreshCookieName)
	if cookieErr != nil || refreshCookie == nil || strings.TrimSpace(refreshCookie.Value) == "" {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "missing_refresh_cookie"})
		return
	}

	userID, currentTokenID, expiresUnix, validateErr := server.refreshTokens.Validate(contextGin, refreshCookie.Value)
	if validateErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "invalid_refresh_token"})
		return
	}
	if time.Unix(expiresUnix, 0).Before(time.Now().UTC()) {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "refresh_token_expired"})
		return
	}

	account, userErr := server.users.GetUser(contextGin, userID)
	if userErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "unknown_user"})
		return
	}

	accessToken, _, mintErr := MintAccessToken(account.UserID, account.Email, server.config.JWTIssuer, server.config.JWTSigningKey, server.config.AccessTokenTTL)
	if mintErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": "token_mint_error"})
		return
	}

	refreshExpiresAt := time.Now().UTC().Add(server.config.RefreshTTL)
	_, newOpaque, issueErr := server.refreshTokens.Issue(contextGin, account.UserID, refreshExpiresAt.Unix(), currentTokenID)
	if issueErr != nil || strings.TrimSpace(newOpaque) == "" {
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": "refresh_issue_error"})
		return
	}
	if revokeErr := server.refreshTokens.Revoke(contextGin, currentTokenID); revokeErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": "refresh_rotate_error"})
		return
	}
	server.writeRefreshCookie(contextGin, newOpaque, refreshExpiresAt)

	contextGin.JSON(http.StatusOK, gin.H{
		"success":      true,
		"access_token": accessToken,
		"expires_in":   int64(server.config.AccessTokenTTL.Seconds()),
	})
}

func (server *Server) handleLogout(contextGin *gin.Context) {
	refreshCookie, cookieErr := contextGin.Request.Cookie(server.config.RefreshCookieName)
	if cookieErr == nil && refreshCookie != nil && strings.TrimSpace(refreshCookie.Value) != "" {
		_, tokenID, _, validateErr := server.refreshTokens.Validate(contextGin, refreshCookie.Value)
		if validateErr == nil && tokenID != "" {
			_ = server.refreshTokens.Revoke(contextGin, tokenID)
		}
	}
	server.clearRefreshCookie(contextGin)
	contextGin.Status(http.StatusNoContent)
}

func (server *Server) handleMe(contextGin *gin.Context) {
	claims, ok := server.bearerClaims(contextGin)
	if !ok {
		return
	}
	account, userErr := server.users.GetUser(contextGin, claims.UserID)
	if userErr != nil {
		status := http.StatusInternalServerError
		if errors.Is(userErr, ErrUserNotFound) {
			status = http.StatusUnauthorized
		}
		contextGin.AbortWithStatusJSON(status, gin.H{"detail": "unknown_user"})
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"user_id":         account.UserID,
		"email":           account.Email,
		"name":            account.DisplayName,
		"credits":         account.Credits,
		"profile_picture": account.ProfilePictureURL,
	})
}

func (server *Server) handleGenerate(contextGin *gin.Context) {
	claims, ok := server.bearerClaims(contextGin)
	if !ok {
		return
	}
	var inbound struct {
		Prompt string `json:"prompt"`
	}
	if bindErr := contextGin.BindJSON(&inbound); bindErr != nil || strings.TrimSpace(inbound.Prompt) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "missing_prompt"})
		return
	}

	remaining, spendErr := server.users.SpendCredits(contextGin, claims.UserID, server.config.GenerationCost)
	if spendErr != nil {
		if errors.Is(spendErr, ErrInsufficientCredits) {
			contextGin.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"detail": "insufficient_credits"})
			return
		}
		server.logger.Error("credit spend failed",
			zap.String("code", "devserver.generate.spend_failed"),
			zap.String("user_id", claims.UserID),
			zap.Error(spendErr))
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": "billing_error"})
		return
	}

	contextGin.JSON(http.StatusOK, gin.H{
		"success":           true,
		"job_id":            uuid.NewString(),
		"credits_remaining": remaining,
	})
}

func (server *Server) bearerClaims(contextGin *gin.Context) (*AccessClaims, bool) {
	authorization := contextGin.GetHeader("Authorization")
	if !strings.HasPrefix(authorization, "Bearer ") {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "missing_bearer_token"})
		return nil, false
	}
	claims, parseErr := ParseAccessToken(strings.TrimPrefix(authorization, "Bearer "), server.config.JWTIssuer, server.config.JWTSigningKey)
	if parseErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "invalid_bearer_token"})
		return nil, false
	}
	return claims, true
}
