package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/nexus-os/nexus/internal/auth"
	"github.com/nexus-os/nexus/internal/models"
)

const (
	bearerPrefix = "Bearer "

	// sessionCookie carries the session token for page navigation;
	// API clients may also send it as a Bearer token
	sessionCookie = "nexus_session"
)

var (
	ErrMissingToken = errors.New("missing session token")
	ErrInvalidToken = errors.New("invalid token")
	ErrUserNotFound = errors.New("user not found")
)

func setSession(c *gin.Context, sessionData *auth.SessionData) {
	c.Set("session", sessionData)
}

// GetSessionData returns the authenticated session placed in the
// request context by SessionMiddleware
func GetSessionData(c *gin.Context) (*auth.SessionData, bool) {
	session, exists := c.Get("session")
	if !exists {
		return nil, false
	}

	sessionData, ok := session.(*auth.SessionData)
	return sessionData, ok
}

// extractToken reads the session token from the Authorization header
// or, failing that, the session cookie
func extractToken(c *gin.Context) (string, error) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		token := strings.TrimPrefix(authHeader, bearerPrefix)
		if token == authHeader || token == "" {
			return "", ErrInvalidToken
		}
		return token, nil
	}

	if token, err := c.Cookie(sessionCookie); err == nil && token != "" {
		return token, nil
	}

	return "", ErrMissingToken
}

func abortWithError(c *gin.Context, log zerolog.Logger, statusCode int, err error, message string) {
	log.Warn().Err(err).Str("path", c.Request.URL.Path).Msg(message)
	respondError(c, statusCode, message)
	c.Abort()
}

// SessionMiddleware authenticates API requests from the session token.
// A token with the two-factor step still pending is rejected: such a
// session may only complete the OTP challenge.
func SessionMiddleware(db *gorm.DB, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := extractToken(c)
		if err != nil {
			abortWithError(c, log, http.StatusUnauthorized, err, "Authentication required")
			return
		}

		claims, err := auth.ValidateToken(token)
		if err != nil {
			abortWithError(c, log, http.StatusUnauthorized, ErrInvalidToken, "Invalid or expired token")
			return
		}

		if claims.Required2FA {
			abortWithError(c, log, http.StatusUnauthorized, ErrInvalidToken, "Two-factor verification required")
			return
		}

		// Verify user still exists; role and plan come from the
		// database so revocations apply without a token refresh
		var user models.User
		if err := db.Where("id = ?", claims.UserID).First(&user).Error; err != nil {
			abortWithError(c, log, http.StatusUnauthorized, ErrUserNotFound, "User not found")
			return
		}

		setSession(c, &auth.SessionData{
			UserID:              user.ID,
			Email:               user.Email,
			Role:                user.Role,
			Required2FA:         false,
			OnboardingCompleted: user.OnboardingCompleted,
			BlingSyncStatus:     claims.BlingSyncStatus,
			PlanTier:            user.PlanTier,
		})

		c.Next()
	}
}

// RequireRole ensures the authenticated user meets a minimum role
func RequireRole(log zerolog.Logger, min auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionData, exists := GetSessionData(c)
		if !exists {
			abortWithError(c, log, http.StatusUnauthorized, errors.New("no session"), "Authentication required")
			return
		}

		if !sessionData.Role.AtLeast(min) {
			abortWithError(c, log, http.StatusForbidden, errors.New("insufficient role"), "Insufficient permissions")
			return
		}

		c.Next()
	}
}

// requirePlan answers 403 unless the session's plan meets the given
// tier. Used inside handlers for plan-gated operations.
func requirePlan(c *gin.Context, log zerolog.Logger, tier auth.PlanTier) bool {
	sessionData, exists := GetSessionData(c)
	if !exists {
		abortWithError(c, log, http.StatusUnauthorized, errors.New("no session"), "Authentication required")
		return false
	}

	if tier == auth.PlanPro && sessionData.PlanTier != auth.PlanPro {
		abortWithError(c, log, http.StatusForbidden, errors.New("plan too low"), "PRO plan required")
		return false
	}

	return true
}
