package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"gorm.io/gorm"

	"github.com/nexus-os/nexus/internal/auth"
	"github.com/nexus-os/nexus/internal/mailer"
	"github.com/nexus-os/nexus/internal/models"
	"github.com/nexus-os/nexus/internal/tasks"
)

const (
	activationTokenTTL = 24 * time.Hour
	resetTokenTTL      = 1 * time.Hour
	inviteTokenTTL     = 7 * 24 * time.Hour

	// resendWindow throttles verification-email resends per address
	resendWindow = 60 * time.Second
)

// SignupRequest represents a new account request
type SignupRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	Name     string `json:"name" binding:"required"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents a login response. When the account has
// two-factor enabled, Requires2FA is true and Token only unlocks the
// OTP completion endpoint.
type LoginResponse struct {
	Token       string      `json:"token"`
	Requires2FA bool        `json:"requires_2fa"`
	Redirect    string      `json:"redirect,omitempty"`
	User        *UserDetail `json:"user,omitempty"`
}

// UserDetail represents user information returned in responses
type UserDetail struct {
	ID                  string        `json:"id"`
	Email               string        `json:"email"`
	Name                string        `json:"name"`
	Role                auth.Role     `json:"role"`
	PlanTier            auth.PlanTier `json:"plan_tier"`
	OnboardingCompleted bool          `json:"onboarding_completed"`
	TOTPEnabled         bool          `json:"totp_enabled"`
	CreatedAt           time.Time     `json:"created_at"`
}

func userDetail(user *models.User) *UserDetail {
	return &UserDetail{
		ID:                  user.ID,
		Email:               user.Email,
		Name:                user.Name,
		Role:                user.Role,
		PlanTier:            user.PlanTier,
		OnboardingCompleted: user.OnboardingCompleted,
		TOTPEnabled:         user.TOTPEnabled,
		CreatedAt:           user.CreatedAt,
	}
}

// syncStatusFor loads the current ERP sync status for session claims
func (s *Server) syncStatusFor(userID string) auth.SyncStatus {
	var account models.BlingAccount
	if err := s.db.Where("user_id = ?", userID).First(&account).Error; err != nil {
		return auth.SyncIdle
	}
	return account.SyncStatus
}

// mintSession signs a full session token for the user
func (s *Server) mintSession(user *models.User) (string, error) {
	claims := auth.SessionClaims{
		UserID:              user.ID,
		Role:                user.Role,
		Required2FA:         false,
		OnboardingCompleted: user.OnboardingCompleted,
		BlingSyncStatus:     s.syncStatusFor(user.ID),
		PlanTier:            user.PlanTier,
	}
	return auth.GenerateToken(claims, time.Duration(s.config.Auth.SessionHours)*time.Hour)
}

// mintPendingSession signs a short-lived token restricted to the
// two-factor completion step
func (s *Server) mintPendingSession(user *models.User) (string, error) {
	claims := auth.SessionClaims{
		UserID:      user.ID,
		Role:        user.Role,
		Required2FA: true,
		PlanTier:    user.PlanTier,
	}
	return auth.GenerateToken(claims, time.Duration(s.config.Auth.PendingMinutes)*time.Minute)
}

func (s *Server) setSessionCookie(c *gin.Context, token string) {
	secure := strings.HasPrefix(s.config.App.BaseURL, "https://")
	c.SetCookie(sessionCookie, token, s.config.Auth.SessionHours*3600, "/", "", secure, true)
}

func (s *Server) clearSessionCookie(c *gin.Context) {
	secure := strings.HasPrefix(s.config.App.BaseURL, "https://")
	c.SetCookie(sessionCookie, "", -1, "/", "", secure, true)
}

// enqueueEmail dispatches a message to the email worker; delivery is
// fire-and-forget from the handler's perspective
func (s *Server) enqueueEmail(msg mailer.Message) {
	task, err := tasks.NewEmailSendTask(msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to build email task")
		return
	}
	if _, err := s.asynqClient.Enqueue(task, asynq.Queue("default")); err != nil {
		s.logger.Error().Err(err).Str("to", msg.To).Msg("Failed to enqueue email task")
	}
}

// createActionToken persists a hashed single-use token and returns the
// raw value for the email link
func (s *Server) createActionToken(userID, purpose string, ttl time.Duration) (string, error) {
	raw, digest, err := auth.GenerateActionToken()
	if err != nil {
		return "", err
	}
	token := &models.ActionToken{
		UserID:    userID,
		Purpose:   purpose,
		Digest:    digest,
		ExpiresAt: time.Now().Add(ttl),
	}
	if err := s.db.Create(token).Error; err != nil {
		return "", err
	}
	return raw, nil
}

// consumeActionToken validates and burns a single-use token
func (s *Server) consumeActionToken(raw, purpose string) (*models.ActionToken, error) {
	var token models.ActionToken
	err := s.db.Where("digest = ? AND purpose = ?", auth.HashActionToken(raw), purpose).First(&token).Error
	if err != nil {
		return nil, err
	}
	if !token.Usable(time.Now()) {
		return nil, gorm.ErrRecordNotFound
	}
	now := time.Now()
	if err := s.db.Model(&token).Update("consumed_at", &now).Error; err != nil {
		return nil, err
	}
	return &token, nil
}

func (s *Server) signup(c *gin.Context) {
	if !s.config.App.SignupsEnabled {
		respondError(c, http.StatusForbidden, "Signups are currently disabled")
		return
	}

	var req SignupRequest
	if !s.bindAndValidate(c, &req) {
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	var count int64
	if err := s.db.Model(&models.User{}).Where("email = ?", req.Email).Count(&count).Error; err != nil {
		s.respondInternalError(c, err, "Failed to check existing user")
		return
	}
	if count > 0 {
		respondError(c, http.StatusConflict, "Email already registered")
		return
	}

	passwordHash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.respondInternalError(c, err, "Failed to hash password")
		return
	}

	user := &models.User{
		Email:        req.Email,
		PasswordHash: passwordHash,
		Name:         req.Name,
		Role:         auth.RoleUser,
		PlanTier:     auth.PlanFree,
	}
	if err := s.db.Create(user).Error; err != nil {
		// Lost a race with a concurrent signup for the same address
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			respondError(c, http.StatusConflict, "Email already registered")
			return
		}
		s.respondInternalError(c, err, "Failed to create user")
		return
	}

	raw, err := s.createActionToken(user.ID, models.TokenPurposeActivation, activationTokenTTL)
	if err != nil {
		s.respondInternalError(c, err, "Failed to create activation token")
		return
	}
	s.enqueueEmail(mailer.ActivationEmail(user.Email, s.config.App.BaseURL, raw))

	s.logger.Info().Str("user_id", user.ID).Str("email", user.Email).Msg("User signed up")

	c.JSON(http.StatusCreated, gin.H{"user": userDetail(user)})
}

func (s *Server) login(c *gin.Context) {
	var req LoginRequest
	if !s.bindAndValidate(c, &req) {
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	var user models.User
	if err := s.db.Where("email = ?", req.Email).First(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			respondError(c, http.StatusUnauthorized, "Invalid email or password")
			return
		}
		s.respondInternalError(c, err, "Failed to find user")
		return
	}

	if err := auth.VerifyPassword(req.Password, user.PasswordHash); err != nil {
		respondError(c, http.StatusUnauthorized, "Invalid email or password")
		return
	}

	if !user.Activated() {
		respondError(c, http.StatusForbidden, "Account not activated. Check your email.")
		return
	}

	// Primary credentials accepted; OTP step still pending
	if user.TOTPEnabled {
		token, err := s.mintPendingSession(&user)
		if err != nil {
			s.respondInternalError(c, err, "Failed to generate token")
			return
		}
		s.setSessionCookie(c, token)
		c.JSON(http.StatusOK, LoginResponse{Token: token, Requires2FA: true})
		return
	}

	token, err := s.mintSession(&user)
	if err != nil {
		s.respondInternalError(c, err, "Failed to generate token")
		return
	}
	s.setSessionCookie(c, token)

	s.logger.Info().Str("user_id", user.ID).Str("email", user.Email).Msg("User logged in")

	c.JSON(http.StatusOK, LoginResponse{
		Token:    token,
		Redirect: loginRedirectTarget(c.Query("redirect")),
		User:     userDetail(&user),
	})
}

// ActivateRequest carries the emailed activation token
type ActivateRequest struct {
	Token string `json:"token" binding:"required"`
}

func (s *Server) activateAccount(c *gin.Context) {
	var req ActivateRequest
	if !s.bindAndValidate(c, &req) {
		return
	}

	token, err := s.consumeActionToken(req.Token, models.TokenPurposeActivation)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			respondError(c, http.StatusNotFound, "Invalid or expired activation token")
			return
		}
		s.respondInternalError(c, err, "Failed to consume activation token")
		return
	}

	now := time.Now()
	if err := s.db.Model(&models.User{}).Where("id = ?", token.UserID).
		Update("activated_at", &now).Error; err != nil {
		s.respondInternalError(c, err, "Failed to activate user")
		return
	}

	s.logger.Info().Str("user_id", token.UserID).Msg("Account activated")

	c.JSON(http.StatusOK, gin.H{"activated": true})
}

// ResendActivationRequest asks for a fresh activation email
type ResendActivationRequest struct {
	Email string `json:"email" binding:"required,email"`
}

func (s *Server) resendActivation(c *gin.Context) {
	var req ResendActivationRequest
	if !s.bindAndValidate(c, &req) {
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	allowed, err := s.cache.Allow(c.Request.Context(), "resend:"+req.Email, resendWindow)
	if err != nil {
		// Throttle store outage must not block signups
		s.logger.Warn().Err(err).Msg("Resend throttle check failed")
		allowed = true
	}
	if !allowed {
		respondError(c, http.StatusTooManyRequests, "Please wait before requesting another email")
		return
	}

	var user models.User
	if err := s.db.Where("email = ?", req.Email).First(&user).Error; err == nil && !user.Activated() {
		raw, err := s.createActionToken(user.ID, models.TokenPurposeActivation, activationTokenTTL)
		if err != nil {
			s.respondInternalError(c, err, "Failed to create activation token")
			return
		}
		s.enqueueEmail(mailer.ActivationEmail(user.Email, s.config.App.BaseURL, raw))
	}

	// Same response whether or not the account exists
	c.JSON(http.StatusOK, gin.H{"sent": true})
}

// PasswordResetRequest asks for a reset email
type PasswordResetRequest struct {
	Email string `json:"email" binding:"required,email"`
}

func (s *Server) requestPasswordReset(c *gin.Context) {
	var req PasswordResetRequest
	if !s.bindAndValidate(c, &req) {
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	allowed, err := s.cache.Allow(c.Request.Context(), "reset:"+req.Email, resendWindow)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Reset throttle check failed")
		allowed = true
	}
	if !allowed {
		respondError(c, http.StatusTooManyRequests, "Please wait before requesting another email")
		return
	}

	var user models.User
	if err := s.db.Where("email = ?", req.Email).First(&user).Error; err == nil {
		raw, err := s.createActionToken(user.ID, models.TokenPurposePasswordReset, resetTokenTTL)
		if err != nil {
			s.respondInternalError(c, err, "Failed to create reset token")
			return
		}
		s.enqueueEmail(mailer.PasswordResetEmail(user.Email, s.config.App.BaseURL, raw))
	}

	c.JSON(http.StatusOK, gin.H{"sent": true})
}

// PasswordResetConfirm sets a new password from a reset token
type PasswordResetConfirm struct {
	Token    string `json:"token" binding:"required"`
	Password string `json:"password" binding:"required,min=8"`
}

func (s *Server) confirmPasswordReset(c *gin.Context) {
	var req PasswordResetConfirm
	if !s.bindAndValidate(c, &req) {
		return
	}

	token, err := s.consumeActionToken(req.Token, models.TokenPurposePasswordReset)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			respondError(c, http.StatusNotFound, "Invalid or expired reset token")
			return
		}
		s.respondInternalError(c, err, "Failed to consume reset token")
		return
	}

	passwordHash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.respondInternalError(c, err, "Failed to hash password")
		return
	}
	if err := s.db.Model(&models.User{}).Where("id = ?", token.UserID).
		Update("password_hash", passwordHash).Error; err != nil {
		s.respondInternalError(c, err, "Failed to update password")
		return
	}

	s.logger.Info().Str("user_id", token.UserID).Msg("Password reset completed")

	c.JSON(http.StatusOK, gin.H{"reset": true})
}

// getSession returns refreshed session claims and a renewed token.
// The UI polls this while a sync runs to pick up status transitions.
func (s *Server) getSession(c *gin.Context) {
	sessionData, exists := GetSessionData(c)
	if !exists {
		respondError(c, http.StatusUnauthorized, "Authentication required")
		return
	}

	var user models.User
	if err := models.FindByID(s.db, sessionData.UserID, &user); err != nil {
		respondError(c, http.StatusUnauthorized, "User not found")
		return
	}

	token, err := s.mintSession(&user)
	if err != nil {
		s.respondInternalError(c, err, "Failed to renew token")
		return
	}
	s.setSessionCookie(c, token)

	c.JSON(http.StatusOK, gin.H{
		"token": token,
		"session": auth.SessionData{
			UserID:              user.ID,
			Email:               user.Email,
			Role:                user.Role,
			OnboardingCompleted: user.OnboardingCompleted,
			BlingSyncStatus:     s.syncStatusFor(user.ID),
			PlanTier:            user.PlanTier,
		},
	})
}

func (s *Server) getCurrentUser(c *gin.Context) {
	sessionData, exists := GetSessionData(c)
	if !exists {
		respondError(c, http.StatusUnauthorized, "Authentication required")
		return
	}

	var user models.User
	if err := models.FindByID(s.db, sessionData.UserID, &user); err != nil {
		respondError(c, http.StatusNotFound, "User not found")
		return
	}

	c.JSON(http.StatusOK, userDetail(&user))
}

// loginRedirectTarget sanitizes the post-login redirect parameter so
// it can only point at a same-site path
func loginRedirectTarget(raw string) string {
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.IsAbs() || !strings.HasPrefix(parsed.Path, "/") {
		return ""
	}
	return parsed.Path
}
