package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nexus-os/nexus/internal/auth"
	"github.com/nexus-os/nexus/internal/models"
)

// TwoFactorVerifyRequest completes a 2FA-pending login
type TwoFactorVerifyRequest struct {
	Token string `json:"token" binding:"required"`
	Code  string `json:"code" binding:"required,len=6,numeric"`
}

// verifyTwoFactorLogin exchanges a pending session plus a valid OTP
// code for a full session
func (s *Server) verifyTwoFactorLogin(c *gin.Context) {
	var req TwoFactorVerifyRequest
	if !s.bindAndValidate(c, &req) {
		return
	}

	claims, err := auth.ValidateToken(req.Token)
	if err != nil || !claims.Required2FA {
		respondError(c, http.StatusUnauthorized, "Invalid or expired token")
		return
	}

	var user models.User
	if err := models.FindByID(s.db, claims.UserID, &user); err != nil {
		respondError(c, http.StatusUnauthorized, "User not found")
		return
	}
	if !user.TOTPEnabled || user.TOTPSecret == "" {
		respondError(c, http.StatusBadRequest, "Two-factor is not enabled for this account")
		return
	}

	if !auth.VerifyTOTPCode(user.TOTPSecret, req.Code, time.Now()) {
		respondError(c, http.StatusUnauthorized, "Invalid verification code")
		return
	}

	token, err := s.mintSession(&user)
	if err != nil {
		s.respondInternalError(c, err, "Failed to generate token")
		return
	}
	s.setSessionCookie(c, token)

	s.logger.Info().Str("user_id", user.ID).Msg("Two-factor login completed")

	c.JSON(http.StatusOK, LoginResponse{Token: token, User: userDetail(&user)})
}

// enableTwoFactor generates a TOTP secret and returns the otpauth URI
// for the QR code. The secret only takes effect after confirmation.
func (s *Server) enableTwoFactor(c *gin.Context) {
	sessionData, _ := GetSessionData(c)

	var user models.User
	if err := models.FindByID(s.db, sessionData.UserID, &user); err != nil {
		respondError(c, http.StatusNotFound, "User not found")
		return
	}
	if user.TOTPEnabled {
		respondError(c, http.StatusConflict, "Two-factor is already enabled")
		return
	}

	secret, err := auth.GenerateTOTPSecret()
	if err != nil {
		s.respondInternalError(c, err, "Failed to generate TOTP secret")
		return
	}

	if err := s.db.Model(&user).Update("totp_secret", secret).Error; err != nil {
		s.respondInternalError(c, err, "Failed to store TOTP secret")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"secret":        secret,
		"provision_uri": auth.TOTPProvisionURI(secret, user.Email),
	})
}

// TwoFactorConfirmRequest proves the authenticator was enrolled
type TwoFactorConfirmRequest struct {
	Code string `json:"code" binding:"required,len=6,numeric"`
}

func (s *Server) confirmTwoFactor(c *gin.Context) {
	sessionData, _ := GetSessionData(c)

	var req TwoFactorConfirmRequest
	if !s.bindAndValidate(c, &req) {
		return
	}

	var user models.User
	if err := models.FindByID(s.db, sessionData.UserID, &user); err != nil {
		respondError(c, http.StatusNotFound, "User not found")
		return
	}
	if user.TOTPSecret == "" {
		respondError(c, http.StatusBadRequest, "Two-factor setup was not started")
		return
	}

	if !auth.VerifyTOTPCode(user.TOTPSecret, req.Code, time.Now()) {
		respondError(c, http.StatusUnauthorized, "Invalid verification code")
		return
	}

	if err := s.db.Model(&user).Update("totp_enabled", true).Error; err != nil {
		s.respondInternalError(c, err, "Failed to enable two-factor")
		return
	}

	s.logger.Info().Str("user_id", user.ID).Msg("Two-factor enabled")

	c.JSON(http.StatusOK, gin.H{"enabled": true})
}

// TwoFactorDisableRequest requires a current code to turn 2FA off
type TwoFactorDisableRequest struct {
	Code string `json:"code" binding:"required,len=6,numeric"`
}

func (s *Server) disableTwoFactor(c *gin.Context) {
	sessionData, _ := GetSessionData(c)

	var req TwoFactorDisableRequest
	if !s.bindAndValidate(c, &req) {
		return
	}

	var user models.User
	if err := models.FindByID(s.db, sessionData.UserID, &user); err != nil {
		respondError(c, http.StatusNotFound, "User not found")
		return
	}
	if !user.TOTPEnabled {
		respondError(c, http.StatusBadRequest, "Two-factor is not enabled")
		return
	}

	if !auth.VerifyTOTPCode(user.TOTPSecret, req.Code, time.Now()) {
		respondError(c, http.StatusUnauthorized, "Invalid verification code")
		return
	}

	updates := map[string]interface{}{
		"totp_enabled": false,
		"totp_secret":  "",
	}
	if err := s.db.Model(&user).Updates(updates).Error; err != nil {
		s.respondInternalError(c, err, "Failed to disable two-factor")
		return
	}

	s.logger.Info().Str("user_id", user.ID).Msg("Two-factor disabled")

	c.JSON(http.StatusOK, gin.H{"enabled": false})
}
