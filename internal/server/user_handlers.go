package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/nexus-os/nexus/internal/auth"
	"github.com/nexus-os/nexus/internal/mailer"
	"github.com/nexus-os/nexus/internal/models"
)

func (s *Server) listUsers(c *gin.Context) {
	var users []models.User
	if err := s.db.Order("created_at DESC").Find(&users).Error; err != nil {
		s.respondInternalError(c, err, "Failed to list users")
		return
	}

	details := make([]*UserDetail, 0, len(users))
	for i := range users {
		details = append(details, userDetail(&users[i]))
	}

	c.JSON(http.StatusOK, gin.H{"users": details, "count": len(details)})
}

func (s *Server) getUser(c *gin.Context) {
	var user models.User
	if err := models.FindByID(s.db, c.Param("id"), &user); err != nil {
		if err == gorm.ErrRecordNotFound {
			respondError(c, http.StatusNotFound, "User not found")
			return
		}
		s.respondInternalError(c, err, "Failed to load user")
		return
	}

	c.JSON(http.StatusOK, userDetail(&user))
}

// InviteRequest invites a teammate with a given role
type InviteRequest struct {
	Email string `json:"email" binding:"required,email"`
	Name  string `json:"name" binding:"required"`
	Role  string `json:"role" binding:"required,oneof=USER ADMIN"`
}

// inviteUser creates a placeholder account and emails an invite link.
// The invitee sets their password through invite-verify.
func (s *Server) inviteUser(c *gin.Context) {
	sessionData, _ := GetSessionData(c)

	var req InviteRequest
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

	// Placeholder hash: the account cannot log in until the invite
	// is accepted and a real password is set
	placeholder, err := auth.HashPassword(mustRandomHex())
	if err != nil {
		s.respondInternalError(c, err, "Failed to prepare invite")
		return
	}

	user := &models.User{
		Email:        req.Email,
		PasswordHash: placeholder,
		Name:         req.Name,
		Role:         auth.Role(req.Role),
		PlanTier:     auth.PlanFree,
	}
	if err := s.db.Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			respondError(c, http.StatusConflict, "Email already registered")
			return
		}
		s.respondInternalError(c, err, "Failed to create invited user")
		return
	}

	raw, err := s.createActionToken(user.ID, models.TokenPurposeInvite, inviteTokenTTL)
	if err != nil {
		s.respondInternalError(c, err, "Failed to create invite token")
		return
	}
	s.enqueueEmail(mailer.InviteEmail(user.Email, s.config.App.BaseURL, raw, sessionData.Email))

	s.logger.Info().
		Str("invited_by", sessionData.UserID).
		Str("email", req.Email).
		Str("role", req.Role).
		Msg("User invited")

	c.JSON(http.StatusCreated, gin.H{"user": userDetail(user)})
}

// InviteVerifyRequest accepts an invite and sets the password
type InviteVerifyRequest struct {
	Token    string `json:"token" binding:"required"`
	Password string `json:"password" binding:"required,min=8"`
}

func (s *Server) verifyInvite(c *gin.Context) {
	var req InviteVerifyRequest
	if !s.bindAndValidate(c, &req) {
		return
	}

	token, err := s.consumeActionToken(req.Token, models.TokenPurposeInvite)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			respondError(c, http.StatusNotFound, "Invalid or expired invite")
			return
		}
		s.respondInternalError(c, err, "Failed to consume invite token")
		return
	}

	passwordHash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.respondInternalError(c, err, "Failed to hash password")
		return
	}

	var user models.User
	if err := models.FindByID(s.db, token.UserID, &user); err != nil {
		s.respondInternalError(c, err, "Failed to load invited user")
		return
	}

	now := nowPtr()
	updates := map[string]interface{}{
		"password_hash": passwordHash,
		"activated_at":  now,
	}
	if err := s.db.Model(&user).Updates(updates).Error; err != nil {
		s.respondInternalError(c, err, "Failed to accept invite")
		return
	}
	user.PasswordHash = passwordHash
	user.ActivatedAt = now

	sessionToken, err := s.mintSession(&user)
	if err != nil {
		s.respondInternalError(c, err, "Failed to generate token")
		return
	}
	s.setSessionCookie(c, sessionToken)

	s.logger.Info().Str("user_id", user.ID).Msg("Invite accepted")

	c.JSON(http.StatusOK, LoginResponse{Token: sessionToken, User: userDetail(&user)})
}
