package server

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/nexus-os/nexus/internal/auth"
	"github.com/nexus-os/nexus/internal/models"
	"github.com/nexus-os/nexus/internal/tasks"
)

// oauthStateTTL bounds how long a started OAuth flow stays valid
const oauthStateTTL = 10 * time.Minute

// blingConnect starts the OAuth flow and returns the consent URL
func (s *Server) blingConnect(c *gin.Context) {
	sessionData, _ := GetSessionData(c)

	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		s.respondInternalError(c, err, "Failed to generate OAuth state")
		return
	}
	state := hex.EncodeToString(stateBytes)

	if err := s.cache.Set(c.Request.Context(), "bling_state:"+state, sessionData.UserID, oauthStateTTL); err != nil {
		s.respondInternalError(c, err, "Failed to store OAuth state")
		return
	}

	redirectURI := s.config.App.BaseURL + "/api/bling/callback"
	c.JSON(http.StatusOK, gin.H{"url": s.bling.AuthorizeURL(redirectURI, state)})
}

// blingCallback completes the OAuth exchange and kicks off the first sync
func (s *Server) blingCallback(c *gin.Context) {
	sessionData, _ := GetSessionData(c)

	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		respondError(c, http.StatusBadRequest, "Missing code or state parameter")
		return
	}

	var stateOwner string
	found, err := s.cache.Get(c.Request.Context(), "bling_state:"+state, &stateOwner)
	if err != nil {
		s.respondInternalError(c, err, "Failed to load OAuth state")
		return
	}
	if !found || stateOwner != sessionData.UserID {
		respondError(c, http.StatusBadRequest, "Invalid or expired OAuth state")
		return
	}
	_ = s.cache.Delete(c.Request.Context(), "bling_state:"+state)

	token, err := s.bling.ExchangeCode(c.Request.Context(), code)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", sessionData.UserID).Msg("Bling code exchange failed")
		c.Redirect(http.StatusFound, "/bling/erro")
		return
	}

	expiry := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)

	var account models.BlingAccount
	err = s.db.Where("user_id = ?", sessionData.UserID).First(&account).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		account = models.BlingAccount{
			UserID:       sessionData.UserID,
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			TokenExpiry:  expiry,
			SyncStatus:   auth.SyncIdle,
			// A schedule saved before connecting (or before a
			// disconnect/reconnect cycle) must keep firing
			NextSyncAt: s.scheduledSyncTime(sessionData.UserID),
		}
		if err := s.db.Create(&account).Error; err != nil {
			s.respondInternalError(c, err, "Failed to store Bling account")
			return
		}
	case err != nil:
		s.respondInternalError(c, err, "Failed to load Bling account")
		return
	default:
		updates := map[string]interface{}{
			"access_token":  token.AccessToken,
			"refresh_token": token.RefreshToken,
			"token_expiry":  expiry,
		}
		if err := s.db.Model(&account).Updates(updates).Error; err != nil {
			s.respondInternalError(c, err, "Failed to update Bling account")
			return
		}
	}

	if err := s.enqueueSync(sessionData.UserID); err != nil {
		s.logger.Error().Err(err).Str("user_id", sessionData.UserID).Msg("Failed to enqueue first sync")
	}

	s.logger.Info().Str("user_id", sessionData.UserID).Msg("Bling account connected")

	// Browser navigation: straight back to the app
	c.Redirect(http.StatusFound, "/bling")
}

// scheduledSyncTime derives the next automatic sync from the user's
// saved schedule, if any
func (s *Server) scheduledSyncTime(userID string) *time.Time {
	var settings models.Settings
	if err := s.db.Where("user_id = ?", userID).First(&settings).Error; err != nil {
		return nil
	}
	if settings.SyncSchedule == "" {
		return nil
	}
	schedule, err := cron.ParseStandard(settings.SyncSchedule)
	if err != nil {
		return nil
	}
	next := schedule.Next(time.Now())
	return &next
}

// blingDisconnect removes the ERP connection and its synced data
func (s *Server) blingDisconnect(c *gin.Context) {
	sessionData, _ := GetSessionData(c)

	result := s.db.Where("user_id = ?", sessionData.UserID).Delete(&models.BlingAccount{})
	if result.Error != nil {
		s.respondInternalError(c, result.Error, "Failed to disconnect Bling account")
		return
	}
	if result.RowsAffected == 0 {
		respondError(c, http.StatusNotFound, "No Bling account connected")
		return
	}

	s.logger.Info().Str("user_id", sessionData.UserID).Msg("Bling account disconnected")

	c.JSON(http.StatusOK, gin.H{"disconnected": true})
}

// BlingStatusResponse reports the connection and sync state
type BlingStatusResponse struct {
	Connected  bool            `json:"connected"`
	SyncStatus auth.SyncStatus `json:"sync_status"`
	SyncError  string          `json:"sync_error,omitempty"`
	LastSyncAt *time.Time      `json:"last_sync_at,omitempty"`
	NextSyncAt *time.Time      `json:"next_sync_at,omitempty"`
}

func (s *Server) blingStatus(c *gin.Context) {
	sessionData, _ := GetSessionData(c)

	var account models.BlingAccount
	if err := s.db.Where("user_id = ?", sessionData.UserID).First(&account).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusOK, BlingStatusResponse{Connected: false, SyncStatus: auth.SyncIdle})
			return
		}
		s.respondInternalError(c, err, "Failed to load Bling account")
		return
	}

	c.JSON(http.StatusOK, BlingStatusResponse{
		Connected:  true,
		SyncStatus: account.SyncStatus,
		SyncError:  account.SyncError,
		LastSyncAt: account.LastSyncAt,
		NextSyncAt: account.NextSyncAt,
	})
}

// blingSync triggers a manual sync; this is a PRO feature
func (s *Server) blingSync(c *gin.Context) {
	if !requirePlan(c, s.logger, auth.PlanPro) {
		return
	}
	sessionData, _ := GetSessionData(c)

	var account models.BlingAccount
	if err := s.db.Where("user_id = ?", sessionData.UserID).First(&account).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			respondError(c, http.StatusNotFound, "No Bling account connected")
			return
		}
		s.respondInternalError(c, err, "Failed to load Bling account")
		return
	}

	if account.SyncStatus == auth.SyncSyncing {
		respondError(c, http.StatusConflict, "A sync is already running")
		return
	}

	if err := s.enqueueSync(sessionData.UserID); err != nil {
		s.respondInternalError(c, err, "Failed to enqueue sync")
		return
	}

	s.logger.Info().Str("user_id", sessionData.UserID).Msg("Manual sync requested")

	c.JSON(http.StatusAccepted, gin.H{"status": auth.SyncSyncing})
}

// enqueueSync dispatches a sync task; completion is never awaited here
func (s *Server) enqueueSync(userID string) error {
	task, err := tasks.NewBlingSyncTask(userID)
	if err != nil {
		return err
	}
	_, err = s.asynqClient.Enqueue(task, asynq.Queue("critical"))
	return err
}
