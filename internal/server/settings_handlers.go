package server

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/nexus-os/nexus/internal/models"
)

func (s *Server) getSettings(c *gin.Context) {
	sessionData, _ := GetSessionData(c)

	var settings models.Settings
	err := s.db.Where("user_id = ?", sessionData.UserID).First(&settings).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			// Defaults before onboarding saves anything
			c.JSON(http.StatusOK, models.Settings{
				UserID:              sessionData.UserID,
				ExcessCoverDays:     90,
				DeadStockDays:       60,
				DefaultLeadTimeDays: 15,
			})
			return
		}
		s.respondInternalError(c, err, "Failed to load settings")
		return
	}

	c.JSON(http.StatusOK, settings)
}

// UpdateSettingsRequest tunes the alert engine and sync schedule.
// Saving settings for the first time completes onboarding.
type UpdateSettingsRequest struct {
	ExcessCoverDays     *int    `json:"excess_cover_days" validate:"omitempty,min=1,max=365"`
	DeadStockDays       *int    `json:"dead_stock_days" validate:"omitempty,min=1,max=365"`
	DefaultLeadTimeDays *int    `json:"default_lead_time_days" validate:"omitempty,min=1,max=180"`
	SyncSchedule        *string `json:"sync_schedule"`
}

func (s *Server) updateSettings(c *gin.Context) {
	sessionData, _ := GetSessionData(c)

	var req UpdateSettingsRequest
	if !s.bindAndValidate(c, &req) {
		return
	}

	if req.SyncSchedule != nil && *req.SyncSchedule != "" {
		if _, err := cron.ParseStandard(*req.SyncSchedule); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:  "Validation failed",
				Issues: []ValidationIssue{{Field: "sync_schedule", Rule: "cron"}},
			})
			return
		}
	}

	var settings models.Settings
	err := s.db.Where("user_id = ?", sessionData.UserID).First(&settings).Error
	if err == gorm.ErrRecordNotFound {
		settings = models.Settings{
			UserID:              sessionData.UserID,
			ExcessCoverDays:     90,
			DeadStockDays:       60,
			DefaultLeadTimeDays: 15,
		}
		if err := s.db.Create(&settings).Error; err != nil {
			s.respondInternalError(c, err, "Failed to create settings")
			return
		}
	} else if err != nil {
		s.respondInternalError(c, err, "Failed to load settings")
		return
	}

	updates := map[string]interface{}{}
	if req.ExcessCoverDays != nil {
		updates["excess_cover_days"] = *req.ExcessCoverDays
	}
	if req.DeadStockDays != nil {
		updates["dead_stock_days"] = *req.DeadStockDays
	}
	if req.DefaultLeadTimeDays != nil {
		updates["default_lead_time_days"] = *req.DefaultLeadTimeDays
	}
	if req.SyncSchedule != nil {
		updates["sync_schedule"] = *req.SyncSchedule

		// Reschedule the next automatic sync right away
		var next *time.Time
		if *req.SyncSchedule != "" {
			if schedule, err := cron.ParseStandard(*req.SyncSchedule); err == nil {
				t := schedule.Next(time.Now())
				next = &t
			}
		}
		if err := s.db.Model(&models.BlingAccount{}).
			Where("user_id = ?", sessionData.UserID).
			Update("next_sync_at", next).Error; err != nil {
			s.respondInternalError(c, err, "Failed to reschedule sync")
			return
		}
	}

	if len(updates) > 0 {
		if err := s.db.Model(&settings).Updates(updates).Error; err != nil {
			s.respondInternalError(c, err, "Failed to update settings")
			return
		}
	}

	// First save completes onboarding
	if !sessionData.OnboardingCompleted {
		if err := s.db.Model(&models.User{}).Where("id = ?", sessionData.UserID).
			Update("onboarding_completed", true).Error; err != nil {
			s.respondInternalError(c, err, "Failed to complete onboarding")
			return
		}
	}

	if err := s.db.Where("user_id = ?", sessionData.UserID).First(&settings).Error; err != nil {
		s.respondInternalError(c, err, "Failed to reload settings")
		return
	}

	c.JSON(http.StatusOK, settings)
}

func nowPtr() *time.Time {
	t := time.Now()
	return &t
}

func mustRandomHex() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
