package workers

import (
	"time"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/nexus-os/nexus/internal/auth"
	"github.com/nexus-os/nexus/internal/models"
	"github.com/nexus-os/nexus/internal/tasks"
)

// StartSyncScheduler runs a periodic check (every minute) for
// connected accounts whose automatic sync is due
func StartSyncScheduler(client *asynq.Client, db *gorm.DB, logger zerolog.Logger) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	// Run immediately on startup, then every minute
	checkAndEnqueueSyncTasks(client, db, logger)

	for range ticker.C {
		checkAndEnqueueSyncTasks(client, db, logger)
	}
}

func checkAndEnqueueSyncTasks(client *asynq.Client, db *gorm.DB, logger zerolog.Logger) {
	now := time.Now()

	var accounts []models.BlingAccount
	err := db.Where("next_sync_at IS NOT NULL AND next_sync_at <= ?", now).Find(&accounts).Error
	if err != nil {
		logger.Error().Err(err).Msg("Failed to query accounts due for sync")
		return
	}

	for _, account := range accounts {
		// A running sync keeps its slot; the next tick re-checks
		if account.SyncStatus == auth.SyncSyncing {
			logger.Debug().Str("user_id", account.UserID).Msg("Sync already running, skipping")
			continue
		}

		var settings models.Settings
		if err := db.Where("user_id = ?", account.UserID).First(&settings).Error; err != nil || settings.SyncSchedule == "" {
			// Schedule removed since next_sync_at was computed
			db.Model(&account).Update("next_sync_at", nil)
			continue
		}

		next := nextSyncTime(settings.SyncSchedule, now)
		if err := db.Model(&account).Update("next_sync_at", next).Error; err != nil {
			logger.Error().Err(err).Str("user_id", account.UserID).Msg("Failed to update next sync time")
			continue
		}

		task, err := tasks.NewBlingSyncTask(account.UserID)
		if err != nil {
			logger.Error().Err(err).Str("user_id", account.UserID).Msg("Failed to build sync task")
			continue
		}
		if _, err := client.Enqueue(task, asynq.Queue("low")); err != nil {
			logger.Error().Err(err).Str("user_id", account.UserID).Msg("Failed to enqueue scheduled sync")
			continue
		}

		logger.Info().
			Str("user_id", account.UserID).
			Time("next_sync_at", func() time.Time {
				if next != nil {
					return *next
				}
				return time.Time{}
			}()).
			Msg("Scheduled sync enqueued")
	}
}

// nextSyncTime computes the next run from a cron expression; nil when
// the expression does not parse (validated at save time, so this is a
// safety net only)
func nextSyncTime(expression string, from time.Time) *time.Time {
	schedule, err := cron.ParseStandard(expression)
	if err != nil {
		return nil
	}
	next := schedule.Next(from)
	return &next
}
