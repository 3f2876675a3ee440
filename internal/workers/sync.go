// Package workers holds the asynq task handlers: the Bling sync
// pipeline, the alert engine runner, and transactional email delivery.
package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nexus-os/nexus/internal/auth"
	"github.com/nexus-os/nexus/internal/bling"
	"github.com/nexus-os/nexus/internal/models"
	"github.com/nexus-os/nexus/internal/tasks"
)

// orderLookbackDays bounds how much sales history a sync pulls
const orderLookbackDays = 90

// tokenRefreshMargin refreshes OAuth tokens this long before expiry
const tokenRefreshMargin = 5 * time.Minute

// HandleBlingSync pulls products and sales orders from Bling for one
// user, then chains into an alerts:compute task. The account's sync
// status transitions SYNCING -> COMPLETED or FAILED; the UI polls the
// session endpoint to observe the terminal state.
func HandleBlingSync(ctx context.Context, t *asynq.Task, client *asynq.Client, db *gorm.DB, erp *bling.Client, log zerolog.Logger) error {
	payload, err := tasks.ParseSyncPayload(t)
	if err != nil {
		return err
	}

	var account models.BlingAccount
	if err := db.Where("user_id = ?", payload.UserID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Account disconnected while the task sat in the queue
			log.Warn().Str("user_id", payload.UserID).Msg("Sync skipped: no Bling account")
			return nil
		}
		return err
	}

	if err := db.Model(&account).Updates(map[string]interface{}{
		"sync_status": auth.SyncSyncing,
		"sync_error":  "",
	}).Error; err != nil {
		return err
	}

	log.Info().Str("user_id", payload.UserID).Msg("Bling sync started")

	if err := runSync(ctx, db, erp, &account, log); err != nil {
		log.Error().Err(err).Str("user_id", payload.UserID).Msg("Bling sync failed")

		if uerr := db.Model(&account).Updates(map[string]interface{}{
			"sync_status": auth.SyncFailed,
			"sync_error":  err.Error(),
		}).Error; uerr != nil {
			log.Error().Err(uerr).Str("user_id", payload.UserID).Msg("Failed to record sync failure")
		}
		// Surface the failure to asynq for retry accounting
		return err
	}

	now := time.Now()
	if err := db.Model(&account).Updates(map[string]interface{}{
		"sync_status":  auth.SyncCompleted,
		"last_sync_at": &now,
	}).Error; err != nil {
		return err
	}

	log.Info().Str("user_id", payload.UserID).Msg("Bling sync completed")

	computeTask, err := tasks.NewAlertsComputeTask(payload.UserID)
	if err != nil {
		return err
	}
	if _, err := client.Enqueue(computeTask, asynq.Queue("default")); err != nil {
		log.Error().Err(err).Str("user_id", payload.UserID).Msg("Failed to enqueue alerts compute")
	}

	return nil
}

func runSync(ctx context.Context, db *gorm.DB, erp *bling.Client, account *models.BlingAccount, log zerolog.Logger) error {
	accessToken, err := freshAccessToken(ctx, db, erp, account)
	if err != nil {
		return err
	}

	if err := syncProducts(ctx, db, erp, account, accessToken); err != nil {
		return fmt.Errorf("product sync: %w", err)
	}
	if err := syncOrders(ctx, db, erp, account, accessToken); err != nil {
		return fmt.Errorf("order sync: %w", err)
	}
	return nil
}

// freshAccessToken refreshes the OAuth token when it is about to expire
func freshAccessToken(ctx context.Context, db *gorm.DB, erp *bling.Client, account *models.BlingAccount) (string, error) {
	if time.Until(account.TokenExpiry) > tokenRefreshMargin {
		return account.AccessToken, nil
	}

	token, err := erp.RefreshToken(ctx, account.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("token refresh: %w", err)
	}

	expiry := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	if err := db.Model(account).Updates(map[string]interface{}{
		"access_token":  token.AccessToken,
		"refresh_token": token.RefreshToken,
		"token_expiry":  expiry,
	}).Error; err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

func syncProducts(ctx context.Context, db *gorm.DB, erp *bling.Client, account *models.BlingAccount, accessToken string) error {
	for page := 1; ; page++ {
		products, err := erp.ListProducts(ctx, accessToken, page)
		if err != nil {
			return err
		}
		if len(products) == 0 {
			return nil
		}

		for _, p := range products {
			if p.SKU == "" {
				continue
			}
			row := models.Product{
				UserID:  account.UserID,
				BlingID: p.ID,
				SKU:     p.SKU,
				Name:    p.Name,
				Price:   p.Price,
				Cost:    p.Cost,
				Stock:   p.Stock,
				Active:  p.Active(),
			}
			err := db.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "user_id"}, {Name: "sku"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"bling_id", "name", "price", "cost", "stock", "active", "updated_at",
				}),
			}).Create(&row).Error
			if err != nil {
				return err
			}
		}
	}
}

func syncOrders(ctx context.Context, db *gorm.DB, erp *bling.Client, account *models.BlingAccount, accessToken string) error {
	since := time.Now().AddDate(0, 0, -orderLookbackDays)

	// SKU -> product ID map for resolving order items
	var products []models.Product
	if err := db.Where("user_id = ?", account.UserID).Find(&products).Error; err != nil {
		return err
	}
	bySKU := make(map[string]string, len(products))
	for _, p := range products {
		bySKU[p.SKU] = p.ID
	}

	// day -> product ID -> aggregate
	type bucket struct {
		units   float64
		revenue float64
	}
	aggregates := make(map[time.Time]map[string]*bucket)

	for page := 1; ; page++ {
		orders, err := erp.ListOrders(ctx, accessToken, since, page)
		if err != nil {
			return err
		}
		if len(orders) == 0 {
			break
		}

		for _, order := range orders {
			day, err := time.Parse("2006-01-02", order.Date)
			if err != nil {
				continue
			}
			for _, item := range order.Items {
				productID, ok := bySKU[item.SKU]
				if !ok {
					continue
				}
				if aggregates[day] == nil {
					aggregates[day] = make(map[string]*bucket)
				}
				b := aggregates[day][productID]
				if b == nil {
					b = &bucket{}
					aggregates[day][productID] = b
				}
				b.units += item.Quantity
				b.revenue += item.Quantity * item.UnitPrice
			}
		}
	}

	for day, perProduct := range aggregates {
		for productID, b := range perProduct {
			row := models.SaleRecord{
				UserID:    account.UserID,
				ProductID: productID,
				Day:       day,
				Units:     b.units,
				Revenue:   b.revenue,
			}
			err := db.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}, {Name: "product_id"}, {Name: "day"}},
				DoUpdates: clause.AssignmentColumns([]string{"units", "revenue"}),
			}).Create(&row).Error
			if err != nil {
				return err
			}
		}
	}

	return nil
}
