package workers

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/nexus-os/nexus/internal/ai"
	"github.com/nexus-os/nexus/internal/alerts"
	"github.com/nexus-os/nexus/internal/models"
	"github.com/nexus-os/nexus/internal/tasks"
)

// HandleAlertsCompute runs the inventory-health engine for one user:
// replaces their alerts and appends a metrics snapshot. Runs after
// every sync and is safe to re-run at any time.
func HandleAlertsCompute(ctx context.Context, t *asynq.Task, db *gorm.DB, generator *ai.Client, log zerolog.Logger) error {
	payload, err := tasks.ParseSyncPayload(t)
	if err != nil {
		return err
	}

	thresholds := loadThresholds(db, payload.UserID)

	inputs, err := loadEngineInputs(db, payload.UserID)
	if err != nil {
		return err
	}

	now := time.Now()
	findings, summary := alerts.Compute(inputs, thresholds, now)

	// Excess and dead stock findings get campaign copy from the text
	// generator when one is configured
	if generator != nil {
		enrichRecommendations(ctx, generator, findings, inputs, log)
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", payload.UserID).Delete(&models.StockAlert{}).Error; err != nil {
			return err
		}

		for _, f := range findings {
			alert := models.StockAlert{
				UserID:         payload.UserID,
				ProductID:      f.ProductID,
				Type:           f.Type,
				Severity:       f.Severity,
				Capital:        f.Capital,
				CoverDays:      f.CoverDays,
				Recommendation: f.Recommendation,
			}
			if err := tx.Create(&alert).Error; err != nil {
				return err
			}
		}

		snapshot := models.MetricsSnapshot{
			UserID:           payload.UserID,
			ProductCount:     summary.ProductCount,
			TotalStockValue:  summary.TotalStockValue,
			ExcessCapital:    summary.ExcessCapital,
			DeadStockCapital: summary.DeadStockCapital,
			RuptureCount:     summary.RuptureCount,
			CriticalCount:    summary.CriticalCount,
			Revenue30d:       summary.Revenue30d,
		}
		return tx.Create(&snapshot).Error
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("user_id", payload.UserID).
		Int("alerts", len(findings)).
		Int("products", summary.ProductCount).
		Msg("Alerts computed")

	return nil
}

func loadThresholds(db *gorm.DB, userID string) alerts.Thresholds {
	thresholds := alerts.Thresholds{
		ExcessCoverDays:     90,
		DeadStockDays:       60,
		DefaultLeadTimeDays: 15,
	}

	var settings models.Settings
	if err := db.Where("user_id = ?", userID).First(&settings).Error; err == nil {
		thresholds.ExcessCoverDays = settings.ExcessCoverDays
		thresholds.DeadStockDays = settings.DeadStockDays
		thresholds.DefaultLeadTimeDays = settings.DefaultLeadTimeDays
	}

	return thresholds
}

func loadEngineInputs(db *gorm.DB, userID string) ([]alerts.ProductInput, error) {
	var products []models.Product
	if err := db.Where("user_id = ?", userID).Find(&products).Error; err != nil {
		return nil, err
	}

	windowStart := time.Now().AddDate(0, 0, -30)

	inputs := make([]alerts.ProductInput, 0, len(products))
	for _, p := range products {
		input := alerts.ProductInput{Product: p}

		var rows []models.SaleRecord
		if err := db.Where("user_id = ? AND product_id = ?", userID, p.ID).
			Order("day DESC").Find(&rows).Error; err != nil {
			return nil, err
		}
		for _, row := range rows {
			if input.LastSaleAt == nil || row.Day.After(*input.LastSaleAt) {
				day := row.Day
				input.LastSaleAt = &day
			}
			if row.Day.After(windowStart) {
				input.Units30d += row.Units
				input.Revenue30d += row.Revenue
			}
		}

		inputs = append(inputs, input)
	}

	return inputs, nil
}

// enrichRecommendations swaps the deterministic recommendation text
// for generated campaign copy on capital-heavy findings. Generation
// failures keep the fallback text; they never fail the run.
func enrichRecommendations(ctx context.Context, generator *ai.Client, findings []alerts.Finding, inputs []alerts.ProductInput, log zerolog.Logger) {
	names := make(map[string]string, len(inputs))
	for _, in := range inputs {
		names[in.Product.ID] = in.Product.Name
	}

	for i := range findings {
		f := &findings[i]
		if f.Type != models.AlertTypeExcessStock && f.Type != models.AlertTypeDeadStock {
			continue
		}
		copyText, err := generator.CampaignCopy(ctx, names[f.ProductID], f.CoverDays, f.Capital)
		if err != nil {
			log.Warn().Err(err).Str("product_id", f.ProductID).Msg("Campaign copy generation failed")
			continue
		}
		if copyText != "" {
			f.Recommendation = copyText
		}
	}
}
