package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/nexus-os/nexus/internal/models"
)

// dashboardAlerts returns the current inventory-health findings,
// optionally filtered by type or severity
func (s *Server) dashboardAlerts(c *gin.Context) {
	sessionData, _ := GetSessionData(c)

	query := s.db.Where("user_id = ?", sessionData.UserID).Preload("Product")
	if alertType := c.Query("type"); alertType != "" {
		query = query.Where("type = ?", alertType)
	}
	if severity := c.Query("severity"); severity != "" {
		query = query.Where("severity = ?", severity)
	}

	var alerts []models.StockAlert
	if err := query.Order("capital DESC").Find(&alerts).Error; err != nil {
		s.respondInternalError(c, err, "Failed to load alerts")
		return
	}

	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// overviewMetrics returns the latest engine snapshot
func (s *Server) overviewMetrics(c *gin.Context) {
	sessionData, _ := GetSessionData(c)

	var snapshot models.MetricsSnapshot
	err := s.db.Where("user_id = ?", sessionData.UserID).
		Order("created_at DESC").First(&snapshot).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			respondError(c, http.StatusNotFound, "No metrics computed yet. Run a sync first.")
			return
		}
		s.respondInternalError(c, err, "Failed to load metrics snapshot")
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

// FirstImpactResponse is the post-first-sync summary shown on the
// results page: the headline numbers that justify the product
type FirstImpactResponse struct {
	ProductCount     int                 `json:"product_count"`
	TotalStockValue  float64             `json:"total_stock_value"`
	RecoverableValue float64             `json:"recoverable_value"` // excess + dead capital
	CriticalCount    int                 `json:"critical_count"`
	TopAlerts        []models.StockAlert `json:"top_alerts"`
}

func (s *Server) firstImpact(c *gin.Context) {
	sessionData, _ := GetSessionData(c)

	var snapshot models.MetricsSnapshot
	err := s.db.Where("user_id = ?", sessionData.UserID).
		Order("created_at DESC").First(&snapshot).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			respondError(c, http.StatusNotFound, "No metrics computed yet. Run a sync first.")
			return
		}
		s.respondInternalError(c, err, "Failed to load metrics snapshot")
		return
	}

	var topAlerts []models.StockAlert
	if err := s.db.Where("user_id = ?", sessionData.UserID).Preload("Product").
		Order("capital DESC").Limit(3).Find(&topAlerts).Error; err != nil {
		s.respondInternalError(c, err, "Failed to load top alerts")
		return
	}

	c.JSON(http.StatusOK, FirstImpactResponse{
		ProductCount:     snapshot.ProductCount,
		TotalStockValue:  snapshot.TotalStockValue,
		RecoverableValue: snapshot.ExcessCapital + snapshot.DeadStockCapital,
		CriticalCount:    snapshot.CriticalCount,
		TopAlerts:        topAlerts,
	})
}
