// Package alerts computes inventory-health findings from synced
// product and sales data: sales velocity (VVD), rupture risk, excess
// and dead stock capital, and pricing opportunities.
package alerts

import (
	"fmt"
	"math"
	"time"

	"github.com/nexus-os/nexus/internal/models"
)

// velocityWindowDays is the lookback used to compute VVD
const velocityWindowDays = 30

// minPricingMargin is the gross margin below which a fast-moving
// product is flagged as a pricing opportunity
const minPricingMargin = 0.10

// Thresholds are the user-tunable engine parameters from Settings
type Thresholds struct {
	ExcessCoverDays     int
	DeadStockDays       int
	DefaultLeadTimeDays int
}

// ProductInput is one product plus its aggregated sales history
type ProductInput struct {
	Product    models.Product
	Units30d   float64    // units sold in the velocity window
	Revenue30d float64    // revenue in the velocity window
	LastSaleAt *time.Time // nil when the product never sold
}

// Finding is one computed alert before persistence
type Finding struct {
	ProductID      string
	Type           string
	Severity       string
	Capital        float64
	CoverDays      float64
	Recommendation string
}

// Summary aggregates the run for the overview-metrics snapshot
type Summary struct {
	ProductCount     int
	TotalStockValue  float64
	ExcessCapital    float64
	DeadStockCapital float64
	RuptureCount     int
	CriticalCount    int
	Revenue30d       float64
}

// Compute runs the engine over all products for one user. now anchors
// the dead-stock lookback so runs are reproducible in tests.
func Compute(inputs []ProductInput, thresholds Thresholds, now time.Time) ([]Finding, Summary) {
	var findings []Finding
	summary := Summary{}

	for _, in := range inputs {
		p := in.Product
		if !p.Active {
			continue
		}

		summary.ProductCount++
		summary.TotalStockValue += p.Stock * p.Cost
		summary.Revenue30d += in.Revenue30d

		vvd := in.Units30d / velocityWindowDays
		coverDays := CoverDays(p.Stock, vvd)

		leadTime := p.LeadTimeDays
		if leadTime <= 0 {
			leadTime = thresholds.DefaultLeadTimeDays
		}

		if f, ok := ruptureFinding(p, vvd, coverDays, leadTime); ok {
			summary.RuptureCount++
			if f.Severity == models.SeverityCritical {
				summary.CriticalCount++
			}
			findings = append(findings, f)
		}

		if f, ok := deadStockFinding(p, in.LastSaleAt, thresholds.DeadStockDays, now); ok {
			summary.DeadStockCapital += f.Capital
			findings = append(findings, f)
		} else if f, ok := excessFinding(p, vvd, coverDays, thresholds.ExcessCoverDays); ok {
			// A dead product is never also flagged as excess
			summary.ExcessCapital += f.Capital
			findings = append(findings, f)
		}

		if f, ok := pricingFinding(p, vvd, coverDays); ok {
			findings = append(findings, f)
		}
	}

	return findings, summary
}

// CoverDays is the days of stock remaining at the given velocity.
// Returns -1 when the product has no sales velocity.
func CoverDays(stock, vvd float64) float64 {
	if vvd <= 0 {
		return -1
	}
	return stock / vvd
}

// ruptureFinding flags products that will stock out before a
// replenishment order placed today could arrive
func ruptureFinding(p models.Product, vvd, coverDays float64, leadTime int) (Finding, bool) {
	if vvd <= 0 || coverDays < 0 {
		return Finding{}, false
	}

	lead := float64(leadTime)
	if coverDays > 2*lead {
		return Finding{}, false
	}

	var severity string
	switch {
	case coverDays <= lead/2:
		severity = models.SeverityCritical
	case coverDays <= lead:
		severity = models.SeverityHigh
	case coverDays <= 1.5*lead:
		severity = models.SeverityMedium
	default:
		severity = models.SeverityLow
	}

	// Revenue lost while waiting out the stockout window
	atRisk := math.Max(0, (lead-coverDays)*vvd*p.Price)

	return Finding{
		ProductID: p.ID,
		Type:      models.AlertTypeRupture,
		Severity:  severity,
		Capital:   round2(atRisk),
		CoverDays: round2(coverDays),
		Recommendation: fmt.Sprintf(
			"Reponha %q agora: restam %.0f dias de estoque para um prazo de reposição de %d dias.",
			p.Name, coverDays, leadTime),
	}, true
}

// deadStockFinding flags stocked products without a sale in the window
func deadStockFinding(p models.Product, lastSaleAt *time.Time, deadStockDays int, now time.Time) (Finding, bool) {
	if p.Stock <= 0 {
		return Finding{}, false
	}
	cutoff := now.AddDate(0, 0, -deadStockDays)
	if lastSaleAt != nil && lastSaleAt.After(cutoff) {
		return Finding{}, false
	}

	capital := p.Stock * p.Cost
	severity := models.SeverityMedium
	if capital >= 1000 {
		severity = models.SeverityHigh
	}

	return Finding{
		ProductID: p.ID,
		Type:      models.AlertTypeDeadStock,
		Severity:  severity,
		Capital:   round2(capital),
		CoverDays: -1,
		Recommendation: fmt.Sprintf(
			"%q está sem vendas há mais de %d dias com R$ %.2f parados em estoque.",
			p.Name, deadStockDays, capital),
	}, true
}

// excessFinding flags capital tied up beyond the configured cover
func excessFinding(p models.Product, vvd, coverDays float64, excessCoverDays int) (Finding, bool) {
	if vvd <= 0 || coverDays <= float64(excessCoverDays) {
		return Finding{}, false
	}

	excessUnits := p.Stock - vvd*float64(excessCoverDays)
	capital := excessUnits * p.Cost
	if capital <= 0 {
		return Finding{}, false
	}

	severity := models.SeverityLow
	if capital >= 5000 {
		severity = models.SeverityHigh
	} else if capital >= 1000 {
		severity = models.SeverityMedium
	}

	return Finding{
		ProductID: p.ID,
		Type:      models.AlertTypeExcessStock,
		Severity:  severity,
		Capital:   round2(capital),
		CoverDays: round2(coverDays),
		Recommendation: fmt.Sprintf(
			"%q tem %.0f dias de cobertura (limite %d): R$ %.2f em capital excedente.",
			p.Name, coverDays, excessCoverDays, capital),
	}, true
}

// pricingFinding flags fast-moving products sold at thin margins
func pricingFinding(p models.Product, vvd, coverDays float64) (Finding, bool) {
	if vvd <= 0 || p.Price <= 0 || p.Cost <= 0 {
		return Finding{}, false
	}

	margin := (p.Price - p.Cost) / p.Price
	if margin >= minPricingMargin {
		return Finding{}, false
	}

	return Finding{
		ProductID: p.ID,
		Type:      models.AlertTypePricing,
		Severity:  models.SeverityLow,
		Capital:   0,
		CoverDays: round2(coverDays),
		Recommendation: fmt.Sprintf(
			"%q gira bem mas opera com margem de %.0f%%. Avalie um reajuste de preço.",
			p.Name, margin*100),
	}, true
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
