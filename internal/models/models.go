package models

import (
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"github.com/nexus-os/nexus/internal/auth"
)

// BaseModel provides common fields and auto-generated ULID for all models
type BaseModel struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(26)"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// BeforeCreate generates a ULID for the ID field if it's empty
func (b *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = ulid.Make().String()
	}
	return nil
}

// User represents a merchant account
type User struct {
	BaseModel
	Email        string        `json:"email" gorm:"unique;not null"`
	PasswordHash string        `json:"-" gorm:"not null"`
	Name         string        `json:"name"`
	Role         auth.Role     `json:"role" gorm:"type:varchar(16);not null;default:USER"`
	PlanTier     auth.PlanTier `json:"plan_tier" gorm:"type:varchar(8);not null;default:FREE"`

	// Email verification: nil until the activation link is used
	ActivatedAt *time.Time `json:"activated_at"`

	// Two-factor enrollment
	TOTPSecret  string `json:"-" gorm:"type:varchar(64)"`
	TOTPEnabled bool   `json:"totp_enabled" gorm:"not null;default:false"`

	// Set true once first-run settings are saved
	OnboardingCompleted bool `json:"onboarding_completed" gorm:"not null;default:false"`

	// Billing provider customer reference
	BillingCustomerID string `json:"-"`

	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// Activated reports whether the account's email was verified
func (u *User) Activated() bool {
	return u.ActivatedAt != nil
}

// Action token purposes
const (
	TokenPurposeActivation    = "activation"
	TokenPurposePasswordReset = "password_reset"
	TokenPurposeInvite        = "invite"
)

// ActionToken is a single-use emailed token (activation, password
// reset, invite). Only the SHA-256 digest of the token is stored.
type ActionToken struct {
	BaseModel
	UserID     string     `json:"user_id" gorm:"not null;index"`
	Purpose    string     `json:"purpose" gorm:"type:varchar(24);not null"`
	Digest     string     `json:"-" gorm:"type:varchar(64);not null;uniqueIndex"`
	ExpiresAt  time.Time  `json:"expires_at" gorm:"not null"`
	ConsumedAt *time.Time `json:"consumed_at"`

	User *User `json:"-" gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
}

// Usable reports whether the token is still valid at the given time
func (t *ActionToken) Usable(now time.Time) bool {
	return t.ConsumedAt == nil && now.Before(t.ExpiresAt)
}

// BlingAccount holds the ERP connection for a user (one per user)
type BlingAccount struct {
	BaseModel
	UserID       string    `json:"user_id" gorm:"not null;uniqueIndex"`
	AccessToken  string    `json:"-" gorm:"type:text;not null"`
	RefreshToken string    `json:"-" gorm:"type:text;not null"`
	TokenExpiry  time.Time `json:"-"`

	SyncStatus auth.SyncStatus `json:"sync_status" gorm:"type:varchar(12);not null;default:idle"`
	SyncError  string          `json:"sync_error,omitempty"`
	LastSyncAt *time.Time      `json:"last_sync_at"`
	NextSyncAt *time.Time      `json:"next_sync_at"`

	User *User `json:"-" gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
}

// Product mirrors an ERP product row for one user
type Product struct {
	BaseModel
	UserID  string  `json:"user_id" gorm:"not null;index:idx_products_user_sku,unique"`
	BlingID int64   `json:"bling_id" gorm:"not null"`
	SKU     string  `json:"sku" gorm:"not null;index:idx_products_user_sku,unique"`
	Name    string  `json:"name" gorm:"not null"`
	Price   float64 `json:"price" gorm:"not null;default:0"`
	Cost    float64 `json:"cost" gorm:"not null;default:0"`
	Stock   float64 `json:"stock" gorm:"not null;default:0"`
	Active  bool    `json:"active" gorm:"not null;default:true"`

	// Days between ordering and receiving replenishment
	LeadTimeDays int `json:"lead_time_days" gorm:"not null;default:0"`

	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// SaleRecord aggregates units sold for a product on a single day
type SaleRecord struct {
	BaseModel
	UserID    string    `json:"user_id" gorm:"not null;index:idx_sales_user_product_day,unique"`
	ProductID string    `json:"product_id" gorm:"not null;index:idx_sales_user_product_day,unique"`
	Day       time.Time `json:"day" gorm:"not null;index:idx_sales_user_product_day,unique"`
	Units     float64   `json:"units" gorm:"not null;default:0"`
	Revenue   float64   `json:"revenue" gorm:"not null;default:0"`

	Product *Product `json:"-" gorm:"foreignKey:ProductID;constraint:OnDelete:CASCADE"`
}

// Alert types produced by the inventory-health engine
const (
	AlertTypeRupture     = "RUPTURE_RISK"
	AlertTypeExcessStock = "EXCESS_STOCK"
	AlertTypeDeadStock   = "DEAD_STOCK"
	AlertTypePricing     = "PRICING_OPPORTUNITY"
)

// Alert severities (rupture risk categories)
const (
	SeverityCritical = "CRITICAL"
	SeverityHigh     = "HIGH"
	SeverityMedium   = "MEDIUM"
	SeverityLow      = "LOW"
)

// StockAlert is one inventory-health finding for a product
type StockAlert struct {
	BaseModel
	UserID    string `json:"user_id" gorm:"not null;index"`
	ProductID string `json:"product_id" gorm:"not null;index"`
	Type      string `json:"type" gorm:"type:varchar(24);not null"`
	Severity  string `json:"severity" gorm:"type:varchar(12);not null"`

	// Capital tied up (excess/dead stock) or at risk (rupture), in currency units
	Capital float64 `json:"capital" gorm:"not null;default:0"`

	// Days of stock cover remaining at current sales velocity; -1 when velocity is zero
	CoverDays float64 `json:"cover_days" gorm:"not null;default:0"`

	Recommendation string `json:"recommendation" gorm:"type:text"`

	Product *Product `json:"product,omitempty" gorm:"foreignKey:ProductID;constraint:OnDelete:CASCADE"`
}

// MetricsSnapshot is the dashboard overview written after each engine run
type MetricsSnapshot struct {
	BaseModel
	UserID string `json:"user_id" gorm:"not null;index"`

	ProductCount     int     `json:"product_count" gorm:"not null;default:0"`
	TotalStockValue  float64 `json:"total_stock_value" gorm:"not null;default:0"`
	ExcessCapital    float64 `json:"excess_capital" gorm:"not null;default:0"`
	DeadStockCapital float64 `json:"dead_stock_capital" gorm:"not null;default:0"`
	RuptureCount     int     `json:"rupture_count" gorm:"not null;default:0"`
	CriticalCount    int     `json:"critical_count" gorm:"not null;default:0"`
	Revenue30d       float64 `json:"revenue_30d" gorm:"not null;default:0"`
}

// Settings is the per-user configuration saved during onboarding
type Settings struct {
	BaseModel
	UserID string `json:"user_id" gorm:"not null;uniqueIndex"`

	// Excess stock: cover beyond this many days counts as excess capital
	ExcessCoverDays int `json:"excess_cover_days" gorm:"not null;default:90"`

	// Dead stock: zero sales for this many days marks inventory as dead
	DeadStockDays int `json:"dead_stock_days" gorm:"not null;default:60"`

	// Default replenishment lead time when a product has none
	DefaultLeadTimeDays int `json:"default_lead_time_days" gorm:"not null;default:15"`

	// Cron expression for periodic syncs, empty = no auto sync
	SyncSchedule string `json:"sync_schedule"`

	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	User *User `json:"-" gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
}

// AutoMigrate runs database migrations for all models
func AutoMigrate(db *gorm.DB) error {
	models := []interface{}{
		&User{}, &ActionToken{}, &BlingAccount{}, &Product{},
		&SaleRecord{}, &StockAlert{}, &MetricsSnapshot{}, &Settings{},
	}

	return db.AutoMigrate(models...)
}

// FindByID safely finds a record by string ID
func FindByID[T any](db *gorm.DB, id string, model *T) error {
	return db.Where("id = ?", id).First(model).Error
}
