package auth

// SessionData represents the authenticated session context for a request
type SessionData struct {
	UserID              string     `json:"user_id"`
	Email               string     `json:"email"`
	Role                Role       `json:"role"`
	Required2FA         bool       `json:"required_2fa"`
	OnboardingCompleted bool       `json:"onboarding_completed"`
	BlingSyncStatus     SyncStatus `json:"bling_sync_status"`
	PlanTier            PlanTier   `json:"plan_tier"`
}
