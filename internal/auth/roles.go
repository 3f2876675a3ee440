package auth

// Role is the access level carried in session claims
type Role string

const (
	RoleGuest      Role = "GUEST"
	RoleUser       Role = "USER"
	RoleAdmin      Role = "ADMIN"
	RoleSuperAdmin Role = "SUPER_ADMIN"
)

// roleLevels orders roles for minimum-role comparisons
var roleLevels = map[Role]int{
	RoleGuest:      0,
	RoleUser:       1,
	RoleAdmin:      2,
	RoleSuperAdmin: 3,
}

// Valid reports whether the role is one of the declared set
func (r Role) Valid() bool {
	_, ok := roleLevels[r]
	return ok
}

// AtLeast reports whether the role meets or exceeds the given minimum.
// An unknown role never satisfies any minimum.
func (r Role) AtLeast(min Role) bool {
	level, ok := roleLevels[r]
	if !ok {
		return false
	}
	minLevel, ok := roleLevels[min]
	if !ok {
		return false
	}
	return level >= minLevel
}

// SyncStatus tracks the ERP sync lifecycle as seen by the session
type SyncStatus string

const (
	SyncIdle      SyncStatus = "idle"
	SyncSyncing   SyncStatus = "SYNCING"
	SyncCompleted SyncStatus = "COMPLETED"
	SyncFailed    SyncStatus = "FAILED"
)

// Terminal reports whether the sync reached a final state
func (s SyncStatus) Terminal() bool {
	return s == SyncCompleted || s == SyncFailed
}

// PlanTier is the subscription level gating premium features
type PlanTier string

const (
	PlanFree PlanTier = "FREE"
	PlanPro  PlanTier = "PRO"
)
