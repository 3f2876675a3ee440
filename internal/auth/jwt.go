package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var jwtSecret []byte

// SessionClaims represents the JWT session token claims.
// The authorization gate and API middleware only read these; they are
// written at login, after the OTP step, and on session refresh.
type SessionClaims struct {
	UserID              string     `json:"user_id"`
	Role                Role       `json:"role"`
	Required2FA         bool       `json:"required_2fa"`
	OnboardingCompleted bool       `json:"onboarding_completed"`
	BlingSyncStatus     SyncStatus `json:"bling_sync_status"`
	PlanTier            PlanTier   `json:"plan_tier"`
	jwt.RegisteredClaims
}

// InitializeJWT sets the JWT secret key
func InitializeJWT(secret string) {
	jwtSecret = []byte(secret)
}

// GenerateToken signs a session token for the given claims with the
// given lifetime
func GenerateToken(claims SessionClaims, lifetime time.Duration) (string, error) {
	if len(jwtSecret) == 0 {
		return "", fmt.Errorf("JWT secret not initialized")
	}

	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

// ValidateToken validates a session token and returns the claims.
// Expired or tampered tokens return an error; callers treat that the
// same as no token at all.
func ValidateToken(tokenString string) (*SessionClaims, error) {
	if len(jwtSecret) == 0 {
		return nil, fmt.Errorf("JWT secret not initialized")
	}

	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.UserID == "" || !claims.Role.Valid() {
		return nil, fmt.Errorf("malformed session claims")
	}

	return claims, nil
}
