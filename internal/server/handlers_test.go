package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-os/nexus/internal/auth"
	"github.com/nexus-os/nexus/internal/bling"
	"github.com/nexus-os/nexus/internal/config"
	"github.com/nexus-os/nexus/internal/models"
)

const testWebhookSecret = "whsec_test"

// newTestServer boots a full server against miniredis and an isolated
// in-memory database
func newTestServer(t *testing.T) *Server {
	t.Helper()
	mr := miniredis.RunT(t)

	dbName := strings.NewReplacer("/", "_", "#", "_").Replace(t.Name())
	cfg := &config.Config{
		App: config.AppConfig{
			BaseURL:        "http://localhost:8080",
			HomeEnabled:    true,
			SignupsEnabled: true,
		},
		Database: config.DatabaseConfig{
			URL: fmt.Sprintf("file:server_%s?mode=memory&cache=shared", dbName),
		},
		Redis: config.RedisConfig{Address: mr.Addr()},
		Auth: config.AuthConfig{
			JWTSecret:      "test-secret",
			SessionHours:   24,
			PendingMinutes: 10,
		},
		Billing: config.BillingConfig{
			APIURL:        "http://127.0.0.1:0",
			SecretKey:     "sk_test",
			WebhookSecret: testWebhookSecret,
			PriceIDPro:    "price_pro",
		},
		Bling: config.BlingConfig{APIURL: "http://127.0.0.1:0", ClientID: "cid", ClientSecret: "cs"},
	}

	s, err := New(cfg, zerolog.Nop(), "test")
	require.NoError(t, err)
	return s
}

type userOpts struct {
	role      auth.Role
	plan      auth.PlanTier
	activated bool
	totp      string // base32 secret, enables 2FA when set
}

func createTestUser(t *testing.T, s *Server, email, password string, opts userOpts) *models.User {
	t.Helper()

	hash, err := auth.HashPassword(password)
	require.NoError(t, err)

	if opts.role == "" {
		opts.role = auth.RoleUser
	}
	if opts.plan == "" {
		opts.plan = auth.PlanFree
	}

	user := &models.User{
		Email:        email,
		PasswordHash: hash,
		Name:         "Test User",
		Role:         opts.role,
		PlanTier:     opts.plan,
	}
	if opts.activated {
		user.ActivatedAt = nowPtr()
	}
	if opts.totp != "" {
		user.TOTPSecret = opts.totp
		user.TOTPEnabled = true
	}
	require.NoError(t, s.db.Create(user).Error)
	return user
}

func apiRequest(s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

func loginToken(t *testing.T, s *Server, email, password string) string {
	t.Helper()
	w := apiRequest(s, http.MethodPost, "/api/auth/login", "", jsonMap{"email": email, "password": password})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp LoginResponse
	decodeBody(t, w, &resp)
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

type jsonMap map[string]any

// totpCode computes the RFC 6238 code for a base32 secret
func totpCode(t *testing.T, secret string, now time.Time) string {
	t.Helper()
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(secret))
	require.NoError(t, err)

	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(now.Unix()/30))
	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 | int(sum[offset+1])<<16 | int(sum[offset+2])<<8 | int(sum[offset+3])
	return fmt.Sprintf("%06d", bin%1000000)
}

func signWebhook(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t)

	w := apiRequest(s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"online"`)
}

func TestLogin(t *testing.T) {
	s := newTestServer(t)
	createTestUser(t, s, "user@example.com", "password123", userOpts{activated: true})

	t.Run("valid credentials", func(t *testing.T) {
		w := apiRequest(s, http.MethodPost, "/api/auth/login", "", jsonMap{
			"email": "user@example.com", "password": "password123",
		})
		require.Equal(t, http.StatusOK, w.Code)

		var resp LoginResponse
		decodeBody(t, w, &resp)
		assert.False(t, resp.Requires2FA)
		require.NotNil(t, resp.User)
		assert.Equal(t, "user@example.com", resp.User.Email)

		claims, err := auth.ValidateToken(resp.Token)
		require.NoError(t, err)
		assert.Equal(t, auth.RoleUser, claims.Role)
		assert.False(t, claims.Required2FA)

		cookies := w.Result().Cookies()
		require.NotEmpty(t, cookies)
		assert.Equal(t, "nexus_session", cookies[0].Name)
		assert.True(t, cookies[0].HttpOnly)
	})

	t.Run("email is case-insensitive", func(t *testing.T) {
		w := apiRequest(s, http.MethodPost, "/api/auth/login", "", jsonMap{
			"email": "USER@Example.com", "password": "password123",
		})
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("wrong password", func(t *testing.T) {
		w := apiRequest(s, http.MethodPost, "/api/auth/login", "", jsonMap{
			"email": "user@example.com", "password": "wrong-password",
		})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("unknown email gets the same error", func(t *testing.T) {
		w := apiRequest(s, http.MethodPost, "/api/auth/login", "", jsonMap{
			"email": "nobody@example.com", "password": "password123",
		})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "Invalid email or password")
	})

	t.Run("missing fields", func(t *testing.T) {
		w := apiRequest(s, http.MethodPost, "/api/auth/login", "", jsonMap{"email": "user@example.com"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestLoginUnactivatedAccount(t *testing.T) {
	s := newTestServer(t)
	createTestUser(t, s, "pending@example.com", "password123", userOpts{})

	w := apiRequest(s, http.MethodPost, "/api/auth/login", "", jsonMap{
		"email": "pending@example.com", "password": "password123",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "not activated")
}

func TestLoginRedirectEchoedWhenSafe(t *testing.T) {
	s := newTestServer(t)
	createTestUser(t, s, "user@example.com", "password123", userOpts{activated: true})

	w := apiRequest(s, http.MethodPost, "/api/auth/login?redirect=%2Fdashboard", "", jsonMap{
		"email": "user@example.com", "password": "password123",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp LoginResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, "/dashboard", resp.Redirect)

	w = apiRequest(s, http.MethodPost, "/api/auth/login?redirect=https%3A%2F%2Fevil.example.com", "", jsonMap{
		"email": "user@example.com", "password": "password123",
	})
	require.Equal(t, http.StatusOK, w.Code)

	resp = LoginResponse{}
	decodeBody(t, w, &resp)
	assert.Empty(t, resp.Redirect)
}

func TestSignup(t *testing.T) {
	s := newTestServer(t)

	w := apiRequest(s, http.MethodPost, "/api/auth/signup", "", jsonMap{
		"email": "new@example.com", "password": "password123", "name": "Nova Conta",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var user models.User
	require.NoError(t, s.db.Where("email = ?", "new@example.com").First(&user).Error)
	assert.Equal(t, auth.RoleUser, user.Role)
	assert.Equal(t, auth.PlanFree, user.PlanTier)
	assert.False(t, user.Activated())

	// An activation token was issued
	var count int64
	require.NoError(t, s.db.Model(&models.ActionToken{}).
		Where("user_id = ? AND purpose = ?", user.ID, models.TokenPurposeActivation).
		Count(&count).Error)
	assert.Equal(t, int64(1), count)

	t.Run("duplicate email", func(t *testing.T) {
		w := apiRequest(s, http.MethodPost, "/api/auth/signup", "", jsonMap{
			"email": "new@example.com", "password": "password123", "name": "Duplicada",
		})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("weak password", func(t *testing.T) {
		w := apiRequest(s, http.MethodPost, "/api/auth/signup", "", jsonMap{
			"email": "other@example.com", "password": "short", "name": "X",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestConcurrentSignupsSameEmail(t *testing.T) {
	s := newTestServer(t)

	// Both requests pass the pre-check before either row lands; the
	// loser must see the unique constraint as a conflict, not a 500
	codes := make(chan int, 2)
	for i := 0; i < 2; i++ {
		go func() {
			w := apiRequest(s, http.MethodPost, "/api/auth/signup", "", jsonMap{
				"email":    "race@example.com",
				"password": "password123",
				"name":     "Race User",
			})
			codes <- w.Code
		}()
	}

	got := []int{<-codes, <-codes}
	sort.Ints(got)
	assert.Equal(t, []int{http.StatusCreated, http.StatusConflict}, got)

	var count int64
	require.NoError(t, s.db.Model(&models.User{}).Where("email = ?", "race@example.com").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestSignupDisabledByFlag(t *testing.T) {
	s := newTestServer(t)
	s.config.App.SignupsEnabled = false

	w := apiRequest(s, http.MethodPost, "/api/auth/signup", "", jsonMap{
		"email": "new@example.com", "password": "password123", "name": "X",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestActivationFlow(t *testing.T) {
	s := newTestServer(t)
	user := createTestUser(t, s, "pending@example.com", "password123", userOpts{})

	raw, err := s.createActionToken(user.ID, models.TokenPurposeActivation, time.Hour)
	require.NoError(t, err)

	w := apiRequest(s, http.MethodPost, "/api/auth/activate", "", jsonMap{"token": raw})
	require.Equal(t, http.StatusOK, w.Code)

	var updated models.User
	require.NoError(t, models.FindByID(s.db, user.ID, &updated))
	assert.True(t, updated.Activated())

	t.Run("token is single use", func(t *testing.T) {
		w := apiRequest(s, http.MethodPost, "/api/auth/activate", "", jsonMap{"token": raw})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		w := apiRequest(s, http.MethodPost, "/api/auth/activate", "", jsonMap{"token": "bogus"})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestExpiredActionTokenRejected(t *testing.T) {
	s := newTestServer(t)
	user := createTestUser(t, s, "pending@example.com", "password123", userOpts{})

	raw, err := s.createActionToken(user.ID, models.TokenPurposeActivation, -time.Minute)
	require.NoError(t, err)

	w := apiRequest(s, http.MethodPost, "/api/auth/activate", "", jsonMap{"token": raw})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPasswordResetFlow(t *testing.T) {
	s := newTestServer(t)
	user := createTestUser(t, s, "user@example.com", "old-password", userOpts{activated: true})

	raw, err := s.createActionToken(user.ID, models.TokenPurposePasswordReset, time.Hour)
	require.NoError(t, err)

	w := apiRequest(s, http.MethodPost, "/api/auth/password-reset/confirm", "", jsonMap{
		"token": raw, "password": "new-password-1",
	})
	require.Equal(t, http.StatusOK, w.Code)

	// Old password no longer works, new one does
	w = apiRequest(s, http.MethodPost, "/api/auth/login", "", jsonMap{
		"email": "user@example.com", "password": "old-password",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	loginToken(t, s, "user@example.com", "new-password-1")

	// A reset token never activates an account
	w = apiRequest(s, http.MethodPost, "/api/auth/activate", "", jsonMap{"token": raw})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResendActivationThrottle(t *testing.T) {
	s := newTestServer(t)
	createTestUser(t, s, "pending@example.com", "password123", userOpts{})

	w := apiRequest(s, http.MethodPost, "/api/auth/resend-activation", "", jsonMap{"email": "pending@example.com"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = apiRequest(s, http.MethodPost, "/api/auth/resend-activation", "", jsonMap{"email": "pending@example.com"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// A different address is throttled independently
	w = apiRequest(s, http.MethodPost, "/api/auth/resend-activation", "", jsonMap{"email": "other@example.com"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestResendActivationHidesAccountExistence(t *testing.T) {
	s := newTestServer(t)

	w := apiRequest(s, http.MethodPost, "/api/auth/resend-activation", "", jsonMap{"email": "ghost@example.com"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"sent":true`)
}

func TestSessionMiddleware(t *testing.T) {
	s := newTestServer(t)
	user := createTestUser(t, s, "user@example.com", "password123", userOpts{activated: true})

	t.Run("no token", func(t *testing.T) {
		w := apiRequest(s, http.MethodGet, "/api/auth/me", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		w := apiRequest(s, http.MethodGet, "/api/auth/me", "not-a-token", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("valid bearer token", func(t *testing.T) {
		token := loginToken(t, s, "user@example.com", "password123")
		w := apiRequest(s, http.MethodGet, "/api/auth/me", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "user@example.com")
	})

	t.Run("cookie fallback", func(t *testing.T) {
		token := loginToken(t, s, "user@example.com", "password123")
		req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: token})
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("pending 2FA token rejected", func(t *testing.T) {
		pending, err := s.mintPendingSession(user)
		require.NoError(t, err)
		w := apiRequest(s, http.MethodGet, "/api/auth/me", pending, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("token for a deleted user rejected", func(t *testing.T) {
		ghost := createTestUser(t, s, "gone@example.com", "password123", userOpts{activated: true})
		token := loginToken(t, s, "gone@example.com", "password123")
		require.NoError(t, s.db.Delete(ghost).Error)

		w := apiRequest(s, http.MethodGet, "/api/auth/me", token, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestTwoFactorEnrollment(t *testing.T) {
	s := newTestServer(t)
	createTestUser(t, s, "user@example.com", "password123", userOpts{activated: true})
	token := loginToken(t, s, "user@example.com", "password123")

	// Enable: server generates the secret
	w := apiRequest(s, http.MethodPost, "/api/auth/2fa/enable", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var enableResp struct {
		Secret       string `json:"secret"`
		ProvisionURI string `json:"provision_uri"`
	}
	decodeBody(t, w, &enableResp)
	require.NotEmpty(t, enableResp.Secret)
	assert.Contains(t, enableResp.ProvisionURI, "otpauth://totp/")

	// Confirm with wrong code fails and leaves 2FA off
	w = apiRequest(s, http.MethodPost, "/api/auth/2fa/confirm", token, jsonMap{"code": "000000"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Confirm with the live code
	code := totpCode(t, enableResp.Secret, time.Now())
	w = apiRequest(s, http.MethodPost, "/api/auth/2fa/confirm", token, jsonMap{"code": code})
	require.Equal(t, http.StatusOK, w.Code)

	var user models.User
	require.NoError(t, s.db.Where("email = ?", "user@example.com").First(&user).Error)
	assert.True(t, user.TOTPEnabled)

	// Enabling twice conflicts
	w = apiRequest(s, http.MethodPost, "/api/auth/2fa/enable", token, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestTwoFactorLoginFlow(t *testing.T) {
	s := newTestServer(t)
	secret, err := auth.GenerateTOTPSecret()
	require.NoError(t, err)
	createTestUser(t, s, "user@example.com", "password123", userOpts{activated: true, totp: secret})

	// Password alone yields a pending session
	w := apiRequest(s, http.MethodPost, "/api/auth/login", "", jsonMap{
		"email": "user@example.com", "password": "password123",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var loginResp LoginResponse
	decodeBody(t, w, &loginResp)
	require.True(t, loginResp.Requires2FA)
	assert.Nil(t, loginResp.User)

	// The pending token does not unlock the API
	w = apiRequest(s, http.MethodGet, "/api/auth/me", loginResp.Token, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// Wrong code is rejected
	w = apiRequest(s, http.MethodPost, "/api/auth/2fa/verify", "", jsonMap{
		"token": loginResp.Token, "code": "000000",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Correct code upgrades to a full session
	w = apiRequest(s, http.MethodPost, "/api/auth/2fa/verify", "", jsonMap{
		"token": loginResp.Token, "code": totpCode(t, secret, time.Now()),
	})
	require.Equal(t, http.StatusOK, w.Code)

	var verifyResp LoginResponse
	decodeBody(t, w, &verifyResp)
	assert.False(t, verifyResp.Requires2FA)

	w = apiRequest(s, http.MethodGet, "/api/auth/me", verifyResp.Token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTwoFactorVerifyRejectsFullToken(t *testing.T) {
	s := newTestServer(t)
	secret, err := auth.GenerateTOTPSecret()
	require.NoError(t, err)
	createTestUser(t, s, "user@example.com", "password123", userOpts{activated: true, totp: secret})

	user := &models.User{}
	require.NoError(t, s.db.Where("email = ?", "user@example.com").First(user).Error)
	full, err := s.mintSession(user)
	require.NoError(t, err)

	// A settled session cannot be replayed through the OTP endpoint
	w := apiRequest(s, http.MethodPost, "/api/auth/2fa/verify", "", jsonMap{
		"token": full, "code": totpCode(t, secret, time.Now()),
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTwoFactorDisable(t *testing.T) {
	s := newTestServer(t)
	secret, err := auth.GenerateTOTPSecret()
	require.NoError(t, err)
	user := createTestUser(t, s, "user@example.com", "password123", userOpts{activated: true, totp: secret})

	full, err := s.mintSession(user)
	require.NoError(t, err)

	w := apiRequest(s, http.MethodPost, "/api/auth/2fa/disable", full, jsonMap{"code": "000000"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = apiRequest(s, http.MethodPost, "/api/auth/2fa/disable", full, jsonMap{
		"code": totpCode(t, secret, time.Now()),
	})
	require.Equal(t, http.StatusOK, w.Code)

	var updated models.User
	require.NoError(t, models.FindByID(s.db, user.ID, &updated))
	assert.False(t, updated.TOTPEnabled)
	assert.Empty(t, updated.TOTPSecret)
}

func TestUserRoutesRequireSuperAdmin(t *testing.T) {
	s := newTestServer(t)
	createTestUser(t, s, "user@example.com", "password123", userOpts{activated: true})
	createTestUser(t, s, "root@example.com", "password123", userOpts{activated: true, role: auth.RoleSuperAdmin})

	userToken := loginToken(t, s, "user@example.com", "password123")
	rootToken := loginToken(t, s, "root@example.com", "password123")

	w := apiRequest(s, http.MethodGet, "/api/users", userToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = apiRequest(s, http.MethodGet, "/api/users", rootToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "user@example.com")
	assert.Contains(t, w.Body.String(), "root@example.com")
}

func TestRoleRevocationAppliesWithoutNewToken(t *testing.T) {
	s := newTestServer(t)
	admin := createTestUser(t, s, "admin@example.com", "password123", userOpts{activated: true, role: auth.RoleSuperAdmin})
	token := loginToken(t, s, "admin@example.com", "password123")

	w := apiRequest(s, http.MethodGet, "/api/users", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Demote: the old token's role claim no longer matters
	require.NoError(t, s.db.Model(admin).Update("role", auth.RoleUser).Error)

	w = apiRequest(s, http.MethodGet, "/api/users", token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestBillingWebhook(t *testing.T) {
	s := newTestServer(t)
	user := createTestUser(t, s, "user@example.com", "password123", userOpts{activated: true})

	postWebhook := func(body []byte, signature string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/billing/webhook", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(webhookSignatureHeader, signature)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		return w
	}

	t.Run("checkout completed upgrades the plan", func(t *testing.T) {
		body := []byte(fmt.Sprintf(`{
			"id": "evt_1",
			"type": "checkout.session.completed",
			"data": {"object": {"id": "cs_1", "customer": "cus_9", "metadata": {"user_id": %q}}}
		}`, user.ID))

		w := postWebhook(body, signWebhook(body))
		require.Equal(t, http.StatusOK, w.Code)

		var updated models.User
		require.NoError(t, models.FindByID(s.db, user.ID, &updated))
		assert.Equal(t, auth.PlanPro, updated.PlanTier)
		assert.Equal(t, "cus_9", updated.BillingCustomerID)
	})

	t.Run("subscription deleted downgrades by customer id", func(t *testing.T) {
		body := []byte(`{
			"id": "evt_2",
			"type": "customer.subscription.deleted",
			"data": {"object": {"id": "sub_1", "customer": "cus_9"}}
		}`)

		w := postWebhook(body, signWebhook(body))
		require.Equal(t, http.StatusOK, w.Code)

		var updated models.User
		require.NoError(t, models.FindByID(s.db, user.ID, &updated))
		assert.Equal(t, auth.PlanFree, updated.PlanTier)
	})

	t.Run("forged signature rejected", func(t *testing.T) {
		body := []byte(`{"id":"evt_3","type":"checkout.session.completed"}`)
		w := postWebhook(body, "deadbeef")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown event types acknowledged", func(t *testing.T) {
		body := []byte(`{"id":"evt_4","type":"invoice.paid"}`)
		w := postWebhook(body, signWebhook(body))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestBlingStatus(t *testing.T) {
	s := newTestServer(t)
	user := createTestUser(t, s, "user@example.com", "password123", userOpts{activated: true})
	token := loginToken(t, s, "user@example.com", "password123")

	w := apiRequest(s, http.MethodGet, "/api/bling/status", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status BlingStatusResponse
	decodeBody(t, w, &status)
	assert.False(t, status.Connected)
	assert.Equal(t, auth.SyncIdle, status.SyncStatus)

	require.NoError(t, s.db.Create(&models.BlingAccount{
		UserID:       user.ID,
		AccessToken:  "at",
		RefreshToken: "rt",
		SyncStatus:   auth.SyncCompleted,
		LastSyncAt:   nowPtr(),
	}).Error)

	w = apiRequest(s, http.MethodGet, "/api/bling/status", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	decodeBody(t, w, &status)
	assert.True(t, status.Connected)
	assert.Equal(t, auth.SyncCompleted, status.SyncStatus)
	assert.NotNil(t, status.LastSyncAt)
}

func TestBlingSyncGuards(t *testing.T) {
	s := newTestServer(t)
	createTestUser(t, s, "free@example.com", "password123", userOpts{activated: true})
	pro := createTestUser(t, s, "pro@example.com", "password123", userOpts{activated: true, plan: auth.PlanPro})

	freeToken := loginToken(t, s, "free@example.com", "password123")
	proToken := loginToken(t, s, "pro@example.com", "password123")

	t.Run("manual sync is plan gated", func(t *testing.T) {
		w := apiRequest(s, http.MethodPost, "/api/bling/sync", freeToken, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, w.Body.String(), "PRO plan required")
	})

	t.Run("no connected account", func(t *testing.T) {
		w := apiRequest(s, http.MethodPost, "/api/bling/sync", proToken, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("running sync conflicts", func(t *testing.T) {
		require.NoError(t, s.db.Create(&models.BlingAccount{
			UserID:       pro.ID,
			AccessToken:  "at",
			RefreshToken: "rt",
			SyncStatus:   auth.SyncSyncing,
		}).Error)

		w := apiRequest(s, http.MethodPost, "/api/bling/sync", proToken, nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestBlingDisconnect(t *testing.T) {
	s := newTestServer(t)
	user := createTestUser(t, s, "user@example.com", "password123", userOpts{activated: true})
	token := loginToken(t, s, "user@example.com", "password123")

	w := apiRequest(s, http.MethodPost, "/api/bling/disconnect", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.NoError(t, s.db.Create(&models.BlingAccount{
		UserID: user.ID, AccessToken: "at", RefreshToken: "rt",
	}).Error)

	w = apiRequest(s, http.MethodPost, "/api/bling/disconnect", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var count int64
	require.NoError(t, s.db.Model(&models.BlingAccount{}).Where("user_id = ?", user.ID).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

// fakeBlingOAuth points the server's ERP client at a stub token
// endpoint and returns a helper that completes the OAuth callback
func fakeBlingOAuth(t *testing.T, s *Server, user *models.User, token string) func(state string) {
	t.Helper()

	erp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth/token", r.URL.Path)
		fmt.Fprint(w, `{"access_token":"at-new","refresh_token":"rt-new","expires_in":3600,"token_type":"Bearer"}`)
	}))
	t.Cleanup(erp.Close)
	s.bling = bling.NewClient(erp.URL, "cid", "cs")

	return func(state string) {
		t.Helper()
		require.NoError(t, s.cache.Set(context.Background(), "bling_state:"+state, user.ID, time.Minute))
		w := apiRequest(s, http.MethodGet, "/api/bling/callback?code=ok&state="+state, token, nil)
		require.Equal(t, http.StatusFound, w.Code, w.Body.String())
		require.Equal(t, "/bling", w.Header().Get("Location"))
	}
}

func TestConnectAppliesSavedSyncSchedule(t *testing.T) {
	s := newTestServer(t)
	user := createTestUser(t, s, "user@example.com", "password123", userOpts{activated: true})
	token := loginToken(t, s, "user@example.com", "password123")
	connect := fakeBlingOAuth(t, s, user, token)

	// Schedule saved before any account exists
	w := apiRequest(s, http.MethodPatch, "/api/settings", token, jsonMap{"sync_schedule": "@hourly"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	connect("state-first")

	var account models.BlingAccount
	require.NoError(t, s.db.Where("user_id = ?", user.ID).First(&account).Error)
	require.NotNil(t, account.NextSyncAt)
	assert.True(t, account.NextSyncAt.After(time.Now()))

	// Disconnecting drops the row; reconnecting must pick the saved
	// schedule back up without a settings re-save
	w = apiRequest(s, http.MethodPost, "/api/bling/disconnect", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	connect("state-second")

	var reconnected models.BlingAccount
	require.NoError(t, s.db.Where("user_id = ?", user.ID).First(&reconnected).Error)
	require.NotNil(t, reconnected.NextSyncAt)
	assert.True(t, reconnected.NextSyncAt.After(time.Now()))
}

func TestConnectWithoutScheduleStaysManual(t *testing.T) {
	s := newTestServer(t)
	user := createTestUser(t, s, "user@example.com", "password123", userOpts{activated: true})
	token := loginToken(t, s, "user@example.com", "password123")
	connect := fakeBlingOAuth(t, s, user, token)

	connect("state-manual")

	var account models.BlingAccount
	require.NoError(t, s.db.Where("user_id = ?", user.ID).First(&account).Error)
	assert.Nil(t, account.NextSyncAt)
}

func TestDashboardEndpoints(t *testing.T) {
	s := newTestServer(t)
	user := createTestUser(t, s, "user@example.com", "password123", userOpts{activated: true})
	token := loginToken(t, s, "user@example.com", "password123")

	t.Run("no snapshot yet", func(t *testing.T) {
		w := apiRequest(s, http.MethodGet, "/api/dashboard/overview-metrics", token, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)

		w = apiRequest(s, http.MethodGet, "/api/dashboard/first-impact", token, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	product := &models.Product{UserID: user.ID, BlingID: 1, SKU: "SKU-1", Name: "Produto 1", Active: true}
	require.NoError(t, s.db.Create(product).Error)

	require.NoError(t, s.db.Create(&models.MetricsSnapshot{
		UserID:           user.ID,
		ProductCount:     10,
		TotalStockValue:  25000,
		ExcessCapital:    4000,
		DeadStockCapital: 1500,
		RuptureCount:     2,
		CriticalCount:    1,
		Revenue30d:       18000,
	}).Error)

	for _, alert := range []models.StockAlert{
		{UserID: user.ID, ProductID: product.ID, Type: models.AlertTypeExcessStock, Severity: models.SeverityHigh, Capital: 4000},
		{UserID: user.ID, ProductID: product.ID, Type: models.AlertTypeDeadStock, Severity: models.SeverityMedium, Capital: 1500},
		{UserID: user.ID, ProductID: product.ID, Type: models.AlertTypeRupture, Severity: models.SeverityCritical, Capital: 800},
	} {
		a := alert
		require.NoError(t, s.db.Create(&a).Error)
	}

	t.Run("overview metrics", func(t *testing.T) {
		w := apiRequest(s, http.MethodGet, "/api/dashboard/overview-metrics", token, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var snapshot models.MetricsSnapshot
		decodeBody(t, w, &snapshot)
		assert.Equal(t, 10, snapshot.ProductCount)
		assert.Equal(t, float64(4000), snapshot.ExcessCapital)
	})

	t.Run("alerts ordered by capital", func(t *testing.T) {
		w := apiRequest(s, http.MethodGet, "/api/dashboard/alerts", token, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Alerts []models.StockAlert `json:"alerts"`
			Count  int                 `json:"count"`
		}
		decodeBody(t, w, &resp)
		require.Equal(t, 3, resp.Count)
		assert.Equal(t, models.AlertTypeExcessStock, resp.Alerts[0].Type)
		assert.Equal(t, models.AlertTypeRupture, resp.Alerts[2].Type)
	})

	t.Run("alerts filtered by severity", func(t *testing.T) {
		w := apiRequest(s, http.MethodGet, "/api/dashboard/alerts?severity=CRITICAL", token, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Count int `json:"count"`
		}
		decodeBody(t, w, &resp)
		assert.Equal(t, 1, resp.Count)
	})

	t.Run("first impact sums recoverable capital", func(t *testing.T) {
		w := apiRequest(s, http.MethodGet, "/api/dashboard/first-impact", token, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp FirstImpactResponse
		decodeBody(t, w, &resp)
		assert.Equal(t, float64(5500), resp.RecoverableValue)
		assert.Equal(t, 1, resp.CriticalCount)
		assert.Len(t, resp.TopAlerts, 3)
	})

	t.Run("another user sees nothing", func(t *testing.T) {
		createTestUser(t, s, "other@example.com", "password123", userOpts{activated: true})
		otherToken := loginToken(t, s, "other@example.com", "password123")

		w := apiRequest(s, http.MethodGet, "/api/dashboard/overview-metrics", otherToken, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestSettings(t *testing.T) {
	s := newTestServer(t)
	user := createTestUser(t, s, "user@example.com", "password123", userOpts{activated: true})
	token := loginToken(t, s, "user@example.com", "password123")

	t.Run("defaults before onboarding", func(t *testing.T) {
		w := apiRequest(s, http.MethodGet, "/api/settings", token, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var settings models.Settings
		decodeBody(t, w, &settings)
		assert.Equal(t, 90, settings.ExcessCoverDays)
		assert.Equal(t, 60, settings.DeadStockDays)
		assert.Equal(t, 15, settings.DefaultLeadTimeDays)
	})

	t.Run("invalid cron schedule", func(t *testing.T) {
		w := apiRequest(s, http.MethodPatch, "/api/settings", token, jsonMap{"sync_schedule": "not a cron"})
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "sync_schedule")
	})

	t.Run("out of range threshold", func(t *testing.T) {
		w := apiRequest(s, http.MethodPatch, "/api/settings", token, jsonMap{"excess_cover_days": 0})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("first save completes onboarding", func(t *testing.T) {
		w := apiRequest(s, http.MethodPatch, "/api/settings", token, jsonMap{
			"excess_cover_days": 120,
			"dead_stock_days":   45,
			"sync_schedule":     "0 3 * * *",
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var settings models.Settings
		decodeBody(t, w, &settings)
		assert.Equal(t, 120, settings.ExcessCoverDays)
		assert.Equal(t, 45, settings.DeadStockDays)
		assert.Equal(t, "0 3 * * *", settings.SyncSchedule)

		var updated models.User
		require.NoError(t, models.FindByID(s.db, user.ID, &updated))
		assert.True(t, updated.OnboardingCompleted)
	})

	t.Run("schedule change reschedules the connected account", func(t *testing.T) {
		require.NoError(t, s.db.Create(&models.BlingAccount{
			UserID: user.ID, AccessToken: "at", RefreshToken: "rt",
		}).Error)

		// Token minted before onboarding still carries the old claim;
		// the handler reads the fresh flag from the database
		w := apiRequest(s, http.MethodPatch, "/api/settings", token, jsonMap{"sync_schedule": "@hourly"})
		require.Equal(t, http.StatusOK, w.Code)

		var account models.BlingAccount
		require.NoError(t, s.db.Where("user_id = ?", user.ID).First(&account).Error)
		require.NotNil(t, account.NextSyncAt)
		assert.True(t, account.NextSyncAt.After(time.Now()))

		// Clearing the schedule clears the next run
		w = apiRequest(s, http.MethodPatch, "/api/settings", token, jsonMap{"sync_schedule": ""})
		require.Equal(t, http.StatusOK, w.Code)

		// Fetch into a fresh struct: GORM leaves a reused destination's
		// pointer fields untouched when the column is NULL
		var cleared models.BlingAccount
		require.NoError(t, s.db.Where("user_id = ?", user.ID).First(&cleared).Error)
		assert.Nil(t, cleared.NextSyncAt)
	})
}

func TestGetSessionReflectsSyncStatus(t *testing.T) {
	s := newTestServer(t)
	user := createTestUser(t, s, "user@example.com", "password123", userOpts{activated: true})
	token := loginToken(t, s, "user@example.com", "password123")

	w := apiRequest(s, http.MethodGet, "/api/auth/session", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Token   string           `json:"token"`
		Session auth.SessionData `json:"session"`
	}
	decodeBody(t, w, &resp)
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, auth.SyncIdle, resp.Session.BlingSyncStatus)

	require.NoError(t, s.db.Create(&models.BlingAccount{
		UserID: user.ID, AccessToken: "at", RefreshToken: "rt", SyncStatus: auth.SyncSyncing,
	}).Error)

	w = apiRequest(s, http.MethodGet, "/api/auth/session", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	decodeBody(t, w, &resp)
	assert.Equal(t, auth.SyncSyncing, resp.Session.BlingSyncStatus)
}

func TestInviteFlow(t *testing.T) {
	s := newTestServer(t)
	createTestUser(t, s, "root@example.com", "password123", userOpts{activated: true, role: auth.RoleSuperAdmin})
	rootToken := loginToken(t, s, "root@example.com", "password123")

	w := apiRequest(s, http.MethodPost, "/api/users/invite", rootToken, jsonMap{
		"email": "invited@example.com", "name": "Convidado", "role": "ADMIN",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var invited models.User
	require.NoError(t, s.db.Where("email = ?", "invited@example.com").First(&invited).Error)
	assert.Equal(t, auth.RoleAdmin, invited.Role)
	assert.False(t, invited.Activated())

	// The invited user completes signup with the emailed token. The raw
	// token only exists in the email, so mint a fresh one here.
	raw, err := s.createActionToken(invited.ID, models.TokenPurposeInvite, time.Hour)
	require.NoError(t, err)

	w = apiRequest(s, http.MethodPost, "/api/users/invite-verify", "", jsonMap{
		"token": raw, "password": "chosen-password-1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.NoError(t, models.FindByID(s.db, invited.ID, &invited))
	assert.True(t, invited.Activated())

	loginToken(t, s, "invited@example.com", "chosen-password-1")

	t.Run("invite role cannot exceed admin", func(t *testing.T) {
		w := apiRequest(s, http.MethodPost, "/api/users/invite", rootToken, jsonMap{
			"email": "sneaky@example.com", "name": "X", "role": "SUPER_ADMIN",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
