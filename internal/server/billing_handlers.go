package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nexus-os/nexus/internal/auth"
	"github.com/nexus-os/nexus/internal/billing"
	"github.com/nexus-os/nexus/internal/models"
)

// webhookSignatureHeader carries the provider's HMAC hex signature
const webhookSignatureHeader = "X-Webhook-Signature"

// checkout creates a hosted checkout session for the signed-in user
func (s *Server) checkout(c *gin.Context) {
	sessionData, _ := GetSessionData(c)

	var user models.User
	if err := models.FindByID(s.db, sessionData.UserID, &user); err != nil {
		respondError(c, http.StatusNotFound, "User not found")
		return
	}
	if user.PlanTier == auth.PlanPro {
		respondError(c, http.StatusConflict, "Already subscribed to PRO")
		return
	}

	session, err := s.billing.CreateCheckoutSession(c.Request.Context(), billing.CheckoutParams{
		CustomerID:    user.BillingCustomerID,
		CustomerEmail: user.Email,
		PriceID:       s.config.Billing.PriceIDPro,
		SuccessURL:    s.config.App.BaseURL + "/assinatura?status=success",
		CancelURL:     s.config.App.BaseURL + "/assinatura?status=cancelled",
		UserID:        user.ID,
	})
	if err != nil {
		s.respondInternalError(c, err, "Failed to create checkout session")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"url": session.URL})
}

// CheckoutAnonRequest starts a checkout before an account exists
type CheckoutAnonRequest struct {
	Email string `json:"email" binding:"required,email"`
}

// checkoutAnon creates a checkout session for a visitor without an
// account; the webhook links the subscription by email afterwards
func (s *Server) checkoutAnon(c *gin.Context) {
	var req CheckoutAnonRequest
	if !s.bindAndValidate(c, &req) {
		return
	}

	session, err := s.billing.CreateCheckoutSession(c.Request.Context(), billing.CheckoutParams{
		CustomerEmail: req.Email,
		PriceID:       s.config.Billing.PriceIDPro,
		SuccessURL:    s.config.App.BaseURL + "/signup?checkout=success",
		CancelURL:     s.config.App.BaseURL + "/?checkout=cancelled",
	})
	if err != nil {
		s.respondInternalError(c, err, "Failed to create checkout session")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"url": session.URL})
}

// billingPortal opens the provider's subscription management portal
func (s *Server) billingPortal(c *gin.Context) {
	sessionData, _ := GetSessionData(c)

	var user models.User
	if err := models.FindByID(s.db, sessionData.UserID, &user); err != nil {
		respondError(c, http.StatusNotFound, "User not found")
		return
	}
	if user.BillingCustomerID == "" {
		respondError(c, http.StatusNotFound, "No billing account for this user")
		return
	}

	session, err := s.billing.CreatePortalSession(c.Request.Context(), user.BillingCustomerID, s.config.App.BaseURL+"/assinatura")
	if err != nil {
		s.respondInternalError(c, err, "Failed to create portal session")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"url": session.URL})
}

// billingWebhook applies subscription state changes pushed by the
// provider. The signature check rejects forged deliveries; plan tier
// is only ever written here and during signup.
func (s *Server) billingWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		respondError(c, http.StatusBadRequest, "Failed to read request body")
		return
	}

	event, err := s.billing.ParseWebhook(body, c.GetHeader(webhookSignatureHeader))
	if err != nil {
		s.logger.Warn().Err(err).Msg("Rejected billing webhook")
		respondError(c, http.StatusBadRequest, "Invalid webhook")
		return
	}

	switch event.Type {
	case billing.EventCheckoutCompleted:
		userID := event.Data.Object.Metadata["user_id"]
		if userID == "" {
			s.logger.Warn().Str("event_id", event.ID).Msg("Checkout webhook without user metadata")
			break
		}
		updates := map[string]interface{}{
			"plan_tier":           auth.PlanPro,
			"billing_customer_id": event.Data.Object.Customer,
		}
		if err := s.db.Model(&models.User{}).Where("id = ?", userID).Updates(updates).Error; err != nil {
			s.respondInternalError(c, err, "Failed to apply checkout webhook")
			return
		}
		s.logger.Info().Str("user_id", userID).Msg("Subscription activated")

	case billing.EventSubscriptionDeleted:
		customer := event.Data.Object.Customer
		if customer == "" {
			break
		}
		if err := s.db.Model(&models.User{}).Where("billing_customer_id = ?", customer).
			Update("plan_tier", auth.PlanFree).Error; err != nil {
			s.respondInternalError(c, err, "Failed to apply cancellation webhook")
			return
		}
		s.logger.Info().Str("customer", customer).Msg("Subscription cancelled")

	default:
		s.logger.Debug().Str("type", event.Type).Msg("Ignoring billing webhook event")
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
