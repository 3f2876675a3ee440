// Package billing talks to the Stripe-compatible payment provider.
// Only the external contract is implemented here: checkout sessions,
// the customer portal, and webhook signature verification.
package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	apiURL        string
	secretKey     string
	webhookSecret string
	httpClient    *http.Client
}

// NewClient creates a payment provider client
func NewClient(apiURL, secretKey, webhookSecret string) *Client {
	return &Client{
		apiURL:        strings.TrimSuffix(apiURL, "/"),
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
	}
}

// CheckoutSession is the provider's hosted checkout page reference
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// PortalSession is the provider's hosted billing portal reference
type PortalSession struct {
	URL string `json:"url"`
}

// CheckoutParams describes a subscription checkout request
type CheckoutParams struct {
	CustomerID    string // empty for anonymous checkout
	CustomerEmail string
	PriceID       string
	SuccessURL    string
	CancelURL     string
	UserID        string // carried back in webhook metadata
}

// CreateCheckoutSession creates a hosted checkout session for a
// subscription to the given price
func (c *Client) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	form := url.Values{}
	form.Set("mode", "subscription")
	form.Set("line_items[0][price]", params.PriceID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)
	if params.CustomerID != "" {
		form.Set("customer", params.CustomerID)
	} else if params.CustomerEmail != "" {
		form.Set("customer_email", params.CustomerEmail)
	}
	if params.UserID != "" {
		form.Set("metadata[user_id]", params.UserID)
	}

	var session CheckoutSession
	if err := c.postForm(ctx, "/checkout/sessions", form, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// CreatePortalSession creates a hosted billing portal session so the
// customer can manage their subscription
func (c *Client) CreatePortalSession(ctx context.Context, customerID, returnURL string) (*PortalSession, error) {
	form := url.Values{}
	form.Set("customer", customerID)
	form.Set("return_url", returnURL)

	var session PortalSession
	if err := c.postForm(ctx, "/billing_portal/sessions", form, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("billing request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("billing API returned %s: %s", resp.Status, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// Webhook event types the application reacts to
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// WebhookEvent is the decoded webhook payload
type WebhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string            `json:"id"`
			Customer string            `json:"customer"`
			Metadata map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// VerifyWebhookSignature checks the HMAC-SHA256 hex signature the
// provider sends with each webhook delivery
func (c *Client) VerifyWebhookSignature(body []byte, signature string) bool {
	if c.webhookSecret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ParseWebhook verifies the signature and decodes the event payload
func (c *Client) ParseWebhook(body []byte, signature string) (*WebhookEvent, error) {
	if !c.VerifyWebhookSignature(body, signature) {
		return nil, fmt.Errorf("invalid webhook signature")
	}
	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("failed to decode webhook payload: %w", err)
	}
	return &event, nil
}
