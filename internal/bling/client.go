// Package bling is the HTTP client for the Bling ERP API v3: the
// OAuth token exchange plus the product and sales-order reads the sync
// worker pages through.
package bling

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const pageLimit = 100

type Client struct {
	apiURL       string
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

// NewClient creates a Bling API client
func NewClient(apiURL, clientID, clientSecret string) *Client {
	return &Client{
		apiURL:       strings.TrimSuffix(apiURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// AuthorizeURL builds the OAuth consent URL the browser is sent to.
// state is round-tripped to the callback for CSRF protection.
func (c *Client) AuthorizeURL(redirectURI, state string) string {
	v := url.Values{}
	v.Set("response_type", "code")
	v.Set("client_id", c.clientID)
	v.Set("redirect_uri", redirectURI)
	v.Set("state", state)
	return c.apiURL + "/oauth/authorize?" + v.Encode()
}

// TokenResponse is the OAuth token endpoint response
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"` // seconds
	TokenType    string `json:"token_type"`
}

// ExchangeCode trades an authorization code for tokens
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	return c.tokenRequest(ctx, form)
}

// RefreshToken trades a refresh token for a fresh token pair
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return c.tokenRequest(ctx, form)
}

func (c *Client) tokenRequest(ctx context.Context, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	basic := base64.StdEncoding.EncodeToString([]byte(c.clientID + ":" + c.clientSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bling token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("bling token endpoint returned %s: %s", resp.Status, string(body))
	}

	var token TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	return &token, nil
}

// Product is one product row from GET /produtos
type Product struct {
	ID    int64   `json:"id"`
	SKU   string  `json:"codigo"`
	Name  string  `json:"nome"`
	Price float64 `json:"preco"`
	Cost  float64 `json:"precoCusto"`
	Stock float64 `json:"estoqueSaldo"`
	State string  `json:"situacao"` // "A" active, "I" inactive
}

// Active reports whether the product is active in the ERP
func (p Product) Active() bool {
	return p.State != "I"
}

// Order is one sales order from GET /pedidos/vendas
type Order struct {
	ID    int64   `json:"id"`
	Date  string  `json:"data"` // YYYY-MM-DD
	Total float64 `json:"total"`
	Items []struct {
		ProductID int64   `json:"produtoId"`
		SKU       string  `json:"codigo"`
		Quantity  float64 `json:"quantidade"`
		UnitPrice float64 `json:"valor"`
	} `json:"itens"`
}

// ListProducts fetches one page of products (1-based page index).
// An empty slice means the last page was passed.
func (c *Client) ListProducts(ctx context.Context, accessToken string, page int) ([]Product, error) {
	var out struct {
		Data []Product `json:"data"`
	}
	if err := c.get(ctx, accessToken, "/produtos", page, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// ListOrders fetches one page of sales orders issued since the given date
func (c *Client) ListOrders(ctx context.Context, accessToken string, since time.Time, page int) ([]Order, error) {
	params := url.Values{}
	params.Set("dataInicial", since.Format("2006-01-02"))

	var out struct {
		Data []Order `json:"data"`
	}
	if err := c.get(ctx, accessToken, "/pedidos/vendas", page, params, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) get(ctx context.Context, accessToken, path string, page int, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("pagina", strconv.Itoa(page))
	params.Set("limite", strconv.Itoa(pageLimit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bling request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("bling API returned %s: %s", resp.Status, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
