// Package ai generates campaign recommendation copy through a
// chat-completions API. The engine falls back to deterministic text
// when no API key is configured, so this client is strictly optional.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	apiURL     string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewClient creates a text-generation client. Returns nil when no API
// key is configured; callers must handle a nil client.
func NewClient(apiURL, apiKey, model string) *Client {
	if apiKey == "" {
		return nil
	}
	return &Client{
		apiURL:     strings.TrimSuffix(apiURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// CampaignCopy asks the model for a short campaign recommendation for
// a product sitting on excess or dead stock
func (c *Client) CampaignCopy(ctx context.Context, productName string, coverDays, capital float64) (string, error) {
	prompt := fmt.Sprintf(
		"Produto %q tem %.0f dias de cobertura de estoque e R$ %.2f de capital parado. "+
			"Sugira em uma frase uma campanha promocional para girar esse estoque.",
		productName, coverDays, capital)

	body := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: "Você é um consultor de e-commerce. Responda em uma frase curta, em português."},
			{Role: "user", Content: prompt},
		},
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/chat/completions", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ai request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ai API returned %s: %s", resp.Status, string(raw))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode ai response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("ai response contained no choices")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}
