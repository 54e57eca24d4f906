package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultResendBaseURL is the Resend API root.
const DefaultResendBaseURL = "https://api.resend.com"

// ResendClient sends transactional email through the Resend HTTP API.
type ResendClient struct {
	baseURL    string
	apiKey     string
	from       string
	httpClient *http.Client
}

// NewResendClient creates a Resend mail client.
func NewResendClient(apiKey, from string) *ResendClient {
	return &ResendClient{
		baseURL:    DefaultResendBaseURL,
		apiKey:     apiKey,
		from:       from,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// NewResendClientWithBaseURL is NewResendClient with an overridable endpoint.
func NewResendClientWithBaseURL(baseURL, apiKey, from string) *ResendClient {
	c := NewResendClient(apiKey, from)
	c.baseURL = baseURL
	return c
}

// Send dispatches one email.
func (c *ResendClient) Send(ctx context.Context, to, subject, html string) error {
	payload := map[string]interface{}{
		"from":    c.from,
		"to":      []string{to},
		"subject": subject,
		"html":    html,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/emails", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build email request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("mail API returned status %d: %s", resp.StatusCode, body)
	}
	return nil
}
