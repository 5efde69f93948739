/**
 * @description
 * This package provides a small client for outbound JSON webhooks: partner event
 * callbacks and the operator chat channel. When a signing secret is configured the body
 * is signed with HMAC-SHA256, the same scheme inbound signals are verified with.
 */
package webhookclient

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature"

// Client posts JSON payloads to a fixed URL.
type Client struct {
	url        string
	secret     string
	httpClient *http.Client
}

// NewClient creates a webhook client. An empty secret sends unsigned requests.
func NewClient(url, secret string) *Client {
	return &Client{
		url:        strings.TrimSpace(url),
		secret:     strings.TrimSpace(secret),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether a target URL is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.url != ""
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Post sends payload as JSON. Any non-2xx status is an error.
func (c *Client) Post(ctx context.Context, payload any) error {
	if !c.Enabled() {
		return fmt.Errorf("webhook url is empty")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set(SignatureHeader, Sign(c.secret, body))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute webhook request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned error status %d", resp.StatusCode)
	}
	return nil
}
