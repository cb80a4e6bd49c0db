// ABOUTME: HTTP client for the support-desk platform's message API.
// ABOUTME: Posts outgoing messages into a platform conversation.

package helpdesk

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

// TextSender is the outbound capability the webhook processor depends on.
type TextSender interface {
	SendText(ctx context.Context, conversationID, text string) error
}

// Client talks to a Chatwoot-compatible support-desk API.
type Client struct {
	baseURL     string
	accessToken string
	accountID   string
	httpClient  *http.Client
}

var _ TextSender = (*Client)(nil)

// NewClient creates a client scoped to one platform account.
func NewClient(baseURL, accessToken, accountID string) *Client {
	return &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		accessToken: accessToken,
		accountID:   accountID,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
	}
}

type outgoingMessage struct {
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
}

// SendText posts an outgoing message into a conversation.
func (c *Client) SendText(ctx context.Context, conversationID, text string) error {
	url := fmt.Sprintf("%s/api/v1/accounts/%s/conversations/%s/messages",
		c.baseURL, c.accountID, conversationID)

	body, err := json.Marshal(outgoingMessage{Content: text, MessageType: "outgoing"})
	if err != nil {
		return fmt.Errorf("encoding helpdesk request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating helpdesk request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api_access_token", c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling helpdesk: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("helpdesk error [%d]: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
