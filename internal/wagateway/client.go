// ABOUTME: HTTP client for the WhatsApp gateway's send API.
// ABOUTME: Sends text and file messages into a named gateway session.

package wagateway

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
	SendText(ctx context.Context, chatID, text string) error
}

// PhoneSender sends proactive messages addressed by phone number rather than
// by gateway chat ID.
type PhoneSender interface {
	SendTextToPhone(ctx context.Context, phone, text string) error
}

// Client talks to a WAHA-style WhatsApp gateway.
type Client struct {
	baseURL     string
	session     string
	apiKey      string
	countryCode string
	httpClient  *http.Client
}

var (
	_ TextSender  = (*Client)(nil)
	_ PhoneSender = (*Client)(nil)
)

// NewClient creates a gateway client bound to one gateway session.
// countryCode is prepended to phone numbers that arrive without one.
func NewClient(baseURL, session, apiKey, countryCode string) *Client {
	return &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		session:     session,
		apiKey:      apiKey,
		countryCode: countryCode,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
	}
}

type sendTextRequest struct {
	Session string `json:"session"`
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
}

type sendFileRequest struct {
	Session string   `json:"session"`
	ChatID  string   `json:"chatId"`
	File    fileBody `json:"file"`
	Caption string   `json:"caption,omitempty"`
}

type fileBody struct {
	URL string `json:"url"`
}

// SendText delivers a text message to a chat.
func (c *Client) SendText(ctx context.Context, chatID, text string) error {
	return c.post(ctx, "/api/sendText", sendTextRequest{
		Session: c.session,
		ChatID:  chatID,
		Text:    text,
	})
}

// SendTextToPhone delivers a text message to a contact addressed by phone
// number, normalizing it into a chat ID with the client's country code.
func (c *Client) SendTextToPhone(ctx context.Context, phone, text string) error {
	return c.SendText(ctx, FormatChatID(phone, c.countryCode), text)
}

// SendFile delivers a file by URL, with an optional caption.
func (c *Client) SendFile(ctx context.Context, chatID, url, caption string) error {
	return c.post(ctx, "/api/sendFile", sendFileRequest{
		Session: c.session,
		ChatID:  chatID,
		File:    fileBody{URL: url},
		Caption: caption,
	})
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gateway error [%d]: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
