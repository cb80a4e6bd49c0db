// ABOUTME: HTTP client for the AI answering backend's prediction API.
// ABOUTME: One question in, one answer out, with a session ID for conversational continuity.

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

// Answerer is the capability the relay needs from an AI backend.
type Answerer interface {
	Ask(ctx context.Context, sessionID, question string) (*Reply, error)
}

// Reply is one answer from the backend.
type Reply struct {
	Text      string
	MessageID string
}

// Client calls a prediction-style AI backend over HTTP. The session ID is
// forwarded in the request override so the backend keeps per-conversation
// memory.
type Client struct {
	baseURL    string
	chatflowID string
	apiKey     string
	httpClient *http.Client
}

var _ Answerer = (*Client)(nil)

// NewClient creates a backend client. apiKey may be empty for backends
// without authentication.
func NewClient(baseURL, chatflowID, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		chatflowID: chatflowID,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type predictionRequest struct {
	Question       string         `json:"question"`
	OverrideConfig overrideConfig `json:"overrideConfig"`
}

type overrideConfig struct {
	SessionID string       `json:"sessionId"`
	Vars      overrideVars `json:"vars"`
}

type overrideVars struct {
	SessionID string `json:"sessionId"`
}

type predictionResponse struct {
	Text          string `json:"text"`
	ChatMessageID string `json:"chatMessageId"`
}

// Ask sends a question and returns the backend's answer.
func (c *Client) Ask(ctx context.Context, sessionID, question string) (*Reply, error) {
	body, err := json.Marshal(predictionRequest{
		Question: question,
		OverrideConfig: overrideConfig{
			SessionID: sessionID,
			Vars:      overrideVars{SessionID: sessionID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding prediction request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/prediction/%s", c.baseURL, c.chatflowID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating prediction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling AI backend: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading AI response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("AI backend error [%d]: %s", resp.StatusCode, string(respBody))
	}

	var pred predictionResponse
	if err := json.Unmarshal(respBody, &pred); err != nil {
		return nil, fmt.Errorf("decoding AI response: %w", err)
	}

	return &Reply{Text: pred.Text, MessageID: pred.ChatMessageID}, nil
}
