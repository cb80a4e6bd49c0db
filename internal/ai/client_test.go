// ABOUTME: Tests for the AI backend client.
// ABOUTME: Covers request shape, session forwarding, and error handling.

package ai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAskForwardsSessionID(t *testing.T) {
	var gotPath string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]string{
			"text":          "42 is the answer",
			"chatMessageId": "cm-1",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "flow-1", "", 5*time.Second)
	reply, err := c.Ask(context.Background(), "session-1", "what is the answer?")
	require.NoError(t, err)

	assert.Equal(t, "/api/v1/prediction/flow-1", gotPath)
	assert.Equal(t, "what is the answer?", gotBody["question"])

	override := gotBody["overrideConfig"].(map[string]any)
	assert.Equal(t, "session-1", override["sessionId"])
	assert.Equal(t, "session-1", override["vars"].(map[string]any)["sessionId"])

	assert.Equal(t, "42 is the answer", reply.Text)
	assert.Equal(t, "cm-1", reply.MessageID)
}

func TestAskSendsBearerKey(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]string{"text": "ok"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "flow-1", "secret", 5*time.Second)
	_, err := c.Ask(context.Background(), "s", "q")
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", gotAuth)
}

func TestAskBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "flow-1", "", 5*time.Second)
	_, err := c.Ask(context.Background(), "s", "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestAskContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The server only watches for client disconnect once the body is
		// drained; without this the context never fires and Close hangs.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done() // never responds
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := NewClient(srv.URL, "flow-1", "", 5*time.Second)
	_, err := c.Ask(ctx, "s", "q")
	assert.Error(t, err)
}
