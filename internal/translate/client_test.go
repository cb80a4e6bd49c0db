// ABOUTME: Tests for the translation client.
// ABOUTME: Covers prompt construction and error propagation.

package translate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslatePrompt(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": " Olá mundo "}},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key", "test-model", 5*time.Second)
	out, err := c.Translate(context.Background(), "Hello world", "en", "pt-BR")
	require.NoError(t, err)
	assert.Equal(t, "Olá mundo", out, "reply should be trimmed")

	assert.Equal(t, "test-model", gotBody["model"])
	msgs := gotBody["messages"].([]any)
	require.Len(t, msgs, 1)
	content := msgs[0].(map[string]any)["content"].(string)
	assert.Contains(t, content, "from en to pt-BR")
	assert.Contains(t, content, "Hello world")
	assert.Contains(t, content, "NOTHING else")
}

func TestTranslateNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "", 5*time.Second)
	_, err := c.Translate(context.Background(), "hi", "en", "pt-BR")
	assert.Error(t, err)
}

func TestTranslateUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "", 5*time.Second)
	_, err := c.Translate(context.Background(), "hi", "en", "pt-BR")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}
