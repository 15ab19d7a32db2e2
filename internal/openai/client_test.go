package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"cognitive-traces/internal/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNormalizeBaseURL(t *testing.T) {
	assert.Equal(t, "http://host:8000/v1", NormalizeBaseURL("http://host:8000"))
	assert.Equal(t, "http://host:8000/v1", NormalizeBaseURL("http://host:8000/"))
	assert.Equal(t, "http://host:8000/v1", NormalizeBaseURL("http://host:8000/v1/"))
}

func TestClient_Generate(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer lab-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "cmpl-1",
			"object": "chat.completion",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "[]"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4}
		}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{Name: "lab", APIKey: "lab-key", BaseURL: srv.URL}, zap.NewNop())
	require.NoError(t, err)

	text, err := c.Generate(context.Background(), llm.BackendRequest{
		Model:       "lab-llama",
		Prompt:      "label these",
		MaxTokens:   512,
		Temperature: 0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, "[]", text)
	assert.Equal(t, "lab-llama", got["model"])
	assert.EqualValues(t, 512, got["max_tokens"])
}

func TestClient_GenerateError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL}, zap.NewNop())
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), llm.BackendRequest{Model: "m", Prompt: "p"})
	assert.Error(t, err)
}

func TestNewClient_RequiresKeyForDefaultEndpoint(t *testing.T) {
	_, err := NewClient(Config{}, zap.NewNop())
	assert.Error(t, err)
}
