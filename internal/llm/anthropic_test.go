package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAnthropicClient(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "valid config", config: Config{APIKey: "test-key"}},
		{name: "missing API key", config: Config{}, wantErr: true},
		{
			name:   "custom model and settings",
			config: Config{APIKey: "test-key", Model: "claude-3-opus-20240229", Temperature: 0.5, MaxTokens: 200},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := newAnthropicClient(tt.config)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.NotNil(t, client)
			}
		})
	}
}

func TestAnthropicClient_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "system text", body["system"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","content":[{"type":"text","text":"{\"kind\":\"none\"}"}]}`))
	}))
	defer server.Close()

	client, err := newAnthropicClient(Config{APIKey: "test-key", BaseURL: server.URL})
	require.NoError(t, err)

	reply, err := client.Complete(context.Background(), "system text", "hello")
	require.NoError(t, err)
	assert.Equal(t, `{"kind":"none"}`, reply)
}

func TestAnthropicClient_StatusErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"overloaded", 529, true},
		{"server error", http.StatusInternalServerError, true},
		{"unauthorized", http.StatusUnauthorized, false},
		{"bad request", http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer server.Close()

			client, err := newAnthropicClient(Config{APIKey: "k", BaseURL: server.URL})
			require.NoError(t, err)

			_, err = client.Complete(context.Background(), "s", "p")
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.transient, apiErr.Transient())
		})
	}
}

func TestAnthropicClient_EmptyContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"content":[]}`))
	}))
	defer server.Close()

	client, err := newAnthropicClient(Config{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), "s", "p")
	require.Error(t, err)
}
