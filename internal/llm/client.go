package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Client defines the interface for LLM providers.
type Client interface {
	// Complete sends one system+user exchange and returns the raw reply text.
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Config holds configuration for an oracle client.
type Config struct {
	Provider    string
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// APIError is a non-200 reply from a provider.
type APIError struct {
	Provider   string
	Body       string
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// Transient reports whether the same request might succeed later.
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
