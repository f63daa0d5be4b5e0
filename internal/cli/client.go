package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harun/chatgate/internal/config"
)

// apiClient talks to a running daemon's control plane with the configured credentials.
type apiClient struct {
	base string
	auth config.AuthConfig
	http *http.Client
}

type apiError struct {
	Status  int
	Reason  string `json:"error"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (%d): %s", e.Reason, e.Status, e.Message)
	}
	return fmt.Sprintf("request failed with status %d", e.Status)
}

func newAPIClient(cfg *config.Config) *apiClient {
	return &apiClient{
		base: baseURL(cfg),
		auth: cfg.Auth,
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// do sends a request and decodes a JSON response into out. A nil out discards the body.
func (c *apiClient) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	raw, _, err := c.raw(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// raw sends a request and returns the body and content type of a 2xx response.
func (c *apiClient) raw(ctx context.Context, method, path string, body io.Reader) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case len(c.auth.APIKeys) > 0:
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.auth.APIKeys[0]))
	case c.auth.Username != "":
		req.SetBasicAuth(c.auth.Username, c.auth.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to reach daemon at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return nil, "", apiErr
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func commandContext(cmd interface{ Context() context.Context }) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
