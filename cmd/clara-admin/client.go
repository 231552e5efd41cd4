// ABOUTME: HTTP client for the gateway admin API used by clara-admin
// ABOUTME: Resolves the gateway URL and bearer token from flags, env, or the token file

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const requestTimeout = 30 * time.Second

// apiClient calls the gateway admin API.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// apiError is a non-2xx response from the gateway.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
}

func newAPIClient(baseURL, token string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// defaultGatewayURL returns CLARA_GATEWAY_URL or the local default.
func defaultGatewayURL() string {
	if u := os.Getenv("CLARA_GATEWAY_URL"); u != "" {
		return u
	}
	return "http://127.0.0.1:18789"
}

// defaultToken returns CLARA_TOKEN, or the contents of ~/.config/clara/token.
func defaultToken() string {
	if t := os.Getenv("CLARA_TOKEN"); t != "" {
		return t
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(home, ".config")
	}
	data, err := os.ReadFile(filepath.Join(configDir, "clara", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, out)
}

func (c *apiClient) post(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodPost, path, out)
}

func (c *apiClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling gateway: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &apiError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
