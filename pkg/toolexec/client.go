package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Client talks to the tool backend over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a tool backend client. A non-positive timeout falls
// back to 30s.
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

type specsResponse struct {
	Tools []Spec `json:"tools"`
}

// Specs fetches the tool schema list from the backend.
func (c *Client) Specs(ctx context.Context) ([]Spec, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tools", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build schema request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("schema request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{Status: resp.StatusCode, Message: readErrorBody(resp.Body)}
	}

	var parsed specsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode tool schemas: %w", err)
	}
	if len(parsed.Tools) == 0 {
		return nil, fmt.Errorf("tool backend returned no tools")
	}

	return parsed.Tools, nil
}

type executeRequest struct {
	Name          string                 `json:"name"`
	Args          map[string]interface{} `json:"args"`
	WalletAddress string                 `json:"walletAddress,omitempty"`
}

// Execute performs a single tool invocation against the backend. Non-2xx
// responses become an *HTTPError carrying the status.
func (c *Client) Execute(ctx context.Context, name string, args map[string]interface{}, walletAddress string) (*Result, error) {
	body, err := json.Marshal(executeRequest{Name: name, Args: args, WalletAddress: walletAddress})
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/tools/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{Status: resp.StatusCode, Message: readErrorBody(resp.Body)}
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode tool result: %w", err)
	}

	return &result, nil
}

// readErrorBody extracts the {error} field from a failure response, falling
// back to the raw body.
func readErrorBody(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return ""
	}

	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != "" {
		return parsed.Error
	}

	return strings.TrimSpace(string(raw))
}
