// Package client is a Go client for the token broker connections API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/tokenbroker/internal/models"
)

// Config holds common client configuration
type Config struct {
	ServerURL string
	// Token is the identity bearer token sent with every request.
	Token   string
	Timeout time.Duration
	// MaxRetryTime bounds retries of idempotent requests. Zero disables retries.
	MaxRetryTime time.Duration
	Debug        bool
}

// DefaultConfig returns a default client configuration
func DefaultConfig() Config {
	return Config{
		ServerURL:    "https://localhost:8443",
		Timeout:      30 * time.Second,
		MaxRetryTime: 30 * time.Second,
	}
}

// APIError is a non-2xx response from the broker.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (%d): %s [%s]", e.Code, e.Status, e.Message, e.Field)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// retryable reports whether the server asked us to come back later.
func (e *APIError) retryable() bool {
	return e.Status == http.StatusBadGateway || e.Status == http.StatusServiceUnavailable || e.Status == http.StatusGatewayTimeout
}

// IntegrationConfig is a stored provider config as returned by the API.
type IntegrationConfig struct {
	ConnectionID  uuid.UUID       `json:"connection_id"`
	Provider      string          `json:"provider"`
	SchemaVersion int             `json:"schema_version"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Config        json.RawMessage `json:"config"`
	Effective     json.RawMessage `json:"effective,omitempty"` // defaults applied, reads only
}

// Client calls the broker API.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a client.
func New(cfg Config) *Client {
	return NewWithHTTPClient(cfg, &http.Client{Timeout: cfg.Timeout})
}

// NewWithHTTPClient creates a client that sends requests through hc.
func NewWithHTTPClient(cfg Config, hc *http.Client) *Client {
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	return &Client{cfg: cfg, http: hc}
}

// ListConnections returns the caller's connections.
func (c *Client) ListConnections(ctx context.Context) ([]models.ConnectionSummary, error) {
	var out struct {
		Connections []models.ConnectionSummary `json:"connections"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/connections", nil, &out); err != nil {
		return nil, err
	}
	return out.Connections, nil
}

// RegisterPersonalAccessToken stores a PAT for provider, replacing any existing token.
func (c *Client) RegisterPersonalAccessToken(ctx context.Context, provider, displayName, token string) (*models.ConnectionSummary, error) {
	body := map[string]string{
		"provider":     provider,
		"display_name": displayName,
		"token":        token,
	}

	var out models.ConnectionSummary
	if err := c.do(ctx, http.MethodPost, "/api/v1/connections/pat", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Disconnect deletes a connection and its config.
func (c *Client) Disconnect(ctx context.Context, connectionID uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/connections/"+connectionID.String(), nil, nil)
}

// GetConfig returns the stored config of a connection.
func (c *Client) GetConfig(ctx context.Context, connectionID uuid.UUID) (*IntegrationConfig, error) {
	var out IntegrationConfig
	if err := c.do(ctx, http.MethodGet, configPath(connectionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveConfig validates and stores a provider config for a connection.
func (c *Client) SaveConfig(ctx context.Context, connectionID uuid.UUID, provider string, config json.RawMessage) (*IntegrationConfig, error) {
	body := struct {
		Provider string          `json:"provider"`
		Config   json.RawMessage `json:"config"`
	}{provider, config}

	var out IntegrationConfig
	if err := c.do(ctx, http.MethodPut, configPath(connectionID), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func configPath(connectionID uuid.UUID) string {
	return "/api/v1/connections/" + connectionID.String() + "/config"
}

// do sends one request, retrying idempotent methods while the server is unavailable.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	idempotent := method != http.MethodPost
	if !idempotent || c.cfg.MaxRetryTime <= 0 {
		return c.send(ctx, method, path, payload, out)
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.send(ctx, method, path, payload, out)

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.retryable() {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(c.cfg.MaxRetryTime),
		backoff.WithNotify(func(err error, next time.Duration) {
			if c.cfg.Debug {
				log.Debug().Err(err).Str("path", path).Dur("retry_in", next).Msg("Retrying request")
			}
		}),
	)
	return err
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.ServerURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = "http_error"
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
