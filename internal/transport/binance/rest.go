// Package binance talks to the venue: the listen-key REST endpoints and
// the user data stream WebSocket.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"binance-userstream-supervisor/pkg/logger"
)

const apiKeyHeader = "X-MBX-APIKEY"

// RESTConfig holds the listen-key client configuration.
type RESTConfig struct {
	BaseURL string        `mapstructure:"base_url"` // e.g. "https://api.binance.com"
	Timeout time.Duration `mapstructure:"timeout"`
}

// ApplyDefaults fills unset values.
func (c *RESTConfig) ApplyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// Validate checks required fields.
func (c *RESTConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("binance: base_url is required")
	}
	return nil
}

// RESTClient issues, renews and closes user-data-stream listen keys.
// Both issue and renew are idempotent-safe to retry.
type RESTClient struct {
	baseURL string
	http    *http.Client
	log     *logger.Logger
}

// NewRESTClient builds a listen-key client.
func NewRESTClient(cfg RESTConfig, log *logger.Logger) (*RESTClient, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RESTClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		log:     log.Named("binance-rest"),
	}, nil
}

// apiError is the venue's error envelope.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// IssueListenKey requests a fresh listen key for the given API key.
func (c *RESTClient) IssueListenKey(ctx context.Context, apiKey string) (string, error) {
	body, err := c.do(ctx, http.MethodPost, apiKey, nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &TransientError{Err: fmt.Errorf("decode listen key: %w", err)}
	}
	if resp.ListenKey == "" {
		return "", &TransientError{Err: fmt.Errorf("empty listen key in response")}
	}
	return resp.ListenKey, nil
}

// RenewListenKey extends the validity window of an issued listen key.
func (c *RESTClient) RenewListenKey(ctx context.Context, apiKey, listenKey string) error {
	_, err := c.do(ctx, http.MethodPut, apiKey, url.Values{"listenKey": {listenKey}})
	return err
}

// CloseListenKey invalidates a listen key on explicit disconnect.
// Best effort: the key expires on its own anyway.
func (c *RESTClient) CloseListenKey(ctx context.Context, apiKey, listenKey string) error {
	_, err := c.do(ctx, http.MethodDelete, apiKey, url.Values{"listenKey": {listenKey}})
	return err
}

func (c *RESTClient) do(ctx context.Context, method, apiKey string, params url.Values) ([]byte, error) {
	endpoint := c.baseURL + "/api/v3/userDataStream"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	req.Header.Set(apiKeyHeader, apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		var ae apiError
		_ = json.Unmarshal(body, &ae)
		return nil, &AuthError{Status: resp.StatusCode, Code: ae.Code, Msg: ae.Msg}
	default:
		var ae apiError
		_ = json.Unmarshal(body, &ae)
		// -2015 / -2014 are credential errors regardless of the HTTP status.
		if ae.Code == -2014 || ae.Code == -2015 {
			return nil, &AuthError{Status: resp.StatusCode, Code: ae.Code, Msg: ae.Msg}
		}
		return nil, &TransientError{Err: fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}
}
