// Package connector implements the HTTP clients for the external
// collaborators the engine consults: token verification, player loadouts,
// tower bonuses and the orchestrator heartbeat.
package connector

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

	"github.com/bastion-project/bastion/internal/config"
)

const userAgent = "Bastion/%s"

// ErrNotConfigured is returned by services whose base URL is empty.
var ErrNotConfigured = errors.New("collaborator url not configured")

// StatusError reports a non-2xx response from a collaborator.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Service, e.Code, e.Body)
}

// IsStatus reports whether err is a StatusError with one of the codes.
func IsStatus(err error, codes ...int) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	for _, c := range codes {
		if se.Code == c {
			return true
		}
	}
	return false
}

// Client is the JSON-over-HTTP plumbing shared by the services.
type Client struct {
	service   string
	baseURL   string
	apiKey    string
	userAgent string
	http      *http.Client
}

// NewClient creates a client for one collaborator.
func NewClient(service, baseURL, apiKey, version string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		service:   service,
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		userAgent: fmt.Sprintf(userAgent, version),
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Configured reports whether the client has somewhere to send requests.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// do sends body as JSON (when non-nil) and decodes the response into out
// (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if !c.Configured() {
		return fmt.Errorf("%s: %w", c.service, ErrNotConfigured)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", c.service, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", c.service, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", c.service, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", c.service, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Service: c.service, Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", c.service, err)
	}
	return nil
}

// Services bundles the collaborator clients built from configuration.
type Services struct {
	Auth         *AuthService
	Data         *DataService
	Bonus        *BonusService
	Orchestrator *OrchestratorClient
}

// NewServices builds every collaborator client from the config.
func NewServices(cfg *config.Config) *Services {
	sd := cfg.GetServerData()
	collab := cfg.GetApplicationData().Collaborators
	timeout := collab.RequestTimeout()

	return &Services{
		Auth:         NewAuthService(NewClient("auth", collab.AuthURL, collab.APIKey, sd.ServerVersion, timeout)),
		Data:         NewDataService(NewClient("data", collab.DataURL, collab.APIKey, sd.ServerVersion, timeout)),
		Bonus:        NewBonusService(NewClient("bonus", collab.BonusURL, collab.APIKey, sd.ServerVersion, timeout)),
		Orchestrator: NewOrchestratorClient(NewClient("orchestrator", collab.OrchestratorURL, collab.APIKey, sd.ServerVersion, timeout)),
	}
}
