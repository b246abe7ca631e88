// Package backend implements the HTTP client for the EVConduit backend:
// user info and vehicle status polls, charging control, webhook
// registration, and odometer updates.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	requestTimeout  = 15 * time.Second
	vehiclesTimeout = 10 * time.Second
)

// StatusError is returned when the backend answers with a non-success HTTP
// status. The scheduler classifies poll failures by Code.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned HTTP %d: %s", e.Code, e.Body)
}

// Vehicle describes one vehicle linked to the account.
type Vehicle struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Brand       string `json:"brand,omitempty"`
	Model       string `json:"model,omitempty"`
	Year        int    `json:"year,omitempty"`
}

// Client talks to the EVConduit backend for one configured vehicle.
type Client struct {
	http      *http.Client
	baseURL   string
	apiKey    string
	vehicleID string
	logger    *zap.Logger
}

// NewClient creates a backend client. apiKey is sent as a bearer token on
// every request.
func NewClient(baseURL, apiKey, vehicleID string, logger *zap.Logger) *Client {
	return &Client{
		http:      &http.Client{Timeout: requestTimeout},
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		vehicleID: vehicleID,
		logger:    logger,
	}
}

// VehicleID returns the configured vehicle identifier.
func (c *Client) VehicleID() string {
	return c.vehicleID
}

// UserInfo fetches the account info mapping from /api/me.
func (c *Client) UserInfo(ctx context.Context) (map[string]any, error) {
	var info map[string]any
	if err := c.getJSON(ctx, "/api/me", &info); err != nil {
		return nil, err
	}
	return info, nil
}

// VehicleStatus fetches the full status mapping for the configured vehicle.
// Non-200 responses come back as *StatusError so callers can tell rate limits
// and rejections apart from transport failures.
func (c *Client) VehicleStatus(ctx context.Context) (map[string]any, error) {
	var snapshot map[string]any
	if err := c.getJSON(ctx, "/api/status/"+c.vehicleID, &snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// SetCharging starts or stops charging. action must be START or STOP.
func (c *Client) SetCharging(ctx context.Context, action string) (map[string]any, error) {
	action = strings.ToUpper(action)
	if action != "START" && action != "STOP" {
		return nil, fmt.Errorf("invalid charging action %q (want START or STOP)", action)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/charging/"+c.vehicleID, map[string]any{"action": action})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decoding charging response: %w", err)
	}
	c.logger.Info("charging action executed", zap.String("action", action))
	return result, nil
}

// Vehicles lists all vehicles linked to the account.
func (c *Client) Vehicles(ctx context.Context) ([]Vehicle, error) {
	ctx, cancel := context.WithTimeout(ctx, vehiclesTimeout)
	defer cancel()

	var vehicles []Vehicle
	if err := c.getJSON(ctx, "/api/user/vehicles", &vehicles); err != nil {
		return nil, err
	}
	return vehicles, nil
}

// RegisterWebhook registers the bridge's push endpoint with the backend.
// Returns false without an error on 403, which means the account tier does
// not include push delivery; the bridge keeps polling.
func (c *Client) RegisterWebhook(ctx context.Context, webhookID, externalURL string) (bool, error) {
	payload := map[string]any{
		"webhook_id":   webhookID,
		"external_url": strings.TrimRight(externalURL, "/"),
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/ha/webhook/register", payload)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch resp.StatusCode {
	case http.StatusOK:
		c.logger.Info("webhook registered with backend", zap.String("webhook_id", webhookID))
		return true, nil
	case http.StatusForbidden:
		c.logger.Warn("webhook registration denied, push delivery not included in account tier",
			zap.String("response", string(body)))
		return false, nil
	default:
		return false, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
}

// UnregisterWebhook removes the bridge's push endpoint from the backend.
func (c *Client) UnregisterWebhook(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodDelete, "/api/ha/webhook/register", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	c.logger.Info("webhook unregistered from backend")
	return nil
}

// UpdateOdometer pushes an odometer reading to the latest charging session.
// A 404 means no open session; that is a no-op and returns (nil, nil).
func (c *Client) UpdateOdometer(ctx context.Context, km float64) (map[string]any, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/ha/charging/"+c.vehicleID+"/odometer", map[string]any{"odometer_km": km})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch resp.StatusCode {
	case http.StatusOK:
		var result map[string]any
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("decoding odometer response: %w", err)
		}
		return result, nil
	case http.StatusNotFound:
		c.logger.Warn("no charging session found for odometer update", zap.String("response", string(body)))
		return nil, nil
	default:
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
}

// getJSON issues a GET and decodes a 200 body into out. Anything else is a
// *StatusError with the response body attached.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response for %s: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response for %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request for %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("backend request", zap.String("method", method), zap.String("path", path))
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}
