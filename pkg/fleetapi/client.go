package fleetapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"fleetview/internal/domain"
)

// ErrUnauthorized is returned when a request is rejected and the token
// refresh did not help.
var ErrUnauthorized = errors.New("unauthorized")

// Credentials holds the bearer and refresh tokens for a session.
type Credentials struct {
	mu      sync.RWMutex
	access  string
	refresh string
}

func NewCredentials(access, refresh string) *Credentials {
	return &Credentials{access: access, refresh: refresh}
}

func (c *Credentials) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.access
}

func (c *Credentials) RefreshToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refresh
}

func (c *Credentials) setAccess(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.access = token
}

// Clear drops both tokens; the session must log in again.
func (c *Credentials) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.access, c.refresh = "", ""
}

type Client struct {
	baseURL    string
	creds      *Credentials
	httpClient *http.Client
}

func New(baseURL string, creds *Credentials) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type vehiclesResponse struct {
	Vehicles []*domain.Vehicle `json:"vehicles"`
}

type vehicleResponse struct {
	Vehicle *domain.Vehicle `json:"vehicle"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ListVehicles fetches the full vehicle list.
func (c *Client) ListVehicles(ctx context.Context) ([]*domain.Vehicle, error) {
	var resp vehiclesResponse
	if err := c.do(ctx, http.MethodGet, "/vehicles", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Vehicles == nil {
		return []*domain.Vehicle{}, nil
	}
	return resp.Vehicles, nil
}

func (c *Client) GetVehicle(ctx context.Context, id int64) (*domain.Vehicle, error) {
	var resp vehicleResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/vehicles/%d", id), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Vehicle == nil {
		return nil, fmt.Errorf("vehicle %d: empty response", id)
	}
	return resp.Vehicle, nil
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken string `json:"accessToken"`
}

// RefreshToken exchanges the refresh token for a new access token.
func (c *Client) RefreshToken(ctx context.Context) error {
	refresh := c.creds.RefreshToken()
	if refresh == "" {
		return fmt.Errorf("%w: no refresh token", ErrUnauthorized)
	}

	body, err := json.Marshal(refreshRequest{RefreshToken: refresh})
	if err != nil {
		return fmt.Errorf("encoding refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/refresh-token", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing refresh: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: refresh returned %d", ErrUnauthorized, resp.StatusCode)
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decoding refresh response: %w", err)
	}
	if out.AccessToken == "" {
		return fmt.Errorf("%w: refresh returned no token", ErrUnauthorized)
	}

	c.creds.setAccess(out.AccessToken)
	return nil
}

// do sends an authenticated request. A 401 triggers one token refresh and a
// single retry; a failed refresh clears the credentials.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if err := c.RefreshToken(ctx); err != nil {
			c.creds.Clear()
			return err
		}
		resp, err = c.send(ctx, method, path, body)
		if err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.creds.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	var e errorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
}
