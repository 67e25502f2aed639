// Package restapi is the HTTP client for the fleet server's REST
// collaborators: login, the initial machine snapshot, and permission grants.
package restapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fleetsync/fleetsync/internal/models"
)

type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// SetToken sets the bearer token attached to subsequent requests.
func (c *Client) SetToken(token string) {
	c.token = token
}

// LoginResponse is the payload of POST /auth/login.
type LoginResponse struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

// Login authenticates against the fleet server and remembers the returned
// token for later requests.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return nil, fmt.Errorf("encode login request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/login", strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out LoginResponse
	if err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	c.token = out.Token
	return &out, nil
}

// FetchMachines retrieves the full fleet snapshot from GET /machines.
func (c *Client) FetchMachines(ctx context.Context) ([]models.MachineState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/machines", nil)
	if err != nil {
		return nil, err
	}
	var out []models.MachineState
	if err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("fetch machines: %w", err)
	}
	return out, nil
}

// FetchGrants retrieves the grant list for a user from
// GET /permissions?userId=. It satisfies permissions.GrantFetcher.
func (c *Client) FetchGrants(ctx context.Context, userID string) ([]models.PermissionGrant, error) {
	u := c.baseURL + "/permissions?userId=" + url.QueryEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var out []models.PermissionGrant
	if err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("fetch grants: %w", err)
	}
	return out, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: unexpected status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
