// Package client talks to the authentication service's GraphQL API.
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
	"sync"
	"time"

	"github.com/devplatform/wiki-auth/internal/models"
	"github.com/sirupsen/logrus"
)

var (
	// ErrAuthenticationFailed is returned when the service rejects a login
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrNotLoggedIn is returned by calls that need a token before Login succeeded
	ErrNotLoggedIn = errors.New("not logged in")
)

// APIError carries the messages of a GraphQL error response
type APIError struct {
	Messages []string
}

func (e *APIError) Error() string {
	return "graphql: " + strings.Join(e.Messages, "; ")
}

// Client logs into the service and keeps the session token between calls
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *logrus.Logger

	mu    sync.RWMutex
	token string
}

// NewClient creates a client for the GraphQL endpoint, e.g. http://localhost:8080/graphql
func NewClient(endpoint string, logger *logrus.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

type request struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type response struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

const loginMutation = `mutation Login($login: String!, $password: String!, $wiki: String) {
  login(login: $login, password: $password, wiki: $wiki) {
    token
    expiresAt
    principal { name wiki fullName groups source }
  }
}`

const logoutMutation = `mutation { logout }`

const meQuery = `query { me { name wiki fullName groups source } }`

const healthQuery = `query { health { status ldap store } }`

// Login authenticates and remembers the session token. An empty wiki means the main wiki.
func (c *Client) Login(ctx context.Context, login, password, wiki string) (*models.AuthPayload, error) {
	vars := map[string]interface{}{
		"login":    login,
		"password": password,
	}
	if wiki != "" {
		vars["wiki"] = wiki
	}

	var data struct {
		Login *models.AuthPayload `json:"login"`
	}
	if err := c.do(ctx, "", loginMutation, vars, &data); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.has(ErrAuthenticationFailed.Error()) {
			return nil, ErrAuthenticationFailed
		}
		return nil, err
	}
	if data.Login == nil {
		return nil, fmt.Errorf("login returned no payload")
	}

	c.mu.Lock()
	c.token = data.Login.Token
	c.mu.Unlock()

	c.logger.WithField("principal", data.Login.Principal.Name).Debug("Logged in")
	return data.Login, nil
}

// Logout revokes the session and forgets the token
func (c *Client) Logout(ctx context.Context) error {
	token := c.Token()
	if token == "" {
		return ErrNotLoggedIn
	}

	var data struct {
		Logout bool `json:"logout"`
	}
	err := c.do(ctx, token, logoutMutation, nil, &data)

	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if !data.Logout {
		return fmt.Errorf("logout was not acknowledged")
	}
	return nil
}

// Me returns the principal of the current session
func (c *Client) Me(ctx context.Context) (*models.Principal, error) {
	token := c.Token()
	if token == "" {
		return nil, ErrNotLoggedIn
	}

	var data struct {
		Me *models.Principal `json:"me"`
	}
	if err := c.do(ctx, token, meQuery, nil, &data); err != nil {
		return nil, err
	}
	return data.Me, nil
}

// Health returns the service health as reported by the API
func (c *Client) Health(ctx context.Context) (*models.HealthStatus, error) {
	var data struct {
		Health *models.HealthStatus `json:"health"`
	}
	if err := c.do(ctx, "", healthQuery, nil, &data); err != nil {
		return nil, err
	}
	return data.Health, nil
}

// Token returns the current session token, or ""
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken reuses a token obtained elsewhere
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) do(ctx context.Context, token, query string, vars map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(request{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %s - %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	var result response
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if len(result.Errors) > 0 {
		apiErr := &APIError{}
		for _, e := range result.Errors {
			apiErr.Messages = append(apiErr.Messages, e.Message)
		}
		return apiErr
	}

	if err := json.Unmarshal(result.Data, out); err != nil {
		return fmt.Errorf("failed to decode data: %w", err)
	}
	return nil
}

func (e *APIError) has(message string) bool {
	for _, m := range e.Messages {
		if m == message {
			return true
		}
	}
	return false
}
