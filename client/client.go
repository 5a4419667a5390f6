// Package client provides the Go SDK for the secretd procedure call
// boundary.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/secretd/api"
	"pkt.systems/secretd/internal/correlation"
)

const defaultTimeout = 30 * time.Second

// APIError is a transport-level failure: the server refused the call before
// dispatching the procedure.
type APIError struct {
	Status int
	Code   string
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("secretd: %s (%d): %s", e.Code, e.Status, e.Detail)
	}
	return fmt.Sprintf("secretd: %s (%d)", e.Code, e.Status)
}

// CallError is a business failure: the procedure dispatched but did not
// achieve its effect. Message carries the server's human-readable outcome.
type CallError struct {
	Procedure string
	Message   string
}

func (e *CallError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Procedure, e.Message)
	}
	return fmt.Sprintf("%s failed", e.Procedure)
}

// Client talks to one secretd server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     pslog.Logger
	timeout    time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithToken supplies the bearer credential sent with every call.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout bounds each call when the caller's context carries no
// deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// New returns a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("client: base URL required")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		logger:     pslog.NoopLogger(),
		timeout:    defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Token returns the credential the client currently sends.
func (c *Client) Token() string {
	return c.token
}

// SetToken replaces the credential sent with subsequent calls.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Call invokes one named procedure and returns the raw response. Business
// failures are returned in the response, not as errors; transport failures
// yield *APIError.
func (c *Client) Call(ctx context.Context, procedure string, args ...string) (api.CallResponse, error) {
	begin := time.Now()
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	body, err := json.Marshal(api.CallRequest{Procedure: procedure, Args: args})
	if err != nil {
		return api.CallResponse{}, fmt.Errorf("client: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/call", bytes.NewReader(body))
	if err != nil {
		return api.CallResponse{}, fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	cid := correlation.ID(ctx)
	if cid == "" {
		cid = correlation.Generate()
	}
	req.Header.Set("X-Correlation-Id", cid)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return api.CallResponse{}, fmt.Errorf("client: %s: %w", procedure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr api.ErrorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr != nil || apiErr.ErrorCode == "" {
			return api.CallResponse{}, &APIError{Status: resp.StatusCode, Code: "unexpected_status"}
		}
		return api.CallResponse{}, &APIError{Status: resp.StatusCode, Code: apiErr.ErrorCode, Detail: apiErr.Detail}
	}
	var out api.CallResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return api.CallResponse{}, fmt.Errorf("client: decode response: %w", err)
	}
	c.logger.Trace("client.call",
		"procedure", procedure,
		"success", out.Success,
		"cid", cid,
		"elapsed", time.Since(begin),
	)
	return out, nil
}

// do runs a procedure and converts a business failure into *CallError.
func (c *Client) do(ctx context.Context, procedure string, args ...string) (api.CallResponse, error) {
	resp, err := c.Call(ctx, procedure, args...)
	if err != nil {
		return api.CallResponse{}, err
	}
	if !resp.Success {
		return resp, &CallError{Procedure: procedure, Message: resp.Message}
	}
	return resp, nil
}

// GenerateToken issues a credential for userID and installs it on the
// client.
func (c *Client) GenerateToken(ctx context.Context, userID string) (string, error) {
	resp, err := c.do(ctx, "generateToken", userID)
	if err != nil {
		return "", err
	}
	c.token = resp.Token
	return resp.Token, nil
}

// CheckUser reports whether userID has a registered credential.
func (c *Client) CheckUser(ctx context.Context, userID string) (bool, error) {
	resp, err := c.do(ctx, "checkUserExists", userID)
	if err != nil {
		return false, err
	}
	return resp.Found != nil && *resp.Found, nil
}

// CreateProject creates a project with the default seeded environments.
func (c *Client) CreateProject(ctx context.Context, name string) error {
	_, err := c.do(ctx, "createProject", name)
	return err
}

// DeleteProject removes a project and every membership referencing it.
func (c *Client) DeleteProject(ctx context.Context, name string) error {
	_, err := c.do(ctx, "deleteProject", name)
	return err
}

// RenameProject renames a visible project.
func (c *Client) RenameProject(ctx context.Context, from, to string) error {
	_, err := c.do(ctx, "renameProject", from, to)
	return err
}

// Projects lists the project names visible to the client's token.
func (c *Client) Projects(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, "listProjects")
	if err != nil {
		return nil, err
	}
	return resp.Projects, nil
}

// CreateEnvironment adds an empty environment to a project.
func (c *Client) CreateEnvironment(ctx context.Context, project, env string) error {
	_, err := c.do(ctx, "createEnvironment", project, env)
	return err
}

// DeleteEnvironment removes an environment and its secrets.
func (c *Client) DeleteEnvironment(ctx context.Context, project, env string) error {
	_, err := c.do(ctx, "deleteEnvironment", project, env)
	return err
}

// RenameEnvironment renames an environment within a project.
func (c *Client) RenameEnvironment(ctx context.Context, project, from, to string) error {
	_, err := c.do(ctx, "renameEnvironment", project, from, to)
	return err
}

// Environments lists the environment names of a project.
func (c *Client) Environments(ctx context.Context, project string) ([]string, error) {
	resp, err := c.do(ctx, "listEnvironments", project)
	if err != nil {
		return nil, err
	}
	return resp.Environments, nil
}

// AddSecret inserts a new secret; it fails if the key already exists.
func (c *Client) AddSecret(ctx context.Context, project, env, key, value string) error {
	_, err := c.do(ctx, "addSecret", project, env, key, value)
	return err
}

// UpdateSecret overwrites an existing secret.
func (c *Client) UpdateSecret(ctx context.Context, project, env, key, value string) error {
	_, err := c.do(ctx, "updateSecret", project, env, key, value)
	return err
}

// DeleteSecret removes an existing secret.
func (c *Client) DeleteSecret(ctx context.Context, project, env, key string) error {
	_, err := c.do(ctx, "deleteSecret", project, env, key)
	return err
}

// FetchSecrets returns the key/value snapshot of one environment. The result
// is never nil on success.
func (c *Client) FetchSecrets(ctx context.Context, project, env string) (map[string]string, error) {
	resp, err := c.do(ctx, "fetchSecrets", project, env)
	if err != nil {
		return nil, err
	}
	if resp.Secrets == nil {
		return map[string]string{}, nil
	}
	return resp.Secrets, nil
}

// InviteUser grants an existing user membership of a visible project.
func (c *Client) InviteUser(ctx context.Context, userID, project string) error {
	_, err := c.do(ctx, "inviteUserToProject", userID, project)
	return err
}

// Close releases client resources.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
