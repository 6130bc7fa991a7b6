// Package pluginhost is a Go client for the plugin host admin API.
package pluginhost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Installs load plugin code, so it is longer than a typical API call.
const DefaultHTTPTimeout = 60 * time.Second

// Client wraps the HTTP interactions with the admin API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Plugin is an installed plugin as reported by the host.
type Plugin struct {
	ID           string            `json:"id"`
	Manifest     string            `json:"manifest"`
	Version      string            `json:"version"`
	Required     bool              `json:"required"`
	AutoStart    bool              `json:"auto_start"`
	Elevated     bool              `json:"elevated"`
	Loaded       bool              `json:"loaded"`
	Enabled      bool              `json:"enabled"`
	Resident     string            `json:"resident,omitempty"`
	Properties   map[string]string `json:"properties,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Info         *Info             `json:"info,omitempty"`
	Dependencies []Edge            `json:"dependencies,omitempty"`
	Dependers    []Edge            `json:"dependers,omitempty"`
	Commands     []string          `json:"commands,omitempty"`
}

// Info is the descriptor of a loaded plugin.
type Info struct {
	Name         string   `json:"name,omitempty"`
	Description  string   `json:"description,omitempty"`
	Authors      []string `json:"authors,omitempty"`
	Entry        string   `json:"entry"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Edge links a plugin to a provided dependency or a depender.
type Edge struct {
	Plugin   string `json:"plugin"`
	Declared string `json:"declared"`
	Enabled  bool   `json:"enabled"`
	Required bool   `json:"required"`
}

// InstallRequest installs an artifact. ID may be an alias, a short name or
// a package:artifact[:version] identifier.
type InstallRequest struct {
	ID         string            `json:"id"`
	Elevated   bool              `json:"elevated,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// APIError is a non-2xx reply.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("pluginhost api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("pluginhost api error (%d): %s", e.StatusCode, e.Message)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// NewClient instantiates a client. When httpClient is nil a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AccessToken returns the bearer token sent with every request.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken sets the bearer token. An empty token sends none.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// List returns every registration.
func (c *Client) List(ctx context.Context) ([]Plugin, error) {
	var out []Plugin
	err := c.do(ctx, http.MethodGet, "/api/v1/plugins", nil, &out)
	return out, err
}

// Info returns one registration with its descriptor and edges.
func (c *Client) Info(ctx context.Context, id string) (Plugin, error) {
	var out Plugin
	err := c.do(ctx, http.MethodGet, pluginPath(id), nil, &out)
	return out, err
}

// Install installs a plugin and its provided dependencies.
func (c *Client) Install(ctx context.Context, req InstallRequest) (Plugin, error) {
	var out Plugin
	err := c.do(ctx, http.MethodPost, "/api/v1/plugins", req, &out)
	return out, err
}

// Uninstall removes a disabled plugin's registration.
func (c *Client) Uninstall(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, pluginPath(id), nil, nil)
}

// Enable enables a plugin with its required dependencies.
func (c *Client) Enable(ctx context.Context, id string) (Plugin, error) {
	var out Plugin
	err := c.do(ctx, http.MethodPost, pluginPath(id, "enable"), nil, &out)
	return out, err
}

// Disable disables a plugin.
func (c *Client) Disable(ctx context.Context, id string) (Plugin, error) {
	var out Plugin
	err := c.do(ctx, http.MethodPost, pluginPath(id, "disable"), nil, &out)
	return out, err
}

// Update records the latest version of a plugin and reports whether it changed.
func (c *Client) Update(ctx context.Context, id string) (string, bool, error) {
	var out struct {
		ID      string `json:"id"`
		Changed bool   `json:"changed"`
	}
	err := c.do(ctx, http.MethodPost, pluginPath(id, "update"), nil, &out)
	return out.ID, out.Changed, err
}

// SetProperty persists one property of a plugin.
func (c *Client) SetProperty(ctx context.Context, id, key, value string) (Plugin, error) {
	var out Plugin
	err := c.do(ctx, http.MethodPut, pluginPath(id, "properties", key), map[string]string{"value": value}, &out)
	return out, err
}

// AutoRemove uninstalls dependency-only plugins nothing needs anymore.
func (c *Client) AutoRemove(ctx context.Context) ([]string, error) {
	var out struct {
		Removed []string `json:"removed"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/autoremove", nil, &out)
	return out.Removed, err
}

// Search lists repository manifests matching query.
func (c *Client) Search(ctx context.Context, query string) ([]string, error) {
	var out struct {
		Manifests []string `json:"manifests"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/search?q="+url.QueryEscape(query), nil, &out)
	return out.Manifests, err
}

// Commands lists the commands of enabled plugins.
func (c *Client) Commands(ctx context.Context) ([]string, error) {
	var out []string
	err := c.do(ctx, http.MethodGet, "/api/v1/commands", nil, &out)
	return out, err
}

// Execute runs a contributed command.
func (c *Client) Execute(ctx context.Context, label string, args ...string) (string, error) {
	var out struct {
		Output string `json:"output"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/commands/"+label, map[string][]string{"args": args}, &out)
	return out.Output, err
}

func pluginPath(id string, rest ...string) string {
	return path.Join(append([]string{"/api/v1/plugins", id}, rest...)...)
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rawPath, query, _ := strings.Cut(endpoint, "?")
	rel := &url.URL{Path: path.Join(c.baseURL.Path, rawPath), RawQuery: query}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}
