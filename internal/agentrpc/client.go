// Package agentrpc provides a JSON-over-HTTP client for external agent
// tool servers.
package agentrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrUnreachable indicates the agent server could not be contacted.
// Transport-level failures wrap this sentinel so callers can distinguish
// connectivity problems from application errors.
var ErrUnreachable = errors.New("agent server unreachable")

// DefaultTimeout bounds each RPC call unless overridden.
const DefaultTimeout = 30 * time.Second

// Client wraps the HTTP client for an agent tool server.
type Client struct {
	baseURL         string
	httpClient      *http.Client
	apiKey          string
	protocolVersion string
}

// NewClient creates a new agent RPC client.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		protocolVersion: "1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithProtocolVersion sets the protocol version announced during Initialize.
func WithProtocolVersion(v string) Option {
	return func(c *Client) {
		c.protocolVersion = v
	}
}

// BaseURL returns the server endpoint the client was built with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ServerInfo describes the remote agent server after a handshake.
type ServerInfo struct {
	Name            string
	Version         string
	ProtocolVersion string
}

// Tool represents a remotely invocable tool.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Prompt represents a named prompt template exposed by the server.
type Prompt struct {
	Name        string
	Description string
}

// Resource represents a readable resource exposed by the server.
type Resource struct {
	URI      string
	Name     string
	MimeType string
}

// ToolResult is the outcome of a tool invocation.
type ToolResult struct {
	Content    string
	Structured map[string]interface{}
	IsError    bool
}

func (c *Client) post(ctx context.Context, method string, body map[string]interface{}, out interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST",
		c.baseURL+"/agent.v1.AgentService/"+method,
		strings.NewReader(string(jsonBody)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Agent-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("RPC error: %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}

// Initialize performs the protocol handshake and returns server details.
func (c *Client) Initialize(ctx context.Context) (*ServerInfo, error) {
	var result struct {
		Name            string `json:"name"`
		Version         string `json:"version"`
		ProtocolVersion string `json:"protocolVersion"`
	}

	body := map[string]interface{}{
		"protocolVersion": c.protocolVersion,
	}
	if err := c.post(ctx, "Initialize", body, &result); err != nil {
		return nil, err
	}

	return &ServerInfo{
		Name:            result.Name,
		Version:         result.Version,
		ProtocolVersion: result.ProtocolVersion,
	}, nil
}

// ListTools fetches the tools the server exposes.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var result struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}

	if err := c.post(ctx, "ListTools", map[string]interface{}{}, &result); err != nil {
		return nil, err
	}

	var tools []Tool
	for _, t := range result.Tools {
		tools = append(tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	return tools, nil
}

// ListPrompts fetches the prompt templates the server exposes.
func (c *Client) ListPrompts(ctx context.Context) ([]Prompt, error) {
	var result struct {
		Prompts []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"prompts"`
	}

	if err := c.post(ctx, "ListPrompts", map[string]interface{}{}, &result); err != nil {
		return nil, err
	}

	var prompts []Prompt
	for _, p := range result.Prompts {
		prompts = append(prompts, Prompt{
			Name:        p.Name,
			Description: p.Description,
		})
	}

	return prompts, nil
}

// ListResources fetches the resources the server exposes.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	var result struct {
		Resources []struct {
			URI      string `json:"uri"`
			Name     string `json:"name"`
			MimeType string `json:"mimeType"`
		} `json:"resources"`
	}

	if err := c.post(ctx, "ListResources", map[string]interface{}{}, &result); err != nil {
		return nil, err
	}

	var resources []Resource
	for _, r := range result.Resources {
		resources = append(resources, Resource{
			URI:      r.URI,
			Name:     r.Name,
			MimeType: r.MimeType,
		})
	}

	return resources, nil
}

// CallTool invokes a named tool with the given arguments.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolResult, error) {
	body := map[string]interface{}{
		"name": name,
	}
	if len(args) > 0 {
		body["arguments"] = args
	}

	var result struct {
		Content    string                 `json:"content"`
		Structured map[string]interface{} `json:"structured"`
		IsError    bool                   `json:"isError"`
	}

	if err := c.post(ctx, "CallTool", body, &result); err != nil {
		return nil, err
	}

	return &ToolResult{
		Content:    result.Content,
		Structured: result.Structured,
		IsError:    result.IsError,
	}, nil
}

// IsAvailable checks if the agent server is reachable by probing the
// health endpoint. Returns true if the server responds with HTTP 200
// within a short timeout.
func (c *Client) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode == http.StatusOK
}
