// Package upstream dispatches requests to the chat service and decodes its
// model catalog.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/af-corp/copilot-bridge/internal/config"
	"github.com/af-corp/copilot-bridge/internal/types"
	"github.com/google/uuid"
)

// TokenSource supplies the bearer token for each dispatch.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Request is one outbound call.
type Request struct {
	Path          string
	Body          []byte
	Initiator     types.Initiator
	InteractionID string
	Vision        bool
	Stream        bool
}

// Client adds the upstream's required headers and a fresh X-Request-Id to
// every call.
type Client struct {
	cfg    config.UpstreamConfig
	tokens TokenSource
	http   *http.Client
	newID  func() string
}

func NewClient(cfg config.UpstreamConfig, tokens TokenSource, httpClient *http.Client) *Client {
	return &Client{
		cfg:    cfg,
		tokens: tokens,
		http:   httpClient,
		newID:  uuid.NewString,
	}
}

// NewHTTPClient builds the pooled client used for upstream traffic.
func NewHTTPClient(cfg config.UpstreamConfig) *http.Client {
	return &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.MaxConcurrent,
			MaxIdleConnsPerHost: cfg.MaxConcurrent,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.URL(), "/")+path, rd)
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}

	plugin := c.cfg.PluginVersion
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Copilot-Integration-Id", "vscode-chat")
	req.Header.Set("Editor-Version", c.cfg.EditorVersion)
	req.Header.Set("Editor-Plugin-Version", plugin)
	req.Header.Set("User-Agent", "GitHubCopilotChat/"+strings.TrimPrefix(plugin, "copilot-chat/"))
	req.Header.Set("Openai-Intent", "conversation-panel")
	req.Header.Set("X-Github-Api-Version", c.cfg.APIVersion)
	req.Header.Set("X-Request-Id", c.newID())
	for k, v := range c.cfg.Headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	return req, nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, &Error{Status: resp.StatusCode, Body: body}
	}
	return resp, nil
}

// Do POSTs r. A non-2xx answer is returned as *Error with the body consumed;
// otherwise the caller owns the response body.
func (c *Client) Do(ctx context.Context, r Request) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodPost, r.Path, r.Body)
	if err != nil {
		return nil, err
	}
	if r.Initiator != "" {
		req.Header.Set("X-Initiator", r.Initiator.String())
	}
	if r.InteractionID != "" {
		req.Header.Set("X-Interaction-Id", r.InteractionID)
	}
	if r.Vision {
		req.Header.Set("Copilot-Vision-Request", "true")
	}
	if r.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	return c.send(req)
}

// Get fetches path and returns the whole body.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	return body, nil
}
