package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/af-corp/copilot-bridge/internal/config"
)

// BearerToken is the short-lived token used against the upstream.
type BearerToken struct {
	Token     string
	ExpiresAt time.Time
	RefreshIn time.Duration
}

// ExchangeClient trades the identity credential for a bearer token.
type ExchangeClient struct {
	apiURL   string
	upstream config.UpstreamConfig
	client   *http.Client
	now      func() time.Time
}

func NewExchangeClient(apiURL string, upstream config.UpstreamConfig, client *http.Client) *ExchangeClient {
	return &ExchangeClient{
		apiURL:   strings.TrimRight(apiURL, "/"),
		upstream: upstream,
		client:   client,
		now:      time.Now,
	}
}

type exchangeResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
	RefreshIn int64  `json:"refresh_in"`
}

func (c *ExchangeClient) newRequest(ctx context.Context, path, identity string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	plugin := c.upstream.PluginVersion
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "token "+identity)
	req.Header.Set("Editor-Version", c.upstream.EditorVersion)
	req.Header.Set("Editor-Plugin-Version", plugin)
	req.Header.Set("User-Agent", "GitHubCopilotChat/"+strings.TrimPrefix(plugin, "copilot-chat/"))
	req.Header.Set("X-Github-Api-Version", c.upstream.APIVersion)
	return req, nil
}

// Exchange fetches a bearer token for identity.
func (c *ExchangeClient) Exchange(ctx context.Context, identity string) (*BearerToken, error) {
	req, err := c.newRequest(ctx, "/copilot_internal/v2/token", identity)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token exchange response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Op: "token exchange", Status: resp.StatusCode, Body: string(body)}
	}

	var er exchangeResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return nil, fmt.Errorf("unmarshal token exchange response: %w", err)
	}
	if er.Token == "" {
		return nil, fmt.Errorf("token exchange: empty token")
	}

	tok := &BearerToken{
		Token:     er.Token,
		RefreshIn: time.Duration(er.RefreshIn) * time.Second,
	}
	switch {
	case er.ExpiresAt > 0:
		tok.ExpiresAt = time.Unix(er.ExpiresAt, 0)
	case er.RefreshIn > 0:
		tok.ExpiresAt = c.now().Add(tok.RefreshIn)
	}
	return tok, nil
}

// User returns the login name the identity credential belongs to.
func (c *ExchangeClient) User(ctx context.Context, identity string) (string, error) {
	req, err := c.newRequest(ctx, "/user", identity)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", &StatusError{Op: "get user", Status: resp.StatusCode, Body: string(body)}
	}
	var u struct {
		Login string `json:"login"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return "", fmt.Errorf("decode user: %w", err)
	}
	return u.Login, nil
}
