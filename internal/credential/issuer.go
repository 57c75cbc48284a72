package credential

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/af-corp/copilot-bridge/internal/config"
	"github.com/af-corp/copilot-bridge/internal/initiator"
	"github.com/tidwall/gjson"
)

// IssuerResult is a validated issuer response.
type IssuerResult struct {
	Token string
	// Min and Max are set only when the issuer sent an integer in range.
	Min *int
	Max *int
}

// IssuerClient fetches the identity credential from an external webhook.
type IssuerClient struct {
	cfg    config.IssuerConfig
	client *http.Client
}

func NewIssuerClient(cfg config.IssuerConfig, client *http.Client) *IssuerClient {
	return &IssuerClient{cfg: cfg, client: client}
}

func (c *IssuerClient) headers() (http.Header, error) {
	user, pass := c.cfg.BasicUser, c.cfg.BasicPass
	if (user == "") != (pass == "") {
		return nil, &ConfigError{
			Field:  "issuer.basic_user/basic_pass",
			Reason: "both must be set together",
		}
	}

	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	if user != "" {
		h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(user+":"+pass)))
	}
	if b := strings.TrimSpace(c.cfg.Bearer); b != "" {
		h.Set("X-Webhook-Bearer", b)
	}
	if k := strings.TrimSpace(c.cfg.Keyword); k != "" {
		h.Set("keyword", k)
	}
	return h, nil
}

// Fetch POSTs an empty JSON object to the issuer and parses the answer.
func (c *IssuerClient) Fetch(ctx context.Context) (*IssuerResult, error) {
	h, err := c.headers()
	if err != nil {
		return nil, err
	}
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, strings.NewReader("{}"))
	if err != nil {
		return nil, fmt.Errorf("create issuer request: %w", err)
	}
	req.Header = h

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("issuer request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read issuer response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Op: "issuer", Status: resp.StatusCode, Body: string(body)}
	}
	return ParseIssuerResponse(body)
}

// ParseIssuerResponse accepts either an object or an array whose first
// element is the object. Bounds outside [0, initiator.MaxBound] or
// non-integer bounds are dropped.
func ParseIssuerResponse(body []byte) (*IssuerResult, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedIssuerResponse)
	}
	root := gjson.ParseBytes(body)
	if root.IsArray() {
		root = root.Get("0")
	}
	if !root.IsObject() {
		return nil, ErrMalformedIssuerResponse
	}

	tok := root.Get("token")
	if tok.Type != gjson.String || strings.TrimSpace(tok.Str) == "" {
		return nil, ErrMalformedIssuerResponse
	}

	return &IssuerResult{
		Token: strings.TrimSpace(tok.Str),
		Min:   parseBound(root.Get("min")),
		Max:   parseBound(root.Get("max")),
	}, nil
}

func parseBound(v gjson.Result) *int {
	if v.Type != gjson.Number {
		return nil
	}
	f := v.Float()
	if f != math.Trunc(f) || f < 0 || f > initiator.MaxBound {
		return nil
	}
	n := int(f)
	return &n
}
