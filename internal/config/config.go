package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Auth       AuthConfig       `yaml:"auth"`
	Credential CredentialConfig `yaml:"credential"`
	Initiator  InitiatorConfig  `yaml:"initiator"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Redis      RedisConfig      `yaml:"redis"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Notify     NotifyConfig     `yaml:"notify"`
	Features   FeaturesConfig   `yaml:"features"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// UpstreamConfig describes the chat service the gateway fronts.
type UpstreamConfig struct {
	AccountType   string            `yaml:"account_type"`
	BaseURL       string            `yaml:"base_url,omitempty"`
	EditorVersion string            `yaml:"editor_version"`
	PluginVersion string            `yaml:"plugin_version"`
	APIVersion    string            `yaml:"api_version"`
	MaxConcurrent int               `yaml:"max_concurrent"`
	Timeout       time.Duration     `yaml:"timeout"`
	Headers       map[string]string `yaml:"headers,omitempty"`
}

// URL returns the base URL for the configured account type unless an
// explicit base_url is set.
func (u UpstreamConfig) URL() string {
	if u.BaseURL != "" {
		return u.BaseURL
	}
	if u.AccountType == "" || u.AccountType == "individual" {
		return "https://api.githubcopilot.com"
	}
	return "https://api." + u.AccountType + ".githubcopilot.com"
}

type AuthConfig struct {
	// APIKey, when set, is required from gateway clients.
	APIKey string `yaml:"api_key"`
	// AdminToken gates the /admin endpoints.
	AdminToken string `yaml:"admin_token"`
}

type CredentialConfig struct {
	TokenPath string        `yaml:"token_path"`
	ClientID  string        `yaml:"client_id"`
	OAuthURL  string        `yaml:"oauth_url"`
	APIURL    string        `yaml:"api_url"`
	Timeout   time.Duration `yaml:"timeout"`
	Issuer    IssuerConfig  `yaml:"issuer"`
}

// IssuerConfig configures the external service that hands out the identity
// credential instead of the interactive device flow.
type IssuerConfig struct {
	URL       string        `yaml:"url"`
	BasicUser string        `yaml:"basic_user"`
	BasicPass string        `yaml:"basic_pass"`
	Bearer    string        `yaml:"bearer"`
	Keyword   string        `yaml:"keyword"`
	Timeout   time.Duration `yaml:"timeout"`
}

func (i IssuerConfig) Enabled() bool { return i.URL != "" }

type InitiatorConfig struct {
	WindowMin int `yaml:"window_min"`
	WindowMax int `yaml:"window_max"`
}

type RateLimitConfig struct {
	// Interval is the minimum spacing between upstream-bound requests. Zero disables the gate.
	Interval time.Duration `yaml:"interval"`
	// Wait makes the gate sleep instead of rejecting with 429.
	Wait bool `yaml:"wait"`
}

type RedisConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	PoolSize  int      `yaml:"pool_size"`
}

type TelemetryConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsPath string `yaml:"metrics_path"`
}

type NotifyConfig struct {
	RateLimitWebhookURL string        `yaml:"rate_limit_webhook_url"`
	Keyword             string        `yaml:"keyword"`
	Timeout             time.Duration `yaml:"timeout"`
}

type FeaturesConfig struct {
	SignatureRetry bool `yaml:"signature_retry"`
	ManualApprove  bool `yaml:"manual_approve"`
	ShowToken      bool `yaml:"show_token"`
}

// Validate checks values that would otherwise fail later at request time.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Upstream.AccountType {
	case "individual", "business", "enterprise":
	default:
		return fmt.Errorf("upstream.account_type must be individual, business or enterprise, got %q", c.Upstream.AccountType)
	}
	if c.Initiator.WindowMin < 0 || c.Initiator.WindowMax < 0 {
		return fmt.Errorf("initiator window bounds must be non-negative")
	}
	return nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             4141,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     10 * time.Minute,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
		},
		Upstream: UpstreamConfig{
			AccountType:   "individual",
			EditorVersion: "vscode/1.104.1",
			PluginVersion: "copilot-chat/0.26.7",
			APIVersion:    "2025-04-01",
			MaxConcurrent: 64,
			Timeout:       10 * time.Minute,
		},
		Credential: CredentialConfig{
			TokenPath: "~/.local/share/copilot-bridge/github_token",
			ClientID:  "Iv1.b507a08c87ecfe98",
			OAuthURL:  "https://github.com",
			APIURL:    "https://api.github.com",
			Timeout:   30 * time.Second,
			Issuer: IssuerConfig{
				Timeout: 15 * time.Second,
			},
		},
		Initiator: InitiatorConfig{
			WindowMin: 70,
			WindowMax: 100,
		},
		Redis: RedisConfig{
			DB:       0,
			PoolSize: 10,
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsPath: "/metrics",
		},
		Notify: NotifyConfig{
			Keyword: "unknown",
			Timeout: 5 * time.Second,
		},
	}
}
