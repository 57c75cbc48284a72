package redact

import "regexp"

// Pattern names one kind of credential that must not reach the logs.
type Pattern struct {
	Name  string
	Regex *regexp.Regexp
}

// DefaultPatterns returns the credential shapes the gateway handles.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:  "github_token",
			Regex: regexp.MustCompile(`gh[pousr]_[A-Za-z0-9_]{36,}`),
		},
		{
			// Bearer tokens from the exchange are semicolon-separated key=value pairs.
			Name:  "copilot_token",
			Regex: regexp.MustCompile(`tid=[A-Za-z0-9]+;[^\s"']+`),
		},
		{
			Name:  "jwt",
			Regex: regexp.MustCompile(`eyJ[A-Za-z0-9\-_]+\.eyJ[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+`),
		},
		{
			Name:  "authorization",
			Regex: regexp.MustCompile(`(?i)(?:bearer|basic|token) [A-Za-z0-9\-_.=+/]{16,}`),
		},
		{
			Name:  "connection_string",
			Regex: regexp.MustCompile(`(?:redis|rediss)://[^\s]+`),
		},
	}
}
