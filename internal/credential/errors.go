package credential

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedIssuerResponse means the issuer answered without a usable token.
	ErrMalformedIssuerResponse = errors.New("credential: issuer response missing token")
	// ErrTokenUnavailable means the on-demand exchange produced no bearer token.
	ErrTokenUnavailable = errors.New("credential: bearer token unavailable")
	// ErrNoIdentity means no identity credential is persisted and interactive login is disabled.
	ErrNoIdentity = errors.New("credential: no identity credential")
)

// ConfigError reports credential settings that cannot work together. It is
// returned before any network call is made.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("credential config %s: %s", e.Field, e.Reason)
}

// StatusError is a non-2xx answer from the issuer, OAuth or exchange endpoints.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Body)
}
