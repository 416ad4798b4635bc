// Package auth applies per-repository authentication to outgoing HTTP
// requests.
package auth

import (
	"net/http"

	"github.com/glorpus-work/qpserver/pkg/errors"
)

// Authenticator defines the interface for applying authentication to HTTP requests.
type Authenticator interface {
	Apply(req *http.Request) error
	Type() Type
}

// Type represents the type of authentication.
type Type string

// Authentication types.
const (
	// BasicAuthType represents HTTP Basic Authentication.
	BasicAuthType Type = "basic"
	// HeaderAuthType represents custom header-based authentication.
	HeaderAuthType Type = "header"
	// BearerAuthType represents Bearer token authentication.
	BearerAuthType Type = "bearer"
)

// Settings selects and parameterizes an authenticator, typically decoded
// from the repository configuration.
type Settings struct {
	Type     Type
	Username string
	Password string
	Token    string
	Headers  map[string]string
}

// New builds the authenticator described by s. An empty type means the
// repository needs no authentication and returns nil.
func New(s Settings) (Authenticator, error) {
	switch s.Type {
	case "":
		return nil, nil
	case BasicAuthType:
		if s.Username == "" {
			return nil, errors.Wrap(errors.ErrConfigValidation, "basic auth requires a username")
		}
		return BasicAuth{Username: s.Username, Password: s.Password}, nil
	case BearerAuthType:
		if s.Token == "" {
			return nil, errors.Wrap(errors.ErrConfigValidation, "bearer auth requires a token")
		}
		return BearerAuth{Token: s.Token}, nil
	case HeaderAuthType:
		if len(s.Headers) == 0 {
			return nil, errors.Wrap(errors.ErrConfigValidation, "header auth requires at least one header")
		}
		return HeaderAuth{Headers: s.Headers}, nil
	default:
		return nil, errors.Wrapf(errors.ErrConfigValidation, "unknown auth type %q", s.Type)
	}
}

// BasicAuth represents HTTP Basic Authentication credentials.
type BasicAuth struct {
	Username string
	Password string
}

// Apply adds Basic Authentication headers to the HTTP request.
func (b BasicAuth) Apply(req *http.Request) error {
	req.SetBasicAuth(b.Username, b.Password)
	return nil
}

// Type returns the authentication type (BasicAuthType).
func (b BasicAuth) Type() Type { return BasicAuthType }

// HeaderAuth represents authentication via custom HTTP headers.
type HeaderAuth struct {
	Headers map[string]string
}

// Apply adds custom headers to the HTTP request.
func (h HeaderAuth) Apply(req *http.Request) error {
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}
	return nil
}

// Type returns the authentication type (HeaderAuthType).
func (h HeaderAuth) Type() Type { return HeaderAuthType }

// BearerAuth represents Bearer token authentication.
type BearerAuth struct {
	Token string
}

// Apply adds a Bearer token to the Authorization header of the HTTP request.
func (b BearerAuth) Apply(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+b.Token)
	return nil
}

// Type returns the authentication type (BearerAuthType).
func (b BearerAuth) Type() Type { return BearerAuthType }
