package auth

import (
	"encoding/base64"
	"errors"
	"strings"
)

var (
	// ErrMissingAuthorization indicates a request without an Authorization header.
	ErrMissingAuthorization = errors.New("auth: missing authorization")
	// ErrMalformedAuthorization indicates an Authorization header that cannot be parsed.
	ErrMalformedAuthorization = errors.New("auth: malformed authorization")
)

// Scheme names the supported Authorization schemes.
type Scheme string

const (
	SchemeBasic  Scheme = "Basic"
	SchemeBearer Scheme = "Bearer"
)

// Credentials carries the parsed Authorization header. Username and Password
// are set for Basic, Token for Bearer.
type Credentials struct {
	Scheme   Scheme
	Username string
	Password string
	Token    string
}

// ParseAuthorization parses a Basic or Bearer Authorization header value.
func ParseAuthorization(header string) (Credentials, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Credentials{}, ErrMissingAuthorization
	}
	scheme, value, found := strings.Cut(header, " ")
	if !found {
		return Credentials{}, ErrMalformedAuthorization
	}
	value = strings.TrimSpace(value)
	switch {
	case strings.EqualFold(scheme, string(SchemeBasic)):
		decoded, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return Credentials{}, ErrMalformedAuthorization
		}
		username, password, ok := strings.Cut(string(decoded), ":")
		if !ok {
			return Credentials{}, ErrMalformedAuthorization
		}
		return Credentials{Scheme: SchemeBasic, Username: username, Password: password}, nil
	case strings.EqualFold(scheme, string(SchemeBearer)):
		if value == "" {
			return Credentials{}, ErrMalformedAuthorization
		}
		return Credentials{Scheme: SchemeBearer, Token: value}, nil
	default:
		return Credentials{}, ErrMalformedAuthorization
	}
}
