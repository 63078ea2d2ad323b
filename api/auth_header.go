package api

import (
	"errors"
	"strings"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

const bearerPrefix = "Bearer "

// bearerTokenFromHeader extracts the raw JWT from an Authorization header
// value. The token is shape-checked (three dot-separated segments) before any
// signature work happens so garbage headers are rejected cheaply.
func bearerTokenFromHeader(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errMissingAuthorization
	}
	token, ok := strings.CutPrefix(trimmed, bearerPrefix)
	if !ok || token == "" {
		return "", errBadAuthorization
	}
	if strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}
