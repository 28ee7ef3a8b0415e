// Package auth checks the shared admin token presented by operators.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates an authentication token.
type Validator interface {
	Validate(token string) error
}

// StaticToken accepts exactly one shared token. An empty Token denies everything.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// BearerToken extracts the token of an "Authorization: Bearer <token>" header value.
func BearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", ErrUnauthorized
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrUnauthorized
	}
	return token, nil
}

// CheckHeader validates the bearer token carried by header.
func CheckHeader(v Validator, header string) error {
	token, err := BearerToken(header)
	if err != nil {
		return err
	}
	return v.Validate(token)
}
