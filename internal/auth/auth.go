// Package auth checks operator bearer tokens for the admin surface.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	ErrUnauthorized  = errors.New("auth: unauthorized")
	ErrMissingBearer = errors.New("auth: missing bearer token")
)

type Validator interface {
	Validate(token string) error
}

// Tokens accepts any one of a fixed set of operator tokens. An empty set
// accepts nothing.
type Tokens []string

func (t Tokens) Validate(token string) error {
	if token == "" {
		return ErrUnauthorized
	}
	ok := 0
	for _, want := range t {
		if want == "" {
			continue
		}
		ok |= subtle.ConstantTimeCompare([]byte(want), []byte(token))
	}
	if ok != 1 {
		return ErrUnauthorized
	}
	return nil
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) (string, error) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMissingBearer
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingBearer
	}
	return token, nil
}
