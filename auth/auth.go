// Package auth resolves credentials for the chat client and identities for
// the relay.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var ErrNoCredential = errors.New("no credential")

// Client authenticates an incoming relay request, returning the identity
// (an email) of the participant.
type Client interface {
	Auth(r *http.Request) (string, error)
}

// CredentialSource yields the bearer credential of the local participant on
// demand. Issuance, storage and refresh live behind it.
type CredentialSource interface {
	Credential(ctx context.Context) (string, error)
}

// Static is a fixed credential, empty means none.
type Static string

func (s Static) Credential(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoCredential
	}
	return string(s), nil
}

// CredentialFunc adapts a function to CredentialSource.
type CredentialFunc func(ctx context.Context) (string, error)

func (f CredentialFunc) Credential(ctx context.Context) (string, error) {
	return f(ctx)
}

// BearerToken extracts the token of an `Authorization: Bearer` header, or of
// the `token` query parameter for clients that cannot set headers.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
