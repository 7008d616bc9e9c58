package control

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ErrAccessDenied is returned when a caller lacks rights on a server.
var ErrAccessDenied = errors.New("access denied")

// Identity is the resolved caller of a panel request. Admins bypass
// ownership checks; everyone else only reaches their own servers.
type Identity struct {
	UserID string
	Admin  bool
}

// Authenticator resolves an HTTP request to a caller identity. Session and
// JWT handling live outside this core; the orchestration layer only needs
// the result.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// TokenAuthenticator is a static bearer-token authenticator: one admin token
// and a map of user tokens. It stands in for the panel's real session layer
// in tests and single-operator deployments.
type TokenAuthenticator struct {
	AdminToken string
	// UserTokens maps bearer token to user id.
	UserTokens map[string]string
}

func (a *TokenAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	token := bearerToken(r)
	if token == "" {
		return Identity{}, ErrAccessDenied
	}
	if a.AdminToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.AdminToken)) == 1 {
		return Identity{Admin: true}, nil
	}
	for candidate, userID := range a.UserTokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1 {
			return Identity{UserID: userID}, nil
		}
	}
	return Identity{}, ErrAccessDenied
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}
