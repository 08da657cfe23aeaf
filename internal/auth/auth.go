// Package auth implements the owner authentication collaborator.
package auth

import (
	"crypto/subtle"

	"github.com/rs/zerolog/log"
)

// TokenAuthenticator authorizes owner role claims against one configured
// secret. The compare is constant-time so the token can't be probed.
type TokenAuthenticator struct {
	token string
}

func NewTokenAuthenticator(token string) *TokenAuthenticator {
	if token == "" {
		log.Warn().Str("module", "auth").Msg("owner token not configured, owner registration disabled")
	}
	return &TokenAuthenticator{token: token}
}

func (a *TokenAuthenticator) Authorize(token string) bool {
	if a.token == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a.token), []byte(token)) == 1
}
