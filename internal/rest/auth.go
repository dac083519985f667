package rest

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthScheme is "Bot" or "Bearer" (OAuth2).
type AuthScheme string

const (
	AuthBot    AuthScheme = "Bot"
	AuthBearer AuthScheme = "Bearer"
)

// Auth carries the token used to build the Authorization header.
type Auth struct {
	Scheme AuthScheme
	Token  string
}

func (a Auth) header() string {
	return string(a.Scheme) + " " + a.Token
}

// precheckExpiry locally decodes a Bearer OAuth2 token's exp claim without
// signature verification (Discord, not us, signed it), so an
// already-expired token fails fast as AUTH instead of consuming a bucket
// slot on a doomed round trip.
func precheckExpiry(a Auth) (expired bool, ok bool) {
	if a.Scheme != AuthBearer {
		return false, false
	}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(a.Token, claims); err != nil {
		return false, false
	}
	expVal, err := claims.GetExpirationTime()
	if err != nil || expVal == nil {
		return false, false
	}
	return time.Now().After(expVal.Time), true
}
