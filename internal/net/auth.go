package net

import (
	"errors"
	"fmt"
	nethttp "net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

var errMissingToken = errors.New("missing bearer token")

// JWTAuthenticator gates websocket upgrades on an HS256-signed bearer token.
// A nil or empty secret disables the gate entirely.
type JWTAuthenticator struct {
	secret []byte
}

func NewJWTAuthenticator(secret []byte) *JWTAuthenticator {
	if len(secret) == 0 {
		return nil
	}
	return &JWTAuthenticator{secret: secret}
}

// Authenticate validates the bearer token from the Authorization header or
// the token query parameter and returns its subject claim.
func (a *JWTAuthenticator) Authenticate(r *nethttp.Request) (string, error) {
	if a == nil {
		return "", nil
	}
	raw := bearerToken(r)
	if raw == "" {
		return "", errMissingToken
	}
	token, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", err
	}
	subject, err := token.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	return subject, nil
}

func bearerToken(r *nethttp.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if raw, ok := strings.CutPrefix(header, "Bearer "); ok {
			return raw
		}
	}
	return r.URL.Query().Get("token")
}

// ULIDTokens mints lexically sortable session tokens.
type ULIDTokens struct{}

func (ULIDTokens) NewSessionToken() string {
	return ulid.Make().String()
}
