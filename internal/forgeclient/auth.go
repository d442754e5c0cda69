// Package forgeclient is the engine's outbound collaborator: it emits
// status updates to the forge hosting a governed repo, authenticating as a
// GitHub-App-style installation via a short-lived signed JWT.
package forgeclient

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AppClaims is the JWT payload a forge app-auth flow expects: issuer is the
// app id, short expiry bounds the blast radius of a leaked token.
type AppClaims struct {
	jwt.RegisteredClaims
}

// TokenIssuer mints short-lived app-auth JWTs signed with the app's private
// key.
type TokenIssuer struct {
	appID      string
	privateKey *rsa.PrivateKey
}

// NewTokenIssuer constructs an issuer for the given app id and RSA key.
func NewTokenIssuer(appID string, privateKey *rsa.PrivateKey) *TokenIssuer {
	return &TokenIssuer{appID: appID, privateKey: privateKey}
}

// Issue mints a JWT valid for the given duration (forges typically cap this
// at 10 minutes).
func (t *TokenIssuer) Issue(duration time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.appID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)), // clock skew tolerance
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(t.privateKey)
	if err != nil {
		return "", fmt.Errorf("forgeclient: sign app jwt: %w", err)
	}
	return signed, nil
}
