package authclient

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"defi-portal/go-client/internal/identity"
)

var ErrInvalidDelegation = errors.New("invalid delegation")

// delegationClaims is the payload of a provider-issued delegation token.
// UserKey signs the token and SessionKey is the key it authorizes.
type delegationClaims struct {
	UserKey    string `json:"user_key"`
	SessionKey string `json:"session_key"`
	jwt.RegisteredClaims
}

// IssueDelegation signs a delegation from user to the session key. Identity
// providers and local test providers use it; the client only verifies.
func IssueDelegation(user *identity.Ed25519Identity, sessionKeyDER []byte, issuer string, ttl time.Duration, now time.Time) (string, error) {
	if user == nil || len(sessionKeyDER) == 0 || ttl <= 0 {
		return "", ErrInvalidDelegation
	}
	claims := delegationClaims{
		UserKey:    base64.RawURLEncoding.EncodeToString(user.PublicKeyDER()),
		SessionKey: base64.RawURLEncoding.EncodeToString(sessionKeyDER),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   user.Principal().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(ed25519.PrivateKey(user.ExportPrivateKey()))
}

// verifyDelegation checks the token signature against its embedded user
// key, its expiry and issuer, and that it authorizes sessionKeyDER.
func verifyDelegation(token string, sessionKeyDER []byte, issuer string, now func() time.Time) (identity.Delegation, error) {
	claims := &delegationClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		c, ok := t.Claims.(*delegationClaims)
		if !ok {
			return nil, ErrInvalidDelegation
		}
		der, err := base64.RawURLEncoding.DecodeString(c.UserKey)
		if err != nil {
			return nil, fmt.Errorf("%w: user key encoding", ErrInvalidDelegation)
		}
		return identity.DecodeEd25519DER(der)
	}, opts...)
	if err != nil {
		return identity.Delegation{}, errors.Join(ErrInvalidDelegation, err)
	}

	userKey, _ := base64.RawURLEncoding.DecodeString(claims.UserKey)
	sessionKey, err := base64.RawURLEncoding.DecodeString(claims.SessionKey)
	if err != nil || !bytes.Equal(sessionKey, sessionKeyDER) {
		return identity.Delegation{}, fmt.Errorf("%w: token authorizes a different session key", ErrInvalidDelegation)
	}
	return identity.Delegation{
		Token:            token,
		UserPublicKey:    userKey,
		SessionPublicKey: sessionKey,
		Expiration:       claims.ExpiresAt.Time,
	}, nil
}
