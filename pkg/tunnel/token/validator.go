package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Validator validates an access token and returns its claims.
type Validator interface {
	Validate(tokenStr string) (jwt.Claims, error)
}

func validate(keyFunc jwt.Keyfunc, tokenStr string) (jwt.Claims, error) {
	tok, err := jwt.Parse(
		tokenStr,
		keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !tok.Valid {
		return nil, errors.New("invalid token")
	}
	if tok.Claims == nil {
		return nil, errors.New("failed to parse claims")
	}
	return tok.Claims, nil
}

// StaticValidator validates tokens against a fixed ECDSA public key.
type StaticValidator struct {
	keyFunc jwt.Keyfunc
}

// NewStaticValidator creates a Validator from a PEM-encoded ECDSA public key.
func NewStaticValidator(publicKeyPEM []byte) (*StaticValidator, error) {
	key, err := jwt.ParseECPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ECDSA public key: %w", err)
	}
	return &StaticValidator{
		keyFunc: func(*jwt.Token) (any, error) { return key, nil },
	}, nil
}

func (v *StaticValidator) Validate(tokenStr string) (jwt.Claims, error) {
	return validate(v.keyFunc, tokenStr)
}

// JWKSValidator validates tokens against the backend's published JWKS.
type JWKSValidator struct {
	kf keyfunc.Keyfunc
}

// NewJWKSValidator creates a Validator backed by the given JWKS URLs.
func NewJWKSValidator(ctx context.Context, urls []string) (*JWKSValidator, error) {
	kf, err := keyfunc.NewDefaultOverrideCtx(ctx, urls, keyfunc.Override{
		HTTPTimeout:      10 * time.Second,
		RateLimitWaitMax: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create keyfunc: %w", err)
	}
	return &JWKSValidator{kf: kf}, nil
}

func (v *JWKSValidator) Validate(tokenStr string) (jwt.Claims, error) {
	return validate(v.kf.Keyfunc, tokenStr)
}
