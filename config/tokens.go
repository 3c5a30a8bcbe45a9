package config

import (
	"context"
	"errors"

	"github.com/meridian-vpn/meridian/pkg/tunnel/token"
)

// NewTokenHandle builds the credential handle selected by the config.
// Container credentials require a JWKS endpoint to verify access tokens.
func NewTokenHandle(ctx context.Context, cfg *Config) (token.Handle, error) {
	scheme, err := cfg.Scheme()
	if err != nil {
		return nil, err
	}
	store, err := token.NewFileStore()
	if err != nil {
		return nil, err
	}

	var validator token.Validator
	if scheme == token.SchemeContainer {
		if cfg.JWKSURL == "" {
			return nil, errors.New("jwksURL is required for v2 token containers")
		}
		validator, err = token.NewJWKSValidator(ctx, []string{cfg.JWKSURL})
		if err != nil {
			return nil, err
		}
	}
	return token.NewHandle(scheme, store, validator)
}
