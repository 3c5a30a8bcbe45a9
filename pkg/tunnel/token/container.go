package token

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
)

// ServiceContainer is the storage service identifier for the v2 scheme.
const ServiceContainer = "dev.meridian.token.v2"

// entitlementsClaim is the claim carrying the entitlement set in v2
// access tokens.
const entitlementsClaim = "entitlements"

type containerBlob struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

// ContainerHandle stores the v2 token container. Entitlements are decoded
// from the access token's claims on load, never persisted separately.
type ContainerHandle struct {
	store     Store
	validator Validator
}

var _ Handle = (*ContainerHandle)(nil)

func NewContainerHandle(store Store, validator Validator) *ContainerHandle {
	return &ContainerHandle{store: store, validator: validator}
}

func (h *ContainerHandle) GetToken() (Credential, error) {
	raw, err := h.store.Get(ServiceContainer)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrMissingCredential
	}
	if err != nil {
		return nil, err
	}

	var blob containerBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, fmt.Errorf("decode credential blob: %w", err)
	}
	if blob.Access == "" {
		return nil, ErrMissingCredential
	}

	ents, err := h.decodeEntitlements(blob.Access)
	if err != nil {
		return nil, err
	}
	return &Container{
		Access:       blob.Access,
		Refresh:      blob.Refresh,
		Entitlements: ents,
	}, nil
}

func (h *ContainerHandle) AdoptToken(cred Credential) error {
	c, ok := cred.(*Container)
	if !ok {
		return fmt.Errorf("%w: want %s, got %s", ErrSchemeMismatch, SchemeContainer, cred.Scheme())
	}
	if c.Access == "" {
		return errors.New("refusing to adopt empty token")
	}
	if _, err := h.decodeEntitlements(c.Access); err != nil {
		return fmt.Errorf("rejected token: %w", err)
	}
	if current, err := h.GetToken(); err == nil && current.Equal(c) {
		return nil
	}

	raw, err := json.Marshal(containerBlob{Access: c.Access, Refresh: c.Refresh})
	if err != nil {
		return fmt.Errorf("encode credential blob: %w", err)
	}
	return h.store.Put(ServiceContainer, raw)
}

func (h *ContainerHandle) RemoveToken() error {
	return h.store.Delete(ServiceContainer)
}

func (h *ContainerHandle) decodeEntitlements(accessToken string) ([]Entitlement, error) {
	claims, err := h.validator.Validate(accessToken)
	if err != nil {
		return nil, fmt.Errorf("validate access token: %w", err)
	}
	mapClaims, ok := claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("unexpected claims shape")
	}
	raw, ok := mapClaims[entitlementsClaim]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("malformed %s claim", entitlementsClaim)
	}
	ents := make([]Entitlement, 0, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("malformed %s claim entry", entitlementsClaim)
		}
		ents = append(ents, Entitlement(s))
	}
	return ents, nil
}
