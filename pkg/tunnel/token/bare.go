package token

import (
	"errors"
	"fmt"
)

// ServiceBare is the storage service identifier for the v1 scheme.
const ServiceBare = "dev.meridian.token.v1"

// BareHandle stores the v1 bare access token.
type BareHandle struct {
	store Store
}

var _ Handle = (*BareHandle)(nil)

func NewBareHandle(store Store) *BareHandle {
	return &BareHandle{store: store}
}

func (h *BareHandle) GetToken() (Credential, error) {
	blob, err := h.store.Get(ServiceBare)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrMissingCredential
	}
	if err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		return nil, ErrMissingCredential
	}
	return BareToken(blob), nil
}

func (h *BareHandle) AdoptToken(cred Credential) error {
	t, ok := cred.(BareToken)
	if !ok {
		return fmt.Errorf("%w: want %s, got %s", ErrSchemeMismatch, SchemeBare, cred.Scheme())
	}
	if t == "" {
		return errors.New("refusing to adopt empty token")
	}
	if current, err := h.GetToken(); err == nil && current.Equal(t) {
		return nil
	}
	return h.store.Put(ServiceBare, []byte(t))
}

func (h *BareHandle) RemoveToken() error {
	return h.store.Delete(ServiceBare)
}
