package queue

import "github.com/google/uuid"

type uuidKeyProvider struct{}

// NewUUIDKeyProvider constructs a KeyProvider that issues UUIDv7 keys.
func NewUUIDKeyProvider() KeyProvider {
	return &uuidKeyProvider{}
}

func (p *uuidKeyProvider) NewKey() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
