package vault

import (
	"context"
	"errors"
	"fmt"
)

// Secrets reads and writes named secrets. Implementations must never log or
// print secret values.
type Secrets interface {
	// Get fetches the raw secret value. Callers must not print it.
	Get(ctx context.Context, name string) ([]byte, error)
	// Set creates or updates a secret value.
	Set(ctx context.Context, name string, value []byte) error
}

// ServiceName groups all secrets belonging to this application in the Keychain.
const ServiceName = "tlc-vault"

// ErrNotFound is returned by Get for a secret that is not set.
var ErrNotFound = errors.New("vault: secret not found")

// New constructs the secret store for the selected backend. For now only
// "keychain" is supported.
func New(backend string) (Secrets, error) {
	switch backend {
	case "", "keychain":
		return newKeychain()
	default:
		return nil, fmt.Errorf("vault backend not implemented: %s", backend)
	}
}

// Resolve returns literal when set, otherwise the named secret. Both empty
// yields an empty value.
func Resolve(ctx context.Context, s Secrets, literal, secret string) (string, error) {
	if literal != "" || secret == "" {
		return literal, nil
	}
	if s == nil {
		return "", fmt.Errorf("resolve secret %s: no vault backend", secret)
	}
	b, err := s.Get(ctx, secret)
	if err != nil {
		return "", fmt.Errorf("resolve secret %s: %w", secret, err)
	}
	return string(b), nil
}
