package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flarebyte/tenant-lifecycle/internal/config"
	"github.com/flarebyte/tenant-lifecycle/internal/vault"
)

type mapSecrets map[string]string

func (m mapSecrets) Get(_ context.Context, name string) ([]byte, error) {
	v, ok := m[name]
	if !ok {
		return nil, vault.ErrNotFound
	}
	return []byte(v), nil
}

func (m mapSecrets) Set(_ context.Context, name string, value []byte) error {
	m[name] = string(value)
	return nil
}

func TestPassword(t *testing.T) {
	ctx := context.Background()
	var backends []string
	orig := newSecrets
	newSecrets = func(backend string) (vault.Secrets, error) {
		backends = append(backends, backend)
		return mapSecrets{"pg": "s3cret"}, nil
	}
	t.Cleanup(func() { newSecrets = orig })

	cfg := config.Defaults()
	cfg.Postgres.Password = "literal"
	cfg.Postgres.PasswordSecret = "pg"
	p, err := Password(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, "literal", p)
	assert.Empty(t, backends, "literal password must not open the vault")

	cfg.Postgres.Password = ""
	p, err = Password(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", p)
	assert.Equal(t, []string{"keychain"}, backends)

	cfg.Postgres.PasswordSecret = "missing"
	_, err = Password(ctx, cfg)
	assert.True(t, errors.Is(err, vault.ErrNotFound))
}
