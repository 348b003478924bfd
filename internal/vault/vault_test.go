package vault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSecrets map[string][]byte

func (m mapSecrets) Get(_ context.Context, name string) ([]byte, error) {
	v, ok := m[name]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (m mapSecrets) Set(_ context.Context, name string, value []byte) error {
	m[name] = value
	return nil
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	s := mapSecrets{"pg": []byte("s3cret")}

	v, err := Resolve(ctx, s, "literal", "pg")
	require.NoError(t, err)
	assert.Equal(t, "literal", v)

	v, err = Resolve(ctx, s, "", "pg")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)

	v, err = Resolve(ctx, nil, "", "")
	require.NoError(t, err)
	assert.Empty(t, v)

	_, err = Resolve(ctx, s, "", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotContains(t, err.Error(), "s3cret")

	_, err = Resolve(ctx, nil, "", "pg")
	assert.Error(t, err)
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New("hashicorp")
	assert.Error(t, err)
}
