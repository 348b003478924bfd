//go:build darwin

package vault

import (
	"context"
	"fmt"

	keychain "github.com/keybase/go-keychain"
)

// keychainSecrets stores generic passwords under Service=tlc-vault and
// Account=<name> in the macOS Keychain.
type keychainSecrets struct{}

func newKeychain() (Secrets, error) { return keychainSecrets{}, nil }

func item(name string) keychain.Item {
	q := keychain.NewItem()
	q.SetSecClass(keychain.SecClassGenericPassword)
	q.SetService(ServiceName)
	q.SetAccount(name)
	return q
}

func (keychainSecrets) Get(ctx context.Context, name string) ([]byte, error) {
	q := item(name)
	q.SetMatchLimit(keychain.MatchLimitOne)
	q.SetReturnData(true)
	rr, err := keychain.QueryItem(q)
	if err != nil {
		return nil, fmt.Errorf("keychain get: %w", err)
	}
	if len(rr) == 0 || rr[0].Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	out := make([]byte, len(rr[0].Data))
	copy(out, rr[0].Data)
	return out, nil
}

func (keychainSecrets) Set(ctx context.Context, name string, value []byte) error {
	upd := item(name)
	upd.SetLabel("tlc secret: " + name)
	upd.SetData(value)
	upd.SetAccessible(keychain.AccessibleAfterFirstUnlock)
	if err := keychain.UpdateItem(item(name), upd); err != nil {
		// Not found: add it.
		if aerr := keychain.AddItem(upd); aerr != nil {
			return fmt.Errorf("keychain add: %w", aerr)
		}
	}
	return nil
}
