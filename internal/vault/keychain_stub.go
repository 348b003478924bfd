//go:build !darwin

package vault

import (
	"errors"
)

var errUnsupported = errors.New("keychain backend not supported on this OS")

func newKeychain() (Secrets, error) { return nil, errUnsupported }
