package paths

import (
	"os"
	"path/filepath"
)

const envHome = "TLC_HOME_DIR"

// Home returns the base directory for tlc configuration and state.
// Defaults to ~/.tlc, can be overridden via TLC_HOME_DIR.
func Home() string {
	if v := os.Getenv(envHome); v != "" {
		return v
	}
	hd, err := os.UserHomeDir()
	if err != nil || hd == "" {
		return ".tlc"
	}
	return filepath.Join(hd, ".tlc")
}

func EnsureHome() (string, error) {
	h := Home()
	if err := os.MkdirAll(h, 0o755); err != nil {
		return "", err
	}
	return h, nil
}

// PIDFile is where a running server records its process id.
func PIDFile() string {
	return filepath.Join(Home(), "server.pid")
}
