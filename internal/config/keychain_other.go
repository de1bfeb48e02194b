//go:build !darwin

package config

import "path/filepath"

// NewKeychain returns a secrets file under $XDG_DATA_HOME/blockchat. There
// is no portable system keyring to defer to.
func NewKeychain() Keychain {
	return secretsFile{path: secretsFilePath()}
}

func secretsFilePath() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), "blockchat", "secrets.json")
}
