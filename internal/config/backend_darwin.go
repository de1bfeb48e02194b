//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com.blockchat.app"

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "blockchat")
	}
	return "blockchat-data"
}

func apiKeyHint() string {
	return " or the login Keychain: security add-generic-password -s " + keychainService + " -a openrouter_api_key -w <key>"
}

func newPlatformBackend() ConfigBackend {
	return defaultsBackend(defaultsDomain)
}

// defaultsBackend reads and writes blockchat settings through the
// `defaults` tool, so they show up next to other macOS preferences.
type defaultsBackend string

// errNoSuchKey is how `defaults` reports a missing key: exit status 1.
var errNoSuchKey = errors.New("no such key")

func (d defaultsBackend) run(args ...string) (string, error) {
	args = append([]string{args[0], string(d)}, args[1:]...)
	out, err := exec.Command("defaults", args...).CombinedOutput()
	s := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && args[0] != "write" {
			return "", errNoSuchKey
		}
		return "", fmt.Errorf("defaults %s %s: %w: %s", args[0], args[2], err, s)
	}
	return s, nil
}

func (d defaultsBackend) GetString(key string) (string, bool, error) {
	s, err := d.run("read", key)
	if errors.Is(err, errNoSuchKey) {
		return "", false, nil
	}
	return s, err == nil, err
}

func (d defaultsBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := d.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("%s is not an integer in %s: %w", key, string(d), err)
	}
	return i, true, nil
}

func (d defaultsBackend) SetString(key, val string) error {
	_, err := d.run("write", key, "-string", val)
	return err
}

func (d defaultsBackend) SetInt(key string, val int) error {
	_, err := d.run("write", key, "-int", strconv.Itoa(val))
	return err
}

// Delete is a no-op for keys that were never set.
func (d defaultsBackend) Delete(key string) error {
	_, err := d.run("delete", key)
	if errors.Is(err, errNoSuchKey) {
		return nil
	}
	return err
}
