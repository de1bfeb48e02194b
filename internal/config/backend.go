package config

// ConfigBackend holds the persisted, non-secret settings that `blockchat
// config set` writes and Load reads back beneath environment overrides.
// Keys are the dotted names from the key table, e.g. "ollama.base_url".
// On macOS values live in the com.blockchat.app defaults domain; elsewhere
// in $XDG_CONFIG_HOME/blockchat/config.json. Secrets never pass through it.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
