package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	ProviderOllama     = "ollama"
	ProviderOpenRouter = "openrouter"

	PipelineJobs       = "jobs"
	PipelineTaskRunner = "taskrunner"
)

// keychainService is the service name secrets are stored under.
const keychainService = "blockchat"

type Config struct {
	Server     ServerConfig
	Ollama     OllamaConfig
	Storage    StorageConfig
	Completion CompletionConfig
	Proxy      ProxyConfig
	Chat       ChatConfig
	Log        LogConfig
	Retrieval  RetrievalConfig
	Store      StoreConfig
}

type ServerConfig struct {
	Port       int
	MCPEnabled bool
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type CompletionConfig struct {
	Provider string
}

type ProxyConfig struct {
	OpenRouterAPIKey string
	DefaultModel     string
}

type ChatConfig struct {
	Pipeline         string
	MaxContextTokens int
	FlushInterval    time.Duration
}

type LogConfig struct {
	Level string
}

type RetrievalConfig struct {
	TopK int
}

type StoreConfig struct {
	WatchDebounce time.Duration
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:       4100,
			MCPEnabled: true,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "llama3.2",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Completion: CompletionConfig{
			Provider: ProviderOllama,
		},
		Proxy: ProxyConfig{
			DefaultModel: "anthropic/claude-sonnet-4",
		},
		Chat: ChatConfig{
			Pipeline:         PipelineJobs,
			MaxContextTokens: 4000,
			FlushInterval:    150 * time.Millisecond,
		},
		Log: LogConfig{
			Level: "info",
		},
		Retrieval: RetrievalConfig{
			TopK: 5,
		},
		Store: StoreConfig{
			WatchDebounce: 200 * time.Millisecond,
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.blockchat.app) and the
// OpenRouter key falls back to the macOS Keychain.
// Elsewhere the backend is a JSON file at $XDG_CONFIG_HOME/blockchat/config.json,
// which may contain comments and trailing commas, and secrets live in
// $XDG_DATA_HOME/blockchat/secrets.json.
//
// Environment variables (BLOCKCHAT_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

// keychain abstracts secret lookup for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Proxy.OpenRouterAPIKey == "" {
		if key, err := kc.Get(keychainService, "openrouter_api_key"); err == nil && key != "" {
			cfg.Proxy.OpenRouterAPIKey = key
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Completion.Provider {
	case ProviderOllama:
	case ProviderOpenRouter:
		if c.Proxy.OpenRouterAPIKey == "" {
			return fmt.Errorf("%s", "missing required config: OpenRouter API key. " +
				"Set it via environment variable BLOCKCHAT_OPENROUTER_API_KEY" + apiKeyHint())
		}
	default:
		return fmt.Errorf("invalid completion.provider %q: want %s or %s", c.Completion.Provider, ProviderOllama, ProviderOpenRouter)
	}

	switch c.Chat.Pipeline {
	case PipelineJobs, PipelineTaskRunner:
	default:
		return fmt.Errorf("invalid chat.pipeline %q: want %s or %s", c.Chat.Pipeline, PipelineJobs, PipelineTaskRunner)
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Chat.FlushInterval < 0 || c.Store.WatchDebounce < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// SlogLevel returns the configured log level.
func (c Config) SlogLevel() slog.Level {
	l, _ := parseLevel(c.Log.Level)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log.level %q: %w", s, err)
	}
	return l, nil
}
