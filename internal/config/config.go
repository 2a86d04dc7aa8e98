package config

import (
	"strings"
)

type Config struct {
	Server     ServerConfig
	Ollama     OllamaConfig
	OpenRouter OpenRouterConfig
	Storage    StorageConfig
	Retrieval  RetrievalConfig
	Reranking  RerankingConfig
	Generation GenerationConfig
	Access     AccessConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port     int
	MCPPort  int
	APIToken string
}

type OllamaConfig struct {
	BaseURL    string
	Model      string
	EmbedModel string
}

type OpenRouterConfig struct {
	APIKey string
	Model  string
}

type StorageConfig struct {
	DataDir string
}

type RetrievalConfig struct {
	TopK  int
	Alpha float64
}

type RerankingConfig struct {
	Enabled bool
	Timeout string
	Window  int
}

type GenerationConfig struct {
	// Order is a comma-separated list of backend IDs tried in sequence.
	Order            string
	AttemptTimeout   string
	MaxContextTokens int
	DomainsPath      string
}

type AccessConfig struct {
	ScopeColumn string
	OwnerColumn string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port:    4400,
			MCPPort: 4401,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			Model:      "sqlcoder",
			EmbedModel: "nomic-embed-text",
		},
		OpenRouter: OpenRouterConfig{
			Model: "openai/gpt-4o",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Retrieval: RetrievalConfig{
			TopK:  8,
			Alpha: 0.7,
		},
		Reranking: RerankingConfig{
			Timeout: "10s",
			Window:  20,
		},
		Generation: GenerationConfig{
			Order:            "openrouter,ollama",
			AttemptTimeout:   "60s",
			MaxContextTokens: 4000,
		},
		Access: AccessConfig{
			ScopeColumn: "department",
			OwnerColumn: "user_id",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// BackendOrder parses the comma-separated generation order.
func (c Config) BackendOrder() []string {
	var out []string
	for _, id := range strings.Split(c.Generation.Order, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Load reads configuration from the platform-native backend, environment
// variables, and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.nlq.app) and secrets
// fall back to macOS Keychain. On Linux the backend is a JSON file at
// $XDG_CONFIG_HOME/nlq/config.json and secrets come from a secrets file
// or environment variables.
//
// Environment variables (NLQ_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// The OpenRouter key is optional: without it the fallback chain simply
	// runs on local backends. Check the secret store before giving up.
	if cfg.OpenRouter.APIKey == "" {
		if key, err := kc.Get("nlq", "openrouter_api_key"); err == nil && key != "" {
			cfg.OpenRouter.APIKey = key
		}
	}

	return cfg, nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
