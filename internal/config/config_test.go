package config

import (
	"testing"
)

// mapBackend is an in-memory ConfigBackend for tests.
type mapBackend struct {
	data map[string]any
}

func (m *mapBackend) GetString(key string) (string, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return "", false, nil
	}
	s, _ := v.(string)
	return s, true, nil
}

func (m *mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return 0, false, nil
	}
	i, _ := v.(int)
	return i, true, nil
}

func (m *mapBackend) SetString(key, val string) error { m.data[key] = val; return nil }
func (m *mapBackend) SetInt(key string, val int) error {
	m.data[key] = val
	return nil
}
func (m *mapBackend) Delete(key string) error { delete(m.data, key); return nil }

// mockKeychain is a test double for the keychain interface.
type mockKeychain struct {
	value string
	err   error
}

func (m mockKeychain) Get(service, account string) (string, error) {
	return m.value, m.err
}

func TestDefaults(t *testing.T) {
	cfg, err := loadWith(&mapBackend{data: map[string]any{}}, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4400 {
		t.Errorf("Server.Port = %d, want 4400", cfg.Server.Port)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	if cfg.Ollama.EmbedModel != "nomic-embed-text" {
		t.Errorf("Ollama.EmbedModel = %q", cfg.Ollama.EmbedModel)
	}
	if cfg.Retrieval.TopK != 8 || cfg.Retrieval.Alpha != 0.7 {
		t.Errorf("Retrieval = %+v", cfg.Retrieval)
	}
	if got := cfg.BackendOrder(); len(got) != 2 || got[0] != "openrouter" || got[1] != "ollama" {
		t.Errorf("BackendOrder = %v", got)
	}
}

func TestBackendValuesApplied(t *testing.T) {
	b := &mapBackend{data: map[string]any{
		"server.port":      5000,
		"ollama.model":     "custom-model",
		"retrieval.alpha":  "0.5",
		"generation.order": "ollama",
	}}
	cfg, err := loadWith(b, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Ollama.Model != "custom-model" {
		t.Errorf("Ollama.Model = %q", cfg.Ollama.Model)
	}
	if cfg.Retrieval.Alpha != 0.5 {
		t.Errorf("Retrieval.Alpha = %v, want 0.5", cfg.Retrieval.Alpha)
	}
	if got := cfg.BackendOrder(); len(got) != 1 || got[0] != "ollama" {
		t.Errorf("BackendOrder = %v", got)
	}
}

func TestEnvOverridesBackend(t *testing.T) {
	b := &mapBackend{data: map[string]any{
		"ollama.base_url": "http://from-file:11434",
	}}
	t.Setenv("NLQ_OLLAMA_BASE_URL", "http://from-env:11434")
	t.Setenv("NLQ_RETRIEVAL_TOP_K", "15")

	cfg, err := loadWith(b, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Ollama.BaseURL != "http://from-env:11434" {
		t.Errorf("Ollama.BaseURL = %q, env must win", cfg.Ollama.BaseURL)
	}
	if cfg.Retrieval.TopK != 15 {
		t.Errorf("Retrieval.TopK = %d, want 15", cfg.Retrieval.TopK)
	}
}

func TestSecretFromKeychain(t *testing.T) {
	t.Setenv("NLQ_OPENROUTER_API_KEY", "")
	cfg, err := loadWith(&mapBackend{data: map[string]any{}}, mockKeychain{value: "kc-key"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OpenRouter.APIKey != "kc-key" {
		t.Errorf("APIKey = %q, want keychain value", cfg.OpenRouter.APIKey)
	}
}

func TestSecretEnvBeatsKeychain(t *testing.T) {
	t.Setenv("NLQ_OPENROUTER_API_KEY", "env-key")
	cfg, err := loadWith(&mapBackend{data: map[string]any{}}, mockKeychain{value: "kc-key"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OpenRouter.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env value", cfg.OpenRouter.APIKey)
	}
}

func TestMissingKeyIsNotFatal(t *testing.T) {
	t.Setenv("NLQ_OPENROUTER_API_KEY", "")
	cfg, err := loadWith(&mapBackend{data: map[string]any{}}, mockKeychain{err: errKeychain})
	if err != nil {
		t.Fatalf("missing OpenRouter key must not fail load: %v", err)
	}
	if cfg.OpenRouter.APIKey != "" {
		t.Errorf("APIKey = %q, want empty", cfg.OpenRouter.APIKey)
	}
}

func TestValidKeysExcludeSecrets(t *testing.T) {
	for _, k := range ValidKeys() {
		if k == "openrouter.api_key" || k == "server.api_token" {
			t.Errorf("secret key %s listed as settable", k)
		}
	}
}

var errKeychain = errTest("keychain unavailable")

type errTest string

func (e errTest) Error() string { return string(e) }
