package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tutorbot/internal/crypto"
)

func testPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "config.json")
}

func TestLoadCreatesDefaults(t *testing.T) {
	path := testPath(t)

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Expected config file to be created: %v", err)
	}
	if got := cfg.GetString(KeyAIProvider, ""); got != ProviderOllama {
		t.Errorf("Expected default provider ollama, got %q", got)
	}
	if got := cfg.GetInt(KeyRateLimitPerMinute, 0); got != 10 {
		t.Errorf("Expected default rate limit 10, got %d", got)
	}
}

func TestMigrationBackfillsAndPreservesUnknownKeys(t *testing.T) {
	path := testPath(t)
	seed := `{"ai_provider": "openrouter", "custom_key": "keep me"}`
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatalf("Failed to seed config: %v", err)
	}

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Existing values survive, missing keys are backfilled, unknown keys
	// are never deleted.
	if got := cfg.GetString(KeyAIProvider, ""); got != "openrouter" {
		t.Errorf("Expected existing value preserved, got %q", got)
	}
	if got := cfg.GetInt(KeyChatHistorySize, 0); got != 5 {
		t.Errorf("Expected backfilled history size 5, got %d", got)
	}
	if got, ok := cfg.Get("custom_key").(string); !ok || got != "keep me" {
		t.Errorf("Expected unknown key preserved, got %v", cfg.Get("custom_key"))
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read migrated file: %v", err)
	}
	if !strings.Contains(string(raw), "custom_key") {
		t.Error("Unknown key missing from persisted document")
	}
}

// Loading twice with no intervening writes must leave the file byte-stable.
func TestRepeatedLoadIsByteStable(t *testing.T) {
	path := testPath(t)

	if _, err := Load(path, nil); err != nil {
		t.Fatalf("First load failed: %v", err)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config: %v", err)
	}

	if _, err := Load(path, nil); err != nil {
		t.Fatalf("Second load failed: %v", err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config: %v", err)
	}

	if string(first) != string(second) {
		t.Error("Repeated load changed the persisted bytes")
	}
}

func TestSetPersistsImmediately(t *testing.T) {
	path := testPath(t)
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if err := cfg.Set(KeyOllamaModel, "mistral:7b"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	reloaded, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if got := reloaded.GetString(KeyOllamaModel, ""); got != "mistral:7b" {
		t.Errorf("Expected persisted model, got %q", got)
	}
}

func TestTypedGetters(t *testing.T) {
	cfg, err := Load(testPath(t), nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// String values parse as numbers for resilience against hand edits.
	if err := cfg.Set(KeyRAGTopK, "12"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got := cfg.GetInt(KeyRAGTopK, 0); got != 12 {
		t.Errorf("Expected 12 from string value, got %d", got)
	}
	if got := cfg.GetFloat(KeyTemperature, 0); got != 0.7 {
		t.Errorf("Expected default temperature 0.7, got %v", got)
	}
	if got := cfg.GetInt("missing_key", 99); got != 99 {
		t.Errorf("Expected fallback 99, got %d", got)
	}
}

func TestAdminIDs(t *testing.T) {
	cfg, err := Load(testPath(t), nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if err := cfg.Set(KeyAdminID, "123, 456,abc, 789"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	ids := cfg.AdminIDs()
	want := []int64{123, 456, 789}
	if len(ids) != len(want) {
		t.Fatalf("Expected %d admin ids, got %d (%v)", len(want), len(ids), ids)
	}
	for i, id := range want {
		if ids[i] != id {
			t.Errorf("Expected admin %d at position %d, got %d", id, i, ids[i])
		}
	}
	if !cfg.IsAdmin(456) {
		t.Error("Expected 456 to be admin")
	}
	if cfg.IsAdmin(999) {
		t.Error("Expected 999 not to be admin")
	}
}

func TestMenuButtonsDecode(t *testing.T) {
	cfg, err := Load(testPath(t), nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	buttons := cfg.MenuButtons()
	if len(buttons) != 5 {
		t.Fatalf("Expected 5 default menu slots, got %d", len(buttons))
	}
	if buttons[0].ID != "schedules" || !buttons[0].Enabled {
		t.Errorf("Unexpected first slot: %+v", buttons[0])
	}
}

func TestSecretsEncryptedAtRest(t *testing.T) {
	masterKey, err := crypto.GenerateMasterKey()
	if err != nil {
		t.Fatalf("Failed to generate master key: %v", err)
	}
	enc, err := crypto.NewEncryptionService(masterKey)
	if err != nil {
		t.Fatalf("Failed to create encryption service: %v", err)
	}

	path := testPath(t)
	cfg, err := Load(path, enc)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	token := "123456:ABC-secret-token"
	if err := cfg.SetSecret(KeyTelegramToken, token); err != nil {
		t.Fatalf("SetSecret failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config: %v", err)
	}
	if strings.Contains(string(raw), token) {
		t.Error("Secret stored in the clear despite encryption service")
	}

	if got := cfg.Secret(KeyTelegramToken); got != token {
		t.Errorf("Expected decrypted secret round-trip, got %q", got)
	}
}

// A document written before encryption was enabled (or edited by hand) holds
// secrets in the clear; Load must seal them as soon as a master key exists.
func TestLoadSealsPlaintextSecrets(t *testing.T) {
	masterKey, err := crypto.GenerateMasterKey()
	if err != nil {
		t.Fatalf("Failed to generate master key: %v", err)
	}
	enc, err := crypto.NewEncryptionService(masterKey)
	if err != nil {
		t.Fatalf("Failed to create encryption service: %v", err)
	}

	path := testPath(t)
	token := "123456:ABC-pasted-by-hand"
	doc := `{"telegram_token": "` + token + `", "openrouter_key": "sk-or-plain"}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("Failed to seed config: %v", err)
	}

	cfg, err := Load(path, enc)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config: %v", err)
	}
	if strings.Contains(string(raw), token) || strings.Contains(string(raw), "sk-or-plain") {
		t.Error("Plaintext secret survived a load under a master key")
	}

	if got := cfg.Secret(KeyTelegramToken); got != token {
		t.Errorf("Expected sealed token to round-trip, got %q", got)
	}
	if got := cfg.Secret(KeyOpenRouterKey); got != "sk-or-plain" {
		t.Errorf("Expected sealed key to round-trip, got %q", got)
	}

	// A second load must not double-encrypt.
	cfg2, err := Load(path, enc)
	if err != nil {
		t.Fatalf("Second load failed: %v", err)
	}
	if got := cfg2.Secret(KeyTelegramToken); got != token {
		t.Errorf("Expected token unchanged after reload, got %q", got)
	}
}

func TestSecretPlainValuePassesThrough(t *testing.T) {
	cfg, err := Load(testPath(t), nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Set(KeyOpenRouterKey, "sk-plain"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got := cfg.Secret(KeyOpenRouterKey); got != "sk-plain" {
		t.Errorf("Expected plain secret pass-through, got %q", got)
	}
}

func TestReloadIgnoresCorruptDocument(t *testing.T) {
	path := testPath(t)
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("Failed to corrupt file: %v", err)
	}
	if err := cfg.reload(); err == nil {
		t.Fatal("Expected reload of corrupt document to fail")
	}
	// The in-memory document survives.
	if got := cfg.GetString(KeyAIProvider, ""); got != ProviderOllama {
		t.Errorf("Expected in-memory value intact, got %q", got)
	}
}

func TestDataReturnsCopy(t *testing.T) {
	cfg, err := Load(testPath(t), nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	data := cfg.Data()
	data[KeyAIProvider] = "mutated"
	if got := cfg.GetString(KeyAIProvider, ""); got != ProviderOllama {
		t.Errorf("Mutating the copy leaked into the store: %q", got)
	}

	if _, err := json.Marshal(data); err != nil {
		t.Errorf("Data snapshot not marshalable: %v", err)
	}
}
