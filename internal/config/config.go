package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"tutorbot/internal/crypto"
	"tutorbot/internal/models"
)

// Well-known configuration document keys.
const (
	KeyAIProvider         = "ai_provider"
	KeyTelegramToken      = "telegram_token"
	KeyAdminID            = "admin_id"
	KeyOllamaModel        = "ollama_model"
	KeyOpenRouterKey      = "openrouter_key"
	KeyOpenRouterModel    = "openrouter_model"
	KeySystemPrompt       = "system_prompt"
	KeyTemperature        = "temperature"
	KeyMaxTokens          = "max_tokens"
	KeyOllamaURL          = "ollama_url"
	KeyOllamaEmbedding    = "ollama_embedding_model"
	KeyOpenRouterEmbed    = "openrouter_embedding_model"
	KeyEmbeddingProvider  = "embedding_provider"
	KeyRAGTopK            = "rag_k"
	KeyChatHistorySize    = "chat_history_size"
	KeyRateLimitPerMinute = "rate_limit_per_minute"
	KeyStoreDir           = "store_dir"
	KeyFilesDir           = "files_dir"
	KeyWelcomeMessage     = "welcome_message"
	KeyMenuButtons        = "menu_buttons"
	KeyLogVerbosity       = "log_verbosity"
)

// Provider names accepted by ai_provider and embedding_provider.
const (
	ProviderOllama     = "ollama"
	ProviderOpenRouter = "openrouter"
)

// encPrefix marks a value stored encrypted in the document.
const encPrefix = "enc:"

// secretKeys lists the document keys holding credentials. They are sealed at
// rest whenever a master key is available.
var secretKeys = []string{KeyTelegramToken, KeyOpenRouterKey}

// defaults returns the full default document. The loader backfills any key
// missing from disk with its default and never removes keys it does not know,
// so the schema only ever grows.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		KeyAIProvider:         ProviderOllama,
		KeyTelegramToken:      "",
		KeyAdminID:            "",
		KeyOllamaModel:        "llama3:latest",
		KeyOpenRouterKey:      "",
		KeyOpenRouterModel:    "openai/gpt-3.5-turbo",
		KeySystemPrompt: "You are a virtual assistant for student support. " +
			"Provide guidance about schedules, courses and study material. " +
			"Always be courteous and helpful. Answer ONLY from the provided context. " +
			"If the information is not available, say you do not know.",
		KeyTemperature:        0.7,
		KeyMaxTokens:          2048,
		KeyOllamaURL:          "http://127.0.0.1:11434",
		KeyOllamaEmbedding:    "nomic-embed-text",
		KeyOpenRouterEmbed:    "qwen/qwen3-embedding-8b",
		KeyEmbeddingProvider:  ProviderOllama,
		KeyRAGTopK:            8,
		KeyChatHistorySize:    5,
		KeyRateLimitPerMinute: 10,
		KeyStoreDir:           "kb_store",
		KeyFilesDir:           "files",
		KeyWelcomeMessage:     "Hello, {name}! I am the course assistant. Ask me anything about the material.",
		KeyLogVerbosity:       "medium",
		KeyMenuButtons: []interface{}{
			map[string]interface{}{"id": "schedules", "enabled": true, "text": "📅 Schedules", "action": models.MenuActionFileUpload, "parameter": "schedule"},
			map[string]interface{}{"id": "syllabus", "enabled": true, "text": "📆 Syllabus", "action": models.MenuActionFileUpload, "parameter": "syllabus"},
			map[string]interface{}{"id": "materials", "enabled": true, "text": "📚 Materials", "action": models.MenuActionTextFile, "parameter": "materials.txt"},
			map[string]interface{}{"id": "faq", "enabled": true, "text": "❓ FAQ", "action": models.MenuActionTextFile, "parameter": "faq.txt"},
			map[string]interface{}{"id": "contact", "enabled": false, "text": "👤 Contact", "action": models.MenuActionFixedText, "parameter": ""},
		},
	}
}

// Store is the single-writer, many-reader cache over the on-disk JSON
// configuration document. All components read configuration through a Store
// handle; there is no ambient global.
type Store struct {
	path string
	enc  *crypto.EncryptionService

	mu   sync.RWMutex
	data map[string]interface{}
}

// Load reads the configuration document at path, creating it from defaults if
// missing, and backfills any keys added since the file was written. enc may be
// nil, in which case secrets are stored in the clear.
func Load(path string, enc *crypto.EncryptionService) (*Store, error) {
	s := &Store{path: path, enc: enc}

	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		s.data = defaults()
		if err := s.save(); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	// Additive migration: backfill missing keys, keep everything else.
	changed := false
	for key, value := range defaults() {
		if _, ok := s.data[key]; !ok {
			s.data[key] = value
			changed = true
		}
	}

	// Secrets pasted into the document in the clear are sealed on the next
	// load once a master key exists.
	if s.enc != nil {
		for _, key := range secretKeys {
			plain, ok := s.data[key].(string)
			if !ok || plain == "" || strings.HasPrefix(plain, encPrefix) {
				continue
			}
			sealed, err := s.enc.EncryptString(key, plain)
			if err != nil {
				return nil, fmt.Errorf("failed to encrypt %s: %w", key, err)
			}
			s.data[key] = encPrefix + sealed
			changed = true
		}
	}

	if changed {
		if err := s.save(); err != nil {
			return nil, fmt.Errorf("failed to migrate config: %w", err)
		}
	}

	return s, nil
}

// Path returns the on-disk location of the document.
func (s *Store) Path() string {
	return s.path
}

// save rewrites the document atomically. Callers must hold s.mu for writing
// or be the only reference holder.
func (s *Store) save() error {
	raw, err := json.MarshalIndent(s.data, "", "    ")
	if err != nil {
		return err
	}
	raw = append(raw, '\n')

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Get returns the raw value for key, or nil.
func (s *Store) Get(key string) interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[key]
}

// GetString returns the string value for key, or defaultValue.
func (s *Store) GetString(key, defaultValue string) string {
	if v, ok := s.Get(key).(string); ok && v != "" {
		return v
	}
	return defaultValue
}

// GetInt returns the integer value for key, or defaultValue. JSON numbers
// arrive as float64; string values are parsed for resilience against hand
// edits.
func (s *Store) GetInt(key string, defaultValue int) int {
	switch v := s.Get(key).(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetFloat returns the float value for key, or defaultValue.
func (s *Store) GetFloat(key string, defaultValue float64) float64 {
	switch v := s.Get(key).(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Set stores one value and persists the document.
func (s *Store) Set(key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return s.save()
}

// UpdateBatch stores several values and persists the document once.
func (s *Store) UpdateBatch(updates map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range updates {
		s.data[key] = value
	}
	return s.save()
}

// Data returns a shallow copy of the whole document.
func (s *Store) Data() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// Secret returns the plaintext for a secret key. Values written by SetSecret
// under an encryption service carry an enc: prefix and are decrypted here;
// plain values pass through so operators can still paste keys by hand.
func (s *Store) Secret(key string) string {
	value := s.GetString(key, "")
	if !strings.HasPrefix(value, encPrefix) {
		return value
	}
	if s.enc == nil {
		slog.Warn("config secret is encrypted but no master key is configured", "key", key)
		return ""
	}
	plain, err := s.enc.DecryptString(key, strings.TrimPrefix(value, encPrefix))
	if err != nil {
		slog.Error("failed to decrypt config secret", "key", key, "error", err)
		return ""
	}
	return plain
}

// SetSecret stores a secret, encrypting it when a master key is available.
func (s *Store) SetSecret(key, plaintext string) error {
	if s.enc == nil || plaintext == "" {
		return s.Set(key, plaintext)
	}
	encrypted, err := s.enc.EncryptString(key, plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt %s: %w", key, err)
	}
	return s.Set(key, encPrefix+encrypted)
}

// AdminIDs parses the comma-separated admin allow-list.
func (s *Store) AdminIDs() []int64 {
	raw := s.GetString(KeyAdminID, "")
	if raw == "" {
		return nil
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// IsAdmin reports whether userID is on the admin allow-list.
func (s *Store) IsAdmin(userID int64) bool {
	for _, id := range s.AdminIDs() {
		if id == userID {
			return true
		}
	}
	return false
}

// MenuButtons decodes the configured menu slots in document order.
func (s *Store) MenuButtons() []models.MenuButton {
	raw := s.Get(KeyMenuButtons)
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var buttons []models.MenuButton
	if err := json.Unmarshal(encoded, &buttons); err != nil {
		return nil
	}
	return buttons
}

// Watch reloads the document when it is edited on disk, so operators can
// change things like the rate ceiling without restarting the bot. Returns a
// stop function.
func (s *Store) Watch() (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}

	// Watch the directory: editors and our own atomic rename replace the
	// file, which would otherwise invalidate a file-level watch.
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.reload(); err != nil {
					slog.Warn("config reload failed", "error", err)
				} else {
					slog.Debug("config reloaded from disk")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}

// reload replaces the in-memory document with the on-disk one. A document
// that no longer parses is ignored so a half-written edit cannot wipe the
// running configuration.
func (s *Store) reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	return nil
}
