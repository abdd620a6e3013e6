package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Matcher.HighThreshold != 0.85 {
		t.Errorf("high threshold = %v, want 0.85", cfg.Matcher.HighThreshold)
	}
	if cfg.Matcher.TopK != 3 {
		t.Errorf("top_k = %d, want 3", cfg.Matcher.TopK)
	}
	if cfg.LLM.MaxRounds != 3 {
		t.Errorf("max_rounds = %d, want 3", cfg.LLM.MaxRounds)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
matcher:
  high_threshold: 0.9
  top_k: 5
ingest:
  procedure_field: audit_procedure
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Matcher.HighThreshold != 0.9 {
		t.Errorf("high threshold = %v, want 0.9", cfg.Matcher.HighThreshold)
	}
	if cfg.Matcher.TopK != 5 {
		t.Errorf("top_k = %d, want 5", cfg.Matcher.TopK)
	}
	if cfg.Ingest.ProcedureField != "audit_procedure" {
		t.Errorf("procedure_field = %q, want audit_procedure", cfg.Ingest.ProcedureField)
	}
	// Untouched fields keep defaults.
	if cfg.Matcher.MediumThreshold != 0.60 {
		t.Errorf("medium threshold = %v, want 0.60", cfg.Matcher.MediumThreshold)
	}
}

func TestLoad_EnvOverridesAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key-123")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LLM.APIKey != "test-key-123" {
		t.Errorf("LLM API key = %q, want test-key-123", cfg.LLM.APIKey)
	}
	if cfg.Embedding.GenAIAPIKey != "test-key-123" {
		t.Errorf("embedding API key should inherit GEMINI_API_KEY, got %q", cfg.Embedding.GenAIAPIKey)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.Provider = "mock"
	if err := cfg.Validate(); err != nil {
		t.Errorf("mock provider without key should validate, got: %v", err)
	}

	cfg.LLM.Provider = "gemini"
	cfg.LLM.APIKey = ""
	if err := cfg.Validate(); err == nil {
		t.Error("gemini provider without key should fail validation")
	}

	cfg = DefaultConfig()
	cfg.LLM.Provider = "mock"
	cfg.Matcher.MediumThreshold = 0.95
	if err := cfg.Validate(); err == nil {
		t.Error("medium >= high threshold should fail validation")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".auditkb", "config.yaml")

	cfg := DefaultConfig()
	cfg.Store.DatabasePath = "custom/path.db"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Store.DatabasePath != "custom/path.db" {
		t.Errorf("database path = %q, want custom/path.db", loaded.Store.DatabasePath)
	}
}
