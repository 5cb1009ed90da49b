package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadLayersYAMLThenEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	yml := `
qdrant:
  collection: shoes
search:
  request_timeout: 3s
  image_score_weight: 0.5
llm:
  providers: [openai]
caption:
  image_root: /srv/images
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("QDRANT_COLLECTION", "")
	t.Setenv("SEARCH_FALLBACK_QUERY", "item")
	t.Setenv("PORT", "9999")
	t.Setenv("REWARM_INTERVAL", "5s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Qdrant.Collection != "shoes" {
		t.Errorf("collection = %q", cfg.Qdrant.Collection)
	}
	if cfg.Search.RequestTimeout != 3*time.Second || cfg.Search.ImageScoreWeight != 0.5 {
		t.Errorf("search = %+v", cfg.Search)
	}
	if len(cfg.LLM.Providers) != 1 || cfg.LLM.Providers[0] != "openai" {
		t.Errorf("providers = %v", cfg.LLM.Providers)
	}
	if cfg.Search.FallbackQuery != "item" || cfg.Server.Addr != ":9999" {
		t.Errorf("env overrides not applied: %q %q", cfg.Search.FallbackQuery, cfg.Server.Addr)
	}
	if cfg.Caption.ImageRoot != "/srv/images" || cfg.Server.RewarmInterval != 5*time.Second {
		t.Errorf("image root %q, rewarm %v", cfg.Caption.ImageRoot, cfg.Server.RewarmInterval)
	}
	if cfg.Embed.Dims != 384 {
		t.Errorf("untouched default lost: dims=%d", cfg.Embed.Dims)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("EMBED_DIMS=512\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(PathEnv, "")
	t.Setenv("EMBED_DIMS", "") // restores the environment after godotenv sets it
	os.Unsetenv("EMBED_DIMS")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Embed.Dims != 512 {
		t.Fatalf("dims = %d, want 512 from .env", cfg.Embed.Dims)
	}
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SEARCH_TIMEOUT", "soon")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "SEARCH_TIMEOUT") {
		t.Fatalf("expected SEARCH_TIMEOUT error, got %v", err)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Chdir(t.TempDir())
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.Embed.Dims = 0
	cfg.Catalog.Driver = "postgres"
	cfg.LLM.Providers = []string{"bard"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"embed.dims", "postgres", "bard"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}
