// Package config loads service configuration from defaults, an optional YAML
// file, a .env file and environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// PathEnv names the environment variable holding the YAML config path.
const PathEnv = "CATALOG_CONFIG"

type ServerConfig struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	CORSOrigin  string `yaml:"cors_origin"`
	// RewarmInterval paces warm-up retries after a failed startup.
	RewarmInterval time.Duration `yaml:"rewarm_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

type QdrantConfig struct {
	Addr       string `yaml:"addr"`
	Collection string `yaml:"collection"`
}

type CatalogConfig struct {
	Driver     string `yaml:"driver"` // sqlite | neo4j
	SQLitePath string `yaml:"sqlite_path"`
	Neo4jURL   string `yaml:"neo4j_url"`
	Neo4jUser  string `yaml:"neo4j_user"`
	Neo4jPass  string `yaml:"neo4j_pass"`
}

type EmbedConfig struct {
	TextBackend  string `yaml:"text_backend"`  // ollama | openai
	TextModel    string `yaml:"text_model"`
	ImageBackend string `yaml:"image_backend"` // openai | none
	ImageModel   string `yaml:"image_model"`
	Dims         int    `yaml:"dims"`
	ImageSide    int    `yaml:"image_side"`
}

type LLMConfig struct {
	// Providers in preference order; each is "ollama" or "openai".
	Providers   []string `yaml:"providers"`
	OllamaModel string   `yaml:"ollama_model"`
	OpenAIModel string   `yaml:"openai_model"`
	Temperature float64  `yaml:"temperature"`
	RatePerSec  float64  `yaml:"rate_per_sec"`
	Burst       int      `yaml:"burst"`
}

type OllamaConfig struct {
	URL string `yaml:"url"`
}

type OpenAIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type CaptionConfig struct {
	CacheDir         string `yaml:"cache_dir"`
	MaxDownloadBytes int64  `yaml:"max_download_bytes"`
	// ImageRoot is the only directory local image paths may name. Empty
	// disables local paths; only URLs are fetched.
	ImageRoot string `yaml:"image_root"`
}

type ExpandConfig struct {
	MaxInputLen int    `yaml:"max_input_len"`
	Separator   string `yaml:"separator"`
}

type SearchConfig struct {
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	ProbeWidth       int           `yaml:"probe_width"`
	DefaultLimit     int           `yaml:"default_limit"`
	MaxLimit         int           `yaml:"max_limit"`
	MaxImageBytes    int64         `yaml:"max_image_bytes"`
	ImageScoreWeight float64       `yaml:"image_score_weight"`
	FallbackQuery    string        `yaml:"fallback_query"`
	TempDir          string        `yaml:"temp_dir"`
}

type IngestConfig struct {
	NATSURL string `yaml:"nats_url"`
	Workers int    `yaml:"workers"`
}

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Qdrant  QdrantConfig  `yaml:"qdrant"`
	Catalog CatalogConfig `yaml:"catalog"`
	Embed   EmbedConfig   `yaml:"embed"`
	LLM     LLMConfig     `yaml:"llm"`
	Ollama  OllamaConfig  `yaml:"ollama"`
	OpenAI  OpenAIConfig  `yaml:"openai"`
	Caption CaptionConfig `yaml:"caption"`
	Expand  ExpandConfig  `yaml:"expand"`
	Search  SearchConfig  `yaml:"search"`
	Ingest  IngestConfig  `yaml:"ingest"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server:  ServerConfig{Addr: ":8080", MetricsAddr: ":9090", CORSOrigin: "*", RewarmInterval: 30 * time.Second},
		Log:     LogConfig{Level: "info", Format: "json"},
		Qdrant:  QdrantConfig{Addr: "localhost:6334", Collection: "products"},
		Catalog: CatalogConfig{Driver: "sqlite", SQLitePath: "catalog.db", Neo4jURL: "neo4j://localhost:7687", Neo4jUser: "neo4j"},
		Embed: EmbedConfig{
			TextBackend: "ollama", TextModel: "all-minilm",
			ImageBackend: "openai", ImageModel: "clip-vit-b-32",
			Dims: 384, ImageSide: 384,
		},
		LLM: LLMConfig{
			Providers:   []string{"ollama", "openai"},
			OllamaModel: "llava", OpenAIModel: "gpt-4o-mini",
			Temperature: 0.2, RatePerSec: 5, Burst: 5,
		},
		Ollama:  OllamaConfig{URL: "http://localhost:11434"},
		OpenAI:  OpenAIConfig{BaseURL: "https://api.openai.com/v1"},
		Caption: CaptionConfig{CacheDir: "image_cache", MaxDownloadBytes: 10 << 20},
		Expand:  ExpandConfig{MaxInputLen: 100, Separator: "|"},
		Search: SearchConfig{
			RequestTimeout: 10 * time.Second, ProbeWidth: 64,
			DefaultLimit: 10, MaxLimit: 100,
			MaxImageBytes: 2 << 20, ImageScoreWeight: 0.9,
			FallbackQuery: "product",
		},
		Ingest: IngestConfig{NATSURL: "nats://localhost:4222", Workers: 4},
	}
}

// Load builds the configuration. path overrides $CATALOG_CONFIG; when both
// are empty only defaults and the environment apply. A .env file in the
// working directory is loaded if present and never overrides variables
// already set.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("config: .env: %w", err)
	}

	if path == "" {
		path = os.Getenv(PathEnv)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Embed.Dims <= 0 {
		errs = append(errs, fmt.Errorf("embed.dims must be positive"))
	}
	if c.Qdrant.Collection == "" {
		errs = append(errs, fmt.Errorf("qdrant.collection is required"))
	}
	switch c.Catalog.Driver {
	case "sqlite", "neo4j":
	default:
		errs = append(errs, fmt.Errorf("catalog.driver %q: want sqlite or neo4j", c.Catalog.Driver))
	}
	for _, p := range c.LLM.Providers {
		if p != "ollama" && p != "openai" {
			errs = append(errs, fmt.Errorf("llm.providers: unknown provider %q", p))
		}
	}
	if c.Search.MaxImageBytes <= 0 {
		errs = append(errs, fmt.Errorf("search.max_image_bytes must be positive"))
	}
	if c.Search.DefaultLimit <= 0 || c.Search.MaxLimit < c.Search.DefaultLimit {
		errs = append(errs, fmt.Errorf("search limits: default %d, max %d", c.Search.DefaultLimit, c.Search.MaxLimit))
	}
	if c.Expand.Separator == "" {
		errs = append(errs, fmt.Errorf("expand.separator is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func applyEnv(c *Config) error {
	var errs []error
	str := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	num64 := func(dst *int64, key string) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(dst *float64, key string) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	dur := func(dst *time.Duration, key string) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str(&c.Server.Addr, "ADDR")
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	str(&c.Server.MetricsAddr, "METRICS_ADDR")
	str(&c.Server.CORSOrigin, "CORS_ORIGIN")
	dur(&c.Server.RewarmInterval, "REWARM_INTERVAL")
	str(&c.Log.Level, "LOG_LEVEL")
	str(&c.Log.Format, "LOG_FORMAT")

	str(&c.Qdrant.Addr, "QDRANT_URL")
	str(&c.Qdrant.Collection, "QDRANT_COLLECTION")

	str(&c.Catalog.Driver, "CATALOG_DRIVER")
	str(&c.Catalog.SQLitePath, "CATALOG_SQLITE_PATH")
	str(&c.Catalog.Neo4jURL, "NEO4J_URL")
	str(&c.Catalog.Neo4jUser, "NEO4J_USER")
	str(&c.Catalog.Neo4jPass, "NEO4J_PASS")

	str(&c.Embed.TextBackend, "EMBED_TEXT_BACKEND")
	str(&c.Embed.TextModel, "EMBED_TEXT_MODEL")
	str(&c.Embed.ImageBackend, "EMBED_IMAGE_BACKEND")
	str(&c.Embed.ImageModel, "EMBED_IMAGE_MODEL")
	num(&c.Embed.Dims, "EMBED_DIMS")

	if v := os.Getenv("LLM_PROVIDERS"); v != "" {
		c.LLM.Providers = splitList(v)
	}
	str(&c.LLM.OllamaModel, "LLM_OLLAMA_MODEL")
	str(&c.LLM.OpenAIModel, "LLM_OPENAI_MODEL")
	float(&c.LLM.RatePerSec, "LLM_RATE_PER_SEC")

	str(&c.Ollama.URL, "OLLAMA_URL")
	str(&c.OpenAI.BaseURL, "OPENAI_BASE_URL")
	str(&c.OpenAI.APIKey, "OPENAI_API_KEY")

	str(&c.Caption.CacheDir, "CAPTION_CACHE_DIR")
	str(&c.Caption.ImageRoot, "CAPTION_IMAGE_ROOT")
	num(&c.Expand.MaxInputLen, "EXPAND_MAX_INPUT_LEN")

	dur(&c.Search.RequestTimeout, "SEARCH_TIMEOUT")
	num(&c.Search.ProbeWidth, "SEARCH_PROBE_WIDTH")
	num64(&c.Search.MaxImageBytes, "SEARCH_MAX_IMAGE_BYTES")
	float(&c.Search.ImageScoreWeight, "SEARCH_IMAGE_SCORE_WEIGHT")
	str(&c.Search.FallbackQuery, "SEARCH_FALLBACK_QUERY")
	str(&c.Search.TempDir, "SEARCH_TEMP_DIR")

	str(&c.Ingest.NATSURL, "NATS_URL")
	num(&c.Ingest.Workers, "INGEST_WORKERS")

	if len(errs) > 0 {
		return fmt.Errorf("config: env: %w", errors.Join(errs...))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
