// Package config provides layered configuration for kbchat.
// Precedence, highest first: environment variables, a .env file, a YAML
// file, then the built-in defaults each component applies. Values from files
// are exported as environment variables, so every component keeps reading
// its settings from the environment.
//
// YAML file search order:
//  1. --config CLI flag (explicit path)
//  2. KBCHAT_CONFIG environment variable
//  3. ~/.kbchat/config.yaml
//  4. ./kbchat.yaml
//
// The .env file is read from KBCHAT_ENV_FILE, else ./.env. Neither file is
// required.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration structure.
// Field names use yaml tags that mirror the env var naming (lowercase, underscored).
type Config struct {
	Model     ModelConfig     `yaml:"model"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Qdrant    QdrantConfig    `yaml:"qdrant"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Database  DatabaseConfig  `yaml:"database"`
	Storage   StorageConfig   `yaml:"storage"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Auth      AuthConfig      `yaml:"auth"`
	Redis     RedisConfig     `yaml:"redis"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ModelConfig holds LLM chat model settings.
type ModelConfig struct {
	// Provider selects the backend: openai, dashscope, azure, ollama, ark, gemini.
	Provider    string  `yaml:"provider"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`

	OpenAI    EndpointConfig `yaml:"openai"`
	DashScope EndpointConfig `yaml:"dashscope"`
	Azure     AzureConfig    `yaml:"azure"`
	Ollama    OllamaConfig   `yaml:"ollama"`
	Ark       EndpointConfig `yaml:"ark"`
	Gemini    GeminiConfig   `yaml:"gemini"`
}

// EndpointConfig holds settings for a keyed HTTP model endpoint.
type EndpointConfig struct {
	// APIKey is better supplied through the environment.
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// AzureConfig holds Azure OpenAI provider settings.
type AzureConfig struct {
	APIKey     string `yaml:"api_key"`
	Endpoint   string `yaml:"endpoint"`
	Deployment string `yaml:"deployment"`
	APIVersion string `yaml:"api_version"`
}

// OllamaConfig holds Ollama provider settings.
type OllamaConfig struct {
	Host  string `yaml:"host"`
	Model string `yaml:"model"`
}

// GeminiConfig holds Google Gemini provider settings.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	// Provider selects the embedding backend (dashscope, openai, azure, ollama).
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	APIKey     string `yaml:"api_key"`
	Endpoint   string `yaml:"endpoint"`
}

// QdrantConfig holds Qdrant vector store settings.
type QdrantConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
	TLS    bool   `yaml:"tls"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ChatTimeout bounds one streamed response, as a Go duration ("5m").
	ChatTimeout string `yaml:"chat_timeout"`
	// RateLimit is requests per second per client on chat routes.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
	// UploadRateLimit is the separate per-client budget for uploads.
	UploadRateLimit float64 `yaml:"upload_rate_limit"`
	UploadRateBurst int     `yaml:"upload_rate_burst"`
	// MaxUploadMB caps a single upload.
	MaxUploadMB int `yaml:"max_upload_mb"`
	// StreamAutosave stores streamed replies server-side.
	StreamAutosave *bool `yaml:"stream_autosave"`
	// AllowedOrigins restricts WebSocket upgrades.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is the log output format: json, text.
	Format string `yaml:"format"`
}

// DatabaseConfig holds relational store settings.
type DatabaseConfig struct {
	// Path is the SQLite database file. Defaults to ~/.kbchat/kbchat.db.
	Path string `yaml:"path"`
}

// StorageConfig holds uploaded file storage settings.
type StorageConfig struct {
	// UploadsDir is where uploaded bytes are written. Defaults to ./uploads.
	UploadsDir string `yaml:"uploads_dir"`
}

// IngestionConfig holds document ingestion settings.
type IngestionConfig struct {
	BatchSize    int    `yaml:"batch_size"`
	BatchDelay   string `yaml:"batch_delay"`
	ChunkSize    int    `yaml:"chunk_size"`
	ChunkOverlap int    `yaml:"chunk_overlap"`
	OCRLanguages string `yaml:"ocr_languages"`
}

// AuthConfig holds bearer token settings.
type AuthConfig struct {
	// JWTSecret signs and verifies HS256 tokens. Prefer env var JWT_SECRET.
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
	// TokenTTL is the lifetime of minted tokens, as a Go duration.
	TokenTTL string `yaml:"token_ttl"`
}

// RedisConfig holds the query embedding cache settings.
type RedisConfig struct {
	// URL is a redis:// URL. Empty keeps the cache process-local.
	URL string `yaml:"url"`
}

// TracingConfig holds Langfuse tracing settings.
type TracingConfig struct {
	PublicKey string `yaml:"public_key"`
	SecretKey string `yaml:"secret_key"`
	Host      string `yaml:"host"`
}

// envMapping maps YAML config fields to their corresponding env var names.
// Only non-empty YAML values are applied; env vars always take precedence.
var envMapping = []struct {
	envKey string
	value  func(*Config) string
}{
	{"MODEL_PROVIDER", func(c *Config) string { return c.Model.Provider }},
	{"MODEL_MAX_TOKENS", func(c *Config) string { return intStr(c.Model.MaxTokens) }},
	{"MODEL_TEMPERATURE", func(c *Config) string { return float32Str(c.Model.Temperature) }},
	{"OPENAI_API_KEY", func(c *Config) string { return c.Model.OpenAI.APIKey }},
	{"OPENAI_BASE_URL", func(c *Config) string { return c.Model.OpenAI.BaseURL }},
	{"OPENAI_MODEL", func(c *Config) string { return c.Model.OpenAI.Model }},
	{"DASHSCOPE_API_KEY", func(c *Config) string { return c.Model.DashScope.APIKey }},
	{"DASHSCOPE_BASE_URL", func(c *Config) string { return c.Model.DashScope.BaseURL }},
	{"DASHSCOPE_CHAT_MODEL", func(c *Config) string { return c.Model.DashScope.Model }},
	{"AZURE_OPENAI_API_KEY", func(c *Config) string { return c.Model.Azure.APIKey }},
	{"AZURE_OPENAI_ENDPOINT", func(c *Config) string { return c.Model.Azure.Endpoint }},
	{"AZURE_OPENAI_DEPLOYMENT", func(c *Config) string { return c.Model.Azure.Deployment }},
	{"AZURE_OPENAI_API_VERSION", func(c *Config) string { return c.Model.Azure.APIVersion }},
	{"OLLAMA_HOST", func(c *Config) string { return c.Model.Ollama.Host }},
	{"OLLAMA_MODEL", func(c *Config) string { return c.Model.Ollama.Model }},
	{"ARK_API_KEY", func(c *Config) string { return c.Model.Ark.APIKey }},
	{"ARK_BASE_URL", func(c *Config) string { return c.Model.Ark.BaseURL }},
	{"ARK_MODEL", func(c *Config) string { return c.Model.Ark.Model }},
	{"GOOGLE_API_KEY", func(c *Config) string { return c.Model.Gemini.APIKey }},
	{"GEMINI_MODEL", func(c *Config) string { return c.Model.Gemini.Model }},
	{"EMBEDDING_PROVIDER", func(c *Config) string { return c.Embedding.Provider }},
	{"EMBEDDING_MODEL", func(c *Config) string { return c.Embedding.Model }},
	{"EMBEDDING_DIMENSIONS", func(c *Config) string { return intStr(c.Embedding.Dimensions) }},
	{"EMBEDDING_API_KEY", func(c *Config) string { return c.Embedding.APIKey }},
	{"EMBEDDING_ENDPOINT", func(c *Config) string { return c.Embedding.Endpoint }},
	{"QDRANT_HOST", func(c *Config) string { return c.Qdrant.Host }},
	{"QDRANT_PORT", func(c *Config) string { return intStr(c.Qdrant.Port) }},
	{"QDRANT_API_KEY", func(c *Config) string { return c.Qdrant.APIKey }},
	{"QDRANT_TLS", func(c *Config) string { return boolStr(c.Qdrant.TLS) }},
	{"KBCHAT_HOST", func(c *Config) string { return c.Server.Host }},
	{"KBCHAT_PORT", func(c *Config) string { return intStr(c.Server.Port) }},
	{"KBCHAT_CHAT_TIMEOUT", func(c *Config) string { return c.Server.ChatTimeout }},
	{"KBCHAT_RATE_LIMIT", func(c *Config) string { return float64Str(c.Server.RateLimit) }},
	{"KBCHAT_RATE_BURST", func(c *Config) string { return intStr(c.Server.RateBurst) }},
	{"KBCHAT_UPLOAD_RATE_LIMIT", func(c *Config) string { return float64Str(c.Server.UploadRateLimit) }},
	{"KBCHAT_UPLOAD_RATE_BURST", func(c *Config) string { return intStr(c.Server.UploadRateBurst) }},
	{"KBCHAT_MAX_UPLOAD_MB", func(c *Config) string { return intStr(c.Server.MaxUploadMB) }},
	{"KBCHAT_STREAM_AUTOSAVE", func(c *Config) string { return optBoolStr(c.Server.StreamAutosave) }},
	{"KBCHAT_ALLOWED_ORIGINS", func(c *Config) string { return strings.Join(c.Server.AllowedOrigins, ",") }},
	{"LOG_LEVEL", func(c *Config) string { return c.Logging.Level }},
	{"LOG_FORMAT", func(c *Config) string { return c.Logging.Format }},
	{"KBCHAT_DB", func(c *Config) string { return c.Database.Path }},
	{"KBCHAT_UPLOADS_DIR", func(c *Config) string { return c.Storage.UploadsDir }},
	{"INGEST_BATCH_SIZE", func(c *Config) string { return intStr(c.Ingestion.BatchSize) }},
	{"INGEST_BATCH_DELAY", func(c *Config) string { return c.Ingestion.BatchDelay }},
	{"CHUNK_SIZE", func(c *Config) string { return intStr(c.Ingestion.ChunkSize) }},
	{"CHUNK_OVERLAP", func(c *Config) string { return intStr(c.Ingestion.ChunkOverlap) }},
	{"OCR_LANGUAGES", func(c *Config) string { return c.Ingestion.OCRLanguages }},
	{"JWT_SECRET", func(c *Config) string { return c.Auth.JWTSecret }},
	{"JWT_ISSUER", func(c *Config) string { return c.Auth.Issuer }},
	{"JWT_TTL", func(c *Config) string { return c.Auth.TokenTTL }},
	{"REDIS_URL", func(c *Config) string { return c.Redis.URL }},
	{"LANGFUSE_PUBLIC_KEY", func(c *Config) string { return c.Tracing.PublicKey }},
	{"LANGFUSE_SECRET_KEY", func(c *Config) string { return c.Tracing.SecretKey }},
	{"LANGFUSE_HOST", func(c *Config) string { return c.Tracing.Host }},
}

// Load applies the .env file and then the YAML config file to the process
// environment without overwriting variables that are already set. Returns
// the YAML path that was loaded, or empty string if no file was found.
func Load(explicitPath string, log *slog.Logger) (string, error) {
	if err := loadDotEnv(log); err != nil {
		return "", err
	}

	path := resolveConfigPath(explicitPath)
	if path == "" {
		log.Debug("config: no YAML config file found, using env vars only")
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applied := 0
	for _, m := range envMapping {
		yamlVal := m.value(&cfg)
		if yamlVal == "" {
			continue
		}
		if _, set := os.LookupEnv(m.envKey); set {
			continue
		}
		if err := os.Setenv(m.envKey, yamlVal); err != nil {
			return "", fmt.Errorf("config: set %s: %w", m.envKey, err)
		}
		applied++
	}

	log.Info("config: loaded YAML config",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
	)

	return path, nil
}

// loadDotEnv reads KBCHAT_ENV_FILE or ./.env. godotenv.Load never overrides
// variables that are already set.
func loadDotEnv(log *slog.Logger) error {
	path := os.Getenv("KBCHAT_ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	log.Debug("config: loaded env file", slog.String("path", path))
	return nil
}

// resolveConfigPath returns the first config file path that exists.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}

	if envPath := os.Getenv("KBCHAT_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		p := filepath.Join(home, ".kbchat", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if _, err := os.Stat("kbchat.yaml"); err == nil {
		return "kbchat.yaml"
	}

	return ""
}

// intStr converts an int to string, returning "" for zero values.
func intStr(v int) string {
	if v == 0 {
		return ""
	}
	return strconv.Itoa(v)
}

// float32Str converts a float32 to string, returning "" for zero values.
func float32Str(v float32) string {
	if v == 0 {
		return ""
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", v), "0"), ".")
}

func float64Str(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// boolStr converts a bool to string, returning "" for false.
func boolStr(v bool) string {
	if !v {
		return ""
	}
	return "true"
}

// optBoolStr renders an explicitly set bool, including false.
func optBoolStr(v *bool) string {
	if v == nil {
		return ""
	}
	return strconv.FormatBool(*v)
}
