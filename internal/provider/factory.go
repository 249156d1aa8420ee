package provider

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/cloudwego/eino/components/model"
)

// Default endpoints.
const (
	defaultOpenAIBaseURL    = "https://api.siliconflow.cn/v1"
	defaultOpenAIModel      = "deepseek-ai/DeepSeek-R1"
	defaultDashScopeBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	defaultDashScopeModel   = "qwen-plus"
	defaultOllamaHost       = "http://localhost:11434"
	defaultOllamaModel      = "qwen2.5"
	defaultArkBaseURL       = "https://ark.cn-beijing.volces.com/api/v3"
	defaultGeminiModel      = "gemini-1.5-pro"
	defaultAzureAPIVersion  = "2024-02-01"
)

// ConfigFromEnv resolves provider configuration from environment variables.
// MODEL_PROVIDER selects the backend; each backend uses its own native
// credential variables.
//
// Environment variables:
//
//	MODEL_PROVIDER = openai | dashscope | azure | ollama | ark | gemini (default: openai)
//
//	OpenAI:    OPENAI_API_KEY, OPENAI_BASE_URL (default: SiliconFlow), OPENAI_MODEL
//	DashScope: DASHSCOPE_API_KEY, DASHSCOPE_BASE_URL, DASHSCOPE_CHAT_MODEL (default: qwen-plus)
//	Azure:     AZURE_OPENAI_API_KEY, AZURE_OPENAI_ENDPOINT, AZURE_OPENAI_DEPLOYMENT,
//	           AZURE_OPENAI_API_VERSION (default: 2024-02-01)
//	Ollama:    OLLAMA_HOST (default: http://localhost:11434), OLLAMA_MODEL
//	Ark:       ARK_API_KEY, ARK_BASE_URL, ARK_MODEL
//	Gemini:    GOOGLE_API_KEY, GEMINI_MODEL (default: gemini-1.5-pro)
//
//	Shared:    MODEL_MAX_TOKENS (default: 4096), MODEL_TEMPERATURE (default: 0.7)
func ConfigFromEnv() *Config {
	return &Config{
		Backend: Backend(getEnvOrDefault("MODEL_PROVIDER", string(BackendOpenAI))),
		OpenAI: ProviderOpenAI{
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			BaseURL: getEnvOrDefault("OPENAI_BASE_URL", defaultOpenAIBaseURL),
			Model:   getEnvOrDefault("OPENAI_MODEL", defaultOpenAIModel),
		},
		DashScope: ProviderDashScope{
			APIKey:  os.Getenv("DASHSCOPE_API_KEY"),
			BaseURL: getEnvOrDefault("DASHSCOPE_BASE_URL", defaultDashScopeBaseURL),
			Model:   getEnvOrDefault("DASHSCOPE_CHAT_MODEL", defaultDashScopeModel),
		},
		AzureOpenAI: ProviderAzureOpenAI{
			APIKey:     os.Getenv("AZURE_OPENAI_API_KEY"),
			Endpoint:   os.Getenv("AZURE_OPENAI_ENDPOINT"),
			Deployment: os.Getenv("AZURE_OPENAI_DEPLOYMENT"),
			APIVersion: getEnvOrDefault("AZURE_OPENAI_API_VERSION", defaultAzureAPIVersion),
		},
		Ollama: ProviderOllama{
			Host:  getEnvOrDefault("OLLAMA_HOST", defaultOllamaHost),
			Model: getEnvOrDefault("OLLAMA_MODEL", defaultOllamaModel),
		},
		Ark: ProviderArk{
			APIKey:  os.Getenv("ARK_API_KEY"),
			BaseURL: getEnvOrDefault("ARK_BASE_URL", defaultArkBaseURL),
			Model:   os.Getenv("ARK_MODEL"),
		},
		Gemini: ProviderGemini{
			APIKey: os.Getenv("GOOGLE_API_KEY"),
			Model:  getEnvOrDefault("GEMINI_MODEL", defaultGeminiModel),
		},
		Tuning: SharedTuning{
			MaxTokens:   getEnvInt("MODEL_MAX_TOKENS", 4096),
			Temperature: getEnvFloat32("MODEL_TEMPERATURE", 0.7),
		},
	}
}

// NewFromEnv constructs a chat model from ConfigFromEnv.
func NewFromEnv(ctx context.Context) (model.BaseChatModel, *Config, error) {
	cfg := ConfigFromEnv()
	m, err := New(ctx, cfg)
	return m, cfg, err
}

// New constructs a chat model from an explicit Config, delegating to the
// appropriate backend. It validates the config first so callers get a clear
// error at startup rather than on the first request.
func New(ctx context.Context, cfg *Config) (model.BaseChatModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var (
		m   model.BaseChatModel
		err error
	)
	switch cfg.Backend {
	case BackendOpenAI:
		m, err = newOpenAICompatible(ctx, cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.Tuning)
	case BackendDashScope:
		m, err = newOpenAICompatible(ctx, cfg.DashScope.BaseURL, cfg.DashScope.APIKey, cfg.DashScope.Model, cfg.Tuning)
	case BackendAzure:
		m, err = newAzure(ctx, cfg)
	case BackendOllama:
		m, err = newOllama(ctx, cfg)
	case BackendArk:
		m, err = newArk(ctx, cfg)
	case BackendGemini:
		m, err = newGemini(ctx, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("provider: %s: %w", cfg.Backend, err)
	}
	return m, nil
}

// HealthCheck returns the zero-token probe for the configured backend, or
// nil when the backend exposes none.
func (c *Config) HealthCheck() HealthCheckConfig {
	switch c.Backend {
	case BackendOpenAI:
		return newModelsCheck(c.OpenAI.BaseURL, c.OpenAI.APIKey)
	case BackendDashScope:
		return newModelsCheck(c.DashScope.BaseURL, c.DashScope.APIKey)
	case BackendOllama:
		return newOllamaCheck(c.Ollama.Host)
	}
	return nil
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvFloat32 returns the float32 value of the named environment variable,
// or fallback if the variable is unset, empty, or not parseable.
func getEnvFloat32(key string, fallback float32) float32 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return fallback
}
