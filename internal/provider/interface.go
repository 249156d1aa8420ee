// Package provider selects and constructs the chat model backend at runtime.
// Supported backends: any OpenAI-compatible endpoint (the default points at
// SiliconFlow), DashScope compatible mode, Azure OpenAI, Ollama, Volcengine
// Ark and Google Gemini.
package provider

import (
	"context"
	"fmt"
	"strings"
)

// Backend enumerates the supported LLM inference providers.
type Backend string

const (
	// BackendOpenAI selects an OpenAI-compatible chat completions endpoint.
	BackendOpenAI Backend = "openai"
	// BackendDashScope selects Alibaba DashScope in OpenAI-compatible mode.
	BackendDashScope Backend = "dashscope"
	// BackendAzure selects Azure OpenAI Service.
	BackendAzure Backend = "azure"
	// BackendOllama selects a locally running Ollama instance.
	BackendOllama Backend = "ollama"
	// BackendArk selects Volcengine Ark.
	BackendArk Backend = "ark"
	// BackendGemini selects Google Gemini via AI Studio.
	BackendGemini Backend = "gemini"
)

// Backends lists every supported backend in display order.
var Backends = []Backend{BackendOpenAI, BackendDashScope, BackendAzure, BackendOllama, BackendArk, BackendGemini}

// ProviderOpenAI configures an OpenAI-compatible endpoint.
type ProviderOpenAI struct {
	APIKey string
	// BaseURL is the API root; empty uses api.openai.com.
	BaseURL string
	Model   string
}

// ProviderDashScope configures DashScope compatible mode.
type ProviderDashScope struct {
	APIKey  string
	BaseURL string
	Model   string
}

// ProviderAzureOpenAI configures Azure OpenAI Service.
type ProviderAzureOpenAI struct {
	APIKey     string
	Endpoint   string
	Deployment string
	// APIVersion is the REST API version (e.g. "2024-02-01").
	APIVersion string
}

// ProviderOllama configures a local Ollama server.
type ProviderOllama struct {
	Host  string
	Model string
}

// ProviderArk configures Volcengine Ark.
type ProviderArk struct {
	APIKey  string
	BaseURL string
	Model   string
}

// ProviderGemini configures Google Gemini.
type ProviderGemini struct {
	APIKey string
	Model  string
}

// SharedTuning holds generation parameters common to every backend.
type SharedTuning struct {
	// MaxTokens caps the number of tokens generated per response.
	MaxTokens int
	// Temperature controls response randomness (0.0–1.0).
	Temperature float32
}

// Config holds all provider-level configuration. Only the section matching
// Backend is used.
type Config struct {
	Backend     Backend
	OpenAI      ProviderOpenAI
	DashScope   ProviderDashScope
	AzureOpenAI ProviderAzureOpenAI
	Ollama      ProviderOllama
	Ark         ProviderArk
	Gemini      ProviderGemini
	Tuning      SharedTuning
}

// Validate reports the first missing setting for the selected backend,
// naming the environment variable that supplies it.
func (c *Config) Validate() error {
	var missing []string
	need := func(v, env string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, env)
		}
	}
	switch c.Backend {
	case BackendOpenAI:
		need(c.OpenAI.APIKey, "OPENAI_API_KEY")
		need(c.OpenAI.Model, "OPENAI_MODEL")
	case BackendDashScope:
		need(c.DashScope.APIKey, "DASHSCOPE_API_KEY")
		need(c.DashScope.Model, "DASHSCOPE_CHAT_MODEL")
	case BackendAzure:
		need(c.AzureOpenAI.APIKey, "AZURE_OPENAI_API_KEY")
		need(c.AzureOpenAI.Endpoint, "AZURE_OPENAI_ENDPOINT")
		need(c.AzureOpenAI.Deployment, "AZURE_OPENAI_DEPLOYMENT")
	case BackendOllama:
		need(c.Ollama.Host, "OLLAMA_HOST")
		need(c.Ollama.Model, "OLLAMA_MODEL")
	case BackendArk:
		need(c.Ark.APIKey, "ARK_API_KEY")
		need(c.Ark.Model, "ARK_MODEL")
	case BackendGemini:
		need(c.Gemini.APIKey, "GOOGLE_API_KEY")
		need(c.Gemini.Model, "GEMINI_MODEL")
	default:
		return fmt.Errorf("provider: unknown backend %q (valid values: %s)", c.Backend, backendList())
	}
	if len(missing) > 0 {
		return fmt.Errorf("provider: %s backend requires %s", c.Backend, strings.Join(missing, ", "))
	}
	return nil
}

// ModelName returns the model or deployment the selected backend will use.
func (c *Config) ModelName() string {
	switch c.Backend {
	case BackendOpenAI:
		return c.OpenAI.Model
	case BackendDashScope:
		return c.DashScope.Model
	case BackendAzure:
		return c.AzureOpenAI.Deployment
	case BackendOllama:
		return c.Ollama.Model
	case BackendArk:
		return c.Ark.Model
	case BackendGemini:
		return c.Gemini.Model
	}
	return ""
}

// HealthCheckConfig is a zero-token reachability probe for a backend.
type HealthCheckConfig interface {
	HealthCheck(ctx context.Context) error
}

func backendList() string {
	names := make([]string, len(Backends))
	for i, b := range Backends {
		names[i] = string(b)
	}
	return strings.Join(names, ", ")
}
