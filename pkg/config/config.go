// Package config provides environment-driven configuration for the build orchestrator.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"orchestrator/pkg/logx"
)

// Provider identifies an LLM backend.
type Provider string

// Supported LLM providers.
const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGoogle    Provider = "google"
	ProviderOllama    Provider = "ollama"
)

// Model describes the operating parameters of one LLM model.
type Model struct {
	Name             string
	Provider         Provider
	MaxContextTokens int
	MaxOutputTokens  int
	CPM              float64 // cost per million tokens (USD), blended estimate
}

// Well-known model names. Operators may point at any model string their
// provider supports; these are just the defaults wired into ModelDefaults.
const (
	ModelClaudeSonnet = "claude-sonnet-4-20250514"
	ModelGPT5         = "gpt-5"
	ModelGeminiPro    = "gemini-2.5-pro"
	ModelOllamaLlama  = "llama3.1"
)

// ModelDefaults maps known model names to their operating parameters.
//
//nolint:gochecknoglobals // intentional default table, mirrors upstream pattern
var ModelDefaults = map[string]Model{
	ModelClaudeSonnet: {
		Name:             ModelClaudeSonnet,
		Provider:         ProviderAnthropic,
		MaxContextTokens: 200_000,
		MaxOutputTokens:  8_192,
		CPM:              3.0,
	},
	ModelGPT5: {
		Name:             ModelGPT5,
		Provider:         ProviderOpenAI,
		MaxContextTokens: 200_000,
		MaxOutputTokens:  8_192,
		CPM:              5.0,
	},
	ModelGeminiPro: {
		Name:             ModelGeminiPro,
		Provider:         ProviderGoogle,
		MaxContextTokens: 1_000_000,
		MaxOutputTokens:  8_192,
		CPM:              1.25,
	},
	ModelOllamaLlama: {
		Name:             ModelOllamaLlama,
		Provider:         ProviderOllama,
		MaxContextTokens: 128_000,
		MaxOutputTokens:  4_096,
		CPM:              0,
	},
}

// LookupModel returns the configured parameters for name, falling back to
// a conservative default if the model is unknown (e.g. a custom deployment).
func LookupModel(name string) Model {
	if m, ok := ModelDefaults[name]; ok {
		return m
	}
	return Model{Name: name, Provider: ProviderAnthropic, MaxContextTokens: 128_000, MaxOutputTokens: 4_096}
}

// Environment variable names consumed by the orchestrator (spec §6).
const (
	EnvSandboxAPIKey   = "SANDBOX_API_KEY"
	EnvAnthropicOAuth  = "CLAUDE_CODE_OAUTH_TOKEN" // preferred over the static key when both are set
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"
	EnvObjectStoreKey  = "OBJECT_STORE_ACCESS_KEY"
	EnvObjectStoreSec  = "OBJECT_STORE_SECRET_KEY"
	EnvObjectStoreAddr = "OBJECT_STORE_ENDPOINT"
	EnvObjectStoreBkt  = "OBJECT_STORE_BUCKET"
	EnvDisableDesignRX = "ORCHESTRATOR_DISABLE_DESIGN_RESEARCH"
	EnvWebUIPassword   = "ORCHESTRATOR_WEBUI_PASSWORD"
	EnvDBPath          = "ORCHESTRATOR_DB_PATH"
	EnvHTTPAddr        = "ORCHESTRATOR_HTTP_ADDR"
	EnvSandboxMode     = "ORCHESTRATOR_SANDBOX_MODE" // "local" or "docker"
	EnvSandboxImage    = "ORCHESTRATOR_SANDBOX_IMAGE"
	EnvLLMProvider     = "ORCHESTRATOR_LLM_PROVIDER"
	EnvLLMModel        = "ORCHESTRATOR_LLM_MODEL"
)

// LLMCredential resolves the auth token to use for the Anthropic provider,
// preferring an OAuth token over a static API key per spec §6. Both names
// are resolved through GetSecret, so a credential stored in the encrypted
// secrets file (see secrets.go) takes precedence over the plain env var.
func LLMCredential() (token string, isOAuth bool, err error) {
	if v, secErr := GetSecret(EnvAnthropicOAuth); secErr == nil && v != "" {
		return v, true, nil
	}
	if v, secErr := GetSecret(EnvAnthropicAPIKey); secErr == nil && v != "" {
		return v, false, nil
	}
	return "", false, fmt.Errorf("neither %s nor %s is set", EnvAnthropicOAuth, EnvAnthropicAPIKey)
}

// ObjectStoreCredentials resolves the access key and secret for the S3
// backend, preferring the encrypted secrets file over the environment
// (same precedence as LLMCredential). Both may be empty, in which case the
// S3 adapter falls back to the AWS SDK's default credential chain.
func ObjectStoreCredentials() (accessKey, secretKey string) {
	accessKey, _ = GetSecret(EnvObjectStoreKey)
	secretKey, _ = GetSecret(EnvObjectStoreSec)
	return accessKey, secretKey
}

// DesignResearchDisabled reports whether the optional design-research LLM
// call (spec §4.5 step 4) has been disabled by the operator.
func DesignResearchDisabled() bool {
	v := strings.ToLower(os.Getenv(EnvDisableDesignRX))
	return v == "1" || v == "true" || v == "yes"
}

// Config is the orchestrator's process-wide configuration, assembled from
// environment variables only.
//
//nolint:govet // logical grouping preferred over byte-packing
type Config struct {
	DBPath            string
	HTTPAddr          string
	SandboxMode       string // "local" | "docker"
	SandboxImage      string
	LLMProvider       Provider
	LLMModel          string
	ObjectStoreBucket string
	ObjectStoreAddr   string
	MaxParallelAgents int
	ReviewGatesByDefault bool
	WebUI             *WebUIConfig // nil unless set by the caller; Load never sets it
}

// WebUIConfig holds optional TLS certificate and key file paths for the
// HTTP surface, read by GetSSLCertAndKey.
type WebUIConfig struct {
	Cert string
	Key  string
}

// Load builds a Config from environment variables, applying the same
// sensible defaults the orchestrator ships with out of the box.
func Load() *Config {
	cfg := &Config{
		DBPath:            getenvDefault(EnvDBPath, "orchestrator.db"),
		HTTPAddr:          getenvDefault(EnvHTTPAddr, ":8080"),
		SandboxMode:       getenvDefault(EnvSandboxMode, "local"),
		SandboxImage:      getenvDefault(EnvSandboxImage, "orchestrator/sandbox:latest"),
		LLMProvider:       Provider(getenvDefault(EnvLLMProvider, string(ProviderAnthropic))),
		LLMModel:          getenvDefault(EnvLLMModel, ModelClaudeSonnet),
		ObjectStoreBucket: os.Getenv(EnvObjectStoreBkt),
		ObjectStoreAddr:   os.Getenv(EnvObjectStoreAddr),
		MaxParallelAgents: 3,
	}
	if v := os.Getenv("ORCHESTRATOR_MAX_PARALLEL_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxParallelAgents = n
		}
	}
	return cfg
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Web UI password: generated once per process if the operator hasn't set one,
// so the HTTP surface is never served with a blank credential.
var (
	webUIPassword    string
	webUIPasswordMu  sync.RWMutex
	webUIPasswordGen sync.Once
)

// GetWebUIPassword returns the Basic-Auth password for the HTTP surface.
// Precedence matches LLMCredential's: the project password set by loading
// the encrypted secrets file (SetProjectPassword, via -set-secrets) wins
// over the plain env var, which in turn wins over a random password
// generated and cached on first use so the surface is never served with a
// blank credential.
func GetWebUIPassword() string {
	if pwd := GetProjectPassword(); pwd != "" {
		return pwd
	}
	if v := os.Getenv(EnvWebUIPassword); v != "" {
		return v
	}
	webUIPasswordGen.Do(func() {
		webUIPasswordMu.Lock()
		defer webUIPasswordMu.Unlock()
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err == nil {
			webUIPassword = hex.EncodeToString(buf)
		}
	})
	webUIPasswordMu.RLock()
	defer webUIPasswordMu.RUnlock()
	return webUIPassword
}

//nolint:gochecknoglobals // shared logger for package-level helpers
var pkgLogger = logx.NewLogger("config")

// LogInfo is a package-level logging helper used by secrets.go so that
// secret-handling code doesn't need to construct its own logger.
func LogInfo(format string, args ...any) {
	pkgLogger.Info(format, args...)
}
