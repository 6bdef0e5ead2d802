package profile

import (
	"log/slog"
	"os"
	"strconv"
)

// Profile is configuration to start the agent server.
type Profile struct {
	// Unified LLM configuration (OpenAI-compatible protocol)
	// All providers (openai, openrouter, deepseek, zai, ollama) use the same config.
	LLMProvider string // Provider identifier: openai, openrouter, deepseek, zai, ollama
	LLMAPIKey   string // Unified LLM API key
	LLMBaseURL  string // Unified LLM base URL (optional, has default per provider)
	LLMModel    string // Default model name when an agent identity does not pin one
	LLMTimeout  int    // LLM request timeout in seconds (default: 120)

	// Web search backend (Exa-compatible API)
	SearchAPIKey  string
	SearchBaseURL string

	// Chat domain database
	DSN    string
	Driver string

	// Cache store
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Context window
	ContextWindowSize int // messages kept per session, default 30
	ContextTTLHours   int // agent:context TTL, default 24

	// Approval gate
	ApprovalTimeoutSeconds int // default 300

	// Code sandbox
	SandboxImage      string // default python:3.11-slim
	SandboxMemoryMB   int    // default 512
	SandboxTimeoutSec int    // default 60
	DockerHost        string // empty = environment default

	Mode    string
	Addr    string
	Port    int
	Version string
}

// Provider default configurations for LLM.
// Used when LLM_BASE_URL is not explicitly set.
var llmProviderDefaults = map[string]struct {
	BaseURL string
	Model   string
}{
	"openai": {
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o",
	},
	"openrouter": {
		BaseURL: "https://openrouter.ai/api/v1",
		Model:   "deepseek/deepseek-chat",
	},
	"deepseek": {
		BaseURL: "https://api.deepseek.com",
		Model:   "deepseek-chat",
	},
	"zai": {
		BaseURL: "https://open.bigmodel.cn/api/paas/v4",
		Model:   "glm-4.7",
	},
	"ollama": {
		BaseURL: "http://localhost:11434/v1",
		Model:   "llama3.1",
	},
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsLLMConfigured returns true if an LLM API key is configured.
func (p *Profile) IsLLMConfigured() bool {
	return p.LLMAPIKey != ""
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.LLMProvider = getEnvOrDefault("AGENTD_LLM_PROVIDER", "openrouter")
	p.LLMAPIKey = getEnvOrDefault("AGENTD_LLM_API_KEY", "")
	p.LLMBaseURL = getEnvOrDefault("AGENTD_LLM_BASE_URL", "")
	p.LLMModel = getEnvOrDefault("AGENTD_LLM_MODEL", "")
	p.LLMTimeout = getEnvOrDefaultInt("AGENTD_LLM_TIMEOUT_SECONDS", 120)

	if p.LLMProvider != "" {
		if _, ok := llmProviderDefaults[p.LLMProvider]; !ok {
			slog.Warn("unknown LLM provider, using default: openrouter", "provider", p.LLMProvider)
			p.LLMProvider = "openrouter"
		}
	}
	if p.LLMBaseURL == "" || p.LLMModel == "" {
		if defaults, ok := llmProviderDefaults[p.LLMProvider]; ok {
			if p.LLMBaseURL == "" {
				p.LLMBaseURL = defaults.BaseURL
			}
			if p.LLMModel == "" {
				p.LLMModel = defaults.Model
			}
		}
	}

	p.SearchAPIKey = getEnvOrDefault("AGENTD_SEARCH_API_KEY", "")
	p.SearchBaseURL = getEnvOrDefault("AGENTD_SEARCH_BASE_URL", "https://api.exa.ai")

	p.RedisAddr = getEnvOrDefault("AGENTD_REDIS_ADDR", "localhost:6379")
	p.RedisPassword = getEnvOrDefault("AGENTD_REDIS_PASSWORD", "")
	p.RedisDB = getEnvOrDefaultInt("AGENTD_REDIS_DB", 0)

	p.ContextWindowSize = getEnvOrDefaultInt("AGENTD_CONTEXT_WINDOW_SIZE", 30)
	p.ContextTTLHours = getEnvOrDefaultInt("AGENTD_CONTEXT_TTL_HOURS", 24)
	p.ApprovalTimeoutSeconds = getEnvOrDefaultInt("AGENTD_APPROVAL_TIMEOUT_SECONDS", 300)

	p.SandboxImage = getEnvOrDefault("AGENTD_SANDBOX_IMAGE", "python:3.11-slim")
	p.SandboxMemoryMB = getEnvOrDefaultInt("AGENTD_SANDBOX_MEMORY_MB", 512)
	p.SandboxTimeoutSec = getEnvOrDefaultInt("AGENTD_SANDBOX_TIMEOUT_SECONDS", 60)
	p.DockerHost = getEnvOrDefault("AGENTD_DOCKER_HOST", "")
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "dev"
	}
	if p.ContextWindowSize <= 0 {
		p.ContextWindowSize = 30
	}
	if p.ApprovalTimeoutSeconds <= 0 {
		p.ApprovalTimeoutSeconds = 300
	}
	return nil
}
