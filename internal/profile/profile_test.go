package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	p := &Profile{}
	p.FromEnv()

	assert.Equal(t, "openrouter", p.LLMProvider)
	assert.Equal(t, "https://openrouter.ai/api/v1", p.LLMBaseURL)
	assert.Equal(t, "deepseek/deepseek-chat", p.LLMModel)
	assert.Equal(t, 120, p.LLMTimeout)
	assert.Equal(t, "https://api.exa.ai", p.SearchBaseURL)
	assert.Equal(t, "localhost:6379", p.RedisAddr)
	assert.Equal(t, 30, p.ContextWindowSize)
	assert.Equal(t, 24, p.ContextTTLHours)
	assert.Equal(t, 300, p.ApprovalTimeoutSeconds)
	assert.Equal(t, "python:3.11-slim", p.SandboxImage)
	assert.Equal(t, 60, p.SandboxTimeoutSec)
}

func TestFromEnvProviderDefaults(t *testing.T) {
	t.Setenv("AGENTD_LLM_PROVIDER", "deepseek")

	p := &Profile{}
	p.FromEnv()
	assert.Equal(t, "https://api.deepseek.com", p.LLMBaseURL)
	assert.Equal(t, "deepseek-chat", p.LLMModel)

	// Explicit values win over provider defaults.
	t.Setenv("AGENTD_LLM_BASE_URL", "http://proxy:8080/v1")
	t.Setenv("AGENTD_LLM_MODEL", "custom-model")
	p = &Profile{}
	p.FromEnv()
	assert.Equal(t, "http://proxy:8080/v1", p.LLMBaseURL)
	assert.Equal(t, "custom-model", p.LLMModel)
}

func TestFromEnvUnknownProviderFallsBack(t *testing.T) {
	t.Setenv("AGENTD_LLM_PROVIDER", "banana")

	p := &Profile{}
	p.FromEnv()
	assert.Equal(t, "openrouter", p.LLMProvider)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("AGENTD_LLM_API_KEY", "sk-test")
	t.Setenv("AGENTD_REDIS_ADDR", "redis:6380")
	t.Setenv("AGENTD_CONTEXT_WINDOW_SIZE", "50")
	t.Setenv("AGENTD_APPROVAL_TIMEOUT_SECONDS", "bogus")

	p := &Profile{}
	p.FromEnv()
	assert.Equal(t, "sk-test", p.LLMAPIKey)
	assert.True(t, p.IsLLMConfigured())
	assert.Equal(t, "redis:6380", p.RedisAddr)
	assert.Equal(t, 50, p.ContextWindowSize)
	// Unparseable ints keep the default.
	assert.Equal(t, 300, p.ApprovalTimeoutSeconds)
}

func TestValidateNormalizes(t *testing.T) {
	p := &Profile{Mode: "staging", ContextWindowSize: -1}
	require.NoError(t, p.Validate())
	assert.Equal(t, "dev", p.Mode)
	assert.Equal(t, 30, p.ContextWindowSize)
	assert.Equal(t, 300, p.ApprovalTimeoutSeconds)

	assert.True(t, p.IsDev())
	p.Mode = "prod"
	assert.False(t, p.IsDev())
}
