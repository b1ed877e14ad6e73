package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAgentKind(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateAgentKind("process"))
	assert.NoError(t, v.ValidateAgentKind("provider"))
	assert.Error(t, v.ValidateAgentKind("container"))
	assert.Error(t, v.ValidateAgentKind(""))
}

func TestValidateStrategy(t *testing.T) {
	v := NewValidator()

	for _, s := range []string{"", "sequential", "parallel", "adaptive"} {
		assert.NoError(t, v.ValidateStrategy(s))
	}
	assert.Error(t, v.ValidateStrategy("random"))
}

func TestValidatePolicy(t *testing.T) {
	v := NewValidator()

	for _, p := range []string{"", "ask", "always_approve", "always_deny"} {
		assert.NoError(t, v.ValidatePolicy(p))
	}
	assert.Error(t, v.ValidatePolicy("maybe"))
}

func TestValidatePatterns(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidatePatterns([]string{"^git ", "ls -la"}))

	err := v.ValidatePatterns([]string{"^git ", "[unclosed"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[unclosed")
}

func TestValidateConfigAcceptsDefaults(t *testing.T) {
	v := NewValidator()
	assert.Empty(t, v.ValidateConfig(DefaultConfig()))
}

func TestValidateConfigReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agents = []AgentConfig{
		{ID: "a1", Kind: "quantum"},
		{ID: "a1", Kind: "process"},
		{Kind: "process"},
		{ID: "llm", Kind: "provider", Settings: map[string]string{}},
	}
	cfg.Orchestrator.DefaultStrategy = "random"
	cfg.Approval.Policy = "maybe"
	cfg.Approval.Whitelist = []string{"[bad"}
	cfg.Logging.Level = "loud"
	cfg.Gateway.Enabled = true
	cfg.Gateway.Port = 0

	errs := NewValidator().ValidateConfig(cfg)
	require.NotEmpty(t, errs)

	joined := ""
	for _, err := range errs {
		joined += err.Error() + "\n"
	}

	assert.Contains(t, joined, "invalid agent kind: quantum")
	assert.Contains(t, joined, "duplicate id")
	assert.Contains(t, joined, "id is required")
	assert.Contains(t, joined, "provider setting is required")
	// The duplicate a1 also misses its command setting
	assert.Contains(t, joined, "command setting is required")
	assert.Contains(t, joined, "invalid strategy: random")
	assert.Contains(t, joined, "invalid approval policy: maybe")
	assert.Contains(t, joined, "approval.whitelist")
	assert.Contains(t, joined, "invalid log level: loud")
	assert.Contains(t, joined, "gateway.port")
}
