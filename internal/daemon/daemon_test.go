package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marlow/overseer/internal/config"
	"github.com/marlow/overseer/pkg/agent"
	"github.com/marlow/overseer/pkg/approval"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Logging.Console = false
	cfg.Approval.RulesFile = ""
	return cfg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Orchestrator.DefaultStrategy = "random"

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestDaemonRegistersBuiltinTools(t *testing.T) {
	d, err := New(testConfig(t))
	require.NoError(t, err)

	names := d.Executor().List()
	assert.Contains(t, names, "shell")
	assert.Contains(t, names, "echo")
	assert.Contains(t, names, "read_file")
	assert.Contains(t, names, "write_file")
}

func TestDaemonSkipsBuiltinsWhenDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tools.Builtins = false

	d, err := New(cfg)
	require.NoError(t, err)
	assert.Empty(t, d.Executor().List())
}

func TestDaemonStartInitializesConfiguredAgents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agents = []config.AgentConfig{
		{
			ID:   "worker",
			Kind: "process",
			Settings: map[string]string{
				"command": "/bin/cat",
			},
		},
	}

	d, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	assert.Equal(t, []string{"worker"}, d.Registry().List())
	report := d.Registry().Get("worker").Status()
	assert.Equal(t, agent.StatusReady, report.Status)
	assert.True(t, report.Healthy)
}

func TestDaemonStartFailsOnBrokenAgent(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agents = []config.AgentConfig{
		{
			ID:   "worker",
			Kind: "process",
			Settings: map[string]string{
				"command": "/does/not/exist",
			},
		},
	}

	d, err := New(cfg)
	require.NoError(t, err)

	err = d.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize agent worker")
}

func TestDaemonLoadsApprovalRules(t *testing.T) {
	rules := filepath.Join(t.TempDir(), "approval-rules.json")
	require.NoError(t, os.WriteFile(rules, []byte(`{"whitelist": ["^git status$"]}`), 0644))

	cfg := testConfig(t)
	cfg.Approval.RulesFile = rules

	d, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	decision := d.Gate().Evaluate(context.Background(), approval.Request{
		ToolName: "shell",
		Command:  "git status",
	})
	assert.True(t, decision.Approved)
	assert.Contains(t, decision.Reason, "whitelisted by pattern")
}

func TestDaemonStopIsClean(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agents = []config.AgentConfig{
		{ID: "worker", Kind: "process", Settings: map[string]string{"command": "/bin/cat"}},
	}

	d, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Stop())

	assert.Empty(t, d.Registry().List())
}
