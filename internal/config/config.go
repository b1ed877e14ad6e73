// Package config defines the daemon configuration and its loader. The file
// format is JSON with environment variable overrides.
package config

import (
	"encoding/json"

	"github.com/marlow/overseer/internal/logger"
)

// Config is the top-level daemon configuration
type Config struct {
	DataDir      string             `json:"data_dir" mapstructure:"data_dir"`
	Agents       []AgentConfig      `json:"agents" mapstructure:"agents"`
	Orchestrator OrchestratorConfig `json:"orchestrator" mapstructure:"orchestrator"`
	Approval     ApprovalConfig     `json:"approval" mapstructure:"approval"`
	Tools        ToolsConfig        `json:"tools" mapstructure:"tools"`
	Logging      logger.Config      `json:"logging" mapstructure:"logging"`
	Gateway      GatewayConfig      `json:"gateway" mapstructure:"gateway"`
}

// AgentConfig describes one agent in the pool
type AgentConfig struct {
	ID         string            `json:"id" mapstructure:"id"`
	Name       string            `json:"name" mapstructure:"name"`
	Kind       string            `json:"kind" mapstructure:"kind"` // process, provider
	WorkingDir string            `json:"working_dir" mapstructure:"working_dir"`
	Settings   map[string]string `json:"settings" mapstructure:"settings"`
}

// OrchestratorConfig holds plan execution defaults
type OrchestratorConfig struct {
	DefaultStrategy    string `json:"default_strategy" mapstructure:"default_strategy"`
	StepTimeoutSeconds int    `json:"step_timeout_seconds" mapstructure:"step_timeout_seconds"`
}

// ApprovalConfig holds the approval gate settings
type ApprovalConfig struct {
	Policy               string   `json:"policy" mapstructure:"policy"` // ask, always_approve, always_deny
	YOLO                 bool     `json:"yolo" mapstructure:"yolo"`
	DangerousOnly        bool     `json:"dangerous_only" mapstructure:"dangerous_only"`
	AutoApproveTools     []string `json:"auto_approve_tools" mapstructure:"auto_approve_tools"`
	Whitelist            []string `json:"whitelist" mapstructure:"whitelist"`
	Blacklist            []string `json:"blacklist" mapstructure:"blacklist"`
	PromptTimeoutSeconds int      `json:"prompt_timeout_seconds" mapstructure:"prompt_timeout_seconds"`
	RulesFile            string   `json:"rules_file" mapstructure:"rules_file"`
}

// ToolsConfig holds tool executor settings
type ToolsConfig struct {
	TimeoutSeconds int  `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	Builtins       bool `json:"builtins" mapstructure:"builtins"`
}

// GatewayConfig holds the websocket event gateway settings
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			DefaultStrategy:    "sequential",
			StepTimeoutSeconds: 300,
		},
		Approval: ApprovalConfig{
			Policy:               "ask",
			DangerousOnly:        true,
			PromptTimeoutSeconds: 60,
		},
		Tools: ToolsConfig{
			TimeoutSeconds: 30,
			Builtins:       true,
		},
		Logging: logger.DefaultConfig(),
		Gateway: GatewayConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8420,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
