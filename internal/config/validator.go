package config

import (
	"fmt"
	"regexp"
	"strings"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAgentKind checks the agent kind field
func (v *Validator) ValidateAgentKind(kind string) error {
	switch kind {
	case "process", "provider":
		return nil
	default:
		return fmt.Errorf("invalid agent kind: %s (must be process or provider)", kind)
	}
}

// ValidateStrategy checks an orchestration strategy name
func (v *Validator) ValidateStrategy(strategy string) error {
	switch strategy {
	case "", "sequential", "parallel", "adaptive":
		return nil
	default:
		return fmt.Errorf("invalid strategy: %s (must be sequential, parallel or adaptive)", strategy)
	}
}

// ValidatePolicy checks an approval policy name
func (v *Validator) ValidatePolicy(policy string) error {
	switch policy {
	case "", "ask", "always_approve", "always_deny":
		return nil
	default:
		return fmt.Errorf("invalid approval policy: %s (must be ask, always_approve or always_deny)", policy)
	}
}

// ValidateLogLevel checks a log level name
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidatePatterns compiles every pattern, reporting the first bad one
func (v *Validator) ValidatePatterns(patterns []string) error {
	for _, pattern := range patterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
	}
	return nil
}

// ValidateConfig performs comprehensive validation and returns every
// problem found.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	seen := make(map[string]bool)
	for i, a := range cfg.Agents {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("agent %d: id is required", i))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("agent %s: duplicate id", a.ID))
		}
		seen[a.ID] = true

		if err := v.ValidateAgentKind(a.Kind); err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", a.ID, err))
		}
		if a.Kind == "provider" && a.Settings["provider"] == "" {
			errs = append(errs, fmt.Errorf("agent %s: provider setting is required", a.ID))
		}
		if a.Kind == "process" && a.Settings["command"] == "" {
			errs = append(errs, fmt.Errorf("agent %s: command setting is required", a.ID))
		}
	}

	if err := v.ValidateStrategy(cfg.Orchestrator.DefaultStrategy); err != nil {
		errs = append(errs, err)
	}
	if cfg.Orchestrator.StepTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.step_timeout_seconds must be >= 0"))
	}

	if err := v.ValidatePolicy(cfg.Approval.Policy); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidatePatterns(cfg.Approval.Whitelist); err != nil {
		errs = append(errs, fmt.Errorf("approval.whitelist: %w", err))
	}
	if err := v.ValidatePatterns(cfg.Approval.Blacklist); err != nil {
		errs = append(errs, fmt.Errorf("approval.blacklist: %w", err))
	}
	if cfg.Approval.PromptTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("approval.prompt_timeout_seconds must be >= 0"))
	}

	if cfg.Tools.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("tools.timeout_seconds must be >= 0"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	if cfg.Gateway.Enabled {
		if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
			errs = append(errs, fmt.Errorf("gateway.port must be between 1 and 65535"))
		}
	}

	return errs
}
