// Package daemon assembles and runs the long-lived overseer process: the
// event dispatcher, tool executor, approval gate, agent pool, orchestrator
// and the optional websocket gateway.
package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/marlow/overseer/internal/config"
	"github.com/marlow/overseer/pkg/agent"
	"github.com/marlow/overseer/pkg/approval"
	"github.com/marlow/overseer/pkg/events"
	"github.com/marlow/overseer/pkg/gateway"
	"github.com/marlow/overseer/pkg/orchestrator"
	"github.com/marlow/overseer/pkg/tool"
)

// Daemon owns every long-lived component
type Daemon struct {
	cfg        *config.Config
	dispatcher *events.Dispatcher
	executor   *tool.Executor
	gate       *approval.Engine
	registry   *agent.Registry
	orch       *orchestrator.Orchestrator
	gateway    *gateway.Server
	scheduler  *cron.Cron

	watchCancel context.CancelFunc
}

// New assembles a daemon from configuration. Components are created but
// not started; call Start.
func New(cfg *config.Config) (*Daemon, error) {
	if errs := config.NewValidator().ValidateConfig(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %v", errs[0])
	}

	dispatcher := events.NewDispatcher()

	executor := tool.NewExecutor()
	if cfg.Tools.Builtins {
		if err := tool.RegisterBuiltins(executor); err != nil {
			return nil, fmt.Errorf("failed to register builtin tools: %w", err)
		}
	}

	gate, err := approval.NewEngine(approvalConfig(cfg), dispatcher)
	if err != nil {
		return nil, fmt.Errorf("failed to build approval gate: %w", err)
	}

	d := &Daemon{
		cfg:        cfg,
		dispatcher: dispatcher,
		executor:   executor,
		gate:       gate,
		registry:   agent.NewRegistry(),
		scheduler:  cron.New(),
	}

	d.orch = orchestrator.New(d.registry, orchestrator.WithNotifier(dispatcher))

	if cfg.Gateway.Enabled {
		gw, err := gateway.NewServer(gateway.Config{
			Host:         cfg.Gateway.Host,
			Port:         cfg.Gateway.Port,
			SharedSecret: cfg.Gateway.SharedSecret,
			Dispatcher:   dispatcher,
			Gate:         gate,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build gateway: %w", err)
		}
		d.gateway = gw
	}

	return d, nil
}

// approvalConfig maps the file config onto the gate's config
func approvalConfig(cfg *config.Config) approval.Config {
	ac := approval.DefaultConfig()

	switch cfg.Approval.Policy {
	case "always_approve":
		ac.Policy = approval.PolicyAlwaysApprove
	case "always_deny":
		ac.Policy = approval.PolicyAlwaysDeny
	case "", "ask":
		ac.Policy = approval.PolicyAsk
	}

	ac.YOLO = cfg.Approval.YOLO
	ac.DangerousOnly = cfg.Approval.DangerousOnly
	ac.AutoApproveTools = cfg.Approval.AutoApproveTools
	ac.Whitelist = cfg.Approval.Whitelist
	ac.Blacklist = cfg.Approval.Blacklist
	if cfg.Approval.PromptTimeoutSeconds > 0 {
		ac.PromptTimeout = time.Duration(cfg.Approval.PromptTimeoutSeconds) * time.Second
	}

	return ac
}

// Start brings every component up: agents are created and initialized,
// the rules file watch begins, the health sweep is scheduled and the
// gateway starts listening.
func (d *Daemon) Start(ctx context.Context) error {
	log.Info().Int("agents", len(d.cfg.Agents)).Msg("Daemon starting")

	deps := agent.Deps{
		Notifier: d.dispatcher,
		Gate:     d.gate,
		Executor: d.executor,
	}

	for _, ac := range d.cfg.Agents {
		a, err := agent.Create(agent.Config{
			ID:         ac.ID,
			Name:       ac.Name,
			Kind:       agent.Kind(ac.Kind),
			WorkingDir: ac.WorkingDir,
			Settings:   ac.Settings,
		}, deps)
		if err != nil {
			return fmt.Errorf("failed to create agent %s: %w", ac.ID, err)
		}

		if _, err := a.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize agent %s: %w", ac.ID, err)
		}

		if err := d.registry.Register(a); err != nil {
			return fmt.Errorf("failed to register agent %s: %w", ac.ID, err)
		}
	}

	if d.cfg.Approval.RulesFile != "" {
		if err := d.gate.LoadRulesFile(d.cfg.Approval.RulesFile); err != nil {
			log.Warn().Str("file", d.cfg.Approval.RulesFile).Err(err).Msg("Could not load approval rules")
		}
		watchCtx, cancel := context.WithCancel(context.Background())
		d.watchCancel = cancel
		go func() {
			if err := d.gate.WatchRulesFile(watchCtx, d.cfg.Approval.RulesFile); err != nil && watchCtx.Err() == nil {
				log.Warn().Err(err).Msg("Approval rules watch stopped")
			}
		}()
	}

	if _, err := d.scheduler.AddFunc("@every 1m", d.healthSweep); err != nil {
		return fmt.Errorf("failed to schedule health sweep: %w", err)
	}
	d.scheduler.Start()

	if d.gateway != nil {
		if err := d.gateway.Start(); err != nil {
			return fmt.Errorf("failed to start gateway: %w", err)
		}
	}

	log.Info().Msg("Daemon started")
	return nil
}

// healthSweep logs unhealthy agents and reaps shut-down ones
func (d *Daemon) healthSweep() {
	for id, report := range d.registry.Reports() {
		if !report.Healthy && report.Status != agent.StatusShutdown {
			log.Warn().
				Str("agent_id", id).
				Str("status", string(report.Status)).
				Time("last_activity", report.LastActivity).
				Msg("Agent unhealthy")
		}
	}

	if removed := d.registry.Sweep(); len(removed) > 0 {
		log.Info().Strs("agent_ids", removed).Msg("Reaped shut-down agents")
	}
}

// Stop tears everything down in reverse order of startup
func (d *Daemon) Stop() error {
	log.Info().Msg("Daemon stopping")

	if d.gateway != nil {
		if err := d.gateway.Stop(); err != nil {
			log.Warn().Err(err).Msg("Gateway stop failed")
		}
	}

	stopCtx := d.scheduler.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		log.Warn().Msg("Scheduler jobs did not finish in time")
	}

	if d.watchCancel != nil {
		d.watchCancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.registry.ShutdownAll(ctx); err != nil {
		log.Warn().Err(err).Msg("Agent shutdown reported errors")
	}

	d.dispatcher.Close()

	log.Info().Msg("Daemon stopped")
	return nil
}

// Orchestrator exposes the plan engine
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator {
	return d.orch
}

// Registry exposes the agent pool
func (d *Daemon) Registry() *agent.Registry {
	return d.registry
}

// Executor exposes the tool executor
func (d *Daemon) Executor() *tool.Executor {
	return d.executor
}

// Gate exposes the approval engine
func (d *Daemon) Gate() *approval.Engine {
	return d.gate
}

// Events exposes the event dispatcher
func (d *Daemon) Events() *events.Dispatcher {
	return d.dispatcher
}
