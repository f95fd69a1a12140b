package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mtzanidakis/agora/internal/config"
	"github.com/mtzanidakis/agora/internal/dispatch"
	"github.com/mtzanidakis/agora/internal/natsbus"
	"github.com/mtzanidakis/agora/internal/orchestrator"
	"github.com/mtzanidakis/agora/internal/resilience"
	"github.com/mtzanidakis/agora/internal/store"
	"github.com/mtzanidakis/agora/internal/trigger"
	"github.com/mtzanidakis/agora/internal/vault"
	"github.com/mtzanidakis/agora/internal/web"
	"github.com/mtzanidakis/agora/internal/webhook"
	"github.com/mtzanidakis/agora/internal/workflow"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("agora %s\n", version)
	case "serve":
		if err := runServe(); err != nil {
			slog.Error("serve failed", "error", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			slog.Error("backup failed", "error", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			slog.Error("restore failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: agora <command>\n\nCommands:\n  serve      Start the Agora message service\n  backup     Archive the data directory\n  restore    Restore a data directory archive\n  version    Print version\n")
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting agora", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	nc, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("nats client: %w", err)
	}
	defer nc.Close()

	// Breaker registry shared by all webhook agents
	breakers := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.Resilience.FailureThreshold,
		SuccessThreshold: cfg.Resilience.SuccessThreshold,
		Timeout:          cfg.Resilience.BreakerTimeout,
	})

	// Dispatcher in the configured mode, persistence as middleware
	d, err := dispatch.NewHybridDispatcher(
		dispatch.Mode(cfg.Dispatch.Mode),
		func() (*natsbus.Client, error) { return natsbus.NewClient(bus) },
		dispatch.StreamConfig{
			Stream:    cfg.Dispatch.Stream,
			Group:     cfg.Dispatch.Group,
			BlockFor:  cfg.Dispatch.BlockFor,
			BatchSize: cfg.Dispatch.BatchSize,
			AckWait:   cfg.Dispatch.AckWait,
		})
	if err != nil {
		return fmt.Errorf("init dispatcher: %w", err)
	}
	slog.Info("dispatcher ready", "mode", d.Mode())

	// Configured webhook agents, each behind the shared breaker registry
	retryCfg := resilience.RetryConfig{
		MaxRetries: cfg.Resilience.MaxRetries,
		BaseDelay:  cfg.Resilience.BaseDelay,
		MaxDelay:   cfg.Resilience.MaxDelay,
	}
	for agentID, whCfg := range cfg.Webhooks {
		adapter, err := webhook.New(agentID, whCfg,
			webhook.WithResilience(breakers, cfg.Resilience.HandlerTimeout, retryCfg))
		if err != nil {
			return fmt.Errorf("webhook agent %s: %w", agentID, err)
		}
		if err := d.Register(agentID, adapter); err != nil {
			return fmt.Errorf("register webhook agent %s: %w", agentID, err)
		}
		slog.Info("webhook agent registered", "agent", agentID, "url", whCfg.URL)
	}

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	defer d.Stop()

	// Workflow registry; graphs are registered by operators through
	// config or by embedding agora as a library.
	workflows := orchestrator.NewRegistry()
	if err := registerConfiguredWorkflows(workflows, db, d, nc); err != nil {
		return fmt.Errorf("register workflows: %w", err)
	}

	// Trigger scheduler
	sched := trigger.New(db, workflows, nc, cfg.Scheduler)
	go sched.Start(ctx)

	// Web API
	if cfg.Web.Enabled {
		var v *vault.Vault
		if cfg.Vault.Passphrase != "" {
			v = vault.New(cfg.Vault.Passphrase)
		}
		srv := web.NewServer(db, nc, workflows, v, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// SIGHUP reloads the config for live-tunable settings; SIGINT and
	// SIGTERM shut down.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		sig := <-sigCh
		if sig != syscall.SIGHUP {
			slog.Info("shutting down", "signal", sig)
			cancel()
			return nil
		}
		newCfg, err := config.Load()
		if err != nil {
			slog.Error("config reload failed, keeping current settings", "error", err)
			continue
		}
		if newCfg.Scheduler.PollInterval != cfg.Scheduler.PollInterval {
			sched.UpdatePollInterval(newCfg.Scheduler.PollInterval)
			slog.Info("scheduler poll interval reloaded",
				"poll_interval", newCfg.Scheduler.PollInterval)
		}
		cfg = newCfg
	}
}

// registerConfiguredWorkflows loads workflow graph definitions from
// the config directory and registers an orchestrator per graph. Each
// graph's agent nodes route through the shared dispatcher.
func registerConfiguredWorkflows(reg *orchestrator.Registry, db *store.Store, d *dispatch.HybridDispatcher, nc *natsbus.Client) error {
	dir := os.Getenv("AGORA_WORKFLOWS_DIR")
	if dir == "" {
		dir = "config/workflows"
	}

	graphs, err := workflow.LoadDir(dir)
	if err != nil {
		return err
	}
	if len(graphs) == 0 {
		slog.Warn("no workflow definitions found", "dir", dir)
	}

	for i, g := range graphs {
		exec := workflow.NewExecutor(g)
		if err := workflow.RegisterDispatchHandlers(exec, g, d); err != nil {
			return fmt.Errorf("workflow %s: %w", g.Name, err)
		}

		// The dispatcher is shared across workflows, so the first
		// orchestrator attaches the persistence sink for all of them.
		opts := []orchestrator.Option{orchestrator.WithBus(nc)}
		if i == 0 {
			opts = append(opts, orchestrator.WithPersistence(db))
		}
		o, err := orchestrator.New(g.Name, g, exec, d, opts...)
		if err != nil {
			return err
		}
		if err := reg.Register(o); err != nil {
			return err
		}
		slog.Info("workflow registered", "name", g.Name, "nodes", len(g.Nodes))
	}
	return nil
}

// dataDirs returns the directories the backup subcommand archives:
// the store directory plus the JetStream data dir when it lives
// outside it.
func dataDirs(cfg *config.Config) []string {
	storeDir := filepath.Clean(filepath.Dir(cfg.Store.Path))
	dirs := []string{storeDir}

	natsDir := filepath.Clean(cfg.NATS.DataDir)
	if natsDir != "." && natsDir != storeDir &&
		!strings.HasPrefix(natsDir+string(os.PathSeparator), storeDir+string(os.PathSeparator)) {
		dirs = append(dirs, natsDir)
	}
	return dirs
}
