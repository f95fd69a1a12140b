package trigger

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/agora/internal/config"
	"github.com/mtzanidakis/agora/internal/natsbus"
	"github.com/mtzanidakis/agora/internal/orchestrator"
	"github.com/mtzanidakis/agora/internal/store"
)

// Scheduler polls the store for due triggers and runs their workflows.
type Scheduler struct {
	store      *store.Store
	workflows  *orchestrator.Registry
	natsClient *natsbus.Client
	reloadCh   chan struct{}

	mu           sync.Mutex
	pollInterval time.Duration
}

func New(s *store.Store, workflows *orchestrator.Registry, nc *natsbus.Client, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		workflows:    workflows,
		natsClient:   nc,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
	}
}

// UpdatePollInterval changes the poll cadence and signals the run loop
// to reset its ticker. Non-positive values are ignored.
func (s *Scheduler) UpdatePollInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.pollInterval = d
	s.mu.Unlock()
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}
	return s.pollInterval
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	slog.Info("trigger scheduler started", "poll_interval", s.interval())

	for {
		select {
		case <-ctx.Done():
			slog.Info("trigger scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.interval())
			slog.Info("trigger scheduler reloaded", "poll_interval", s.interval())
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll runs every due trigger once. Exposed so tests and the web API
// can force a pass without waiting for the ticker.
func (s *Scheduler) Poll(ctx context.Context) {
	triggers, err := s.store.GetDueTriggers(time.Now())
	if err != nil {
		slog.Error("failed to get due triggers", "error", err)
		return
	}

	for _, tr := range triggers {
		s.execute(ctx, tr)
	}
}

func (s *Scheduler) execute(ctx context.Context, tr store.Trigger) {
	slog.Info("executing trigger", "id", tr.ID, "name", tr.Name, "workflow", tr.Workflow)

	var input map[string]any
	if len(tr.Input) > 0 {
		if err := json.Unmarshal(tr.Input, &input); err != nil {
			slog.Error("trigger input is not valid JSON, running without input",
				"id", tr.ID, "error", err)
			input = nil
		}
	}

	_, err := s.workflows.Run(ctx, tr.Workflow, input)

	var lastStatus, lastError string
	if err != nil {
		lastStatus = "error"
		lastError = err.Error()
		slog.Error("trigger run failed", "id", tr.ID, "error", err)
	} else {
		lastStatus = "success"
	}

	// A nil next run marks one-off triggers completed.
	nextRun := NextRun(tr.Schedule)

	if err := s.store.UpdateTriggerRun(tr.ID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to update trigger run", "id", tr.ID, "error", err)
	}

	s.publishExecutedEvent(tr, lastStatus)
}

func (s *Scheduler) publishExecutedEvent(tr store.Trigger, status string) {
	if s.natsClient == nil {
		return
	}

	event := map[string]any{
		"type":      "trigger_executed",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"id":       tr.ID,
			"name":     tr.Name,
			"workflow": tr.Workflow,
			"status":   status,
		},
	}

	if err := s.natsClient.PublishJSON(natsbus.TopicEventsWorkflow(tr.Workflow), event); err != nil {
		slog.Debug("publish trigger event", "id", tr.ID, "error", err)
	}
}
