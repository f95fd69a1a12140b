// Package orchestrator wires a workflow graph, its executor and a
// dispatcher into a single runnable unit. It is the only layer that
// decides whether messages are persisted, and it does so by attaching
// the store as dispatcher middleware rather than calling it directly.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/agora/internal/dispatch"
	"github.com/mtzanidakis/agora/internal/envelope"
	"github.com/mtzanidakis/agora/internal/natsbus"
	"github.com/mtzanidakis/agora/internal/store"
	"github.com/mtzanidakis/agora/internal/workflow"
)

// MessageSink persists messages as they pass through the dispatcher.
// *store.Store satisfies it.
type MessageSink interface {
	SaveMessage(msg *envelope.Message) (*store.MessageRecord, error)
}

// Orchestrator runs one workflow through one dispatcher.
type Orchestrator struct {
	name       string
	graph      *workflow.Graph
	executor   *workflow.Executor
	dispatcher dispatch.MessageDispatcher
	bus        *natsbus.Client
}

// Option configures an Orchestrator at construction.
type Option func(*Orchestrator)

// WithPersistence attaches sink as dispatcher middleware so every
// message passing through Dispatch is saved. Persistence failures are
// logged and swallowed; durability must not block routing.
func WithPersistence(sink MessageSink) Option {
	return func(o *Orchestrator) {
		o.dispatcher.Use(func(ctx context.Context, msg *envelope.Message) error {
			if _, err := sink.SaveMessage(msg); err != nil {
				slog.Error("persist message", "id", msg.ID, "error", err)
			}
			return nil
		})
	}
}

// WithBus publishes run lifecycle events on the given bus.
func WithBus(bus *natsbus.Client) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// New builds an orchestrator for graph, executed through d. The graph
// is validated on first Run, not here, so handlers can still be
// registered on the executor after construction.
func New(name string, g *workflow.Graph, exec *workflow.Executor, d dispatch.MessageDispatcher, opts ...Option) (*Orchestrator, error) {
	if name == "" {
		return nil, fmt.Errorf("orchestrator name must not be empty")
	}
	if g == nil || exec == nil || d == nil {
		return nil, fmt.Errorf("orchestrator %s: graph, executor and dispatcher are required", name)
	}
	o := &Orchestrator{name: name, graph: g, executor: exec, dispatcher: d}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Name returns the workflow name this orchestrator runs.
func (o *Orchestrator) Name() string { return o.name }

// Dispatcher exposes the underlying dispatcher so callers can register
// agents on it.
func (o *Orchestrator) Dispatcher() dispatch.MessageDispatcher { return o.dispatcher }

// Executor exposes the underlying executor for handler registration.
func (o *Orchestrator) Executor() *workflow.Executor { return o.executor }

// runEvent is the payload published on the events bus per run.
type runEvent struct {
	Workflow   string    `json:"workflow"`
	Event      string    `json:"event"`
	Iterations int       `json:"iterations,omitempty"`
	Path       []string  `json:"path,omitempty"`
	ReachedEnd bool      `json:"reached_end,omitempty"`
	StuckAt    string    `json:"stuck_at,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Run executes the workflow once with fresh run state. When the final
// node output is a message, that message is returned; other outputs
// yield a nil message without error. Hitting the iteration cap or
// getting stuck is reported through events and logs, not as an error.
func (o *Orchestrator) Run(ctx context.Context, initialData map[string]any) (*envelope.Message, error) {
	o.publishEvent(runEvent{Workflow: o.name, Event: "started", At: time.Now().UTC()})

	result, err := o.executor.Execute(ctx, initialData)
	if err != nil {
		o.publishEvent(runEvent{Workflow: o.name, Event: "failed", Error: err.Error(), At: time.Now().UTC()})
		return nil, fmt.Errorf("run workflow %s: %w", o.name, err)
	}

	o.publishEvent(runEvent{
		Workflow:   o.name,
		Event:      "completed",
		Iterations: result.Iterations,
		Path:       result.Path,
		ReachedEnd: result.ReachedEnd,
		StuckAt:    result.StuckAt,
		At:         time.Now().UTC(),
	})

	if result.MaxIterations {
		slog.Warn("workflow stopped at iteration cap",
			"workflow", o.name, "iterations", result.Iterations)
	}

	if msg, ok := result.Output.(*envelope.Message); ok {
		return msg, nil
	}
	return nil, nil
}

func (o *Orchestrator) publishEvent(ev runEvent) {
	if o.bus == nil {
		return
	}
	if err := o.bus.PublishJSON(natsbus.TopicEventsWorkflow(ev.Workflow), ev); err != nil {
		slog.Debug("publish workflow event", "workflow", ev.Workflow, "error", err)
	}
}
