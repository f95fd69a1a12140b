package workflow

import (
	"context"
	"fmt"
	"log/slog"
)

// DefaultMaxIterations bounds traversal so cyclic graphs cannot hang.
const DefaultMaxIterations = 50

// Context carries run-scoped state through one execution. It is
// created fresh per Execute call and never shared between runs.
type Context struct {
	Data            map[string]any
	History         []string
	LastResult      any
	ConditionResult string
}

// AgentHandler executes an agent node and produces its result.
type AgentHandler interface {
	Run(ctx context.Context, wctx *Context, node Node) (any, error)
}

// ConditionHandler inspects the last result and picks a branch label.
type ConditionHandler interface {
	Evaluate(ctx context.Context, lastResult any, wctx *Context) (string, error)
}

// ActionHandler performs a side effect; its return value is discarded.
type ActionHandler interface {
	Do(ctx context.Context, lastResult any, wctx *Context) error
}

// AgentHandlerFunc adapts a function to AgentHandler.
type AgentHandlerFunc func(ctx context.Context, wctx *Context, node Node) (any, error)

func (f AgentHandlerFunc) Run(ctx context.Context, wctx *Context, node Node) (any, error) {
	return f(ctx, wctx, node)
}

// ConditionHandlerFunc adapts a function to ConditionHandler.
type ConditionHandlerFunc func(ctx context.Context, lastResult any, wctx *Context) (string, error)

func (f ConditionHandlerFunc) Evaluate(ctx context.Context, lastResult any, wctx *Context) (string, error) {
	return f(ctx, lastResult, wctx)
}

// ActionHandlerFunc adapts a function to ActionHandler.
type ActionHandlerFunc func(ctx context.Context, lastResult any, wctx *Context) error

func (f ActionHandlerFunc) Do(ctx context.Context, lastResult any, wctx *Context) error {
	return f(ctx, lastResult, wctx)
}

// Result is the terminal outcome of one execution. Overrunning the
// iteration cap is an expected operational signal reported here, not an
// error.
type Result struct {
	Output        any
	Path          []string
	Iterations    int
	ReachedEnd    bool
	MaxIterations bool
	StuckAt       string
}

// Executor traverses a validated graph, dispatching node behavior to
// handlers registered by name. Registries are typed per handler role;
// registering a second handler under an existing name is rejected.
type Executor struct {
	graph         *Graph
	maxIterations int

	agents     map[string]AgentHandler
	conditions map[string]ConditionHandler
	actions    map[string]ActionHandler
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMaxIterations overrides the traversal safety cap.
func WithMaxIterations(n int) ExecutorOption {
	return func(e *Executor) { e.maxIterations = n }
}

func NewExecutor(g *Graph, opts ...ExecutorOption) *Executor {
	e := &Executor{
		graph:         g,
		maxIterations: DefaultMaxIterations,
		agents:        make(map[string]AgentHandler),
		conditions:    make(map[string]ConditionHandler),
		actions:       make(map[string]ActionHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) RegisterAgent(name string, h AgentHandler) error {
	if _, exists := e.agents[name]; exists {
		return configErrorf("agent handler %q already registered", name)
	}
	e.agents[name] = h
	return nil
}

func (e *Executor) RegisterCondition(name string, h ConditionHandler) error {
	if _, exists := e.conditions[name]; exists {
		return configErrorf("condition handler %q already registered", name)
	}
	e.conditions[name] = h
	return nil
}

func (e *Executor) RegisterAction(name string, h ActionHandler) error {
	if _, exists := e.actions[name]; exists {
		return configErrorf("action handler %q already registered", name)
	}
	e.actions[name] = h
	return nil
}

// checkHandlers verifies every node's handler name resolves in the
// matching registry. A miss is a fatal configuration error caught here
// rather than mid-traversal.
func (e *Executor) checkHandlers() error {
	for _, n := range e.graph.Nodes {
		switch n.Kind {
		case NodeAgent:
			if _, ok := e.agents[n.Handler]; !ok {
				return configErrorf("node %q: agent handler %q not registered", n.ID, n.Handler)
			}
		case NodeCondition:
			if _, ok := e.conditions[n.Handler]; !ok {
				return configErrorf("node %q: condition handler %q not registered", n.ID, n.Handler)
			}
		case NodeAction:
			if _, ok := e.actions[n.Handler]; !ok {
				return configErrorf("node %q: action handler %q not registered", n.ID, n.Handler)
			}
		}
	}
	return nil
}

// Execute validates the graph and handler registrations, then walks the
// graph from start until an end node, a stuck node, or the iteration
// cap. The final LastResult is returned as Result.Output.
func (e *Executor) Execute(ctx context.Context, initialData map[string]any) (*Result, error) {
	if err := e.graph.Validate(); err != nil {
		return nil, err
	}
	if err := e.checkHandlers(); err != nil {
		return nil, err
	}

	wctx := &Context{Data: make(map[string]any)}
	for k, v := range initialData {
		wctx.Data[k] = v
	}

	current, _ := e.graph.Start()
	result := &Result{}

	for {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("workflow %s: %w", e.graph.Name, ctx.Err())
		}
		if result.Iterations >= e.maxIterations {
			slog.Warn("workflow hit iteration cap",
				"workflow", e.graph.Name, "iterations", result.Iterations)
			result.MaxIterations = true
			break
		}
		result.Iterations++
		wctx.History = append(wctx.History, current.ID)
		result.Path = append(result.Path, current.ID)

		if current.Kind == NodeEnd {
			result.ReachedEnd = true
			break
		}

		if err := e.executeNode(ctx, current, wctx); err != nil {
			return nil, fmt.Errorf("workflow %s node %s: %w", e.graph.Name, current.ID, err)
		}

		next, ok := e.graph.nextNode(current.ID, wctx.ConditionResult)
		if !ok {
			// No matching edge: the graph is stuck, stop early.
			slog.Warn("workflow stuck, no outgoing edge matched",
				"workflow", e.graph.Name, "node", current.ID,
				"condition", wctx.ConditionResult)
			result.StuckAt = current.ID
			break
		}
		current = next
	}

	result.Output = wctx.LastResult
	return result, nil
}

func (e *Executor) executeNode(ctx context.Context, n Node, wctx *Context) error {
	switch n.Kind {
	case NodeStart:
		return nil
	case NodeAgent:
		out, err := e.agents[n.Handler].Run(ctx, wctx, n)
		if err != nil {
			return fmt.Errorf("agent %s: %w", n.Handler, err)
		}
		wctx.LastResult = out
		return nil
	case NodeCondition:
		label, err := e.conditions[n.Handler].Evaluate(ctx, wctx.LastResult, wctx)
		if err != nil {
			return fmt.Errorf("condition %s: %w", n.Handler, err)
		}
		wctx.ConditionResult = label
		return nil
	case NodeAction:
		if err := e.actions[n.Handler].Do(ctx, wctx.LastResult, wctx); err != nil {
			return fmt.Errorf("action %s: %w", n.Handler, err)
		}
		return nil
	default:
		return configErrorf("node %q has unknown kind %q", n.ID, n.Kind)
	}
}
