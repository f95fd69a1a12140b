package workflow

import (
	"fmt"
	"sort"
)

// NodeKind tags the behavior of a graph node.
type NodeKind string

const (
	NodeStart     NodeKind = "start"
	NodeEnd       NodeKind = "end"
	NodeAgent     NodeKind = "agent"
	NodeCondition NodeKind = "condition"
	NodeAction    NodeKind = "action"
)

// Node is one step of a workflow graph. Handler names the registered
// handler for agent/condition/action nodes; start and end carry none.
type Node struct {
	ID      string         `json:"id" yaml:"id"`
	Kind    NodeKind       `json:"kind" yaml:"kind"`
	Handler string         `json:"handler,omitempty" yaml:"handler,omitempty"`
	Config  map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Edge connects two nodes. Condition labels the branch taken when a
// condition node resolves to that label; Priority breaks ties between
// edges sharing a source and label.
type Edge struct {
	From      string `json:"from" yaml:"from"`
	To        string `json:"to" yaml:"to"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	Priority  int    `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// ConfigError reports a malformed graph or a missing handler
// registration. It is fatal and surfaced before traversal whenever
// possible.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "workflow config: " + e.Reason
}

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// Graph is a declarative node/edge definition of an agent interaction
// sequence.
type Graph struct {
	Name  string `json:"name" yaml:"name"`
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`
}

func NewGraph(name string) *Graph {
	return &Graph{Name: name}
}

func (g *Graph) AddNode(n Node) *Graph {
	g.Nodes = append(g.Nodes, n)
	return g
}

func (g *Graph) AddEdge(e Edge) *Graph {
	g.Edges = append(g.Edges, e)
	return g
}

func (g *Graph) node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Start returns the graph's start node. Call Validate first.
func (g *Graph) Start() (Node, bool) {
	for _, n := range g.Nodes {
		if n.Kind == NodeStart {
			return n, true
		}
	}
	return Node{}, false
}

// Validate checks the structural invariants before execution: exactly
// one start node, at least one end node, no duplicate node ids, no
// dangling edge endpoints, and no nodes unreachable from start.
func (g *Graph) Validate() error {
	ids := make(map[string]bool, len(g.Nodes))
	starts, ends := 0, 0
	for _, n := range g.Nodes {
		if n.ID == "" {
			return configErrorf("node with empty id")
		}
		if ids[n.ID] {
			return configErrorf("duplicate node id %q", n.ID)
		}
		ids[n.ID] = true

		switch n.Kind {
		case NodeStart:
			starts++
		case NodeEnd:
			ends++
		case NodeAgent, NodeCondition, NodeAction:
			if n.Handler == "" {
				return configErrorf("node %q (%s) has no handler name", n.ID, n.Kind)
			}
		default:
			return configErrorf("node %q has unknown kind %q", n.ID, n.Kind)
		}
	}
	if starts != 1 {
		return configErrorf("graph must have exactly one start node, found %d", starts)
	}
	if ends == 0 {
		return configErrorf("graph must have at least one end node")
	}

	adjacency := make(map[string][]string)
	for _, e := range g.Edges {
		if !ids[e.From] {
			return configErrorf("edge references unknown node %q", e.From)
		}
		if !ids[e.To] {
			return configErrorf("edge references unknown node %q", e.To)
		}
		adjacency[e.From] = append(adjacency[e.From], e.To)
	}

	// BFS from start to find unreachable nodes.
	start, _ := g.Start()
	visited := map[string]bool{start.ID: true}
	queue := []string{start.ID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[cur] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	for _, n := range g.Nodes {
		if !visited[n.ID] {
			return configErrorf("node %q is unreachable from start", n.ID)
		}
	}

	return nil
}

// nextNode selects the outgoing edge to follow from current given the
// last condition result: a matching condition label wins (higher
// priority breaks ties), then an unconditional edge, otherwise the
// graph is stuck.
func (g *Graph) nextNode(current, conditionResult string) (Node, bool) {
	var outgoing []Edge
	for _, e := range g.Edges {
		if e.From == current {
			outgoing = append(outgoing, e)
		}
	}
	sort.SliceStable(outgoing, func(i, j int) bool {
		return outgoing[i].Priority > outgoing[j].Priority
	})

	if conditionResult != "" {
		for _, e := range outgoing {
			if e.Condition == conditionResult {
				return g.mustNode(e.To), true
			}
		}
	}
	for _, e := range outgoing {
		if e.Condition == "" {
			return g.mustNode(e.To), true
		}
	}
	return Node{}, false
}

func (g *Graph) mustNode(id string) Node {
	n, _ := g.node(id)
	return n
}
