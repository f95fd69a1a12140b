package workflow

import (
	"context"
	"testing"

	"github.com/mtzanidakis/agora/internal/dispatch"
	"github.com/mtzanidakis/agora/internal/envelope"
)

func dispatchGraph() *Graph {
	return NewGraph("review").
		AddNode(Node{ID: "start", Kind: NodeStart}).
		AddNode(Node{ID: "ask", Kind: NodeAgent, Handler: "dispatch", Config: map[string]any{
			"recipient": "reviewer",
			"type":      "evaluation_request",
		}}).
		AddNode(Node{ID: "verdict", Kind: NodeCondition, Handler: "approved"}).
		AddNode(Node{ID: "end", Kind: NodeEnd}).
		AddNode(Node{ID: "rework", Kind: NodeAction, Handler: "log"}).
		AddEdge(Edge{From: "start", To: "ask"}).
		AddEdge(Edge{From: "ask", To: "verdict"}).
		AddEdge(Edge{From: "verdict", To: "end", Condition: "approved"}).
		AddEdge(Edge{From: "verdict", To: "rework", Condition: "rejected"}).
		AddEdge(Edge{From: "rework", To: "end"})
}

func TestDispatchAgentRoutesThroughDispatcher(t *testing.T) {
	d := dispatch.NewDispatcher()
	var received *envelope.Message
	err := d.Register("reviewer", dispatch.HandlerFunc(func(ctx context.Context, msg *envelope.Message) (*envelope.Message, error) {
		received = msg
		return msg.Reply(envelope.TypeEvaluationResult,
			envelope.EvaluationResultPayload{Approved: true, Score: 1}, "reviewer")
	}))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	g := dispatchGraph()
	exec := NewExecutor(g)
	if err := RegisterDispatchHandlers(exec, g, d); err != nil {
		t.Fatalf("register handlers: %v", err)
	}

	result, err := exec.Execute(context.Background(), map[string]any{"text": "merge the change"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.ReachedEnd {
		t.Fatalf("result = %+v", result)
	}
	if received == nil {
		t.Fatal("reviewer never received a message")
	}
	if received.Type != envelope.TypeEvaluationRequest {
		t.Errorf("received type = %s", received.Type)
	}
	req, ok := received.Content.(envelope.EvaluationRequestPayload)
	if !ok {
		t.Fatalf("received content is %T", received.Content)
	}
	if req.Proposal != "merge the change" {
		t.Errorf("proposal = %q", req.Proposal)
	}

	// Approved verdict routes straight to end, skipping the rework action
	for _, id := range result.Path {
		if id == "rework" {
			t.Error("approved run took the rejected branch")
		}
	}
}

func TestDispatchAgentRejectedBranch(t *testing.T) {
	d := dispatch.NewDispatcher()
	err := d.Register("reviewer", dispatch.HandlerFunc(func(ctx context.Context, msg *envelope.Message) (*envelope.Message, error) {
		return msg.Reply(envelope.TypeEvaluationResult,
			envelope.EvaluationResultPayload{Approved: false, Feedback: "needs tests"}, "reviewer")
	}))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	g := dispatchGraph()
	exec := NewExecutor(g)
	if err := RegisterDispatchHandlers(exec, g, d); err != nil {
		t.Fatalf("register handlers: %v", err)
	}

	result, err := exec.Execute(context.Background(), map[string]any{"text": "merge now"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	found := false
	for _, id := range result.Path {
		if id == "rework" {
			found = true
		}
	}
	if !found {
		t.Errorf("rejected run skipped the rework action, path = %v", result.Path)
	}
}

func TestDispatchAgentRequiresRecipient(t *testing.T) {
	g := NewGraph("bad").
		AddNode(Node{ID: "start", Kind: NodeStart}).
		AddNode(Node{ID: "ask", Kind: NodeAgent, Handler: "dispatch"}).
		AddNode(Node{ID: "end", Kind: NodeEnd}).
		AddEdge(Edge{From: "start", To: "ask"}).
		AddEdge(Edge{From: "ask", To: "end"})

	exec := NewExecutor(g)
	if err := RegisterDispatchHandlers(exec, g, dispatch.NewDispatcher()); err != nil {
		t.Fatalf("register handlers: %v", err)
	}
	if _, err := exec.Execute(context.Background(), map[string]any{"text": "hi"}); err == nil {
		t.Fatal("expected missing recipient error")
	}
}

func TestRegisterDispatchHandlersUnknownCondition(t *testing.T) {
	g := NewGraph("bad").
		AddNode(Node{ID: "start", Kind: NodeStart}).
		AddNode(Node{ID: "check", Kind: NodeCondition, Handler: "sentiment"}).
		AddNode(Node{ID: "end", Kind: NodeEnd}).
		AddEdge(Edge{From: "start", To: "check"}).
		AddEdge(Edge{From: "check", To: "end"})

	exec := NewExecutor(g)
	if err := RegisterDispatchHandlers(exec, g, dispatch.NewDispatcher()); err == nil {
		t.Fatal("expected unknown condition handler error")
	}
}

func TestHasReplyCondition(t *testing.T) {
	h := builtinConditions["has_reply"]

	msg, err := envelope.New(envelope.TypeSystem, "a", "b", envelope.SystemPayload{Event: "ping"})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	label, err := h.Evaluate(context.Background(), msg, &Context{})
	if err != nil || label != "yes" {
		t.Errorf("with reply: label = %q, err = %v", label, err)
	}

	label, err = h.Evaluate(context.Background(), nil, &Context{})
	if err != nil || label != "no" {
		t.Errorf("without reply: label = %q, err = %v", label, err)
	}
}
