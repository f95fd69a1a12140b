package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mtzanidakis/agora/internal/dispatch"
	"github.com/mtzanidakis/agora/internal/envelope"
)

// NewDispatchAgent returns an agent handler that turns a node into a
// message send through d. Node config keys:
//
//	recipient  target agent id (required)
//	type       message type, default user_message
//	sender     sender id, default the node id
//	input      context data key holding the text content, default "text"
//
// When the previous node produced a message, the new one continues its
// correlation chain; otherwise a fresh conversation starts. The
// dispatch reply (nil in distributed mode) becomes the node result.
func NewDispatchAgent(d dispatch.MessageDispatcher) AgentHandler {
	return AgentHandlerFunc(func(ctx context.Context, wctx *Context, node Node) (any, error) {
		recipient, _ := node.Config["recipient"].(string)
		if recipient == "" {
			return nil, configErrorf("node %q: config key recipient is required", node.ID)
		}
		typ := envelope.TypeUserMessage
		if v, ok := node.Config["type"].(string); ok && v != "" {
			typ = envelope.Type(v)
		}
		sender, _ := node.Config["sender"].(string)
		if sender == "" {
			sender = node.ID
		}
		inputKey := "text"
		explicitInput := false
		if v, ok := node.Config["input"].(string); ok && v != "" {
			inputKey = v
			explicitInput = true
		}

		prev, _ := wctx.LastResult.(*envelope.Message)
		text, _ := wctx.Data[inputKey].(string)

		// An explicit input key always reads from run data; otherwise a
		// prior message is forwarded down the chain.
		var content envelope.Content
		switch {
		case explicitInput && text != "":
			content = contentFor(typ, text)
		case prev != nil:
			content = prev.Content
		case text != "":
			content = contentFor(typ, text)
		default:
			return nil, configErrorf("node %q: no %q data and no prior message to forward", node.ID, inputKey)
		}

		var msg *envelope.Message
		var err error
		if prev != nil {
			msg, err = prev.ReplyTo(typ, content, sender, recipient)
		} else {
			msg, err = envelope.New(typ, sender, recipient, content)
		}
		if err != nil {
			return nil, err
		}
		return d.Dispatch(ctx, msg)
	})
}

// contentFor wraps plain text in the typed payload for typ, falling
// back to raw Text for types whose payload needs more than text.
func contentFor(typ envelope.Type, text string) envelope.Content {
	switch typ {
	case envelope.TypeUserMessage:
		return envelope.UserMessagePayload{Text: text}
	case envelope.TypeProposal:
		return envelope.ProposalPayload{Proposal: text}
	case envelope.TypeEvaluationRequest:
		return envelope.EvaluationRequestPayload{Proposal: text}
	case envelope.TypeBroadcast:
		return envelope.BroadcastPayload{Text: text}
	case envelope.TypeSystem:
		return envelope.SystemPayload{Event: text}
	default:
		return envelope.Text(text)
	}
}

// Built-in condition and action handlers available to declarative
// graphs. Operators extend the set by registering their own names on
// the executor.
var builtinConditions = map[string]ConditionHandler{
	// approved routes on the evaluation verdict carried by the last
	// message.
	"approved": ConditionHandlerFunc(func(ctx context.Context, lastResult any, wctx *Context) (string, error) {
		msg, ok := lastResult.(*envelope.Message)
		if !ok || msg == nil {
			return "rejected", nil
		}
		if res, ok := msg.Content.(envelope.EvaluationResultPayload); ok && res.Approved {
			return "approved", nil
		}
		return "rejected", nil
	}),
	// has_reply distinguishes a synchronous reply from a silent drop
	// or distributed hand-off.
	"has_reply": ConditionHandlerFunc(func(ctx context.Context, lastResult any, wctx *Context) (string, error) {
		if msg, ok := lastResult.(*envelope.Message); ok && msg != nil {
			return "yes", nil
		}
		return "no", nil
	}),
}

var builtinActions = map[string]ActionHandler{
	"log": ActionHandlerFunc(func(ctx context.Context, lastResult any, wctx *Context) error {
		slog.Info("workflow action", "history", wctx.History, "last_result", fmt.Sprintf("%v", lastResult))
		return nil
	}),
}

// RegisterDispatchHandlers populates exec with the handlers a
// config-loaded graph needs: every agent node name is bound to the
// dispatch agent, condition and action names resolve against the
// built-in set. Unknown condition or action names are configuration
// errors.
func RegisterDispatchHandlers(exec *Executor, g *Graph, d dispatch.MessageDispatcher) error {
	seen := make(map[string]bool)
	for _, n := range g.Nodes {
		if n.Handler == "" || seen[n.Handler] {
			continue
		}
		seen[n.Handler] = true

		switch n.Kind {
		case NodeAgent:
			if err := exec.RegisterAgent(n.Handler, NewDispatchAgent(d)); err != nil {
				return err
			}
		case NodeCondition:
			h, ok := builtinConditions[n.Handler]
			if !ok {
				return configErrorf("node %q: unknown condition handler %q", n.ID, n.Handler)
			}
			if err := exec.RegisterCondition(n.Handler, h); err != nil {
				return err
			}
		case NodeAction:
			h, ok := builtinActions[n.Handler]
			if !ok {
				return configErrorf("node %q: unknown action handler %q", n.ID, n.Handler)
			}
			if err := exec.RegisterAction(n.Handler, h); err != nil {
				return err
			}
		}
	}
	return nil
}
