package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mtzanidakis/agora/internal/envelope"
)

// Handler receives a message and optionally returns a reply. Agent
// implementations satisfy this directly; shared behavior is composed by
// delegation, not embedding.
type Handler interface {
	Receive(ctx context.Context, msg *envelope.Message) (*envelope.Message, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *envelope.Message) (*envelope.Message, error)

func (f HandlerFunc) Receive(ctx context.Context, msg *envelope.Message) (*envelope.Message, error) {
	return f(ctx, msg)
}

// Middleware observes every message before it is routed. Middleware run
// sequentially in registration order; no timeout is imposed here, slow
// sinks should bound themselves.
type Middleware func(ctx context.Context, msg *envelope.Message) error

// Routing contract shared by the local and distributed dispatchers.
type MessageDispatcher interface {
	Register(agentID string, h Handler) error
	Unregister(agentID string)
	Use(mw Middleware)
	SetBroadcastHandler(h Handler)
	Dispatch(ctx context.Context, msg *envelope.Message) (*envelope.Message, error)
}

// Dispatcher routes messages to handlers registered in-process.
// Point-to-point delivery is synchronous: the caller gets the handler's
// reply as the return value.
type Dispatcher struct {
	mu         sync.RWMutex
	handlers   map[string]Handler
	middleware []Middleware
	broadcast  Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register binds a handler to an agent id. Registering over an existing
// id is rejected rather than silently overwriting.
func (d *Dispatcher) Register(agentID string, h Handler) error {
	if agentID == "" {
		return fmt.Errorf("agent id must not be empty")
	}
	if h == nil {
		return fmt.Errorf("handler for %q must not be nil", agentID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[agentID]; exists {
		return fmt.Errorf("handler already registered for %q", agentID)
	}
	d.handlers[agentID] = h
	return nil
}

func (d *Dispatcher) Unregister(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, agentID)
}

func (d *Dispatcher) Use(mw Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middleware = append(d.middleware, mw)
}

func (d *Dispatcher) SetBroadcastHandler(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.broadcast = h
}

// Dispatch routes a message:
//   - every middleware runs first, in order
//   - "broadcast" goes to the broadcast handler, no reply
//   - "all" fans out to every handler except the sender's, replies discarded
//   - anything else is a direct lookup; unknown recipients are dropped
//     silently and return no reply
func (d *Dispatcher) Dispatch(ctx context.Context, msg *envelope.Message) (*envelope.Message, error) {
	if msg == nil {
		return nil, fmt.Errorf("message must not be nil")
	}

	d.mu.RLock()
	middleware := make([]Middleware, len(d.middleware))
	copy(middleware, d.middleware)
	d.mu.RUnlock()

	for _, mw := range middleware {
		if err := mw(ctx, msg); err != nil {
			return nil, fmt.Errorf("middleware: %w", err)
		}
	}

	switch msg.RecipientID {
	case envelope.RecipientBroadcast:
		d.mu.RLock()
		h := d.broadcast
		d.mu.RUnlock()
		if h == nil {
			slog.Debug("no broadcast handler set, dropping message", "id", msg.ID)
			return nil, nil
		}
		if _, err := h.Receive(ctx, msg); err != nil {
			return nil, fmt.Errorf("broadcast handler: %w", err)
		}
		return nil, nil

	case envelope.RecipientAll:
		return nil, d.fanOut(ctx, msg)

	default:
		d.mu.RLock()
		h, ok := d.handlers[msg.RecipientID]
		d.mu.RUnlock()
		if !ok {
			// Best-effort delivery: unknown recipients are not an error.
			slog.Debug("no handler for recipient, dropping message",
				"recipient", msg.RecipientID, "id", msg.ID)
			return nil, nil
		}
		reply, err := h.Receive(ctx, msg)
		if err != nil {
			return nil, fmt.Errorf("handler %s: %w", msg.RecipientID, err)
		}
		return reply, nil
	}
}

// fanOut invokes every registered handler except the sender's own,
// concurrently. Results are discarded; the first handler error is
// reported after all handlers finish.
func (d *Dispatcher) fanOut(ctx context.Context, msg *envelope.Message) error {
	d.mu.RLock()
	targets := make(map[string]Handler, len(d.handlers))
	for id, h := range d.handlers {
		if id != msg.SenderID {
			targets[id] = h
		}
	}
	d.mu.RUnlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(targets))
	for id, h := range targets {
		wg.Add(1)
		go func(id string, h Handler) {
			defer wg.Done()
			if _, err := h.Receive(ctx, msg); err != nil {
				errCh <- fmt.Errorf("handler %s: %w", id, err)
			}
		}(id, h)
	}
	wg.Wait()
	close(errCh)

	return <-errCh
}

// Handlers returns the ids with a registered handler, for diagnostics.
func (d *Dispatcher) Handlers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.handlers))
	for id := range d.handlers {
		ids = append(ids, id)
	}
	return ids
}
