package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mtzanidakis/agora/internal/envelope"
	"github.com/mtzanidakis/agora/internal/natsbus"
)

// Mode selects how a HybridDispatcher routes messages. The mode is
// fixed at construction; there is no runtime re-probing.
type Mode string

const (
	ModeLocal       Mode = "local"
	ModeDistributed Mode = "distributed"
	ModeAuto        Mode = "auto"
)

// HybridDispatcher wraps either a local or a distributed dispatcher
// behind one contract. In auto mode the stream backend is probed once
// at construction and the dispatcher silently falls back to local when
// it is unreachable.
type HybridDispatcher struct {
	mode    Mode
	backend MessageDispatcher
}

// NewHybridDispatcher selects a backend for the requested mode.
// connect is invoked to reach the stream backend; in distributed mode a
// connect failure is fatal, in auto mode it triggers local fallback.
func NewHybridDispatcher(mode Mode, connect func() (*natsbus.Client, error), cfg StreamConfig) (*HybridDispatcher, error) {
	switch mode {
	case ModeLocal:
		return &HybridDispatcher{mode: ModeLocal, backend: NewDispatcher()}, nil

	case ModeDistributed:
		client, err := connect()
		if err != nil {
			return nil, fmt.Errorf("stream backend unreachable: %w", err)
		}
		dd, err := NewDistributedDispatcher(client, cfg)
		if err != nil {
			return nil, err
		}
		return &HybridDispatcher{mode: ModeDistributed, backend: dd}, nil

	case ModeAuto:
		client, err := connect()
		if err == nil {
			dd, derr := NewDistributedDispatcher(client, cfg)
			if derr == nil {
				return &HybridDispatcher{mode: ModeDistributed, backend: dd}, nil
			}
			err = derr
		}
		slog.Warn("stream backend unreachable, falling back to local dispatch", "error", err)
		return &HybridDispatcher{mode: ModeLocal, backend: NewDispatcher()}, nil

	default:
		return nil, fmt.Errorf("unknown dispatch mode %q", mode)
	}
}

// Mode reports the resolved mode, which in auto mode may differ from
// the requested one.
func (h *HybridDispatcher) Mode() Mode {
	return h.mode
}

func (h *HybridDispatcher) Register(agentID string, hd Handler) error {
	return h.backend.Register(agentID, hd)
}

func (h *HybridDispatcher) Unregister(agentID string) {
	h.backend.Unregister(agentID)
}

func (h *HybridDispatcher) Use(mw Middleware) {
	h.backend.Use(mw)
}

func (h *HybridDispatcher) SetBroadcastHandler(hd Handler) {
	h.backend.SetBroadcastHandler(hd)
}

// Dispatch delegates to the selected backend. Callers must not rely on
// a synchronous reply when the resolved mode is distributed: replies
// there arrive as correlated follow-up messages.
func (h *HybridDispatcher) Dispatch(ctx context.Context, msg *envelope.Message) (*envelope.Message, error) {
	return h.backend.Dispatch(ctx, msg)
}

// Start launches the distributed consume loop. It is a no-op in local
// mode.
func (h *HybridDispatcher) Start(ctx context.Context) error {
	if dd, ok := h.backend.(*DistributedDispatcher); ok {
		return dd.Start(ctx)
	}
	return nil
}

// Stop tears down the distributed consume loop, if any.
func (h *HybridDispatcher) Stop() {
	if dd, ok := h.backend.(*DistributedDispatcher); ok {
		dd.Stop()
	}
}
