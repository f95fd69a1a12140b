package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mtzanidakis/agora/internal/config"
	"github.com/mtzanidakis/agora/internal/envelope"
	"github.com/mtzanidakis/agora/internal/natsbus"
)

func newTestClient(t *testing.T) *natsbus.Client {
	t.Helper()
	bus, err := natsbus.New(config.NATSConfig{Port: 0, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)

	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func testStreamConfig(stream string) StreamConfig {
	return StreamConfig{
		Stream:    stream,
		Group:     "workers",
		BlockFor:  200 * time.Millisecond,
		BatchSize: 5,
		AckWait:   500 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDistributedPublishAndConsume(t *testing.T) {
	client := newTestClient(t)

	dd, err := NewDistributedDispatcher(client, testStreamConfig("T_CONSUME"))
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}

	var got atomic.Pointer[envelope.Message]
	if err := dd.Register("teacher", HandlerFunc(func(ctx context.Context, msg *envelope.Message) (*envelope.Message, error) {
		got.Store(msg)
		return nil, nil
	})); err != nil {
		t.Fatalf("register error: %v", err)
	}

	if err := dd.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	defer dd.Stop()

	msg := mustMessage(t, envelope.TypeEvaluationRequest, "student", "teacher",
		envelope.EvaluationRequestPayload{Proposal: "2+2=4"})

	reply, err := dd.Dispatch(context.Background(), msg)
	if err != nil {
		t.Fatalf("dispatch error: %v", err)
	}
	if reply != nil {
		t.Error("distributed dispatch must not return a synchronous reply")
	}

	waitFor(t, 5*time.Second, func() bool { return got.Load() != nil })

	delivered := got.Load()
	if delivered.ID != msg.ID {
		t.Errorf("expected message %q, got %q", msg.ID, delivered.ID)
	}
	p, ok := delivered.Content.(envelope.EvaluationRequestPayload)
	if !ok || p.Proposal != "2+2=4" {
		t.Errorf("payload lost on the wire: %#v", delivered.Content)
	}
}

func TestDistributedRedeliversAfterHandlerFailure(t *testing.T) {
	client := newTestClient(t)

	dd, err := NewDistributedDispatcher(client, testStreamConfig("T_REDELIVER"))
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}

	// First attempt fails before ack, so the entry must be redelivered.
	var attempts atomic.Int32
	if err := dd.Register("teacher", HandlerFunc(func(ctx context.Context, msg *envelope.Message) (*envelope.Message, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("transient failure")
		}
		return nil, nil
	})); err != nil {
		t.Fatalf("register error: %v", err)
	}

	if err := dd.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	defer dd.Stop()

	msg := mustMessage(t, envelope.TypeUserMessage, "student", "teacher", envelope.Text("try again"))
	if _, err := dd.Dispatch(context.Background(), msg); err != nil {
		t.Fatalf("dispatch error: %v", err)
	}

	waitFor(t, 10*time.Second, func() bool { return attempts.Load() >= 2 })
}

func TestDistributedDedupesRedundantDeliveries(t *testing.T) {
	client := newTestClient(t)

	cfg := testStreamConfig("T_DEDUPE")
	dd, err := NewDistributedDispatcher(client, cfg)
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}

	var handled atomic.Int32
	if err := dd.Register("teacher", HandlerFunc(func(ctx context.Context, msg *envelope.Message) (*envelope.Message, error) {
		handled.Add(1)
		return nil, nil
	})); err != nil {
		t.Fatalf("register error: %v", err)
	}

	// Publish the same serialized message twice: two stream entries,
	// one message id.
	msg := mustMessage(t, envelope.TypeUserMessage, "student", "teacher", envelope.Text("once"))
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	subject := natsbus.SubjectMessages(cfg.Stream)
	for i := 0; i < 2; i++ {
		if err := client.StreamPublish(subject, data); err != nil {
			t.Fatalf("publish error: %v", err)
		}
	}

	if err := dd.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	defer dd.Stop()

	waitFor(t, 5*time.Second, func() bool { return handled.Load() >= 1 })
	time.Sleep(cfg.BlockFor * 2)

	if n := handled.Load(); n != 1 {
		t.Errorf("expected exactly one handled delivery, got %d", n)
	}
}
