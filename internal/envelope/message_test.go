package envelope

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNewGeneratesID(t *testing.T) {
	m1, err := New(TypeUserMessage, "student", "teacher", Text("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m2, err := New(TypeUserMessage, "student", "teacher", Text("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m1.ID == "" || m1.ID == m2.ID {
		t.Errorf("expected unique non-empty ids, got %q and %q", m1.ID, m2.ID)
	}
	if m1.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}
}

func TestNewRejectsMismatchedPayload(t *testing.T) {
	_, err := New(TypeUserMessage, "a", "b", EvaluationRequestPayload{Proposal: "x"})
	var verr *PayloadValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected PayloadValidationError, got %v", err)
	}
	if verr.Field != "content" {
		t.Errorf("expected field 'content', got %q", verr.Field)
	}
}

func TestNewValidatesPayloadFields(t *testing.T) {
	_, err := New(TypeEvaluationRequest, "a", "b", EvaluationRequestPayload{
		Proposal: "2+2=4",
		Urgency:  "asap",
	})
	var verr *PayloadValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected PayloadValidationError, got %v", err)
	}
	if verr.Field != "urgency" {
		t.Errorf("expected field 'urgency', got %q", verr.Field)
	}

	_, err = New(TypeEvaluationRequest, "a", "b", EvaluationRequestPayload{})
	if !errors.As(err, &verr) || verr.Field != "proposal" {
		t.Errorf("expected proposal validation error, got %v", err)
	}
}

func TestReplyCorrelation(t *testing.T) {
	orig, err := New(TypeEvaluationRequest, "student", "teacher",
		EvaluationRequestPayload{Proposal: "2+2=4"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reply, err := orig.Reply(TypeEvaluationResult, EvaluationResultPayload{Approved: true}, "teacher")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if reply.CorrelationID != orig.ID {
		t.Errorf("expected correlation id %q, got %q", orig.ID, reply.CorrelationID)
	}
	if reply.RecipientID != "student" {
		t.Errorf("expected recipient 'student', got %q", reply.RecipientID)
	}
	if reply.SenderID != "teacher" {
		t.Errorf("expected sender 'teacher', got %q", reply.SenderID)
	}

	// A reply to a correlated message inherits the existing correlation id.
	second, err := reply.Reply(TypeUserMessage, Text("thanks"), "student")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.CorrelationID != orig.ID {
		t.Errorf("expected inherited correlation id %q, got %q", orig.ID, second.CorrelationID)
	}
}

func TestReplyDoesNotMutateParent(t *testing.T) {
	orig, err := New(TypeUserMessage, "student", "teacher", Text("hello"),
		WithMetadata(map[string]string{MetaRoomID: "room-1"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id, corr := orig.ID, orig.CorrelationID

	reply, err := orig.Reply(TypeUserMessage, Text("hi"), "teacher")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if orig.ID != id || orig.CorrelationID != corr {
		t.Error("reply mutated the parent message")
	}
	if reply.RoomID() != "room-1" {
		t.Errorf("expected room metadata to carry over, got %q", reply.RoomID())
	}
}

func TestWireRoundTrip(t *testing.T) {
	orig, err := New(TypeEvaluationRequest, "student", "teacher",
		EvaluationRequestPayload{Proposal: "2+2=4", Context: "arithmetic", Urgency: "high"},
		WithMetadata(map[string]string{MetaRoomID: "room-7"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	if decoded.ID != orig.ID || decoded.Type != orig.Type {
		t.Errorf("identity fields lost in round trip: %+v", decoded)
	}
	p, ok := decoded.Content.(EvaluationRequestPayload)
	if !ok {
		t.Fatalf("expected EvaluationRequestPayload, got %T", decoded.Content)
	}
	if p.Proposal != "2+2=4" || p.Urgency != "high" {
		t.Errorf("payload fields lost in round trip: %+v", p)
	}
	if decoded.RoomID() != "room-7" {
		t.Errorf("expected room-7, got %q", decoded.RoomID())
	}
}

func TestUnmarshalTolerantOfExtraFields(t *testing.T) {
	raw := `{"id":"m1","type":"evaluation_request","sender_id":"s","recipient_id":"t",` +
		`"content":{"proposal":"p","urgency":"low","future_field":42},"created_at":"2026-01-01T00:00:00Z"}`

	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, ok := m.Content.(EvaluationRequestPayload)
	if !ok {
		t.Fatalf("expected EvaluationRequestPayload, got %T", m.Content)
	}
	if p.Proposal != "p" {
		t.Errorf("expected proposal 'p', got %q", p.Proposal)
	}
}

func TestUnmarshalValidatesDecodedPayload(t *testing.T) {
	// Stream entries written by out-of-process producers must pass the
	// same schema check as locally constructed messages.
	long := strings.Repeat("x", maxProposalLen+1)
	raw := `{"id":"m3","type":"proposal","sender_id":"s","recipient_id":"t",` +
		`"content":{"proposal":"` + long + `"},"created_at":"2026-01-01T00:00:00Z"}`

	var m Message
	err := json.Unmarshal([]byte(raw), &m)
	var verr *PayloadValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected PayloadValidationError, got %v", err)
	}
	if verr.Field != "proposal" {
		t.Errorf("expected offending field 'proposal', got %q", verr.Field)
	}
}

func TestUnmarshalStringContent(t *testing.T) {
	raw := `{"id":"m2","type":"system","sender_id":"s","recipient_id":"t","content":"restart"}`

	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Content != Text("restart") {
		t.Errorf("expected Text content, got %#v", m.Content)
	}
}
