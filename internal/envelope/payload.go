package envelope

import (
	"encoding/json"
	"fmt"
)

const maxProposalLen = 50000

// Content is the tagged union carried by a message. A message holds
// either free-form Text or the typed payload matching its Type.
type Content interface {
	isContent()
}

// Text is opaque string content, accepted for any message type.
type Text string

func (Text) isContent() {}

// payload is implemented by the structured variants.
type payload interface {
	Content
	validate() error
}

// PayloadValidationError reports structured content that does not match
// the schema for its declared message type.
type PayloadValidationError struct {
	Type   Type
	Field  string
	Reason string
}

func (e *PayloadValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: field %q %s", e.Type, e.Field, e.Reason)
}

type UserMessagePayload struct {
	Text string `json:"text"`
}

func (UserMessagePayload) isContent() {}

func (p UserMessagePayload) validate() error {
	if p.Text == "" {
		return &PayloadValidationError{Type: TypeUserMessage, Field: "text", Reason: "must not be empty"}
	}
	return nil
}

type ProposalPayload struct {
	Proposal string `json:"proposal"`
	Round    int    `json:"round,omitempty"`
}

func (ProposalPayload) isContent() {}

func (p ProposalPayload) validate() error {
	if p.Proposal == "" {
		return &PayloadValidationError{Type: TypeProposal, Field: "proposal", Reason: "must not be empty"}
	}
	if len(p.Proposal) > maxProposalLen {
		return &PayloadValidationError{Type: TypeProposal, Field: "proposal",
			Reason: fmt.Sprintf("must not exceed %d characters", maxProposalLen)}
	}
	return nil
}

type EvaluationRequestPayload struct {
	Proposal string `json:"proposal"`
	Context  string `json:"context,omitempty"`
	Urgency  string `json:"urgency,omitempty"`
}

func (EvaluationRequestPayload) isContent() {}

func (p EvaluationRequestPayload) validate() error {
	if p.Proposal == "" {
		return &PayloadValidationError{Type: TypeEvaluationRequest, Field: "proposal", Reason: "must not be empty"}
	}
	if len(p.Proposal) > maxProposalLen {
		return &PayloadValidationError{Type: TypeEvaluationRequest, Field: "proposal",
			Reason: fmt.Sprintf("must not exceed %d characters", maxProposalLen)}
	}
	switch p.Urgency {
	case "", "low", "normal", "high":
	default:
		return &PayloadValidationError{Type: TypeEvaluationRequest, Field: "urgency",
			Reason: "must be one of low, normal, high"}
	}
	return nil
}

type EvaluationResultPayload struct {
	Approved bool    `json:"approved"`
	Feedback string  `json:"feedback,omitempty"`
	Score    float64 `json:"score,omitempty"`
}

func (EvaluationResultPayload) isContent() {}

func (p EvaluationResultPayload) validate() error {
	if p.Score < 0 || p.Score > 1 {
		return &PayloadValidationError{Type: TypeEvaluationResult, Field: "score",
			Reason: "must be between 0 and 1"}
	}
	return nil
}

type BroadcastPayload struct {
	Text string `json:"text"`
}

func (BroadcastPayload) isContent() {}

func (p BroadcastPayload) validate() error {
	if p.Text == "" {
		return &PayloadValidationError{Type: TypeBroadcast, Field: "text", Reason: "must not be empty"}
	}
	return nil
}

type SystemPayload struct {
	Event  string `json:"event"`
	Detail string `json:"detail,omitempty"`
}

func (SystemPayload) isContent() {}

func (p SystemPayload) validate() error {
	if p.Event == "" {
		return &PayloadValidationError{Type: TypeSystem, Field: "event", Reason: "must not be empty"}
	}
	return nil
}

// validateContent checks that structured content matches the schema of
// the declared type. Raw Text is accepted for any type.
func validateContent(typ Type, content Content) error {
	switch c := content.(type) {
	case nil:
		return &PayloadValidationError{Type: typ, Field: "content", Reason: "must not be empty"}
	case Text:
		return nil
	case payload:
		if !payloadMatches(typ, c) {
			return &PayloadValidationError{Type: typ, Field: "content",
				Reason: fmt.Sprintf("payload %T does not match message type", c)}
		}
		return c.validate()
	default:
		return &PayloadValidationError{Type: typ, Field: "content",
			Reason: fmt.Sprintf("unsupported content %T", content)}
	}
}

func payloadMatches(typ Type, c Content) bool {
	switch c.(type) {
	case UserMessagePayload:
		return typ == TypeUserMessage
	case ProposalPayload:
		return typ == TypeProposal
	case EvaluationRequestPayload:
		return typ == TypeEvaluationRequest
	case EvaluationResultPayload:
		return typ == TypeEvaluationResult
	case BroadcastPayload:
		return typ == TypeBroadcast
	case SystemPayload:
		return typ == TypeSystem
	}
	return false
}

func marshalContent(c Content) (json.RawMessage, error) {
	switch v := c.(type) {
	case nil:
		return json.Marshal("")
	case Text:
		return json.Marshal(string(v))
	default:
		return json.Marshal(v)
	}
}

// DecodeContent decodes raw wire content for the given message type.
// It follows the same rules as message unmarshaling.
func DecodeContent(typ Type, raw json.RawMessage) (Content, error) {
	return unmarshalContent(typ, raw)
}

// unmarshalContent decodes wire content by message type. A JSON string
// becomes Text; objects decode into the typed payload for the message
// type, tolerating unknown extra fields.
func unmarshalContent(typ Type, raw json.RawMessage) (Content, error) {
	if len(raw) == 0 {
		return Text(""), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return Text(s), nil
	}

	var target payload
	switch typ {
	case TypeUserMessage:
		target = &UserMessagePayload{}
	case TypeProposal:
		target = &ProposalPayload{}
	case TypeEvaluationRequest:
		target = &EvaluationRequestPayload{}
	case TypeEvaluationResult:
		target = &EvaluationResultPayload{}
	case TypeBroadcast:
		target = &BroadcastPayload{}
	case TypeSystem:
		target = &SystemPayload{}
	default:
		return nil, fmt.Errorf("unknown message type %q", typ)
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("decode %s content: %w", typ, err)
	}
	// Out-of-process producers write to the stream too; decoded
	// payloads get the same schema check as constructed ones.
	if err := target.validate(); err != nil {
		return nil, err
	}

	// Stored and compared as values everywhere else.
	switch p := target.(type) {
	case *UserMessagePayload:
		return *p, nil
	case *ProposalPayload:
		return *p, nil
	case *EvaluationRequestPayload:
		return *p, nil
	case *EvaluationResultPayload:
		return *p, nil
	case *SystemPayload:
		return *p, nil
	case *BroadcastPayload:
		return *p, nil
	}
	return target, nil
}
