package transport

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-bigraph/pkg/validation"
)

// Request types carried on request channels
const (
	TypeGraphRequest      = "GRAPH_REQUEST"
	TypeEscalationRequest = "ESCALATION_REQUEST"
)

var (
	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrUnknownType     = errors.New("unknown request type")
)

// GraphRequest asks the parent tier for the requester's slice
type GraphRequest struct {
	Type   string `json:"type" validate:"required,eq=GRAPH_REQUEST"`
	HubID  string `json:"hub_id,omitempty" validate:"omitempty,tierid"`
	MidID  string `json:"mid_id,omitempty" validate:"omitempty,tierid"`
	Reason string `json:"reason,omitempty"`
}

// EscalationRequest hands an unhandled event to the parent tier. Graph
// carries the child's graph inline; the file fields name a shared path.
type EscalationRequest struct {
	Type            string          `json:"type" validate:"required,eq=ESCALATION_REQUEST"`
	HubID           string          `json:"hub_id" validate:"required,tierid"`
	MidID           string          `json:"mid_id,omitempty" validate:"omitempty,tierid"`
	Event           json.RawMessage `json:"event,omitempty"`
	Reason          string          `json:"reason" validate:"required"`
	GraphFile       string          `json:"graph_file,omitempty"`
	RegionGraphFile string          `json:"region_graph_file,omitempty"`
	Graph           []byte          `json:"graph,omitempty"`
	Timestamp       float64         `json:"timestamp"`
	RequestID       string          `json:"request_id,omitempty"`
}

// RuleEnvelope addresses one encoded rule to a hub. The payload key is
// kept for wire compatibility.
type RuleEnvelope struct {
	HubID   string `json:"hub_id" validate:"required,tierid"`
	RuleB64 string `json:"capnp_rule_b64" validate:"required,base64"`
}

// RuleBatch groups envelopes published in one step
type RuleBatch struct {
	Batch []RuleEnvelope `json:"batch" validate:"required,min=1,dive"`
}

// NewGraphRequest builds a validated-shape graph request
func NewGraphRequest(hubID, midID, reason string) GraphRequest {
	return GraphRequest{Type: TypeGraphRequest, HubID: hubID, MidID: midID, Reason: reason}
}

// NewEscalationRequest builds an escalation stamped with the current time
func NewEscalationRequest(hubID, midID, reason string, event json.RawMessage) EscalationRequest {
	return EscalationRequest{
		Type:      TypeEscalationRequest,
		HubID:     hubID,
		MidID:     midID,
		Event:     event,
		Reason:    reason,
		Timestamp: float64(time.Now().UnixMilli()) / 1000,
	}
}

// NewRuleEnvelope wraps encoded rule bytes for hubID
func NewRuleEnvelope(hubID string, rule []byte) RuleEnvelope {
	return RuleEnvelope{HubID: hubID, RuleB64: base64.StdEncoding.EncodeToString(rule)}
}

// Rule decodes the envelope payload
func (e RuleEnvelope) Rule() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(e.RuleB64)
	if err != nil {
		return nil, fmt.Errorf("%w: rule payload: %v", ErrInvalidEnvelope, err)
	}
	return data, nil
}

// Marshal validates v and encodes it as JSON
func Marshal(v any) ([]byte, error) {
	if err := validation.Struct(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return json.Marshal(v)
}

// DecodeRequest reads a GRAPH_REQUEST or ESCALATION_REQUEST. It returns
// *GraphRequest or *EscalationRequest.
func DecodeRequest(data []byte) (any, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	var req any
	switch head.Type {
	case TypeGraphRequest:
		req = &GraphRequest{}
	case TypeEscalationRequest:
		req = &EscalationRequest{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	if err := decodeValid(data, req); err != nil {
		return nil, err
	}
	return req, nil
}

// DecodeRuleDelivery reads a single envelope or a {batch:[...]} message
func DecodeRuleDelivery(data []byte) ([]RuleEnvelope, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if _, ok := probe["batch"]; ok {
		var batch RuleBatch
		if err := decodeValid(data, &batch); err != nil {
			return nil, err
		}
		return batch.Batch, nil
	}
	var env RuleEnvelope
	if err := decodeValid(data, &env); err != nil {
		return nil, err
	}
	return []RuleEnvelope{env}, nil
}

func decodeValid(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := validation.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return nil
}

// Event is a free-form automation event
type Event struct {
	Type string
	Raw  json.RawMessage
}

// ParseEvent reads a JSON object event. The type key is optional.
func ParseEvent(data []byte) (Event, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return Event{}, fmt.Errorf("%w: event must be a JSON object", ErrInvalidEnvelope)
	}
	ev := Event{Raw: json.RawMessage(data)}
	if raw, ok := obj["type"]; ok {
		_ = json.Unmarshal(raw, &ev.Type)
	}
	return ev, nil
}
