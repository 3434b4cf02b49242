// Package envelope defines the in-process message representation shared by
// the bus, the pipeline, and every transport adapter.
//
// An Envelope wraps a caller's payload with routing, correlation, and
// quality-of-service metadata. Three semantic variants share the same
// struct, discriminated by Kind: Command (exactly-one handler, optional
// typed response), Event (zero-or-more handlers, fan-out), and Query
// (exactly-one handler, typed result, optionally cacheable).
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the three dispatch semantics an Envelope may carry.
type Kind string

const (
	Command Kind = "command"
	Event   Kind = "event"
	Query   Kind = "query"
)

// Envelope is the core message structure that flows through the bus,
// the pipeline, and across transport adapters.
//
// Thread safety: an Envelope should be treated as immutable after it is
// handed to the bus. Clone before mutating a copy held elsewhere.
type Envelope struct {
	ID            string `json:"id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`

	Kind        Kind   `json:"kind"`
	MessageType string `json:"message_type"`

	Source      string `json:"source,omitempty"`
	Destination string `json:"destination,omitempty"`

	Timestamp time.Time     `json:"timestamp"`
	TTL       time.Duration `json:"ttl,omitempty"`
	Priority  int           `json:"priority,omitempty"`

	System      bool              `json:"system,omitempty"`
	NonBlocking bool              `json:"non_blocking,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Payload     json.RawMessage   `json:"payload"`

	// Event-only fields.
	AggregateID      string `json:"aggregate_id,omitempty"`
	AggregateVersion int64  `json:"aggregate_version,omitempty"`

	// Query-only fields.
	CacheKey      string        `json:"cache_key,omitempty"`
	CacheDuration time.Duration `json:"cache_duration,omitempty"`

	// ResponseType is an opaque hint (set by callers, ignored by the core)
	// naming the Go type a command response or query result decodes into.
	ResponseType string `json:"response_type,omitempty"`

	HopCount int      `json:"hop_count,omitempty"`
	Route    []string `json:"route,omitempty"`
}

// New creates an envelope with a freshly generated ID and timestamp.
func New(kind Kind, source, destination, messageType string, payload interface{}) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:          uuid.New().String(),
		Kind:        kind,
		Source:      source,
		Destination: destination,
		MessageType: messageType,
		Timestamp:   time.Now(),
		Payload:     body,
		Headers:     make(map[string]string),
	}, nil
}

// NewReply builds a reply to req, correlated by ID and addressed back to
// the requester.
func NewReply(req *Envelope, source string, payload interface{}) (*Envelope, error) {
	reply, err := New(req.Kind, source, req.Source, req.MessageType+".reply", payload)
	if err != nil {
		return nil, err
	}
	reply.CorrelationID = req.ID
	reply.CausationID = req.ID
	return reply, nil
}

// AddHop records that agentID processed this envelope.
func (e *Envelope) AddHop(agentID string) {
	e.HopCount++
	e.Route = append(e.Route, agentID)
}

// SetHeader sets a header value, allocating the map on first use.
func (e *Envelope) SetHeader(key, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[key] = value
}

// GetHeader retrieves a header, matched case-sensitively.
func (e *Envelope) GetHeader(key string) (string, bool) {
	if e.Headers == nil {
		return "", false
	}
	v, ok := e.Headers[key]
	return v, ok
}

// UnmarshalPayload decodes the payload into v.
func (e *Envelope) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// IsExpired reports whether the envelope's TTL has elapsed. An envelope
// with TTL <= 0 never expires.
func (e *Envelope) IsExpired() bool {
	if e.TTL <= 0 {
		return false
	}
	return time.Now().After(e.Timestamp.Add(e.TTL))
}

// Clone deep-copies the envelope, including its maps, slice, and payload
// bytes, so the copy can be mutated independently.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.Headers != nil {
		clone.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			clone.Headers[k] = v
		}
	}
	if e.Route != nil {
		clone.Route = append([]string(nil), e.Route...)
	}
	if e.Payload != nil {
		clone.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return &clone
}

// MessageSize returns the approximate wire size of the envelope in bytes.
func (e *Envelope) MessageSize() int {
	data, err := json.Marshal(e)
	if err != nil {
		return 0
	}
	return len(data)
}

// Validate checks the invariants an envelope must satisfy before dispatch.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "envelope ID is required"}
	}
	if e.MessageType == "" {
		return &ValidationError{Field: "message_type", Message: "message type is required"}
	}
	switch e.Kind {
	case Command, Event, Query:
	default:
		return &ValidationError{Field: "kind", Message: "kind must be command, event, or query"}
	}
	if e.Payload == nil {
		return &ValidationError{Field: "payload", Message: "payload is required"}
	}
	if e.TTL < 0 {
		return &ValidationError{Field: "ttl", Message: "ttl must not be negative"}
	}
	return nil
}

// ValidationError reports a single invalid envelope field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ToJSON serializes the envelope. Used by the default JSON MessageSerializer
// and by transports that pass the envelope through unopinionated.
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON deserializes an envelope produced by ToJSON.
func FromJSON(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
