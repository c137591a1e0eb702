// Package events contains the public wire types, topics, identities and
// collaborator interfaces shared by every part of the realtime service.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EventType is the closed set of event tags carried by an Envelope.
type EventType string

const (
	// System events.
	EventPing   EventType = "ping"
	EventPong   EventType = "pong"
	EventAuth   EventType = "auth"
	EventAuthOK EventType = "authOk"
	EventJoin   EventType = "join"
	EventLeave  EventType = "leave"
	EventError  EventType = "error"

	// Server originated.
	EventNotification     EventType = "notification"
	EventDashboardMetrics EventType = "dashboardMetrics"

	// Domain events, relayed on their domain topic.
	EventTaskUpdated        EventType = "taskUpdated"
	EventLeaveUpdated       EventType = "leaveUpdated"
	EventAttendanceUpdated  EventType = "attendanceUpdated"
	EventProjectUpdated     EventType = "projectUpdated"
	EventPerformanceUpdated EventType = "performanceUpdated"
)

// Error codes carried in the payload of an EventError envelope.
const (
	CodeInvalidEnvelope = "invalid_envelope"
	CodeInvalidPayload  = "invalid_payload"
	CodeUnauthorized    = "unauthorized"
	CodeInvalidTopic    = "invalid_topic"
	CodeUnsupported     = "unsupported_event"
	CodeInternal        = "internal_error"
)

var domainTopics = map[EventType]Topic{
	EventTaskUpdated:        TopicTasks,
	EventLeaveUpdated:       TopicLeaves,
	EventAttendanceUpdated:  TopicAttendance,
	EventProjectUpdated:     TopicProjects,
	EventPerformanceUpdated: TopicPerformance,
}

var knownTypes = map[EventType]bool{
	EventPing: true, EventPong: true, EventAuth: true, EventAuthOK: true,
	EventJoin: true, EventLeave: true, EventError: true,
	EventNotification: true, EventDashboardMetrics: true,
	EventTaskUpdated: true, EventLeaveUpdated: true, EventAttendanceUpdated: true,
	EventProjectUpdated: true, EventPerformanceUpdated: true,
}

// DomainEventTypes lists the domain events in a stable order.
func DomainEventTypes() []EventType {
	return []EventType{
		EventTaskUpdated,
		EventLeaveUpdated,
		EventAttendanceUpdated,
		EventProjectUpdated,
		EventPerformanceUpdated,
	}
}

// Known reports whether t belongs to the closed event set.
func (t EventType) Known() bool {
	return knownTypes[t]
}

// Inbound reports whether clients are allowed to send t.
func (t EventType) Inbound() bool {
	switch t {
	case EventPing, EventAuth, EventJoin, EventLeave:
		return true
	}
	return t.IsDomain()
}

// Publishable reports whether collaborators may publish t to a topic.
func (t EventType) Publishable() bool {
	return t == EventNotification || t == EventDashboardMetrics || t.IsDomain()
}

// IsDomain reports whether t is one of the domain change events.
func (t EventType) IsDomain() bool {
	_, ok := domainTopics[t]
	return ok
}

// DomainTopic returns the topic a domain event is relayed on.
func (t EventType) DomainTopic() (Topic, bool) {
	topic, ok := domainTopics[t]
	return topic, ok
}

// Envelope is the tagged message exchanged with clients in both directions.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(t EventType, payload any) (Envelope, error) {
	if !t.Known() {
		return Envelope{}, fmt.Errorf("%w: unknown event type %q", ErrValidation, t)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: data}, nil
}

// MustEnvelope is NewEnvelope for payloads that cannot fail to marshal.
func MustEnvelope(t EventType, payload any) Envelope {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// ErrorEnvelope builds the envelope sent back to a client whose message was rejected.
func ErrorEnvelope(code, message string) Envelope {
	return MustEnvelope(EventError, ErrorPayload{Code: code, Message: message})
}

// ErrorPayload is the payload of an EventError envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodeEnvelope parses raw client input and validates its shape.
// A missing payload is normalized to an empty object.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: malformed json: %v", ErrValidation, err)
	}
	if len(env.Payload) == 0 || bytes.Equal(bytes.TrimSpace(env.Payload), []byte("null")) {
		env.Payload = json.RawMessage(`{}`)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the envelope has a known type and an object payload.
func (e Envelope) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("%w: missing type", ErrValidation)
	}
	if !e.Type.Known() {
		return fmt.Errorf("%w: unknown event type %q", ErrValidation, e.Type)
	}
	if !IsObject(e.Payload) {
		return fmt.Errorf("%w: payload must be a json object", ErrValidation)
	}
	return nil
}

// IsObject reports whether raw is a JSON object.
func IsObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Valid(trimmed)
}
