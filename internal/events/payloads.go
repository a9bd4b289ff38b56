package events

import (
	"encoding/json"
	"time"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// SESSION LIFECYCLE EVENTS
// =============================================================================

type SessionCreatedPayload struct {
	ReviewID   int64  `json:"review_id"`
	ProviderID string `json:"provider_id"`
}

func (SessionCreatedPayload) EventType() EventType { return EventSessionCreated }

type SessionClosedPayload struct {
	Reason string `json:"reason,omitempty"`
}

func (SessionClosedPayload) EventType() EventType { return EventSessionClosed }

type SessionErrorPayload struct {
	Error string `json:"error"`
}

func (SessionErrorPayload) EventType() EventType { return EventSessionError }

// =============================================================================
// PROVIDER REGISTRY EVENTS
// =============================================================================

type ProviderAvailabilityPayload struct {
	ProviderID string    `json:"provider_id"`
	Available  bool      `json:"available"`
	Reason     string    `json:"reason,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

func (ProviderAvailabilityPayload) EventType() EventType { return EventProviderAvailability }

// =============================================================================
// TYPED EVENT CONSTRUCTORS
// =============================================================================

func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return Event{
		ID:        generateEventID(),
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

func NewTypedEventWithSession(source EventSource, payload EventPayload, sessionID string) Event {
	return Event{
		ID:        generateEventID(),
		SessionID: sessionID,
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// =============================================================================
// TYPED PAYLOAD EXTRACTORS
// =============================================================================

func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}

func GetSessionCreatedPayload(e Event) (SessionCreatedPayload, bool) {
	return ExtractPayload[SessionCreatedPayload](e)
}

func GetSessionClosedPayload(e Event) (SessionClosedPayload, bool) {
	return ExtractPayload[SessionClosedPayload](e)
}

func GetSessionErrorPayload(e Event) (SessionErrorPayload, bool) {
	return ExtractPayload[SessionErrorPayload](e)
}

func GetProviderAvailabilityPayload(e Event) (ProviderAvailabilityPayload, bool) {
	return ExtractPayload[ProviderAvailabilityPayload](e)
}
