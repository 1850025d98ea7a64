package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventJobCreated      EventType = "job_created"
	EventStageChanged    EventType = "stage_changed"
	EventProgress        EventType = "processing_progress"
	EventCompleted       EventType = "processing_completed"
	EventFailed          EventType = "processing_failed"
	EventResourceWarning EventType = "resource_warning"
)

// Default priorities per event type. Failures outrank everything so they are
// surfaced before stale progress ticks.
const (
	PriorityFailed    = 1
	PriorityCompleted = 2
	PriorityWarning   = 3
	PriorityProgress  = 4
	PriorityInfo      = 5
)

type EventStatus string

const (
	EventPending   EventStatus = "pending"
	EventInFlight  EventStatus = "in_flight"
	EventDelivered EventStatus = "delivered"
	EventFailedOut EventStatus = "failed"
	EventExpired   EventStatus = "expired"
)

// IsTerminal reports whether the status can no longer change.
func (s EventStatus) IsTerminal() bool {
	return s == EventDelivered || s == EventFailedOut || s == EventExpired
}

type TargetScope string

const (
	ScopeVideo   TargetScope = "video"
	ScopeProject TargetScope = "project"
	ScopeUser    TargetScope = "user"
)

// Target identifies who an event is for. Structured on purpose: routing on
// concatenated strings is how subscribers get lost.
type Target struct {
	Scope TargetScope `json:"scope"`
	ID    string      `json:"id"`
}

func (t Target) String() string {
	return string(t.Scope) + ":" + t.ID
}

// ParseTarget parses the "scope:id" form used on the wire and in storage.
func ParseTarget(s string) (Target, error) {
	scope, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Target{}, fmt.Errorf("malformed target %q", s)
	}
	switch TargetScope(scope) {
	case ScopeVideo, ScopeProject, ScopeUser:
		return Target{Scope: TargetScope(scope), ID: id}, nil
	}
	return Target{}, fmt.Errorf("unknown target scope %q", scope)
}

// NotificationEvent is one durable delivery obligation created by a workflow
// transition or a pipeline progress tick.
//
// Status moves monotonically: pending -> in_flight -> delivered | pending
// (attempt bumped) | failed | expired. A delivered event never regresses.
type NotificationEvent struct {
	// Seq is the insertion order assigned by the event store, used as the
	// final delivery tie-break.
	Seq int64

	ID          string
	Type        EventType
	Target      Target
	Priority    int
	Payload     json.RawMessage
	Status      EventStatus
	Attempts    int
	NextRetryAt time.Time
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// NewEvent builds a pending event with a fresh identifier. ttl bounds how
// long delivery will be attempted before the event is declared stale.
func NewEvent(typ EventType, target Target, priority int, payload any, ttl time.Duration) (*NotificationEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	now := time.Now().UTC()
	return &NotificationEvent{
		ID:          uuid.NewString(),
		Type:        typ,
		Target:      target,
		Priority:    ClampPriority(priority),
		Payload:     body,
		Status:      EventPending,
		NextRetryAt: now,
		ExpiresAt:   now.Add(ttl),
		CreatedAt:   now,
	}, nil
}
