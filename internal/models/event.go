package models

import "time"

// EntityKind identifies what a transition or bulk operation targets.
type EntityKind string

const (
	EntityApprovalRequest EntityKind = "approval_request"
	EntityInstitution     EntityKind = "institution"
	EntityUser            EntityKind = "user"
)

// Event names accepted by the state machine.
type Event string

const (
	EventReviewStart Event = "review_start"
	EventApprove     Event = "approve"
	EventReject      Event = "reject"
	EventVerify      Event = "verify"
	EventSuspend     Event = "suspend"
	EventReactivate  Event = "reactivate"
	EventReopen      Event = "reopen"
)

// DomainEvent is emitted after every committed transition for the notification collaborator.
type DomainEvent struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	Entity       EntityKind `json:"entity"`
	EntityID     string     `json:"entity_id"`
	TargetUserID string     `json:"target_user_id,omitempty"`
	ActorID      string     `json:"actor_id"`
	From         string     `json:"from"`
	To           string     `json:"to"`
	Notes        string     `json:"notes,omitempty"`
	OccurredAt   time.Time  `json:"occurred_at"`
}
