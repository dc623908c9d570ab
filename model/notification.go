package model

import "time"

// NotificationType names the transition a notification reports.
type NotificationType string

// Notification types.
const (
	NotifyStageEntered NotificationType = "stage_entered"
	NotifyApproved     NotificationType = "approved"
	NotifyRejected     NotificationType = "rejected"
	NotifyEscalated    NotificationType = "escalated"
	NotifyDelegated    NotificationType = "delegated"
	NotifyReassigned   NotificationType = "reassigned"
	NotifyExpired      NotificationType = "expired"
	NotifyCancelled    NotificationType = "cancelled"
)

// Notification is an outbound event emitted for an instance transition.
// Consumers deduplicate on ID; Sequence orders events within one instance.
type Notification struct {
	ID         string           `json:"id"`
	InstanceID string           `json:"instance_id"`
	DocumentID string           `json:"document_id"`
	Type       NotificationType `json:"type"`
	Stage      int              `json:"stage"`
	Status     InstanceStatus   `json:"status"`
	Recipients []string         `json:"recipients,omitempty"`
	ActionBy   string           `json:"action_by,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
	Sequence   int64            `json:"sequence"`
}
