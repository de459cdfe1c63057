package model

import "time"

// Entity types used in audit entries and change events.
const (
	EntityApplication = "application"
	EntityContract    = "contract"
	EntitySanction    = "sanction"
	EntityProvider    = "provider"
)

// AuditEntry records one state change.
type AuditEntry struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Action     string         `json:"action"`
	ActorID    string         `json:"actor_id"`
	From       string         `json:"from,omitempty"`
	To         string         `json:"to,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Notification is a user-facing message about an entity.
type Notification struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	RecipientID string    `json:"recipient_id"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	EntityType  string    `json:"entity_type"`
	EntityID    string    `json:"entity_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChangeEvent tells subscribers that cached views of an entity are stale.
type ChangeEvent struct {
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Kind       string    `json:"kind"`
	At         time.Time `json:"at"`
}
