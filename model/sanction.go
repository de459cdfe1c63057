package model

import "time"

// SanctionType classifies a disciplinary action.
type SanctionType string

// Sanction types.
const (
	SanctionWarning         SanctionType = "warning"
	SanctionSuspension      SanctionType = "suspension"
	SanctionFine            SanctionType = "fine"
	SanctionDeaccreditation SanctionType = "deaccreditation"
)

// Valid reports whether t is a known sanction type.
func (t SanctionType) Valid() bool {
	switch t {
	case SanctionWarning, SanctionSuspension, SanctionFine, SanctionDeaccreditation:
		return true
	}
	return false
}

// SanctionStatus is the lifecycle state of a sanction.
type SanctionStatus string

// Sanction statuses.
const (
	SanctionActive    SanctionStatus = "active"
	SanctionServed    SanctionStatus = "served"
	SanctionCancelled SanctionStatus = "cancelled"
	SanctionSuspended SanctionStatus = "suspended"
)

// Sanction is a disciplinary action against a provider.
type Sanction struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	ProviderID string         `json:"provider_id"`
	Type       SanctionType   `json:"type"`
	Status     SanctionStatus `json:"status"`
	Reason     string         `json:"reason"`
	StartsAt   time.Time      `json:"starts_at"`
	EndsAt     *time.Time     `json:"ends_at,omitempty"`
	AppliedBy  string         `json:"applied_by"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Version    int            `json:"version"`
}

// InEffect reports whether the sanction is active and inside its window.
func (s Sanction) InEffect(now time.Time) bool {
	if s.Status != SanctionActive || now.Before(s.StartsAt) {
		return false
	}
	return s.EndsAt == nil || now.Before(*s.EndsAt)
}

// SanctionRequest is the input for applying a sanction.
type SanctionRequest struct {
	ProviderID string       `json:"provider_id"`
	Type       SanctionType `json:"type"`
	Reason     string       `json:"reason"`
	StartsAt   *time.Time   `json:"starts_at,omitempty"`
	EndsAt     *time.Time   `json:"ends_at,omitempty"`
}

// Validate checks the request shape.
func (r SanctionRequest) Validate() []FieldError {
	var errs []FieldError
	if r.ProviderID == "" {
		errs = append(errs, FieldError{Field: "provider_id", Code: "REQUIRED", Message: "provider is required"})
	}
	if !r.Type.Valid() {
		errs = append(errs, FieldError{Field: "type", Code: "INVALID", Message: "type must be warning, suspension, fine or deaccreditation"})
	}
	if r.Reason == "" {
		errs = append(errs, FieldError{Field: "reason", Code: "REQUIRED", Message: "reason is required"})
	}
	if r.Type == SanctionSuspension && r.EndsAt == nil {
		errs = append(errs, FieldError{Field: "ends_at", Code: "REQUIRED", Message: "a suspension needs an end date"})
	}
	if r.StartsAt != nil && r.EndsAt != nil && !r.EndsAt.After(*r.StartsAt) {
		errs = append(errs, FieldError{Field: "ends_at", Code: "INVALID", Message: "end date must be after start date"})
	}
	return errs
}

// SanctionFilter narrows sanction listings. Empty fields match all.
type SanctionFilter struct {
	ProviderID string
	Statuses   []SanctionStatus
	Types      []SanctionType
}
