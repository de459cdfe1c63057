package model

import "time"

// ContractStatus is the lifecycle state of a credentialing contract.
type ContractStatus string

// Contract statuses.
const (
	ContractGenerated        ContractStatus = "generated"
	ContractPendingSignature ContractStatus = "pending_signature"
	ContractSigned           ContractStatus = "signed"
	ContractFailed           ContractStatus = "failed"
	ContractSuperseded       ContractStatus = "superseded"
)

// Contract is the credentialing agreement generated for an approved
// application. Rows are never reused: regeneration supersedes the old row
// and creates a new one.
type Contract struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	ApplicationID string         `json:"application_id"`
	Number        string         `json:"number"`
	TemplateID    string         `json:"template_id"`
	Status        ContractStatus `json:"status"`
	DocumentKey   string         `json:"document_key"`

	// ProviderDocumentID is the signing provider's tracking reference.
	ProviderDocumentID string `json:"provider_document_id,omitempty"`
	FailureReason      string `json:"failure_reason,omitempty"`
	SupersededBy       string `json:"superseded_by,omitempty"`
	Supersedes         string `json:"supersedes,omitempty"`

	GeneratedAt  time.Time  `json:"generated_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	ViewedAt     *time.Time `json:"viewed_at,omitempty"`
	SignedAt     *time.Time `json:"signed_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Version      int        `json:"version"`
}

// Active reports whether the contract still counts against the one-contract
// per application rule.
func (c Contract) Active() bool {
	return c.Status != ContractSuperseded
}

// ContractFilter narrows contract listings. Empty fields match all.
type ContractFilter struct {
	ApplicationID string
	Statuses      []ContractStatus
	UpdatedBefore *time.Time
	Limit         int
}

// Signature event types delivered by the signing provider.
const (
	SignatureEventSigned   = "document.signed"
	SignatureEventRejected = "document.rejected"
	SignatureEventExpired  = "document.expired"
	SignatureEventViewed   = "document.viewed"
)

// SignatureEvent is an inbound webhook notification from the signing
// provider.
type SignatureEvent struct {
	EventID    string     `json:"event_id,omitempty"`
	Event      string     `json:"event"`
	DocumentID string     `json:"document_id"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// ReconcileResult reports what a signature event did to a contract.
type ReconcileResult struct {
	Contract Contract `json:"contract"`
	Applied  bool     `json:"applied"`
}
