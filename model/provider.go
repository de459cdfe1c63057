package model

import "time"

// ProviderStatus mirrors the accredited provider's standing.
type ProviderStatus string

// Provider statuses.
const (
	ProviderActive       ProviderStatus = "active"
	ProviderSuspended    ProviderStatus = "suspended"
	ProviderDeaccredited ProviderStatus = "deaccredited"
)

// Provider is an accredited professional or establishment, created from a
// signed contract.
type Provider struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	ApplicationID string         `json:"application_id"`
	ContractID    string         `json:"contract_id"`
	CandidateID   string         `json:"candidate_id"`
	ProgramID     string         `json:"program_id"`
	Name          string         `json:"name"`
	TaxID         string         `json:"tax_id"`
	License       string         `json:"license,omitempty"`
	Specialty     string         `json:"specialty,omitempty"`
	Email         string         `json:"email,omitempty"`
	Address       string         `json:"address,omitempty"`
	Latitude      *float64       `json:"latitude,omitempty"`
	Longitude     *float64       `json:"longitude,omitempty"`
	Status        ProviderStatus `json:"status"`
	AccreditedAt  time.Time      `json:"accredited_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Version       int            `json:"version"`
}

// CertificateStatus is the public validation result of a certificate.
type CertificateStatus string

// Certificate statuses.
const (
	CertificateValid   CertificateStatus = "valid"
	CertificateExpired CertificateStatus = "expired"
	CertificateRevoked CertificateStatus = "revoked"
)

// Certificate attests a provider's accreditation and can be checked by the
// public through its verification code.
type Certificate struct {
	ID         string     `json:"id"`
	ProviderID string     `json:"provider_id"`
	Number     string     `json:"number"`
	Code       string     `json:"code"`
	IssuedAt   time.Time  `json:"issued_at"`
	ValidUntil time.Time  `json:"valid_until"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// CertificateCheck is the public view returned by certificate validation.
type CertificateCheck struct {
	Status     CertificateStatus `json:"status"`
	Number     string            `json:"number"`
	HolderName string            `json:"holder_name"`
	Specialty  string            `json:"specialty,omitempty"`
	ProgramID  string            `json:"program_id"`
	IssuedAt   time.Time         `json:"issued_at"`
	ValidUntil time.Time         `json:"valid_until"`
}
