package model

import (
	"strings"
	"time"
)

// DocumentAction is what the candidate must do with a rejected document.
type DocumentAction string

// Document actions.
const (
	DocumentResend     DocumentAction = "resend"
	DocumentComplement DocumentAction = "complement"
	DocumentCorrect    DocumentAction = "correct"
)

// Valid reports whether a is a known document action.
func (a DocumentAction) Valid() bool {
	switch a {
	case DocumentResend, DocumentComplement, DocumentCorrect:
		return true
	}
	return false
}

// RejectedField flags a submission field the analyst did not accept.
type RejectedField struct {
	Field   string `json:"field"`
	Section string `json:"section,omitempty"`
	Reason  string `json:"reason"`
}

// RejectedDocument flags an uploaded document and the action required.
type RejectedDocument struct {
	DocumentID string         `json:"document_id"`
	Action     DocumentAction `json:"action"`
	Reason     string         `json:"reason,omitempty"`
}

// Decision is an analyst's ruling on an application for one analysis cycle.
type Decision struct {
	ID                 string             `json:"id"`
	ApplicationID      string             `json:"application_id"`
	AnalystID          string             `json:"analyst_id"`
	Cycle              int                `json:"cycle"`
	Outcome            ApplicationStatus  `json:"outcome"`
	Justification      string             `json:"justification"`
	RejectedFields     []RejectedField    `json:"rejected_fields,omitempty"`
	RejectedDocuments  []RejectedDocument `json:"rejected_documents,omitempty"`
	CorrectionDeadline *time.Time         `json:"correction_deadline,omitempty"`
	DecidedAt          time.Time          `json:"decided_at"`
}

// DecisionRequest is the input of the decision recorder.
type DecisionRequest struct {
	ApplicationID      string             `json:"-"`
	Outcome            ApplicationStatus  `json:"outcome"`
	Justification      string             `json:"justification"`
	RejectedFields     []RejectedField    `json:"rejected_fields,omitempty"`
	RejectedDocuments  []RejectedDocument `json:"rejected_documents,omitempty"`
	CorrectionDeadline *time.Time         `json:"correction_deadline,omitempty"`
}

// Validate checks the request shape. now is used for the deadline check.
func (r DecisionRequest) Validate(now time.Time) []FieldError {
	var errs []FieldError
	switch r.Outcome {
	case ApplicationApproved, ApplicationRejected, ApplicationPendingCorrection:
	default:
		errs = append(errs, FieldError{Field: "outcome", Code: "INVALID", Message: "outcome must be approved, rejected or pending_correction"})
	}
	if strings.TrimSpace(r.Justification) == "" {
		errs = append(errs, FieldError{Field: "justification", Code: "REQUIRED", Message: "justification is required"})
	}
	for i, f := range r.RejectedFields {
		if f.Field == "" {
			errs = append(errs, FieldError{Field: fieldIndex("rejected_fields", i, "field"), Code: "REQUIRED", Message: "field name is required"})
		}
	}
	for i, d := range r.RejectedDocuments {
		if d.DocumentID == "" {
			errs = append(errs, FieldError{Field: fieldIndex("rejected_documents", i, "document_id"), Code: "REQUIRED", Message: "document reference is required"})
		}
		if !d.Action.Valid() {
			errs = append(errs, FieldError{Field: fieldIndex("rejected_documents", i, "action"), Code: "INVALID", Message: "action must be resend, complement or correct"})
		}
	}
	if r.Outcome == ApplicationPendingCorrection && len(r.RejectedFields) == 0 && len(r.RejectedDocuments) == 0 {
		errs = append(errs, FieldError{Field: "rejected_fields", Code: "REQUIRED", Message: "a correction request must name at least one field or document"})
	}
	if r.CorrectionDeadline != nil {
		if r.Outcome != ApplicationPendingCorrection {
			errs = append(errs, FieldError{Field: "correction_deadline", Code: "NOT_ALLOWED", Message: "deadline only applies to correction requests"})
		} else if !r.CorrectionDeadline.After(now) {
			errs = append(errs, FieldError{Field: "correction_deadline", Code: "INVALID", Message: "deadline must be in the future"})
		}
	}
	return errs
}
