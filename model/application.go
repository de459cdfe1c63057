package model

import "time"

// ApplicationStatus is the lifecycle state of an accreditation application.
type ApplicationStatus string

// Application statuses.
const (
	ApplicationDraft             ApplicationStatus = "draft"
	ApplicationSubmitted         ApplicationStatus = "submitted"
	ApplicationUnderAnalysis     ApplicationStatus = "under_analysis"
	ApplicationApproved          ApplicationStatus = "approved"
	ApplicationRejected          ApplicationStatus = "rejected"
	ApplicationPendingCorrection ApplicationStatus = "pending_correction"
)

// Valid reports whether s is a known application status.
func (s ApplicationStatus) Valid() bool {
	switch s {
	case ApplicationDraft, ApplicationSubmitted, ApplicationUnderAnalysis,
		ApplicationApproved, ApplicationRejected, ApplicationPendingCorrection:
		return true
	}
	return false
}

// Application is a candidate's accreditation submission.
type Application struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id"`
	CandidateID string            `json:"candidate_id"`
	ProgramID   string            `json:"program_id"`
	Status      ApplicationStatus `json:"status"`
	Payload     map[string]any    `json:"payload,omitempty"`

	// AnalysisCycle counts entries into under_analysis. At most one decision
	// exists per cycle.
	AnalysisCycle int `json:"analysis_cycle"`

	CorrectionDeadline *time.Time `json:"correction_deadline,omitempty"`
	SubmittedAt        *time.Time `json:"submitted_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	Version            int        `json:"version"`
}

// PayloadString returns a top-level string field of the submission payload.
func (a Application) PayloadString(key string) string {
	if a.Payload == nil {
		return ""
	}
	s, _ := a.Payload[key].(string)
	return s
}

// ApplicationFilter narrows application listings. Empty fields match all.
type ApplicationFilter struct {
	TenantID    string
	CandidateID string
	ProgramID   string
	Status      ApplicationStatus
	Limit       int
}
