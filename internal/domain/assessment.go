package domain

import (
	"time"
)

// AssessmentPayload is the mutation sent to register an assessment.
type AssessmentPayload struct {
	ResponsiblePartyID     string             `json:"responsible_party_id"`
	ActionDescription      string             `json:"action_description"`
	IsClientResponsibility bool               `json:"is_client_responsibility"`
	Classification         ClassificationPair `json:"classification"`
}

// Assessment is a persisted assessment record for a subject.
type Assessment struct {
	ID         string
	SubjectID  string
	OperatorID string
	Payload    AssessmentPayload
	CreatedAt  time.Time
}
