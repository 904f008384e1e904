// Package domain contains core domain types for the safeops application.
package domain

import (
	"time"
)

// SubjectStatus is the lifecycle state of a reported incident.
type SubjectStatus string

const (
	// SubjectStatusReported is an incident awaiting assessment.
	SubjectStatusReported SubjectStatus = "reported"
	// SubjectStatusAssessed is an incident with a registered assessment.
	SubjectStatusAssessed SubjectStatus = "assessed"
)

// ClassificationPair holds the global severity and its locally-scoped
// counterpart. The two values always travel together.
type ClassificationPair struct {
	Global string `json:"global" yaml:"global"`
	Local  string `json:"local" yaml:"local"`
}

// IsZero reports whether neither value is set.
func (p ClassificationPair) IsZero() bool {
	return p.Global == "" && p.Local == ""
}

// Label returns the display form "Global/Local".
func (p ClassificationPair) Label() string {
	return p.Global + "/" + p.Local
}

// Subject is a reported incident under assessment.
type Subject struct {
	ID             string             `json:"id" yaml:"id"`
	Code           string             `json:"code" yaml:"code"`
	Title          string             `json:"title" yaml:"title"`
	Description    string             `json:"description" yaml:"description"`
	ScopeKey       string             `json:"scope_key" yaml:"scope_key"`
	Location       string             `json:"location" yaml:"location"`
	Classification ClassificationPair `json:"classification" yaml:"classification"`
	ResponsibleID  string             `json:"responsible_id,omitempty" yaml:"responsible_id,omitempty"`
	Status         SubjectStatus      `json:"status" yaml:"status"`
	ReportedAt     time.Time          `json:"reported_at" yaml:"reported_at"`
	UpdatedAt      time.Time          `json:"updated_at" yaml:"-"`
}

// IsAssessed returns true if an assessment has already been registered.
func (s *Subject) IsAssessed() bool {
	return s.Status == SubjectStatusAssessed
}
