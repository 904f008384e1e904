// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/safeops/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyAssessed is returned when an assessment is registered for a
// subject that already has one.
var ErrAlreadyAssessed = errors.New("subject already assessed")

// Repository defines the interface for persisting incidents, reference
// catalogs and assessments.
type Repository interface {
	// GetSubject retrieves an incident by id. Returns ErrNotFound if missing.
	GetSubject(ctx context.Context, id string) (*domain.Subject, error)

	// UpsertSubject creates or updates an incident.
	UpsertSubject(ctx context.Context, subject *domain.Subject) error

	// ListClassifications returns the classification catalog of a scope.
	// Entries without a scope belong to every scope. An empty scope returns
	// every entry.
	ListClassifications(ctx context.Context, scopeKey string) ([]domain.ClassificationEntry, error)

	// UpsertClassification creates or updates a catalog entry.
	UpsertClassification(ctx context.Context, entry domain.ClassificationEntry) error

	// ListResponsibles returns the responsible-party directory of a scope.
	// Entries without a scope belong to every scope. An empty scope returns
	// every entry.
	ListResponsibles(ctx context.Context, scopeKey string) ([]domain.ResponsibleEntry, error)

	// UpsertResponsible creates or updates a directory entry.
	UpsertResponsible(ctx context.Context, entry domain.ResponsibleEntry) error

	// SaveAssessment stores the assessment and applies its payload to the
	// subject in one transaction, returning the updated subject.
	SaveAssessment(ctx context.Context, assessment *domain.Assessment) (*domain.Subject, error)

	// ListAssessments returns the assessments registered for a subject,
	// oldest first.
	ListAssessments(ctx context.Context, subjectID string) ([]domain.Assessment, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
