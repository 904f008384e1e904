package assessment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/safeops/internal/domain"
	"github.com/ashureev/safeops/internal/store"
)

// StoreBackend serves both the context loader and the mutation gateway from
// a repository.
type StoreBackend struct {
	repo store.Repository
}

// NewStoreBackend creates a backend over repo.
func NewStoreBackend(repo store.Repository) *StoreBackend {
	return &StoreBackend{repo: repo}
}

var (
	_ ContextLoader   = (*StoreBackend)(nil)
	_ MutationGateway = (*StoreBackend)(nil)
)

// GetSubject implements ContextLoader.
func (b *StoreBackend) GetSubject(ctx context.Context, id string) (*domain.Subject, error) {
	return b.repo.GetSubject(ctx, id)
}

// GetClassificationCatalog implements ContextLoader.
func (b *StoreBackend) GetClassificationCatalog(ctx context.Context, scopeKey string) ([]domain.ClassificationEntry, error) {
	return b.repo.ListClassifications(ctx, scopeKey)
}

// GetResponsibleDirectory implements ContextLoader.
func (b *StoreBackend) GetResponsibleDirectory(ctx context.Context, scopeKey string) ([]domain.ResponsibleEntry, error) {
	return b.repo.ListResponsibles(ctx, scopeKey)
}

// SubmitAssessment implements MutationGateway. Conflicts the operator can act
// on are reported as an unsuccessful result; anything else is an error.
func (b *StoreBackend) SubmitAssessment(ctx context.Context, subjectID string, payload domain.AssessmentPayload) (SubmitResult, error) {
	op := OperatorFromContext(ctx)
	subject, err := b.repo.SaveAssessment(ctx, &domain.Assessment{
		SubjectID:  subjectID,
		OperatorID: op.ID,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	})
	switch {
	case errors.Is(err, store.ErrAlreadyAssessed):
		return SubmitResult{Message: "this incident already has an assessment"}, nil
	case errors.Is(err, store.ErrNotFound):
		return SubmitResult{Message: "the incident no longer exists"}, nil
	case err != nil:
		return SubmitResult{}, fmt.Errorf("save assessment for %s: %w", subjectID, err)
	}
	return SubmitResult{Success: true, Subject: subject}, nil
}
