package assessment

import (
	"context"

	"github.com/ashureev/safeops/internal/domain"
)

// ContextLoader fetches the read-only data a session is seeded with.
type ContextLoader interface {
	GetSubject(ctx context.Context, id string) (*domain.Subject, error)
	GetClassificationCatalog(ctx context.Context, scopeKey string) ([]domain.ClassificationEntry, error)
	GetResponsibleDirectory(ctx context.Context, scopeKey string) ([]domain.ResponsibleEntry, error)
}

// SubmitResult is the gateway's answer to a submission.
type SubmitResult struct {
	Success bool
	Subject *domain.Subject // Updated subject when Success is true
	Message string          // Reason when Success is false
}

// MutationGateway registers a composed assessment.
type MutationGateway interface {
	SubmitAssessment(ctx context.Context, subjectID string, payload domain.AssessmentPayload) (SubmitResult, error)
}

// NotificationKind is the severity of a transient notification.
type NotificationKind string

const (
	NotifySuccess NotificationKind = "success"
	NotifyError   NotificationKind = "error"
)

// Notifier shows transient notifications. Calls are fire-and-forget and must
// not block.
type Notifier interface {
	Notify(kind NotificationKind, text string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(kind NotificationKind, text string)

// Notify implements Notifier.
func (f NotifierFunc) Notify(kind NotificationKind, text string) { f(kind, text) }

type noopNotifier struct{}

func (noopNotifier) Notify(NotificationKind, string) {}

type operatorKey struct{}

// WithOperator attaches the operator conducting the assessment to ctx.
func WithOperator(ctx context.Context, op domain.Operator) context.Context {
	return context.WithValue(ctx, operatorKey{}, op)
}

// OperatorFromContext returns the operator attached by WithOperator.
func OperatorFromContext(ctx context.Context) domain.Operator {
	op, _ := ctx.Value(operatorKey{}).(domain.Operator)
	return op
}
