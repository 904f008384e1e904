package assessment

import (
	"fmt"
	"strings"

	"github.com/ashureev/safeops/internal/domain"
)

// Compose maps the final answers onto the mutation payload. It never trusts
// that the collector validated the answers on this path: a blank action or
// responsible, or a replacement classification missing from the scoped
// catalog, yields a *CompositionError.
func Compose(answers AnswerRecord, snap *ContextSnapshot) (domain.AssessmentPayload, error) {
	if snap == nil {
		return domain.AssessmentPayload{}, &CompositionError{Reason: "context not loaded"}
	}

	action := strings.TrimSpace(answers.Text(FieldAction))
	if action == "" {
		return domain.AssessmentPayload{}, &CompositionError{Field: FieldAction, Reason: "empty"}
	}

	responsible := strings.TrimSpace(answers.Text(FieldResponsible))
	if responsible == "" {
		return domain.AssessmentPayload{}, &CompositionError{Field: FieldResponsible, Reason: "empty"}
	}

	var pair domain.ClassificationPair
	if answers.Bool(FieldAgreesWithClassification) {
		pair = snap.Subject().Classification
	} else {
		label := strings.TrimSpace(answers.Text(FieldReplacementClassification))
		if label == "" {
			return domain.AssessmentPayload{}, &CompositionError{Field: FieldReplacementClassification, Reason: "empty"}
		}
		entry, ok := snap.FindClassification(label)
		if !ok {
			return domain.AssessmentPayload{}, &CompositionError{
				Field:  FieldReplacementClassification,
				Reason: fmt.Sprintf("no classification %q in scope %q", label, snap.ScopeKey()),
			}
		}
		pair = entry.Pair
	}

	return domain.AssessmentPayload{
		ResponsiblePartyID:     responsible,
		ActionDescription:      action,
		IsClientResponsibility: answers.Bool(FieldClientResponsibility),
		Classification:         pair,
	}, nil
}
