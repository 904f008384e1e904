package assessment

import (
	"context"
	"fmt"

	"github.com/ashureev/safeops/internal/domain"
	"golang.org/x/sync/errgroup"
)

// ContextSnapshot is the read-only data a session is seeded with. It is
// never mutated after construction; accessors return copies.
type ContextSnapshot struct {
	subject         domain.Subject
	scopeKey        string
	classifications []domain.ClassificationEntry
	responsibles    []domain.ResponsibleEntry
}

// NewContextSnapshot builds a snapshot restricted to scopeKey. When scopeKey
// is empty the subject's own scope is used. Entries without a scope are
// shared by every scope.
func NewContextSnapshot(subject domain.Subject, scopeKey string, classifications []domain.ClassificationEntry, responsibles []domain.ResponsibleEntry) *ContextSnapshot {
	if scopeKey == "" {
		scopeKey = subject.ScopeKey
	}
	snap := &ContextSnapshot{subject: subject, scopeKey: scopeKey}
	for _, e := range classifications {
		if inScope(e.ScopeKey, scopeKey) {
			snap.classifications = append(snap.classifications, e)
		}
	}
	for _, e := range responsibles {
		if inScope(e.ScopeKey, scopeKey) {
			snap.responsibles = append(snap.responsibles, e)
		}
	}
	return snap
}

func inScope(entryScope, scopeKey string) bool {
	return scopeKey == "" || entryScope == "" || entryScope == scopeKey
}

// Subject returns the incident under assessment.
func (c *ContextSnapshot) Subject() domain.Subject { return c.subject }

// ScopeKey returns the organizational scope the catalogs are filtered by.
func (c *ContextSnapshot) ScopeKey() string { return c.scopeKey }

// Classifications returns the scoped classification catalog.
func (c *ContextSnapshot) Classifications() []domain.ClassificationEntry {
	return append([]domain.ClassificationEntry(nil), c.classifications...)
}

// Responsibles returns the scoped responsible-party directory.
func (c *ContextSnapshot) Responsibles() []domain.ResponsibleEntry {
	return append([]domain.ResponsibleEntry(nil), c.responsibles...)
}

// FindClassification resolves a display label against the scoped catalog.
// Several entries may share a label; the first in catalog order wins.
func (c *ContextSnapshot) FindClassification(label string) (domain.ClassificationEntry, bool) {
	for _, e := range c.classifications {
		if e.DisplayLabel() == label {
			return e, true
		}
	}
	return domain.ClassificationEntry{}, false
}

// FindResponsible looks a party up by id in the scoped directory.
func (c *ContextSnapshot) FindResponsible(id string) (domain.ResponsibleEntry, bool) {
	for _, e := range c.responsibles {
		if e.ID == id {
			return e, true
		}
	}
	return domain.ResponsibleEntry{}, false
}

// LoadContext fetches the subject, the classification catalog and the
// responsible directory concurrently and returns once all three resolved.
func LoadContext(ctx context.Context, loader ContextLoader, subjectID, scopeKey string) (*ContextSnapshot, error) {
	var (
		subject         *domain.Subject
		classifications []domain.ClassificationEntry
		responsibles    []domain.ResponsibleEntry
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := loader.GetSubject(gctx, subjectID)
		if err != nil {
			return fmt.Errorf("load subject %s: %w", subjectID, err)
		}
		subject = s
		return nil
	})
	g.Go(func() error {
		entries, err := loader.GetClassificationCatalog(gctx, scopeKey)
		if err != nil {
			return fmt.Errorf("load classification catalog: %w", err)
		}
		classifications = entries
		return nil
	})
	g.Go(func() error {
		entries, err := loader.GetResponsibleDirectory(gctx, scopeKey)
		if err != nil {
			return fmt.Errorf("load responsible directory: %w", err)
		}
		responsibles = entries
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if subject == nil {
		return nil, fmt.Errorf("load subject %s: empty response", subjectID)
	}
	if subject.IsAssessed() {
		return nil, fmt.Errorf("open %s: %w", subjectID, ErrSubjectAssessed)
	}

	return NewContextSnapshot(*subject, scopeKey, classifications, responsibles), nil
}
