package assessment

import (
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/ashureev/safeops/internal/domain"
)

// InputKind selects how the collector accepts an answer.
type InputKind string

const (
	KindChoice   InputKind = "choice"
	KindText     InputKind = "text"
	KindLongText InputKind = "long_text"
	KindSelect   InputKind = "select"
)

// Predicate decides visibility from the full answer record.
type Predicate func(AnswerRecord) bool

// Validator decides whether a text draft may be committed.
type Validator func(string) bool

// MinLength returns a validator requiring at least n characters after
// trimming surrounding whitespace.
func MinLength(n int) Validator {
	return func(s string) bool {
		return utf8.RuneCountInString(strings.TrimSpace(s)) >= n
	}
}

// Option is a selectable answer.
type Option struct {
	Label string `json:"label"`
	Value Value  `json:"value"`
}

// PromptData is what question prompts are rendered against.
type PromptData struct {
	Subject domain.Subject
	Answers AnswerRecord
	Reason  string
}

// Question is one step of the flow. The concrete types are
// *ChoiceQuestion, *TextQuestion and *SelectQuestion.
type Question interface {
	Base() *QuestionHeader
	Kind() InputKind
	sealed()
}

// QuestionHeader holds what every question kind shares.
type QuestionHeader struct {
	ID       string
	Field    FieldKey // Empty for questions whose answer is not recorded
	Prompt   *template.Template
	Required bool
	Visible  Predicate // Nil means always visible
}

// Base returns the shared header.
func (h *QuestionHeader) Base() *QuestionHeader { return h }

func (h *QuestionHeader) sealed() {}

// IsVisible evaluates the visibility predicate against answers.
func (h *QuestionHeader) IsVisible(answers AnswerRecord) bool {
	return h.Visible == nil || h.Visible(answers)
}

// Render executes the prompt template.
func (h *QuestionHeader) Render(data PromptData) (string, error) {
	return renderTemplate(h.Prompt, data)
}

// ChoiceQuestion commits as soon as one of its options is chosen.
type ChoiceQuestion struct {
	QuestionHeader
	Options []Option
}

// Kind implements Question.
func (q *ChoiceQuestion) Kind() InputKind { return KindChoice }

// Find returns the option whose value equals v.
func (q *ChoiceQuestion) Find(v Value) (Option, bool) {
	for _, o := range q.Options {
		if o.Value == v {
			return o, true
		}
	}
	return Option{}, false
}

// TextQuestion buffers a draft and commits it once Validate accepts it.
type TextQuestion struct {
	QuestionHeader
	Long      bool
	MinLength int
	Validate  Validator
}

// Kind implements Question.
func (q *TextQuestion) Kind() InputKind {
	if q.Long {
		return KindLongText
	}
	return KindText
}

// Accepts reports whether draft may be committed.
func (q *TextQuestion) Accepts(draft string) bool {
	if strings.TrimSpace(draft) == "" {
		return !q.Required
	}
	if q.Validate == nil {
		return true
	}
	return q.Validate(draft)
}

// OptionSource names the reference catalog a select question draws from.
type OptionSource string

const (
	SourceClassification OptionSource = "classification"
	SourceResponsible    OptionSource = "responsible"
)

// OptionsResolver produces the options of a select question.
type OptionsResolver func(snap *ContextSnapshot, answers AnswerRecord) []Option

// SelectQuestion is a searchable select over a scoped reference catalog.
type SelectQuestion struct {
	QuestionHeader
	Source  OptionSource
	Resolve OptionsResolver
}

// Kind implements Question.
func (q *SelectQuestion) Kind() InputKind { return KindSelect }

// Options resolves the options and keeps those whose label contains query,
// ignoring case. An empty query keeps everything.
func (q *SelectQuestion) Options(snap *ContextSnapshot, answers AnswerRecord, query string) []Option {
	if q.Resolve == nil || snap == nil {
		return nil
	}
	return filterOptions(q.Resolve(snap, answers), query)
}

func filterOptions(all []Option, query string) []Option {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return append([]Option(nil), all...)
	}
	out := make([]Option, 0, len(all))
	for _, o := range all {
		if strings.Contains(strings.ToLower(o.Label), query) {
			out = append(out, o)
		}
	}
	return out
}

// resolverFor returns the resolver for a built-in option source.
func resolverFor(source OptionSource) OptionsResolver {
	switch source {
	case SourceClassification:
		return func(snap *ContextSnapshot, _ AnswerRecord) []Option {
			entries := snap.Classifications()
			out := make([]Option, 0, len(entries))
			for _, e := range entries {
				label := e.DisplayLabel()
				out = append(out, Option{Label: label, Value: TextValue(label)})
			}
			return out
		}
	case SourceResponsible:
		return func(snap *ContextSnapshot, _ AnswerRecord) []Option {
			entries := snap.Responsibles()
			out := make([]Option, 0, len(entries))
			for _, e := range entries {
				out = append(out, Option{Label: e.DisplayLabel(), Value: TextValue(e.ID)})
			}
			return out
		}
	default:
		return nil
	}
}

func renderTemplate(t *template.Template, data PromptData) (string, error) {
	if t == nil {
		return "", nil
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}
