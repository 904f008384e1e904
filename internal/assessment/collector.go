package assessment

import (
	"fmt"
	"strings"
)

// startQuestionID identifies the greeting's start/decline choice.
const startQuestionID = "start"

// InputView describes the input control the shell should render.
type InputView struct {
	QuestionID string    `json:"question_id"`
	Field      FieldKey  `json:"field,omitempty"`
	Kind       InputKind `json:"kind"`
	Required   bool      `json:"required"`
	MinLength  int       `json:"min_length,omitempty"`
	Options    []Option  `json:"options,omitempty"`
	Draft      string    `json:"draft,omitempty"`
	CanCommit  bool      `json:"can_commit"`
}

// Input returns the control accepting input right now. ok is false while a
// message is being revealed or outside the question flow.
func (s *Session) Input() (view InputView, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.revealing {
		return InputView{}, false
	}

	switch s.phase {
	case PhaseGreeting:
		msgs := s.opts.Catalog.Messages()
		return InputView{
			QuestionID: startQuestionID,
			Field:      FieldStartAssessment,
			Kind:       KindChoice,
			Required:   true,
			Options: []Option{
				{Label: msgs.AcceptLabel, Value: BoolValue(true)},
				{Label: msgs.DeclineLabel, Value: BoolValue(false)},
			},
		}, true
	case PhaseAwaitingInput:
		q, found := s.opts.Catalog.At(s.index)
		if !found {
			return InputView{}, false
		}
		h := q.Base()
		view = InputView{
			QuestionID: h.ID,
			Field:      h.Field,
			Kind:       q.Kind(),
			Required:   h.Required,
		}
		switch q := q.(type) {
		case *ChoiceQuestion:
			view.Options = append([]Option(nil), q.Options...)
		case *TextQuestion:
			view.MinLength = q.MinLength
			view.Draft = s.draft
			view.CanCommit = q.Accepts(s.draft)
		case *SelectQuestion:
			view.Options = q.Options(s.snap, s.answers, "")
		}
		return view, true
	default:
		return InputView{}, false
	}
}

// Choose answers a choice question. It commits immediately. During the
// greeting a boolean value is the start/decline decision.
func (s *Session) Choose(v Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseGreeting {
		accept, isBool := v.Bool()
		if !isBool {
			return ErrValidation
		}
		return s.decideLocked(accept)
	}

	q, err := s.currentLocked()
	if err != nil {
		return err
	}
	switch q := q.(type) {
	case *ChoiceQuestion:
		opt, found := q.Find(v)
		if !found {
			return ErrValidation
		}
		return s.commitLocked(q, opt.Value, opt.Label)
	case *TextQuestion, *SelectQuestion:
		return ErrWrongInputKind
	default:
		return s.violationLocked(fmt.Errorf("unsupported question type %T", q))
	}
}

// Edit replaces the draft of a text question and reports whether it could
// be committed as is.
func (s *Session) Edit(draft string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.currentLocked()
	if err != nil {
		return false, err
	}
	switch q := q.(type) {
	case *TextQuestion:
		s.draft = draft
		return q.Accepts(draft), nil
	case *ChoiceQuestion, *SelectQuestion:
		return false, ErrWrongInputKind
	default:
		return false, s.violationLocked(fmt.Errorf("unsupported question type %T", q))
	}
}

// CanCommit reports whether the current text draft passes validation.
func (s *Session) CanCommit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseAwaitingInput || s.revealing {
		return false
	}
	q, ok := s.opts.Catalog.At(s.index)
	if !ok {
		return false
	}
	tq, ok := q.(*TextQuestion)
	return ok && tq.Accepts(s.draft)
}

// Commit submits the current text draft. A draft that fails validation
// returns ErrValidation and leaves the transcript unchanged.
func (s *Session) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.currentLocked()
	if err != nil {
		return err
	}
	switch q := q.(type) {
	case *TextQuestion:
		if !q.Accepts(s.draft) {
			return ErrValidation
		}
		text := strings.TrimSpace(s.draft)
		return s.commitLocked(q, TextValue(text), text)
	case *ChoiceQuestion, *SelectQuestion:
		return ErrWrongInputKind
	default:
		return s.violationLocked(fmt.Errorf("unsupported question type %T", q))
	}
}

// Options returns the options of the current choice or select question
// whose label contains query, ignoring case.
func (s *Session) Options(query string) ([]Option, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.currentLocked()
	if err != nil {
		return nil, err
	}
	switch q := q.(type) {
	case *SelectQuestion:
		return q.Options(s.snap, s.answers, query), nil
	case *ChoiceQuestion:
		return filterOptions(q.Options, query), nil
	case *TextQuestion:
		return nil, ErrWrongInputKind
	default:
		return nil, s.violationLocked(fmt.Errorf("unsupported question type %T", q))
	}
}

// Pick answers a select question with an option value. When several
// options share the value the first one is used.
func (s *Session) Pick(value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.currentLocked()
	if err != nil {
		return err
	}
	switch q := q.(type) {
	case *SelectQuestion:
		value = strings.TrimSpace(value)
		if value == "" {
			return ErrValidation
		}
		want := TextValue(value)
		for _, o := range q.Options(s.snap, s.answers, "") {
			if o.Value == want {
				return s.commitLocked(q, o.Value, o.Label)
			}
		}
		return ErrValidation
	case *ChoiceQuestion, *TextQuestion:
		return ErrWrongInputKind
	default:
		return s.violationLocked(fmt.Errorf("unsupported question type %T", q))
	}
}
