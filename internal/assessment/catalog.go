package assessment

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

var errInvalidCatalog = errors.New("invalid catalog")

// Messages are the fixed system messages around the question flow.
type Messages struct {
	Greeting     *template.Template
	AcceptLabel  string
	DeclineLabel string
	Cancelled    *template.Template
	Success      *template.Template
	Failure      *template.Template // Rendered with PromptData.Reason set
}

// Catalog is the ordered list of questions plus the surrounding messages.
// A Catalog is immutable after construction and safe to share.
type Catalog struct {
	questions []Question
	messages  Messages
}

// NewCatalog validates and builds a catalog.
func NewCatalog(messages Messages, questions ...Question) (*Catalog, error) {
	if len(questions) == 0 {
		return nil, fmt.Errorf("%w: no questions", errInvalidCatalog)
	}
	seenIDs := make(map[string]bool, len(questions))
	seenFields := make(map[FieldKey]bool, len(questions))
	for i, q := range questions {
		h := q.Base()
		if h.ID == "" {
			return nil, fmt.Errorf("%w: question %d has no id", errInvalidCatalog, i)
		}
		if seenIDs[h.ID] {
			return nil, fmt.Errorf("%w: duplicate question id %q", errInvalidCatalog, h.ID)
		}
		seenIDs[h.ID] = true
		if h.Field != "" {
			if h.Field == FieldStartAssessment || seenFields[h.Field] {
				return nil, fmt.Errorf("%w: field %q used twice", errInvalidCatalog, h.Field)
			}
			seenFields[h.Field] = true
		}
		switch q := q.(type) {
		case *ChoiceQuestion:
			if len(q.Options) == 0 {
				return nil, fmt.Errorf("%w: choice %q has no options", errInvalidCatalog, h.ID)
			}
		case *TextQuestion:
			if q.MinLength < 0 {
				return nil, fmt.Errorf("%w: text %q has negative min_length", errInvalidCatalog, h.ID)
			}
		case *SelectQuestion:
			if q.Resolve == nil {
				return nil, fmt.Errorf("%w: select %q has no option source", errInvalidCatalog, h.ID)
			}
		default:
			return nil, fmt.Errorf("%w: question %q has unsupported type %T", errInvalidCatalog, h.ID, q)
		}
	}
	if messages.AcceptLabel == "" {
		messages.AcceptLabel = "Yes"
	}
	if messages.DeclineLabel == "" {
		messages.DeclineLabel = "No"
	}
	return &Catalog{
		questions: append([]Question(nil), questions...),
		messages:  messages,
	}, nil
}

// Len returns the number of questions.
func (c *Catalog) Len() int { return len(c.questions) }

// At returns the question at index i.
func (c *Catalog) At(i int) (Question, bool) {
	if i < 0 || i >= len(c.questions) {
		return nil, false
	}
	return c.questions[i], true
}

// Messages returns the system messages.
func (c *Catalog) Messages() Messages { return c.messages }

// Next scans forward from index from+1 and returns the first question whose
// visibility predicate holds for answers. ok is false when the flow is
// complete.
func (c *Catalog) Next(from int, answers AnswerRecord) (next int, ok bool) {
	start := from + 1
	if start < 0 {
		start = 0
	}
	for i := start; i < len(c.questions); i++ {
		if c.questions[i].Base().IsVisible(answers) {
			return i, true
		}
	}
	return -1, false
}

// DefaultCatalog returns the built-in assessment flow.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalogYAML)
	if err != nil {
		panic("assessment: embedded catalog is invalid: " + err.Error())
	}
	return c
}

// LoadCatalogFile reads a YAML catalog from disk.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

type catalogFile struct {
	Messages  messagesFile   `yaml:"messages"`
	Questions []questionFile `yaml:"questions"`
}

type messagesFile struct {
	Greeting     string `yaml:"greeting"`
	AcceptLabel  string `yaml:"accept_label"`
	DeclineLabel string `yaml:"decline_label"`
	Cancelled    string `yaml:"cancelled"`
	Success      string `yaml:"success"`
	Failure      string `yaml:"failure"`
}

type questionFile struct {
	ID          string         `yaml:"id"`
	Field       string         `yaml:"field"`
	Kind        string         `yaml:"kind"`
	Required    bool           `yaml:"required"`
	Prompt      string         `yaml:"prompt"`
	MinLength   int            `yaml:"min_length"`
	Source      string         `yaml:"source"`
	Options     []optionFile   `yaml:"options"`
	VisibleWhen *conditionFile `yaml:"visible_when"`
}

type optionFile struct {
	Label string `yaml:"label"`
	Value any    `yaml:"value"`
}

type conditionFile struct {
	Field  string `yaml:"field"`
	Equals any    `yaml:"equals"`
}

// ParseCatalog decodes a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	messages, err := file.Messages.build()
	if err != nil {
		return nil, err
	}

	known := map[FieldKey]bool{FieldStartAssessment: true}
	questions := make([]Question, 0, len(file.Questions))
	for _, qf := range file.Questions {
		q, err := qf.build(known)
		if err != nil {
			return nil, err
		}
		if qf.Field != "" {
			known[FieldKey(qf.Field)] = true
		}
		questions = append(questions, q)
	}

	return NewCatalog(messages, questions...)
}

func (m messagesFile) build() (Messages, error) {
	parse := func(name, src string) (*template.Template, error) {
		if src == "" {
			return nil, fmt.Errorf("%w: message %q is empty", errInvalidCatalog, name)
		}
		t, err := template.New(name).Parse(src)
		if err != nil {
			return nil, fmt.Errorf("%w: message %q: %v", errInvalidCatalog, name, err)
		}
		return t, nil
	}

	var out Messages
	var err error
	if out.Greeting, err = parse("greeting", m.Greeting); err != nil {
		return Messages{}, err
	}
	if out.Cancelled, err = parse("cancelled", m.Cancelled); err != nil {
		return Messages{}, err
	}
	if out.Success, err = parse("success", m.Success); err != nil {
		return Messages{}, err
	}
	if out.Failure, err = parse("failure", m.Failure); err != nil {
		return Messages{}, err
	}
	out.AcceptLabel = m.AcceptLabel
	out.DeclineLabel = m.DeclineLabel
	return out, nil
}

// build converts one YAML question. known holds the fields answered by
// earlier questions; visibility may only depend on those.
func (qf questionFile) build(known map[FieldKey]bool) (Question, error) {
	prompt, err := template.New(qf.ID).Parse(qf.Prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: question %q prompt: %v", errInvalidCatalog, qf.ID, err)
	}

	header := QuestionHeader{
		ID:       qf.ID,
		Field:    FieldKey(qf.Field),
		Prompt:   prompt,
		Required: qf.Required,
	}

	if qf.VisibleWhen != nil {
		field := FieldKey(qf.VisibleWhen.Field)
		if !known[field] {
			return nil, fmt.Errorf("%w: question %q depends on %q which is not answered before it", errInvalidCatalog, qf.ID, field)
		}
		want, err := toValue(qf.VisibleWhen.Equals)
		if err != nil {
			return nil, fmt.Errorf("%w: question %q visible_when: %v", errInvalidCatalog, qf.ID, err)
		}
		header.Visible = Equals(field, want)
	}

	switch InputKind(qf.Kind) {
	case KindChoice:
		options := make([]Option, 0, len(qf.Options))
		for _, of := range qf.Options {
			v, err := toValue(of.Value)
			if err != nil {
				return nil, fmt.Errorf("%w: question %q option %q: %v", errInvalidCatalog, qf.ID, of.Label, err)
			}
			options = append(options, Option{Label: of.Label, Value: v})
		}
		return &ChoiceQuestion{QuestionHeader: header, Options: options}, nil
	case KindText, KindLongText:
		q := &TextQuestion{
			QuestionHeader: header,
			Long:           InputKind(qf.Kind) == KindLongText,
			MinLength:      qf.MinLength,
		}
		if qf.MinLength > 0 {
			q.Validate = MinLength(qf.MinLength)
		}
		return q, nil
	case KindSelect:
		source := OptionSource(qf.Source)
		resolve := resolverFor(source)
		if resolve == nil {
			return nil, fmt.Errorf("%w: question %q has unknown source %q", errInvalidCatalog, qf.ID, qf.Source)
		}
		return &SelectQuestion{QuestionHeader: header, Source: source, Resolve: resolve}, nil
	default:
		return nil, fmt.Errorf("%w: question %q has unknown kind %q", errInvalidCatalog, qf.ID, qf.Kind)
	}
}

// Equals returns a predicate that holds when field has been answered with want.
func Equals(field FieldKey, want Value) Predicate {
	return func(answers AnswerRecord) bool {
		got, ok := answers[field]
		return ok && got == want
	}
}

func toValue(raw any) (Value, error) {
	switch v := raw.(type) {
	case bool:
		return BoolValue(v), nil
	case string:
		return TextValue(v), nil
	default:
		return Value{}, fmt.Errorf("unsupported value %v (%T)", raw, raw)
	}
}
