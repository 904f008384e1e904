// Package assessment implements the guided conversational incident assessment.
package assessment

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// FieldKey names an answer slot in the AnswerRecord.
type FieldKey string

// Answer fields understood by the submission composer.
const (
	FieldStartAssessment           FieldKey = "iniciar_avaliacao"
	FieldAgreesWithClassification  FieldKey = "concorda_classificacao"
	FieldReplacementClassification FieldKey = "nova_classificacao"
	FieldResponsible               FieldKey = "responsavel"
	FieldAction                    FieldKey = "acao"
	FieldClientResponsibility      FieldKey = "responsabilidade_cliente"
)

// Value is a single answer: either a boolean or a string.
// The zero Value is an empty string.
type Value struct {
	isBool bool
	b      bool
	s      string
}

// BoolValue returns a boolean answer.
func BoolValue(b bool) Value { return Value{isBool: true, b: b} }

// TextValue returns a string answer.
func TextValue(s string) Value { return Value{s: s} }

// IsBool reports whether v holds a boolean.
func (v Value) IsBool() bool { return v.isBool }

// Bool returns the boolean and whether v holds one.
func (v Value) Bool() (bool, bool) { return v.b, v.isBool }

// Text returns the string and whether v holds one.
func (v Value) Text() (string, bool) { return v.s, !v.isBool }

// IsEmpty reports whether v is a blank string. Booleans are never empty.
func (v Value) IsEmpty() bool {
	return !v.isBool && strings.TrimSpace(v.s) == ""
}

// String renders the value for logs and wire matching.
func (v Value) String() string {
	if v.isBool {
		return strconv.FormatBool(v.b)
	}
	return v.s
}

// MarshalJSON encodes the value as a JSON bool or string.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.isBool {
		return json.Marshal(v.b)
	}
	return json.Marshal(v.s)
}

// UnmarshalJSON accepts a JSON bool or string.
func (v *Value) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*v = BoolValue(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*v = TextValue(s)
	return nil
}

// AnswerRecord maps answer fields to committed values.
type AnswerRecord map[FieldKey]Value

// Clone returns an independent copy.
func (a AnswerRecord) Clone() AnswerRecord {
	out := make(AnswerRecord, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Bool returns the boolean stored under k, false when absent or not a bool.
func (a AnswerRecord) Bool(k FieldKey) bool {
	b, ok := a[k].Bool()
	return ok && b
}

// Text returns the string stored under k, "" when absent or not a string.
func (a AnswerRecord) Text(k FieldKey) string {
	s, _ := a[k].Text()
	return s
}

// Has reports whether k has been answered.
func (a AnswerRecord) Has(k FieldKey) bool {
	_, ok := a[k]
	return ok
}

// Origin identifies who authored a transcript message.
type Origin string

const (
	// OriginSystem marks messages produced by the engine.
	OriginSystem Origin = "system"
	// OriginRespondent marks messages committed by the operator.
	OriginRespondent Origin = "respondent"
)

// Message is one transcript entry. Content may be a prefix of the final
// text while the message is being revealed.
type Message struct {
	ID         int64     `json:"id"`
	Origin     Origin    `json:"origin"`
	Content    string    `json:"content"`
	Attachment string    `json:"attachment,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Phase is the controller state of a session.
type Phase string

const (
	// PhaseIdle means no session is open.
	PhaseIdle Phase = "idle"
	// PhaseGreeting covers the greeting and the start/decline decision.
	PhaseGreeting Phase = "greeting"
	// PhasePresenting means a question is being revealed.
	PhasePresenting Phase = "presenting"
	// PhaseAwaitingInput means the current question accepts an answer.
	PhaseAwaitingInput Phase = "awaiting_input"
	// PhaseComposing means the submission payload is being built.
	PhaseComposing Phase = "composing"
	// PhaseSubmitting means the mutation gateway call is in flight.
	PhaseSubmitting Phase = "submitting"
	// PhaseTerminal means the session has ended; see Outcome.
	PhaseTerminal Phase = "terminal"
)

// Outcome describes how a terminal session ended.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeCancelled Outcome = "cancelled"
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
)

// SessionState is a read-only snapshot of a session for rendering.
type SessionState struct {
	SessionID     string       `json:"session_id"`
	SubjectID     string       `json:"subject_id"`
	Phase         Phase        `json:"phase"`
	Outcome       Outcome      `json:"outcome,omitempty"`
	QuestionIndex int          `json:"question_index"`
	Revealing     bool         `json:"revealing"`
	Answers       AnswerRecord `json:"answers"`
	Transcript    []Message    `json:"transcript"`
}
