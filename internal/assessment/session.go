package assessment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"text/template"
	"time"

	"github.com/ashureev/safeops/internal/domain"
)

const defaultSubmitTimeout = 15 * time.Second

// Options configures a Session.
type Options struct {
	Catalog     *Catalog // Defaults to DefaultCatalog()
	Loader      ContextLoader
	Gateway     MutationGateway
	Notifier    Notifier
	Publisher   Publisher
	Transcripts TranscriptLogger
	Logger      *slog.Logger

	TypingSpeed   time.Duration
	MessagePause  time.Duration
	SubmitTimeout time.Duration
}

// Result describes how a session ended.
type Result struct {
	SessionID string
	SubjectID string
	Outcome   Outcome
	Subject   *domain.Subject // Updated subject on success
	Err       error           // Cause on failure
}

// Session is one guided assessment conversation. All state lives behind mu;
// gen is bumped on every reset so that timers and submissions started for an
// earlier generation can no longer touch the session.
type Session struct {
	id   string
	opts Options
	log  *slog.Logger

	mu         sync.Mutex
	gen        uint64
	phase      Phase
	outcome    Outcome
	subjectID  string
	operator   domain.Operator
	snap       *ContextSnapshot
	index      int
	answers    AnswerRecord
	transcript []Message
	nextID     int64
	revealing  bool
	draft      string
	ctx        context.Context
	cancel     context.CancelFunc
	sched      *Scheduler
	onFinish   []func(Result)

	wg sync.WaitGroup
}

// NewSession creates an idle session.
func NewSession(id string, opts Options) *Session {
	if opts.Catalog == nil {
		opts.Catalog = DefaultCatalog()
	}
	if opts.Notifier == nil {
		opts.Notifier = noopNotifier{}
	}
	if opts.Publisher == nil {
		opts.Publisher = noopPublisher{}
	}
	if opts.Transcripts == nil {
		opts.Transcripts = NoopTranscriptLogger()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = defaultSubmitTimeout
	}
	return &Session{
		id:    id,
		opts:  opts,
		log:   opts.Logger.With("session_id", id),
		phase: PhaseIdle,
		index: -1,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// OnFinish registers fn to be called once the terminal message of a run has
// been shown. fn is called without the session lock held.
func (s *Session) OnFinish(fn func(Result)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFinish = append(s.onFinish, fn)
}

// Wait blocks until every presentation and submission goroutine has returned.
func (s *Session) Wait() { s.wg.Wait() }

// Open loads the context for subjectID and starts the greeting. It blocks
// until the context is loaded; presentation continues in the background.
func (s *Session) Open(ctx context.Context, subjectID string, op domain.Operator) error {
	if s.opts.Loader == nil || s.opts.Gateway == nil {
		return errors.New("assessment: session needs a context loader and a mutation gateway")
	}

	s.mu.Lock()
	if s.phase != PhaseIdle {
		s.mu.Unlock()
		return ErrSessionOpen
	}
	s.gen++
	gen := s.gen
	s.phase = PhaseGreeting
	s.revealing = true
	s.subjectID = subjectID
	s.operator = op
	s.mu.Unlock()

	snap, err := LoadContext(ctx, s.opts.Loader, subjectID, op.ScopeKey)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return ErrSessionClosed
	}
	if err != nil {
		s.log.Warn("Failed to load assessment context", "subject_id", subjectID, "error", err)
		s.resetLocked()
		return err
	}

	s.snap = snap
	s.answers = AnswerRecord{}
	s.ctx, s.cancel = context.WithCancel(WithOperator(context.WithoutCancel(ctx), op))
	s.sched = NewScheduler(s.opts.TypingSpeed, s.opts.MessagePause)

	s.log.Info("Assessment session opened",
		"subject_id", subjectID,
		"operator_id", op.ID,
		"scope", snap.ScopeKey(),
	)
	s.publishLocked(Event{Type: EventPhaseChanged, Phase: s.phase})

	greeting, err := renderTemplate(s.opts.Catalog.Messages().Greeting, s.promptDataLocked(s.answers, ""))
	if err != nil {
		return s.violationLocked(fmt.Errorf("render greeting: %w", err))
	}
	s.presentLocked(greeting, nil)
	return nil
}

// Close tears the session down: pending timers are invalidated, an in-flight
// submission result will be discarded, and the state is reset to idle.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseIdle {
		return
	}
	s.log.Info("Assessment session closed", "subject_id", s.subjectID, "phase", s.phase, "outcome", s.outcome)
	s.resetLocked()
	s.publishLocked(Event{Type: EventClosed})
}

// Decide answers the greeting. Declining ends the session as cancelled.
func (s *Session) Decide(accept bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decideLocked(accept)
}

// State returns a snapshot for rendering.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionState{
		SessionID:     s.id,
		SubjectID:     s.subjectID,
		Phase:         s.phase,
		Outcome:       s.outcome,
		QuestionIndex: s.index,
		Revealing:     s.revealing,
		Answers:       s.answers.Clone(),
		Transcript:    append([]Message(nil), s.transcript...),
	}
}

// Context returns the snapshot loaded by Open, or nil when idle.
func (s *Session) Context() *ContextSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *Session) decideLocked(accept bool) error {
	if s.phase == PhaseIdle {
		return ErrSessionClosed
	}
	if s.phase != PhaseGreeting || s.revealing {
		return ErrNotAwaitingInput
	}

	msgs := s.opts.Catalog.Messages()
	label := msgs.DeclineLabel
	if accept {
		label = msgs.AcceptLabel
	}

	answers := s.answers.Clone()
	answers[FieldStartAssessment] = BoolValue(accept)
	s.answers = answers
	s.appendLocked(Message{Origin: OriginRespondent, Content: label})

	if !accept {
		s.finishLocked(OutcomeCancelled, nil, nil)
		return nil
	}
	return s.advanceLocked(-1, answers)
}

// commitLocked records value for q and moves on. answers is rebuilt here and
// handed to the next step directly.
func (s *Session) commitLocked(q Question, value Value, label string) error {
	answers := s.answers.Clone()
	if field := q.Base().Field; field != "" {
		answers[field] = value
	}
	s.answers = answers
	s.draft = ""
	s.appendLocked(Message{Origin: OriginRespondent, Content: label})
	return s.advanceLocked(s.index, answers)
}

func (s *Session) advanceLocked(from int, answers AnswerRecord) error {
	next, ok := s.opts.Catalog.Next(from, answers)
	if !ok {
		s.composeLocked(answers)
		return nil
	}

	q, _ := s.opts.Catalog.At(next)
	prompt, err := q.Base().Render(s.promptDataLocked(answers, ""))
	if err != nil {
		return s.violationLocked(fmt.Errorf("render question %s: %w", q.Base().ID, err))
	}

	s.index = next
	s.draft = ""
	s.setPhaseLocked(PhasePresenting)
	s.presentLocked(prompt, func() func() {
		s.setPhaseLocked(PhaseAwaitingInput)
		return nil
	})
	return nil
}

// currentLocked returns the question accepting input right now.
func (s *Session) currentLocked() (Question, error) {
	switch {
	case s.phase == PhaseIdle:
		return nil, ErrSessionClosed
	case s.phase != PhaseAwaitingInput || s.revealing:
		return nil, ErrNotAwaitingInput
	}
	q, ok := s.opts.Catalog.At(s.index)
	if !ok {
		return nil, s.violationLocked(fmt.Errorf("awaiting input without a current question (index %d)", s.index))
	}
	return q, nil
}

func (s *Session) composeLocked(final AnswerRecord) {
	s.setPhaseLocked(PhaseComposing)

	payload, err := Compose(final, s.snap)
	if err != nil {
		s.log.Warn("Assessment composition failed", "subject_id", s.subjectID, "error", err)
		s.finishLocked(OutcomeFailure, err, nil)
		return
	}

	s.setPhaseLocked(PhaseSubmitting)
	s.wg.Add(1)
	go s.submit(s.ctx, s.gen, s.subjectID, payload)
}

// submit runs outside the lock. The call is detached from session
// cancellation; only its result is dropped when the session moved on.
func (s *Session) submit(ctx context.Context, gen uint64, subjectID string, payload domain.AssessmentPayload) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.SubmitTimeout)
	defer cancel()

	start := time.Now()
	res, err := s.opts.Gateway.SubmitAssessment(ctx, subjectID, payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		s.log.Info("Discarding submission result of a closed session", "subject_id", subjectID, "error", err)
		return
	}

	switch {
	case err != nil:
		s.log.Error("Assessment submission failed", "subject_id", subjectID, "error", err)
		s.finishLocked(OutcomeFailure, &BackendError{Err: err}, nil)
	case !res.Success:
		s.log.Warn("Assessment rejected", "subject_id", subjectID, "message", res.Message)
		s.finishLocked(OutcomeFailure, &BackendError{Message: res.Message}, nil)
	default:
		s.log.Info("Assessment registered",
			"subject_id", subjectID,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		s.finishLocked(OutcomeSuccess, nil, res.Subject)
	}
}

// finishLocked enters the terminal phase and presents the closing message.
// Notification and callbacks follow once that message has been shown.
func (s *Session) finishLocked(outcome Outcome, cause error, subject *domain.Subject) {
	s.outcome = outcome
	s.draft = ""
	s.setPhaseLocked(PhaseTerminal)

	msgs := s.opts.Catalog.Messages()
	var (
		tmpl   *template.Template
		reason string
		kind   = NotifySuccess
	)
	switch outcome {
	case OutcomeCancelled:
		tmpl = msgs.Cancelled
	case OutcomeSuccess:
		tmpl = msgs.Success
	default:
		tmpl = msgs.Failure
		reason = failureReason(cause)
		kind = NotifyError
	}

	data := s.promptDataLocked(s.answers, reason)
	if subject != nil {
		data.Subject = *subject
	}
	text, err := renderTemplate(tmpl, data)
	if err != nil || text == "" {
		s.log.Error("Failed to render terminal message", "outcome", outcome, "error", err)
		text = string(outcome)
		if reason != "" {
			text += ": " + reason
		}
	}

	result := Result{
		SessionID: s.id,
		SubjectID: s.subjectID,
		Outcome:   outcome,
		Subject:   subject,
		Err:       cause,
	}
	notifier := s.opts.Notifier

	s.presentLocked(text, func() func() {
		callbacks := slices.Clone(s.onFinish)
		notify := outcome != OutcomeCancelled
		if notify {
			s.publishLocked(Event{
				Type:         EventNotification,
				Notification: &Notification{Kind: kind, Text: text},
			})
		}
		return func() {
			if notify {
				notifier.Notify(kind, text)
			}
			for _, fn := range callbacks {
				fn(result)
			}
		}
	})
}

// presentLocked hands text to the scheduler in the background. then runs
// with the lock held once the message is shown, unless the session was
// reset meanwhile; the func it returns runs after the lock is released.
func (s *Session) presentLocked(text string, then func() func()) {
	gen := s.gen
	ctx := s.ctx
	sched := s.sched
	s.revealing = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		msg := Message{Origin: OriginSystem, Content: text}
		if err := sched.Present(ctx, msg, sessionSink{s: s, gen: gen}); err != nil {
			s.log.Debug("Presentation stopped", "error", err)
			return
		}

		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.revealing = false
		var after func()
		if then != nil {
			after = then()
		}
		s.mu.Unlock()

		if after != nil {
			after()
		}
	}()
}

// violationLocked handles a broken internal invariant: it is logged, the
// session is reset, and the caller only sees ErrSessionReset.
func (s *Session) violationLocked(err error) error {
	s.log.Error("Assessment session invariant violated, resetting",
		"subject_id", s.subjectID,
		"phase", s.phase,
		"question_index", s.index,
		"error", err,
	)
	s.resetLocked()
	s.publishLocked(Event{Type: EventClosed})
	return ErrSessionReset
}

func (s *Session) resetLocked() {
	s.gen++
	if s.cancel != nil {
		s.cancel()
	}
	if s.sched != nil {
		s.sched.Cancel()
	}
	s.ctx = nil
	s.cancel = nil
	s.sched = nil
	s.phase = PhaseIdle
	s.outcome = OutcomeNone
	s.subjectID = ""
	s.operator = domain.Operator{}
	s.snap = nil
	s.index = -1
	s.answers = nil
	s.transcript = nil
	s.nextID = 0
	s.revealing = false
	s.draft = ""
}

func (s *Session) liveLocked(gen uint64) bool {
	return s.gen == gen && s.phase != PhaseIdle
}

func (s *Session) setPhaseLocked(p Phase) {
	s.phase = p
	s.publishLocked(Event{Type: EventPhaseChanged, Phase: p, Outcome: s.outcome})
}

func (s *Session) appendLocked(msg Message) Message {
	s.nextID++
	msg.ID = s.nextID
	msg.Timestamp = time.Now()
	s.transcript = append(s.transcript, msg)

	m := msg
	s.publishLocked(Event{Type: EventMessageAppended, Message: &m})
	if msg.Origin == OriginRespondent {
		s.logMessageLocked(msg)
	}
	return msg
}

func (s *Session) publishLocked(e Event) {
	e.SessionID = s.id
	s.opts.Publisher.Publish(e)
}

func (s *Session) logMessageLocked(msg Message) {
	s.opts.Transcripts.Log(TranscriptEntry{
		Timestamp:  msg.Timestamp.UTC().Format(time.RFC3339Nano),
		SessionID:  s.id,
		SubjectID:  s.subjectID,
		OperatorID: s.operator.ID,
		MessageID:  msg.ID,
		Origin:     msg.Origin,
		Content:    msg.Content,
		Phase:      s.phase,
	})
}

func (s *Session) promptDataLocked(answers AnswerRecord, reason string) PromptData {
	data := PromptData{Answers: answers.Clone(), Reason: reason}
	if s.snap != nil {
		data.Subject = s.snap.Subject()
	}
	return data
}

// sessionSink is the scheduler's view of one session generation.
type sessionSink struct {
	s   *Session
	gen uint64
}

func (k sessionSink) Append(msg Message) (int64, bool) {
	k.s.mu.Lock()
	defer k.s.mu.Unlock()
	if !k.s.liveLocked(k.gen) {
		return 0, false
	}
	return k.s.appendLocked(msg).ID, true
}

func (k sessionSink) Reveal(id int64, content string) bool {
	k.s.mu.Lock()
	defer k.s.mu.Unlock()
	last, ok := k.s.lastLocked(k.gen, id)
	if !ok {
		return false
	}
	last.Content = content
	m := *last
	k.s.publishLocked(Event{Type: EventMessageRevealed, Message: &m})
	return true
}

func (k sessionSink) Complete(id int64) bool {
	k.s.mu.Lock()
	defer k.s.mu.Unlock()
	last, ok := k.s.lastLocked(k.gen, id)
	if !ok {
		return false
	}
	k.s.logMessageLocked(*last)
	return true
}

// lastLocked returns the revealing message. Only the newest message may
// change, so any other id is refused.
func (s *Session) lastLocked(gen uint64, id int64) (*Message, bool) {
	if !s.liveLocked(gen) || len(s.transcript) == 0 {
		return nil, false
	}
	last := &s.transcript[len(s.transcript)-1]
	if last.ID != id {
		return nil, false
	}
	return last, true
}
