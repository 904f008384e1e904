package assessment

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/safeops/internal/domain"
	"go.uber.org/goleak"
)

const replacementPrompt = "Which classification should this incident have?"

func TestDeclineCancelsWithoutSubmitting(t *testing.T) {
	gw := &spyGateway{}
	notes := &notifyRecorder{}
	s := openTestSession(t, Options{Gateway: gw, Notifier: notes})

	awaitGreeting(t, s)
	if err := s.Decide(false); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}

	st := s.State()
	if st.Phase != PhaseTerminal || st.Outcome != OutcomeCancelled {
		t.Fatalf("expected cancelled terminal state, got %s/%s", st.Phase, st.Outcome)
	}

	st = awaitTerminal(t, s)
	last := st.Transcript[len(st.Transcript)-1]
	if !strings.Contains(last.Content, "cancelled") {
		t.Errorf("expected cancellation message, got %q", last.Content)
	}
	if st.Answers.Bool(FieldStartAssessment) || !st.Answers.Has(FieldStartAssessment) {
		t.Errorf("expected start answer false, got %v", st.Answers)
	}
	if gw.Calls() != 0 {
		t.Errorf("gateway called %d times", gw.Calls())
	}
	if notes.Len() != 0 {
		t.Errorf("cancellation must not notify, got %d notifications", notes.Len())
	}
}

func TestAgreePathUsesSubjectClassification(t *testing.T) {
	gw := &spyGateway{}
	notes := &notifyRecorder{}
	s := openTestSession(t, Options{Gateway: gw, Notifier: notes})
	finished := make(chan Result, 1)
	s.OnFinish(func(r Result) { finished <- r })

	awaitGreeting(t, s)
	mustDo(t, s.Decide(true))

	awaitQuestion(t, s, "agree_classification")
	mustDo(t, s.Choose(BoolValue(true)))

	awaitQuestion(t, s, "responsible")
	mustDo(t, s.Pick("R1"))

	awaitQuestion(t, s, "action")
	ok, err := s.Edit("Fix guardrail on platform 3")
	if err != nil || !ok {
		t.Fatalf("Edit = %v, %v; want true, nil", ok, err)
	}
	mustDo(t, s.Commit())

	awaitQuestion(t, s, "client_responsibility")
	mustDo(t, s.Choose(BoolValue(true)))

	res := waitResult(t, finished)
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %s (%v)", res.Outcome, res.Err)
	}

	payloads := gw.Payloads()
	if len(payloads) != 1 {
		t.Fatalf("expected exactly one submission, got %d", len(payloads))
	}
	want := domain.AssessmentPayload{
		ResponsiblePartyID:     "R1",
		ActionDescription:      "Fix guardrail on platform 3",
		IsClientResponsibility: true,
		Classification:         domain.ClassificationPair{Global: "Medium", Local: "Local-Medium"},
	}
	if payloads[0] != want {
		t.Errorf("payload = %+v, want %+v", payloads[0], want)
	}
	if op := gw.Operators()[0]; op.ID != "op-1" {
		t.Errorf("expected operator op-1 on gateway context, got %+v", op)
	}

	st := s.State()
	for _, m := range st.Transcript {
		if strings.Contains(m.Content, replacementPrompt) {
			t.Fatalf("replacement question presented on agree path: %q", m.Content)
		}
	}

	// Greeting and decision, then 4 question/answer pairs, then the closing message.
	if exchanges := len(st.Transcript) - 3; exchanges != 2*4 {
		t.Errorf("expected 8 exchange messages, got %d", exchanges)
	}
	for i, m := range st.Transcript {
		wantOrigin := OriginSystem
		if i%2 == 1 && i < len(st.Transcript)-1 {
			wantOrigin = OriginRespondent
		}
		if m.Origin != wantOrigin {
			t.Errorf("message %d origin = %s, want %s", i, m.Origin, wantOrigin)
		}
		if m.ID != int64(i+1) {
			t.Errorf("message %d id = %d, want %d", i, m.ID, i+1)
		}
	}
	if got := notes.Last(); got.Kind != NotifySuccess {
		t.Errorf("expected success notification, got %+v", got)
	}
}

func TestOverridePathUsesScopedCatalogPair(t *testing.T) {
	gw := &spyGateway{}
	s := openTestSession(t, Options{Gateway: gw})
	finished := make(chan Result, 1)
	s.OnFinish(func(r Result) { finished <- r })

	awaitGreeting(t, s)
	mustDo(t, s.Choose(BoolValue(true)))

	awaitQuestion(t, s, "agree_classification")
	mustDo(t, s.Choose(BoolValue(false)))

	awaitQuestion(t, s, "replacement_classification")
	opts, err := s.Options("high")
	if err != nil {
		t.Fatalf("Options failed: %v", err)
	}
	if len(opts) != 1 || opts[0].Label != "High/Local-High" {
		t.Fatalf("expected only the scoped High option, got %+v", opts)
	}
	mustDo(t, s.Pick("High/Local-High"))

	awaitQuestion(t, s, "responsible")
	mustDo(t, s.Pick("R2"))

	awaitQuestion(t, s, "action")
	if _, err := s.Edit("Install a second guardrail"); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	mustDo(t, s.Commit())

	awaitQuestion(t, s, "client_responsibility")
	mustDo(t, s.Choose(BoolValue(false)))

	if res := waitResult(t, finished); res.Outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %s (%v)", res.Outcome, res.Err)
	}
	got := gw.Payloads()[0]
	want := domain.ClassificationPair{Global: "High", Local: "Local-High"}
	if got.Classification != want {
		t.Errorf("classification = %+v, want %+v", got.Classification, want)
	}
	if got.ResponsiblePartyID != "R2" || got.IsClientResponsibility {
		t.Errorf("unexpected payload %+v", got)
	}
	if len(s.State().Transcript) != 3+2*5 {
		t.Errorf("expected %d messages, got %d", 3+2*5, len(s.State().Transcript))
	}
}

func TestShortActionBlocksCommit(t *testing.T) {
	s := openTestSession(t, Options{Gateway: &spyGateway{}})
	driveToAction(t, s)

	before := len(s.State().Transcript)
	ok, err := s.Edit("fix it")
	if err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	if ok || s.CanCommit() {
		t.Fatal("expected commit to be disabled for a 6 character action")
	}
	if err := s.Commit(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if got := len(s.State().Transcript); got != before {
		t.Fatalf("transcript changed from %d to %d messages", before, got)
	}
	view, _ := s.Input()
	if view.CanCommit || view.Draft != "fix it" {
		t.Errorf("unexpected input view %+v", view)
	}

	ok, err = s.Edit("fix it properly")
	if err != nil || !ok {
		t.Fatalf("Edit = %v, %v; want true, nil", ok, err)
	}
	mustDo(t, s.Commit())
	if got := len(s.State().Transcript); got != before+1 {
		t.Errorf("expected the respondent entry to be appended, got %d messages", got)
	}
}

func TestWrongInputKindIsRejected(t *testing.T) {
	s := openTestSession(t, Options{Gateway: &spyGateway{}})
	awaitGreeting(t, s)
	mustDo(t, s.Decide(true))
	awaitQuestion(t, s, "agree_classification")

	if _, err := s.Edit("text"); !errors.Is(err, ErrWrongInputKind) {
		t.Errorf("Edit on choice: got %v", err)
	}
	if err := s.Pick("R1"); !errors.Is(err, ErrWrongInputKind) {
		t.Errorf("Pick on choice: got %v", err)
	}
	if err := s.Choose(TextValue("maybe")); !errors.Is(err, ErrValidation) {
		t.Errorf("Choose with unknown value: got %v", err)
	}

	mustDo(t, s.Choose(BoolValue(true)))
	awaitQuestion(t, s, "responsible")
	if err := s.Pick(""); !errors.Is(err, ErrValidation) {
		t.Errorf("Pick empty: got %v", err)
	}
	if err := s.Pick("R9"); !errors.Is(err, ErrValidation) {
		t.Errorf("Pick out of scope: got %v", err)
	}
}

func TestBlankActionFailsBeforeGateway(t *testing.T) {
	catalog, err := ParseCatalog([]byte(optionalActionCatalog))
	if err != nil {
		t.Fatalf("ParseCatalog failed: %v", err)
	}
	gw := &spyGateway{}
	notes := &notifyRecorder{}
	s := openTestSession(t, Options{Catalog: catalog, Gateway: gw, Notifier: notes})
	finished := make(chan Result, 1)
	s.OnFinish(func(r Result) { finished <- r })

	awaitGreeting(t, s)
	mustDo(t, s.Decide(true))
	awaitQuestion(t, s, "responsible")
	mustDo(t, s.Pick("R1"))
	awaitQuestion(t, s, "action")
	if _, err := s.Edit("   "); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	mustDo(t, s.Commit())
	awaitQuestion(t, s, "client_responsibility")
	mustDo(t, s.Choose(BoolValue(false)))

	res := waitResult(t, finished)
	var ce *CompositionError
	if res.Outcome != OutcomeFailure || !errors.As(res.Err, &ce) {
		t.Fatalf("expected composition failure, got %s (%v)", res.Outcome, res.Err)
	}
	if ce.Field != FieldAction {
		t.Errorf("expected action field error, got %q", ce.Field)
	}
	if gw.Calls() != 0 {
		t.Fatalf("gateway called %d times", gw.Calls())
	}
	if n := notes.Last(); n.Kind != NotifyError {
		t.Errorf("expected error notification, got %+v", n)
	}
}

func TestGatewayFailureEndsSession(t *testing.T) {
	cases := []struct {
		name    string
		gw      *spyGateway
		wantMsg string
	}{
		{
			name:    "rejected",
			gw:      &spyGateway{result: &SubmitResult{Message: "incident is locked"}},
			wantMsg: "incident is locked",
		},
		{
			name:    "transport error",
			gw:      &spyGateway{err: errors.New("connection refused")},
			wantMsg: "could not register",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := openTestSession(t, Options{Gateway: tc.gw})
			finished := make(chan Result, 1)
			s.OnFinish(func(r Result) { finished <- r })

			completeAgreePath(t, s)

			res := waitResult(t, finished)
			var be *BackendError
			if res.Outcome != OutcomeFailure || !errors.As(res.Err, &be) {
				t.Fatalf("expected backend failure, got %s (%v)", res.Outcome, res.Err)
			}
			st := s.State()
			last := st.Transcript[len(st.Transcript)-1]
			if !strings.Contains(last.Content, tc.wantMsg) {
				t.Errorf("failure message %q does not mention %q", last.Content, tc.wantMsg)
			}
			if strings.Contains(last.Content, "connection refused") {
				t.Errorf("transport error leaked to operator: %q", last.Content)
			}
			if tc.gw.Calls() != 1 {
				t.Errorf("expected one gateway call, got %d", tc.gw.Calls())
			}
			if err := s.Choose(BoolValue(true)); !errors.Is(err, ErrNotAwaitingInput) {
				t.Errorf("terminal session accepted input: %v", err)
			}
		})
	}
}

func TestInputRejectedWhileRevealing(t *testing.T) {
	s := NewSession("sess-busy", Options{
		Loader:      newFakeLoader(),
		Gateway:     &spyGateway{},
		TypingSpeed: 5 * time.Millisecond,
	})
	t.Cleanup(func() { s.Close(); s.Wait() })
	if err := s.Open(context.Background(), "inc-1", testOperator); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	waitForState(t, s, func(st SessionState) bool { return len(st.Transcript) == 1 })

	if err := s.Decide(true); !errors.Is(err, ErrNotAwaitingInput) {
		t.Errorf("Decide while revealing: got %v", err)
	}
	if _, ok := s.Input(); ok {
		t.Error("expected no input control while revealing")
	}
	if s.CanCommit() {
		t.Error("expected CanCommit to be false while revealing")
	}
}

func TestCloseMidRevealStopsAllMutations(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	events := &eventRecorder{}
	s := NewSession("sess-cancel", Options{
		Loader:       newFakeLoader(),
		Gateway:      &spyGateway{},
		Publisher:    events,
		TypingSpeed:  5 * time.Millisecond,
		MessagePause: time.Second,
	})
	if err := s.Open(context.Background(), "inc-1", testOperator); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	waitForState(t, s, func(st SessionState) bool {
		return len(st.Transcript) == 1 && st.Transcript[0].Content != ""
	})

	s.Close()
	closed := s.State()
	seen := events.Len()
	if last := events.Last(); last.Type != EventClosed {
		t.Fatalf("expected closed event last, got %s", last.Type)
	}

	time.Sleep(50 * time.Millisecond)

	after := s.State()
	if after.Phase != PhaseIdle || len(after.Transcript) != 0 || after.Revealing {
		t.Fatalf("session mutated after close: %+v", after)
	}
	if after.QuestionIndex != closed.QuestionIndex {
		t.Errorf("question index moved after close")
	}
	if events.Len() != seen {
		t.Errorf("expected no events after close, got %d more", events.Len()-seen)
	}
	if err := s.Decide(true); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
	s.Wait()
}

func TestCloseDiscardsInFlightSubmission(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	gw := &spyGateway{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	notes := &notifyRecorder{}
	s := openTestSession(t, Options{Gateway: gw, Notifier: notes})
	called := make(chan Result, 1)
	s.OnFinish(func(r Result) { called <- r })

	completeAgreePath(t, s)
	select {
	case <-gw.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("submission never started")
	}
	if st := s.State(); st.Phase != PhaseSubmitting {
		t.Fatalf("expected submitting, got %s", st.Phase)
	}

	s.Close()
	close(gw.release)
	s.Wait()

	if st := s.State(); st.Phase != PhaseIdle || len(st.Transcript) != 0 {
		t.Fatalf("result of closed session was applied: %+v", st)
	}
	select {
	case r := <-called:
		t.Fatalf("OnFinish called for discarded result: %+v", r)
	default:
	}
	if notes.Len() != 0 {
		t.Errorf("expected no notification, got %d", notes.Len())
	}
}

func TestOnFinishRunsEveryCallbackInOrder(t *testing.T) {
	s := openTestSession(t, Options{Gateway: &spyGateway{}})
	order := make(chan string, 2)
	s.OnFinish(func(Result) { order <- "first" })
	s.OnFinish(func(Result) { order <- "second" })

	awaitGreeting(t, s)
	mustDo(t, s.Decide(false))

	for _, want := range []string{"first", "second"} {
		select {
		case got := <-order:
			if got != want {
				t.Errorf("callback %q ran, want %q", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("callback %q never ran", want)
		}
	}
}

func TestReopenAfterClose(t *testing.T) {
	s := openTestSession(t, Options{Gateway: &spyGateway{}})
	if err := s.Open(context.Background(), "inc-1", testOperator); !errors.Is(err, ErrSessionOpen) {
		t.Fatalf("expected ErrSessionOpen, got %v", err)
	}
	awaitGreeting(t, s)
	s.Close()

	if err := s.Open(context.Background(), "inc-1", testOperator); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	st := awaitGreeting(t, s)
	if len(st.Transcript) != 1 || st.Transcript[0].ID != 1 {
		t.Errorf("expected a fresh transcript, got %+v", st.Transcript)
	}
	s.Close()
	s.Wait()
}

func TestOpenFailsForUnknownSubject(t *testing.T) {
	loader := newFakeLoader()
	loader.subjectErr = errors.New("not found")
	s := NewSession("sess-missing", Options{Loader: loader, Gateway: &spyGateway{}})

	if err := s.Open(context.Background(), "inc-404", testOperator); err == nil {
		t.Fatal("expected Open to fail")
	}
	if st := s.State(); st.Phase != PhaseIdle {
		t.Errorf("expected idle after failed open, got %s", st.Phase)
	}
}

func TestMissingCurrentQuestionResetsSession(t *testing.T) {
	s := openTestSession(t, Options{Gateway: &spyGateway{}})
	awaitGreeting(t, s)
	mustDo(t, s.Decide(true))
	awaitQuestion(t, s, "agree_classification")

	s.mu.Lock()
	s.index = 99
	s.mu.Unlock()

	if err := s.Choose(BoolValue(true)); !errors.Is(err, ErrSessionReset) {
		t.Fatalf("expected ErrSessionReset, got %v", err)
	}
	if st := s.State(); st.Phase != PhaseIdle || len(st.Transcript) != 0 {
		t.Errorf("expected reset session, got %+v", st)
	}
}

func TestRevealIsObservableAndFinal(t *testing.T) {
	events := &eventRecorder{}
	s := NewSession("sess-reveal", Options{
		Loader:      newFakeLoader(),
		Gateway:     &spyGateway{},
		Publisher:   events,
		TypingSpeed: time.Millisecond,
	})
	t.Cleanup(func() { s.Close(); s.Wait() })
	if err := s.Open(context.Background(), "inc-1", testOperator); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	st := awaitGreeting(t, s)
	final := st.Transcript[0].Content

	var prev string
	reveals := 0
	for _, e := range events.All() {
		if e.Type != EventMessageRevealed {
			continue
		}
		reveals++
		if e.Message.ID != 1 || !strings.HasPrefix(final, e.Message.Content) || len(e.Message.Content) <= len(prev) {
			t.Fatalf("reveal %d is not a growing prefix: %q", reveals, e.Message.Content)
		}
		prev = e.Message.Content
	}
	if reveals != len([]rune(final)) {
		t.Errorf("expected %d reveals, got %d", len([]rune(final)), reveals)
	}
	if prev != final {
		t.Errorf("last reveal %q != final %q", prev, final)
	}
}

const optionalActionCatalog = `
messages:
  greeting: "Assess {{.Subject.Code}}?"
  cancelled: "cancelled"
  success: "done"
  failure: "failed: {{.Reason}}"
questions:
  - id: responsible
    field: responsavel
    kind: select
    source: responsible
    required: true
    prompt: "Who?"
  - id: action
    field: acao
    kind: text
    prompt: "What?"
  - id: client_responsibility
    field: responsabilidade_cliente
    kind: choice
    prompt: "Client?"
    options:
      - {label: "Yes", value: true}
      - {label: "No", value: false}
`

var testOperator = domain.Operator{ID: "op-1", ScopeKey: "plant-a"}

type fakeLoader struct {
	subject         domain.Subject
	classifications []domain.ClassificationEntry
	responsibles    []domain.ResponsibleEntry
	subjectErr      error
	catalogErr      error
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		subject: domain.Subject{
			ID:             "inc-1",
			Code:           "INC-0001",
			Title:          "Missing guardrail",
			ScopeKey:       "plant-a",
			Classification: domain.ClassificationPair{Global: "Medium", Local: "Local-Medium"},
			Status:         domain.SubjectStatusReported,
		},
		classifications: []domain.ClassificationEntry{
			{ID: "c1", ScopeKey: "plant-a", Pair: domain.ClassificationPair{Global: "High", Local: "Local-High"}},
			{ID: "c2", ScopeKey: "plant-a", Label: "Low/Local-Low", Pair: domain.ClassificationPair{Global: "Low", Local: "Local-Low"}},
			{ID: "c3", ScopeKey: "plant-b", Label: "High/Local-High", Pair: domain.ClassificationPair{Global: "High", Local: "Plant-B-High"}},
		},
		responsibles: []domain.ResponsibleEntry{
			{ID: "R1", ScopeKey: "plant-a", Name: "Ana Souza", Role: "Safety lead"},
			{ID: "R2", ScopeKey: "plant-a", Name: "Bruno Lima"},
			{ID: "R9", ScopeKey: "plant-b", Name: "Carla Reis"},
		},
	}
}

func (f *fakeLoader) GetSubject(_ context.Context, id string) (*domain.Subject, error) {
	if f.subjectErr != nil {
		return nil, f.subjectErr
	}
	s := f.subject
	s.ID = id
	return &s, nil
}

func (f *fakeLoader) GetClassificationCatalog(context.Context, string) ([]domain.ClassificationEntry, error) {
	if f.catalogErr != nil {
		return nil, f.catalogErr
	}
	return append([]domain.ClassificationEntry(nil), f.classifications...), nil
}

func (f *fakeLoader) GetResponsibleDirectory(context.Context, string) ([]domain.ResponsibleEntry, error) {
	return append([]domain.ResponsibleEntry(nil), f.responsibles...), nil
}

type spyGateway struct {
	mu        sync.Mutex
	payloads  []domain.AssessmentPayload
	operators []domain.Operator
	result    *SubmitResult
	err       error
	entered   chan struct{}
	release   chan struct{}
}

func (g *spyGateway) SubmitAssessment(ctx context.Context, subjectID string, payload domain.AssessmentPayload) (SubmitResult, error) {
	g.mu.Lock()
	g.payloads = append(g.payloads, payload)
	g.operators = append(g.operators, OperatorFromContext(ctx))
	g.mu.Unlock()

	if g.entered != nil {
		close(g.entered)
	}
	if g.release != nil {
		<-g.release
	}
	if g.err != nil {
		return SubmitResult{}, g.err
	}
	if g.result != nil {
		return *g.result, nil
	}
	return SubmitResult{Success: true, Subject: &domain.Subject{ID: subjectID, Code: "INC-0001", Status: domain.SubjectStatusAssessed}}, nil
}

func (g *spyGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.payloads)
}

func (g *spyGateway) Payloads() []domain.AssessmentPayload {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.AssessmentPayload(nil), g.payloads...)
}

func (g *spyGateway) Operators() []domain.Operator {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.Operator(nil), g.operators...)
}

type notifyRecorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (n *notifyRecorder) Notify(kind NotificationKind, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, Notification{Kind: kind, Text: text})
}

func (n *notifyRecorder) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notes)
}

func (n *notifyRecorder) Last() Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.notes) == 0 {
		return Notification{}
	}
	return n.notes[len(n.notes)-1]
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *eventRecorder) Last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Event{}
	}
	return r.events[len(r.events)-1]
}

func (r *eventRecorder) All() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// openTestSession opens inc-1 with instant presentation.
func openTestSession(t *testing.T, opts Options) *Session {
	t.Helper()
	if opts.Loader == nil {
		opts.Loader = newFakeLoader()
	}
	s := NewSession("sess-"+strings.ReplaceAll(t.Name(), "/", "-"), opts)
	if err := s.Open(context.Background(), "inc-1", testOperator); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		s.Wait()
	})
	return s
}

func waitForState(t *testing.T, s *Session, cond func(SessionState) bool) SessionState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st := s.State(); cond(st) {
			return st
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for session state, last: %+v", s.State())
	return SessionState{}
}

func awaitGreeting(t *testing.T, s *Session) SessionState {
	t.Helper()
	return waitForState(t, s, func(st SessionState) bool {
		return st.Phase == PhaseGreeting && !st.Revealing && len(st.Transcript) == 1
	})
}

func awaitTerminal(t *testing.T, s *Session) SessionState {
	t.Helper()
	return waitForState(t, s, func(st SessionState) bool {
		return st.Phase == PhaseTerminal && !st.Revealing
	})
}

func awaitQuestion(t *testing.T, s *Session, id string) {
	t.Helper()
	waitForState(t, s, func(st SessionState) bool {
		return st.Phase == PhaseAwaitingInput && !st.Revealing
	})
	view, ok := s.Input()
	if !ok || view.QuestionID != id {
		t.Fatalf("expected question %q, got %+v (ok=%v)", id, view, ok)
	}
}

func driveToAction(t *testing.T, s *Session) {
	t.Helper()
	awaitGreeting(t, s)
	mustDo(t, s.Decide(true))
	awaitQuestion(t, s, "agree_classification")
	mustDo(t, s.Choose(BoolValue(true)))
	awaitQuestion(t, s, "responsible")
	mustDo(t, s.Pick("R1"))
	awaitQuestion(t, s, "action")
}

func completeAgreePath(t *testing.T, s *Session) {
	t.Helper()
	driveToAction(t, s)
	if _, err := s.Edit("Fix guardrail on platform 3"); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	mustDo(t, s.Commit())
	awaitQuestion(t, s, "client_responsibility")
	mustDo(t, s.Choose(BoolValue(false)))
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the session to finish")
		return Result{}
	}
}

func mustDo(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
