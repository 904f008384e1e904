package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ashureev/safeops/internal/assessment"
	"github.com/ashureev/safeops/internal/domain"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const inputPollInterval = 10 * time.Millisecond

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Conduct an assessment in the terminal",
	Long: `Open an assessment session for an incident and answer it from stdin.
System messages are typed out as they are revealed. Choices and selections
are answered by number; typing text on a selection filters its options.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("subject", "", "incident id (required)")
	runCmd.Flags().String("scope", "", "organizational scope (default: the incident's scope)")
	runCmd.Flags().String("operator", "", "operator id recorded with the assessment (default: $USER)")
	runCmd.Flags().String("catalog", "", "question catalog YAML (default: CATALOG_PATH or the built-in catalog)")
	_ = runCmd.MarkFlagRequired("subject")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	subjectID, _ := cmd.Flags().GetString("subject")
	scope, _ := cmd.Flags().GetString("scope")
	operatorID, _ := cmd.Flags().GetString("operator")
	if operatorID == "" {
		operatorID = os.Getenv("USER")
	}
	catalogPath, _ := cmd.Flags().GetString("catalog")
	if catalogPath == "" {
		catalogPath = cfg.CatalogPath
	}

	catalog := assessment.DefaultCatalog()
	if catalogPath != "" {
		if catalog, err = assessment.LoadCatalogFile(catalogPath); err != nil {
			return err
		}
	}

	repo, err := openRepo(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	out := cmd.OutOrStdout()
	printer := newTranscriptPrinter(out)
	defer printer.Close()

	backend := assessment.NewStoreBackend(repo)
	s := assessment.NewSession(uuid.NewString(), assessment.Options{
		Catalog:   catalog,
		Loader:    backend,
		Gateway:   backend,
		Publisher: printer,
		Notifier: assessment.NotifierFunc(func(kind assessment.NotificationKind, text string) {
			printer.Printf("\n[%s] %s\n", kind, text)
		}),
		TypingSpeed:   cfg.Assessment.TypingSpeed,
		MessagePause:  cfg.Assessment.MessagePause,
		SubmitTimeout: cfg.Assessment.SubmitTimeout,
	})
	defer s.Wait()
	defer s.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	op := domain.Operator{ID: operatorID, ScopeKey: scope}
	if err := s.Open(ctx, subjectID, op); err != nil {
		return fmt.Errorf("open assessment for %s: %w", subjectID, err)
	}

	outcome, err := converse(ctx, s, cmd.InOrStdin(), printer)
	if err != nil {
		return err
	}
	if outcome == assessment.OutcomeFailure {
		return errors.New("assessment was not registered")
	}
	return nil
}

// converse answers the session from in until it reaches a terminal phase.
func converse(ctx context.Context, s *assessment.Session, in io.Reader, p *transcriptPrinter) (assessment.Outcome, error) {
	lines := bufio.NewScanner(in)
	var filter string
	for {
		view, state, err := awaitInput(ctx, s)
		if err != nil {
			return "", err
		}
		if state.Phase == assessment.PhaseTerminal {
			p.Flush()
			return state.Outcome, nil
		}

		p.Flush()
		opts := view.Options
		if view.Kind == assessment.KindSelect && filter != "" {
			if opts, err = s.Options(filter); err != nil {
				return "", err
			}
		}
		promptFor(p, view, opts)

		if !lines.Scan() {
			if err := lines.Err(); err != nil {
				return "", fmt.Errorf("read answer: %w", err)
			}
			return "", io.ErrUnexpectedEOF
		}
		line := strings.TrimSpace(lines.Text())

		switch view.Kind {
		case assessment.KindChoice, assessment.KindSelect:
			n, convErr := strconv.Atoi(line)
			if convErr != nil || n < 1 || n > len(opts) {
				if view.Kind == assessment.KindSelect {
					filter = line
					continue
				}
				p.Printf("Please answer with a number between 1 and %d.\n", len(opts))
				continue
			}
			filter = ""
			opt := opts[n-1]
			if view.Kind == assessment.KindChoice {
				err = s.Choose(opt.Value)
			} else {
				err = s.Pick(opt.Value.String())
			}
		default:
			var ok bool
			if ok, err = s.Edit(line); err == nil && !ok {
				p.Printf("Please write at least %d characters.\n", view.MinLength)
				continue
			}
			if err == nil {
				err = s.Commit()
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, assessment.ErrValidation):
			p.Printf("That answer is not valid here, please try again.\n")
		case errors.Is(err, assessment.ErrNotAwaitingInput):
		default:
			return "", err
		}
	}
}

// awaitInput waits until the session accepts input or has finished showing
// its terminal message.
func awaitInput(ctx context.Context, s *assessment.Session) (assessment.InputView, assessment.SessionState, error) {
	ticker := time.NewTicker(inputPollInterval)
	defer ticker.Stop()
	for {
		if view, ok := s.Input(); ok {
			return view, s.State(), nil
		}
		st := s.State()
		switch {
		case st.Phase == assessment.PhaseTerminal && !st.Revealing:
			return assessment.InputView{}, st, nil
		case st.Phase == assessment.PhaseIdle:
			return assessment.InputView{}, st, assessment.ErrSessionClosed
		}
		select {
		case <-ctx.Done():
			return assessment.InputView{}, st, ctx.Err()
		case <-ticker.C:
		}
	}
}

func promptFor(p *transcriptPrinter, view assessment.InputView, opts []assessment.Option) {
	switch view.Kind {
	case assessment.KindChoice, assessment.KindSelect:
		if len(opts) == 0 {
			p.Printf("  (no options match, type to search again)\n")
		}
		for i, o := range opts {
			p.Printf("  %d) %s\n", i+1, o.Label)
		}
	}
	p.Printf("> ")
	p.Flush()
}

// transcriptPrinter types revealed system messages to the terminal. Publish
// only queues; a single goroutine writes.
type transcriptPrinter struct {
	w     io.Writer
	queue chan func()
	done  chan struct{}

	mu     sync.Mutex
	closed bool

	// shown tracks how much of each message was already printed. Only the
	// writer goroutine touches it.
	shown map[int64]int
}

func newTranscriptPrinter(w io.Writer) *transcriptPrinter {
	p := &transcriptPrinter{
		w:     w,
		queue: make(chan func(), 4096),
		done:  make(chan struct{}),
		shown: make(map[int64]int),
	}
	go p.loop()
	return p
}

func (p *transcriptPrinter) loop() {
	defer close(p.done)
	for fn := range p.queue {
		fn()
	}
}

// Publish implements assessment.Publisher.
func (p *transcriptPrinter) Publish(e assessment.Event) {
	if e.Message == nil {
		return
	}
	msg := *e.Message
	p.enqueue(func() {
		switch {
		case e.Type == assessment.EventMessageAppended && msg.Origin == assessment.OriginRespondent:
			fmt.Fprintf(p.w, "you: %s\n", msg.Content)
		case e.Type == assessment.EventMessageAppended:
			fmt.Fprint(p.w, "\n")
		case e.Type == assessment.EventMessageRevealed && msg.Origin == assessment.OriginSystem:
			runes := []rune(msg.Content)
			if from := p.shown[msg.ID]; from < len(runes) {
				fmt.Fprint(p.w, string(runes[from:]))
				p.shown[msg.ID] = len(runes)
			}
		}
	})
}

// Printf queues formatted output behind the transcript.
func (p *transcriptPrinter) Printf(format string, args ...interface{}) {
	p.enqueue(func() { fmt.Fprintf(p.w, format, args...) })
}

// enqueue never blocks; output is dropped when the queue is full.
func (p *transcriptPrinter) enqueue(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- fn:
	default:
	}
}

// Flush waits until everything queued so far is written.
func (p *transcriptPrinter) Flush() {
	flushed := make(chan struct{})
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue <- func() { close(flushed) }
	p.mu.Unlock()
	<-flushed
}

// Close stops the writer goroutine after draining the queue.
func (p *transcriptPrinter) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
}
