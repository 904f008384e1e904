package assessment

import (
	"context"
	"sync"
	"time"
)

// Sink receives the mutations a presentation makes to a transcript. Each
// method returns false once the transcript no longer accepts changes, which
// ends the presentation.
type Sink interface {
	Append(msg Message) (id int64, ok bool)
	Reveal(id int64, content string) bool
	Complete(id int64) bool
}

// Scheduler presents one message at a time: the message is appended empty,
// revealed one character per TypingSpeed, then held for MessagePause.
type Scheduler struct {
	typingSpeed  time.Duration
	messagePause time.Duration

	slot chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewScheduler creates a scheduler. A zero duration skips that wait.
func NewScheduler(typingSpeed, messagePause time.Duration) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		typingSpeed:  typingSpeed,
		messagePause: messagePause,
		slot:         make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Present reveals msg into sink and returns after the trailing pause.
// Concurrent calls queue behind the current presentation. It returns
// ErrPresentationCancelled when ctx ends, Cancel is called, or the sink
// stops accepting changes.
func (s *Scheduler) Present(ctx context.Context, msg Message, sink Sink) error {
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return ErrPresentationCancelled
	case <-s.ctx.Done():
		return ErrPresentationCancelled
	}
	defer func() { <-s.slot }()

	if s.ctx.Err() != nil {
		return ErrPresentationCancelled
	}

	full := []rune(msg.Content)
	msg.Content = ""
	id, ok := sink.Append(msg)
	if !ok {
		return ErrPresentationCancelled
	}

	if s.typingSpeed <= 0 {
		if len(full) > 0 && !sink.Reveal(id, string(full)) {
			return ErrPresentationCancelled
		}
	} else {
		for i := 1; i <= len(full); i++ {
			if err := s.wait(ctx, s.typingSpeed); err != nil {
				return err
			}
			if !sink.Reveal(id, string(full[:i])) {
				return ErrPresentationCancelled
			}
		}
	}

	if !sink.Complete(id) {
		return ErrPresentationCancelled
	}
	return s.wait(ctx, s.messagePause)
}

// Cancel ends the current presentation and every queued one. The scheduler
// cannot be reused afterwards.
func (s *Scheduler) Cancel() {
	s.once.Do(s.cancel)
}

func (s *Scheduler) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if ctx.Err() != nil || s.ctx.Err() != nil {
			return ErrPresentationCancelled
		}
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ErrPresentationCancelled
	case <-s.ctx.Done():
		return ErrPresentationCancelled
	}
}
