package assessment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(ttl time.Duration) (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)}
	r := NewRegistry(Options{Loader: newFakeLoader(), Gateway: &spyGateway{}}, ttl)
	r.now = clock.Now
	return r, clock
}

func closeRegistry(t *testing.T, r *Registry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.CloseAll(ctx); err != nil {
		t.Errorf("CloseAll failed: %v", err)
	}
}

func TestRegistryOpenGetClose(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	defer closeRegistry(t, r)

	s, err := r.Open(context.Background(), "inc-1", testOperator)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if s.ID() == "" {
		t.Fatal("expected a session id")
	}

	got, err := r.Get(s.ID())
	if err != nil || got != s {
		t.Fatalf("Get = %v, %v", got, err)
	}
	st, err := r.State(s.ID())
	if err != nil || st.SessionID != s.ID() || st.SubjectID != "inc-1" {
		t.Fatalf("State = %+v, %v", st, err)
	}

	if err := r.Close(s.ID()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := r.Get(s.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after close, got %v", err)
	}
	if err := r.Close(s.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound on double close, got %v", err)
	}
	if st := s.State(); st.Phase != PhaseIdle {
		t.Errorf("expected closed session to be idle, got %s", st.Phase)
	}
	s.Wait()
}

func TestRegistryOpenFailureIsNotTracked(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	loader := newFakeLoader()
	loader.subjectErr = errors.New("missing")
	r.opts.Loader = loader

	if _, err := r.Open(context.Background(), "inc-404", testOperator); err == nil {
		t.Fatal("expected Open to fail")
	}
	if r.Len() != 0 {
		t.Errorf("expected no tracked sessions, got %d", r.Len())
	}
}

func TestRegistrySweepClosesIdleSessions(t *testing.T) {
	r, clock := newTestRegistry(10 * time.Minute)
	defer closeRegistry(t, r)

	idle, err := r.Open(context.Background(), "inc-1", testOperator)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	clock.Advance(6 * time.Minute)
	active, err := r.Open(context.Background(), "inc-2", testOperator)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	clock.Advance(5 * time.Minute)
	if _, err := r.Get(active.ID()); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if n := r.Sweep(); n != 1 {
		t.Fatalf("expected 1 swept session, got %d", n)
	}
	if _, err := r.Get(idle.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("idle session still tracked: %v", err)
	}
	if _, err := r.Get(active.ID()); err != nil {
		t.Errorf("active session swept: %v", err)
	}
	idle.Wait()
}

func TestRegistryReleasesFinishedSessions(t *testing.T) {
	r, clock := newTestRegistry(time.Hour)
	defer closeRegistry(t, r)

	s, err := r.Open(context.Background(), "inc-1", testOperator)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	finished := make(chan Result, 1)
	s.OnFinish(func(res Result) { finished <- res })
	if r.Len() != 1 {
		t.Fatalf("expected 1 live session, got %d", r.Len())
	}

	awaitGreeting(t, s)
	mustDo(t, s.Decide(false))
	if res := waitResult(t, finished); res.Outcome != OutcomeCancelled {
		t.Fatalf("expected cancelled, got %s", res.Outcome)
	}

	if r.Len() != 0 {
		t.Errorf("finished session still counted as live: %d", r.Len())
	}
	if _, err := r.Get(s.ID()); err != nil {
		t.Fatalf("finished session should stay readable for a while: %v", err)
	}

	clock.Advance(30 * time.Second)
	if n := r.Sweep(); n != 0 {
		t.Fatalf("released %d sessions before the retention elapsed", n)
	}
	clock.Advance(31 * time.Second)
	if n := r.Sweep(); n != 1 {
		t.Fatalf("expected 1 released session, got %d", n)
	}
	if _, err := r.Get(s.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	s.Wait()
}

func TestCloseAllWaitsForInFlightSubmission(t *testing.T) {
	r, _ := newTestRegistry(time.Hour)
	gw := &spyGateway{entered: make(chan struct{}), release: make(chan struct{})}
	r.opts.Gateway = gw

	s, err := r.Open(context.Background(), "inc-1", testOperator)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	completeAgreePath(t, s)
	select {
	case <-gw.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("submission never started")
	}

	closed := make(chan error, 1)
	go func() { closed <- r.CloseAll(context.Background()) }()

	select {
	case err := <-closed:
		t.Fatalf("CloseAll returned before the submission finished: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(gw.release)
	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("CloseAll failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("CloseAll did not return after the submission finished")
	}
}

func TestCloseAllGivesUpWhenContextEnds(t *testing.T) {
	r, _ := newTestRegistry(time.Hour)
	gw := &spyGateway{entered: make(chan struct{}), release: make(chan struct{})}
	r.opts.Gateway = gw

	s, err := r.Open(context.Background(), "inc-1", testOperator)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	completeAgreePath(t, s)
	<-gw.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.CloseAll(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}

	close(gw.release)
	s.Wait()
}

func TestSweeperStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r, _ := newTestRegistry(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	r.StartSweeper(ctx, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	cancel()
}
