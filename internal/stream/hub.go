// Package stream fans assessment session events out to live WebSocket
// observers.
package stream

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ashureev/safeops/internal/assessment"
)

const (
	defaultBufferSize       = 256
	defaultSubscriberBuffer = 64
)

// Hub implements assessment.Publisher. Events are queued without blocking
// and delivered by a single broadcast loop to the subscribers of the session
// that produced them.
type Hub struct {
	events chan assessment.Event
	done   chan struct{}
	stop   sync.Once
	wg     sync.WaitGroup
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}

	dropped atomic.Int64
}

var _ assessment.Publisher = (*Hub)(nil)

// NewHub creates a hub and starts its broadcast loop.
func NewHub(bufferSize int, logger *slog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		events: make(chan assessment.Event, bufferSize),
		done:   make(chan struct{}),
		logger: logger,
		subs:   make(map[string]map[*Subscription]struct{}),
	}
	h.wg.Add(1)
	go h.broadcastLoop()
	return h
}

// Publish queues e for delivery. It never blocks; when the queue is full the
// event is dropped.
func (h *Hub) Publish(e assessment.Event) {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.events <- e:
	default:
		if n := h.dropped.Add(1); n == 1 || n%100 == 0 {
			h.logger.Warn("Stream queue full, dropping events", "session_id", e.SessionID, "dropped_total", n)
		}
	}
}

// Subscription receives the events of one session.
type Subscription struct {
	sessionID string
	ch        chan assessment.Event
	hub       *Hub
	once      sync.Once
}

// C returns the event channel. It is closed when the subscription or the hub
// is closed.
func (s *Subscription) C() <-chan assessment.Event { return s.ch }

// Close removes the subscription from the hub.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		if set, ok := s.hub.subs[s.sessionID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.hub.subs, s.sessionID)
			}
		}
		close(s.ch)
	})
}

// Subscribe registers an observer for sessionID.
func (h *Hub) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		sessionID: sessionID,
		ch:        make(chan assessment.Event, defaultSubscriberBuffer),
		hub:       h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		close(sub.ch)
		sub.once.Do(func() {})
		return sub
	default:
	}
	if _, ok := h.subs[sessionID]; !ok {
		h.subs[sessionID] = make(map[*Subscription]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	h.logger.Debug("Stream subscriber registered", "session_id", sessionID, "subscribers", len(h.subs[sessionID]))
	return sub
}

// Subscribers returns the number of observers of sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// Dropped returns how many events were discarded because a queue was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close stops the broadcast loop and closes every subscription.
func (h *Hub) Close() {
	h.stop.Do(func() {
		close(h.done)
		h.wg.Wait()

		h.mu.Lock()
		defer h.mu.Unlock()
		for _, set := range h.subs {
			for sub := range set {
				sub.closeLocked()
			}
		}
	})
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()
	h.logger.Info("Stream broadcast loop started")
	for {
		select {
		case <-h.done:
			h.logger.Info("Stream broadcast loop shutting down")
			return
		case e := <-h.events:
			h.deliver(e)
		}
	}
}

func (h *Hub) deliver(e assessment.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[e.SessionID] {
		select {
		case sub.ch <- e:
		default:
			if n := h.dropped.Add(1); n == 1 || n%100 == 0 {
				h.logger.Warn("Stream subscriber too slow, dropping events", "session_id", e.SessionID, "dropped_total", n)
			}
		}
	}
}
