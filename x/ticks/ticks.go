// Package ticks runs named periodic timers that feed one ordered queue.
//
// A timer that fires again before its previous event was drained is
// coalesced, so each name runs at most once per period however slow the
// consumer is.
package ticks

import (
	"sync"
	"time"
)

type Event struct {
	Name string
	At   time.Time
}

type timer struct {
	t      *time.Timer
	period time.Duration
	gen    uint64
}

type Ticks struct {
	mu     sync.Mutex
	timers map[string]*timer
	gen    uint64
	queue  []Event
	queued map[string]bool
	ready  chan struct{}
	closed bool
}

func New() *Ticks {
	return &Ticks{
		timers: make(map[string]*timer),
		queued: make(map[string]bool),
		ready:  make(chan struct{}, 1),
	}
}

// Every starts or re-periods the named timer. A non-positive period stops it.
func (s *Ticks) Every(name string, period time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.stopLocked(name)
	if period <= 0 {
		return
	}
	s.gen++
	tm := &timer{period: period, gen: s.gen}
	gen := s.gen
	tm.t = time.AfterFunc(period, func() { s.fire(name, gen) })
	s.timers[name] = tm
}

// Stop cancels the named timer and drops any undrained event for it.
func (s *Ticks) Stop(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(name)
}

func (s *Ticks) stopLocked(name string) {
	if tm, ok := s.timers[name]; ok {
		tm.t.Stop()
		delete(s.timers, name)
	}
	if s.queued[name] {
		delete(s.queued, name)
		for i, ev := range s.queue {
			if ev.Name == name {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
	}
}

// Close stops every timer. Ready is never signalled again.
func (s *Ticks) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.timers {
		s.stopLocked(name)
	}
	s.closed = true
}

func (s *Ticks) fire(name string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tm, ok := s.timers[name]
	if !ok || tm.gen != gen {
		return
	}
	tm.t.Reset(tm.period)
	if s.queued[name] {
		return
	}
	s.queued[name] = true
	s.queue = append(s.queue, Event{Name: name, At: time.Now()})
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled when Drain has events.
func (s *Ticks) Ready() <-chan struct{} { return s.ready }

// Drain returns pending events in firing order and clears the queue.
func (s *Ticks) Drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	clear(s.queued)
	return out
}
