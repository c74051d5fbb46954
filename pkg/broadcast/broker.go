// Package broadcast fans out job progress events to stream subscribers.
//
// Every subscriber owns an unbounded queue, so Publish never blocks on a
// slow reader and never drops an event. Callers that need a total order
// per run (the job tracker) publish while holding that run's lock.
package broadcast

import (
	"context"
	"io"
	"sync"

	"github.com/psantana5/schedopt/pkg/models"
)

// Broker is the per-run subscriber registry
type Broker struct {
	mu     sync.Mutex
	topics map[string]map[uint64]*Subscription
	nextID uint64
	closed bool

	// OnChange, if set, is called with the total subscriber count after
	// every subscribe or unsubscribe.
	OnChange func(total int)
	total    int
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{topics: make(map[string]map[uint64]*Subscription)}
}

// Subscription is one observer of one run
type Subscription struct {
	id     uint64
	runID  string
	broker *Broker

	mu     sync.Mutex
	queue  []models.ProgressEvent
	ended  bool // no more events will be queued
	notify chan struct{}
}

// Subscribe registers an observer for runID whose first event is snapshot.
// A terminal snapshot yields a subscription that ends after that event and
// is never registered.
func (b *Broker) Subscribe(runID string, snapshot models.ProgressEvent) *Subscription {
	sub := &Subscription{
		runID:  runID,
		broker: b,
		queue:  []models.ProgressEvent{snapshot},
		notify: make(chan struct{}, 1),
	}
	if snapshot.Terminal() {
		sub.ended = true
		return sub
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.ended = true
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	subs, ok := b.topics[runID]
	if !ok {
		subs = make(map[uint64]*Subscription)
		b.topics[runID] = subs
	}
	subs[sub.id] = sub
	b.total++
	total := b.total
	b.mu.Unlock()

	b.changed(total)
	return sub
}

// Publish delivers ev to every subscriber of ev.RunID. A terminal event
// ends and deregisters all of them.
func (b *Broker) Publish(ev models.ProgressEvent) {
	b.mu.Lock()
	subs := b.topics[ev.RunID]
	if len(subs) == 0 {
		b.mu.Unlock()
		return
	}
	targets := make([]*Subscription, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	terminal := ev.Terminal()
	total := b.total
	if terminal {
		delete(b.topics, ev.RunID)
		b.total -= len(subs)
		total = b.total
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.push(ev, terminal)
	}
	if terminal {
		b.changed(total)
	}
}

// Subscribers returns the number of observers of runID
func (b *Broker) Subscribers(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[runID])
}

// Total returns the number of registered observers across all runs
func (b *Broker) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Shutdown ends every subscription without a further event
func (b *Broker) Shutdown() {
	b.mu.Lock()
	b.closed = true
	var all []*Subscription
	for _, subs := range b.topics {
		for _, s := range subs {
			all = append(all, s)
		}
	}
	b.topics = make(map[string]map[uint64]*Subscription)
	b.total = 0
	b.mu.Unlock()

	for _, s := range all {
		s.end()
	}
	b.changed(0)
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	subs := b.topics[s.runID]
	if _, ok := subs[s.id]; !ok {
		b.mu.Unlock()
		return
	}
	delete(subs, s.id)
	if len(subs) == 0 {
		delete(b.topics, s.runID)
	}
	b.total--
	total := b.total
	b.mu.Unlock()
	b.changed(total)
}

func (b *Broker) changed(total int) {
	if b.OnChange != nil {
		b.OnChange(total)
	}
}

// RunID returns the run being observed
func (s *Subscription) RunID() string { return s.runID }

func (s *Subscription) push(ev models.ProgressEvent, last bool) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	if last {
		s.ended = true
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) end() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks for the next event. It returns io.EOF once the stream has
// ended and every queued event was consumed, or ctx's error.
func (s *Subscription) Next(ctx context.Context) (models.ProgressEvent, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = models.ProgressEvent{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		ended := s.ended
		s.mu.Unlock()
		if ended {
			return models.ProgressEvent{}, io.EOF
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return models.ProgressEvent{}, ctx.Err()
		}
	}
}

// Close deregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.end()
	if s.id != 0 {
		s.broker.remove(s)
	}
}
