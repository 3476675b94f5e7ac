// Package reportbus fans posture reports out to the service's sinks.
//
// "Drop reports, never queue." Publish never blocks on a slow subscriber: if a
// subscriber channel is full the report is dropped for that subscriber and
// counted. Sinks that must see every alert transition subscribe with the
// TransitionsOnly filter so their buffers only hold the rare reports that
// carry one.
//
//	bus := reportbus.New()
//	defer bus.Close()
//
//	alerts := make(chan posture.Report, 64)
//	bus.Subscribe("journal", alerts, reportbus.TransitionsOnly)
//
//	bus.Publish(engine.Process(frame, false))
package reportbus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-posture/internal/posture"
)

var (
	ErrSubscriberExists   = errors.New("reportbus: subscriber id already exists")
	ErrSubscriberNotFound = errors.New("reportbus: subscriber id not found")
	ErrBusClosed          = errors.New("reportbus: bus is closed")
	ErrNilChannel         = errors.New("reportbus: nil channel provided")
)

// Filter selects the reports a subscriber receives. A nil Filter accepts all.
type Filter func(posture.Report) bool

// TransitionsOnly accepts reports where at least one alert started or stopped.
func TransitionsOnly(r posture.Report) bool {
	return len(r.Transitions) > 0
}

// BusStats contains global and per-subscriber metrics.
type BusStats struct {
	TotalPublished uint64
	TotalSent      uint64
	TotalDropped   uint64
	Subscribers    map[string]SubscriberStats
}

// SubscriberStats tracks metrics for a single subscriber.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
	// Filtered counts reports the subscriber's filter rejected
	Filtered uint64
}

type subscriber struct {
	ch     chan<- posture.Report
	latest *Latest
	filter Filter

	sent     atomic.Uint64
	dropped  atomic.Uint64
	filtered atomic.Uint64
}

// Bus distributes reports to subscribers. Safe for concurrent use.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool

	totalPublished atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers a channel that receives reports accepted by filter.
func (b *Bus) Subscribe(id string, ch chan<- posture.Report, filter Filter) error {
	if ch == nil {
		return ErrNilChannel
	}
	return b.add(id, &subscriber{ch: ch, filter: filter})
}

// SubscribeLatest registers a subscriber that only ever holds the most recent
// report. It never drops.
func (b *Bus) SubscribeLatest(id string) (*Latest, error) {
	l := &Latest{}
	if err := b.add(id, &subscriber{latest: l}); err != nil {
		return nil, err
	}
	return l, nil
}

func (b *Bus) add(id string, s *subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}

	b.subscribers[id] = s
	return nil
}

// Unsubscribe removes a subscriber by id. The subscriber's channel is not closed.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; !exists {
		return ErrSubscriberNotFound
	}

	delete(b.subscribers, id)
	return nil
}

// Publish offers r to every subscriber without blocking. Publishing on a
// closed bus is a no-op.
func (b *Bus) Publish(r posture.Report) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	b.totalPublished.Add(1)

	for _, s := range b.subscribers {
		if s.filter != nil && !s.filter(r) {
			s.filtered.Add(1)
			continue
		}

		if s.latest != nil {
			s.latest.set(r)
			s.sent.Add(1)
			continue
		}

		select {
		case s.ch <- r:
			s.sent.Add(1)
		default:
			s.dropped.Add(1)
		}
	}
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := BusStats{
		TotalPublished: b.totalPublished.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(b.subscribers)),
	}

	for id, s := range b.subscribers {
		sub := SubscriberStats{
			Sent:     s.sent.Load(),
			Dropped:  s.dropped.Load(),
			Filtered: s.filtered.Load(),
		}
		stats.Subscribers[id] = sub
		stats.TotalSent += sub.Sent
		stats.TotalDropped += sub.Dropped
	}

	return stats
}

// Close stops the bus. Subsequent Subscribe calls return ErrBusClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	b.closed = true
	b.subscribers = nil
	return nil
}

// Latest holds the most recent report delivered by the bus.
type Latest struct {
	mu     sync.RWMutex
	report posture.Report
	ok     bool
}

func (l *Latest) set(r posture.Report) {
	l.mu.Lock()
	l.report = r
	l.ok = true
	l.mu.Unlock()
}

// Get returns the latest report and whether one has arrived.
func (l *Latest) Get() (posture.Report, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.report, l.ok
}
