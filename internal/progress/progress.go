// Package progress publishes coalesced snapshots of a distribution run to any
// number of subscribers.
package progress

import (
	"strconv"
	"sync"
	"time"

	"pkt.systems/paydist/internal/clock"
	"pkt.systems/paydist/internal/payment"
)

// DefaultInterval is the minimum spacing between coalesced snapshots.
const DefaultInterval = time.Second

// Snapshot summarises a run at one instant.
type Snapshot struct {
	Status string
	// Summary counts payments per stage label.
	Summary map[string]int
	// InFlight lists payments currently being processed.
	InFlight   []payment.Result
	NotStarted int
	Scheduling int
	Confirming int
	Completed  int
	Percent    float64
	At         time.Time
}

// Summarize builds a snapshot from payment views. A payment counts as
// scheduling or confirming while it is processed, depending on whether a
// schedule exists yet; otherwise as completed once it has a schedule.
func Summarize(results []payment.Result, at time.Time) Snapshot {
	snap := Snapshot{Summary: make(map[string]int), At: at}
	for _, r := range results {
		snap.Summary[r.Stage.Label()]++
		inProgress := r.Stage == payment.StageProcessing
		hasSchedule := r.ScheduleID != ""
		switch {
		case inProgress && hasSchedule:
			snap.Confirming++
			snap.InFlight = append(snap.InFlight, r)
		case inProgress:
			snap.Scheduling++
			snap.InFlight = append(snap.InFlight, r)
		case hasSchedule:
			snap.Completed++
		default:
			snap.NotStarted++
		}
	}
	if len(results) > 0 {
		snap.Percent = min(99.9, 100*float64(snap.Completed)/float64(len(results)))
	}
	snap.Status = StatusMessage(snap.Percent)
	return snap
}

// StatusMessage renders the run's percent complete with more decimals the
// smaller it is.
func StatusMessage(percent float64) string {
	prec := 3
	switch {
	case percent > 10:
		prec = 1
	case percent > 1:
		prec = 2
	}
	return "Scheduling Payments, " + strconv.FormatFloat(percent, 'f', prec, 64) + "% complete."
}

// Source returns the current payment views.
type Source func() []payment.Result

// Option customises a Stream.
type Option func(*Stream)

// WithInterval overrides the coalescing interval.
func WithInterval(d time.Duration) Option {
	return func(s *Stream) { s.interval = d }
}

// WithClock overrides the clock driving the coalescing timer.
func WithClock(clk clock.Clock) Option {
	return func(s *Stream) { s.clock = clock.Ensure(clk) }
}

// Stream fans snapshots out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full loses its oldest snapshot.
type Stream struct {
	source   Source
	clock    clock.Clock
	interval time.Duration

	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	pending bool
	closed  bool
	last    Snapshot
}

// NewStream returns a stream summarising source.
func NewStream(source Source, opts ...Option) *Stream {
	s := &Stream{
		source:   source,
		clock:    clock.Real{},
		interval: DefaultInterval,
		subs:     make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscription receives snapshots until it or the stream is closed.
type Subscription struct {
	stream *Stream
	ch     chan Snapshot
	closed bool
}

// C returns the delivery channel. It is closed when the subscription ends.
func (sub *Subscription) C() <-chan Snapshot { return sub.ch }

// Close detaches the subscription.
func (sub *Subscription) Close() {
	s := sub.stream
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(s.subs, sub)
	close(sub.ch)
}

// Subscribe registers a subscriber with the given buffer (at least 1). A
// subscription made after Close receives nothing and is already closed.
func (s *Stream) Subscribe(buffer int) *Subscription {
	sub := &Subscription{stream: s, ch: make(chan Snapshot, max(buffer, 1))}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	s.subs[sub] = struct{}{}
	return sub
}

// Notify reports that payment state changed. At most one snapshot is
// produced per interval no matter how often Notify is called.
func (s *Stream) Notify() {
	s.mu.Lock()
	if s.closed || s.pending {
		s.mu.Unlock()
		return
	}
	s.pending = true
	s.mu.Unlock()
	timer := s.clock.After(s.interval)
	go func() {
		<-timer
		s.mu.Lock()
		defer s.mu.Unlock()
		s.pending = false
		if s.closed {
			return
		}
		s.deliverLocked(s.snapshot(""))
	}()
}

// Publish delivers a snapshot immediately, replacing its status with
// message when message is non-empty.
func (s *Stream) Publish(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.deliverLocked(s.snapshot(message))
}

// Last returns the most recently delivered snapshot.
func (s *Stream) Last() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Close delivers a final snapshot and closes every subscription.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.deliverLocked(s.snapshot(""))
	s.closed = true
	for sub := range s.subs {
		sub.closed = true
		close(sub.ch)
	}
	clear(s.subs)
}

func (s *Stream) snapshot(message string) Snapshot {
	var results []payment.Result
	if s.source != nil {
		results = s.source()
	}
	snap := Summarize(results, s.clock.Now())
	if message != "" {
		snap.Status = message
	}
	return snap
}

func (s *Stream) deliverLocked(snap Snapshot) {
	s.last = snap
	for sub := range s.subs {
		select {
		case sub.ch <- snap:
			continue
		default:
		}
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- snap:
		default:
		}
	}
}
