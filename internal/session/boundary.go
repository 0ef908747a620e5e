package session

import (
	"sync"
	"time"
)

// Boundary is a timing-tagged partial-text reveal instruction. Offset is
// seconds since the utterance's playback start.
type Boundary struct {
	Offset float64
	Text   string
}

// BoundaryScheduler applies queued text deltas in arrival order, each no
// earlier than its offset relative to the current utterance's playback
// start. A single perpetual goroutine suspends on a monotonic deadline per
// event; it never polls. Starting a new utterance or resetting abandons
// every pending event and any in-progress wait without applying it.
type BoundaryScheduler struct {
	apply func(delta string)

	mu    sync.Mutex
	queue []Boundary
	start time.Time
	gen   uint64

	wake     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewBoundaryScheduler starts the scheduler's goroutine. apply is invoked
// off the caller's goroutine, one delta at a time, in order.
func NewBoundaryScheduler(apply func(delta string)) *BoundaryScheduler {
	s := &BoundaryScheduler{
		apply:   apply,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go s.run()
	return s
}

// StartUtterance clears pending events and anchors subsequent offsets to
// playbackStart.
func (s *BoundaryScheduler) StartUtterance(playbackStart time.Time) {
	s.mu.Lock()
	s.gen++
	s.queue = nil
	s.start = playbackStart
	s.mu.Unlock()
	s.signal()
}

// Enqueue adds one event. Events are trusted to arrive in non-decreasing
// offset order and are not re-sorted.
func (s *BoundaryScheduler) Enqueue(b Boundary) {
	s.mu.Lock()
	s.queue = append(s.queue, b)
	s.mu.Unlock()
	s.signal()
}

// Reset abandons all pending events and any in-progress wait.
func (s *BoundaryScheduler) Reset() {
	s.mu.Lock()
	s.gen++
	s.queue = nil
	s.mu.Unlock()
	s.signal()
}

// Stop terminates the scheduler goroutine. Only used when the owning
// process is shutting down for good.
func (s *BoundaryScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

// Pending returns the number of queued events.
func (s *BoundaryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *BoundaryScheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *BoundaryScheduler) run() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.stopped:
				return
			}
		}
		head := s.queue[0]
		gen := s.gen
		deadline := s.start.Add(time.Duration(head.Offset * float64(time.Second)))
		s.mu.Unlock()

		if wait := time.Until(deadline); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-s.wake:
				// Reset, new utterance, or new event: re-evaluate.
				timer.Stop()
				continue
			case <-s.stopped:
				timer.Stop()
				return
			}
		}

		s.mu.Lock()
		if s.gen != gen || len(s.queue) == 0 {
			// The utterance this event belonged to is gone.
			s.mu.Unlock()
			continue
		}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.apply(head.Text)
	}
}
