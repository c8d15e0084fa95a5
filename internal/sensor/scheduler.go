package sensor

import (
	"container/heap"
	"context"
	"math/rand"
	"sort"
	"time"
)

// Emission is one due reading from the multiplexed stream.
type Emission struct {
	Due     time.Time
	Session Session
	Reading Reading
}

// sessionState is a session plus its scheduling and synthesis state.
type sessionState struct {
	session Session
	state   *readingState
	// queue holds the due times already decided for this session,
	// earliest first. Refilled lazily from the pattern.
	queue []time.Time
}

func (ss *sessionState) head() time.Time { return ss.queue[0] }

// dueHeap orders sessions by earliest pending due time; ties break by
// ascending sensor index so emission order is deterministic.
type dueHeap []*sessionState

func (h dueHeap) Len() int { return len(h) }
func (h dueHeap) Less(i, j int) bool {
	if h[i].head().Equal(h[j].head()) {
		return h[i].session.Index < h[j].session.Index
	}
	return h[i].head().Before(h[j].head())
}
func (h dueHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *dueHeap) Push(x any)   { *h = append(*h, x.(*sessionState)) }
func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Scheduler multiplexes many sessions into one ordered emission stream.
// It is lazy and restartable: Next produces emissions on demand and Reset
// rewinds to the start of the run window.
type Scheduler struct {
	sessions []Session
	start    time.Time
	end      time.Time
	seed     int64

	rng  *rand.Rand
	heap dueHeap
}

// NewScheduler prepares an emission stream covering [start, start+duration).
// The seed makes a run's workload reproducible across restarts.
func NewScheduler(sessions []Session, start time.Time, duration time.Duration, seed int64) *Scheduler {
	s := &Scheduler{
		sessions: sessions,
		start:    start,
		end:      start.Add(duration),
		seed:     seed,
	}
	s.Reset()
	return s
}

// Reset rewinds the stream to the start of the run window.
func (s *Scheduler) Reset() {
	s.rng = rand.New(rand.NewSource(s.seed))
	s.heap = s.heap[:0]
	for _, sess := range s.sessions {
		ss := &sessionState{
			session: sess,
			state:   newReadingState(s.rng),
		}
		// First emission lands one interval in, so a 10/s sensor over
		// 5s yields 50 readings, not 51.
		s.refill(ss, s.start)
		s.heap = append(s.heap, ss)
	}
	heap.Init(&s.heap)
}

// refill appends the next batch of due times for a session after `from`.
func (s *Scheduler) refill(ss *sessionState, from time.Time) {
	sess := ss.session
	interval := time.Duration(float64(time.Second) / sess.Rate)
	switch sess.Pattern {
	case PatternPoisson:
		gap := time.Duration(s.rng.ExpFloat64() * float64(time.Second) / sess.Rate)
		ss.queue = append(ss.queue, from.Add(gap))
	case PatternBursty:
		base := from.Add(interval)
		ss.queue = append(ss.queue, base)
		if s.rng.Float64() < sess.BurstProbability {
			for i := 0; i < sess.BurstSize; i++ {
				offset := time.Duration(s.rng.Float64() * float64(sess.BurstWindow))
				ss.queue = append(ss.queue, base.Add(offset))
			}
			sort.Slice(ss.queue, func(i, j int) bool { return ss.queue[i].Before(ss.queue[j]) })
		}
	default: // periodic
		ss.queue = append(ss.queue, from.Add(interval))
	}
}

// Next returns the earliest pending emission, or ok=false once every
// session's next due time falls at or past the end of the run window.
func (s *Scheduler) Next() (Emission, bool) {
	for len(s.heap) > 0 {
		ss := s.heap[0]
		due := ss.head()
		if !due.Before(s.end) {
			// This session is exhausted; the heap ordering means
			// every other session is exhausted too only when each
			// is popped, so drop just this one.
			heap.Pop(&s.heap)
			continue
		}
		em := Emission{
			Due:     due,
			Session: ss.session,
			Reading: ss.state.synthesize(ss.session, s.rng),
		}
		ss.queue = ss.queue[1:]
		if len(ss.queue) == 0 {
			s.refill(ss, due)
		}
		heap.Fix(&s.heap, 0)
		return em, true
	}
	return Emission{}, false
}

// Run drives the stream in real time, sleeping until each emission is due
// and invoking emit. It returns when the stream is exhausted, emit fails,
// or ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, emit func(Emission) error) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	if !timer.Stop() {
		<-timer.C
	}

	for {
		em, ok := s.Next()
		if !ok {
			return nil
		}
		if wait := time.Until(em.Due); wait > 0 {
			timer.Reset(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := emit(em); err != nil {
			return err
		}
	}
}

// Count returns the number of sessions in the stream.
func (s *Scheduler) Count() int { return len(s.sessions) }
