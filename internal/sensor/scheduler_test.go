package sensor

import (
	"testing"
	"time"
)

func periodicSession(index int, rate float64) Session {
	return Session{
		NodeID:  "node-a",
		Index:   index,
		Type:    "temperature",
		Pattern: PatternPeriodic,
		Rate:    rate,
	}
}

func TestPeriodicEmissionCount(t *testing.T) {
	// 10/s for 5s on one sensor: exactly 50 readings, ~100ms apart.
	start := time.Unix(1_700_000_000, 0)
	sched := NewScheduler([]Session{periodicSession(0, 10)}, start, 5*time.Second, 1)

	var emissions []Emission
	for {
		em, ok := sched.Next()
		if !ok {
			break
		}
		emissions = append(emissions, em)
	}

	if n := len(emissions); n < 49 || n > 51 {
		t.Fatalf("emission count = %d, want 50 (±1)", n)
	}
	for i := 1; i < len(emissions); i++ {
		gap := emissions[i].Due.Sub(emissions[i-1].Due)
		if gap != 100*time.Millisecond {
			t.Fatalf("inter-arrival at %d = %v, want 100ms", i, gap)
		}
	}
}

func TestEmissionsOrderedAcrossSessions(t *testing.T) {
	sessions := []Session{
		periodicSession(0, 7),
		periodicSession(1, 13),
		periodicSession(2, 3),
	}
	sessions[1].Pattern = PatternPoisson
	start := time.Unix(1_700_000_000, 0)
	sched := NewScheduler(sessions, start, 3*time.Second, 42)

	var prev time.Time
	count := 0
	for {
		em, ok := sched.Next()
		if !ok {
			break
		}
		if em.Due.Before(prev) {
			t.Fatalf("emission %d due %v before previous %v", count, em.Due, prev)
		}
		prev = em.Due
		count++
	}
	if count == 0 {
		t.Fatal("no emissions produced")
	}
}

func TestTiesBreakBySensorIndex(t *testing.T) {
	// Two identical periodic sensors share every due time.
	sessions := []Session{periodicSession(1, 5), periodicSession(0, 5)}
	start := time.Unix(1_700_000_000, 0)
	sched := NewScheduler(sessions, start, time.Second, 1)

	for i := 0; i < 5; i++ {
		a, ok := sched.Next()
		if !ok {
			break
		}
		b, ok := sched.Next()
		if !ok {
			break
		}
		if !a.Due.Equal(b.Due) {
			t.Fatalf("expected tied due times, got %v and %v", a.Due, b.Due)
		}
		if a.Session.Index != 0 || b.Session.Index != 1 {
			t.Fatalf("tie order = (%d, %d), want (0, 1)", a.Session.Index, b.Session.Index)
		}
	}
}

func TestSchedulerIsRestartable(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	sched := NewScheduler([]Session{periodicSession(0, 20)}, start, time.Second, 7)

	collect := func() []time.Time {
		var due []time.Time
		for {
			em, ok := sched.Next()
			if !ok {
				return due
			}
			due = append(due, em.Due)
		}
	}

	first := collect()
	sched.Reset()
	second := collect()

	if len(first) != len(second) {
		t.Fatalf("restart changed emission count: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if !first[i].Equal(second[i]) {
			t.Fatalf("restart changed due time %d: %v vs %v", i, first[i], second[i])
		}
	}
}

func TestPoissonMeanRate(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	sess := periodicSession(0, 50)
	sess.Pattern = PatternPoisson
	sched := NewScheduler([]Session{sess}, start, 60*time.Second, 3)

	count := 0
	for {
		if _, ok := sched.Next(); !ok {
			break
		}
		count++
	}
	// Expect ~3000 emissions; allow generous slack for sampling noise.
	if count < 2600 || count > 3400 {
		t.Fatalf("poisson emission count = %d, want ≈3000", count)
	}
}

func TestBurstyProducesClusters(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	sess := Session{
		NodeID:           "node-a",
		Index:            0,
		Type:             "motion",
		Pattern:          PatternBursty,
		Rate:             2,
		BurstSize:        4,
		BurstProbability: 1.0, // always burst, deterministic count
		BurstWindow:      100 * time.Millisecond,
	}
	sched := NewScheduler([]Session{sess}, start, 10*time.Second, 11)

	count := 0
	for {
		if _, ok := sched.Next(); !ok {
			break
		}
		count++
	}
	// Base rate alone would give ~20; every refill adds 4 clustered extras.
	if count <= 25 {
		t.Fatalf("bursty emission count = %d, want well above the base 20", count)
	}
}

func TestSessionValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Session)
		wantErr bool
	}{
		{"valid periodic", func(s *Session) {}, false},
		{"zero rate", func(s *Session) { s.Rate = 0 }, true},
		{"unknown pattern", func(s *Session) { s.Pattern = "fractal" }, true},
		{"bursty missing window", func(s *Session) {
			s.Pattern = PatternBursty
			s.BurstSize = 3
		}, true},
		{"bursty valid", func(s *Session) {
			s.Pattern = PatternBursty
			s.BurstSize = 3
			s.BurstWindow = time.Second
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := periodicSession(0, 1)
			tc.mutate(&s)
			err := s.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestExpand(t *testing.T) {
	out := Expand(periodicSession(0, 1), 100, 3)
	if len(out) != 3 {
		t.Fatalf("len = %d, want 3", len(out))
	}
	for i, s := range out {
		if s.Index != 100+i {
			t.Errorf("index %d = %d, want %d", i, s.Index, 100+i)
		}
	}
}
