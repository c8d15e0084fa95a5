package failure

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestScheduleRejectsOverlap(t *testing.T) {
	_, err := NewSchedule([]Event{
		{Kind: KindPacketLoss, Target: "node-a", Start: 0, Duration: 10 * time.Second, LossProbability: 0.5},
		{Kind: KindPacketLoss, Target: "node-a", Start: 5 * time.Second, Duration: 10 * time.Second, LossProbability: 0.2},
	})
	if !errors.Is(err, ErrOverlap) {
		t.Fatalf("err = %v, want ErrOverlap", err)
	}
}

func TestScheduleAllowsDisjointWindows(t *testing.T) {
	_, err := NewSchedule([]Event{
		{Kind: KindPacketLoss, Target: "node-a", Start: 0, Duration: 5 * time.Second, LossProbability: 0.5},
		{Kind: KindPacketLoss, Target: "node-a", Start: 5 * time.Second, Duration: 5 * time.Second, LossProbability: 0.2},
		{Kind: KindPacketLoss, Target: "node-b", Start: 2 * time.Second, Duration: 5 * time.Second, LossProbability: 0.2},
	})
	if err != nil {
		t.Fatalf("disjoint schedule rejected: %v", err)
	}
}

func TestCrashOverlapsEverythingAfterIt(t *testing.T) {
	// A crash at t=10s holds until the end of the run, so a later window
	// on the same node overlaps it.
	_, err := NewSchedule([]Event{
		{Kind: KindNodeCrash, Target: "node-a", Start: 10 * time.Second},
		{Kind: KindPacketLoss, Target: "node-a", Start: 20 * time.Second, Duration: 5 * time.Second, LossProbability: 0.5},
	})
	if !errors.Is(err, ErrOverlap) {
		t.Fatalf("err = %v, want ErrOverlap", err)
	}
}

func TestEventValidate(t *testing.T) {
	cases := []struct {
		name    string
		e       Event
		wantErr bool
	}{
		{"valid loss", Event{Kind: KindPacketLoss, Target: "n", Duration: time.Second, LossProbability: 0.5}, false},
		{"loss without target", Event{Kind: KindPacketLoss, Duration: time.Second, LossProbability: 0.5}, true},
		{"loss probability zero", Event{Kind: KindPacketLoss, Target: "n", Duration: time.Second}, true},
		{"valid crash", Event{Kind: KindNodeCrash, Target: "n", Start: time.Second}, false},
		{"valid partition", Event{Kind: KindPartition, Nodes: []string{"a"}, Duration: time.Second}, false},
		{"partition without nodes", Event{Kind: KindPartition, Duration: time.Second}, true},
		{"unknown kind", Event{Kind: "meteor", Target: "n", Duration: time.Second}, true},
		{"negative start", Event{Kind: KindNodeCrash, Target: "n", Start: -time.Second}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.e.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func injectorAt(t *testing.T, events []Event, elapsed time.Duration) *Injector {
	t.Helper()
	sched, err := NewSchedule(events)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Unix(1_700_000_000, 0)
	in := NewInjector(sched, start, nil)
	in.now = func() time.Time { return start.Add(elapsed) }
	return in
}

func TestPartitionSeversAcrossGroups(t *testing.T) {
	events := []Event{{
		Kind:     KindPartition,
		Nodes:    []string{"node-a", "node-b"},
		Start:    2 * time.Second,
		Duration: 4 * time.Second,
	}}

	// Before the window everything flows.
	in := injectorAt(t, events, time.Second)
	if !in.Allow("node-a", "server") {
		t.Error("traffic blocked before partition window")
	}

	// Inside the window only same-side pairs flow.
	in = injectorAt(t, events, 3*time.Second)
	if in.Allow("node-a", "server") {
		t.Error("cross-partition traffic allowed during window")
	}
	if !in.Allow("node-a", "node-b") {
		t.Error("same-side traffic blocked during window")
	}

	// After the window the link heals.
	in = injectorAt(t, events, 7*time.Second)
	if !in.Allow("node-a", "server") {
		t.Error("traffic still blocked after partition window")
	}
}

func TestLossOverrideWindow(t *testing.T) {
	events := []Event{{
		Kind:            KindPacketLoss,
		Target:          "node-a",
		Start:           time.Second,
		Duration:        2 * time.Second,
		LossProbability: 0.4,
	}}

	in := injectorAt(t, events, 2*time.Second)
	p, ok := in.LossOverride("node-a")
	if !ok || p != 0.4 {
		t.Errorf("override = (%v, %v), want (0.4, true)", p, ok)
	}
	if _, ok := in.LossOverride("node-b"); ok {
		t.Error("override leaked to unrelated target")
	}

	in = injectorAt(t, events, 5*time.Second)
	if _, ok := in.LossOverride("node-a"); ok {
		t.Error("override active after window end")
	}
}

func TestCrashFiresOnceAndNeverHeals(t *testing.T) {
	sched, err := NewSchedule([]Event{{Kind: KindNodeCrash, Target: "node-a", Start: time.Second}})
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var crashes []string
	start := time.Unix(1_700_000_000, 0)
	in := NewInjector(sched, start, func(node string) {
		mu.Lock()
		crashes = append(crashes, node)
		mu.Unlock()
	})

	elapsed := time.Duration(0)
	in.now = func() time.Time { return start.Add(elapsed) }

	in.fireDue() // before the event: nothing
	elapsed = 2 * time.Second
	in.fireDue()
	in.fireDue() // repeated evaluation must not re-fire

	mu.Lock()
	defer mu.Unlock()
	if len(crashes) != 1 || crashes[0] != "node-a" {
		t.Fatalf("crashes = %v, want exactly [node-a]", crashes)
	}
	if in.Allow("node-a", "server") {
		t.Error("crashed node still allowed to send")
	}
	if !in.Degraded("node-a") {
		t.Error("crashed node not reported degraded")
	}

	// Much later, the crash still holds.
	elapsed = time.Hour
	if in.Allow("node-a", "server") {
		t.Error("crashed node healed")
	}
}

func TestDegradedTracksActiveWindows(t *testing.T) {
	events := []Event{{
		Kind:            KindPacketLoss,
		Target:          "node-a",
		Start:           time.Second,
		Duration:        2 * time.Second,
		LossProbability: 0.4,
	}}

	if in := injectorAt(t, events, 0); in.Degraded("node-a") {
		t.Error("degraded before window")
	}
	if in := injectorAt(t, events, 2*time.Second); !in.Degraded("node-a") {
		t.Error("not degraded inside window")
	}
	if in := injectorAt(t, events, 4*time.Second); in.Degraded("node-a") {
		t.Error("still degraded after window")
	}
}
