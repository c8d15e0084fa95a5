// Package failure injects scheduled faults into a running scenario:
// packet-loss windows on a node's link, node crashes, and network
// partitions between node groups. The injector exposes its effect through
// the link gate and a crash callback, so the traffic path and the failure
// schedule never share state.
package failure

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOverlap reports two scheduled events whose windows overlap on the
// same target. Overlaps are rejected at configuration time, before any
// traffic flows.
var ErrOverlap = errors.New("failure: overlapping events on target")

// Kind names a fault type.
type Kind string

const (
	// KindPacketLoss forces a loss probability on the target's link for
	// the event window.
	KindPacketLoss Kind = "packet_loss"
	// KindNodeCrash terminates the target node's plugin process at the
	// event start. Crashed nodes are never healed for the rest of the run.
	KindNodeCrash Kind = "node_crash"
	// KindPartition severs traffic between Nodes and everyone else for
	// the event window.
	KindPartition Kind = "partition"
)

// Event is one scheduled fault. Start is an offset from the run start.
type Event struct {
	Kind     Kind          `json:"kind"`
	Target   string        `json:"target,omitempty"`
	Nodes    []string      `json:"nodes,omitempty"`
	Start    time.Duration `json:"start"`
	Duration time.Duration `json:"duration"`
	// LossProbability applies to packet_loss events only.
	LossProbability float64 `json:"loss_probability,omitempty"`
}

// Validate checks a single event in isolation.
func (e Event) Validate() error {
	switch e.Kind {
	case KindPacketLoss:
		if e.Target == "" {
			return errors.New("failure: packet_loss needs a target")
		}
		if e.LossProbability <= 0 || e.LossProbability > 1 {
			return fmt.Errorf("failure: packet_loss probability %v outside (0,1]", e.LossProbability)
		}
		if e.Duration <= 0 {
			return errors.New("failure: packet_loss needs a positive duration")
		}
	case KindNodeCrash:
		if e.Target == "" {
			return errors.New("failure: node_crash needs a target")
		}
	case KindPartition:
		if len(e.Nodes) == 0 {
			return errors.New("failure: partition needs a node group")
		}
		if e.Duration <= 0 {
			return errors.New("failure: partition needs a positive duration")
		}
	default:
		return fmt.Errorf("failure: unknown kind %q", e.Kind)
	}
	if e.Start < 0 {
		return errors.New("failure: negative start offset")
	}
	return nil
}

// targets lists every node the event touches, for overlap checking.
func (e Event) targets() []string {
	if e.Kind == KindPartition {
		return e.Nodes
	}
	return []string{e.Target}
}

func (e Event) window() (time.Duration, time.Duration) {
	end := e.Start + e.Duration
	if e.Kind == KindNodeCrash {
		// A crash has no end; it holds until the run finishes.
		end = 1<<62 - 1
	}
	return e.Start, end
}

// Schedule is the validated set of events for one run.
type Schedule struct {
	Events []Event
}

// NewSchedule validates events and rejects windows that overlap on the
// same target.
func NewSchedule(events []Event) (*Schedule, error) {
	for i, e := range events {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
	}
	for i := range events {
		for j := i + 1; j < len(events); j++ {
			if err := checkOverlap(events[i], events[j]); err != nil {
				return nil, fmt.Errorf("events %d and %d: %w", i, j, err)
			}
		}
	}
	return &Schedule{Events: events}, nil
}

func checkOverlap(a, b Event) error {
	shared := false
	for _, ta := range a.targets() {
		for _, tb := range b.targets() {
			if ta == tb {
				shared = true
			}
		}
	}
	if !shared {
		return nil
	}
	aStart, aEnd := a.window()
	bStart, bEnd := b.window()
	if aStart < bEnd && bStart < aEnd {
		return ErrOverlap
	}
	return nil
}

// Crasher is invoked once per node_crash event, at the event start.
type Crasher func(node string)

// Injector evaluates the schedule against the run clock. It implements
// the link gate contract: Allow(from, to) is false while a partition
// separates the two endpoints or either endpoint has crashed.
type Injector struct {
	schedule *Schedule
	start    time.Time
	crash    Crasher
	now      func() time.Time

	mu      sync.Mutex
	crashed map[string]bool
	fired   map[int]bool
}

// NewInjector binds a schedule to a run start instant. crash may be nil
// when the run has no node_crash events.
func NewInjector(schedule *Schedule, start time.Time, crash Crasher) *Injector {
	return &Injector{
		schedule: schedule,
		start:    start,
		crash:    crash,
		now:      time.Now,
		crashed:  make(map[string]bool),
		fired:    make(map[int]bool),
	}
}

// Run drives the crash events in real time until the context ends.
// Packet-loss and partition windows need no driving; they are evaluated
// against the clock on every query.
func (in *Injector) Run(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in.fireDue()
		}
	}
}

func (in *Injector) fireDue() {
	elapsed := in.now().Sub(in.start)
	in.mu.Lock()
	var due []string
	for i, e := range in.schedule.Events {
		if e.Kind != KindNodeCrash || in.fired[i] || elapsed < e.Start {
			continue
		}
		in.fired[i] = true
		in.crashed[e.Target] = true
		due = append(due, e.Target)
	}
	crash := in.crash
	in.mu.Unlock()
	if crash != nil {
		for _, node := range due {
			crash(node)
		}
	}
}

// Allow reports whether traffic from one endpoint to the other may flow
// at this instant.
func (in *Injector) Allow(from, to string) bool {
	in.mu.Lock()
	crashed := in.crashed[from] || in.crashed[to]
	in.mu.Unlock()
	if crashed {
		return false
	}

	elapsed := in.now().Sub(in.start)
	for _, e := range in.schedule.Events {
		if e.Kind != KindPartition || !activeAt(e, elapsed) {
			continue
		}
		if inGroup(e.Nodes, from) != inGroup(e.Nodes, to) {
			return false
		}
	}
	return true
}

// LossOverride returns the forced loss probability for a target's link,
// if a packet_loss window is active.
func (in *Injector) LossOverride(target string) (float64, bool) {
	elapsed := in.now().Sub(in.start)
	for _, e := range in.schedule.Events {
		if e.Kind == KindPacketLoss && e.Target == target && activeAt(e, elapsed) {
			return e.LossProbability, true
		}
	}
	return 0, false
}

// Degraded reports whether any fault currently affects the target. The
// coordinator surfaces this as the node's health state.
func (in *Injector) Degraded(target string) bool {
	in.mu.Lock()
	if in.crashed[target] {
		in.mu.Unlock()
		return true
	}
	in.mu.Unlock()

	elapsed := in.now().Sub(in.start)
	for _, e := range in.schedule.Events {
		if !activeAt(e, elapsed) {
			continue
		}
		for _, t := range e.targets() {
			if t == target {
				return true
			}
		}
	}
	return false
}

func activeAt(e Event, elapsed time.Duration) bool {
	s, end := e.window()
	return elapsed >= s && elapsed < end
}

func inGroup(nodes []string, id string) bool {
	for _, n := range nodes {
		if n == id {
			return true
		}
	}
	return false
}
