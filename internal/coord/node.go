package coord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"iotharness/internal/metrics"
	"iotharness/internal/wire"
)

// defaultProbeCount clock samples per registration; the sample with the
// smallest round trip wins.
const defaultProbeCount = 5

// defaultStatusInterval spaces the progress beacons a running node
// streams to the coordinator.
const defaultStatusInterval = 2 * time.Second

// ShardReport is what a node's workload hands back when its shard of
// the run finishes.
type ShardReport struct {
	Sent    int
	Records []metrics.Record
	Failure string
}

// RunShard executes this node's share of the scenario, beginning at
// startAt (already converted to the local clock).
type RunShard func(ctx context.Context, startAt time.Time) (ShardReport, error)

// Node is the coordinator's counterpart on a sensor host. It probes the
// coordinator clock, registers, waits for the synchronized start, runs
// its shard, and reports.
type Node struct {
	ID          string
	SensorCount int

	dial   Dialer
	addr   string
	run    RunShard
	logger *slog.Logger

	// ProbeCount overrides the number of clock samples; zero means the
	// default.
	ProbeCount int

	// StatusInterval overrides the beacon spacing; zero means the
	// default.
	StatusInterval time.Duration

	// Progress, when set, supplies the sent count carried in each
	// beacon.
	Progress func() int

	offsetUS int64
	boundUS  int64
}

func NewNode(id string, sensorCount int, addr string, dial Dialer, run RunShard, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{
		ID:          id,
		SensorCount: sensorCount,
		dial:        dial,
		addr:        addr,
		run:         run,
		logger:      logger,
	}
}

// ClockOffsetUS returns the last estimated offset to coordinator time,
// for logging and diagnostics.
func (n *Node) ClockOffsetUS() int64 { return n.offsetUS }

// Run executes the full node lifecycle against the coordinator at
// n.addr. It returns once the coordinator says stop or the context
// ends.
func (n *Node) Run(ctx context.Context) error {
	conn, err := n.dial(ctx, n.addr)
	if err != nil {
		return fmt.Errorf("node %s: dial coordinator: %w", n.ID, err)
	}
	defer conn.Close()

	if err := n.probeClock(ctx, conn); err != nil {
		return fmt.Errorf("node %s: clock probe: %w", n.ID, err)
	}
	n.logger.Info("clock probed",
		"node", n.ID,
		"offset_us", n.offsetUS,
		"bound_us", n.boundUS)

	err = conn.Send(ctx, Register{
		NodeID:        n.ID,
		SensorCount:   n.SensorCount,
		ClockOffsetUS: n.offsetUS,
		OffsetBoundUS: n.boundUS,
	})
	if err != nil {
		return fmt.Errorf("node %s: register: %w", n.ID, err)
	}

	start, err := n.awaitStart(ctx, conn)
	if err != nil {
		return err
	}

	// StartAtUS is coordinator time; shift it onto the local clock.
	startLocal := time.UnixMicro(int64(start.StartAtUS) - n.offsetUS)
	n.logger.Info("start received",
		"node", n.ID,
		"run_id", start.RunID,
		"starts_in", time.Until(startLocal).Round(time.Millisecond))

	// Progress beacons stream for as long as the shard runs; the
	// coordinator uses them to tell a slow node from a dead one.
	statusCtx, stopStatus := context.WithCancel(ctx)
	go n.statusLoop(statusCtx, conn)

	report, runErr := n.run(ctx, startLocal)
	stopStatus()
	if runErr != nil && report.Failure == "" {
		report.Failure = runErr.Error()
	}

	err = conn.Send(ctx, Report{
		NodeID:  n.ID,
		Sent:    report.Sent,
		Failure: report.Failure,
		Records: report.Records,
	})
	if err != nil {
		return fmt.Errorf("node %s: report: %w", n.ID, err)
	}

	n.awaitStop(ctx, conn)
	return runErr
}

// statusLoop sends a running beacon immediately and then one per
// interval until the shard finishes.
func (n *Node) statusLoop(ctx context.Context, conn Conn) {
	interval := n.StatusInterval
	if interval <= 0 {
		interval = defaultStatusInterval
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		sent := 0
		if n.Progress != nil {
			sent = n.Progress()
		}
		if err := conn.Send(ctx, Status{NodeID: n.ID, State: "running", Sent: sent}); err != nil {
			return
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
			return
		}
	}
}

// probeClock samples the coordinator clock and keeps the estimate from
// the exchange with the smallest round trip, where the symmetric-delay
// assumption is strongest.
func (n *Node) probeClock(ctx context.Context, conn Conn) error {
	count := n.ProbeCount
	if count <= 0 {
		count = defaultProbeCount
	}

	bestRTT := int64(-1)
	for i := 0; i < count; i++ {
		t0 := wire.Now()
		if err := conn.Send(ctx, Probe{T0US: t0}); err != nil {
			return err
		}
		msg, err := conn.Recv(ctx)
		if err != nil {
			return err
		}
		t3 := int64(wire.Now())

		reply, ok := msg.(ProbeReply)
		if !ok {
			return fmt.Errorf("expected probe reply, got %s", msg.Type())
		}
		if reply.T0US != t0 {
			continue // stale reply from a previous probe
		}

		t0s, t1 := int64(t0), int64(reply.T1US)
		t2 := int64(reply.T2US)
		rtt := (t3 - t0s) - (t2 - t1)
		if rtt < 0 {
			continue
		}
		if bestRTT < 0 || rtt < bestRTT {
			bestRTT = rtt
			n.offsetUS = ((t1 - t0s) + (t2 - t3)) / 2
			n.boundUS = rtt / 2
		}
	}
	if bestRTT < 0 {
		return errors.New("no usable probe sample")
	}
	return nil
}

func (n *Node) awaitStart(ctx context.Context, conn Conn) (Start, error) {
	for {
		msg, err := conn.Recv(ctx)
		if err != nil {
			return Start{}, fmt.Errorf("node %s: await start: %w", n.ID, err)
		}
		switch m := msg.(type) {
		case Start:
			return m, nil
		case Stop:
			return Start{}, fmt.Errorf("node %s: stopped before start: %s", n.ID, m.Reason)
		default:
			n.logger.Warn("unexpected message while waiting for start", "type", msg.Type())
		}
	}
}

func (n *Node) awaitStop(ctx context.Context, conn Conn) {
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for {
		msg, err := conn.Recv(waitCtx)
		if err != nil {
			return
		}
		if _, ok := msg.(Stop); ok {
			return
		}
	}
}
