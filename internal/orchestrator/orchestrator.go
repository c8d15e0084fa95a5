// Package orchestrator runs one node's shard of a scenario: it boots the
// protocol plugin, drives sensor emissions through the impaired link,
// applies the failure schedule, and collects the shard's records.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"iotharness/internal/failure"
	"iotharness/internal/impair"
	"iotharness/internal/metrics"
	"iotharness/internal/plugin"
	"iotharness/internal/scenario"
	"iotharness/internal/sensor"
	"iotharness/internal/wire"
)

// ErrSendTimeout marks a record whose send did not complete within the
// scenario's send timeout. It is absorbed as loss, never an abort.
var ErrSendTimeout = errors.New("orchestrator: send timed out")

// sendWorkers bounds concurrent in-flight sends so impairment delay
// does not stall the emission clock.
const sendWorkers = 32

// receiptGrace is how long after the last emission the shard keeps
// listening for receipts before teardown.
const receiptGrace = 2 * time.Second

// ShardResult is what one node contributes to the run.
type ShardResult struct {
	Sent    int
	Records []metrics.Record
}

// Orchestrator executes shards of one scenario on one node.
type Orchestrator struct {
	sc       *scenario.Scenario
	nodeID   string
	registry *plugin.Registry
	logger   *slog.Logger
	sent     atomic.Int64

	// HostServer controls whether this node starts the plugin's server
	// side. Single-node runs host everything.
	HostServer bool
}

func New(sc *scenario.Scenario, nodeID string, registry *plugin.Registry, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		sc:         sc,
		nodeID:     nodeID,
		registry:   registry,
		logger:     logger,
		HostServer: true,
	}
}

// Sent reports how many records left this node so far, for progress
// beacons while a shard is running.
func (o *Orchestrator) Sent() int {
	return int(o.sent.Load())
}

// newPlugin builds the plugin instance for this run. Subprocess argv in
// the scenario takes precedence over the registry.
func (o *Orchestrator) newPlugin() (plugin.Plugin, error) {
	spec := o.sc.Plugin
	if len(spec.ServerArgv) > 0 || len(spec.ClientArgv) > 0 {
		return plugin.NewSubprocess(spec.Name, spec.ServerArgv, spec.ClientArgv), nil
	}
	return o.registry.New(spec.Name)
}

// Run executes this node's shard beginning at startAt (local clock).
// Partial results survive failures: the returned ShardResult is valid
// even when err is non-nil.
func (o *Orchestrator) Run(ctx context.Context, startAt time.Time) (ShardResult, error) {
	p, err := o.newPlugin()
	if err != nil {
		return ShardResult{}, err
	}
	// Teardown runs on every path, including panics further up.
	defer p.Stop()

	agg := metrics.NewAggregator(o.sc.ID, time.Second)

	schedule, err := o.sc.Schedule()
	if err != nil {
		return ShardResult{}, err
	}
	injector := failure.NewInjector(schedule, startAt, func(node string) {
		if node == o.nodeID {
			o.logger.Warn("crash injected, killing plugin", "node", node)
			p.Stop()
		}
	})
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go injector.Run(runCtx)

	receiptLog := filepath.Join(os.TempDir(), fmt.Sprintf("iotharness-%s-%s-recv.log", o.sc.ID, o.nodeID))
	cfg := plugin.Config{
		ServerAddr: o.sc.ServerAddr,
		Clients:    clientCount(o.sc.SensorCount()),
		Duration:   o.sc.Duration.D(),
		RunID:      o.sc.ID,
		ReceiptLog: receiptLog,
		Options:    o.sc.Plugin.Options,
		OnReceipt: func(r metrics.Record) {
			if r.NodeID == "" {
				r.NodeID = o.nodeID
			}
			if r.ReceivedBy == "" {
				r.ReceivedBy = o.nodeID
			}
			agg.Ingest(r)
		},
	}

	startCtx, cancelStart := context.WithTimeout(ctx, o.sc.Timeouts.PluginStart.D())
	defer cancelStart()
	if o.HostServer {
		if err := p.StartServer(startCtx, cfg); err != nil {
			return ShardResult{}, &plugin.RunError{Plugin: p.Name(), Node: o.nodeID, Err: err}
		}
	}
	if err := p.StartClients(startCtx, cfg); err != nil {
		return ShardResult{}, &plugin.RunError{Plugin: p.Name(), Node: o.nodeID, Err: err}
	}

	var runErr error
	switch p.Mode() {
	case plugin.ModeActive:
		runErr = o.runActive(runCtx, p, agg, injector, startAt)
	case plugin.ModePassive:
		runErr = o.runPassive(runCtx, p, agg, startAt, receiptLog)
	default:
		runErr = fmt.Errorf("plugin %s: unknown mode %q", p.Name(), p.Mode())
	}

	agg.Finalize()
	result := ShardResult{Sent: agg.Summary().Sent, Records: agg.Records()}
	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

// runActive drives every send itself: emissions from the scheduler are
// stamped in order and pushed through the impaired link.
func (o *Orchestrator) runActive(ctx context.Context, p plugin.Plugin, agg *metrics.Aggregator, injector *failure.Injector, startAt time.Time) error {
	var clientIdx atomic.Uint64
	clients := clientCount(o.sc.SensorCount())
	sender := impair.SenderFunc(func(ctx context.Context, b []byte) error {
		c := int(clientIdx.Add(1)) % clients
		return p.SendData(ctx, c, b)
	})
	link := impair.NewLink(o.nodeID, "server", sender, o.sc.Impairment.Profile(), injector, o.sc.Seed)

	// A separate seeded source decides forced-loss drops so the link's
	// own sequence stays reproducible.
	rng := rand.New(rand.NewSource(o.sc.Seed + 1))

	type outbound struct {
		seq   uint32
		frame []byte
	}
	sendCh := make(chan outbound, 1024)
	sendTimeout := o.sc.Timeouts.Send.D()

	var wg sync.WaitGroup
	for i := 0; i < sendWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for out := range sendCh {
				sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
				err := link.Send(sendCtx, out.frame)
				cancel()
				switch {
				case err == nil:
				case errors.Is(err, impair.ErrDropped):
					metrics.DroppedTotal.WithLabelValues("impaired").Inc()
				case errors.Is(err, context.DeadlineExceeded):
					metrics.DroppedTotal.WithLabelValues("send_timeout").Inc()
					o.logger.Debug("send timed out", "seq", out.seq)
				case errors.Is(err, context.Canceled):
				default:
					metrics.DroppedTotal.WithLabelValues("send_error").Inc()
					o.logger.Debug("send failed", "seq", out.seq, "error", err)
				}
			}
		}()
	}

	// Sequence numbers and send timestamps are assigned only here, in
	// the single emission goroutine, so both increase together in send
	// order. The workers absorb the link delay after the stamp.
	var seq uint32
	stamp := func() (uint32, uint64) {
		s := seq
		seq++
		ts := wire.Now()
		agg.RecordSent(1)
		o.sent.Add(1)
		agg.Ingest(metrics.Record{Seq: s, NodeID: o.nodeID, SentAtUS: ts, Received: false})
		return s, ts
	}

	sched := sensor.NewScheduler(o.sc.Sessions(o.nodeID), startAt, o.sc.Duration.D(), o.sc.Seed)
	schedErr := sched.Run(ctx, func(em sensor.Emission) error {
		// A forced-loss window drops before the payload ever reaches
		// the link.
		if prob, ok := injector.LossOverride(o.nodeID); ok && rng.Float64() < prob {
			stamp()
			metrics.DroppedTotal.WithLabelValues("forced_loss").Inc()
			return nil
		}
		payload, err := em.Reading.Bytes()
		if err != nil {
			// The record still counts against loss; the payload just
			// never existed.
			stamp()
			metrics.DroppedTotal.WithLabelValues("encode_error").Inc()
			o.logger.Debug("reading marshal failed", "device", em.Reading.DeviceID, "error", err)
			return nil
		}
		s, ts := stamp()
		frame := wire.EncodeAt(s, ts, wire.TagSender(o.nodeID, payload))
		select {
		case sendCh <- outbound{seq: s, frame: frame}:
		default:
			metrics.DroppedTotal.WithLabelValues("queue_full").Inc()
		}
		return nil
	})
	close(sendCh)
	wg.Wait()

	if schedErr != nil && !errors.Is(schedErr, context.Canceled) {
		return schedErr
	}

	// Leave the receive path open briefly for stragglers still inside
	// their impairment delay.
	select {
	case <-time.After(receiptGrace):
	case <-ctx.Done():
	}
	return nil
}

// runPassive lets the external protocol processes generate traffic and
// harvests the receipt log afterwards.
func (o *Orchestrator) runPassive(ctx context.Context, p plugin.Plugin, agg *metrics.Aggregator, startAt time.Time, receiptLog string) error {
	var exited <-chan error
	if sub, ok := p.(interface{ Exited() <-chan error }); ok {
		exited = sub.Exited()
	}

	end := startAt.Add(o.sc.Duration.D()).Add(receiptGrace)
	timer := time.NewTimer(time.Until(end))
	defer timer.Stop()

	var runErr error
	select {
	case <-timer.C:
	case err := <-exited:
		runErr = &plugin.RunError{Plugin: p.Name(), Node: o.nodeID, Err: err}
		o.logger.Error("plugin process died mid-run", "error", err)
	case <-ctx.Done():
		runErr = ctx.Err()
	}

	p.Stop()

	records, parseErr := plugin.ParseReceiptFile(receiptLog, o.nodeID)
	if parseErr != nil {
		if runErr == nil {
			runErr = parseErr
		}
		return runErr
	}
	agg.IngestBatch(o.nodeID, 0, records)
	return runErr
}

// clientCount sizes the plugin's client pool: one connection per 100
// sensors, at least one.
func clientCount(sensors int) int {
	n := sensors / 100
	if n < 1 {
		n = 1
	}
	return n
}
