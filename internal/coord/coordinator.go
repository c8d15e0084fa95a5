package coord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"iotharness/internal/metrics"
	"iotharness/internal/wire"
)

// Policy decides what happens when not every expected node registers in
// time.
type Policy string

const (
	// PolicyAbort cancels the run; partial topologies would skew loss
	// figures, so this is the default.
	PolicyAbort Policy = "abort"
	// PolicyProceed runs with whoever showed up and records the
	// degraded topology in the summary.
	PolicyProceed Policy = "proceed"
)

// ErrNodesMissing reports an incomplete topology at the registration
// deadline.
var ErrNodesMissing = errors.New("coord: expected nodes missing at deadline")

// Config parameterizes one coordinated run.
type Config struct {
	ScenarioID      string
	RunID           string
	ExpectedNodes   int
	RegisterTimeout time.Duration
	DegradedPolicy  Policy
	// StartDelay is how far in the future the shared start instant is
	// placed, so the START message outruns it to every node.
	StartDelay time.Duration
	// RunTimeout bounds the whole run; reports arriving later are
	// treated as lost nodes.
	RunTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.RegisterTimeout <= 0 {
		out.RegisterTimeout = 30 * time.Second
	}
	if out.DegradedPolicy == "" {
		out.DegradedPolicy = PolicyAbort
	}
	if out.StartDelay <= 0 {
		out.StartDelay = 2 * time.Second
	}
	if out.RunTimeout <= 0 {
		out.RunTimeout = 10 * time.Minute
	}
	return out
}

type nodeState struct {
	reg      Register
	conn     Conn
	lastSeen time.Time
	reported bool
}

type registration struct {
	reg  Register
	conn Conn
}

// Coordinator owns the control side of a distributed run: it admits
// nodes, answers their clock probes, releases a synchronized start, and
// folds their reports into the aggregator.
type Coordinator struct {
	cfg      Config
	listener Listener
	agg      *metrics.Aggregator
	logger   *slog.Logger

	mu    sync.Mutex
	nodes map[string]*nodeState

	regCh    chan registration
	reportCh chan Report
	statusCh chan Status
}

func NewCoordinator(cfg Config, listener Listener, agg *metrics.Aggregator, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:      cfg.withDefaults(),
		listener: listener,
		agg:      agg,
		logger:   logger,
		nodes:    make(map[string]*nodeState),
		regCh:    make(chan registration, 16),
		reportCh: make(chan Report, 16),
		statusCh: make(chan Status, 64),
	}
}

// Run drives a full coordinated run: registration, start, collection,
// stop. It returns when every node reported, the run timed out, or the
// topology was rejected.
func (c *Coordinator) Run(ctx context.Context) error {
	acceptCtx, stopAccept := context.WithCancel(ctx)
	defer stopAccept()
	go c.acceptLoop(acceptCtx)

	if err := c.awaitRegistration(ctx); err != nil {
		c.broadcastStop(ctx, err.Error())
		c.agg.Fail(err.Error())
		c.agg.Finalize()
		return err
	}

	startAt := wire.Now() + uint64(c.cfg.StartDelay.Microseconds())
	c.broadcast(ctx, Start{
		ScenarioID: c.cfg.ScenarioID,
		RunID:      c.cfg.RunID,
		StartAtUS:  startAt,
	})
	c.logger.Info("run started",
		"run_id", c.cfg.RunID,
		"nodes", c.nodeCount(),
		"start_at_us", startAt)

	err := c.collectReports(ctx)

	reason := "run complete"
	if err != nil {
		reason = err.Error()
		c.agg.Fail(reason)
	}
	c.broadcastStop(ctx, reason)
	c.agg.Finalize()
	return err
}

func (c *Coordinator) acceptLoop(ctx context.Context) {
	for {
		conn, err := c.listener.Accept(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return
			}
			c.logger.Error("accept failed", "error", err)
			continue
		}
		go c.handleConn(ctx, conn)
	}
}

// handleConn answers clock probes inline, where timestamping is
// cheapest, and forwards everything else to the run loop.
func (c *Coordinator) handleConn(ctx context.Context, conn Conn) {
	for {
		msg, err := conn.Recv(ctx)
		if err != nil {
			return
		}
		t1 := wire.Now()
		switch m := msg.(type) {
		case Probe:
			reply := ProbeReply{T0US: m.T0US, T1US: t1, T2US: wire.Now()}
			if err := conn.Send(ctx, reply); err != nil {
				return
			}
		case Register:
			select {
			case c.regCh <- registration{reg: m, conn: conn}:
			case <-ctx.Done():
				return
			}
		case Status:
			select {
			case c.statusCh <- m:
			case <-ctx.Done():
				return
			}
		case Report:
			select {
			case c.reportCh <- m:
			case <-ctx.Done():
				return
			}
		default:
			c.logger.Warn("unexpected control message", "type", msg.Type())
		}
	}
}

func (c *Coordinator) awaitRegistration(ctx context.Context) error {
	deadline := time.NewTimer(c.cfg.RegisterTimeout)
	defer deadline.Stop()

	for c.nodeCount() < c.cfg.ExpectedNodes {
		select {
		case r := <-c.regCh:
			c.admit(r)
		case <-deadline.C:
			missing := c.cfg.ExpectedNodes - c.nodeCount()
			if c.nodeCount() == 0 || c.cfg.DegradedPolicy == PolicyAbort {
				return fmt.Errorf("%w: %d of %d registered", ErrNodesMissing, c.nodeCount(), c.cfg.ExpectedNodes)
			}
			c.logger.Warn("starting with degraded topology",
				"registered", c.nodeCount(),
				"missing", missing)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Coordinator) admit(r registration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.nodes[r.reg.NodeID]; dup {
		c.logger.Warn("duplicate registration", "node", r.reg.NodeID)
		return
	}
	c.nodes[r.reg.NodeID] = &nodeState{reg: r.reg, conn: r.conn, lastSeen: time.Now()}
	c.agg.SetOffset(r.reg.NodeID, r.reg.ClockOffsetUS)
	metrics.RegisteredNodes.Set(float64(len(c.nodes)))
	c.logger.Info("node registered",
		"node", r.reg.NodeID,
		"sensors", r.reg.SensorCount,
		"clock_offset_us", r.reg.ClockOffsetUS,
		"offset_bound_us", r.reg.OffsetBoundUS)
}

func (c *Coordinator) collectReports(ctx context.Context) error {
	timeout := time.NewTimer(c.cfg.RunTimeout)
	defer timeout.Stop()

	var failure error
	for !c.allReported() {
		select {
		case rep := <-c.reportCh:
			c.mu.Lock()
			ns, known := c.nodes[rep.NodeID]
			if known && !ns.reported {
				ns.reported = true
				ns.lastSeen = time.Now()
			}
			c.mu.Unlock()
			if !known {
				c.logger.Warn("report from unknown node", "node", rep.NodeID)
				continue
			}
			c.agg.IngestBatch(rep.NodeID, rep.Sent, rep.Records)
			if rep.Failure != "" && failure == nil {
				failure = fmt.Errorf("node %s: %s", rep.NodeID, rep.Failure)
			}
			c.logger.Info("report collected", "node", rep.NodeID, "sent", rep.Sent, "records", len(rep.Records))
		case st := <-c.statusCh:
			c.mu.Lock()
			if ns, ok := c.nodes[st.NodeID]; ok {
				ns.lastSeen = time.Now()
			}
			c.mu.Unlock()
			c.logger.Debug("node status", "node", st.NodeID, "state", st.State, "sent", st.Sent)
		case r := <-c.regCh:
			// Late registration after start: reject, the shard map is fixed.
			c.logger.Warn("registration after start", "node", r.reg.NodeID)
			r.conn.Send(ctx, Stop{Reason: "run already started"})
		case <-timeout.C:
			return fmt.Errorf("run timeout: %s", c.missingReports())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return failure
}

func (c *Coordinator) nodeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}

func (c *Coordinator) allReported() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.nodes) == 0 {
		return false
	}
	for _, ns := range c.nodes {
		if !ns.reported {
			return false
		}
	}
	return true
}

func (c *Coordinator) missingReports() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := "awaiting reports from:"
	for id, ns := range c.nodes {
		if !ns.reported {
			out += " " + id
		}
	}
	return out
}

func (c *Coordinator) broadcast(ctx context.Context, msg Message) {
	c.mu.Lock()
	conns := make([]Conn, 0, len(c.nodes))
	ids := make([]string, 0, len(c.nodes))
	for id, ns := range c.nodes {
		conns = append(conns, ns.conn)
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for i, conn := range conns {
		if err := conn.Send(ctx, msg); err != nil {
			c.logger.Error("broadcast failed", "node", ids[i], "type", msg.Type(), "error", err)
		}
	}
}

// broadcastStop is best-effort and must work even with a cancelled
// context; teardown always reaches every node we can still talk to.
func (c *Coordinator) broadcastStop(ctx context.Context, reason string) {
	sendCtx := ctx
	if sendCtx.Err() != nil {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	c.broadcast(sendCtx, Stop{Reason: reason})
}
