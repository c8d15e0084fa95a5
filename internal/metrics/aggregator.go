// Package metrics collects per-packet timing records and reduces them to
// per-run statistics. The aggregator is the sole writer of a run's result
// set; every other component only feeds it.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Record is one measured packet. NodeID names the sender that stamped
// SentAtUS; ReceivedBy names the host whose clock stamped ReceivedAtUS,
// defaulting to the sender when both ends share a host. ReceivedAtUS is
// meaningful only when Received is true; a record that was never
// received counts as lost.
type Record struct {
	Seq          uint32 `json:"seq"`
	NodeID       string `json:"node_id"`
	SentAtUS     uint64 `json:"sent_at_us"`
	ReceivedAtUS uint64 `json:"received_at_us,omitempty"`
	ReceivedBy   string `json:"received_by,omitempty"`
	Received     bool   `json:"received"`
}

// LatencyStats summarizes the one-way latency distribution in milliseconds.
type LatencyStats struct {
	Min    float64 `json:"min_ms"`
	Median float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
}

// Window is one slice of the throughput timeline.
type Window struct {
	StartUS  uint64  `json:"start_us"`
	Received int     `json:"received"`
	RPS      float64 `json:"rps"`
}

// Summary is the final result set of a run.
type Summary struct {
	RunID         string        `json:"run_id"`
	Sent          int           `json:"sent"`
	Received      int           `json:"received"`
	Lost          int           `json:"lost"`
	LossRate      float64       `json:"loss_rate"`
	Latency       LatencyStats  `json:"latency"`
	ThroughputRPS float64       `json:"throughput_rps"`
	Windows       []Window      `json:"windows,omitempty"`
	Duration      time.Duration `json:"duration_ns"`
	Failure       string        `json:"failure,omitempty"`
}

type recordKey struct {
	node string
	seq  uint32
}

// Aggregator merges records from local receipts and remote REPORT batches.
// Ingestion from concurrent sources is serialized internally; arrival order
// carries no meaning because aggregation is commutative over records.
type Aggregator struct {
	mu       sync.Mutex
	runID    string
	window   time.Duration
	records  map[recordKey]Record
	offsets  map[string]int64 // node -> microseconds to add to that node's clock
	sent     int
	finished bool
	failure  string
	started  time.Time
	ended    time.Time
}

// NewAggregator creates an aggregator for one run. windowSize controls the
// granularity of the throughput timeline.
func NewAggregator(runID string, windowSize time.Duration) *Aggregator {
	if windowSize <= 0 {
		windowSize = time.Second
	}
	return &Aggregator{
		runID:   runID,
		window:  windowSize,
		records: make(map[recordKey]Record),
		offsets: make(map[string]int64),
		started: time.Now(),
	}
}

// SetOffset records a node's estimated clock offset relative to the
// coordinator, applied to that node's timestamps when merging.
func (a *Aggregator) SetOffset(nodeID string, offsetUS int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.offsets[nodeID] = offsetUS
}

// RecordSent notes that n records left senders; loss is measured against
// this count, so senders must report it even when nothing arrives.
func (a *Aggregator) RecordSent(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent += n
	sentTotal.Add(float64(n))
}

// Ingest merges one record. A receipt for a sequence already marked lost
// upgrades it; a duplicate receipt is ignored. Records may arrive in any
// order.
func (a *Aggregator) Ingest(r Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ingestLocked(r)
}

// IngestBatch merges a REPORT batch from a remote node, adding the batch's
// sent count to the run total.
func (a *Aggregator) IngestBatch(nodeID string, sent int, records []Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent += sent
	sentTotal.Add(float64(sent))
	for _, r := range records {
		if r.NodeID == "" {
			r.NodeID = nodeID
		}
		a.ingestLocked(r)
	}
}

func (a *Aggregator) ingestLocked(r Record) {
	key := recordKey{node: r.NodeID, seq: r.Seq}
	if prev, ok := a.records[key]; ok && prev.Received {
		return
	}
	if r.Received {
		receivedTotal.Inc()
	}
	a.records[key] = r
}

// Fail marks the run as failed without discarding what was collected so
// far; partial metrics survive component failures.
func (a *Aggregator) Fail(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failure == "" {
		a.failure = reason
	}
}

// Finalize freezes the collection clock. Further ingestion is still
// accepted (late REPORTs), but duration stops here.
func (a *Aggregator) Finalize() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.finished {
		a.finished = true
		a.ended = time.Now()
	}
}

// Records returns a copy of every record collected so far.
func (a *Aggregator) Records() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Record, 0, len(a.records))
	for _, r := range a.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeID != out[j].NodeID {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Summary reduces the collection to the run's result set, applying
// per-node clock-offset correction to every latency sample.
func (a *Aggregator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Summary{RunID: a.runID, Failure: a.failure}

	var latencies []float64
	var minRecv, maxRecv uint64
	windows := make(map[uint64]int)

	for _, r := range a.records {
		if !r.Received {
			continue
		}
		s.Received++
		// Each timestamp is shifted into coordinator time by the offset
		// of the clock that stamped it. When one host stamped both ends
		// the shifts cancel and the raw latency survives unchanged.
		sent := applyOffset(r.SentAtUS, a.offsets[r.NodeID])
		recvBy := r.ReceivedBy
		if recvBy == "" {
			recvBy = r.NodeID
		}
		recv := applyOffset(r.ReceivedAtUS, a.offsets[recvBy])
		if minRecv == 0 || recv < minRecv {
			minRecv = recv
		}
		if recv > maxRecv {
			maxRecv = recv
		}
		windows[recv/uint64(a.window.Microseconds())]++
		// Receipts without a send stamp (passive logs) count toward
		// loss and throughput but cannot yield a latency sample.
		if r.SentAtUS != 0 && recv >= sent {
			latencies = append(latencies, float64(recv-sent)/1000.0)
		}
	}

	s.Sent = a.sent
	if s.Sent < s.Received {
		// Passive plugins may not report sends; receipts bound it.
		s.Sent = s.Received
	}
	s.Lost = s.Sent - s.Received
	if s.Sent > 0 {
		s.LossRate = float64(s.Lost) / float64(s.Sent)
	}

	end := a.ended
	if end.IsZero() {
		end = time.Now()
	}
	s.Duration = end.Sub(a.started)
	if secs := s.Duration.Seconds(); secs > 0 {
		s.ThroughputRPS = float64(s.Received) / secs
	}

	s.Latency = latencyStats(latencies)

	if len(windows) > 0 {
		keys := make([]uint64, 0, len(windows))
		for k := range windows {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		winUS := uint64(a.window.Microseconds())
		for _, k := range keys {
			s.Windows = append(s.Windows, Window{
				StartUS:  k * winUS,
				Received: windows[k],
				RPS:      float64(windows[k]) / a.window.Seconds(),
			})
		}
	}

	return s
}

func applyOffset(ts uint64, offsetUS int64) uint64 {
	if offsetUS >= 0 {
		return ts + uint64(offsetUS)
	}
	neg := uint64(-offsetUS)
	if neg > ts {
		return 0
	}
	return ts - neg
}

func latencyStats(samples []float64) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}
	sort.Float64s(samples)
	sum := 0.0
	for _, v := range samples {
		sum += v
	}
	return LatencyStats{
		Min:    samples[0],
		Median: percentile(samples, 50),
		P95:    percentile(samples, 95),
		P99:    percentile(samples, 99),
		Max:    samples[len(samples)-1],
		Mean:   sum / float64(len(samples)),
	}
}

// percentile expects sorted input.
func percentile(sorted []float64, p float64) float64 {
	idx := int(float64(len(sorted)) * p / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
