// Package coord implements the control protocol between the run
// coordinator and its sensor nodes: clock probing, registration, the
// synchronized start, status reporting, and result collection.
package coord

import (
	"iotharness/internal/metrics"
)

// Message is anything that travels over the control connection.
type Message interface {
	Type() string
}

// Probe asks the coordinator for its clock. T0US is the node's send
// instant on its own clock.
type Probe struct {
	T0US uint64 `json:"t0_us"`
}

// ProbeReply carries the coordinator's receive and send instants. With
// the node's receive instant T3 this yields the NTP-style offset
// ((T1-T0)+(T2-T3))/2, accurate to within half the round trip.
type ProbeReply struct {
	T0US uint64 `json:"t0_us"`
	T1US uint64 `json:"t1_us"`
	T2US uint64 `json:"t2_us"`
}

// Register announces a node to the coordinator after probing.
// ClockOffsetUS converts the node's clock to coordinator time;
// OffsetBoundUS is the half-RTT uncertainty of that estimate.
type Register struct {
	NodeID        string `json:"node_id"`
	SensorCount   int    `json:"sensor_count"`
	ClockOffsetUS int64  `json:"clock_offset_us"`
	OffsetBoundUS int64  `json:"offset_bound_us"`
}

// Start releases registered nodes. StartAtUS is a coordinator-clock
// instant in the near future so all nodes begin together.
type Start struct {
	ScenarioID string `json:"scenario_id"`
	RunID      string `json:"run_id"`
	StartAtUS  uint64 `json:"start_at_us"`
}

// Status is a node's periodic progress beacon during a run.
type Status struct {
	NodeID string `json:"node_id"`
	State  string `json:"state"`
	Sent   int    `json:"sent"`
}

// Report delivers a node's collected records at the end of its shard.
type Report struct {
	NodeID  string           `json:"node_id"`
	Sent    int              `json:"sent"`
	Failure string           `json:"failure,omitempty"`
	Records []metrics.Record `json:"records"`
}

// Stop tells a node to tear down. Sent on every path, including aborts.
type Stop struct {
	Reason string `json:"reason,omitempty"`
}

func (Probe) Type() string      { return "probe" }
func (ProbeReply) Type() string { return "probe_reply" }
func (Register) Type() string   { return "register" }
func (Start) Type() string      { return "start" }
func (Status) Type() string     { return "status" }
func (Report) Type() string     { return "report" }
func (Stop) Type() string       { return "stop" }
