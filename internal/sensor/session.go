// Package sensor generates timed multi-sensor workloads. Thousands of
// sessions on one node are multiplexed into a single ordered emission stream
// by one scheduling loop; no session gets its own goroutine.
package sensor

import (
	"fmt"
	"time"
)

// Pattern selects how a session spaces its emissions.
type Pattern string

const (
	// PatternPeriodic emits at a fixed inter-arrival interval of 1/Rate.
	PatternPeriodic Pattern = "periodic"
	// PatternBursty emits at the base interval plus probabilistic clusters
	// of extra emissions inside a window.
	PatternBursty Pattern = "bursty"
	// PatternPoisson draws inter-arrival times from an exponential
	// distribution with mean 1/Rate.
	PatternPoisson Pattern = "poisson"
)

// Session describes one virtual sensor. A session is owned by exactly one
// scheduler instance for the lifetime of a run.
type Session struct {
	NodeID  string  `yaml:"node_id" json:"node_id"`
	Index   int     `yaml:"index" json:"index"`
	Type    string  `yaml:"type" json:"type"`
	Pattern Pattern `yaml:"pattern" json:"pattern"`
	// Rate is the mean emission rate in readings per second.
	Rate float64 `yaml:"rate" json:"rate"`

	// Bursty pattern tuning; ignored for the other patterns.
	BurstSize        int           `yaml:"burst_size" json:"burst_size,omitempty"`
	BurstWindow      time.Duration `yaml:"burst_window" json:"burst_window,omitempty"`
	BurstProbability float64       `yaml:"burst_probability" json:"burst_probability,omitempty"`
}

// Validate reports configuration errors before a run starts.
func (s Session) Validate() error {
	if s.Rate <= 0 {
		return fmt.Errorf("sensor %d: rate must be positive, got %v", s.Index, s.Rate)
	}
	switch s.Pattern {
	case PatternPeriodic, PatternPoisson:
	case PatternBursty:
		if s.BurstSize < 1 {
			return fmt.Errorf("sensor %d: bursty pattern needs burst_size >= 1", s.Index)
		}
		if s.BurstWindow <= 0 {
			return fmt.Errorf("sensor %d: bursty pattern needs a positive burst_window", s.Index)
		}
	default:
		return fmt.Errorf("sensor %d: unknown emission pattern %q", s.Index, s.Pattern)
	}
	return nil
}

// DeviceID is the stable identifier readings carry on the wire.
func (s Session) DeviceID() string {
	return fmt.Sprintf("%s_%d", s.Type, s.Index)
}

// Expand replicates a session template count times with consecutive indices,
// the shape scenario configs use for large populations.
func Expand(template Session, startIndex, count int) []Session {
	out := make([]Session, 0, count)
	for i := 0; i < count; i++ {
		s := template
		s.Index = startIndex + i
		out = append(out, s)
	}
	return out
}
