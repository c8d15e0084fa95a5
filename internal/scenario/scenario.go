// Package scenario loads and validates run descriptions: which protocol
// to exercise, how many sensors to simulate, what to do to the network
// while they run, and where the results go.
package scenario

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"iotharness/internal/failure"
	"iotharness/internal/impair"
	"iotharness/internal/sensor"
)

// PluginSpec names the protocol under test. Argv templates are only
// needed for subprocess plugins; built-in protocols ignore them.
type PluginSpec struct {
	Name       string            `yaml:"name"`
	ServerArgv []string          `yaml:"server_argv,omitempty"`
	ClientArgv []string          `yaml:"client_argv,omitempty"`
	Options    map[string]string `yaml:"options,omitempty"`
}

// SensorGroup expands to Count sessions of one sensor type per node.
type SensorGroup struct {
	Type             string   `yaml:"type"`
	Count            int      `yaml:"count"`
	Pattern          string   `yaml:"pattern"`
	Rate             float64  `yaml:"rate"`
	BurstSize        int      `yaml:"burst_size,omitempty"`
	BurstWindow      Duration `yaml:"burst_window,omitempty"`
	BurstProbability float64  `yaml:"burst_probability,omitempty"`
}

func (g SensorGroup) session(nodeID string) sensor.Session {
	return sensor.Session{
		NodeID:           nodeID,
		Type:             g.Type,
		Pattern:          sensor.Pattern(g.Pattern),
		Rate:             g.Rate,
		BurstSize:        g.BurstSize,
		BurstWindow:      g.BurstWindow.D(),
		BurstProbability: g.BurstProbability,
	}
}

// ImpairmentSpec is the config-file shape of a link profile.
type ImpairmentSpec struct {
	BaseLatency     Duration `yaml:"base_latency,omitempty"`
	Jitter          Duration `yaml:"jitter,omitempty"`
	JitterDist      string   `yaml:"jitter_dist,omitempty"`
	LossProbability float64  `yaml:"loss_probability,omitempty"`
	BandwidthBps    int64    `yaml:"bandwidth_bps,omitempty"`
	QueueLimit      Duration `yaml:"queue_limit,omitempty"`
}

// Profile converts to the runtime link profile.
func (i ImpairmentSpec) Profile() impair.Profile {
	return impair.Profile{
		BaseLatency:     i.BaseLatency.D(),
		Jitter:          i.Jitter.D(),
		JitterDist:      impair.JitterDist(i.JitterDist),
		LossProbability: i.LossProbability,
		BandwidthBps:    i.BandwidthBps,
		QueueLimit:      i.QueueLimit.D(),
	}
}

// FailureSpec is the config-file shape of one scheduled fault.
type FailureSpec struct {
	Kind            string   `yaml:"kind"`
	Target          string   `yaml:"target,omitempty"`
	Nodes           []string `yaml:"nodes,omitempty"`
	Start           Duration `yaml:"start"`
	Duration        Duration `yaml:"duration,omitempty"`
	LossProbability float64  `yaml:"loss_probability,omitempty"`
}

// Event converts to the runtime failure event.
func (f FailureSpec) Event() failure.Event {
	return failure.Event{
		Kind:            failure.Kind(f.Kind),
		Target:          f.Target,
		Nodes:           f.Nodes,
		Start:           f.Start.D(),
		Duration:        f.Duration.D(),
		LossProbability: f.LossProbability,
	}
}

// Timeouts bounds the phases of a run.
type Timeouts struct {
	Register    Duration `yaml:"register,omitempty"`
	PluginStart Duration `yaml:"plugin_start,omitempty"`
	Send        Duration `yaml:"send,omitempty"`
}

// ResultSink selects one result writer.
type ResultSink struct {
	Kind     string   `yaml:"kind"` // stdout, jsonl, kafka, greptime
	Path     string   `yaml:"path,omitempty"`
	Brokers  []string `yaml:"brokers,omitempty"`
	Topic    string   `yaml:"topic,omitempty"`
	Endpoint string   `yaml:"endpoint,omitempty"`
	Database string   `yaml:"database,omitempty"`
}

// Scenario is one complete run description.
type Scenario struct {
	ID             string         `yaml:"scenario_id"`
	Plugin         PluginSpec     `yaml:"plugin"`
	ServerAddr     string         `yaml:"server_addr,omitempty"`
	Duration       Duration       `yaml:"duration"`
	Seed           int64          `yaml:"seed,omitempty"`
	ExpectedNodes  int            `yaml:"expected_nodes,omitempty"`
	DegradedPolicy string         `yaml:"degraded_policy,omitempty"`
	Sensors        []SensorGroup  `yaml:"sensors"`
	Impairment     ImpairmentSpec `yaml:"impairment,omitempty"`
	Failures       []FailureSpec  `yaml:"failures,omitempty"`
	Timeouts       Timeouts       `yaml:"timeouts,omitempty"`
	Results        []ResultSink   `yaml:"results,omitempty"`
}

// Load reads a YAML scenario and validates it against a CUE schema.
// An empty cueSchemaPath skips the schema step; structural validation
// still runs.
func Load(configPath, cueSchemaPath string) (*Scenario, error) {
	if cueSchemaPath != "" {
		if err := ValidateWithCue(configPath, cueSchemaPath); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	sc.applyDefaults()
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *Scenario) applyDefaults() {
	if s.ExpectedNodes == 0 {
		s.ExpectedNodes = 1
	}
	if s.Timeouts.Register == 0 {
		s.Timeouts.Register = Duration(30 * time.Second)
	}
	if s.Timeouts.PluginStart == 0 {
		s.Timeouts.PluginStart = Duration(10 * time.Second)
	}
	if s.Timeouts.Send == 0 {
		s.Timeouts.Send = Duration(2 * time.Second)
	}
	if len(s.Results) == 0 {
		s.Results = []ResultSink{{Kind: "stdout"}}
	}
}

// Validate checks everything that can be wrong before a node boots.
func (s *Scenario) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("scenario: missing scenario_id")
	}
	if s.Plugin.Name == "" {
		return fmt.Errorf("scenario %s: missing plugin name", s.ID)
	}
	if s.Duration <= 0 {
		return fmt.Errorf("scenario %s: duration must be positive", s.ID)
	}
	if s.ExpectedNodes < 1 {
		return fmt.Errorf("scenario %s: expected_nodes must be at least 1", s.ID)
	}
	if len(s.Sensors) == 0 {
		return fmt.Errorf("scenario %s: no sensor groups", s.ID)
	}
	for i, g := range s.Sensors {
		if g.Count <= 0 {
			return fmt.Errorf("scenario %s: sensor group %d: count must be positive", s.ID, i)
		}
		if err := g.session("probe").Validate(); err != nil {
			return fmt.Errorf("scenario %s: sensor group %d: %w", s.ID, i, err)
		}
	}
	if err := s.Impairment.Profile().Validate(); err != nil {
		return fmt.Errorf("scenario %s: %w", s.ID, err)
	}
	if _, err := s.Schedule(); err != nil {
		return fmt.Errorf("scenario %s: %w", s.ID, err)
	}
	for i, sink := range s.Results {
		switch sink.Kind {
		case "stdout":
		case "jsonl":
			if sink.Path == "" {
				return fmt.Errorf("scenario %s: result sink %d: jsonl needs a path", s.ID, i)
			}
		case "kafka":
			if len(sink.Brokers) == 0 {
				return fmt.Errorf("scenario %s: result sink %d: kafka needs brokers", s.ID, i)
			}
		case "greptime":
			if sink.Endpoint == "" {
				return fmt.Errorf("scenario %s: result sink %d: greptime needs an endpoint", s.ID, i)
			}
		default:
			return fmt.Errorf("scenario %s: result sink %d: unknown kind %q", s.ID, i, sink.Kind)
		}
	}
	return nil
}

// Sessions expands the sensor groups into concrete sessions for one
// node. Indexes are contiguous across groups so device IDs stay unique.
func (s *Scenario) Sessions(nodeID string) []sensor.Session {
	var out []sensor.Session
	next := 0
	for _, g := range s.Sensors {
		out = append(out, sensor.Expand(g.session(nodeID), next, g.Count)...)
		next += g.Count
	}
	return out
}

// SensorCount is the number of sessions one node will run.
func (s *Scenario) SensorCount() int {
	total := 0
	for _, g := range s.Sensors {
		total += g.Count
	}
	return total
}

// Schedule builds the validated failure schedule.
func (s *Scenario) Schedule() (*failure.Schedule, error) {
	events := make([]failure.Event, 0, len(s.Failures))
	for _, f := range s.Failures {
		events = append(events, f.Event())
	}
	return failure.NewSchedule(events)
}
