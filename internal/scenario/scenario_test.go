package scenario

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validScenario = `
scenario_id: smoke
plugin:
  name: udp
server_addr: 127.0.0.1:9100
duration: 30s
seed: 42
expected_nodes: 2
degraded_policy: abort
sensors:
  - type: temperature
    count: 200
    pattern: periodic
    rate: 1.0
  - type: motion
    count: 50
    pattern: bursty
    rate: 0.5
    burst_size: 5
    burst_window: 200ms
    burst_probability: 0.3
impairment:
  base_latency: 50ms
  jitter: 10ms
  jitter_dist: normal
  loss_probability: 0.01
failures:
  - kind: packet_loss
    target: node-a
    start: 10s
    duration: 5s
    loss_probability: 0.5
timeouts:
  register: 20s
results:
  - kind: jsonl
    path: out/results.jsonl
`

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidScenario(t *testing.T) {
	sc, err := Load(writeScenario(t, validScenario), "")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if sc.ID != "smoke" || sc.Plugin.Name != "udp" {
		t.Errorf("id/plugin = %s/%s, want smoke/udp", sc.ID, sc.Plugin.Name)
	}
	if sc.Duration.D() != 30*time.Second {
		t.Errorf("duration = %v, want 30s", sc.Duration.D())
	}
	if got := sc.SensorCount(); got != 250 {
		t.Errorf("sensor count = %d, want 250", got)
	}

	prof := sc.Impairment.Profile()
	if prof.BaseLatency != 50*time.Millisecond || prof.LossProbability != 0.01 {
		t.Errorf("profile = %+v", prof)
	}

	// Defaults fill in untouched timeouts.
	if sc.Timeouts.Register.D() != 20*time.Second {
		t.Errorf("register timeout = %v, want 20s", sc.Timeouts.Register.D())
	}
	if sc.Timeouts.Send.D() != 2*time.Second {
		t.Errorf("send timeout default = %v, want 2s", sc.Timeouts.Send.D())
	}
}

func TestSessionsAreContiguous(t *testing.T) {
	sc, err := Load(writeScenario(t, validScenario), "")
	if err != nil {
		t.Fatal(err)
	}
	sessions := sc.Sessions("node-a")
	if len(sessions) != 250 {
		t.Fatalf("sessions = %d, want 250", len(sessions))
	}
	seen := make(map[string]bool)
	for i, s := range sessions {
		if s.Index != i {
			t.Fatalf("session %d has index %d", i, s.Index)
		}
		if s.NodeID != "node-a" {
			t.Fatalf("session %d node = %s", i, s.NodeID)
		}
		id := s.DeviceID()
		if seen[id] {
			t.Fatalf("duplicate device id %s", id)
		}
		seen[id] = true
	}
	if sessions[0].Type != "temperature" || sessions[200].Type != "motion" {
		t.Errorf("group order broken: %s, %s", sessions[0].Type, sessions[200].Type)
	}
}

func TestLoadRejectsBadScenarios(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing id", `
plugin: {name: udp}
duration: 10s
sensors: [{type: temperature, count: 1, pattern: periodic, rate: 1}]
`},
		{"zero duration", `
scenario_id: x
plugin: {name: udp}
sensors: [{type: temperature, count: 1, pattern: periodic, rate: 1}]
`},
		{"no sensors", `
scenario_id: x
plugin: {name: udp}
duration: 10s
`},
		{"bad pattern", `
scenario_id: x
plugin: {name: udp}
duration: 10s
sensors: [{type: temperature, count: 1, pattern: fractal, rate: 1}]
`},
		{"loss out of range", `
scenario_id: x
plugin: {name: udp}
duration: 10s
sensors: [{type: temperature, count: 1, pattern: periodic, rate: 1}]
impairment: {loss_probability: 1.5}
`},
		{"overlapping failures", `
scenario_id: x
plugin: {name: udp}
duration: 60s
sensors: [{type: temperature, count: 1, pattern: periodic, rate: 1}]
failures:
  - {kind: packet_loss, target: n, start: 0s, duration: 10s, loss_probability: 0.5}
  - {kind: packet_loss, target: n, start: 5s, duration: 10s, loss_probability: 0.2}
`},
		{"jsonl sink without path", `
scenario_id: x
plugin: {name: udp}
duration: 10s
sensors: [{type: temperature, count: 1, pattern: periodic, rate: 1}]
results: [{kind: jsonl}]
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeScenario(t, tc.content), ""); err == nil {
				t.Error("invalid scenario accepted")
			}
		})
	}
}

func TestDurationUnmarshal(t *testing.T) {
	path := writeScenario(t, `
scenario_id: x
plugin: {name: udp}
duration: 90s
sensors: [{type: temperature, count: 1, pattern: periodic, rate: 1}]
impairment: {base_latency: 1500ms}
`)
	sc, err := Load(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if sc.Duration.D() != 90*time.Second {
		t.Errorf("duration = %v", sc.Duration.D())
	}
	if sc.Impairment.BaseLatency.D() != 1500*time.Millisecond {
		t.Errorf("base latency = %v", sc.Impairment.BaseLatency.D())
	}
}

func TestValidateWithCueSchema(t *testing.T) {
	schema, err := filepath.Abs("../../schemas/scenario.cue")
	if err != nil {
		t.Fatal(err)
	}
	if _, statErr := os.Stat(schema); statErr != nil {
		t.Skipf("schema not present: %v", statErr)
	}

	if _, err := Load(writeScenario(t, validScenario), schema); err != nil {
		t.Fatalf("valid scenario rejected by schema: %v", err)
	}

	bad := `
scenario_id: 42
plugin: {name: udp}
duration: 10s
sensors: [{type: temperature, count: 1, pattern: periodic, rate: 1}]
`
	if _, err := Load(writeScenario(t, bad), schema); err == nil {
		t.Error("schema accepted numeric scenario_id")
	}
}
