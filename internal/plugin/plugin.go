// Package plugin defines the contract between the harness and a protocol
// under test. A plugin either lets the harness drive every send (active)
// or runs its own traffic and leaves a receipt log behind (passive); the
// harness treats both the same way at teardown.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"iotharness/internal/metrics"
)

var (
	// ErrProtocolUnavailable means the plugin's binary or transport is not
	// present on this host. Runs abort before any traffic.
	ErrProtocolUnavailable = errors.New("plugin: protocol unavailable")
	// ErrBind means the server side could not claim its address.
	ErrBind = errors.New("plugin: bind failed")
	// ErrRuntime wraps faults after a successful start, such as an
	// unexpected process exit.
	ErrRuntime = errors.New("plugin: runtime failure")
)

// RunError ties a plugin fault to the node it happened on.
type RunError struct {
	Plugin string
	Node   string
	Err    error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("plugin %s on %s: %v", e.Plugin, e.Node, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Mode tells the orchestrator who drives the traffic.
type Mode string

const (
	// ModeActive plugins expose SendData; the harness stamps and sends
	// every record itself.
	ModeActive Mode = "active"
	// ModePassive plugins generate their own traffic and log receipts;
	// the harness collects the log after the run.
	ModePassive Mode = "passive"
)

// Config carries everything a plugin needs for one run.
type Config struct {
	ServerAddr string
	Clients    int
	Duration   time.Duration
	RunID      string
	// ReceiptLog is where passive plugins write one line per received
	// packet, "seq recv_time_us".
	ReceiptLog string
	// OnReceipt delivers each decoded receipt from an active plugin's
	// server side. May be nil when the server runs on another node.
	OnReceipt func(metrics.Record)
	// Options passes protocol-specific settings through untouched.
	Options map[string]string
}

// Plugin adapts one IoT protocol to the harness lifecycle. Stop must be
// idempotent: teardown calls it on every path, including failures.
type Plugin interface {
	Name() string
	Mode() Mode
	StartServer(ctx context.Context, cfg Config) error
	StartClients(ctx context.Context, cfg Config) error
	// SendData transmits one framed record through the given client.
	// Passive plugins return ErrRuntime.
	SendData(ctx context.Context, client int, payload []byte) error
	Stop() error
}

// Factory builds a fresh plugin instance per run.
type Factory func() Plugin

// Registry maps protocol names to factories. The zero value is unusable;
// use NewRegistry.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a protocol. Re-registering a name replaces it.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New instantiates the named protocol.
func (r *Registry) New(name string) (Plugin, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no plugin registered for %q", ErrProtocolUnavailable, name)
	}
	return f(), nil
}

// Names lists registered protocols in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
