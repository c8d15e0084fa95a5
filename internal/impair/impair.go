// Package impair shapes delivery of measured records over one logical link:
// added latency with jitter, independent Bernoulli drops, and a token-bucket
// bandwidth cap. The layer is transparent to the wrapped protocol: payload
// bytes and their embedded timestamps are never touched, only delivery
// timing and arrival.
package impair

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// ErrDropped reports that the link discarded a record. Callers absorb it
// into loss statistics; it never aborts a run.
var ErrDropped = errors.New("impair: record dropped")

// JitterDist selects the jitter sampling distribution.
type JitterDist string

const (
	// JitterUniform samples uniformly from [-Jitter, +Jitter].
	JitterUniform JitterDist = "uniform"
	// JitterNormal samples normally with σ = Jitter.
	JitterNormal JitterDist = "normal"
)

// Profile configures one logical link. Profiles apply per link, not
// globally, so multi-node topologies can be asymmetric.
type Profile struct {
	BaseLatency     time.Duration `json:"base_latency"`
	Jitter          time.Duration `json:"jitter"`
	JitterDist      JitterDist    `json:"jitter_dist"`
	LossProbability float64       `json:"loss_probability"`
	// BandwidthBps caps aggregate link throughput in bytes per second;
	// zero means uncapped.
	BandwidthBps int64 `json:"bandwidth_bps"`
	// QueueLimit bounds how long a record may wait for bucket capacity
	// before it is dropped instead.
	QueueLimit time.Duration `json:"queue_limit"`
}

// Validate reports configuration errors before a run starts.
func (p Profile) Validate() error {
	if p.LossProbability < 0 || p.LossProbability > 1 {
		return fmt.Errorf("impair: loss_probability %v outside [0,1]", p.LossProbability)
	}
	if p.BaseLatency < 0 || p.Jitter < 0 || p.BandwidthBps < 0 {
		return errors.New("impair: negative latency, jitter, or bandwidth")
	}
	switch p.JitterDist {
	case "", JitterUniform, JitterNormal:
	default:
		return fmt.Errorf("impair: unknown jitter distribution %q", p.JitterDist)
	}
	return nil
}

// Zero reports whether the profile imposes no impairment at all.
func (p Profile) Zero() bool {
	return p.BaseLatency == 0 && p.Jitter == 0 && p.LossProbability == 0 && p.BandwidthBps == 0
}

// Sender is the delivery call the link wraps.
type Sender interface {
	Send(ctx context.Context, b []byte) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, b []byte) error

func (f SenderFunc) Send(ctx context.Context, b []byte) error { return f(ctx, b) }

// Gate lets an external schedule sever the link without this package
// knowing why. A nil gate always allows delivery.
type Gate interface {
	Allow(from, to string) bool
}

// Link wraps a Sender with one profile. Safe for concurrent use.
type Link struct {
	From, To string

	next    Sender
	profile Profile
	gate    Gate

	mu     sync.Mutex
	rng    *rand.Rand
	bucket *tokenBucket
}

// NewLink builds a shaped link from `from` to `to`. Seed fixes the drop and
// jitter sequence so impaired runs are reproducible.
func NewLink(from, to string, next Sender, profile Profile, gate Gate, seed int64) *Link {
	l := &Link{
		From:    from,
		To:      to,
		next:    next,
		profile: profile,
		gate:    gate,
		rng:     rand.New(rand.NewSource(seed)),
	}
	if profile.BandwidthBps > 0 {
		l.bucket = newTokenBucket(profile.BandwidthBps, profile.BandwidthBps)
	}
	return l
}

// Send applies the gate, the drop decision, the bandwidth cap, and the
// sampled delay, then delivers through the wrapped sender.
func (l *Link) Send(ctx context.Context, b []byte) error {
	if l.gate != nil && !l.gate.Allow(l.From, l.To) {
		return fmt.Errorf("%w: link %s->%s severed", ErrDropped, l.From, l.To)
	}

	l.mu.Lock()
	drop := l.rng.Float64() < l.profile.LossProbability
	delay := l.sampleDelayLocked()
	l.mu.Unlock()

	if drop {
		return ErrDropped
	}

	if l.bucket != nil {
		wait := l.bucket.reserve(int64(len(b)))
		if l.profile.QueueLimit > 0 && wait > l.profile.QueueLimit {
			l.bucket.release(int64(len(b)))
			return fmt.Errorf("%w: bandwidth queue limit exceeded", ErrDropped)
		}
		delay += wait
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return l.next.Send(ctx, b)
}

func (l *Link) sampleDelayLocked() time.Duration {
	d := l.profile.BaseLatency
	if l.profile.Jitter > 0 {
		switch l.profile.JitterDist {
		case JitterNormal:
			d += time.Duration(l.rng.NormFloat64() * float64(l.profile.Jitter))
		default:
			d += time.Duration((l.rng.Float64()*2 - 1) * float64(l.profile.Jitter))
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}

// tokenBucket meters bytes against a refill rate. reserve returns how long
// the caller must wait before its bytes conform to the cap.
type tokenBucket struct {
	mu      sync.Mutex
	rate    int64 // bytes per second
	burst   int64
	tokens  float64
	updated time.Time
}

func newTokenBucket(rate, burst int64) *tokenBucket {
	return &tokenBucket{
		rate:    rate,
		burst:   burst,
		tokens:  float64(burst),
		updated: time.Now(),
	}
}

func (tb *tokenBucket) reserve(n int64) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.updated).Seconds() * float64(tb.rate)
	if tb.tokens > float64(tb.burst) {
		tb.tokens = float64(tb.burst)
	}
	tb.updated = now

	tb.tokens -= float64(n)
	if tb.tokens >= 0 {
		return 0
	}
	// Debt is repaid by future refill; wait until the balance clears.
	return time.Duration(-tb.tokens / float64(tb.rate) * float64(time.Second))
}

// release returns tokens taken by a record that was dropped instead of
// delivered.
func (tb *tokenBucket) release(n int64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.tokens += float64(n)
	if tb.tokens > float64(tb.burst) {
		tb.tokens = float64(tb.burst)
	}
}
