// Package session implements SessionManager, the thin state machine that
// translates transport connect/disconnect notifications into Forwarder
// pause/resume calls and enforces the backpressure hysteresis that keeps
// an unbounded upstream from overrunning a bounded in-memory queue, per
// spec.md §4.4. Grounded on original_source/forwarder.py's
// `max_send_simult * 0.8` effective-in-flight computation and the
// commented-out `max_queue_size` pause/resume path noted as an Open
// Question in spec.md §9 (resolved here by implementing it).
package session

import (
	"context"
	"sync"

	"go.vigilo.io/connector/log"
)

// safetyMargin is applied to the configured max_in_flight so the
// Forwarder never actually saturates the broker's accept window, per
// spec.md §4.4.
const safetyMargin = 0.8

// highWatermark and lowWatermark are the hysteresis thresholds (as a
// fraction of Q_max) that drive backpressure toward upstream producers,
// per spec.md §4.4's 99%/10% rule.
const (
	highWatermark = 0.99
	lowWatermark  = 0.10
)

// Forwarder is the subset of forwarder.Forwarder that SessionManager
// drives. Modeled as a narrow interface so session can be tested without
// a real bus/store wiring.
type Forwarder interface {
	Resume()
	Pause(ctx context.Context)
	ResetSentCounter()
	QueueLen() int
}

// Upstream receives backpressure notifications; socket and bus-subscriber
// sources implement this to stop/resume reading or delivery, per
// spec.md §4.4's "requests the upstream source to pause" note.
type Upstream interface {
	PauseUpstream()
	ResumeUpstream()
}

// Options configures a Manager's thresholds, derived from spec.md §6's
// configuration keys.
type Options struct {
	// MaxInFlight is the configured (not yet margin-adjusted) upper bound
	// on unsettled publishes, spec.md §6's `max_send_simult`.
	MaxInFlight int

	// QMax bounds the in-memory queue; 0 means unbounded, in which case
	// backpressure is never triggered.
	QMax int
}

// EffectiveMaxInFlight applies the 20% safety margin to MaxInFlight, per
// spec.md §4.4.
func (o Options) EffectiveMaxInFlight() int {
	if o.MaxInFlight <= 0 {
		return 0
	}
	v := int(float64(o.MaxInFlight) * safetyMargin)
	if v < 1 {
		v = 1
	}
	return v
}

// Manager is a two-state machine (DISCONNECTED|CONNECTED) that owns a
// Forwarder and an Upstream, wiring them once at construction so neither
// holds a reference to the other, per spec.md §9's note on breaking the
// cyclic publisher/consumer object graph.
type Manager struct {
	fw       Forwarder
	upstream Upstream
	opts     Options
	log      log.Logger

	mu        sync.Mutex
	connected bool
	paused    bool
}

// New returns a ready-to-use Manager. upstream may be nil if the caller
// does not need backpressure notifications (e.g. a direction with no
// flow-controllable source).
func New(fw Forwarder, upstream Upstream, opts Options, ll log.Logger) *Manager {
	if ll == nil {
		ll = log.Discard()
	}
	return &Manager{
		fw:       fw,
		upstream: upstream,
		opts:     opts,
		log:      ll.WithField("component", "session"),
	}
}

// Connected reports the current state.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// OnConnected transitions DISCONNECTED→CONNECTED: resets the Forwarder's
// sent counter and resumes it, per spec.md §4.4.
func (m *Manager) OnConnected() {
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()

	m.log.Info("transport connected")
	m.fw.ResetSentCounter()
	m.fw.Resume()
}

// OnDisconnected transitions CONNECTED→DISCONNECTED: pauses the
// Forwarder (which drains its in-memory queue and flushes RetryStore
// buffers) and logs the reason, per spec.md §4.4.
func (m *Manager) OnDisconnected(ctx context.Context, reason error) {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()

	if reason != nil {
		m.log.Warningf("transport disconnected: %v", reason)
	} else {
		m.log.Warning("transport disconnected")
	}
	m.fw.Pause(ctx)
}

// CheckBackpressure inspects the Forwarder's current queue length against
// QMax and triggers Upstream.Pause/Resume per the 99%/10% hysteresis of
// spec.md §4.4. Callers invoke this after every Ingest so the threshold
// crossing is noticed promptly; it is idempotent and safe to call
// frequently.
func (m *Manager) CheckBackpressure() {
	if m.upstream == nil || m.opts.QMax <= 0 {
		return
	}

	qlen := m.fw.QueueLen()
	fill := float64(qlen) / float64(m.opts.QMax)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case !m.paused && fill >= highWatermark:
		m.paused = true
		m.log.Warningf("queue at %.0f%% of capacity, pausing upstream", fill*100)
		m.upstream.PauseUpstream()
	case m.paused && fill <= lowWatermark:
		m.paused = false
		m.log.Infof("queue drained to %.0f%% of capacity, resuming upstream", fill*100)
		m.upstream.ResumeUpstream()
	}
}

// Paused reports whether backpressure is currently applied to Upstream.
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}
