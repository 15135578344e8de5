// Package forwarder implements the connector's send pipeline: an in-memory
// queue feeding a single cooperative send worker that prioritizes RetryStore
// contents over freshly ingested messages, batches high-rate `perf`
// messages, and persists whatever it cannot deliver. Grounded on
// original_source/forwarder.py's PubSubForwarder/PubSubSender
// (processQueue/processMessage/_accumulate_perf_msgs), translated from
// Twisted's cooperative deferred chaining into a goroutine with a
// wake-up channel and a `processing` reentrancy guard, per spec.md §4.3/§5.
package forwarder

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.vigilo.io/connector/bus"
	"go.vigilo.io/connector/codec"
	"go.vigilo.io/connector/errors"
	"go.vigilo.io/connector/log"
	"go.vigilo.io/connector/message"
	"go.vigilo.io/connector/metrics"
	"go.vigilo.io/connector/store"
)

const tickInterval = 5 * time.Second

// Options configures a Forwarder's behavior, per spec.md §6.
type Options struct {
	// MaxInFlight is the maximum number of unsettled publishes allowed
	// before the send worker pauses to wait for replies. Callers are
	// expected to have already applied the 20% safety margin described
	// in spec.md §4.4 (session.Options.EffectiveMaxInFlight computes it).
	MaxInFlight int

	// BatchSize controls `perf` batching: values <= 1 disable it.
	BatchSize int

	// QMax bounds the in-memory queue; 0 means unbounded.
	QMax int
}

// Forwarder owns an in-memory queue, a RetryStore reference, and a bus
// publisher, and drives messages from the former two to the latter.
type Forwarder struct {
	pub   bus.Publisher
	store *store.RetryStore
	opts  Options
	log   log.Logger

	mu         sync.Mutex
	queue      []message.Message
	connected  bool
	processing bool
	paused     bool

	pending sync.WaitGroup
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}

	batchMu  sync.Mutex
	batchBuf []message.Message

	forwarded  uint64
	sent       uint64
}

// New returns a ready-to-start Forwarder. st may be nil only in tests that
// do not exercise the disconnected/retry path.
func New(pub bus.Publisher, st *store.RetryStore, opts Options, ll log.Logger) *Forwarder {
	if ll == nil {
		ll = log.Discard()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 1
	}
	return &Forwarder{
		pub:   pub,
		store: st,
		opts:  opts,
		log:   ll.WithField("component", "forwarder"),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Ingest places msg at the tail of the in-memory queue and schedules the
// send worker. It never blocks indefinitely; callers observing QueueLen
// near opts.QMax should apply backpressure themselves (spec.md §4.4,
// implemented by session.Manager).
func (f *Forwarder) Ingest(msg message.Message) {
	f.mu.Lock()
	f.queue = append(f.queue, msg)
	f.mu.Unlock()
	f.wakeUp()
}

func (f *Forwarder) wakeUp() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Start begins the send-worker loop and the 5-second periodic tick that
// wakes it even when idle, used to retry after transient failures.
func (f *Forwarder) Start(ctx context.Context) {
	go f.run(ctx)
}

// Stop pauses the send worker, drains the in-memory queue into RetryStore,
// and flushes RetryStore. It is a barrier: once it returns, no further
// publishes occur and RetryStore is durable (spec.md §5).
func (f *Forwarder) Stop(ctx context.Context) error {
	close(f.stop)
	<-f.done
	f.pending.Wait()

	f.mu.Lock()
	leftover := f.queue
	f.queue = nil
	f.mu.Unlock()

	if f.store != nil {
		for _, msg := range leftover {
			if err := f.store.Put(ctx, msg.Payload); err != nil {
				f.log.Errorf("failed to persist message on shutdown: %v", err)
			}
		}
		f.flushBatch(ctx)
		return f.store.Flush(ctx)
	}
	return nil
}

// Resume marks the transport connected and wakes the worker, per
// session.Manager's onConnected notification.
func (f *Forwarder) Resume() {
	f.mu.Lock()
	f.connected = true
	f.paused = false
	f.mu.Unlock()
	f.wakeUp()
}

// Pause marks the transport disconnected; in-flight queue items will be
// drained into RetryStore by the worker loop, per session.Manager's
// onDisconnected notification.
func (f *Forwarder) Pause(ctx context.Context) {
	f.mu.Lock()
	f.connected = false
	f.paused = true
	f.mu.Unlock()
	f.flushBatch(ctx)
	if f.store != nil {
		_ = f.store.Flush(ctx)
	}
	f.wakeUp()
}

// ResetSentCounter zeroes the `sent` counter, called on reconnection per
// spec.md §4.4 (it is a COUNTER, reset on every new connection).
func (f *Forwarder) ResetSentCounter() {
	atomic.StoreUint64(&f.sent, 0)
}

// QueueLen reports the current length of the in-memory queue, used by
// session.Manager to drive backpressure hysteresis.
func (f *Forwarder) QueueLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// Stats returns a point-in-time snapshot of the forwarder's counters,
// matching spec.md §4.3's stats() contract.
func (f *Forwarder) Stats(ctx context.Context) metrics.Stats {
	s := metrics.Stats{
		Forwarded: atomic.LoadUint64(&f.forwarded),
		Sent:      atomic.LoadUint64(&f.sent),
		QueueLen:  f.QueueLen(),
	}
	if f.store != nil {
		in, out, size := f.store.Buffers(ctx)
		s.RetryInBuf, s.RetryOutBuf, s.RetrySize = in, out, size
	}
	return s
}

func (f *Forwarder) run(ctx context.Context) {
	defer close(f.done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.processQueue(ctx)
		case <-f.wake:
			f.processQueue(ctx)
		}
	}
}

// processQueue is the send-worker algorithm of spec.md §4.3. Re-entry is
// prevented by the `processing` flag; a wake-up that arrives while already
// processing returns immediately.
func (f *Forwarder) processQueue(ctx context.Context) {
	f.mu.Lock()
	if f.processing {
		f.mu.Unlock()
		return
	}
	f.processing = true
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.processing = false
		f.mu.Unlock()
	}()

	f.mu.Lock()
	connected := f.connected
	f.mu.Unlock()

	if !connected {
		f.drainToStore(ctx)
		return
	}

	inFlight := 0
	for {
		f.mu.Lock()
		stillConnected := f.connected
		f.mu.Unlock()
		if !stillConnected {
			break
		}

		msg, ok := f.next(ctx)
		if !ok {
			break
		}

		atomic.AddUint64(&f.forwarded, 1)
		out, batched := f.accumulate(msg)
		if batched {
			continue
		}

		completion, err := f.pub.Publish(ctx, out)
		if err != nil {
			// the requeued message is retried on the next wake-up, not
			// popped straight back out of RetryStore in this pass
			f.onSendFailure(ctx, out, err)
			break
		}
		if completion == nil {
			atomic.AddUint64(&f.sent, 1)
			continue
		}

		f.pending.Add(1)
		inFlight++
		go f.awaitCompletion(ctx, out, completion)

		if inFlight >= f.opts.MaxInFlight {
			f.waitForReplies()
			inFlight = 0
		}
	}
	f.waitForReplies()
}

// next returns the next message to send: RetryStore contents take priority
// over the in-memory queue whenever both are non-empty (restore-order
// priority, spec.md §4.3).
func (f *Forwarder) next(ctx context.Context) (message.Message, bool) {
	if f.store != nil {
		if p, popped, err := f.store.Pop(ctx); err != nil {
			f.log.Warningf("retry store pop failed: %v", err)
		} else if popped {
			if m, recognized := codec.ParsePersisted(p); recognized {
				return m, true
			}
			return message.Message{Payload: p, Persistent: true}, true
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return message.Message{}, false
	}
	msg := f.queue[0]
	f.queue = f.queue[1:]
	return msg, true
}

// accumulate buffers `perf` messages toward a batch, per spec.md §4.3. It
// returns the message to actually publish (possibly a `perfs` aggregate)
// and whether the caller should skip publishing this round because the
// batch is still filling.
func (f *Forwarder) accumulate(msg message.Message) (message.Message, bool) {
	if f.opts.BatchSize <= 1 || msg.Kind != message.KindPerf {
		return msg, false
	}

	f.batchMu.Lock()
	defer f.batchMu.Unlock()
	f.batchBuf = append(f.batchBuf, msg)
	if len(f.batchBuf) < f.opts.BatchSize {
		return message.Message{}, true
	}
	batch := codec.EmitBatch(f.batchBuf)
	f.batchBuf = nil
	return batch, false
}

// flushBatch persists any partially filled perf batch as individual
// entries rather than losing it, per spec.md §4.3's connectionLost note.
func (f *Forwarder) flushBatch(ctx context.Context) {
	f.batchMu.Lock()
	pending := f.batchBuf
	f.batchBuf = nil
	f.batchMu.Unlock()

	if f.store == nil {
		return
	}
	for _, m := range pending {
		if err := f.store.Put(ctx, m.Payload); err != nil {
			f.log.Errorf("failed to persist pending batch member: %v", err)
		}
	}
}

func (f *Forwarder) drainToStore(ctx context.Context) {
	f.mu.Lock()
	leftover := f.queue
	f.queue = nil
	f.mu.Unlock()

	if f.store == nil {
		return
	}
	for _, msg := range leftover {
		if err := f.store.Put(ctx, msg.Payload); err != nil {
			f.log.Errorf("failed to persist message while disconnected: %v", err)
		}
	}
}

func (f *Forwarder) awaitCompletion(ctx context.Context, msg message.Message, completion <-chan error) {
	defer f.pending.Done()
	err := <-completion
	if err == nil {
		atomic.AddUint64(&f.sent, 1)
		return
	}
	f.onSendFailure(ctx, msg, err)
}

// onSendFailure logs the failure and re-persists the message, unless it was
// explicitly rejected by the broker as unacceptable (which would loop
// forever if retried), per spec.md §4.3 step 2e.
func (f *Forwarder) onSendFailure(ctx context.Context, msg message.Message, err error) {
	if errors.Is(err, bus.ErrNotAcceptable) {
		f.log.Warningf("message rejected by broker, dropping: %v", err)
		return
	}
	f.log.Errorf("unable to forward message, queued for retry: %v", err)
	if f.store != nil {
		if perr := f.store.Put(ctx, msg.Payload); perr != nil {
			f.log.Errorf("failed to persist failed message: %v", perr)
		}
	}
}

func (f *Forwarder) waitForReplies() {
	f.pending.Wait()
}
