package forwarder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.vigilo.io/connector/bus"
	"go.vigilo.io/connector/codec"
	"go.vigilo.io/connector/errors"
	"go.vigilo.io/connector/log"
	"go.vigilo.io/connector/message"
	"go.vigilo.io/connector/store"
)

// fakePublisher is an in-package bus.Publisher test double that records
// every message it is asked to publish, optionally withholding completion
// until the test signals it, per spec.md §8's S7 in-flight-cap scenario.
type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	published []message.Message
	hold      bool
	pending   []chan error
	failNext  error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{connected: true}
}

func (p *fakePublisher) Publish(ctx context.Context, msg message.Message) (<-chan error, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		return nil, err
	}
	p.published = append(p.published, msg)
	ch := make(chan error, 1)
	if p.hold {
		p.pending = append(p.pending, ch)
		return ch, nil
	}
	ch <- nil
	return ch, nil
}

func (p *fakePublisher) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) release(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < n && len(p.pending) > 0; i++ {
		p.pending[0] <- nil
		p.pending = p.pending[1:]
	}
}

func (p *fakePublisher) snapshot() []message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]message.Message, len(p.published))
	copy(out, p.published)
	return out
}

func (p *fakePublisher) maxPending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func newTestStore(t *testing.T) *store.RetryStore {
	t.Helper()
	st, err := store.Open(":memory:", "retry", log.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	return st
}

func eventMsg(host string) message.Message {
	m, ok := codec.Parse(log.Discard(), "event|1165939739|"+host+"|Load|CRITICAL|load too high")
	if !ok {
		panic("fixture line failed to parse")
	}
	return m
}

// TestRetryOnDisconnect is spec.md §8's S6: ingest three messages while
// disconnected, confirm they land in RetryStore and not the in-memory
// queue, then confirm onConnected drains them in original order.
func TestRetryOnDisconnect(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	pub := newFakePublisher()
	pub.connected = false

	fw := New(pub, st, Options{MaxInFlight: 4}, log.Discard())
	fw.Start(ctx)
	defer fw.Stop(ctx)

	msgs := []message.Message{eventMsg("host-a"), eventMsg("host-b"), eventMsg("host-c")}
	for _, m := range msgs {
		fw.Ingest(m)
	}

	require.Eventually(t, func() bool {
		n, err := st.Size(ctx)
		require.NoError(t, err)
		return n == 3
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, fw.QueueLen())

	fw.Resume()

	require.Eventually(t, func() bool {
		return len(pub.snapshot()) == 3
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		n, err := st.Size(ctx)
		require.NoError(t, err)
		return n == 0
	}, time.Second, 5*time.Millisecond)

	got := pub.snapshot()
	require.Equal(t, msgs[0].Payload, got[0].Payload)
	require.Equal(t, msgs[1].Payload, got[1].Payload)
	require.Equal(t, msgs[2].Payload, got[2].Payload)
}

// TestInFlightCap is spec.md §8's S7: with max_in_flight = 2, ingest 5
// messages while the publisher never completes; the worker must suspend
// after at most 2 concurrent unsettled publishes.
func TestInFlightCap(t *testing.T) {
	ctx := context.Background()
	pub := newFakePublisher()
	pub.hold = true

	fw := New(pub, nil, Options{MaxInFlight: 2}, log.Discard())
	fw.Start(ctx)
	fw.Resume()

	for i := 0; i < 5; i++ {
		fw.Ingest(eventMsg("host"))
	}

	require.Eventually(t, func() bool {
		return pub.maxPending() == 2
	}, time.Second, 5*time.Millisecond)

	// give the worker a chance to misbehave before asserting it stayed put
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, pub.maxPending())

	pub.release(2)
	require.Eventually(t, func() bool {
		return pub.maxPending() == 2
	}, time.Second, 5*time.Millisecond)

	pub.release(2)
	require.Eventually(t, func() bool {
		return len(pub.snapshot()) == 5
	}, time.Second, 5*time.Millisecond)

	// release the fifth message's completion too, or Stop's drain barrier
	// would block forever waiting on it.
	pub.release(10)

	require.NoError(t, fw.Stop(ctx))
}

// TestPerfBatching confirms BatchSize perf messages accumulate into a
// single perfs aggregate publish rather than being sent individually.
func TestPerfBatching(t *testing.T) {
	ctx := context.Background()
	pub := newFakePublisher()

	fw := New(pub, nil, Options{MaxInFlight: 4, BatchSize: 3}, log.Discard())
	fw.Start(ctx)
	fw.Resume()

	for i := 0; i < 3; i++ {
		m, ok := codec.Parse(log.Discard(), "perf|1165939739|host|Load|10")
		require.True(t, ok)
		fw.Ingest(m)
	}

	require.Eventually(t, func() bool {
		return len(pub.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	got := pub.snapshot()
	require.Equal(t, message.KindPerfs, got[0].Kind)
	members, ok := codec.UnwrapBatch(got[0])
	require.True(t, ok)
	require.Len(t, members, 3)

	require.NoError(t, fw.Stop(ctx))
}

// TestBatchFlushOnDisconnect confirms a partially filled perf batch is
// persisted member-by-member rather than lost when the transport drops,
// per spec.md §4.3's connectionLost note.
func TestBatchFlushOnDisconnect(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	pub := newFakePublisher()

	fw := New(pub, st, Options{MaxInFlight: 4, BatchSize: 5}, log.Discard())
	fw.Start(ctx)
	fw.Resume()

	for i := 0; i < 2; i++ {
		m, ok := codec.Parse(log.Discard(), "perf|1165939739|host|Load|10")
		require.True(t, ok)
		fw.Ingest(m)
	}
	// wait for the worker to drain both into the batch buffer before
	// cutting the connection
	require.Eventually(t, func() bool {
		return fw.QueueLen() == 0
	}, time.Second, 5*time.Millisecond)

	fw.Pause(ctx)

	require.Eventually(t, func() bool {
		n, err := st.Size(ctx)
		require.NoError(t, err)
		return n == 2
	}, time.Second, 5*time.Millisecond)
	require.Empty(t, pub.snapshot())

	require.NoError(t, fw.Stop(ctx))
}

// TestRetryTakesPriorityOverQueue confirms RetryStore contents are drained
// ahead of freshly ingested in-memory queue entries, per spec.md §4.3's
// restore-order priority rule.
func TestRetryTakesPriorityOverQueue(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	pub := newFakePublisher()
	pub.hold = true

	retried := eventMsg("retried-host")
	require.NoError(t, st.Put(ctx, retried.Payload))

	fw := New(pub, st, Options{MaxInFlight: 4}, log.Discard())
	fw.Start(ctx)
	fw.Resume()
	fw.Ingest(eventMsg("fresh-host"))

	require.Eventually(t, func() bool {
		return len(pub.snapshot()) >= 1
	}, time.Second, 5*time.Millisecond)

	first := pub.snapshot()[0]
	require.Equal(t, retried.Payload, first.Payload)

	pub.release(10)
	require.Eventually(t, func() bool {
		return len(pub.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, fw.Stop(ctx))
}

// TestStatsSnapshot confirms Stats reports forwarded/sent counters, queue
// length, and the retry store's buffer sizes.
func TestStatsSnapshot(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	pub := newFakePublisher()

	fw := New(pub, st, Options{MaxInFlight: 4}, log.Discard())
	fw.Start(ctx)
	fw.Resume()
	fw.Ingest(eventMsg("host"))

	require.Eventually(t, func() bool {
		return fw.Stats(ctx).Sent == 1
	}, time.Second, 5*time.Millisecond)

	stats := fw.Stats(ctx)
	require.Equal(t, uint64(1), stats.Forwarded)
	require.Equal(t, uint64(1), stats.Sent)
	require.Equal(t, 0, stats.QueueLen)
	require.Equal(t, 0, stats.RetrySize)

	require.NoError(t, fw.Stop(ctx))
}

// TestNotAcceptableDropsRatherThanRequeues confirms a publish failure
// classified as bus.ErrNotAcceptable is dropped instead of being persisted
// for retry, which would otherwise loop forever on a permanent broker
// rejection, per spec.md §4.3 step 2e / §7.
func TestNotAcceptableDropsRatherThanRequeues(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	pub := newFakePublisher()
	pub.failNext = errors.Wrap(bus.ErrNotAcceptable, "broker returned message (code 312): NO_ROUTE")

	fw := New(pub, st, Options{MaxInFlight: 4}, log.Discard())
	fw.Start(ctx)
	fw.Resume()
	fw.Ingest(eventMsg("host"))

	require.Eventually(t, func() bool {
		return fw.Stats(ctx).Forwarded == 1
	}, time.Second, 5*time.Millisecond)

	// give the worker a chance to misbehave (requeue + immediately resend)
	// before asserting the message never lands in the store or gets sent
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, pub.snapshot(), "rejected message must not be retried")
	n, err := st.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n, "rejected message must not be persisted for retry")

	require.NoError(t, fw.Stop(ctx))
}

// TestTransientFailureIsRequeued confirms an ordinary publish failure (not
// classified as bus.ErrNotAcceptable) is persisted to RetryStore so it can
// be retried later, in contrast to TestNotAcceptableDropsRatherThanRequeues.
func TestTransientFailureIsRequeued(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	pub := newFakePublisher()
	pub.failNext = errors.New("broker temporarily unavailable")

	fw := New(pub, st, Options{MaxInFlight: 4}, log.Discard())
	fw.Start(ctx)
	fw.Resume()
	fw.Ingest(eventMsg("host"))

	require.Eventually(t, func() bool {
		n, err := st.Size(ctx)
		require.NoError(t, err)
		return n == 1
	}, time.Second, 5*time.Millisecond)
	require.Empty(t, pub.snapshot())

	require.NoError(t, fw.Stop(ctx))
}

// TestStopDrainsQueueToStore confirms Stop() is a barrier that persists
// whatever remains in the in-memory queue before returning.
func TestStopDrainsQueueToStore(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	pub := newFakePublisher()
	pub.connected = false

	fw := New(pub, st, Options{MaxInFlight: 4}, log.Discard())
	fw.Start(ctx)
	fw.Ingest(eventMsg("host"))

	require.NoError(t, fw.Stop(ctx))

	n, err := st.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
