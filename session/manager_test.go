package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"go.vigilo.io/connector/log"
)

type fakeForwarder struct {
	mu          sync.Mutex
	resumed     int
	paused      int
	resetCalled int
	queueLen    int
}

func (f *fakeForwarder) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed++
}

func (f *fakeForwarder) Pause(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused++
}

func (f *fakeForwarder) ResetSentCounter() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalled++
}

func (f *fakeForwarder) QueueLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queueLen
}

func (f *fakeForwarder) setQueueLen(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueLen = n
}

type fakeUpstream struct {
	mu     sync.Mutex
	paused int
	resumed int
}

func (u *fakeUpstream) PauseUpstream() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.paused++
}

func (u *fakeUpstream) ResumeUpstream() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.resumed++
}

func TestEffectiveMaxInFlight(t *testing.T) {
	require.Equal(t, 800, Options{MaxInFlight: 1000}.EffectiveMaxInFlight())
	require.Equal(t, 1, Options{MaxInFlight: 1}.EffectiveMaxInFlight())
	require.Equal(t, 0, Options{MaxInFlight: 0}.EffectiveMaxInFlight())
}

func TestOnConnectedResetsAndResumes(t *testing.T) {
	fw := &fakeForwarder{}
	m := New(fw, nil, Options{MaxInFlight: 10}, log.Discard())

	m.OnConnected()

	require.True(t, m.Connected())
	require.Equal(t, 1, fw.resumed)
	require.Equal(t, 1, fw.resetCalled)
}

func TestOnDisconnectedPauses(t *testing.T) {
	fw := &fakeForwarder{}
	m := New(fw, nil, Options{MaxInFlight: 10}, log.Discard())
	m.OnConnected()

	m.OnDisconnected(context.Background(), errors.New("connection reset"))

	require.False(t, m.Connected())
	require.Equal(t, 1, fw.paused)
}

func TestBackpressureHysteresis(t *testing.T) {
	fw := &fakeForwarder{}
	up := &fakeUpstream{}
	m := New(fw, up, Options{QMax: 100}, log.Discard())

	fw.setQueueLen(50)
	m.CheckBackpressure()
	require.False(t, m.Paused())
	require.Equal(t, 0, up.paused)

	fw.setQueueLen(99)
	m.CheckBackpressure()
	require.True(t, m.Paused())
	require.Equal(t, 1, up.paused)

	// repeated calls above the high watermark must not re-trigger pause
	fw.setQueueLen(100)
	m.CheckBackpressure()
	require.Equal(t, 1, up.paused)

	// still above the low watermark: must stay paused
	fw.setQueueLen(50)
	m.CheckBackpressure()
	require.True(t, m.Paused())
	require.Equal(t, 0, up.resumed)

	fw.setQueueLen(5)
	m.CheckBackpressure()
	require.False(t, m.Paused())
	require.Equal(t, 1, up.resumed)
}

func TestBackpressureDisabledWithoutQMax(t *testing.T) {
	fw := &fakeForwarder{}
	up := &fakeUpstream{}
	m := New(fw, up, Options{QMax: 0}, log.Discard())

	fw.setQueueLen(1000000)
	m.CheckBackpressure()
	require.False(t, m.Paused())
	require.Equal(t, 0, up.paused)
}

func TestBackpressureNilUpstream(t *testing.T) {
	fw := &fakeForwarder{}
	m := New(fw, nil, Options{QMax: 10}, log.Discard())

	fw.setQueueLen(10)
	require.NotPanics(t, func() { m.CheckBackpressure() })
}
