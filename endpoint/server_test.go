package endpoint

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.vigilo.io/connector/log"
	"go.vigilo.io/connector/message"
)

type fakeIngester struct {
	mu   sync.Mutex
	msgs []message.Message
}

func (f *fakeIngester) Ingest(m message.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
}

func (f *fakeIngester) snapshot() []message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]message.Message, len(f.msgs))
	copy(out, f.msgs)
	return out
}

func TestLineSocketServerDecodesAndIngests(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "socket-to-bus.sock")
	fw := &fakeIngester{}
	srv := NewLineSocketServer(sockPath, fw, log.Discard())
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("event|1165939739|serveur1.example.com|Load|CRITICAL|load avg high\n"))
	require.NoError(t, err)
	_, err = conn.Write([]byte("azerty\n"))
	require.NoError(t, err)
	_, err = conn.Write([]byte("perf|1165939739|serveur1.example.com|Load|10\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(fw.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)

	got := fw.snapshot()
	require.Equal(t, message.KindEvent, got[0].Kind)
	require.Equal(t, message.KindPerf, got[1].Kind)
}

func TestLineSocketServerPauseBlocksIngestUntilResume(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "socket-to-bus.sock")
	fw := &fakeIngester{}
	srv := NewLineSocketServer(sockPath, fw, log.Discard())
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()

	srv.Pause()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("event|1165939739|serveur1.example.com|Load|CRITICAL|load avg high\n"))
	require.NoError(t, err)

	require.Never(t, func() bool {
		return len(fw.snapshot()) == 1
	}, 100*time.Millisecond, 10*time.Millisecond)

	srv.Resume()

	require.Eventually(t, func() bool {
		return len(fw.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestLineSocketServerStopClosesConnections(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "socket.sock")
	fw := &fakeIngester{}
	srv := NewLineSocketServer(sockPath, fw, log.Discard())
	require.NoError(t, srv.Start(context.Background()))

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, srv.Stop())

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = conn.Read(buf)
	require.Error(t, err)
}
