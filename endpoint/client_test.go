package endpoint

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.vigilo.io/connector/log"
	"go.vigilo.io/connector/message"
	"go.vigilo.io/connector/store"
)

func acceptOneAndRead(t *testing.T, ln net.Listener, out chan<- string) {
	t.Helper()
	conn, err := ln.Accept()
	require.NoError(t, err)
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			out <- line
		}
	}
}

func TestLineSocketClientWritesWhenConnected(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "bus-to-socket.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	lines := make(chan string, 4)
	go acceptOneAndRead(t, ln, lines)

	client := NewLineSocketClient(sockPath, nil, log.Discard())
	client.Start(context.Background())
	defer client.Stop()

	require.Eventually(t, func() bool { return client.Connected() }, time.Second, 5*time.Millisecond)

	client.Write(message.New(message.KindEvent, []byte("<event>1</event>")))

	select {
	case line := <-lines:
		require.Equal(t, "<event>1</event>", line)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for write to reach the server")
	}
}

func TestLineSocketClientBuffersWhileDisconnected(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "bus-to-socket.sock")

	st, err := store.Open(":memory:", "retry", log.Discard())
	require.NoError(t, err)
	defer st.Close(context.Background())

	client := NewLineSocketClient(sockPath, st, log.Discard())
	client.Start(context.Background())
	defer client.Stop()

	require.Never(t, func() bool { return client.Connected() }, 100*time.Millisecond, 10*time.Millisecond)

	client.Write(message.New(message.KindEvent, []byte("<event>1</event>")))

	require.Eventually(t, func() bool {
		n, err := st.Size(context.Background())
		require.NoError(t, err)
		return n == 1
	}, time.Second, 5*time.Millisecond)
}

func TestLineSocketClientFlushesBacklogOnReconnect(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "bus-to-socket.sock")

	st, err := store.Open(":memory:", "retry", log.Discard())
	require.NoError(t, err)
	defer st.Close(context.Background())
	require.NoError(t, st.Put(context.Background(), []byte("<event>backlog</event>")))

	client := NewLineSocketClient(sockPath, st, log.Discard())
	client.Start(context.Background())
	defer client.Stop()

	// bring the listener up only after the client has started dialing,
	// to exercise the reconnect-with-backoff path.
	time.Sleep(20 * time.Millisecond)
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	lines := make(chan string, 4)
	go acceptOneAndRead(t, ln, lines)

	select {
	case line := <-lines:
		require.Equal(t, "<event>backlog</event>", line)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for backlog flush")
	}

	require.Eventually(t, func() bool {
		n, err := st.Size(context.Background())
		require.NoError(t, err)
		return n == 0
	}, time.Second, 5*time.Millisecond)
}
