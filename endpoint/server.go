// Package endpoint implements the connector's two Unix-domain-socket
// adapters: LineSocketServer, which accepts connections and feeds a
// Forwarder with each newline-delimited line it decodes, and
// LineSocketClient, which dials out and writes serialized messages,
// reconnecting with backoff and buffering into a RetryStore while
// disconnected. Grounded on
// original_source/sockettonodefw.py's SocketReceiver/lineReceived and
// original_source/nodetosocketfw.py's ReconnectingClientFactory-driven
// itemsReceived, per spec.md §4.5. The listener/options/halt-context
// shape follows the teacher's net/rpc.Server.
package endpoint

import (
	"bufio"
	"context"
	"net"
	"os"
	"sync"

	"go.vigilo.io/connector/codec"
	"go.vigilo.io/connector/log"
	"go.vigilo.io/connector/message"
)

// Ingester is the subset of forwarder.Forwarder a LineSocketServer feeds.
type Ingester interface {
	Ingest(msg message.Message)
}

// LineSocketServer listens on a Unix domain socket path, decodes each
// newline-terminated line with Codec, and ingests the resulting message,
// per spec.md §4.5's LineSocketServer contract.
type LineSocketServer struct {
	path string
	fw   Ingester
	log  log.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	paused   bool
	gate     *sync.Cond

	ctx  context.Context
	halt context.CancelFunc
	wg   sync.WaitGroup
}

// NewLineSocketServer returns a server bound to path, feeding fw.
func NewLineSocketServer(path string, fw Ingester, ll log.Logger) *LineSocketServer {
	if ll == nil {
		ll = log.Discard()
	}
	s := &LineSocketServer{
		path:  path,
		fw:    fw,
		log:   ll.WithField("component", "line-socket-server").WithField("path", path),
		conns: make(map[net.Conn]struct{}),
	}
	s.gate = sync.NewCond(&s.mu)
	return s
}

// Pause stops feeding newly decoded lines to fw until Resume is called,
// implementing session.Upstream's backpressure contract (spec.md §4.4) for
// the socket source: connections stay accepted and readable, but handle
// blocks before each Ingest call while paused, applying TCP/Unix-socket
// backpressure to the writer on the other end of the connection.
func (s *LineSocketServer) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume reverses Pause and wakes any connection handlers blocked on it.
func (s *LineSocketServer) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.gate.Broadcast()
}

// waitWhilePaused blocks handle's calling goroutine while paused is set, so
// the unread portion of the connection's buffer applies backpressure to
// whatever is writing to it. Stop unblocks any waiter by clearing paused
// and broadcasting.
func (s *LineSocketServer) waitWhilePaused() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.paused {
		s.gate.Wait()
	}
}

// Start removes any stale socket file and begins accepting connections.
// It returns once the listener is bound; accepting happens on a
// background goroutine.
func (s *LineSocketServer) Start(ctx context.Context) error {
	if err := os.RemoveAll(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.ctx, s.halt = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *LineSocketServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log.Warningf("accept failed: %v", err)
				return
			}
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn)
	}
}

// handle decodes each line with Codec and ingests the result, per
// spec.md §4.1/§4.5. Malformed lines are discarded, matching Codec's
// contract of never surfacing a parse error across this boundary.
func (s *LineSocketServer) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}
		msg, ok := codec.Parse(s.log, line)
		if !ok {
			continue
		}
		s.waitWhilePaused()
		s.fw.Ingest(msg)
	}
	if err := scanner.Err(); err != nil {
		s.log.Debugf("connection closed: %v", err)
	}
}

// Stop closes the listener and every active connection, then waits for
// handlers to drain.
func (s *LineSocketServer) Stop() error {
	if s.halt != nil {
		s.halt()
	}
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.gate.Broadcast()

	s.mu.Lock()
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
	if rmErr := os.RemoveAll(s.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}
