package endpoint

import (
	"context"
	"net"
	"sync"
	"time"

	"go.vigilo.io/connector/log"
	"go.vigilo.io/connector/message"
	"go.vigilo.io/connector/store"
)

// backoff parameters for LineSocketClient's reconnect loop, following the
// same `delay * (factor * attempt)` formula as the teacher's drpc retry
// middleware (net/drpc/middleware/client/retry.go), adapted here to a
// persistent background reconnect rather than a per-call retry.
const (
	backoffBase    = 300 * time.Millisecond
	backoffFactor  = 0.85
	backoffMaxTry  = 20 // attempts after which the delay stops growing
	dialTimeout    = 3 * time.Second
)

// LineSocketClient connects to a Unix domain socket path and writes each
// outgoing message followed by two newlines, per spec.md §4.5. While
// disconnected, outgoing messages are pushed into a RetryStore rather
// than dropped, mirroring
// original_source/nodetosocketfw.py's stockmessage/unstockmessage
// fallback; once reconnected, buffered entries are flushed before new
// traffic in the same RetryStore-priority order the Forwarder observes.
type LineSocketClient struct {
	path  string
	store *store.RetryStore
	log   log.Logger

	mu        sync.Mutex
	conn      net.Conn
	connected bool

	ctx  context.Context
	halt context.CancelFunc
	wg   sync.WaitGroup
}

// NewLineSocketClient returns a client that will dial path once Start is
// called. st may be nil to disable the disconnected-buffering fallback
// (not recommended outside tests).
func NewLineSocketClient(path string, st *store.RetryStore, ll log.Logger) *LineSocketClient {
	if ll == nil {
		ll = log.Discard()
	}
	return &LineSocketClient{
		path:  path,
		store: st,
		log:   ll.WithField("component", "line-socket-client").WithField("path", path),
	}
}

// Start begins the reconnect loop in the background.
func (c *LineSocketClient) Start(ctx context.Context) {
	c.ctx, c.halt = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.reconnectLoop()
}

// Stop halts the reconnect loop and closes any active connection.
func (c *LineSocketClient) Stop() error {
	if c.halt != nil {
		c.halt()
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
	return nil
}

// Connected reports whether the client currently has a live connection.
func (c *LineSocketClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *LineSocketClient) reconnectLoop() {
	defer c.wg.Done()
	var attempt uint
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		conn, err := net.DialTimeout("unix", c.path, dialTimeout)
		if err != nil {
			attempt++
			n := attempt
			if n > backoffMaxTry {
				n = backoffMaxTry
			}
			pause := time.Duration(float32(backoffBase) * (backoffFactor * float32(n)))
			c.log.Warningf("dial failed (attempt %d), retrying in %s: %v", attempt, pause, err)
			select {
			case <-time.After(pause):
				continue
			case <-c.ctx.Done():
				return
			}
		}

		attempt = 0
		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.mu.Unlock()
		c.log.Info("connected")

		c.flushBacklog()
		c.waitForClose(conn)

		c.mu.Lock()
		c.conn = nil
		c.connected = false
		c.mu.Unlock()
		c.log.Warning("disconnected, will reconnect")
	}
}

// waitForClose blocks until conn is closed from either end, by reading
// from it (the client never expects incoming traffic on this socket, per
// spec.md §4.5, so any read returning is treated as a close signal).
func (c *LineSocketClient) waitForClose(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

// flushBacklog drains the RetryStore into the freshly (re)established
// connection before any new message is accepted, preserving the
// restore-order priority described in spec.md §4.3.
func (c *LineSocketClient) flushBacklog() {
	if c.store == nil {
		return
	}
	for {
		payload, ok, err := c.store.Pop(c.ctx)
		if err != nil {
			c.log.Errorf("retry store pop failed while flushing backlog: %v", err)
			return
		}
		if !ok {
			return
		}
		if !c.writeLocked(payload) {
			// connection dropped mid-flush; PutFront (not Put) so this
			// message is retried ahead of anything still queued behind it,
			// preserving FIFO order instead of letting it fall behind
			// entries popped after it.
			c.store.PutFront(payload)
			return
		}
	}
}

// Write sends msg's payload if connected, otherwise persists it to
// RetryStore, per spec.md §4.5's disconnected-buffering fallback.
func (c *LineSocketClient) Write(msg message.Message) {
	if c.writeLocked(msg.Payload) {
		return
	}
	if c.store != nil {
		if err := c.store.Put(c.ctx, msg.Payload); err != nil {
			c.log.Errorf("failed to persist message while disconnected: %v", err)
		}
	}
}

func (c *LineSocketClient) writeLocked(payload []byte) bool {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return false
	}

	if _, err := conn.Write(append(payload, '\n', '\n')); err != nil {
		c.log.Warningf("write failed: %v", err)
		return false
	}
	return true
}
