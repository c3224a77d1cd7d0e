// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirp

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chirplib/chirp/bufpool"
)

var connGenSeq uint64

func nextGeneration() uint64 { return atomic.AddUint64(&connGenSeq, 1) }

// Connection is a single TCP stream, optionally wrapped in TLS, currently
// or previously associated with a Remote. Its transport is held as a
// plain net.Conn so the reader and writer never branch on whether TLS is
// in effect; crypto/tls already implements exactly the "transport
// capability" a cleartext socket does.
type Connection struct {
	chirp      *Chirp
	remote     *Remote
	remoteKey  remoteKey
	generation uint64
	incoming   bool
	encrypted  bool

	conn net.Conn
	pool *bufpool.Pool

	peerIdentity Identity
	publicPort   uint16

	mu              sync.Mutex
	shuttingDown    bool
	pending         *Message // message currently being written
	pendingAckTimer *time.Timer
	cleanup         []func()
	lastActivity    time.Time
	slotWaiters     []chan struct{}

	closeSem   int
	closeSemMu sync.Mutex
	closed     chan struct{}
}

func newConnection(c *Chirp, conn net.Conn, incoming, encrypted bool) *Connection {
	maxSlots := c.cfg.MaxSlots
	cn := &Connection{
		chirp:        c,
		conn:         conn,
		incoming:     incoming,
		encrypted:    encrypted,
		generation:   nextGeneration(),
		lastActivity: time.Now(),
		closed:       make(chan struct{}),
	}
	cn.pool = bufpool.New(maxSlots, func(format string, args ...any) {
		c.cfg.logf("connection: "+format, args...)
	})
	c.metrics.activeConns.Add(1)
	return cn
}

func (c *Connection) addCleanup(fn func()) {
	c.mu.Lock()
	c.cleanup = append(c.cleanup, fn)
	c.mu.Unlock()
}

func (c *Connection) runCleanup() {
	c.mu.Lock()
	fns := c.cleanup
	c.cleanup = nil
	c.mu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

func (c *Connection) isReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.shuttingDown
}

func (c *Connection) setWriteDeadline(t time.Time) {
	_ = c.conn.SetWriteDeadline(t)
}

func (c *Connection) clearWriteDeadline() {
	_ = c.conn.SetWriteDeadline(time.Time{})
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity)
}

// enterConnHandle registers one outstanding goroutine/handle against this
// connection's close bookkeeping. Every call must be matched by a call to
// leaveConnHandle.
func (c *Connection) enterConnHandle() {
	c.closeSemMu.Lock()
	c.closeSem++
	c.closeSemMu.Unlock()
}

func (c *Connection) leaveConnHandle() {
	c.closeSemMu.Lock()
	c.closeSem--
	zero := c.closeSem == 0
	if c.closeSem < 0 {
		c.chirp.cfg.logf("connection: close semaphore underflow")
		c.closeSem = 0
		zero = true
	}
	c.closeSemMu.Unlock()
	if zero {
		c.finalize()
	}
}

// finalize runs once all outstanding handles on this connection have
// closed: it runs the registered cleanup functions, closes c.closed,
// releases the buffer pool reference held on the connection's own behalf,
// and decrements the active-connection count. It does not touch the
// remote; gcSweep removes idle remotes itself.
func (c *Connection) finalize() {
	c.runCleanup()
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	c.pool.Unref()
	c.chirp.metrics.activeConns.Add(-1)
}

// shutdown tears the connection down. It is idempotent: a second call
// while shutdown is already in progress is a no-op.
func (c *Connection) shutdown(reason *Error) {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return
	}
	c.shuttingDown = true
	pending := c.pending
	c.pending = nil
	if c.pendingAckTimer != nil {
		c.pendingAckTimer.Stop()
		c.pendingAckTimer = nil
	}
	c.mu.Unlock()

	if pending != nil {
		if c.remote != nil {
			c.remote.completeWaitAck(pending)
		}
		completeSend(pending, reason.Code, reason.Cause)
	}

	if c.remote != nil {
		wasAuthoritative := c.remote.detachConnection(c)
		c.chirp.protocol.forgetOldOrHandshake(c)
		// Only debounce reconnects when the connection going down was the
		// remote's authoritative one. A superseded ("old") connection
		// reaped later by gcSweep has nothing to do with whatever
		// connection is live for the remote right now, so it must not
		// stall dispatch on that live connection.
		if wasAuthoritative {
			c.remote.blockForReconnect()
		}
	}

	_ = c.conn.Close()
}

// dial opens an outbound connection to the remote's endpoint and begins
// the handshake. It is called from the protocol's dispatcher goroutine.
func dialConnection(c *Chirp, r *Remote) {
	addr := &net.TCPAddr{IP: net.IP(append([]byte(nil), r.key.addr[:]...)), Port: int(r.key.port)}
	dialer := net.Dialer{Timeout: minDuration(c.cfg.Timeout*2, 60*time.Second)}
	raw, err := dialer.Dial("tcp", addr.String())
	if err != nil {
		r.abortHead(CodeCannotConnect)
		r.blockForReconnect()
		return
	}

	encrypted := c.shouldEncrypt(addr.IP)
	conn := newConnection(c, raw, false, encrypted)
	conn.remote = r
	conn.remoteKey = r.key
	c.protocol.trackHandshake(conn)

	if encrypted {
		tconn, err := c.clientHandshake(raw, c.cfg.Timeout*2)
		if err != nil {
			conn.shutdown(errf(CodeTLSError, err))
			c.protocol.forgetOldOrHandshake(conn)
			r.abortHead(CodeCannotConnect)
			return
		}
		conn.conn = tconn
	}

	conn.enterConnHandle()
	c.spawn(conn.readLoop)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// abortHead fails the single highest-priority queued message (control
// before data) with code, used when a connection attempt fails outright.
func (r *Remote) abortHead(code Code) {
	r.mu.Lock()
	var msg *Message
	if e := r.cntlQueue.Front(); e != nil {
		msg = e.Value.(*Message)
		r.cntlQueue.Remove(e)
	} else if e := r.dataQueue.Front(); e != nil {
		msg = e.Value.(*Message)
		r.dataQueue.Remove(e)
	}
	r.mu.Unlock()
	if msg != nil {
		completeSend(msg, code, nil)
	}
}
