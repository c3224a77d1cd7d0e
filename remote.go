// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirp

import (
	"container/list"
	"net"
	"sync"
	"time"
)

// remoteKey identifies a Remote by endpoint tuple. It is a plain
// comparable struct usable directly as a map key, replacing the
// intrusive red-black tree of the original design with a stdlib map.
type remoteKey struct {
	protocol IPProtocol
	addr     [16]byte
	port     uint16
}

func newRemoteKey(proto IPProtocol, ip net.IP, port uint16) remoteKey {
	var k remoteKey
	k.protocol = proto
	k.port = port
	ip16 := ip.To16()
	copy(k.addr[:], ip16)
	return k
}

// Remote is the long-lived per-peer record keyed by endpoint. It outlives
// any single Connection: connections come and go (reconnects, races,
// idle GC) while the Remote preserves queued messages, the outbound
// serial counter, and (in synchronous mode) the single in-flight message
// awaiting acknowledgement.
type Remote struct {
	mu sync.Mutex

	key   remoteKey
	chirp *Chirp

	conn           *Connection
	connGeneration uint64

	dataQueue *list.List // of *Message
	cntlQueue *list.List // of *Message (ACKs, NOOPs)

	waitAck *Message // synchronous mode: the message currently awaiting ACK

	noop *Message // reusable liveness probe

	serial  uint32
	blocked bool // true while waiting out the reconnect debounce

	timestamp time.Time
}

func newRemote(c *Chirp, key remoteKey) *Remote {
	r := &Remote{
		key:       key,
		chirp:     c,
		dataQueue: list.New(),
		cntlQueue: list.New(),
		timestamp: time.Now(),
	}
	r.noop = &Message{}
	r.noop.setFlag(flagUsed)
	c.metrics.activeRemotes.Add(1)
	return r
}

// enqueueData appends msg to the data queue and asks the dispatcher to
// run.
func (r *Remote) enqueueData(msg *Message) {
	r.mu.Lock()
	r.maybeProbeLocked()
	r.dataQueue.PushBack(msg)
	r.mu.Unlock()
	r.processQueues()
}

// enqueueControl appends msg (an ACK or NOOP) to the control queue, which
// is always drained ahead of the data queue.
func (r *Remote) enqueueControl(msg *Message) {
	r.mu.Lock()
	r.cntlQueue.PushBack(msg)
	r.mu.Unlock()
	r.processQueues()
}

// maybeProbeLocked enqueues the reusable NOOP probe if this remote has
// been quiet for more than three quarters of the configured reuse time,
// closing the race between an outbound send and the peer's idle GC sweep.
func (r *Remote) maybeProbeLocked() {
	reuse := r.chirp.cfg.ReuseTime
	if time.Since(r.timestamp) > reuse*3/4 {
		r.cntlQueue.PushBack(r.noop)
	}
}

// processQueues drives the Remote's dispatcher: it ensures a connection
// exists (initiating one if needed and not already blocked by the
// reconnect debounce), then hands the next eligible message to the
// connection's writer. The reconnect-debounce flag only ever gates
// dialing a new connection: it must never stall dispatch over a
// connection that is already live.
func (r *Remote) processQueues() {
	r.mu.Lock()
	conn := r.currentConnLocked()
	if conn == nil {
		if r.blocked {
			r.mu.Unlock()
			return
		}
		hasWork := r.cntlQueue.Len() > 0 || r.dataQueue.Len() > 0
		r.mu.Unlock()
		if hasWork {
			r.chirp.protocol.dialRemote(r)
		}
		return
	}
	if !conn.isReady() {
		r.mu.Unlock()
		return
	}
	if conn.hasPendingWrite() {
		r.mu.Unlock()
		return
	}

	var next *Message
	if e := r.cntlQueue.Front(); e != nil {
		next = e.Value.(*Message)
		r.cntlQueue.Remove(e)
	} else if e := r.dataQueue.Front(); e != nil {
		if r.chirp.cfg.Synchronous && r.waitAck != nil {
			r.mu.Unlock()
			return
		}
		next = e.Value.(*Message)
		r.dataQueue.Remove(e)
		if r.chirp.cfg.Synchronous {
			r.waitAck = next
		}
	}
	r.mu.Unlock()

	if next == nil {
		return
	}
	conn.dispatchWrite(next)
}

// currentConnLocked returns the authoritative connection for this remote,
// or nil if none is attached or the attached one no longer matches the
// generation stamp recorded when it was installed.
func (r *Remote) currentConnLocked() *Connection {
	if r.conn == nil {
		return nil
	}
	if r.conn.generation != r.connGeneration {
		return nil
	}
	return r.conn
}

// attachConnection installs conn as the authoritative connection for r,
// demoting any previous connection to the old set. It resolves the
// simultaneous-dial race by always keeping whichever connection completes
// its handshake most recently.
func (r *Remote) attachConnection(conn *Connection) {
	r.mu.Lock()
	prev := r.currentConnLocked()
	r.conn = conn
	r.connGeneration = conn.generation
	r.blocked = false
	r.timestamp = time.Now()
	r.mu.Unlock()

	if prev != nil && prev != conn {
		r.chirp.protocol.demoteToOld(prev)
	}
	r.processQueues()
}

// detachConnection clears r.conn if it still points at conn, called from
// the connection's shutdown path. It reports whether conn was in fact r's
// authoritative connection, so the caller can tell a live connection's
// teardown apart from an already-superseded one's.
func (r *Remote) detachConnection(conn *Connection) bool {
	r.mu.Lock()
	wasCurrent := r.conn == conn
	if wasCurrent {
		r.conn = nil
	}
	r.mu.Unlock()
	return wasCurrent
}

// blockForReconnect marks r as waiting out the reconnect debounce and
// registers it with the protocol so the debounce timer unblocks it.
func (r *Remote) blockForReconnect() {
	r.mu.Lock()
	r.blocked = true
	r.mu.Unlock()
	r.chirp.protocol.scheduleReconnect(r)
}

func (r *Remote) unblock() {
	r.mu.Lock()
	r.blocked = false
	r.mu.Unlock()
	r.processQueues()
}

// nextSerial returns the next outbound serial for this remote, strictly
// increasing (modulo 2^32) across the remote's lifetime regardless of how
// many connections it has used.
func (r *Remote) nextSerial() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serial++
	return r.serial
}

// completeWaitAck clears the synchronous single-flight slot if msg is the
// message currently occupying it.
func (r *Remote) completeWaitAck(msg *Message) {
	r.mu.Lock()
	if r.waitAck == msg {
		r.waitAck = nil
	}
	r.mu.Unlock()
	r.processQueues()
}

// touch refreshes the idle timestamp used by GC and the liveness probe.
func (r *Remote) touch() {
	r.mu.Lock()
	r.timestamp = time.Now()
	r.mu.Unlock()
}

// abortQueued fails every queued message (and the in-flight wait-ack
// message, if any) with the given code, used when the remote is torn
// down by GC or by Chirp.Close.
func (r *Remote) abortQueued(code Code) {
	r.mu.Lock()
	var pending []*Message
	for e := r.dataQueue.Front(); e != nil; e = e.Next() {
		pending = append(pending, e.Value.(*Message))
	}
	r.dataQueue.Init()
	for e := r.cntlQueue.Front(); e != nil; e = e.Next() {
		pending = append(pending, e.Value.(*Message))
	}
	r.cntlQueue.Init()
	if r.waitAck != nil {
		pending = append(pending, r.waitAck)
		r.waitAck = nil
	}
	r.mu.Unlock()

	for _, msg := range pending {
		completeSend(msg, code, nil)
	}
}

// idleFor reports how long this remote has been quiet.
func (r *Remote) idleFor() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.timestamp)
}

func (r *Remote) isBlocked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocked
}

func (r *Remote) hasConnection() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentConnLocked() != nil
}

// currentConnection returns the authoritative connection for r, or nil,
// taking the lock currentConnLocked otherwise requires the caller to hold.
func (r *Remote) currentConnection() *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentConnLocked()
}
