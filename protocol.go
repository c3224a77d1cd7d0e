// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirp

import (
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"
)

// Protocol owns the two listening sockets, the set of known remotes, the
// connections mid-handshake or superseded and awaiting teardown, and the
// timers that drive reconnect debouncing and idle garbage collection.
type Protocol struct {
	chirp *Chirp

	mu             sync.Mutex
	remotes        map[remoteKey]*Remote
	oldConns       map[*Connection]struct{}
	handshakeConns map[*Connection]struct{}
	reconnecting   map[*Remote]struct{}

	listenerV4 net.Listener
	listenerV6 net.Listener

	closing bool

	gcTimer        *time.Timer
	reconnectTimer *time.Timer
}

func newProtocol(c *Chirp) *Protocol {
	return &Protocol{
		chirp:          c,
		remotes:        make(map[remoteKey]*Remote),
		oldConns:       make(map[*Connection]struct{}),
		handshakeConns: make(map[*Connection]struct{}),
		reconnecting:   make(map[*Remote]struct{}),
	}
}

// start opens the listening sockets and starts the garbage-collection
// timer. Binding either socket failed reports CodeAddrInUse.
func (p *Protocol) start() error {
	v4, err := net.Listen("tcp4", net.JoinHostPort(p.chirp.cfg.BindV4.String(), portString(p.chirp.cfg.Port)))
	if err != nil {
		return errf(CodeAddrInUse, err)
	}
	p.listenerV4 = v4

	// Reuse the same ephemeral port chosen for v4 (if any) so a single
	// configured Port value binds consistently on both families.
	_, portStr, _ := net.SplitHostPort(v4.Addr().String())
	v6, err := net.Listen("tcp6", net.JoinHostPort(p.chirp.cfg.BindV6.String(), portStr))
	if err != nil {
		v4.Close()
		return errf(CodeAddrInUse, err)
	}
	p.listenerV6 = v6

	p.chirp.spawn(func() { p.acceptLoop(p.listenerV4, IPv4) })
	p.chirp.spawn(func() { p.acceptLoop(p.listenerV6, IPv6) })

	p.armGCTimer()
	return nil
}

func portString(port uint16) string {
	return strconv.Itoa(int(port))
}

// publicPort reports the port this instance is actually listening on,
// resolving Port=0 (ephemeral) to the value the kernel assigned.
func (p *Protocol) publicPort() uint16 {
	if p.listenerV4 != nil {
		if addr, ok := p.listenerV4.Addr().(*net.TCPAddr); ok {
			return uint16(addr.Port)
		}
	}
	return p.chirp.cfg.Port
}

func (p *Protocol) acceptLoop(l net.Listener, proto IPProtocol) {
	for {
		raw, err := l.Accept()
		if err != nil {
			return
		}
		p.chirp.spawn(func() { p.acceptOne(raw, proto) })
	}
}

func (p *Protocol) acceptOne(raw net.Conn, proto IPProtocol) {
	ip := raw.RemoteAddr().(*net.TCPAddr).IP
	encrypted := p.chirp.shouldEncrypt(ip)

	conn := newConnection(p.chirp, raw, true, encrypted)
	p.trackHandshake(conn)

	if encrypted {
		tconn, err := p.chirp.serverHandshake(raw, p.chirp.cfg.Timeout*2)
		if err != nil {
			p.forgetOldOrHandshake(conn)
			raw.Close()
			return
		}
		conn.conn = tconn
	}

	conn.enterConnHandle()
	conn.readLoop()
}

// remoteFor returns the Remote for key, creating it if this is the first
// reference (a new outbound send or a newly handshaken inbound
// connection).
func (p *Protocol) remoteFor(c *Chirp, key remoteKey) *Remote {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.remotes[key]; ok {
		return r
	}
	r := newRemote(c, key)
	p.remotes[key] = r
	return r
}

// dialRemote is invoked by Remote.processQueues when it has work queued
// but no connection; it runs the outbound dial on its own goroutine so
// the caller's goroutine is never blocked on network I/O.
func (p *Protocol) dialRemote(r *Remote) {
	p.chirp.spawn(func() { dialConnection(p.chirp, r) })
}

func (p *Protocol) trackHandshake(c *Connection) {
	p.mu.Lock()
	p.handshakeConns[c] = struct{}{}
	p.mu.Unlock()
}

func (p *Protocol) untrackHandshake(c *Connection) {
	p.mu.Lock()
	delete(p.handshakeConns, c)
	p.mu.Unlock()
}

// forgetOldOrHandshake removes c from both the handshake and old-
// connection tracking sets, used once c has been fully shut down.
func (p *Protocol) forgetOldOrHandshake(c *Connection) {
	p.mu.Lock()
	delete(p.handshakeConns, c)
	delete(p.oldConns, c)
	p.mu.Unlock()
}

// demoteToOld marks conn as superseded: it is no longer authoritative for
// its remote, but is kept around (and its shutdown deferred to the GC
// sweep) so in-flight reads on it can drain gracefully.
func (p *Protocol) demoteToOld(conn *Connection) {
	p.mu.Lock()
	p.oldConns[conn] = struct{}{}
	p.mu.Unlock()
	conn.touch()
}

// scheduleReconnect registers r as blocked and arms a randomized 50-550ms
// debounce timer, breaking a tight reconnect loop between two peers
// dialling each other simultaneously.
func (p *Protocol) scheduleReconnect(r *Remote) {
	p.mu.Lock()
	p.reconnecting[r] = struct{}{}
	needTimer := p.reconnectTimer == nil
	p.mu.Unlock()

	if needTimer {
		delay := 50*time.Millisecond + time.Duration(rand.IntN(500))*time.Millisecond
		p.mu.Lock()
		p.reconnectTimer = time.AfterFunc(delay, p.fireReconnect)
		p.mu.Unlock()
	}
}

func (p *Protocol) fireReconnect() {
	p.mu.Lock()
	pending := p.reconnecting
	p.reconnecting = make(map[*Remote]struct{})
	p.reconnectTimer = nil
	p.mu.Unlock()

	for r := range pending {
		r.unblock()
	}
}

// armGCTimer schedules the next idle sweep, jittered as specified: base
// interval of half the reuse time, plus up to another half at random.
func (p *Protocol) armGCTimer() {
	reuse := p.chirp.cfg.ReuseTime
	base := reuse / 2
	jitter := time.Duration(rand.Int64N(int64(base) + 1))
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return
	}
	p.gcTimer = time.AfterFunc(base+jitter, p.gcSweep)
	p.mu.Unlock()
}

// gcSweep shuts down connections that have been superseded for longer
// than ReuseTime and frees remotes that have been idle that long and are
// not mid-reconnect-debounce. A remote that is idle but still has an
// authoritative connection is not skipped: its connection is shut down
// first (silencing it counts against ReuseTime the same as having no
// connection at all), and the remote is then dropped from the map.
func (p *Protocol) gcSweep() {
	defer p.armGCTimer()
	p.chirp.metrics.gcSweeps.Add(1)

	p.mu.Lock()
	var staleConns []*Connection
	for c := range p.oldConns {
		if c.idleFor() > p.chirp.cfg.ReuseTime {
			staleConns = append(staleConns, c)
		}
	}
	var staleRemotes []*Remote
	for _, r := range p.remotes {
		if r.isBlocked() {
			continue
		}
		if r.idleFor() > p.chirp.cfg.ReuseTime {
			staleRemotes = append(staleRemotes, r)
		}
	}
	p.mu.Unlock()

	for _, c := range staleConns {
		c.shutdown(errf(CodeShutdown, nil))
	}
	for _, r := range staleRemotes {
		if conn := r.currentConnection(); conn != nil {
			conn.shutdown(errf(CodeShutdown, nil))
		}
		r.abortQueued(CodeShutdown)
		p.mu.Lock()
		delete(p.remotes, r.key)
		p.mu.Unlock()
		p.chirp.metrics.activeRemotes.Add(-1)
	}
}

// close shuts every connection and remote down, used from Chirp.Close.
func (p *Protocol) close() {
	p.mu.Lock()
	p.closing = true
	if p.gcTimer != nil {
		p.gcTimer.Stop()
	}
	if p.reconnectTimer != nil {
		p.reconnectTimer.Stop()
	}
	if p.listenerV4 != nil {
		p.listenerV4.Close()
	}
	if p.listenerV6 != nil {
		p.listenerV6.Close()
	}
	var handshaking, old []*Connection
	for c := range p.handshakeConns {
		handshaking = append(handshaking, c)
	}
	for c := range p.oldConns {
		old = append(old, c)
	}
	var remotes []*Remote
	for _, r := range p.remotes {
		remotes = append(remotes, r)
	}
	p.mu.Unlock()

	for _, c := range handshaking {
		c.shutdown(errf(CodeShutdown, nil))
	}
	for _, c := range old {
		c.shutdown(errf(CodeShutdown, nil))
	}
	for _, r := range remotes {
		r.abortQueued(CodeShutdown)
		r.mu.Lock()
		conn := r.conn
		r.mu.Unlock()
		if conn != nil {
			conn.shutdown(errf(CodeShutdown, nil))
		}
	}
}
