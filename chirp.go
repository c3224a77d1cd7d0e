// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirp

import (
	"context"
	"crypto/rand"
	"sync"

	"github.com/creachadair/taskgroup"
)

// Handler receives a fully-assembled inbound message. The handler must
// call (*Chirp).ReleaseMsgSlot once it is done reading msg.Header and
// msg.Data; until then the connection's slot pool counts the message as
// still outstanding, which affects when that connection's back-pressure
// releases.
type Handler func(c *Chirp, msg *Message)

// Chirp is the top-level handle to one embeddable message-passing
// instance: it owns the listening sockets, the set of remotes and their
// connections, and the receive callback that dispatches inbound
// messages.
type Chirp struct {
	cfg      Config
	identity Identity
	protocol *Protocol
	metrics  *Metrics
	tasks    *taskgroup.Group

	handlerMu sync.RWMutex
	handler   Handler

	closeMu sync.Mutex
	started bool
	closed  bool
}

// New validates cfg and constructs a Chirp instance. The instance does
// not listen for connections until Start is called.
func New(cfg Config) (*Chirp, error) {
	valid, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	c := &Chirp{cfg: valid, metrics: newMetrics(), tasks: taskgroup.New(nil)}
	if valid.Identity == (Identity{}) {
		if _, err := rand.Read(c.identity[:]); err != nil {
			return nil, errf(CodeInitFail, err)
		}
	} else {
		c.identity = valid.Identity
	}
	c.protocol = newProtocol(c)
	return c, nil
}

// Identity reports this instance's 16-byte identity.
func (c *Chirp) Identity() Identity { return c.identity }

// Handle installs the callback invoked for every inbound message. It must
// be set before Start; calling it afterwards is a programmer error and
// panics, matching the original library's single-assignment
// set_recv_callback contract.
func (c *Chirp) Handle(h Handler) *Chirp {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	if c.started {
		panic("chirp: Handle called after Start")
	}
	c.handler = h
	return c
}

// Start opens the listening sockets and begins accepting connections.
func (c *Chirp) Start() error {
	c.closeMu.Lock()
	c.started = true
	c.closeMu.Unlock()
	if err := c.protocol.start(); err != nil {
		return err
	}
	c.metrics.activeInstances.Add(1)
	return nil
}

// publicPort reports the port advertised to peers during the handshake.
func (c *Chirp) publicPort() uint16 {
	if c.cfg.Port != 0 {
		return c.cfg.Port
	}
	return c.protocol.publicPort()
}

// LocalPort reports the TCP port this instance is actually listening on,
// which is useful after Start when Config.Port was left at 0 to select an
// ephemeral port.
func (c *Chirp) LocalPort() uint16 { return c.publicPort() }

// deliver hands msg to the registered handler, or drops it (releasing its
// slot immediately) if none is registered.
func (c *Chirp) deliver(msg *Message) {
	c.metrics.messagesReceived.Add(1)
	c.handlerMu.RLock()
	h := c.handler
	c.handlerMu.RUnlock()
	if h == nil {
		c.ReleaseMsgSlot(msg)
		return
	}
	h(c, msg)
}

// Send enqueues msg for delivery to the remote endpoint named by
// msg.IPProtocol/Address/Port and blocks until it is either fully
// acknowledged (in synchronous mode, or when msg.ReqAck is set) or its
// outcome is otherwise known (a connection failure, a timeout, or Close).
// It honors ctx cancellation, but a cancelled Send does not retract the
// message: it may still be delivered.
func (c *Chirp) Send(ctx context.Context, msg *Message) error {
	if msg.hasFlag(flagUsed) {
		return errf(CodeUsed, nil)
	}
	msg.setFlag(flagUsed)
	msg.done = make(chan sendResult, 1)

	key := newRemoteKey(msg.IPProtocol, msg.Address, msg.Port)
	r := c.protocol.remoteFor(c, key)

	if c.cfg.Synchronous {
		msg.ReqAck = true
	}

	c.metrics.messagesSent.Add(1)
	r.enqueueData(msg)

	select {
	case res := <-msg.done:
		if res.code != CodeSuccess {
			return errf(res.code, res.err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendTS is equivalent to Send. It exists only for API parity with the
// original library's thread-safe trampoline methods: this implementation
// has no privileged loop thread, so every exported method is already
// safe to call from any goroutine.
func (c *Chirp) SendTS(ctx context.Context, msg *Message) error { return c.Send(ctx, msg) }

// ReleaseMsgSlot releases the receive slot held by msg, which must have
// been obtained from this Chirp's Handler. If the message requested an
// acknowledgement, releasing its slot is what triggers sending the ACK.
func (c *Chirp) ReleaseMsgSlot(msg *Message) {
	if !msg.HasSlot() {
		c.cfg.logf("chirp: ReleaseMsgSlot called on a message without a slot")
		return
	}
	msg.clearFlag(flagHasSlot)

	conn := msg.conn
	if conn != nil && msg.hasFlag(flagSendAck) {
		ack := &Message{Identity: msg.Identity, Serial: msg.Serial}
		ack.setFlag(flagSendAck | flagUsed)
		if conn.remote != nil {
			conn.remote.enqueueControl(ack)
		}
		c.metrics.acksSent.Add(1)
	}

	if msg.pool != nil && msg.slot != nil {
		msg.pool.Release(msg.slot)
		msg.pool.Unref()
	}
	if conn != nil {
		conn.notifySlotFreed()
	}
}

// ReleaseMsgSlotTS is equivalent to ReleaseMsgSlot; see SendTS.
func (c *Chirp) ReleaseMsgSlotTS(msg *Message) { c.ReleaseMsgSlot(msg) }

// Metrics exposes counters for messages sent/received, timeouts, and
// active connections/remotes.
func (c *Chirp) Metrics() *Metrics { return c.metrics }

// spawn runs fn on its own goroutine, tracked by this instance's task
// group, so Close can wait for every accept loop, dial, and read loop to
// actually finish before it returns.
func (c *Chirp) spawn(fn func()) {
	c.tasks.Go(func() error {
		fn()
		return nil
	})
}

// Close shuts every connection and remote down and waits for all
// in-flight goroutines (accept loops, dialers, readers) to exit before
// returning.
func (c *Chirp) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	c.protocol.close()
	c.tasks.Wait()
	c.metrics.activeInstances.Add(-1)
	return nil
}

// CloseTS is equivalent to Close; see SendTS.
func (c *Chirp) CloseTS() error { return c.Close() }
