// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirp

import (
	"errors"
	"io"
	"net"

	"github.com/chirplib/chirp/wire"
)

// readLoop implements the reader state machine as a blocking sequence of
// reads on the connection's net.Conn, one goroutine per connection. This
// is the natural Go transliteration of a pull-based, resumable state
// machine: the goroutine simply parks inside the current state's read
// call instead of returning a partial-consumption count for the caller to
// resume later. Back-pressure (no free receive slot) is realized by
// blocking on slot acquisition rather than setting a stopped flag and
// dropping out of an event loop; either way no further bytes are read
// from the socket until a slot frees up.
func (c *Connection) readLoop() {
	defer c.leaveConnHandle()

	if err := c.doHandshake(); err != nil {
		c.shutdown(errf(CodeProtocolError, err))
		return
	}

	for {
		hdr, err := wire.ReadHeader(c.conn)
		if err != nil {
			c.shutdown(readErrToCode(err))
			return
		}
		c.touch()
		if c.remote != nil {
			c.remote.touch()
		}

		switch {
		case hdr.Type&wire.TypeNoop != 0:
			if hdr.HeaderLen != 0 || hdr.DataLen != 0 {
				c.shutdown(errf(CodeProtocolError, errors.New("noop with non-empty payload")))
				return
			}
			if hdr.Type&wire.TypeReqAck != 0 {
				c.shutdown(errf(CodeProtocolError, errors.New("noop with REQ_ACK set")))
				return
			}
			continue

		case hdr.Type&wire.TypeAck != 0:
			if hdr.HeaderLen != 0 || hdr.DataLen != 0 {
				c.shutdown(errf(CodeProtocolError, errors.New("ack with non-empty payload")))
				return
			}
			if hdr.Type&wire.TypeReqAck != 0 {
				c.shutdown(errf(CodeProtocolError, errors.New("ack with REQ_ACK set")))
				return
			}
			c.onAckReceived(hdr.Identity)
			continue
		}

		total := int(hdr.HeaderLen) + int(hdr.DataLen)
		if total > c.chirp.cfg.MaxMsgSize {
			c.shutdown(errf(CodeProtocolError, errors.New("message exceeds configured maximum size")))
			return
		}

		slot := c.pool.Acquire()
		if slot == nil {
			c.chirp.metrics.slotExhaustions.Add(1)
		}
		for slot == nil {
			// Back-pressure: park until the user releases a slot. This
			// is the sole flow-control mechanism; while parked here the
			// connection issues no further socket reads, so the peer's
			// TCP window closes on its own.
			select {
			case <-c.slotFreed():
			case <-c.closed:
				return
			}
			slot = c.pool.Acquire()
		}

		if hdr.HeaderLen > 0 {
			slot.PrepareHeader(int(hdr.HeaderLen))
			if _, err := io.ReadFull(c.conn, slot.Header); err != nil {
				c.pool.Release(slot)
				c.shutdown(readErrToCode(err))
				return
			}
		}
		if hdr.DataLen > 0 {
			slot.PrepareData(int(hdr.DataLen))
			if _, err := io.ReadFull(c.conn, slot.Data); err != nil {
				c.pool.Release(slot)
				c.shutdown(readErrToCode(err))
				return
			}
		}

		msg := &Message{
			Identity: hdr.Identity,
			Serial:   hdr.Serial,
			ReqAck:   hdr.Type&wire.TypeReqAck != 0,
			Header:   slot.Header,
			Data:     slot.Data,
		}
		if c.remote != nil {
			msg.IPProtocol = c.remote.key.protocol
			msg.Address = append(net.IP(nil), net.IP(c.remote.key.addr[:])...)
			msg.Port = c.remote.key.port
		}
		msg.RemoteIdentity = c.peerIdentity
		msg.slot = slot
		msg.pool = c.pool
		msg.setFlag(flagHasSlot | flagUsed)
		if msg.ReqAck {
			msg.setFlag(flagSendAck)
		}
		msg.conn = c

		c.pool.Ref()
		c.chirp.deliver(msg)
	}
}

// slotFreed returns a channel that is signalled once, the next time this
// connection releases a receive slot; it is a cheap way to wake a parked
// reader without polling.
func (c *Connection) slotFreed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan struct{})
	c.slotWaiters = append(c.slotWaiters, ch)
	return ch
}

func (c *Connection) notifySlotFreed() {
	c.mu.Lock()
	waiters := c.slotWaiters
	c.slotWaiters = nil
	c.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// doHandshake exchanges the 18-byte handshake and records the peer's
// published port and identity.
func (c *Connection) doHandshake() error {
	send := wire.Handshake{Port: c.chirp.publicPort(), Identity: [16]byte(c.chirp.identity)}
	errCh := make(chan error, 1)
	go func() { errCh <- wire.WriteHandshake(c.conn, send) }()

	got, err := wire.ReadHandshake(c.conn)
	if err != nil {
		<-errCh
		return err
	}
	if err := <-errCh; err != nil {
		return err
	}

	c.peerIdentity = Identity(got.Identity)
	c.publicPort = got.Port
	c.chirp.protocol.untrackHandshake(c)

	key := c.remoteKey
	if c.incoming {
		ip, _ := connRemoteIP(c.conn)
		proto := IPv4
		if ip.To4() == nil {
			proto = IPv6
		}
		key = newRemoteKey(proto, ip, got.Port)
		c.remoteKey = key
	}
	r := c.chirp.protocol.remoteFor(c.chirp, key)
	c.remote = r
	r.attachConnection(c)
	return nil
}

func connRemoteIP(conn net.Conn) (net.IP, error) {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return nil, errors.New("not a TCP connection")
	}
	return addr.IP, nil
}

func readErrToCode(err error) *Error {
	if errors.Is(err, io.EOF) {
		return errf(CodeShutdown, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return errf(CodeTimeout, err)
	}
	return errf(CodeIOError, err)
}
