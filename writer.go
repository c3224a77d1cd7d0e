// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirp

import (
	"math"
	"net"
	"time"

	"github.com/chirplib/chirp/wire"
)

// sendResult is delivered on a Message's completion channel exactly once.
type sendResult struct {
	code Code
	err  error
}

// completeSend finishes a message send by delivering its result and
// waking any goroutine blocked in Chirp.Send. It is safe to call at most
// once per message; callers are responsible for that guarantee (the
// dispatcher never hands the same message to more than one completion
// path).
func completeSend(msg *Message, code Code, err error) {
	if msg == nil || msg.done == nil {
		return
	}
	select {
	case msg.done <- sendResult{code: code, err: err}:
	default:
	}
}

// dispatchWrite is invoked by the Remote's dispatcher with the next
// message to send on this connection. It assigns a serial (except for
// ACKs, which echo the identity of the message they acknowledge and are
// not part of the serial sequence), builds the wire header, and performs
// a single scatter write of [header, header-blob, data-blob].
//
// The caller (Remote.processQueues) guarantees no other write is
// in-flight on this connection.
func (c *Connection) dispatchWrite(msg *Message) {
	if len(msg.Header) > math.MaxUint16 {
		// HeaderLen is a 16-bit wire field; a longer header would silently
		// truncate instead of failing, corrupting the framing of every
		// message that follows it on this connection. MaxMsgSize bounds
		// header_len+data_len together but is never cross-checked against
		// this narrower per-field limit, so it must be caught here.
		c.remote.completeWaitAck(msg)
		completeSend(msg, CodeValueError, fmtErr("header length %d exceeds wire limit %d", len(msg.Header), math.MaxUint16))
		c.remote.processQueues()
		return
	}

	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		completeSend(msg, CodeShutdown, nil)
		return
	}
	c.pending = msg
	c.mu.Unlock()

	isControl := msg.hasFlag(flagSendAck) || msg == c.remote.noop
	var hdr wire.Header
	hdr.Identity = msg.Identity
	hdr.HeaderLen = uint16(len(msg.Header))
	hdr.DataLen = uint32(len(msg.Data))

	switch {
	case msg.hasFlag(flagSendAck):
		hdr.Type = wire.TypeAck
		hdr.Serial = msg.Serial // echoes the serial of the message being acked
	case msg == c.remote.noop:
		hdr.Type = wire.TypeNoop
		hdr.Serial = c.remote.nextSerial()
	default:
		hdr.Serial = c.remote.nextSerial()
		msg.Serial = hdr.Serial
		if msg.ReqAck || c.chirp.cfg.Synchronous {
			hdr.Type |= wire.TypeReqAck
		}
	}

	needAck := hdr.Type&wire.TypeReqAck != 0 && !isControl

	var timer *time.Timer
	if needAck {
		timer = time.AfterFunc(c.chirp.cfg.Timeout, func() {
			c.onWriteTimeout(msg)
		})
		c.mu.Lock()
		c.pendingAckTimer = timer
		c.mu.Unlock()
	}

	enc := hdr.Encode()
	bufs := net.Buffers{append([]byte(nil), enc[:]...)}
	if len(msg.Header) > 0 {
		bufs = append(bufs, msg.Header)
	}
	if len(msg.Data) > 0 {
		bufs = append(bufs, msg.Data)
	}

	c.setWriteDeadline(time.Now().Add(c.chirp.cfg.Timeout))
	_, err := bufs.WriteTo(c.conn)
	c.clearWriteDeadline()

	if err != nil {
		if timer != nil {
			timer.Stop()
		}
		c.finishWrite(msg, CodeWriteError, err)
		return
	}

	if !needAck {
		c.finishWrite(msg, CodeSuccess, nil)
	}
	// If needAck, completion happens later from the reader's ACK path
	// (finishWrite) or the timer's onWriteTimeout.
}

// finishWrite completes the in-flight write, clears pending state, and
// invites the remote's dispatcher to continue with the next queued
// message.
func (c *Connection) finishWrite(msg *Message, code Code, err error) {
	c.mu.Lock()
	if c.pending == msg {
		c.pending = nil
	}
	if c.pendingAckTimer != nil {
		c.pendingAckTimer.Stop()
		c.pendingAckTimer = nil
	}
	c.mu.Unlock()

	if code == CodeSuccess {
		msg.setFlag(flagWriteDone | flagAckReceived)
	}
	c.remote.completeWaitAck(msg)
	completeSend(msg, code, err)
	c.remote.processQueues()
}

// onAckReceived is called from the reader loop when a matching ACK
// arrives for the message currently pending on this connection.
func (c *Connection) onAckReceived(identity Identity) {
	c.mu.Lock()
	msg := c.pending
	c.mu.Unlock()
	if msg == nil || msg.Identity != identity {
		// Unknown-identity ACKs are ignored; they may reference a
		// message sent on a connection that has since been superseded.
		return
	}
	c.finishWrite(msg, CodeSuccess, nil)
}

// onWriteTimeout fires when a message requiring an ACK has not been
// acknowledged within the configured timeout. The connection is shut
// down; the message fails with CodeTimeout.
func (c *Connection) onWriteTimeout(msg *Message) {
	c.mu.Lock()
	stillPending := c.pending == msg
	c.mu.Unlock()
	if !stillPending {
		return
	}
	c.chirp.metrics.timeouts.Add(1)
	c.finishWrite(msg, CodeTimeout, nil)
	c.shutdown(errf(CodeTimeout, nil))
}

func (c *Connection) hasPendingWrite() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}
