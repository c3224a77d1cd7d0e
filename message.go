// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirp

import (
	"net"

	"github.com/chirplib/chirp/bufpool"
)

// IdentitySize is the length in bytes of a message or peer identity.
const IdentitySize = 16

// Identity is an opaque peer- or message-scoped identifier. The library
// never interprets its contents; callers may use it to correlate a reply
// with the request that provoked it.
type Identity [IdentitySize]byte

// msgFlags tracks internal per-message bookkeeping bits. It exists
// separately from the exported Message fields so a Message value can be
// copied freely by callers without disturbing the library's own state
// machine.
type msgFlags uint8

const (
	flagUsed msgFlags = 1 << iota
	flagAckReceived
	flagWriteDone
	flagHasSlot
	flagSendAck
)

// Message is the envelope exchanged between chirp peers. A Message
// received through a Chirp's receive callback holds a slot reference
// that must be released with (*Chirp).ReleaseMsgSlot once the caller is
// done reading Header and Data.
type Message struct {
	Identity Identity
	Serial   uint32
	ReqAck   bool

	Header []byte
	Data   []byte

	// IPProtocol, Address, and Port identify the remote endpoint. On a
	// received message these describe the sender; on a message about to
	// be sent they select (or create) the destination Remote.
	IPProtocol     IPProtocol
	Address        net.IP
	Port           uint16
	RemoteIdentity Identity

	flags msgFlags
	slot  *bufpool.Slot
	pool  *bufpool.Pool
	done  chan sendResult
	conn  *Connection
}

// IPProtocol distinguishes IPv4 from IPv6 endpoints.
type IPProtocol uint8

const (
	IPv4 IPProtocol = iota
	IPv6
)

// HasSlot reports whether m currently owns a receive slot that must be
// released.
func (m *Message) HasSlot() bool {
	return m.flags&flagHasSlot != 0
}

func (m *Message) setFlag(f msgFlags)   { m.flags |= f }
func (m *Message) clearFlag(f msgFlags) { m.flags &^= f }
func (m *Message) hasFlag(f msgFlags) bool { return m.flags&f != 0 }
