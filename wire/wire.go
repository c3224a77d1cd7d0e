// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package wire implements the fixed-layout binary framing used by the
// chirp wire protocol: the connection handshake and the per-message
// header. Both layouts are byte-exact and carry no alignment padding, so
// encoding writes directly into fixed-size byte arrays rather than
// through encoding/binary's struct-reflection path.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// IdentitySize is the length in bytes of a peer or message identity.
const IdentitySize = 16

// HandshakeSize is the length in bytes of the connection handshake.
const HandshakeSize = 2 + IdentitySize

// HeaderSize is the length in bytes of a wire message header.
const HeaderSize = IdentitySize + 4 + 1 + 2 + 4

// Type bits for a wire message header.
const (
	TypeReqAck byte = 1 << 0
	TypeAck    byte = 1 << 1
	TypeNoop   byte = 1 << 2
)

// Handshake is the 18-byte exchange each side sends immediately after a
// connection is established: the sender's public listening port and its
// 16-byte identity.
type Handshake struct {
	Port     uint16
	Identity [IdentitySize]byte
}

// Encode writes h into a fresh HandshakeSize-byte array.
func (h Handshake) Encode() [HandshakeSize]byte {
	var buf [HandshakeSize]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Port)
	copy(buf[2:], h.Identity[:])
	return buf
}

// DecodeHandshake parses a HandshakeSize-byte buffer into a Handshake.
func DecodeHandshake(buf []byte) (Handshake, error) {
	if len(buf) != HandshakeSize {
		return Handshake{}, fmt.Errorf("wire: handshake length %d, want %d", len(buf), HandshakeSize)
	}
	var h Handshake
	h.Port = binary.BigEndian.Uint16(buf[0:2])
	copy(h.Identity[:], buf[2:])
	return h, nil
}

// Header is the 27-byte fixed header preceding every wire message.
type Header struct {
	Identity  [IdentitySize]byte
	Serial    uint32
	Type      byte
	HeaderLen uint16
	DataLen   uint32
}

// Encode writes h into a fresh HeaderSize-byte array in the wire order
// identity, serial, type, header_len, data_len.
func (h Header) Encode() [HeaderSize]byte {
	var buf [HeaderSize]byte
	off := copy(buf[:], h.Identity[:])
	binary.BigEndian.PutUint32(buf[off:], h.Serial)
	off += 4
	buf[off] = h.Type
	off++
	binary.BigEndian.PutUint16(buf[off:], h.HeaderLen)
	off += 2
	binary.BigEndian.PutUint32(buf[off:], h.DataLen)
	return buf
}

// DecodeHeader parses a HeaderSize-byte buffer into a Header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) != HeaderSize {
		return Header{}, fmt.Errorf("wire: header length %d, want %d", len(buf), HeaderSize)
	}
	var h Header
	off := copy(h.Identity[:], buf[:IdentitySize])
	h.Serial = binary.BigEndian.Uint32(buf[off:])
	off += 4
	h.Type = buf[off]
	off++
	h.HeaderLen = binary.BigEndian.Uint16(buf[off:])
	off += 2
	h.DataLen = binary.BigEndian.Uint32(buf[off:])
	return h, nil
}

// ReadHandshake reads and decodes exactly HandshakeSize bytes from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var buf [HandshakeSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Handshake{}, err
	}
	return DecodeHandshake(buf[:])
}

// WriteHandshake encodes and writes h to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	buf := h.Encode()
	_, err := w.Write(buf[:])
	return err
}

// ReadHeader reads and decodes exactly HeaderSize bytes from r.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	return DecodeHeader(buf[:])
}
