// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package wire_test

import (
	"bytes"
	"testing"

	"github.com/chirplib/chirp/wire"
	"github.com/google/go-cmp/cmp"
)

func TestHandshakeRoundTrip(t *testing.T) {
	want := wire.Handshake{Port: 4040}
	copy(want.Identity[:], []byte("0123456789abcdef"))

	var buf bytes.Buffer
	if err := wire.WriteHandshake(&buf, want); err != nil {
		t.Fatalf("WriteHandshake: %v", err)
	}
	if buf.Len() != wire.HandshakeSize {
		t.Errorf("encoded length = %d, want %d", buf.Len(), wire.HandshakeSize)
	}
	got, err := wire.ReadHandshake(&buf)
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip (-want, +got):\n%s", diff)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	var id [wire.IdentitySize]byte
	copy(id[:], []byte("peer-identity-01"))

	want := wire.Header{
		Identity:  id,
		Serial:    123456789,
		Type:      wire.TypeReqAck,
		HeaderLen: 12,
		DataLen:   4096,
	}
	enc := want.Encode()
	if len(enc) != wire.HeaderSize {
		t.Fatalf("encoded length = %d, want %d", len(enc), wire.HeaderSize)
	}
	got, err := wire.DecodeHeader(enc[:])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip (-want, +got):\n%s", diff)
	}
}

func TestDecodeHeaderBadLength(t *testing.T) {
	if _, err := wire.DecodeHeader(make([]byte, wire.HeaderSize-1)); err == nil {
		t.Error("DecodeHeader with short buffer: got nil error, want non-nil")
	}
}

func TestHeaderNoPadding(t *testing.T) {
	// The wire format packs type directly between serial and header_len
	// with no alignment gaps; verify the byte offsets are exactly as
	// specified rather than relying on encoding/binary struct layout.
	var h wire.Header
	h.Serial = 1
	h.Type = wire.TypeAck
	h.HeaderLen = 0
	h.DataLen = 0
	enc := h.Encode()
	if enc[wire.IdentitySize+4] != wire.TypeAck {
		t.Errorf("type byte at offset %d = %#x, want %#x", wire.IdentitySize+4, enc[wire.IdentitySize+4], wire.TypeAck)
	}
}
