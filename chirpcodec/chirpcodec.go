// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package chirpcodec provides helpers for encoding and decoding typed
// values into the Header and Data blobs of a chirp.Message, so callers
// are not limited to hand-rolled []byte payloads.
//
// A value may be []byte or string, or a type whose pointer supports one
// of the encoding.BinaryUnmarshaler or encoding.TextUnmarshaler
// interfaces (for decoding), or that itself supports the corresponding
// Marshaler interface (for encoding).
package chirpcodec

import (
	"bytes"
	"encoding"
	"fmt"

	"github.com/chirplib/chirp/packet"
)

// Marshal encodes v into a byte slice suitable for chirp.Message.Data or
// chirp.Message.Header. The concrete type of v must be []byte or string,
// or must implement encoding.BinaryMarshaler or encoding.TextMarshaler.
// If v implements both, BinaryMarshaler is preferred.
func Marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("chirpcodec: cannot marshal %T", v)
	}
}

// Unmarshal decodes data into v. The concrete type of v must be a
// pointer to a []byte or string, or must implement
// encoding.BinaryUnmarshaler or encoding.TextUnmarshaler. If v implements
// both, BinaryUnmarshaler is preferred.
func Unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		return fmt.Errorf("chirpcodec: cannot unmarshal into %T", v)
	}
	return nil
}

// Fields builds a self-framing payload out of an ordered list of
// length-prefixed byte strings, using packet.Builder/Scanner so a single
// Message.Data blob can carry more than one logical value (for example a
// request name plus its argument) without a separate schema.
type Fields [][]byte

// Encode packs fs into a single byte slice: each field is prefixed with
// a Vint30 length.
func (fs Fields) Encode() []byte {
	var b packet.Builder
	for _, f := range fs {
		b.VPut(f)
	}
	return b.Bytes()
}

// DecodeFields unpacks a byte slice produced by Fields.Encode.
func DecodeFields(data []byte) (Fields, error) {
	s := packet.NewScanner(data)
	var fs Fields
	for s.Len() > 0 {
		v, err := packet.VGet[[]byte](s)
		if err != nil {
			return nil, fmt.Errorf("chirpcodec: decoding field %d: %w", len(fs), err)
		}
		fs = append(fs, v)
	}
	return fs, nil
}
