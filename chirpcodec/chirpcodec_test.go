// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package chirpcodec_test

import (
	"testing"

	"github.com/chirplib/chirp/chirpcodec"
	"github.com/google/go-cmp/cmp"
)

type tvText string

func (v tvText) MarshalText() ([]byte, error)     { return []byte(v), nil }
func (v *tvText) UnmarshalText(data []byte) error { *v = tvText(data); return nil }

type tvBinary string

func (v tvBinary) MarshalBinary() ([]byte, error)     { return []byte(v), nil }
func (v *tvBinary) UnmarshalBinary(data []byte) error { *v = tvBinary(data); return nil }

func TestMarshalUnmarshal(t *testing.T) {
	t.Run("Bytes", func(t *testing.T) {
		enc, err := chirpcodec.Marshal([]byte("raw"))
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		var got []byte
		if err := chirpcodec.Unmarshal(enc, &got); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if string(got) != "raw" {
			t.Errorf("got %q, want %q", got, "raw")
		}
	})

	t.Run("String", func(t *testing.T) {
		enc, err := chirpcodec.Marshal("hello")
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		var got string
		if err := chirpcodec.Unmarshal(enc, &got); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if got != "hello" {
			t.Errorf("got %q, want %q", got, "hello")
		}
	})

	t.Run("TextMarshaler", func(t *testing.T) {
		enc, err := chirpcodec.Marshal(tvText("via-text"))
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		var got tvText
		if err := chirpcodec.Unmarshal(enc, &got); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if got != "via-text" {
			t.Errorf("got %q, want %q", got, "via-text")
		}
	})

	t.Run("BinaryMarshaler", func(t *testing.T) {
		enc, err := chirpcodec.Marshal(tvBinary("via-binary"))
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		var got tvBinary
		if err := chirpcodec.Unmarshal(enc, &got); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if got != "via-binary" {
			t.Errorf("got %q, want %q", got, "via-binary")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := chirpcodec.Marshal(42); err == nil {
			t.Error("Marshal(42): got nil error, want one")
		}
	})
}

func TestFields(t *testing.T) {
	want := chirpcodec.Fields{[]byte("method"), []byte(""), []byte("argument value")}
	enc := want.Encode()

	got, err := chirpcodec.DecodeFields(enc)
	if err != nil {
		t.Fatalf("DecodeFields: %v", err)
	}
	if diff := cmp.Diff([][]byte(want), [][]byte(got)); diff != "" {
		t.Errorf("DecodeFields (-want, +got):\n%s", diff)
	}
}

func TestDecodeFieldsTruncated(t *testing.T) {
	enc := chirpcodec.Fields{[]byte("whole field")}.Encode()
	if _, err := chirpcodec.DecodeFields(enc[:len(enc)-2]); err == nil {
		t.Error("DecodeFields on truncated input: got nil error, want one")
	}
}
