// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package bufpool_test

import (
	"testing"

	"github.com/chirplib/chirp/bufpool"
)

func TestAcquireRelease(t *testing.T) {
	p := bufpool.New(2, nil)
	if p.Exhausted() {
		t.Fatal("new pool reports exhausted")
	}

	s1 := p.Acquire()
	s2 := p.Acquire()
	if s1 == nil || s2 == nil {
		t.Fatal("Acquire returned nil before exhaustion")
	}
	if s1.Index == s2.Index {
		t.Fatalf("Acquire returned duplicate index %d", s1.Index)
	}
	if !p.Exhausted() {
		t.Fatal("pool should report exhausted after acquiring all slots")
	}
	if p.Acquire() != nil {
		t.Fatal("Acquire on exhausted pool should return nil")
	}

	p.Release(s1)
	if p.Exhausted() {
		t.Fatal("pool should not be exhausted after a release")
	}
	if got := p.Acquire(); got == nil || got.Index != s1.Index {
		t.Fatalf("Acquire after release = %v, want slot %d", got, s1.Index)
	}
}

func TestDoubleReleaseReported(t *testing.T) {
	var reports int
	p := bufpool.New(1, func(string, ...any) { reports++ })
	s := p.Acquire()
	p.Release(s)
	p.Release(s)
	if reports != 1 {
		t.Errorf("onLeak calls = %d, want 1", reports)
	}
}

func TestRefcounting(t *testing.T) {
	p := bufpool.New(1, nil)
	p.Ref() // simulate handing the slot to user code
	if p.Unref() {
		t.Fatal("Unref reported zero while the connection's own reference remains")
	}
	if !p.Unref() {
		t.Fatal("Unref should report zero on the last reference")
	}
}

func TestSlotOverflow(t *testing.T) {
	p := bufpool.New(1, nil)
	s := p.Acquire()
	s.PrepareHeader(8)
	s.PrepareData(4096)
	if len(s.Header) != 8 {
		t.Errorf("Header length = %d, want 8", len(s.Header))
	}
	if len(s.Data) != 4096 {
		t.Errorf("Data length = %d, want 4096", len(s.Data))
	}
}
