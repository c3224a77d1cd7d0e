// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirp_test

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/chirplib/chirp"
	"github.com/chirplib/chirp/chirptest"
	"github.com/fortytw2/leaktest"
)

func TestEchoAsyncUnencrypted(t *testing.T) {
	defer leaktest.Check(t)()

	var mu sync.Mutex
	var got *chirp.Message
	delivered := make(chan struct{})

	loc := chirptest.NewLocal(nil, func(c *chirp.Chirp, msg *chirp.Message) {
		mu.Lock()
		got = msg
		mu.Unlock()
		close(delivered)
	})
	defer loc.Stop()

	var identity chirp.Identity
	copy(identity[:], []byte("0123456789abcdef"))

	ip, port := chirptest.Endpoint(loc.B)
	msg := &chirp.Message{
		Identity: identity,
		Address:  ip,
		Port:     port,
		Data:     []byte("hello"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := loc.A.Send(ctx, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitOrFatal(t, delivered, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if got.Identity != identity {
		t.Errorf("received identity = %x, want %x", got.Identity, identity)
	}
	if string(got.Data) != "hello" {
		t.Errorf("received data = %q, want %q", got.Data, "hello")
	}
	loc.B.ReleaseMsgSlot(got)
}

func TestSyncRequestReply(t *testing.T) {
	defer leaktest.Check(t)()

	var mu sync.Mutex
	var reply *chirp.Message
	replied := make(chan struct{}, 1)
	delivered := make(chan struct{})
	loc := chirptest.NewLocal(func(c *chirp.Chirp, msg *chirp.Message) {
		mu.Lock()
		reply = msg
		mu.Unlock()
		replied <- struct{}{}
	}, func(c *chirp.Chirp, msg *chirp.Message) {
		identity, ip, port := msg.Identity, msg.Address, msg.Port
		c.ReleaseMsgSlot(msg)
		reply := &chirp.Message{Identity: identity, Address: ip, Port: port, Data: []byte("pong")}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c.Send(ctx, reply)
			close(delivered)
		}()
	})
	defer loc.Stop()

	var identity chirp.Identity
	copy(identity[:], []byte("ping-identity-01"))

	ip, port := chirptest.Endpoint(loc.B)
	msg := &chirp.Message{Identity: identity, Address: ip, Port: port, Data: []byte("ping"), ReqAck: true}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := loc.A.Send(ctx, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitOrFatal(t, delivered, 5*time.Second)
	waitOrFatal(t, replied, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if reply.Identity != identity {
		t.Errorf("reply identity = %x, want %x", reply.Identity, identity)
	}
	if string(reply.Data) != "pong" {
		t.Errorf("reply data = %q, want %q", reply.Data, "pong")
	}
	loc.A.ReleaseMsgSlot(reply)
}

func TestSlotExhaustion(t *testing.T) {
	defer leaktest.Check(t)()

	var mu sync.Mutex
	var held []*chirp.Message
	count := 0
	receivedFirst := make(chan struct{}, 1)
	receivedSecond := make(chan struct{}, 1)

	a, err := chirp.New(chirp.Config{BindV4: net.IPv4(127, 0, 0, 1), DisableEncryption: true})
	if err != nil {
		t.Fatal(err)
	}
	b, err := chirp.New(chirp.Config{
		BindV4:            net.IPv4(127, 0, 0, 1),
		DisableEncryption: true,
		MaxSlots:          1,
	})
	if err != nil {
		t.Fatal(err)
	}
	b.Handle(func(c *chirp.Chirp, msg *chirp.Message) {
		mu.Lock()
		held = append(held, msg)
		count++
		n := count
		mu.Unlock()
		if n == 1 {
			receivedFirst <- struct{}{}
		} else {
			receivedSecond <- struct{}{}
		}
	})
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	ip, port := net.IPv4(127, 0, 0, 1), b.LocalPort()

	send := func(data string) {
		var id chirp.Identity
		copy(id[:], []byte(data+"---------------"))
		msg := &chirp.Message{Identity: id, Address: ip, Port: port, Data: []byte(data)}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Send(ctx, msg); err != nil {
			t.Errorf("Send(%q): %v", data, err)
		}
	}

	go send("first")
	waitOrFatal(t, receivedFirst, 5*time.Second)

	go send("second")
	select {
	case <-receivedSecond:
		t.Fatal("second message delivered before the first slot was released")
	case <-time.After(200 * time.Millisecond):
	}

	mu.Lock()
	first := held[0]
	mu.Unlock()
	b.ReleaseMsgSlot(first)

	waitOrFatal(t, receivedSecond, 5*time.Second)

	mu.Lock()
	for _, m := range held {
		b.ReleaseMsgSlot(m)
	}
	mu.Unlock()
}

func TestConnectTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	c, err := chirp.New(chirp.Config{
		BindV4:            net.IPv4(127, 0, 0, 1),
		DisableEncryption: true,
		Timeout:           200 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	msg := &chirp.Message{
		Address: net.IPv4(127, 0, 0, 1),
		Port:    1, // nothing listens on privileged port 1
		Data:    []byte("x"),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Send(ctx, msg); err == nil {
		t.Error("Send to a closed port: got nil error, want a connection failure")
	}
}

// TestOversizeMessageRejected exercises the scenario where a receiver
// configured with a small MaxMsgSize shuts a connection down before ever
// delivering an oversize message. The sender requested an acknowledgement,
// which never arrives: the sender's blocked Send fails either when its
// reader sees the peer drop the connection or when the ACK timeout
// expires, whichever comes first.
func TestOversizeMessageRejected(t *testing.T) {
	defer leaktest.Check(t)()

	a, err := chirp.New(chirp.Config{
		BindV4:            net.IPv4(127, 0, 0, 1),
		DisableEncryption: true,
		Timeout:           300 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	b, err := chirp.New(chirp.Config{
		BindV4:            net.IPv4(127, 0, 0, 1),
		DisableEncryption: true,
		MaxMsgSize:        1024,
	})
	if err != nil {
		t.Fatal(err)
	}
	b.Handle(func(c *chirp.Chirp, msg *chirp.Message) {
		t.Error("oversize message was delivered to the handler")
		c.ReleaseMsgSlot(msg)
	})
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	big := make([]byte, 2000)
	msg := &chirp.Message{
		Address: net.IPv4(127, 0, 0, 1),
		Port:    b.LocalPort(),
		Data:    big,
		ReqAck:  true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Send(ctx, msg); err == nil {
		t.Error("Send of an oversize message: got nil error, want a connection failure or timeout")
	}
}

// TestIdleGC exercises the periodic sweep that frees a Remote and shuts
// its Connection down once both have gone silent for longer than
// ReuseTime, including the case where the Connection is still the
// authoritative one for its Remote (not merely superseded).
func TestIdleGC(t *testing.T) {
	defer leaktest.Check(t)()

	newPeer := func(t *testing.T, h chirp.Handler) *chirp.Chirp {
		t.Helper()
		c, err := chirp.New(chirp.Config{
			BindV4:            net.IPv4(127, 0, 0, 1),
			DisableEncryption: true,
			Timeout:           100 * time.Millisecond,
			ReuseTime:         500 * time.Millisecond,
		})
		if err != nil {
			t.Fatal(err)
		}
		if h != nil {
			c.Handle(h)
		}
		if err := c.Start(); err != nil {
			t.Fatal(err)
		}
		return c
	}

	delivered := make(chan struct{}, 1)
	a := newPeer(t, nil)
	defer a.Close()
	b := newPeer(t, func(c *chirp.Chirp, msg *chirp.Message) {
		c.ReleaseMsgSlot(msg)
		delivered <- struct{}{}
	})
	defer b.Close()

	t.Run("MessageDelivered", func(t *testing.T) {
		var id chirp.Identity
		copy(id[:], []byte("idle-gc-identity"))
		msg := &chirp.Message{Identity: id, Address: net.IPv4(127, 0, 0, 1), Port: b.LocalPort(), Data: []byte("hi")}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Send(ctx, msg); err != nil {
			t.Fatalf("Send: %v", err)
		}
		waitOrFatal(t, delivered, 5*time.Second)
		if got := readMetric(t, a, "active_connections"); got != 1 {
			t.Fatalf("active_connections on a = %d, want 1", got)
		}
	})

	t.Run("ConnectionAndRemoteFreedAfterReuseTime", func(t *testing.T) {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if readMetric(t, a, "active_connections") == 0 && readMetric(t, a, "gc_sweeps") > 0 {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
		t.Fatalf("connection on a was not garbage collected within 5s (active_connections=%d, gc_sweeps=%d)",
			readMetric(t, a, "active_connections"), readMetric(t, a, "gc_sweeps"))
	})
}

// TestSimultaneousDialRace exercises the tie-break invariant when two
// peers dial each other at effectively the same time: exactly one
// Connection per peer becomes authoritative, and the loser is closed
// within ReuseTime.
func TestSimultaneousDialRace(t *testing.T) {
	defer leaktest.Check(t)()

	newPeer := func(t *testing.T, delivered chan<- struct{}) *chirp.Chirp {
		t.Helper()
		c, err := chirp.New(chirp.Config{
			BindV4:            net.IPv4(127, 0, 0, 1),
			DisableEncryption: true,
			Timeout:           100 * time.Millisecond,
			ReuseTime:         500 * time.Millisecond,
		})
		if err != nil {
			t.Fatal(err)
		}
		c.Handle(func(cc *chirp.Chirp, msg *chirp.Message) {
			cc.ReleaseMsgSlot(msg)
			delivered <- struct{}{}
		})
		if err := c.Start(); err != nil {
			t.Fatal(err)
		}
		return c
	}

	deliveredA := make(chan struct{}, 1)
	deliveredB := make(chan struct{}, 1)
	a := newPeer(t, deliveredA)
	defer a.Close()
	b := newPeer(t, deliveredB)
	defer b.Close()

	var idA, idB chirp.Identity
	copy(idA[:], []byte("race-peer-a-side"))
	copy(idB[:], []byte("race-peer-b-side"))

	t.Run("BothSendsSucceed", func(t *testing.T) {
		start := make(chan struct{})
		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			errs[0] = a.Send(ctx, &chirp.Message{Identity: idA, Address: net.IPv4(127, 0, 0, 1), Port: b.LocalPort(), Data: []byte("from-a")})
		}()
		go func() {
			defer wg.Done()
			<-start
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			errs[1] = b.Send(ctx, &chirp.Message{Identity: idB, Address: net.IPv4(127, 0, 0, 1), Port: a.LocalPort(), Data: []byte("from-b")})
		}()
		close(start)
		wg.Wait()
		for i, err := range errs {
			if err != nil {
				t.Errorf("Send #%d: %v", i, err)
			}
		}
		waitOrFatal(t, deliveredB, 5*time.Second)
		waitOrFatal(t, deliveredA, 5*time.Second)
	})

	t.Run("ExactlyOneConnectionSurvivesPerPeer", func(t *testing.T) {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if readMetric(t, a, "active_connections") == 1 && readMetric(t, b, "active_connections") == 1 {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
		t.Fatalf("dial race did not converge to one authoritative connection per peer (a=%d, b=%d)",
			readMetric(t, a, "active_connections"), readMetric(t, b, "active_connections"))
	})
}

// readMetric unmarshals c.Metrics().String() (an expvar.Map's JSON
// rendering) and returns the named counter.
func readMetric(t *testing.T, c *chirp.Chirp, key string) int64 {
	t.Helper()
	var m map[string]int64
	if err := json.Unmarshal([]byte(c.Metrics().String()), &m); err != nil {
		t.Fatalf("unmarshal metrics: %v", err)
	}
	return m[key]
}

func waitOrFatal(t *testing.T, ch <-chan struct{}, timeout time.Duration) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for signal")
	}
}
