// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package chirp implements the Chirp message-passing protocol: reliable,
// optionally TLS-encrypted, per-peer-ordered delivery of discrete
// messages between nodes over TCP.
//
// Each node identifies itself with a 16-byte identity and may both
// accept and originate connections. A message carries an identity, an
// optional header blob, an optional data blob, and a flag requesting
// acknowledgement. The library supports a synchronous mode (at most one
// unacknowledged message in flight per remote) and an asynchronous mode
// (up to 32 concurrent receive slots per inbound connection).
//
// # Instances
//
// The core type is [Chirp]. Construct one with [New], register a
// [Handler] for inbound messages with [Chirp.Handle], then call
// [Chirp.Start] to begin listening:
//
//	c, err := chirp.New(chirp.Config{Port: 4040, DisableEncryption: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	c.Handle(func(c *chirp.Chirp, msg *chirp.Message) {
//	    defer c.ReleaseMsgSlot(msg)
//	    log.Printf("received %d bytes from %v", len(msg.Data), msg.Address)
//	})
//	if err := c.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
// # Sending
//
// [Chirp.Send] enqueues a message for a remote endpoint and blocks until
// its outcome is known, honoring context cancellation:
//
//	msg := &chirp.Message{
//	    Identity: someIdentity,
//	    Address:  net.ParseIP("127.0.0.1"),
//	    Port:     4040,
//	    Data:     []byte("hello"),
//	}
//	if err := c.Send(ctx, msg); err != nil {
//	    log.Fatal(err)
//	}
//
// Chirp locates (or creates) the [Remote] for the given endpoint,
// establishing a connection on demand. Messages to the same remote are
// delivered in the order they were sent; no ordering is promised between
// distinct remotes.
//
// # Receiving
//
// A message delivered to a [Handler] holds a receive slot that must be
// released with [Chirp.ReleaseMsgSlot] once the handler is done reading
// its Header and Data. Releasing the slot is also what triggers sending
// an acknowledgement, if the sender requested one; a connection whose
// slots are all outstanding stops reading from its socket until one is
// released, which is the library's sole flow-control mechanism.
//
// # Metrics
//
// A Chirp instance maintains a collection of counters while running. Use
// [Chirp.Metrics] to obtain a [*Metrics] value exposing an
// [expvar.Map]-shaped view of them: messages_sent, messages_received,
// acks_sent, timeouts, slot_exhaustions, gc_sweeps, active_instances,
// active_remotes, and active_connections.
//
// # Encryption
//
// Unless Config.DisableEncryption is set, non-loopback connections are
// wrapped in TLS 1.2 with mutual certificate verification. Loopback
// connections skip encryption by default; [SetAlwaysEncrypt] overrides
// this process-wide, which is useful for exercising the TLS path in
// tests without a real second host.
package chirp
