// Package chirptest provides support code for testing chirp instances.
package chirptest

import (
	"net"

	"github.com/chirplib/chirp"
)

// Local is a pair of connected chirp instances, listening on loopback with
// encryption disabled, suitable for testing. Unlike an in-memory channel
// pair, A and B are real TCP peers: this exercises the actual handshake,
// framing, and connection-management logic rather than bypassing it.
type Local struct {
	A, B *chirp.Chirp
}

// Stop shuts down both instances and blocks until both have exited.
func (p *Local) Stop() error {
	aerr := p.A.Close()
	berr := p.B.Close()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of loopback chirp instances with the given
// handlers (either may be nil). It panics if either instance fails to
// start, since this is test support code where such a failure means the
// test environment itself is broken.
func NewLocal(handlerA, handlerB chirp.Handler) *Local {
	a := mustNew(handlerA)
	b := mustNew(handlerB)
	if err := a.Start(); err != nil {
		panic(err)
	}
	if err := b.Start(); err != nil {
		panic(err)
	}
	return &Local{A: a, B: b}
}

func mustNew(h chirp.Handler) *chirp.Chirp {
	c, err := chirp.New(chirp.Config{
		BindV4:            net.IPv4(127, 0, 0, 1),
		DisableEncryption: true,
	})
	if err != nil {
		panic(err)
	}
	if h != nil {
		c.Handle(h)
	}
	return c
}

// Endpoint reports the address and port c is listening on, suitable for
// filling in a Message's Address/Port fields to send to it.
func Endpoint(c *chirp.Chirp) (net.IP, uint16) {
	// A loopback instance created by NewLocal always binds 127.0.0.1.
	return net.IPv4(127, 0, 0, 1), c.LocalPort()
}
