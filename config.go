// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirp

import (
	"net"
	"os"
	"time"

	"github.com/chirplib/chirp/wire"
)

// Default configuration values, used when the corresponding Config field
// is left at its zero value.
const (
	DefaultReuseTime  = 60 * time.Second
	DefaultTimeout    = 5 * time.Second
	DefaultBufferSize = 64 * 1024
	DefaultMaxMsgSize = 100 * 1024 * 1024
	defaultAsyncSlots = 16
)

// Config carries the tunable parameters of a Chirp instance. Validate fills
// in a default for every zero-valued tunable before New uses it; a zero
// Config is still rejected, because encryption is on by default and then
// TLSConfig is required.
type Config struct {
	// ReuseTime bounds how long an idle connection or remote survives
	// before garbage collection. Must be at least Timeout*3 once
	// defaulted.
	ReuseTime time.Duration

	// Timeout is the base send/connect timeout.
	Timeout time.Duration

	// Port is the local listening port. Zero selects an ephemeral port.
	Port uint16

	// Backlog is the listen() backlog; zero selects a small default.
	Backlog int

	// MaxSlots bounds the number of concurrent in-flight receives per
	// inbound connection. Zero selects 16 in asynchronous mode or 1 in
	// synchronous mode. Must not exceed bufpool.MaxSlots.
	MaxSlots int

	// Synchronous, if true, requires an acknowledgement for every sent
	// message and permits only one message in flight per remote.
	Synchronous bool

	// BufferSize sets the per-connection read/write buffer size.
	BufferSize int

	// MaxMsgSize bounds header_len+data_len; larger announced sizes are
	// rejected with a protocol error.
	MaxMsgSize int

	// BindV4 and BindV6 select the local listening addresses.
	BindV4 net.IP
	BindV6 net.IP

	// Identity fixes this instance's 16-byte identity. If left zero, New
	// generates a random identity for the instance.
	Identity Identity

	// DisableEncryption skips TLS entirely, even for non-loopback peers.
	DisableEncryption bool

	// TLSConfig, when DisableEncryption is false, supplies the
	// certificate chain used for both the listening side and outbound
	// connections. Required unless DisableEncryption is set.
	TLSConfig *TLSConfig

	// LogFunc, if non-nil, receives best-effort diagnostics for internal
	// conditions that are recoverable but should not pass silently (a
	// double slot release or negative slot-pool reference count, a
	// ReleaseMsgSlot call on a message without a slot, a connection close
	// semaphore that underflowed). TLS handshake and certificate
	// verification failures are not reported through it. It is never
	// required for correct operation.
	LogFunc func(format string, args ...any)
}

// TLSConfig names the PEM material used to configure TLS for a Chirp
// instance, mirroring the CERT_CHAIN_PEM / DH_PARAMS_PEM configuration
// pair.
type TLSConfig struct {
	// CertChainPEMFile is a PEM file containing the leaf certificate and
	// chain plus corresponding private key (or a matching pair of files,
	// see CertFile/KeyFile).
	CertFile string
	KeyFile  string

	// DHParamsPEMFile names a Diffie-Hellman parameters file. crypto/tls
	// has no DHE cipher suite support, so this is validated for
	// existence (to preserve the original "must exist at start" check)
	// but its contents are otherwise unused.
	DHParamsPEMFile string
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ReuseTime <= 0 {
		c.ReuseTime = DefaultReuseTime
	}
	if c.ReuseTime < c.Timeout*3 {
		c.ReuseTime = c.Timeout * 3
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.MaxMsgSize <= 0 {
		c.MaxMsgSize = DefaultMaxMsgSize
	}
	if c.MaxSlots <= 0 {
		if c.Synchronous {
			c.MaxSlots = 1
		} else {
			c.MaxSlots = defaultAsyncSlots
		}
	}
	if c.Backlog <= 0 {
		c.Backlog = 16
	}
	if c.BindV4 == nil {
		c.BindV4 = net.IPv4zero
	}
	if c.BindV6 == nil {
		c.BindV6 = net.IPv6unspecified
	}
	return c
}

// Validate checks c for internally consistent values, applying defaults
// first. It returns a *Error with CodeValueError describing the first
// problem found.
func (c Config) Validate() (Config, error) {
	origBufferSize := c.BufferSize
	c = c.withDefaults()
	if c.MaxSlots < 1 || c.MaxSlots > 32 {
		return c, errf(CodeValueError, fmtErr("MaxSlots %d out of range [1,32]", c.MaxSlots))
	}
	if c.Synchronous && c.MaxSlots != 1 {
		return c, errf(CodeValueError, fmtErr("Synchronous requires MaxSlots == 1, got %d", c.MaxSlots))
	}
	if c.ReuseTime < c.Timeout*3 {
		return c, errf(CodeValueError, fmtErr("ReuseTime must be >= Timeout*3"))
	}
	if c.ReuseTime < 500*time.Millisecond || c.ReuseTime > 3600*time.Second {
		return c, errf(CodeValueError, fmtErr("ReuseTime %s out of range [0.5s,3600s]", c.ReuseTime))
	}
	if c.Timeout < 100*time.Millisecond || c.Timeout > 1200*time.Second {
		return c, errf(CodeValueError, fmtErr("Timeout %s out of range [0.1s,1200s]", c.Timeout))
	}
	if c.Port != 0 && c.Port <= 1024 {
		return c, errf(CodeValueError, fmtErr("Port %d must be > 1024 (or 0 for ephemeral)", c.Port))
	}
	if c.Backlog >= 128 {
		return c, errf(CodeValueError, fmtErr("Backlog %d must be < 128", c.Backlog))
	}
	if origBufferSize != 0 {
		if origBufferSize < 1024 {
			return c, errf(CodeValueError, fmtErr("BufferSize %d must be >= 1024 bytes", origBufferSize))
		}
		if origBufferSize < wire.HandshakeSize {
			return c, errf(CodeValueError, fmtErr("BufferSize %d must be >= handshake size %d", origBufferSize, wire.HandshakeSize))
		}
	}
	if !c.DisableEncryption {
		if c.TLSConfig == nil {
			return c, errf(CodeValueError, fmtErr("TLSConfig required unless DisableEncryption is set"))
		}
		if c.TLSConfig.CertFile == "" || c.TLSConfig.KeyFile == "" {
			return c, errf(CodeValueError, fmtErr("TLSConfig.CertFile and KeyFile are required"))
		}
		if _, err := os.Stat(c.TLSConfig.CertFile); err != nil {
			return c, errf(CodeValueError, err)
		}
		if _, err := os.Stat(c.TLSConfig.KeyFile); err != nil {
			return c, errf(CodeValueError, err)
		}
		if c.TLSConfig.DHParamsPEMFile != "" {
			if _, err := os.Stat(c.TLSConfig.DHParamsPEMFile); err != nil {
				return c, errf(CodeValueError, err)
			}
		}
	}
	return c, nil
}

func (c Config) logf(format string, args ...any) {
	if c.LogFunc != nil {
		c.LogFunc(format, args...)
	}
}
