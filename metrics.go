// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirp

import "expvar"

// Metrics records activity counters for one Chirp instance. It carries no
// logging dependency of its own, matching the ambient style of this
// package: diagnostics are either an exported counter here or a
// best-effort call to Config.LogFunc, never a structured log record.
type Metrics struct {
	messagesSent     expvar.Int
	messagesReceived expvar.Int
	acksSent         expvar.Int
	timeouts         expvar.Int
	slotExhaustions  expvar.Int
	gcSweeps         expvar.Int
	activeInstances  expvar.Int
	activeRemotes    expvar.Int
	activeConns      expvar.Int

	emap *expvar.Map
}

func newMetrics() *Metrics {
	m := &Metrics{emap: new(expvar.Map)}
	m.emap.Set("messages_sent", &m.messagesSent)
	m.emap.Set("messages_received", &m.messagesReceived)
	m.emap.Set("acks_sent", &m.acksSent)
	m.emap.Set("timeouts", &m.timeouts)
	m.emap.Set("slot_exhaustions", &m.slotExhaustions)
	m.emap.Set("gc_sweeps", &m.gcSweeps)
	m.emap.Set("active_instances", &m.activeInstances)
	m.emap.Set("active_remotes", &m.activeRemotes)
	m.emap.Set("active_connections", &m.activeConns)
	return m
}

// String renders the metrics as a JSON object, matching expvar.Map's own
// String method; it lets a Metrics value be embedded directly under
// expvar.Publish by callers who want it visible on /debug/vars.
func (m *Metrics) String() string { return m.emap.String() }
