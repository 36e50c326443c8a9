package rpc

import "github.com/rcrowley/go-metrics"

// Metrics is the RPC server's meter/timer set, grounded on p2p/metrics.go's
// naming and registration style.
type Metrics struct {
	CallsSent        metrics.Meter
	CallsResponded   metrics.Meter
	CallsTimedOut    metrics.Meter
	CallsErrored     metrics.Meter
	Dropped          metrics.Meter // every inbound drop, whatever the cause
	DroppedThrottled metrics.Meter
	DroppedSybil     metrics.Meter
	DroppedNoMatch   metrics.Meter // response with no outstanding (addr, txn) call
	RoundTrip        metrics.Timer
}

// NewMetrics registers a fresh set of meters/timers under the given
// registry, or the global DefaultRegistry if r is nil.
func NewMetrics(r metrics.Registry) *Metrics {
	if r == nil {
		r = metrics.DefaultRegistry
	}
	m := &Metrics{
		CallsSent:        metrics.NewMeter(),
		CallsResponded:   metrics.NewMeter(),
		CallsTimedOut:    metrics.NewMeter(),
		CallsErrored:     metrics.NewMeter(),
		Dropped:          metrics.NewMeter(),
		DroppedThrottled: metrics.NewMeter(),
		DroppedSybil:     metrics.NewMeter(),
		DroppedNoMatch:   metrics.NewMeter(),
		RoundTrip:        metrics.NewTimer(),
	}
	r.Register("boson/rpc/calls/sent", m.CallsSent)
	r.Register("boson/rpc/calls/responded", m.CallsResponded)
	r.Register("boson/rpc/calls/timeout", m.CallsTimedOut)
	r.Register("boson/rpc/calls/error", m.CallsErrored)
	r.Register("boson/rpc/dropped", m.Dropped)
	r.Register("boson/rpc/dropped/throttled", m.DroppedThrottled)
	r.Register("boson/rpc/dropped/sybil", m.DroppedSybil)
	r.Register("boson/rpc/dropped/nomatch", m.DroppedNoMatch)
	r.Register("boson/rpc/rtt", m.RoundTrip)
	return m
}
