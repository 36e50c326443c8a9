package kbucket

import (
	"time"

	"github.com/boson-network/boson/record"
)

// staleThreshold is how long an entry can go unseen before it becomes a
// replacement candidate rather than a trusted routing entry (spec §3).
const staleThreshold = 15 * time.Minute

// maxFailedRequests is the number of consecutive failed pings beyond which
// an entry needsReplacement unconditionally (spec §3 invariant).
const maxFailedRequests = 5

// rttAlpha is the EWMA smoothing factor for AvgRTT (spec §5). The rpc
// package keeps no RTT estimate of its own: a call uses a fixed default
// timeout unless its caller passes one.
const rttAlpha = 0.3

// Entry is a routing table's view of one known node: its address plus the
// liveness bookkeeping the maintenance loop and the split/merge algorithm
// both depend on.
type Entry struct {
	record.NodeInfo
	Created        time.Time
	LastSeen       time.Time
	LastSend       time.Time
	FailedRequests int
	Reachable      bool
	AvgRTT         time.Duration
}

// NewEntry wraps info as a freshly-observed, not-yet-verified entry.
func NewEntry(info record.NodeInfo, now time.Time) *Entry {
	return &Entry{NodeInfo: info, Created: now, LastSeen: now}
}

// NeedsReplacement reports whether e has accumulated enough consecutive
// failures, or gone unseen long enough, that it is eligible to be evicted in
// favor of a replacement candidate.
func (e *Entry) NeedsReplacement() bool {
	if e.FailedRequests > 1 && !e.Reachable {
		return true
	}
	if e.FailedRequests > maxFailedRequests {
		return true
	}
	return e.FailedRequests > 2 && time.Since(e.LastSeen) > staleThreshold
}

// CanPingAgain reports whether enough backoff time has elapsed since
// LastSend to issue another liveness check: after failure n ≥ 1 the entry
// may only be re-pinged 60 s × 2^min(5, n−1) after LastSend (spec §3).
func (e *Entry) CanPingAgain(now time.Time) bool {
	if e.FailedRequests == 0 || e.LastSend.IsZero() {
		return true
	}
	backoff := time.Minute << uint(min(e.FailedRequests-1, 5))
	return now.Sub(e.LastSend) >= backoff
}

// RecordSuccess marks a successful round trip: resets FailedRequests, marks
// the entry Reachable, and folds rtt into the EWMA.
func (e *Entry) RecordSuccess(rtt time.Duration, now time.Time) {
	e.FailedRequests = 0
	e.Reachable = true
	e.LastSeen = now
	if e.AvgRTT == 0 {
		e.AvgRTT = rtt
	} else {
		e.AvgRTT = time.Duration(rttAlpha*float64(rtt) + (1-rttAlpha)*float64(e.AvgRTT))
	}
}

// RecordFailure marks a failed round trip.
func (e *Entry) RecordFailure(now time.Time) {
	e.FailedRequests++
	e.LastSend = now
}

// RecordSend stamps LastSend without waiting for the outcome, so
// CanPingAgain backs off even while a request is in flight.
func (e *Entry) RecordSend(now time.Time) {
	e.LastSend = now
}

// replacementLess orders replacement-list candidates: reachable before
// unreachable, then lower RTT, then more recently seen, then oldest first
// (spec §3, replacement ordering).
func replacementLess(a, b *Entry) bool {
	if a.Reachable != b.Reachable {
		return a.Reachable
	}
	if a.AvgRTT != b.AvgRTT {
		return a.AvgRTT < b.AvgRTT
	}
	if !a.LastSeen.Equal(b.LastSeen) {
		return a.LastSeen.After(b.LastSeen)
	}
	return a.Created.Before(b.Created)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
