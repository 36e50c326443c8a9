package rpc

import (
	"net"
	"sync"
	"time"

	set "gopkg.in/fatih/set.v0"

	"github.com/boson-network/boson/id"
)

// Reason names a dropped/delayed message's cause, surfaced to metrics
// (spec §4.5, §7).
type Reason string

const (
	ReasonThrottled Reason = "THROTTLED"
	ReasonSybil     Reason = "SYBIL"
)

const (
	inboundWindow       = time.Minute
	inboundLimitDefault = 200

	// devSameHostIDCap and devSamePortIDCap are the fixed low limits
	// enforced in developer mode for regression tests (spec §4.5).
	devSameHostIDCap = 8
	devSamePortIDCap = 32

	outboundWindow       = time.Second
	outboundLimitDefault = 20
)

// Throttle implements the Sybil/spam defenses of spec §4.5: per-remote-host
// sliding-window rate limiting for both directions, plus, in developer
// mode, hard caps on distinct ids seen from one host and distinct ids
// reusing one port across hosts.
type Throttle struct {
	mu      sync.Mutex
	devMode bool

	inboundHits  map[string][]time.Time
	outboundHits map[string][]time.Time

	hostIDCounts map[string]*set.Set
	portIDCounts map[string]*set.Set
}

// NewThrottle creates a Throttle. In developer mode, the fixed Sybil caps
// of spec §4.5 are enforced; in production mode only the sliding-window
// rate limits apply.
func NewThrottle(devMode bool) *Throttle {
	return &Throttle{
		devMode:      devMode,
		inboundHits:  make(map[string][]time.Time),
		outboundHits: make(map[string][]time.Time),
		hostIDCounts: make(map[string]*set.Set),
		portIDCounts: make(map[string]*set.Set),
	}
}

// CheckInbound records an inbound message from remote claiming senderID and
// reports whether it must be dropped, and why. senderID is the id the
// request's signed body binds itself to (see Server's claimedSenderID);
// the zero id means the body carries no verifiable claim, which feeds the
// rate limiter but never the distinct-id Sybil sets.
func (t *Throttle) CheckInbound(remote *net.UDPAddr, senderID id.Id) (allow bool, reason Reason) {
	t.mu.Lock()
	defer t.mu.Unlock()

	host := remote.IP.String()
	now := time.Now()
	t.inboundHits[host] = slideWindow(t.inboundHits[host], now, inboundWindow)
	t.inboundHits[host] = append(t.inboundHits[host], now)
	if len(t.inboundHits[host]) > inboundLimitDefault {
		return false, ReasonThrottled
	}

	if t.devMode && !senderID.IsZero() {
		hostSet := t.hostIDCounts[host]
		if hostSet == nil {
			hostSet = set.New()
			t.hostIDCounts[host] = hostSet
		}
		hostSet.Add(senderID)
		if hostSet.Size() > devSameHostIDCap {
			return false, ReasonSybil
		}

		portKey := portKeyOf(remote.Port)
		portSet := t.portIDCounts[portKey]
		if portSet == nil {
			portSet = set.New()
			t.portIDCounts[portKey] = portSet
		}
		portSet.Add(senderID)
		if portSet.Size() > devSamePortIDCap {
			return false, ReasonSybil
		}
	}
	return true, ""
}

// CheckOutbound reports whether a send to remote should proceed now, or be
// delayed by the returned duration (spec §4.5: "a delay hint ... so that
// lookup logic can deprioritize that endpoint").
func (t *Throttle) CheckOutbound(remote *net.UDPAddr) (delay time.Duration, throttled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	host := remote.IP.String()
	now := time.Now()
	t.outboundHits[host] = slideWindow(t.outboundHits[host], now, outboundWindow)
	if len(t.outboundHits[host]) >= outboundLimitDefault {
		oldest := t.outboundHits[host][0]
		return oldest.Add(outboundWindow).Sub(now), true
	}
	t.outboundHits[host] = append(t.outboundHits[host], now)
	return 0, false
}

func portKeyOf(port int) string {
	b := make([]byte, 0, 8)
	b = append(b, 'p')
	for port > 0 {
		b = append(b, byte('0'+port%10))
		port /= 10
	}
	return string(b)
}

func slideWindow(hits []time.Time, now time.Time, window time.Duration) []time.Time {
	cut := 0
	for cut < len(hits) && now.Sub(hits[cut]) > window {
		cut++
	}
	return hits[cut:]
}
