// Package kbucket implements the binary-trie routing table: a sorted list
// of k-buckets covering the 256-bit id space, with split/merge maintenance
// and k-closest queries. Grounded on p2p/discover/table.go's bucket
// splitting and bumpOrAdd/pushNode logic, generalized from Table's fixed
// 256-bucket array to a dynamically-splitting trie per spec §4.3.
package kbucket

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/boson-network/boson/id"
	"github.com/boson-network/boson/internal/netutil"
	"github.com/boson-network/boson/record"
)

// RoutingTable is a single-owner (mutex-guarded) binary trie of k-buckets,
// partitioning the id space around a local id (spec §3, §4.3).
type RoutingTable struct {
	mu      sync.Mutex
	local   id.Id
	buckets []*bucket
	ips     *netutil.SubnetLimiter
}

// New creates a RoutingTable for local, starting with a single bucket
// covering the entire id space.
func New(local id.Id) *RoutingTable {
	return &RoutingTable{
		local:   local,
		buckets: []*bucket{newBucket(RootPrefix())},
	}
}

// LimitSubnets enables the table-wide address diversity guard: at most
// limit trusted entries per subnet of subnetBits shared prefix bits. Any
// entries already in the table are counted against the new limiter; callers
// normally configure this before Load.
func (rt *RoutingTable) LimitSubnets(subnetBits, limit uint) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.ips = &netutil.SubnetLimiter{Subnet: subnetBits, Limit: limit}
	for _, b := range rt.buckets {
		for _, e := range b.entries {
			rt.ips.Add(e.Host)
		}
	}
}

// trackIP claims a diversity slot for ip, or reports that its subnet is
// already at the limit. Always true when no limiter is configured.
func (rt *RoutingTable) trackIP(ip net.IP) bool {
	if rt.ips == nil {
		return true
	}
	return rt.ips.Add(ip)
}

func (rt *RoutingTable) untrackIP(ip net.IP) {
	if rt.ips != nil {
		rt.ips.Remove(ip)
	}
}

// Size returns the total number of buckets currently in the trie.
func (rt *RoutingTable) Size() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.buckets)
}

// bucketIndex returns the index of the bucket covering target, via binary
// search over the sorted-by-start-address bucket list (spec §4.3).
func (rt *RoutingTable) bucketIndex(target id.Id) int {
	return sort.Search(len(rt.buckets), func(i int) bool {
		return rt.buckets[i].prefix.Bits.Compare(target) > 0
	}) - 1
}

func (rt *RoutingTable) isHome(b *bucket) bool {
	return b.prefix.IsPrefixOf(rt.local)
}

// Put inserts or refreshes an observation of info at time now, following
// the put algorithm of spec §4.3.
func (rt *RoutingTable) Put(info record.NodeInfo, reachable bool, now time.Time) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.put(info, reachable, now)
}

func (rt *RoutingTable) put(info record.NodeInfo, reachable bool, now time.Time) {
	idx := rt.bucketIndex(info.ID)
	b := rt.buckets[idx]

	// Step 1: existing entry with the same id is merged, not replaced.
	if existing := b.indexOf(info.ID); existing >= 0 {
		e := b.entries[existing]
		e.NodeInfo = info
		if reachable {
			e.RecordSuccess(0, now)
		}
		return
	}

	// Step 2: impersonation / IP-rotation guard — a different entry already
	// occupies this address, keep the old one.
	for _, e := range b.entries {
		if e.Port == info.Port && e.Host.Equal(info.Host) {
			return
		}
	}

	if !reachable {
		b.addReplacement(NewEntry(info, now))
		return
	}

	if rt.shouldSplit(b, info) {
		rt.split(idx)
		idx = rt.bucketIndex(info.ID)
		b = rt.buckets[idx]
	}

	if len(b.entries) < K {
		if !rt.trackIP(info.Host) {
			b.addReplacement(NewEntry(info, now))
			return
		}
		e := NewEntry(info, now)
		e.RecordSuccess(0, now)
		if ridx := b.replacementIndexOf(info.ID); ridx >= 0 {
			b.removeReplacement(info.ID)
		}
		b.addMain(e)
		return
	}

	if victim := b.findNeedsReplacement(); victim != nil {
		rt.untrackIP(victim.Host)
		if !rt.trackIP(info.Host) {
			rt.trackIP(victim.Host)
			b.addReplacement(NewEntry(info, now))
			return
		}
		evEntryEvicted.Fire("id", victim.ID, "failures", victim.FailedRequests)
		e := NewEntry(info, now)
		e.RecordSuccess(0, now)
		b.addMain(e)
		return
	}

	b.addReplacement(NewEntry(info, now))
}

// shouldSplit implements spec §4.3's split test, read together with §3's
// splitting rule: a full, splittable bucket splits when either it is the
// home bucket (so the local id keeps narrowing down to its own bucket) or
// the new entry falls in the high-branch child (spec §8 scenario S3).
func (rt *RoutingTable) shouldSplit(b *bucket, info record.NodeInfo) bool {
	if !b.prefix.Splittable() || len(b.entries) < K {
		return false
	}
	if b.contains(info.ID) {
		return false
	}
	if b.findNeedsReplacement() != nil {
		return false
	}
	high := b.prefix.SplitBranch(true)
	return rt.isHome(b) || high.IsPrefixOf(info.ID)
}

// split replaces the bucket at idx with its two children, redistributing
// its entries and replacements.
func (rt *RoutingTable) split(idx int) {
	b := rt.buckets[idx]
	low := newBucket(b.prefix.SplitBranch(false))
	high := newBucket(b.prefix.SplitBranch(true))

	for _, e := range b.entries {
		if low.prefix.IsPrefixOf(e.ID) {
			low.entries = append(low.entries, e)
		} else {
			high.entries = append(high.entries, e)
		}
	}
	for _, e := range b.replacements {
		if low.prefix.IsPrefixOf(e.ID) {
			low.addReplacement(e)
		} else {
			high.addReplacement(e)
		}
	}

	rt.buckets = append(rt.buckets[:idx], append([]*bucket{low, high}, rt.buckets[idx+1:]...)...)
	evBucketSplit.Fire("prefix", b.prefix, "low", len(low.entries), "high", len(high.entries))
}

// MergeMaintenance walks adjacent sibling buckets and merges any pair whose
// combined effective occupancy fits in one bucket (spec §4.3, §3).
func (rt *RoutingTable) MergeMaintenance() {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	for i := 0; i < len(rt.buckets)-1; {
		a, b := rt.buckets[i], rt.buckets[i+1]
		if !a.prefix.IsSiblingOf(b.prefix) {
			i++
			continue
		}
		if a.effectiveSize()+b.effectiveSize() > K {
			i++
			continue
		}
		merged := newBucket(a.prefix.Parent())
		merged.entries = append(merged.entries, a.entries...)
		merged.entries = append(merged.entries, b.entries...)
		for _, e := range a.replacements {
			merged.addReplacement(e)
		}
		for _, e := range b.replacements {
			merged.addReplacement(e)
		}
		rt.buckets = append(rt.buckets[:i], append([]*bucket{merged}, rt.buckets[i+2:]...)...)
		evBucketMerge.Fire("prefix", merged.prefix, "entries", len(merged.entries))
	}
}

// RecordFailure marks a failed round trip against nodeID and promotes the
// best replacement into its place once it needsReplacement.
func (rt *RoutingTable) RecordFailure(nodeID id.Id, now time.Time) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	idx := rt.bucketIndex(nodeID)
	b := rt.buckets[idx]
	ei := b.indexOf(nodeID)
	if ei < 0 {
		b.removeReplacement(nodeID)
		return
	}
	e := b.entries[ei]
	e.RecordFailure(now)
	if e.NeedsReplacement() {
		if repl := b.popBestReplacement(); repl != nil {
			rt.untrackIP(e.Host)
			if rt.trackIP(repl.Host) {
				evEntryEvicted.Fire("id", e.ID, "failures", e.FailedRequests)
				b.entries[ei] = repl
			} else {
				rt.trackIP(e.Host)
			}
		}
	}
}

// Remove drops nodeID from the table entirely (main and replacement lists).
func (rt *RoutingTable) Remove(nodeID id.Id) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	idx := rt.bucketIndex(nodeID)
	b := rt.buckets[idx]
	if ei := b.indexOf(nodeID); ei >= 0 {
		rt.untrackIP(b.entries[ei].Host)
		b.entries = append(b.entries[:ei], b.entries[ei+1:]...)
	}
	b.removeReplacement(nodeID)
}

// KClosest returns up to want NodeInfos closest to target by the XOR
// metric, excluding the local id, expanding bidirectionally from target's
// home bucket as described in spec §4.3.
func (rt *RoutingTable) KClosest(target id.Id, want int, includeReplacements bool, filter func(record.NodeInfo) bool) []record.NodeInfo {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	idx := rt.bucketIndex(target)
	visited := make(map[int]bool)
	var collected []record.NodeInfo

	visit := func(i int) {
		if i < 0 || i >= len(rt.buckets) || visited[i] {
			return
		}
		visited[i] = true
		collected = rt.buckets[i].collect(collected, includeReplacements, filter)
	}

	visit(idx)
	lo, hi := idx-1, idx+1
	for len(collected) < want+1 && (lo >= 0 || hi < len(rt.buckets)) {
		switch {
		case lo < 0:
			visit(hi)
			hi++
		case hi >= len(rt.buckets):
			visit(lo)
			lo--
		default:
			if id.ThreeWayCompare(target, rt.buckets[lo].prefix.End(), rt.buckets[hi].prefix.Bits) <= 0 {
				visit(lo)
				lo--
			} else {
				visit(hi)
				hi++
			}
		}
	}

	filtered := collected[:0]
	for _, n := range collected {
		if n.ID == rt.local {
			continue
		}
		filtered = append(filtered, n)
	}
	sort.Slice(filtered, func(i, j int) bool {
		return id.ThreeWayCompare(target, filtered[i].ID, filtered[j].ID) < 0
	})
	if len(filtered) > want {
		filtered = filtered[:want]
	}
	return filtered
}

// Get returns the NodeInfo for nodeID if it is a trusted entry, and whether
// it was found.
func (rt *RoutingTable) Get(nodeID id.Id) (record.NodeInfo, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := rt.bucketIndex(nodeID)
	if ei := rt.buckets[idx].indexOf(nodeID); ei >= 0 {
		return rt.buckets[idx].entries[ei].NodeInfo, true
	}
	return record.NodeInfo{}, false
}

// AllEntries returns every trusted entry currently in the table, for
// maintenance loops (refresh scheduling, snapshotting).
func (rt *RoutingTable) AllEntries() []*Entry {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var out []*Entry
	for _, b := range rt.buckets {
		out = append(out, b.entries...)
	}
	return out
}

// BucketPrefixes returns the prefix of every bucket, in trie order, for
// refresh scheduling (one lookup target per bucket) and diagnostics.
func (rt *RoutingTable) BucketPrefixes() []Prefix {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]Prefix, len(rt.buckets))
	for i, b := range rt.buckets {
		out[i] = b.prefix
	}
	return out
}
