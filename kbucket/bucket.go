package kbucket

import (
	"sort"

	"github.com/boson-network/boson/id"
	"github.com/boson-network/boson/record"
)

// K is the bucket capacity: the maximum number of trusted entries a single
// bucket holds (spec §3).
const K = 8

// maxReplacements bounds the replacement cache per bucket.
const maxReplacements = K

// bucket is one node of the routing trie: a prefix, its trusted entries, and
// a bounded replacement cache used when an entry needsReplacement (spec §3,
// §4.3). Grounded on p2p/discover/table.go's bucket struct.
type bucket struct {
	prefix       Prefix
	entries      []*Entry
	replacements []*Entry
}

func newBucket(p Prefix) *bucket {
	return &bucket{prefix: p}
}

func (b *bucket) indexOf(nodeID id.Id) int {
	for i, e := range b.entries {
		if e.ID == nodeID {
			return i
		}
	}
	return -1
}

func (b *bucket) replacementIndexOf(nodeID id.Id) int {
	for i, e := range b.replacements {
		if e.ID == nodeID {
			return i
		}
	}
	return -1
}

// findNeedsReplacement returns the first main-list entry eligible for
// eviction, or nil if none is.
func (b *bucket) findNeedsReplacement() *Entry {
	for _, e := range b.entries {
		if e.NeedsReplacement() {
			return e
		}
	}
	return nil
}

// addMain inserts e into the main list. If the list is full, it evicts the
// first entry that needsReplacement; the caller (RoutingTable.Put) must only
// call this when it knows there is room or an evictable entry (spec §4.3
// steps 3-4).
func (b *bucket) addMain(e *Entry) {
	if idx := b.indexOf(e.ID); idx >= 0 {
		b.entries[idx] = e
		return
	}
	if len(b.entries) < K {
		b.entries = append(b.entries, e)
		return
	}
	if victim := b.findNeedsReplacement(); victim != nil {
		for i, existing := range b.entries {
			if existing == victim {
				b.entries[i] = e
				return
			}
		}
	}
}

// addReplacement inserts e into the replacement cache, keeping it sorted by
// replacementLess and trimmed to maxReplacements.
func (b *bucket) addReplacement(e *Entry) {
	if idx := b.replacementIndexOf(e.ID); idx >= 0 {
		b.replacements[idx] = e
	} else {
		b.replacements = append(b.replacements, e)
	}
	sort.Slice(b.replacements, func(i, j int) bool {
		return replacementLess(b.replacements[i], b.replacements[j])
	})
	if len(b.replacements) > maxReplacements {
		b.replacements = b.replacements[:maxReplacements]
	}
}

func (b *bucket) removeReplacement(nodeID id.Id) {
	idx := b.replacementIndexOf(nodeID)
	if idx < 0 {
		return
	}
	b.replacements = append(b.replacements[:idx], b.replacements[idx+1:]...)
}

// popBestReplacement removes and returns the best replacement candidate, or
// nil if the cache is empty.
func (b *bucket) popBestReplacement() *Entry {
	if len(b.replacements) == 0 {
		return nil
	}
	best := b.replacements[0]
	b.replacements = b.replacements[1:]
	return best
}

// effectiveSize is the number of entries that would survive a merge: main
// entries not already flagged needsReplacement, plus all cached replacements
// (spec §4.3 merge test).
func (b *bucket) effectiveSize() int {
	n := 0
	for _, e := range b.entries {
		if !e.NeedsReplacement() {
			n++
		}
	}
	return n + len(b.replacements)
}

func (b *bucket) contains(nodeID id.Id) bool {
	return b.indexOf(nodeID) >= 0
}

// collect appends routable node infos from entries, and optionally
// from the replacement cache, in no particular order.
func (b *bucket) collect(out []record.NodeInfo, includeReplacements bool, filter func(record.NodeInfo) bool) []record.NodeInfo {
	for _, e := range b.entries {
		if filter == nil || filter(e.NodeInfo) {
			out = append(out, e.NodeInfo)
		}
	}
	if includeReplacements {
		for _, e := range b.replacements {
			if !e.Reachable {
				continue
			}
			if filter == nil || filter(e.NodeInfo) {
				out = append(out, e.NodeInfo)
			}
		}
	}
	return out
}
