package node

import (
	"context"
	"time"

	"github.com/boson-network/boson/id"
	"github.com/boson-network/boson/internal/blog"
	"github.com/boson-network/boson/kbucket"
	"github.com/boson-network/boson/lookup"
	"github.com/boson-network/boson/record"
)

// maintenanceTick is how often the maintenance loop wakes to check every
// timer (spec §4.7); the individual intervals (refresh, republish,
// snapshot, token rotation) are each checked against their own cadence on
// every tick rather than run on separate goroutines, mirroring
// p2p/discover/table.go's single refreshLoop ticker.
const maintenanceTick = 30 * time.Second

// maintenanceLoop drives bucket refresh, record republish, routing-table
// snapshotting and token-secret rotation until Shutdown is called (spec
// §4.7).
func (n *Node) maintenanceLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(maintenanceTick)
	defer ticker.Stop()

	snapshotDue := time.Now().Add(DefaultSnapshotInterval)

	for {
		select {
		case <-n.stop:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n.pingFailingEntries(ctx, now)
			n.refreshStaleBuckets(ctx, now)
			n.republishOwned(ctx, now)
			for _, f := range n.families {
				f.srv.Tokens().MaybeRotate(now)
			}
			if !now.Before(snapshotDue) {
				for _, f := range n.families {
					n.saveSnapshot(f)
				}
				snapshotDue = now.Add(DefaultSnapshotInterval)
			}
		}
	}
}

// pingFailingEntries re-checks the liveness of entries that have started
// failing, honoring the per-entry exponential ping backoff (spec §3): a
// successful pong resets the failure counter, another timeout pushes the
// entry toward replacement.
func (n *Node) pingFailingEntries(ctx context.Context, now time.Time) {
	for _, f := range n.families {
		for _, e := range f.rt.AllEntries() {
			if e.FailedRequests == 0 || !e.CanPingAgain(now) {
				continue
			}
			e.RecordSend(now)
			go n.ping(ctx, f, e.NodeInfo)
		}
	}
}

// refreshStaleBuckets runs a FindNode lookup toward a random id in every
// bucket that has gone quiet for DefaultBucketRefreshInterval, on every
// family independently, the same remedy p2p/discover/table.go's
// refreshLoop applies to keep sparsely populated buckets fed (spec §4.7
// "bucket refresh").
func (n *Node) refreshStaleBuckets(ctx context.Context, now time.Time) {
	for _, f := range n.families {
		for _, prefix := range f.rt.BucketPrefixes() {
			if !f.needsRefresh(prefix, now, DefaultBucketRefreshInterval) {
				continue
			}
			target := randomInPrefix(prefix)
			if _, err := lookup.FindNode(ctx, f.sender, f.rt, n.local, target, n.lookupCfg); err != nil {
				blog.V(1).Infof(blog.Default, "node: %s bucket refresh toward %s: %v", f.name, target, err)
			}
			f.markRefreshed(prefix, now)
		}
		f.rt.MergeMaintenance()
	}
}

// randomInPrefix returns a random id sharing p's first p.Len bits, a
// plausible member of the bucket p identifies.
func randomInPrefix(p kbucket.Prefix) id.Id {
	out := id.Random()
	id.BitsCopy(p.Bits, &out, p.Len-1)
	return out
}

// republishOwned re-announces every record this node itself owns that has
// gone stale (spec §4.7 "republish"): the republish registry (n.reg), not
// the generic DataStorage walk, is the source of truth for what this node must keep
// alive, since DataStorage may also hold records merely cached on behalf
// of others.
func (n *Node) republishOwned(ctx context.Context, now time.Time) {
	cutoff := now.Add(-DefaultRepublishInterval)

	stale, err := n.reg.StaleValues(cutoff)
	if err != nil {
		blog.Warningf("node: republish: list stale values: %v", err)
	}
	for _, sv := range stale {
		v, err := n.storage.GetValue(ctx, sv.Target)
		if err != nil {
			blog.Warningf("node: republish: load owned value %s: %v", sv.Target, err)
			continue
		}
		if res, err := n.StoreValue(ctx, v); err != nil || !res.OK() {
			blog.V(1).Infof(blog.Default, "node: republish value %s: attempted=%d successes=%d err=%v", sv.Target, res.Attempted, res.Successes, err)
			continue
		}
	}

	stalePeers, err := n.reg.StalePeers(cutoff)
	if err != nil {
		blog.Warningf("node: republish: list stale peers: %v", err)
	}
	for _, sp := range stalePeers {
		peers, err := n.storage.GetPeers(ctx, sp.Target)
		if err != nil {
			blog.Warningf("node: republish: load owned peer %s/%d: %v", sp.Target, sp.Fingerprint, err)
			continue
		}
		p, ok := findPeerByFingerprint(peers, sp.Fingerprint)
		if !ok {
			continue
		}
		if res, err := n.AnnouncePeer(ctx, p); err != nil || !res.OK() {
			blog.V(1).Infof(blog.Default, "node: republish peer %s/%d: attempted=%d successes=%d err=%v", sp.Target, sp.Fingerprint, res.Attempted, res.Successes, err)
			continue
		}
	}
}

func findPeerByFingerprint(peers []record.PeerInfo, fingerprint int64) (record.PeerInfo, bool) {
	for _, p := range peers {
		if p.Fingerprint() == fingerprint {
			return p, true
		}
	}
	return record.PeerInfo{}, false
}
