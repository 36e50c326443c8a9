package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boson-network/boson/id"
	"github.com/boson-network/boson/kbucket"
	"github.com/boson-network/boson/record"
)

func TestFamilyNeedsRefreshTracksPerPrefix(t *testing.T) {
	f := &family{lastRefresh: make(map[kbucket.Prefix]time.Time)}
	p := kbucket.Prefix{}
	now := time.Now()

	assert.True(t, f.needsRefresh(p, now, time.Minute), "a prefix never refreshed is always due")

	f.markRefreshed(p, now)
	assert.False(t, f.needsRefresh(p, now.Add(30*time.Second), time.Minute))
	assert.True(t, f.needsRefresh(p, now.Add(2*time.Minute), time.Minute))
}

func TestRandomInPrefixSharesPrefixBits(t *testing.T) {
	base := id.Random()
	p := kbucket.Prefix{Bits: base, Len: 12}

	for i := 0; i < 20; i++ {
		got := randomInPrefix(p)
		assert.True(t, id.BitsEqual(p.Bits, got, p.Len-1), "generated id must share the prefix's first %d bits", p.Len)
	}
}

func TestFindPeerByFingerprint(t *testing.T) {
	_, p1 := peerInfoFixture(t)
	_, p2 := peerInfoFixture(t)
	peers := []record.PeerInfo{p1, p2}

	got, ok := findPeerByFingerprint(peers, p2.Fingerprint())
	require.True(t, ok)
	assert.Equal(t, p2.Fingerprint(), got.Fingerprint())

	_, ok = findPeerByFingerprint(peers, 0)
	assert.False(t, ok)
}

func TestRepublishOwnedRepublishesStaleValueAndPeer(t *testing.T) {
	a, ctx := bootTestNode(t)
	b, _ := bootTestNode(t)

	dest := record.NewNodeInfo(b.LocalID(), net.ParseIP("127.0.0.1"), uint16(localAddr(b).Port))
	require.True(t, a.ping(ctx, a.families[0], dest))

	v, err := recordValueFixture([]byte("owned"))
	require.NoError(t, err)
	res, err := a.StoreValue(ctx, v)
	require.NoError(t, err)
	require.Greater(t, res.Successes, 0)

	target, p := peerInfoFixture(t)
	res2, err := a.AnnouncePeer(ctx, p)
	require.NoError(t, err)
	require.Greater(t, res2.Successes, 0)

	// Force both records to look stale, then let republishOwned re-announce
	// them against b from a's own retained copies.
	past := time.Now().Add(-2 * DefaultRepublishInterval)
	require.NoError(t, a.reg.MarkValue(v.Id(), past))
	require.NoError(t, a.reg.MarkPeer(target, p.Fingerprint(), past))

	a.republishOwned(ctx, time.Now())

	got, err := b.storage.GetValue(context.Background(), v.Id())
	require.NoError(t, err)
	assert.Equal(t, v.Id(), got.Id())

	peers, err := b.storage.GetPeers(context.Background(), target)
	require.NoError(t, err)
	found := false
	for _, gp := range peers {
		if gp.ID().Equal(p.ID()) {
			found = true
		}
	}
	assert.True(t, found)
}
