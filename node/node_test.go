package node

import (
	"context"
	"crypto/rand"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boson-network/boson/id"
	"github.com/boson-network/boson/record"
	"github.com/boson-network/boson/storage/leveldb"
)

func mustListen4(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	return conn
}

func mustStore(t *testing.T) *leveldb.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "boson-node-test-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	store, err := leveldb.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// bootTestNode starts a Node on loopback IPv4, tracked for shutdown.
func bootTestNode(t *testing.T) (*Node, context.Context) {
	t.Helper()
	conn := mustListen4(t)
	n, err := New(Config{DeveloperMode: true}, mustStore(t), conn, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, n.Start(ctx))
	t.Cleanup(func() {
		cancel()
		n.Shutdown()
	})
	return n, ctx
}

func localAddr(n *Node) *net.UDPAddr {
	return n.families[0].conn.LocalAddr().(*net.UDPAddr)
}

func TestNewRejectsNoFamilies(t *testing.T) {
	_, err := New(Config{DeveloperMode: true}, mustStore(t), nil, nil)
	assert.Error(t, err)
}

func TestPingPopulatesRoutingTable(t *testing.T) {
	a, ctx := bootTestNode(t)
	b, _ := bootTestNode(t)

	dest := record.NewNodeInfo(b.LocalID(), net.ParseIP("127.0.0.1"), uint16(localAddr(b).Port))
	ok := a.ping(ctx, a.families[0], dest)
	assert.True(t, ok)
	assert.Len(t, a.families[0].rt.AllEntries(), 1)
}

func TestPingFailureAgainstDeadSocketDoesNotPopulate(t *testing.T) {
	a, ctx := bootTestNode(t)

	dead := mustListen4(t)
	deadAddr := dead.LocalAddr().(*net.UDPAddr)
	require.NoError(t, dead.Close())

	dest := record.NewNodeInfo(id.Random(), net.ParseIP("127.0.0.1"), uint16(deadAddr.Port))
	ok := a.ping(ctx, a.families[0], dest)
	assert.False(t, ok)
	assert.Empty(t, a.families[0].rt.AllEntries())
}

func TestConnectionStatusListenerFiresOnFirstPong(t *testing.T) {
	a, ctx := bootTestNode(t)
	b, _ := bootTestNode(t)

	var got []bool
	done := make(chan struct{}, 1)
	a.AddConnectionStatusListener(func(connected bool) {
		got = append(got, connected)
		if connected {
			done <- struct{}{}
		}
	})

	dest := record.NewNodeInfo(b.LocalID(), net.ParseIP("127.0.0.1"), uint16(localAddr(b).Port))
	go a.ping(ctx, a.families[0], dest)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection status listener never fired true")
	}
	assert.Contains(t, got, true)
}

func TestFindNodeMergesAcrossLocalRoutingTable(t *testing.T) {
	a, ctx := bootTestNode(t)
	b, _ := bootTestNode(t)

	dest := record.NewNodeInfo(b.LocalID(), net.ParseIP("127.0.0.1"), uint16(localAddr(b).Port))
	require.True(t, a.ping(ctx, a.families[0], dest))

	results, err := a.FindNode(ctx, b.LocalID())
	require.NoError(t, err)
	found := false
	for _, r := range results {
		if r.ID.Equal(b.LocalID()) {
			found = true
		}
	}
	assert.True(t, found, "expected FindNode toward b's own id to surface b")
}

func TestStoreThenFindValueRoundTrip(t *testing.T) {
	a, ctx := bootTestNode(t)
	b, _ := bootTestNode(t)

	dest := record.NewNodeInfo(b.LocalID(), net.ParseIP("127.0.0.1"), uint16(localAddr(b).Port))
	require.True(t, a.ping(ctx, a.families[0], dest))

	v, err := recordValueFixture([]byte("hello world"))
	require.NoError(t, err)

	res, err := a.StoreValue(ctx, v)
	require.NoError(t, err)
	assert.Greater(t, res.Attempted, 0)
	assert.Greater(t, res.Successes, 0)

	got, err := b.FindValue(ctx, v.Id())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, v.Id(), got.Id())
}

func TestAnnouncePeerThenFindPeerRoundTrip(t *testing.T) {
	a, ctx := bootTestNode(t)
	b, _ := bootTestNode(t)

	dest := record.NewNodeInfo(b.LocalID(), net.ParseIP("127.0.0.1"), uint16(localAddr(b).Port))
	require.True(t, a.ping(ctx, a.families[0], dest))

	target, p := peerInfoFixture(t)

	res, err := a.AnnouncePeer(ctx, p)
	require.NoError(t, err)
	assert.Greater(t, res.Successes, 0)

	peers, err := b.FindPeer(ctx, target)
	require.NoError(t, err)
	found := false
	for _, got := range peers {
		if got.ID().Equal(p.ID()) {
			found = true
		}
	}
	assert.True(t, found)
}

func TestShutdownIsIdempotent(t *testing.T) {
	conn := mustListen4(t)
	n, err := New(Config{DeveloperMode: true}, mustStore(t), conn, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, n.Start(ctx))

	require.NoError(t, n.Shutdown())
	require.NoError(t, n.Shutdown())
}

func TestEncryptDecryptBetweenNodes(t *testing.T) {
	a, _ := bootTestNode(t)
	b, _ := bootTestNode(t)

	var nonce [record.NonceSize]byte
	_, err := rand.Read(nonce[:])
	require.NoError(t, err)

	sealed, err := a.Encrypt(b.LocalID(), nonce, []byte("between overlays"))
	require.NoError(t, err)
	opened, err := b.Decrypt(a.LocalID(), nonce, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("between overlays"), opened)

	nonce[0] ^= 0xFF
	_, err = b.Decrypt(a.LocalID(), nonce, sealed)
	assert.Error(t, err, "a mismatched nonce must fail authentication")
}

func TestRoutingTableSnapshotReportsPerFamily(t *testing.T) {
	a, ctx := bootTestNode(t)
	b, _ := bootTestNode(t)

	dest := record.NewNodeInfo(b.LocalID(), net.ParseIP("127.0.0.1"), uint16(localAddr(b).Port))
	require.True(t, a.ping(ctx, a.families[0], dest))

	snap := a.RoutingTableSnapshot()
	assert.Len(t, snap["ip4"], 1)
}
