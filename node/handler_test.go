package node

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boson-network/boson/crypto"
	"github.com/boson-network/boson/id"
	"github.com/boson-network/boson/record"
	"github.com/boson-network/boson/rpc"
	"github.com/boson-network/boson/wire"
)

// newTestHandler builds a requestHandler backed by a real Node (so storage
// and closestSplit work) without starting its server loop; handler methods
// are invoked directly.
func newTestHandler(t *testing.T) (*requestHandler, *Node) {
	t.Helper()
	conn := mustListen4(t)
	t.Cleanup(func() { conn.Close() })
	n, err := New(Config{DeveloperMode: true}, mustStore(t), conn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { n.reg.Close() })
	f := n.families[0]
	return &requestHandler{node: n, family: f}, n
}

func TestHandlePingReturnsVoid(t *testing.T) {
	h, _ := newTestHandler(t)
	resp, err := h.HandleRequest(record.NodeInfo{}, wire.Message{Body: wire.PingRequest{}})
	require.NoError(t, err)
	assert.Equal(t, wire.VoidResponse{}, resp)
}

func TestHandleUnsupportedBodyReturnsProtocolError(t *testing.T) {
	h, _ := newTestHandler(t)
	_, err := h.HandleRequest(record.NodeInfo{}, wire.Message{})
	var perr *rpc.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, rpc.ErrCodeProtocolError, perr.Code)
}

func TestHandleFindNodeIssuesTokenWhenRequested(t *testing.T) {
	h, _ := newTestHandler(t)
	from := record.NewNodeInfo(id.Random(), net.ParseIP("127.0.0.1"), 4001)

	resp, err := h.HandleRequest(from, wire.Message{Body: wire.FindNodeRequest{
		Target: id.Random(),
		Want:   wire.NewWant(true, true, true),
	}})
	require.NoError(t, err)
	fn := resp.(wire.FindNodeResponse)
	require.NotNil(t, fn.Token)

	target := id.Random()
	resp2, err := h.HandleRequest(from, wire.Message{Body: wire.FindNodeRequest{Target: target}})
	require.NoError(t, err)
	assert.Nil(t, resp2.(wire.FindNodeResponse).Token)
}

func TestHandleFindValueMissReturnsClosestNodes(t *testing.T) {
	h, n := newTestHandler(t)
	from := record.NewNodeInfo(id.Random(), net.ParseIP("127.0.0.1"), 4001)

	seed := record.NewNodeInfo(id.Random(), net.ParseIP("127.0.0.1"), 5000)
	n.families[0].rt.Put(seed, true, now())

	resp, err := h.HandleRequest(from, wire.Message{Body: wire.FindValueRequest{Target: id.Random()}})
	require.NoError(t, err)
	fv := resp.(wire.FindValueResponse)
	assert.Nil(t, fv.Value)
	assert.Contains(t, fv.N4, seed)
}

func TestHandleFindValueHitReturnsValue(t *testing.T) {
	h, n := newTestHandler(t)
	from := record.NewNodeInfo(id.Random(), net.ParseIP("127.0.0.1"), 4001)

	v, err := recordValueFixture([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, n.storage.PutValue(context.Background(), v))

	resp, err := h.HandleRequest(from, wire.Message{Body: wire.FindValueRequest{Target: v.Id()}})
	require.NoError(t, err)
	fv := resp.(wire.FindValueResponse)
	require.NotNil(t, fv.Value)
	assert.Equal(t, v.Id(), fv.Value.Id())
}

func TestHandleFindValueOmitsValueWhenCasAlreadyCurrent(t *testing.T) {
	h, n := newTestHandler(t)
	from := record.NewNodeInfo(id.Random(), net.ParseIP("127.0.0.1"), 4001)

	_, priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	var nonce [record.NonceSize]byte
	v, err := record.CreateSignedValue(priv, nonce, 5, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, n.storage.PutValue(context.Background(), v))

	cas := uint32(5)
	resp, err := h.HandleRequest(from, wire.Message{Body: wire.FindValueRequest{Target: v.Id(), Cas: &cas}})
	require.NoError(t, err)
	fv := resp.(wire.FindValueResponse)
	assert.Nil(t, fv.Value, "requester's cas already matches the stored sequence")
}

func TestHandleStoreValueRejectsInvalidToken(t *testing.T) {
	h, _ := newTestHandler(t)
	v, err := recordValueFixture([]byte("x"))
	require.NoError(t, err)

	_, err = h.HandleRequest(record.NodeInfo{}, wire.Message{Body: wire.StoreValueRequest{Token: 0, Value: v}})
	var perr *rpc.ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestHandleStoreValueAcceptsValidToken(t *testing.T) {
	h, n := newTestHandler(t)
	from := record.NewNodeInfo(id.Random(), net.ParseIP("127.0.0.1"), 4001)
	v, err := recordValueFixture([]byte("x"))
	require.NoError(t, err)

	tok := h.family.srv.Tokens().Issue(from.Addr(), v.Id())
	resp, err := h.HandleRequest(from, wire.Message{Body: wire.StoreValueRequest{Token: tok, Value: v}})
	require.NoError(t, err)
	assert.Equal(t, wire.VoidResponse{}, resp)

	got, err := n.storage.GetValue(context.Background(), v.Id())
	require.NoError(t, err)
	assert.Equal(t, v.Id(), got.Id())
}

func TestHandleStoreValueMapsSequenceViolationToConsistencyError(t *testing.T) {
	h, n := newTestHandler(t)
	from := record.NewNodeInfo(id.Random(), net.ParseIP("127.0.0.1"), 4001)

	_, priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	var nonce [record.NonceSize]byte
	v1, err := record.CreateSignedValue(priv, nonce, 5, []byte("first"))
	require.NoError(t, err)
	require.NoError(t, n.storage.PutValue(context.Background(), v1))

	stale, err := record.CreateSignedValue(priv, v1.Nonce(), 1, []byte("stale"))
	require.NoError(t, err)
	tok := h.family.srv.Tokens().Issue(from.Addr(), stale.Id())

	_, err = h.HandleRequest(from, wire.Message{Body: wire.StoreValueRequest{Token: tok, Value: stale}})
	var perr *rpc.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, rpc.ErrCodeConsistency, perr.Code)
}

func TestHandleAnnouncePeerAcceptsValidToken(t *testing.T) {
	h, n := newTestHandler(t)
	from := record.NewNodeInfo(id.Random(), net.ParseIP("127.0.0.1"), 4001)
	_, p := peerInfoFixture(t)

	tok := h.family.srv.Tokens().Issue(from.Addr(), p.ID())
	resp, err := h.HandleRequest(from, wire.Message{Body: wire.AnnouncePeerRequest{Token: tok, Peer: p}})
	require.NoError(t, err)
	assert.Equal(t, wire.VoidResponse{}, resp)

	peers, err := n.storage.GetPeers(context.Background(), p.ID())
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, p.ID(), peers[0].ID())
}

func TestHandleFindPeerTruncatesToExpected(t *testing.T) {
	h, n := newTestHandler(t)
	from := record.NewNodeInfo(id.Random(), net.ParseIP("127.0.0.1"), 4001)

	target := id.Random()
	for i := 0; i < 3; i++ {
		_, p := peerInfoFixture(t)
		require.NoError(t, n.storage.PutPeer(context.Background(), target, p))
	}

	expected := uint32(1)
	resp, err := h.HandleRequest(from, wire.Message{Body: wire.FindPeerRequest{Target: target, Expected: &expected}})
	require.NoError(t, err)
	fp := resp.(wire.FindPeerResponse)
	assert.Len(t, fp.Peers, 1)
}

func TestHandleFindPeerNotFoundIsNotAnError(t *testing.T) {
	h, _ := newTestHandler(t)
	from := record.NewNodeInfo(id.Random(), net.ParseIP("127.0.0.1"), 4001)
	resp, err := h.HandleRequest(from, wire.Message{Body: wire.FindPeerRequest{Target: id.Random()}})
	require.NoError(t, err)
	assert.Empty(t, resp.(wire.FindPeerResponse).Peers)
}
