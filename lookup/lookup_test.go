package lookup

import (
	"context"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"

	"github.com/boson-network/boson/id"
	"github.com/boson-network/boson/record"
	"github.com/boson-network/boson/wire"
)

// fakeWaiter hands a pre-baked response back to Wait; used to drive
// Lookup's state machine without a live socket.
type fakeWaiter struct {
	resp wire.Message
	err  error
}

func (f fakeWaiter) Wait() (wire.Message, error) { return f.resp, f.err }
func (f fakeWaiter) Cancel()                     {}

type scriptedResponder func(dest record.NodeInfo) (wire.Message, error)

// fakeSender dispatches each Call through a per-node script, recording
// every destination queried so tests can assert on fan-out.
type fakeSender struct {
	scripts map[id.Id]scriptedResponder
	queried []id.Id
}

func newFakeSender() *fakeSender {
	return &fakeSender{scripts: make(map[id.Id]scriptedResponder)}
}

func (s *fakeSender) Call(dest record.NodeInfo, method wire.Method, body wire.Body, timeout time.Duration) (Waiter, error) {
	s.queried = append(s.queried, dest.ID)
	script, ok := s.scripts[dest.ID]
	if !ok {
		return fakeWaiter{err: errTestNoScript}, nil
	}
	resp, err := script(dest)
	return fakeWaiter{resp: resp, err: err}, nil
}

var errTestNoScript = assertErr("lookup test: no script for destination")

type assertErr string

func (e assertErr) Error() string { return string(e) }

// fakeRouting serves a fixed seed set and records failures reported back
// to it.
type fakeRouting struct {
	seeds   []record.NodeInfo
	failed  []id.Id
}

func (r *fakeRouting) KClosest(target id.Id, want int, includeReplacements bool, filter func(record.NodeInfo) bool) []record.NodeInfo {
	if len(r.seeds) > want {
		return append([]record.NodeInfo(nil), r.seeds[:want]...)
	}
	return append([]record.NodeInfo(nil), r.seeds...)
}

func (r *fakeRouting) RecordFailure(nodeID id.Id, now time.Time) {
	r.failed = append(r.failed, nodeID)
}

func randomNode(t *testing.T, port int) record.NodeInfo {
	t.Helper()
	return record.NewNodeInfo(id.Random(), net.ParseIP("127.0.0.1"), uint16(port))
}

func TestLookupFindNodeMergesAndConverges(t *testing.T) {
	target := id.Random()
	a := randomNode(t, 9001)
	b := randomNode(t, 9002)
	c := randomNode(t, 9003) // discovered only via a's response

	sender := newFakeSender()
	sender.scripts[a.ID] = func(dest record.NodeInfo) (wire.Message, error) {
		return wire.Message{Kind: wire.KindResponse, Method: wire.MethodFindNode, Body: wire.FindNodeResponse{N4: []record.NodeInfo{c}}}, nil
	}
	sender.scripts[b.ID] = func(dest record.NodeInfo) (wire.Message, error) {
		return wire.Message{Kind: wire.KindResponse, Method: wire.MethodFindNode, Body: wire.FindNodeResponse{}}, nil
	}
	sender.scripts[c.ID] = func(dest record.NodeInfo) (wire.Message, error) {
		return wire.Message{Kind: wire.KindResponse, Method: wire.MethodFindNode, Body: wire.FindNodeResponse{}}, nil
	}

	routing := &fakeRouting{seeds: []record.NodeInfo{a, b}}
	res, err := FindNode(context.Background(), sender, routing, id.Random(), target, Config{})
	require.NoError(t, err)

	assert.Len(t, res.Closest, 3)
	ids := map[id.Id]bool{}
	for _, n := range res.Closest {
		ids[n.ID] = true
	}
	assert.True(t, ids[a.ID])
	assert.True(t, ids[b.ID])
	assert.True(t, ids[c.ID], "c must have been discovered via a's response and subsequently queried")
}

func TestLookupFindValueMutableHighestSeqWins(t *testing.T) {
	target := id.Random()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_ = pub

	mkValue := func(seq uint32) record.Value {
		v, err := record.CreateSignedValue(priv, [record.NonceSize]byte{}, seq, []byte("payload"))
		require.NoError(t, err)
		return v
	}

	low := randomNode(t, 9101)
	mid := randomNode(t, 9102)
	high := randomNode(t, 9103)

	v3, v5, v4 := mkValue(3), mkValue(5), mkValue(4)

	sender := newFakeSender()
	sender.scripts[low.ID] = func(dest record.NodeInfo) (wire.Message, error) {
		return wire.Message{Kind: wire.KindResponse, Method: wire.MethodFindValue, Body: wire.FindValueResponse{Value: &v3}}, nil
	}
	sender.scripts[high.ID] = func(dest record.NodeInfo) (wire.Message, error) {
		return wire.Message{Kind: wire.KindResponse, Method: wire.MethodFindValue, Body: wire.FindValueResponse{Value: &v5}}, nil
	}
	sender.scripts[mid.ID] = func(dest record.NodeInfo) (wire.Message, error) {
		return wire.Message{Kind: wire.KindResponse, Method: wire.MethodFindValue, Body: wire.FindValueResponse{Value: &v4}}, nil
	}

	routing := &fakeRouting{seeds: []record.NodeInfo{low, mid, high}}
	res, err := FindValue(context.Background(), sender, routing, id.Random(), target, Config{Alpha: 3})
	require.NoError(t, err)

	require.NotNil(t, res.Value)
	assert.Equal(t, uint32(5), res.Value.Sequence())
}

func TestLookupFindValueImmutableShortCircuits(t *testing.T) {
	target := id.Random()
	v := record.CreateValue([]byte("immutable payload"))

	a := randomNode(t, 9201)
	sender := newFakeSender()
	sender.scripts[a.ID] = func(dest record.NodeInfo) (wire.Message, error) {
		return wire.Message{Kind: wire.KindResponse, Method: wire.MethodFindValue, Body: wire.FindValueResponse{Value: &v}}, nil
	}

	routing := &fakeRouting{seeds: []record.NodeInfo{a}}
	res, err := FindValue(context.Background(), sender, routing, id.Random(), target, Config{})
	require.NoError(t, err)
	require.NotNil(t, res.Value)
	assert.False(t, res.Value.IsMutable())
}

func TestLookupTimeoutRecordsFailureAndExcludesNode(t *testing.T) {
	target := id.Random()
	good := randomNode(t, 9301)
	bad := randomNode(t, 9302)

	sender := newFakeSender()
	sender.scripts[good.ID] = func(dest record.NodeInfo) (wire.Message, error) {
		return wire.Message{Kind: wire.KindResponse, Method: wire.MethodFindNode, Body: wire.FindNodeResponse{}}, nil
	}
	// bad has no script: fakeSender returns errTestNoScript, simulating a timeout.

	routing := &fakeRouting{seeds: []record.NodeInfo{good, bad}}
	res, err := FindNode(context.Background(), sender, routing, id.Random(), target, Config{})
	require.NoError(t, err)

	assert.Len(t, res.Closest, 1)
	assert.Equal(t, good.ID, res.Closest[0].ID)
	require.Len(t, routing.failed, 1)
	assert.Equal(t, bad.ID, routing.failed[0])
}

func TestLookupFindPeerStopsAtExpectedCount(t *testing.T) {
	// Target is the zero id and the three nodes' ids are distinguished only
	// by their first byte, so their XOR distance to target (and dispatch
	// order, alpha=1) is deterministically a, then b, then c.
	var target id.Id
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	p1, err := record.CreatePeerInfo(priv, nil, 1, 0, "tcp://127.0.0.1:1", nil)
	require.NoError(t, err)
	p2, err := record.CreatePeerInfo(priv, nil, 1, 0, "tcp://127.0.0.1:2", nil)
	require.NoError(t, err)

	var aID, bID, cID id.Id
	aID[0], bID[0], cID[0] = 1, 2, 3
	a := record.NewNodeInfo(aID, net.ParseIP("127.0.0.1"), 9401)
	b := record.NewNodeInfo(bID, net.ParseIP("127.0.0.1"), 9402)
	c := record.NewNodeInfo(cID, net.ParseIP("127.0.0.1"), 9403)

	sender := newFakeSender()
	sender.scripts[a.ID] = func(dest record.NodeInfo) (wire.Message, error) {
		return wire.Message{Kind: wire.KindResponse, Method: wire.MethodFindPeer, Body: wire.FindPeerResponse{Peers: []record.PeerInfo{p1}}}, nil
	}
	sender.scripts[b.ID] = func(dest record.NodeInfo) (wire.Message, error) {
		return wire.Message{Kind: wire.KindResponse, Method: wire.MethodFindPeer, Body: wire.FindPeerResponse{Peers: []record.PeerInfo{p2}}}, nil
	}
	sender.scripts[c.ID] = func(dest record.NodeInfo) (wire.Message, error) {
		t.Fatal("c must not be queried once ExpectedPeers is already satisfied")
		return wire.Message{}, nil
	}

	routing := &fakeRouting{seeds: []record.NodeInfo{a, b, c}}
	res, err := FindPeer(context.Background(), sender, routing, id.Random(), target, Config{Alpha: 1, ExpectedPeers: 2})
	require.NoError(t, err)
	assert.Len(t, res.Peers, 2)
}
