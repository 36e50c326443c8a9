package wire

import (
	"crypto/rand"
	"net"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"

	"github.com/boson-network/boson/id"
	"github.com/boson-network/boson/record"
)

func TestYRoundTrip(t *testing.T) {
	for _, k := range []Kind{KindError, KindRequest, KindResponse} {
		for _, m := range []Method{MethodPing, MethodFindNode, MethodAnnouncePeer, MethodFindPeer, MethodStoreValue, MethodFindValue} {
			gotK, gotM, err := SplitY(Y(k, m))
			require.NoError(t, err)
			assert.Equal(t, k, gotK)
			assert.Equal(t, m, gotM)
		}
	}
}

func TestSplitYRejectsUnknownComposite(t *testing.T) {
	_, _, err := SplitY(0xFF)
	assert.ErrorIs(t, err, ErrUnknownComposite)
}

// TestFindNodeRequestRoundTripCBOR is testable property 5 from spec.md §8
// for the CBOR codec.
func TestFindNodeRequestRoundTripCBOR(t *testing.T) {
	m := Message{
		Kind: KindRequest, Method: MethodFindNode, Txn: 42, Version: 1,
		Body: FindNodeRequest{Target: id.Random(), Want: NewWant(true, false, true)},
	}
	data, err := EncodeCBOR(m)
	require.NoError(t, err)
	got, err := DecodeCBOR(data)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	again, err := EncodeCBOR(got)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestFindNodeRequestRoundTripJSON(t *testing.T) {
	m := Message{
		Kind: KindRequest, Method: MethodFindNode, Txn: 7,
		Body: FindNodeRequest{Target: id.Random(), Want: NewWant(false, true, false)},
	}
	data, err := EncodeJSON(m)
	require.NoError(t, err)
	got, err := DecodeJSON(data)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestFindNodeResponseRoundTrip(t *testing.T) {
	tok := uint32(0xdeadbeef)
	m := Message{
		Kind: KindResponse, Method: MethodFindNode, Txn: 99,
		Body: FindNodeResponse{
			N4:    []record.NodeInfo{record.NewNodeInfo(id.Random(), net.ParseIP("203.0.113.9"), 9090)},
			Token: &tok,
		},
	}
	for _, codec := range []struct {
		name   string
		encode func(Message) ([]byte, error)
		decode func([]byte) (Message, error)
	}{
		{"cbor", EncodeCBOR, DecodeCBOR},
		{"json", EncodeJSON, DecodeJSON},
	} {
		data, err := codec.encode(m)
		require.NoError(t, err, codec.name)
		got, err := codec.decode(data)
		require.NoError(t, err, codec.name)
		assert.Equal(t, m, got, codec.name)
	}
}

func makeSignedPeer(t *testing.T, owner ed25519.PrivateKey, fingerprint int64) record.PeerInfo {
	p, err := record.CreatePeerInfo(owner, nil, 0, fingerprint, "udp://203.0.113.1:9090", nil)
	require.NoError(t, err)
	return p
}

// TestFindPeerResponseCompactArray is scenario S2 from spec.md §8: multiple
// peers sharing an owner id are encoded with the id only on the first
// element, and the decoder must reconstruct it for the rest.
func TestFindPeerResponseCompactArray(t *testing.T) {
	_, owner, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	peers := []record.PeerInfo{
		makeSignedPeer(t, owner, 1),
		makeSignedPeer(t, owner, 2),
		makeSignedPeer(t, owner, 3),
	}
	m := Message{Kind: KindResponse, Method: MethodFindPeer, Txn: 5, Body: FindPeerResponse{Peers: peers}}

	data, err := EncodeCBOR(m)
	require.NoError(t, err)

	var env cborEnvelope
	require.NoError(t, cbor.Unmarshal(data, &env))
	var resp cborFindPeerResponse
	require.NoError(t, cbor.Unmarshal(env.R, &resp))
	require.Len(t, resp.P, 3)
	assert.NotEmpty(t, resp.P[0].ID)
	assert.Empty(t, resp.P[1].ID, "peers after the first must omit id on the wire")
	assert.Empty(t, resp.P[2].ID)

	got, err := DecodeCBOR(data)
	require.NoError(t, err)
	gotBody := got.Body.(FindPeerResponse)
	require.Len(t, gotBody.Peers, 3)
	for i, p := range gotBody.Peers {
		assert.Equal(t, peers[0].ID(), p.ID(), "peer %d must inherit the first id", i)
		assert.True(t, p.IsValid())
	}
}

func TestAnnouncePeerRequestRoundTrip(t *testing.T) {
	_, owner, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	p := makeSignedPeer(t, owner, 7)
	m := Message{Kind: KindRequest, Method: MethodAnnouncePeer, Txn: 3, Body: AnnouncePeerRequest{Token: 123, Peer: p}}

	data, err := EncodeCBOR(m)
	require.NoError(t, err)
	got, err := DecodeCBOR(data)
	require.NoError(t, err)
	body := got.Body.(AnnouncePeerRequest)
	assert.Equal(t, uint32(123), body.Token)
	assert.True(t, body.Peer.IsValid())
	assert.Equal(t, p.ID(), body.Peer.ID())
}

func TestStoreValueRequestRoundTrip(t *testing.T) {
	v := record.CreateValue([]byte("payload"))
	m := Message{Kind: KindRequest, Method: MethodStoreValue, Txn: 4, Body: StoreValueRequest{Token: 9, Value: v}}

	data, err := EncodeJSON(m)
	require.NoError(t, err)
	got, err := DecodeJSON(data)
	require.NoError(t, err)
	body := got.Body.(StoreValueRequest)
	assert.Equal(t, v.Id(), body.Value.Id())
	assert.Equal(t, v.Data(), body.Value.Data())
}

func TestErrorMessageRoundTrip(t *testing.T) {
	m := Message{Kind: KindError, Method: MethodFindNode, Txn: 1, Body: ErrorBody{Code: 203, Message: "bad request"}}
	data, err := EncodeCBOR(m)
	require.NoError(t, err)
	got, err := DecodeCBOR(data)
	require.NoError(t, err)
	assert.Equal(t, m.Body, got.Body)
}

func TestPingRoundTrip(t *testing.T) {
	req := Message{Kind: KindRequest, Method: MethodPing, Txn: 1, Body: PingRequest{}}
	data, err := EncodeCBOR(req)
	require.NoError(t, err)
	got, err := DecodeCBOR(data)
	require.NoError(t, err)
	assert.Equal(t, req, got)

	resp := Message{Kind: KindResponse, Method: MethodPing, Txn: 1, Body: VoidResponse{}}
	data, err = EncodeCBOR(resp)
	require.NoError(t, err)
	got, err = DecodeCBOR(data)
	require.NoError(t, err)
	assert.Equal(t, resp, got)
}
