package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/boson-network/boson/crypto"
	"github.com/boson-network/boson/id"
	"github.com/boson-network/boson/record"
)

// recordValueFixture builds a signed mutable value owned by a fresh
// identity, convenient whenever a test only needs a valid, storable Value
// and does not care who signed it.
func recordValueFixture(data []byte) (record.Value, error) {
	_, priv, err := crypto.GenerateKey()
	if err != nil {
		return record.Value{}, err
	}
	var nonce [record.NonceSize]byte
	return record.CreateSignedValue(priv, nonce, 1, data)
}

// peerInfoFixture builds a fresh unauthenticated peer announcement plus its
// rendezvous target id, which is the announced service key itself.
func peerInfoFixture(t *testing.T) (id.Id, record.PeerInfo) {
	t.Helper()
	_, priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	p, err := record.CreatePeerInfo(priv, nil, 1, time.Now().UnixNano(), "127.0.0.1:4001", nil)
	require.NoError(t, err)
	return p.ID(), p
}
