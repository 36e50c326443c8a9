package leveldb

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"

	"github.com/boson-network/boson/id"
	"github.com/boson-network/boson/record"
	"github.com/boson-network/boson/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetListDeleteValue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v := record.CreateValue([]byte("payload"))
	require.NoError(t, s.PutValue(ctx, v))

	got, err := s.GetValue(ctx, v.Id())
	require.NoError(t, err)
	assert.Equal(t, v.Data(), got.Data())

	ids, err := s.ListValues(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, v.Id())

	require.NoError(t, s.DeleteValue(ctx, v.Id()))
	_, err = s.GetValue(ctx, v.Id())
	assert.Equal(t, storage.ErrNotFound, err)
}

func TestPutValueRejectsNonMonotonicSequence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	v10, err := record.CreateSignedValue(priv, [record.NonceSize]byte{1}, 10, []byte("v0"))
	require.NoError(t, err)
	require.NoError(t, s.PutValue(ctx, v10))

	v9, err := record.CreateSignedValue(priv, [record.NonceSize]byte{1}, 9, []byte("bad"))
	require.NoError(t, err)
	err = s.PutValue(ctx, v9)
	assert.Equal(t, storage.ErrSequenceNotMonotonic, err)

	// Re-storing the same sequence is idempotent, not an error.
	require.NoError(t, s.PutValue(ctx, v10))
}

func TestPutPeerUpsertsByFingerprintAndListsTargets(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	target := id.Random()

	p1, err := record.CreatePeerInfo(priv, nil, 1, 7, "tcp://127.0.0.1:1", nil)
	require.NoError(t, err)
	require.NoError(t, s.PutPeer(ctx, target, p1))

	p1Updated, err := record.CreatePeerInfo(priv, nil, 2, 7, "tcp://127.0.0.1:2", nil)
	require.NoError(t, err)
	require.NoError(t, s.PutPeer(ctx, target, p1Updated))

	peers, err := s.GetPeers(ctx, target)
	require.NoError(t, err)
	require.Len(t, peers, 1, "re-announcing the same fingerprint must upsert, not duplicate")
	assert.Equal(t, "tcp://127.0.0.1:2", peers[0].Endpoint())

	p2, err := record.CreatePeerInfo(priv, nil, 1, 8, "tcp://127.0.0.1:3", nil)
	require.NoError(t, err)
	require.NoError(t, s.PutPeer(ctx, target, p2))

	peers, err = s.GetPeers(ctx, target)
	require.NoError(t, err)
	assert.Len(t, peers, 2, "a distinct fingerprint is a distinct peer under the same target")

	targets, err := s.ListPeerTargets(ctx)
	require.NoError(t, err)
	assert.Contains(t, targets, target)

	require.NoError(t, s.DeletePeer(ctx, target, 7))
	peers, err = s.GetPeers(ctx, target)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, int64(8), peers[0].Fingerprint())
}

func TestStaleSinceReturnsOnlyRecordsOlderThanCutoff(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	fresh := id.Random()
	stale := id.Random()
	now := time.Now()

	require.NoError(t, s.Touch(ctx, stale, now.Add(-2*time.Hour)))
	require.NoError(t, s.Touch(ctx, fresh, now))

	ids, err := s.StaleSince(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Contains(t, ids, stale)
	assert.NotContains(t, ids, fresh)
}
