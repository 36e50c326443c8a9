package node

import (
	"encoding/binary"
	"os"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/boson-network/boson/id"
)

var (
	bucketValues = []byte("republish-values")
	bucketPeers  = []byte("republish-peers")
)

// registry tracks which records this node itself published (as opposed to
// ones merely cached on behalf of other nodes in storage.DataStorage) and
// when each was last announced, so the republish loop (spec §4.7) knows
// what is "ours to keep alive" without the DataStorage backend — which may
// be shared or may hold records this node only relayed — having to carry
// that distinction itself. Backed by boltdb, matching the teacher's choice
// of embedded key-value store for small local durability needs that don't
// warrant a full DataStorage round trip.
type registry struct {
	db        *bolt.DB
	ephemeral string // backing temp file to remove on Close, for DataDir-less nodes
}

// openRegistry opens (creating if needed) the republish registry at path.
// An empty path backs the registry with a throwaway temp file that is
// removed on Close, for ephemeral nodes.
func openRegistry(path string) (*registry, error) {
	ephemeral := ""
	if path == "" {
		f, err := os.CreateTemp("", "boson-republish-*.db")
		if err != nil {
			return nil, err
		}
		path = f.Name()
		f.Close()
		ephemeral = path
	}
	opts := &bolt.Options{Timeout: time.Second}
	db, err := bolt.Open(path, 0600, opts)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketValues); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketPeers)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &registry{db: db, ephemeral: ephemeral}, nil
}

// MarkValue records that target is a value this node owns and publishes,
// stamping the announce time.
func (r *registry) MarkValue(target id.Id, at time.Time) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketValues).Put(target[:], encodeTime(at))
	})
}

// MarkPeer records that the (target, fingerprint) announcement is one this
// node owns, stamping the announce time. target and fingerprint form the
// peer record's composite primary key (spec §3).
func (r *registry) MarkPeer(target id.Id, fingerprint int64, at time.Time) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).Put(peerCompositeKey(target, fingerprint), encodeTime(at))
	})
}

// ForgetValue removes target from the owned-value registry (e.g. on
// deletion), so the republish loop stops chasing it.
func (r *registry) ForgetValue(target id.Id) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketValues).Delete(target[:])
	})
}

// ownedValue is one entry due for republish consideration.
type ownedValue struct {
	Target       id.Id
	LastAnnounce time.Time
}

// ownedPeer is one peer-announcement entry due for republish consideration.
type ownedPeer struct {
	Target       id.Id
	Fingerprint  int64
	LastAnnounce time.Time
}

// StaleValues returns every owned value last announced before cutoff.
func (r *registry) StaleValues(cutoff time.Time) ([]ownedValue, error) {
	var out []ownedValue
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketValues).ForEach(func(k, v []byte) error {
			at := decodeTime(v)
			if at.Before(cutoff) {
				target, err := id.FromBytes(k)
				if err != nil {
					return nil
				}
				out = append(out, ownedValue{Target: target, LastAnnounce: at})
			}
			return nil
		})
	})
	return out, err
}

// StalePeers returns every owned peer announcement last announced before
// cutoff.
func (r *registry) StalePeers(cutoff time.Time) ([]ownedPeer, error) {
	var out []ownedPeer
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).ForEach(func(k, v []byte) error {
			at := decodeTime(v)
			if !at.Before(cutoff) || len(k) != id.Size+8 {
				return nil
			}
			target, err := id.FromBytes(k[:id.Size])
			if err != nil {
				return nil
			}
			fp := int64(binary.BigEndian.Uint64(k[id.Size:]))
			out = append(out, ownedPeer{Target: target, Fingerprint: fp, LastAnnounce: at})
			return nil
		})
	})
	return out, err
}

// Close releases the underlying boltdb file handle, deleting the backing
// file if it was an ephemeral temp file.
func (r *registry) Close() error {
	err := r.db.Close()
	if r.ephemeral != "" {
		os.Remove(r.ephemeral)
	}
	return err
}

func peerCompositeKey(target id.Id, fingerprint int64) []byte {
	out := make([]byte, id.Size+8)
	copy(out, target[:])
	binary.BigEndian.PutUint64(out[id.Size:], uint64(fingerprint))
	return out
}

func encodeTime(t time.Time) []byte {
	b, _ := t.UTC().MarshalBinary()
	return b
}

func decodeTime(b []byte) time.Time {
	var t time.Time
	_ = t.UnmarshalBinary(b)
	return t
}
