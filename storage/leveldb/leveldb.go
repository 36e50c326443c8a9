// Package leveldb is the reference storage.DataStorage adapter, backed by
// goleveldb. It exists to exercise the interface named in spec §6
// "Persisted state" with a real on-disk store; cmd/boson and cmd/bosonnode
// open it, and node.New accepts it like any other storage.DataStorage
// implementation.
package leveldb

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/crypto/ed25519"

	"github.com/boson-network/boson/id"
	"github.com/boson-network/boson/record"
	"github.com/boson-network/boson/storage"
)

const (
	prefixValue = 'v'
	prefixTouch = 't'
	prefixPeer  = 'p'
)

// Store is a storage.DataStorage backed by a single goleveldb database.
type Store struct {
	db *leveldb.DB
}

// Open opens (creating if absent) a goleveldb database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("storage/leveldb: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

type valueRecord struct {
	PublicKey [id.Size]byte
	Recipient [id.Size]byte
	Nonce     [record.NonceSize]byte
	Seq       uint32
	Signature [ed25519.SignatureSize]byte
	Data      []byte
}

func valueKey(target id.Id) []byte {
	k := make([]byte, 1+id.Size)
	k[0] = prefixValue
	copy(k[1:], target.Bytes())
	return k
}

func touchKey(target id.Id) []byte {
	k := make([]byte, 1+id.Size)
	k[0] = prefixTouch
	copy(k[1:], target.Bytes())
	return k
}

func peerKey(target id.Id, fingerprint int64) []byte {
	k := make([]byte, 1+id.Size+8)
	k[0] = prefixPeer
	copy(k[1:], target.Bytes())
	binary.BigEndian.PutUint64(k[1+id.Size:], uint64(fingerprint))
	return k
}

func peerPrefix(target id.Id) []byte {
	k := make([]byte, 1+id.Size)
	k[0] = prefixPeer
	copy(k[1:], target.Bytes())
	return k
}

func (s *Store) PutValue(ctx context.Context, v record.Value) error {
	target := v.Id()
	if v.IsMutable() {
		existing, err := s.GetValue(ctx, target)
		if err == nil && v.Sequence() < existing.Sequence() {
			return storage.ErrSequenceNotMonotonic
		}
		if err == nil && v.Sequence() == existing.Sequence() {
			return nil // idempotent re-store, spec §8
		}
	}
	rec := valueRecord{
		PublicKey: v.PublicKey(),
		Recipient: v.Recipient(),
		Nonce:     v.Nonce(),
		Seq:       v.Sequence(),
		Signature: v.Signature(),
		Data:      v.Data(),
	}
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Put(valueKey(target), blob, nil)
}

func (s *Store) GetValue(ctx context.Context, target id.Id) (record.Value, error) {
	blob, err := s.db.Get(valueKey(target), nil)
	if err == leveldb.ErrNotFound {
		return record.Value{}, storage.ErrNotFound
	}
	if err != nil {
		return record.Value{}, err
	}
	var rec valueRecord
	if err := cbor.Unmarshal(blob, &rec); err != nil {
		return record.Value{}, err
	}
	return record.FromWireFields(rec.PublicKey, rec.Recipient, rec.Nonce, rec.Seq, rec.Signature, rec.Data), nil
}

func (s *Store) ListValues(ctx context.Context) ([]id.Id, error) {
	var out []id.Id
	it := s.db.NewIterator(util.BytesPrefix([]byte{prefixValue}), nil)
	defer it.Release()
	for it.Next() {
		key := it.Key()
		target, err := id.FromBytes(key[1:])
		if err != nil {
			continue
		}
		out = append(out, target)
	}
	return out, it.Error()
}

func (s *Store) DeleteValue(ctx context.Context, target id.Id) error {
	return s.db.Delete(valueKey(target), nil)
}

type peerRecord struct {
	PeerID      [id.Size]byte
	Nonce       [record.NonceSize]byte
	Seq         uint32
	HasOrigin   bool
	Origin      [id.Size]byte
	OriginSig   [ed25519.SignatureSize]byte
	Signature   [ed25519.SignatureSize]byte
	Fingerprint int64
	Endpoint    string
	Extra       []byte
}

func (s *Store) PutPeer(ctx context.Context, target id.Id, p record.PeerInfo) error {
	origin, hasOrigin := p.Origin()
	rec := peerRecord{
		PeerID:      p.ID(),
		Nonce:       p.Nonce(),
		Seq:         p.Sequence(),
		HasOrigin:   hasOrigin,
		Origin:      origin,
		OriginSig:   p.OriginSignature(),
		Signature:   p.Signature(),
		Fingerprint: p.Fingerprint(),
		Endpoint:    p.Endpoint(),
		Extra:       p.Extra(),
	}
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Put(peerKey(target, p.Fingerprint()), blob, nil)
}

func (s *Store) GetPeers(ctx context.Context, target id.Id) ([]record.PeerInfo, error) {
	var out []record.PeerInfo
	it := s.db.NewIterator(util.BytesPrefix(peerPrefix(target)), nil)
	defer it.Release()
	for it.Next() {
		var rec peerRecord
		if err := cbor.Unmarshal(it.Value(), &rec); err != nil {
			continue
		}
		out = append(out, record.PeerInfoFromWireFields(
			rec.PeerID, rec.Nonce, rec.Seq, rec.HasOrigin, rec.Origin,
			rec.OriginSig, rec.Signature, rec.Fingerprint, rec.Endpoint, rec.Extra,
		))
	}
	return out, it.Error()
}

func (s *Store) ListPeerTargets(ctx context.Context) ([]id.Id, error) {
	seen := make(map[id.Id]bool)
	var out []id.Id
	it := s.db.NewIterator(util.BytesPrefix([]byte{prefixPeer}), nil)
	defer it.Release()
	for it.Next() {
		key := it.Key()
		if len(key) < 1+id.Size {
			continue
		}
		target, err := id.FromBytes(key[1 : 1+id.Size])
		if err != nil {
			continue
		}
		if !seen[target] {
			seen[target] = true
			out = append(out, target)
		}
	}
	return out, it.Error()
}

func (s *Store) DeletePeer(ctx context.Context, target id.Id, fingerprint int64) error {
	return s.db.Delete(peerKey(target, fingerprint), nil)
}

func (s *Store) Touch(ctx context.Context, target id.Id, at time.Time) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(at.UnixNano()))
	return s.db.Put(touchKey(target), buf[:], nil)
}

func (s *Store) StaleSince(ctx context.Context, cutoff time.Time) ([]id.Id, error) {
	var out []id.Id
	it := s.db.NewIterator(util.BytesPrefix([]byte{prefixTouch}), nil)
	defer it.Release()
	for it.Next() {
		key := it.Key()
		if len(it.Value()) != 8 {
			continue
		}
		at := int64(binary.BigEndian.Uint64(it.Value()))
		if at >= cutoff.UnixNano() {
			continue
		}
		target, err := id.FromBytes(key[1:])
		if err != nil {
			continue
		}
		out = append(out, target)
	}
	return out, it.Error()
}

var _ storage.DataStorage = (*Store)(nil)
