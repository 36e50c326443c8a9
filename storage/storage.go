// Package storage defines Boson's persisted-record contract (spec §6
// "Persisted state": "the core requires only the DataStorage interface").
// The core never depends on a concrete store; storage/leveldb is a
// reference adapter opened by the cmd binaries and covered by its own
// tests, grounded on the teacher's (filtered
// out of the retrieval pack) nodeDB: a small per-record key-value store
// keyed by Id that the routing table and node runtime both lean on.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/boson-network/boson/id"
	"github.com/boson-network/boson/record"
)

// ErrSequenceNotMonotonic is returned by PutValue when an incoming mutable
// Value's sequence number is lower than the currently stored one for the
// same Id (spec §8 scenario S1); an equal sequence number is an idempotent
// re-store, not an error.
var ErrSequenceNotMonotonic = errors.New("storage: sequence number not monotonic")

// ErrNotFound is returned by the single-record getters when no record is
// stored under the requested Id.
var ErrNotFound = errors.New("storage: record not found")

// DataStorage is the persisted-record contract the node runtime and RPC
// request handlers depend on. Every method takes a context so an
// implementation backed by real disk I/O or a remote store can honor
// cancellation without blocking the reactor goroutine that called it —
// the "reactor-friendly" contract named in spec §9 Open Question 2; the
// older blocking variant the source also had is not exposed here.
//
// Implementations must serialize their own internal state (spec §5
// "Shared resources"): the core calls these methods from at most one
// goroutine at a time per node, but an implementation may be shared
// across nodes or reached from its own background compaction/flush
// goroutines.
type DataStorage interface {
	// PutValue stores v, keyed by v.Id(). For mutable values this is an
	// upsert that must reject a non-monotonic sequence number with
	// ErrSequenceNotMonotonic; storing the same value twice (identical
	// seq) is idempotent and must not error (spec §8 "Idempotent
	// storeValue").
	PutValue(ctx context.Context, v record.Value) error

	// GetValue returns the stored Value for target, or ErrNotFound.
	GetValue(ctx context.Context, target id.Id) (record.Value, error)

	// ListValues enumerates every Id with a stored Value, for the
	// reference CLI's "storage listvalue".
	ListValues(ctx context.Context) ([]id.Id, error)

	// DeleteValue removes the stored Value for target, if any.
	DeleteValue(ctx context.Context, target id.Id) error

	// PutPeer stores p under target (the service/rendezvous Id being
	// announced), upserting by the (target, fingerprint) composite key
	// (spec §3) so a repeat of the same announcement replaces rather
	// than duplicates, while distinct fingerprints coexist.
	PutPeer(ctx context.Context, target id.Id, p record.PeerInfo) error

	// GetPeers returns every PeerInfo announced under target.
	GetPeers(ctx context.Context, target id.Id) ([]record.PeerInfo, error)

	// ListPeerTargets enumerates every target Id with at least one
	// announced peer, for "storage listpeer".
	ListPeerTargets(ctx context.Context) ([]id.Id, error)

	// DeletePeer removes the announcement keyed (target, fingerprint).
	DeletePeer(ctx context.Context, target id.Id, fingerprint int64) error

	// Touch records that target's record was (re)announced at at. The
	// request handlers call it for every accepted store or announce.
	// The node's republish loop works from its own registry, not from
	// these timestamps.
	Touch(ctx context.Context, target id.Id, at time.Time) error

	// StaleSince returns every Id last touched before cutoff.
	StaleSince(ctx context.Context, cutoff time.Time) ([]id.Id, error)

	// Close releases any resources the implementation holds (file
	// handles, connections). Safe to call once during node shutdown.
	Close() error
}
