// Package cryptocache caches precomputed per-remote-peer box contexts,
// avoiding a Curve25519 scalar multiplication on every message node.Node's
// Encrypt and Decrypt seal or open with the same peer (spec §9
// "Caffeine-style cache"): a bounded LRU with a removal-listener hook that
// destroys (zeroizes) the evicted context. record.Value's own encryption
// does not use it. Grounded on the teacher's core/blockchain.go use of
// hashicorp/golang-lru for its block/body/header caches, generalized here
// from lru.New to lru.NewWithEvict for the zeroizing eviction hook the
// spec calls for.
package cryptocache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/boson-network/boson/id"
	"github.com/boson-network/boson/record"
)

// DefaultSize is the default number of cached contexts, one per remote
// peer a node has recently encrypted to or decrypted from.
const DefaultSize = 256

// Context is a precomputed Curve25519 box shared key between the local
// private key and one remote Id's public key, per spec §9's "model each
// key as a value type owning a fixed-size byte array; zeroize on drop"
// design note.
type Context struct {
	mu     sync.RWMutex
	shared [32]byte
	zeroed bool
}

// Seal encrypts plaintext to the peer this Context was precomputed for.
func (c *Context) Seal(plaintext []byte, nonce *[24]byte) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.zeroed {
		return nil, ErrZeroized
	}
	return box.SealAfterPrecomputation(nil, plaintext, nonce, &c.shared), nil
}

// Open decrypts ciphertext sealed by the peer this Context was
// precomputed for.
func (c *Context) Open(ciphertext []byte, nonce *[24]byte) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.zeroed {
		return nil, ErrZeroized
	}
	out, ok := box.OpenAfterPrecomputation(nil, ciphertext, nonce, &c.shared)
	if !ok {
		return nil, ErrOpenFailed
	}
	return out, nil
}

// zeroize overwrites the shared key in place; called by the cache's
// eviction listener so a context's key material doesn't linger in memory
// past the cache's retention of it.
func (c *Context) zeroize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.shared {
		c.shared[i] = 0
	}
	c.zeroed = true
}

type cacheError string

func (e cacheError) Error() string { return string(e) }

const (
	ErrZeroized   cacheError = "cryptocache: context zeroized (evicted)"
	ErrOpenFailed cacheError = "cryptocache: box authentication failed"
)

// Cache precomputes and caches one Context per remote Id, bounded to a
// fixed size with LRU eviction. The local private key is fixed at
// construction: a node has exactly one identity, so one Cache per node
// suffices (spec §5: concurrency discipline matches the single-threaded
// reactor, so no internal locking beyond the per-Context mutex above is
// required — callers sharing a Cache across goroutines should serialize
// through their own reactor, same as every other node-owned structure).
type Cache struct {
	priv ed25519.PrivateKey
	lru  *lru.Cache
}

// New builds a Cache deriving shared keys from priv, holding up to size
// remote contexts (DefaultSize if size <= 0).
func New(priv ed25519.PrivateKey, size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	c := &Cache{priv: priv}
	l, err := lru.NewWithEvict(size, func(_, value interface{}) {
		value.(*Context).zeroize()
	})
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// Get returns the cached Context for remote, precomputing and inserting
// one on first use.
func (c *Cache) Get(remote id.Id) (*Context, error) {
	if v, ok := c.lru.Get(remote); ok {
		return v.(*Context), nil
	}
	remoteCurve, err := record.PublicKeyToCurve25519(ed25519.PublicKey(remote[:]))
	if err != nil {
		return nil, err
	}
	localCurve := record.PrivateKeyToCurve25519(c.priv)

	ctx := &Context{}
	box.Precompute(&ctx.shared, &remoteCurve, &localCurve)
	c.lru.Add(remote, ctx)
	return ctx, nil
}

// Remove evicts remote's cached context immediately (e.g. on a detected
// key-rotation or liveness failure), zeroizing it via the same path as a
// size-bound eviction.
func (c *Cache) Remove(remote id.Id) {
	c.lru.Remove(remote)
}

// Len reports the number of cached contexts.
func (c *Cache) Len() int { return c.lru.Len() }

// Purge evicts every cached context, zeroizing each through the eviction
// listener. Intended for node shutdown, so shared-key material does not
// outlive the identity it was derived from.
func (c *Cache) Purge() { c.lru.Purge() }
