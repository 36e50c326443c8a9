package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	bolt "github.com/boltdb/bolt"
	"golang.org/x/crypto/ed25519"

	"github.com/boson-network/boson/id"
	"github.com/boson-network/boson/internal/blog"
	"github.com/boson-network/boson/internal/cryptocache"
	"github.com/boson-network/boson/internal/netutil"
	"github.com/boson-network/boson/kbucket"
	"github.com/boson-network/boson/lookup"
	"github.com/boson-network/boson/record"
	"github.com/boson-network/boson/rpc"
	"github.com/boson-network/boson/storage"
	"github.com/boson-network/boson/wire"
)

// Defaults for the maintenance loop (spec §4.7).
const (
	DefaultBucketRefreshInterval = 15 * time.Minute
	DefaultRepublishInterval     = time.Hour
	DefaultSnapshotInterval      = 10 * time.Minute
)

// Routing-table IP diversity defaults, enforced outside developer mode: at
// most defaultSubnetLimit trusted entries per /defaultSubnetBits subnet.
const (
	defaultSubnetBits  = 24
	defaultSubnetLimit = 10
)

// ConnectionStatusListener is notified whenever the node's perceived
// connectivity to the overlay changes (spec §4.7 public API
// "addConnectionStatusListener").
type ConnectionStatusListener func(connected bool)

// family bundles one address family's routing table, RPC server and
// lookup.Sender adapter — the "per address family" unit spec §4.1/§4.7
// boots (C3+C5 instantiated once per family the node listens on).
type family struct {
	name   string
	conn   net.PacketConn
	rt     *kbucket.RoutingTable
	srv    *rpc.Server
	sender lookup.ServerSender

	mu           sync.Mutex
	lastRefresh  map[kbucket.Prefix]time.Time
}

func (f *family) markRefreshed(p kbucket.Prefix, at time.Time) {
	f.mu.Lock()
	f.lastRefresh[p] = at
	f.mu.Unlock()
}

func (f *family) needsRefresh(p kbucket.Prefix, now time.Time, interval time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	last, ok := f.lastRefresh[p]
	return !ok || now.Sub(last) >= interval
}

// Node is C7, the Boson runtime: it owns the per-family RPC servers and
// routing tables (never the reverse — spec §9 "cyclic references... the
// node owns the RPC servers and the lookup engine"), the record storage
// handle, and the maintenance loop, and exposes the public node API.
type Node struct {
	cfg   Config
	priv  ed25519.PrivateKey
	local id.Id

	storage storage.DataStorage
	reg     *registry
	lock    *bolt.DB // held open for the process lifetime; its exclusive file lock is the single-instance guard
	boxCtxs *cryptocache.Cache

	families []*family

	lookupCfg lookup.Config

	mu        sync.Mutex
	connected bool
	listeners []ConnectionStatusListener

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New boots a Node: loads or generates the identity key, opens conn4/conn6
// (whichever the caller supplies; either may be nil to disable that
// family), loads any cached routing tables, and wires C4's handler so
// inbound requests are served. It does not start the maintenance loop or
// dial bootstrap nodes; call Start for that, once the caller is ready to
// also begin serving (Serve must be driven by the caller or by Start).
func New(cfg Config, store storage.DataStorage, conn4, conn6 net.PacketConn) (*Node, error) {
	priv, err := cfg.NodeKey()
	if err != nil {
		return nil, fmt.Errorf("node: load identity: %w", err)
	}
	local, err := id.FromBytes([]byte(priv.Public().(ed25519.PublicKey)))
	if err != nil {
		return nil, fmt.Errorf("node: derive local id: %w", err)
	}

	var lock *bolt.DB
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("node: create data dir: %w", err)
		}
		// The lock file is held for the node's lifetime; a second instance
		// pointed at the same data directory fails here instead of racing
		// the first for the caches (spec §6).
		lock, err = bolt.Open(cfg.LockPath(), 0600, &bolt.Options{Timeout: 250 * time.Millisecond})
		if err != nil {
			return nil, fmt.Errorf("node: data directory in use by another instance: %w", err)
		}
	}

	reg, err := openRegistry(cfg.republishDBPath())
	if err != nil {
		if lock != nil {
			lock.Close()
		}
		return nil, fmt.Errorf("node: open republish registry: %w", err)
	}

	boxCtxs, err := cryptocache.New(priv, 0)
	if err != nil {
		reg.Close()
		if lock != nil {
			lock.Close()
		}
		return nil, fmt.Errorf("node: init box context cache: %w", err)
	}

	n := &Node{
		cfg:     cfg,
		priv:    priv,
		local:   local,
		storage: store,
		reg:     reg,
		lock:    lock,
		boxCtxs: boxCtxs,
		lookupCfg: lookup.Config{
			Accept: acceptFilter(cfg.DeveloperMode),
		},
		stop: make(chan struct{}),
	}

	closeOnErr := func() {
		reg.Close()
		if lock != nil {
			lock.Close()
		}
	}
	if conn4 != nil {
		f, err := n.newFamily("ip4", conn4, cfg.DHT4CachePath())
		if err != nil {
			closeOnErr()
			return nil, err
		}
		n.families = append(n.families, f)
	}
	if conn6 != nil {
		f, err := n.newFamily("ip6", conn6, cfg.DHT6CachePath())
		if err != nil {
			closeOnErr()
			return nil, err
		}
		n.families = append(n.families, f)
	}
	if len(n.families) == 0 {
		closeOnErr()
		return nil, fmt.Errorf("node: at least one address family must be configured")
	}
	return n, nil
}

func (c *Config) republishDBPath() string {
	if c.DataDir == "" {
		return ""
	}
	return c.DataDir + "/republish.db"
}

func (n *Node) newFamily(name string, conn net.PacketConn, cachePath string) (*family, error) {
	rt := kbucket.New(n.local)
	if !n.cfg.DeveloperMode {
		rt.LimitSubnets(defaultSubnetBits, defaultSubnetLimit)
	}
	if cachePath != "" {
		if err := rt.Load(cachePath); err != nil {
			blog.V(1).Infof(blog.Default, "node: no usable %s routing table cache: %v", name, err)
		}
	}
	throttle := rpc.NewThrottle(n.cfg.DeveloperMode)
	tokens := rpc.NewTokenIssuer()
	metrics := rpc.NewMetrics(nil)

	f := &family{name: name, conn: conn, rt: rt, lastRefresh: make(map[kbucket.Prefix]time.Time)}
	f.srv = rpc.NewServer(conn, &requestHandler{node: n, family: f}, throttle, tokens, metrics)
	f.sender = lookup.ServerSender{Server: f.srv}
	return f, nil
}

// acceptFilter builds the lookup engine's candidate filter (spec §4.6 step
// 2: "skip bogons unless in dev mode").
func acceptFilter(devMode bool) func(record.NodeInfo) bool {
	if devMode {
		return nil
	}
	return func(n record.NodeInfo) bool {
		return !netutil.IsBogon(n.Host)
	}
}

// Start begins serving inbound packets on every configured family and
// launches the maintenance loop (bucket refresh, republish, snapshotting,
// token rotation), then dials the configured bootstrap nodes.
func (n *Node) Start(ctx context.Context) error {
	for _, f := range n.families {
		f := f
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := f.srv.Serve(); err != nil {
				blog.Errorf("node: %s server stopped: %v", f.name, err)
			}
		}()
	}

	n.wg.Add(1)
	go n.maintenanceLoop(ctx)

	n.bootstrap(ctx)
	return nil
}

// bootstrap pings every configured seed node so it becomes eligible for
// routing-table insertion (spec §4.7 "bootstrap via seed nodes"); each
// successful pong populates the routing table of whichever family the
// seed's address belongs to.
func (n *Node) bootstrap(ctx context.Context) {
	for _, seed := range n.cfg.BootstrapNodes() {
		f := n.familyFor(seed.Host)
		if f == nil {
			continue
		}
		go n.ping(ctx, f, seed)
	}
}

// familyFor returns the family whose socket matches host's address
// family, or nil if none is configured.
func (n *Node) familyFor(host net.IP) *family {
	isV4 := host.To4() != nil
	for _, f := range n.families {
		if (f.name == "ip4") == isV4 {
			return f
		}
	}
	return nil
}

// ping issues a liveness check against dest and folds the outcome into f's
// routing table: success promotes dest to a trusted entry, failure records
// it against any existing entry (spec §4.3 put algorithm). The measured
// round-trip time is not passed on: Put records a zero RTT sample.
func (n *Node) ping(ctx context.Context, f *family, dest record.NodeInfo) bool {
	call, err := f.srv.Call(dest, wire.MethodPing, wire.PingRequest{}, 0)
	if err != nil {
		f.rt.RecordFailure(dest.ID, time.Now())
		return false
	}
	start := time.Now()
	_, err = call.Wait()
	if err != nil {
		f.rt.RecordFailure(dest.ID, time.Now())
		n.setConnected(n.anyFamilyHasEntries())
		return false
	}
	_ = time.Since(start)
	f.rt.Put(dest, true, time.Now())
	n.setConnected(true)
	return true
}

func (n *Node) anyFamilyHasEntries() bool {
	for _, f := range n.families {
		if len(f.rt.AllEntries()) > 0 {
			return true
		}
	}
	return false
}

func (n *Node) setConnected(connected bool) {
	n.mu.Lock()
	changed := n.connected != connected
	n.connected = connected
	listeners := append([]ConnectionStatusListener(nil), n.listeners...)
	n.mu.Unlock()
	if !changed {
		return
	}
	for _, l := range listeners {
		l(connected)
	}
}

// AddConnectionStatusListener registers fn to be called whenever the
// node's perceived connectivity changes.
func (n *Node) AddConnectionStatusListener(fn ConnectionStatusListener) {
	n.mu.Lock()
	n.listeners = append(n.listeners, fn)
	n.mu.Unlock()
}

// LocalID returns the node's own identifier.
func (n *Node) LocalID() id.Id { return n.local }

// FindNode runs an iterative FindNode lookup toward target on every
// configured family and merges the closest results (spec §4.6, §4.7
// public API "findNode").
func (n *Node) FindNode(ctx context.Context, target id.Id) ([]record.NodeInfo, error) {
	var merged []record.NodeInfo
	for _, f := range n.families {
		res, err := lookup.FindNode(ctx, f.sender, f.rt, n.local, target, n.lookupCfg)
		if err != nil && res == nil {
			continue
		}
		if res != nil {
			merged = append(merged, res.Closest...)
		}
	}
	return merged, nil
}

// FindValue resolves target first against local storage (this node may be
// among the record's K closest holders) and then via an iterative FindValue
// lookup per family, returning the highest-sequence mutable value seen, or
// the first immutable hit (spec §4.6, §4.7 public API "findValue").
func (n *Node) FindValue(ctx context.Context, target id.Id) (*record.Value, error) {
	var best *record.Value
	if v, err := n.storage.GetValue(ctx, target); err == nil {
		if !v.IsMutable() {
			return &v, nil
		}
		best = &v
	}
	for _, f := range n.families {
		res, err := lookup.FindValue(ctx, f.sender, f.rt, n.local, target, n.lookupCfg)
		if err != nil || res.Value == nil {
			continue
		}
		if !res.Value.IsMutable() {
			return res.Value, nil
		}
		if best == nil || res.Value.Sequence() > best.Sequence() {
			best = res.Value
		}
	}
	if best != nil {
		return best, nil
	}
	return nil, storage.ErrNotFound
}

// FindPeer merges this node's own stored announcements under target with
// the results of an iterative FindPeer lookup per family, deduplicating by
// the (peer id, fingerprint) composite key (spec §3, §4.6, §4.7 public API
// "findPeer").
func (n *Node) FindPeer(ctx context.Context, target id.Id) ([]record.PeerInfo, error) {
	type peerKey struct {
		id id.Id
		fp int64
	}
	seen := make(map[peerKey]bool)
	var merged []record.PeerInfo
	add := func(peers []record.PeerInfo) {
		for _, p := range peers {
			k := peerKey{id: p.ID(), fp: p.Fingerprint()}
			if seen[k] {
				continue
			}
			seen[k] = true
			merged = append(merged, p)
		}
	}

	if local, err := n.storage.GetPeers(ctx, target); err == nil {
		add(local)
	}
	for _, f := range n.families {
		res, err := lookup.FindPeer(ctx, f.sender, f.rt, n.local, target, n.lookupCfg)
		if err != nil && res == nil {
			continue
		}
		if res != nil {
			add(res.Peers)
		}
	}
	return merged, nil
}

// StoreValue runs the FindNode-plus-token-fanout write protocol on every
// configured family independently: a token issued by one family's server
// only verifies against that same family's TokenIssuer, so write fanout
// cannot be merged the way reads are (spec §4.4, §4.7 public API
// "storeValue"). It also records v as owned in the republish registry so
// the maintenance loop keeps it alive.
func (n *Node) StoreValue(ctx context.Context, v record.Value) (lookup.WriteResult, error) {
	best := lookup.WriteResult{}
	var lastErr error
	for _, f := range n.families {
		res, err := lookup.StoreValue(ctx, f.sender, f.rt, n.local, v, n.lookupCfg)
		best.Attempted += res.Attempted
		best.Successes += res.Successes
		if err != nil {
			lastErr = err
		}
	}
	if best.Successes > 0 {
		if err := n.storage.PutValue(ctx, v); err != nil && !errors.Is(err, storage.ErrSequenceNotMonotonic) {
			blog.Warningf("node: failed to keep owned value %s locally: %v", v.Id(), err)
		}
		if err := n.reg.MarkValue(v.Id(), time.Now()); err != nil {
			blog.Warningf("node: failed to record owned value %s: %v", v.Id(), err)
		}
	}
	return best, lastErr
}

// AnnouncePeer runs the FindNode-plus-token-fanout write protocol to
// announce p, on every configured family. The rendezvous id is p's own
// service key (spec §3). On success the announcement is kept in local
// storage and recorded as owned, so the maintenance loop can republish it
// from this node's own copy.
func (n *Node) AnnouncePeer(ctx context.Context, p record.PeerInfo) (lookup.WriteResult, error) {
	best := lookup.WriteResult{}
	var lastErr error
	for _, f := range n.families {
		res, err := lookup.AnnouncePeer(ctx, f.sender, f.rt, n.local, p, n.lookupCfg)
		best.Attempted += res.Attempted
		best.Successes += res.Successes
		if err != nil {
			lastErr = err
		}
	}
	if best.Successes > 0 {
		if err := n.storage.PutPeer(ctx, p.ID(), p); err != nil {
			blog.Warningf("node: failed to keep owned peer %s locally: %v", p.ID(), err)
		}
		if err := n.reg.MarkPeer(p.ID(), p.Fingerprint(), time.Now()); err != nil {
			blog.Warningf("node: failed to record owned peer %s: %v", p.ID(), err)
		}
	}
	return best, lastErr
}

// GetStorage exposes the DataStorage backend for direct inspection (spec
// §4.7 public API "getStorage"), e.g. the reference CLI's "storage"
// subcommands.
func (n *Node) GetStorage() storage.DataStorage { return n.storage }

// Encrypt seals plaintext from this node's identity to recipient with a
// crypto_box under nonce. The Curve25519 shared key per recipient is
// precomputed once and cached, so repeated exchanges with the same peer
// skip the scalar multiplication.
func (n *Node) Encrypt(recipient id.Id, nonce [record.NonceSize]byte, plaintext []byte) ([]byte, error) {
	ctx, err := n.boxCtxs.Get(recipient)
	if err != nil {
		return nil, err
	}
	return ctx.Seal(plaintext, &nonce)
}

// Decrypt opens ciphertext sealed by sender for this node under nonce,
// using the same per-peer context cache as Encrypt (box shared keys are
// symmetric between the two directions).
func (n *Node) Decrypt(sender id.Id, nonce [record.NonceSize]byte, ciphertext []byte) ([]byte, error) {
	ctx, err := n.boxCtxs.Get(sender)
	if err != nil {
		return nil, err
	}
	return ctx.Open(ciphertext, &nonce)
}

// RoutingTableSnapshot returns every routing-table entry per configured
// address family, for the reference CLI's "routingtable" subcommand. Not
// part of the core public API (spec §4.7 names only findNode/findValue/
// findPeer/storeValue/announcePeer/getStorage/addConnectionStatusListener/
// shutdown); diagnostic-only.
func (n *Node) RoutingTableSnapshot() map[string][]*kbucket.Entry {
	out := make(map[string][]*kbucket.Entry, len(n.families))
	for _, f := range n.families {
		out[f.name] = f.rt.AllEntries()
	}
	return out
}

// Shutdown stops the maintenance loop, closes every family's RPC server
// (canceling in-flight calls) and registry, and saves a final routing
// table snapshot (spec §4.7 "cache save... on graceful shutdown").
func (n *Node) Shutdown() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.stop)
		for _, f := range n.families {
			if e := f.srv.Close(); e != nil && err == nil {
				err = e
			}
		}
		n.wg.Wait()
		for _, f := range n.families {
			n.saveSnapshot(f)
		}
		n.boxCtxs.Purge()
		if e := n.reg.Close(); e != nil && err == nil {
			err = e
		}
		if n.lock != nil {
			if e := n.lock.Close(); e != nil && err == nil {
				err = e
			}
		}
	})
	return err
}

// closestSplit gathers every configured family's K closest known nodes to
// target and splits the union back into per-family slices (spec §4.4:
// FindNodeResponse/FindValueResponse/FindPeerResponse always carry both n4
// and n6, regardless of which socket the request arrived on).
func (n *Node) closestSplit(target id.Id) (n4, n6 []record.NodeInfo) {
	for _, f := range n.families {
		for _, info := range f.rt.KClosest(target, lookup.DefaultK, false, n.lookupCfg.Accept) {
			if info.IsIPv4() {
				n4 = append(n4, info)
			} else {
				n6 = append(n6, info)
			}
		}
	}
	return n4, n6
}

func now() time.Time { return time.Now() }

func (n *Node) saveSnapshot(f *family) {
	var path string
	if f.name == "ip4" {
		path = n.cfg.DHT4CachePath()
	} else {
		path = n.cfg.DHT6CachePath()
	}
	if path == "" {
		return
	}
	if err := f.rt.Save(path); err != nil {
		blog.Warningf("node: failed to save %s routing table snapshot: %v", f.name, err)
	}
}
