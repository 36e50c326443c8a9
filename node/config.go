// Package node implements C7, the Boson node runtime: it boots the
// per-address-family RPC servers and routing tables of C3/C5, drives the
// maintenance loop (bucket refresh, republish, cache snapshotting, token
// rotation) and exposes the public node API external collaborators (the
// CLI, embedding applications) consume.
package node

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"golang.org/x/crypto/ed25519"

	"github.com/boson-network/boson/crypto"
	"github.com/boson-network/boson/id"
	"github.com/boson-network/boson/internal/blog"
	"github.com/boson-network/boson/record"
)

func parseIP(s string) net.IP { return net.ParseIP(s) }

var (
	datadirPrivateKey = "nodekey"        // Path within the datadir to the node's private key.
	datadirBootstrap  = "bootstrap.json" // Path within the datadir to the bootstrap node list (spec §6).
	datadirLock       = "lock"           // Advisory single-instance lock file (spec §6).
	datadirDHT4Cache  = "dht4.cache"     // Routing-table snapshot, IPv4 (spec §4.3).
	datadirDHT6Cache  = "dht6.cache"     // Routing-table snapshot, IPv6 (spec §4.3).
)

// fs wraps afero.Fs, used as a type of its own so a zero-value Config can
// still take its address, matching the teacher's node/config.go.
type fs struct {
	afero.Fs
}

// BootstrapNode is one seed entry in the bootstrap config list (spec §6
// "bootstrap: [{id,host,port}]").
type BootstrapNode struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// Config collects the values spec §6 recognizes plus the runtime tuning
// knobs the maintenance loop needs. A zero Config is usable: DataDir empty
// means ephemeral (in-memory-only identity, no snapshot persistence).
type Config struct {
	// Host4/Host6 are the listen addresses for the IPv4/IPv6 RPC servers;
	// empty disables that address family.
	Host4 string
	Host6 string
	// Port is the UDP port both address families listen on.
	Port uint16

	// DataDir is the directory used for the node key, lock file, bootstrap
	// list and routing-table snapshots. Empty means none of these are
	// persisted; the republish registry then lives in a temporary file that
	// is removed when the registry is closed.
	DataDir string

	// PrivateKey, if set, is used directly instead of loading/generating
	// one from DataDir.
	PrivateKey ed25519.PrivateKey

	// StorageURL names the DataStorage backend's connection string (spec
	// §6); interpreted by the embedding application, not by this package.
	StorageURL string

	// Bootstrap is the seed node list used to join the overlay.
	Bootstrap []record.NodeInfo

	// DeveloperMode relaxes Sybil thresholds and allows bogon/LAN peers
	// (spec §4.5, §6).
	DeveloperMode bool

	// fs abstracts the data directory's filesystem so tests can swap in an
	// in-memory afero.Fs instead of touching real disk (teacher's
	// node/config.go convention).
	fs *fs
}

func (c *Config) filesystem() *fs {
	if c.fs == nil {
		c.fs = &fs{afero.NewOsFs()}
	}
	return c.fs
}

// NodeKey returns the node's private key: any explicitly configured key
// first, otherwise the one persisted in DataDir, generating and persisting
// a fresh one if none exists yet. An empty DataDir yields an ephemeral key
// that is never written to disk.
func (c *Config) NodeKey() (ed25519.PrivateKey, error) {
	if c.PrivateKey != nil {
		return c.PrivateKey, nil
	}
	if c.DataDir == "" {
		_, priv, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("node: generate ephemeral key: %w", err)
		}
		return priv, nil
	}

	afs := c.filesystem()
	keyfile := filepath.Join(c.DataDir, datadirPrivateKey)
	if f, err := afs.Open(keyfile); err == nil {
		defer f.Close()
		priv, err := crypto.LoadPrivateKey(f)
		if err != nil {
			return nil, fmt.Errorf("node: load key file: %w", err)
		}
		return priv, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("node: open key file: %w", err)
	}

	_, priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("node: generate key: %w", err)
	}
	if err := afs.MkdirAll(c.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}
	f, err := afs.OpenFile(keyfile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("node: create key file: %w", err)
	}
	defer f.Close()
	if _, err := crypto.WritePrivateKey(f, priv); err != nil {
		blog.Warningf("node: failed to persist node key: %v", err)
	}
	return priv, nil
}

// BootstrapNodes returns the configured Bootstrap list, falling back to
// parsing bootstrap.json out of DataDir when Bootstrap was left nil (spec
// §6's JSON-configured seed list).
func (c *Config) BootstrapNodes() []record.NodeInfo {
	if len(c.Bootstrap) > 0 || c.DataDir == "" {
		return c.Bootstrap
	}
	afs := c.filesystem()
	path := filepath.Join(c.DataDir, datadirBootstrap)
	blob, err := afero.ReadFile(afs, path)
	if err != nil {
		return nil
	}
	var entries []BootstrapNode
	if err := json.Unmarshal(blob, &entries); err != nil {
		blog.Warningf("node: failed to parse %s: %v", path, err)
		return nil
	}
	out := make([]record.NodeInfo, 0, len(entries))
	for _, e := range entries {
		nodeID, err := id.FromBase58(e.ID)
		if err != nil {
			if nodeID, err = id.FromHex(e.ID); err != nil {
				blog.Warningf("node: bootstrap entry %q: %v", e.ID, err)
				continue
			}
		}
		host := parseIP(e.Host)
		if host == nil {
			blog.Warningf("node: bootstrap entry %q: invalid host %q", e.ID, e.Host)
			continue
		}
		out = append(out, record.NewNodeInfo(nodeID, host, e.Port))
	}
	return out
}

// DHT4CachePath and DHT6CachePath resolve the routing-table snapshot paths
// within DataDir (spec §6 "dht4.cache, dht6.cache"); empty when DataDir is
// unset, meaning snapshot persistence is disabled.
func (c *Config) DHT4CachePath() string {
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, datadirDHT4Cache)
}

func (c *Config) DHT6CachePath() string {
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, datadirDHT6Cache)
}

// LockPath resolves the advisory single-instance lock file path (spec §6).
func (c *Config) LockPath() string {
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, datadirLock)
}
