// bosonnode runs a standalone Boson DHT node: it loads or generates an
// Ed25519 identity, opens the configured address families, joins the
// overlay via its bootstrap list, and serves until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/boson-network/boson/crypto"
	"github.com/boson-network/boson/id"
	"github.com/boson-network/boson/internal/blog"
	"github.com/boson-network/boson/internal/buildinfo"
	"github.com/boson-network/boson/node"
	"github.com/boson-network/boson/record"
	"github.com/boson-network/boson/storage/leveldb"
)

var (
	host4       = flag.String("host4", "0.0.0.0", "IPv4 listen address; empty disables IPv4")
	host6       = flag.String("host6", "", "IPv6 listen address; empty disables IPv6")
	port        = flag.Uint("port", 30700, "UDP port both address families listen on")
	dataDir     = flag.String("datadir", "", "data directory for the node key, bootstrap list and routing-table cache; empty for an ephemeral in-memory node")
	storagePath = flag.String("storage", "", "leveldb path for the record store; empty for <datadir>/storage, or a temporary directory when datadir is empty")
	genKey      = flag.String("genkey", "", "generate a node key, write it to the given file, and quit")
	nodeKeyFile = flag.String("nodekey", "", "private key filename")
	nodeKeyHex  = flag.String("nodekeyhex", "", "private key as hex (for testing)")
	bootstrap   = flag.String("bootstrap", "", "comma-separated list of id@host:port seed nodes")
	devMode     = flag.Bool("devmode", false, "relax Sybil thresholds and accept bogon/LAN peers, for local testing")
	logEvents   = flag.Bool("logevents", false, "emit structured events for routing churn, call timeouts and token rotation")
	versionFlag = flag.Bool("version", false, "print the version identifier and exit")
)

func onlyDoGenKey() {
	_, priv, err := crypto.GenerateKey()
	if err != nil {
		blog.Fatalf("bosonnode: generate key: %v", err)
	}
	if err := crypto.SavePrivateKeyFile(*genKey, priv); err != nil {
		blog.Fatalf("bosonnode: write key file: %v", err)
	}
	os.Exit(0)
}

func loadExplicitKey() *node.Config {
	cfg := &node.Config{}
	switch {
	case *nodeKeyFile != "" && *nodeKeyHex != "":
		blog.Fatalf("bosonnode: -nodekey and -nodekeyhex are mutually exclusive")
	case *nodeKeyFile != "":
		priv, err := crypto.LoadPrivateKeyFile(*nodeKeyFile)
		if err != nil {
			blog.Fatalf("bosonnode: nodekey: %v", err)
		}
		cfg.PrivateKey = priv
	case *nodeKeyHex != "":
		priv, err := crypto.HexToPrivateKey(*nodeKeyHex)
		if err != nil {
			blog.Fatalf("bosonnode: nodekeyhex: %v", err)
		}
		cfg.PrivateKey = priv
	}
	return cfg
}

func main() {
	flag.Var(blog.Verbosity(), "verbosity", "log verbosity (0-9)")
	flag.Var(blog.VModule(), "vmodule", "log verbosity pattern")
	flag.Parse()
	blog.SetEventsEnabled(*logEvents)

	if *versionFlag {
		fmt.Println("bosonnode version", buildinfo.Current().Version)
		os.Exit(0)
	}
	if *genKey != "" {
		onlyDoGenKey()
	}

	blog.Infof("bosonnode: starting, %s", buildinfo.Current())

	cfg := loadExplicitKey()
	cfg.DataDir = *dataDir
	cfg.DeveloperMode = *devMode
	if *bootstrap != "" {
		nodes, err := parseBootstrapFlag(*bootstrap)
		if err != nil {
			blog.Fatalf("bosonnode: -bootstrap: %v", err)
		}
		cfg.Bootstrap = nodes
	}

	store, err := openStorage()
	if err != nil {
		blog.Fatalf("bosonnode: open storage: %v", err)
	}
	defer store.Close()

	conn4, conn6, err := listen()
	if err != nil {
		blog.Fatalf("bosonnode: listen: %v", err)
	}

	n, err := node.New(*cfg, store, conn4, conn6)
	if err != nil {
		blog.Fatalf("bosonnode: %v", err)
	}
	blog.Infof("bosonnode: local id %s", n.LocalID())

	n.AddConnectionStatusListener(func(connected bool) {
		blog.Infof("bosonnode: connectivity changed: connected=%v", connected)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := n.Start(ctx); err != nil {
		blog.Fatalf("bosonnode: start: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	blog.Infof("bosonnode: shutting down")
	cancel()
	if err := n.Shutdown(); err != nil {
		blog.Warningf("bosonnode: shutdown: %v", err)
	}
}

func listen() (conn4, conn6 net.PacketConn, err error) {
	if *host4 != "" {
		conn4, err = net.ListenPacket("udp4", fmt.Sprintf("%s:%d", *host4, *port))
		if err != nil {
			return nil, nil, fmt.Errorf("ip4: %w", err)
		}
	}
	if *host6 != "" {
		conn6, err = net.ListenPacket("udp6", fmt.Sprintf("[%s]:%d", *host6, *port))
		if err != nil {
			return nil, nil, fmt.Errorf("ip6: %w", err)
		}
	}
	return conn4, conn6, nil
}

func openStorage() (*leveldb.Store, error) {
	path := *storagePath
	if path == "" {
		if *dataDir != "" {
			path = *dataDir + "/storage"
		} else {
			dir, err := os.MkdirTemp("", "bosonnode-storage-")
			if err != nil {
				return nil, err
			}
			path = dir
		}
	}
	return leveldb.Open(path)
}

// parseBootstrapFlag parses a "id@host:port,id@host:port" list into
// record.NodeInfo entries, the command-line equivalent of datadir's
// bootstrap.json (node.Config.BootstrapNodes).
func parseBootstrapFlag(s string) ([]record.NodeInfo, error) {
	var out []record.NodeInfo
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		n, err := parseBootstrapEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", entry, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func parseBootstrapEntry(entry string) (record.NodeInfo, error) {
	at := strings.LastIndex(entry, "@")
	if at < 0 {
		return record.NodeInfo{}, fmt.Errorf("expected id@host:port")
	}
	idPart, hostport := entry[:at], entry[at+1:]
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return record.NodeInfo{}, err
	}
	var portNum uint
	if _, err := fmt.Sscanf(portStr, "%d", &portNum); err != nil {
		return record.NodeInfo{}, fmt.Errorf("invalid port %q", portStr)
	}
	nodeID, err := id.FromBase58(idPart)
	if err != nil {
		if nodeID, err = id.FromHex(idPart); err != nil {
			return record.NodeInfo{}, fmt.Errorf("invalid id %q", idPart)
		}
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return record.NodeInfo{}, fmt.Errorf("invalid host %q", host)
	}
	return record.NewNodeInfo(nodeID, ip, uint16(portNum)), nil
}
