// boson is the reference command-line front end over the node API (spec
// §6 CLI surface): a thin external collaborator, not part of the core
// contract, plus an interactive shell for working a running node by hand.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/peterh/liner"
	"golang.org/x/crypto/ed25519"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/boson-network/boson/crypto"
	"github.com/boson-network/boson/id"
	"github.com/boson-network/boson/internal/buildinfo"
	"github.com/boson-network/boson/kbucket"
	"github.com/boson-network/boson/node"
	"github.com/boson-network/boson/record"
	"github.com/boson-network/boson/storage/leveldb"
)

var (
	flagDataDir = cli.StringFlag{Name: "datadir", Usage: "node data directory"}
	flagHost4   = cli.StringFlag{Name: "host4", Value: "0.0.0.0", Usage: "IPv4 listen address"}
	flagHost6   = cli.StringFlag{Name: "host6", Usage: "IPv6 listen address"}
	flagPort    = cli.IntFlag{Name: "port", Value: 30700, Usage: "UDP port"}
	flagDevMode = cli.BoolFlag{Name: "devmode", Usage: "relax Sybil thresholds, accept bogon/LAN peers"}
)

func main() {
	app := cli.NewApp()
	app.Name = "boson"
	app.Usage = "reference command-line front end for a Boson DHT node"
	app.Version = buildinfo.Current().Version
	app.Flags = []cli.Flag{flagDataDir, flagHost4, flagHost6, flagPort, flagDevMode}
	app.Commands = []cli.Command{
		{Name: "id", Usage: "print the node's identity", Action: cmdID},
		{Name: "keygen", Usage: "generate a node key", ArgsUsage: "<file>", Action: cmdKeygen},
		{Name: "bootstrap", Usage: "print the configured bootstrap nodes", Action: cmdBootstrap},
		{Name: "findnode", Usage: "iteratively find nodes near an id", ArgsUsage: "<id>", Action: cmdFindNode},
		{Name: "findvalue", Usage: "iteratively find a value by id", ArgsUsage: "<id>", Action: cmdFindValue},
		{Name: "storevalue", Usage: "store an immutable value", ArgsUsage: "<data>", Action: cmdStoreValue},
		{Name: "findpeer", Usage: "find peers announced under an id", ArgsUsage: "<id>", Action: cmdFindPeer},
		{Name: "announcepeer", Usage: "announce a service peer reachable at an endpoint", ArgsUsage: "<endpoint> [keyfile]", Action: cmdAnnouncePeer},
		{Name: "routingtable", Usage: "dump the in-memory routing table", Action: cmdRoutingTable},
		{
			Name:      "storage",
			Usage:     "inspect the local record store",
			ArgsUsage: "listvalue|value <id>|listpeer|peer <id>",
			Action:    cmdStorage,
		},
		{
			Name:      "displaycache",
			Usage:     "dump a routing-table snapshot file",
			ArgsUsage: "[-4|-6] [path]",
			Flags:     []cli.Flag{cli.BoolFlag{Name: "4"}, cli.BoolFlag{Name: "6"}},
			Action:    cmdDisplayCache,
		},
		{Name: "shell", Usage: "start an interactive shell over a local node", Action: cmdShell},
		{Name: "stop", Usage: "no-op placeholder; exits the interactive shell when typed there", Action: func(*cli.Context) error { return nil }},
	}

	if err := app.Run(os.Args); err != nil {
		color.Red("boson: %v", err)
		os.Exit(1)
	}
}

// bootNode builds and starts an ephemeral node from ctx's global flags,
// for the one-shot subcommands; cmdShell keeps one alive across commands
// instead.
func bootNode(ctx *cli.Context) (*node.Node, func(), error) {
	cfg := node.Config{
		Host4:         ctx.GlobalString("host4"),
		Host6:         ctx.GlobalString("host6"),
		Port:          uint16(ctx.GlobalInt("port")),
		DataDir:       ctx.GlobalString("datadir"),
		DeveloperMode: ctx.GlobalBool("devmode"),
	}

	storagePath := ""
	if cfg.DataDir != "" {
		storagePath = cfg.DataDir + "/storage"
	} else {
		dir, err := os.MkdirTemp("", "boson-cli-storage-")
		if err != nil {
			return nil, nil, err
		}
		storagePath = dir
	}
	store, err := leveldb.Open(storagePath)
	if err != nil {
		return nil, nil, err
	}

	var conn4, conn6 net.PacketConn
	if cfg.Host4 != "" {
		if conn4, err = net.ListenPacket("udp4", fmt.Sprintf("%s:%d", cfg.Host4, cfg.Port)); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	if cfg.Host6 != "" {
		if conn6, err = net.ListenPacket("udp6", fmt.Sprintf("[%s]:%d", cfg.Host6, cfg.Port)); err != nil {
			store.Close()
			return nil, nil, err
		}
	}

	n, err := node.New(cfg, store, conn4, conn6)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	nctx, cancel := context.WithCancel(context.Background())
	if err := n.Start(nctx); err != nil {
		cancel()
		store.Close()
		return nil, nil, err
	}
	cleanup := func() {
		cancel()
		n.Shutdown()
		store.Close()
	}
	return n, cleanup, nil
}

func parseID(s string) (id.Id, error) {
	if nodeID, err := id.FromBase58(s); err == nil {
		return nodeID, nil
	}
	return id.FromHex(s)
}

func cmdID(ctx *cli.Context) error {
	n, cleanup, err := bootNode(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	color.Green("%s", n.LocalID())
	fmt.Println(buildinfo.Current())
	return nil
}

func cmdKeygen(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("usage: boson keygen <file>")
	}
	_, priv, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	if err := crypto.SavePrivateKeyFile(ctx.Args().First(), priv); err != nil {
		return err
	}
	localID, _ := crypto.IdOf(priv)
	color.Green("generated key for %s", localID)
	return nil
}

func cmdBootstrap(ctx *cli.Context) error {
	cfg := node.Config{DataDir: ctx.GlobalString("datadir")}
	for _, n := range cfg.BootstrapNodes() {
		fmt.Println(n)
	}
	return nil
}

func cmdFindNode(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("usage: boson findnode <id>")
	}
	target, err := parseID(ctx.Args().First())
	if err != nil {
		return err
	}
	n, cleanup, err := bootNode(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	nodes, err := n.FindNode(context.Background(), target)
	if err != nil {
		return err
	}
	for _, info := range nodes {
		fmt.Println(info)
	}
	return nil
}

func cmdFindValue(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("usage: boson findvalue <id>")
	}
	target, err := parseID(ctx.Args().First())
	if err != nil {
		return err
	}
	n, cleanup, err := bootNode(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	v, err := n.FindValue(context.Background(), target)
	if err != nil {
		return err
	}
	fmt.Printf("seq=%d mutable=%v encrypted=%v data=%q\n", v.Sequence(), v.IsMutable(), v.IsEncrypted(), v.Data())
	return nil
}

func cmdStoreValue(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("usage: boson storevalue <data>")
	}
	v := record.CreateValue([]byte(ctx.Args().First()))
	n, cleanup, err := bootNode(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	res, err := n.StoreValue(context.Background(), v)
	if err != nil {
		return err
	}
	color.Green("stored %s: %d/%d responders acknowledged", v.Id(), res.Successes, res.Attempted)
	return nil
}

func cmdFindPeer(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("usage: boson findpeer <id>")
	}
	target, err := parseID(ctx.Args().First())
	if err != nil {
		return err
	}
	n, cleanup, err := bootNode(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	peers, err := n.FindPeer(context.Background(), target)
	if err != nil {
		return err
	}
	for _, p := range peers {
		fmt.Printf("%s endpoint=%q authenticated=%v\n", p.ID(), p.Endpoint(), p.IsAuthenticated())
	}
	return nil
}

func cmdAnnouncePeer(ctx *cli.Context) error {
	if ctx.NArg() < 1 || ctx.NArg() > 2 {
		return fmt.Errorf("usage: boson announcepeer <endpoint> [keyfile]")
	}
	endpoint := ctx.Args().Get(0)

	// The service key is the rendezvous id the announcement is stored
	// under; load it from a file to re-announce an existing service, or
	// generate a throwaway one.
	var priv ed25519.PrivateKey
	var err error
	if keyfile := ctx.Args().Get(1); keyfile != "" {
		if priv, err = crypto.LoadPrivateKeyFile(keyfile); err != nil {
			return err
		}
	} else if _, priv, err = crypto.GenerateKey(); err != nil {
		return err
	}

	n, cleanup, err := bootNode(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	p, err := record.CreatePeerInfo(priv, nil, 1, time.Now().UnixNano(), endpoint, nil)
	if err != nil {
		return err
	}
	res, err := n.AnnouncePeer(context.Background(), p)
	if err != nil {
		return err
	}
	color.Green("announced service %s at %q: %d/%d responders acknowledged", p.ID(), endpoint, res.Successes, res.Attempted)
	return nil
}

func cmdRoutingTable(ctx *cli.Context) error {
	n, cleanup, err := bootNode(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	for family, entries := range n.RoutingTableSnapshot() {
		fmt.Printf("-- %s (%d entries) --\n", family, len(entries))
		for _, e := range entries {
			fmt.Printf("%s reachable=%v failed=%d rtt=%s\n", e.NodeInfo, e.Reachable, e.FailedRequests, e.AvgRTT)
		}
	}
	return nil
}

func cmdStorage(ctx *cli.Context) error {
	n, cleanup, err := bootNode(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	background := context.Background()
	store := n.GetStorage()

	args := ctx.Args()
	switch args.First() {
	case "listvalue":
		ids, err := store.ListValues(background)
		if err != nil {
			return err
		}
		for _, i := range ids {
			fmt.Println(i)
		}
	case "value":
		if len(args) != 2 {
			return fmt.Errorf("usage: boson storage value <id>")
		}
		target, err := parseID(args.Get(1))
		if err != nil {
			return err
		}
		v, err := store.GetValue(background, target)
		if err != nil {
			return err
		}
		fmt.Printf("seq=%d mutable=%v encrypted=%v data=%q\n", v.Sequence(), v.IsMutable(), v.IsEncrypted(), v.Data())
	case "listpeer":
		targets, err := store.ListPeerTargets(background)
		if err != nil {
			return err
		}
		for _, t := range targets {
			fmt.Println(t)
		}
	case "peer":
		if len(args) != 2 {
			return fmt.Errorf("usage: boson storage peer <id>")
		}
		target, err := parseID(args.Get(1))
		if err != nil {
			return err
		}
		peers, err := store.GetPeers(background, target)
		if err != nil {
			return err
		}
		for _, p := range peers {
			fmt.Printf("%s endpoint=%q\n", p.ID(), p.Endpoint())
		}
	default:
		return fmt.Errorf("usage: boson storage listvalue|value <id>|listpeer|peer <id>")
	}
	return nil
}

func cmdDisplayCache(ctx *cli.Context) error {
	path := ctx.Args().First()
	if path == "" {
		cfg := node.Config{DataDir: ctx.GlobalString("datadir")}
		if ctx.Bool("6") {
			path = cfg.DHT6CachePath()
		} else {
			path = cfg.DHT4CachePath()
		}
	}
	if path == "" {
		return fmt.Errorf("usage: boson displaycache [-4|-6] [path]")
	}
	rt := kbucket.New(id.Random())
	if err := rt.Load(path); err != nil {
		return err
	}
	for _, e := range rt.AllEntries() {
		fmt.Printf("%s reachable=%v failed=%d rtt=%s lastSeen=%s\n", e.NodeInfo, e.Reachable, e.FailedRequests, e.AvgRTT, e.LastSeen)
	}
	return nil
}

// cmdShell starts one long-lived node and an interactive line-editing
// session over it, reusing the same dispatch table the one-shot
// subcommands use (the library seam this carries is peterh/liner's: input
// history and line editing only, not a scripting language).
func cmdShell(ctx *cli.Context) error {
	n, cleanup, err := bootNode(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	color.Cyan("boson shell — local id %s. Type 'stop' to exit.", n.LocalID())

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	for {
		input, err := line.Prompt("boson> ")
		if err != nil {
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)
		if input == "stop" {
			return nil
		}
		if err := dispatchShellLine(n, input); err != nil {
			color.Red("error: %v", err)
		}
	}
}

// dispatchShellLine re-runs the read-only/write node-API commands against
// the shell's already-running node, skipping bootNode/cleanup since the
// node is shared across the whole session.
func dispatchShellLine(n *node.Node, line string) error {
	fields := strings.Fields(line)
	ctx := context.Background()
	switch fields[0] {
	case "id":
		color.Green("%s", n.LocalID())
	case "findnode":
		if len(fields) != 2 {
			return fmt.Errorf("usage: findnode <id>")
		}
		target, err := parseID(fields[1])
		if err != nil {
			return err
		}
		nodes, err := n.FindNode(ctx, target)
		if err != nil {
			return err
		}
		for _, info := range nodes {
			fmt.Println(info)
		}
	case "findvalue":
		if len(fields) != 2 {
			return fmt.Errorf("usage: findvalue <id>")
		}
		target, err := parseID(fields[1])
		if err != nil {
			return err
		}
		v, err := n.FindValue(ctx, target)
		if err != nil {
			return err
		}
		fmt.Printf("seq=%d data=%q\n", v.Sequence(), v.Data())
	case "storevalue":
		if len(fields) != 2 {
			return fmt.Errorf("usage: storevalue <data>")
		}
		v := record.CreateValue([]byte(fields[1]))
		res, err := n.StoreValue(ctx, v)
		if err != nil {
			return err
		}
		color.Green("stored %s: %d/%d acknowledged", v.Id(), res.Successes, res.Attempted)
	case "findpeer":
		if len(fields) != 2 {
			return fmt.Errorf("usage: findpeer <id>")
		}
		target, err := parseID(fields[1])
		if err != nil {
			return err
		}
		peers, err := n.FindPeer(ctx, target)
		if err != nil {
			return err
		}
		for _, p := range peers {
			fmt.Printf("%s endpoint=%q\n", p.ID(), p.Endpoint())
		}
	case "routingtable":
		for family, entries := range n.RoutingTableSnapshot() {
			fmt.Printf("-- %s (%d entries) --\n", family, len(entries))
		}
	default:
		return fmt.Errorf("unrecognized command %q", fields[0])
	}
	return nil
}
