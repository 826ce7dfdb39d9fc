package dhtnode

import (
	"context"
	"net/netip"
	"sort"
	"strings"
	"time"

	"swarm-dht/internal/dht"
)

const commandTimeout = 30 * time.Second

// handleCommand runs one stdin line. It returns false when the user asked
// to quit.
func (a *App) handleCommand(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch cmd {
	case "/quit", "/exit":
		a.ui.Println("quitting...")
		return false

	case "/me":
		a.printMe()

	case "/announce", "/unannounce":
		topic, err := parseTopic(arg)
		if err != nil {
			a.ui.Printf("usage: %s <topic>\n", cmd)
			return true
		}
		var wr dht.WriteResult
		if cmd == "/announce" {
			wr, err = a.DHT.Announce(ctx, topic)
		} else {
			wr, err = a.DHT.Unannounce(ctx, topic)
		}
		if err != nil {
			a.ui.Printf("%s: %v\n", cmd, err)
			return true
		}
		a.printWrite(strings.TrimPrefix(cmd, "/"), topic, wr)

	case "/lookup":
		topic, err := parseTopic(arg)
		if err != nil {
			a.ui.Println("usage: /lookup <topic>")
			return true
		}
		res, err := a.DHT.Lookup(ctx, topic)
		if err != nil {
			a.ui.Printf("/lookup: %v\n", err)
			return true
		}
		if len(res.Peers) == 0 {
			a.ui.Printf("no peers under %s\n", shortID(topic.Hex()))
			return true
		}
		a.ui.Printf("%-16s  %s\n", "PEER", "ADDR")
		for _, p := range res.Peers {
			a.ui.Printf("%-16s  %s\n", formatName("", p.PeerID.Hex()), p.Addr)
		}

	case "/put":
		if arg == "" {
			a.ui.Println("usage: /put <text>")
			return true
		}
		key, wr, err := a.DHT.PutImmutable(ctx, []byte(arg))
		if err != nil {
			a.ui.Printf("/put: %v\n", err)
			return true
		}
		a.printWrite("put", key, wr)
		a.ui.Printf("key: %s\n", key.Hex())

	case "/mput":
		salt, text, ok := strings.Cut(arg, " ")
		text = strings.TrimSpace(text)
		if !ok || salt == "" || text == "" {
			a.ui.Println("usage: /mput <salt|-> <text>")
			return true
		}
		var opts dht.MutableOptions
		if salt != "-" {
			opts.Salt = []byte(salt)
		}
		rec, wr, err := a.DHT.PutMutable(ctx, a.signKey, []byte(text), opts)
		if err != nil {
			a.ui.Printf("/mput: %v\n", err)
			return true
		}
		a.printWrite("mput", rec.Key, wr)
		a.ui.Printf("key: %s seq: %d\n", rec.Key.Hex(), rec.Seq)

	case "/get":
		key, err := dht.ParseNodeIDHex(arg)
		if err != nil {
			a.ui.Println("usage: /get <64 hex digit key>")
			return true
		}
		rec, found, err := a.DHT.Get(ctx, key)
		if err != nil {
			a.ui.Printf("/get: %v\n", err)
			return true
		}
		if !found {
			a.ui.Println("not found")
			return true
		}
		if rec.Mutable() {
			a.ui.Printf("%s (seq %d)\n", rec.Value, rec.Seq)
		} else {
			a.ui.Printf("%s\n", rec.Value)
		}

	case "/ping":
		ap, err := netip.ParseAddrPort(arg)
		if err != nil {
			a.ui.Println("usage: /ping <host:port>")
			return true
		}
		start := time.Now()
		id, err := a.DHT.Ping(ctx, ap)
		if err != nil {
			a.ui.Printf("/ping %s: %v\n", ap, err)
			return true
		}
		a.ui.Printf("pong from %s in %s\n", formatName("", id.Hex()), time.Since(start).Round(time.Millisecond))

	case "/peers":
		a.printPeers()

	case "/stats":
		a.printStats()

	default:
		a.ui.Println("unknown command")
		PrintCommands(a.ui)
	}
	return true
}

func (a *App) printMe() {
	d := a.DHT
	a.ui.Println()
	a.ui.Println("== You ==")
	a.ui.Printf("  ID:         %s\n", d.Self().Hex())
	a.ui.Printf("  Listen on:  %s\n", d.LocalAddr())
	if ap, ok := d.ObservedAddr(); ok {
		a.ui.Printf("  Seen as:    %s\n", ap)
	}
	a.ui.Printf("  Contacts:   %d\n", d.Routing().Size())
	a.ui.Println()
}

func (a *App) printWrite(op string, key dht.NodeID, wr dht.WriteResult) {
	tagf(a.ui, "DHT", "%s %s: stored on %d, failed on %d", op, shortID(key.Hex()), wr.Stored, wr.Failed)
	if wr.Err != nil {
		tagf(a.ui, "DHT", "first rejection: %v", wr.Err)
	}
}

func (a *App) printPeers() {
	cs := a.DHT.Routing().Contacts()
	if len(cs) == 0 {
		a.ui.Println("routing table is empty")
		return
	}
	dht.SortByDistance(cs, a.DHT.Self())

	a.ui.Println()
	a.ui.Printf("%-16s  %-6s  %-22s  %s\n", "ID", "CPL", "ADDR", "VERIFIED")
	a.ui.Printf("%-16s  %-6s  %-22s  %s\n", "--", "---", "----", "--------")
	now := time.Now()
	for _, c := range cs {
		a.ui.Printf("%-16s  %-6d  %-22s  %s ago\n",
			formatName("", c.ID.Hex()),
			dht.BucketIndex(a.DHT.Self(), c.ID),
			c.Addr,
			now.Sub(c.LastVerified).Round(time.Second))
	}
	a.ui.Println()
}

func (a *App) printStats() {
	snap := a.Metrics.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	a.ui.Println("== Stats ==")
	a.ui.Printf("  %-24s %d\n", "pending_rpcs", a.DHT.PendingRPCs())
	a.ui.Printf("  %-24s %d\n", "stored_peers", a.DHT.Peers().Len())
	a.ui.Printf("  %-24s %d\n", "stored_values", a.DHT.Values().Len())
	for _, k := range keys {
		a.ui.Printf("  %-24s %d\n", k, snap[k])
	}
}
