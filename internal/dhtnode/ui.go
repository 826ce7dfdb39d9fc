package dhtnode

import (
	"swarm-dht/internal/dht"
	"swarm-dht/internal/uiutil"
)

func shortID(id string) string                { return uiutil.ShortID(id) }
func formatName(name, fallback string) string { return uiutil.FormatName(name, fallback) }

const (
	ansiDim   = uiutil.AnsiDim
	ansiReset = uiutil.AnsiReset
)

func PrintBanner(p Printer, d *dht.DHT) {
	p.Println()
	p.Println("Node started.")
	p.Printf("ID:             %s\n", d.Self().Hex())
	p.Printf("Addr:           %s\n", d.LocalAddr())
	p.Println()
	PrintCommands(p)
	p.Println()
}

func PrintCommands(p Printer) {
	p.Println("Commands:")
	p.Println("    /me                          - prints your info")
	p.Println("    /announce <topic>            - announce yourself under a topic")
	p.Println("    /unannounce <topic>          - withdraw an announcement")
	p.Println("    /lookup <topic>              - list peers announced under a topic")
	p.Println("    /put <text>                  - store an immutable value")
	p.Println("    /mput <salt|-> <text>        - store a signed mutable value")
	p.Println("    /get <key>                   - fetch a value by key")
	p.Println("    /ping <host:port>            - ping a node")
	p.Println("    /peers                       - show the routing table")
	p.Println("    /stats                       - show counters")
	p.Println("    /quit                        - exit")
	p.Println(ansiDim + "Topics are hashed unless given as 64 hex digits." + ansiReset)
}
