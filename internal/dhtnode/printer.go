package dhtnode

import (
	"fmt"
	"io"
	"sync"
)

// Printer is where command output goes. Background goroutines (bootstrap)
// print through it too, so implementations must be safe for concurrent use.
type Printer interface {
	Printf(format string, args ...any)
	Println(args ...any)
}

type StdPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewStdPrinter(w io.Writer) *StdPrinter { return &StdPrinter{w: w} }

func (p *StdPrinter) Printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *StdPrinter) Println(args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, args...)
}

// tagf prints one line prefixed with a dimmed [TAG].
func tagf(p Printer, tag, format string, args ...any) {
	p.Printf(ansiDim+"["+tag+"]"+ansiReset+" "+format+"\n", args...)
}
