// Package uiutil formats node ids for a terminal.
package uiutil

import "hash/fnv"

const (
	AnsiReset = "\033[0m"
	AnsiDim   = "\033[2m"
)

var idColors = []string{
	"\033[31m", // red
	"\033[32m", // green
	"\033[33m", // yellow
	"\033[34m", // blue
	"\033[35m", // magenta
	"\033[36m", // cyan
}

// ShortID is the first 8 hex digits of an id.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// PickColor maps s to a stable color, so the same node looks the same in
// every listing.
func PickColor(s string) string {
	if s == "" {
		return AnsiReset
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return idColors[h.Sum32()%uint32(len(idColors))]
}

// FormatName colors name, or the short form of fallback when name is empty.
func FormatName(name, fallback string) string {
	display := name
	if display == "" {
		display = ShortID(fallback)
	}
	return PickColor(display) + display + AnsiReset
}
