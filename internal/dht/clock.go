package dht

import "time"

// Clock supplies the current time. Tests inject a manual clock so sweeps
// and expiry can be driven deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
