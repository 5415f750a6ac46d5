package dispatcher

import "sync/atomic"

// GlobalIDIssuer hands out process-wide monotonic query identifiers.
type GlobalIDIssuer struct {
	next atomic.Uint64
}

// NewGlobalIDIssuer creates an issuer starting at 1.
func NewGlobalIDIssuer() *GlobalIDIssuer {
	return &GlobalIDIssuer{}
}

// Next returns the next global id.
func (g *GlobalIDIssuer) Next() uint64 {
	return g.next.Add(1)
}
