// Package persist defines the storage contract a session manager uses to
// save and reload session configurations across restarts. No concrete
// backend ships here (JSON persistence is an external collaborator per
// spec.md §1) — pkg/manager accepts an injected Store.
package persist

// StreamSnapshot records enough about one stream to recreate it (as an
// initiator) after a restart — the manager itself decides whether to
// actually reconnect on load.
type StreamSnapshot struct {
	PeerAddress string
	PeerPort    uint16
	PeerSSRC    uint32
}

// SessionConfig is one session's persisted configuration, matching
// spec.md §6.4's "{bonjourName, localName, ssrc, port, published, activated,
// streams}".
type SessionConfig struct {
	// ID is a stable identifier surviving SSRC regeneration across
	// restarts (see SPEC_FULL.md's identity discussion for why this is a
	// UUID rather than the wire SSRC).
	ID          string
	BonjourName string
	LocalName   string
	SSRC        uint32
	Port        uint16
	Published   bool
	Activated   bool
	Streams     []StreamSnapshot
}

// Store reads and writes the full set of persisted session configurations.
// Implementations decide their own file/database format and location; a
// single Write call replaces the entire saved set rather than patching it
// incrementally.
type Store interface {
	Read() ([]SessionConfig, error)
	Write(configs []SessionConfig) error
}
