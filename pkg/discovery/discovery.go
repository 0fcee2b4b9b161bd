// Package discovery defines the mDNS collaborator contract a session manager
// consumes to publish and browse AppleMIDI sessions. No concrete
// implementation ships here: service discovery (Bonjour/Avahi/a pure-Go mDNS
// stack) is an external concern, injected by the caller.
//
// Grounded on the teacher's callback-field style for optional collaborators
// (pkg/rtp/session.go's SessionConfig.OnPacketReceived/OnSourceAdded), sized
// down to the fixed contract spec.md §6.2 describes.
package discovery

// RecordType is the DNS-SD service type AppleMIDI sessions publish under.
const RecordType = "_apple-midi._udp"

// Record describes one published session, matching spec.md §6.2's
// "{name, port, type=\"apple-midi\", protocol=\"udp\"}".
type Record struct {
	Name string
	Port uint16
}

// RemoteSession is the detail payload carried by a RemoteSessionUp/Down
// notification: an IPv4 address, an IPv6 address, the port, and the display
// name, per spec.md §6.2. Either address may be empty if the peer only
// resolved on one IP family.
type RemoteSession struct {
	Name        string
	Host        string
	IPv4Address string
	IPv6Address string
	Port        uint16
}

// Advertiser publishes and withdraws this peer's own sessions.
type Advertiser interface {
	// Publish advertises rec with a TTL of roughly 20 seconds, matching the
	// interval AppleMIDI implementations traditionally refresh at.
	Publish(rec Record) error
	// Unpublish withdraws a previously published record. Called on session
	// end; idempotent if the record was never published or was already
	// withdrawn.
	Unpublish(rec Record) error
}

// Browser reports sessions advertised by other peers on the network.
type Browser interface {
	// RemoteSessions lists every remote session currently known to be up.
	RemoteSessions() []RemoteSession
}

// Listener receives asynchronous up/down notifications for remote sessions.
// A Service that supports push notification implements this in addition to
// Browser; a manager that only needs a point-in-time snapshot can use
// Browser alone.
type Listener interface {
	// RemoteSessionUp fires when a new remote session's record is resolved
	// or an existing one's address set changes.
	RemoteSessionUp(detail RemoteSession)
	// RemoteSessionDown fires when a remote session's record expires or is
	// explicitly withdrawn.
	RemoteSessionDown(detail RemoteSession)
}

// Service is the full collaborator contract pkg/manager accepts: publish
// this peer's sessions and browse everyone else's.
type Service interface {
	Advertiser
	Browser
}
