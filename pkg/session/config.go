package session

import (
	"log"

	"github.com/arzzra/applemidi/pkg/metrics"
)

// Config configures a Session. Any zero-valued field uses the documented
// default, matching spec.md §6.3's "create(port, localName, bonjourName,
// ssrc, published, ipVersion) — any null argument uses the stated default."
// Grounded on the teacher's SessionConfig/StackConfig structs
// (pkg/rtp/session.go, pkg/dialog/dialog.go).
type Config struct {
	// Port is the control-channel port; the data channel binds to Port+1.
	// Required, no default.
	Port uint16

	// LocalName defaults to "applemidi-peer".
	LocalName string
	// BonjourName defaults to LocalName. Stored with the configuration only;
	// this package never looks at it, and pkg/manager's Start takes the name
	// to publish as its own argument.
	BonjourName string
	// SSRC defaults to a random value.
	SSRC uint32
	// Published records whether the session should be advertised via mDNS
	// once started. It is stored with the configuration only: pkg/session
	// does no publishing (pkg/discovery is a separate collaborator), and
	// pkg/manager's Start takes the published flag as its own argument.
	Published bool
	// IPVersion is "ip4" (default) or "ip6".
	IPVersion string

	// Logger defaults to log.Default(). Used only for the non-fatal
	// diagnostics spec.md §7 calls for: transport errors and protocol
	// timeouts. Parse failures are never logged (§7.1, silently dropped).
	Logger *log.Logger

	// DisableBundling flushes every enqueued message immediately instead of
	// deferring to the next scheduler turn (spec.md §4.3's "if disabled,
	// flush immediately"). Bundling is enabled by default.
	DisableBundling bool

	// Metrics, if non-nil, receives Prometheus instrumentation for this
	// session's lifecycle, traffic, and clock-sync quality. Nil disables
	// instrumentation entirely (equivalent to a Collector built with
	// Config.Enabled == false).
	Metrics *metrics.Collector
}

// PeerInfo addresses a remote participant for Connect, matching spec.md
// §6.3's `connect(rinfo)`.
type PeerInfo struct {
	// Address is a literal IP or a hostname resolvable under the session's
	// IP family.
	Address string
	// Port is the peer's control-channel port (even; its data channel is
	// assumed to be Port+1, per spec.md §6.1).
	Port uint16
}
