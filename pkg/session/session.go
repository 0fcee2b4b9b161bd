// Package session implements the AppleMIDI session: the two UDP sockets a
// peer relationship is built on, inbound demultiplexing to the right
// stream, outbound message bundling, and the application-facing event
// contract described in spec.md §4.3 and §6.3.
package session

import (
	"fmt"
	"log"
	"math/rand"
	"net"
	"sort"
	"sync"

	"github.com/arzzra/applemidi/pkg/clock"
	"github.com/arzzra/applemidi/pkg/metrics"
	"github.com/arzzra/applemidi/pkg/rtpmidi"
	"github.com/arzzra/applemidi/pkg/stream"
)

const flushTimer clock.ID = "flush"

// Session owns the control and data sockets for one AppleMIDI endpoint, the
// streams bound to it, and the pending outbound message queue. All of its
// exported methods are safe to call from any goroutine: they either hand
// off to the session's single executor goroutine or read data the executor
// never mutates concurrently (spec.md §5).
type Session struct {
	cfg     Config
	clk     *clock.Clock
	logger  *log.Logger
	network string
	ssrc    uint32

	controlConn *net.UDPConn
	dataConn    *net.UDPConn

	metrics *metrics.Collector

	timers *clock.Manager

	cmds   chan func()
	done   chan struct{}
	events chan Event

	wg sync.WaitGroup

	// The following fields are mutated only from the executor goroutine
	// (run, and closures submitted via execute/executeSync).
	streamsBySSRC  map[uint32]*stream.Stream
	streamsByToken map[uint32]*stream.Stream
	pending        []pendingMessage
}

type pendingMessage struct {
	comexTime uint32
	data      []byte
}

// New creates a Session from cfg, applying the documented defaults to any
// zero-valued field. It does not bind sockets; call Start for that.
func New(cfg Config) (*Session, error) {
	if cfg.Port == 0 {
		return nil, fmt.Errorf("session: Config.Port is required")
	}
	if cfg.LocalName == "" {
		cfg.LocalName = "applemidi-peer"
	}
	if cfg.BonjourName == "" {
		cfg.BonjourName = cfg.LocalName
	}
	if cfg.SSRC == 0 {
		cfg.SSRC = rand.Uint32()
	}
	if cfg.IPVersion == "" {
		cfg.IPVersion = "ip4"
	}
	if cfg.IPVersion != "ip4" && cfg.IPVersion != "ip6" {
		return nil, fmt.Errorf("session: Config.IPVersion must be \"ip4\" or \"ip6\", got %q", cfg.IPVersion)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	network := "udp4"
	if cfg.IPVersion == "ip6" {
		network = "udp6"
	}

	return &Session{
		cfg:            cfg,
		clk:            clock.New(),
		logger:         cfg.Logger,
		network:        network,
		ssrc:           cfg.SSRC,
		metrics:        cfg.Metrics,
		timers:         clock.NewManager(),
		cmds:           make(chan func(), 64),
		done:           make(chan struct{}),
		events:         make(chan Event, 256),
		streamsBySSRC:  make(map[uint32]*stream.Stream),
		streamsByToken: make(map[uint32]*stream.Stream),
	}, nil
}

// SSRC returns the session's own synchronization source, shared by every
// stream it owns.
func (s *Session) SSRC() uint32 { return s.ssrc }

// Events returns the channel the application consumes §6.3's event set
// from: ready, streamAdded, streamRemoved, message, controlMessage, error.
func (s *Session) Events() <-chan Event { return s.events }

// Start binds the control socket on cfg.Port and the data socket on
// cfg.Port+1, then begins the executor and read-loop goroutines. A bind
// failure here is fatal and returned directly (spec.md §7's "bind failures
// are fatal"); everything after that point is surfaced on Events() instead.
func (s *Session) Start() error {
	wildcard := net.IPv4zero
	if s.network == "udp6" {
		wildcard = net.IPv6zero
	}

	controlConn, err := bindUDP(s.network, &net.UDPAddr{IP: wildcard, Port: int(s.cfg.Port)})
	if err != nil {
		return err
	}
	dataConn, err := bindUDP(s.network, &net.UDPAddr{IP: wildcard, Port: int(s.cfg.Port) + 1})
	if err != nil {
		controlConn.Close()
		return err
	}
	s.controlConn = controlConn
	s.dataConn = dataConn

	s.wg.Add(3)
	go s.run()
	go s.readLoop(s.controlConn)
	go s.readLoop(s.dataConn)

	if s.metrics != nil {
		s.metrics.SessionStarted()
	}
	s.emit(Event{Kind: EventReady})
	return nil
}

// End tears down every stream the session knows (by peer SSRC or by
// invitation token), then closes the sockets and invokes cb. Matches spec.md §5's "stream.end() must cancel the sync
// and retry timers before emitting any further events" and "session
// shutdown cancels all per-stream timers transitively."
func (s *Session) End(cb func()) {
	s.execute(func() {
		finish := func() {
			s.timers.StopAll()
			if s.metrics != nil {
				s.metrics.SessionEnded()
			}
			close(s.done)
			if s.controlConn != nil {
				s.controlConn.Close()
			}
			if s.dataConn != nil {
				s.dataConn.Close()
			}
			// Waiting on a separate goroutine, not this one: this closure
			// runs on the executor goroutine itself (one of the three
			// s.wg members), so waiting here would deadlock against its
			// own exit.
			go func() {
				s.wg.Wait()
				if cb != nil {
					cb()
				}
			}()
		}

		streams := make(map[*stream.Stream]struct{}, len(s.streamsBySSRC)+len(s.streamsByToken))
		for _, st := range s.streamsBySSRC {
			streams[st] = struct{}{}
		}
		for _, st := range s.streamsByToken {
			streams[st] = struct{}{}
		}
		remaining := len(streams)
		if remaining == 0 {
			finish()
			return
		}
		for st := range streams {
			st.End(func() {
				remaining--
				if remaining == 0 {
					finish()
				}
			})
		}
	})
}

// Connect creates and drives a stream as initiator toward peer, per
// spec.md §6.3's `connect(rinfo)`.
func (s *Session) Connect(peer PeerInfo) (*stream.Stream, error) {
	ip := net.ParseIP(peer.Address)
	if ip == nil {
		resolved, err := net.ResolveIPAddr(s.network, peer.Address)
		if err != nil {
			return nil, fmt.Errorf("session: resolve %s: %w", peer.Address, err)
		}
		ip = resolved.IP
	}
	addr := &net.UDPAddr{IP: ip, Port: int(peer.Port)}

	var st *stream.Stream
	var connectErr error
	s.executeSync(func() {
		st = stream.NewInitiator(s, s.clk, s.ssrc, s.cfg.LocalName, addr)
		s.streamsByToken[st.Token()] = st
		connectErr = st.Connect()
	})
	if connectErr != nil {
		return nil, connectErr
	}
	return st, nil
}

// GetStreams lists every stream the session currently recognizes by peer
// SSRC (i.e. has exchanged at least an invitation with), per spec.md §6.3.
func (s *Session) GetStreams() []*stream.Stream {
	var result []*stream.Stream
	s.executeSync(func() {
		result = make([]*stream.Stream, 0, len(s.streamsBySSRC))
		for _, st := range s.streamsBySSRC {
			result = append(result, st)
		}
	})
	return result
}

// SendMessage enqueues data for delivery to every connected stream, using
// the session's current clock reading as the command's comexTime.
func (s *Session) SendMessage(data []byte) error {
	return s.SendMessageAt(s.clk.Now(), data)
}

// SendMessageAt enqueues data with an explicit session-tick timestamp,
// matching spec.md §6.3's `send_message(timestamp, bytes)`.
func (s *Session) SendMessageAt(ts uint32, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("session: message data must not be empty")
	}
	cp := append([]byte(nil), data...)
	s.execute(func() {
		s.pending = append(s.pending, pendingMessage{comexTime: ts, data: cp})
		s.scheduleFlush()
	})
	return nil
}

func (s *Session) scheduleFlush() {
	if s.cfg.DisableBundling {
		s.flush()
		return
	}
	s.timers.Defer(flushTimer, func() {
		s.execute(s.flush)
	})
}

// flush implements spec.md §4.3's flush procedure exactly: snapshot+clear,
// sort by comexTime, rebase to a strictly-relative delta chain (Open
// Question #2: the encoder expects each command's delta-time relative to
// the previous command in the same packet), and hand the result to every
// connected stream for independent transmission.
func (s *Session) flush() {
	if len(s.pending) == 0 {
		return
	}
	queue := s.pending
	s.pending = nil

	sort.Slice(queue, func(i, j int) bool { return queue[i].comexTime < queue[j].comexTime })

	now := s.clk.Now()
	base := queue[0].comexTime
	if now < base {
		base = now
	}

	commands := make([]rtpmidi.Command, len(queue))
	prev := base
	for i, m := range queue {
		commands[i] = rtpmidi.Command{DeltaTime: m.comexTime - prev, Data: m.data}
		prev = m.comexTime
	}

	for _, st := range s.streamsBySSRC {
		if !st.IsConnected() {
			continue
		}
		if err := st.SendMessage(now, commands); err != nil {
			s.logger.Printf("session: flush to peer SSRC %08x: %v", st.PeerSSRC(), err)
		}
	}
}

// run is the session's single logical executor: every Stream and Session
// field mutation happens here, realizing spec.md §5's "serialize all stream
// and session mutations behind a single logical executor per session."
func (s *Session) run() {
	defer s.wg.Done()
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.done:
			return
		}
	}
}

// execute submits fn to the executor without waiting for it to run.
func (s *Session) execute(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.done:
	}
}

// executeSync submits fn and blocks until it has run, for operations whose
// caller needs a return value (Connect, GetStreams).
func (s *Session) executeSync(fn func()) {
	doneCh := make(chan struct{})
	s.execute(func() {
		fn()
		close(doneCh)
	})
	select {
	case <-doneCh:
	case <-s.done:
	}
}

func (s *Session) readLoop(conn *net.UDPConn) {
	defer s.wg.Done()
	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.emit(Event{Kind: EventError, Err: fmt.Errorf("session: read: %w", err)})
			return
		}
		datagram := append([]byte(nil), buf[:n]...)
		s.execute(func() { s.onDatagram(datagram, from) })
	}
}

// onDatagram implements spec.md §4.3's inbound demultiplex: try the control
// decoder first (magic 0xFFFF), otherwise treat it as an RTP-MIDI payload.
func (s *Session) onDatagram(buf []byte, from *net.UDPAddr) {
	if s.metrics != nil {
		s.metrics.PacketReceived(s.cfg.LocalName, len(buf))
	}
	if rtpmidi.IsControlPacket(buf) {
		s.handleControlDatagram(buf, from)
		return
	}
	s.handleDataDatagram(buf, from)
}

func (s *Session) handleControlDatagram(buf []byte, from *net.UDPAddr) {
	msg, err := rtpmidi.DecodeControl(buf)
	if err != nil {
		// Parse failure: dropped silently, spec.md §7.1.
		return
	}

	st, found := s.lookupStream(msg)
	if !found {
		inv, ok := msg.(rtpmidi.InvitationMessage)
		if !ok || inv.Cmd != rtpmidi.CmdInvitation {
			return
		}
		st = stream.NewAcceptor(s, s.clk, s.ssrc, s.cfg.LocalName)
		s.streamsByToken[inv.Token] = st
	}

	if err := st.HandleControl(msg, from); err != nil {
		s.emit(Event{Kind: EventError, Err: fmt.Errorf("session: control message: %w", err)})
		return
	}
	s.emit(Event{Kind: EventControlMessage, Stream: st, Control: msg})

	// Count 1 (initiator) and count 2 (responder) are the steps at which the
	// stream computes a fresh latency/offset sample; count 0 computes none.
	if sm, isSync := msg.(rtpmidi.SyncMessage); isSync && sm.Count > 0 && s.metrics != nil {
		s.metrics.ObserveClockSync(st.Latency(), st.TimeDifference(), clock.Rate)
	}

	if peerSSRC := peerSSRCOf(msg); peerSSRC != 0 {
		if _, ok := s.streamsBySSRC[peerSSRC]; !ok {
			s.streamsBySSRC[peerSSRC] = st
		}
	}
}

func (s *Session) handleDataDatagram(buf []byte, from *net.UDPAddr) {
	pkt, err := rtpmidi.Decode(buf)
	if err != nil {
		// Parse failure: dropped silently, spec.md §7.1.
		return
	}
	st, ok := s.streamsBySSRC[pkt.SSRC]
	if !ok {
		return
	}
	st.HandleData(pkt)
	if s.metrics != nil {
		streamID := fmt.Sprintf("%08x", st.PeerSSRC())
		s.metrics.SetLostSequenceCount(s.cfg.LocalName, streamID, len(st.LostSequenceNumbers()))
	}
}

// lookupStream implements "look up a stream by the packet's SSRC or by the
// token field" (spec.md §4.3): SSRC first since it is authoritative once
// known, falling back to the invitation token for an initiator's very first
// reply, before it has learned the peer's SSRC.
func (s *Session) lookupStream(msg rtpmidi.ControlMessage) (*stream.Stream, bool) {
	if ssrc := peerSSRCOf(msg); ssrc != 0 {
		if st, ok := s.streamsBySSRC[ssrc]; ok {
			return st, true
		}
	}
	if inv, ok := msg.(rtpmidi.InvitationMessage); ok {
		if st, ok := s.streamsByToken[inv.Token]; ok {
			return st, true
		}
	}
	return nil, false
}

func peerSSRCOf(msg rtpmidi.ControlMessage) uint32 {
	switch m := msg.(type) {
	case rtpmidi.InvitationMessage:
		return m.SSRC
	case rtpmidi.SyncMessage:
		return m.SSRC
	case rtpmidi.FeedbackMessage:
		return m.SSRC
	case rtpmidi.BitrateLimitMessage:
		return m.SSRC
	default:
		return 0
	}
}

// --- stream.Host implementation ---

// SendControl encodes and sends msg, selecting the control or data socket
// by the destination port's parity (spec.md §4.3's "Channel selection on
// send").
func (s *Session) SendControl(addr *net.UDPAddr, msg rtpmidi.ControlMessage) error {
	buf, err := rtpmidi.EncodeControl(msg)
	if err != nil {
		return fmt.Errorf("session: encode control message: %w", err)
	}
	return s.sendTo(addr, buf)
}

// SendData encodes and sends pkt, same channel-selection rule as SendControl.
func (s *Session) SendData(addr *net.UDPAddr, pkt rtpmidi.Packet) error {
	buf, err := rtpmidi.Encode(pkt)
	if err != nil {
		return fmt.Errorf("session: encode data packet: %w", err)
	}
	return s.sendTo(addr, buf)
}

func (s *Session) sendTo(addr *net.UDPAddr, buf []byte) error {
	conn := s.dataConn
	if addr.Port%2 == 0 {
		conn = s.controlConn
	}
	if _, err := conn.WriteToUDP(buf, addr); err != nil {
		wrapped := fmt.Errorf("session: send to %s: %w", addr, err)
		s.emit(Event{Kind: EventError, Err: wrapped})
		return wrapped
	}
	if s.metrics != nil {
		s.metrics.PacketSent(s.cfg.LocalName, len(buf))
	}
	return nil
}

// StreamConnected emits streamAdded once a stream completes its dual-channel
// handshake; clock sync starts only after this.
func (s *Session) StreamConnected(st *stream.Stream) {
	if s.metrics != nil {
		s.metrics.StreamConnected()
	}
	s.emit(Event{Kind: EventStreamAdded, Stream: st})
}

// StreamDisconnected removes st from both lookup indices and emits
// streamRemoved. reason is logged when non-nil (protocol timeouts and
// rejections; spec.md §7.3); a nil reason means a peer-initiated, orderly
// `end`.
func (s *Session) StreamDisconnected(st *stream.Stream, reason error) {
	delete(s.streamsBySSRC, st.PeerSSRC())
	for token, candidate := range s.streamsByToken {
		if candidate == st {
			delete(s.streamsByToken, token)
		}
	}
	if reason != nil {
		s.logger.Printf("session: stream to peer SSRC %08x ended: %v", st.PeerSSRC(), reason)
	}
	if s.metrics != nil {
		s.metrics.StreamDisconnected()
	}
	s.emit(Event{Kind: EventStreamRemoved, Stream: st})
}

// StreamMessage converts deltaTicks to the deltaSeconds spec.md §6.3
// delivers to application consumers and emits a message event.
func (s *Session) StreamMessage(st *stream.Stream, deltaTicks uint32, eventTime uint32, data []byte) {
	s.emit(Event{
		Kind:              EventMessage,
		Stream:            st,
		DeltaSeconds:      float64(deltaTicks) / clock.Rate,
		Data:              data,
		AbsoluteTimestamp: eventTime,
	})
}

// Execute submits fn to the executor on behalf of a Stream's timer
// callbacks, which otherwise fire on their own goroutine.
func (s *Session) Execute(fn func()) {
	s.execute(fn)
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		if ev.Kind != EventMessage {
			s.logger.Printf("session: event channel full, dropping a %s event", ev.Kind)
		}
	}
}
