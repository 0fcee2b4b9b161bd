// Package stream implements a single AppleMIDI peer relationship: the
// handshake over the control channel, clock synchronization, sequence
// tracking and receiver feedback, and outbound MIDI delivery.
package stream

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/arzzra/applemidi/pkg/clock"
	"github.com/arzzra/applemidi/pkg/rtpmidi"
	"github.com/looplab/fsm"
)

// State names the stream's position in the handshake/teardown chain.
// Matches the component's state chain: idle -> inviting-control ->
// inviting-data -> syncing -> connected -> ending -> closed.
const (
	StateIdle            = "idle"
	StateInvitingControl = "inviting-control"
	StateInvitingData    = "inviting-data"
	StateSyncing         = "syncing"
	StateConnected       = "connected"
	StateEnding          = "ending"
	StateClosed          = "closed"
)

const (
	invitationRetryInterval = 1500 * time.Millisecond
	maxInvitationAttempts   = 40
	syncFastInterval        = 1500 * time.Millisecond
	syncSteadyInterval      = 10 * time.Second
	syncSampleThreshold     = 10
	feedbackDelay           = 1 * time.Second

	timerRetry    clock.ID = "retry"
	timerSync     clock.ID = "sync"
	timerFeedback clock.ID = "feedback"
)

// Host is the session-side collaborator a Stream is bound to: the two UDP
// sockets it sends on, and the sink for the events §6.3 lists as the
// session's application-facing contract.
type Host interface {
	SendControl(addr *net.UDPAddr, msg rtpmidi.ControlMessage) error
	SendData(addr *net.UDPAddr, pkt rtpmidi.Packet) error
	StreamConnected(s *Stream)
	StreamDisconnected(s *Stream, reason error)
	// StreamMessage delivers one decoded MIDI command. deltaTicks is that
	// command's delta-time as carried on the wire (0 for the first command
	// in a packet unless its Z flag is set); eventTime is the derived
	// absolute session-tick timestamp, which already includes deltaTicks
	// and every earlier command's delta in the packet. The session's event
	// layer converts deltaTicks to the deltaSeconds it exposes to callers
	// (spec.md §6.3).
	StreamMessage(s *Stream, deltaTicks uint32, eventTime uint32, data []byte)

	// Execute submits fn to the session's single logical executor. Timer
	// callbacks fire on their own goroutine (time.AfterFunc); routing their
	// body through Execute is what keeps "single logical executor per
	// session" (spec.md §5) true even though the runtime is natively
	// multi-threaded.
	Execute(fn func())
}

// Stream is one peer relationship owned by a session. All of its exported
// methods are meant to be called from the session's single logical
// executor goroutine; Stream performs no locking of its own (spec.md §5).
type Stream struct {
	host Host
	clk  *clock.Clock

	isInitiator bool
	localSSRC   uint32
	localName   string
	token       uint32

	controlAddr *net.UDPAddr // rinfo1
	dataAddr    *net.UDPAddr // rinfo2
	peerSSRC    uint32
	peerName    string

	fsm    *fsm.FSM
	timers *clock.Manager

	invitationAttempts int

	lastSentSeq  uint16
	firstRecvSeq int32 // -1 sentinel: none received yet
	lastRecvSeq  int32
	lostSeq      []uint16

	latency        int64
	timeDifference int64
	syncSamples    int
	pendingTS1     uint64
}

// NewInitiator creates a stream that will invite a remote peer.
func NewInitiator(host Host, clk *clock.Clock, localSSRC uint32, localName string, controlAddr *net.UDPAddr) *Stream {
	s := newStream(host, clk, localSSRC, localName, true)
	s.controlAddr = controlAddr
	s.token = rand.Uint32()
	return s
}

// NewAcceptor creates a stream awaiting an incoming invitation.
func NewAcceptor(host Host, clk *clock.Clock, localSSRC uint32, localName string) *Stream {
	return newStream(host, clk, localSSRC, localName, false)
}

func newStream(host Host, clk *clock.Clock, localSSRC uint32, localName string, isInitiator bool) *Stream {
	s := &Stream{
		host:         host,
		clk:          clk,
		isInitiator:  isInitiator,
		localSSRC:    localSSRC,
		localName:    localName,
		timers:       clock.NewManager(),
		firstRecvSeq: -1,
		lastRecvSeq:  -1,
	}
	s.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: "connect", Src: []string{StateIdle}, Dst: StateInvitingControl},
			{Name: "control_accepted", Src: []string{StateInvitingControl}, Dst: StateInvitingData},
			{Name: "data_accepted", Src: []string{StateInvitingData}, Dst: StateSyncing},
			{Name: "accept_control", Src: []string{StateIdle}, Dst: StateInvitingData},
			{Name: "accept_data", Src: []string{StateInvitingData}, Dst: StateSyncing},
			{Name: "sync_complete", Src: []string{StateSyncing}, Dst: StateConnected},
			{Name: "rejected", Src: []string{StateInvitingControl, StateInvitingData, StateSyncing, StateConnected}, Dst: StateClosed},
			{Name: "end", Src: []string{StateSyncing, StateConnected}, Dst: StateEnding},
			{Name: "closed", Src: []string{StateEnding}, Dst: StateClosed},
		},
		fsm.Callbacks{},
	)
	return s
}

// State returns the stream's current handshake/teardown state.
func (s *Stream) State() string { return s.fsm.Current() }

// IsConnected reports whether the handshake has completed and the stream
// has not begun tearing down (the FSM is in the `syncing` or `connected`
// state; `syncing` is where the `connected` event is emitted per spec.md
// §4.2).
func (s *Stream) IsConnected() bool {
	switch s.State() {
	case StateSyncing, StateConnected:
		return true
	default:
		return false
	}
}

// PeerSSRC returns the remote peer's SSRC, valid once the handshake has
// progressed past the control-invitation step.
func (s *Stream) PeerSSRC() uint32 { return s.peerSSRC }

// Token returns the invitation token this stream negotiates with. For an
// initiator it is generated in NewInitiator; for an acceptor it is copied
// from the peer's first invitation. The session uses it to match replies
// before the peer's SSRC is known.
func (s *Stream) Token() uint32 { return s.token }

// Latency and TimeDifference return the most recent clock-sync sample, both
// in ticks. Zero until the first sync round completes.
func (s *Stream) Latency() int64        { return s.latency }
func (s *Stream) TimeDifference() int64 { return s.timeDifference }

// Connect starts the invitation handshake as initiator.
func (s *Stream) Connect() error {
	if err := s.fsm.Event(context.Background(), "connect"); err != nil {
		return fmt.Errorf("stream: connect: %w", err)
	}
	s.invitationAttempts = 0
	s.armInvitationRetry(s.controlAddr)
	return nil
}

func (s *Stream) armInvitationRetry(addr *net.UDPAddr) {
	s.sendInvitation(addr)
	s.invitationAttempts = 1
	s.timers.StartRepeating(timerRetry, invitationRetryInterval, func() {
		s.host.Execute(func() {
			s.invitationAttempts++
			if s.invitationAttempts > maxInvitationAttempts {
				s.timers.Stop(timerRetry)
				s.fail(fmt.Errorf("stream: invitation to %s timed out after %d attempts", addr, maxInvitationAttempts))
				return
			}
			s.sendInvitation(addr)
		})
	})
}

func (s *Stream) sendInvitation(addr *net.UDPAddr) {
	msg := rtpmidi.NewInvitation(rtpmidi.CmdInvitation, s.token, s.localSSRC, s.localName)
	_ = s.host.SendControl(addr, msg)
}

func (s *Stream) fail(err error) {
	s.timers.StopAll()
	_ = s.fsm.Event(context.Background(), "rejected")
	s.host.StreamDisconnected(s, err)
}

// HandleControl dispatches a decoded AppleMIDI control message addressed
// to this stream. fromAddr is the datagram's source address.
func (s *Stream) HandleControl(msg rtpmidi.ControlMessage, fromAddr *net.UDPAddr) error {
	switch m := msg.(type) {
	case rtpmidi.InvitationMessage:
		return s.handleInvitation(m, fromAddr)
	case rtpmidi.SyncMessage:
		return s.handleSync(m)
	case rtpmidi.FeedbackMessage, rtpmidi.BitrateLimitMessage:
		// Advisory only; recovery-journal trimming and bitrate shaping are
		// out of scope (spec.md §1 Non-goals).
		return nil
	default:
		return fmt.Errorf("stream: unhandled control message %T", msg)
	}
}

func (s *Stream) handleInvitation(m rtpmidi.InvitationMessage, fromAddr *net.UDPAddr) error {
	switch m.Cmd {
	case rtpmidi.CmdInvitationAccepted:
		return s.handleInvitationAccepted(m)
	case rtpmidi.CmdInvitationRejected:
		s.timers.Stop(timerRetry)
		s.fail(fmt.Errorf("stream: invitation rejected by %s", m.Name))
		return nil
	case rtpmidi.CmdEnd:
		s.timers.StopAll()
		s.host.StreamDisconnected(s, nil)
		return nil
	case rtpmidi.CmdInvitation:
		return s.handleIncomingInvitation(m, fromAddr)
	default:
		return fmt.Errorf("stream: unexpected invitation-family command %s", m.Cmd)
	}
}

func (s *Stream) handleInvitationAccepted(m rtpmidi.InvitationMessage) error {
	switch s.State() {
	case StateInvitingControl:
		s.timers.Stop(timerRetry)
		s.peerSSRC = m.SSRC
		s.peerName = m.Name
		if err := s.fsm.Event(context.Background(), "control_accepted"); err != nil {
			return err
		}
		s.dataAddr = &net.UDPAddr{IP: s.controlAddr.IP, Port: s.controlAddr.Port + 1}
		s.invitationAttempts = 0
		s.armInvitationRetry(s.dataAddr)
		return nil
	case StateInvitingData:
		s.timers.Stop(timerRetry)
		if err := s.fsm.Event(context.Background(), "data_accepted"); err != nil {
			return err
		}
		s.host.StreamConnected(s)
		s.startClockSync()
		return nil
	default:
		return nil
	}
}

// handleIncomingInvitation implements the acceptor role: the first
// invitation from a peer records the control address and replies
// accepted; the second (on what becomes the data channel) completes the
// handshake.
func (s *Stream) handleIncomingInvitation(m rtpmidi.InvitationMessage, fromAddr *net.UDPAddr) error {
	switch {
	case s.controlAddr == nil:
		s.controlAddr = fromAddr
		s.peerSSRC = m.SSRC
		s.peerName = m.Name
		s.token = m.Token
		if err := s.fsm.Event(context.Background(), "accept_control"); err != nil {
			return err
		}
		reply := rtpmidi.InvitationMessage{Cmd: rtpmidi.CmdInvitationAccepted, Version: m.Version, Token: m.Token, SSRC: s.localSSRC, Name: s.localName}
		return s.host.SendControl(fromAddr, reply)
	case s.dataAddr == nil:
		s.dataAddr = fromAddr
		if err := s.fsm.Event(context.Background(), "accept_data"); err != nil {
			return err
		}
		reply := rtpmidi.InvitationMessage{Cmd: rtpmidi.CmdInvitationAccepted, Version: m.Version, Token: m.Token, SSRC: s.localSSRC, Name: s.localName}
		if err := s.host.SendControl(fromAddr, reply); err != nil {
			return err
		}
		s.host.StreamConnected(s)
		return nil
	default:
		return nil
	}
}

// startClockSync sends the first CK step and arms the periodic cadence
// described in spec.md §4.4 (1500ms while unconverged or under the sample
// threshold, 10s steady-state afterward).
func (s *Stream) startClockSync() {
	s.sendSyncStep0()
	s.timers.StartRepeating(timerSync, syncFastInterval, func() {
		s.host.Execute(s.sendSyncStep0)
	})
}

func (s *Stream) sendSyncStep0() {
	s.pendingTS1 = s.clk.Ticks64()
	msg := rtpmidi.SyncMessage{SSRC: s.localSSRC, Count: 0, TS1: s.pendingTS1}
	_ = s.host.SendControl(s.controlAddr, msg)
}

func (s *Stream) handleSync(m rtpmidi.SyncMessage) error {
	switch m.Count {
	case 0:
		reply := rtpmidi.SyncMessage{SSRC: s.localSSRC, Count: 1, TS1: m.TS1, TS2: s.clk.Ticks64()}
		return s.host.SendControl(s.controlAddr, reply)
	case 1:
		ts3 := s.clk.Ticks64()
		reply := rtpmidi.SyncMessage{SSRC: s.localSSRC, Count: 2, TS1: m.TS1, TS2: m.TS2, TS3: ts3}
		if err := s.host.SendControl(s.controlAddr, reply); err != nil {
			return err
		}
		// Preserved as the source's literal round-trip arithmetic (not
		// halved), for wire compatibility with other implementations built
		// against the same convention (spec.md §9 Open Question #1).
		s.latency = int64(ts3) - int64(m.TS1)
		s.timeDifference = int64(ts3) - int64(m.TS2) - s.latency
		s.onSyncSampleCollected()
		return nil
	case 2:
		s.latency = int64(m.TS3) - int64(m.TS1)
		s.timeDifference = int64(m.TS3) - int64(m.TS2) - s.latency
		s.onSyncSampleCollected()
		return nil
	default:
		return fmt.Errorf("stream: invalid sync count %d", m.Count)
	}
}

func (s *Stream) onSyncSampleCollected() {
	s.syncSamples++
	if s.State() == StateSyncing {
		_ = s.fsm.Event(context.Background(), "sync_complete")
	}
	if s.isInitiator && s.syncSamples >= syncSampleThreshold {
		s.timers.Reset(timerSync, syncSteadyInterval)
	}
}

// HandleData processes an inbound RTP-MIDI packet: sequence-loss
// bookkeeping, the deferred receiver-feedback timer, and event-time
// derivation for each carried command (spec.md §4.2).
func (s *Stream) HandleData(pkt rtpmidi.Packet) {
	s.trackSequence(pkt.SequenceNumber)
	s.timers.Start(timerFeedback, feedbackDelay, func() {
		s.host.Execute(s.sendFeedback)
	})

	base := int64(s.timeDifference) - s.latency + int64(pkt.Timestamp)
	eventTime := uint32(base)
	for _, cmd := range pkt.Commands {
		eventTime += cmd.DeltaTime
		s.host.StreamMessage(s, cmd.DeltaTime, eventTime, cmd.Data)
	}
}

func (s *Stream) trackSequence(seq uint16) {
	if s.firstRecvSeq == -1 {
		s.firstRecvSeq = int32(seq)
	} else {
		last := uint16(s.lastRecvSeq)
		gap := seq - last
		for i := uint16(1); i < gap; i++ {
			s.lostSeq = append(s.lostSeq, last+i)
		}
	}
	s.lastRecvSeq = int32(seq)
}

func (s *Stream) sendFeedback() {
	msg := rtpmidi.FeedbackMessage{SSRC: s.localSSRC, SequenceNumber: uint16(s.lastRecvSeq)}
	_ = s.host.SendControl(s.controlAddr, msg)
	s.lostSeq = s.lostSeq[:0]
}

// LostSequenceNumbers returns the sequence numbers observed missing since
// the last receiver-feedback report.
func (s *Stream) LostSequenceNumbers() []uint16 { return s.lostSeq }

// SendMessage builds and sends one RTP-MIDI packet carrying commands,
// refusing if the stream is not connected or has not yet completed a
// clock-sync cycle (spec.md §4.2).
func (s *Stream) SendMessage(timestamp uint32, commands []rtpmidi.Command) error {
	if !s.IsConnected() {
		return fmt.Errorf("stream: cannot send, not connected")
	}
	if s.syncSamples == 0 {
		return fmt.Errorf("stream: cannot send, clock sync not yet complete")
	}
	s.lastSentSeq++
	pkt := rtpmidi.Packet{
		SequenceNumber: s.lastSentSeq,
		Timestamp:      timestamp,
		SSRC:           s.localSSRC,
		Commands:       commands,
	}
	return s.host.SendData(s.dataAddr, pkt)
}

// End tears the stream down: cancels its timers, sends a control `end`
// packet if connected, then invokes cb. There is no remote acknowledgement
// in this protocol, so cb fires once the teardown is locally flushed.
func (s *Stream) End(cb func()) {
	s.timers.StopAll()
	if s.IsConnected() {
		msg := rtpmidi.InvitationMessage{Cmd: rtpmidi.CmdEnd, Token: s.token, SSRC: s.localSSRC, Name: s.localName}
		_ = s.host.SendControl(s.controlAddr, msg)
		_ = s.fsm.Event(context.Background(), "end")
		_ = s.fsm.Event(context.Background(), "closed")
	} else if s.State() == StateInvitingControl || s.State() == StateInvitingData {
		_ = s.fsm.Event(context.Background(), "rejected")
	}
	if cb != nil {
		cb()
	}
}
