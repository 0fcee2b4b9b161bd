package rtpmidi

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ControlCommand identifies an AppleMIDI control-packet kind. The numeric
// value is the big-endian 16-bit code carried on the wire at byte offset 2.
type ControlCommand uint16

const (
	// CmdInvitation ("IN") proposes a new stream.
	CmdInvitation ControlCommand = 0x494E
	// CmdInvitationAccepted ("OK") accepts a pending invitation.
	CmdInvitationAccepted ControlCommand = 0x4F4B
	// CmdInvitationRejected ("NO") rejects a pending invitation.
	CmdInvitationRejected ControlCommand = 0x4E4F
	// CmdEnd ("BY") tears a stream down.
	CmdEnd ControlCommand = 0x4259
	// CmdSync ("CK") carries one step of the clock-sync exchange.
	CmdSync ControlCommand = 0x434B
	// CmdReceiverFeedback ("RS") reports the highest sequence number received.
	CmdReceiverFeedback ControlCommand = 0x5253
	// CmdBitrateReceiveLimit ("RL") advertises a receive bitrate cap.
	CmdBitrateReceiveLimit ControlCommand = 0x524C
)

func (c ControlCommand) String() string {
	switch c {
	case CmdInvitation:
		return "invitation"
	case CmdInvitationAccepted:
		return "invitation_accepted"
	case CmdInvitationRejected:
		return "invitation_rejected"
	case CmdEnd:
		return "end"
	case CmdSync:
		return "synchronization"
	case CmdReceiverFeedback:
		return "receiver_feedback"
	case CmdBitrateReceiveLimit:
		return "bitrate_receive_limit"
	default:
		return fmt.Sprintf("unknown(0x%04x)", uint16(c))
	}
}

// controlMagic is the fixed two-byte prefix that marks a datagram as an
// AppleMIDI control packet rather than an RTP-MIDI payload.
const controlMagic uint16 = 0xFFFF

// protocolVersion is the AppleMIDI protocol version this codec speaks.
const protocolVersion uint32 = 2

// ControlMessage is the tagged-variant interface every decoded control
// packet satisfies. Concrete types are InvitationMessage, SyncMessage,
// FeedbackMessage and BitrateLimitMessage; dispatch on Command() rather
// than a type switch when only the command matters.
type ControlMessage interface {
	Command() ControlCommand
}

// InvitationMessage covers invitation, invitation_accepted, invitation_rejected
// and end — they share an identical trailing layout (spec.md §4.1).
type InvitationMessage struct {
	Cmd     ControlCommand
	Version uint32
	Token   uint32
	SSRC    uint32
	Name    string
}

func (m InvitationMessage) Command() ControlCommand { return m.Cmd }

// SyncMessage is one step ("CK") of the three-timestamp clock-sync exchange.
type SyncMessage struct {
	SSRC  uint32
	Count uint8
	TS1   uint64
	TS2   uint64
	TS3   uint64
}

func (SyncMessage) Command() ControlCommand { return CmdSync }

// FeedbackMessage ("RS") reports the sender's highest received sequence
// number, used to bound the peer's recovery journal.
type FeedbackMessage struct {
	SSRC           uint32
	SequenceNumber uint16
}

func (FeedbackMessage) Command() ControlCommand { return CmdReceiverFeedback }

// BitrateLimitMessage ("RL") advertises a receive bitrate cap in bits/second.
type BitrateLimitMessage struct {
	SSRC  uint32
	Limit uint32
}

func (BitrateLimitMessage) Command() ControlCommand { return CmdBitrateReceiveLimit }

// IsControlPacket reports whether buf begins with the AppleMIDI control
// magic. The session demultiplexer uses this to decide which decoder to try.
func IsControlPacket(buf []byte) bool {
	return len(buf) >= 4 && binary.BigEndian.Uint16(buf[0:2]) == controlMagic
}

// DecodeControl decodes an AppleMIDI control packet. Unknown command codes
// return an error; the session drops such datagrams silently (spec.md §4.1).
func DecodeControl(buf []byte) (ControlMessage, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("rtpmidi: control packet too short: %d bytes", len(buf))
	}
	if binary.BigEndian.Uint16(buf[0:2]) != controlMagic {
		return nil, fmt.Errorf("rtpmidi: bad control magic")
	}
	cmd := ControlCommand(binary.BigEndian.Uint16(buf[2:4]))

	switch cmd {
	case CmdInvitation, CmdInvitationAccepted, CmdInvitationRejected, CmdEnd:
		return decodeInvitation(cmd, buf)
	case CmdSync:
		return decodeSync(buf)
	case CmdReceiverFeedback:
		return decodeFeedback(buf)
	case CmdBitrateReceiveLimit:
		return decodeBitrateLimit(buf)
	default:
		return nil, fmt.Errorf("rtpmidi: unknown control command 0x%04x", uint16(cmd))
	}
}

func decodeInvitation(cmd ControlCommand, buf []byte) (InvitationMessage, error) {
	if len(buf) < 16 {
		return InvitationMessage{}, fmt.Errorf("rtpmidi: %s packet too short: %d bytes", cmd, len(buf))
	}
	msg := InvitationMessage{
		Cmd:     cmd,
		Version: binary.BigEndian.Uint32(buf[4:8]),
		Token:   binary.BigEndian.Uint32(buf[8:12]),
		SSRC:    binary.BigEndian.Uint32(buf[12:16]),
	}
	name := buf[16:]
	// The name is NUL-terminated for invitation/accepted/rejected, but "end"
	// may omit the terminator (spec.md §4.1).
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	msg.Name = string(name)
	return msg, nil
}

func decodeSync(buf []byte) (SyncMessage, error) {
	// ssrc(4) + count(1) + padding(3) + ts1,ts2,ts3 (8 each) = 32 bytes trailing.
	if len(buf) < 4+32 {
		return SyncMessage{}, fmt.Errorf("rtpmidi: synchronization packet too short: %d bytes", len(buf))
	}
	return SyncMessage{
		SSRC:  binary.BigEndian.Uint32(buf[4:8]),
		Count: buf[8],
		TS1:   binary.BigEndian.Uint64(buf[12:20]),
		TS2:   binary.BigEndian.Uint64(buf[20:28]),
		TS3:   binary.BigEndian.Uint64(buf[28:36]),
	}, nil
}

func decodeFeedback(buf []byte) (FeedbackMessage, error) {
	if len(buf) < 4+8 {
		return FeedbackMessage{}, fmt.Errorf("rtpmidi: receiver_feedback packet too short: %d bytes", len(buf))
	}
	return FeedbackMessage{
		SSRC:           binary.BigEndian.Uint32(buf[4:8]),
		SequenceNumber: binary.BigEndian.Uint16(buf[8:10]),
	}, nil
}

func decodeBitrateLimit(buf []byte) (BitrateLimitMessage, error) {
	if len(buf) < 12 {
		return BitrateLimitMessage{}, fmt.Errorf("rtpmidi: bitrate_receive_limit packet too short: %d bytes", len(buf))
	}
	return BitrateLimitMessage{
		SSRC:  binary.BigEndian.Uint32(buf[4:8]),
		Limit: binary.BigEndian.Uint32(buf[8:12]),
	}, nil
}

// EncodeControl is the exact inverse of DecodeControl for every message kind
// it can produce.
func EncodeControl(msg ControlMessage) ([]byte, error) {
	b := new(bytes.Buffer)
	binary.Write(b, binary.BigEndian, controlMagic)
	binary.Write(b, binary.BigEndian, uint16(msg.Command()))

	switch m := msg.(type) {
	case InvitationMessage:
		binary.Write(b, binary.BigEndian, m.Version)
		binary.Write(b, binary.BigEndian, m.Token)
		binary.Write(b, binary.BigEndian, m.SSRC)
		b.WriteString(m.Name)
		b.WriteByte(0)
	case SyncMessage:
		binary.Write(b, binary.BigEndian, m.SSRC)
		b.WriteByte(m.Count)
		b.Write([]byte{0, 0, 0})
		binary.Write(b, binary.BigEndian, m.TS1)
		binary.Write(b, binary.BigEndian, m.TS2)
		binary.Write(b, binary.BigEndian, m.TS3)
	case FeedbackMessage:
		binary.Write(b, binary.BigEndian, m.SSRC)
		binary.Write(b, binary.BigEndian, m.SequenceNumber)
		binary.Write(b, binary.BigEndian, uint16(0))
	case BitrateLimitMessage:
		binary.Write(b, binary.BigEndian, m.SSRC)
		binary.Write(b, binary.BigEndian, m.Limit)
	default:
		return nil, fmt.Errorf("rtpmidi: unsupported control message type %T", msg)
	}
	return b.Bytes(), nil
}

// NewInvitation builds an InvitationMessage with the current protocol version
// already filled in.
func NewInvitation(cmd ControlCommand, token, ssrc uint32, name string) InvitationMessage {
	return InvitationMessage{Cmd: cmd, Version: protocolVersion, Token: token, SSRC: ssrc, Name: name}
}
