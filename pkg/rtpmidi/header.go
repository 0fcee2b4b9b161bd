package rtpmidi

import (
	"fmt"

	"github.com/pion/rtp"
)

// PayloadType is the static RTP payload type assigned to native RTP-MIDI
// streams (spec.md §4.1).
const PayloadType = 0x61

// Packet is a full RTP-MIDI datagram: the generic RTP envelope (delegated to
// pion/rtp, the same library the teacher repo uses for its own RTP
// sessions) plus the MIDI command list and optional journal this package
// decodes from the RTP payload.
type Packet struct {
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	Commands       []Command
	Journal        *Journal
}

// Decode parses a full RTP-MIDI datagram: the RTP header (via pion/rtp) and
// the RTP-MIDI payload it carries.
func Decode(buf []byte) (Packet, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf); err != nil {
		return Packet{}, fmt.Errorf("rtpmidi: rtp header: %w", err)
	}
	if pkt.PayloadType != PayloadType {
		return Packet{}, fmt.Errorf("rtpmidi: payload type mismatch: expected 0x%x, got 0x%x", PayloadType, pkt.PayloadType)
	}

	commands, journal, err := DecodePayload(pkt.Payload)
	if err != nil {
		return Packet{}, fmt.Errorf("rtpmidi: payload: %w", err)
	}

	return Packet{
		SequenceNumber: pkt.SequenceNumber,
		Timestamp:      pkt.Timestamp,
		SSRC:           pkt.SSRC,
		Commands:       commands,
		Journal:        journal,
	}, nil
}

// Encode is the inverse of Decode.
func Encode(p Packet) ([]byte, error) {
	payload := EncodePayload(p.Commands, p.Journal)

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         len(p.Commands) > 0,
			PayloadType:    PayloadType,
			SequenceNumber: p.SequenceNumber,
			Timestamp:      p.Timestamp,
			SSRC:           p.SSRC,
		},
		Payload: payload,
	}
	out, err := pkt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("rtpmidi: rtp header: %w", err)
	}
	return out, nil
}
