package rtpmidi

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Journal is the RTP-MIDI recovery journal. This codec only parses and
// re-emits its presence-bit structure: chapter payloads are treated as
// opaque, length-delimited byte blocks (spec.md §1 Non-goals, §4.1).
type Journal struct {
	SinglePacketLoss     bool // S
	EnhancedEncoding     bool // H
	TotalChannels        int  // derived from the low 4 bits + 1
	CheckpointSeq        uint16
	System               *SystemJournal
	Channels             []ChannelJournal
}

// SystemJournal is the opaque system-journal chapter block.
type SystemJournal struct {
	// ChapterFlags packs the S,D,V,Q,F,X chapter-presence bits into the top
	// 6 bits of this byte (bits 7..2); the low 2 bits are folded into Data's
	// length field on the wire and are not meaningful here.
	ChapterFlags byte
	Data         []byte
}

// ChannelJournal is one channel's opaque journal chapter block.
type ChannelJournal struct {
	SFlag        bool
	Channel      uint8
	HFlag        bool
	ChapterFlags byte // P,C,M,W,N,E,T,A presence bits
	Data         []byte
}

const (
	journalSingleLossBit = 0x80
	journalSystemBit     = 0x40
	journalChannelBit    = 0x20
	journalEnhancedBit   = 0x10
	journalChannelMask   = 0x0F
)

// DecodeJournal parses the journal section that trails the MIDI command
// list when the payload header's J bit is set.
func DecodeJournal(buf []byte) (*Journal, error) {
	if len(buf) < 3 {
		return nil, fmt.Errorf("rtpmidi: journal header too short: %d bytes", len(buf))
	}
	j := &Journal{
		SinglePacketLoss: buf[0]&journalSingleLossBit != 0,
		EnhancedEncoding: buf[0]&journalEnhancedBit != 0,
		TotalChannels:    int(buf[0]&journalChannelMask) + 1,
		CheckpointSeq:    binary.BigEndian.Uint16(buf[1:3]),
	}
	hasSystem := buf[0]&journalSystemBit != 0
	hasChannel := buf[0]&journalChannelBit != 0

	offset := 3
	if hasSystem {
		sys, n, err := decodeSystemJournal(buf[offset:])
		if err != nil {
			return nil, err
		}
		j.System = sys
		offset += n
	}
	if hasChannel {
		for c := 0; c < j.TotalChannels; c++ {
			ch, n, err := decodeChannelJournal(buf[offset:])
			if err != nil {
				return nil, fmt.Errorf("rtpmidi: channel journal %d: %w", c, err)
			}
			j.Channels = append(j.Channels, ch)
			offset += n
		}
	}
	return j, nil
}

func decodeSystemJournal(buf []byte) (*SystemJournal, int, error) {
	if len(buf) < 2 {
		return nil, 0, fmt.Errorf("rtpmidi: system journal header too short")
	}
	length := (int(buf[0]&0x03) << 8) | int(buf[1])
	if 2+length > len(buf) {
		return nil, 0, fmt.Errorf("rtpmidi: system journal length %d exceeds buffer", length)
	}
	sj := &SystemJournal{
		ChapterFlags: buf[0] &^ 0x03,
		Data:         append([]byte(nil), buf[2:2+length]...),
	}
	return sj, 2 + length, nil
}

func decodeChannelJournal(buf []byte) (ChannelJournal, int, error) {
	if len(buf) < 3 {
		return ChannelJournal{}, 0, fmt.Errorf("rtpmidi: channel journal header too short")
	}
	// byte0: S(1) CHAN(4) H(1) LEN_hi(2); byte1: LEN_lo(8); byte2: chapter flags.
	sFlag := buf[0]&0x80 != 0
	channel := (buf[0] >> 3) & 0x0F
	hFlag := buf[0]&0x04 != 0
	length := (int(buf[0]&0x03) << 8) | int(buf[1])
	chapterFlags := buf[2]

	if 3+length > len(buf) {
		return ChannelJournal{}, 0, fmt.Errorf("rtpmidi: channel journal length %d exceeds buffer", length)
	}
	cj := ChannelJournal{
		SFlag:        sFlag,
		Channel:      channel,
		HFlag:        hFlag,
		ChapterFlags: chapterFlags,
		Data:         append([]byte(nil), buf[3:3+length]...),
	}
	return cj, 3 + length, nil
}

// EncodeJournal is the inverse of DecodeJournal.
func EncodeJournal(j *Journal) []byte {
	b := new(bytes.Buffer)
	header := byte(j.TotalChannels-1) & journalChannelMask
	if j.SinglePacketLoss {
		header |= journalSingleLossBit
	}
	if j.System != nil {
		header |= journalSystemBit
	}
	if len(j.Channels) > 0 {
		header |= journalChannelBit
	}
	if j.EnhancedEncoding {
		header |= journalEnhancedBit
	}
	b.WriteByte(header)
	binary.Write(b, binary.BigEndian, j.CheckpointSeq)

	if j.System != nil {
		length := len(j.System.Data)
		b.WriteByte((j.System.ChapterFlags &^ 0x03) | byte((length>>8)&0x03))
		b.WriteByte(byte(length))
		b.Write(j.System.Data)
	}
	for _, cj := range j.Channels {
		length := len(cj.Data)
		b0 := (cj.Channel & 0x0F) << 3
		if cj.SFlag {
			b0 |= 0x80
		}
		if cj.HFlag {
			b0 |= 0x04
		}
		b0 |= byte((length >> 8) & 0x03)
		b.WriteByte(b0)
		b.WriteByte(byte(length))
		b.WriteByte(cj.ChapterFlags)
		b.Write(cj.Data)
	}
	return b.Bytes()
}
