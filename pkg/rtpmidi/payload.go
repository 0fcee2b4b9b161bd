package rtpmidi

import (
	"bytes"
	"fmt"

	"github.com/arzzra/applemidi/pkg/midi"
)

// Command is a single MIDI command carried inside an RTP-MIDI payload: a
// delta-time (in session ticks) plus the raw status+data bytes. Data[0] is
// always the command's actual status byte, even when running status elided
// it on the wire (spec.md §4.1).
type Command struct {
	DeltaTime uint32
	Data      []byte
}

const (
	bigHeaderBit = 0x80 // B
	journalBit   = 0x40 // J
	zeroDeltaBit = 0x20 // Z
	phantomBit   = 0x10 // P
	lenMask      = 0x0F
	deltaMore    = 0x80
	deltaMask    = 0x7F
	maxDeltaLen  = 4
)

// payloadHeader is the decoded first (or first two) byte(s) of an RTP-MIDI
// payload, excluding the command list and journal that follow it.
type payloadHeader struct {
	Big        bool
	HasJournal bool
	ZeroDelta  bool
	Phantom    bool
	Length     int
}

// DecodePayload parses the RTP-MIDI command section (and trailing journal,
// if present) from an RTP packet's payload bytes.
func DecodePayload(buf []byte) ([]Command, *Journal, error) {
	if len(buf) == 0 {
		return nil, nil, fmt.Errorf("rtpmidi: empty payload")
	}
	h := payloadHeader{
		Big:        buf[0]&bigHeaderBit != 0,
		HasJournal: buf[0]&journalBit != 0,
		ZeroDelta:  buf[0]&zeroDeltaBit != 0,
		Phantom:    buf[0]&phantomBit != 0,
	}

	listStart := 1
	if h.Big {
		if len(buf) < 2 {
			return nil, nil, fmt.Errorf("rtpmidi: truncated big header")
		}
		h.Length = (int(buf[0]&lenMask) << 8) | int(buf[1])
		listStart = 2
	} else {
		h.Length = int(buf[0] & lenMask)
	}

	end := listStart + h.Length
	if end > len(buf) {
		return nil, nil, fmt.Errorf("rtpmidi: command list length %d exceeds buffer", h.Length)
	}

	commands, err := decodeCommandList(buf[listStart:end], h.ZeroDelta)

	var journal *Journal
	if h.HasJournal && end < len(buf) {
		j, jerr := DecodeJournal(buf[end:])
		if jerr != nil {
			return commands, nil, jerr
		}
		journal = j
	}
	return commands, journal, err
}

func decodeCommandList(buf []byte, firstHasDelta bool) ([]Command, error) {
	commands := make([]Command, 0)
	var runningStatus byte
	offset := 0

	for offset < len(buf) {
		var deltaTime uint32
		if len(commands) > 0 || firstHasDelta {
			var n int
			deltaTime, n = decodeDeltaTime(buf[offset:])
			if n == 0 {
				return commands, fmt.Errorf("rtpmidi: truncated delta-time")
			}
			offset += n
		}
		if offset >= len(buf) {
			return commands, fmt.Errorf("rtpmidi: truncated command after delta-time")
		}

		statusByte := buf[offset]
		if midi.IsStatus(statusByte) {
			runningStatus = statusByte
			offset++
		} else {
			statusByte = runningStatus
		}

		var dataLength int
		if statusByte == midi.SysExStart {
			j := offset
			for j < len(buf) && !midi.IsStatus(buf[j]) {
				j++
			}
			if j >= len(buf) {
				return commands, fmt.Errorf("rtpmidi: truncated sysex")
			}
			if buf[j] != midi.SysExEnd {
				// Continuation sentinel: this command spans past this
				// packet. Stop decoding without emitting it.
				return commands, nil
			}
			dataLength = j - offset + 1
		} else {
			dataLength = midi.DataLength(statusByte)
			if dataLength < 0 {
				dataLength = 0
			}
		}

		if offset+dataLength > len(buf) {
			return commands, fmt.Errorf("rtpmidi: command data runs past buffer: need %d more bytes", dataLength)
		}

		data := make([]byte, 0, dataLength+1)
		data = append(data, statusByte)
		data = append(data, buf[offset:offset+dataLength]...)
		offset += dataLength

		commands = append(commands, Command{DeltaTime: deltaTime, Data: data})
	}
	return commands, nil
}

// decodeDeltaTime reads a big-endian base-128 varint: up to four bytes, 7
// data bits each, continuation signalled by the high bit. It returns the
// decoded value and the number of bytes consumed (0 only for an empty
// buffer; a varint cut off mid-way returns the bytes it did read).
func decodeDeltaTime(buf []byte) (uint32, int) {
	var value uint32
	for i := 0; i < maxDeltaLen && i < len(buf); i++ {
		b := buf[i]
		value = (value << 7) | uint32(b&deltaMask)
		if b&deltaMore == 0 {
			return value, i + 1
		}
	}
	if len(buf) == 0 {
		return 0, 0
	}
	return value, min(maxDeltaLen, len(buf))
}

// encodeDeltaTime emits the minimum number of 7-bit groups needed to
// represent delta, masked to the 28 bits four groups can carry.
func encodeDeltaTime(delta uint32) []byte {
	delta &= 0x0FFFFFFF
	if delta == 0 {
		return []byte{0x00}
	}
	var groups []byte
	for v := delta; v > 0; v >>= 7 {
		groups = append(groups, byte(v&deltaMask))
	}
	for i, j := 0, len(groups)-1; i < j; i, j = i+1, j-1 {
		groups[i], groups[j] = groups[j], groups[i]
	}
	for i := 0; i < len(groups)-1; i++ {
		groups[i] |= deltaMore
	}
	return groups
}

// EncodePayload is the inverse of DecodePayload: it builds the RTP-MIDI
// command section (header byte(s), command list, optional journal) from a
// command slice. Each command's DeltaTime is encoded relative to the
// previous command, per the wire format and the strictly-relative contract
// documented in SPEC_FULL.md's Open Question #2 — callers (pkg/session) are
// responsible for rewriting absolute timestamps into that form before
// calling EncodePayload.
func EncodePayload(commands []Command, journal *Journal) []byte {
	body := new(bytes.Buffer)
	header := byte(0)

	if len(commands) > 0 {
		var runningStatus byte
		haveRunning := false

		for i, cmd := range commands {
			if i == 0 {
				if cmd.DeltaTime != 0 {
					header |= zeroDeltaBit
					body.Write(encodeDeltaTime(cmd.DeltaTime))
				}
			} else {
				body.Write(encodeDeltaTime(cmd.DeltaTime))
			}

			status := cmd.Data[0]
			if haveRunning && status == runningStatus {
				body.Write(cmd.Data[1:])
			} else {
				body.Write(cmd.Data)
				runningStatus = status
				haveRunning = true
			}
		}
	}

	if journal != nil {
		header |= journalBit
	}

	out := new(bytes.Buffer)
	n := body.Len()
	if n > 15 {
		header |= bigHeaderBit | byte((n>>8)&lenMask)
		out.WriteByte(header)
		out.WriteByte(byte(n))
	} else {
		header |= byte(n) & lenMask
		out.WriteByte(header)
	}
	out.Write(body.Bytes())

	if journal != nil {
		out.Write(EncodeJournal(journal))
	}
	return out.Bytes()
}
