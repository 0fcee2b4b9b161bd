package rtpmidi

import (
	"bytes"
	"testing"
)

func TestEncodeDeltaTimeMinimumLength(t *testing.T) {
	cases := []struct {
		delta uint32
		want  []byte
	}{
		{0, []byte{0x00}},
		{0x40, []byte{0x40}},
		{240, []byte{0x81, 0x70}}, // spec.md §8 scenario 3
		{0x7F, []byte{0x7F}},
		{0x80, []byte{0x81, 0x00}},
		{0x3FFF, []byte{0xFF, 0x7F}},
		{0x4000, []byte{0x81, 0x80, 0x00}},
	}
	for _, c := range cases {
		got := encodeDeltaTime(c.delta)
		if !bytes.Equal(got, c.want) {
			t.Errorf("encodeDeltaTime(%d) = % x, want % x", c.delta, got, c.want)
		}
		// continuation bit clear on the final byte, set on every earlier one.
		for i, b := range got {
			wantContinuation := i != len(got)-1
			if (b&0x80 != 0) != wantContinuation {
				t.Errorf("encodeDeltaTime(%d)[%d] continuation bit wrong: % x", c.delta, i, got)
			}
		}
	}
}

func TestDeltaTimeRoundTrip(t *testing.T) {
	for _, delta := range []uint32{0, 1, 127, 128, 16383, 16384, 2097151, 2097152, 0x0FFFFFFF} {
		enc := encodeDeltaTime(delta)
		got, n := decodeDeltaTime(enc)
		if n != len(enc) {
			t.Fatalf("delta=%d: decoded %d bytes, encoded %d", delta, n, len(enc))
		}
		if got != delta {
			t.Fatalf("delta=%d: round trip got %d", delta, got)
		}
	}
}

// Scenario 3 from spec.md §8, worked through with this package's chosen
// running-status policy (elide the status byte exactly when it equals the
// previous command's): two commands, note-on then note-off with a
// different status byte, so no elision occurs and the payload is 8 bytes:
// header(len=8) + [0x90,60,127] + varint(240)=[0x81,0x70] + [0x80,60,0].
func TestMIDIRoundTripScenario(t *testing.T) {
	commands := []Command{
		{DeltaTime: 0, Data: []byte{0x90, 60, 127}},
		{DeltaTime: 240, Data: []byte{0x80, 60, 0}},
	}
	got := EncodePayload(commands, nil)
	want := []byte{0x08, 0x90, 60, 127, 0x81, 0x70, 0x80, 60, 0}
	if !bytes.Equal(got, want) {
		t.Fatalf("EncodePayload = % x, want % x", got, want)
	}

	decoded, journal, err := DecodePayload(got)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if journal != nil {
		t.Fatalf("expected no journal, got %+v", journal)
	}
	if len(decoded) != 2 {
		t.Fatalf("decoded %d commands, want 2", len(decoded))
	}
	if decoded[0].DeltaTime != 0 || !bytes.Equal(decoded[0].Data, []byte{0x90, 60, 127}) {
		t.Fatalf("decoded[0] = %+v", decoded[0])
	}
	if decoded[1].DeltaTime != 240 || !bytes.Equal(decoded[1].Data, []byte{0x80, 60, 0}) {
		t.Fatalf("decoded[1] = %+v", decoded[1])
	}
}

// Running status elision: two note-on commands on the same channel share a
// status byte, so the second is encoded without it.
func TestRunningStatusElision(t *testing.T) {
	commands := []Command{
		{DeltaTime: 0, Data: []byte{0x90, 60, 127}},
		{DeltaTime: 10, Data: []byte{0x90, 64, 100}},
	}
	got := EncodePayload(commands, nil)
	// header(len=6) + [0x90,60,127] + varint(10)=[0x0A] + [64,100] (status elided)
	want := []byte{0x06, 0x90, 60, 127, 0x0A, 64, 100}
	if !bytes.Equal(got, want) {
		t.Fatalf("EncodePayload = % x, want % x", got, want)
	}

	decoded, _, err := DecodePayload(got)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if len(decoded) != 2 || decoded[1].Data[0] != 0x90 {
		t.Fatalf("decoded = %+v, want second command's status inferred as 0x90", decoded)
	}
}

// Scenario 4 from spec.md §8: running status carries the decoded status
// byte forward across commands that omit it on the wire. The spec's
// illustrative header nibble (3) undercounts its own 6 trailing bytes;
// this test uses the corrected length (6) the payload actually needs.
func TestDecodeRunningStatus(t *testing.T) {
	buf := []byte{0x06, 0x90, 0x3C, 0x7F, 0x00, 0x3C, 0x00}
	decoded, _, err := DecodePayload(buf)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("decoded %d commands, want 2", len(decoded))
	}
	if decoded[0].Data[0] != 0x90 || decoded[1].Data[0] != 0x90 {
		t.Fatalf("both commands should carry status 0x90: %+v", decoded)
	}
	if !bytes.Equal(decoded[0].Data, []byte{0x90, 0x3C, 0x7F}) {
		t.Fatalf("decoded[0] = %+v", decoded[0])
	}
	if !bytes.Equal(decoded[1].Data, []byte{0x90, 0x3C, 0x00}) {
		t.Fatalf("decoded[1] = %+v", decoded[1])
	}
}

func TestDecodePayloadEmptyCommandList(t *testing.T) {
	buf := []byte{0x00}
	decoded, journal, err := DecodePayload(buf)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if len(decoded) != 0 || journal != nil {
		t.Fatalf("expected no commands/journal, got %+v %+v", decoded, journal)
	}
}

func TestEncodePayloadBigHeader(t *testing.T) {
	// 20 note-on commands (3 bytes each on the wire after the first, since
	// running status elides the rest) forces the big (B) length header.
	commands := make([]Command, 0, 20)
	for i := 0; i < 20; i++ {
		commands = append(commands, Command{DeltaTime: uint32(i), Data: []byte{0x90, byte(60 + i), 100}})
	}
	got := EncodePayload(commands, nil)
	if got[0]&bigHeaderBit == 0 {
		t.Fatalf("expected big header bit set for %d-byte body, header=%#x", len(got)-2, got[0])
	}
	decoded, _, err := DecodePayload(got)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if len(decoded) != 20 {
		t.Fatalf("decoded %d commands, want 20", len(decoded))
	}
}

func TestSysExRoundTrip(t *testing.T) {
	commands := []Command{
		{DeltaTime: 0, Data: []byte{0xF0, 0x7E, 0x00, 0xF7}},
	}
	got := EncodePayload(commands, nil)
	decoded, _, err := DecodePayload(got)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if len(decoded) != 1 || !bytes.Equal(decoded[0].Data, commands[0].Data) {
		t.Fatalf("decoded = %+v, want %+v", decoded, commands)
	}
}

func TestSysExContinuationSentinelStopsDecoding(t *testing.T) {
	// A SysEx segment ended by a status byte other than 0xF7 (here 0xF0,
	// the continuation sentinel): the decoder must stop without emitting a
	// partial command, and without an error.
	buf := []byte{0x04, 0xF0, 0x01, 0x02, 0xF0}
	decoded, _, err := DecodePayload(buf)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if len(decoded) != 0 {
		t.Fatalf("expected no commands for an unterminated sysex, got %+v", decoded)
	}
}

func TestLossDetectionSequenceNumbers(t *testing.T) {
	// Scenario 5 from spec.md §8, exercised purely as the arithmetic the
	// stream package relies on (see pkg/stream for the stateful version).
	var lost []uint16
	prev := int32(10)
	for _, seq := range []int32{11, 15} {
		for s := prev + 1; s < seq; s++ {
			lost = append(lost, uint16(s))
		}
		prev = seq
	}
	want := []uint16{12, 13, 14}
	if len(lost) != len(want) {
		t.Fatalf("lost = %v, want %v", lost, want)
	}
	for i := range want {
		if lost[i] != want[i] {
			t.Fatalf("lost = %v, want %v", lost, want)
		}
	}
}
