package rtpmidi

import (
	"bytes"
	"testing"
)

// Scenario 1 from spec.md §8: handshake wire bytes, exactly.
func TestInvitationWireBytes(t *testing.T) {
	msg := NewInvitation(CmdInvitation, 0xAABBCCDD, 0x01020304, "A")
	got, err := EncodeControl(msg)
	if err != nil {
		t.Fatalf("EncodeControl: %v", err)
	}
	want := []byte{0xFF, 0xFF, 0x49, 0x4E, 0x00, 0x00, 0x00, 0x02, 0xAA, 0xBB, 0xCC, 0xDD, 0x01, 0x02, 0x03, 0x04, 'A', 0x00}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}

	decoded, err := DecodeControl(want)
	if err != nil {
		t.Fatalf("DecodeControl: %v", err)
	}
	inv, ok := decoded.(InvitationMessage)
	if !ok {
		t.Fatalf("decoded type = %T, want InvitationMessage", decoded)
	}
	if inv.Cmd != CmdInvitation || inv.Version != 2 || inv.Token != 0xAABBCCDD || inv.SSRC != 0x01020304 || inv.Name != "A" {
		t.Fatalf("decoded = %+v", inv)
	}
}

func TestInvitationAcceptedWireBytes(t *testing.T) {
	want := []byte{0xFF, 0xFF, 0x4F, 0x4B, 0x00, 0x00, 0x00, 0x02, 0xAA, 0xBB, 0xCC, 0xDD, 0x05, 0x06, 0x07, 0x08, 'B', 0x00}
	decoded, err := DecodeControl(want)
	if err != nil {
		t.Fatalf("DecodeControl: %v", err)
	}
	inv := decoded.(InvitationMessage)
	if inv.Cmd != CmdInvitationAccepted || inv.SSRC != 0x05060708 || inv.Name != "B" {
		t.Fatalf("decoded = %+v", inv)
	}

	reencoded, err := EncodeControl(inv)
	if err != nil {
		t.Fatalf("EncodeControl: %v", err)
	}
	if !bytes.Equal(reencoded, want) {
		t.Fatalf("round trip mismatch: got % x, want % x", reencoded, want)
	}
}

func TestSyncRoundTrip(t *testing.T) {
	msg := SyncMessage{SSRC: 0x11223344, Count: 2, TS1: 1000, TS2: 5000, TS3: 1010}
	buf, err := EncodeControl(msg)
	if err != nil {
		t.Fatalf("EncodeControl: %v", err)
	}
	decoded, err := DecodeControl(buf)
	if err != nil {
		t.Fatalf("DecodeControl: %v", err)
	}
	if decoded != ControlMessage(msg) {
		t.Fatalf("decoded = %+v, want %+v", decoded, msg)
	}
}

// Scenario 2 from spec.md §8: clock sync arithmetic sign/magnitude.
func TestClockSyncArithmetic(t *testing.T) {
	ts1, ts2, ts3 := uint64(1000), uint64(5000), uint64(1010)
	latency := int64(ts3) - int64(ts1)
	timeDifference := int64(ts3) - int64(ts2) - latency

	if latency != 10 {
		t.Fatalf("latency = %d, want 10", latency)
	}
	if timeDifference != -4000 {
		t.Fatalf("timeDifference = %d, want -4000", timeDifference)
	}
}

func TestFeedbackRoundTrip(t *testing.T) {
	msg := FeedbackMessage{SSRC: 0xCAFEBABE, SequenceNumber: 42}
	buf, err := EncodeControl(msg)
	if err != nil {
		t.Fatalf("EncodeControl: %v", err)
	}
	decoded, err := DecodeControl(buf)
	if err != nil {
		t.Fatalf("DecodeControl: %v", err)
	}
	if decoded != ControlMessage(msg) {
		t.Fatalf("decoded = %+v, want %+v", decoded, msg)
	}
}

func TestBitrateLimitRoundTrip(t *testing.T) {
	msg := BitrateLimitMessage{SSRC: 7, Limit: 256000}
	buf, err := EncodeControl(msg)
	if err != nil {
		t.Fatalf("EncodeControl: %v", err)
	}
	decoded, err := DecodeControl(buf)
	if err != nil {
		t.Fatalf("DecodeControl: %v", err)
	}
	if decoded != ControlMessage(msg) {
		t.Fatalf("decoded = %+v, want %+v", decoded, msg)
	}
}

func TestDecodeControlUnknownCommand(t *testing.T) {
	buf := []byte{0xFF, 0xFF, 0x00, 0x00, 0, 0, 0, 0}
	if _, err := DecodeControl(buf); err == nil {
		t.Fatal("expected error for unknown command code")
	}
}

func TestIsControlPacket(t *testing.T) {
	if !IsControlPacket([]byte{0xFF, 0xFF, 0x49, 0x4E}) {
		t.Error("expected control packet magic to be recognized")
	}
	if IsControlPacket([]byte{0x80, 0x61, 0x00, 0x01}) {
		t.Error("RTP-MIDI payload must not be recognized as control")
	}
}
