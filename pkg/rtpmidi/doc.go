// Package rtpmidi implements the wire codec for the AppleMIDI / RTP-MIDI
// protocol suite: the generic RTP envelope (delegated to pion/rtp), the
// AppleMIDI control packets (invitation, acceptance, rejection, end,
// clock synchronization, receiver feedback, bitrate limit), the RTP-MIDI
// command list (delta-time varints, running status, SysEx), and the
// recovery journal's presence-bit structure.
//
// Every decode function returns (zero value, error) on malformed input; it
// never panics. Encoders are the exact inverse of decoders for any message
// a decoder can successfully produce.
package rtpmidi
