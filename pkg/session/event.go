package session

import (
	"github.com/arzzra/applemidi/pkg/rtpmidi"
	"github.com/arzzra/applemidi/pkg/stream"
)

// EventKind tags an Event with the §6.3 event it corresponds to. The set is
// closed: ready, streamAdded, streamRemoved, message, controlMessage, error.
type EventKind int

const (
	EventReady EventKind = iota
	EventStreamAdded
	EventStreamRemoved
	EventMessage
	EventControlMessage
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventStreamAdded:
		return "streamAdded"
	case EventStreamRemoved:
		return "streamRemoved"
	case EventMessage:
		return "message"
	case EventControlMessage:
		return "controlMessage"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the single tagged payload delivered on Session.Events(). Only the
// fields relevant to Kind are populated; the rest are left at their zero
// value.
type Event struct {
	Kind EventKind

	Stream *stream.Stream

	// DeltaSeconds and Data and AbsoluteTimestamp are populated for
	// EventMessage: the command's delta-time converted to seconds (tick
	// delta / session rate), the raw MIDI bytes, and the command's absolute
	// session-tick event time, derived from the packet's RTP timestamp, the
	// stream's clock-sync offset and the running sum of delta-times
	// (spec.md §6.3).
	DeltaSeconds      float64
	Data              []byte
	AbsoluteTimestamp uint32

	Control rtpmidi.ControlMessage

	Err error
}
