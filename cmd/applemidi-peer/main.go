// Command applemidi-peer is a runnable example: it starts one AppleMIDI
// session, optionally connects to a remote peer, and logs every MIDI
// command it receives as a hex dump. Two instances pointed at each other
// can exchange note-on/note-off bytes.
//
// Grounded on the teacher's cmd/test_sip (flag-driven mode selection, a
// signal channel that blocks main until Ctrl-C) and
// somesmallstudio-go-midi-rtp/examples/dump-received (the hex-dump handler
// loop and signal.Notify shutdown shape).
package main

import (
	"encoding/hex"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/arzzra/applemidi/pkg/metrics"
	"github.com/arzzra/applemidi/pkg/session"
)

func main() {
	var (
		port          = flag.Uint("port", 5004, "control-channel port (data channel binds to port+1)")
		name          = flag.String("name", "applemidi-peer", "local and Bonjour display name")
		connectTo     = flag.String("connect", "", "host:port of a remote peer to connect to on startup")
		enableMetrics = flag.Bool("metrics", false, "enable in-process Prometheus instrumentation")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "", log.LstdFlags)

	var collector *metrics.Collector
	if *enableMetrics {
		collector = metrics.NewCollector(metrics.DefaultConfig())
	}

	s, err := session.New(session.Config{
		Port:      uint16(*port),
		LocalName: *name,
		Logger:    logger,
		Metrics:   collector,
	})
	if err != nil {
		log.Fatalf("applemidi-peer: configure session: %v", err)
	}

	if err := s.Start(); err != nil {
		log.Fatalf("applemidi-peer: start session: %v", err)
	}

	go logEvents(logger, s)

	if *connectTo != "" {
		host, portStr, err := splitHostPort(*connectTo)
		if err != nil {
			log.Fatalf("applemidi-peer: -connect %q: %v", *connectTo, err)
		}
		if _, err := s.Connect(session.PeerInfo{Address: host, Port: portStr}); err != nil {
			log.Fatalf("applemidi-peer: connect to %s: %v", *connectTo, err)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Println("applemidi-peer: shutting down")
	done := make(chan struct{})
	s.End(func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Println("applemidi-peer: shutdown timed out")
	}
}

// logEvents drains s.Events() and logs each one, dumping message payloads
// in hex the way somesmallstudio-go-midi-rtp/examples/dump-received does.
func logEvents(logger *log.Logger, s *session.Session) {
	for ev := range s.Events() {
		switch ev.Kind {
		case session.EventReady:
			logger.Println("session ready")
		case session.EventStreamAdded:
			logger.Printf("stream added: peer SSRC %08x", ev.Stream.PeerSSRC())
		case session.EventStreamRemoved:
			logger.Printf("stream removed: peer SSRC %08x", ev.Stream.PeerSSRC())
		case session.EventMessage:
			logger.Printf("message (+%.4fs, t=%d):\n%s", ev.DeltaSeconds, ev.AbsoluteTimestamp, hex.Dump(ev.Data))
		case session.EventControlMessage:
			logger.Printf("control message: %s", ev.Control.Command())
		case session.EventError:
			logger.Printf("error: %v", ev.Err)
		}
	}
}

func splitHostPort(hostport string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, err
	}
	return host, uint16(port), nil
}
