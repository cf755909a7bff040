package session

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-peer/pkg/config"
	"github.com/ZentaChain/zentalk-peer/pkg/protocol"
	"github.com/ZentaChain/zentalk-peer/pkg/transport"
)

const waitTimeout = 2 * time.Second

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.PaceInterval = time.Millisecond
	cfg.HandshakeTimeout = time.Second
	cfg.EncryptionRetryDelay = 5 * time.Millisecond
	return cfg
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// envelopeSink decodes everything arriving at the far end of a pipe
type envelopeSink struct {
	mu        sync.Mutex
	envelopes []*protocol.Envelope
	payloads  [][]byte
}

// newSink returns a sender for the near end and a sink on the far end
func newSink(t *testing.T) (*transport.SafeSender, *transport.PipeEnd, *envelopeSink) {
	t.Helper()
	near, far := transport.NewPipe("alice", "bob")
	t.Cleanup(func() { near.Close() })

	sink := &envelopeSink{}
	far.SetHandlers(transport.Handlers{OnData: sink.record})

	return transport.NewSafeSender(near, quietLogger()), near, sink
}

func (s *envelopeSink) record(frame protocol.Frame) {
	var env *protocol.Envelope
	var payload []byte

	switch f := frame.(type) {
	case protocol.TextFrame:
		env, _ = protocol.DecodeEnvelope([]byte(f))
	case protocol.BinaryFrame:
		env, payload, _ = protocol.DecodeBinaryFrame(f)
	case protocol.ParsedFrame:
		env = f.Envelope
	}
	if env == nil {
		return
	}

	s.mu.Lock()
	s.envelopes = append(s.envelopes, env)
	s.payloads = append(s.payloads, payload)
	s.mu.Unlock()
}

func (s *envelopeSink) all() []*protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*protocol.Envelope, len(s.envelopes))
	copy(out, s.envelopes)
	return out
}

func (s *envelopeSink) count(msgType protocol.MessageType) int {
	n := 0
	for _, env := range s.all() {
		if env.Type == msgType {
			n++
		}
	}
	return n
}

// waitFor blocks until an envelope of msgType arrives and returns the first one
func (s *envelopeSink) waitFor(t *testing.T, msgType protocol.MessageType) *protocol.Envelope {
	t.Helper()
	var found *protocol.Envelope
	require.Eventually(t, func() bool {
		for _, env := range s.all() {
			if env.Type == msgType {
				found = env
				return true
			}
		}
		return false
	}, waitTimeout, 5*time.Millisecond, "no %s envelope", msgType)
	return found
}

// eventLog collects session events from a subscription
type eventLog struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func collect(s *Session) *eventLog {
	l := &eventLog{done: make(chan struct{})}
	ch := s.Subscribe()
	go func() {
		defer close(l.done)
		for e := range ch {
			l.mu.Lock()
			l.events = append(l.events, e)
			l.mu.Unlock()
		}
	}()
	return l
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) types() []EventType {
	var out []EventType
	for _, e := range l.snapshot() {
		out = append(out, e.Type)
	}
	return out
}

func (l *eventLog) waitFor(t *testing.T, typ EventType) Event {
	t.Helper()
	var found Event
	require.Eventually(t, func() bool {
		for _, e := range l.snapshot() {
			if e.Type == typ {
				found = e
				return true
			}
		}
		return false
	}, waitTimeout, 5*time.Millisecond, "no %s event", typ)
	return found
}

func (l *eventLog) count(typ EventType) int {
	n := 0
	for _, e := range l.snapshot() {
		if e.Type == typ {
			n++
		}
	}
	return n
}
