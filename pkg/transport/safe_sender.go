package transport

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-peer/pkg/protocol"
)

// SendFunc is an alternative send path used when the primary transport
// refuses a frame
type SendFunc func(protocol.Frame) error

// SendHooks observe the outcome of each send
type SendHooks struct {
	OnAccepted func(frame protocol.Frame)
	OnFallback func(frame protocol.Frame, primaryErr error)
	OnFailed   func(frame protocol.Frame, err error)
}

// SendStats is a snapshot of send counters
type SendStats struct {
	Accepted  int64 `json:"accepted"`
	Fallback  int64 `json:"fallback"`
	Failed    int64 `json:"failed"`
	BytesSent int64 `json:"bytes_sent"`
}

// SafeSender wraps a transport so that sends never panic or return errors:
// every send reports a single accepted flag
type SafeSender struct {
	mu        sync.RWMutex
	transport Transport
	fallback  SendFunc
	hooks     SendHooks

	accepted  atomic.Int64
	fallbacks atomic.Int64
	failed    atomic.Int64
	bytesSent atomic.Int64

	log *logrus.Entry
}

// NewSafeSender creates a sender over t
func NewSafeSender(t Transport, logger *logrus.Logger) *SafeSender {
	if logger == nil {
		logger = logrus.New()
	}
	return &SafeSender{
		transport: t,
		log:       logger.WithField("component", "sender"),
	}
}

// SetFallback sets the alternative send path
func (s *SafeSender) SetFallback(fn SendFunc) {
	s.mu.Lock()
	s.fallback = fn
	s.mu.Unlock()
}

// SetHooks sets the telemetry hooks
func (s *SafeSender) SetHooks(hooks SendHooks) {
	s.mu.Lock()
	s.hooks = hooks
	s.mu.Unlock()
}

// Transport returns the primary transport
func (s *SafeSender) Transport() Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport
}

// Send sends a frame, trying the fallback if the primary fails.
// Returns true if either path accepted the frame.
func (s *SafeSender) Send(frame protocol.Frame) (ok bool) {
	s.mu.RLock()
	t, fallback, hooks := s.transport, s.fallback, s.hooks
	s.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("Send panicked")
			s.failed.Add(1)
			ok = false
		}
	}()

	primaryErr := ErrNotConnected
	if t != nil && t.Status() == StatusConnected {
		primaryErr = SendFrame(t, frame)
		if primaryErr == nil {
			s.markAccepted(frame, hooks)
			return true
		}
	}

	if fallback != nil {
		s.fallbacks.Add(1)
		if hooks.OnFallback != nil {
			hooks.OnFallback(frame, primaryErr)
		}
		err := fallback(frame)
		if err == nil {
			s.markAccepted(frame, hooks)
			return true
		}
		primaryErr = err
	}

	s.failed.Add(1)
	s.log.WithError(primaryErr).Debug("Frame not accepted")
	if hooks.OnFailed != nil {
		hooks.OnFailed(frame, primaryErr)
	}
	return false
}

// SendEnvelope encodes env as a JSON text frame and sends it
func (s *SafeSender) SendEnvelope(env *protocol.Envelope) bool {
	frame, err := protocol.TextFrameOf(env)
	if err != nil {
		s.log.WithError(err).WithField("type", env.Type).Warn("Failed to encode envelope")
		s.failed.Add(1)
		return false
	}
	return s.Send(frame)
}

// SendChunkFrame sends a length-prefixed binary frame
func (s *SafeSender) SendChunkFrame(header *protocol.Envelope, payload []byte) bool {
	frame, err := protocol.EncodeBinaryFrame(header, payload)
	if err != nil {
		s.log.WithError(err).WithField("transfer_id", header.TransferID).Warn("Failed to encode chunk frame")
		s.failed.Add(1)
		return false
	}
	return s.Send(frame)
}

// Stats returns the current counters
func (s *SafeSender) Stats() SendStats {
	return SendStats{
		Accepted:  s.accepted.Load(),
		Fallback:  s.fallbacks.Load(),
		Failed:    s.failed.Load(),
		BytesSent: s.bytesSent.Load(),
	}
}

func (s *SafeSender) markAccepted(frame protocol.Frame, hooks SendHooks) {
	s.accepted.Add(1)
	s.bytesSent.Add(int64(frameSize(frame)))
	if hooks.OnAccepted != nil {
		hooks.OnAccepted(frame)
	}
}

func frameSize(frame protocol.Frame) int {
	switch f := frame.(type) {
	case protocol.TextFrame:
		return len(f)
	case protocol.BinaryFrame:
		return len(f)
	}
	return 0
}
