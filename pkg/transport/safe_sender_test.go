package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ZentaChain/zentalk-peer/pkg/protocol"
)

// stubTransport records sends and can be told to fail
type stubTransport struct {
	status  Status
	sendErr error
	panics  bool
	sent    []protocol.Frame
}

func (s *stubTransport) SetHandlers(Handlers) {}

func (s *stubTransport) SendText(text string) error {
	return s.record(protocol.TextFrame(text))
}

func (s *stubTransport) SendBinary(data []byte) error {
	return s.record(protocol.BinaryFrame(data))
}

func (s *stubTransport) record(f protocol.Frame) error {
	if s.panics {
		panic("boom")
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, f)
	return nil
}

func (s *stubTransport) Status() Status     { return s.status }
func (s *stubTransport) RemotePeer() string { return "stub" }
func (s *stubTransport) Close() error       { return nil }

func TestSafeSenderAccepted(t *testing.T) {
	stub := &stubTransport{status: StatusConnected}
	sender := NewSafeSender(stub, nil)

	var accepted int
	sender.SetHooks(SendHooks{OnAccepted: func(protocol.Frame) { accepted++ }})

	assert.True(t, sender.SendEnvelope(protocol.NewHeartbeat()))
	assert.True(t, sender.SendChunkFrame(protocol.NewFileChunk("t", 0, true), []byte("abc")))

	assert.Len(t, stub.sent, 2)
	assert.Equal(t, 2, accepted)

	stats := sender.Stats()
	assert.Equal(t, int64(2), stats.Accepted)
	assert.Equal(t, int64(0), stats.Failed)
	assert.Greater(t, stats.BytesSent, int64(0))
}

func TestSafeSenderFallback(t *testing.T) {
	testCases := []struct {
		name        string
		primary     *stubTransport
		fallbackErr error
		want        bool
	}{
		{"Primary error, fallback ok", &stubTransport{status: StatusConnected, sendErr: errors.New("write failed")}, nil, true},
		{"Primary disconnected, fallback ok", &stubTransport{status: StatusDisconnected}, nil, true},
		{"Both fail", &stubTransport{status: StatusConnected, sendErr: errors.New("write failed")}, errors.New("also failed"), false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sender := NewSafeSender(tc.primary, nil)

			var fallbackCalls int
			sender.SetFallback(func(protocol.Frame) error {
				fallbackCalls++
				return tc.fallbackErr
			})

			got := sender.Send(protocol.TextFrame("hi"))
			assert.Equal(t, tc.want, got)
			assert.Equal(t, 1, fallbackCalls)
			assert.Equal(t, int64(1), sender.Stats().Fallback)
		})
	}
}

func TestSafeSenderNeverPanics(t *testing.T) {
	sender := NewSafeSender(&stubTransport{status: StatusConnected, panics: true}, nil)

	assert.NotPanics(t, func() {
		assert.False(t, sender.Send(protocol.TextFrame("hi")))
	})
	assert.Equal(t, int64(1), sender.Stats().Failed)
}

func TestSafeSenderNilTransport(t *testing.T) {
	sender := NewSafeSender(nil, nil)

	var failedErr error
	sender.SetHooks(SendHooks{OnFailed: func(_ protocol.Frame, err error) { failedErr = err }})

	assert.False(t, sender.Send(protocol.TextFrame("hi")))
	assert.ErrorIs(t, failedErr, ErrNotConnected)
}
