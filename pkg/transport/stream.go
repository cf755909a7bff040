package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-peer/pkg/protocol"
)

// Stream wire format: [1 byte kind][4 byte big-endian length][body]
const (
	frameKindText   byte = 0x01
	frameKindBinary byte = 0x02

	streamHeaderSize = 5

	// MaxStreamFrameSize bounds a single frame read from a stream
	MaxStreamFrameSize = 16 * 1024 * 1024
)

// StreamTransport is a Transport over a libp2p stream
type StreamTransport struct {
	stream network.Stream
	events *dispatcher

	writeMu sync.Mutex

	mu     sync.Mutex
	status Status

	closeOnce sync.Once
	done      chan struct{}

	log *logrus.Entry
}

// NewStreamTransport wraps an open stream. The read loop starts once
// handlers are registered.
func NewStreamTransport(stream network.Stream, logger *logrus.Logger) *StreamTransport {
	if logger == nil {
		logger = logrus.New()
	}

	t := &StreamTransport{
		stream: stream,
		events: newDispatcher(),
		status: StatusConnected,
		done:   make(chan struct{}),
		log: logger.WithFields(logrus.Fields{
			"component": "stream",
			"peer":      stream.Conn().RemotePeer().String(),
		}),
	}

	go t.readLoop()

	return t
}

// SetHandlers registers event handlers
func (t *StreamTransport) SetHandlers(h Handlers) {
	t.events.set(h)
}

// SendText writes a text frame
func (t *StreamTransport) SendText(text string) error {
	return t.writeFrame(frameKindText, []byte(text))
}

// SendBinary writes a binary frame
func (t *StreamTransport) SendBinary(data []byte) error {
	return t.writeFrame(frameKindBinary, data)
}

func (t *StreamTransport) writeFrame(kind byte, body []byte) error {
	if t.Status() != StatusConnected {
		return ErrNotConnected
	}

	if len(body) > MaxStreamFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	buf := make([]byte, streamHeaderSize+len(body))
	buf[0] = kind
	binary.BigEndian.PutUint32(buf[1:streamHeaderSize], uint32(len(body)))
	copy(buf[streamHeaderSize:], body)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.stream.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Status returns the connection status
func (t *StreamTransport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// RemotePeer returns the remote peer ID
func (t *StreamTransport) RemotePeer() string {
	return t.stream.Conn().RemotePeer().String()
}

// Close closes the stream. The close handler fires from the read loop.
func (t *StreamTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.setStatus(StatusDisconnected)
		close(t.done)
		err = t.stream.Close()
		if err != nil {
			t.stream.Reset()
		}
	})
	return err
}

func (t *StreamTransport) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

// readLoop reads frames until the stream ends
func (t *StreamTransport) readLoop() {
	select {
	case <-t.events.ready:
	case <-t.done:
		return
	}

	t.events.open()

	reader := bufio.NewReader(t.stream)
	for {
		frame, err := readStreamFrame(reader)
		if err != nil {
			select {
			case <-t.done:
			default:
				if !errors.Is(err, io.EOF) {
					t.log.WithError(err).Warn("Stream read failed")
					t.events.fail(err)
				}
			}
			t.closeOnce.Do(func() {
				t.setStatus(StatusDisconnected)
				close(t.done)
				t.stream.Reset()
			})
			t.events.close()
			return
		}

		t.events.data(frame)
	}
}

func readStreamFrame(r io.Reader) (protocol.Frame, error) {
	var header [streamHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[1:])
	if length > MaxStreamFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	switch header[0] {
	case frameKindText:
		return protocol.TextFrame(body), nil
	case frameKindBinary:
		return protocol.BinaryFrame(body), nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFrame, header[0])
	}
}
