// Package transport carries protocol frames between two session endpoints.
package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ZentaChain/zentalk-peer/pkg/protocol"
)

var (
	ErrClosed        = errors.New("transport closed")
	ErrNotConnected  = errors.New("transport not connected")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrUnknownFrame  = errors.New("unknown frame kind")
)

// Status is the connection status reported by a transport
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Handlers receives transport events. Events are delivered one at a time
// from a single goroutine per transport.
type Handlers struct {
	OnOpen  func()
	OnData  func(protocol.Frame)
	OnClose func()
	OnError func(error)
}

// Transport is a duplex, message-oriented connection to one remote endpoint
type Transport interface {
	// SetHandlers registers event handlers and starts delivery.
	// Frames received before registration are held until then.
	SetHandlers(h Handlers)

	SendText(text string) error
	SendBinary(data []byte) error
	Status() Status

	// RemotePeer identifies the remote endpoint
	RemotePeer() string

	Close() error
}

// SendFrame sends a frame over t using the matching text or binary path
func SendFrame(t Transport, frame protocol.Frame) error {
	switch f := frame.(type) {
	case protocol.TextFrame:
		return t.SendText(string(f))
	case protocol.BinaryFrame:
		return t.SendBinary(f)
	case protocol.ParsedFrame:
		text, err := protocol.TextFrameOf(f.Envelope)
		if err != nil {
			return err
		}
		return t.SendText(string(text))
	default:
		return fmt.Errorf("%w: %T", ErrUnknownFrame, frame)
	}
}

// dispatcher serializes event delivery for one transport
type dispatcher struct {
	mu       sync.Mutex
	handlers Handlers
	ready    chan struct{}
	once     sync.Once
}

func newDispatcher() *dispatcher {
	return &dispatcher{ready: make(chan struct{})}
}

func (d *dispatcher) set(h Handlers) {
	d.mu.Lock()
	d.handlers = h
	d.mu.Unlock()
	d.once.Do(func() { close(d.ready) })
}

func (d *dispatcher) get() Handlers {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlers
}

func (d *dispatcher) open() {
	if h := d.get(); h.OnOpen != nil {
		h.OnOpen()
	}
}

func (d *dispatcher) data(frame protocol.Frame) {
	if h := d.get(); h.OnData != nil {
		h.OnData(frame)
	}
}

func (d *dispatcher) close() {
	if h := d.get(); h.OnClose != nil {
		h.OnClose()
	}
}

func (d *dispatcher) fail(err error) {
	if h := d.get(); h.OnError != nil {
		h.OnError(err)
	}
}
