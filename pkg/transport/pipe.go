package transport

import (
	"sync"

	"github.com/ZentaChain/zentalk-peer/pkg/protocol"
)

const pipeBufferSize = 1024

// PipeEnd is one side of an in-memory transport pair
type PipeEnd struct {
	name  string
	peer  *PipeEnd
	inbox chan protocol.Frame

	events *dispatcher

	mu     sync.Mutex
	status Status

	closed    chan struct{}
	closeOnce *sync.Once
}

// NewPipe creates two connected in-memory transports. Closing either end
// closes both.
func NewPipe(nameA, nameB string) (*PipeEnd, *PipeEnd) {
	closed := make(chan struct{})
	once := &sync.Once{}

	a := &PipeEnd{
		name:      nameA,
		inbox:     make(chan protocol.Frame, pipeBufferSize),
		events:    newDispatcher(),
		status:    StatusConnected,
		closed:    closed,
		closeOnce: once,
	}
	b := &PipeEnd{
		name:      nameB,
		inbox:     make(chan protocol.Frame, pipeBufferSize),
		events:    newDispatcher(),
		status:    StatusConnected,
		closed:    closed,
		closeOnce: once,
	}
	a.peer = b
	b.peer = a

	go a.deliverLoop()
	go b.deliverLoop()

	return a, b
}

// SetHandlers registers event handlers
func (p *PipeEnd) SetHandlers(h Handlers) {
	p.events.set(h)
}

// SendText delivers a text frame to the other end
func (p *PipeEnd) SendText(text string) error {
	return p.send(protocol.TextFrame(text))
}

// SendBinary delivers a copy of data to the other end
func (p *PipeEnd) SendBinary(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	return p.send(protocol.BinaryFrame(buf))
}

func (p *PipeEnd) send(frame protocol.Frame) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}

	select {
	case p.peer.inbox <- frame:
		return nil
	case <-p.closed:
		return ErrClosed
	}
}

// Status returns the connection status
func (p *PipeEnd) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// RemotePeer returns the name of the other end
func (p *PipeEnd) RemotePeer() string {
	return p.peer.name
}

// Close closes both ends
func (p *PipeEnd) Close() error {
	p.closeOnce.Do(func() {
		p.setStatus(StatusDisconnected)
		p.peer.setStatus(StatusDisconnected)
		close(p.closed)
	})
	return nil
}

func (p *PipeEnd) setStatus(s Status) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

// deliverLoop waits for handlers, then delivers frames in order
func (p *PipeEnd) deliverLoop() {
	select {
	case <-p.events.ready:
	case <-p.closed:
		return
	}

	p.events.open()

	for {
		select {
		case frame := <-p.inbox:
			p.events.data(frame)
		case <-p.closed:
			p.drain()
			p.events.close()
			return
		}
	}
}

func (p *PipeEnd) drain() {
	for {
		select {
		case frame := <-p.inbox:
			p.events.data(frame)
		default:
			return
		}
	}
}
