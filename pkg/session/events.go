package session

import (
	"sync"
)

// EventType identifies a session event
type EventType string

const (
	EventConnectionRequest EventType = "connection_request"
	EventConnected         EventType = "connected"
	EventRejected          EventType = "rejected"
	EventTimedOut          EventType = "timed_out"
	EventHandshakeFailed   EventType = "handshake_failed"
	EventEncryptionReady   EventType = "encryption_ready"
	EventEncryptionFailed  EventType = "encryption_failed"
	EventMessage           EventType = "message"
	EventTransferStarted   EventType = "transfer_started"
	EventTransferProgress  EventType = "transfer_progress"
	EventFileSent          EventType = "file_sent"
	EventFileReceived      EventType = "file_received"
	EventTransferFailed    EventType = "transfer_failed"
	EventDisconnected      EventType = "disconnected"
)

// Direction of a transfer event
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// ChatMessage is a received or sent chat message
type ChatMessage struct {
	Sender    string
	Content   string
	Timestamp int64
	Encrypted bool
	Outgoing  bool
}

// TransferInfo describes the transfer an event refers to
type TransferInfo struct {
	ID          string
	Direction   Direction
	FileName    string
	FileType    string
	FileSize    int64
	ChunksCount int
	Progress    float64
	// Data is set on EventFileReceived
	Data []byte
}

// Event is delivered to the session subscriber
type Event struct {
	Type EventType

	RemoteID      string
	UseEncryption bool
	Fingerprint   string

	Message  *ChatMessage
	Transfer *TransferInfo

	Err error
}

// eventQueue buffers events in a bounded queue and delivers them to a
// single subscriber in order. Events pushed before Subscribe are held.
type eventQueue struct {
	mu         sync.Mutex
	cond       *sync.Cond
	pending    []Event
	limit      int
	dropped    int
	closed     bool
	subscribed bool
	out        chan Event
}

func newEventQueue(limit int) *eventQueue {
	q := &eventQueue{
		limit: limit,
		out:   make(chan Event),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends an event, dropping the oldest when full. Returns false if
// an event had to be dropped.
func (q *eventQueue) push(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return true
	}

	q.pending = append(q.pending, e)
	ok := true
	if len(q.pending) > q.limit {
		q.pending = q.pending[1:]
		q.dropped++
		ok = false
	}
	q.cond.Signal()
	return ok
}

func (q *eventQueue) subscribe() <-chan Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.subscribed {
		q.subscribed = true
		go q.pump()
	}
	return q.out
}

func (q *eventQueue) pump() {
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			close(q.out)
			return
		}
		e := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.out <- e
	}
}

// close stops accepting events; the subscriber channel closes once drained
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
