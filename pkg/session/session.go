package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-peer/pkg/config"
	"github.com/ZentaChain/zentalk-peer/pkg/crypto"
	"github.com/ZentaChain/zentalk-peer/pkg/protocol"
	"github.com/ZentaChain/zentalk-peer/pkg/storage"
	"github.com/ZentaChain/zentalk-peer/pkg/transfer"
	"github.com/ZentaChain/zentalk-peer/pkg/transport"
)

// Options configures a session
type Options struct {
	Config  *config.Config
	LocalID string

	// Defaults to an in-memory store
	Store storage.Store
	// Defaults to the X25519 provider
	Provider crypto.Provider
	// Optional alternative send path
	Fallback transport.SendFunc
	// Optional send telemetry
	Hooks transport.SendHooks

	Logger *logrus.Logger
}

// Info is a snapshot of session state
type Info struct {
	ID                     string           `json:"id"`
	LocalID                string           `json:"local_id"`
	RemoteID               string           `json:"remote_id"`
	Initiator              bool             `json:"initiator"`
	RequestedEncryption    bool             `json:"requested_encryption"`
	UseEncryption          bool             `json:"use_encryption"`
	PersistedUseEncryption bool             `json:"persisted_use_encryption"`
	Handshake              HandshakeStatus  `json:"handshake"`
	Encryption             EncryptionStatus `json:"encryption"`
	ReadyFlag              string           `json:"ready_flag"`
	Fingerprint            string           `json:"fingerprint,omitempty"`
	Transport              transport.Status `json:"transport"`
	Closed                 bool             `json:"closed"`
	CreatedAt              time.Time        `json:"created_at"`
	LastAlive              time.Time        `json:"last_alive"`
	OutgoingTransfers      int              `json:"outgoing_transfers"`
	IncomingTransfers      int              `json:"incoming_transfers"`
}

// Session is one logical connection between two endpoints. It wires the
// handshake, encryption channel, heartbeat monitor, router and file
// transfer services to a single transport.
type Session struct {
	id        string
	cfg       *config.Config
	localID   string
	createdAt time.Time

	sender    *transport.SafeSender
	store     storage.Store
	handshake *Handshake
	channel   *Channel
	monitor   *Monitor
	router    *Router
	files     *transfer.Sender
	receiver  *transfer.Receiver
	routes    RouteCallbacks

	mu        sync.Mutex
	remoteID  string
	initiator bool
	requested bool
	final     bool
	connected bool
	closed    bool
	closeErr  error
	lastErr   error
	outgoing  map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	settleOnce sync.Once
	settled    chan struct{}
	outcome    error

	events *eventQueue
	done   chan struct{}

	log *logrus.Entry
}

// New creates a session over t and starts receiving frames
func New(t transport.Transport, opts Options) *Session {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	store := opts.Store
	if store == nil {
		store = storage.NewMemoryStore()
	}
	provider := opts.Provider
	if provider == nil {
		provider = crypto.NewX25519Provider()
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	sender := transport.NewSafeSender(t, logger)
	if opts.Fallback != nil {
		sender.SetFallback(opts.Fallback)
	}
	sender.SetHooks(opts.Hooks)

	s := &Session{
		id:        id,
		cfg:       cfg,
		localID:   opts.LocalID,
		createdAt: time.Now(),
		sender:    sender,
		store:     store,
		handshake: NewHandshake(sender, store, cfg, opts.LocalID, logger),
		channel:   NewChannel(provider, sender, store, cfg, logger),
		monitor:   NewMonitor(sender, cfg, logger),
		router:    NewRouter(provider, logger),
		files:     transfer.NewSender(provider, cfg, logger),
		receiver:  transfer.NewReceiver(cfg, logger),
		remoteID:  t.RemotePeer(),
		outgoing:  make(map[string]context.CancelFunc),
		ctx:       ctx,
		cancel:    cancel,
		settled:   make(chan struct{}),
		events:    newEventQueue(cfg.EventQueueSize),
		done:      make(chan struct{}),
		log:       logger.WithFields(logrus.Fields{"component": "session", "session": id}),
	}

	s.wire()

	t.SetHandlers(transport.Handlers{
		OnData:  s.handleFrame,
		OnClose: s.handleClose,
		OnError: s.handleError,
	})

	return s
}

// wire connects component callbacks to session events
func (s *Session) wire() {
	s.handshake.SetCallbacks(HandshakeCallbacks{
		OnRequest: func(remoteID string, useEncryption bool) {
			s.mu.Lock()
			s.remoteID = remoteID
			s.mu.Unlock()
			s.emit(Event{Type: EventConnectionRequest, RemoteID: remoteID, UseEncryption: useEncryption})
		},
		OnConnected: s.onConnected,
		OnRejected: func() {
			s.settle(ErrHandshakeRejected)
			s.emit(Event{Type: EventRejected, RemoteID: s.RemoteID(), Err: ErrHandshakeRejected})
		},
		OnTimeout: func() {
			s.settle(ErrHandshakeTimeout)
			s.emit(Event{Type: EventTimedOut, RemoteID: s.RemoteID(), Err: ErrHandshakeTimeout})
		},
		OnFailed: func(err error) {
			s.settle(err)
			s.emit(Event{Type: EventHandshakeFailed, RemoteID: s.RemoteID(), Err: err})
		},
	})

	s.channel.SetCallbacks(ChannelCallbacks{
		OnReady: func(fingerprint string) {
			s.emit(Event{Type: EventEncryptionReady, RemoteID: s.RemoteID(), UseEncryption: true, Fingerprint: fingerprint})
		},
		OnFailed: func(err error) {
			s.emit(Event{Type: EventEncryptionFailed, RemoteID: s.RemoteID(), Err: err})
		},
	})

	s.monitor.SetOnTimeout(func() {
		s.closeWith(ErrHeartbeatTimeout)
	})

	s.receiver.SetCallbacks(transfer.ReceiverCallbacks{
		OnStart: func(meta transfer.Metadata) {
			s.emit(Event{Type: EventTransferStarted, Transfer: incomingInfo(meta, 0, nil)})
		},
		OnProgress: func(id string, progress float64) {
			s.emit(Event{Type: EventTransferProgress, Transfer: &TransferInfo{ID: id, Direction: Incoming, Progress: progress}})
		},
		OnComplete: func(file *transfer.ReceivedFile) {
			s.emit(Event{Type: EventFileReceived, RemoteID: s.RemoteID(), Transfer: incomingInfo(file.Metadata, 100, file.Data)})
		},
		OnError: func(id string, err error) {
			s.emit(Event{Type: EventTransferFailed, Transfer: &TransferInfo{ID: id, Direction: Incoming}, Err: err})
		},
	})

	s.routes = RouteCallbacks{
		OnMessage: func(env *protocol.Envelope, encrypted bool) {
			sender := env.Sender
			if sender == "" {
				sender = s.RemoteID()
			}
			s.emit(Event{Type: EventMessage, RemoteID: s.RemoteID(), Message: &ChatMessage{
				Sender:    sender,
				Content:   env.Content,
				Timestamp: env.Timestamp,
				Encrypted: encrypted,
			}})
		},
		OnFileMetadata: func(env *protocol.Envelope) {
			s.receiver.OnFileMetadata(transfer.MetadataFromEnvelope(env))
		},
		OnFileChunk:            s.receiver.OnFileChunk,
		OnFileTransferComplete: s.receiver.OnFileTransferComplete,
		OnControl:              s.handleControl,
	}
}

func incomingInfo(meta transfer.Metadata, progress float64, data []byte) *TransferInfo {
	return &TransferInfo{
		ID:          meta.TransferID,
		Direction:   Incoming,
		FileName:    meta.FileName,
		FileType:    meta.FileType,
		FileSize:    meta.FileSize,
		ChunksCount: meta.ChunksCount,
		Progress:    progress,
		Data:        data,
	}
}

// ===== HANDSHAKE =====

// Connect starts the handshake as initiator. The outcome arrives as an
// event and through WaitConnected.
func (s *Session) Connect(useEncryption bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.initiator = true
	s.requested = useEncryption
	s.mu.Unlock()

	return s.handshake.Initiate(useEncryption)
}

// Accept answers the pending connection request and returns the
// negotiated encryption flag
func (s *Session) Accept(useEncryption bool) (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrSessionClosed
	}
	s.requested = useEncryption
	s.mu.Unlock()

	return s.handshake.AcceptIncoming(useEncryption)
}

// Reject declines the pending connection request and closes the session
func (s *Session) Reject() bool {
	ok := s.handshake.Reject()
	s.settle(ErrHandshakeRejected)
	s.closeWith(ErrHandshakeRejected)
	return ok
}

// WaitConnected blocks until the handshake settles. It returns nil once
// connected, or the reason the handshake did not complete.
func (s *Session) WaitConnected(ctx context.Context) error {
	select {
	case <-s.settled:
		return s.outcome
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) settle(err error) {
	s.settleOnce.Do(func() {
		s.outcome = err
		close(s.settled)
	})
}

func (s *Session) onConnected(result HandshakeResult) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if result.RemoteID != "" {
		s.remoteID = result.RemoteID
	}
	s.initiator = result.Initiator
	s.final = result.UseEncryption
	s.connected = true
	s.mu.Unlock()

	s.settle(nil)
	s.emit(Event{Type: EventConnected, RemoteID: result.RemoteID, UseEncryption: result.UseEncryption})

	s.monitor.Start()

	if _, err := s.channel.Initialize(result.UseEncryption, result.Initiator); err != nil {
		s.log.WithError(err).Debug("Encryption initialization will retry")
	}
}

// ===== INBOUND =====

func (s *Session) handleFrame(frame protocol.Frame) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	encrypted := s.connected && s.final
	s.mu.Unlock()

	s.router.Route(frame, encrypted, s.channel.SharedSecret(), s.routes)
}

func (s *Session) handleControl(env *protocol.Envelope) {
	switch {
	case s.handshake.HandleEnvelope(env):
	case s.channel.HandleEnvelope(env):
	case s.monitor.HandleEnvelope(env):
	default:
		s.log.WithField("type", env.Type).Debug("Control envelope ignored")
	}
}

func (s *Session) handleError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.log.WithError(err).Warn("Transport error")
}

func (s *Session) handleClose() {
	s.mu.Lock()
	lastErr := s.lastErr
	s.mu.Unlock()

	var reason error
	switch {
	case s.handshake.Status() == HandshakeRejected:
		reason = ErrHandshakeRejected
	case lastErr != nil:
		reason = fmt.Errorf("%w: %v", ErrPeerDisconnected, lastErr)
	default:
		reason = ErrPeerDisconnected
	}
	s.closeWith(reason)
}

// ===== OUTBOUND =====

// SendMessage sends a chat message, sealed when the session is encrypted
func (s *Session) SendMessage(content string) (*ChatMessage, error) {
	encrypted, err := s.sendable()
	if err != nil {
		return nil, err
	}

	env := protocol.NewTextMessage(s.localID, content)
	out := env

	if encrypted {
		if s.channel.Status() != EncryptionReady {
			return nil, ErrEncryptionNotReady
		}
		plaintext, err := env.Encode()
		if err != nil {
			return nil, err
		}
		out, err = s.channel.Encrypt(plaintext)
		if err != nil {
			return nil, err
		}
	}

	if !s.sender.SendEnvelope(out) {
		return nil, ErrSendFailed
	}

	return &ChatMessage{
		Sender:    s.localID,
		Content:   content,
		Timestamp: env.Timestamp,
		Encrypted: encrypted,
		Outgoing:  true,
	}, nil
}

// SendFile starts an outgoing transfer in the background and returns its
// transfer ID. Progress and outcome arrive as events.
func (s *Session) SendFile(file *transfer.File) (string, error) {
	encrypted, err := s.sendable()
	if err != nil {
		return "", err
	}
	if err := s.files.Check(file); err != nil {
		return "", err
	}

	var secret []byte
	if encrypted {
		if s.channel.Status() != EncryptionReady {
			return "", ErrEncryptionNotReady
		}
		secret = s.channel.SharedSecret()
	}

	id := protocol.GenerateTransferID()
	ctx, cancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return "", ErrSessionClosed
	}
	s.outgoing[id] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	info := TransferInfo{
		ID:          id,
		Direction:   Outgoing,
		FileName:    file.Name,
		FileType:    file.Type,
		FileSize:    file.Size(),
		ChunksCount: transfer.ChunkCount(file.Size(), s.cfg.ChunkSize),
	}
	s.emit(Event{Type: EventTransferStarted, RemoteID: s.RemoteID(), Transfer: &info})

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.outgoing, id)
			s.mu.Unlock()
			cancel()
		}()

		s.files.Send(ctx, s.sender, id, file, encrypted, secret, transfer.Callbacks{
			OnProgress: func(id string, progress float64) {
				s.emit(Event{Type: EventTransferProgress, Transfer: &TransferInfo{ID: id, Direction: Outgoing, Progress: progress}})
			},
			OnComplete: func(id string) {
				done := info
				done.Progress = 100
				s.emit(Event{Type: EventFileSent, RemoteID: s.RemoteID(), Transfer: &done})
			},
			OnError: func(id string, err error) {
				s.emit(Event{Type: EventTransferFailed, Transfer: &TransferInfo{ID: id, Direction: Outgoing, FileName: info.FileName}, Err: err})
			},
		})
	}()

	return id, nil
}

// sendable returns the negotiated encryption flag if user data may be sent
func (s *Session) sendable() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrSessionClosed
	}
	if !s.connected {
		return false, ErrNotConnected
	}
	return s.final, nil
}

// ResetEncryption discards the encryption state and starts a new key
// exchange over the same transport. The peer must reset as well.
func (s *Session) ResetEncryption() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	final, initiator := s.final, s.initiator
	s.mu.Unlock()

	s.channel.Reset()
	_, err := s.channel.Initialize(final, initiator)
	return err
}

// ===== EVENTS =====

// Subscribe returns the session event stream. Events emitted before the
// first call are buffered (up to the configured queue size) and delivered
// first. The channel closes after EventDisconnected.
func (s *Session) Subscribe() <-chan Event {
	return s.events.subscribe()
}

func (s *Session) emit(e Event) {
	if !s.events.push(e) {
		s.log.WithField("event", e.Type).Warn("Event queue full, oldest event dropped")
	}
}

// ===== LIFECYCLE =====

// Close tears the session down: heartbeat and handshake timers stop,
// in-flight transfers fail, and the transport is closed
func (s *Session) Close() error {
	s.closeWith(ErrSessionClosed)
	return nil
}

func (s *Session) closeWith(reason error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.connected = false
	s.closeErr = reason
	remoteID := s.remoteID
	s.mu.Unlock()

	s.log.WithError(reason).Info("Session closing")

	s.settle(reason)
	s.cancel()
	s.monitor.Stop()
	s.handshake.Stop()
	s.channel.Close()

	if t := s.sender.Transport(); t != nil {
		if err := t.Close(); err != nil {
			s.log.WithError(err).Debug("Transport close failed")
		}
	}

	s.receiver.Abort(reason)
	s.wg.Wait()

	s.emit(Event{Type: EventDisconnected, RemoteID: remoteID, Err: reason})
	s.events.close()
	close(s.done)
}

// Done is closed once the session has shut down
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session closed, or nil while open
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// ===== ACCESSORS =====

// ID returns the session ID
func (s *Session) ID() string {
	return s.id
}

// LocalID returns the local endpoint ID
func (s *Session) LocalID() string {
	return s.localID
}

// RemoteID returns the remote endpoint ID
func (s *Session) RemoteID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}

// UseEncryption returns the negotiated encryption flag
func (s *Session) UseEncryption() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final
}

// Fingerprint returns the short verification code of the shared secret
func (s *Session) Fingerprint() string {
	return s.channel.Fingerprint()
}

// Stats returns the send telemetry counters
func (s *Session) Stats() transport.SendStats {
	return s.sender.Stats()
}

// Info returns a snapshot of the session state
func (s *Session) Info() Info {
	s.mu.Lock()
	info := Info{
		ID:                  s.id,
		LocalID:             s.localID,
		RemoteID:            s.remoteID,
		Initiator:           s.initiator,
		RequestedEncryption: s.requested,
		UseEncryption:       s.final,
		Closed:              s.closed,
		CreatedAt:           s.createdAt,
		OutgoingTransfers:   len(s.outgoing),
	}
	s.mu.Unlock()

	info.PersistedUseEncryption = s.store.GetBool(storage.KeyUseEncryption, false)
	info.Handshake = s.handshake.Status()
	info.Encryption = s.channel.Status()
	info.ReadyFlag = s.channel.ReadyFlag().String()
	info.Fingerprint = s.channel.Fingerprint()
	info.LastAlive = s.monitor.LastAlive()
	info.IncomingTransfers = s.receiver.Active()
	if t := s.sender.Transport(); t != nil {
		info.Transport = t.Status()
	}

	return info
}
