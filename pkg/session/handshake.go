package session

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-peer/pkg/config"
	"github.com/ZentaChain/zentalk-peer/pkg/protocol"
	"github.com/ZentaChain/zentalk-peer/pkg/storage"
	"github.com/ZentaChain/zentalk-peer/pkg/transport"
)

// HandshakeStatus is the state of the connection handshake
type HandshakeStatus string

const (
	HandshakeIdle       HandshakeStatus = "idle"
	HandshakeConnecting HandshakeStatus = "connecting"
	HandshakeConnected  HandshakeStatus = "connected"
	HandshakeRejected   HandshakeStatus = "rejected"
	HandshakeTimedOut   HandshakeStatus = "timed_out"
	HandshakeFailed     HandshakeStatus = "failed"
)

// HandshakeResult describes an established session
type HandshakeResult struct {
	RemoteID      string
	UseEncryption bool
	Initiator     bool
}

// HandshakeCallbacks report handshake outcomes
type HandshakeCallbacks struct {
	// OnRequest fires on the responder when a ConnectionRequest arrives
	OnRequest   func(remoteID string, useEncryption bool)
	OnConnected func(result HandshakeResult)
	OnRejected  func()
	OnTimeout   func()
	OnFailed    func(err error)
}

// Handshake negotiates request/accept/reject and the final encryption flag
type Handshake struct {
	mu sync.Mutex

	sender  *transport.SafeSender
	store   storage.Store
	policy  config.Policy
	timeout time.Duration
	localID string

	status     HandshakeStatus
	requested  bool
	timer      *time.Timer
	generation uint64

	// Pending incoming request (responder side)
	remoteID   string
	remotePref bool
	hasRequest bool

	callbacks HandshakeCallbacks
	log       *logrus.Entry
}

// NewHandshake creates a handshake in the idle state
func NewHandshake(sender *transport.SafeSender, store storage.Store, cfg *config.Config, localID string, logger *logrus.Logger) *Handshake {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handshake{
		sender:  sender,
		store:   store,
		policy:  cfg.EncryptionPolicy,
		timeout: cfg.HandshakeTimeout,
		localID: localID,
		status:  HandshakeIdle,
		log:     logger.WithField("component", "handshake"),
	}
}

// SetCallbacks sets the handshake callbacks
func (h *Handshake) SetCallbacks(cb HandshakeCallbacks) {
	h.mu.Lock()
	h.callbacks = cb
	h.mu.Unlock()
}

// Initiate sends a ConnectionRequest and arms the acceptance timer
func (h *Handshake) Initiate(useEncryption bool) error {
	h.mu.Lock()
	if h.status != HandshakeIdle {
		h.mu.Unlock()
		return ErrHandshakeInProgress
	}
	h.status = HandshakeConnecting
	h.requested = useEncryption
	h.generation++
	gen := h.generation
	h.mu.Unlock()

	if !h.sender.SendEnvelope(protocol.NewConnectionRequest(h.localID, useEncryption)) {
		h.mu.Lock()
		if h.generation == gen {
			h.status = HandshakeFailed
		}
		cb := h.callbacks
		h.mu.Unlock()

		h.log.Error("Connection request not sent")
		if cb.OnFailed != nil {
			cb.OnFailed(ErrHandshakeSendFailed)
		}
		return ErrHandshakeSendFailed
	}

	h.mu.Lock()
	if h.generation == gen && h.status == HandshakeConnecting {
		h.timer = time.AfterFunc(h.timeout, func() { h.fireTimeout(gen) })
	}
	h.mu.Unlock()

	h.log.WithField("encrypt", useEncryption).Info("Connection request sent")
	return nil
}

// fireTimeout moves a still-connecting handshake of generation gen to timedOut
func (h *Handshake) fireTimeout(gen uint64) {
	h.mu.Lock()
	if gen != h.generation || h.status != HandshakeConnecting {
		h.mu.Unlock()
		return
	}
	h.status = HandshakeTimedOut
	h.timer = nil
	cb := h.callbacks
	h.mu.Unlock()

	h.log.WithField("timeout", h.timeout).Warn("Connection request timed out")
	if cb.OnTimeout != nil {
		cb.OnTimeout()
	}
}

// PendingRequest returns the remote ID and encryption preference of an
// unanswered ConnectionRequest
func (h *Handshake) PendingRequest() (remoteID string, useEncryption bool, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.remoteID, h.remotePref, h.hasRequest
}

// AcceptIncoming answers the pending request with ConnectionAccepted carrying
// the negotiated flag, and returns that flag
func (h *Handshake) AcceptIncoming(localPref bool) (bool, error) {
	h.mu.Lock()
	if !h.hasRequest {
		h.mu.Unlock()
		return false, ErrNoPendingRequest
	}
	if h.status != HandshakeIdle {
		h.mu.Unlock()
		return false, ErrHandshakeInProgress
	}
	remoteID, remotePref := h.remoteID, h.remotePref
	final := h.policy.Negotiate(localPref, remotePref)
	h.hasRequest = false
	h.requested = localPref
	h.mu.Unlock()

	if !h.sender.SendEnvelope(protocol.NewConnectionAccepted(h.localID, final)) {
		h.mu.Lock()
		h.status = HandshakeFailed
		cb := h.callbacks
		h.mu.Unlock()

		h.log.WithField("peer", remoteID).Error("Connection accept not sent")
		if cb.OnFailed != nil {
			cb.OnFailed(ErrHandshakeSendFailed)
		}
		return final, ErrHandshakeSendFailed
	}

	h.connect(HandshakeResult{RemoteID: remoteID, UseEncryption: final, Initiator: false})
	return final, nil
}

// Reject sends ConnectionRejected best-effort and closes the transport.
// Returns whether the close succeeded; never fails otherwise.
func (h *Handshake) Reject() bool {
	h.mu.Lock()
	h.hasRequest = false
	h.status = HandshakeRejected
	h.generation++
	h.stopTimerLocked()
	h.mu.Unlock()

	if !h.sender.SendEnvelope(protocol.NewConnectionRejected()) {
		h.log.Debug("Rejection not delivered")
	}

	t := h.sender.Transport()
	if t == nil {
		return false
	}
	if err := t.Close(); err != nil {
		h.log.WithError(err).Debug("Close after rejection failed")
		return false
	}
	return true
}

// HandleEnvelope consumes connection handshake envelopes
func (h *Handshake) HandleEnvelope(env *protocol.Envelope) bool {
	switch env.Type {
	case protocol.MsgTypeConnectionRequest:
		h.handleRequest(env)
	case protocol.MsgTypeConnectionAccepted:
		h.handleAccepted(env)
	case protocol.MsgTypeConnectionRejected:
		h.handleRejected()
	default:
		return false
	}
	return true
}

func (h *Handshake) handleRequest(env *protocol.Envelope) {
	h.mu.Lock()
	if status := h.status; status != HandshakeIdle {
		h.mu.Unlock()
		h.log.WithField("status", status).Debug("Connection request ignored")
		return
	}
	h.remoteID = env.PeerID
	h.remotePref = env.UseEncryption
	h.hasRequest = true
	cb := h.callbacks
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{
		"peer":    env.PeerID,
		"encrypt": env.UseEncryption,
	}).Info("Connection request received")

	if cb.OnRequest != nil {
		cb.OnRequest(env.PeerID, env.UseEncryption)
	}
}

func (h *Handshake) handleAccepted(env *protocol.Envelope) {
	h.mu.Lock()
	if status := h.status; status != HandshakeConnecting {
		h.mu.Unlock()
		h.log.WithField("status", status).Debug("Late connection accept ignored")
		return
	}
	h.generation++
	h.stopTimerLocked()
	h.mu.Unlock()

	// The responder applied the policy to both preferences
	h.connect(HandshakeResult{RemoteID: env.PeerID, UseEncryption: env.UseEncryption, Initiator: true})
}

func (h *Handshake) handleRejected() {
	h.mu.Lock()
	if h.status != HandshakeConnecting {
		h.mu.Unlock()
		return
	}
	h.status = HandshakeRejected
	h.generation++
	h.stopTimerLocked()
	cb := h.callbacks
	h.mu.Unlock()

	h.log.Warn("Connection rejected by peer")
	if cb.OnRejected != nil {
		cb.OnRejected()
	}
}

func (h *Handshake) connect(result HandshakeResult) {
	h.mu.Lock()
	h.status = HandshakeConnected
	cb := h.callbacks
	h.mu.Unlock()

	if err := h.store.SetBool(storage.KeyUseEncryption, result.UseEncryption); err != nil {
		h.log.WithError(err).Warn("Failed to persist encryption flag")
	}

	h.log.WithFields(logrus.Fields{
		"peer":      result.RemoteID,
		"encrypt":   result.UseEncryption,
		"initiator": result.Initiator,
	}).Info("Session connected")

	if cb.OnConnected != nil {
		cb.OnConnected(result)
	}
}

// Status returns the handshake status
func (h *Handshake) Status() HandshakeStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Stop clears any pending acceptance timer without changing status
func (h *Handshake) Stop() {
	h.mu.Lock()
	h.generation++
	h.stopTimerLocked()
	h.mu.Unlock()
}

// Reset returns the handshake to idle
func (h *Handshake) Reset() {
	h.mu.Lock()
	h.generation++
	h.stopTimerLocked()
	h.status = HandshakeIdle
	h.hasRequest = false
	h.mu.Unlock()
}

func (h *Handshake) stopTimerLocked() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}
