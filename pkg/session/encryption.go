package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-peer/pkg/config"
	"github.com/ZentaChain/zentalk-peer/pkg/crypto"
	"github.com/ZentaChain/zentalk-peer/pkg/protocol"
	"github.com/ZentaChain/zentalk-peer/pkg/storage"
	"github.com/ZentaChain/zentalk-peer/pkg/transport"
)

// EncryptionStatus is the state of the encryption channel
type EncryptionStatus string

const (
	EncryptionDisabled     EncryptionStatus = "disabled"
	EncryptionWaitingPeer  EncryptionStatus = "waiting_peer"
	EncryptionInitializing EncryptionStatus = "initializing"
	EncryptionKeyExchange  EncryptionStatus = "key_exchange"
	EncryptionReady        EncryptionStatus = "ready"
	EncryptionFailed       EncryptionStatus = "failed"
)

// ReadyFlag tracks the EncryptionReady confirmation exchange
type ReadyFlag int

const (
	ReadyNotSent ReadyFlag = iota
	ReadySent
	ReadyConfirmed
)

// String returns the persisted form of the flag
func (f ReadyFlag) String() string {
	switch f {
	case ReadySent:
		return "sent"
	case ReadyConfirmed:
		return "confirmed"
	default:
		return ""
	}
}

// ParseReadyFlag parses the persisted form of a ReadyFlag
func ParseReadyFlag(s string) ReadyFlag {
	switch s {
	case "sent":
		return ReadySent
	case "confirmed":
		return ReadyConfirmed
	default:
		return ReadyNotSent
	}
}

// ChannelCallbacks report encryption outcomes
type ChannelCallbacks struct {
	OnReady  func(fingerprint string)
	OnFailed func(err error)
}

// Channel drives the X25519 key exchange and the readiness confirmation
// for one session. It owns the session's key pair and shared secret.
type Channel struct {
	mu sync.Mutex

	provider   crypto.Provider
	sender     *transport.SafeSender
	store      storage.Store
	maxRetries int
	retryDelay time.Duration

	status      EncryptionStatus
	initialized bool
	enabled     bool
	initiator   bool
	keyPair     *crypto.KeyPair
	secret      []byte
	readyFlag   ReadyFlag

	// EncryptionReady received before our secret existed
	peerReady bool
	// HandshakeKey received before Initialize
	pendingKey string

	failures   int
	retryTimer *time.Timer
	generation uint64

	callbacks ChannelCallbacks
	log       *logrus.Entry
}

// NewChannel creates a disabled, uninitialized channel
func NewChannel(provider crypto.Provider, sender *transport.SafeSender, store storage.Store, cfg *config.Config, logger *logrus.Logger) *Channel {
	if logger == nil {
		logger = logrus.New()
	}
	return &Channel{
		provider:   provider,
		sender:     sender,
		store:      store,
		maxRetries: cfg.MaxEncryptionRetries,
		retryDelay: cfg.EncryptionRetryDelay,
		status:     EncryptionDisabled,
		log:        logger.WithField("component", "encryption"),
	}
}

// SetCallbacks sets the channel callbacks
func (c *Channel) SetCallbacks(cb ChannelCallbacks) {
	c.mu.Lock()
	c.callbacks = cb
	c.mu.Unlock()
}

// Initialize starts the channel for a session. With encryption off the
// channel is immediately usable and has no secret. The initiator generates
// its key pair and sends it; the responder waits for the initiator's key.
// Returns the encoded local public key, if one was sent.
func (c *Channel) Initialize(enabled, initiator bool) (string, error) {
	c.mu.Lock()
	c.initialized = true
	c.enabled = enabled
	c.initiator = initiator

	if !enabled {
		c.status = EncryptionDisabled
		c.pendingKey = ""
		c.mu.Unlock()
		c.log.Info("Encryption disabled for this session")
		return "", nil
	}

	if !initiator {
		c.status = EncryptionWaitingPeer
		pending := c.pendingKey
		c.pendingKey = ""
		c.mu.Unlock()

		c.log.Debug("Waiting for peer key")
		if pending != "" {
			c.HandleKeyExchange(pending)
		}
		return "", nil
	}

	c.status = EncryptionInitializing
	gen := c.generation
	c.mu.Unlock()

	return c.sendInitiatorKey(gen)
}

func (c *Channel) sendInitiatorKey(gen uint64) (string, error) {
	keyPair, err := c.provider.GenerateKeyPair()
	if err != nil {
		c.retry(gen, err, func() { c.sendInitiatorKey(gen) })
		return "", err
	}

	c.mu.Lock()
	if gen != c.generation || c.status == EncryptionFailed {
		c.mu.Unlock()
		return "", ErrSessionClosed
	}
	c.keyPair = keyPair
	c.status = EncryptionKeyExchange
	c.mu.Unlock()

	publicKey := crypto.EncodePublicKey(keyPair.Public[:])
	if !c.sender.SendEnvelope(protocol.NewHandshakeKey(publicKey, true)) {
		c.retry(gen, ErrSendFailed, func() { c.resendKey(gen, true) })
		return publicKey, ErrSendFailed
	}

	c.log.Debug("Public key sent")
	return publicKey, nil
}

func (c *Channel) resendKey(gen uint64, initiator bool) {
	c.mu.Lock()
	if gen != c.generation || c.keyPair == nil {
		c.mu.Unlock()
		return
	}
	publicKey := crypto.EncodePublicKey(c.keyPair.Public[:])
	c.mu.Unlock()

	if !c.sender.SendEnvelope(protocol.NewHandshakeKey(publicKey, initiator)) {
		c.retry(gen, ErrSendFailed, func() { c.resendKey(gen, initiator) })
	}
}

// HandleKeyExchange processes the peer's public key. Keys arriving after
// the secret exists are ignored.
func (c *Channel) HandleKeyExchange(remotePublic string) {
	c.mu.Lock()
	if c.secret != nil {
		c.mu.Unlock()
		c.log.Debug("Repeated peer key ignored")
		return
	}
	if !c.initialized {
		c.pendingKey = remotePublic
		c.mu.Unlock()
		c.log.Debug("Peer key held until channel initializes")
		return
	}
	if !c.enabled || c.status == EncryptionFailed {
		status := c.status
		c.mu.Unlock()
		c.log.WithField("status", status).Warn("Peer key ignored")
		return
	}

	gen := c.generation
	if c.keyPair == nil {
		if c.initiator {
			c.mu.Unlock()
			c.log.Warn("Peer key arrived before local key pair, ignored")
			return
		}
		keyPair, err := c.provider.GenerateKeyPair()
		if err != nil {
			c.mu.Unlock()
			c.retry(gen, err, func() { c.HandleKeyExchange(remotePublic) })
			return
		}
		c.keyPair = keyPair
	}
	c.status = EncryptionKeyExchange
	keyPair, initiator := c.keyPair, c.initiator
	c.mu.Unlock()

	secret, err := c.derive(keyPair, remotePublic, initiator)
	if err != nil {
		c.log.WithError(err).Warn("Key exchange failed")
		c.retry(gen, err, func() { c.HandleKeyExchange(remotePublic) })
		return
	}

	c.mu.Lock()
	if gen != c.generation || c.secret != nil {
		c.mu.Unlock()
		return
	}
	c.secret = secret
	c.failures = 0
	c.mu.Unlock()

	c.log.WithField("fingerprint", crypto.Fingerprint(secret)).Info("Shared secret derived")

	// The responder answers with its own key so the initiator can derive
	if !initiator {
		publicKey := crypto.EncodePublicKey(keyPair.Public[:])
		if !c.sender.SendEnvelope(protocol.NewHandshakeKey(publicKey, false)) {
			c.log.Warn("Public key reply not sent")
		}
	}

	c.sendReady()
}

func (c *Channel) derive(keyPair *crypto.KeyPair, remotePublic string, initiator bool) ([]byte, error) {
	remote, err := crypto.DecodePublicKey(remotePublic)
	if err != nil {
		return nil, err
	}

	secret, err := c.provider.DeriveSharedSecret(keyPair, remote, initiator)
	if err != nil {
		return nil, err
	}
	if len(secret) == 0 {
		return nil, ErrNoSharedSecret
	}
	return secret, nil
}

// sendReady sends EncryptionReady once, then answers an early peer ready
func (c *Channel) sendReady() {
	c.mu.Lock()
	sendReady := c.readyFlag == ReadyNotSent
	if sendReady {
		c.readyFlag = ReadySent
	}
	peerReady := c.peerReady
	c.mu.Unlock()

	if sendReady {
		c.persistReadyFlag(ReadySent)
		if !c.sender.SendEnvelope(protocol.NewEncryptionReady()) {
			c.log.Warn("Encryption ready not sent")
		}
	}

	if peerReady {
		c.sender.SendEnvelope(protocol.NewEncryptionReadyResponse())
		c.markReady()
	}
}

// HandleEnvelope consumes encryption channel envelopes
func (c *Channel) HandleEnvelope(env *protocol.Envelope) bool {
	switch env.Type {
	case protocol.MsgTypeHandshakeKey:
		c.HandleKeyExchange(env.PublicKey)

	case protocol.MsgTypeEncryptionReady:
		c.mu.Lock()
		hasSecret := c.secret != nil
		if !hasSecret {
			c.peerReady = true
		}
		c.mu.Unlock()

		if !hasSecret {
			c.log.Debug("Peer ready before local secret, remembered")
			return true
		}
		c.sender.SendEnvelope(protocol.NewEncryptionReadyResponse())
		c.markReady()

	case protocol.MsgTypeEncryptionReadyResponse:
		c.mu.Lock()
		confirm := c.secret != nil && c.readyFlag == ReadySent
		c.mu.Unlock()

		if confirm {
			c.markReady()
		}

	default:
		return false
	}
	return true
}

func (c *Channel) markReady() {
	c.mu.Lock()
	if c.status == EncryptionReady || c.secret == nil {
		c.mu.Unlock()
		return
	}
	c.status = EncryptionReady
	c.readyFlag = ReadyConfirmed
	fingerprint := crypto.Fingerprint(c.secret)
	cb := c.callbacks
	c.mu.Unlock()

	c.persistReadyFlag(ReadyConfirmed)
	c.log.WithField("fingerprint", fingerprint).Info("Encryption ready")

	if cb.OnReady != nil {
		cb.OnReady(fingerprint)
	}
}

// retry schedules op after an increasing delay, or fails the channel once
// the retry budget is spent
func (c *Channel) retry(gen uint64, cause error, op func()) {
	c.mu.Lock()
	if gen != c.generation || c.status == EncryptionFailed {
		c.mu.Unlock()
		return
	}

	c.failures++
	if c.failures > c.maxRetries {
		c.status = EncryptionFailed
		cb := c.callbacks
		failures := c.failures
		c.mu.Unlock()

		err := fmt.Errorf("%w after %d attempts: %v", ErrEncryptionFailed, failures, cause)
		c.log.WithError(err).Error("Encryption failed")
		if cb.OnFailed != nil {
			cb.OnFailed(err)
		}
		return
	}

	delay := c.retryDelay * time.Duration(c.failures)
	c.log.WithFields(logrus.Fields{
		"attempt": c.failures,
		"delay":   delay,
	}).WithError(cause).Warn("Retrying key exchange")

	c.retryTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		current := gen == c.generation
		c.mu.Unlock()
		if current {
			op()
		}
	})
	c.mu.Unlock()
}

func (c *Channel) persistReadyFlag(flag ReadyFlag) {
	if err := c.store.SetString(storage.KeyEncryptionReady, flag.String()); err != nil {
		c.log.WithError(err).Warn("Failed to persist ready flag")
	}
}

// IsReady reports whether the channel is usable: either encryption is off
// or the key exchange has been confirmed. Check SharedSecret before
// performing crypto.
func (c *Channel) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == EncryptionReady || (c.initialized && !c.enabled)
}

// Status returns the channel status
func (c *Channel) Status() EncryptionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ReadyFlag returns the readiness exchange progress
func (c *Channel) ReadyFlag() ReadyFlag {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyFlag
}

// SharedSecret returns a copy of the shared secret, or nil
func (c *Channel) SharedSecret() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.secret == nil {
		return nil
	}
	out := make([]byte, len(c.secret))
	copy(out, c.secret)
	return out
}

// Fingerprint returns the short verification code of the shared secret
func (c *Channel) Fingerprint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return crypto.Fingerprint(c.secret)
}

// Encrypt seals plaintext into an EncryptedMessage envelope
func (c *Channel) Encrypt(plaintext []byte) (*protocol.Envelope, error) {
	secret := c.SharedSecret()
	if secret == nil {
		return nil, ErrNoSharedSecret
	}

	sealed, err := c.provider.Encrypt(plaintext, secret)
	if err != nil {
		return nil, err
	}
	return protocol.NewEncryptedMessage(sealed), nil
}

// Decrypt opens an EncryptedMessage envelope. A failed decrypt returns
// nil and an error, never partial plaintext.
func (c *Channel) Decrypt(env *protocol.Envelope) ([]byte, error) {
	secret := c.SharedSecret()
	if secret == nil {
		return nil, ErrNoSharedSecret
	}
	return c.provider.Decrypt(env.Sealed(), secret)
}

// Reset discards keys and secret so the channel can be initialized again
// over the same transport
func (c *Channel) Reset() {
	c.mu.Lock()
	c.generation++
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.status = EncryptionDisabled
	c.initialized = false
	c.enabled = false
	c.keyPair = nil
	c.secret = nil
	c.readyFlag = ReadyNotSent
	c.peerReady = false
	c.pendingKey = ""
	c.failures = 0
	c.mu.Unlock()

	if err := c.store.RemoveItem(storage.KeyEncryptionReady); err != nil {
		c.log.WithError(err).Warn("Failed to clear ready flag")
	}
}

// Close stops pending retries
func (c *Channel) Close() {
	c.mu.Lock()
	c.generation++
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.mu.Unlock()
}
