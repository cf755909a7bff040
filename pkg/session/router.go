package session

import (
	"encoding/base64"
	"errors"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-peer/pkg/crypto"
	"github.com/ZentaChain/zentalk-peer/pkg/protocol"
)

// RouteCallbacks receive routed envelopes. Nil callbacks drop their frames.
type RouteCallbacks struct {
	// OnMessage receives chat messages; encrypted tells whether the
	// message arrived inside an EncryptedMessage
	OnMessage              func(env *protocol.Envelope, encrypted bool)
	OnFileMetadata         func(env *protocol.Envelope)
	OnFileChunk            func(transferID string, index int, data []byte)
	OnFileTransferComplete func(transferID string)

	// OnControl receives handshake, encryption and heartbeat envelopes
	OnControl func(env *protocol.Envelope)
}

// Router classifies inbound frames and dispatches them, decrypting where
// required. It never returns errors: bad frames are logged and dropped.
type Router struct {
	provider crypto.Provider
	log      *logrus.Entry
}

// NewRouter creates a router
func NewRouter(provider crypto.Provider, logger *logrus.Logger) *Router {
	if logger == nil {
		logger = logrus.New()
	}
	return &Router{
		provider: provider,
		log:      logger.WithField("component", "router"),
	}
}

// route carries per-frame routing state
type route struct {
	*Router
	encryptionEnabled bool
	secret            []byte
	cb                RouteCallbacks
}

// Route dispatches one inbound frame
func (r *Router) Route(frame protocol.Frame, encryptionEnabled bool, secret []byte, cb RouteCallbacks) {
	rt := &route{Router: r, encryptionEnabled: encryptionEnabled, secret: secret, cb: cb}

	switch f := frame.(type) {
	case protocol.TextFrame:
		rt.text(string(f))
	case protocol.BinaryFrame:
		rt.binary(f)
	case protocol.ParsedFrame:
		if f.Envelope == nil {
			r.log.Warn("Empty parsed frame dropped")
			return
		}
		rt.dispatch(f.Envelope, false)
	default:
		r.log.Warnf("Unknown frame kind %T dropped", frame)
	}
}

// text routes a JSON envelope, or wraps plain text into a Message
func (rt *route) text(text string) {
	env, err := protocol.DecodeEnvelope([]byte(text))
	switch {
	case err == nil:
		rt.dispatch(env, false)
	case errors.Is(err, protocol.ErrMissingType), errors.Is(err, protocol.ErrMalformed):
		rt.dispatch(protocol.NewTextMessage("", text), false)
	default:
		rt.log.WithError(err).Warn("Envelope dropped")
	}
}

func (rt *route) binary(data []byte) {
	header, payload, err := protocol.DecodeBinaryFrame(data)
	if err != nil {
		if !utf8.Valid(data) {
			rt.log.WithError(err).Warn("Undecodable binary frame dropped")
			return
		}
		rt.text(string(data))
		return
	}

	if header.Type == protocol.MsgTypeFileChunk {
		if err := header.Validate(); err != nil {
			rt.log.WithError(err).Warn("Chunk header dropped")
			return
		}
		if rt.encryptionEnabled {
			rt.log.WithField("transfer_id", header.TransferID).Warn("Plaintext chunk on encrypted session dropped")
			return
		}
		rt.deliverChunk(header, payload)
		return
	}

	if len(payload) > 0 {
		header.Data = payload
		if header.Type == protocol.MsgTypeMessage && header.Content == "" {
			header.Content = string(payload)
		}
	}
	rt.dispatch(header, false)
}

func (rt *route) dispatch(env *protocol.Envelope, decrypted bool) {
	log := rt.log.WithField("type", env.Type)

	if !env.Type.IsKnown() {
		log.Debug("Unknown envelope type ignored")
		return
	}
	if err := env.Validate(); err != nil {
		log.WithError(err).Warn("Malformed envelope dropped")
		return
	}

	switch env.Type {
	case protocol.MsgTypeMessage:
		if rt.encryptionEnabled && !decrypted {
			log.Warn("Plaintext message on encrypted session dropped")
			return
		}
		if rt.cb.OnMessage != nil {
			rt.cb.OnMessage(env, decrypted)
		}

	case protocol.MsgTypeEncryptedMessage:
		rt.decryptMessage(env, decrypted)

	case protocol.MsgTypeFileMetadata:
		if rt.encryptionEnabled && !decrypted {
			log.WithField("transfer_id", env.TransferID).Warn("Plaintext metadata on encrypted session dropped")
			return
		}
		if rt.cb.OnFileMetadata != nil {
			rt.cb.OnFileMetadata(env)
		}

	case protocol.MsgTypeFileChunk:
		rt.jsonChunk(env)

	default:
		if !env.Type.IsControl() {
			log.Debug("Unhandled envelope type ignored")
			return
		}
		if rt.cb.OnControl != nil {
			rt.cb.OnControl(env)
		}
	}
}

// decryptMessage opens an EncryptedMessage and dispatches the inner
// envelope. Failures are dropped, never forwarded as plaintext.
func (rt *route) decryptMessage(env *protocol.Envelope, nested bool) {
	if nested {
		rt.log.Warn("Nested encrypted message dropped")
		return
	}
	if len(rt.secret) == 0 {
		rt.log.Warn("Encrypted message without shared secret dropped")
		return
	}

	plaintext, err := rt.provider.Decrypt(env.Sealed(), rt.secret)
	if err != nil || plaintext == nil {
		rt.log.WithError(err).Warn("Encrypted message dropped")
		return
	}

	inner, err := protocol.DecodeEnvelope(plaintext)
	switch {
	case err == nil:
		rt.dispatch(inner, true)
	case errors.Is(err, protocol.ErrMissingType), errors.Is(err, protocol.ErrMalformed):
		rt.dispatch(protocol.NewTextMessage("", string(plaintext)), true)
	default:
		rt.log.WithError(err).Warn("Decrypted envelope dropped")
	}
}

// jsonChunk handles a FileChunk envelope sent as text: sealed in
// encryptedData on encrypted sessions, plain in data otherwise
func (rt *route) jsonChunk(env *protocol.Envelope) {
	log := rt.log.WithFields(logrus.Fields{"transfer_id": env.TransferID, "chunk": env.ChunkIndex})

	if env.EncryptedData == nil {
		if rt.encryptionEnabled {
			log.Warn("Plaintext chunk on encrypted session dropped")
			return
		}
		rt.deliverChunk(env, env.Data)
		return
	}

	if !rt.encryptionEnabled || len(rt.secret) == 0 {
		log.Warn("Encrypted chunk without shared secret dropped")
		return
	}

	encoded, err := rt.provider.Decrypt(env.EncryptedData, rt.secret)
	if err != nil {
		log.WithError(err).Warn("Chunk decryption failed, dropped")
		return
	}

	data, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		log.WithError(err).Warn("Chunk payload is not base64, dropped")
		return
	}

	rt.deliverChunk(env, data)
}

func (rt *route) deliverChunk(header *protocol.Envelope, data []byte) {
	if rt.cb.OnFileChunk != nil {
		rt.cb.OnFileChunk(header.TransferID, header.ChunkIndex, data)
	}
	if header.IsLastChunk && rt.cb.OnFileTransferComplete != nil {
		rt.cb.OnFileTransferComplete(header.TransferID)
	}
}
