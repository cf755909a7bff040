package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ZentaChain/zentalk-peer/pkg/crypto"
)

var (
	ErrMissingType    = errors.New("envelope has no type")
	ErrInvalidVersion = errors.New("unsupported envelope version")
	ErrUnknownType    = errors.New("unknown envelope type")
	ErrMalformed      = errors.New("malformed envelope")
)

// Envelope is the versioned, typed message exchanged between two endpoints.
// Only the fields relevant to Type are set; the rest are omitted on the wire.
type Envelope struct {
	Version int         `json:"v"`
	Type    MessageType `json:"type"`

	// Connection handshake
	PeerID        string `json:"peerId,omitempty"`
	UseEncryption bool   `json:"useEncryption,omitempty"`
	Timestamp     int64  `json:"timestamp,omitempty"`

	// Key exchange
	PublicKey   string `json:"publicKey,omitempty"`
	IsInitiator bool   `json:"isInitiator,omitempty"`

	// File transfer
	TransferID    string         `json:"transferId,omitempty"`
	FileName      string         `json:"fileName,omitempty"`
	FileType      string         `json:"fileType,omitempty"`
	FileSize      int64          `json:"fileSize,omitempty"`
	ChunksCount   int            `json:"chunksCount,omitempty"`
	ChunkIndex    int            `json:"chunkIndex,omitempty"`
	IsLastChunk   bool           `json:"isLastChunk,omitempty"`
	EncryptedData *crypto.Sealed `json:"encryptedData,omitempty"`
	Data          []byte         `json:"data,omitempty"`

	// Chat message
	Sender  string `json:"sender,omitempty"`
	Content string `json:"content,omitempty"`

	// Encrypted message (whole envelope sealed)
	IV         []byte `json:"iv,omitempty"`
	Ciphertext []byte `json:"ciphertext,omitempty"`
}

// NewEnvelope creates an envelope carrying the current version and the given type
func NewEnvelope(msgType MessageType) *Envelope {
	return &Envelope{
		Version: ProtocolVersion,
		Type:    msgType,
	}
}

// ===== CONNECTION HANDSHAKE =====

// NewConnectionRequest creates a ConnectionRequest
func NewConnectionRequest(peerID string, useEncryption bool) *Envelope {
	env := NewEnvelope(MsgTypeConnectionRequest)
	env.PeerID = peerID
	env.UseEncryption = useEncryption
	env.Timestamp = NowUnixMilli()
	return env
}

// NewConnectionAccepted creates a ConnectionAccepted carrying the negotiated flag
func NewConnectionAccepted(peerID string, useEncryption bool) *Envelope {
	env := NewEnvelope(MsgTypeConnectionAccepted)
	env.PeerID = peerID
	env.UseEncryption = useEncryption
	env.Timestamp = NowUnixMilli()
	return env
}

// NewConnectionRejected creates a ConnectionRejected
func NewConnectionRejected() *Envelope {
	env := NewEnvelope(MsgTypeConnectionRejected)
	env.Timestamp = NowUnixMilli()
	return env
}

// ===== ENCRYPTION CHANNEL =====

// NewHandshakeKey creates a HandshakeKey carrying an encoded public key
func NewHandshakeKey(publicKey string, isInitiator bool) *Envelope {
	env := NewEnvelope(MsgTypeHandshakeKey)
	env.PublicKey = publicKey
	env.IsInitiator = isInitiator
	return env
}

// NewEncryptionReady creates an EncryptionReady
func NewEncryptionReady() *Envelope {
	return NewEnvelope(MsgTypeEncryptionReady)
}

// NewEncryptionReadyResponse creates an EncryptionReadyResponse
func NewEncryptionReadyResponse() *Envelope {
	env := NewEnvelope(MsgTypeEncryptionReadyResponse)
	env.Timestamp = NowUnixMilli()
	return env
}

// NewEncryptedMessage wraps a sealed inner envelope
func NewEncryptedMessage(sealed *crypto.Sealed) *Envelope {
	env := NewEnvelope(MsgTypeEncryptedMessage)
	env.IV = sealed.IV
	env.Ciphertext = sealed.Ciphertext
	return env
}

// Sealed returns the sealed payload of an EncryptedMessage
func (e *Envelope) Sealed() *crypto.Sealed {
	return &crypto.Sealed{IV: e.IV, Ciphertext: e.Ciphertext}
}

// ===== LIVENESS =====

// NewHeartbeat creates a Heartbeat
func NewHeartbeat() *Envelope {
	env := NewEnvelope(MsgTypeHeartbeat)
	env.Timestamp = NowUnixMilli()
	return env
}

// NewHeartbeatResponse creates a HeartbeatResponse
func NewHeartbeatResponse() *Envelope {
	env := NewEnvelope(MsgTypeHeartbeatResponse)
	env.Timestamp = NowUnixMilli()
	return env
}

// ===== FILE TRANSFER =====

// NewFileMetadata creates the metadata envelope announcing a transfer
func NewFileMetadata(transferID, fileName, fileType string, fileSize int64, chunksCount int) *Envelope {
	env := NewEnvelope(MsgTypeFileMetadata)
	env.TransferID = transferID
	env.FileName = fileName
	env.FileType = fileType
	env.FileSize = fileSize
	env.ChunksCount = chunksCount
	env.Timestamp = NowUnixMilli()
	return env
}

// NewFileChunk creates a chunk header; the payload travels either in the
// binary frame body, in Data, or sealed in EncryptedData
func NewFileChunk(transferID string, chunkIndex int, isLastChunk bool) *Envelope {
	env := NewEnvelope(MsgTypeFileChunk)
	env.TransferID = transferID
	env.ChunkIndex = chunkIndex
	env.IsLastChunk = isLastChunk
	return env
}

// ===== CHAT =====

// NewTextMessage creates a chat Message
func NewTextMessage(sender, content string) *Envelope {
	env := NewEnvelope(MsgTypeMessage)
	env.Sender = sender
	env.Content = content
	env.Timestamp = NowUnixMilli()
	return env
}

// ===== ENCODING =====

// Encode encodes the envelope as JSON
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope decodes a JSON envelope. It fails with ErrMissingType when
// the JSON is valid but carries no type, so callers can fall back to text.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if env.Type == "" {
		return nil, ErrMissingType
	}

	if env.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVersion, env.Version)
	}

	return &env, nil
}

// Validate checks the fields required by the envelope's type
func (e *Envelope) Validate() error {
	if e.Version != ProtocolVersion {
		return fmt.Errorf("%w: %d", ErrInvalidVersion, e.Version)
	}

	if !e.Type.IsKnown() {
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}

	switch e.Type {
	case MsgTypeHandshakeKey:
		if e.PublicKey == "" {
			return fmt.Errorf("%w: handshake key without public key", ErrMalformed)
		}

	case MsgTypeFileMetadata:
		if e.TransferID == "" {
			return fmt.Errorf("%w: metadata without transfer id", ErrMalformed)
		}
		// every chunk carries at least one byte
		if e.ChunksCount <= 0 || int64(e.ChunksCount) > e.FileSize {
			return fmt.Errorf("%w: metadata with %d chunks, size %d", ErrMalformed, e.ChunksCount, e.FileSize)
		}

	case MsgTypeFileChunk:
		if e.TransferID == "" {
			return fmt.Errorf("%w: chunk without transfer id", ErrMalformed)
		}
		if e.ChunkIndex < 0 {
			return fmt.Errorf("%w: negative chunk index %d", ErrMalformed, e.ChunkIndex)
		}

	case MsgTypeEncryptedMessage:
		if len(e.IV) == 0 || len(e.Ciphertext) == 0 {
			return fmt.Errorf("%w: encrypted message without iv or ciphertext", ErrMalformed)
		}
	}

	return nil
}
