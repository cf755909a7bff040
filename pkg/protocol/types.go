package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Protocol constants
const (
	// Envelope version carried in the "v" field
	ProtocolVersion = 1

	// Size of the big-endian header length prefix in binary frames
	LengthPrefixSize = 4

	// Upper bound for the JSON header of a binary frame
	MaxHeaderSize = 64 * 1024
)

// MessageType is the "type" tag of an envelope
type MessageType string

// Message types
const (
	// Chat
	MsgTypeMessage          MessageType = "message"
	MsgTypeEncryptedMessage MessageType = "encrypted-message"

	// File transfer
	MsgTypeFileMetadata MessageType = "file-metadata"
	MsgTypeFileChunk    MessageType = "file-chunk"

	// Encryption channel
	MsgTypeHandshakeKey            MessageType = "handshake-key"
	MsgTypeEncryptionReady         MessageType = "encryption-ready"
	MsgTypeEncryptionReadyResponse MessageType = "encryption-ready-response"

	// Liveness
	MsgTypeHeartbeat         MessageType = "heartbeat"
	MsgTypeHeartbeatResponse MessageType = "heartbeat-response"

	// Connection handshake
	MsgTypeConnectionRequest  MessageType = "connection-request"
	MsgTypeConnectionAccepted MessageType = "connection-accepted"
	MsgTypeConnectionRejected MessageType = "connection-rejected"
)

var knownTypes = map[MessageType]bool{
	MsgTypeMessage:                 true,
	MsgTypeEncryptedMessage:        true,
	MsgTypeFileMetadata:            true,
	MsgTypeFileChunk:               true,
	MsgTypeHandshakeKey:            true,
	MsgTypeEncryptionReady:         true,
	MsgTypeEncryptionReadyResponse: true,
	MsgTypeHeartbeat:               true,
	MsgTypeHeartbeatResponse:       true,
	MsgTypeConnectionRequest:       true,
	MsgTypeConnectionAccepted:      true,
	MsgTypeConnectionRejected:      true,
}

// IsKnown reports whether t is a message type this version understands
func (t MessageType) IsKnown() bool {
	return knownTypes[t]
}

// IsControl reports whether t belongs to the handshake, encryption or
// liveness families rather than to user data
func (t MessageType) IsControl() bool {
	switch t {
	case MsgTypeHandshakeKey, MsgTypeEncryptionReady, MsgTypeEncryptionReadyResponse,
		MsgTypeHeartbeat, MsgTypeHeartbeatResponse,
		MsgTypeConnectionRequest, MsgTypeConnectionAccepted, MsgTypeConnectionRejected:
		return true
	}
	return false
}

// ===== HELPER FUNCTIONS =====

// GenerateTransferID generates a random transfer ID
func GenerateTransferID() string {
	return uuid.NewString()
}

// NowUnixMilli returns current time in Unix milliseconds
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
