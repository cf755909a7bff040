// Package session drives one logical peer session over a transport:
// connection handshake, encryption bring-up, liveness, inbound routing
// and file transfers.
package session

import (
	"errors"

	"github.com/ZentaChain/zentalk-peer/pkg/protocol"
	"github.com/ZentaChain/zentalk-peer/pkg/transfer"
)

var (
	ErrHandshakeTimeout    = errors.New("handshake timed out")
	ErrHandshakeRejected   = errors.New("connection rejected by peer")
	ErrHandshakeInProgress = errors.New("handshake already started")
	ErrHandshakeSendFailed = errors.New("handshake frame not accepted by transport")
	ErrNoPendingRequest    = errors.New("no pending connection request")
	ErrEncryptionFailed    = errors.New("encryption key exchange failed")
	ErrEncryptionNotReady  = errors.New("encryption channel not ready")
	ErrSessionClosed       = errors.New("session closed")
	ErrNotConnected        = errors.New("session not connected")
	ErrPeerDisconnected    = errors.New("peer disconnected")
	ErrHeartbeatTimeout    = errors.New("peer stopped answering heartbeats")
	ErrSendFailed          = errors.New("transport did not accept frame")

	// Re-exported so callers can match outcomes from one package
	ErrTransferAborted     = transfer.ErrTransferAborted
	ErrMissingChunks       = transfer.ErrMissingChunks
	ErrNoSharedSecret      = transfer.ErrNoSharedSecret
	ErrInvalidLengthPrefix = protocol.ErrInvalidLengthPrefix
	ErrUnknownType         = protocol.ErrUnknownType
)
