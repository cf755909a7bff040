// Package protocol implements the ZenTalk peer wire protocol.
//
// The protocol package defines the envelope types exchanged between two
// endpoints of a peer session and the framing used to carry them over a
// message-oriented transport.
//
// # Protocol Overview
//
// Every control and data message is an Envelope: a JSON object with a
// version field "v" (currently 1) and a "type" tag. Only the fields relevant
// to the type are present on the wire.
//
// # Message Types
//
// Connection Handshake:
//   - connection-request: Initiator asks to connect, announcing its encryption preference
//   - connection-accepted: Responder accepts, carrying the negotiated flag
//   - connection-rejected: Responder declines
//
// Encryption Channel:
//   - handshake-key: X25519 public key exchange
//   - encryption-ready / encryption-ready-response: Readiness confirmation
//   - encrypted-message: An inner envelope sealed with AES-256-GCM
//
// Liveness:
//   - heartbeat / heartbeat-response
//
// User Data:
//   - message: Chat text
//   - file-metadata: Announces a file transfer
//   - file-chunk: One chunk of a file transfer
//
// # Frame Format
//
// Text frames carry a JSON envelope. Frames that are not JSON, or JSON
// without a type, are treated as plain chat text.
//
// Unencrypted file chunks travel as binary frames:
//   - Length (4 bytes, big-endian): Length of the JSON header
//   - Header (Length bytes): JSON file-chunk envelope
//   - Payload (remaining bytes): Raw chunk bytes
//
// Encrypted file chunks travel as text frames with the sealed payload in
// the "encryptedData" field.
//
// # Usage Example
//
//	// Send a chunk
//	header := protocol.NewFileChunk(transferID, 0, false)
//	frame, err := protocol.EncodeBinaryFrame(header, chunk)
//
//	// Receive it
//	header, payload, err := protocol.DecodeBinaryFrame(frame)
//
// # Compatibility
//
// Envelopes with a version other than ProtocolVersion are rejected by
// DecodeEnvelope. Unknown types decode successfully but fail Validate, so
// receivers can ignore them.
package protocol
