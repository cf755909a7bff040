package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrInvalidLengthPrefix = errors.New("invalid length prefix")
	ErrHeaderTooLarge      = errors.New("frame header too large")
)

// Frame is one inbound or outbound unit on a transport. Exactly one of
// TextFrame, BinaryFrame or ParsedFrame.
type Frame interface {
	isFrame()
}

// TextFrame is a UTF-8 text frame: a JSON envelope or plain chat text
type TextFrame string

// BinaryFrame is a raw binary frame, usually a length-prefixed file chunk
type BinaryFrame []byte

// ParsedFrame carries an envelope that was already decoded upstream
type ParsedFrame struct {
	Envelope *Envelope
}

func (TextFrame) isFrame()   {}
func (BinaryFrame) isFrame() {}
func (ParsedFrame) isFrame() {}

// TextFrameOf encodes an envelope into a text frame
func TextFrameOf(env *Envelope) (TextFrame, error) {
	data, err := env.Encode()
	if err != nil {
		return "", err
	}
	return TextFrame(data), nil
}

// EncodeBinaryFrame builds a binary frame:
// [4-byte big-endian header length][JSON header][raw payload]
func EncodeBinaryFrame(header *Envelope, payload []byte) (BinaryFrame, error) {
	headerBytes, err := header.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame header: %w", err)
	}

	if len(headerBytes) > MaxHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrHeaderTooLarge, len(headerBytes))
	}

	buf := make([]byte, LengthPrefixSize+len(headerBytes)+len(payload))
	binary.BigEndian.PutUint32(buf[0:LengthPrefixSize], uint32(len(headerBytes)))
	copy(buf[LengthPrefixSize:], headerBytes)
	copy(buf[LengthPrefixSize+len(headerBytes):], payload)

	return buf, nil
}

// DecodeBinaryFrame splits a binary frame into its header envelope and payload.
// ErrInvalidLengthPrefix means the frame is not length-prefixed at all and
// should be treated as text.
func DecodeBinaryFrame(buf []byte) (*Envelope, []byte, error) {
	if len(buf) < LengthPrefixSize {
		return nil, nil, ErrInvalidLengthPrefix
	}

	headerLen := binary.BigEndian.Uint32(buf[0:LengthPrefixSize])
	if headerLen == 0 || headerLen > MaxHeaderSize || uint64(headerLen) > uint64(len(buf)-LengthPrefixSize) {
		return nil, nil, fmt.Errorf("%w: header length %d, frame length %d", ErrInvalidLengthPrefix, headerLen, len(buf))
	}

	end := LengthPrefixSize + int(headerLen)
	header, err := DecodeEnvelope(buf[LengthPrefixSize:end])
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode frame header: %w", err)
	}

	var payload []byte
	if end < len(buf) {
		payload = make([]byte, len(buf)-end)
		copy(payload, buf[end:])
	}

	return header, payload, nil
}
