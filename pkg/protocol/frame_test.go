package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestBinaryFrameRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 16384)
	header := NewFileChunk("transfer-1", 1, false)

	frame, err := EncodeBinaryFrame(header, payload)
	if err != nil {
		t.Fatalf("EncodeBinaryFrame() error = %v", err)
	}

	headerLen := binary.BigEndian.Uint32(frame[:LengthPrefixSize])
	if int(headerLen)+LengthPrefixSize+len(payload) != len(frame) {
		t.Errorf("frame length = %d, want %d", len(frame), int(headerLen)+LengthPrefixSize+len(payload))
	}

	decoded, gotPayload, err := DecodeBinaryFrame(frame)
	if err != nil {
		t.Fatalf("DecodeBinaryFrame() error = %v", err)
	}

	if decoded.TransferID != "transfer-1" || decoded.ChunkIndex != 1 || decoded.IsLastChunk {
		t.Errorf("header = %+v, want transfer-1 index 1", decoded)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Error("payload mismatch")
	}

	t.Logf("✅ Frame: %d byte header, %d byte payload", headerLen, len(gotPayload))
}

func TestBinaryFrameEmptyPayload(t *testing.T) {
	frame, err := EncodeBinaryFrame(NewFileChunk("t", 0, true), nil)
	if err != nil {
		t.Fatalf("EncodeBinaryFrame() error = %v", err)
	}

	_, payload, err := DecodeBinaryFrame(frame)
	if err != nil {
		t.Fatalf("DecodeBinaryFrame() error = %v", err)
	}
	if len(payload) != 0 {
		t.Errorf("payload length = %d, want 0", len(payload))
	}
}

func TestDecodeBinaryFrameInvalidPrefix(t *testing.T) {
	oversized := make([]byte, 8)
	binary.BigEndian.PutUint32(oversized, 1000)

	testCases := []struct {
		name  string
		input []byte
	}{
		{"Empty", nil},
		{"Too short", []byte{0, 1}},
		{"Zero length", []byte{0, 0, 0, 0, '{', '}'}},
		{"Length past end", oversized},
		{"Plain text", []byte("hello world, how are you")},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := DecodeBinaryFrame(tc.input)
			if !errors.Is(err, ErrInvalidLengthPrefix) {
				t.Errorf("DecodeBinaryFrame() error = %v, want %v", err, ErrInvalidLengthPrefix)
			}
		})
	}
}

func TestDecodeBinaryFrameBadHeader(t *testing.T) {
	header := []byte(`not json`)
	frame := make([]byte, LengthPrefixSize+len(header))
	binary.BigEndian.PutUint32(frame, uint32(len(header)))
	copy(frame[LengthPrefixSize:], header)

	_, _, err := DecodeBinaryFrame(frame)
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("DecodeBinaryFrame() error = %v, want %v", err, ErrMalformed)
	}
}

func TestTextFrameOf(t *testing.T) {
	frame, err := TextFrameOf(NewHeartbeat())
	if err != nil {
		t.Fatalf("TextFrameOf() error = %v", err)
	}

	env, err := DecodeEnvelope([]byte(frame))
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}
	if env.Type != MsgTypeHeartbeat {
		t.Errorf("Type = %q, want %q", env.Type, MsgTypeHeartbeat)
	}
}
