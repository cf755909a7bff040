package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ZentaChain/zentalk-peer/pkg/crypto"
)

func TestEnvelopeEncodeDecode(t *testing.T) {
	testCases := []struct {
		name string
		env  *Envelope
	}{
		{"ConnectionRequest", NewConnectionRequest("peer-a", true)},
		{"ConnectionAccepted", NewConnectionAccepted("peer-b", false)},
		{"ConnectionRejected", NewConnectionRejected()},
		{"HandshakeKey", NewHandshakeKey("AAAA", true)},
		{"EncryptionReady", NewEncryptionReady()},
		{"Heartbeat", NewHeartbeat()},
		{"FileMetadata", NewFileMetadata("t1", "a.txt", "text/plain", 40960, 3)},
		{"FileChunk", NewFileChunk("t1", 2, true)},
		{"Message", NewTextMessage("alice", "hello")},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := tc.env.Encode()
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}

			decoded, err := DecodeEnvelope(data)
			if err != nil {
				t.Fatalf("DecodeEnvelope() error = %v", err)
			}

			if decoded.Type != tc.env.Type {
				t.Errorf("Type = %q, want %q", decoded.Type, tc.env.Type)
			}
			if decoded.Version != ProtocolVersion {
				t.Errorf("Version = %d, want %d", decoded.Version, ProtocolVersion)
			}
			if err := decoded.Validate(); err != nil {
				t.Errorf("Validate() error = %v", err)
			}
		})
	}
}

func TestEnvelopeWireFields(t *testing.T) {
	data, err := NewConnectionRequest("peer-a", true).Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if raw["v"] != float64(1) {
		t.Errorf("v = %v, want 1", raw["v"])
	}
	if raw["type"] != "connection-request" {
		t.Errorf("type = %v, want connection-request", raw["type"])
	}
	if raw["useEncryption"] != true {
		t.Errorf("useEncryption = %v, want true", raw["useEncryption"])
	}
	if _, ok := raw["transferId"]; ok {
		t.Error("transferId should be omitted from a connection request")
	}
}

func TestDecodeEnvelopeErrors(t *testing.T) {
	testCases := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"Not JSON", "hello there", ErrMalformed},
		{"No type", `{"v":1,"content":"hi"}`, ErrMissingType},
		{"Wrong version", `{"v":2,"type":"heartbeat"}`, ErrInvalidVersion},
		{"Missing version", `{"type":"heartbeat"}`, ErrInvalidVersion},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(tc.input))
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("DecodeEnvelope() error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestEnvelopeValidate(t *testing.T) {
	testCases := []struct {
		name    string
		env     *Envelope
		wantErr error
	}{
		{"Unknown type", NewEnvelope("group-invite"), ErrUnknownType},
		{"Key without public key", NewHandshakeKey("", false), ErrMalformed},
		{"Metadata without id", NewFileMetadata("", "a", "", 1, 1), ErrMalformed},
		{"Metadata zero chunks", NewFileMetadata("t", "a", "", 1, 0), ErrMalformed},
		{"Metadata more chunks than bytes", NewFileMetadata("t", "a", "", 10, 1<<40), ErrMalformed},
		{"Metadata empty file", NewFileMetadata("t", "a", "", 0, 1), ErrMalformed},
		{"Chunk without id", NewFileChunk("", 0, false), ErrMalformed},
		{"Chunk negative index", NewFileChunk("t", -1, false), ErrMalformed},
		{"Empty encrypted message", NewEncryptedMessage(&crypto.Sealed{}), ErrMalformed},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.env.Validate(); !errors.Is(err, tc.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestEncryptedMessageSealed(t *testing.T) {
	sealed := &crypto.Sealed{IV: []byte("123456789012"), Ciphertext: []byte("opaque")}
	env := NewEncryptedMessage(sealed)

	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !strings.Contains(string(data), `"iv"`) || !strings.Contains(string(data), `"ciphertext"`) {
		t.Errorf("encrypted message missing iv/ciphertext: %s", data)
	}

	decoded, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}

	got := decoded.Sealed()
	if string(got.IV) != string(sealed.IV) || string(got.Ciphertext) != string(sealed.Ciphertext) {
		t.Errorf("Sealed() = %+v, want %+v", got, sealed)
	}
}

func TestMessageTypeIsControl(t *testing.T) {
	testCases := []struct {
		msgType MessageType
		want    bool
	}{
		{MsgTypeHeartbeat, true},
		{MsgTypeHandshakeKey, true},
		{MsgTypeConnectionRequest, true},
		{MsgTypeMessage, false},
		{MsgTypeFileChunk, false},
		{MsgTypeEncryptedMessage, false},
	}

	for _, tc := range testCases {
		if got := tc.msgType.IsControl(); got != tc.want {
			t.Errorf("%s.IsControl() = %v, want %v", tc.msgType, got, tc.want)
		}
	}
}

func TestGenerateTransferID(t *testing.T) {
	id1 := GenerateTransferID()
	id2 := GenerateTransferID()

	if id1 == "" {
		t.Error("GenerateTransferID() returned empty id")
	}
	if id1 == id2 {
		t.Error("GenerateTransferID() returned duplicate ids")
	}
}
