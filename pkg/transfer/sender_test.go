package transfer

import (
	"bytes"
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-peer/pkg/config"
	"github.com/ZentaChain/zentalk-peer/pkg/crypto"
	"github.com/ZentaChain/zentalk-peer/pkg/protocol"
	"github.com/ZentaChain/zentalk-peer/pkg/transport"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.PaceInterval = time.Millisecond
	return cfg
}

// frameSink collects the frames arriving at one end of a pipe
type frameSink struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func newSink(t *testing.T) (*transport.SafeSender, *frameSink) {
	t.Helper()
	a, b := transport.NewPipe("sender", "receiver")
	t.Cleanup(func() { a.Close() })

	sink := &frameSink{}
	b.SetHandlers(transport.Handlers{OnData: func(f protocol.Frame) {
		sink.mu.Lock()
		sink.frames = append(sink.frames, f)
		sink.mu.Unlock()
	}})

	return transport.NewSafeSender(a, nil), sink
}

func (s *frameSink) wait(t *testing.T, n int) []protocol.Frame {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.frames) >= n
	}, 2*time.Second, 5*time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

func TestSendPlaintextFile(t *testing.T) {
	out, sink := newSink(t)
	sender := NewSender(crypto.NewX25519Provider(), testConfig(), nil)

	data := bytes.Repeat([]byte("z"), 40960)
	var progress []float64
	var completed int

	err := sender.Send(context.Background(), out, "t1", NewFile("big.bin", "", data), false, nil, Callbacks{
		OnProgress: func(_ string, p float64) { progress = append(progress, p) },
		OnComplete: func(string) { completed++ },
		OnError:    func(_ string, err error) { t.Errorf("unexpected error: %v", err) },
	})
	require.NoError(t, err)

	assert.Equal(t, 1, completed)
	require.Len(t, progress, 3)
	assert.InDelta(t, 100.0, progress[2], 0.001)

	frames := sink.wait(t, 4)

	// Metadata first, as JSON text
	meta, err := protocol.DecodeEnvelope([]byte(frames[0].(protocol.TextFrame)))
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgTypeFileMetadata, meta.Type)
	assert.Equal(t, 3, meta.ChunksCount)
	assert.Equal(t, int64(40960), meta.FileSize)

	wantSizes := []int{16384, 16384, 7232}
	for i, size := range wantSizes {
		header, payload, err := protocol.DecodeBinaryFrame(frames[i+1].(protocol.BinaryFrame))
		require.NoError(t, err)
		assert.Equal(t, i, header.ChunkIndex)
		assert.Equal(t, i == 2, header.IsLastChunk)
		assert.Len(t, payload, size)
	}
}

func TestSendEncryptedFile(t *testing.T) {
	provider := crypto.NewX25519Provider()
	secret := bytes.Repeat([]byte{7}, crypto.KeySize)

	out, sink := newSink(t)
	sender := NewSender(provider, testConfig(), nil)

	data := []byte("secret file contents")
	require.NoError(t, sender.Send(context.Background(), out, "t2", NewFile("s.txt", "", data), true, secret, Callbacks{}))

	frames := sink.wait(t, 2)

	// Metadata is sealed whole
	wrapped, err := protocol.DecodeEnvelope([]byte(frames[0].(protocol.TextFrame)))
	require.NoError(t, err)
	require.Equal(t, protocol.MsgTypeEncryptedMessage, wrapped.Type)

	plain, err := provider.Decrypt(wrapped.Sealed(), secret)
	require.NoError(t, err)
	meta, err := protocol.DecodeEnvelope(plain)
	require.NoError(t, err)
	assert.Equal(t, "s.txt", meta.FileName)

	// Chunk carries base64 chunk bytes sealed in encryptedData
	chunk, err := protocol.DecodeEnvelope([]byte(frames[1].(protocol.TextFrame)))
	require.NoError(t, err)
	require.NotNil(t, chunk.EncryptedData)
	assert.True(t, chunk.IsLastChunk)

	encoded, err := provider.Decrypt(chunk.EncryptedData, secret)
	require.NoError(t, err)
	decoded, err := base64.StdEncoding.DecodeString(string(encoded))
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestSendErrors(t *testing.T) {
	sender := NewSender(crypto.NewX25519Provider(), testConfig(), nil)

	testCases := []struct {
		name    string
		file    *File
		encrypt bool
		wantErr error
	}{
		{"Empty file", NewFile("e", "", nil), false, ErrEmptyFile},
		{"Nil file", nil, false, ErrEmptyFile},
		{"Encryption without secret", NewFile("f", "", []byte("x")), true, ErrNoSharedSecret},
		{"Above size limit", NewFile("big", "", make([]byte, 65)), false, ErrFileTooLarge},
	}

	cfg := testConfig()
	cfg.MaxFileSize = 64
	sender = NewSender(crypto.NewX25519Provider(), cfg, nil)

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out, _ := newSink(t)
			var gotErr error
			err := sender.Send(context.Background(), out, "t", tc.file, tc.encrypt, nil, Callbacks{
				OnError: func(_ string, err error) { gotErr = err },
			})
			assert.ErrorIs(t, err, tc.wantErr)
			assert.ErrorIs(t, gotErr, tc.wantErr)
		})
	}
}

func TestCheckChunkLimit(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkSize = 4
	cfg.MaxChunks = 2
	sender := NewSender(crypto.NewX25519Provider(), cfg, nil)

	assert.NoError(t, sender.Check(NewFile("f", "", make([]byte, 8))))
	assert.ErrorIs(t, sender.Check(NewFile("f", "", make([]byte, 9))), ErrFileTooLarge)
}

func TestSendClosedTransport(t *testing.T) {
	a, _ := transport.NewPipe("a", "b")
	a.Close()

	sender := NewSender(crypto.NewX25519Provider(), testConfig(), nil)
	err := sender.Send(context.Background(), transport.NewSafeSender(a, nil), "t", NewFile("f", "", []byte("x")), false, nil, Callbacks{})
	assert.ErrorIs(t, err, ErrSendFailed)
}

func TestSendCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkSize = 4
	cfg.PaceInterval = 20 * time.Millisecond

	out, _ := newSink(t)
	sender := NewSender(crypto.NewX25519Provider(), cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	var completed int
	err := sender.Send(ctx, out, "t", NewFile("f", "", bytes.Repeat([]byte("x"), 400)), false, nil, Callbacks{
		OnComplete: func(string) { completed++ },
	})
	assert.ErrorIs(t, err, ErrTransferAborted)
	assert.Zero(t, completed)
}
