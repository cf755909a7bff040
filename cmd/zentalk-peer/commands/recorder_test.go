package commands

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-peer/pkg/session"
	"github.com/ZentaChain/zentalk-peer/pkg/storage"
)

func newTestRecorder(t *testing.T) (*recorder, *storage.DB) {
	t.Helper()

	dir := t.TempDir()
	db, err := storage.Open(filepath.Join(dir, "peer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	return newRecorder(db, filepath.Join(dir, "downloads"), logger), db
}

var testRef = sessionRef{ID: "s1", RemoteID: "bob", Encrypted: true}

func TestRecordIncomingMessage(t *testing.T) {
	r, db := newTestRecorder(t)

	r.record(testRef, session.Event{
		Type:    session.EventMessage,
		Message: &session.ChatMessage{Sender: "bob", Content: "hello", Timestamp: 42, Encrypted: true},
	})

	msgs, err := db.GetRecentMessages(10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "s1", msgs[0].SessionID)
	assert.Equal(t, "bob", msgs[0].Peer)
	assert.True(t, msgs[0].Encrypted)
	assert.False(t, msgs[0].IsOutgoing)
}

func TestRecordReceivedFile(t *testing.T) {
	r, db := newTestRecorder(t)

	info := &session.TransferInfo{
		ID:          "0123456789abcdef",
		Direction:   session.Incoming,
		FileName:    "notes.txt",
		FileType:    "text/plain",
		FileSize:    5,
		ChunksCount: 1,
	}
	r.record(testRef, session.Event{Type: session.EventTransferStarted, Transfer: info})

	received := *info
	received.Data = []byte("notes")
	path := r.record(testRef, session.Event{Type: session.EventFileReceived, Transfer: &received})
	require.NotEmpty(t, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "notes", string(data))

	rec, err := db.GetTransfer(info.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TransferStatusCompleted, rec.Status)
	assert.Equal(t, storage.DirectionIncoming, rec.Direction)
	assert.Equal(t, path, rec.Path)
	assert.True(t, rec.Encrypted)
}

func TestSaveFileKeepsExisting(t *testing.T) {
	r, _ := newTestRecorder(t)

	first, err := r.saveFile(&session.TransferInfo{ID: "aaaaaaaa-1", FileName: "a.txt", Data: []byte("one")})
	require.NoError(t, err)
	second, err := r.saveFile(&session.TransferInfo{ID: "bbbbbbbb-2", FileName: "a.txt", Data: []byte("two")})
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, "bbbbbbbb-a.txt", filepath.Base(second))

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))
}

func TestSaveFileStripsDirectories(t *testing.T) {
	r, _ := newTestRecorder(t)

	path, err := r.saveFile(&session.TransferInfo{ID: "t1", FileName: "../../etc/passwd", Data: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.downloads, "passwd"), path)
}

func TestRecordFailedTransfer(t *testing.T) {
	r, db := newTestRecorder(t)

	info := &session.TransferInfo{ID: "t2", Direction: session.Outgoing, FileName: "big.bin", FileSize: 10, ChunksCount: 1}
	r.record(testRef, session.Event{Type: session.EventTransferStarted, Transfer: info})
	r.record(testRef, session.Event{Type: session.EventTransferFailed, Transfer: info, Err: errors.New("link down")})

	rec, err := db.GetTransfer("t2")
	require.NoError(t, err)
	assert.Equal(t, storage.TransferStatusFailed, rec.Status)
	assert.Equal(t, storage.DirectionOutgoing, rec.Direction)
	assert.Contains(t, rec.Error, "link down")
}

func TestRecordUnknownTransferFinish(t *testing.T) {
	r, _ := newTestRecorder(t)

	// no metadata was ever recorded; must not panic
	assert.NotPanics(t, func() {
		r.record(testRef, session.Event{Type: session.EventTransferFailed, Transfer: &session.TransferInfo{ID: "ghost"}, Err: errors.New("x")})
	})
}
