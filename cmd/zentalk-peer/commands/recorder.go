package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-peer/pkg/session"
	"github.com/ZentaChain/zentalk-peer/pkg/storage"
)

// recorder writes session events into the history database and saves
// received files into the downloads directory
type recorder struct {
	db        *storage.DB
	downloads string
	log       *logrus.Entry
}

func newRecorder(db *storage.DB, downloads string, logger *logrus.Logger) *recorder {
	return &recorder{
		db:        db,
		downloads: downloads,
		log:       logger.WithField("component", "recorder"),
	}
}

// sessionRef identifies the session an event belongs to
type sessionRef struct {
	ID        string
	RemoteID  string
	Encrypted bool
}

func refOf(s *session.Session) sessionRef {
	return sessionRef{ID: s.ID(), RemoteID: s.RemoteID(), Encrypted: s.UseEncryption()}
}

// record persists one event. Returns the path of a saved file, if any.
func (r *recorder) record(ref sessionRef, e session.Event) string {
	switch e.Type {
	case session.EventMessage:
		if e.Message == nil {
			return ""
		}
		r.saveMessage(ref, e.Message)

	case session.EventTransferStarted:
		t := e.Transfer
		err := r.db.SaveTransfer(&storage.TransferRecord{
			TransferID:  t.ID,
			SessionID:   ref.ID,
			Peer:        ref.RemoteID,
			Direction:   direction(t.Direction),
			FileName:    t.FileName,
			FileType:    t.FileType,
			FileSize:    t.FileSize,
			ChunksCount: t.ChunksCount,
			Encrypted:   ref.Encrypted,
		})
		if err != nil {
			r.log.WithError(err).Warn("Failed to record transfer")
		}

	case session.EventFileReceived:
		path, err := r.saveFile(e.Transfer)
		status := storage.TransferStatusCompleted
		if err != nil {
			r.log.WithError(err).Error("Failed to save received file")
			status = storage.TransferStatusFailed
		}
		r.finish(e.Transfer.ID, status, err, path)
		return path

	case session.EventFileSent:
		r.finish(e.Transfer.ID, storage.TransferStatusCompleted, nil, "")

	case session.EventTransferFailed:
		r.finish(e.Transfer.ID, storage.TransferStatusFailed, e.Err, "")
	}

	return ""
}

func (r *recorder) saveMessage(ref sessionRef, msg *session.ChatMessage) {
	err := r.db.SaveMessage(&storage.StoredMessage{
		MessageID:  uuid.NewString(),
		SessionID:  ref.ID,
		Peer:       ref.RemoteID,
		Sender:     msg.Sender,
		Content:    msg.Content,
		Encrypted:  msg.Encrypted,
		IsOutgoing: msg.Outgoing,
		Timestamp:  msg.Timestamp,
	})
	if err != nil {
		r.log.WithError(err).Warn("Failed to record message")
	}
}

func (r *recorder) finish(transferID string, status storage.TransferStatus, transferErr error, path string) {
	if err := r.db.FinishTransfer(transferID, status, transferErr, path); err != nil {
		// Transfers that failed before their metadata arrived were never logged
		r.log.WithError(err).WithField("transfer_id", transferID).Debug("Transfer not finished in log")
	}
}

// saveFile writes a received file without overwriting existing downloads
func (r *recorder) saveFile(t *session.TransferInfo) (string, error) {
	if err := os.MkdirAll(r.downloads, 0o700); err != nil {
		return "", err
	}

	name := filepath.Base(t.FileName)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = t.ID
	}

	path := filepath.Join(r.downloads, name)
	if _, err := os.Stat(path); err == nil {
		prefix := t.ID
		if len(prefix) > 8 {
			prefix = prefix[:8]
		}
		path = filepath.Join(r.downloads, fmt.Sprintf("%s-%s", prefix, name))
	}

	if err := os.WriteFile(path, t.Data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

func direction(d session.Direction) storage.TransferDirection {
	if d == session.Incoming {
		return storage.DirectionIncoming
	}
	return storage.DirectionOutgoing
}
