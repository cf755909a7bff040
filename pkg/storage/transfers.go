package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// TransferStatus represents the outcome of a file transfer
type TransferStatus string

const (
	TransferStatusInProgress TransferStatus = "in_progress"
	TransferStatusCompleted  TransferStatus = "completed"
	TransferStatusFailed     TransferStatus = "failed"
)

// TransferDirection tells whether we sent or received the file
type TransferDirection string

const (
	DirectionOutgoing TransferDirection = "outgoing"
	DirectionIncoming TransferDirection = "incoming"
)

// TransferRecord is one row of the transfer log
type TransferRecord struct {
	TransferID  string            `json:"transfer_id"`
	SessionID   string            `json:"session_id"`
	Peer        string            `json:"peer"`
	Direction   TransferDirection `json:"direction"`
	FileName    string            `json:"file_name"`
	FileType    string            `json:"file_type"`
	FileSize    int64             `json:"file_size"`
	ChunksCount int               `json:"chunks_count"`
	Encrypted   bool              `json:"encrypted"`
	Status      TransferStatus    `json:"status"`
	Error       string            `json:"error,omitempty"`
	Path        string            `json:"path,omitempty"`
	StartedAt   int64             `json:"started_at"`
	FinishedAt  int64             `json:"finished_at,omitempty"`
}

// ===== TRANSFER OPERATIONS =====

// SaveTransfer inserts or replaces a transfer record
func (db *DB) SaveTransfer(rec *TransferRecord) error {
	if rec.StartedAt == 0 {
		rec.StartedAt = time.Now().UnixMilli()
	}
	if rec.Status == "" {
		rec.Status = TransferStatusInProgress
	}

	_, err := db.db.Exec(`
		INSERT OR REPLACE INTO transfers (
			transfer_id, session_id, peer, direction, file_name, file_type,
			file_size, chunks_count, encrypted, status, error, path,
			started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.TransferID,
		rec.SessionID,
		rec.Peer,
		rec.Direction,
		rec.FileName,
		rec.FileType,
		rec.FileSize,
		rec.ChunksCount,
		boolToInt(rec.Encrypted),
		rec.Status,
		rec.Error,
		rec.Path,
		rec.StartedAt,
		rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save transfer: %w", err)
	}

	return nil
}

// FinishTransfer records the outcome of a transfer
func (db *DB) FinishTransfer(transferID string, status TransferStatus, transferErr error, path string) error {
	var errMsg string
	if transferErr != nil {
		errMsg = transferErr.Error()
	}

	result, err := db.db.Exec(`
		UPDATE transfers SET status = ?, error = ?, path = ?, finished_at = ?
		WHERE transfer_id = ?
	`, status, errMsg, path, time.Now().UnixMilli(), transferID)
	if err != nil {
		return fmt.Errorf("failed to update transfer: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// GetTransfer retrieves a transfer record
func (db *DB) GetTransfer(transferID string) (*TransferRecord, error) {
	row := db.db.QueryRow(transferSelect+` WHERE transfer_id = ?`, transferID)

	rec, err := scanTransfer(row)
	if err != nil {
		return nil, scanErr(err)
	}
	return rec, nil
}

// GetTransfers returns up to limit transfer records, newest first
func (db *DB) GetTransfers(limit int) ([]*TransferRecord, error) {
	rows, err := db.db.Query(transferSelect+` ORDER BY started_at DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*TransferRecord
	for rows.Next() {
		rec, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

const transferSelect = `
	SELECT transfer_id, session_id, peer, direction, file_name, file_type,
	       file_size, chunks_count, encrypted, status, error, path,
	       started_at, finished_at
	FROM transfers`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransfer(row rowScanner) (*TransferRecord, error) {
	var rec TransferRecord
	var encrypted int
	var fileType, errMsg, path sql.NullString
	var finishedAt sql.NullInt64

	if err := row.Scan(
		&rec.TransferID,
		&rec.SessionID,
		&rec.Peer,
		&rec.Direction,
		&rec.FileName,
		&fileType,
		&rec.FileSize,
		&rec.ChunksCount,
		&encrypted,
		&rec.Status,
		&errMsg,
		&path,
		&rec.StartedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	rec.Encrypted = intToBool(encrypted)
	rec.FileType = fileType.String
	rec.Error = errMsg.String
	rec.Path = path.String
	rec.FinishedAt = finishedAt.Int64

	return &rec, nil
}
