package storage

import (
	"fmt"
)

// StoredMessage represents a chat message in the database
type StoredMessage struct {
	ID         int64  `json:"-"`
	MessageID  string `json:"message_id"`
	SessionID  string `json:"session_id"`
	Peer       string `json:"peer"`
	Sender     string `json:"sender"`
	Content    string `json:"content"`
	Encrypted  bool   `json:"encrypted"`
	IsOutgoing bool   `json:"is_outgoing"`
	Timestamp  int64  `json:"timestamp"`
}

// ===== MESSAGE OPERATIONS =====

// SaveMessage stores a message in the database
func (db *DB) SaveMessage(msg *StoredMessage) error {
	query := `
		INSERT INTO messages (
			message_id, session_id, peer, sender, content,
			encrypted, is_outgoing, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := db.db.Exec(
		query,
		msg.MessageID,
		msg.SessionID,
		msg.Peer,
		msg.Sender,
		msg.Content,
		boolToInt(msg.Encrypted),
		boolToInt(msg.IsOutgoing),
		msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	msg.ID = id

	return nil
}

// GetMessage retrieves a message by message ID
func (db *DB) GetMessage(messageID string) (*StoredMessage, error) {
	row := db.db.QueryRow(`
		SELECT id, message_id, session_id, peer, sender, content,
		       encrypted, is_outgoing, timestamp
		FROM messages WHERE message_id = ?
	`, messageID)

	var msg StoredMessage
	var encrypted, isOutgoing int

	err := row.Scan(
		&msg.ID,
		&msg.MessageID,
		&msg.SessionID,
		&msg.Peer,
		&msg.Sender,
		&msg.Content,
		&encrypted,
		&isOutgoing,
		&msg.Timestamp,
	)
	if err != nil {
		return nil, scanErr(err)
	}

	msg.Encrypted = intToBool(encrypted)
	msg.IsOutgoing = intToBool(isOutgoing)

	return &msg, nil
}

// GetRecentMessages returns up to limit messages, newest first
func (db *DB) GetRecentMessages(limit int) ([]*StoredMessage, error) {
	rows, err := db.db.Query(`
		SELECT id, message_id, session_id, peer, sender, content,
		       encrypted, is_outgoing, timestamp
		FROM messages
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*StoredMessage
	for rows.Next() {
		var msg StoredMessage
		var encrypted, isOutgoing int

		if err := rows.Scan(
			&msg.ID,
			&msg.MessageID,
			&msg.SessionID,
			&msg.Peer,
			&msg.Sender,
			&msg.Content,
			&encrypted,
			&isOutgoing,
			&msg.Timestamp,
		); err != nil {
			return nil, err
		}

		msg.Encrypted = intToBool(encrypted)
		msg.IsOutgoing = intToBool(isOutgoing)
		messages = append(messages, &msg)
	}

	return messages, rows.Err()
}
