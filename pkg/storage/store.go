package storage

import (
	"errors"
	"strconv"
	"sync"
)

var (
	ErrNotFound = errors.New("not found")
)

// Keys persisted by the session engine
const (
	// Negotiated encryption flag
	KeyUseEncryption = "useEncryption"

	// Encryption-ready handshake progress: "", "sent" or "confirmed"
	KeyEncryptionReady = "encryptionReadyState"
)

// Store is the small key-value surface the session engine persists flags to
type Store interface {
	GetBool(key string, def bool) bool
	SetBool(key string, value bool) error
	GetString(key string, def string) string
	SetString(key string, value string) error
	RemoveItem(key string) error
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// GetBool returns the boolean stored under key, or def
func (m *MemoryStore) GetBool(key string, def bool) bool {
	m.mu.RLock()
	v, ok := m.values[key]
	m.mu.RUnlock()
	if !ok {
		return def
	}
	return parseBool(v, def)
}

// SetBool stores a boolean
func (m *MemoryStore) SetBool(key string, value bool) error {
	return m.SetString(key, strconv.FormatBool(value))
}

// GetString returns the string stored under key, or def
func (m *MemoryStore) GetString(key string, def string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.values[key]; ok {
		return v
	}
	return def
}

// SetString stores a string
func (m *MemoryStore) SetString(key string, value string) error {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	return nil
}

// RemoveItem deletes key
func (m *MemoryStore) RemoveItem(key string) error {
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
	return nil
}

func parseBool(v string, def bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
