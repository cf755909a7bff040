// Package transfer implements chunked file transfer over a peer session.
package transfer

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
)

var (
	ErrEmptyFile        = errors.New("file is empty")
	ErrTransferAborted  = errors.New("transfer aborted")
	ErrSendFailed       = errors.New("transport did not accept frame")
	ErrNoSharedSecret   = errors.New("encryption requested without shared secret")
	ErrMissingChunks    = errors.New("transfer is missing chunks")
	ErrSizeMismatch     = errors.New("reassembled size does not match metadata")
	ErrFileTooLarge     = errors.New("file exceeds transfer limits")
	ErrInvalidMetadata  = errors.New("invalid transfer metadata")
	ErrInvalidChunk     = errors.New("chunk does not fit transfer")
	ErrTooManyTransfers = errors.New("too many incoming transfers")
)

const defaultFileType = "application/octet-stream"

// File is an in-memory file source
type File struct {
	Name string
	Type string
	Data []byte
}

// NewFile creates a file source from bytes
func NewFile(name, fileType string, data []byte) *File {
	if fileType == "" {
		fileType = detectType(name)
	}
	return &File{Name: name, Type: fileType, Data: data}
}

// OpenFile reads a file from disk
func OpenFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return NewFile(filepath.Base(path), "", data), nil
}

// Size returns the file size in bytes
func (f *File) Size() int64 {
	return int64(len(f.Data))
}

// ChunkCount returns ceil(size / chunkSize)
func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

func detectType(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return defaultFileType
}
