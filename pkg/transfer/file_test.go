package transfer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkCount(t *testing.T) {
	testCases := []struct {
		name      string
		size      int64
		chunkSize int
		want      int
	}{
		{"Empty", 0, 16384, 0},
		{"One byte", 1, 16384, 1},
		{"Exact chunk", 16384, 16384, 1},
		{"Just over", 16385, 16384, 2},
		{"40 KiB", 40960, 16384, 3},
		{"Zero chunk size", 100, 0, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ChunkCount(tc.size, tc.chunkSize); got != tc.want {
				t.Errorf("ChunkCount(%d, %d) = %d, want %d", tc.size, tc.chunkSize, got, tc.want)
			}
		})
	}
}

func TestNewFileDetectsType(t *testing.T) {
	assert.Contains(t, NewFile("notes.txt", "", []byte("x")).Type, "text/plain")
	assert.Equal(t, defaultFileType, NewFile("blob.zzz", "", []byte("x")).Type)
	assert.Equal(t, "image/png", NewFile("a.bin", "image/png", []byte("x")).Type)
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0600))

	f, err := OpenFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello.txt", f.Name)
	assert.Equal(t, int64(5), f.Size())

	_, err = OpenFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
