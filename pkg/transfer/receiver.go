package transfer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-peer/pkg/config"
	"github.com/ZentaChain/zentalk-peer/pkg/protocol"
)

const (
	// Number of finished transfer IDs remembered to drop late duplicates
	recentFinishedSize = 64

	// Incoming transfers with known metadata
	maxActiveTransfers = 16

	// Transfers with chunks or a completion signal but no metadata yet
	maxPendingTransfers = 8

	// Bytes held for one transfer while its metadata is missing
	maxPendingBytes = 4 << 20
)

var errDuplicateChunk = errors.New("duplicate chunk")

// Metadata describes an incoming transfer
type Metadata struct {
	TransferID  string
	FileName    string
	FileType    string
	FileSize    int64
	ChunksCount int
}

// MetadataFromEnvelope extracts transfer metadata from a FileMetadata envelope
func MetadataFromEnvelope(env *protocol.Envelope) Metadata {
	return Metadata{
		TransferID:  env.TransferID,
		FileName:    env.FileName,
		FileType:    env.FileType,
		FileSize:    env.FileSize,
		ChunksCount: env.ChunksCount,
	}
}

// ReceivedFile is a fully reassembled incoming file
type ReceivedFile struct {
	Metadata
	Data []byte
}

// ReceiverCallbacks report the lifecycle of incoming transfers
type ReceiverCallbacks struct {
	OnStart    func(meta Metadata)
	OnProgress func(transferID string, progress float64)
	OnComplete func(file *ReceivedFile)
	OnError    func(transferID string, err error)
}

// incomingTransfer holds the chunks of one transfer whose metadata is known
type incomingTransfer struct {
	meta     Metadata
	chunks   [][]byte
	received int
	bytes    int64

	// completion was signalled while chunks were still missing
	completionPending bool
	deadline          *time.Timer
}

// pendingTransfer holds what arrived before a transfer's metadata
type pendingTransfer struct {
	seq       uint64
	chunks    map[int][]byte
	bytes     int
	completed bool
	expiry    *time.Timer
}

// Receiver reassembles incoming transfers. Chunks and completion signals
// that arrive before their metadata are buffered and replayed. A transfer
// is finalized only once its metadata and every chunk are present; if
// chunks are still missing TransferTimeout after completion was signalled,
// it fails with ErrMissingChunks.
type Receiver struct {
	mu sync.Mutex

	transfers  map[string]*incomingTransfer
	pending    map[string]*pendingTransfer
	pendingSeq uint64

	finished     map[string]bool
	finishedRing []string

	maxFileSize  int64
	maxChunkSize int
	maxChunks    int
	timeout      time.Duration

	callbacks ReceiverCallbacks
	log       *logrus.Entry
}

// NewReceiver creates a receiver enforcing the transfer limits in cfg
func NewReceiver(cfg *config.Config, logger *logrus.Logger) *Receiver {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Receiver{
		transfers:    make(map[string]*incomingTransfer),
		pending:      make(map[string]*pendingTransfer),
		finished:     make(map[string]bool),
		maxFileSize:  cfg.MaxFileSize,
		maxChunkSize: cfg.MaxChunkSize,
		maxChunks:    cfg.MaxChunks,
		timeout:      cfg.TransferTimeout,
		log:          logger.WithField("component", "file-receiver"),
	}
}

// SetCallbacks sets the receiver callbacks
func (r *Receiver) SetCallbacks(cb ReceiverCallbacks) {
	r.mu.Lock()
	r.callbacks = cb
	r.mu.Unlock()
}

// checkMetadata rejects announcements the receiver will not hold
func (r *Receiver) checkMetadata(meta Metadata) error {
	switch {
	case meta.ChunksCount <= 0 || meta.FileSize <= 0:
		return fmt.Errorf("%w: %d chunks, %d bytes", ErrInvalidMetadata, meta.ChunksCount, meta.FileSize)
	case meta.FileSize > r.maxFileSize:
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFileTooLarge, meta.FileSize, r.maxFileSize)
	case meta.ChunksCount > r.maxChunks:
		return fmt.Errorf("%w: %d chunks, limit %d", ErrInvalidMetadata, meta.ChunksCount, r.maxChunks)
	case int64(meta.ChunksCount) > meta.FileSize:
		return fmt.Errorf("%w: %d chunks for %d bytes", ErrInvalidMetadata, meta.ChunksCount, meta.FileSize)
	case meta.ChunksCount < ChunkCount(meta.FileSize, r.maxChunkSize):
		return fmt.Errorf("%w: chunks of %d bytes would exceed %d", ErrInvalidMetadata, meta.FileSize/int64(meta.ChunksCount), r.maxChunkSize)
	}
	return nil
}

// OnFileMetadata starts a transfer and replays anything buffered for it
func (r *Receiver) OnFileMetadata(meta Metadata) {
	id := meta.TransferID
	log := r.log.WithField("transfer_id", id)

	r.mu.Lock()
	if r.finished[id] {
		r.mu.Unlock()
		log.Debug("Metadata for finished transfer ignored")
		return
	}
	if _, exists := r.transfers[id]; exists {
		r.mu.Unlock()
		log.Debug("Duplicate metadata ignored")
		return
	}

	cb := r.callbacks
	err := r.checkMetadata(meta)
	if err == nil && len(r.transfers) >= maxActiveTransfers {
		err = fmt.Errorf("%w: %d in progress", ErrTooManyTransfers, len(r.transfers))
	}
	if err != nil {
		r.discardPending(id)
		r.markFinished(id)
		r.mu.Unlock()
		r.fail(cb, id, err)
		return
	}

	t := &incomingTransfer{
		meta:   meta,
		chunks: make([][]byte, meta.ChunksCount),
	}
	r.transfers[id] = t

	buffered := 0
	completed := false
	if p := r.pending[id]; p != nil {
		r.discardPending(id)
		for index, data := range p.chunks {
			if err := t.store(index, data); err != nil {
				log.WithField("chunk", index).WithError(err).Warn("Buffered chunk dropped")
				continue
			}
			buffered++
		}
		completed = p.completed
	}

	ready := completed && r.awaitLocked(t)
	progress := t.progress()
	r.mu.Unlock()

	log.WithFields(logrus.Fields{
		"file":     meta.FileName,
		"size":     meta.FileSize,
		"chunks":   meta.ChunksCount,
		"buffered": buffered,
	}).Info("Receiving file")

	if cb.OnStart != nil {
		cb.OnStart(meta)
	}
	if buffered > 0 && cb.OnProgress != nil {
		cb.OnProgress(id, progress)
	}
	if ready {
		r.finalize(t)
	}
}

// OnFileChunk stores one chunk. An index that is already filled is not
// overwritten.
func (r *Receiver) OnFileChunk(transferID string, index int, data []byte) {
	log := r.log.WithFields(logrus.Fields{"transfer_id": transferID, "chunk": index})

	if len(data) == 0 {
		log.Warn("Empty chunk dropped")
		return
	}
	if len(data) > r.maxChunkSize {
		log.WithField("size", len(data)).Warn("Oversized chunk dropped")
		return
	}

	r.mu.Lock()
	if r.finished[transferID] {
		r.mu.Unlock()
		log.Debug("Late chunk for finished transfer dropped")
		return
	}

	t, ok := r.transfers[transferID]
	if !ok {
		r.bufferLocked(transferID, index, data, log)
		r.mu.Unlock()
		return
	}

	if err := t.store(index, copyBytes(data)); err != nil {
		r.mu.Unlock()
		if errors.Is(err, errDuplicateChunk) {
			log.Debug("Duplicate chunk ignored")
		} else {
			log.WithError(err).Warn("Chunk dropped")
		}
		return
	}

	progress := t.progress()
	ready := t.completionPending && t.complete()
	cb := r.callbacks
	r.mu.Unlock()

	if cb.OnProgress != nil {
		cb.OnProgress(transferID, progress)
	}
	if ready {
		r.finalize(t)
	}
}

// OnFileTransferComplete finalizes a transfer once all of its chunks are
// present, or remembers the signal until metadata arrives
func (r *Receiver) OnFileTransferComplete(transferID string) {
	log := r.log.WithField("transfer_id", transferID)

	r.mu.Lock()
	if r.finished[transferID] {
		r.mu.Unlock()
		return
	}

	t, ok := r.transfers[transferID]
	if !ok {
		r.pendingLocked(transferID).completed = true
		r.mu.Unlock()
		log.Debug("Completion pending until metadata arrives")
		return
	}

	ready := r.awaitLocked(t)
	r.mu.Unlock()

	if ready {
		r.finalize(t)
		return
	}
	log.Debug("Completion waiting for chunks in flight")
}

// awaitLocked records the completion signal and reports whether every chunk
// is present. Otherwise it arms the deadline after which the transfer fails.
// Must be called with r.mu held.
func (r *Receiver) awaitLocked(t *incomingTransfer) bool {
	t.completionPending = true
	if t.complete() {
		return true
	}
	if t.deadline == nil {
		t.deadline = time.AfterFunc(r.timeout, func() { r.finalize(t) })
	}
	return false
}

// finalize reassembles t or fails it if any chunk is missing. Only the first
// call for a transfer has an effect.
func (r *Receiver) finalize(t *incomingTransfer) {
	transferID := t.meta.TransferID

	r.mu.Lock()
	if r.transfers[transferID] != t {
		r.mu.Unlock()
		return
	}

	delete(r.transfers, transferID)
	r.markFinished(transferID)
	if t.deadline != nil {
		t.deadline.Stop()
	}
	cb := r.callbacks

	var missing []int
	for i, chunk := range t.chunks {
		if len(chunk) == 0 {
			missing = append(missing, i)
		}
	}
	r.mu.Unlock()

	if len(missing) > 0 {
		r.fail(cb, transferID, fmt.Errorf("%w: %d of %d missing %v", ErrMissingChunks, len(missing), len(t.chunks), missing))
		return
	}

	if t.bytes != t.meta.FileSize {
		r.fail(cb, transferID, fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, t.bytes, t.meta.FileSize))
		return
	}

	data := make([]byte, 0, t.bytes)
	for _, chunk := range t.chunks {
		data = append(data, chunk...)
	}

	r.log.WithFields(logrus.Fields{
		"transfer_id": transferID,
		"file":        t.meta.FileName,
		"size":        t.bytes,
	}).Info("File received")

	// Buffered chunks may have undercounted progress
	if cb.OnProgress != nil {
		cb.OnProgress(transferID, 100)
	}
	if cb.OnComplete != nil {
		cb.OnComplete(&ReceivedFile{Metadata: t.meta, Data: data})
	}
}

// bufferLocked holds a chunk that arrived before its metadata. Must be
// called with r.mu held.
func (r *Receiver) bufferLocked(transferID string, index int, data []byte, log *logrus.Entry) {
	if index < 0 || index >= r.maxChunks {
		log.Warn("Chunk index out of range dropped")
		return
	}

	p := r.pendingLocked(transferID)
	if _, dup := p.chunks[index]; dup {
		return
	}
	if p.bytes+len(data) > maxPendingBytes {
		log.Warn("Pending buffer full, chunk dropped")
		return
	}

	p.chunks[index] = copyBytes(data)
	p.bytes += len(data)
	log.Debug("Chunk buffered until metadata arrives")
}

// pendingLocked returns the pending state of transferID, creating it and
// evicting the oldest entry when the table is full. Must be called with
// r.mu held.
func (r *Receiver) pendingLocked(transferID string) *pendingTransfer {
	if p := r.pending[transferID]; p != nil {
		return p
	}

	if len(r.pending) >= maxPendingTransfers {
		oldest := ""
		for id, p := range r.pending {
			if oldest == "" || p.seq < r.pending[oldest].seq {
				oldest = id
			}
		}
		r.log.WithField("transfer_id", oldest).Warn("Pending transfer evicted before its metadata arrived")
		r.discardPending(oldest)
	}

	r.pendingSeq++
	p := &pendingTransfer{seq: r.pendingSeq, chunks: make(map[int][]byte)}
	p.expiry = time.AfterFunc(r.timeout, func() { r.expire(transferID, p) })
	r.pending[transferID] = p
	return p
}

// expire drops pending state that never received metadata
func (r *Receiver) expire(transferID string, p *pendingTransfer) {
	r.mu.Lock()
	if r.pending[transferID] != p {
		r.mu.Unlock()
		return
	}
	delete(r.pending, transferID)
	chunks := len(p.chunks)
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"transfer_id": transferID,
		"chunks":      chunks,
	}).Warn("No metadata arrived, buffered chunks discarded")
}

// discardPending must be called with r.mu held
func (r *Receiver) discardPending(transferID string) {
	if p := r.pending[transferID]; p != nil {
		p.expiry.Stop()
		delete(r.pending, transferID)
	}
}

// Abort fails every in-flight transfer with err and discards all buffers
func (r *Receiver) Abort(err error) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.transfers))
	for id, t := range r.transfers {
		if t.deadline != nil {
			t.deadline.Stop()
		}
		ids = append(ids, id)
		r.markFinished(id)
	}
	for _, p := range r.pending {
		p.expiry.Stop()
	}
	r.transfers = make(map[string]*incomingTransfer)
	r.pending = make(map[string]*pendingTransfer)
	cb := r.callbacks
	r.mu.Unlock()

	for _, id := range ids {
		r.fail(cb, id, fmt.Errorf("%w: %v", ErrTransferAborted, err))
	}
}

// Active returns the number of transfers with known metadata
func (r *Receiver) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transfers)
}

// Pending returns the number of transfers still waiting for metadata
func (r *Receiver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Receiver) fail(cb ReceiverCallbacks, transferID string, err error) {
	r.log.WithField("transfer_id", transferID).WithError(err).Warn("Incoming transfer failed")
	if cb.OnError != nil {
		cb.OnError(transferID, err)
	}
}

// markFinished must be called with r.mu held
func (r *Receiver) markFinished(transferID string) {
	if r.finished[transferID] {
		return
	}
	r.finished[transferID] = true
	r.finishedRing = append(r.finishedRing, transferID)
	if len(r.finishedRing) > recentFinishedSize {
		delete(r.finished, r.finishedRing[0])
		r.finishedRing = r.finishedRing[1:]
	}
}

// store places one chunk. A chunk may not push the transfer past the size
// its metadata announced.
func (t *incomingTransfer) store(index int, data []byte) error {
	if index < 0 || index >= len(t.chunks) {
		return fmt.Errorf("%w: index %d of %d", ErrInvalidChunk, index, len(t.chunks))
	}
	if t.chunks[index] != nil {
		return errDuplicateChunk
	}
	if t.bytes+int64(len(data)) > t.meta.FileSize {
		return fmt.Errorf("%w: exceeds announced size %d", ErrInvalidChunk, t.meta.FileSize)
	}

	t.chunks[index] = data
	t.received++
	t.bytes += int64(len(data))
	return nil
}

func (t *incomingTransfer) complete() bool {
	return t.received == len(t.chunks)
}

func (t *incomingTransfer) progress() float64 {
	return float64(t.received) / float64(len(t.chunks)) * 100
}

func copyBytes(data []byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	return out
}
