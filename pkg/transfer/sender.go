package transfer

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-peer/pkg/config"
	"github.com/ZentaChain/zentalk-peer/pkg/crypto"
	"github.com/ZentaChain/zentalk-peer/pkg/protocol"
	"github.com/ZentaChain/zentalk-peer/pkg/transport"
)

// Callbacks report the progress of one outgoing transfer
type Callbacks struct {
	OnProgress func(transferID string, progress float64)
	OnComplete func(transferID string)
	OnError    func(transferID string, err error)
}

// Sender slices files into chunks and paces them onto a transport
type Sender struct {
	provider    crypto.Provider
	chunkSize   int
	pace        time.Duration
	maxFileSize int64
	maxChunks   int
	log         *logrus.Entry
}

// NewSender creates a file sender
func NewSender(provider crypto.Provider, cfg *config.Config, logger *logrus.Logger) *Sender {
	if logger == nil {
		logger = logrus.New()
	}
	return &Sender{
		provider:    provider,
		chunkSize:   cfg.ChunkSize,
		pace:        cfg.PaceInterval,
		maxFileSize: cfg.MaxFileSize,
		maxChunks:   cfg.MaxChunks,
		log:         logger.WithField("component", "file-sender"),
	}
}

// Check reports whether file can be sent within the transfer limits a
// receiver with the same configuration enforces
func (s *Sender) Check(file *File) error {
	if file == nil || len(file.Data) == 0 {
		return ErrEmptyFile
	}
	if file.Size() > s.maxFileSize || ChunkCount(file.Size(), s.chunkSize) > s.maxChunks {
		return fmt.Errorf("%w: %d bytes", ErrFileTooLarge, file.Size())
	}
	return nil
}

// Send transmits file as transferID: one metadata envelope, then every chunk
// in ascending order with a pacing delay before each. It blocks until the
// last chunk is accepted by out, ctx is cancelled, or a send fails.
// Exactly one of OnComplete or OnError fires.
func (s *Sender) Send(ctx context.Context, out *transport.SafeSender, transferID string, file *File, useEncryption bool, secret []byte, cb Callbacks) error {
	log := s.log.WithField("transfer_id", transferID)

	fail := func(err error) error {
		log.WithError(err).Warn("File transfer failed")
		if cb.OnError != nil {
			cb.OnError(transferID, err)
		}
		return err
	}

	if err := s.Check(file); err != nil {
		return fail(err)
	}
	if useEncryption && len(secret) == 0 {
		return fail(ErrNoSharedSecret)
	}

	totalChunks := ChunkCount(file.Size(), s.chunkSize)
	meta := protocol.NewFileMetadata(transferID, file.Name, file.Type, file.Size(), totalChunks)

	if err := s.sendMetadata(out, meta, useEncryption, secret); err != nil {
		return fail(err)
	}

	log.WithFields(logrus.Fields{
		"file":      file.Name,
		"size":      file.Size(),
		"chunks":    totalChunks,
		"encrypted": useEncryption,
	}).Info("Sending file")

	sentChunks := 0
	for i := 0; i < totalChunks; i++ {
		if err := s.wait(ctx); err != nil {
			return fail(fmt.Errorf("%w: %v", ErrTransferAborted, err))
		}

		start := i * s.chunkSize
		end := start + s.chunkSize
		if end > len(file.Data) {
			end = len(file.Data)
		}

		header := protocol.NewFileChunk(transferID, i, i == totalChunks-1)
		if err := s.sendChunk(out, header, file.Data[start:end], useEncryption, secret); err != nil {
			return fail(err)
		}

		sentChunks++
		if cb.OnProgress != nil {
			cb.OnProgress(transferID, float64(sentChunks)/float64(totalChunks)*100)
		}
	}

	log.Info("File sent")
	if cb.OnComplete != nil {
		cb.OnComplete(transferID)
	}

	return nil
}

func (s *Sender) sendMetadata(out *transport.SafeSender, meta *protocol.Envelope, useEncryption bool, secret []byte) error {
	env := meta
	if useEncryption {
		plaintext, err := meta.Encode()
		if err != nil {
			return err
		}
		sealed, err := s.provider.Encrypt(plaintext, secret)
		if err != nil {
			return fmt.Errorf("failed to encrypt metadata: %w", err)
		}
		env = protocol.NewEncryptedMessage(sealed)
	}

	if !out.SendEnvelope(env) {
		return fmt.Errorf("%w: metadata", ErrSendFailed)
	}
	return nil
}

func (s *Sender) sendChunk(out *transport.SafeSender, header *protocol.Envelope, chunk []byte, useEncryption bool, secret []byte) error {
	if !useEncryption {
		if !out.SendChunkFrame(header, chunk) {
			return fmt.Errorf("%w: chunk %d", ErrSendFailed, header.ChunkIndex)
		}
		return nil
	}

	encoded := base64.StdEncoding.EncodeToString(chunk)
	sealed, err := s.provider.Encrypt([]byte(encoded), secret)
	if err != nil {
		return fmt.Errorf("failed to encrypt chunk %d: %w", header.ChunkIndex, err)
	}
	header.EncryptedData = sealed

	if !out.SendEnvelope(header) {
		return fmt.Errorf("%w: chunk %d", ErrSendFailed, header.ChunkIndex)
	}
	return nil
}

// wait sleeps for the pacing interval unless ctx ends first
func (s *Sender) wait(ctx context.Context) error {
	if s.pace <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(s.pace)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
