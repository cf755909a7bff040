package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-peer/pkg/api"
	"github.com/ZentaChain/zentalk-peer/pkg/config"
	"github.com/ZentaChain/zentalk-peer/pkg/protocol"
	"github.com/ZentaChain/zentalk-peer/pkg/session"
	"github.com/ZentaChain/zentalk-peer/pkg/storage"
	"github.com/ZentaChain/zentalk-peer/pkg/transport"
)

// peer wires the libp2p node, history database, API server and the
// active session together
type peer struct {
	cfg      *config.Config
	logger   *logrus.Logger
	node     *transport.Node
	db       *storage.DB
	recorder *recorder
	api      *api.Server
	out      io.Writer

	mu      sync.Mutex
	current *session.Session
}

func startPeer(ctx context.Context, cfg *config.Config, logger *logrus.Logger, out io.Writer) (*peer, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	db, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	priv, err := loadIdentity(cfg.DataDir)
	if err != nil {
		db.Close()
		return nil, err
	}

	node, err := transport.NewNode(ctx, &transport.NodeConfig{
		Port:           cfg.Node.Port,
		BootstrapPeers: cfg.Node.BootstrapPeers,
		EnableDHT:      cfg.Node.EnableDHT,
		PrivateKey:     priv,
	}, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	p := &peer{
		cfg:      cfg,
		logger:   logger,
		node:     node,
		db:       db,
		recorder: newRecorder(db, cfg.DownloadsDir(), logger),
		out:      out,
	}

	if cfg.API.Port > 0 {
		apiCfg := api.DefaultConfig()
		if cfg.API.Host != "" {
			apiCfg.Host = cfg.API.Host
		}
		apiCfg.Port = cfg.API.Port
		apiCfg.EnableCORS = cfg.API.EnableCORS
		apiCfg.CORSOrigins = cfg.API.CORSOrigins

		p.api = api.NewServer(p.activeSession, db, apiCfg, logger)
		go func() {
			if err := p.api.Start(ctx); err != nil {
				logger.WithError(err).Error("API server stopped")
			}
		}()
	}

	fmt.Fprintln(out, "Node Information:")
	fmt.Fprintf(out, "  ID: %s\n", node.ID())
	fmt.Fprintln(out, "  Addresses:")
	for _, addr := range node.Addresses() {
		fmt.Fprintf(out, "    %s\n", addr)
	}
	fmt.Fprintf(out, "  Data: %s\n", cfg.DataDir)
	if p.api != nil {
		fmt.Fprintf(out, "  API: http://%s\n", p.api.Addr())
	}
	fmt.Fprintln(out)

	return p, nil
}

// activeSession feeds the API; it must return a nil interface, not a nil pointer
func (p *peer) activeSession() api.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	return p.current
}

func (p *peer) session() *session.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// sendHooks logs frames the transport did not take
func sendHooks(logger *logrus.Logger) transport.SendHooks {
	log := logger.WithField("component", "telemetry")
	return transport.SendHooks{
		OnFallback: func(frame protocol.Frame, err error) {
			log.WithError(err).WithField("frame", frameKind(frame)).Debug("Frame sent over fallback")
		},
		OnFailed: func(frame protocol.Frame, err error) {
			log.WithError(err).WithField("frame", frameKind(frame)).Warn("Frame dropped")
		},
	}
}

func frameKind(frame protocol.Frame) string {
	switch frame.(type) {
	case protocol.TextFrame:
		return "text"
	case protocol.BinaryFrame:
		return "binary"
	case protocol.ParsedFrame:
		return "parsed"
	}
	return "unknown"
}

func (p *peer) newSession(t transport.Transport) *session.Session {
	s := session.New(t, session.Options{
		Config:  p.cfg,
		LocalID: p.node.ID().String(),
		Store:   p.db,
		Hooks:   sendHooks(p.logger),
		Logger:  p.logger,
	})

	p.mu.Lock()
	p.current = s
	p.mu.Unlock()
	return s
}

// watch consumes the session's events until it closes. The session is
// closed when ctx ends.
func (p *peer) watch(ctx context.Context, s *session.Session, onEvent func(session.Event)) {
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.Done():
		}
	}()

	for e := range s.Subscribe() {
		path := p.recorder.record(refOf(s), e)
		p.print(e, path)
		if onEvent != nil {
			onEvent(e)
		}
	}

	p.mu.Lock()
	if p.current == s {
		p.current = nil
	}
	p.mu.Unlock()
}

func (p *peer) print(e session.Event, path string) {
	out := p.out
	switch e.Type {
	case session.EventConnectionRequest:
		fmt.Fprintf(out, "📨 Connection request from %s (encryption: %v)\n", e.RemoteID, e.UseEncryption)
	case session.EventConnected:
		fmt.Fprintf(out, "✅ Connected to %s (encryption: %v)\n", e.RemoteID, e.UseEncryption)
	case session.EventRejected:
		fmt.Fprintln(out, "🚫 Connection rejected")
	case session.EventTimedOut:
		fmt.Fprintln(out, "⏱️  Connection request timed out")
	case session.EventHandshakeFailed:
		fmt.Fprintf(out, "❌ Handshake failed: %v\n", e.Err)
	case session.EventEncryptionReady:
		fmt.Fprintf(out, "🔒 Encryption ready, verify fingerprint with your peer: %s\n", e.Fingerprint)
	case session.EventEncryptionFailed:
		fmt.Fprintf(out, "❌ Encryption failed: %v\n", e.Err)
	case session.EventMessage:
		lock := ""
		if e.Message.Encrypted {
			lock = "🔒 "
		}
		fmt.Fprintf(out, "%s[%s] %s\n", lock, e.Message.Sender, e.Message.Content)
	case session.EventTransferStarted:
		fmt.Fprintf(out, "📁 %s transfer %s: %s (%d bytes)\n", e.Transfer.Direction, e.Transfer.ID, e.Transfer.FileName, e.Transfer.FileSize)
	case session.EventFileSent:
		fmt.Fprintf(out, "📤 Sent %s\n", e.Transfer.FileName)
	case session.EventFileReceived:
		if path != "" {
			fmt.Fprintf(out, "📥 Received %s, saved to %s\n", e.Transfer.FileName, path)
		} else {
			fmt.Fprintf(out, "📥 Received %s (not saved)\n", e.Transfer.FileName)
		}
	case session.EventTransferFailed:
		fmt.Fprintf(out, "❌ Transfer %s failed: %v\n", e.Transfer.ID, e.Err)
	case session.EventDisconnected:
		fmt.Fprintf(out, "🔌 Disconnected: %v\n", e.Err)
	}
}

// Close shuts down the session, node and database
func (p *peer) Close() {
	if s := p.session(); s != nil {
		s.Close()
	}
	if p.api != nil {
		p.api.Stop()
	}
	if err := p.node.Close(); err != nil {
		p.logger.WithError(err).Warn("Node close failed")
	}
	if err := p.db.Close(); err != nil {
		p.logger.WithError(err).Warn("Database close failed")
	}
}
