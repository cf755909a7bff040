package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/zentalk-peer/pkg/session"
)

func connectCmd() *cobra.Command {
	var (
		port    int
		encrypt bool
	)

	cmd := &cobra.Command{
		Use:   "connect <multiaddr|peer-id>",
		Short: "Connect to a peer and keep the session alive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd, port)
			if err != nil {
				return err
			}
			// Outgoing side picks a free port unless told otherwise
			if !cmd.Flags().Changed("port") {
				cfg.Node.Port = 0
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, err := startPeer(ctx, cfg, logger, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer p.Close()

			go p.console(cmd.InOrStdin(), stop)

			err = session.Reconnect(ctx, session.NewBackoff(cfg.Reconnect), func(ctx context.Context) (bool, error) {
				return p.dial(ctx, args[0], encrypt)
			}, logger)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "libp2p listen port (default: any free port)")
	cmd.Flags().BoolVar(&encrypt, "encrypt", true, "request an encrypted session")

	return cmd
}

// dial runs one session to target until it ends. It reports whether the
// handshake completed so the reconnect loop can reset its backoff.
func (p *peer) dial(ctx context.Context, target string, encrypt bool) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.HandshakeTimeout)
	t, err := p.node.Dial(dialCtx, target)
	cancel()
	if err != nil {
		return false, err
	}

	s := p.newSession(t)
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		p.watch(ctx, s, nil)
	}()

	if err := s.Connect(encrypt); err != nil {
		s.Close()
		<-watched
		return false, err
	}
	if err := s.WaitConnected(ctx); err != nil {
		s.Close()
		<-watched
		return false, err
	}

	<-watched
	if ctx.Err() != nil {
		return true, ctx.Err()
	}
	return true, s.Err()
}
