package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/zentalk-peer/pkg/session"
)

func listenCmd() *cobra.Command {
	var (
		port       int
		encrypt    bool
		autoAccept bool
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Wait for incoming peer sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd, port)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, err := startPeer(ctx, cfg, logger, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer p.Close()

			go p.console(cmd.InOrStdin(), stop)

			for {
				t, err := p.node.Accept(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}

				s := p.newSession(t)
				p.watch(ctx, s, func(e session.Event) {
					if e.Type != session.EventConnectionRequest {
						return
					}
					if !autoAccept {
						s.Reject()
						return
					}
					if _, err := s.Accept(encrypt); err != nil {
						logger.WithError(err).Warn("Accept failed")
					}
				})
			}
		},
	}

	cmd.Flags().IntVar(&port, "port", 9000, "libp2p listen port")
	cmd.Flags().BoolVar(&encrypt, "encrypt", true, "prefer an encrypted session")
	cmd.Flags().BoolVar(&autoAccept, "auto-accept", true, "accept incoming requests; reject them when false")

	return cmd
}
