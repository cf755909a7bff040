package commands

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/ZentaChain/zentalk-peer/pkg/session"
	"github.com/ZentaChain/zentalk-peer/pkg/transfer"
)

const consoleHelp = `Commands:
  <text>         send a chat message
  /send <path>   send a file
  /status        show session state
  /reset         restart the key exchange (peer must reset too)
  /quit          exit`

// console reads lines from in and drives the active session
func (p *peer) console(in io.Reader, quit func()) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := p.command(line, quit); err != nil {
			fmt.Fprintf(p.out, "❌ %v\n", err)
		}
	}
}

func (p *peer) command(line string, quit func()) error {
	switch line {
	case "/quit":
		quit()
		return nil
	case "/help":
		fmt.Fprintln(p.out, consoleHelp)
		return nil
	}

	s := p.session()
	if s == nil {
		return session.ErrNotConnected
	}

	switch {
	case strings.HasPrefix(line, "/send "):
		file, err := transfer.OpenFile(strings.TrimSpace(strings.TrimPrefix(line, "/send ")))
		if err != nil {
			return err
		}
		if _, err := s.SendFile(file); err != nil {
			return err
		}

	case line == "/status":
		info := s.Info()
		fmt.Fprintf(p.out, "Session %s with %s\n", info.ID, info.RemoteID)
		fmt.Fprintf(p.out, "  handshake: %s, encryption: %s (%v)\n", info.Handshake, info.Encryption, info.UseEncryption)
		if info.Fingerprint != "" {
			fmt.Fprintf(p.out, "  fingerprint: %s\n", info.Fingerprint)
		}

	case line == "/reset":
		return s.ResetEncryption()

	case strings.HasPrefix(line, "/"):
		return fmt.Errorf("unknown command %q, try /help", line)

	default:
		msg, err := s.SendMessage(line)
		if err != nil {
			return err
		}
		p.recorder.saveMessage(refOf(s), msg)
	}

	return nil
}
