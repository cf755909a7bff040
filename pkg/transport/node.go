package transport

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	p2pprotocol "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
)

const (
	// Protocol ID for peer sessions
	ProtocolID = p2pprotocol.ID("/zentalk/peer/1.0.0")

	incomingQueueSize = 16
)

var (
	ErrNoRouting   = errors.New("peer has no known address and DHT is disabled")
	ErrNodeClosed  = errors.New("node closed")
	ErrInvalidPeer = errors.New("invalid peer address")
)

// NodeConfig contains configuration for creating a node
type NodeConfig struct {
	Port           int
	BootstrapPeers []string
	EnableDHT      bool
	PrivateKey     crypto.PrivKey // Optional: provide your own key
}

// Node is a libp2p host that dials and accepts peer sessions
type Node struct {
	host host.Host
	// Kademlia DHT used for peer routing, nil when disabled
	dht    *dht.IpfsDHT
	ctx    context.Context
	cancel context.CancelFunc

	incoming chan *StreamTransport

	mu           sync.RWMutex
	bootstrapped bool

	logger *logrus.Logger
	log    *logrus.Entry
}

// NewNode creates a node listening on the configured port
func NewNode(ctx context.Context, config *NodeConfig, logger *logrus.Logger) (*Node, error) {
	if logger == nil {
		logger = logrus.New()
	}

	// Generate or use provided private key
	priv := config.PrivateKey
	if priv == nil {
		var err error
		priv, _, err = crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key pair: %w", err)
		}
	}

	listenAddr := fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", config.Port)

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listenAddr),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
		libp2p.NATPortMap(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	nodeCtx, cancel := context.WithCancel(ctx)

	node := &Node{
		host:     h,
		ctx:      nodeCtx,
		cancel:   cancel,
		incoming: make(chan *StreamTransport, incomingQueueSize),
		logger:   logger,
		log:      logger.WithFields(logrus.Fields{"component": "node", "peer": h.ID().String()}),
	}

	if config.EnableDHT {
		node.dht, err = dht.New(nodeCtx, h, dht.Mode(dht.ModeAutoServer))
		if err != nil {
			cancel()
			h.Close()
			return nil, fmt.Errorf("failed to create DHT: %w", err)
		}
	}

	h.SetStreamHandler(ProtocolID, node.handleStream)

	if len(config.BootstrapPeers) > 0 {
		if err := node.Bootstrap(config.BootstrapPeers); err != nil {
			node.Close()
			return nil, fmt.Errorf("failed to bootstrap: %w", err)
		}
	}

	node.log.WithField("addrs", node.Addresses()).Info("Node started")

	return node, nil
}

// handleStream queues an incoming session stream for Accept
func (n *Node) handleStream(stream network.Stream) {
	t := NewStreamTransport(stream, n.logger)

	select {
	case n.incoming <- t:
		n.log.WithField("remote", t.RemotePeer()).Debug("Incoming stream")
	default:
		n.log.WithField("remote", t.RemotePeer()).Warn("Incoming queue full, dropping stream")
		stream.Reset()
	}
}

// Accept waits for the next incoming session stream
func (n *Node) Accept(ctx context.Context) (*StreamTransport, error) {
	select {
	case t := <-n.incoming:
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.ctx.Done():
		return nil, ErrNodeClosed
	}
}

// Dial opens a session stream to target, given either a full multiaddr
// ending in /p2p/<id> or a bare peer ID resolved through the DHT
func (n *Node) Dial(ctx context.Context, target string) (*StreamTransport, error) {
	info, err := n.resolve(ctx, target)
	if err != nil {
		return nil, err
	}

	if err := n.host.Connect(ctx, *info); err != nil {
		return nil, fmt.Errorf("failed to connect to peer: %w", err)
	}

	stream, err := n.host.NewStream(ctx, info.ID, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	n.log.WithField("remote", info.ID.String()).Info("Dialed peer")

	return NewStreamTransport(stream, n.logger), nil
}

func (n *Node) resolve(ctx context.Context, target string) (*peer.AddrInfo, error) {
	if strings.HasPrefix(target, "/") {
		maddr, err := multiaddr.NewMultiaddr(target)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPeer, err)
		}

		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPeer, err)
		}
		return info, nil
	}

	id, err := peer.Decode(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeer, err)
	}

	if addrs := n.host.Peerstore().Addrs(id); len(addrs) > 0 {
		return &peer.AddrInfo{ID: id, Addrs: addrs}, nil
	}

	if n.dht == nil {
		return nil, ErrNoRouting
	}

	findCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	info, err := n.dht.FindPeer(findCtx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find peer %s: %w", id, err)
	}
	return &info, nil
}

// Bootstrap connects to bootstrap peers and joins the DHT network
func (n *Node) Bootstrap(bootstrapPeers []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.bootstrapped {
		return fmt.Errorf("already bootstrapped")
	}

	var connectedCount int
	for _, peerStr := range bootstrapPeers {
		maddr, err := multiaddr.NewMultiaddr(peerStr)
		if err != nil {
			n.log.WithError(err).WithField("addr", peerStr).Warn("Invalid bootstrap peer address")
			continue
		}

		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			n.log.WithError(err).WithField("addr", peerStr).Warn("Failed to parse bootstrap peer")
			continue
		}

		if err := n.host.Connect(n.ctx, *info); err != nil {
			n.log.WithError(err).WithField("remote", info.ID.String()).Warn("Failed to connect to bootstrap peer")
			continue
		}

		connectedCount++
	}

	if connectedCount == 0 {
		return fmt.Errorf("failed to connect to any bootstrap peers")
	}

	if n.dht != nil {
		if err := n.dht.Bootstrap(n.ctx); err != nil {
			return fmt.Errorf("failed to bootstrap DHT: %w", err)
		}
	}

	n.bootstrapped = true
	n.log.WithField("peers", connectedCount).Info("Bootstrapped")

	return nil
}

// ID returns the node's peer ID
func (n *Node) ID() peer.ID {
	return n.host.ID()
}

// Addresses returns the node's dialable addresses including the /p2p component
func (n *Node) Addresses() []string {
	addrs := make([]string, 0, len(n.host.Addrs()))
	for _, addr := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", addr, n.host.ID()))
	}
	return addrs
}

// PeerCount returns the number of connected peers
func (n *Node) PeerCount() int {
	return len(n.host.Network().Peers())
}

// IsBootstrapped returns whether the node has successfully bootstrapped
func (n *Node) IsBootstrapped() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.bootstrapped
}

// Host returns the libp2p host
func (n *Node) Host() host.Host {
	return n.host
}

// Close gracefully shuts down the node
func (n *Node) Close() error {
	n.cancel()
	n.host.RemoveStreamHandler(ProtocolID)

	if n.dht != nil {
		if err := n.dht.Close(); err != nil {
			n.log.WithError(err).Warn("Error closing DHT")
		}
	}

	if err := n.host.Close(); err != nil {
		return fmt.Errorf("failed to close host: %w", err)
	}

	return nil
}
