package core

// core/network.go
//
// libp2p host wiring: gossip pubsub, kademlia DHT for provider discovery,
// mDNS local discovery and NAT mapping. Core data types such as NodeID live
// in common_structs.go.

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	logrus "github.com/sirupsen/logrus"
)

// NetworkConfig carries the host parameters read from pkg/config.
type NetworkConfig struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
}

// Node owns the libp2p host and its discovery services.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub
	dht    *dht.IpfsDHT
	nat    *NATManager
	mdns   mdns.Service
	ctx    context.Context
	cancel context.CancelFunc
	cfg    NetworkConfig
	logger *logrus.Logger
}

// NewNode creates and bootstraps a grid P2P node. identity may be nil to
// generate an ephemeral key.
func NewNode(cfg NetworkConfig, identity crypto.PrivKey, lg *logrus.Logger) (*Node, error) {
	if lg == nil {
		lg = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())

	opts := []libp2p.Option{libp2p.ListenAddrStrings(cfg.ListenAddr)}
	if identity != nil {
		opts = append(opts, libp2p.Identity(identity))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	kad, err := dht.New(ctx, h, dht.Mode(dht.ModeServer))
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to create dht: %w", err)
	}

	n := &Node{
		host:   h,
		pubsub: ps,
		dht:    kad,
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		logger: lg,
	}

	natMgr, err := NewNATManager()
	if err == nil {
		if port, err := parseListenPort(cfg.ListenAddr); err == nil {
			if err := natMgr.Map(port); err != nil {
				lg.Warnf("NAT map failed: %v", err)
			}
		}
		n.nat = natMgr
	} else {
		lg.Warnf("NAT discovery failed: %v", err)
	}

	if err := n.DialSeed(cfg.BootstrapPeers); err != nil {
		lg.Warnf("DialSeed warning: %v", err)
	}
	if err := kad.Bootstrap(ctx); err != nil {
		lg.Warnf("DHT bootstrap warning: %v", err)
	}

	if cfg.DiscoveryTag != "" {
		svc := mdns.NewMdnsService(h, cfg.DiscoveryTag, n)
		if err := svc.Start(); err != nil {
			lg.Warnf("mDNS start failed: %v", err)
		} else {
			n.mdns = svc
		}
	}
	return n, nil
}

// Ensure Node implements mdns.Notifee.
var _ mdns.Notifee = (*Node)(nil)

// HandlePeerFound implements mdns.Notifee: connect to a discovered peer,
// ignoring self-connections.
func (n *Node) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	if err := n.host.Connect(n.ctx, info); err != nil {
		n.logger.Warnf("failed to connect to discovered peer %s: %v", info.ID, err)
		return
	}
	n.logger.Infof("connected to peer %s via mDNS", info.ID)
}

// DialSeed connects to a list of bootstrap peers.
func (n *Node) DialSeed(seeds []string) error {
	var errs []string
	for _, addr := range seeds {
		maddr, err := ma.NewMultiaddr(addr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid addr %s: %v", addr, err))
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("addr %s has no peer id: %v", addr, err))
			continue
		}
		if err := n.host.Connect(n.ctx, *pi); err != nil {
			errs = append(errs, fmt.Sprintf("connect %s: %v", addr, err))
			continue
		}
		n.logger.Infof("bootstrapped to %s", addr)
	}
	if len(errs) > 0 {
		return fmt.Errorf("dial errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ID returns the local node identity.
func (n *Node) ID() NodeID { return NodeID(n.host.ID().String()) }

// Host exposes the underlying libp2p host.
func (n *Node) Host() host.Host { return n.host }

// PubSub exposes the gossipsub router.
func (n *Node) PubSub() *pubsub.PubSub { return n.pubsub }

// DHT exposes the kademlia routing table; it implements ProviderDiscovery.
func (n *Node) DHT() *dht.IpfsDHT { return n.dht }

// NewBroadcaster joins topicName as a CRDT delta broadcaster.
func (n *Node) NewBroadcaster(topicName string) (*PubSubBroadcaster, error) {
	return NewPubSubBroadcaster(n.ctx, n.pubsub, n.host.ID(), topicName, n.logger)
}

// NewProcessingChannel implements ChannelFactory.
func (n *Node) NewProcessingChannel(channelID string, handler ProcessingMessageHandler) (ProcessingChannelHandle, error) {
	return newProcessingChannel(n.ctx, n.pubsub, n.host.ID(), channelID, handler, n.logger)
}

// NewGridChannel implements ChannelFactory.
func (n *Node) NewGridChannel(channelID string, handler GridMessageHandler) (GridChannelHandle, error) {
	return newGridChannel(n.ctx, n.pubsub, n.host.ID(), channelID, handler, n.logger)
}

// Close tears the node down: mDNS, NAT mapping, DHT, host.
func (n *Node) Close() error {
	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	if n.nat != nil {
		_ = n.nat.Unmap()
	}
	n.cancel()
	if err := n.dht.Close(); err != nil {
		return err
	}
	return n.host.Close()
}

// parseListenPort extracts the TCP port from a multiaddress such as
// /ip4/0.0.0.0/tcp/33123.
func parseListenPort(listenAddr string) (int, error) {
	parts := strings.Split(listenAddr, "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "tcp" {
			return strconv.Atoi(parts[i+1])
		}
	}
	return 0, fmt.Errorf("no tcp port in %q", listenAddr)
}
