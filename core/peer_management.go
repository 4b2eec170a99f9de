package core

// core/peer_management.go
//
// Peer management helpers built around Node: connecting to peers by
// multiaddress, listing the connected set and advertising locally held
// blocks so other nodes' provider discovery can find us.

import (
	"context"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	logrus "github.com/sirupsen/logrus"
)

// PeerInfo is a connected peer summary.
type PeerInfo struct {
	ID      NodeID
	Addrs   []string
	Updated int64
}

// PeerManagement wraps an existing Node to expose peer management functions.
type PeerManagement struct {
	node   *Node
	logger *logrus.Logger
}

// NewPeerManagement wraps n.
func NewPeerManagement(n *Node, lg *logrus.Logger) *PeerManagement {
	if lg == nil {
		lg = logrus.New()
	}
	return &PeerManagement{node: n, logger: lg}
}

// DiscoverPeers returns the currently connected peers. Background discovery
// itself runs via mDNS and the DHT on the underlying Node.
func (pm *PeerManagement) DiscoverPeers() []PeerInfo {
	h := pm.node.Host()
	var infos []PeerInfo
	for _, p := range h.Network().Peers() {
		if h.Network().Connectedness(p) != network.Connected {
			continue
		}
		info := PeerInfo{ID: NodeID(p.String()), Updated: time.Now().Unix()}
		for _, addr := range h.Peerstore().Addrs(p) {
			info.Addrs = append(info.Addrs, addr.String())
		}
		infos = append(infos, info)
	}
	return infos
}

// Connect establishes a connection to the given multi-address.
func (pm *PeerManagement) Connect(ctx context.Context, addr string) error {
	pi, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	if err := pm.node.Host().Connect(ctx, *pi); err != nil {
		return err
	}
	pm.logger.Infof("connected to peer %s", pi.ID)
	return nil
}

// Disconnect closes connections to the given peer.
func (pm *PeerManagement) Disconnect(id NodeID) error {
	p, err := peer.Decode(string(id))
	if err != nil {
		return fmt.Errorf("invalid peer id: %w", err)
	}
	return pm.node.Host().Network().ClosePeer(p)
}

// AdvertiseBlock announces that the local node can serve c, feeding remote
// provider discovery.
func (pm *PeerManagement) AdvertiseBlock(ctx context.Context, c cid.Cid) error {
	return pm.node.DHT().Provide(ctx, c, true)
}
